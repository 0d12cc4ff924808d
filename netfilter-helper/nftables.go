package netfilterHelper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vycore/internal/failure"
	"vycore/process"
)

var ErrNoAdapter = errors.New("netfilter helper has no process adapter")

// Check parses file without touching the kernel ruleset.
func (nh *NetfilterHelper) Check(ctx context.Context, file string) error {
	if nh.Proc == nil {
		return ErrNoAdapter
	}
	rc, out := nh.Proc.RcCmd(ctx, "nft --check -f "+file)
	if rc != 0 {
		return failure.Config(nil, "nftables rejected %s:\n%s", file, out)
	}
	return nil
}

// Apply loads file only after it passed the check, so a broken ruleset
// leaves the running one untouched. nft itself loads a file as one
// transaction.
func (nh *NetfilterHelper) Apply(ctx context.Context, file string) error {
	if err := nh.Check(ctx, file); err != nil {
		return err
	}
	rc, out := nh.Proc.RcCmd(ctx, "nft -f "+file)
	if rc != 0 {
		return failure.Internal(nil, "failed to apply %s:\n%s", file, out)
	}
	return nil
}

// ApplyScript feeds commands to "nft --file -".
func (nh *NetfilterHelper) ApplyScript(ctx context.Context, script string) error {
	if nh.Proc == nil {
		return ErrNoAdapter
	}
	if strings.TrimSpace(script) == "" {
		return nil
	}
	rc, out := nh.Proc.RcCmd(ctx, "nft --file -", process.WithInput(script))
	if rc != 0 {
		return failure.Internal(nil, "nft rejected update:\n%s", out)
	}
	return nil
}

// Set identifies one named set in the running ruleset.
type Set struct {
	Family string `json:"family"`
	Table  string `json:"table"`
	Name   string `json:"name"`
	Type   string `json:"type"`
}

func (s Set) String() string {
	return fmt.Sprintf("%s %s %s", s.Family, s.Table, s.Name)
}

// ListSets returns the named sets known to the kernel.
func (nh *NetfilterHelper) ListSets(ctx context.Context) ([]Set, error) {
	if nh.Proc == nil {
		return nil, ErrNoAdapter
	}
	out, err := nh.Proc.Cmd(ctx, "nft --json list sets", nil)
	if err != nil {
		return nil, err
	}
	return parseSets(out)
}

func parseSets(out string) ([]Set, error) {
	if out == "" {
		return nil, nil
	}
	var doc struct {
		Nftables []struct {
			Set *Set `json:"set"`
		} `json:"nftables"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode nft output: %w", err)
	}
	var sets []Set
	for _, item := range doc.Nftables {
		if item.Set != nil {
			sets = append(sets, *item.Set)
		}
	}
	return sets, nil
}

// TableExists reports whether "nft list table <family> <name>" succeeds.
func (nh *NetfilterHelper) TableExists(ctx context.Context, family, name string) bool {
	if nh.Proc == nil {
		return false
	}
	return nh.Proc.Run(ctx, fmt.Sprintf("nft list table %s %s", family, name)) == 0
}

// ListChains returns the chain names of one table, or nothing when the
// table does not exist.
func (nh *NetfilterHelper) ListChains(ctx context.Context, family, table string) ([]string, error) {
	if nh.Proc == nil {
		return nil, ErrNoAdapter
	}
	if !nh.TableExists(ctx, family, table) {
		return nil, nil
	}
	out, err := nh.Proc.Cmd(ctx, fmt.Sprintf("nft --json list table %s %s", family, table), nil)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Nftables []struct {
			Chain *struct {
				Name string `json:"name"`
			} `json:"chain"`
		} `json:"nftables"`
	}
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode nft output: %w", err)
	}
	var chains []string
	for _, item := range doc.Nftables {
		if item.Chain != nil {
			chains = append(chains, item.Chain.Name)
		}
	}
	return chains, nil
}
