package process

import (
	"context"
	"encoding/json"
	"fmt"
)

// IPJSON runs "ip --json <args>" and decodes the output into v. Empty output
// decodes as an empty list.
func (a *Adapter) IPJSON(ctx context.Context, args string, v any) error {
	out, err := a.Cmd(ctx, "ip --json "+args, nil)
	if err != nil {
		return err
	}
	if out == "" {
		out = "[]"
	}
	if err := json.Unmarshal([]byte(out), v); err != nil {
		return fmt.Errorf("failed to decode ip output: %w", err)
	}
	return nil
}

// IPRoute is the subset of "ip --json route" output the loops need.
type IPRoute struct {
	Dst      string   `json:"dst"`
	Gateway  string   `json:"gateway"`
	Dev      string   `json:"dev"`
	Protocol string   `json:"protocol"`
	Metric   int      `json:"metric"`
	Flags    []string `json:"flags"`
}

// IPAddrInfo is one entry of "ip --json addr show dev X".
type IPAddrInfo struct {
	IfName   string `json:"ifname"`
	AddrInfo []struct {
		Family    string `json:"family"`
		Local     string `json:"local"`
		PrefixLen int    `json:"prefixlen"`
	} `json:"addr_info"`
}
