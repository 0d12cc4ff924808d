// Package nat64 owns "nat64": stateful NAT64 through jool instances, one
// per source rule.
package nat64

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/netip"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/internal/failure"
	"vycore/render"
)

const Owner = "nat64"

var (
	joolDir    = constant.RunDir + "/jool"
	instanceRe = regexp.MustCompile(`^instance-(\d+)$`)
)

type Pool struct {
	Address     string          `mapstructure:"address"`
	Port        string          `mapstructure:"port"`
	Description string          `mapstructure:"description"`
	Disable     bool            `mapstructure:"disable"`
	Protocol    map[string]bool `mapstructure:"protocol"`
}

type Rule struct {
	Description string `mapstructure:"description"`
	Disable     bool   `mapstructure:"disable"`
	Mode        string `mapstructure:"mode"`
	Source      struct {
		Prefix string `mapstructure:"prefix"`
	} `mapstructure:"source"`
	Match struct {
		Mark int `mapstructure:"mark"`
	} `mapstructure:"match"`
	Translation struct {
		Pool map[string]Pool `mapstructure:"pool"`
	} `mapstructure:"translation"`

	deleted  bool
	recreate bool
}

type Config struct {
	Source struct {
		Rule map[string]*Rule `mapstructure:"rule"`
	} `mapstructure:"source"`
}

type NAT64 struct {
	Deleted bool
	Config  Config
	// Stale are the rule numbers of kernel instances that are no longer
	// configured.
	Stale []string
}

func getNAT64(env *commit.Env) (*NAT64, error) {
	n := &NAT64{}
	exists, err := env.Config.DecodeWithDefaults([]string{"nat64"}, &n.Config)
	if err != nil {
		return nil, err
	}
	n.Deleted = !exists
	if exists {
		env.Proc.Call(env.Ctx, "modprobe jool")
	}

	out, _, err := env.Proc.Popen(env.Ctx, "jool instance display --csv")
	if err != nil {
		return nil, err
	}
	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse jool instances: %w", err)
	}
	base := []string{"nat64", "source", "rule"}
	for _, rec := range records {
		if len(rec) < 2 {
			continue
		}
		m := instanceRe.FindStringSubmatch(rec[1])
		if m == nil {
			log.Warn().Str("instance", rec[1]).Msg("ignoring jool instance not managed by nat64")
			continue
		}
		num := m[1]
		rule, ok := n.Config.Source.Rule[num]
		if !ok {
			n.Stale = append(n.Stale, num)
			continue
		}
		// jool cannot change the framework or pool6 of a live instance
		if env.Config.IsNodeChanged(append(base, num, "mode")...) ||
			env.Config.IsNodeChanged(append(base, num, "source", "prefix")...) {
			rule.recreate = true
		}
	}
	return n, nil
}

// rfc6052 bits 64 to 71 of the prefix must be zero.
func rfc6052(p netip.Prefix) bool {
	return p.Addr().As16()[8] == 0
}

func verifyNAT64(n *NAT64) error {
	if n.Deleted {
		return nil
	}
	base := []string{"nat64", "source", "rule"}
	netfilter := 0
	for _, num := range configtree.SortedKeys(n.Config.Source.Rule) {
		if n.Config.Source.Rule[num].Mode == "netfilter" {
			netfilter++
		}
	}
	if netfilter > 1 {
		return failure.Config(base, "Jool permits only 1 NAT64 netfilter instance (per network namespace)")
	}
	for _, num := range configtree.SortedKeys(n.Config.Source.Rule) {
		r := n.Config.Source.Rule[num]
		path := append(base, num)
		if r.Source.Prefix == "" {
			return failure.Config(path, "Source NAT64 rule %s missing source prefix", num)
		}
		p, err := netip.ParsePrefix(r.Source.Prefix)
		if err != nil || !p.Addr().Is6() {
			return failure.Config(path, "Source NAT64 rule %s source prefix %q is not an IPv6 prefix", num, r.Source.Prefix)
		}
		if p.Bits() != 96 {
			return failure.Config(path, "Source NAT64 rule %s source prefix must be /96", num)
		}
		if !rfc6052(p) {
			return failure.Config(path, "Source NAT64 rule %s source prefix is not RFC6052-compliant: bits 64 to 71 (9th octet) must be zeroed", num)
		}
		for _, id := range configtree.SortedKeys(r.Translation.Pool) {
			pool := r.Translation.Pool[id]
			if pool.Address == "" {
				return failure.Config(path, "Source NAT64 rule %s translation pool %s missing address/prefix", num, id)
			}
			if pool.Port == "" {
				return failure.Config(path, "Source NAT64 rule %s translation pool %s missing port(-range)", num, id)
			}
		}
	}
	return nil
}

type joolGlobal struct {
	Pool6           string `json:"pool6"`
	ManuallyEnabled bool   `json:"manually-enabled"`
}

type joolPool4 struct {
	Protocol  string `json:"protocol"`
	Prefix    string `json:"prefix"`
	PortRange string `json:"port range"`
	Mark      int    `json:"mark,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

type joolInstance struct {
	Instance  string      `json:"instance"`
	Framework string      `json:"framework"`
	Global    joolGlobal  `json:"global"`
	Comment   string      `json:"comment,omitempty"`
	Pool4     []joolPool4 `json:"pool4,omitempty"`
}

func instanceName(num string) string {
	return "instance-" + num
}

func instanceFile(num string) string {
	return filepath.Join(joolDir, instanceName(num)+".json")
}

func (r *Rule) instance(num string) joolInstance {
	in := joolInstance{
		Instance:  instanceName(num),
		Framework: r.Mode,
		Global:    joolGlobal{Pool6: r.Source.Prefix, ManuallyEnabled: !r.Disable},
		Comment:   r.Description,
	}
	for _, id := range configtree.SortedKeys(r.Translation.Pool) {
		pool := r.Translation.Pool[id]
		if pool.Disable {
			continue
		}
		protos := configtree.SortedKeys(pool.Protocol)
		if len(protos) == 0 {
			protos = []string{"tcp", "udp", "icmp"}
		}
		for _, proto := range protos {
			in.Pool4 = append(in.Pool4, joolPool4{
				Protocol:  strings.ToUpper(proto),
				Prefix:    pool.Address,
				PortRange: pool.Port,
				Mark:      r.Match.Mark,
				Comment:   pool.Description,
			})
		}
	}
	return in
}

func generateNAT64(env *commit.Env, n *NAT64) error {
	for _, num := range n.Stale {
		if err := env.Render.Remove(instanceFile(num)); err != nil {
			return err
		}
	}
	for _, num := range configtree.SortedKeys(n.Config.Source.Rule) {
		data, err := json.MarshalIndent(n.Config.Source.Rule[num].instance(num), "", "  ")
		if err != nil {
			return err
		}
		if err := env.Render.WriteFile(instanceFile(num), data, render.Public); err != nil {
			return err
		}
	}
	return nil
}

func applyNAT64(env *commit.Env, n *NAT64) error {
	ctx := env.Ctx
	// removals first so a recreated instance does not collide
	remove := append([]string(nil), n.Stale...)
	for _, num := range configtree.SortedKeys(n.Config.Source.Rule) {
		if n.Config.Source.Rule[num].recreate {
			remove = append(remove, num)
		}
	}
	for _, num := range remove {
		if rc := env.Proc.Call(ctx, "jool instance remove "+instanceName(num)); rc != 0 {
			return failure.Config([]string{"nat64", "source", "rule", num}, "Failed to remove nat64 source rule %s (jool instance %s)", num, instanceName(num))
		}
	}
	if n.Deleted {
		env.Proc.Call(ctx, "rmmod jool")
		return nil
	}
	for _, num := range configtree.SortedKeys(n.Config.Source.Rule) {
		name := instanceName(num)
		if rc := env.Proc.Call(ctx, fmt.Sprintf("jool -i %s file handle %s", name, instanceFile(num))); rc != 0 {
			return failure.Config([]string{"nat64", "source", "rule", num}, "Failed to set jool instance %s", name)
		}
	}
	return nil
}

func Handler() commit.Handler {
	return commit.Funcs[*NAT64]{Get: getNAT64, Check: verifyNAT64, Gen: generateNAT64, Act: applyNAT64}
}
