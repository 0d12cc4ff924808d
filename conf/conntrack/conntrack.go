// Package conntrack owns "system conntrack": table sizing and which
// traffic is tracked at all. It mostly runs as a dependent of the
// firewall and WAN load-balancing handlers.
package conntrack

import (
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/conf/firewall"
	"vycore/constant"
	"vycore/internal/failure"
	netfilterHelper "vycore/netfilter-helper"
	"vycore/process"
	"vycore/render"
)

const Owner = "conntrack"

var (
	sysctlFile   = constant.RunDir + "/sysctl/10-vyos-conntrack.conf"
	nftablesFile = constant.RunDir + "/nftables-ct.conf"
)

const hashSizeAttr = "/sys/module/nf_conntrack/parameters/hashsize"

type Config struct {
	TableSize       int  `mapstructure:"table_size"`
	HashSize        int  `mapstructure:"hash_size"`
	ExpectTableSize int  `mapstructure:"expect_table_size"`
	FlowAccounting  bool `mapstructure:"flow_accounting"`
}

type Conntrack struct {
	Config Config
	// stateful firewall rules per family
	IPv4Firewall bool
	IPv6Firewall bool
	WLB          bool

	sysctlChanged bool
	nftChanged    bool
}

func getConntrack(env *commit.Env) (*Conntrack, error) {
	var sys struct {
		Conntrack Config `mapstructure:"conntrack"`
	}
	if _, err := env.Config.DecodeWithDefaults([]string{"system"}, &sys, "conntrack"); err != nil {
		return nil, err
	}
	ct := &Conntrack{Config: sys.Conntrack}
	var err error
	ct.IPv4Firewall, ct.IPv6Firewall, err = firewall.StatefulFamilies(env.Config)
	if err != nil {
		return nil, err
	}
	ct.WLB = env.Config.Exists("load-balancing", "wan")
	return ct, nil
}

func verifyConntrack(ct *Conntrack) error {
	path := []string{"system", "conntrack"}
	c := ct.Config
	if c.TableSize < 1 {
		return failure.Config(append(path, "table-size"), "table-size must be a positive number")
	}
	if c.HashSize < 1 {
		return failure.Config(append(path, "hash-size"), "hash-size must be a positive number")
	}
	if c.ExpectTableSize < 1 {
		return failure.Config(append(path, "expect-table-size"), "expect-table-size must be a positive number")
	}
	return nil
}

type ctFamily struct {
	Family   string
	Firewall string
	WLB      string
}

func action(needed bool) string {
	if needed {
		return "accept"
	}
	return "return"
}

func generateConntrack(env *commit.Env, ct *Conntrack) error {
	c := ct.Config
	var err error
	ct.sysctlChanged, err = env.Render.Update(sysctlFile, "conntrack/sysctl.conf.tmpl", map[string]any{
		"TableSize":       c.TableSize,
		"ExpectTableSize": c.ExpectTableSize,
		// per-connection counters feed the WAN load-balancer
		"Accounting": c.FlowAccounting || ct.WLB,
	}, render.Public)
	if err != nil {
		return err
	}
	ct.nftChanged, err = env.Render.Update(nftablesFile, "conntrack/nftables-ct.conf.tmpl", map[string]any{
		"Families": []ctFamily{
			{Family: "ip", Firewall: action(ct.IPv4Firewall), WLB: action(ct.WLB)},
			{Family: "ip6", Firewall: action(ct.IPv6Firewall), WLB: "return"},
		},
	}, render.Public)
	return err
}

func applyConntrack(env *commit.Env, ct *Conntrack) error {
	ctx := env.Ctx
	if ct.nftChanged {
		nh := &netfilterHelper.NetfilterHelper{Proc: env.Proc}
		if err := nh.Apply(ctx, nftablesFile); err != nil {
			return err
		}
	}
	if ct.sysctlChanged {
		// unknown keys on older kernels are not fatal
		if rc, out := env.Proc.RcCmd(ctx, "sysctl -f "+sysctlFile); rc != 0 {
			log.Warn().Int("rc", rc).Str("output", out).Msg("conntrack sysctls partially applied")
		}
	}
	if _, err := env.Sys.Ensure(hashSizeAttr, strconv.Itoa(ct.Config.HashSize)); err != nil {
		if !errors.Is(err, process.ErrNoSuchAttribute) {
			return err
		}
		log.Debug().Msg("nf_conntrack not loaded, hash size applies on module load")
	}
	return nil
}

func Handler() commit.Handler {
	return commit.Funcs[*Conntrack]{Get: getConntrack, Check: verifyConntrack, Gen: generateConntrack, Act: applyConntrack}
}
