// Package loadbalancing owns "load-balancing wan". The handler only
// publishes the intent; wlbd does the health checks and nftables work.
package loadbalancing

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"

	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/internal/failure"
	"vycore/models"
	"vycore/process"
	"vycore/render"
)

const (
	Owner          = "load_balancing_wan"
	Unit           = "vyos-wan-load-balance.service"
	conntrackOwner = "conntrack"
	acctSysctl     = "/proc/sys/net/netfilter/nf_conntrack_acct"
)

var confFile = constant.WLBConfigFile

type Test struct {
	Type       string `mapstructure:"type"`
	Target     string `mapstructure:"target"`
	RespTime   int    `mapstructure:"resp_time"`
	TTLLimit   int    `mapstructure:"ttl_limit"`
	TestScript string `mapstructure:"test_script"`
}

type Health struct {
	Nexthop      string          `mapstructure:"nexthop"`
	FailureCount int             `mapstructure:"failure_count"`
	SuccessCount int             `mapstructure:"success_count"`
	Test         map[string]Test `mapstructure:"test"`
}

type Match struct {
	Address string `mapstructure:"address"`
	Port    string `mapstructure:"port"`
}

type Limit struct {
	Burst     int    `mapstructure:"burst"`
	Period    string `mapstructure:"period"`
	Rate      int    `mapstructure:"rate"`
	Threshold string `mapstructure:"threshold"`
}

type Rule struct {
	Description        string `mapstructure:"description"`
	InboundInterface   string `mapstructure:"inbound_interface"`
	Protocol           string `mapstructure:"protocol"`
	Exclude            bool   `mapstructure:"exclude"`
	Failover           bool   `mapstructure:"failover"`
	PerPacketBalancing bool   `mapstructure:"per_packet_balancing"`
	Source             *Match `mapstructure:"source"`
	Destination        *Match `mapstructure:"destination"`
	Interface          map[string]struct {
		Weight int `mapstructure:"weight"`
	} `mapstructure:"interface"`
	Limit *Limit `mapstructure:"limit"`
}

type Config struct {
	FlushConnections   bool   `mapstructure:"flush_connections"`
	EnableLocalTraffic bool   `mapstructure:"enable_local_traffic"`
	Hook               string `mapstructure:"hook"`
	StickyConnections  struct {
		Inbound bool `mapstructure:"inbound"`
	} `mapstructure:"sticky_connections"`
	InterfaceHealth map[string]Health `mapstructure:"interface_health"`
	Rule            map[string]Rule   `mapstructure:"rule"`
}

type WAN struct {
	Deleted bool
	Config  Config
	changed bool
}

func getWAN(env *commit.Env) (*WAN, error) {
	w := &WAN{}
	exists, err := env.Config.DecodeAt([]string{"load-balancing", "wan"}, false, &w.Config)
	if err != nil {
		return nil, err
	}
	w.Deleted = !exists
	// marks and accounting in the conntrack tables follow this tree
	env.SetDependents(conntrackOwner, "")
	return w, nil
}

func verifyWAN(w *WAN) error {
	if w.Deleted {
		return nil
	}
	base := []string{"load-balancing", "wan"}
	c := w.Config
	if len(c.InterfaceHealth) == 0 {
		return failure.Config(base, "A valid WAN load-balance configuration requires an interface with a nexthop!")
	}
	for _, name := range configtree.SortedKeys(c.InterfaceHealth) {
		h := c.InterfaceHealth[name]
		hpath := append(append([]string{}, base...), "interface-health", name)
		if h.Nexthop == "" {
			return failure.Config(hpath, "interface-health %s nexthop must be specified!", name)
		}
		for _, id := range configtree.SortedKeys(h.Test) {
			if t := h.Test[id]; t.Type == "user-defined" && t.TestScript == "" {
				return failure.Config(append(hpath, "test", id), "test %s script must be defined for test-script!", id)
			}
		}
	}
	if len(c.Rule) == 0 {
		log.Warn().Msg("At least one rule with an (outbound) interface must be defined for WAN load balancing to be active!")
	}
	for _, id := range configtree.SortedKeys(c.Rule) {
		r := c.Rule[id]
		rpath := append(append([]string{}, base...), "rule", id)
		if r.InboundInterface == "" {
			return failure.Config(rpath, "rule %s inbound-interface must be specified!", id)
		}
		if r.Failover && r.Exclude {
			return failure.Config(rpath, "rule %s failover cannot be configured with exclude!", id)
		}
		if r.Limit != nil && r.Exclude {
			return failure.Config(rpath, "rule %s limit cannot be used with exclude!", id)
		}
		if len(r.Interface) == 0 && !r.Exclude {
			log.Warn().Str("rule", id).Msg("rule will be inactive because no (outbound) interfaces have been defined for this rule")
		}
		for _, m := range []*Match{r.Source, r.Destination} {
			if m != nil && m.Port != "" && !slices.Contains([]string{"tcp", "udp"}, r.Protocol) {
				return failure.Config(rpath, `ports can only be specified when protocol is "tcp" or "udp"`)
			}
		}
	}
	if err := models.Validate(c.model()); err != nil {
		return failure.Config(base, "%v", err)
	}
	return nil
}

func (c Config) model() *models.WLBConfig {
	out := &models.WLBConfig{
		Hook:               c.Hook,
		FlushConnections:   c.FlushConnections,
		EnableLocalTraffic: c.EnableLocalTraffic,
		StickyInbound:      c.StickyConnections.Inbound,
		InterfaceHealth:    map[string]models.WLBHealth{},
		Rule:               map[string]models.WLBRule{},
	}
	for name, h := range c.InterfaceHealth {
		mh := models.WLBHealth{Nexthop: h.Nexthop, FailureCount: h.FailureCount, SuccessCount: h.SuccessCount}
		for id, t := range h.Test {
			if mh.Test == nil {
				mh.Test = map[string]models.WLBTest{}
			}
			mh.Test[id] = models.WLBTest(t)
		}
		out.InterfaceHealth[name] = mh
	}
	for id, r := range c.Rule {
		mr := models.WLBRule{
			Description:        r.Description,
			InboundInterface:   r.InboundInterface,
			Protocol:           r.Protocol,
			Exclude:            r.Exclude,
			Failover:           r.Failover,
			PerPacketBalancing: r.PerPacketBalancing,
		}
		if r.Source != nil {
			mr.Source = models.WLBMatch(*r.Source)
		}
		if r.Destination != nil {
			mr.Destination = models.WLBMatch(*r.Destination)
		}
		for ifname, v := range r.Interface {
			if mr.Interface == nil {
				mr.Interface = map[string]models.WLBRuleIf{}
			}
			mr.Interface[ifname] = models.WLBRuleIf{Weight: v.Weight}
		}
		if r.Limit != nil {
			l := models.WLBLimit(*r.Limit)
			mr.Limit = &l
		}
		out.Rule[id] = mr
	}
	return out
}

func generateWAN(env *commit.Env, w *WAN) error {
	if w.Deleted {
		if err := os.RemoveAll(filepath.Dir(confFile)); err != nil {
			return err
		}
		return nil
	}
	data, err := json.MarshalIndent(w.Config.model(), "", "    ")
	if err != nil {
		return err
	}
	w.changed, err = env.Render.UpdateFile(confFile, data, render.Public)
	return err
}

func applyWAN(env *commit.Env, w *WAN) error {
	ctx := env.Ctx
	if w.Deleted {
		if err := env.Proc.Systemctl(ctx, "stop", Unit); err != nil {
			log.Warn().Err(err).Msg("failed to stop the WAN load balancer")
		}
		return nil
	}
	// health decisions use per-connection byte counters
	if _, err := env.Sys.Ensure(acctSysctl, "1"); err != nil && !errors.Is(err, process.ErrNoSuchAttribute) {
		return err
	}
	if !w.changed && env.Proc.IsServiceRunning(ctx, Unit) {
		return nil
	}
	return env.Proc.Systemctl(ctx, "restart", Unit)
}

func Handler() commit.Handler {
	return commit.Funcs[*WAN]{Get: getWAN, Check: verifyWAN, Gen: generateWAN, Act: applyWAN}
}
