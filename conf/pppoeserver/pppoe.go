// Package pppoeserver renders accel-ppp for "service pppoe-server".
package pppoeserver

import (
	"fmt"
	"net/netip"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/internal/failure"
	"vycore/render"
)

const (
	Owner = "service_pppoe_server"
	Unit  = "accel-ppp@pppoe.service"
)

var (
	pppoeConf   = constant.RunDir + "/accel-pppd/pppoe.conf"
	chapSecrets = constant.RunDir + "/accel-pppd/pppoe.chap-secrets"
)

type Config struct {
	AccessConcentrator string   `mapstructure:"access_concentrator"`
	GatewayAddress     string   `mapstructure:"gateway_address"`
	NameServer         []string `mapstructure:"name_server"`
	SessionControl     string   `mapstructure:"session_control"`
	Authentication     struct {
		Mode       string `mapstructure:"mode"`
		LocalUsers struct {
			Username map[string]struct {
				Password string `mapstructure:"password"`
				Disable  bool   `mapstructure:"disable"`
			} `mapstructure:"username"`
		} `mapstructure:"local_users"`
	} `mapstructure:"authentication"`
	ClientIPPool map[string]struct {
		Range string `mapstructure:"range"`
	} `mapstructure:"client_ip_pool"`
	DefaultPool string `mapstructure:"default_pool"`
	Interface   map[string]struct {
		VLAN []string `mapstructure:"vlan"`
	} `mapstructure:"interface"`
	PadoDelay map[string]struct {
		Sessions string `mapstructure:"sessions"`
	} `mapstructure:"pado_delay"`
}

type PPPoE struct {
	Deleted bool
	Config  Config
	changed bool
}

func getPPPoE(env *commit.Env) (*PPPoE, error) {
	p := &PPPoE{}
	exists, err := env.Config.DecodeWithDefaults([]string{"service", "pppoe-server"}, &p.Config, "authentication")
	if err != nil {
		return nil, err
	}
	p.Deleted = !exists
	return p, nil
}

type padoStep struct {
	delay    int // -1 disables offers
	sessions int
}

// padoSteps orders pado-delay entries by session count.
func padoSteps(c Config) ([]padoStep, error) {
	var steps []padoStep
	for delay, v := range c.PadoDelay {
		s := padoStep{delay: -1}
		if delay != "disable" {
			d, err := strconv.Atoi(delay)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("invalid pado-delay %q", delay)
			}
			s.delay = d
		}
		n, err := strconv.Atoi(v.Sessions)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("pado-delay %s requires a positive session count", delay)
		}
		s.sessions = n
		steps = append(steps, s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].sessions < steps[j].sessions })
	return steps, nil
}

// padoDelay renders the accel-ppp pado-delay list: "0,<delay>:<sessions>,...".
func padoDelay(steps []padoStep) string {
	if len(steps) == 0 {
		return ""
	}
	parts := []string{"0"}
	for _, s := range steps {
		parts = append(parts, fmt.Sprintf("%d:%d", s.delay, s.sessions))
	}
	return strings.Join(parts, ",")
}

func verifyPPPoE(p *PPPoE) error {
	if p.Deleted {
		return nil
	}
	base := []string{"service", "pppoe-server"}
	c := p.Config
	if c.Authentication.Mode == "local" {
		users := c.Authentication.LocalUsers.Username
		if len(users) == 0 {
			return failure.Config(append(base, "authentication"), "PPPoE local auth mode requires local users to be configured!")
		}
		for _, u := range configtree.SortedKeys(users) {
			if users[u].Password == "" {
				return failure.Config(append(base, "authentication", "local-users", "username", u), "Password required for local user %q", u)
			}
		}
	}
	var v4, v6 int
	for _, ns := range c.NameServer {
		a, err := netip.ParseAddr(ns)
		if err != nil {
			return failure.Config(append(base, "name-server"), "%s is not a valid name server address", ns)
		}
		if a.Is4() {
			v4++
		} else {
			v6++
		}
	}
	if v4 > 2 {
		return failure.Config(append(base, "name-server"), "Not more then two IPv4 DNS name-servers can be configured")
	}
	if v6 > 3 {
		return failure.Config(append(base, "name-server"), "Not more then three IPv6 DNS name-servers can be configured")
	}
	if len(c.Interface) == 0 {
		return failure.Config(base, "At least one listen interface must be defined!")
	}
	if c.GatewayAddress == "" {
		return failure.Config(base, "PPPoE server requires gateway-address to be configured!")
	}
	if len(c.ClientIPPool) == 0 {
		log.Warn().Msg("No PPPoE client pool defined")
	}
	if c.DefaultPool != "" {
		if _, ok := c.ClientIPPool[c.DefaultPool]; !ok {
			return failure.Config(append(base, "default-pool"), "Default pool %q does not exist", c.DefaultPool)
		}
	}

	steps, err := padoSteps(c)
	if err != nil {
		return failure.Config(append(base, "pado-delay"), "%v", err)
	}
	for i := 1; i < len(steps); i++ {
		prev, cur := steps[i-1], steps[i]
		if prev.sessions == cur.sessions {
			return failure.Config(append(base, "pado-delay"), "Sessions count %d is used more than once", cur.sessions)
		}
		if prev.delay == -1 {
			return failure.Config(append(base, "pado-delay"), `"pado-delay disable" must have the highest sessions count`)
		}
		if cur.delay != -1 && cur.delay <= prev.delay {
			return failure.Config(append(base, "pado-delay"),
				"pado-delay %d for %d sessions must be greater than %d used for %d sessions", cur.delay, cur.sessions, prev.delay, prev.sessions)
		}
	}
	return nil
}

func halfCPUs() int {
	return max(1, runtime.NumCPU()/2)
}

func generatePPPoE(env *commit.Env, p *PPPoE) error {
	if p.Deleted {
		for _, f := range []string{pppoeConf, chapSecrets} {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	}
	c := p.Config
	steps, _ := padoSteps(c)
	var ns4, ns6 []string
	for _, ns := range c.NameServer {
		if strings.Contains(ns, ":") {
			ns6 = append(ns6, ns)
		} else {
			ns4 = append(ns4, ns)
		}
	}
	type pool struct{ Name, Range string }
	var pools []pool
	for _, name := range configtree.SortedKeys(c.ClientIPPool) {
		pools = append(pools, pool{name, c.ClientIPPool[name].Range})
	}
	type iface struct {
		Name string
		VLAN []string
	}
	var ifaces []iface
	for _, name := range configtree.SortedKeys(c.Interface) {
		ifaces = append(ifaces, iface{name, c.Interface[name].VLAN})
	}
	local := c.Authentication.Mode == "local"
	changed, err := env.Render.Update(pppoeConf, "accel-ppp/pppoe.conf.tmpl", map[string]any{
		"Config":      c,
		"Threads":     halfCPUs(),
		"PadoDelay":   padoDelay(steps),
		"NS4":         ns4,
		"NS6":         ns6,
		"Pools":       pools,
		"Interfaces":  ifaces,
		"Local":       local,
		"ChapSecrets": chapSecrets,
	}, render.Public)
	if err != nil {
		return err
	}
	p.changed = changed

	if !local {
		if err := os.Remove(chapSecrets); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	var b strings.Builder
	b.WriteString("# username  server  password  acceptable local IP addresses\n")
	users := c.Authentication.LocalUsers.Username
	for _, u := range configtree.SortedKeys(users) {
		if users[u].Disable {
			continue
		}
		fmt.Fprintf(&b, "%-12s * %s *\n", u, users[u].Password)
	}
	secretsChanged, err := env.Render.UpdateFile(chapSecrets, []byte(b.String()), render.Secret)
	p.changed = p.changed || secretsChanged
	return err
}

func applyPPPoE(env *commit.Env, p *PPPoE) error {
	ctx := env.Ctx
	if p.Deleted {
		return env.Proc.Systemctl(ctx, "stop", Unit)
	}
	if !p.changed && env.Proc.IsServiceRunning(ctx, Unit) {
		return nil
	}
	return env.Proc.Systemctl(ctx, "restart", Unit)
}

func Handler() commit.Handler {
	return commit.Funcs[*PPPoE]{Get: getPPPoE, Check: verifyPPPoE, Gen: generatePPPoE, Act: applyPPPoE}
}
