// Package wlb is the WAN load balancer loop: it health-checks every
// uplink, steers new connections over the healthy ones with nftables marks
// and keeps a per-uplink routing table.
package wlb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"vycore/configtree"
	"vycore/constant"
	"vycore/ifconfig"
	"vycore/models"
	"vycore/process"
	"vycore/render"
)

var ErrAlreadyRunning = errors.New("already running")

const (
	DefaultInterval = 5 * time.Second
	MarkOffset      = 0xc8
)

type ifState struct {
	up          bool
	table       int
	addr        string
	dhcpNexthop string
	failures    int
	successes   int
	lastSuccess time.Time
	lastFailure time.Time
}

func (s *ifState) mark() string {
	return "0x" + strconv.FormatInt(int64(s.table), 16)
}

type Balancer struct {
	Proc       *process.Adapter
	Render     *render.Renderer
	Links      ifconfig.LinkReader
	ConfigPath string
	ScriptPath string
	StatusPath string
	PIDPath    string
	LeaseDir   string
	ScriptsDir string
	Interval   time.Duration
	Metrics    *Metrics
	Now        func() time.Time

	config  models.WLBConfig
	order   []string
	state   map[string]*ifState
	refresh chan struct{}
	running atomic.Bool
}

func New(proc *process.Adapter, r *render.Renderer) *Balancer {
	return &Balancer{
		Proc:       proc,
		Render:     r,
		Links:      ifconfig.NetlinkReader{},
		ConfigPath: constant.WLBConfigFile,
		ScriptPath: constant.RunDir + "/nftables_wlb.conf",
		StatusPath: constant.WLBStatusFile,
		PIDPath:    constant.WLBPIDFile,
		LeaseDir:   "/var/lib/dhcp",
		ScriptsDir: constant.UserScriptsDir,
		Interval:   DefaultInterval,
		Now:        time.Now,
		refresh:    make(chan struct{}, 1),
	}
}

// Load reads the balancer input and assigns each uplink its table and
// mark in name order.
func (b *Balancer) Load() error {
	var cfg models.WLBConfig
	if err := models.ReadJSON(b.ConfigPath, &cfg); err != nil {
		return err
	}
	b.config = cfg
	b.order = configtree.SortedKeys(cfg.InterfaceHealth)
	b.state = make(map[string]*ifState, len(b.order))
	for i, name := range b.order {
		b.state[name] = &ifState{up: true, table: MarkOffset + i + 1}
	}
	return nil
}

// primaryAddress returns the first IPv4 address of ifname, used as the
// SNAT source of its mark.
func (b *Balancer) primaryAddress(ifname string) string {
	info, err := b.Links.Link(ifname)
	if err != nil {
		return ""
	}
	for _, a := range info.Addresses {
		if p, err := netip.ParsePrefix(a); err == nil && p.Addr().Is4() {
			return p.Addr().String()
		}
	}
	return ""
}

// Setup installs the per-uplink routing tables and rules and the initial
// ruleset.
func (b *Balancer) Setup(ctx context.Context) error {
	for _, name := range b.order {
		st := b.state[name]
		st.addr = b.primaryAddress(name)
		nexthop := b.config.InterfaceHealth[name].Nexthop
		if nexthop == "dhcp" {
			st.dhcpNexthop = DHCPNexthop(b.LeaseDir, name)
			nexthop = st.dhcpNexthop
		}
		if nexthop != "" {
			b.Proc.Run(ctx, fmt.Sprintf("ip route replace table %d default dev %s via %s", st.table, name, nexthop))
		}
		b.Proc.Run(ctx, fmt.Sprintf("ip rule del fwmark %s table %d", st.mark(), st.table))
		b.Proc.Run(ctx, fmt.Sprintf("ip rule add fwmark %s table %d", st.mark(), st.table))
	}
	return b.publish(ctx)
}

// publish applies the ruleset and records the new state. The previous
// ruleset stays in place when nft rejects the script.
func (b *Balancer) publish(ctx context.Context) error {
	if _, err := b.Render.UpdateFile(b.ScriptPath, []byte(b.Script()), render.Public); err != nil {
		return err
	}
	if rc, out := b.Proc.RcCmd(ctx, "nft -f "+b.ScriptPath); rc != 0 {
		b.Metrics.failed()
		return fmt.Errorf("failed to apply WLB nftables config: %s", out)
	}
	b.Proc.Run(ctx, "ip route flush cache")
	if b.config.FlushConnections {
		b.Proc.Run(ctx, "conntrack -F")
		b.Proc.Run(ctx, "conntrack -F expect")
	}
	return b.writeStatus()
}

func (b *Balancer) writeStatus() error {
	status := models.WLBStatus{Interfaces: map[string]models.WLBInterfaceStatus{}}
	for _, name := range b.order {
		st := b.state[name]
		s := models.WLBInterfaceStatus{
			State:        "FAILED",
			Address:      st.addr,
			Table:        st.table,
			Mark:         st.mark(),
			FailureCount: st.failures,
			SuccessCount: st.successes,
			DHCPNexthop:  st.dhcpNexthop,
		}
		if st.up {
			s.State = "ACTIVE"
		}
		if !st.lastSuccess.IsZero() {
			s.LastSuccess = st.lastSuccess.Unix()
		}
		if !st.lastFailure.IsZero() {
			s.LastFailure = st.lastFailure.Unix()
		}
		status.Interfaces[name] = s
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	_, err = b.Render.UpdateFile(b.StatusPath, data, render.Public)
	return err
}

// Step runs one round of health checks. Probes run in parallel; state
// transitions are applied in interface order.
func (b *Balancer) Step(ctx context.Context) error {
	results := make([]bool, len(b.order))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range b.order {
		conf := b.config.InterfaceHealth[name]
		nexthop := b.state[name].dhcpNexthop
		g.Go(func() error {
			results[i] = b.healthy(gctx, name, conf, nexthop)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil
	}

	now := b.Now()
	changed := false
	for i, name := range b.order {
		st, conf := b.state[name], b.config.InterfaceHealth[name]
		flipped := false
		if results[i] {
			st.failures = 0
			st.successes++
			st.lastSuccess = now
			if !st.up && st.successes >= conf.SuccessCount {
				st.up, flipped = true, true
			}
		} else {
			st.successes = 0
			st.failures++
			st.lastFailure = now
			if st.up && st.failures >= conf.FailureCount {
				st.up, flipped = false, true
			}
		}
		b.Metrics.observe(name, st.up)
		if flipped {
			st.addr = b.primaryAddress(name)
			b.transition(ctx, name, st.up)
			changed = true
		}
		if conf.Nexthop == "dhcp" && b.dhcpUpdate(ctx, name) {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return b.publish(ctx)
}

func (b *Balancer) transition(ctx context.Context, name string, up bool) {
	state := "FAILED"
	if up {
		state = "ACTIVE"
	}
	b.Metrics.transition(name, state)
	log.Info().Str("interface", name).Str("state", state).Msg("state change")
	if b.config.Hook == "" {
		return
	}
	hook := filepath.Join(b.ScriptsDir, b.config.Hook)
	rc := b.Proc.Run(ctx, hook, process.WithEnv(map[string]string{
		"WLB_INTERFACE_NAME":  name,
		"WLB_INTERFACE_STATE": state,
	}))
	if rc != 0 {
		log.Warn().Str("hook", hook).Int("rc", rc).Msg("hook script failed")
	}
}

// dhcpUpdate follows lease renewals. It reports whether the SNAT address
// changed and the ruleset needs a refresh.
func (b *Balancer) dhcpUpdate(ctx context.Context, name string) bool {
	st := b.state[name]
	if nh := DHCPNexthop(b.LeaseDir, name); nh != "" && nh != st.dhcpNexthop {
		st.dhcpNexthop = nh
		b.Proc.Run(ctx, fmt.Sprintf("ip route replace table %d default dev %s via %s", st.table, name, nh))
	}
	if addr := b.primaryAddress(name); addr != "" && addr != st.addr {
		st.addr = addr
		return true
	}
	return false
}

// RefreshDHCP asks the loop to re-read the DHCP leases before the next
// tick.
func (b *Balancer) RefreshDHCP() {
	select {
	case b.refresh <- struct{}{}:
	default:
	}
}

// Start runs the balancer until ctx is done or a ruleset cannot be
// applied. The status and PID files are removed on the way out.
func (b *Balancer) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	if err := b.Load(); err != nil {
		return fmt.Errorf("failed to load %s: %w", b.ConfigPath, err)
	}
	// a PID file left by a previous run is overwritten
	if err := os.WriteFile(b.PIDPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	defer func() {
		_ = os.Remove(b.StatusPath)
		_ = os.Remove(b.PIDPath)
	}()

	if err := b.Setup(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.refresh:
			changed := false
			for _, name := range b.order {
				if b.config.InterfaceHealth[name].Nexthop == "dhcp" && b.dhcpUpdate(ctx, name) {
					changed = true
				}
			}
			if changed {
				if err := b.publish(ctx); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := b.Step(ctx); err != nil {
				return err
			}
		}
	}
}
