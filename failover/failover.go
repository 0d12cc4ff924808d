// Package failover installs "proto failover" routes whose next-hops pass
// their liveness checks and withdraws them when the checks fail.
package failover

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"vycore/configtree"
	"vycore/models"
	"vycore/process"
)

var ErrAlreadyRunning = errors.New("already running")

const DefaultInterval = 5 * time.Second

// a rewrite of the config shows up as several events
const reloadDebounce = 100 * time.Millisecond

type Manager struct {
	Proc       *process.Adapter
	Prober     Prober
	ConfigPath string
	Interval   time.Duration
	Metrics    *Metrics

	mu      sync.Mutex
	config  models.FailoverConfig
	running atomic.Bool
}

func New(proc *process.Adapter, configPath string) *Manager {
	return &Manager{
		Proc:       proc,
		Prober:     SystemProber{Proc: proc},
		ConfigPath: configPath,
		Interval:   DefaultInterval,
	}
}

// Load reads and validates the route config. On failure the previous
// config stays in effect.
func (m *Manager) Load() error {
	var cfg models.FailoverConfig
	if err := models.ReadJSON(m.ConfigPath, &cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	log.Info().Int("routes", len(cfg.Route)).Msg("failover config loaded")
	return nil
}

func (m *Manager) snapshot() models.FailoverConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config
}

func routeArgs(route, gateway string, nh models.FailoverNextHop, onlink bool) string {
	args := []string{route, "via", gateway, "dev", nh.Interface}
	if onlink && nh.Onlink {
		args = append(args, "onlink")
	}
	return strings.Join(append(args, "metric", fmt.Sprint(nh.Metric), "proto", "failover"), " ")
}

func (m *Manager) routeExists(ctx context.Context, route, gateway string, nh models.FailoverNextHop) bool {
	var routes []process.IPRoute
	line := fmt.Sprintf("route show protocol failover %s via %s dev %s metric %d", route, gateway, nh.Interface, nh.Metric)
	if err := m.Proc.IPJSON(ctx, line, &routes); err != nil {
		return false
	}
	return len(routes) > 0
}

// Pass runs one round of checks over every next-hop.
func (m *Manager) Pass(ctx context.Context) {
	cfg := m.snapshot()
	for _, route := range configtree.SortedKeys(cfg.Route) {
		hops := cfg.Route[route].NextHop
		for _, gw := range configtree.SortedKeys(hops) {
			if ctx.Err() != nil {
				return
			}
			m.check(ctx, route, gw, hops[gw])
		}
	}
}

func (m *Manager) check(ctx context.Context, route, gw string, nh models.FailoverNextHop) {
	l := log.With().Str("route", route).Str("next_hop", gw).Logger()
	exists := m.routeExists(ctx, route, gw, nh)
	alive := Alive(ctx, m.Prober, nh.Check, nh.Interface)
	m.Metrics.observe(route, gw, alive)
	switch {
	case alive && !exists:
		add := "ip route add " + routeArgs(route, gw, nh, true)
		if rc, out := m.Proc.RcCmd(ctx, add); rc != 0 {
			// e.g. the interface is down; the next pass retries
			l.Warn().Int("rc", rc).Str("output", out).Msg("failed to add route")
			return
		}
		m.Metrics.changed("add")
		l.Info().Msg(add)
	case !alive && exists:
		del := "ip route del " + routeArgs(route, gw, nh, false)
		if rc, out := m.Proc.RcCmd(ctx, del); rc != 0 {
			l.Warn().Int("rc", rc).Str("output", out).Msg("failed to delete route")
			return
		}
		m.Metrics.changed("del")
		l.Info().Msg(del)
	case !alive:
		l.Info().Strs("target", nh.Check.Target).Str("check", describe(nh.Check)).Msg("check failed")
	}
}

// Start checks every interval and reloads the config when its file is
// rewritten, until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	if err := m.Load(); err != nil {
		return fmt.Errorf("failed to load %s: %w", m.ConfigPath, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	// the handler replaces the file atomically, so watch the directory
	if err := watcher.Add(filepath.Dir(m.ConfigPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", m.ConfigPath, err)
	}

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	var reload *time.Timer
	var reloadC <-chan time.Time
	defer func() {
		if reload != nil {
			reload.Stop()
		}
	}()

	m.Pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-watcher.Events:
			if filepath.Clean(ev.Name) != filepath.Clean(m.ConfigPath) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if reload == nil {
				reload = time.NewTimer(reloadDebounce)
				reloadC = reload.C
			} else {
				reload.Reset(reloadDebounce)
			}
		case <-reloadC:
			reload, reloadC = nil, nil
			if err := m.Load(); err != nil {
				log.Error().Err(err).Msg("keeping previous failover config")
			}
		case err := <-watcher.Errors:
			log.Warn().Err(err).Msg("config watcher error")
		case <-ticker.C:
			m.Pass(ctx)
		}
	}
}
