// Package vrrp turns the keepalived notify FIFO into transition script
// runs.
package vrrp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"vycore/commit"
	"vycore/constant"
	"vycore/models"
	"vycore/process"
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrBadEvent       = errors.New("not a keepalived notify line")
)

const (
	QueueSize     = 100
	MaxLineSize   = 64 * 1024
	CommitTimeout = 20 * time.Second
	MDNSRestart   = "systemctl restart mdns-repeater.service"
)

var notifyRe = regexp.MustCompile(`^(INSTANCE|GROUP) "([\w-]+)" (MASTER|BACKUP|FAULT|STOP) (\d+)$`)

type Event struct {
	Type     string
	Name     string
	State    string
	Priority int
}

func ParseEvent(line string) (Event, error) {
	m := notifyRe.FindStringSubmatch(line)
	if m == nil {
		return Event{}, fmt.Errorf("%w: %q", ErrBadEvent, line)
	}
	prio, err := strconv.Atoi(m[4])
	if err != nil {
		return Event{}, fmt.Errorf("%w: %q", ErrBadEvent, line)
	}
	return Event{Type: m[1], Name: m[2], State: m[3], Priority: prio}, nil
}

type scriptKey struct {
	typ, name, state string
}

type Dispatcher struct {
	Proc         *process.Adapter
	FIFOPath     string
	ConfigPath   string
	SentinelPath string
	LockPath     string
	Metrics      *Metrics

	mu      sync.RWMutex
	scripts map[scriptKey]string
	running atomic.Bool
}

func New(proc *process.Adapter) *Dispatcher {
	return &Dispatcher{
		Proc:         proc,
		FIFOPath:     constant.KeepalivedFIFO,
		ConfigPath:   constant.KeepalivedDict,
		SentinelPath: constant.MDNSVRRPSentinel,
		LockPath:     constant.CommitLockFile,
	}
}

func addScripts(out map[scriptKey]string, typ string, groups []models.VRRPScripts) {
	for _, g := range groups {
		for state, script := range map[string]string{
			"MASTER": g.MasterScript,
			"BACKUP": g.BackupScript,
			"FAULT":  g.FaultScript,
			"STOP":   g.StopScript,
		} {
			if script != "" {
				out[scriptKey{typ, g.Name, state}] = script
			}
		}
	}
}

// Load reads the transition scripts of every VRRP group and sync-group.
func (d *Dispatcher) Load() error {
	var cfg models.VRRPConfig
	if err := models.ReadJSON(d.ConfigPath, &cfg); err != nil {
		return err
	}
	scripts := map[scriptKey]string{}
	addScripts(scripts, "INSTANCE", cfg.VRRPGroups)
	addScripts(scripts, "GROUP", cfg.SyncGroups)
	d.mu.Lock()
	d.scripts = scripts
	d.mu.Unlock()
	log.Debug().Int("scripts", len(scripts)).Msg("loaded VRRP transition scripts")
	return nil
}

// Dispatch runs the transition script for one event and lets the mDNS
// repeater follow the new master.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) {
	log.Info().Str("type", ev.Type).Str("name", ev.Name).Str("state", ev.State).Msg("changed state")
	d.Metrics.event(ev)
	d.mu.RLock()
	script, ok := d.scripts[scriptKey{ev.Type, ev.Name, ev.State}]
	d.mu.RUnlock()
	if ok {
		if rc, out := d.Proc.RcCmd(ctx, script); rc != 0 {
			d.Metrics.failed()
			log.Error().Str("script", script).Int("rc", rc).Str("output", out).Msg("transition script failed")
		}
	}
	if _, err := os.Stat(d.SentinelPath); err == nil {
		if rc := d.Proc.Run(ctx, MDNSRestart); rc != 0 {
			log.Warn().Int("rc", rc).Msg("failed to restart mDNS repeater")
		}
	}
}

func ensureFIFO(path string) error {
	st, err := os.Stat(path)
	switch {
	case err == nil && st.Mode()&fs.ModeNamedPipe != 0:
		log.Info().Str("path", path).Msg("FIFO already exists")
		return nil
	case err == nil:
		return fmt.Errorf("%s exists and is not a FIFO", path)
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return nil
}

// readLines passes each line of r to emit until emit returns false.
// Lines longer than MaxLineSize are dropped.
func readLines(r io.Reader, emit func(string) bool) error {
	br := bufio.NewReader(r)
	var line []byte
	skip := false
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			return err
		}
		if !skip {
			line = append(line, chunk...)
			if len(line) > MaxLineSize {
				log.Warn().Int("limit", MaxLineSize).Msg("dropping over-long message")
				line, skip = line[:0], true
			}
		}
		if more {
			continue
		}
		if !skip && !emit(string(line)) {
			return nil
		}
		line, skip = line[:0], false
	}
}

// Start reads the FIFO until ctx is done. Lines are queued to a single
// worker so scripts run in the order keepalived wrote them. Queued events
// are still dispatched after ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer d.running.Store(false)

	if err := commit.WaitForCommit(ctx, d.LockPath, time.Second, CommitTimeout); err != nil {
		log.Warn().Err(err).Msg("reading VRRP configuration while a commit is running")
	}
	if err := d.Load(); err != nil {
		log.Error().Err(err).Msg("unable to load VRRP configuration")
		d.mu.Lock()
		d.scripts = map[scriptKey]string{}
		d.mu.Unlock()
	}
	if err := ensureFIFO(d.FIFOPath); err != nil {
		return err
	}
	// read-write so the pipe never reports EOF between keepalived writes
	f, err := os.OpenFile(d.FIFOPath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", d.FIFOPath, err)
	}
	defer f.Close()

	queue := make(chan string, QueueSize)
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = f.Close() })
	defer stop()

	g.Go(func() error {
		defer close(queue)
		err := readLines(f, func(line string) bool {
			select {
			case queue <- line:
				return true
			case <-gctx.Done():
				return false
			}
		})
		if gctx.Err() != nil || errors.Is(err, io.EOF) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		wctx := context.WithoutCancel(gctx)
		for line := range queue {
			ev, err := ParseEvent(line)
			if err != nil {
				log.Debug().Err(err).Msg("ignoring message")
				continue
			}
			d.Dispatch(wctx, ev)
		}
		return nil
	})
	return g.Wait()
}
