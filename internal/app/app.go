// Package app is the core of vycored: settings, the commit runtime shared
// by the API and the config-sync receiver, and link supervision.
package app

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"vycore/commit"
	"vycore/constant"
	"vycore/internal/logbuffer"
	"vycore/models"
	"vycore/opmode"
	"vycore/process"
)

var (
	ErrAlreadyRunning           = errors.New("already running")
	ErrConfigUnsupportedVersion = errors.New("config unsupported version")
)

var defaultSettings = models.Settings{
	LogLevel: "info",
	API: models.API{
		Socket:    constant.SocketPath,
		RateLimit: 2,
		Burst:     5,
	},
	Commit: models.Commit{
		RunningFile: constant.RunningConfig,
		BootFile:    constant.ConfigBootFile,
		ArchiveFile: constant.ArchiveFile,
		ArchiveKeep: 100,
	},
	Netfilter: models.Netfilter{
		CleanLegacyChains: true,
		LegacyChainPrefix: "VYATTA_",
	},
}

type App struct {
	settingsPath   string
	httpsStatePath string
	wlbPIDPath     string

	mu       sync.RWMutex
	settings models.Settings
	https    *models.HTTPSState
	limiter  *rate.Limiter

	proc     *process.Adapter
	ops      *opmode.Ops
	runtime  *commit.Runtime
	commitMu sync.Mutex

	registry  *prometheus.Registry
	metrics   *Metrics
	logBuffer *logbuffer.RingBuffer
	logLevel  zerolog.Level
	enabled   atomic.Bool
}

// New builds the core with settings from settingsPath. A broken settings
// file is logged and the defaults stay in effect.
func New(settingsPath string, proc *process.Adapter) *App {
	return newApp(settingsPath, proc, os.Stderr)
}

func newApp(settingsPath string, proc *process.Adapter, console io.Writer) *App {
	a := &App{
		settingsPath:   settingsPath,
		httpsStatePath: constant.HTTPSStateFile,
		wlbPIDPath:     constant.WLBPIDFile,
		settings:       defaultSettings,
		proc:           proc,
		ops:            opmode.New(proc),
		registry:       prometheus.NewRegistry(),
		logBuffer:      logbuffer.NewRingBuffer(500),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = NewMetrics(a.registry)

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(
		zerolog.ConsoleWriter{Out: console},
		logbuffer.NewWriter(a.logBuffer),
	)).With().Timestamp().Logger()

	if err := a.LoadConfig(); err != nil {
		log.Error().Err(err).Msg("failed to load settings file")
	}
	a.LoadHTTPSState()
	a.setupLogging()
	return a
}

// Settings returns the settings in effect, the "service https" state
// overlaid on the settings file.
func (a *App) Settings() models.Settings {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return overlayHTTPS(a.settings, a.https)
}

func (a *App) LogBuffer() *logbuffer.RingBuffer {
	return a.logBuffer
}

func (a *App) Registry() *prometheus.Registry {
	return a.registry
}

func (a *App) Ops() *opmode.Ops {
	return a.ops
}

// Limiter guards the config-sync receiver.
func (a *App) Limiter() *rate.Limiter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.limiter
}

// SetLogLevel changes the level in memory only; SaveConfig persists it.
func (a *App) SetLogLevel(level string) bool {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	a.mu.Lock()
	a.settings.LogLevel = level
	a.logLevel = lvl
	a.mu.Unlock()
	zerolog.SetGlobalLevel(lvl)
	return true
}

func (a *App) GetLogLevel() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.logLevel.String()
}

func (a *App) setupLogging() {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.settings.LogLevel {
	case "trace":
		a.logLevel = zerolog.TraceLevel
	case "debug":
		a.logLevel = zerolog.DebugLevel
	case "info":
		a.logLevel = zerolog.InfoLevel
	case "warn":
		a.logLevel = zerolog.WarnLevel
	case "error":
		a.logLevel = zerolog.ErrorLevel
	case "fatal":
		a.logLevel = zerolog.FatalLevel
	case "panic":
		a.logLevel = zerolog.PanicLevel
	case "nolevel":
		a.logLevel = zerolog.NoLevel
	case "disabled":
		a.logLevel = zerolog.Disabled
	default:
		a.logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(a.logLevel)
}
