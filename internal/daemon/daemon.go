// Package daemon holds the process plumbing shared by the vycore daemons.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"vycore/constant"
)

// SetupLogging sends the global logger to stderr in console format.
func SetupLogging(name string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).With().Str("daemon", name).Logger()
}

// CheckPIDFile fails when the PID file names a live process. A stale file
// is removed.
func CheckPIDFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return errors.New("invalid PID file content")
	}

	if err := syscall.Kill(pid, 0); err == nil {
		return fmt.Errorf("process %d is already running", pid)
	}

	_ = os.Remove(path)
	return nil
}

func CreatePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

// Run calls start and cancels its context on SIGINT or SIGTERM. Every
// other signal in extra is handed to onSignal. Run returns what start
// returned.
func Run(start func(ctx context.Context) error, onSignal func(os.Signal), extra ...os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := make(chan os.Signal, 1)
	signal.Notify(c, append([]os.Signal{os.Interrupt, syscall.SIGTERM}, extra...)...)
	defer signal.Stop(c)

	appResult := make(chan error, 1)
	go func() {
		appResult <- start(ctx)
	}()

	var once sync.Once
	closeEvent := func() {
		log.Info().Msg("shutting down service")
		cancel()
	}

	for {
		select {
		case err := <-appResult:
			return err
		case sig := <-c:
			if sig == os.Interrupt || sig == syscall.SIGTERM {
				once.Do(closeEvent)
				continue
			}
			if onSignal != nil {
				onSignal(sig)
			}
		}
	}
}

// Main is the body of a daemon: the PID file guard around Run. An empty
// pidPath skips the guard. Logging must be set up by the caller.
func Main(name, pidPath string, start func(ctx context.Context) error, onSignal func(os.Signal), extra ...os.Signal) {
	log.Info().
		Str("version", constant.Version).
		Str("commit", constant.Commit).
		Msgf("starting %s", name)
	if pidPath != "" {
		if err := CheckPIDFile(pidPath); err != nil {
			log.Fatal().Err(err).Msgf("failed to start %s", name)
		}
		if err := CreatePIDFile(pidPath); err != nil {
			log.Fatal().Err(err).Msg("failed to create PID file")
		}
	}

	err := Run(start, onSignal, extra...)
	if pidPath != "" {
		_ = os.Remove(pidPath)
	}
	if err != nil {
		log.Error().Err(err).Msg("service failed")
		os.Exit(1)
	}
	log.Info().Msg("exiting application")
}

// WriteMetrics dumps reg into a node_exporter textfile every interval until
// ctx is done. The file is removed on the way out.
func WriteMetrics(ctx context.Context, reg prometheus.Gatherer, path string, interval time.Duration) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warn().Err(err).Msg("metrics textfile disabled")
		return
	}
	defer os.Remove(path)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := prometheus.WriteToTextfile(path, reg); err != nil {
			log.Debug().Err(err).Msg("failed to write metrics textfile")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
