package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	require.NoError(t, CheckPIDFile(path))

	require.NoError(t, CreatePIDFile(path))
	assert.ErrorContains(t, CheckPIDFile(path), "already running")

	require.NoError(t, os.WriteFile(path, []byte("junk"), 0o644))
	assert.Error(t, CheckPIDFile(path))

	// pid_max is far below this
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(1<<30)+"\n"), 0o644))
	require.NoError(t, CheckPIDFile(path))
	assert.NoFileExists(t, path)
}

func TestRunSignals(t *testing.T) {
	hup := make(chan os.Signal, 1)
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- Run(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return errors.New("stopped")
		}, func(sig os.Signal) { hup <- sig }, syscall.SIGHUP)
	}()
	<-started

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	select {
	case sig := <-hup:
		assert.Equal(t, syscall.SIGHUP, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP not forwarded")
	}

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	select {
	case err := <-done:
		assert.EqualError(t, err, "stopped")
	case <-time.After(2 * time.Second):
		t.Fatal("SIGTERM did not stop the service")
	}
}

func TestWriteMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_events_total", Help: "Test."})
	reg.MustRegister(c)
	c.Add(3)

	path := filepath.Join(t.TempDir(), "collector", "test.prom")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		WriteMetrics(ctx, reg, path, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(data), "test_events_total 3")
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.NoFileExists(t, path)
}
