package vrrp

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vycore/models"
	"vycore/process"
)

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent(`INSTANCE "vpn" MASTER 150`)
	require.NoError(t, err)
	assert.Equal(t, Event{Type: "INSTANCE", Name: "vpn", State: "MASTER", Priority: 150}, ev)

	for _, line := range []string{
		`INSTANCE vpn MASTER 150`,
		`INSTANCE "vpn" MASTER`,
		`INSTANCE "vpn" LEADER 150`,
		`PEER "vpn" MASTER 150`,
		` INSTANCE "vpn" MASTER 150`,
	} {
		_, err := ParseEvent(line)
		assert.ErrorIs(t, err, ErrBadEvent, line)
	}
}

func newDispatcher(t *testing.T) (*Dispatcher, *process.Fake) {
	t.Helper()
	dir := t.TempDir()
	fake := process.NewFake()
	d := New(process.New(fake))
	d.FIFOPath = filepath.Join(dir, "keepalived_notify_fifo")
	d.ConfigPath = filepath.Join(dir, "keepalived_config.dict")
	d.SentinelPath = filepath.Join(dir, "mdns_vrrp_active")
	d.LockPath = filepath.Join(dir, ".lock")

	data, err := json.Marshal(models.VRRPConfig{
		VRRPGroups: []models.VRRPScripts{
			{Name: "vpn", MasterScript: "/config/scripts/vpn-up", BackupScript: "/config/scripts/vpn-down"},
			{Name: "lan-1", FaultScript: "/config/scripts/lan-fault"},
		},
		SyncGroups: []models.VRRPScripts{{Name: "core", StopScript: "/config/scripts/core-stop"}},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.ConfigPath, data, 0o644))
	return d, fake
}

func TestDispatch(t *testing.T) {
	d, fake := newDispatcher(t)
	d.Metrics = NewMetrics(prometheus.NewRegistry())
	require.NoError(t, d.Load())
	ctx := context.Background()

	d.Dispatch(ctx, Event{Type: "INSTANCE", Name: "vpn", State: "MASTER", Priority: 150})
	assert.Equal(t, []string{"/config/scripts/vpn-up"}, fake.Lines())

	fake.Reset()
	d.Dispatch(ctx, Event{Type: "INSTANCE", Name: "vpn", State: "FAULT"})
	d.Dispatch(ctx, Event{Type: "INSTANCE", Name: "core", State: "STOP"})
	assert.Empty(t, fake.Lines(), "no script for this state or type")

	require.NoError(t, os.WriteFile(d.SentinelPath, nil, 0o644))
	fake.On("/config/scripts/core-stop", process.Result{RC: 1})
	d.Dispatch(ctx, Event{Type: "GROUP", Name: "core", State: "STOP"})
	assert.Equal(t, []string{"/config/scripts/core-stop", MDNSRestart}, fake.Lines())
	assert.Equal(t, 1.0, testutil.ToFloat64(d.Metrics.failures))
	assert.Equal(t, 2.0, testutil.ToFloat64(d.Metrics.events.WithLabelValues("INSTANCE", "MASTER"))+testutil.ToFloat64(d.Metrics.events.WithLabelValues("INSTANCE", "FAULT")))
}

func TestStartKeepsFIFOOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d, fake := newDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	require.Eventually(t, func() bool {
		st, err := os.Stat(d.FIFOPath)
		return err == nil && st.Mode()&fs.ModeNamedPipe != 0
	}, 2*time.Second, 10*time.Millisecond)

	w, err := os.OpenFile(d.FIFOPath, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = w.WriteString("INSTANCE \"vpn\" MASTER 150\ngarbage\nINSTANCE \"lan-1\" FAULT 100\n")
	require.NoError(t, err)
	_, err = w.WriteString("INSTANCE \"vpn\" BACKUP 150\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	want := []string{"/config/scripts/vpn-up", "/config/scripts/lan-fault", "/config/scripts/vpn-down"}
	require.Eventually(t, func() bool { return len(fake.Lines()) == len(want) }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, fake.Lines())

	require.ErrorIs(t, d.Start(ctx), ErrAlreadyRunning)
	cancel()
	require.NoError(t, <-done)
}

func TestReadLinesDropsOverlongLine(t *testing.T) {
	input := "INSTANCE \"vpn\" MASTER 150\n" + strings.Repeat("x", 2*MaxLineSize) + "\nINSTANCE \"vpn\" BACKUP 150\n"
	var got []string
	err := readLines(strings.NewReader(input), func(line string) bool {
		got = append(got, line)
		return true
	})
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []string{`INSTANCE "vpn" MASTER 150`, `INSTANCE "vpn" BACKUP 150`}, got)
}

func TestStartRejectsRegularFile(t *testing.T) {
	d, _ := newDispatcher(t)
	require.NoError(t, os.WriteFile(d.FIFOPath, nil, 0o644))
	require.Error(t, d.Start(context.Background()))
}
