package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"vycore/commit"
	"vycore/configtree"
	"vycore/internal/failure"
	"vycore/models"
	"vycore/models/config"
	"vycore/process"
	"vycore/render"
	"vycore/schema"
)

func newTestApp(t *testing.T, settings string) *App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vycore.yaml")
	if settings != "" {
		require.NoError(t, os.WriteFile(path, []byte(settings), 0o600))
	}
	a := newApp(path, process.New(process.NewFake()), io.Discard)
	a.httpsStatePath = filepath.Join(dir, "https.json")
	a.wlbPIDPath = filepath.Join(dir, "wlb.pid")
	a.LoadHTTPSState()
	return a
}

func TestSettingsOverlay(t *testing.T) {
	a := newTestApp(t, `configVersion: 0.1.3
app:
  logLevel: warn
  api:
    listen: "[::]:8443"
    keys: [k1]
  commit:
    archiveKeep: 7
`)
	s := a.Settings()
	assert.Equal(t, "warn", s.LogLevel)
	assert.Equal(t, "warn", a.GetLogLevel())
	assert.Equal(t, "[::]:8443", s.API.Listen)
	assert.Equal(t, []string{"k1"}, s.API.Keys)
	assert.Equal(t, 7, s.Commit.ArchiveKeep)
	// untouched keys keep their defaults
	assert.Equal(t, defaultSettings.Commit.RunningFile, s.Commit.RunningFile)
	assert.Equal(t, defaultSettings.API.Burst, s.API.Burst)

	require.NoError(t, a.SaveConfig())
	data, err := os.ReadFile(a.settingsPath)
	require.NoError(t, err)
	var saved config.Config
	require.NoError(t, yaml.Unmarshal(data, &saved))
	assert.Equal(t, configVersion, saved.ConfigVersion)
	assert.Equal(t, 7, *saved.App.Commit.ArchiveKeep)
	info, err := os.Stat(a.settingsPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	err = a.ImportConfig(config.Config{ConfigVersion: "0.2.0"})
	assert.ErrorIs(t, err, ErrConfigUnsupportedVersion)
}

func TestBrokenSettingsKeepDefaults(t *testing.T) {
	a := newTestApp(t, "configVersion: [")
	assert.Equal(t, defaultSettings.LogLevel, a.Settings().LogLevel)
	assert.Error(t, a.Reload())
}

func TestHTTPSStateOverlay(t *testing.T) {
	a := newTestApp(t, "configVersion: 0.1.0\napp:\n  api:\n    keys: [from-file]\n")
	state := models.HTTPSState{
		ListenAddress: []string{"192.0.2.1"},
		Port:          8443,
		Keys:          map[string]string{"b": "key-b", "a": "key-a"},
	}
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(a.httpsStatePath, data, 0o600))

	a.LoadHTTPSState()
	s := a.Settings()
	assert.Equal(t, "192.0.2.1:8443", s.API.Listen)
	assert.Equal(t, []string{"key-a", "key-b"}, s.API.Keys)
	// the file value is not overwritten by the overlay
	assert.Equal(t, []string{"from-file"}, *a.ExportConfig().App.API.Keys)

	require.NoError(t, os.WriteFile(a.httpsStatePath, []byte(`{"port": 0}`), 0o600))
	a.LoadHTTPSState()
	assert.Equal(t, []string{"from-file"}, a.Settings().API.Keys)
}

func TestSelfSignedTLS(t *testing.T) {
	a := newTestApp(t, "")
	cfg, err := a.TLSConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.NotEmpty(t, cfg.Certificates[0].Certificate)
}

func newRuntime(t *testing.T, applied *[]string) *commit.Runtime {
	t.Helper()
	s, err := schema.Load()
	require.NoError(t, err)
	rd, err := render.New(t.TempDir())
	require.NoError(t, err)
	archive, err := commit.OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { archive.Close() })
	stub := commit.Funcs[*string]{
		Get: func(env *commit.Env) (*string, error) {
			name := env.Instance
			return &name, nil
		},
		Act: func(_ *commit.Env, name *string) error {
			*applied = append(*applied, *name)
			return nil
		},
	}
	return &commit.Runtime{
		Schema:   s,
		Handlers: map[string]commit.Handler{"interfaces_ethernet": stub},
		Proc:     process.New(process.NewFake()),
		Render:   rd,
		Sys:      process.Sysfs{Root: t.TempDir()},
		LockPath: filepath.Join(t.TempDir(), ".lock"),
		Archive:  archive,
	}
}

func parse(t *testing.T, text string) *configtree.Node {
	t.Helper()
	n, err := configtree.Parse(strings.NewReader(text))
	require.NoError(t, err)
	return n
}

func TestCommitFile(t *testing.T) {
	ctx := context.Background()
	var applied []string
	rt := newRuntime(t, &applied)
	running := filepath.Join(t.TempDir(), "running.boot")

	for i, addr := range []string{"192.0.2.1/24", "192.0.2.2/24", "192.0.2.3/24"} {
		cand := parse(t, "interfaces {\n    ethernet eth0 {\n        address "+addr+"\n    }\n}\n")
		res, err := CommitFile(ctx, rt, running, cand, 2)
		require.NoError(t, err, "commit %d", i)
		assert.NotEmpty(t, res.Revision)
		data, err := os.ReadFile(running)
		require.NoError(t, err)
		assert.Equal(t, cand.String(), string(data))
	}
	assert.Equal(t, []string{"eth0", "eth0", "eth0"}, applied)
	revs, err := rt.Archive.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, revs, 2)

	// nothing changed, nothing applied
	res, err := CommitFile(ctx, rt, running, parse(t, "interfaces {\n    ethernet eth0 {\n        address 192.0.2.3/24\n    }\n}\n"), 2)
	require.NoError(t, err)
	assert.Empty(t, res.Jobs)
	assert.Len(t, applied, 3)

	_, err = CommitFile(ctx, rt, running, parse(t, "bogus {\n    node x\n}\n"), 2)
	assert.ErrorIs(t, err, failure.ErrConfig)
}

func TestApplySection(t *testing.T) {
	s, err := schema.Load()
	require.NoError(t, err)
	running := parse(t, `interfaces {
    ethernet eth0 {
        address 192.0.2.1/24
    }
    ethernet eth1 {
        description keep
    }
}
`)

	set, err := ApplySection(s, running, models.ConfigureSectionRequest{
		Op:     "set",
		Config: map[string]any{"interfaces": map[string]any{"ethernet": map[string]any{"eth0": map[string]any{"address": []any{"192.0.2.9/24"}}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1/24", "192.0.2.9/24"}, set.Get("interfaces", "ethernet", "eth0", "address").Values)
	assert.True(t, set.Exists("interfaces", "ethernet", "eth1"))
	// running is untouched
	assert.Equal(t, []string{"192.0.2.1/24"}, running.Get("interfaces", "ethernet", "eth0", "address").Values)

	load, err := ApplySection(s, running, models.ConfigureSectionRequest{
		Op:     "load",
		Mask:   map[string]any{"interfaces": map[string]any{"ethernet": map[string]any{"eth0": map[string]any{}}}},
		Config: map[string]any{"interfaces": map[string]any{"ethernet": map[string]any{"eth0": map[string]any{"address": []any{"192.0.2.9/24"}}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.9/24"}, load.Get("interfaces", "ethernet", "eth0", "address").Values)
	assert.True(t, load.Exists("interfaces", "ethernet", "eth1"))

	_, err = ApplySection(s, running, models.ConfigureSectionRequest{Op: "merge"})
	assert.ErrorIs(t, err, failure.ErrIncorrectValue)
}

func TestConfigureSectionWithoutRuntime(t *testing.T) {
	a := newTestApp(t, "")
	_, err := a.ConfigureSection(context.Background(), models.ConfigureSectionRequest{Op: "set"})
	assert.ErrorIs(t, err, failure.ErrUnsupportedOperation)
}

func linkUpdate(name string, msgType uint16, change uint32, up bool) netlink.LinkUpdate {
	attrs := netlink.LinkAttrs{Name: name, OperState: netlink.OperDown}
	if up {
		attrs.Flags = net.FlagUp
		attrs.OperState = netlink.OperUp
	}
	return netlink.LinkUpdate{
		IfInfomsg: nl.IfInfomsg{IfInfomsg: unix.IfInfomsg{Change: change}},
		Header:    unix.NlMsghdr{Type: msgType},
		Link:      &netlink.Dummy{LinkAttrs: attrs},
	}
}

func TestHandleLinkNotifiesWLB(t *testing.T) {
	a := newTestApp(t, "")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGUSR2)
	defer signal.Stop(sig)

	// no PID file yet: nothing to notify
	a.handleLink(linkUpdate("eth0", unix.RTM_NEWLINK, unix.IFF_UP, true))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.linkEvents.WithLabelValues("up")))

	require.NoError(t, os.WriteFile(a.wlbPIDPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))
	a.handleLink(linkUpdate("eth0", unix.RTM_NEWLINK, unix.IFF_UP, false))
	select {
	case <-sig:
	case <-time.After(2 * time.Second):
		t.Fatal("SIGUSR2 not delivered")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.linkEvents.WithLabelValues("down")))

	a.handleLink(linkUpdate("eth0", unix.RTM_NEWLINK, 0x100, true))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.linkEvents.WithLabelValues("change")))
	a.handleLink(linkUpdate("eth0", unix.RTM_DELLINK, 0, false))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.linkEvents.WithLabelValues("del")))
}

func TestStartTwice(t *testing.T) {
	a := newTestApp(t, "")
	a.enabled.Store(true)
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyRunning)
}
