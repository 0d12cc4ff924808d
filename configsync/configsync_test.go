package configsync

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vycore/commit"
	"vycore/configtree"
	"vycore/models"
	"vycore/schema"
)

const running = `
firewall {
    group {
        address-group LAN {
            address 10.0.0.1
        }
    }
}`

const candidate = `
firewall {
    group {
        address-group LAN {
            address 10.0.0.1
            address 10.0.0.2
        }
    }
}`

func session(t *testing.T, from, to string) *configtree.Session {
	t.Helper()
	s, err := schema.Load()
	require.NoError(t, err)
	parse := func(text string) *configtree.Node {
		tree, err := configtree.Parse(strings.NewReader(text))
		require.NoError(t, err)
		return tree
	}
	return configtree.NewSession(s, parse(from), parse(to))
}

type secondary struct {
	srv    *httptest.Server
	hits   atomic.Int32
	body   atomic.Value
	status int
	reply  models.ConfigureSectionResponse
}

func newSecondary(t *testing.T) *secondary {
	sec := &secondary{status: http.StatusOK, reply: models.ConfigureSectionResponse{Success: true}}
	sec.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sec.hits.Add(1)
		assert.Equal(t, Path, r.URL.Path)
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		sec.body.Store(string(data))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(sec.status)
		_ = json.NewEncoder(w).Encode(sec.reply)
	}))
	t.Cleanup(sec.srv.Close)
	return sec
}

func (sec *secondary) pusher(t *testing.T) *Pusher {
	t.Helper()
	u, err := url.Parse(sec.srv.URL)
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	cfg := models.ConfigSyncConfig{
		Mode:      "set",
		Section:   []string{"firewall group", "service dns dynamic"},
		Secondary: models.ConfigSyncSecondary{Address: host, Port: p, Key: "s3cret", Timeout: 5},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	pusher := New()
	pusher.ConfigPath = filepath.Join(t.TempDir(), "config_sync_conf.conf")
	require.NoError(t, os.WriteFile(pusher.ConfigPath, data, 0o600))
	return pusher
}

func TestPushChangedSections(t *testing.T) {
	sec := newSecondary(t)
	p := sec.pusher(t)
	p.Metrics = NewMetrics(prometheus.NewRegistry())

	require.NoError(t, p.PostCommit(context.Background(), session(t, running, candidate), commit.Result{}))
	require.EqualValues(t, 1, sec.hits.Load())
	assert.JSONEq(t, `{
		"op": "set",
		"key": "s3cret",
		"mask": {"firewall": {"group": {}}, "service": {"dns": {"dynamic": {}}}},
		"config": {
			"firewall": {"group": {"address-group": {"LAN": {"address": ["10.0.0.1", "10.0.0.2"]}}}},
			"service": {"dns": {"dynamic": {}}}
		}
	}`, sec.body.Load().(string))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics.pushes.WithLabelValues("ok")))
}

func TestPushSkipsUnchangedSections(t *testing.T) {
	sec := newSecondary(t)
	p := sec.pusher(t)
	require.NoError(t, p.PostCommit(context.Background(), session(t, running, running), commit.Result{}))
	assert.Zero(t, sec.hits.Load())
}

func TestPushRejected(t *testing.T) {
	sec := newSecondary(t)
	sec.status = http.StatusBadRequest
	sec.reply = models.ConfigureSectionResponse{Error: "invalid key"}
	p := sec.pusher(t)
	err := p.Push(context.Background(), SessionSource{Session: session(t, running, candidate)})
	require.ErrorContains(t, err, "invalid key")
}

func TestPushWithoutConfig(t *testing.T) {
	p := New()
	p.ConfigPath = filepath.Join(t.TempDir(), "missing.conf")
	require.NoError(t, p.Push(context.Background(), SessionSource{Session: session(t, running, candidate)}))
}

func TestArchiveSource(t *testing.T) {
	archive, err := commit.OpenArchive(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	defer archive.Close()
	ctx := context.Background()
	require.NoError(t, archive.Record(ctx, &commit.Revision{Paths: []string{"firewall group"}, Config: candidate}))

	src := ArchiveSource{Archive: archive, Session: session(t, candidate, candidate)}
	req, err := Request(ctx, models.ConfigSyncConfig{Mode: "load", Section: []string{"firewall"}}, src)
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.Equal(t, "load", req.Op)
	assert.Contains(t, req.Config, "firewall")

	req, err = Request(ctx, models.ConfigSyncConfig{Mode: "load", Section: []string{"interfaces"}}, src)
	require.NoError(t, err)
	assert.Nil(t, req)
}
