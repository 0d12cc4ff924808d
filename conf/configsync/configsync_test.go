package configsync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vycore/commit"
	"vycore/configtree"
	"vycore/internal/failure"
	"vycore/models"
	"vycore/process"
	"vycore/render"
	"vycore/schema"
)

func commitText(t *testing.T, running, candidate string) error {
	t.Helper()
	s, err := schema.Load()
	require.NoError(t, err)
	rd, err := render.New(t.TempDir())
	require.NoError(t, err)
	rt := &commit.Runtime{
		Schema:   s,
		Handlers: map[string]commit.Handler{Owner: Handler()},
		Proc:     process.New(process.NewFake()),
		Render:   rd,
		LockPath: filepath.Join(t.TempDir(), ".lock"),
	}
	parse := func(text string) *configtree.Node {
		tree, err := configtree.Parse(strings.NewReader(text))
		require.NoError(t, err)
		return tree
	}
	_, err = rt.Commit(context.Background(), parse(running), parse(candidate))
	return err
}

const sync = `
service {
    config-sync {
        mode set
        section firewall
        section "service dns dynamic"
        secondary {
            address 192.0.2.2
            key s3cret
        }
    }
}`

func TestConfigSyncPublished(t *testing.T) {
	confFile = filepath.Join(t.TempDir(), "config_sync_conf.conf")
	require.NoError(t, commitText(t, "", sync))

	info, err := os.Stat(confFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	var cfg models.ConfigSyncConfig
	require.NoError(t, models.ReadJSON(confFile, &cfg))
	assert.Equal(t, "set", cfg.Mode)
	assert.Equal(t, []string{"firewall", "service dns dynamic"}, cfg.Section)
	assert.Equal(t, 443, cfg.Secondary.Port)
	assert.Equal(t, 60, cfg.Secondary.Timeout)
}

func TestConfigSyncVerify(t *testing.T) {
	cases := map[string]struct {
		from, to, msg string
	}{
		"no key":          {"key s3cret", "", "Secondary key is required"},
		"unknown section": {"section firewall", "section frobnicate", `Unknown configuration section "frobnicate"`},
		"itself":          {"section firewall", `section "service config-sync"`, "cannot synchronize itself"},
		"bad address":     {"address 192.0.2.2", "address not_a_host!", "invalid configuration"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			confFile = filepath.Join(t.TempDir(), "config_sync_conf.conf")
			err := commitText(t, "", strings.Replace(sync, tc.from, tc.to, 1))
			require.ErrorIs(t, err, failure.ErrConfig)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}
