package dnsdynamic

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
	"vycore/process"
	"vycore/render"
	"vycore/schema"
)

func newRuntime(t *testing.T) (*commit.Runtime, *process.Fake) {
	t.Helper()
	s, err := schema.Load()
	require.NoError(t, err)
	rd, err := render.New(t.TempDir())
	require.NoError(t, err)
	dir := t.TempDir()
	configFile = filepath.Join(dir, "ddclient.conf")
	overrideFile = filepath.Join(dir, "override.conf")
	fake := process.NewFake()
	noop := commit.Funcs[configtree.Dict]{Get: func(*commit.Env) (configtree.Dict, error) { return nil, nil }}
	return &commit.Runtime{
		Schema:   s,
		Handlers: map[string]commit.Handler{Owner: Handler(), "interfaces_ethernet": noop},
		Proc:     process.New(fake),
		Render:   rd,
		LockPath: filepath.Join(dir, ".lock"),
	}, fake
}

func commitText(t *testing.T, rt *commit.Runtime, running, candidate string) error {
	t.Helper()
	parse := func(text string) *configtree.Node {
		tree, err := configtree.Parse(strings.NewReader(text))
		require.NoError(t, err)
		return tree
	}
	_, err := rt.Commit(context.Background(), parse(running), parse(candidate))
	return err
}

const cloudflare = `
interfaces {
    ethernet eth0 {
    }
}
service {
    dns {
        dynamic {
            name cf {
                address {
                    interface eth0
                }
                host-name router.example.com
                ip-version both
                password t0ken
                protocol cloudflare
                ttl 300
                zone example.com
            }
        }
    }
}`

func TestDDClientRender(t *testing.T) {
	rt, fake := newRuntime(t)
	require.NoError(t, commitText(t, rt, "", cloudflare))

	info, err := os.Stat(configFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	data, err := os.ReadFile(configFile)
	require.NoError(t, err)
	conf := string(data)
	assert.Contains(t, conf, "daemon=300")
	assert.Contains(t, conf, "usev4=ifv4, ifv4=eth0")
	assert.Contains(t, conf, "usev6=ifv6, ifv6=eth0")
	assert.Contains(t, conf, "zone=example.com")
	assert.Contains(t, conf, "password='t0ken'")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(conf), "router.example.com"))
	assert.Equal(t, []string{
		"systemctl daemon-reload",
		"systemctl reload-or-restart " + Unit,
	}, fake.Lines())

	t.Run("removal stops ddclient", func(t *testing.T) {
		fake.Reset()
		running := cloudflare
		candidate := cloudflare[:strings.Index(cloudflare, "service {")]
		require.NoError(t, commitText(t, rt, running, candidate))
		assert.Equal(t, []string{"systemctl daemon-reload", "systemctl stop " + Unit}, fake.Lines())
		_, err := os.Stat(configFile)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestDDClientVerify(t *testing.T) {
	cases := map[string]struct {
		edit []string
		msg  string
	}{
		"zone missing":      {[]string{"zone example.com", ""}, `"zone" is required for Dynamic DNS service "cf"`},
		"ttl unsupported":   {[]string{"protocol cloudflare", "protocol dyndns2\n                username u", "zone example.com", "", "ip-version both", ""}, `"ttl" is not supported for Dynamic DNS service "cf"`},
		"password missing":  {[]string{"password t0ken", ""}, `"password" is required`},
		"unknown interface": {[]string{"interface eth0", "interface eth9"}, `Interface "eth9" does not exist!`},
		"dualstack":         {[]string{"protocol cloudflare", "protocol namecheap\n                username u", "zone example.com", "", "ttl 300", ""}, "Both IPv4 and IPv6 at the same time is not supported"},
		"bad host name":     {[]string{"router.example.com", "-router-.example.com"}, "is not a valid host name"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rt, _ := newRuntime(t)
			err := commitText(t, rt, "", strings.NewReplacer(tc.edit...).Replace(cloudflare))
			require.ErrorIs(t, err, failure.ErrConfig)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}

	t.Run("session interface is allowed", func(t *testing.T) {
		rt, _ := newRuntime(t)
		require.NoError(t, commitText(t, rt, "", strings.Replace(cloudflare, "interface eth0", "interface pppoe0", 1)))
	})
}
