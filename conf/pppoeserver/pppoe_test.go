package pppoeserver

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
	pppoeConf = filepath.Join(dir, "pppoe.conf")
	chapSecrets = filepath.Join(dir, "pppoe.chap-secrets")
	fake := process.NewFake()
	return &commit.Runtime{
		Schema:   s,
		Handlers: map[string]commit.Handler{Owner: Handler()},
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

const server = `
service {
    pppoe-server {
        authentication {
            local-users {
                username alice {
                    password wonderland
                }
                username bob {
                    password builder
                    disable
                }
            }
        }
        client-ip-pool main {
            range 100.64.0.10-100.64.0.250
        }
        default-pool main
        gateway-address 100.64.0.1
        interface eth1 {
            vlan 100
            vlan 200
        }
        name-server 192.0.2.53
        name-server 2001:db8::53
        pado-delay 10 {
            sessions 500
        }
        pado-delay 20 {
            sessions 1000
        }
        pado-delay disable {
            sessions 2000
        }
    }
}`

func TestPPPoEServerRender(t *testing.T) {
	rt, fake := newRuntime(t)
	require.NoError(t, commitText(t, rt, "", server))

	data, err := os.ReadFile(pppoeConf)
	require.NoError(t, err)
	conf := string(data)
	assert.Contains(t, conf, "pado-delay=0,10:500,20:1000,-1:2000")
	assert.Contains(t, conf, "ac-name=vyos-ac")
	assert.Contains(t, conf, `interface=re:^eth1\.(100|200)$`)
	assert.Contains(t, conf, "vlan-mon=eth1,100,200")
	assert.Contains(t, conf, "100.64.0.10-100.64.0.250,name=main")
	assert.Contains(t, conf, "dns1=192.0.2.53")
	assert.Contains(t, conf, "single-session=replace")
	assert.Contains(t, conf, "chap-secrets="+chapSecrets)

	secrets, err := os.ReadFile(chapSecrets)
	require.NoError(t, err)
	assert.Contains(t, string(secrets), "alice        * wonderland *")
	assert.NotContains(t, string(secrets), "bob")
	info, err := os.Stat(chapSecrets)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.Equal(t, []string{"systemctl restart " + Unit}, fake.Matching("systemctl restart"))
}

func TestPadoDelayOrder(t *testing.T) {
	cases := map[string]struct {
		from, to, msg string
	}{
		"disable not last": {"pado-delay disable {\n            sessions 2000", "pado-delay disable {\n            sessions 700", `"pado-delay disable" must have the highest sessions count`},
		"delay decreases":  {"pado-delay 20 {", "pado-delay 5 {", "pado-delay 5 for 1000 sessions must be greater than 10 used for 500 sessions"},
		"duplicate count":  {"sessions 1000", "sessions 500", "Sessions count 500 is used more than once"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rt, _ := newRuntime(t)
			err := commitText(t, rt, "", strings.Replace(server, tc.from, tc.to, 1))
			require.ErrorIs(t, err, failure.ErrConfig)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestPPPoEVerify(t *testing.T) {
	cases := map[string]struct {
		from, to, msg string
	}{
		"no gateway":   {"gateway-address 100.64.0.1", "", "PPPoE server requires gateway-address to be configured!"},
		"no password":  {"password wonderland", "", `Password required for local user "alice"`},
		"unknown pool": {"default-pool main", "default-pool other", `Default pool "other" does not exist`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rt, _ := newRuntime(t)
			err := commitText(t, rt, "", strings.Replace(server, tc.from, tc.to, 1))
			require.ErrorIs(t, err, failure.ErrConfig)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}
