package loadbalancing

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

type harness struct {
	rt        *commit.Runtime
	fake      *process.Fake
	sys       process.Sysfs
	conntrack int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := schema.Load()
	require.NoError(t, err)
	rd, err := render.New(t.TempDir())
	require.NoError(t, err)
	confFile = filepath.Join(t.TempDir(), "load-balance", "wlb.json")
	h := &harness{fake: process.NewFake(), sys: process.Sysfs{Root: t.TempDir()}}
	ct := commit.Funcs[configtree.Dict]{
		Get: func(*commit.Env) (configtree.Dict, error) {
			h.conntrack++
			return nil, nil
		},
	}
	h.rt = &commit.Runtime{
		Schema:   s,
		Handlers: map[string]commit.Handler{Owner: Handler(), conntrackOwner: ct},
		Proc:     process.New(h.fake),
		Render:   rd,
		Sys:      h.sys,
		LockPath: filepath.Join(t.TempDir(), ".lock"),
	}
	return h
}

func (h *harness) commit(t *testing.T, running, candidate string) error {
	t.Helper()
	parse := func(text string) *configtree.Node {
		tree, err := configtree.Parse(strings.NewReader(text))
		require.NoError(t, err)
		return tree
	}
	_, err := h.rt.Commit(context.Background(), parse(running), parse(candidate))
	return err
}

const wan = `
load-balancing {
    wan {
        interface-health eth0 {
            failure-count 3
            nexthop 203.0.113.1
            test 10 {
                target 198.51.100.1
            }
        }
        interface-health eth1 {
            nexthop dhcp
        }
        rule 10 {
            inbound-interface eth2
            interface eth0 {
                weight 2
            }
            interface eth1 {
            }
            protocol tcp
            destination {
                port 443
            }
        }
        sticky-connections {
            inbound
        }
    }
}`

func TestWANPublishesIntent(t *testing.T) {
	h := newHarness(t)
	acct := filepath.Join(h.sys.Root, acctSysctl)
	require.NoError(t, os.MkdirAll(filepath.Dir(acct), 0o755))
	require.NoError(t, os.WriteFile(acct, []byte("0\n"), 0o644))

	require.NoError(t, h.commit(t, "", wan))

	var cfg models.WLBConfig
	require.NoError(t, models.ReadJSON(confFile, &cfg))
	assert.True(t, cfg.StickyInbound)
	assert.Equal(t, 3, cfg.InterfaceHealth["eth0"].FailureCount)
	assert.Equal(t, "ping", cfg.InterfaceHealth["eth0"].Test["10"].Type)
	assert.Equal(t, "dhcp", cfg.InterfaceHealth["eth1"].Nexthop)
	rule := cfg.Rule["10"]
	assert.Equal(t, 2, rule.Interface["eth0"].Weight)
	assert.Equal(t, 1, rule.Interface["eth1"].Weight)
	assert.Equal(t, "443", rule.Destination.Port)
	assert.Nil(t, rule.Limit)

	v, err := h.sys.Read(acctSysctl)
	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Equal(t, []string{"systemctl restart " + Unit}, h.fake.Matching("systemctl restart"))
	assert.Equal(t, 1, h.conntrack)

	t.Run("deletion stops the daemon", func(t *testing.T) {
		h.fake.Reset()
		require.NoError(t, h.commit(t, wan, ""))
		assert.Equal(t, []string{"systemctl stop " + Unit}, h.fake.Lines())
		_, err := os.Stat(filepath.Dir(confFile))
		assert.True(t, os.IsNotExist(err))
		assert.Equal(t, 2, h.conntrack)
	})
}

func TestWANVerify(t *testing.T) {
	cases := map[string]struct {
		config, msg string
	}{
		"no nexthop": {
			config: strings.Replace(wan, "nexthop dhcp", "", 1),
			msg:    "interface-health eth1 nexthop must be specified!",
		},
		"user test without script": {
			config: strings.Replace(wan, "target 198.51.100.1", "type user-defined", 1),
			msg:    "test 10 script must be defined for test-script!",
		},
		"failover with exclude": {
			config: strings.Replace(wan, "protocol tcp", "protocol tcp\n            failover\n            exclude", 1),
			msg:    "rule 10 failover cannot be configured with exclude!",
		},
		"limit with exclude": {
			config: strings.Replace(wan, "protocol tcp", "protocol tcp\n            exclude\n            limit {\n                rate 5\n            }", 1),
			msg:    "rule 10 limit cannot be used with exclude!",
		},
		"port without tcp or udp": {
			config: strings.Replace(wan, "protocol tcp", "protocol icmp", 1),
			msg:    `ports can only be specified when protocol is "tcp" or "udp"`,
		},
		"missing inbound interface": {
			config: strings.Replace(wan, "inbound-interface eth2", "", 1),
			msg:    "rule 10 inbound-interface must be specified!",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			err := h.commit(t, "", tc.config)
			require.ErrorIs(t, err, failure.ErrConfig)
			assert.Contains(t, err.Error(), tc.msg)
			assert.Empty(t, h.fake.Lines())
		})
	}
}
