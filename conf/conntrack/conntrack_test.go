package conntrack

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vycore/commit"
	"vycore/conf/firewall"
	"vycore/configtree"
	"vycore/process"
	"vycore/render"
	"vycore/schema"
)

type harness struct {
	rt   *commit.Runtime
	fake *process.Fake
	sys  process.Sysfs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s, err := schema.Load()
	require.NoError(t, err)
	rd, err := render.New(t.TempDir())
	require.NoError(t, err)
	dir := t.TempDir()
	sysctlFile = filepath.Join(dir, "10-vyos-conntrack.conf")
	nftablesFile = filepath.Join(dir, "nftables-ct.conf")
	fake := process.NewFake()
	// the firewall and the load balancer are covered by their own packages
	noop := commit.Funcs[configtree.Dict]{Get: func(*commit.Env) (configtree.Dict, error) { return nil, nil }}
	sys := process.Sysfs{Root: t.TempDir()}
	return &harness{
		rt: &commit.Runtime{
			Schema:   s,
			Handlers: map[string]commit.Handler{Owner: Handler(), firewall.Owner: noop, "load_balancing_wan": noop},
			Proc:     process.New(fake),
			Render:   rd,
			Sys:      sys,
			LockPath: filepath.Join(t.TempDir(), ".lock"),
		},
		fake: fake,
		sys:  sys,
	}
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

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestConntrackDefaults(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.commit(t, "", `
system {
    conntrack {
        expect-table-size 4096
    }
}`))
	sysctl := read(t, sysctlFile)
	assert.Contains(t, sysctl, "net.netfilter.nf_conntrack_max = 262144")
	assert.Contains(t, sysctl, "net.netfilter.nf_conntrack_expect_max = 4096")
	assert.Contains(t, sysctl, "net.netfilter.nf_conntrack_acct = 0")

	ct := read(t, nftablesFile)
	assert.Equal(t, 2, strings.Count(ct, "chain FW_CONNTRACK {\n        return"))
	assert.Equal(t, []string{"nft --check -f " + nftablesFile, "nft -f " + nftablesFile}, h.fake.Matching("nft"))
	assert.Equal(t, []string{"sysctl -f " + sysctlFile}, h.fake.Matching("sysctl"))
}

func TestStatefulFirewallTracksFamily(t *testing.T) {
	h := newHarness(t)
	config := `
firewall {
    ipv6 {
        input {
            filter {
                rule 10 {
                    action accept
                    state established
                }
            }
        }
    }
}
load-balancing {
    wan {
    }
}
system {
    conntrack {
        flow-accounting
    }
}`
	require.NoError(t, h.commit(t, "", config))
	ct := read(t, nftablesFile)
	v4 := ct[:strings.Index(ct, "table ip6 vyos_conntrack")]
	v6 := ct[strings.Index(ct, "table ip6 vyos_conntrack"):]
	assert.Contains(t, v4, "chain FW_CONNTRACK {\n        return")
	assert.Contains(t, v4, "chain WLB_CONNTRACK {\n        accept")
	assert.Contains(t, v6, "chain FW_CONNTRACK {\n        accept")
	assert.Contains(t, read(t, sysctlFile), "nf_conntrack_acct = 1")

	t.Run("unchanged render is not reapplied", func(t *testing.T) {
		h.fake.Reset()
		changed := strings.Replace(config, "flow-accounting", "flow-accounting\n        hash-size 65536", 1)
		require.NoError(t, h.commit(t, config, changed))
		assert.Empty(t, h.fake.Matching("nft"))
		assert.Empty(t, h.fake.Matching("sysctl"))
	})
}

func TestHashSize(t *testing.T) {
	h := newHarness(t)
	attr := filepath.Join(h.sys.Root, hashSizeAttr)
	require.NoError(t, os.MkdirAll(filepath.Dir(attr), 0o755))
	require.NoError(t, os.WriteFile(attr, []byte("32768\n"), 0o644))

	require.NoError(t, h.commit(t, "", `
system {
    conntrack {
        hash-size 131072
    }
}`))
	got, err := h.sys.Read(hashSizeAttr)
	require.NoError(t, err)
	assert.Equal(t, "131072", got)
}

func TestSizesMustBePositive(t *testing.T) {
	h := newHarness(t)
	err := h.commit(t, "", `
system {
    conntrack {
        table-size 0
    }
}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table-size must be a positive number")
}
