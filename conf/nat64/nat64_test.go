package nat64

import (
	"context"
	"encoding/json"
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
	joolDir = t.TempDir()
	fake := process.NewFake()
	return &commit.Runtime{
		Schema:   s,
		Handlers: map[string]commit.Handler{Owner: Handler()},
		Proc:     process.New(fake),
		Render:   rd,
		Sys:      process.Sysfs{Root: t.TempDir()},
		LockPath: filepath.Join(t.TempDir(), ".lock"),
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

const rule = `
nat64 {
    source {
        rule 100 {
            description "lab clients"
            source {
                prefix 64:ff9b::/96
            }
            match {
                mark 7
            }
            translation {
                pool 10 {
                    address 203.0.113.0/29
                    port 1-65535
                    protocol {
                        tcp
                    }
                }
                pool 20 {
                    address 203.0.113.8/29
                    port 1024-2047
                    disable
                }
            }
        }
    }
}`

func TestNAT64WritesInstance(t *testing.T) {
	rt, fake := newRuntime(t)
	require.NoError(t, commitText(t, rt, "", rule))

	data, err := os.ReadFile(instanceFile("100"))
	require.NoError(t, err)
	var in joolInstance
	require.NoError(t, json.Unmarshal(data, &in))
	assert.Equal(t, joolInstance{
		Instance:  "instance-100",
		Framework: "netfilter",
		Global:    joolGlobal{Pool6: "64:ff9b::/96", ManuallyEnabled: true},
		Comment:   "lab clients",
		Pool4: []joolPool4{
			{Protocol: "TCP", Prefix: "203.0.113.0/29", PortRange: "1-65535", Mark: 7},
		},
	}, in)
	assert.Contains(t, string(data), `"port range"`)

	assert.Equal(t, []string{
		"modprobe jool",
		"jool instance display --csv",
		"jool -i instance-100 file handle " + instanceFile("100"),
	}, fake.Lines())
}

func TestNAT64RecreatesOnPrefixChange(t *testing.T) {
	rt, fake := newRuntime(t)
	fake.On("jool instance display --csv", process.Result{Stdout: "default,instance-100,netfilter\ndefault,instance-7,netfilter\ndefault,other,netfilter\n"})
	changed := strings.Replace(rule, "64:ff9b::/96", "2001:db8:64::/96", 1)
	require.NoError(t, commitText(t, rt, rule, changed))

	assert.Equal(t, []string{
		"jool instance remove instance-7",
		"jool instance remove instance-100",
	}, fake.Matching("jool instance remove"))
	assert.NotEmpty(t, fake.Matching("jool -i instance-100 file handle"))

	t.Run("failed handle is reported", func(t *testing.T) {
		fake.On("jool -i instance-100", process.Result{RC: 1})
		err := commitText(t, rt, changed, rule)
		require.ErrorIs(t, err, failure.ErrConfig)
		assert.Contains(t, err.Error(), "Failed to set jool instance instance-100")
	})
}

func TestNAT64Removal(t *testing.T) {
	rt, fake := newRuntime(t)
	require.NoError(t, commitText(t, rt, "", rule))
	fake.Reset()
	fake.On("jool instance display --csv", process.Result{Stdout: "default,instance-100,netfilter\n"})
	require.NoError(t, commitText(t, rt, rule, ""))

	assert.Equal(t, []string{
		"jool instance display --csv",
		"jool instance remove instance-100",
		"rmmod jool",
	}, fake.Lines())
	_, err := os.Stat(instanceFile("100"))
	assert.True(t, os.IsNotExist(err))
}

func TestNAT64Verify(t *testing.T) {
	second := strings.Replace(rule, "rule 100 {", `rule 200 {
            source {
                prefix 2001:db8:1::/96
            }
        }
        rule 100 {`, 1)
	cases := map[string]struct {
		config, msg string
	}{
		"two netfilter instances": {second, "Jool permits only 1 NAT64 netfilter instance"},
		"not /96":                 {strings.Replace(rule, "64:ff9b::/96", "64:ff9b::/64", 1), "source prefix must be /96"},
		"rfc6052":                 {strings.Replace(rule, "64:ff9b::/96", "64:ff9b:0:0:ff00::/96", 1), "not RFC6052-compliant"},
		"pool without port":       {strings.Replace(rule, "port 1-65535", "", 1), "translation pool 10 missing port(-range)"},
		"missing prefix":          {strings.Replace(rule, "prefix 64:ff9b::/96", "", 1), "Source NAT64 rule 100 missing source prefix"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rt, _ := newRuntime(t)
			err := commitText(t, rt, "", tc.config)
			require.ErrorIs(t, err, failure.ErrConfig)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}
