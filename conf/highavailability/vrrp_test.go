package highavailability

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

func newRuntime(t *testing.T) (*commit.Runtime, *process.Fake) {
	t.Helper()
	s, err := schema.Load()
	require.NoError(t, err)
	rd, err := render.New(t.TempDir())
	require.NoError(t, err)
	dir := t.TempDir()
	keepalivedConf = filepath.Join(dir, "keepalived.conf")
	dictFile = filepath.Join(dir, "keepalived_config.dict")
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

const ha = `
high-availability {
    vrrp {
        group lan {
            address 192.0.2.1/24
            interface eth1
            vrid 10
            authentication {
                type plaintext-password
                password s3cret
            }
            transition-script {
                master /config/scripts/lan-master.sh
            }
        }
        group wan {
            address 203.0.113.1/24
            interface eth0
            vrid 20
            peer-address 203.0.113.3
            hello-source-address 203.0.113.2
            no-preempt
        }
        sync-group main {
            member lan
            member wan
            transition-script {
                backup /config/scripts/backup.sh
            }
        }
    }
}`

func TestKeepalivedRender(t *testing.T) {
	rt, fake := newRuntime(t)
	require.NoError(t, commitText(t, rt, "", ha))

	info, err := os.Stat(keepalivedConf)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	data, err := os.ReadFile(keepalivedConf)
	require.NoError(t, err)
	conf := string(data)
	assert.Contains(t, conf, "notify_fifo "+notifyFIFO)
	assert.Contains(t, conf, "virtual_router_id 10")
	assert.Contains(t, conf, "advert_int 1")
	assert.Contains(t, conf, "priority 100")
	assert.Contains(t, conf, "auth_type PASS")
	assert.Contains(t, conf, "unicast_src_ip 203.0.113.2")
	assert.Contains(t, conf, "nopreempt")
	assert.Contains(t, conf, "vrrp_sync_group main {\n    group {\n        lan\n        wan\n    }")

	var dict models.VRRPConfig
	require.NoError(t, models.ReadJSON(dictFile, &dict))
	require.Len(t, dict.VRRPGroups, 2)
	assert.Equal(t, "/config/scripts/lan-master.sh", dict.VRRPGroups[0].MasterScript)
	assert.Equal(t, "/config/scripts/backup.sh", dict.SyncGroups[0].BackupScript)

	// not running yet
	assert.Equal(t, []string{"systemctl restart " + Unit}, fake.Matching("systemctl restart"))

	t.Run("running daemon is reloaded", func(t *testing.T) {
		fake.Reset()
		fake.On("systemctl show --value -p SubState", process.Result{Stdout: "running"})
		changed := strings.Replace(ha, "vrid 20", "vrid 21", 1)
		require.NoError(t, commitText(t, rt, ha, changed))
		assert.Equal(t, []string{"systemctl reload-or-restart " + Unit}, fake.Matching("systemctl reload"))
	})

	t.Run("removal stops the daemon", func(t *testing.T) {
		fake.Reset()
		require.NoError(t, commitText(t, rt, ha, ""))
		assert.Equal(t, []string{"systemctl stop " + Unit}, fake.Lines())
		_, err := os.Stat(dictFile)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestVRRPVerify(t *testing.T) {
	cases := map[string]struct {
		config, msg string
	}{
		"missing address": {
			config: strings.Replace(ha, "address 192.0.2.1/24", "", 1),
			msg:    "virtual-address is required but not set in VRRP group lan",
		},
		"mixed families": {
			config: strings.Replace(ha, "address 192.0.2.1/24", "address 192.0.2.1/24\n            address 2001:db8::1/64", 1),
			msg:    "VRRP group lan mixes IPv4 and IPv6 virtual addresses",
		},
		"peer family": {
			config: strings.Replace(ha, "peer-address 203.0.113.3", "peer-address 2001:db8::3", 1),
			msg:    "VRRP group wan uses IPv4 but its peer-address is IPv6",
		},
		"unknown sync member": {
			config: strings.Replace(ha, "member wan", "member dmz", 1),
			msg:    "VRRP sync-group main refers to VRRP group dmz, but group dmz does not exist",
		},
		"password without type": {
			config: strings.Replace(ha, "type plaintext-password", "", 1),
			msg:    "authentication type is required",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rt, _ := newRuntime(t)
			err := commitText(t, rt, "", tc.config)
			require.ErrorIs(t, err, failure.ErrConfig)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}

	t.Run("duplicate vrid on interface", func(t *testing.T) {
		rt, _ := newRuntime(t)
		config := strings.Replace(strings.Replace(ha, "vrid 20", "vrid 10", 1), "interface eth0", "interface eth1", 1)
		err := commitText(t, rt, "", config)
		require.ErrorIs(t, err, failure.ErrConfig)
		assert.Contains(t, err.Error(), "VRID 10 is used in groups lan and wan that both use interface eth1")
	})
}
