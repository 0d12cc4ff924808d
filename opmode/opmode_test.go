package opmode

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"vycore/commit"
	"vycore/ifconfig"
	"vycore/internal/failure"
	"vycore/models"
	"vycore/process"
)

const running = `service {
    https {
        listen-address 192.0.2.1
    }
    ssh {
        port 22
    }
    dns {
        forwarding {
            disable
        }
    }
}
system {
    login {
        user vyos {
            authentication {
                plaintext-password ""
                encrypted-password "$6$abc"
            }
        }
    }
}
vpn {
    ipsec {
        authentication {
            psk peer {
                secret "very secret"
            }
        }
    }
}
`

func newOps(t *testing.T) (*Ops, *process.Fake) {
	t.Helper()
	dir := t.TempDir()
	fake := process.NewFake()
	o := New(process.New(fake))
	o.Links = ifconfig.NewFakeLinks(
		ifconfig.LinkInfo{Name: "eth1", Type: "device", MTU: 1500, Up: true, MAC: "00:53:00:00:00:02"},
		ifconfig.LinkInfo{Name: "eth0", Type: "device", MTU: 1500, Up: true, MAC: "00:53:00:00:00:01",
			Addresses: []string{"192.0.2.1/24", "2001:db8::1/64"}, Alias: "WAN"},
	)
	o.LockPath = filepath.Join(dir, ".lock")
	o.RunningConfig = filepath.Join(dir, "config.boot")
	o.WLBStatusPath = filepath.Join(dir, "wlb_status.json")
	o.VRRPDictPath = filepath.Join(dir, "keepalived.dict")
	o.ProcRoot = filepath.Join(dir, "proc")
	o.Now = func() int64 { return 1700000100 }
	require.NoError(t, os.WriteFile(o.RunningConfig, []byte(running), 0o644))
	return o, fake
}

func TestRestart(t *testing.T) {
	ctx := context.Background()

	t.Run("configured", func(t *testing.T) {
		o, fake := newOps(t)
		require.NoError(t, o.Restart(ctx, "https", ""))
		require.NoError(t, o.Restart(ctx, "ssh", "mgmt"))
		assert.Equal(t, []string{
			"systemctl restart vycored.service",
			"systemctl restart ssh@mgmt.service",
		}, fake.Lines())
	})

	t.Run("errors", func(t *testing.T) {
		o, fake := newOps(t)
		err := o.Restart(ctx, "nope", "")
		assert.ErrorIs(t, err, failure.ErrIncorrectValue)

		err = o.Restart(ctx, "dhcp", "")
		assert.ErrorIs(t, err, failure.ErrUnconfiguredSubsystem)
		assert.EqualError(t, err, "Service dhcp is not configured!")

		err = o.Restart(ctx, "dns_forwarding", "")
		assert.ErrorIs(t, err, failure.ErrUnconfiguredSubsystem)
		assert.EqualError(t, err, "Service dns-forwarding is disabled!")
		assert.Empty(t, fake.Lines())
	})

	t.Run("commit in progress", func(t *testing.T) {
		o, fake := newOps(t)
		lock, err := commit.AcquireLock(o.LockPath)
		require.NoError(t, err)
		defer lock.Release()

		err = o.Restart(ctx, "https", "")
		assert.ErrorIs(t, err, failure.ErrCommitInProgress)
		assert.EqualError(t, err, "Cannot restart https service while a commit is in progress")
		assert.Equal(t, 1, failure.ExitCode(err, true))
		assert.Empty(t, fake.Lines())
	})

	t.Run("systemctl fails", func(t *testing.T) {
		o, fake := newOps(t)
		fake.On("systemctl restart", process.Result{RC: 1, Stderr: "Unit not found"})
		assert.ErrorIs(t, o.Restart(ctx, "https", ""), failure.ErrInternal)
	})
}

func TestShowInterfaces(t *testing.T) {
	o, _ := newOps(t)
	var buf bytes.Buffer
	require.NoError(t, o.ShowInterfaces(&buf))
	out := buf.String()
	assert.Contains(t, out, "Interface")
	assert.Regexp(t, `eth0\s+192\.0\.2\.1/24\s+00:53:00:00:00:01\s+1500\s+u/u\s+WAN`, out)
	assert.Regexp(t, `\n\s+2001:db8::1/64`, out)
	assert.Regexp(t, `eth1\s+-`, out)
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("eth0")), bytes.Index(buf.Bytes(), []byte("eth1")))
}

func TestShowWLBStatus(t *testing.T) {
	o, _ := newOps(t)
	var buf bytes.Buffer

	err := o.ShowWLBStatus(&buf)
	assert.ErrorIs(t, err, failure.ErrUnconfiguredSubsystem)

	require.NoError(t, os.WriteFile(o.WLBStatusPath, []byte("{"), 0o644))
	assert.ErrorIs(t, o.ShowWLBStatus(&buf), failure.ErrDataUnavailable)

	st := models.WLBStatus{Interfaces: map[string]models.WLBInterfaceStatus{
		"eth0": {State: "ACTIVE", Address: "192.0.2.1", Table: 201, Mark: "0xc9", LastSuccess: 1700000090},
		"eth1": {State: "FAILED", Table: 202, Mark: "0xca", LastFailure: 1700000000},
	}}
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(o.WLBStatusPath, data, 0o644))

	buf.Reset()
	require.NoError(t, o.ShowWLBStatus(&buf))
	out := buf.String()
	assert.Regexp(t, `eth0\s+ACTIVE\s+192\.0\.2\.1\s+0xc9\s+201\s+10s ago\s+never`, out)
	assert.Regexp(t, `eth1\s+FAILED\s+0xca\s+202\s+never\s+1m40s ago`, out)
}

func TestShowVRRP(t *testing.T) {
	ctx := context.Background()
	o, fake := newOps(t)
	var buf bytes.Buffer
	assert.ErrorIs(t, o.ShowVRRP(ctx, &buf), failure.ErrUnconfiguredSubsystem)

	cfg := models.VRRPConfig{
		VRRPGroups: []models.VRRPScripts{{Name: "LAN", MasterScript: "/config/scripts/master.sh"}},
		SyncGroups: []models.VRRPScripts{{Name: "SYNC", FaultScript: "/config/scripts/fault.sh"}},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(o.VRRPDictPath, data, 0o644))

	fake.On("systemctl show --value -p SubState keepalived.service", process.Result{Stdout: "dead"})
	assert.ErrorIs(t, o.ShowVRRP(ctx, &buf), failure.ErrDataUnavailable)

	fake.On("systemctl show --value -p SubState keepalived.service", process.Result{Stdout: "running"})
	require.NoError(t, o.ShowVRRP(ctx, &buf))
	out := buf.String()
	assert.Regexp(t, `LAN\s+group\s+/config/scripts/master\.sh\s+-\s+-\s+-`, out)
	assert.Regexp(t, `SYNC\s+sync-group\s+-\s+-\s+/config/scripts/fault\.sh\s+-`, out)
}

type fakeWireGuard map[string]*wgtypes.Device

func (f fakeWireGuard) Device(name string) (*wgtypes.Device, error) {
	d, ok := f[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return d, nil
}

func TestShowWireguard(t *testing.T) {
	o, _ := newOps(t)
	var buf bytes.Buffer
	assert.ErrorIs(t, o.ShowWireguard(&buf, "wg0"), failure.ErrUnsupportedOperation)

	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peer, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	_, allowed, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)
	o.WireGuard = fakeWireGuard{"wg0": {
		Name:       "wg0",
		PublicKey:  priv.PublicKey(),
		ListenPort: 51820,
		Peers: []wgtypes.Peer{{
			PublicKey:         peer.PublicKey(),
			Endpoint:          &net.UDPAddr{IP: net.ParseIP("198.51.100.7"), Port: 51820},
			AllowedIPs:        []net.IPNet{*allowed},
			LastHandshakeTime: time.Unix(1700000070, 0),
			ReceiveBytes:      1024,
			TransmitBytes:     2048,
		}},
	}}

	assert.ErrorIs(t, o.ShowWireguard(&buf, "wg1"), failure.ErrUnconfiguredObject)

	require.NoError(t, o.ShowWireguard(&buf, "wg0"))
	out := buf.String()
	assert.Contains(t, out, "interface: wg0")
	assert.Contains(t, out, "listening port: 51820")
	assert.Contains(t, out, peer.PublicKey().String())
	assert.Regexp(t, `198\.51\.100\.7:51820\s+10\.0\.0\.0/24\s+30s ago\s+1024\s+2048`, out)
}

func writeProc(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0o755))
	files := map[string]string{
		"stat":    "cpu  10 0 10 100 0 0 0 0 0 0\ncpu0 10 0 10 100 0 0 0 0 0 0\nbtime 1700000000\nprocesses 100\n",
		"loadavg": "0.10 0.20 0.30 1/100 12345\n",
		"meminfo": "MemTotal:        2048000 kB\nMemFree:          512000 kB\nMemAvailable:    1024000 kB\nBuffers:           1000 kB\nCached:           20000 kB\n",
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(body), 0o644))
	}
}

func TestTechSupport(t *testing.T) {
	ctx := context.Background()
	o, fake := newOps(t)
	writeProc(t, o.ProcRoot)
	fake.On("ps aux", process.Result{Stdout: "USER PID\nroot 1"})
	fake.On("lspci", process.Result{Stdout: "00:00.0 Host bridge"})
	fake.On("lsusb", process.Result{RC: 127, Stderr: "lsusb: not found"})

	t.Run("raw", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, o.WriteTechSupport(ctx, &buf, true))
		var r Report
		require.NoError(t, json.Unmarshal(buf.Bytes(), &r))
		assert.Equal(t, "1m40s", r.Uptime)
		assert.Equal(t, []float64{0.1, 0.2, 0.3}, r.Load)
		assert.Equal(t, uint64(2048000), r.Memory["total_kb"])
		assert.Equal(t, "00:00.0 Host bridge", r.Devices["pci"])
		assert.Contains(t, r.Errors, "devices usb")
		assert.Len(t, r.Interfaces, 2)
		assert.Contains(t, r.Config, `secret xxxxxx`)
		assert.NotContains(t, r.Config, "very secret")
		assert.Contains(t, r.Config, "listen-address 192.0.2.1")
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, o.WriteTechSupport(ctx, &buf, false))
		out := buf.String()
		assert.Contains(t, out, "---------- Uptime ----------\n1m40s")
		assert.Contains(t, out, "---------- PCI devices ----------\n00:00.0 Host bridge")
		assert.Contains(t, out, "WARNING: devices usb:")
	})

	t.Run("missing proc", func(t *testing.T) {
		o.ProcRoot = filepath.Join(t.TempDir(), "absent")
		r := o.TechSupport(ctx)
		assert.Contains(t, r.Errors, "proc")
		assert.Equal(t, "00:00.0 Host bridge", r.Devices["pci"])
	})
}

func TestStripSecrets(t *testing.T) {
	in := "    key abc\n    password \"two words\"\n    key {\n    keyword x\n"
	assert.Equal(t, "    key xxxxxx\n    password xxxxxx\n    key {\n    keyword x\n", stripSecrets(in))
}

func TestShowCommits(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, ShowCommits(&buf, nil), failure.ErrDataUnavailable)

	at := time.Unix(1700000000, 0)
	err := ShowCommits(&buf, []commit.Revision{
		{ID: "b2", Time: at.Add(time.Minute), Paths: []string{"firewall", "interfaces"}},
		{ID: "a1", Time: at, Paths: []string{"system"}, Comment: "boot"},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "firewall, interfaces")
	assert.Contains(t, out, "2023-11-14T22:14:20Z")
	assert.Contains(t, out, "boot")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("b2")), bytes.Index(buf.Bytes(), []byte("a1")))
}
