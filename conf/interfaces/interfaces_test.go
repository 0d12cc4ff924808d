package interfaces

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"vycore/commit"
	"vycore/configtree"
	"vycore/ifconfig"
	"vycore/internal/failure"
	"vycore/process"
	"vycore/render"
	"vycore/schema"
)

type harness struct {
	rt    *commit.Runtime
	fake  *process.Fake
	links *ifconfig.FakeLinks
}

func newHarness(t *testing.T, links ...ifconfig.LinkInfo) *harness {
	t.Helper()
	s, err := schema.Load()
	require.NoError(t, err)
	rd, err := render.New(t.TempDir())
	require.NoError(t, err)
	fake := process.NewFake()
	fl := ifconfig.NewFakeLinks(links...)
	wpaSupplicantDir = t.TempDir()
	return &harness{
		rt: &commit.Runtime{
			Schema:   s,
			Handlers: Handlers(),
			Proc:     process.New(fake),
			Render:   rd,
			Links:    fl,
			Sys:      process.Sysfs{Root: t.TempDir()},
			LockPath: filepath.Join(t.TempDir(), ".lock"),
		},
		fake:  fake,
		links: fl,
	}
}

func parse(t *testing.T, text string) *configtree.Node {
	t.Helper()
	tree, err := configtree.Parse(strings.NewReader(text))
	require.NoError(t, err)
	return tree
}

func (h *harness) commit(t *testing.T, running, candidate string) (commit.Result, error) {
	t.Helper()
	return h.rt.Commit(context.Background(), parse(t, running), parse(t, candidate))
}

func TestBridgeMemberAddition(t *testing.T) {
	h := newHarness(t,
		ifconfig.LinkInfo{Name: "br0", Type: "bridge", MTU: 1500, Up: true},
		ifconfig.LinkInfo{Name: "eth1", Type: "device", MTU: 1500, Up: true},
	)
	running := `
interfaces {
    bridge br0 {
    }
    ethernet eth1 {
    }
}`
	candidate := `
interfaces {
    bridge br0 {
        member {
            interface eth1 {
            }
        }
    }
    ethernet eth1 {
    }
}`
	res, err := h.commit(t, running, candidate)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"ip link set eth1 master br0"}, h.fake.Lines()); diff != "" {
		t.Fatalf("commands (-want +got):\n%s", diff)
	}
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, "interfaces_bridge br0", res.Jobs[0].String())
	assert.Empty(t, res.Dependents)
}

func TestBridgeMemberRemovalRequeuesVXLAN(t *testing.T) {
	h := newHarness(t,
		ifconfig.LinkInfo{Name: "br0", Type: "bridge", MTU: 1500, Up: true},
		ifconfig.LinkInfo{Name: "vxlan10", Type: "vxlan", MTU: 1450, Up: true, Master: "br0"},
	)
	running := `
interfaces {
    bridge br0 {
        member {
            interface vxlan10 {
            }
        }
    }
    vxlan vxlan10 {
        remote 192.0.2.2
        vni 10
    }
}`
	candidate := `
interfaces {
    bridge br0 {
    }
    vxlan vxlan10 {
        remote 192.0.2.2
        vni 10
    }
}`
	res, err := h.commit(t, running, candidate)
	require.NoError(t, err)
	assert.Contains(t, h.fake.Lines(), "ip link set dev vxlan10 nomaster")
	require.Len(t, res.Dependents, 1)
	assert.Equal(t, "interfaces_vxlan vxlan10", res.Dependents[0].String())
}

func TestBridgeVLANsConverge(t *testing.T) {
	h := newHarness(t,
		ifconfig.LinkInfo{Name: "br0", Type: "bridge", MTU: 1500, Up: true},
		ifconfig.LinkInfo{Name: "eth1", Type: "device", MTU: 1500, Up: true, Master: "br0"},
	)
	bridge := func(vlans string) string {
		return `
interfaces {
    bridge br0 {
        enable-vlan
        member {
            interface eth1 {
` + vlans + `
            }
        }
    }
    ethernet eth1 {
    }
}`
	}
	running := bridge("native-vlan 5\nallowed-vlan 10\nallowed-vlan 20")
	candidate := bridge("native-vlan 30\nallowed-vlan 10")
	_, err := h.commit(t, running, candidate)
	require.NoError(t, err)
	want := []string{
		"bridge vlan del dev eth1 vid 20 master",
		"bridge vlan del dev eth1 vid 5 master",
		"bridge vlan add dev eth1 vid 10 master",
		"bridge vlan add dev eth1 vid 30 pvid untagged master",
	}
	if diff := cmp.Diff(want, h.fake.Matching("bridge vlan")); diff != "" {
		t.Fatalf("vlan commands (-want +got):\n%s", diff)
	}
}

func TestBridgeRejectsAddressedMember(t *testing.T) {
	h := newHarness(t, ifconfig.LinkInfo{Name: "eth1", MTU: 1500})
	_, err := h.commit(t, "", `
interfaces {
    bridge br0 {
        member {
            interface eth1 {
            }
        }
    }
    ethernet eth1 {
        address 192.0.2.1/24
    }
}`)
	require.ErrorIs(t, err, failure.ErrConfig)
	// the port's own handler runs first and already refuses
	assert.Equal(t, "Can not assign address to interface eth1 which is a member of br0", err.Error())
	assert.Empty(t, h.fake.Lines())
}

func TestWireguardDuplicatePeerKey(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peer, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	pub := peer.PublicKey().String()

	h := newHarness(t)
	_, err = h.commit(t, "", fmt.Sprintf(`
interfaces {
    wireguard wg0 {
        peer PEER01 {
            allowed-ips 10.0.0.0/24
            public-key %[2]s
        }
        peer PEER02 {
            allowed-ips 10.0.1.0/24
            public-key %[2]s
        }
        private-key %[1]s
    }
}`, priv.String(), pub))
	require.ErrorIs(t, err, failure.ErrConfig)
	assert.Equal(t, "interfaces wireguard wg0 peer PEER02 public-key", failure.PathOf(err))
	assert.Empty(t, h.fake.Lines())
}

func TestWireguardOwnKeyAsPeer(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	w := &Wireguard{Name: "wg0", Config: WireguardConfig{
		PrivateKey: priv.String(),
		Peer: map[string]WireguardPeerConfig{
			"self": {PublicKey: priv.PublicKey().String(), AllowedIPs: []string{"10.0.0.0/24"}},
		},
	}}
	err = verifyWireguard(w)
	require.ErrorIs(t, err, failure.ErrConfig)
	assert.Contains(t, err.Error(), "same public key as the interface wg0")
}

func TestWireguardRemovedPeer(t *testing.T) {
	priv, _ := wgtypes.GeneratePrivateKey()
	a, _ := wgtypes.GeneratePrivateKey()
	b, _ := wgtypes.GeneratePrivateKey()
	conf := func(peers ...wgtypes.Key) string {
		var sb strings.Builder
		sb.WriteString("interfaces {\n    wireguard wg0 {\n")
		for i, p := range peers {
			fmt.Fprintf(&sb, "        peer p%d {\n            allowed-ips 10.0.%d.0/24\n            public-key %s\n        }\n", i, i, p.PublicKey())
		}
		fmt.Fprintf(&sb, "        private-key %s\n    }\n}\n", priv)
		return sb.String()
	}
	h := newHarness(t, ifconfig.LinkInfo{Name: "wg0", MTU: 1420, Up: true})
	_, err := h.commit(t, conf(a, b), conf(a))
	require.NoError(t, err)
	assert.Equal(t, []string{"wg set wg0 peer " + b.PublicKey().String() + " remove"}, h.fake.Matching("wg set wg0 peer "+b.PublicKey().String()))
	assert.Len(t, h.fake.Matching("wg set wg0 listen-port"), 0, "no listen port configured")
	assert.Len(t, h.fake.Matching("wg set wg0 fwmark 0 private-key"), 1)
}

const greRunning = `
interfaces {
    tunnel tun0 {
        encapsulation gre
        source-address 0.0.0.0
    }
}`

const greKeyed = `
interfaces {
    tunnel tun0 {
        encapsulation gre
        parameters {
            ip {
                key 42
            }
        }
        source-address 0.0.0.0
    }
}`

func TestGreTunnelRekey(t *testing.T) {
	const change = "ip tunnel change tun0 mode gre local 0.0.0.0 remote any ttl 64 tos inherit key 42"

	t.Run("recreate when change is refused", func(t *testing.T) {
		h := newHarness(t, ifconfig.LinkInfo{Name: "tun0", Type: "gre", MTU: 1476, Up: true})
		h.fake.On("ip tunnel change", process.Result{RC: 1})
		_, err := h.commit(t, greRunning, greKeyed)
		require.NoError(t, err)
		want := []string{
			change,
			"ip link del dev tun0",
			"ip tunnel add tun0 mode gre local 0.0.0.0 remote any ttl 64 tos inherit key 42",
			"ip link set dev tun0 up",
		}
		if diff := cmp.Diff(want, h.fake.Lines()); diff != "" {
			t.Fatalf("commands (-want +got):\n%s", diff)
		}
	})

	t.Run("in place change", func(t *testing.T) {
		h := newHarness(t, ifconfig.LinkInfo{Name: "tun0", Type: "gre", MTU: 1476, Up: true})
		_, err := h.commit(t, greRunning, greKeyed)
		require.NoError(t, err)
		assert.Equal(t, []string{change}, h.fake.Lines())
	})

	t.Run("gre on any address needs a key", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.commit(t, "", greRunning)
		require.ErrorIs(t, err, failure.ErrConfig)
		assert.Equal(t, "interfaces tunnel tun0 parameters ip key", failure.PathOf(err))
	})
}

func TestTunnelKeyMustBeUnique(t *testing.T) {
	h := newHarness(t)
	_, err := h.commit(t, "", `
interfaces {
    tunnel tun0 {
        encapsulation gre
        parameters {
            ip {
                key 42
            }
        }
        remote 203.0.113.1
        source-address 192.0.2.1
    }
    tunnel tun1 {
        encapsulation gretap
        parameters {
            ip {
                key 42
            }
        }
        remote 203.0.113.2
        source-address 192.0.2.1
    }
}`)
	require.ErrorIs(t, err, failure.ErrConfig)
	assert.Contains(t, err.Error(), "is already used for tunnel")
}

func TestBondRejectsBridgeMember(t *testing.T) {
	h := newHarness(t,
		ifconfig.LinkInfo{Name: "br0", Type: "bridge", MTU: 1500, Up: true},
		ifconfig.LinkInfo{Name: "eth2", MTU: 1500, Up: true, Master: "br0"},
	)
	running := `
interfaces {
    bridge br0 {
        member {
            interface eth2 {
            }
        }
    }
}`
	candidate := `
interfaces {
    bonding bond0 {
        member {
            interface eth2
        }
    }
    bridge br0 {
        member {
            interface eth2 {
            }
        }
    }
}`
	_, err := h.commit(t, running, candidate)
	require.ErrorIs(t, err, failure.ErrConfig)
	assert.Equal(t, "Can not add interface eth2 to bond bond0, it is already a member of bridge br0", err.Error())
	assert.Empty(t, h.fake.Lines())
}

func TestBondMemberRemovalRestoresEthernet(t *testing.T) {
	h := newHarness(t,
		ifconfig.LinkInfo{Name: "bond0", Type: "bond", MTU: 1500, Up: true},
		ifconfig.LinkInfo{Name: "eth2", MTU: 1500, Up: true, Master: "bond0"},
		ifconfig.LinkInfo{Name: "eth3", MTU: 1500, Up: true, Master: "bond0"},
	)
	running := `
interfaces {
    bonding bond0 {
        member {
            interface eth2
            interface eth3
        }
    }
    ethernet eth2 {
    }
    ethernet eth3 {
    }
}`
	candidate := `
interfaces {
    bonding bond0 {
        member {
            interface eth2
        }
    }
    ethernet eth2 {
    }
    ethernet eth3 {
    }
}`
	res, err := h.commit(t, running, candidate)
	require.NoError(t, err)
	lines := h.fake.Lines()
	require.NotEmpty(t, lines)
	assert.Equal(t, "ip link set dev bond0 down", lines[0], "member changes need the bond down")
	assert.Contains(t, lines, "ip link set dev eth3 nomaster")
	require.Len(t, res.Dependents, 1)
	assert.Equal(t, "interfaces_ethernet eth3", res.Dependents[0].String())
}

func TestEthernetSpeedDuplexPair(t *testing.T) {
	e := &Ethernet{Name: "eth0", Facts: Facts{Name: "eth0", Exists: true}}
	e.Config.Speed = "1000"
	e.Config.Duplex = "auto"
	err := verifyEthernet(e)
	require.ErrorIs(t, err, failure.ErrConfig)

	e.Config.Duplex = "full"
	require.NoError(t, verifyEthernet(e))
}

func TestMACsecStatic(t *testing.T) {
	key := strings.Repeat("a", 32)
	h := newHarness(t, ifconfig.LinkInfo{Name: "eth0", MTU: 1500, Up: true})
	_, err := h.commit(t, "", fmt.Sprintf(`
interfaces {
    macsec macsec0 {
        security {
            cipher gcm-aes-128
            encrypt
            static {
                key %[1]s
                peer r1 {
                    key %[1]s
                    mac 00:11:22:33:44:55
                }
            }
        }
        source-interface eth0
    }
}`, key))
	require.NoError(t, err)
	lines := h.fake.Lines()
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, "ip link add link eth0 macsec0 type macsec cipher gcm-aes-128 encrypt on", lines[0])
	assert.Equal(t, "ip macsec add macsec0 tx sa 0 pn 1 on key 00 "+key, lines[1])
}

func TestMACsecKeyLength(t *testing.T) {
	m := &MACsec{Name: "macsec0"}
	m.Config.SourceInterface = "eth0"
	m.Config.Security.Cipher = "gcm-aes-256"
	m.Config.Security.Encrypt = true
	err := verifyMACsec(m)
	require.ErrorIs(t, err, failure.ErrConfig)
	assert.Equal(t, "Missing mandatory MACsec security keys as encryption is enabled", err.Error())
}
