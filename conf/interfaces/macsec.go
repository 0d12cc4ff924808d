package interfaces

import (
	"fmt"
	"os"
	"path/filepath"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/ifconfig"
	"vycore/internal/failure"
	"vycore/render"
)

var wpaSupplicantDir = filepath.Join(constant.RunDir, "wpa_supplicant")

// hex key lengths per cipher suite
var macsecKeyLen = map[string]int{"gcm-aes-128": 32, "gcm-aes-256": 64}

// MACsec adds 32 bytes of header plus room for two VLAN tags.
const macsecOverhead = 40

type MACsecPeerConfig struct {
	MAC     string `mapstructure:"mac"`
	Key     string `mapstructure:"key"`
	Disable bool   `mapstructure:"disable"`
}

type MACsecConfig struct {
	ifconfig.BaseConfig `mapstructure:",squash"`
	SourceInterface     string `mapstructure:"source_interface"`
	Security            struct {
		Cipher       string `mapstructure:"cipher"`
		Encrypt      bool   `mapstructure:"encrypt"`
		ReplayWindow string `mapstructure:"replay_window"`
		Static       *struct {
			Key  string                      `mapstructure:"key"`
			Peer map[string]MACsecPeerConfig `mapstructure:"peer"`
		} `mapstructure:"static"`
		MKA *struct {
			CAK      string `mapstructure:"cak"`
			CKN      string `mapstructure:"ckn"`
			Priority int    `mapstructure:"priority"`
		} `mapstructure:"mka"`
	} `mapstructure:"security"`
}

type MACsec struct {
	Name      string
	Deleted   bool
	Config    MACsecConfig
	Self      Facts
	SourceMTU int
	// OldSource is the running source interface, its supplicant unit
	// has to stop when the source changes.
	OldSource        string
	ShutdownRequired bool
}

func (m *MACsec) unit(source string) string {
	return "wpa_supplicant-macsec@" + source
}

func (m *MACsec) confPath() string {
	return filepath.Join(wpaSupplicantDir, "macsec-"+m.Name+".conf")
}

func getMACsec(env *commit.Env) (*MACsec, error) {
	m := &MACsec{Name: env.Instance}
	exists, err := load(env.Config, ifconfig.KindMACsec, m.Name, &m.Config)
	if err != nil {
		return nil, err
	}
	m.Deleted = !exists
	m.Self = inspect(env, m.Name, "")
	if src := m.Config.SourceInterface; src != "" {
		if info, err := env.IfDeps().Links.Link(src); err == nil {
			m.SourceMTU = info.MTU
		}
	}
	sess := env.Config
	p := ifPath(ifconfig.KindMACsec, m.Name)
	m.OldSource = sess.ReturnEffectiveValue(sub(p, "source-interface")...)
	if sess.ExistsEffective(p...) {
		m.ShutdownRequired = sess.IsNodeChanged(sub(p, "security")...) ||
			sess.LeafNodeChanged(sub(p, "source-interface")...) != nil
	}
	return m, nil
}

func keyLenError(path []string, cipher string) error {
	return failure.Config(path, "%s requires a %d digit hex key", cipher, macsecKeyLen[cipher])
}

func verifyMACsec(m *MACsec) error {
	path := ifPath(ifconfig.KindMACsec, m.Name)
	if m.Deleted {
		return verifyDelete(path, m.Self)
	}
	c := m.Config
	sec := c.Security
	if c.SourceInterface == "" {
		return failure.Config(sub(path, "source-interface"), "Physical source-interface required for MACsec %s", m.Name)
	}
	if sec.Cipher == "" {
		return failure.Config(sub(path, "security", "cipher"), "Cipher suite must be set for MACsec %s", m.Name)
	}
	want, ok := macsecKeyLen[sec.Cipher]
	if !ok {
		return failure.Config(sub(path, "security", "cipher"), "Unsupported cipher suite %s", sec.Cipher)
	}
	if sec.Static != nil && sec.MKA != nil {
		return failure.Config(sub(path, "security"), "Only static or MKA can be used")
	}
	switch {
	case sec.Static != nil:
		spath := sub(path, "security", "static")
		if sec.Static.Key == "" {
			return failure.Config(sub(spath, "key"), "Static MACsec key must be defined")
		}
		if len(sec.Static.Key) != want {
			return keyLenError(sub(spath, "key"), sec.Cipher)
		}
		if len(sec.Static.Peer) == 0 {
			return failure.Config(sub(spath, "peer"), "Must have at least one peer defined for static MACsec")
		}
		for name, peer := range sec.Static.Peer {
			if peer.Disable {
				continue
			}
			if peer.MAC == "" || peer.Key == "" {
				return failure.Config(sub(spath, "peer", name), "Every enabled MACsec static peer must have a MAC address and key defined")
			}
			if len(peer.Key) != want {
				return keyLenError(sub(spath, "peer", name, "key"), sec.Cipher)
			}
		}
	case sec.Encrypt:
		if sec.MKA == nil || sec.MKA.CAK == "" || sec.MKA.CKN == "" {
			return failure.Config(sub(path, "security", "mka"), "Missing mandatory MACsec security keys as encryption is enabled")
		}
		if len(sec.MKA.CAK) != want {
			return keyLenError(sub(path, "security", "mka", "cak"), sec.Cipher)
		}
	}
	if m.SourceMTU != 0 && m.SourceMTU < c.MTU+macsecOverhead {
		return failure.Config(sub(path, "mtu"),
			"MACsec overhead does not fit into underlaying device MTU, %d bytes is too small", m.SourceMTU)
	}
	return verifyPort(path, m.Self, c.BaseConfig)
}

type wpaData struct {
	Name, Source, CAK, CKN, ReplayWindow string
	Priority                             int
	Encrypt                              bool
}

func generateMACsec(env *commit.Env, m *MACsec) error {
	if m.Deleted || m.Config.Security.MKA == nil {
		return nil
	}
	sec := m.Config.Security
	_, err := env.Render.Update(m.confPath(), "macsec/wpa_supplicant.conf.tmpl", wpaData{
		Name:         m.Name,
		Source:       m.Config.SourceInterface,
		CAK:          sec.MKA.CAK,
		CKN:          sec.MKA.CKN,
		Priority:     sec.MKA.Priority,
		Encrypt:      sec.Encrypt,
		ReplayWindow: sec.ReplayWindow,
	}, render.Secret)
	return err
}

func applyMACsec(env *commit.Env, m *MACsec) error {
	ctx := env.Ctx
	c := m.Config
	if m.Deleted || m.ShutdownRequired {
		if m.OldSource != "" {
			if err := env.Proc.Systemctl(ctx, "stop", m.unit(m.OldSource)); err != nil {
				return err
			}
		}
		if err := remove(env, m.Name); err != nil {
			return err
		}
		if m.Deleted {
			if err := os.Remove(m.confPath()); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s: %w", m.confPath(), err)
			}
			return nil
		}
	}
	params := ifconfig.MACsecParams{
		SourceInterface: c.SourceInterface,
		Cipher:          c.Security.Cipher,
		Encrypt:         c.Security.Encrypt,
		ReplayWindow:    c.Security.ReplayWindow,
	}
	if st := c.Security.Static; st != nil {
		params.StaticKey = st.Key
		for _, name := range configtree.SortedKeys(st.Peer) {
			if p := st.Peer[name]; !p.Disable {
				params.Peers = append(params.Peers, ifconfig.MACsecPeer{MAC: p.MAC, Key: p.Key})
			}
		}
	}
	ms := ifconfig.NewMACsec(m.Name, env.IfDeps(), params)
	if err := ms.Create(ctx); err != nil {
		return err
	}
	if c.Security.MKA != nil {
		unit := m.unit(c.SourceInterface)
		if m.ShutdownRequired || !env.Proc.IsServiceRunning(ctx, unit) {
			if err := env.Proc.ReloadOrRestart(ctx, unit, false); err != nil {
				return err
			}
		}
		// the supplicant creates the link
		if !ms.Exists() {
			return nil
		}
	}
	return ms.Update(ctx, c.BaseConfig)
}

func MACsecHandler() commit.Handler {
	return commit.Funcs[*MACsec]{Get: getMACsec, Check: verifyMACsec, Gen: generateMACsec, Act: applyMACsec}
}
