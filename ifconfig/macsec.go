package ifconfig

import (
	"context"
	"errors"
	"strings"
)

type MACsecPeer struct {
	MAC string
	Key string
}

type MACsecParams struct {
	SourceInterface string
	Cipher          string
	Encrypt         bool
	ReplayWindow    string
	// StaticKey selects static keying; without it wpa_supplicant (MKA)
	// creates the link.
	StaticKey string
	Peers     []MACsecPeer
}

type MACsec struct {
	*Interface
	Params MACsecParams
}

func NewMACsec(name string, d Deps, p MACsecParams) *MACsec {
	return &MACsec{Interface: newInterface(name, KindMACsec, d, nil), Params: p}
}

func (m *MACsec) Create(ctx context.Context) error {
	if m.Params.StaticKey == "" || m.Exists() {
		return nil
	}
	m.created = true
	p := m.Params
	args := []string{"ip link add link", p.SourceInterface, m.name, "type macsec cipher", p.Cipher}
	if p.Encrypt {
		args = append(args, "encrypt on")
	}
	if p.ReplayWindow != "" {
		args = append(args, "replay on window", p.ReplayWindow)
	}
	errs := []error{
		m.run(ctx, "%s", strings.Join(args, " ")),
		m.run(ctx, "ip macsec add %s tx sa 0 pn 1 on key 00 %s", m.name, p.StaticKey),
	}
	for _, peer := range p.Peers {
		errs = append(errs,
			m.run(ctx, "ip macsec add %s rx port 1 address %s", m.name, peer.MAC),
			m.run(ctx, "ip macsec add %s rx port 1 address %s sa 0 pn 1 on key 01 %s", m.name, peer.MAC, peer.Key),
		)
	}
	return errors.Join(errs...)
}
