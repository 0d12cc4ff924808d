package ifconfig

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownKind = errors.New("unknown interface kind")

type Kind string

const (
	KindEthernet  Kind = "ethernet"
	KindBridge    Kind = "bridge"
	KindBond      Kind = "bonding"
	KindTunnel    Kind = "tunnel"
	KindVXLAN     Kind = "vxlan"
	KindWireguard Kind = "wireguard"
	KindMACsec    Kind = "macsec"
	KindLoopback  Kind = "loopback"
	KindDummy     Kind = "dummy"
	KindPPPoE     Kind = "pppoe"
	KindVTI       Kind = "vti"
	KindWWAN      Kind = "wwan"
	KindIFB       Kind = "input"
)

// NetworkKind is what every interface implementation provides.
type NetworkKind interface {
	Name() string
	Kind() Kind
	Exists() bool
	Create(ctx context.Context) error
	Remove(ctx context.Context) error
	Update(ctx context.Context, cfg BaseConfig) error
	MAC() (string, error)
	Bridgeable() bool
}

type registration struct {
	prefix     string
	kind       Kind
	bridgeable bool
	open       func(name string, d Deps) NetworkKind
}

var registry = []registration{
	{"bond", KindBond, true, func(n string, d Deps) NetworkKind { return NewBond(n, d) }},
	{"br", KindBridge, false, func(n string, d Deps) NetworkKind { return NewBridge(n, d) }},
	{"dum", KindDummy, true, func(n string, d Deps) NetworkKind { return newSimple(n, KindDummy, "dummy", d) }},
	{"eth", KindEthernet, true, func(n string, d Deps) NetworkKind { return NewEthernet(n, d) }},
	{"ifb", KindIFB, false, func(n string, d Deps) NetworkKind { return newSimple(n, KindIFB, "ifb", d) }},
	{"lo", KindLoopback, false, func(n string, d Deps) NetworkKind { return newSimple(n, KindLoopback, "", d) }},
	{"macsec", KindMACsec, true, func(n string, d Deps) NetworkKind { return NewMACsec(n, d, MACsecParams{}) }},
	{"pppoe", KindPPPoE, false, func(n string, d Deps) NetworkKind { return newSimple(n, KindPPPoE, "", d) }},
	{"tun", KindTunnel, true, func(n string, d Deps) NetworkKind { return NewTunnel(n, d, TunnelParams{}) }},
	{"vti", KindVTI, false, func(n string, d Deps) NetworkKind { return newSimple(n, KindVTI, "", d) }},
	{"vxlan", KindVXLAN, true, func(n string, d Deps) NetworkKind { return NewVXLAN(n, d, VXLANParams{}) }},
	{"wg", KindWireguard, false, func(n string, d Deps) NetworkKind { return NewWireguard(n, d) }},
	{"wwan", KindWWAN, false, func(n string, d Deps) NetworkKind { return newSimple(n, KindWWAN, "", d) }},
}

func init() {
	// longest prefix first so "lo" never shadows a longer match
	sort.SliceStable(registry, func(i, j int) bool {
		return len(registry[i].prefix) > len(registry[j].prefix)
	})
}

func lookup(name string) (registration, bool) {
	base, _, _ := strings.Cut(name, ".")
	for _, r := range registry {
		rest, ok := strings.CutPrefix(base, r.prefix)
		if !ok {
			continue
		}
		if r.kind == KindLoopback && rest == "" {
			return r, true
		}
		if rest != "" && strings.Trim(rest, "0123456789") == "" {
			return r, true
		}
	}
	return registration{}, false
}

// KindOf derives the interface kind from its name.
func KindOf(name string) (Kind, bool) {
	r, ok := lookup(name)
	return r.kind, ok
}

// IsBridgeable reports whether interfaces of this name may join a bridge.
func IsBridgeable(name string) bool {
	r, ok := lookup(name)
	return ok && r.bridgeable
}

// Open returns the implementation for an existing or future interface.
func Open(name string, d Deps) (NetworkKind, error) {
	r, ok := lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
	return r.open(name, d), nil
}
