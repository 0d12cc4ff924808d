package ifconfig

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// TempFiler hands out short lived key files.
type TempFiler interface {
	WithTempFile(content string, fn func(path string) error) error
}

type WireguardPeer struct {
	PublicKey           string
	PresharedKey        string
	AllowedIPs          []string
	Address             string
	Port                int
	PersistentKeepalive int
}

type WireguardParams struct {
	PrivateKey string
	Port       int
	FWMark     int
	Peers      map[string]WireguardPeer
	// RemovedKeys are public keys of peers gone from the config.
	RemovedKeys []string
}

type Wireguard struct {
	*Interface
}

func NewWireguard(name string, d Deps) *Wireguard {
	return &Wireguard{Interface: newInterface(name, KindWireguard, d, nil)}
}

func (w *Wireguard) Create(ctx context.Context) error {
	if w.Exists() {
		return nil
	}
	w.created = true
	return w.run(ctx, "ip link add dev %s type wireguard", w.name)
}

func endpoint(addr string, port int) string {
	if a, err := netip.ParseAddr(addr); err == nil && a.Is6() {
		return fmt.Sprintf("[%s]:%d", addr, port)
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// Configure pushes keys and peers with wg set. Key material only ever
// exists in temporary files that are gone when this returns.
func (w *Wireguard) Configure(ctx context.Context, keys TempFiler, p WireguardParams) error {
	var errs []error
	for _, key := range p.RemovedKeys {
		errs = append(errs, w.run(ctx, "wg set %s peer %s remove", w.name, key))
	}
	err := keys.WithTempFile(p.PrivateKey, func(path string) error {
		line := "wg set " + w.name
		if p.Port != 0 {
			line += fmt.Sprintf(" listen-port %d", p.Port)
		}
		line += fmt.Sprintf(" fwmark %d private-key %s", p.FWMark, path)
		return w.run(ctx, "%s", line)
	})
	errs = append(errs, err)

	names := make([]string, 0, len(p.Peers))
	for name := range p.Peers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		errs = append(errs, w.setPeer(ctx, keys, p.Peers[name]))
	}
	return errors.Join(errs...)
}

func (w *Wireguard) setPeer(ctx context.Context, keys TempFiler, peer WireguardPeer) error {
	build := func(pskPath string) string {
		args := []string{"wg set", w.name, "peer", peer.PublicKey}
		if pskPath != "" {
			args = append(args, "preshared-key", pskPath)
		}
		args = append(args, "allowed-ips", strings.Join(peer.AllowedIPs, ","))
		if peer.Address != "" && peer.Port != 0 {
			args = append(args, "endpoint", endpoint(peer.Address, peer.Port))
		}
		if peer.PersistentKeepalive != 0 {
			args = append(args, "persistent-keepalive", fmt.Sprint(peer.PersistentKeepalive))
		}
		return strings.Join(args, " ")
	}
	if peer.PresharedKey == "" {
		return w.run(ctx, "%s", build(""))
	}
	return keys.WithTempFile(peer.PresharedKey, func(path string) error {
		return w.run(ctx, "%s", build(path))
	})
}
