package interfaces

import (
	"sort"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"vycore/commit"
	"vycore/ifconfig"
	"vycore/internal/failure"
)

type WireguardPeerConfig struct {
	PublicKey           string   `mapstructure:"public_key"`
	PresharedKey        string   `mapstructure:"preshared_key"`
	AllowedIPs          []string `mapstructure:"allowed_ips"`
	Address             string   `mapstructure:"address"`
	Port                int      `mapstructure:"port"`
	PersistentKeepalive int      `mapstructure:"persistent_keepalive"`
	Description         string   `mapstructure:"description"`
	Disable             bool     `mapstructure:"disable"`
}

type WireguardConfig struct {
	ifconfig.BaseConfig `mapstructure:",squash"`
	PrivateKey          string                         `mapstructure:"private_key"`
	Port                int                            `mapstructure:"port"`
	FWMark              int                            `mapstructure:"fwmark"`
	Peer                map[string]WireguardPeerConfig `mapstructure:"peer"`
}

type Wireguard struct {
	Name    string
	Deleted bool
	Config  WireguardConfig
	Self    Facts
	// RemovedKeys are public keys to drop from the live device: peers
	// deleted or re-keyed since running.
	RemovedKeys []string
}

func (w *Wireguard) peerNames() []string {
	names := make([]string, 0, len(w.Config.Peer))
	for name := range w.Config.Peer {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func getWireguard(env *commit.Env) (*Wireguard, error) {
	w := &Wireguard{Name: env.Instance}
	exists, err := load(env.Config, ifconfig.KindWireguard, w.Name, &w.Config)
	if err != nil {
		return nil, err
	}
	w.Deleted = !exists
	w.Self = inspect(env, w.Name, "")
	sess := env.Config
	peers := ifPath(ifconfig.KindWireguard, w.Name, "peer")
	for _, name := range sess.ListEffectiveNodes(peers...) {
		old := sess.ReturnEffectiveValue(sub(peers, name, "public-key")...)
		cur, ok := w.Config.Peer[name]
		if old != "" && (!ok || cur.PublicKey != old || cur.Disable) {
			w.RemovedKeys = append(w.RemovedKeys, old)
		}
	}
	return w, nil
}

func verifyWireguard(w *Wireguard) error {
	path := ifPath(ifconfig.KindWireguard, w.Name)
	if w.Deleted {
		return verifyDelete(path, w.Self)
	}
	c := w.Config
	if c.PrivateKey == "" {
		return failure.Config(sub(path, "private-key"), "Wireguard private-key not defined")
	}
	priv, err := wgtypes.ParseKey(c.PrivateKey)
	if err != nil {
		return failure.Config(sub(path, "private-key"), "Wireguard private-key is invalid: %v", err)
	}
	if len(c.Peer) == 0 {
		return failure.Config(sub(path, "peer"), "At least one Wireguard peer is required")
	}
	own := priv.PublicKey().String()
	seen := map[string]bool{}
	for _, name := range w.peerNames() {
		peer := c.Peer[name]
		ppath := sub(path, "peer", name)
		if len(peer.AllowedIPs) == 0 {
			return failure.Config(sub(ppath, "allowed-ips"), "Wireguard allowed-ips required for peer %s", name)
		}
		if peer.PublicKey == "" {
			return failure.Config(sub(ppath, "public-key"), "Wireguard public-key required for peer %s", name)
		}
		if _, err := wgtypes.ParseKey(peer.PublicKey); err != nil {
			return failure.Config(sub(ppath, "public-key"), "Wireguard public-key of peer %s is invalid", name)
		}
		if (peer.Address == "") != (peer.Port == 0) {
			return failure.Config(ppath,
				"Both Wireguard port and address must be defined for peer %s if either one of them is set", name)
		}
		if seen[peer.PublicKey] {
			return failure.Config(sub(ppath, "public-key"), "Duplicate public-key defined on peer %s", name)
		}
		seen[peer.PublicKey] = true
		if !peer.Disable && peer.PublicKey == own {
			return failure.Config(sub(ppath, "public-key"),
				"Peer %s has the same public key as the interface %s", name, w.Name)
		}
	}
	if err := verifyMTU(path, c.MTU, 68, 16000); err != nil {
		return err
	}
	return verifyPort(path, w.Self, c.BaseConfig)
}

func applyWireguard(env *commit.Env, w *Wireguard) error {
	wg := ifconfig.NewWireguard(w.Name, env.IfDeps())
	ctx := env.Ctx
	if w.Deleted {
		return wg.Remove(ctx)
	}
	if err := wg.Create(ctx); err != nil {
		return err
	}
	c := w.Config
	params := ifconfig.WireguardParams{
		PrivateKey:  c.PrivateKey,
		Port:        c.Port,
		FWMark:      c.FWMark,
		Peers:       map[string]ifconfig.WireguardPeer{},
		RemovedKeys: w.RemovedKeys,
	}
	for name, p := range c.Peer {
		if p.Disable {
			continue
		}
		params.Peers[name] = ifconfig.WireguardPeer{
			PublicKey:           p.PublicKey,
			PresharedKey:        p.PresharedKey,
			AllowedIPs:          p.AllowedIPs,
			Address:             p.Address,
			Port:                p.Port,
			PersistentKeepalive: p.PersistentKeepalive,
		}
	}
	if err := wg.Configure(ctx, env.Render, params); err != nil {
		return err
	}
	return wg.Update(ctx, c.BaseConfig)
}

func WireguardHandler() commit.Handler {
	return commit.Funcs[*Wireguard]{Get: getWireguard, Check: verifyWireguard, Act: applyWireguard}
}
