package interfaces

import (
	"errors"
	"slices"
	"sort"

	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/ifconfig"
	"vycore/internal/failure"
)

type TunnelIP struct {
	Key             string `mapstructure:"key"`
	TTL             int    `mapstructure:"ttl"`
	TOS             string `mapstructure:"tos"`
	NoPMTUDiscovery bool   `mapstructure:"no_pmtu_discovery"`
	IgnoreDF        bool   `mapstructure:"ignore_df"`
}

type TunnelERSPAN struct {
	Version   int    `mapstructure:"version"`
	Index     string `mapstructure:"index"`
	Direction string `mapstructure:"direction"`
	HwID      string `mapstructure:"hw_id"`
}

type TunnelConfig struct {
	ifconfig.BaseConfig `mapstructure:",squash"`
	Encapsulation       string `mapstructure:"encapsulation"`
	SourceAddress       string `mapstructure:"source_address"`
	SourceInterface     string `mapstructure:"source_interface"`
	Remote              string `mapstructure:"remote"`
	Parameters          struct {
		IP     TunnelIP     `mapstructure:"ip"`
		ERSPAN TunnelERSPAN `mapstructure:"erspan"`
	} `mapstructure:"parameters"`
}

func (c TunnelConfig) params() ifconfig.TunnelParams {
	ip, er := c.Parameters.IP, c.Parameters.ERSPAN
	return ifconfig.TunnelParams{
		Encapsulation:   c.Encapsulation,
		SourceAddress:   c.SourceAddress,
		SourceInterface: c.SourceInterface,
		Remote:          c.Remote,
		Key:             ip.Key,
		TTL:             ip.TTL,
		TOS:             ip.TOS,
		NoPMTUDiscovery: ip.NoPMTUDiscovery,
		IgnoreDF:        ip.IgnoreDF,
		ERSPANVersion:   er.Version,
		ERSPANIndex:     er.Index,
		ERSPANDirection: er.Direction,
		ERSPANHwID:      er.HwID,
	}
}

type Tunnel struct {
	Name    string
	Deleted bool
	Config  TunnelConfig
	Self    Facts
	// Others are the remaining tunnels of the candidate, by name.
	Others map[string]TunnelConfig

	EncapsulationChanged bool
	KeyChanged           bool
	EndpointChanged      bool
}

func getTunnel(env *commit.Env) (*Tunnel, error) {
	t := &Tunnel{Name: env.Instance, Others: map[string]TunnelConfig{}}
	exists, err := load(env.Config, ifconfig.KindTunnel, t.Name, &t.Config, "parameters")
	if err != nil {
		return nil, err
	}
	t.Deleted = !exists
	t.Self = inspect(env, t.Name, "")
	for _, other := range env.Config.ListNodes("interfaces", "tunnel") {
		if other == t.Name {
			continue
		}
		var oc TunnelConfig
		if _, err := load(env.Config, ifconfig.KindTunnel, other, &oc, "parameters"); err != nil {
			return nil, err
		}
		t.Others[other] = oc
	}
	sess := env.Config
	p := ifPath(ifconfig.KindTunnel, t.Name)
	if sess.ExistsEffective(p...) {
		t.EncapsulationChanged = sess.LeafNodeChanged(sub(p, "encapsulation")...) != nil
		t.KeyChanged = sess.LeafNodeChanged(sub(p, "parameters", "ip", "key")...) != nil
		t.EndpointChanged = sess.LeafNodeChanged(sub(p, "source-address")...) != nil ||
			sess.LeafNodeChanged(sub(p, "remote")...) != nil ||
			sess.LeafNodeChanged(sub(p, "source-interface")...) != nil ||
			sess.IsNodeChanged(sub(p, "parameters")...)
	}
	return t, nil
}

var greEncapsulations = []string{"gre", "gretap"}

func verifyTunnel(t *Tunnel) error {
	path := ifPath(ifconfig.KindTunnel, t.Name)
	if t.Deleted {
		return verifyDelete(path, t.Self)
	}
	c := t.Config
	ip := c.Parameters.IP
	if c.Encapsulation == "" {
		return failure.Config(sub(path, "encapsulation"), "Must configure encapsulation for %s", t.Name)
	}
	if c.SourceAddress == "" && c.SourceInterface == "" {
		return failure.Config(path, "source-address or source-interface is mandatory for %s", t.Name)
	}
	if c.Remote == "" && c.Encapsulation != "gre" {
		return failure.Config(sub(path, "remote"), "remote is mandatory for encapsulation %s", c.Encapsulation)
	}

	if c.Encapsulation == "erspan" || c.Encapsulation == "ip6erspan" {
		er := c.Parameters.ERSPAN
		if ip.Key == "" {
			return failure.Config(sub(path, "parameters", "ip", "key"), "ERSPAN requires ip key parameter")
		}
		switch er.Version {
		case 1:
			if er.HwID != "" {
				return failure.Config(sub(path, "parameters", "erspan", "hw-id"), "ERSPAN version 1 does not support hw-id")
			}
			if er.Direction != "" {
				return failure.Config(sub(path, "parameters", "erspan", "direction"), "ERSPAN version 1 does not support direction")
			}
		case 2:
			if er.Index != "" {
				return failure.Config(sub(path, "parameters", "erspan", "index"), "ERSPAN version 2 does not support the index parameter")
			}
			if er.Direction == "" {
				return failure.Config(sub(path, "parameters", "erspan", "direction"), "ERSPAN version 2 requires direction to be set")
			}
		}
	}

	if c.Encapsulation == "gre" && c.SourceAddress == "0.0.0.0" && ip.Key == "" {
		return failure.Config(sub(path, "parameters", "ip", "key"),
			"parameters ip key must be set for %s when encapsulation is GRE", t.Name)
	}

	if slices.Contains(greEncapsulations, c.Encapsulation) {
		names := make([]string, 0, len(t.Others))
		for name := range t.Others {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			o := t.Others[name]
			if !slices.Contains(greEncapsulations, o.Encapsulation) {
				continue
			}
			if ip.Key != "" {
				if o.SourceAddress == c.SourceAddress && o.Parameters.IP.Key == ip.Key {
					return failure.Config(sub(path, "parameters", "ip", "key"),
						"Key %s for source-address %s is already used for tunnel %s", ip.Key, c.SourceAddress, name)
				}
				continue
			}
			if o.Remote != c.Remote {
				continue
			}
			if c.SourceAddress != "" && o.SourceAddress == c.SourceAddress {
				return failure.Config(sub(path, "parameters", "ip", "key"),
					"Missing required ip key parameter when running more then one GRE based tunnel on the same source-address")
			}
			if o.SourceInterface == c.SourceInterface && o.SourceAddress == c.SourceAddress {
				return failure.Config(sub(path, "parameters", "ip", "key"),
					"Missing required ip key parameter when running more then one GRE based tunnel on the same source-interface")
			}
		}
	}

	if (c.Encapsulation == "ipip" || c.Encapsulation == "sit") && ip.Key != "" {
		return failure.Config(sub(path, "parameters", "ip", "key"), "Keys are not allowed with ipip and sit tunnels")
	}
	if ip.NoPMTUDiscovery {
		if ip.TTL != 0 {
			return failure.Config(sub(path, "parameters", "ip", "ttl"), "Disabled PMTU requires TTL set to 0")
		}
		if slices.Contains([]string{"ipip6", "ip6ip6", "ip6gre"}, c.Encapsulation) {
			return failure.Config(sub(path, "parameters", "ip", "no-pmtu-discovery"), "Can not disable PMTU discovery for given encapsulation")
		}
	}
	if ip.IgnoreDF {
		if c.Encapsulation != "gretap" {
			return failure.Config(sub(path, "parameters", "ip", "ignore-df"), "Option ignore-df can only be used on GRETAP tunnels")
		}
		if !ip.NoPMTUDiscovery {
			return failure.Config(sub(path, "parameters", "ip", "ignore-df"), "Option ignore-df requires path MTU discovery to be disabled")
		}
	}
	if err := verifyMTU(path, c.MTU, 64, 8024); err != nil {
		return err
	}
	return verifyPort(path, t.Self, c.BaseConfig)
}

func applyTunnel(env *commit.Env, t *Tunnel) error {
	tun := ifconfig.NewTunnel(t.Name, env.IfDeps(), t.Config.params())
	ctx := env.Ctx
	if t.Deleted {
		return tun.Remove(ctx)
	}
	if !tun.Exists() {
		return errors.Join(tun.Create(ctx), tun.Update(ctx, t.Config.BaseConfig))
	}
	var err error
	switch {
	case !t.EncapsulationChanged && !t.KeyChanged && !t.EndpointChanged:
	case !t.EncapsulationChanged && !ifconfig.IsLinkTunnel(t.Config.Encapsulation) && tun.Change(ctx):
		log.Info().Str("interface", t.Name).Msg("tunnel changed in place")
	default:
		log.Info().Str("interface", t.Name).Msg("recreating tunnel")
		err = tun.Recreate(ctx)
	}
	return errors.Join(err, tun.Update(ctx, t.Config.BaseConfig))
}

func TunnelHandler() commit.Handler {
	return commit.Funcs[*Tunnel]{Get: getTunnel, Check: verifyTunnel, Act: applyTunnel}
}
