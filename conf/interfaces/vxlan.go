package interfaces

import (
	"vycore/commit"
	"vycore/ifconfig"
	"vycore/internal/failure"
)

type VXLANConfig struct {
	ifconfig.BaseConfig `mapstructure:",squash"`
	VNI                 string   `mapstructure:"vni"`
	Remote              []string `mapstructure:"remote"`
	Group               string   `mapstructure:"group"`
	SourceAddress       string   `mapstructure:"source_address"`
	SourceInterface     string   `mapstructure:"source_interface"`
	Port                int      `mapstructure:"port"`
	Parameters          struct {
		External         bool `mapstructure:"external"`
		NoLearning       bool `mapstructure:"nolearning"`
		NeighborSuppress bool `mapstructure:"neighbor_suppress"`
		IP               struct {
			DF  string `mapstructure:"df"`
			TOS string `mapstructure:"tos"`
			TTL int    `mapstructure:"ttl"`
		} `mapstructure:"ip"`
	} `mapstructure:"parameters"`
}

func (c VXLANConfig) params() ifconfig.VXLANParams {
	p := c.Parameters
	return ifconfig.VXLANParams{
		VNI:              c.VNI,
		Remotes:          c.Remote,
		Group:            c.Group,
		SourceAddress:    c.SourceAddress,
		SourceInterface:  c.SourceInterface,
		Port:             c.Port,
		External:         p.External,
		NoLearning:       p.NoLearning,
		NeighborSuppress: p.NeighborSuppress,
		TTL:              p.IP.TTL,
		TOS:              p.IP.TOS,
		DF:               p.IP.DF,
	}
}

type VXLAN struct {
	Name    string
	Deleted bool
	Config  VXLANConfig
	Self    Facts
	// SourceMTU is the MTU of the underlay interface, 0 when unknown.
	SourceMTU int
	// Immutable is set when a parameter the kernel cannot change did.
	Immutable bool
}

// VXLAN over IPv4 adds 50 bytes of headers.
const vxlanOverhead = 50

func getVXLAN(env *commit.Env) (*VXLAN, error) {
	v := &VXLAN{Name: env.Instance}
	exists, err := load(env.Config, ifconfig.KindVXLAN, v.Name, &v.Config, "parameters")
	if err != nil {
		return nil, err
	}
	v.Deleted = !exists
	v.Self = inspect(env, v.Name, "")
	if v.Config.SourceInterface != "" {
		if info, err := env.IfDeps().Links.Link(v.Config.SourceInterface); err == nil {
			v.SourceMTU = info.MTU
		}
	}
	sess := env.Config
	p := ifPath(ifconfig.KindVXLAN, v.Name)
	if sess.ExistsEffective(p...) {
		for _, leaf := range []string{"vni", "remote", "group", "source-address", "source-interface", "port"} {
			if sess.LeafNodeChanged(sub(p, leaf)...) != nil {
				v.Immutable = true
			}
		}
		if sess.IsNodeChanged(sub(p, "parameters")...) {
			v.Immutable = true
		}
	}
	return v, nil
}

func verifyVXLAN(v *VXLAN) error {
	path := ifPath(ifconfig.KindVXLAN, v.Name)
	if v.Deleted {
		return verifyDelete(path, v.Self)
	}
	c := v.Config
	if c.Group != "" && c.SourceInterface == "" {
		return failure.Config(sub(path, "group"), "Multicast VXLAN requires an underlaying interface")
	}
	if c.VNI == "" && !c.Parameters.External {
		return failure.Config(sub(path, "vni"), "Must either configure VXLAN vni or use external CLI option")
	}
	if c.VNI != "" && c.Parameters.External {
		return failure.Config(sub(path, "vni"), "Can not specify both vni and external")
	}
	if c.Group == "" && len(c.Remote) == 0 && c.SourceInterface == "" && !c.Parameters.External {
		return failure.Config(path, "Group, remote, source-interface or external option must be set")
	}
	if c.Group != "" && len(c.Remote) > 0 {
		return failure.Config(sub(path, "group"), "Both group and remote cannot be specified")
	}
	if v.SourceMTU != 0 && c.MTU+vxlanOverhead > v.SourceMTU {
		return failure.Config(sub(path, "mtu"),
			"Underlaying device MTU is to small (%d bytes), needs at least %d bytes", v.SourceMTU, c.MTU+vxlanOverhead)
	}
	if err := verifyMTU(path, c.MTU, 68, 9166); err != nil {
		return err
	}
	return verifyPort(path, v.Self, c.BaseConfig)
}

func applyVXLAN(env *commit.Env, v *VXLAN) error {
	vx := ifconfig.NewVXLAN(v.Name, env.IfDeps(), v.Config.params())
	ctx := env.Ctx
	if v.Deleted {
		return vx.Remove(ctx)
	}
	var err error
	if vx.Exists() && v.Immutable {
		err = vx.Recreate(ctx)
	} else {
		err = vx.Create(ctx)
	}
	if err != nil {
		return err
	}
	// a recreated link lost its bridge port, the bridge puts it back
	if v.Self.BridgeOf != "" && v.Immutable && !env.Dependent {
		env.SetDependents(OwnerBridge, v.Self.BridgeOf)
	}
	return vx.Update(ctx, v.Config.BaseConfig)
}

func VXLANHandler() commit.Handler {
	return commit.Funcs[*VXLAN]{Get: getVXLAN, Check: verifyVXLAN, Act: applyVXLAN}
}
