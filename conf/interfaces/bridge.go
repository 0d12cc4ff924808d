package interfaces

import (
	"errors"
	"slices"
	"sort"

	"vycore/commit"
	"vycore/ifconfig"
	"vycore/internal/failure"
)

type BridgeMember struct {
	Priority    int      `mapstructure:"priority"`
	Cost        int      `mapstructure:"cost"`
	NativeVLAN  string   `mapstructure:"native_vlan"`
	AllowedVLAN []string `mapstructure:"allowed_vlan"`
}

type BridgeConfig struct {
	ifconfig.BaseConfig `mapstructure:",squash"`
	Aging               int  `mapstructure:"aging"`
	ForwardingDelay     int  `mapstructure:"forwarding_delay"`
	HelloTime           int  `mapstructure:"hello_time"`
	MaxAge              int  `mapstructure:"max_age"`
	Priority            int  `mapstructure:"priority"`
	STP                 bool `mapstructure:"stp"`
	EnableVLAN          bool `mapstructure:"enable_vlan"`
	Member              struct {
		Interface map[string]BridgeMember `mapstructure:"interface"`
	} `mapstructure:"member"`
}

type Bridge struct {
	Name    string
	Deleted bool
	Config  BridgeConfig
	Members map[string]Facts
	// Removed are ports present in running but gone from the candidate.
	Removed []string
	// VLANChanged lists ports whose VLAN settings differ from running.
	VLANChanged []string
	// Running holds the port settings of the running config.
	Running map[string]BridgeMember
}

func (b *Bridge) memberNames() []string {
	names := make([]string, 0, len(b.Config.Member.Interface))
	for name := range b.Config.Member.Interface {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func getBridge(env *commit.Env) (*Bridge, error) {
	b := &Bridge{Name: env.Instance, Members: map[string]Facts{}}
	exists, err := load(env.Config, ifconfig.KindBridge, b.Name, &b.Config)
	if err != nil {
		return nil, err
	}
	b.Deleted = !exists
	membersPath := ifPath(ifconfig.KindBridge, b.Name, "member", "interface")
	b.Removed = env.Config.NodeChanged(membersPath...)
	if _, err := env.Config.DecodeAt(membersPath, true, &b.Running); err != nil {
		return nil, err
	}
	for _, m := range b.memberNames() {
		b.Members[m] = inspect(env, m, b.Name)
		if env.Config.IsNodeChanged(sub(membersPath, m, "allowed-vlan")...) ||
			env.Config.IsNodeChanged(sub(membersPath, m, "native-vlan")...) {
			b.VLANChanged = append(b.VLANChanged, m)
		}
	}
	return b, nil
}

func verifyBridge(b *Bridge) error {
	if b.Deleted {
		return nil
	}
	path := ifPath(ifconfig.KindBridge, b.Name)
	if err := verifyMTU(path, b.Config.MTU, 68, 9216); err != nil {
		return err
	}
	for _, m := range b.memberNames() {
		mpath := sub(path, "member", "interface", m)
		f := b.Members[m]
		if !f.Exists && !f.Configured {
			return failure.Config(mpath, "Can not add interface %s to bridge %s, it does not exist", m, b.Name)
		}
		if !ifconfig.IsBridgeable(m) {
			return failure.Config(mpath, "Interface %s can not be a bridge member", m)
		}
		if err := verifyMember(mpath, f, b.Name, "bridge"); err != nil {
			return err
		}
		port := b.Config.Member.Interface[m]
		if !b.Config.EnableVLAN && (port.NativeVLAN != "" || len(port.AllowedVLAN) > 0) {
			return failure.Config(mpath, "Can not use VLAN options on non VLAN aware bridge")
		}
	}
	return nil
}

func applyBridge(env *commit.Env, b *Bridge) error {
	br := ifconfig.NewBridge(b.Name, env.IfDeps())
	ctx := env.Ctx
	var errs []error
	for _, m := range b.Removed {
		errs = append(errs, br.DelMember(ctx, m))
		requeueMember(env, m)
	}
	if b.Deleted {
		return errors.Join(append(errs, br.Remove(ctx))...)
	}
	c := b.Config
	errs = append(errs,
		br.Create(ctx),
		br.Update(ctx, c.BaseConfig),
		br.SetParams(ctx, ifconfig.BridgeParams{
			Aging:           c.Aging,
			ForwardingDelay: c.ForwardingDelay,
			HelloTime:       c.HelloTime,
			MaxAge:          c.MaxAge,
			Priority:        c.Priority,
			STP:             c.STP,
			VLANFiltering:   c.EnableVLAN,
		}),
	)
	for _, m := range b.memberNames() {
		port := c.Member.Interface[m]
		live, err := env.IfDeps().Links.Link(m)
		joined := err == nil && live.Master == b.Name
		errs = append(errs,
			br.AddMember(ctx, m),
			br.SetMemberPort(ctx, m, port.Priority, port.Cost),
		)
		if c.EnableVLAN && (!joined || slices.Contains(b.VLANChanged, m)) {
			want := ifconfig.PortVLANs{Native: port.NativeVLAN, Allowed: port.AllowedVLAN}
			var have ifconfig.PortVLANs
			if old, ok := b.Running[m]; ok && joined {
				have = ifconfig.PortVLANs{Native: old.NativeVLAN, Allowed: old.AllowedVLAN}
			}
			errs = append(errs, br.SetMemberVLANs(ctx, m, want, have))
		}
		if !joined {
			requeueMember(env, m)
		}
	}
	return errors.Join(errs...)
}

func BridgeHandler() commit.Handler {
	return commit.Funcs[*Bridge]{Get: getBridge, Check: verifyBridge, Act: applyBridge}
}
