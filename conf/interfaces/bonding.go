package interfaces

import (
	"errors"
	"slices"

	"vycore/commit"
	"vycore/ifconfig"
	"vycore/internal/failure"
)

type BondConfig struct {
	ifconfig.BaseConfig `mapstructure:",squash"`
	Mode                string `mapstructure:"mode"`
	LACPRate            string `mapstructure:"lacp_rate"`
	HashPolicy          string `mapstructure:"hash_policy"`
	MinLinks            int    `mapstructure:"min_links"`
	Primary             string `mapstructure:"primary"`
	ARPMonitor          struct {
		Interval int      `mapstructure:"interval"`
		Target   []string `mapstructure:"target"`
	} `mapstructure:"arp_monitor"`
	Member struct {
		Interface []string `mapstructure:"interface"`
	} `mapstructure:"member"`
}

type Bond struct {
	Name    string
	Deleted bool
	Config  BondConfig
	Self    Facts
	Members map[string]Facts
	Removed []string
	// ShutdownRequired is set when the bond has to go down to change.
	ShutdownRequired bool
}

var arpMonitorModes = []string{"802.3ad", "balance-tlb", "balance-alb"}

func getBond(env *commit.Env) (*Bond, error) {
	b := &Bond{Name: env.Instance, Members: map[string]Facts{}}
	exists, err := load(env.Config, ifconfig.KindBond, b.Name, &b.Config, "arp-monitor")
	if err != nil {
		return nil, err
	}
	b.Deleted = !exists
	b.Self = inspect(env, b.Name, "")
	sess := env.Config
	p := ifPath(ifconfig.KindBond, b.Name)
	b.Removed = sess.NodeChanged(sub(p, "member", "interface")...)
	for _, m := range b.Config.Member.Interface {
		b.Members[m] = inspect(env, m, b.Name)
	}
	if sess.ExistsEffective(p...) {
		b.ShutdownRequired = sess.LeafNodeChanged(sub(p, "mode")...) != nil ||
			sess.LeafNodeChanged(sub(p, "lacp-rate")...) != nil ||
			len(b.Removed) > 0 ||
			len(sess.NodeAdded(sub(p, "member", "interface")...)) > 0
	}
	return b, nil
}

func verifyBond(b *Bond) error {
	path := ifPath(ifconfig.KindBond, b.Name)
	if b.Deleted {
		return verifyDelete(path, b.Self)
	}
	c := b.Config
	if len(c.ARPMonitor.Target) > 16 {
		return failure.Config(sub(path, "arp-monitor", "target"), "The maximum number of arp-monitor targets is 16")
	}
	if c.ARPMonitor.Interval > 0 && slices.Contains(arpMonitorModes, c.Mode) {
		return failure.Config(sub(path, "arp-monitor", "interval"),
			"ARP link monitoring does not work for mode 802.3ad, transmit-load-balance or adaptive-load-balance")
	}
	if err := verifyMTU(path, c.MTU, 68, 9216); err != nil {
		return err
	}
	if err := verifyPort(path, b.Self, c.BaseConfig); err != nil {
		return err
	}
	for _, m := range c.Member.Interface {
		mpath := sub(path, "member", "interface", m)
		f := b.Members[m]
		if !f.Exists {
			return failure.Config(mpath, "Can not add interface %s to bond %s, it does not exist", m, b.Name)
		}
		if err := verifyMember(mpath, f, b.Name, "bond"); err != nil {
			return err
		}
	}
	if c.Primary != "" {
		if !slices.Contains(c.Member.Interface, c.Primary) {
			return failure.Config(sub(path, "primary"), "Primary interface of bond %s must be a member interface", b.Name)
		}
		if !slices.Contains([]string{"active-backup", "balance-tlb", "balance-alb"}, c.Mode) {
			return failure.Config(sub(path, "primary"),
				"primary interface only works for mode active-backup, transmit-load-balance or adaptive-load-balance")
		}
	}
	return nil
}

func applyBond(env *commit.Env, b *Bond) error {
	bond := ifconfig.NewBond(b.Name, env.IfDeps())
	ctx := env.Ctx
	var errs []error
	if b.ShutdownRequired && bond.Exists() {
		errs = append(errs, bond.Down(ctx))
	}
	for _, m := range b.Removed {
		errs = append(errs, bond.DelMember(ctx, m))
		// the port gets its own configuration back
		env.SetDependents(OwnerEthernet, m)
	}
	if b.Deleted {
		return errors.Join(append(errs, bond.Remove(ctx))...)
	}
	c := b.Config
	errs = append(errs,
		bond.Create(ctx),
		bond.SetParams(ctx, ifconfig.BondParams{
			Mode:        c.Mode,
			HashPolicy:  c.HashPolicy,
			LACPRate:    c.LACPRate,
			MinLinks:    c.MinLinks,
			ARPInterval: c.ARPMonitor.Interval,
			ARPTargets:  c.ARPMonitor.Target,
			Primary:     c.Primary,
		}),
	)
	for _, m := range c.Member.Interface {
		errs = append(errs, bond.AddMember(ctx, m))
	}
	errs = append(errs, bond.Update(ctx, c.BaseConfig))
	return errors.Join(errs...)
}

func BondHandler() commit.Handler {
	return commit.Funcs[*Bond]{Get: getBond, Check: verifyBond, Act: applyBond}
}
