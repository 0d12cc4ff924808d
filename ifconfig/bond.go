package ifconfig

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"vycore/process"
)

var bondModes = []string{"balance-rr", "active-backup", "balance-xor", "broadcast", "802.3ad", "balance-tlb", "balance-alb"}

var bondTable = Table{
	"mode":          {Validate: oneOf(bondModes...), Sysfs: "/sys/class/net/{ifname}/bonding/mode"},
	"hash_policy":   {Validate: oneOf("layer2", "layer2+3", "layer3+4", "encap2+3", "encap3+4"), Sysfs: "/sys/class/net/{ifname}/bonding/xmit_hash_policy"},
	"lacp_rate":     {Validate: oneOf("slow", "fast"), Sysfs: "/sys/class/net/{ifname}/bonding/lacp_rate"},
	"min_links":     {Validate: validateInt(0, 16), Sysfs: "/sys/class/net/{ifname}/bonding/min_links"},
	"miimon":        {Validate: validateInt(0, 1000000), Sysfs: "/sys/class/net/{ifname}/bonding/miimon"},
	"arp_interval":  {Validate: validateInt(0, 1000000), Sysfs: "/sys/class/net/{ifname}/bonding/arp_interval"},
	"arp_ip_target": {Sysfs: "/sys/class/net/{ifname}/bonding/arp_ip_target"},
	"primary":       {Sysfs: "/sys/class/net/{ifname}/bonding/primary"},
}

type BondParams struct {
	Mode        string
	HashPolicy  string
	LACPRate    string
	MinLinks    int
	ARPInterval int
	ARPTargets  []string
	Primary     string
}

type Bond struct {
	*Interface
}

func NewBond(name string, d Deps) *Bond {
	return &Bond{Interface: newInterface(name, KindBond, d, bondTable)}
}

func (b *Bond) Create(ctx context.Context) error {
	if b.Exists() {
		return nil
	}
	b.created = true
	return b.run(ctx, "ip link add dev %s type bond", b.name)
}

func isNoAttr(err error) bool {
	return errors.Is(err, process.ErrNoSuchAttribute)
}

// SetParams writes bonding attributes. The mode can only change while the
// bond is down, the caller takes it down when the mode changed.
func (b *Bond) SetParams(ctx context.Context, p BondParams) error {
	errs := []error{
		b.Set(ctx, "mode", p.Mode),
		b.Set(ctx, "min_links", strconv.Itoa(p.MinLinks)),
		b.Set(ctx, "arp_interval", strconv.Itoa(p.ARPInterval)),
	}
	if p.Mode == "802.3ad" {
		errs = append(errs, b.Set(ctx, "lacp_rate", p.LACPRate))
	}
	if p.Mode == "802.3ad" || p.Mode == "balance-xor" {
		errs = append(errs, b.Set(ctx, "hash_policy", p.HashPolicy))
	}
	for _, target := range p.ARPTargets {
		errs = append(errs, b.Set(ctx, "arp_ip_target", "+"+target))
	}
	if p.Primary != "" && p.Mode == "active-backup" {
		errs = append(errs, b.Set(ctx, "primary", p.Primary))
	}
	return errors.Join(errs...)
}

// Mode returns the live bonding mode.
func (b *Bond) Mode() string {
	v, err := b.deps.Sys.Read("/sys/class/net/" + b.name + "/bonding/mode")
	if err != nil {
		return ""
	}
	mode, _, _ := strings.Cut(v, " ")
	return mode
}

func (b *Bond) Down(ctx context.Context) error {
	return b.run(ctx, "ip link set dev %s down", b.name)
}

// AddMember enslaves a port; the port must be down first.
func (b *Bond) AddMember(ctx context.Context, member string) error {
	if info, err := b.deps.Links.Link(member); err == nil && info.Master == b.name {
		return nil
	}
	return errors.Join(
		b.run(ctx, "ip link set dev %s down", member),
		b.run(ctx, "ip link set dev %s master %s", member, b.name),
	)
}

func (b *Bond) DelMember(ctx context.Context, member string) error {
	if info, err := b.deps.Links.Link(member); err != nil || info.Master != b.name {
		return nil
	}
	return b.run(ctx, "ip link set dev %s nomaster", member)
}
