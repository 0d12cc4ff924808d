package ifconfig

import (
	"context"
	"errors"
	"slices"
	"strconv"
)

var bridgeTable = Table{
	"aging":            {Validate: validateInt(0, 1000000), Convert: centiseconds, Sysfs: "/sys/class/net/{ifname}/bridge/ageing_time"},
	"forwarding_delay": {Validate: validateInt(0, 200), Convert: centiseconds, Sysfs: "/sys/class/net/{ifname}/bridge/forward_delay"},
	"hello_time":       {Validate: validateInt(1, 10), Convert: centiseconds, Sysfs: "/sys/class/net/{ifname}/bridge/hello_time"},
	"max_age":          {Validate: validateInt(1, 40), Convert: centiseconds, Sysfs: "/sys/class/net/{ifname}/bridge/max_age"},
	"priority":         {Validate: validateInt(0, 65535), Sysfs: "/sys/class/net/{ifname}/bridge/priority"},
	"stp":              {Validate: oneOf("0", "1"), Sysfs: "/sys/class/net/{ifname}/bridge/stp_state"},
	"vlan_filtering":   {Validate: oneOf("0", "1"), Sysfs: "/sys/class/net/{ifname}/bridge/vlan_filtering"},
}

// BridgeParams are the STP and VLAN knobs of a bridge.
type BridgeParams struct {
	Aging           int
	ForwardingDelay int
	HelloTime       int
	MaxAge          int
	Priority        int
	STP             bool
	VLANFiltering   bool
}

type Bridge struct {
	*Interface
}

func NewBridge(name string, d Deps) *Bridge {
	return &Bridge{Interface: newInterface(name, KindBridge, d, bridgeTable)}
}

func (b *Bridge) Create(ctx context.Context) error {
	if b.Exists() {
		return nil
	}
	b.created = true
	return b.run(ctx, "ip link add dev %s type bridge", b.name)
}

func boolString(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// SetParams writes the bridge attributes that differ from the live values.
func (b *Bridge) SetParams(ctx context.Context, p BridgeParams) error {
	return errors.Join(
		b.Set(ctx, "aging", strconv.Itoa(p.Aging)),
		b.Set(ctx, "forwarding_delay", strconv.Itoa(p.ForwardingDelay)),
		b.Set(ctx, "hello_time", strconv.Itoa(p.HelloTime)),
		b.Set(ctx, "max_age", strconv.Itoa(p.MaxAge)),
		b.Set(ctx, "priority", strconv.Itoa(p.Priority)),
		b.Set(ctx, "stp", boolString(p.STP)),
		b.Set(ctx, "vlan_filtering", boolString(p.VLANFiltering)),
	)
}

// AddMember enslaves a port unless it already is a port of this bridge.
func (b *Bridge) AddMember(ctx context.Context, member string) error {
	if info, err := b.deps.Links.Link(member); err == nil && info.Master == b.name {
		return nil
	}
	return b.run(ctx, "ip link set %s master %s", member, b.name)
}

func (b *Bridge) DelMember(ctx context.Context, member string) error {
	if info, err := b.deps.Links.Link(member); err != nil || info.Master != b.name {
		return nil
	}
	return b.run(ctx, "ip link set dev %s nomaster", member)
}

// SetMemberPort writes per port priority and path cost.
func (b *Bridge) SetMemberPort(ctx context.Context, member string, priority, cost int) error {
	var errs []error
	for attr, v := range map[string]int{"priority": priority, "path_cost": cost} {
		_, err := b.deps.Sys.Ensure("/sys/class/net/"+b.name+"/brif/"+member+"/"+attr, strconv.Itoa(v))
		if err != nil && !isNoAttr(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PortVLANs are the VLANs carried by one bridge port.
type PortVLANs struct {
	Native  string
	Allowed []string
}

func (v PortVLANs) vids() []string {
	out := slices.Clone(v.Allowed)
	if v.Native != "" && !slices.Contains(out, v.Native) {
		out = append(out, v.Native)
	}
	return out
}

// SetMemberVLANs moves a port from the VLANs in have to those in want.
// VLANs only in have are removed first.
func (b *Bridge) SetMemberVLANs(ctx context.Context, member string, want, have PortVLANs) error {
	var errs []error
	keep := want.vids()
	for _, vid := range have.vids() {
		if !slices.Contains(keep, vid) {
			errs = append(errs, b.run(ctx, "bridge vlan del dev %s vid %s master", member, vid))
		}
	}
	for _, vid := range want.Allowed {
		errs = append(errs, b.run(ctx, "bridge vlan add dev %s vid %s master", member, vid))
	}
	if want.Native != "" {
		errs = append(errs, b.run(ctx, "bridge vlan add dev %s vid %s pvid untagged master", member, want.Native))
	}
	return errors.Join(errs...)
}
