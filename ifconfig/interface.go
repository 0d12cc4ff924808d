package ifconfig

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"vycore/process"
)

// Deps are the collaborators every interface needs.
type Deps struct {
	Proc  *process.Adapter
	Links LinkReader
	Sys   process.Sysfs
}

// Setting is one row of a dispatcher table: a field is validated,
// converted and then either run as a command or written to sysfs.
// "{ifname}" and "{value}" are substituted in Shell and Sysfs.
type Setting struct {
	Validate func(string) error
	Convert  func(string) string
	Shell    string
	Sysfs    string
}

type Table map[string]Setting

func validateInt(lo, hi int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || n < lo || n > hi {
			return fmt.Errorf("value %q out of range %d-%d", v, lo, hi)
		}
		return nil
	}
}

func validateMAC(v string) error {
	if _, err := net.ParseMAC(v); err != nil {
		return fmt.Errorf("invalid MAC address %q", v)
	}
	return nil
}

func oneOf(values ...string) func(string) error {
	return func(v string) error {
		if !slices.Contains(values, v) {
			return fmt.Errorf("value %q must be one of %s", v, strings.Join(values, ", "))
		}
		return nil
	}
}

// centiseconds converts seconds to the 1/100 s unit bridge sysfs uses.
func centiseconds(v string) string {
	n, _ := strconv.Atoi(v)
	return strconv.Itoa(n * 100)
}

var baseTable = Table{
	"mtu":   {Validate: validateInt(68, 16000), Shell: "ip link set dev {ifname} mtu {value}"},
	"mac":   {Validate: validateMAC, Shell: "ip link set dev {ifname} address {value}"},
	"alias": {Sysfs: "/sys/class/net/{ifname}/ifalias"},
	"state": {Validate: oneOf("up", "down"), Shell: "ip link set dev {ifname} {value}"},
	"vrf":   {Shell: "ip link set dev {ifname} master {value}"},
	"netns": {Shell: "ip link set dev {ifname} netns {value}"},
}

// BaseConfig carries the settings every interface kind shares.
type BaseConfig struct {
	Description string   `mapstructure:"description"`
	MTU         int      `mapstructure:"mtu"`
	MAC         string   `mapstructure:"mac"`
	VRF         string   `mapstructure:"vrf"`
	Netns       string   `mapstructure:"netns"`
	Disable     bool     `mapstructure:"disable"`
	Address     []string `mapstructure:"address"`
}

// Interface is the behaviour shared by all kinds. Kind specific types
// embed it.
type Interface struct {
	name  string
	kind  Kind
	deps  Deps
	table Table
	// created by Create during this run; live reads may lag behind
	created bool
}

func newInterface(name string, kind Kind, d Deps, extra Table) *Interface {
	table := Table{}
	for k, v := range baseTable {
		table[k] = v
	}
	for k, v := range extra {
		table[k] = v
	}
	if d.Links == nil {
		d.Links = NetlinkReader{}
	}
	return &Interface{name: name, kind: kind, deps: d, table: table}
}

func (i *Interface) Name() string { return i.name }
func (i *Interface) Kind() Kind   { return i.kind }

func (i *Interface) Bridgeable() bool {
	return IsBridgeable(i.name)
}

func (i *Interface) Exists() bool {
	_, err := i.deps.Links.Link(i.name)
	return err == nil
}

func (i *Interface) live() LinkInfo {
	info, err := i.deps.Links.Link(i.name)
	if err != nil {
		return LinkInfo{Name: i.name}
	}
	return info
}

func (i *Interface) MAC() (string, error) {
	info, err := i.deps.Links.Link(i.name)
	if err != nil {
		return "", err
	}
	return info.MAC, nil
}

// Run issues one command for this interface.
func (i *Interface) run(ctx context.Context, format string, args ...any) error {
	_, err := i.deps.Proc.Cmd(ctx, fmt.Sprintf(format, args...), nil)
	return err
}

func (i *Interface) expand(s, value string) string {
	return strings.NewReplacer("{ifname}", i.name, "{value}", value).Replace(s)
}

// Set dispatches one field through the table.
func (i *Interface) Set(ctx context.Context, field, value string) error {
	st, ok := i.table[field]
	if !ok {
		return fmt.Errorf("%s: unsupported setting %q", i.name, field)
	}
	if st.Validate != nil {
		if err := st.Validate(value); err != nil {
			return fmt.Errorf("%s %s: %w", i.name, field, err)
		}
	}
	if st.Convert != nil {
		value = st.Convert(value)
	}
	if st.Sysfs != "" {
		changed, err := i.deps.Sys.Ensure(i.expand(st.Sysfs, value), value)
		if errors.Is(err, process.ErrNoSuchAttribute) {
			log.Debug().Str("interface", i.name).Str("field", field).Msg("attribute not present, skipped")
			return nil
		}
		if changed {
			log.Info().Str("interface", i.name).Str("field", field).Str("value", value).Msg("sysfs updated")
		}
		return err
	}
	_, err := i.deps.Proc.Cmd(ctx, i.expand(st.Shell, value), nil)
	return err
}

// Remove deletes a virtual interface.
func (i *Interface) Remove(ctx context.Context) error {
	if !i.Exists() {
		return nil
	}
	return i.run(ctx, "ip link del dev %s", i.name)
}

// Update converges the shared settings against the live link and only
// issues commands for what differs.
func (i *Interface) Update(ctx context.Context, cfg BaseConfig) error {
	live := i.live()
	var errs []error
	if err := i.Set(ctx, "alias", cfg.Description); err != nil {
		errs = append(errs, err)
	}
	if cfg.MTU != 0 && cfg.MTU != live.MTU {
		errs = append(errs, i.Set(ctx, "mtu", strconv.Itoa(cfg.MTU)))
	}
	if cfg.MAC != "" && !strings.EqualFold(cfg.MAC, live.MAC) {
		errs = append(errs, i.Set(ctx, "mac", cfg.MAC))
	}
	errs = append(errs, i.updateVRF(ctx, cfg.VRF, live))
	errs = append(errs, i.updateAddresses(ctx, cfg.Address, live.Addresses))
	if cfg.Netns != "" {
		errs = append(errs, i.Set(ctx, "netns", cfg.Netns))
	}
	want := !cfg.Disable
	if want != live.Up || i.created {
		state := "up"
		if cfg.Disable {
			state = "down"
		}
		errs = append(errs, i.Set(ctx, "state", state))
	}
	return errors.Join(errs...)
}

func (i *Interface) updateVRF(ctx context.Context, vrf string, live LinkInfo) error {
	if live.Master == vrf {
		return nil
	}
	if vrf != "" {
		return i.Set(ctx, "vrf", vrf)
	}
	// only leave a master that is a VRF, bridges and bonds own their ports
	if live.Master == "" {
		return nil
	}
	if m, err := i.deps.Links.Link(live.Master); err == nil && m.Type == "vrf" {
		return i.run(ctx, "ip link set dev %s nomaster", i.name)
	}
	return nil
}

func (i *Interface) updateAddresses(ctx context.Context, want, have []string) error {
	var errs []error
	for _, a := range have {
		if !slices.Contains(want, a) {
			errs = append(errs, i.run(ctx, "ip addr del %s dev %s", a, i.name))
		}
	}
	for _, a := range want {
		if a == "dhcp" || a == "dhcpv6" {
			continue
		}
		if !slices.Contains(have, a) {
			errs = append(errs, i.run(ctx, "ip addr add %s dev %s", a, i.name))
		}
	}
	return errors.Join(errs...)
}

// FlushAddresses removes every address.
func (i *Interface) FlushAddresses(ctx context.Context) error {
	return i.run(ctx, "ip addr flush dev %s", i.name)
}

// simple covers kinds without parameters of their own.
type simple struct {
	*Interface
	linkType string
}

func newSimple(name string, kind Kind, linkType string, d Deps) *simple {
	return &simple{Interface: newInterface(name, kind, d, nil), linkType: linkType}
}

func (s *simple) Create(ctx context.Context) error {
	if s.linkType == "" || s.Exists() {
		return nil
	}
	s.created = true
	return s.run(ctx, "ip link add dev %s type %s", s.name, s.linkType)
}
