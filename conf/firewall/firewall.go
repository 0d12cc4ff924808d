package firewall

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/internal/failure"
	"vycore/models"
	netfilterHelper "vycore/netfilter-helper"
	"vycore/process"
	"vycore/render"
)

const (
	Owner          = "firewall"
	ResolverUnit   = "vyos-domain-resolver.service"
	conntrackOwner = "conntrack"
)

var (
	nftablesConf = constant.RunDir + "/nftables.conf"
	resolverConf = constant.ResolverFile
)

// sysctl values per global option setting
var globalOptions = []struct {
	key     string
	get     func(GlobalOptions) string
	enable  string
	disable string
}{
	{key: "net.ipv4.icmp_echo_ignore_all", get: func(g GlobalOptions) string { return g.AllPing }, enable: "0", disable: "1"},
	{key: "net.ipv4.icmp_echo_ignore_broadcasts", get: func(g GlobalOptions) string { return g.BroadcastPing }, enable: "0", disable: "1"},
	{key: "net.ipv4.tcp_syncookies", get: func(g GlobalOptions) string { return g.SynCookies }, enable: "1", disable: "0"},
}

type Firewall struct {
	Deleted bool
	Config  Config
	Legacy  map[string]LegacyZone
	// Interfaces holds interface-group members after pattern expansion
	// against the configured interfaces.
	Interfaces map[string][]string
	// Changed is set by generate when the rendered ruleset differs.
	Changed         bool
	ResolverChanged bool
	Resolver        models.ResolverConfig
}

func configuredInterfaces(env *commit.Env) []string {
	var names []string
	for _, kind := range env.Config.ListNodes("interfaces") {
		names = append(names, env.Config.ListNodes("interfaces", kind)...)
	}
	slices.Sort(names)
	return names
}

func getFirewall(env *commit.Env) (*Firewall, error) {
	fw := &Firewall{Interfaces: map[string][]string{}}
	sess := env.Config
	exists, err := sess.DecodeWithDefaults([]string{"firewall"}, &fw.Config, "global-options")
	if err != nil {
		return nil, err
	}
	var legacy struct {
		Zone map[string]LegacyZone `mapstructure:"zone"`
	}
	legacyExists, err := sess.DecodeAt([]string{"zone-policy"}, false, &legacy)
	if err != nil {
		return nil, err
	}
	fw.Legacy = legacy.Zone
	fw.Deleted = !exists && !legacyExists

	known := configuredInterfaces(env)
	for name, g := range fw.Config.Group.InterfaceGroup {
		var members []string
		for _, pattern := range g.Interface {
			if !strings.ContainsAny(pattern, "*?") {
				members = append(members, pattern)
				continue
			}
			for _, ifname := range known {
				if models.MatchInterface(pattern, ifname) {
					members = append(members, ifname)
				}
			}
		}
		fw.Interfaces[name] = dedupe(members)
	}
	return fw, nil
}

func fwPath(rest ...string) []string {
	return append([]string{"firewall"}, rest...)
}

func verifyFirewall(fw *Firewall) error {
	if fw.Deleted {
		return nil
	}
	if len(fw.Legacy) > 0 && len(fw.Config.Zone) > 0 {
		return failure.Config([]string{"zone-policy"},
			"Zone-policy and firewall zone can not be configured at the same time, migrate zone-policy to firewall zone")
	}
	if err := verifyGroups(&fw.Config); err != nil {
		return err
	}
	for _, fam := range []string{"ipv4", "ipv6"} {
		f := fw.Config.IPv4
		if fam == "ipv6" {
			f = fw.Config.IPv6
		}
		for hook, c := range f.hooks() {
			if err := verifyChain(&fw.Config, c, fwPath(fam, hook, "filter"), fam); err != nil {
				return err
			}
		}
		for name, c := range f.Name {
			if err := verifyChain(&fw.Config, &c, fwPath(fam, "name", name), fam); err != nil {
				return err
			}
		}
	}
	return verifyZones(fw)
}

func verifyChain(cfg *Config, c *Chain, path []string, fam string) error {
	for _, id := range c.ruleIDs() {
		n, err := strconv.Atoi(id)
		rpath := append(append([]string{}, path...), "rule", id)
		if err != nil || n < 1 || n > 999999 {
			return failure.Config(rpath, "Invalid rule number %s, must be between 1 and 999999", id)
		}
		if err := verifyRule(cfg, c.Rule[id], rpath, fam); err != nil {
			return err
		}
	}
	return nil
}

var validActions = []string{"accept", "drop", "reject", "return", "continue", "jump"}

func verifyRule(cfg *Config, r Rule, path []string, fam string) error {
	if r.Action == "" {
		return failure.Config(path, "Rule action must be defined")
	}
	if !slices.Contains(validActions, r.Action) {
		return failure.Config(path, "Invalid action %q", r.Action)
	}
	names := cfg.IPv4.Name
	if fam == "ipv6" {
		names = cfg.IPv6.Name
	}
	switch {
	case r.Action == "jump" && r.JumpTarget == "":
		return failure.Config(path, "Action set to jump, but no jump-target specified")
	case r.Action != "jump" && r.JumpTarget != "":
		return failure.Config(path, "jump-target defined, but action jump needed and it is not defined")
	case r.JumpTarget != "":
		if _, ok := names[r.JumpTarget]; !ok {
			return failure.Config(path, "Invalid jump-target. Firewall name %s does not exist on the system", r.JumpTarget)
		}
	}

	if r.ICMP != nil && (fam != "ipv4" || r.Protocol != "icmp") {
		return failure.Config(path, "ICMP options require protocol icmp in an ipv4 rule")
	}
	if r.ICMPv6 != nil && (fam != "ipv6" || r.Protocol != "ipv6-icmp") {
		return failure.Config(path, "ICMPv6 options require protocol ipv6-icmp in an ipv6 rule")
	}

	for i, s := range []*Side{r.Source, r.Destination} {
		if s == nil {
			continue
		}
		spath := append(append([]string{}, path...), []string{"source", "destination"}[i])
		if err := verifySide(cfg, r, s, spath, fam); err != nil {
			return err
		}
	}

	if a := r.AddAddressToGroup; a != nil {
		for _, t := range []*DynamicTarget{a.SourceAddress, a.DestinationAddress} {
			if t == nil {
				continue
			}
			if _, ok := cfg.Group.DynamicGroup.AddressGroup[t.AddressGroup]; !ok || t.AddressGroup == "" {
				return failure.Config(append(path, "add-address-to-group"), "Dynamic address group must be defined.")
			}
		}
	}
	return nil
}

func addrFamily(v string) string {
	v, _ = negated(v)
	first, _, _ := strings.Cut(v, "-")
	if p, err := netip.ParsePrefix(first); err == nil {
		first = p.Addr().String()
	}
	a, err := netip.ParseAddr(first)
	if err != nil {
		return ""
	}
	if a.Is4() {
		return "ipv4"
	}
	return "ipv6"
}

func verifySide(cfg *Config, r Rule, s *Side, path []string, fam string) error {
	if s.Address != "" {
		if af := addrFamily(s.Address); af != fam {
			return failure.Config(append(path, "address"), "Address %s is not a valid %s address", s.Address, fam)
		}
	}
	if s.FQDN != "" {
		if s.Address != "" {
			return failure.Config(path, "Cannot specify both fqdn and address")
		}
		domain, _ := negated(s.FQDN)
		if !models.ValidHostname(domain) {
			return failure.Config(append(path, "fqdn"), "Invalid FQDN %q", s.FQDN)
		}
	}
	g := s.Group
	if s.Port != "" || (g != nil && g.PortGroup != "") {
		if r.Protocol == "" {
			return failure.Config(path, "Protocol must be defined if specifying a port or port-group")
		}
		if !slices.Contains([]string{"tcp", "udp", "tcp_udp"}, r.Protocol) {
			return failure.Config(path, "Protocol must be tcp, udp, or tcp_udp when specifying a port or port-group")
		}
	}
	if g == nil {
		return nil
	}
	gpath := append(path, "group")
	addrLike := 0
	for _, v := range []string{g.AddressGroup, g.NetworkGroup, g.DomainGroup, g.DynamicAddressGroup} {
		if v != "" {
			addrLike++
		}
	}
	if addrLike > 1 {
		return failure.Config(gpath, "Only one address-group, network-group, domain-group or dynamic-address-group can be specified")
	}
	if addrLike == 1 && s.Address != "" {
		return failure.Config(gpath, "address and an address matching group cannot both be defined")
	}

	type ref struct {
		kind, name string
		exists     func(string) (bool, bool)
	}
	addrGroups := cfg.Group.AddressGroup
	addrKind := "address-group"
	if fam == "ipv6" {
		addrGroups = cfg.Group.IPv6AddressGroup
		addrKind = "ipv6-address-group"
	}
	lookup := func(n int, has bool) (bool, bool) { return n > 0, has }
	refs := []ref{
		{addrKind, g.AddressGroup, func(n string) (bool, bool) {
			v, ok := addrGroups[n]
			return lookup(len(addrGroups), ok && groupNonEmpty(v.Address, v.Include))
		}},
		{"network-group", g.NetworkGroup, func(n string) (bool, bool) {
			v, ok := cfg.Group.NetworkGroup[n]
			return lookup(len(cfg.Group.NetworkGroup), ok && groupNonEmpty(v.Network, v.Include))
		}},
		{"port-group", g.PortGroup, func(n string) (bool, bool) {
			v, ok := cfg.Group.PortGroup[n]
			return lookup(len(cfg.Group.PortGroup), ok && groupNonEmpty(v.Port, v.Include))
		}},
		{"domain-group", g.DomainGroup, func(n string) (bool, bool) {
			v, ok := cfg.Group.DomainGroup[n]
			return lookup(len(cfg.Group.DomainGroup), ok && len(v.Address) > 0)
		}},
		{"mac-group", g.MACGroup, func(n string) (bool, bool) {
			v, ok := cfg.Group.MACGroup[n]
			return lookup(len(cfg.Group.MACGroup), ok && len(v.MACAddress) > 0)
		}},
		{"dynamic-address-group", g.DynamicAddressGroup, func(n string) (bool, bool) {
			_, ok := cfg.Group.DynamicGroup.AddressGroup[n]
			return lookup(len(cfg.Group.DynamicGroup.AddressGroup), ok)
		}},
	}
	for _, rf := range refs {
		if rf.name == "" {
			continue
		}
		name, _ := negated(rf.name)
		anyConfigured, usable := rf.exists(name)
		if !anyConfigured {
			return failure.Config(gpath, "Group defined in rule but %s is not configured", rf.kind)
		}
		if !usable {
			if rf.kind == addrKind {
				if _, dyn := cfg.Group.DynamicGroup.AddressGroup[name]; dyn {
					return failure.Config(gpath, "Dynamic address group %s can only be matched with dynamic-address-group", name)
				}
			}
			return failure.Config(gpath, "Invalid %s %q on firewall rule, the group does not exist or has no members", rf.kind, name)
		}
	}
	return nil
}

func groupNonEmpty(members, include []string) bool {
	return len(members) > 0 || len(include) > 0
}

// verifyIncludes rejects unknown and circular includes.
func verifyIncludes(kind string, names []string, includes func(string) ([]string, bool)) error {
	for _, name := range names {
		var walk func(n string, stack []string) error
		walk = func(n string, stack []string) error {
			incs, _ := includes(n)
			for _, inc := range incs {
				if _, ok := includes(inc); !ok {
					return failure.Config(fwPath("group", kind, name, "include"), "Nested group %q does not exist", inc)
				}
				if inc == name || slices.Contains(stack, inc) {
					return failure.Config(fwPath("group", kind, name, "include"), "Group %s has a circular reference", name)
				}
				if err := walk(inc, append(stack, inc)); err != nil {
					return err
				}
			}
			return nil
		}
		if err := walk(name, []string{name}); err != nil {
			return err
		}
	}
	return nil
}

func verifyGroups(cfg *Config) error {
	g := cfg.Group
	if err := verifyIncludes("address-group", configtree.SortedKeys(g.AddressGroup), func(n string) ([]string, bool) {
		v, ok := g.AddressGroup[n]
		return v.Include, ok
	}); err != nil {
		return err
	}
	if err := verifyIncludes("network-group", configtree.SortedKeys(g.NetworkGroup), func(n string) ([]string, bool) {
		v, ok := g.NetworkGroup[n]
		return v.Include, ok
	}); err != nil {
		return err
	}
	if err := verifyIncludes("port-group", configtree.SortedKeys(g.PortGroup), func(n string) ([]string, bool) {
		v, ok := g.PortGroup[n]
		return v.Include, ok
	}); err != nil {
		return err
	}
	for _, name := range configtree.SortedKeys(g.AddressGroup) {
		for _, a := range g.AddressGroup[name].Address {
			if addrFamily(a) != "ipv4" {
				return failure.Config(fwPath("group", "address-group", name, "address"), "%s is not an IPv4 address or range", a)
			}
		}
	}
	for _, name := range configtree.SortedKeys(g.IPv6AddressGroup) {
		for _, a := range g.IPv6AddressGroup[name].Address {
			if addrFamily(a) != "ipv6" {
				return failure.Config(fwPath("group", "ipv6-address-group", name, "address"), "%s is not an IPv6 address or range", a)
			}
		}
	}
	for _, name := range configtree.SortedKeys(g.DomainGroup) {
		for _, d := range g.DomainGroup[name].Address {
			if !models.ValidHostname(d) {
				return failure.Config(fwPath("group", "domain-group", name, "address"), "Invalid domain name %q", d)
			}
		}
	}
	for _, name := range configtree.SortedKeys(g.DynamicGroup.AddressGroup) {
		if _, clash := g.AddressGroup[name]; clash {
			return failure.Config(fwPath("group", "dynamic-group", "address-group", name),
				"Dynamic address group %s collides with a static address-group of the same name", name)
		}
	}
	return nil
}

func verifyZones(fw *Firewall) error {
	zones := fw.zones()
	base := []string{"firewall", "zone"}
	if len(fw.Config.Zone) == 0 {
		base = []string{"zone-policy", "zone"}
	}
	local := ""
	owner := map[string]string{}
	for _, name := range configtree.SortedKeys(zones) {
		z := zones[name]
		zpath := append(append([]string{}, base...), name)
		if z.LocalZone {
			if local != "" {
				return failure.Config(zpath, "There cannot be multiple local zones")
			}
			if len(z.Member.Interface) > 0 {
				return failure.Config(zpath, "Local zone cannot have interfaces assigned")
			}
			local = name
		} else if len(z.Member.Interface) == 0 {
			return failure.Config(zpath, "Zone %s has no interfaces and is not the local zone", name)
		}
		for _, ifname := range z.Member.Interface {
			if other, ok := owner[ifname]; ok {
				return failure.Config(zpath, "Interface %s already a member of zone %s", ifname, other)
			}
			owner[ifname] = name
		}
		for _, from := range configtree.SortedKeys(z.From) {
			fpath := append(zpath, "from", from)
			if from == name {
				return failure.Config(fpath, "Zone %s can not be a source of its own traffic", name)
			}
			if _, ok := zones[from]; !ok {
				return failure.Config(fpath, "Zone %q does not exist", from)
			}
			fc := z.From[from].Firewall
			if fc.Name != "" {
				if _, ok := fw.Config.IPv4.Name[fc.Name]; !ok {
					return failure.Config(fpath, "Firewall name %q does not exist", fc.Name)
				}
			}
			if fc.IPv6Name != "" {
				if _, ok := fw.Config.IPv6.Name[fc.IPv6Name]; !ok {
					return failure.Config(fpath, "Firewall ipv6-name %q does not exist", fc.IPv6Name)
				}
			}
		}
	}
	return nil
}

func (fw *Firewall) builders() []*builder {
	zones := fw.zones()
	return []*builder{
		{cfg: &fw.Config, family: "ip", ifaces: fw.Interfaces, zones: zones},
		{cfg: &fw.Config, family: "ip6", ifaces: fw.Interfaces, zones: zones},
	}
}

func generateFirewall(env *commit.Env, fw *Firewall) error {
	rs := ruleset{Deleted: fw.Deleted}
	fw.Resolver = models.ResolverConfig{Interval: fw.Config.ResolverInterval, Cache: fw.Config.ResolverCache}
	for _, b := range fw.builders() {
		if fw.Deleted {
			rs.Tables = append(rs.Tables, nftTable{Family: b.family, Name: tableName})
			continue
		}
		rs.Tables = append(rs.Tables, b.table())
		fw.Resolver.Sets = append(fw.Resolver.Sets, b.resolverSets()...)
	}
	changed, err := env.Render.Update(nftablesConf, "firewall/nftables.conf.tmpl", rs, render.Public)
	if err != nil {
		return err
	}
	fw.Changed = changed

	if len(fw.Resolver.Sets) == 0 {
		return nil
	}
	if fw.Resolver.Interval == 0 {
		fw.Resolver.Interval = 300
	}
	data, err := json.MarshalIndent(fw.Resolver, "", "  ")
	if err != nil {
		return err
	}
	fw.ResolverChanged, err = env.Render.UpdateFile(resolverConf, data, render.Public)
	return err
}

func stateful(f Family) bool {
	chains := f.hooks()
	for name, c := range f.Name {
		chains["name "+name] = &c
	}
	for _, c := range chains {
		for _, r := range c.Rule {
			if len(r.State) > 0 && !r.Disable {
				return true
			}
		}
	}
	return false
}

// StatefulFamilies reports which families carry rules matching on the
// connection state, which need conntrack.
func StatefulFamilies(sess *configtree.Session) (ipv4, ipv6 bool, err error) {
	var cfg Config
	if _, err := sess.DecodeAt([]string{"firewall"}, false, &cfg); err != nil {
		return false, false, err
	}
	return stateful(cfg.IPv4), stateful(cfg.IPv6), nil
}

func applyFirewall(env *commit.Env, fw *Firewall) error {
	ctx := env.Ctx
	if fw.Changed {
		nh := &netfilterHelper.NetfilterHelper{Proc: env.Proc}
		if err := nh.Apply(ctx, nftablesConf); err != nil {
			return err
		}
	}
	if fw.Changed {
		env.SetDependents(conntrackOwner, "")
	}

	if !fw.Deleted {
		for _, opt := range globalOptions {
			value := opt.enable
			if opt.get(fw.Config.GlobalOptions) == "disable" {
				value = opt.disable
			}
			path := "/proc/sys/" + strings.ReplaceAll(opt.key, ".", "/")
			if _, err := env.Sys.Ensure(path, value); err != nil {
				if errors.Is(err, process.ErrNoSuchAttribute) {
					log.Warn().Str("sysctl", opt.key).Msg("sysctl not available")
					continue
				}
				return err
			}
		}
	}

	if len(fw.Resolver.Sets) > 0 {
		if fw.ResolverChanged || !env.Proc.IsServiceRunning(ctx, ResolverUnit) {
			return env.Proc.Systemctl(ctx, "restart", ResolverUnit)
		}
		return nil
	}
	if _, err := os.Stat(resolverConf); err == nil {
		if err := env.Proc.Systemctl(ctx, "stop", ResolverUnit); err != nil {
			return err
		}
		if err := os.Remove(resolverConf); err != nil {
			return fmt.Errorf("failed to remove %s: %w", resolverConf, err)
		}
	}
	return nil
}

func Handler() commit.Handler {
	return commit.Funcs[*Firewall]{Get: getFirewall, Check: verifyFirewall, Gen: generateFirewall, Act: applyFirewall}
}
