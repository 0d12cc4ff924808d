package firewall

import (
	"fmt"
	"sort"
	"strings"

	"vycore/configtree"
	"vycore/models"
)

const tableName = "vyos_filter"

type nftSet struct {
	Name     string
	Type     string
	Flags    []string
	Elements []string
}

type nftChain struct {
	Name     string
	Hook     string
	Priority string
	Rules    []string
}

type nftTable struct {
	Family string
	Name   string
	Sets   []nftSet
	Chains []nftChain
}

type ruleset struct {
	Deleted bool
	Tables  []nftTable
}

var hookAbbrev = map[string]string{
	"forward": "FWD",
	"input":   "INP",
	"output":  "OUT",
	"name":    "NAM",
}

// builder turns one address family of the intent into an nftables table.
type builder struct {
	cfg    *Config
	family string
	ifaces map[string][]string
	zones  map[string]Zone
	fqdn   []models.ResolverSet
}

func (b *builder) v6() bool {
	return b.family == "ip6"
}

// suffix distinguishes the IPv6 flavour of address-like sets.
func (b *builder) suffix() string {
	if b.v6() {
		return "6"
	}
	return ""
}

func (b *builder) fwFamily() string {
	if b.v6() {
		return "ipv6"
	}
	return "ipv4"
}

func (b *builder) addrType() string {
	if b.v6() {
		return "ipv6_addr"
	}
	return "ipv4_addr"
}

func (b *builder) namedChain(name string) string {
	return "NAME" + b.suffix() + "_" + name
}

func quoteAll(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = `"` + s + `"`
	}
	return out
}

func set(op, expr string) string {
	if op == "" {
		return expr
	}
	return op + " " + expr
}

func (b *builder) side(r Rule, s *Side, prefix, hookName, fwName, id string) []string {
	var out []string
	ipName := b.family
	if s.Address != "" {
		addr, neg := negated(s.Address)
		out = append(out, fmt.Sprintf("%s %saddr %s", ipName, prefix, set(op(neg), addr)))
	}
	if s.FQDN != "" {
		domain, neg := negated(s.FQDN)
		name := fmt.Sprintf("FQDN_%s_%s_%s_%s", hookName, fwName, id, prefix)
		b.fqdn = append(b.fqdn, models.ResolverSet{Family: b.family, Table: tableName, Name: name, Domains: []string{domain}})
		out = append(out, fmt.Sprintf("%s %saddr %s", ipName, prefix, set(op(neg), "@"+name)))
	}
	if s.MACAddress != "" {
		mac, neg := negated(s.MACAddress)
		out = append(out, fmt.Sprintf("ether %saddr %s", prefix, set(op(neg), mac)))
	}
	proto := r.Protocol
	if proto == "tcp_udp" {
		proto = "th"
	}
	if s.Port != "" {
		var ports, neg []string
		for _, p := range strings.Split(s.Port, ",") {
			if v, ok := negated(p); ok {
				neg = append(neg, v)
			} else {
				ports = append(ports, p)
			}
		}
		if len(ports) > 0 {
			out = append(out, fmt.Sprintf("%s %sport { %s }", proto, prefix, strings.Join(ports, ", ")))
		}
		if len(neg) > 0 {
			out = append(out, fmt.Sprintf("%s %sport != { %s }", proto, prefix, strings.Join(neg, ", ")))
		}
	}
	if g := s.Group; g != nil {
		ref := func(name, setPrefix string) string {
			n, neg := negated(name)
			return set(op(neg), "@"+setPrefix+"_"+n)
		}
		if g.AddressGroup != "" {
			out = append(out, fmt.Sprintf("%s %saddr %s", ipName, prefix, ref(g.AddressGroup, "A"+b.suffix())))
		}
		if g.NetworkGroup != "" {
			out = append(out, fmt.Sprintf("%s %saddr %s", ipName, prefix, ref(g.NetworkGroup, "N"+b.suffix())))
		}
		if g.DynamicAddressGroup != "" {
			out = append(out, fmt.Sprintf("%s %saddr %s", ipName, prefix, ref(g.DynamicAddressGroup, "DA"+b.suffix())))
		}
		if g.DomainGroup != "" {
			out = append(out, fmt.Sprintf("%s %saddr %s", ipName, prefix, ref(g.DomainGroup, "D")))
		}
		if g.MACGroup != "" {
			out = append(out, fmt.Sprintf("ether %saddr %s", prefix, ref(g.MACGroup, "M")))
		}
		if g.PortGroup != "" {
			out = append(out, fmt.Sprintf("%s %sport %s", proto, prefix, ref(g.PortGroup, "P")))
		}
	}
	return out
}

func op(neg bool) string {
	if neg {
		return "!="
	}
	return ""
}

func ifaceMatch(keyword string, m *IfaceMatch) string {
	if m.Name != "" {
		name, neg := negated(m.Name)
		return fmt.Sprintf("%s %s", keyword, set(op(neg), `"`+name+`"`))
	}
	name, neg := negated(m.Group)
	return fmt.Sprintf("%s %s", keyword, set(op(neg), "@I_"+name))
}

// rule renders one firewall rule as an nftables statement.
func (b *builder) rule(r Rule, hook, fwName, id string) string {
	var out []string
	hookName := hook
	if hook == "name" {
		hookName = "name" + b.suffix()
	}

	if len(r.State) > 0 {
		out = append(out, fmt.Sprintf("ct state { %s }", strings.Join(r.State, ", ")))
	}
	if r.Protocol != "" && r.Protocol != "all" {
		proto, neg := negated(r.Protocol)
		if proto == "tcp_udp" {
			proto = "{ tcp, udp }"
		}
		out = append(out, "meta l4proto "+set(op(neg), proto))
	}
	if r.Source != nil {
		out = append(out, b.side(r, r.Source, "s", hookName, fwName, id)...)
	}
	if r.Destination != nil {
		out = append(out, b.side(r, r.Destination, "d", hookName, fwName, id)...)
	}
	if r.InboundInterface != nil {
		out = append(out, ifaceMatch("iifname", r.InboundInterface))
	}
	if r.OutboundInterface != nil {
		out = append(out, ifaceMatch("oifname", r.OutboundInterface))
	}
	for _, m := range []struct {
		kw   string
		icmp *ICMP
	}{{"icmp", r.ICMP}, {"icmpv6", r.ICMPv6}} {
		kw, icmp := m.kw, m.icmp
		if icmp == nil {
			continue
		}
		if icmp.TypeName != "" {
			out = append(out, kw+" type "+icmp.TypeName)
			continue
		}
		if icmp.Code != "" {
			out = append(out, kw+" code "+icmp.Code)
		}
		if icmp.Type != "" {
			out = append(out, kw+" type "+icmp.Type)
		}
	}
	tag := fmt.Sprintf("%s-%s-%s-%s", b.fwFamily(), hookAbbrev[hook], fwName, id)
	if r.Log {
		out = append(out, fmt.Sprintf(`log prefix "[%s-%s]"`, tag, strings.ToUpper(r.Action[:1])))
	}
	out = append(out, "counter")
	if a := r.AddAddressToGroup; a != nil {
		for _, m := range []struct {
			prefix string
			t      *DynamicTarget
		}{{"d", a.DestinationAddress}, {"s", a.SourceAddress}} {
			prefix, t := m.prefix, m.t
			if t == nil {
				continue
			}
			stmt := fmt.Sprintf("set update %s %saddr", b.family, prefix)
			if t.Timeout != "" {
				stmt += " timeout " + t.Timeout
			}
			out = append(out, stmt+" @DA"+b.suffix()+"_"+t.AddressGroup)
		}
	}
	if r.Action == "jump" {
		out = append(out, "jump "+b.namedChain(r.JumpTarget))
	} else {
		out = append(out, r.Action)
	}
	out = append(out, fmt.Sprintf(`comment "%s"`, tag))
	return strings.Join(out, " ")
}

func (b *builder) defaultRule(c *Chain, hook, fwName string) string {
	tag := fmt.Sprintf("%s-%s-%s-default", b.fwFamily(), hookAbbrev[hook], fwName)
	stmt := ""
	if c.DefaultLog {
		stmt = fmt.Sprintf(`log prefix "[%s-%s]" `, tag, strings.ToUpper(c.DefaultAction[:1]))
	}
	return fmt.Sprintf(`%scounter %s comment "%s"`, stmt, c.DefaultAction, tag)
}

func (b *builder) chainRules(c *Chain, hook, fwName string) []string {
	var rules []string
	for _, id := range c.ruleIDs() {
		r := c.Rule[id]
		if r.Disable {
			continue
		}
		rules = append(rules, b.rule(r, hook, fwName, id))
	}
	return append(rules, b.defaultRule(c, hook, fwName))
}

func (b *builder) sets() []nftSet {
	g := b.cfg.Group
	var sets []nftSet
	interval := []string{"interval"}
	if b.v6() {
		for _, name := range configtree.SortedKeys(g.IPv6AddressGroup) {
			sets = append(sets, nftSet{Name: "A6_" + name, Type: "ipv6_addr", Flags: interval,
				Elements: expandAddress(g.IPv6AddressGroup, name)})
		}
	} else {
		for _, name := range configtree.SortedKeys(g.AddressGroup) {
			sets = append(sets, nftSet{Name: "A_" + name, Type: "ipv4_addr", Flags: interval,
				Elements: expandAddress(g.AddressGroup, name)})
		}
	}
	for _, name := range configtree.SortedKeys(g.NetworkGroup) {
		elements := expandNetwork(g.NetworkGroup, name)
		var own []string
		for _, n := range elements {
			if strings.Contains(n, ":") == b.v6() {
				own = append(own, n)
			}
		}
		sets = append(sets, nftSet{Name: "N" + b.suffix() + "_" + name, Type: b.addrType(), Flags: interval, Elements: own})
	}
	for _, name := range configtree.SortedKeys(g.PortGroup) {
		sets = append(sets, nftSet{Name: "P_" + name, Type: "inet_service", Flags: interval,
			Elements: expandPort(g.PortGroup, name)})
	}
	for _, name := range configtree.SortedKeys(g.InterfaceGroup) {
		sets = append(sets, nftSet{Name: "I_" + name, Type: "ifname", Elements: quoteAll(b.ifaces[name])})
	}
	for _, name := range configtree.SortedKeys(g.MACGroup) {
		sets = append(sets, nftSet{Name: "M_" + name, Type: "ether_addr", Elements: g.MACGroup[name].MACAddress})
	}
	for _, name := range configtree.SortedKeys(g.DomainGroup) {
		sets = append(sets, nftSet{Name: "D_" + name, Type: b.addrType(), Flags: interval})
	}
	for _, name := range configtree.SortedKeys(g.DynamicGroup.AddressGroup) {
		sets = append(sets, nftSet{Name: "DA" + b.suffix() + "_" + name, Type: b.addrType(), Flags: []string{"dynamic", "timeout"}})
	}
	return sets
}

var hookOrder = []string{"forward", "input", "output"}

// table renders the whole family. FQDN sets discovered while rendering
// rules are collected in b.fqdn.
func (b *builder) table() nftTable {
	t := nftTable{Family: b.family, Name: tableName, Sets: b.sets()}
	fam := b.cfg.family(b.family)
	hooks := fam.hooks()
	for _, hook := range hookOrder {
		c, ok := hooks[hook]
		if !ok {
			continue
		}
		t.Chains = append(t.Chains, nftChain{
			Name:     "VYOS_" + strings.ToUpper(hook) + "_filter",
			Hook:     hook,
			Priority: "filter",
			Rules:    b.chainRules(c, hook, "filter"),
		})
	}
	for _, name := range configtree.SortedKeys(fam.Name) {
		c := fam.Name[name]
		t.Chains = append(t.Chains, nftChain{Name: b.namedChain(name), Rules: b.chainRules(&c, "name", name)})
	}
	t.Chains = append(t.Chains, b.zoneChains()...)
	for _, f := range b.fqdn {
		t.Sets = append(t.Sets, nftSet{Name: f.Name, Type: b.addrType(), Flags: []string{"interval"}})
	}
	return t
}

// resolverSets lists the named sets the domain resolver keeps filled.
func (b *builder) resolverSets() []models.ResolverSet {
	var out []models.ResolverSet
	for _, name := range configtree.SortedKeys(b.cfg.Group.DomainGroup) {
		out = append(out, models.ResolverSet{
			Family:  b.family,
			Table:   tableName,
			Name:    "D_" + name,
			Domains: b.cfg.Group.DomainGroup[name].Address,
		})
	}
	return append(out, b.fqdn...)
}

func expandAddress(groups map[string]AddressGroup, name string) []string {
	var out []string
	walkIncludes(name, func(n string) []string { return groups[n].Include }, func(n string) {
		out = append(out, groups[n].Address...)
	})
	return dedupe(out)
}

func expandNetwork(groups map[string]NetworkGroup, name string) []string {
	var out []string
	walkIncludes(name, func(n string) []string { return groups[n].Include }, func(n string) {
		out = append(out, groups[n].Network...)
	})
	return dedupe(out)
}

func expandPort(groups map[string]PortGroup, name string) []string {
	var out []string
	walkIncludes(name, func(n string) []string { return groups[n].Include }, func(n string) {
		out = append(out, groups[n].Port...)
	})
	return dedupe(out)
}

// walkIncludes visits name and everything it includes once.
func walkIncludes(name string, includes func(string) []string, visit func(string)) {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		visit(n)
		for _, inc := range includes(n) {
			walk(inc)
		}
	}
	walk(name)
}

func dedupe(items []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
