package firewall

import (
	"fmt"
	"strings"

	"vycore/configtree"
)

// zones returns the zone model in effect. The legacy zone-policy tree is
// mapped onto firewall zones without inter-zone policies.
func (f *Firewall) zones() map[string]Zone {
	if len(f.Config.Zone) > 0 {
		return f.Config.Zone
	}
	out := map[string]Zone{}
	for name, lz := range f.Legacy {
		z := Zone{DefaultAction: lz.DefaultAction, LocalZone: lz.LocalZone}
		z.Member.Interface = lz.Interface
		out[name] = z
	}
	return out
}

func ifnameSet(names []string) string {
	return "{ " + strings.Join(quoteAll(names), ", ") + " }"
}

func (b *builder) fromName(from ZoneFrom) string {
	if b.v6() {
		return from.Firewall.IPv6Name
	}
	return from.Firewall.Name
}

// zoneChains renders zone based filtering. Traffic between two zones walks
// the named chain bound in "to-zone from from-zone firewall name"; traffic
// without a binding hits the default action of the destination zone.
func (b *builder) zoneChains() []nftChain {
	zones := b.zones
	if len(zones) == 0 {
		return nil
	}
	local := ""
	for _, name := range configtree.SortedKeys(zones) {
		if zones[name].LocalZone {
			local = name
		}
	}

	var chains []nftChain
	dispatch := nftChain{Name: "VYOS_ZONE_FORWARD", Hook: "forward", Priority: "filter + 1"}
	for _, name := range configtree.SortedKeys(zones) {
		z := zones[name]
		if z.LocalZone || len(z.Member.Interface) == 0 {
			continue
		}
		dispatch.Rules = append(dispatch.Rules,
			fmt.Sprintf("oifname %s counter jump VZONE_%s", ifnameSet(z.Member.Interface), name))

		c := nftChain{Name: "VZONE_" + name}
		c.Rules = append(c.Rules, fmt.Sprintf("iifname %s counter return", ifnameSet(z.Member.Interface)))
		for _, fromName := range configtree.SortedKeys(z.From) {
			src, ok := zones[fromName]
			if !ok || src.LocalZone {
				continue
			}
			c.Rules = append(c.Rules, b.zoneJump("iifname", src.Member.Interface, b.fromName(z.From[fromName]))...)
		}
		c.Rules = append(c.Rules, fmt.Sprintf("counter %s", z.DefaultAction))
		chains = append(chains, c)
	}
	chains = append([]nftChain{dispatch}, chains...)

	if local == "" {
		return chains
	}
	lz := zones[local]
	in := nftChain{Name: "VZONE_" + local + "_IN"}
	for _, fromName := range configtree.SortedKeys(lz.From) {
		src, ok := zones[fromName]
		if !ok {
			continue
		}
		in.Rules = append(in.Rules, b.zoneJump("iifname", src.Member.Interface, b.fromName(lz.From[fromName]))...)
	}
	in.Rules = append(in.Rules, "iifname lo counter return", fmt.Sprintf("counter %s", lz.DefaultAction))

	out := nftChain{Name: "VZONE_" + local + "_OUT"}
	for _, name := range configtree.SortedKeys(zones) {
		z := zones[name]
		from, ok := z.From[local]
		if name == local || !ok {
			continue
		}
		out.Rules = append(out.Rules, b.zoneJump("oifname", z.Member.Interface, b.fromName(from))...)
	}
	out.Rules = append(out.Rules, "oifname lo counter return", fmt.Sprintf("counter %s", lz.DefaultAction))

	chains = append(chains,
		nftChain{Name: "VYOS_ZONE_LOCAL", Hook: "input", Priority: "filter + 1", Rules: []string{"counter jump " + in.Name}},
		nftChain{Name: "VYOS_ZONE_OUTPUT", Hook: "output", Priority: "filter + 1", Rules: []string{"counter jump " + out.Name}},
		in, out,
	)
	return chains
}

func (b *builder) zoneJump(keyword string, members []string, name string) []string {
	if len(members) == 0 || name == "" {
		return nil
	}
	match := keyword + " " + ifnameSet(members)
	return []string{
		fmt.Sprintf("%s counter jump %s", match, b.namedChain(name)),
		fmt.Sprintf("%s counter return", match),
	}
}
