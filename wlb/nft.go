package wlb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"vycore/configtree"
	"vycore/models"
)

const Table = "vyos_wanloadbalance"

func sortedIDs[V any](m map[string]V) []string {
	ids := configtree.SortedKeys(m)
	sort.SliceStable(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA != nil || errB != nil {
			return false
		}
		return a < b
	})
	return ids
}

type weighted struct {
	ifname string
	weight int
}

// weights returns the healthy interfaces of a rule with their numgen
// ranges. A failover rule only ever uses the heaviest healthy interface.
func weights(rule models.WLBRule, up func(string) bool) ([]weighted, []string, int) {
	var ifs []weighted
	for _, name := range configtree.SortedKeys(rule.Interface) {
		if !up(name) {
			continue
		}
		w := rule.Interface[name].Weight
		if w < 1 {
			w = 1
		}
		ifs = append(ifs, weighted{name, w})
	}
	if len(ifs) == 0 {
		return nil, nil, 0
	}
	if rule.Failover {
		sort.SliceStable(ifs, func(i, j int) bool { return ifs[i].weight > ifs[j].weight })
		return ifs[:1], nil, ifs[0].weight
	}
	sort.SliceStable(ifs, func(i, j int) bool { return ifs[i].weight < ifs[j].weight })
	total, start := 0, 0
	ranges := make([]string, len(ifs))
	for i, w := range ifs {
		end := start + w.weight - 1
		if end > start {
			ranges[i] = fmt.Sprintf("%d-%d", start, end)
		} else {
			ranges[i] = strconv.Itoa(start)
		}
		start = end + 1
		total += w.weight
	}
	return ifs, ranges, total
}

type ruleOpts struct {
	local       bool
	limit       bool
	restoreMark bool
	balance     bool
	action      string
}

// ruleMatch renders one rule statement. An empty result means the rule
// has nowhere to send traffic.
func ruleMatch(rule models.WLBRule, o ruleOpts, up func(string) bool) string {
	var out []string
	if rule.InboundInterface != "" {
		switch {
		case o.local && !rule.Exclude:
			out = append(out, fmt.Sprintf("oifname != %q", rule.InboundInterface))
		case !o.local:
			out = append(out, fmt.Sprintf("iifname %q", rule.InboundInterface))
		}
	}
	switch rule.Protocol {
	case "", "all":
	case "tcp_udp":
		out = append(out, "meta l4proto { tcp, udp }")
	default:
		out = append(out, "meta l4proto "+rule.Protocol)
	}
	for _, side := range []struct {
		prefix string
		m      models.WLBMatch
	}{{"s", rule.Source}, {"d", rule.Destination}} {
		if side.m.Address != "" {
			out = append(out, match("ip "+side.prefix+"addr", side.m.Address))
		}
		if side.m.Port != "" {
			out = append(out, match("th "+side.prefix+"port", side.m.Port))
		}
	}
	if !rule.PerPacketBalancing && !o.restoreMark {
		out = append(out, "ct state new")
	}
	if o.limit && rule.Limit != nil && rule.Limit.Rate > 0 {
		period := rule.Limit.Period
		if period == "" {
			period = "second"
		}
		over := ""
		if rule.Limit.Threshold == "above" {
			over = "over "
		}
		out = append(out, fmt.Sprintf("limit rate %s%d/%s", over, rule.Limit.Rate, period))
		if rule.Limit.Burst > 0 {
			out = append(out, fmt.Sprintf("burst %d packets", rule.Limit.Burst))
		}
	}
	out = append(out, "counter")
	switch {
	case o.restoreMark:
		out = append(out, "meta mark set ct mark")
	case o.balance:
		ifs, ranges, total := weights(rule, up)
		switch {
		case len(ifs) == 0:
			return ""
		case len(ifs) == 1:
			out = append(out, "jump wlb_mangle_isp_"+ifs[0].ifname)
		default:
			vmap := make([]string, len(ifs))
			for i, w := range ifs {
				vmap[i] = fmt.Sprintf("%s : jump wlb_mangle_isp_%s", ranges[i], w.ifname)
			}
			out = append(out, fmt.Sprintf("numgen random mod %d vmap { %s }", total, strings.Join(vmap, ", ")))
		}
	case o.action != "":
		out = append(out, o.action)
	}
	return strings.Join(out, " ")
}

func match(key, value string) string {
	if v, ok := strings.CutPrefix(value, "!"); ok {
		return key + " != " + v
	}
	return key + " " + value
}

// Script renders the whole WLB table. It recreates the table in one nft
// transaction so readers see either the old or the new ruleset.
func (b *Balancer) Script() string {
	cfg := b.config
	up := func(name string) bool {
		st, ok := b.state[name]
		return ok && st.up
	}
	var s strings.Builder
	w := func(indent int, format string, args ...any) {
		s.WriteString(strings.Repeat("    ", indent))
		fmt.Fprintf(&s, format, args...)
		s.WriteByte('\n')
	}
	w(0, "#!/usr/sbin/nft -f")
	w(0, "")
	w(0, "table ip %s", Table)
	w(0, "delete table ip %s", Table)
	w(0, "table ip %s {", Table)

	w(1, "chain wlb_nat_postrouting {")
	w(2, "type nat hook postrouting priority srcnat - 1; policy accept;")
	for _, name := range b.order {
		if st := b.state[name]; st.addr != "" {
			w(2, "ct mark %s counter snat to %s", st.mark(), st.addr)
		}
	}
	w(1, "}")
	w(0, "")

	w(1, "chain wlb_mangle_prerouting {")
	w(2, "type filter hook prerouting priority mangle; policy accept;")
	if cfg.StickyInbound {
		for _, name := range b.order {
			w(2, "iifname %q ct state new ct mark set %s", name, b.state[name].mark())
		}
	}
	for _, id := range sortedIDs(cfg.Rule) {
		rule := cfg.Rule[id]
		if rule.Exclude {
			w(2, "%s", ruleMatch(rule, ruleOpts{action: "accept"}, up))
			continue
		}
		if line := ruleMatch(rule, ruleOpts{limit: true, balance: true}, up); line != "" {
			w(2, "%s", line)
		}
		w(2, "%s", ruleMatch(rule, ruleOpts{restoreMark: true}, up))
	}
	w(1, "}")
	w(0, "")

	w(1, "chain wlb_mangle_output {")
	w(2, "type filter hook output priority -150; policy accept;")
	if cfg.EnableLocalTraffic {
		w(2, "meta mark != 0x0 counter accept")
		w(2, "meta l4proto icmp counter accept")
		w(2, "ip daddr 127.0.0.0/8 counter accept")
		for _, id := range sortedIDs(cfg.Rule) {
			rule := cfg.Rule[id]
			if rule.Exclude {
				w(2, "%s", ruleMatch(rule, ruleOpts{local: true, action: "accept"}, up))
				continue
			}
			if line := ruleMatch(rule, ruleOpts{local: true, limit: true, balance: true}, up); line != "" {
				w(2, "%s", line)
			}
			w(2, "%s", ruleMatch(rule, ruleOpts{local: true, restoreMark: true}, up))
		}
	}
	w(1, "}")

	for _, name := range b.order {
		mark := b.state[name].mark()
		w(0, "")
		w(1, "chain wlb_mangle_isp_%s {", name)
		w(2, "meta mark set %s ct mark set %s counter accept", mark, mark)
		w(1, "}")
	}
	w(0, "}")
	return s.String()
}
