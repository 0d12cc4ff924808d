// Package firewall renders the "firewall" and legacy "zone-policy" trees
// into one nftables ruleset and feeds the domain resolver.
package firewall

import (
	"sort"
	"strconv"
	"strings"
)

type GroupRef struct {
	AddressGroup        string `mapstructure:"address_group"`
	NetworkGroup        string `mapstructure:"network_group"`
	PortGroup           string `mapstructure:"port_group"`
	DomainGroup         string `mapstructure:"domain_group"`
	MACGroup            string `mapstructure:"mac_group"`
	DynamicAddressGroup string `mapstructure:"dynamic_address_group"`
}

type Side struct {
	Address    string    `mapstructure:"address"`
	Port       string    `mapstructure:"port"`
	FQDN       string    `mapstructure:"fqdn"`
	MACAddress string    `mapstructure:"mac_address"`
	Group      *GroupRef `mapstructure:"group"`
}

type IfaceMatch struct {
	Name  string `mapstructure:"name"`
	Group string `mapstructure:"group"`
}

type ICMP struct {
	TypeName string `mapstructure:"type_name"`
	Type     string `mapstructure:"type"`
	Code     string `mapstructure:"code"`
}

type DynamicTarget struct {
	AddressGroup string `mapstructure:"address_group"`
	Timeout      string `mapstructure:"timeout"`
}

type Rule struct {
	Action            string      `mapstructure:"action"`
	Description       string      `mapstructure:"description"`
	Disable           bool        `mapstructure:"disable"`
	Log               bool        `mapstructure:"log"`
	Protocol          string      `mapstructure:"protocol"`
	JumpTarget        string      `mapstructure:"jump_target"`
	State             []string    `mapstructure:"state"`
	Source            *Side       `mapstructure:"source"`
	Destination       *Side       `mapstructure:"destination"`
	InboundInterface  *IfaceMatch `mapstructure:"inbound_interface"`
	OutboundInterface *IfaceMatch `mapstructure:"outbound_interface"`
	ICMP              *ICMP       `mapstructure:"icmp"`
	ICMPv6            *ICMP       `mapstructure:"icmpv6"`
	AddAddressToGroup *struct {
		SourceAddress      *DynamicTarget `mapstructure:"source_address"`
		DestinationAddress *DynamicTarget `mapstructure:"destination_address"`
	} `mapstructure:"add_address_to_group"`
}

// Chain is a base chain filter or a named chain.
type Chain struct {
	DefaultAction string          `mapstructure:"default_action"`
	DefaultLog    bool            `mapstructure:"default_log"`
	Description   string          `mapstructure:"description"`
	Rule          map[string]Rule `mapstructure:"rule"`
}

// ruleIDs returns the rule numbers in numeric order.
func (c Chain) ruleIDs() []string {
	ids := make([]string, 0, len(c.Rule))
	for id := range c.Rule {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	return ids
}

type Hook struct {
	Filter *Chain `mapstructure:"filter"`
}

type Family struct {
	Forward *Hook            `mapstructure:"forward"`
	Input   *Hook            `mapstructure:"input"`
	Output  *Hook            `mapstructure:"output"`
	Name    map[string]Chain `mapstructure:"name"`
}

// hooks returns the configured base chains keyed by hook.
func (f Family) hooks() map[string]*Chain {
	out := map[string]*Chain{}
	for hook, h := range map[string]*Hook{"forward": f.Forward, "input": f.Input, "output": f.Output} {
		if h != nil && h.Filter != nil {
			out[hook] = h.Filter
		}
	}
	return out
}

type AddressGroup struct {
	Address     []string `mapstructure:"address"`
	Include     []string `mapstructure:"include"`
	Description string   `mapstructure:"description"`
}

type NetworkGroup struct {
	Network     []string `mapstructure:"network"`
	Include     []string `mapstructure:"include"`
	Description string   `mapstructure:"description"`
}

type PortGroup struct {
	Port        []string `mapstructure:"port"`
	Include     []string `mapstructure:"include"`
	Description string   `mapstructure:"description"`
}

type Groups struct {
	AddressGroup     map[string]AddressGroup `mapstructure:"address_group"`
	IPv6AddressGroup map[string]AddressGroup `mapstructure:"ipv6_address_group"`
	NetworkGroup     map[string]NetworkGroup `mapstructure:"network_group"`
	PortGroup        map[string]PortGroup    `mapstructure:"port_group"`
	InterfaceGroup   map[string]struct {
		Interface []string `mapstructure:"interface"`
	} `mapstructure:"interface_group"`
	MACGroup map[string]struct {
		MACAddress []string `mapstructure:"mac_address"`
	} `mapstructure:"mac_group"`
	DomainGroup map[string]struct {
		Address []string `mapstructure:"address"`
	} `mapstructure:"domain_group"`
	DynamicGroup struct {
		AddressGroup map[string]struct {
			Description string `mapstructure:"description"`
		} `mapstructure:"address_group"`
	} `mapstructure:"dynamic_group"`
}

type ZoneFrom struct {
	Firewall struct {
		Name     string `mapstructure:"name"`
		IPv6Name string `mapstructure:"ipv6_name"`
	} `mapstructure:"firewall"`
}

type Zone struct {
	DefaultAction string `mapstructure:"default_action"`
	Description   string `mapstructure:"description"`
	LocalZone     bool   `mapstructure:"local_zone"`
	Member        struct {
		Interface []string `mapstructure:"interface"`
	} `mapstructure:"member"`
	From map[string]ZoneFrom `mapstructure:"from"`
}

// LegacyZone is a "zone-policy zone" entry.
type LegacyZone struct {
	Interface     []string `mapstructure:"interface"`
	DefaultAction string   `mapstructure:"default_action"`
	LocalZone     bool     `mapstructure:"local_zone"`
}

type GlobalOptions struct {
	AllPing       string `mapstructure:"all_ping"`
	BroadcastPing string `mapstructure:"broadcast_ping"`
	SynCookies    string `mapstructure:"syn_cookies"`
}

type Config struct {
	ResolverInterval int             `mapstructure:"resolver_interval"`
	ResolverCache    bool            `mapstructure:"resolver_cache"`
	GlobalOptions    GlobalOptions   `mapstructure:"global_options"`
	Group            Groups          `mapstructure:"group"`
	IPv4             Family          `mapstructure:"ipv4"`
	IPv6             Family          `mapstructure:"ipv6"`
	Zone             map[string]Zone `mapstructure:"zone"`
}

// family returns the firewall family for an nftables table family.
func (c *Config) family(nf string) Family {
	if nf == "ip6" {
		return c.IPv6
	}
	return c.IPv4
}

func negated(v string) (string, bool) {
	return strings.CutPrefix(v, "!")
}
