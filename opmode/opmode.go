// Package opmode implements the operational commands. Errors carry the
// failure kinds so callers can map them to exit codes.
package opmode

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/procfs"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/ifconfig"
	"vycore/internal/failure"
	"vycore/process"
)

// WireGuard reads live wireguard devices; *wgctrl.Client satisfies it.
type WireGuard interface {
	Device(name string) (*wgtypes.Device, error)
}

type Ops struct {
	Proc          *process.Adapter
	Links         ifconfig.LinkReader
	WireGuard     WireGuard
	ProcRoot      string
	LockPath      string
	RunningConfig string
	WLBStatusPath string
	VRRPDictPath  string
	Now           func() int64
}

func New(proc *process.Adapter) *Ops {
	return &Ops{
		Proc:          proc,
		Links:         ifconfig.NetlinkReader{},
		ProcRoot:      constant.ProcDir,
		LockPath:      constant.CommitLockFile,
		RunningConfig: constant.RunningConfig,
		WLBStatusPath: constant.WLBStatusFile,
		VRRPDictPath:  constant.KeepalivedDict,
	}
}

func (o *Ops) running() (*configtree.Node, error) {
	tree, err := configtree.LoadFile(o.RunningConfig)
	if err != nil {
		return nil, failure.Internal(err, "failed to read the running configuration")
	}
	return tree, nil
}

func (o *Ops) procfs() (procfs.FS, error) {
	fs, err := procfs.NewFS(o.ProcRoot)
	if err != nil {
		return fs, failure.DataUnavailable("%v", err)
	}
	return fs, nil
}

type service struct {
	unit string
	path []string
}

var services = map[string]service{
	"dhcp":             {"kea-dhcp4-server", []string{"service", "dhcp-server"}},
	"dhcpv6":           {"kea-dhcp6-server", []string{"service", "dhcpv6-server"}},
	"dns_dynamic":      {"ddclient", []string{"service", "dns", "dynamic"}},
	"dns_forwarding":   {"pdns-recursor", []string{"service", "dns", "forwarding"}},
	"failover":         {"vyos-failover", []string{"protocols", "failover"}},
	"haproxy":          {"haproxy", []string{"load-balancing", "haproxy"}},
	"https":            {"vycored", []string{"service", "https"}},
	"ipsec":            {"strongswan", []string{"vpn", "ipsec"}},
	"mdns_repeater":    {"avahi-daemon", []string{"service", "mdns", "repeater"}},
	"pppoe_server":     {"accel-ppp@pppoe", []string{"service", "pppoe-server"}},
	"ssh":              {"ssh", nil},
	"telegraf":         {"vyos-telegraf", []string{"service", "monitoring", "telegraf"}},
	"vpp":              {"vpp", []string{"vpp"}},
	"vrrp":             {"keepalived", []string{"high-availability", "vrrp"}},
	"wan_load_balance": {"vyos-wan-load-balance", []string{"load-balancing", "wan"}},
	"router_advert":    {"radvd", []string{"service", "router-advert"}},
	"conntrack_sync":   {"conntrackd", []string{"service", "conntrack-sync"}},
	"igmp_proxy":       {"igmpproxy", []string{"protocols", "igmp-proxy"}},
}

// Services lists the names Restart accepts.
func Services() []string {
	return configtree.SortedKeys(services)
}

// Restart restarts a configured service, optionally in a VRF.
func (o *Ops) Restart(ctx context.Context, name, vrf string) error {
	svc, ok := services[name]
	if !ok {
		return failure.IncorrectValue("Unknown service %q", name)
	}
	human := strings.ReplaceAll(name, "_", "-")
	if commit.InProgress(o.LockPath) {
		return failure.CommitInProgress("Cannot restart %s service while a commit is in progress", human)
	}
	path := svc.path
	if path == nil {
		path = []string{"service", name}
	}
	tree, err := o.running()
	if err != nil {
		return err
	}
	if !tree.Exists(path...) {
		return failure.UnconfiguredSubsystem("Service %s is not configured!", human)
	}
	if tree.Exists(append(append([]string{}, path...), "disable")...) {
		return failure.UnconfiguredSubsystem("Service %s is disabled!", human)
	}
	unit := svc.unit
	if vrf != "" {
		unit += "@" + vrf
	}
	if err := o.Proc.Systemctl(ctx, "restart", unit+".service"); err != nil {
		return failure.Internal(err, "failed to restart %s", human)
	}
	return nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetHeaderLine(true)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("-")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}

// ShowInterfaces prints every link with its addresses.
func (o *Ops) ShowInterfaces(w io.Writer) error {
	links, err := o.Links.Links()
	if err != nil {
		return failure.Internal(err, "failed to list interfaces")
	}
	return o.showLinks(w, links)
}

func (o *Ops) showLinks(w io.Writer, links []ifconfig.LinkInfo) error {
	sort.Slice(links, func(i, j int) bool { return links[i].Name < links[j].Name })
	table := newTable(w, "Interface", "IP Address", "MAC", "MTU", "S/L", "Description")
	for _, l := range links {
		state := "u/u"
		if !l.Up {
			state = "A/D"
		}
		addrs := l.Addresses
		if len(addrs) == 0 {
			addrs = []string{"-"}
		}
		table.Append([]string{l.Name, addrs[0], l.MAC, itoa(l.MTU), state, l.Alias})
		for _, a := range addrs[1:] {
			table.Append([]string{"", a, "", "", "", ""})
		}
	}
	table.Render()
	return nil
}

// ShowVersion prints the build identity.
func (o *Ops) ShowVersion(w io.Writer) error {
	table := newTable(w, "Component", "Value")
	table.AppendBulk([][]string{
		{"Version", constant.Version},
		{"Commit", constant.Commit},
	})
	table.Render()
	return nil
}
