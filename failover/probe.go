package failover

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/mdlayher/arp"

	"vycore/models"
	"vycore/process"
)

// Prober answers single target liveness questions.
type Prober interface {
	Ping(ctx context.Context, target, iface string) bool
	ARP(ctx context.Context, target, iface string) bool
	TCP(ctx context.Context, target string, port int) bool
}

// SystemProber probes from the router itself.
type SystemProber struct {
	Proc *process.Adapter
}

func (p SystemProber) Ping(ctx context.Context, target, iface string) bool {
	line := "ping -q " + target
	if iface != "" {
		line += " -I " + iface
	}
	return p.Proc.Run(ctx, line+" -n -c 2 -W 1") == 0
}

// ARP sends up to two who-has requests from iface.
func (p SystemProber) ARP(ctx context.Context, target, iface string) bool {
	addr, err := netip.ParseAddr(target)
	if err != nil || !addr.Is4() {
		return false
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return false
	}
	c, err := arp.Dial(ifi)
	if err != nil {
		return false
	}
	defer c.Close()
	for range 2 {
		if ctx.Err() != nil {
			return false
		}
		if err := c.SetDeadline(time.Now().Add(time.Second)); err != nil {
			return false
		}
		if _, err := c.Resolve(addr); err == nil {
			return true
		}
	}
	return false
}

func (p SystemProber) TCP(ctx context.Context, target string, port int) bool {
	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(target, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Alive applies the check policy over every target. any-available stops at
// the first answer; all-available needs every target.
func Alive(ctx context.Context, p Prober, check models.FailoverCheck, iface string) bool {
	if check.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(check.Timeout)*time.Second)
		defer cancel()
	}
	reachable := 0
	for _, target := range check.Target {
		var ok bool
		switch check.Type {
		case "icmp":
			ok = p.Ping(ctx, target, iface)
		case "arp":
			ok = p.ARP(ctx, target, iface)
		case "tcp":
			ok = check.Port > 0 && p.TCP(ctx, target, check.Port)
		default:
			return false
		}
		if !ok {
			if check.Policy == "all-available" {
				return false
			}
			continue
		}
		reachable++
		if check.Policy != "all-available" {
			return true
		}
	}
	return len(check.Target) > 0 && reachable == len(check.Target)
}

func describe(check models.FailoverCheck) string {
	if check.Port > 0 {
		return fmt.Sprintf("%s port %d", check.Type, check.Port)
	}
	return check.Type
}
