package wlb

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vycore/models"
)

const (
	defaultRespTime = 5
	defaultTTLLimit = 1
)

// healthy runs every test of one interface; all of them must pass. With no
// tests the nexthop itself is pinged.
func (b *Balancer) healthy(ctx context.Context, ifname string, conf models.WLBHealth, dhcpNexthop string) bool {
	if len(conf.Test) == 0 {
		target := conf.Nexthop
		if target == "dhcp" {
			target = dhcpNexthop
		}
		if target == "" {
			return false
		}
		return b.ping(ctx, ifname, target, defaultRespTime)
	}
	for _, id := range sortedIDs(conf.Test) {
		t := conf.Test[id]
		var ok bool
		switch t.Type {
		case "ping":
			wait := t.RespTime
			if wait == 0 {
				wait = defaultRespTime
			}
			ok = b.ping(ctx, ifname, t.Target, wait)
		case "ttl":
			limit := t.TTLLimit
			if limit == 0 {
				limit = defaultTTLLimit
			}
			// the probe must expire on the way for the path to count as up
			ok = b.Proc.Run(ctx, fmt.Sprintf("ping -c 1 -t %d -I %s %s", limit, ifname, t.Target)) != 0
		case "user-defined":
			ok = b.Proc.Run(ctx, t.TestScript) == 0
		}
		if !ok {
			return false
		}
	}
	return true
}

func (b *Balancer) ping(ctx context.Context, ifname, target string, wait int) bool {
	return b.Proc.Run(ctx, fmt.Sprintf("ping -c 1 -W %d -I %s %s", wait, ifname, target)) == 0
}

// DHCPNexthop returns the first router handed out by dhclient on ifname.
func DHCPNexthop(leaseDir, ifname string) string {
	f, err := os.Open(filepath.Join(leaseDir, "dhclient_"+ifname+".lease"))
	if err != nil {
		return ""
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok || key != "new_routers" {
			continue
		}
		fields := strings.Fields(strings.Trim(value, `'"`))
		if len(fields) == 0 {
			return ""
		}
		return fields[0]
	}
	return ""
}
