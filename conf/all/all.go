// Package all registers every configuration handler of the system.
package all

import (
	"vycore/commit"
	"vycore/conf/configsync"
	"vycore/conf/conntrack"
	"vycore/conf/dnsdynamic"
	"vycore/conf/failover"
	"vycore/conf/firewall"
	"vycore/conf/highavailability"
	"vycore/conf/https"
	"vycore/conf/interfaces"
	"vycore/conf/loadbalancing"
	"vycore/conf/nat64"
	"vycore/conf/pki"
	"vycore/conf/pppoeserver"
	"vycore/conf/telegraf"
	"vycore/conf/vpp"
)

// Handlers returns the handler of every schema owner.
func Handlers() map[string]commit.Handler {
	h := interfaces.Handlers()
	for owner, handler := range map[string]commit.Handler{
		configsync.Owner:       configsync.Handler(),
		conntrack.Owner:        conntrack.Handler(),
		dnsdynamic.Owner:       dnsdynamic.Handler(),
		failover.Owner:         failover.Handler(),
		firewall.Owner:         firewall.Handler(),
		highavailability.Owner: highavailability.Handler(),
		https.Owner:            https.Handler(),
		loadbalancing.Owner:    loadbalancing.Handler(),
		nat64.Owner:            nat64.Handler(),
		pki.Owner:              pki.Handler(),
		pppoeserver.Owner:      pppoeserver.Handler(),
		telegraf.Owner:         telegraf.Handler(),
		vpp.Owner:              vpp.Handler(),
	} {
		h[owner] = handler
	}
	return h
}
