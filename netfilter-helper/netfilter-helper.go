// Package netfilterHelper loads nftables rulesets through the process
// adapter and removes chains left behind by the iptables generation.
package netfilterHelper

import (
	"fmt"

	"github.com/coreos/go-iptables/iptables"

	"vycore/process"
)

// Tables is the slice of the iptables API the legacy cleaner needs.
type Tables interface {
	ListChains(table string) ([]string, error)
	List(table, chain string) ([]string, error)
	Delete(table, chain string, rulespec ...string) error
	ClearAndDeleteChain(table, chain string) error
}

type NetfilterHelper struct {
	Proc *process.Adapter
	// ChainPrefix names the legacy iptables chains owned by this system.
	ChainPrefix string
	IPTables4   Tables
	IPTables6   Tables
}

// New prepares a helper. The iptables handles are only opened when a legacy
// chain prefix is given.
func New(proc *process.Adapter, chainPrefix string, disableIPv4, disableIPv6 bool) (*NetfilterHelper, error) {
	nh := &NetfilterHelper{Proc: proc, ChainPrefix: chainPrefix}
	if chainPrefix == "" {
		return nh, nil
	}

	if !disableIPv4 {
		ipt4, err := iptables.New(iptables.IPFamily(iptables.ProtocolIPv4))
		if err != nil {
			return nil, fmt.Errorf("iptables init fail: %w", err)
		}
		nh.IPTables4 = ipt4
	}

	if !disableIPv6 {
		ipt6, err := iptables.New(iptables.IPFamily(iptables.ProtocolIPv6))
		if err != nil {
			return nil, fmt.Errorf("ip6tables init fail: %w", err)
		}
		nh.IPTables6 = ipt6
	}

	return nh, nil
}
