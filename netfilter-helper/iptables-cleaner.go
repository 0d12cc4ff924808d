package netfilterHelper

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

var legacyTables = []string{"filter", "nat", "mangle", "raw"}

func (nh *NetfilterHelper) cleanIPTables(ipt Tables) (int, error) {
	jumpToChainPrefix := fmt.Sprintf("-j %s", nh.ChainPrefix)
	removed := 0
	for _, table := range legacyTables {
		chainListToDelete := make([]string, 0)

		chains, err := ipt.ListChains(table)
		if err != nil {
			return removed, fmt.Errorf("listing chains of %s error: %w", table, err)
		}

		for _, chain := range chains {
			if strings.HasPrefix(chain, nh.ChainPrefix) {
				chainListToDelete = append(chainListToDelete, chain)
				continue
			}

			rules, err := ipt.List(table, chain)
			if err != nil {
				return removed, fmt.Errorf("listing rules error: %w", err)
			}

			for _, rule := range rules {
				if !strings.Contains(rule, jumpToChainPrefix) {
					continue
				}

				ruleSlice := strings.Fields(rule)
				if len(ruleSlice) < 3 || ruleSlice[0] != "-A" || ruleSlice[1] != chain {
					continue
				}

				err = ipt.Delete(table, chain, ruleSlice[2:]...)
				if err != nil {
					return removed, fmt.Errorf("rule deletion error: %w", err)
				}
			}
		}

		for _, chain := range chainListToDelete {
			err = ipt.ClearAndDeleteChain(table, chain)
			if err != nil {
				return removed, fmt.Errorf("deleting chain error: %w", err)
			}
			removed++
		}
	}

	return removed, nil
}

// CleanIPTables drops every legacy chain carrying ChainPrefix together with
// the jumps into it. The nftables rulesets never use these chains.
func (nh *NetfilterHelper) CleanIPTables() error {
	if nh.ChainPrefix == "" {
		return nil
	}
	for family, ipt := range map[string]Tables{"ipv4": nh.IPTables4, "ipv6": nh.IPTables6} {
		if ipt == nil {
			continue
		}
		removed, err := nh.cleanIPTables(ipt)
		if err != nil {
			return fmt.Errorf("%s: %w", family, err)
		}
		if removed > 0 {
			log.Info().Str("family", family).Int("chains", removed).Msg("removed legacy iptables chains")
		}
	}
	return nil
}
