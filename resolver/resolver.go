// Package resolver keeps the nftables sets behind firewall domain groups and
// FQDN rule targets filled with the current addresses of their names.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"vycore/models"
	netfilterHelper "vycore/netfilter-helper"
	"vycore/records"
)

var ErrAlreadyRunning = errors.New("already running")

// minTTL bounds how long an answer is reused between passes.
const minTTL = 5 * time.Second

// Exchanger sends one DNS query; *dns.Client implements it.
type Exchanger interface {
	ExchangeContext(ctx context.Context, m *dns.Msg, address string) (*dns.Msg, time.Duration, error)
}

type Resolver struct {
	Config models.ResolverConfig
	NFT    *netfilterHelper.NetfilterHelper
	DNS    Exchanger
	// Servers are host:port nameserver addresses tried in order.
	Servers []string
	Metrics *Metrics

	records  *records.Records
	lastGood map[string][]netip.Addr
	running  atomic.Bool
}

func New(cfg models.ResolverConfig, nft *netfilterHelper.NetfilterHelper, servers []string) *Resolver {
	return &Resolver{
		Config:   cfg,
		NFT:      nft,
		DNS:      &dns.Client{Timeout: 5 * time.Second},
		Servers:  servers,
		records:  records.New(),
		lastGood: map[string][]netip.Addr{},
	}
}

// SystemServers returns the nameservers of a resolv.conf file.
func SystemServers(resolvConf string) ([]string, error) {
	cc, err := dns.ClientConfigFromFile(resolvConf)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", resolvConf, err)
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers, nil
}

func familyOf(nf string) (int, uint16) {
	if nf == "ip6" {
		return 6, dns.TypeAAAA
	}
	return 4, dns.TypeA
}

// query asks the nameservers for one record type and stores the answer.
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) error {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	var lastErr error
	for _, server := range r.Servers {
		in, _, err := r.DNS.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if in.Rcode == dns.RcodeNameError {
			r.records.Forget(name)
			return nil
		}
		if in.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s from %s", dns.RcodeToString[in.Rcode], server)
			continue
		}
		for _, rr := range in.Answer {
			ttl := max(time.Duration(rr.Header().Ttl)*time.Second, minTTL)
			owner := strings.TrimSuffix(rr.Header().Name, ".")
			switch v := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(v.A.To4()); ok {
					r.records.AddAddressRecord(owner, addr, ttl)
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(v.AAAA); ok {
					r.records.AddAddressRecord(owner, addr, ttl)
				}
			case *dns.CNAME:
				r.records.AddCNameRecord(owner, strings.TrimSuffix(v.Target, "."), ttl)
			}
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no nameservers")
	}
	return lastErr
}

// resolve returns the addresses of one name. Answers still within their TTL
// are reused; with the cache enabled the last good answer survives failed
// lookups.
func (r *Resolver) resolve(ctx context.Context, name string, family int, qtype uint16) []netip.Addr {
	addrs := r.records.Lookup(name, family)
	if len(addrs) == 0 {
		if err := r.query(ctx, name, qtype); err != nil {
			log.Warn().Err(err).Str("domain", name).Msg("lookup failed")
			r.Metrics.lookupFailed()
		}
		addrs = r.records.Lookup(name, family)
	}
	key := fmt.Sprintf("%s/%d", name, family)
	switch {
	case len(addrs) > 0 && r.Config.Cache:
		r.lastGood[key] = addrs
	case len(addrs) == 0:
		addrs = r.lastGood[key]
	}
	return addrs
}

// Script renders the nft commands refreshing every configured set that
// exists in the running ruleset.
func (r *Resolver) Script(ctx context.Context) (string, int, error) {
	sets, err := r.NFT.ListSets(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to list sets: %w", err)
	}
	known := map[string]bool{}
	for _, s := range sets {
		known[s.String()] = true
	}
	var lines []string
	count := 0
	for _, set := range r.Config.Sets {
		id := netfilterHelper.Set{Family: set.Family, Table: set.Table, Name: set.Name}
		if !known[id.String()] {
			log.Debug().Str("set", id.String()).Msg("set not loaded, skipping")
			continue
		}
		family, qtype := familyOf(set.Family)
		var addrs []netip.Addr
		for _, domain := range set.Domains {
			addrs = append(addrs, r.resolve(ctx, domain, family, qtype)...)
		}
		slices.SortFunc(addrs, func(a, b netip.Addr) int { return a.Compare(b) })
		addrs = slices.Compact(addrs)

		target := fmt.Sprintf("%s %s %s", set.Family, set.Table, set.Name)
		lines = append(lines, "flush set "+target)
		if len(addrs) > 0 {
			elems := make([]string, len(addrs))
			for i, a := range addrs {
				elems[i] = a.String()
			}
			lines = append(lines, fmt.Sprintf("add element %s { %s }", target, strings.Join(elems, ",")))
		}
		count++
	}
	if len(lines) == 0 {
		return "", 0, nil
	}
	return strings.Join(lines, "\n") + "\n", count, nil
}

// Update runs one resolution pass.
func (r *Resolver) Update(ctx context.Context) error {
	script, count, err := r.Script(ctx)
	if err != nil {
		return err
	}
	err = r.NFT.ApplyScript(ctx, script)
	r.Metrics.updated(count, err)
	log.Info().Int("sets", count).Err(err).Msg("updated domain sets")
	return err
}

// Start refreshes the sets every configured interval until ctx is done.
func (r *Resolver) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	log.Info().Int("interval", r.Config.Interval).Bool("cache", r.Config.Cache).Msg("domain resolver started")
	ticker := time.NewTicker(time.Duration(r.Config.Interval) * time.Second)
	defer ticker.Stop()
	for {
		if err := r.Update(ctx); err != nil {
			log.Error().Err(err).Msg("domain set update failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
