// Package records is a TTL bound cache of resolved addresses. CNAME chains
// are followed on lookup so an alias resolves to the addresses of its
// target.
package records

import (
	"net/netip"
	"slices"
	"sync"
	"time"
)

type AddressRecord struct {
	Address  netip.Addr
	Deadline time.Time
}

type CNameRecord struct {
	Alias    string
	Deadline time.Time
}

type Records struct {
	mu sync.Mutex
	// values are []*AddressRecord or *CNameRecord
	records map[string]any
	now     func() time.Time
}

func New() *Records {
	return NewWithClock(time.Now)
}

// NewWithClock is New with a custom time source.
func NewWithClock(now func() time.Time) *Records {
	return &Records{records: map[string]any{}, now: now}
}

func (r *Records) AddCNameRecord(domainName, alias string, ttl time.Duration) {
	if domainName == alias {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[domainName] = &CNameRecord{Alias: alias, Deadline: r.now().Add(ttl)}
}

// AddAddressRecord stores an A or AAAA answer, refreshing the deadline of
// an address already known for the name.
func (r *Records) AddAddressRecord(domainName string, addr netip.Addr, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline := r.now().Add(ttl)
	addrs, _ := r.records[domainName].([]*AddressRecord)
	for _, a := range addrs {
		if a.Address == addr {
			a.Deadline = deadline
			return
		}
	}
	r.records[domainName] = append(addrs, &AddressRecord{Address: addr, Deadline: deadline})
}

// GetAddresses returns the live addresses of a name after following
// CNAMEs. A CNAME loop yields nothing.
func (r *Records) GetAddresses(domainName string) []*AddressRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanup()
	seen := map[string]bool{domainName: true}
	for {
		switch v := r.records[domainName].(type) {
		case *CNameRecord:
			if seen[v.Alias] {
				return nil
			}
			domainName = v.Alias
			seen[v.Alias] = true
		case []*AddressRecord:
			return v
		default:
			return nil
		}
	}
}

// Lookup returns the addresses of one family (4 or 6) in order.
func (r *Records) Lookup(domainName string, family int) []netip.Addr {
	var out []netip.Addr
	for _, a := range r.GetAddresses(domainName) {
		if (family == 4 && a.Address.Is4()) || (family == 6 && a.Address.Is6()) {
			out = append(out, a.Address)
		}
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}

// GetAliases returns every name whose CNAME chain leads to domainName,
// domainName included.
func (r *Records) GetAliases(domainName string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanup()
	domains := map[string]bool{domainName: true}
	for added := true; added; {
		added = false
		for name, rec := range r.records {
			cname, ok := rec.(*CNameRecord)
			if !ok || domains[name] || !domains[cname.Alias] {
				continue
			}
			domains[name] = true
			added = true
		}
	}
	out := make([]string, 0, len(domains))
	for name := range domains {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (r *Records) ListKnownDomains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleanup()
	out := make([]string, 0, len(r.records))
	for name := range r.records {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Forget drops a name, used when a lookup returns an authoritative
// negative answer.
func (r *Records) Forget(domainName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, domainName)
}

func (r *Records) cleanup() {
	now := r.now()
	for name, rec := range r.records {
		switch v := rec.(type) {
		case []*AddressRecord:
			live := v[:0]
			for _, a := range v {
				if now.Before(a.Deadline) {
					live = append(live, a)
				}
			}
			if len(live) == 0 {
				delete(r.records, name)
				continue
			}
			r.records[name] = live
		case *CNameRecord:
			if !now.Before(v.Deadline) {
				delete(r.records, name)
			}
		}
	}
}
