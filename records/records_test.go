package records

import (
	"net/netip"
	"slices"
	"testing"
	"time"
)

var (
	addr1 = netip.MustParseAddr("1.2.3.4")
	addr2 = netip.MustParseAddr("2001:db8::1")
)

func TestLoop(t *testing.T) {
	r := New()
	r.AddCNameRecord("1", "2", time.Minute)
	r.AddCNameRecord("2", "1", time.Minute)
	if r.GetAddresses("1") != nil {
		t.Fatal("loop detected")
	}
	if r.GetAddresses("2") != nil {
		t.Fatal("loop detected")
	}
}

func TestCName(t *testing.T) {
	r := New()
	r.AddAddressRecord("example.com", addr1, time.Minute)
	r.AddCNameRecord("gateway.example.com", "example.com", time.Minute)
	records := r.GetAddresses("gateway.example.com")
	if records == nil {
		t.Fatal("no records")
	}
	if records[0].Address != addr1 {
		t.Fatal("cname mismatch")
	}
}

func TestLookupByFamily(t *testing.T) {
	r := New()
	r.AddAddressRecord("example.com", addr2, time.Minute)
	r.AddAddressRecord("example.com", addr1, time.Minute)
	r.AddAddressRecord("example.com", addr1, time.Minute)
	if got := r.Lookup("example.com", 4); !slices.Equal(got, []netip.Addr{addr1}) {
		t.Fatalf("v4 = %v", got)
	}
	if got := r.Lookup("example.com", 6); !slices.Equal(got, []netip.Addr{addr2}) {
		t.Fatalf("v6 = %v", got)
	}
}

func TestDeprecated(t *testing.T) {
	r := New()
	r.AddAddressRecord("example.com", addr1, -time.Minute)
	if r.GetAddresses("example.com") != nil {
		t.Fatal("deprecated records")
	}
}

func TestExpiryRefresh(t *testing.T) {
	r := New()
	now := time.Now()
	r.now = func() time.Time { return now }
	r.AddAddressRecord("example.com", addr1, time.Minute)
	now = now.Add(50 * time.Second)
	r.AddAddressRecord("example.com", addr1, time.Minute)
	now = now.Add(30 * time.Second)
	if r.GetAddresses("example.com") == nil {
		t.Fatal("refreshed record expired")
	}
	now = now.Add(time.Minute)
	if r.GetAddresses("example.com") != nil {
		t.Fatal("record outlived its ttl")
	}
}

func TestNotExistedCNameAlias(t *testing.T) {
	r := New()
	r.AddCNameRecord("gateway.example.com", "example.com", time.Minute)
	if r.GetAddresses("gateway.example.com") != nil {
		t.Fatal("not existed records")
	}
}

func TestReplacing(t *testing.T) {
	r := New()
	r.AddCNameRecord("gateway.example.com", "example.com", time.Minute)
	r.AddAddressRecord("gateway.example.com", addr1, time.Minute)
	records := r.GetAddresses("gateway.example.com")
	if len(records) == 0 || records[0].Address != addr1 {
		t.Fatal("mismatch")
	}
}

func TestAliases(t *testing.T) {
	r := New()
	r.AddAddressRecord("1", addr1, time.Minute)
	r.AddCNameRecord("2", "1", time.Minute)
	r.AddCNameRecord("3", "2", time.Minute)
	r.AddCNameRecord("4", "2", time.Minute)
	r.AddCNameRecord("5", "1", time.Minute)
	if got := r.GetAliases("1"); !slices.Equal(got, []string{"1", "2", "3", "4", "5"}) {
		t.Fatalf("aliases = %v", got)
	}
	r.Forget("5")
	if got := r.ListKnownDomains(); !slices.Equal(got, []string{"1", "2", "3", "4"}) {
		t.Fatalf("known = %v", got)
	}
}
