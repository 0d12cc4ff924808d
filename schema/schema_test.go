package schema

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustLoad(t *testing.T) *Schema {
	t.Helper()
	s, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestWalk(t *testing.T) {
	s := mustLoad(t)
	valid := [][]string{
		{"interfaces", "ethernet", "eth0", "mtu", "9000"},
		{"interfaces", "bridge", "br0", "member", "interface", "eth1", "priority"},
		{"interfaces", "tunnel", "tun0", "parameters", "ip", "key", "42"},
		{"load-balancing", "wan", "rule", "10", "interface", "eth0", "weight"},
		{"firewall", "ipv4", "forward", "filter", "rule", "5", "source", "group", "address-group"},
		{"system", "conntrack", "table-size"},
		{"interfaces", "ethernet", "eth0", "disable"},
	}
	for _, p := range valid {
		if _, err := s.Walk(p); err != nil {
			t.Errorf("walk %v: %v", p, err)
		}
	}
	invalid := [][]string{
		{"interfaces", "nope"},
		{"interfaces", "ethernet", "eth0", "disable", "yes"},
		{"interfaces", "ethernet", "eth0", "mtu", "1500", "extra"},
	}
	for _, p := range invalid {
		if _, err := s.Walk(p); err == nil {
			t.Errorf("walk %v: expected error", p)
		}
	}
}

func TestKinds(t *testing.T) {
	s := mustLoad(t)
	if !s.IsTag("interfaces", "ethernet") {
		t.Error("ethernet must be a tag node")
	}
	if s.IsTag("interfaces", "ethernet", "eth0") {
		t.Error("instance is not the tag node itself")
	}
	if !s.IsMulti("interfaces", "ethernet", "eth0", "address") {
		t.Error("address must be multi")
	}
	if !s.IsValueless("interfaces", "ethernet", "eth0", "disable") {
		t.Error("disable must be valueless")
	}
	if !s.IsSecret("interfaces", "wireguard", "wg0", "private-key") {
		t.Error("private-key must be secret")
	}
}

func TestDefaults(t *testing.T) {
	s := mustLoad(t)
	got := s.Defaults([]string{"interfaces", "tunnel", "tun0", "parameters"}, true)
	want := map[string]any{
		"ip":     map[string]any{"ttl": "64", "tos": "inherit"},
		"erspan": map[string]any{"version": "2"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	flat := s.Defaults([]string{"interfaces", "tunnel", "tun0", "parameters"}, false)
	if len(flat) != 0 {
		t.Errorf("non-recursive defaults of a container with no direct leaves: %v", flat)
	}
	if got := s.Defaults([]string{"interfaces", "ethernet"}, true); len(got) != 0 {
		t.Errorf("tag node itself has no defaults, got %v", got)
	}
}

func TestBindingsOrdered(t *testing.T) {
	s := mustLoad(t)
	bindings := s.Bindings()
	if len(bindings) == 0 {
		t.Fatal("no bindings")
	}
	for i := 1; i < len(bindings); i++ {
		if bindings[i-1].Priority > bindings[i].Priority {
			t.Fatalf("bindings not sorted at %d: %v", i, bindings[i])
		}
	}
	b, ok := s.Binding("interfaces_bridge")
	if !ok || !b.Tag || b.Priority != 320 {
		t.Fatalf("unexpected bridge binding %+v", b)
	}
	if s.Priority("interfaces_ethernet") >= s.Priority("interfaces_bridge") {
		t.Error("ethernet must run before bridge")
	}
}

func TestVersions(t *testing.T) {
	s := mustLoad(t)
	v := s.Versions()
	if v["firewall"] == 0 || v["interfaces"] == 0 {
		t.Fatalf("missing versions: %v", v)
	}
	if diff := cmp.Diff([]string{"cluster", "zone-policy"}, s.Retired()); diff != "" {
		t.Error(diff)
	}
}
