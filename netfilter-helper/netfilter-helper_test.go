package netfilterHelper

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"vycore/internal/failure"
	"vycore/process"
)

type fakeTables struct {
	chains  map[string][]string
	rules   map[string][]string
	deleted []string
	dropped []string
}

func (f *fakeTables) ListChains(table string) ([]string, error) {
	return f.chains[table], nil
}

func (f *fakeTables) List(table, chain string) ([]string, error) {
	return f.rules[table+"/"+chain], nil
}

func (f *fakeTables) Delete(table, chain string, rulespec ...string) error {
	f.deleted = append(f.deleted, table+"/"+chain+" "+joinSpec(rulespec))
	return nil
}

func (f *fakeTables) ClearAndDeleteChain(table, chain string) error {
	f.dropped = append(f.dropped, table+"/"+chain)
	return nil
}

func joinSpec(spec []string) string {
	out := ""
	for i, s := range spec {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

func TestCleanIPTables(t *testing.T) {
	ipt := &fakeTables{
		chains: map[string][]string{
			"filter": {"INPUT", "VYATTA_FW_IN"},
			"nat":    {"POSTROUTING"},
		},
		rules: map[string][]string{
			"filter/INPUT": {
				"-P INPUT ACCEPT",
				"-A INPUT -i eth0 -j VYATTA_FW_IN",
				"-A INPUT -j ACCEPT",
			},
		},
	}
	nh := &NetfilterHelper{ChainPrefix: "VYATTA_", IPTables4: ipt}
	if err := nh.CleanIPTables(); err != nil {
		t.Fatalf("clean: %v", err)
	}
	if diff := cmp.Diff([]string{"filter/INPUT -i eth0 -j VYATTA_FW_IN"}, ipt.deleted); diff != "" {
		t.Fatalf("deleted rules (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"filter/VYATTA_FW_IN"}, ipt.dropped); diff != "" {
		t.Fatalf("dropped chains (-want +got):\n%s", diff)
	}
}

func TestCleanIPTablesWithoutPrefix(t *testing.T) {
	ipt := &fakeTables{chains: map[string][]string{"filter": {"VYATTA_X"}}}
	nh := &NetfilterHelper{IPTables4: ipt}
	if err := nh.CleanIPTables(); err != nil {
		t.Fatal(err)
	}
	if len(ipt.dropped) != 0 {
		t.Fatalf("nothing may be dropped without a prefix, got %v", ipt.dropped)
	}
}

func TestApplyChecksFirst(t *testing.T) {
	ctx := context.Background()

	t.Run("check fails", func(t *testing.T) {
		fake := process.NewFake().On("nft --check", process.Result{RC: 1, Stdout: "syntax error"})
		nh := &NetfilterHelper{Proc: process.New(fake)}
		err := nh.Apply(ctx, "/run/nftables.conf")
		if !errors.Is(err, failure.ErrConfig) {
			t.Fatalf("want ConfigError, got %v", err)
		}
		if got := fake.Matching("nft -f"); len(got) != 0 {
			t.Fatalf("ruleset must not be loaded after a failed check: %v", got)
		}
	})

	t.Run("check passes", func(t *testing.T) {
		fake := process.NewFake()
		nh := &NetfilterHelper{Proc: process.New(fake)}
		if err := nh.Apply(ctx, "/run/nftables.conf"); err != nil {
			t.Fatal(err)
		}
		want := []string{"nft --check -f /run/nftables.conf", "nft -f /run/nftables.conf"}
		if diff := cmp.Diff(want, fake.Lines()); diff != "" {
			t.Fatalf("commands (-want +got):\n%s", diff)
		}
	})
}

func TestListSets(t *testing.T) {
	out := `{"nftables": [{"metainfo": {"version": "1.0.6"}},
	{"set": {"family": "inet", "name": "D_example", "table": "vyos_filter", "type": "ipv4_addr"}},
	{"set": {"family": "ip6", "name": "D6_example", "table": "vyos_filter", "type": "ipv6_addr"}}]}`
	fake := process.NewFake().On("nft --json list sets", process.Result{Stdout: out})
	nh := &NetfilterHelper{Proc: process.New(fake)}
	sets, err := nh.ListSets(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []Set{
		{Family: "inet", Table: "vyos_filter", Name: "D_example", Type: "ipv4_addr"},
		{Family: "ip6", Table: "vyos_filter", Name: "D6_example", Type: "ipv6_addr"},
	}
	if diff := cmp.Diff(want, sets); diff != "" {
		t.Fatalf("sets (-want +got):\n%s", diff)
	}
}

func TestApplyScriptUsesStdin(t *testing.T) {
	fake := process.NewFake()
	nh := &NetfilterHelper{Proc: process.New(fake)}
	if err := nh.ApplyScript(context.Background(), "flush set inet vyos_filter D_x\n"); err != nil {
		t.Fatal(err)
	}
	cmds := fake.Commands()
	if len(cmds) != 1 || cmds[0].Line != "nft --file -" || cmds[0].Input == "" {
		t.Fatalf("unexpected commands %+v", cmds)
	}
}

func TestListChains(t *testing.T) {
	out := `{"nftables": [{"table": {"family": "ip", "name": "vyos_filter"}},
	{"chain": {"family": "ip", "table": "vyos_filter", "name": "VYOS_FORWARD_filter"}},
	{"chain": {"family": "ip", "table": "vyos_filter", "name": "NAME_LAN"}}]}`
	fake := process.NewFake().On("nft --json list table ip vyos_filter", process.Result{Stdout: out})
	nh := &NetfilterHelper{Proc: process.New(fake)}
	chains, err := nh.ListChains(context.Background(), "ip", "vyos_filter")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"VYOS_FORWARD_filter", "NAME_LAN"}, chains); diff != "" {
		t.Fatalf("chains (-want +got):\n%s", diff)
	}

	fake.On("nft list table ip missing", process.Result{RC: 1})
	chains, err = nh.ListChains(context.Background(), "ip", "missing")
	if err != nil || chains != nil {
		t.Fatalf("missing table: %v %v", chains, err)
	}
}
