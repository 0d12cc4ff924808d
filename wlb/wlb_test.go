package wlb

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vycore/ifconfig"
	"vycore/models"
	"vycore/process"
	"vycore/render"
)

func testConfig() models.WLBConfig {
	return models.WLBConfig{
		Hook:             "wlb-hook",
		FlushConnections: true,
		InterfaceHealth: map[string]models.WLBHealth{
			"eth0": {Nexthop: "192.0.2.1", FailureCount: 2, SuccessCount: 1},
			"eth1": {Nexthop: "dhcp", FailureCount: 1, SuccessCount: 1},
		},
		Rule: map[string]models.WLBRule{
			"10": {
				InboundInterface: "eth2",
				Protocol:         "tcp",
				Destination:      models.WLBMatch{Port: "443"},
				Interface:        map[string]models.WLBRuleIf{"eth0": {Weight: 1}, "eth1": {Weight: 2}},
			},
			"5": {
				InboundInterface: "eth2",
				Exclude:          true,
				Destination:      models.WLBMatch{Address: "!10.0.0.0/8"},
			},
		},
	}
}

func newBalancer(t *testing.T, cfg models.WLBConfig) (*Balancer, *process.Fake) {
	t.Helper()
	dir := t.TempDir()
	r, err := render.New(filepath.Join(dir, "keys"))
	require.NoError(t, err)
	fake := process.NewFake()
	b := New(process.New(fake), r)
	b.ConfigPath = filepath.Join(dir, "wlb.json")
	b.ScriptPath = filepath.Join(dir, "nftables_wlb.conf")
	b.StatusPath = filepath.Join(dir, "wlb_status.json")
	b.PIDPath = filepath.Join(dir, "wlb.pid")
	b.LeaseDir = filepath.Join(dir, "dhcp")
	b.ScriptsDir = filepath.Join(dir, "scripts")
	b.Now = func() time.Time { return time.Unix(1700000000, 0) }
	b.Links = ifconfig.NewFakeLinks(
		ifconfig.LinkInfo{Name: "eth0", Addresses: []string{"2001:db8::10/64", "192.0.2.10/24"}},
		ifconfig.LinkInfo{Name: "eth1", Addresses: []string{"198.51.100.10/24"}},
	)

	require.NoError(t, os.MkdirAll(b.LeaseDir, 0o755))
	writeLease(t, b, "198.51.100.1 198.51.100.2")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(b.ConfigPath, data, 0o644))
	return b, fake
}

func writeLease(t *testing.T, b *Balancer, routers string) {
	t.Helper()
	lease := "new_ip_address='198.51.100.10'\nnew_routers='" + routers + "'\n"
	require.NoError(t, os.WriteFile(filepath.Join(b.LeaseDir, "dhclient_eth1.lease"), []byte(lease), 0o644))
}

func readStatus(t *testing.T, b *Balancer) models.WLBStatus {
	t.Helper()
	var st models.WLBStatus
	data, err := os.ReadFile(b.StatusPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &st))
	return st
}

func TestSetup(t *testing.T) {
	b, fake := newBalancer(t, testConfig())
	require.NoError(t, b.Load())
	require.NoError(t, b.Setup(context.Background()))

	assert.Equal(t, []string{
		"ip route replace table 201 default dev eth0 via 192.0.2.1",
		"ip rule del fwmark 0xc9 table 201",
		"ip rule add fwmark 0xc9 table 201",
		"ip route replace table 202 default dev eth1 via 198.51.100.1",
		"ip rule del fwmark 0xca table 202",
		"ip rule add fwmark 0xca table 202",
		"nft -f " + b.ScriptPath,
		"ip route flush cache",
		"conntrack -F",
		"conntrack -F expect",
	}, fake.Lines())

	data, err := os.ReadFile(b.ScriptPath)
	require.NoError(t, err)
	script := string(data)
	assert.True(t, strings.HasPrefix(script, "#!/usr/sbin/nft -f\n\ntable ip vyos_wanloadbalance\ndelete table ip vyos_wanloadbalance\n"))
	for _, line := range []string{
		"        ct mark 0xc9 counter snat to 192.0.2.10\n",
		"        ct mark 0xca counter snat to 198.51.100.10\n",
		`        iifname "eth2" ip daddr != 10.0.0.0/8 ct state new counter accept` + "\n",
		`        iifname "eth2" meta l4proto tcp th dport 443 ct state new counter numgen random mod 3 vmap { 0 : jump wlb_mangle_isp_eth0, 1-2 : jump wlb_mangle_isp_eth1 }` + "\n",
		`        iifname "eth2" meta l4proto tcp th dport 443 counter meta mark set ct mark` + "\n",
		"    chain wlb_mangle_isp_eth1 {\n        meta mark set 0xca ct mark set 0xca counter accept\n    }\n",
	} {
		assert.Contains(t, script, line)
	}
	assert.Less(t, strings.Index(script, "ip daddr != 10.0.0.0/8"), strings.Index(script, "numgen"), "rules follow numeric order")

	st := readStatus(t, b)
	assert.Equal(t, models.WLBInterfaceStatus{
		State: "ACTIVE", Address: "198.51.100.10", Table: 202, Mark: "0xca", DHCPNexthop: "198.51.100.1",
	}, st.Interfaces["eth1"])
}

func TestStepTransitions(t *testing.T) {
	b, fake := newBalancer(t, testConfig())
	reg := prometheus.NewRegistry()
	b.Metrics = NewMetrics(reg)
	require.NoError(t, b.Load())
	require.NoError(t, b.Setup(context.Background()))
	fake.On("ping -c 1 -W 5 -I eth0 192.0.2.1", process.Result{RC: 1})

	fake.Reset()
	require.NoError(t, b.Step(context.Background()))
	assert.Empty(t, fake.Matching("nft"), "one failure is below the threshold")
	assert.Equal(t, 1, b.state["eth0"].failures)

	fake.Reset()
	require.NoError(t, b.Step(context.Background()))
	require.Len(t, fake.Matching("nft -f"), 1)
	hooks := fake.Matching(filepath.Join(b.ScriptsDir, "wlb-hook"))
	require.Len(t, hooks, 1)
	for _, c := range fake.Commands() {
		if strings.HasSuffix(c.Line, "wlb-hook") {
			assert.Equal(t, map[string]string{"WLB_INTERFACE_NAME": "eth0", "WLB_INTERFACE_STATE": "FAILED"}, c.Env)
		}
	}
	data, err := os.ReadFile(b.ScriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "th dport 443 ct state new counter jump wlb_mangle_isp_eth1\n")

	st := readStatus(t, b).Interfaces["eth0"]
	assert.Equal(t, "FAILED", st.State)
	assert.Equal(t, 2, st.FailureCount)
	assert.Equal(t, int64(1700000000), st.LastFailure)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics.transitions.WithLabelValues("eth0", "FAILED")))

	t.Run("recovery", func(t *testing.T) {
		fake.On("ping -c 1 -W 5 -I eth0 192.0.2.1", process.Result{})
		fake.Reset()
		require.NoError(t, b.Step(context.Background()))
		assert.Equal(t, "ACTIVE", readStatus(t, b).Interfaces["eth0"].State)
		assert.Len(t, fake.Matching("nft -f"), 1)
	})

	t.Run("nft failure keeps running ruleset", func(t *testing.T) {
		fake.On("ping -c 1 -W 5 -I eth1", process.Result{RC: 1})
		fake.On("nft -f", process.Result{RC: 1, Stdout: "syntax error"})
		fake.Reset()
		require.Error(t, b.Step(context.Background()))
		assert.Empty(t, fake.Matching("ip route flush cache"))
		assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics.nftFailures))
	})
}

func TestHealthTests(t *testing.T) {
	b, fake := newBalancer(t, testConfig())
	fake.On("ping -c 1 -t 3 -I eth0 203.0.113.1", process.Result{RC: 1})
	conf := models.WLBHealth{Test: map[string]models.WLBTest{
		"10": {Type: "ping", Target: "192.0.2.99", RespTime: 2},
		"20": {Type: "ttl", Target: "203.0.113.1", TTLLimit: 3},
		"30": {Type: "user-defined", TestScript: "/config/scripts/check-uplink"},
	}}
	assert.True(t, b.healthy(context.Background(), "eth0", conf, ""))
	assert.Equal(t, []string{
		"ping -c 1 -W 2 -I eth0 192.0.2.99",
		"ping -c 1 -t 3 -I eth0 203.0.113.1",
		"/config/scripts/check-uplink",
	}, fake.Lines())

	fake.On("/config/scripts/check-uplink", process.Result{RC: 3})
	assert.False(t, b.healthy(context.Background(), "eth0", conf, ""))
	assert.False(t, b.healthy(context.Background(), "eth1", models.WLBHealth{Nexthop: "dhcp"}, ""), "no lease yet")
}

func TestWeights(t *testing.T) {
	rule := models.WLBRule{Interface: map[string]models.WLBRuleIf{"a": {Weight: 3}, "b": {Weight: 1}, "c": {Weight: 2}}}
	up := func(string) bool { return true }
	ifs, ranges, total := weights(rule, up)
	require.Len(t, ifs, 3)
	assert.Equal(t, []string{"b", "c", "a"}, []string{ifs[0].ifname, ifs[1].ifname, ifs[2].ifname})
	assert.Equal(t, []string{"0", "1-2", "3-5"}, ranges)
	assert.Equal(t, 6, total)

	rule.Failover = true
	ifs, _, total = weights(rule, func(n string) bool { return n != "a" })
	require.Len(t, ifs, 1)
	assert.Equal(t, "c", ifs[0].ifname)
	assert.Equal(t, 2, total)
}

func TestDHCPNexthop(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, DHCPNexthop(dir, "eth9"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dhclient_eth9.lease"), []byte("new_routers='10.1.1.1 10.1.1.2'\n"), 0o644))
	assert.Equal(t, "10.1.1.1", DHCPNexthop(dir, "eth9"))
}

func TestStartRefreshAndCleanup(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b, fake := newBalancer(t, testConfig())
	b.Interval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(b.StatusPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	pid, err := os.ReadFile(b.PIDPath)
	require.NoError(t, err)
	assert.NotEmpty(t, pid)

	writeLease(t, b, "198.51.100.254")
	b.RefreshDHCP()
	require.Eventually(t, func() bool {
		return len(fake.Matching("ip route replace table 202 default dev eth1 via 198.51.100.254")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.NoFileExists(t, b.StatusPath)
	assert.NoFileExists(t, b.PIDPath)
}
