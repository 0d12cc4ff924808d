package models

// FailoverConfig is /run/vyos-failover.conf.
type FailoverConfig struct {
	Route map[string]FailoverRoute `json:"route" validate:"dive"`
}

type FailoverRoute struct {
	NextHop map[string]FailoverNextHop `json:"next_hop" validate:"required,min=1,dive"`
}

type FailoverNextHop struct {
	Check     FailoverCheck `json:"check"`
	Interface string        `json:"interface" validate:"required"`
	Metric    int           `json:"metric" validate:"min=1,max=255"`
	Onlink    bool          `json:"onlink,omitempty"`
}

type FailoverCheck struct {
	Type    string   `json:"type" validate:"oneof=icmp arp tcp"`
	Target  []string `json:"target" validate:"required,min=1,dive,ip"`
	Policy  string   `json:"policy" validate:"oneof=any-available all-available"`
	Port    int      `json:"port,omitempty" validate:"required_if=Type tcp,max=65535"`
	Timeout int      `json:"timeout" validate:"min=1"`
}

// WLBConfig is /run/load-balance/wlb.json, the WAN load balancer input.
type WLBConfig struct {
	Hook               string               `json:"hook,omitempty"`
	FlushConnections   bool                 `json:"flush_connections,omitempty"`
	EnableLocalTraffic bool                 `json:"enable_local_traffic,omitempty"`
	StickyInbound      bool                 `json:"sticky_inbound,omitempty"`
	InterfaceHealth    map[string]WLBHealth `json:"interface_health" validate:"required,min=1,dive"`
	Rule               map[string]WLBRule   `json:"rule,omitempty" validate:"dive"`
}

type WLBHealth struct {
	Nexthop      string             `json:"nexthop" validate:"required"`
	FailureCount int                `json:"failure_count" validate:"min=1"`
	SuccessCount int                `json:"success_count" validate:"min=1"`
	Test         map[string]WLBTest `json:"test,omitempty" validate:"dive"`
}

type WLBTest struct {
	Type       string `json:"type" validate:"oneof=ping ttl user-defined"`
	Target     string `json:"target,omitempty"`
	RespTime   int    `json:"resp_time,omitempty"`
	TTLLimit   int    `json:"ttl_limit,omitempty"`
	TestScript string `json:"test_script,omitempty" validate:"required_if=Type user-defined"`
}

type WLBRule struct {
	Description        string               `json:"description,omitempty"`
	InboundInterface   string               `json:"inbound_interface" validate:"required"`
	Protocol           string               `json:"protocol,omitempty"`
	Exclude            bool                 `json:"exclude,omitempty"`
	Failover           bool                 `json:"failover,omitempty"`
	PerPacketBalancing bool                 `json:"per_packet_balancing,omitempty"`
	Source             WLBMatch             `json:"source,omitempty"`
	Destination        WLBMatch             `json:"destination,omitempty"`
	Interface          map[string]WLBRuleIf `json:"interface,omitempty"`
	Limit              *WLBLimit            `json:"limit,omitempty"`
}

type WLBMatch struct {
	Address string `json:"address,omitempty"`
	Port    string `json:"port,omitempty"`
}

type WLBRuleIf struct {
	Weight int `json:"weight" validate:"min=1,max=255"`
}

type WLBLimit struct {
	Burst     int    `json:"burst,omitempty"`
	Period    string `json:"period,omitempty" validate:"omitempty,oneof=second minute hour"`
	Rate      int    `json:"rate,omitempty"`
	Threshold string `json:"threshold,omitempty" validate:"omitempty,oneof=above below"`
}

// WLBStatus is /run/wlb_status.json, published after every transition.
type WLBStatus struct {
	Interfaces map[string]WLBInterfaceStatus `json:"interfaces"`
}

type WLBInterfaceStatus struct {
	State        string `json:"state"`
	Address      string `json:"address,omitempty"`
	Table        int    `json:"table"`
	Mark         string `json:"mark"`
	FailureCount int    `json:"failure_count"`
	SuccessCount int    `json:"success_count"`
	LastSuccess  int64  `json:"last_success,omitempty"`
	LastFailure  int64  `json:"last_failure,omitempty"`
	DHCPNexthop  string `json:"dhcp_nexthop,omitempty"`
}

// VRRPConfig is /run/keepalived_config.dict, read by the FIFO dispatcher.
type VRRPConfig struct {
	VRRPGroups []VRRPScripts `json:"vrrp_groups"`
	SyncGroups []VRRPScripts `json:"sync_groups"`
}

type VRRPScripts struct {
	Name         string `json:"name" validate:"required"`
	MasterScript string `json:"master_script,omitempty"`
	BackupScript string `json:"backup_script,omitempty"`
	FaultScript  string `json:"fault_script,omitempty"`
	StopScript   string `json:"stop_script,omitempty"`
}

// ConfigSyncConfig is /run/config_sync_conf.conf.
type ConfigSyncConfig struct {
	Mode      string              `json:"mode" validate:"oneof=load set"`
	Secondary ConfigSyncSecondary `json:"secondary"`
	Section   []string            `json:"section" validate:"required,min=1"`
}

type ConfigSyncSecondary struct {
	Address string `json:"address" validate:"required,ip|hostname"`
	Port    int    `json:"port" validate:"min=1,max=65535"`
	Key     string `json:"key" validate:"required"`
	Timeout int    `json:"timeout" validate:"min=1"`
}

// ConfigureSectionRequest is the body of POST /configure-section.
type ConfigureSectionRequest struct {
	Op     string         `json:"op" validate:"oneof=set load"`
	Mask   map[string]any `json:"mask"`
	Config map[string]any `json:"config"`
	Key    string         `json:"key" validate:"required"`
}

type ConfigureSectionResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data"`
	Error   string `json:"error,omitempty"`
}

// ResolverConfig is /run/vyos-domain-resolver.json: the named sets fed by
// the domain resolver and how often to refresh them.
type ResolverConfig struct {
	Interval int           `json:"interval" validate:"min=1"`
	Cache    bool          `json:"cache,omitempty"`
	Sets     []ResolverSet `json:"sets" validate:"dive"`
}

type ResolverSet struct {
	Family  string   `json:"family" validate:"oneof=ip ip6"`
	Table   string   `json:"table" validate:"required"`
	Name    string   `json:"name" validate:"required"`
	Domains []string `json:"domains" validate:"required,min=1"`
}
