package constant

// Set with -ldflags at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

const (
	ConfigBootFile   = ConfigDir + "/config.boot"
	RunningConfig    = StateDir + "/running.boot"
	CandidateConfig  = StateDir + "/candidate.boot"
	CommitLockFile   = StateDir + "/.lock"
	SettingsFile     = DataDir + "/vycore.yaml"
	ArchiveFile      = DataDir + "/archive.db"
	MigrateDir       = LibexecDir + "/migrate"
	MigrateLogFile   = "/var/log/vycore/migrate.log"
	UserScriptsDir   = ConfigDir + "/scripts"
	SocketPath       = RunDir + "/vycored.sock"
	PIDFile          = RunDir + "/vycored.pid"
	EnvironmentFile  = EtcDir + "/default/vycore"
	RamdiskDir       = RunDir + "/vycore/keys"
	SystemdRunDir    = RunDir + "/systemd/system"
	IPRouteProtosDir = EtcDir + "/iproute2/rt_protos.d"
)

const (
	KeepalivedFIFO   = RunDir + "/keepalived/keepalived_notify_fifo"
	KeepalivedDict   = RunDir + "/keepalived_config.dict"
	MDNSVRRPSentinel = RunDir + "/mdns_vrrp_active"
	ConfigSyncFile   = RunDir + "/config_sync_conf.conf"
	WLBStatusFile    = RunDir + "/wlb_status.json"
	WLBConfigFile    = RunDir + "/load-balance/wlb.json"
	WLBPIDFile       = RunDir + "/wlb_daemon.pid"
	FailoverFile     = RunDir + "/vyos-failover.conf"
	ResolverFile     = RunDir + "/vyos-domain-resolver.json"
	FailoverPIDFile  = RunDir + "/vyos-failover.pid"
	VRRPPIDFile      = RunDir + "/vyos-vrrp-fifo.pid"
	ResolverPIDFile  = RunDir + "/vyos-domain-resolver.pid"
	ResolvConf       = EtcDir + "/resolv.conf"
	TextfileDir      = RunDir + "/node_exporter/collector"
	HTTPSStateFile   = RunDir + "/vycore/https.json"
	TLSDir           = RunDir + "/vycore/tls"
)
