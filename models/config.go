package models

// Settings is the vycored daemon configuration with every value resolved.
type Settings struct {
	LogLevel  string
	API       API
	Commit    Commit
	Netfilter Netfilter
}

type API struct {
	// Socket is the UNIX socket of the operational API.
	Socket string
	// Listen is the TLS address serving /configure-section, empty disables it.
	Listen  string
	TLSCert string
	TLSKey  string
	// Keys accepted as bearer keys on /configure-section.
	Keys []string
	// RateLimit is requests per second accepted by the receiver.
	RateLimit float64
	Burst     int
}

type Commit struct {
	RunningFile string
	BootFile    string
	ArchiveFile string
	ArchiveKeep int
}

type Netfilter struct {
	// CleanLegacyChains removes iptables chains left by older releases.
	CleanLegacyChains bool
	LegacyChainPrefix string
}

// HTTPSState is published by the "service https" handler and overlaid on
// API when vycored starts or reloads.
type HTTPSState struct {
	ListenAddress []string `json:"listen_address,omitempty" validate:"dive,ip"`
	Port          int      `json:"port" validate:"min=1,max=65535"`
	CertFile      string   `json:"cert_file,omitempty"`
	KeyFile       string   `json:"key_file,omitempty" validate:"required_with=CertFile"`
	// Keys maps key id to bearer key.
	Keys map[string]string `json:"keys,omitempty"`
}
