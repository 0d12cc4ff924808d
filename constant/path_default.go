//go:build !devroot

package constant

const (
	ConfigDir  = "/config"
	RunDir     = "/run"
	LibexecDir = "/usr/libexec/vycore"
	ShareDir   = "/usr/share/vycore"
	StateDir   = "/opt/vyatta/config"
	DataDir    = "/config/vycore"
	EtcDir     = "/etc"
	SysDir     = "/sys"
	ProcDir    = "/proc"
)
