//go:build devroot

package constant

const (
	ConfigDir  = "/tmp/vycore/config"
	RunDir     = "/tmp/vycore/run"
	LibexecDir = "/tmp/vycore/libexec"
	ShareDir   = "/tmp/vycore/share"
	StateDir   = "/tmp/vycore/state"
	DataDir    = "/tmp/vycore/config/vycore"
	EtcDir     = "/tmp/vycore/etc"
	SysDir     = "/tmp/vycore/sys"
	ProcDir    = "/proc"
)
