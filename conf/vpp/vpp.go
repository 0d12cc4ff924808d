// Package vpp owns "vpp": the dataplane startup config, hugepage sysctls and
// the linux-cp pairs mirroring each VPP interface into the kernel.
package vpp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/internal/failure"
	"vycore/render"
)

const (
	Owner = "vpp"
	Unit  = "vpp.service"

	// minAvailable is the free memory VPP needs to start.
	minAvailable = 3 << 30

	minHugepages   = 1024
	minMaxMapCount = 3096
	hugepageSize   = 2 << 20
)

var (
	startupConf  = constant.RunDir + "/vpp/vpp.conf"
	overrideFile = constant.SystemdRunDir + "/" + Unit + ".d/10-override.conf"
	procRoot     = constant.ProcDir
)

type Interface struct {
	PCI         string `mapstructure:"pci"`
	RxQueueSize int    `mapstructure:"rx_queue_size"`
	TxQueueSize int    `mapstructure:"tx_queue_size"`
}

type Config struct {
	CPU *struct {
		MainCore        string   `mapstructure:"main_core"`
		CorelistWorkers []string `mapstructure:"corelist_workers"`
	} `mapstructure:"cpu"`
	Memory struct {
		MainHeapSize string `mapstructure:"main_heap_size"`
		Hugepages    int    `mapstructure:"hugepages"`
	} `mapstructure:"memory"`
	Interface map[string]*Interface `mapstructure:"interface"`
}

type VPP struct {
	Deleted bool
	Config  Config
	// Available is MemAvailable in bytes.
	Available uint64
	// Shmmax is the running kernel.shmmax.
	Shmmax  uint64
	changed bool
}

// Names returns the interface names in order, for the template.
func (c Config) Names() []string {
	return configtree.SortedKeys(c.Interface)
}

func getVPP(env *commit.Env) (*VPP, error) {
	v := &VPP{}
	exists, err := env.Config.DecodeWithDefaults([]string{"vpp"}, &v.Config, "memory")
	if err != nil {
		return nil, err
	}
	v.Deleted = !exists
	if !exists {
		return v, nil
	}

	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, failure.DataUnavailable("failed to open %s: %v", procRoot, err)
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return nil, failure.DataUnavailable("failed to read meminfo: %v", err)
	}
	if mi.MemAvailable != nil {
		v.Available = *mi.MemAvailable * 1024
	}
	if cur, err := env.Sys.Sysctl("kernel.shmmax"); err == nil {
		v.Shmmax, _ = strconv.ParseUint(cur, 10, 64)
	}

	for _, name := range v.Config.Names() {
		iface := v.Config.Interface[name]
		if iface.PCI != "auto" {
			continue
		}
		iface.PCI = pciAddress(env, name)
	}
	return v, nil
}

// pciAddress reads the bus-info of a kernel interface from ethtool.
func pciAddress(env *commit.Env, name string) string {
	out, rc, err := env.Proc.Popen(env.Ctx, "ethtool -i "+name)
	if err != nil || rc != 0 {
		return ""
	}
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, "bus-info:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func verifyVPP(v *VPP) error {
	if v.Deleted {
		return nil
	}
	base := []string{"vpp"}
	if len(v.Config.Interface) == 0 {
		return failure.Config(base, `"interface" is required but not set!`)
	}
	if v.Config.CPU != nil && len(v.Config.CPU.CorelistWorkers) > 0 && v.Config.CPU.MainCore == "" {
		return failure.Config(append(base, "cpu"), `"cpu main-core" is required but not set!`)
	}
	for _, name := range v.Config.Names() {
		if v.Config.Interface[name].PCI == "" {
			return failure.Config(append(base, "interface", name), "Unable to detect PCI address of interface %s, set it with \"pci\"", name)
		}
	}
	if v.Available < minAvailable {
		return failure.InsufficientResources("Not enough free memory to start VPP: available %d MiB, required %d MiB",
			v.Available>>20, uint64(minAvailable)>>20)
	}
	return nil
}

// sysctls returns the kernel settings VPP needs, never lowering shmmax.
func (v *VPP) sysctls() map[string]string {
	pages := max(v.Config.Memory.Hugepages, minHugepages)
	out := map[string]string{
		"vm.nr_hugepages":  strconv.Itoa(pages),
		"vm.max_map_count": strconv.Itoa(max(2*pages, minMaxMapCount)),
	}
	if want := uint64(pages) * hugepageSize; want > v.Shmmax {
		out["kernel.shmmax"] = strconv.FormatUint(want, 10)
	}
	return out
}

func generateVPP(env *commit.Env, v *VPP) error {
	if v.Deleted {
		return env.Render.Remove(startupConf, overrideFile)
	}
	confChanged, err := env.Render.Update(startupConf, "vpp/startup.conf.tmpl", v.Config, render.Public)
	if err != nil {
		return err
	}
	unitChanged, err := env.Render.Update(overrideFile, "vpp/override.conf.tmpl", map[string]string{"Config": startupConf}, render.Public)
	v.changed = confChanged || unitChanged
	return err
}

func applyVPP(env *commit.Env, v *VPP) error {
	ctx := env.Ctx
	if v.Deleted {
		return env.Proc.Systemctl(ctx, "stop", Unit)
	}
	if err := env.Proc.Systemctl(ctx, "daemon-reload", ""); err != nil {
		return err
	}
	sysctls := v.sysctls()
	for _, key := range configtree.SortedKeys(sysctls) {
		if err := env.Sys.SetSysctl(key, sysctls[key]); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("failed to set sysctl for vpp")
		}
	}
	if v.changed || !env.Proc.IsServiceRunning(ctx, Unit) {
		if err := env.Proc.Systemctl(ctx, "restart", Unit); err != nil {
			return failure.Internal(err, "vpp failed to start")
		}
	}
	for _, name := range v.Config.Names() {
		if _, err := env.Sys.Read("/sys/class/net/" + name + "/ifindex"); err == nil {
			continue
		}
		if _, err := env.Proc.Cmd(ctx, fmt.Sprintf("vppctl lcp create %s host-if %s", name, name), nil); err != nil {
			return failure.Internal(err, "failed to create linux-cp pair for %s", name)
		}
	}
	return nil
}

func Handler() commit.Handler {
	return commit.Funcs[*VPP]{Get: getVPP, Check: verifyVPP, Gen: generateVPP, Act: applyVPP}
}
