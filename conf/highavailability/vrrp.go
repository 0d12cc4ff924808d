// Package highavailability renders keepalived for "high-availability vrrp"
// and publishes the transition scripts read by the FIFO dispatcher.
package highavailability

import (
	"encoding/json"
	"net/netip"
	"os"

	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/internal/failure"
	"vycore/models"
	"vycore/render"
)

const (
	Owner = "high_availability"
	Unit  = "keepalived.service"
)

var (
	keepalivedConf = constant.RunDir + "/keepalived/keepalived.conf"
	dictFile       = constant.KeepalivedDict
	notifyFIFO     = constant.KeepalivedFIFO
)

type Scripts struct {
	Master string `mapstructure:"master"`
	Backup string `mapstructure:"backup"`
	Fault  string `mapstructure:"fault"`
	Stop   string `mapstructure:"stop"`
}

type Group struct {
	Interface         string   `mapstructure:"interface"`
	VRID              int      `mapstructure:"vrid"`
	Address           []string `mapstructure:"address"`
	Priority          int      `mapstructure:"priority"`
	AdvertiseInterval int      `mapstructure:"advertise_interval"`
	PreemptDelay      int      `mapstructure:"preempt_delay"`
	NoPreempt         bool     `mapstructure:"no_preempt"`
	HelloSource       string   `mapstructure:"hello_source_address"`
	PeerAddress       string   `mapstructure:"peer_address"`
	Description       string   `mapstructure:"description"`
	Disable           bool     `mapstructure:"disable"`
	Authentication    struct {
		Type     string `mapstructure:"type"`
		Password string `mapstructure:"password"`
	} `mapstructure:"authentication"`
	TransitionScript Scripts `mapstructure:"transition_script"`
}

type SyncGroup struct {
	Member           []string `mapstructure:"member"`
	TransitionScript Scripts  `mapstructure:"transition_script"`
}

type Config struct {
	Disable bool `mapstructure:"disable"`
	VRRP    struct {
		Group     map[string]Group     `mapstructure:"group"`
		SyncGroup map[string]SyncGroup `mapstructure:"sync_group"`
	} `mapstructure:"vrrp"`
}

type VRRP struct {
	Deleted bool
	Config  Config
	changed bool
}

func getVRRP(env *commit.Env) (*VRRP, error) {
	v := &VRRP{}
	exists, err := env.Config.DecodeAt([]string{"high-availability"}, false, &v.Config)
	if err != nil {
		return nil, err
	}
	v.Deleted = !exists
	return v, nil
}

func groupPath(name string, rest ...string) []string {
	return append([]string{"high-availability", "vrrp", "group", name}, rest...)
}

func isV6(addr string) bool {
	if p, err := netip.ParsePrefix(addr); err == nil {
		return p.Addr().Is6()
	}
	a, err := netip.ParseAddr(addr)
	return err == nil && a.Is6()
}

func verifyVRRP(v *VRRP) error {
	if v.Deleted {
		return nil
	}
	groups := v.Config.VRRP.Group
	type slot struct {
		iface string
		vrid  int
	}
	owners := map[slot]string{}
	for _, name := range configtree.SortedKeys(groups) {
		g := groups[name]
		if g.VRID == 0 {
			return failure.Config(groupPath(name), "vrid is required but not set in VRRP group %s", name)
		}
		if g.VRID < 1 || g.VRID > 255 {
			return failure.Config(groupPath(name, "vrid"), "vrid must be between 1 and 255 in VRRP group %s", name)
		}
		if g.Interface == "" {
			return failure.Config(groupPath(name), "interface is required but not set in VRRP group %s", name)
		}
		if len(g.Address) == 0 {
			return failure.Config(groupPath(name), "virtual-address is required but not set in VRRP group %s", name)
		}
		if g.Authentication.Password != "" && g.Authentication.Type == "" {
			return failure.Config(groupPath(name, "authentication"), "authentication type is required but not set in VRRP group %s", name)
		}
		var v4, v6 bool
		for _, a := range g.Address {
			if _, err := netip.ParsePrefix(a); err != nil {
				if _, err := netip.ParseAddr(a); err != nil {
					return failure.Config(groupPath(name, "address"), "%s is not a valid virtual address", a)
				}
			}
			if isV6(a) {
				v6 = true
			} else {
				v4 = true
			}
		}
		if v4 && v6 {
			return failure.Config(groupPath(name, "address"),
				"VRRP group %s mixes IPv4 and IPv6 virtual addresses, this is not allowed. Create separate groups for IPv4 and IPv6", name)
		}
		fam, other := "IPv4", "IPv6"
		if v6 {
			fam, other = "IPv6", "IPv4"
		}
		if g.HelloSource != "" && isV6(g.HelloSource) != v6 {
			return failure.Config(groupPath(name, "hello-source-address"), "VRRP group %s uses %s but its hello-source-address is %s", name, fam, other)
		}
		if g.PeerAddress != "" && isV6(g.PeerAddress) != v6 {
			return failure.Config(groupPath(name, "peer-address"), "VRRP group %s uses %s but its peer-address is %s", name, fam, other)
		}
		key := slot{g.Interface, g.VRID}
		if prev, ok := owners[key]; ok {
			return failure.Config(groupPath(name, "vrid"),
				"VRID %d is used in groups %s and %s that both use interface %s. Groups on the same interface must use different VRIDs",
				g.VRID, prev, name, g.Interface)
		}
		owners[key] = name
	}
	for _, name := range configtree.SortedKeys(v.Config.VRRP.SyncGroup) {
		for _, m := range v.Config.VRRP.SyncGroup[name].Member {
			if _, ok := groups[m]; !ok {
				return failure.Config([]string{"high-availability", "vrrp", "sync-group", name, "member"},
					"VRRP sync-group %s refers to VRRP group %s, but group %s does not exist", name, m, m)
			}
		}
	}
	return nil
}

type instance struct {
	Name string
	Group
	AuthType string
	Unicast  bool
}

func authType(t string) string {
	if t == "plaintext-password" {
		return "PASS"
	}
	return "AH"
}

// dict is the dispatcher's view: transition scripts per instance and
// sync-group.
func (v *VRRP) dict() models.VRRPConfig {
	out := models.VRRPConfig{VRRPGroups: []models.VRRPScripts{}, SyncGroups: []models.VRRPScripts{}}
	scripts := func(name string, s Scripts) models.VRRPScripts {
		return models.VRRPScripts{Name: name, MasterScript: s.Master, BackupScript: s.Backup, FaultScript: s.Fault, StopScript: s.Stop}
	}
	for _, name := range configtree.SortedKeys(v.Config.VRRP.Group) {
		out.VRRPGroups = append(out.VRRPGroups, scripts(name, v.Config.VRRP.Group[name].TransitionScript))
	}
	for _, name := range configtree.SortedKeys(v.Config.VRRP.SyncGroup) {
		out.SyncGroups = append(out.SyncGroups, scripts(name, v.Config.VRRP.SyncGroup[name].TransitionScript))
	}
	return out
}

func generateVRRP(env *commit.Env, v *VRRP) error {
	if v.Deleted {
		for _, p := range []string{keepalivedConf, dictFile} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		return nil
	}
	groups := v.Config.VRRP.Group
	var instances []instance
	for _, name := range configtree.SortedKeys(groups) {
		g := groups[name]
		if g.Disable {
			continue
		}
		instances = append(instances, instance{Name: name, Group: g, AuthType: authType(g.Authentication.Type), Unicast: g.PeerAddress != ""})
	}
	type syncGroup struct {
		Name    string
		Members []string
	}
	var syncs []syncGroup
	for _, name := range configtree.SortedKeys(v.Config.VRRP.SyncGroup) {
		var members []string
		for _, m := range v.Config.VRRP.SyncGroup[name].Member {
			if groups[m].Disable {
				log.Warn().Str("group", m).Str("sync-group", name).Msg("ignoring disabled VRRP group in sync-group")
				continue
			}
			members = append(members, m)
		}
		syncs = append(syncs, syncGroup{Name: name, Members: members})
	}
	var err error
	// carries authentication passwords
	v.changed, err = env.Render.Update(keepalivedConf, "keepalived/keepalived.conf.tmpl", map[string]any{
		"FIFO":       notifyFIFO,
		"Instances":  instances,
		"SyncGroups": syncs,
	}, render.Secret)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v.dict())
	if err != nil {
		return err
	}
	_, err = env.Render.UpdateFile(dictFile, data, render.Public)
	return err
}

func applyVRRP(env *commit.Env, v *VRRP) error {
	ctx := env.Ctx
	if v.Deleted || v.Config.Disable {
		return env.Proc.Systemctl(ctx, "stop", Unit)
	}
	running := env.Proc.IsServiceRunning(ctx, Unit)
	if running && !v.changed {
		return nil
	}
	if err := env.Proc.ReloadOrRestart(ctx, Unit, !running); err != nil {
		return failure.Internal(err, "keepalived failed to start")
	}
	return nil
}

func Handler() commit.Handler {
	return commit.Funcs[*VRRP]{Get: getVRRP, Check: verifyVRRP, Gen: generateVRRP, Act: applyVRRP}
}
