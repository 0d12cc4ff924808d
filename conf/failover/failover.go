// Package failover owns "protocols failover": static routes whose
// next-hops are installed by failoverd while their health check passes.
package failover

import (
	"encoding/json"
	"os"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/internal/failure"
	"vycore/models"
	"vycore/render"
)

const (
	Owner = "protocols_failover"
	Unit  = "vyos-failover.service"
)

var (
	serviceConf = constant.FailoverFile
	unitFile    = constant.SystemdRunDir + "/" + Unit
	rtProtoFile = constant.IPRouteProtosDir + "/failover.conf"
)

type Check struct {
	Policy  string   `mapstructure:"policy"`
	Target  []string `mapstructure:"target"`
	Timeout int      `mapstructure:"timeout"`
	Type    string   `mapstructure:"type"`
	Port    int      `mapstructure:"port"`
}

type NextHop struct {
	Check     *Check `mapstructure:"check"`
	Interface string `mapstructure:"interface"`
	Metric    int    `mapstructure:"metric"`
	Onlink    bool   `mapstructure:"onlink"`
}

type Route struct {
	NextHop map[string]NextHop `mapstructure:"next_hop"`
}

type Config struct {
	Route map[string]Route `mapstructure:"route"`
}

type Failover struct {
	Deleted bool
	Config  Config

	confChanged bool
	unitChanged bool
}

func getFailover(env *commit.Env) (*Failover, error) {
	f := &Failover{}
	exists, err := env.Config.DecodeAt([]string{"protocols", "failover"}, false, &f.Config)
	if err != nil {
		return nil, err
	}
	f.Deleted = !exists
	return f, nil
}

func verifyFailover(f *Failover) error {
	if f.Deleted {
		return nil
	}
	base := []string{"protocols", "failover"}
	if len(f.Config.Route) == 0 {
		return failure.Config(base, `Failover "route" is mandatory!`)
	}
	for _, route := range configtree.SortedKeys(f.Config.Route) {
		rc := f.Config.Route[route]
		rpath := append(append([]string{}, base...), "route", route)
		if len(rc.NextHop) == 0 {
			return failure.Config(rpath, `Next-hop for %q is mandatory!`, route)
		}
		for _, nh := range configtree.SortedKeys(rc.NextHop) {
			c := rc.NextHop[nh]
			npath := append(append([]string{}, rpath...), "next-hop", nh)
			if c.Interface == "" {
				return failure.Config(npath, `Interface for route %q next-hop %q is mandatory!`, route, nh)
			}
			if c.Check == nil || len(c.Check.Target) == 0 {
				return failure.Config(append(npath, "check"), `Check target for next-hop %q is mandatory!`, nh)
			}
			if c.Check.Type == "tcp" && c.Check.Port == 0 {
				return failure.Config(append(npath, "check"), `Check port for next-hop %q and type TCP is mandatory!`, nh)
			}
		}
	}
	if err := models.Validate(f.Config.model()); err != nil {
		return failure.Config(base, "%v", err)
	}
	return nil
}

// model is the daemon's view of the intent.
func (c Config) model() *models.FailoverConfig {
	out := &models.FailoverConfig{Route: map[string]models.FailoverRoute{}}
	for name, r := range c.Route {
		mr := models.FailoverRoute{NextHop: map[string]models.FailoverNextHop{}}
		for addr, nh := range r.NextHop {
			mnh := models.FailoverNextHop{Interface: nh.Interface, Metric: nh.Metric, Onlink: nh.Onlink}
			if nh.Check != nil {
				mnh.Check = models.FailoverCheck{
					Type:    nh.Check.Type,
					Target:  nh.Check.Target,
					Policy:  nh.Check.Policy,
					Port:    nh.Check.Port,
					Timeout: nh.Check.Timeout,
				}
			}
			mr.NextHop[addr] = mnh
		}
		out.Route[name] = mr
	}
	return out
}

func generateFailover(env *commit.Env, f *Failover) error {
	if f.Deleted {
		if err := os.Remove(serviceConf); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	// routes installed by the daemon carry "proto failover"
	if _, err := env.Render.UpdateFile(rtProtoFile, []byte("111  failover\n"), render.Public); err != nil {
		return err
	}
	data, err := json.MarshalIndent(f.Config.model(), "", "    ")
	if err != nil {
		return err
	}
	if f.confChanged, err = env.Render.UpdateFile(serviceConf, data, render.Public); err != nil {
		return err
	}
	f.unitChanged, err = env.Render.Update(unitFile, "failover/vyos-failover.service.tmpl", map[string]string{
		"Binary": constant.LibexecDir + "/failoverd",
		"Config": serviceConf,
	}, render.Public)
	return err
}

func applyFailover(env *commit.Env, f *Failover) error {
	ctx := env.Ctx
	if f.Deleted {
		env.Proc.Call(ctx, "systemctl stop "+Unit)
		env.Proc.Call(ctx, "ip route flush protocol failover")
		return nil
	}
	if f.unitChanged {
		if err := env.Proc.Systemctl(ctx, "daemon-reload", ""); err != nil {
			return err
		}
	}
	if !f.confChanged && !f.unitChanged && env.Proc.IsServiceRunning(ctx, Unit) {
		return nil
	}
	// the daemon re-installs every healthy next-hop on start
	env.Proc.Call(ctx, "ip route flush protocol failover")
	return env.Proc.Systemctl(ctx, "restart", Unit)
}

func Handler() commit.Handler {
	return commit.Funcs[*Failover]{Get: getFailover, Check: verifyFailover, Gen: generateFailover, Act: applyFailover}
}
