package interfaces

import (
	"errors"

	"vycore/commit"
	"vycore/ifconfig"
	"vycore/internal/failure"
)

type EthernetConfig struct {
	ifconfig.BaseConfig `mapstructure:",squash"`
	Duplex              string `mapstructure:"duplex"`
	Speed               string `mapstructure:"speed"`
	HwID                string `mapstructure:"hw_id"`
	Offload             struct {
		GRO bool `mapstructure:"gro"`
		GSO bool `mapstructure:"gso"`
		SG  bool `mapstructure:"sg"`
		TSO bool `mapstructure:"tso"`
	} `mapstructure:"offload"`
}

type Ethernet struct {
	Name    string
	Deleted bool
	Config  EthernetConfig
	Facts   Facts

	SpeedChanged   bool
	OffloadChanged bool
}

func getEthernet(env *commit.Env) (*Ethernet, error) {
	e := &Ethernet{Name: env.Instance}
	exists, err := load(env.Config, ifconfig.KindEthernet, e.Name, &e.Config)
	if err != nil {
		return nil, err
	}
	e.Deleted = !exists
	e.Facts = inspect(env, e.Name, "")
	sess := env.Config
	e.SpeedChanged = sess.LeafNodeChanged(ifPath(ifconfig.KindEthernet, e.Name, "speed")...) != nil ||
		sess.LeafNodeChanged(ifPath(ifconfig.KindEthernet, e.Name, "duplex")...) != nil
	e.OffloadChanged = sess.IsNodeChanged(ifPath(ifconfig.KindEthernet, e.Name, "offload")...)
	return e, nil
}

func verifyEthernet(e *Ethernet) error {
	path := ifPath(ifconfig.KindEthernet, e.Name)
	if e.Deleted {
		return verifyDelete(path, e.Facts)
	}
	if !e.Facts.Exists {
		return failure.Config(path, "Interface %s does not exist", e.Name)
	}
	c := e.Config
	if (c.Speed == "auto") != (c.Duplex == "auto") {
		return failure.Config(path, "Speed/Duplex missmatch. Must be both auto or manually configured")
	}
	if err := verifyMTU(path, c.MTU, 68, 9216); err != nil {
		return err
	}
	return verifyPort(path, e.Facts, c.BaseConfig)
}

func applyEthernet(env *commit.Env, e *Ethernet) error {
	eth := ifconfig.NewEthernet(e.Name, env.IfDeps())
	if e.Deleted {
		return eth.Remove(env.Ctx)
	}
	if err := eth.Create(env.Ctx); err != nil {
		return err
	}
	errs := []error{eth.Update(env.Ctx, e.Config.BaseConfig)}
	if e.SpeedChanged {
		errs = append(errs, eth.SetSpeedDuplex(env.Ctx, e.Config.Speed, e.Config.Duplex))
	}
	if e.OffloadChanged {
		o := e.Config.Offload
		for _, f := range []struct {
			name string
			on   bool
		}{{"gro", o.GRO}, {"gso", o.GSO}, {"sg", o.SG}, {"tso", o.TSO}} {
			errs = append(errs, eth.SetOffload(env.Ctx, f.name, f.on))
		}
	}
	return errors.Join(errs...)
}

func EthernetHandler() commit.Handler {
	return commit.Funcs[*Ethernet]{Get: getEthernet, Check: verifyEthernet, Act: applyEthernet}
}
