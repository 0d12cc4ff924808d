// Package telegraf owns "service monitoring telegraf". The agent config is
// TOML built from Go values rather than a text template.
package telegraf

import (
	"fmt"
	"net/url"

	"github.com/pelletier/go-toml/v2"

	"vycore/commit"
	"vycore/constant"
	"vycore/internal/failure"
	netfilterHelper "vycore/netfilter-helper"
	"vycore/render"
)

const (
	Owner = "service_monitoring_telegraf"
	Unit  = "vyos-telegraf.service"
)

var (
	configFile       = constant.RunDir + "/telegraf/vyos-telegraf.conf"
	unitFile         = constant.SystemdRunDir + "/" + Unit
	overrideFile     = constant.SystemdRunDir + "/" + Unit + ".d/10-override.conf"
	customScriptsDir = constant.LibexecDir + "/telegraf"
)

type Config struct {
	URL            string `mapstructure:"url"`
	Port           int    `mapstructure:"port"`
	Bucket         string `mapstructure:"bucket"`
	Source         string `mapstructure:"source"`
	Interval       string `mapstructure:"interval"`
	Authentication struct {
		Organization string `mapstructure:"organization"`
		Token        string `mapstructure:"token"`
	} `mapstructure:"authentication"`
}

type Telegraf struct {
	Deleted bool
	Config  Config
	// FirewallChains are the IPv4 filter chains whose counters are exported.
	FirewallChains []string
	changed        bool
}

func getTelegraf(env *commit.Env) (*Telegraf, error) {
	t := &Telegraf{}
	exists, err := env.Config.DecodeAt([]string{"service", "monitoring", "telegraf"}, false, &t.Config)
	if err != nil {
		return nil, err
	}
	t.Deleted = !exists
	if exists {
		nh := &netfilterHelper.NetfilterHelper{Proc: env.Proc}
		if t.FirewallChains, err = nh.ListChains(env.Ctx, "ip", "vyos_filter"); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func verifyTelegraf(t *Telegraf) error {
	if t.Deleted {
		return nil
	}
	base := []string{"service", "monitoring", "telegraf"}
	a := t.Config.Authentication
	if a.Organization == "" || a.Token == "" {
		return failure.Config(append(base, "authentication"), `Authentication "organization and token" are mandatory!`)
	}
	if t.Config.URL == "" {
		return failure.Config(base, `Monitoring "url" is mandatory!`)
	}
	u, err := url.Parse(t.Config.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return failure.Config(append(base, "url"), "%q is not a valid http(s) URL", t.Config.URL)
	}
	return nil
}

type agent struct {
	Interval          string `toml:"interval"`
	RoundInterval     bool   `toml:"round_interval"`
	MetricBatchSize   int    `toml:"metric_batch_size"`
	MetricBufferLimit int    `toml:"metric_buffer_limit"`
	FlushInterval     string `toml:"flush_interval"`
}

type influxDBv2 struct {
	URLs         []string `toml:"urls"`
	Token        string   `toml:"token"`
	Organization string   `toml:"organization"`
	Bucket       string   `toml:"bucket"`
}

type cpuInput struct {
	PerCPU   bool `toml:"percpu"`
	TotalCPU bool `toml:"totalcpu"`
}

type diskInput struct {
	IgnoreFS []string `toml:"ignore_fs"`
}

type execInput struct {
	Commands   []string `toml:"commands"`
	DataFormat string   `toml:"data_format"`
	Timeout    string   `toml:"timeout"`
}

type empty struct{}

type agentConfig struct {
	Agent   agent `toml:"agent"`
	Outputs struct {
		InfluxDBv2 []influxDBv2 `toml:"influxdb_v2"`
	} `toml:"outputs"`
	Inputs struct {
		CPU       []cpuInput  `toml:"cpu"`
		Disk      []diskInput `toml:"disk"`
		Mem       []empty     `toml:"mem"`
		Net       []empty     `toml:"net"`
		Netstat   []empty     `toml:"netstat"`
		System    []empty     `toml:"system"`
		Kernel    []empty     `toml:"kernel"`
		Processes []empty     `toml:"processes"`
		Exec      []execInput `toml:"exec,omitempty"`
	} `toml:"inputs"`
}

func (t *Telegraf) agentConfig() agentConfig {
	c := t.Config
	var ac agentConfig
	ac.Agent = agent{
		Interval:          c.Interval,
		RoundInterval:     true,
		MetricBatchSize:   1000,
		MetricBufferLimit: 10000,
		FlushInterval:     "15s",
	}
	ac.Outputs.InfluxDBv2 = []influxDBv2{{
		URLs:         []string{fmt.Sprintf("%s:%d", c.URL, c.Port)},
		Token:        "$INFLUX_TOKEN",
		Organization: c.Authentication.Organization,
		Bucket:       c.Bucket,
	}}
	ac.Inputs.CPU = []cpuInput{{PerCPU: true, TotalCPU: true}}
	ac.Inputs.Disk = []diskInput{{IgnoreFS: []string{"devtmpfs", "devfs", "squashfs", "tmpfs", "overlay"}}}
	ac.Inputs.Mem = []empty{{}}
	ac.Inputs.Net = []empty{{}}
	ac.Inputs.Netstat = []empty{{}}
	ac.Inputs.System = []empty{{}}
	ac.Inputs.Kernel = []empty{{}}
	ac.Inputs.Processes = []empty{{}}
	if c.Source == "all" || c.Source == "firewall" {
		var cmds []string
		for _, chain := range t.FirewallChains {
			cmds = append(cmds, fmt.Sprintf("%s/show_firewall_chain %s", customScriptsDir, chain))
		}
		if len(cmds) > 0 {
			ac.Inputs.Exec = []execInput{{Commands: cmds, DataFormat: "influx", Timeout: "10s"}}
		}
	}
	return ac
}

func generateTelegraf(env *commit.Env, t *Telegraf) error {
	if t.Deleted {
		return env.Render.Remove(configFile, unitFile, overrideFile)
	}
	data, err := toml.Marshal(t.agentConfig())
	if err != nil {
		return fmt.Errorf("failed to encode telegraf config: %w", err)
	}
	confChanged, err := env.Render.UpdateFile(configFile, data, render.Public)
	if err != nil {
		return err
	}
	unitChanged, err := env.Render.Update(unitFile, "telegraf/vyos-telegraf.service.tmpl", map[string]string{"Config": configFile}, render.Public)
	if err != nil {
		return err
	}
	// the token only lives in the unit environment
	envChanged, err := env.Render.Update(overrideFile, "telegraf/override.conf.tmpl", map[string]string{
		"Token": t.Config.Authentication.Token,
	}, render.Secret)
	t.changed = confChanged || unitChanged || envChanged
	return err
}

func applyTelegraf(env *commit.Env, t *Telegraf) error {
	ctx := env.Ctx
	if err := env.Proc.Systemctl(ctx, "daemon-reload", ""); err != nil {
		return err
	}
	if t.Deleted {
		return env.Proc.Systemctl(ctx, "stop", Unit)
	}
	if !t.changed && env.Proc.IsServiceRunning(ctx, Unit) {
		return nil
	}
	return env.Proc.Systemctl(ctx, "restart", Unit)
}

func Handler() commit.Handler {
	return commit.Funcs[*Telegraf]{Get: getTelegraf, Check: verifyTelegraf, Gen: generateTelegraf, Act: applyTelegraf}
}
