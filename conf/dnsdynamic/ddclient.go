// Package dnsdynamic renders ddclient for "service dns dynamic".
package dnsdynamic

import (
	"os"
	"slices"
	"strconv"

	"github.com/dlclark/regexp2"
	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/configtree"
	"vycore/constant"
	"vycore/internal/failure"
	"vycore/models"
	"vycore/render"
)

const (
	Owner = "service_dns_dynamic"
	Unit  = "ddclient.service"
)

var (
	configFile   = constant.RunDir + "/ddclient/ddclient.conf"
	overrideFile = constant.SystemdRunDir + "/ddclient.service.d/override.conf"
)

var (
	zoneNecessary = []string{"cloudflare", "digitalocean", "godaddy", "hetzner", "gandi", "nfsn", "nsupdate"}
	zoneSupported = append(slices.Clone(zoneNecessary), "dnsexit2", "zoneedit1")

	usernameUnnecessary = []string{"1984", "cloudflare", "cloudns", "digitalocean", "dnsexit2",
		"duckdns", "freemyip", "hetzner", "keysystems", "njalla", "nsupdate", "regfishde"}

	ttlSupported = []string{"cloudflare", "dnsexit2", "gandi", "hetzner", "godaddy", "nfsn", "nsupdate"}

	dualstackSupported = []string{"cloudflare", "digitalocean", "dnsexit2", "duckdns",
		"dyndns2", "easydns", "freedns", "hetzner", "infomaniak", "njalla"}

	// dyndns2 only honours dual stack on these servers
	dyndnsDualstackServers = []string{"members.dyndns.org", "dynv6.com"}
)

var (
	// interfaces that come and go with a session
	dynamicInterfaceRe = regexp2.MustCompile(`^(ppp|pppoe|sstpc|l2tp|ipoe)[0-9]+$`, regexp2.None)
	// checkip.dyndns.org has no HTTPS endpoint
	plainCheckIPRe = regexp2.MustCompile(`^(https?://)?checkip\.dyndns\.org`, regexp2.IgnoreCase)
)

type Service struct {
	Address *struct {
		Interface string `mapstructure:"interface"`
		Web       *struct {
			URL  string `mapstructure:"url"`
			Skip string `mapstructure:"skip"`
		} `mapstructure:"web"`
	} `mapstructure:"address"`
	Protocol   string   `mapstructure:"protocol"`
	Server     string   `mapstructure:"server"`
	Zone       string   `mapstructure:"zone"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	Key        string   `mapstructure:"key"`
	HostName   []string `mapstructure:"host_name"`
	TTL        string   `mapstructure:"ttl"`
	IPVersion  string   `mapstructure:"ip_version"`
	WaitTime   string   `mapstructure:"wait_time"`
	ExpiryTime string   `mapstructure:"expiry_time"`
}

type Config struct {
	Interval int                `mapstructure:"interval"`
	Name     map[string]Service `mapstructure:"name"`
}

type DynDNS struct {
	Deleted bool
	Config  Config
	// Interfaces lists the interfaces present in the candidate.
	Interfaces []string
}

func getDynDNS(env *commit.Env) (*DynDNS, error) {
	d := &DynDNS{}
	exists, err := env.Config.DecodeAt([]string{"service", "dns", "dynamic"}, false, &d.Config)
	if err != nil {
		return nil, err
	}
	d.Deleted = !exists || len(d.Config.Name) == 0
	for _, kind := range env.Config.ListNodes("interfaces") {
		d.Interfaces = append(d.Interfaces, env.Config.ListNodes("interfaces", kind)...)
	}
	return d, nil
}

func matches(re *regexp2.Regexp, s string) bool {
	ok, err := re.MatchString(s)
	return err == nil && ok
}

func verifyDynDNS(d *DynDNS) error {
	if d.Deleted {
		return nil
	}
	for _, name := range configtree.SortedKeys(d.Config.Name) {
		s := d.Config.Name[name]
		path := []string{"service", "dns", "dynamic", "name", name}
		required := func(field string) error {
			return failure.Config(path, "%q is required for Dynamic DNS service %q", field, name)
		}
		unsupported := func(field string) error {
			return failure.Config(path, "%q is not supported for Dynamic DNS service %q with protocol %q", field, name, s.Protocol)
		}
		switch {
		case s.Protocol == "":
			return required("protocol")
		case s.Address == nil:
			return required("address")
		case len(s.HostName) == 0:
			return required("host-name")
		}
		a := s.Address
		if a.Interface == "" && a.Web == nil {
			return failure.Config(append(path, "address"), `Either "interface" or "web" is required for Dynamic DNS service %q with protocol %q`, name, s.Protocol)
		}
		if a.Interface != "" && a.Web != nil {
			return failure.Config(append(path, "address"), `Both "interface" and "web" at the same time is not supported for Dynamic DNS service %q with protocol %q`, name, s.Protocol)
		}
		if a.Interface != "" && !slices.Contains(d.Interfaces, a.Interface) {
			if !matches(dynamicInterfaceRe, a.Interface) {
				return failure.Config(append(path, "address", "interface"), "Interface %q does not exist!", a.Interface)
			}
			log.Warn().Str("interface", a.Interface).Msgf("interface does not exist yet and cannot be used for Dynamic DNS service %q until it is up", name)
		}
		if w := a.Web; w != nil {
			if w.Skip != "" && w.URL == "" {
				return failure.Config(append(path, "address", "web"), `"url" along with "skip" is required for Dynamic DNS service %q with protocol %q`, name, s.Protocol)
			}
			if matches(plainCheckIPRe, w.URL) {
				log.Warn().Msg(`"checkip.dyndns.org" does not support HTTPS requests for IP address lookup. Please use a different IP address lookup service.`)
			}
		}

		if s.Protocol == "nsupdate" {
			if s.Password != "" {
				return unsupported("password")
			}
			if s.Server == "" {
				return required("server")
			}
			if s.Key == "" {
				return required("key")
			}
		} else if s.Password == "" {
			return required("password")
		}
		if slices.Contains(zoneNecessary, s.Protocol) && s.Zone == "" {
			return required("zone")
		}
		if !slices.Contains(zoneSupported, s.Protocol) && s.Zone != "" {
			return unsupported("zone")
		}
		if !slices.Contains(usernameUnnecessary, s.Protocol) && s.Username == "" {
			return required("username")
		}
		if !slices.Contains(ttlSupported, s.Protocol) && s.TTL != "" {
			return unsupported("ttl")
		}
		if s.IPVersion == "both" {
			if !slices.Contains(dualstackSupported, s.Protocol) {
				return failure.Config(path, "Both IPv4 and IPv6 at the same time is not supported for Dynamic DNS service %q with protocol %q", name, s.Protocol)
			}
			if s.Protocol == "dyndns2" && s.Server != "" && !slices.Contains(dyndnsDualstackServers, s.Server) {
				return failure.Config(path, "Both IPv4 and IPv6 at the same time is not supported for %q with protocol %q", s.Server, s.Protocol)
			}
		}
		for _, h := range s.HostName {
			if !models.ValidDomainPattern(h) {
				return failure.Config(append(path, "host-name"), "%q is not a valid host name", h)
			}
		}
		if s.WaitTime != "" && s.ExpiryTime != "" {
			wait, _ := strconv.Atoi(s.WaitTime)
			expiry, _ := strconv.Atoi(s.ExpiryTime)
			if expiry < wait {
				return failure.Config(path, `"expiry-time" must be greater than "wait-time" for Dynamic DNS service %q`, name)
			}
		}
	}
	return nil
}

type entry struct {
	Name string
	Service
	V4, V6 bool
}

func generateDynDNS(env *commit.Env, d *DynDNS) error {
	if d.Deleted {
		if err := os.Remove(configFile); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	var entries []entry
	for _, name := range configtree.SortedKeys(d.Config.Name) {
		s := d.Config.Name[name]
		entries = append(entries, entry{
			Name:    name,
			Service: s,
			V4:      s.IPVersion != "ipv6",
			V6:      s.IPVersion == "ipv6" || s.IPVersion == "both",
		})
	}
	// holds provider credentials
	if _, err := env.Render.Update(configFile, "ddclient/ddclient.conf.tmpl", map[string]any{
		"Interval": d.Config.Interval,
		"Services": entries,
		"RunDir":   constant.RunDir + "/ddclient",
	}, render.Secret); err != nil {
		return err
	}
	_, err := env.Render.Update(overrideFile, "ddclient/override.conf.tmpl", map[string]string{"Config": configFile}, render.Public)
	return err
}

func applyDynDNS(env *commit.Env, d *DynDNS) error {
	ctx := env.Ctx
	if err := env.Proc.Systemctl(ctx, "daemon-reload", ""); err != nil {
		return err
	}
	if d.Deleted {
		return env.Proc.Systemctl(ctx, "stop", Unit)
	}
	return env.Proc.Systemctl(ctx, "reload-or-restart", Unit)
}

func Handler() commit.Handler {
	return commit.Funcs[*DynDNS]{Get: getDynDNS, Check: verifyDynDNS, Gen: generateDynDNS, Act: applyDynDNS}
}
