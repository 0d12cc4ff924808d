package ifconfig

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// TunnelParams describe an IP tunnel. Most of them cannot change on a
// live link; the handler decides between change and recreate.
type TunnelParams struct {
	Encapsulation   string
	SourceAddress   string
	SourceInterface string
	Remote          string
	Key             string
	TTL             int
	TOS             string
	NoPMTUDiscovery bool
	IgnoreDF        bool
	ERSPANVersion   int
	ERSPANIndex     string
	ERSPANDirection string
	ERSPANHwID      string
}

var (
	// encapsulations managed with "ip tunnel"
	iptunnelModes = []string{"gre", "ip6gre", "ipip", "ipip6", "ip6ip6", "sit"}
	// encapsulations managed with "ip link"
	linkTunnelTypes = []string{"gretap", "ip6gretap", "erspan", "ip6erspan"}
)

func isIP6Mode(encap string) bool {
	return encap == "ip6gre" || encap == "ipip6" || encap == "ip6ip6"
}

// IsLinkTunnel reports encapsulations that are ethernet-like links.
func IsLinkTunnel(encap string) bool {
	return slices.Contains(linkTunnelTypes, encap)
}

type Tunnel struct {
	*Interface
	Params TunnelParams
}

func NewTunnel(name string, d Deps, p TunnelParams) *Tunnel {
	return &Tunnel{Interface: newInterface(name, KindTunnel, d, nil), Params: p}
}

func (t *Tunnel) Bridgeable() bool {
	return IsLinkTunnel(t.Params.Encapsulation)
}

func (t *Tunnel) endpoints() []string {
	p := t.Params
	args := []string{}
	if p.SourceAddress != "" {
		args = append(args, "local", p.SourceAddress)
	}
	remote := p.Remote
	if remote == "" {
		remote = "any"
	}
	return append(args, "remote", remote)
}

func (t *Tunnel) tunnelArgs() []string {
	p := t.Params
	args := t.endpoints()
	if p.TTL != 0 || !p.NoPMTUDiscovery {
		args = append(args, "ttl", fmt.Sprint(p.TTL))
	}
	if p.TOS != "" && p.Encapsulation != "sit" {
		args = append(args, "tos", p.TOS)
	}
	if p.Key != "" {
		args = append(args, "key", p.Key)
	}
	if p.NoPMTUDiscovery {
		args = append(args, "nopmtudisc")
	}
	if p.SourceInterface != "" {
		args = append(args, "dev", p.SourceInterface)
	}
	return args
}

func (t *Tunnel) ipTunnel(verb string) string {
	prefix := "ip tunnel"
	if isIP6Mode(t.Params.Encapsulation) {
		prefix = "ip -6 tunnel"
	}
	return fmt.Sprintf("%s %s %s mode %s %s", prefix, verb, t.name, t.Params.Encapsulation, strings.Join(t.tunnelArgs(), " "))
}

func (t *Tunnel) linkAdd() string {
	p := t.Params
	args := append([]string{"ip link add", t.name, "type", p.Encapsulation}, t.endpoints()...)
	args = append(args, "ttl", fmt.Sprint(p.TTL))
	if strings.HasSuffix(p.Encapsulation, "erspan") {
		args = append(args, "seq", "key", p.Key, "erspan_ver", fmt.Sprint(p.ERSPANVersion))
		if p.ERSPANVersion == 1 {
			args = append(args, "erspan", p.ERSPANIndex)
		} else {
			args = append(args, "erspan_dir", p.ERSPANDirection)
			if p.ERSPANHwID != "" {
				args = append(args, "erspan_hwid", p.ERSPANHwID)
			}
		}
	} else if p.Key != "" {
		args = append(args, "key", p.Key)
	}
	if p.NoPMTUDiscovery {
		args = append(args, "nopmtudisc")
	}
	if p.IgnoreDF {
		args = append(args, "ignore-df")
	}
	if p.SourceInterface != "" {
		args = append(args, "dev", p.SourceInterface)
	}
	return strings.Join(args, " ")
}

func (t *Tunnel) Create(ctx context.Context) error {
	if t.Exists() {
		return nil
	}
	t.created = true
	return t.add(ctx)
}

// Recreate deletes the tunnel and adds it again with the current params.
func (t *Tunnel) Recreate(ctx context.Context) error {
	if err := t.Remove(ctx); err != nil {
		return err
	}
	t.created = true
	return t.add(ctx)
}

func (t *Tunnel) add(ctx context.Context) error {
	if IsLinkTunnel(t.Params.Encapsulation) {
		_, err := t.deps.Proc.Cmd(ctx, t.linkAdd(), nil)
		return err
	}
	if !slices.Contains(iptunnelModes, t.Params.Encapsulation) {
		return fmt.Errorf("unsupported tunnel encapsulation %q", t.Params.Encapsulation)
	}
	_, err := t.deps.Proc.Cmd(ctx, t.ipTunnel("add"), nil)
	return err
}

// Change modifies a live "ip tunnel" mode tunnel in place. It returns
// false when the encapsulation has no in-place change or the kernel
// refused it, in which case the caller recreates the tunnel.
func (t *Tunnel) Change(ctx context.Context) bool {
	if !slices.Contains(iptunnelModes, t.Params.Encapsulation) || !t.Exists() {
		return false
	}
	rc, _ := t.deps.Proc.RcCmd(ctx, t.ipTunnel("change"))
	return rc == 0
}
