package ifconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type VXLANParams struct {
	VNI              string
	Remotes          []string
	Group            string
	SourceAddress    string
	SourceInterface  string
	Port             int
	External         bool
	NoLearning       bool
	NeighborSuppress bool
	TTL              int
	TOS              string
	DF               string
}

type VXLAN struct {
	*Interface
	Params VXLANParams
}

func NewVXLAN(name string, d Deps, p VXLANParams) *VXLAN {
	return &VXLAN{Interface: newInterface(name, KindVXLAN, d, nil), Params: p}
}

func (v *VXLAN) linkAdd() string {
	p := v.Params
	args := []string{"ip link add", v.name, "type vxlan"}
	if p.External {
		args = append(args, "external")
	} else {
		args = append(args, "id", p.VNI)
	}
	if p.SourceAddress != "" {
		args = append(args, "local", p.SourceAddress)
	}
	switch {
	case p.Group != "":
		args = append(args, "group", p.Group)
	case len(p.Remotes) > 0:
		args = append(args, "remote", p.Remotes[0])
	}
	if p.SourceInterface != "" {
		args = append(args, "dev", p.SourceInterface)
	}
	args = append(args, "dstport", fmt.Sprint(p.Port))
	if p.NoLearning {
		args = append(args, "nolearning")
	}
	if p.TTL != 0 {
		args = append(args, "ttl", fmt.Sprint(p.TTL))
	}
	if p.TOS != "" {
		args = append(args, "tos", p.TOS)
	}
	if p.DF != "" {
		args = append(args, "df", p.DF)
	}
	return strings.Join(args, " ")
}

func (v *VXLAN) Create(ctx context.Context) error {
	if v.Exists() {
		return nil
	}
	v.created = true
	return v.add(ctx)
}

// Recreate replaces a live VXLAN whose immutable parameters changed.
func (v *VXLAN) Recreate(ctx context.Context) error {
	if err := v.Remove(ctx); err != nil {
		return err
	}
	v.created = true
	return v.add(ctx)
}

func (v *VXLAN) add(ctx context.Context) error {
	errs := []error{v.run(ctx, "%s", v.linkAdd())}
	// the first remote is part of the link, the rest are flood entries
	if v.Params.Group == "" && len(v.Params.Remotes) > 1 {
		for _, r := range v.Params.Remotes[1:] {
			errs = append(errs, v.run(ctx, "bridge fdb append 00:00:00:00:00:00 dev %s dst %s", v.name, r))
		}
	}
	if v.Params.NeighborSuppress {
		errs = append(errs, v.run(ctx, "bridge link set dev %s neigh_suppress on", v.name))
	}
	return errors.Join(errs...)
}
