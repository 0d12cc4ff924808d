// Package interfaces holds the commit handlers for "interfaces <kind> <name>".
package interfaces

import (
	"slices"

	"vycore/commit"
	"vycore/configtree"
	"vycore/ifconfig"
	"vycore/internal/failure"
)

// Handler owners as bound in the schema.
const (
	OwnerEthernet  = "interfaces_ethernet"
	OwnerBridge    = "interfaces_bridge"
	OwnerBonding   = "interfaces_bonding"
	OwnerTunnel    = "interfaces_tunnel"
	OwnerVXLAN     = "interfaces_vxlan"
	OwnerWireguard = "interfaces_wireguard"
	OwnerMACsec    = "interfaces_macsec"
)

var ownerOf = map[ifconfig.Kind]string{
	ifconfig.KindEthernet:  OwnerEthernet,
	ifconfig.KindBridge:    OwnerBridge,
	ifconfig.KindBond:      OwnerBonding,
	ifconfig.KindTunnel:    OwnerTunnel,
	ifconfig.KindVXLAN:     OwnerVXLAN,
	ifconfig.KindWireguard: OwnerWireguard,
	ifconfig.KindMACsec:    OwnerMACsec,
}

func ifPath(kind ifconfig.Kind, name string, rest ...string) []string {
	return append([]string{"interfaces", string(kind), name}, rest...)
}

func sub(path []string, rest ...string) []string {
	return append(append([]string{}, path...), rest...)
}

// load decodes the candidate config of one interface. Containers listed in
// recursive get their schema defaults even when the operator never
// created them.
func load(sess *configtree.Session, kind ifconfig.Kind, name string, out any, recursive ...string) (bool, error) {
	return sess.DecodeWithDefaults(ifPath(kind, name), out, recursive...)
}

// Facts describe how an interface is used elsewhere in the candidate.
// They are gathered by get so verify never reads the datastore.
type Facts struct {
	Name       string
	Exists     bool
	BridgeOf   string
	BondOf     string
	SourceOf   string
	HasAddress bool
	HasVRF     bool
	Configured bool
}

func linkExists(env *commit.Env, name string) bool {
	_, err := env.IfDeps().Links.Link(name)
	return err == nil
}

// inspect gathers facts about name, ignoring memberships in self.
func inspect(env *commit.Env, name, self string) Facts {
	sess := env.Config
	f := Facts{Name: name, Exists: linkExists(env, name)}
	for _, br := range sess.ListNodes("interfaces", "bridge") {
		if br != self && sess.Exists("interfaces", "bridge", br, "member", "interface", name) {
			f.BridgeOf = br
			break
		}
	}
	for _, bond := range sess.ListNodes("interfaces", "bonding") {
		if bond != self && slices.Contains(sess.ReturnValues("interfaces", "bonding", bond, "member", "interface"), name) {
			f.BondOf = bond
			break
		}
	}
	for _, kind := range []ifconfig.Kind{ifconfig.KindTunnel, ifconfig.KindVXLAN, ifconfig.KindMACsec} {
		for _, other := range sess.ListNodes("interfaces", string(kind)) {
			if other != self && sess.ReturnValue(ifPath(kind, other, "source-interface")...) == name {
				f.SourceOf = other
			}
		}
	}
	if kind, ok := ifconfig.KindOf(name); ok {
		f.Configured = sess.Exists(ifPath(kind, name)...)
		f.HasAddress = len(sess.ReturnValues(ifPath(kind, name, "address")...)) > 0
		f.HasVRF = sess.Exists(ifPath(kind, name, "vrf")...)
	}
	return f
}

// verifyMember holds the rules shared by bridge and bond ports.
func verifyMember(path []string, f Facts, owner, what string) error {
	msg := "Can not add interface " + f.Name + " to " + what + " " + owner + ", "
	switch {
	case f.Name == "lo":
		return failure.Config(path, "Loopback interface lo can not be added to a %s", what)
	case f.BridgeOf != "":
		return failure.Config(path, "%sit is already a member of bridge %s", msg, f.BridgeOf)
	case f.BondOf != "":
		return failure.Config(path, "%sit is already a member of bond %s", msg, f.BondOf)
	case f.SourceOf != "":
		return failure.Config(path, "%sit is the source-interface of %s", msg, f.SourceOf)
	case f.HasAddress:
		return failure.Config(path, "%sit has an address assigned", msg)
	case f.HasVRF:
		return failure.Config(path, "%sit has a VRF assigned", msg)
	}
	return nil
}

// verifyDelete refuses to delete an interface that is still a port.
func verifyDelete(path []string, f Facts) error {
	if f.BridgeOf != "" {
		return failure.Config(path, "Interface %s cannot be deleted as it is a member of bridge %s", f.Name, f.BridgeOf)
	}
	if f.BondOf != "" {
		return failure.Config(path, "Interface %s cannot be deleted as it is a member of bond %s", f.Name, f.BondOf)
	}
	return nil
}

// verifyPort rejects settings the master owns on a bridge or bond port.
func verifyPort(path []string, f Facts, base ifconfig.BaseConfig) error {
	master := f.BridgeOf
	if master == "" {
		master = f.BondOf
	}
	if master == "" {
		return nil
	}
	if len(base.Address) > 0 {
		return failure.Config(path, "Can not assign address to interface %s which is a member of %s", f.Name, master)
	}
	if base.VRF != "" {
		return failure.Config(path, "Can not assign VRF to interface %s which is a member of %s", f.Name, master)
	}
	return nil
}

func verifyMTU(path []string, mtu, lo, hi int) error {
	if mtu != 0 && (mtu < lo || mtu > hi) {
		return failure.Config(sub(path, "mtu"), "MTU %d is out of range %d-%d", mtu, lo, hi)
	}
	return nil
}

// remove tears down a deleted interface.
func remove(env *commit.Env, name string) error {
	nk, err := ifconfig.Open(name, env.IfDeps())
	if err != nil {
		return err
	}
	return nk.Remove(env.Ctx)
}

// requeueMember asks the owner of a port to re-apply because its upper
// device changed.
func requeueMember(env *commit.Env, member string) {
	kind, ok := ifconfig.KindOf(member)
	if !ok {
		return
	}
	switch kind {
	case ifconfig.KindVXLAN, ifconfig.KindWWAN:
		if owner, ok := ownerOf[kind]; ok {
			env.SetDependents(owner, member)
		}
	}
}

// Handlers returns every interface handler keyed by owner.
func Handlers() map[string]commit.Handler {
	return map[string]commit.Handler{
		OwnerEthernet:  EthernetHandler(),
		OwnerBridge:    BridgeHandler(),
		OwnerBonding:   BondHandler(),
		OwnerTunnel:    TunnelHandler(),
		OwnerVXLAN:     VXLANHandler(),
		OwnerWireguard: WireguardHandler(),
		OwnerMACsec:    MACsecHandler(),
	}
}
