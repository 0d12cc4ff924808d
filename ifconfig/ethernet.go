package ifconfig

import (
	"context"
	"errors"
	"fmt"
)

// Ethernet is a physical port. It is never created or deleted, only
// configured and released.
type Ethernet struct {
	*Interface
}

func NewEthernet(name string, d Deps) *Ethernet {
	return &Ethernet{Interface: newInterface(name, KindEthernet, d, nil)}
}

func (e *Ethernet) Create(context.Context) error {
	if !e.Exists() {
		return fmt.Errorf("%w: %s", ErrNoSuchLink, e.name)
	}
	return nil
}

// Remove releases the port: addresses flushed, link down.
func (e *Ethernet) Remove(ctx context.Context) error {
	if !e.Exists() {
		return nil
	}
	return errors.Join(
		e.FlushAddresses(ctx),
		e.run(ctx, "ip link set dev %s down", e.name),
	)
}

// SetSpeedDuplex forces link parameters or re-enables autonegotiation.
func (e *Ethernet) SetSpeedDuplex(ctx context.Context, speed, duplex string) error {
	if speed == "auto" || duplex == "auto" {
		return e.run(ctx, "ethtool -s %s autoneg on", e.name)
	}
	return e.run(ctx, "ethtool -s %s speed %s duplex %s autoneg off", e.name, speed, duplex)
}

// SetOffload toggles one ethtool feature.
func (e *Ethernet) SetOffload(ctx context.Context, feature string, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	return e.run(ctx, "ethtool -K %s %s %s", e.name, feature, state)
}
