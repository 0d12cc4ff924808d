package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

func subscribeLinkUpdates() (chan netlink.LinkUpdate, chan struct{}, error) {
	linkUpdateChannel := make(chan netlink.LinkUpdate)
	done := make(chan struct{})
	if err := netlink.LinkSubscribe(linkUpdateChannel, done); err != nil {
		return nil, nil, fmt.Errorf("failed to subscribe to link updates: %w", err)
	}
	return linkUpdateChannel, done, nil
}

// handleLink logs link changes. An operational state change pokes the WAN
// load balancer so it re-reads DHCP next hops without waiting for a probe.
func (a *App) handleLink(event netlink.LinkUpdate) {
	attrs := event.Link.Attrs()
	switch event.Header.Type {
	case unix.RTM_NEWLINK:
		if event.Change&unix.IFF_UP == 0 && event.Change != 0xFFFFFFFF {
			a.metrics.link("change")
			return
		}
		state := "down"
		if attrs.Flags&unix.IFF_UP != 0 && attrs.OperState == netlink.OperUp {
			state = "up"
		}
		log.Debug().Str("interface", attrs.Name).Str("state", state).Msg("interface event")
		a.metrics.link(state)
		if err := signalPIDFile(a.wlbPIDPath, unix.SIGUSR2); err != nil {
			log.Debug().Err(err).Msg("wan load balancer not notified")
		}
	case unix.RTM_DELLINK:
		log.Debug().Str("interface", attrs.Name).Msg("interface del")
		a.metrics.link("del")
	}
}

// signalPIDFile sends sig to the process recorded in path.
func signalPIDFile(path string, sig unix.Signal) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid PID file %s", path)
	}
	return unix.Kill(pid, sig)
}
