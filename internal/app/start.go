package app

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog/log"

	netfilterHelper "vycore/netfilter-helper"
)

// Start prepares the runtime and follows kernel link updates until ctx is
// done. The API servers run next to it in vycored.
func (a *App) Start(ctx context.Context) (err error) {
	if !a.enabled.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.enabled.Store(false)

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %s\n", debug.Stack())
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	a.setupLogging()
	s := a.Settings()

	if a.runtime == nil {
		rt, err := NewRuntime(s, a.proc, a.registry)
		if err != nil {
			return err
		}
		a.runtime = rt
		if rt.Archive != nil {
			defer rt.Archive.Close()
		}
	}

	if s.Netfilter.CleanLegacyChains {
		nfh, err := netfilterHelper.New(a.proc, s.Netfilter.LegacyChainPrefix, false, false)
		if err != nil {
			return fmt.Errorf("netfilter helper init fail: %w", err)
		}
		if err := nfh.CleanIPTables(); err != nil {
			log.Warn().Err(err).Msg("failed to clear legacy iptables chains")
		}
	}

	linkUpdateChannel, linkUpdateDone, err := subscribeLinkUpdates()
	if err != nil {
		return err
	}
	defer close(linkUpdateDone)

	log.Info().Msg("vycored core started")
	for {
		select {
		case event, ok := <-linkUpdateChannel:
			if !ok {
				return fmt.Errorf("link subscription closed")
			}
			a.handleLink(event)
		case <-ctx.Done():
			return nil
		}
	}
}
