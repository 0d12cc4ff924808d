package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/constant"
	"vycore/internal/daemon"
	"vycore/process"
	"vycore/render"
	"vycore/wlb"
)

func main() {
	daemon.SetupLogging("wlbd")
	runner, err := process.NewExecRunner(constant.EnvironmentFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read environment file")
	}
	rd, err := render.New(constant.RamdiskDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to prepare renderer")
	}
	b := wlb.New(process.New(runner), rd)
	reg := prometheus.NewRegistry()
	b.Metrics = wlb.NewMetrics(reg)

	start := func(ctx context.Context) error {
		if err := commit.WaitForCommit(ctx, constant.CommitLockFile, time.Second, 0); err != nil {
			return nil
		}
		go daemon.WriteMetrics(ctx, reg, constant.TextfileDir+"/wlbd.prom", 15*time.Second)
		return b.Start(ctx)
	}
	// the balancer keeps its own PID file for the link notifier
	daemon.Main("wlbd", "", start, func(os.Signal) {
		log.Debug().Msg("link change notified")
		b.RefreshDHCP()
	}, syscall.SIGUSR2)
}
