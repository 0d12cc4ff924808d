package main

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"vycore/constant"
	"vycore/internal/daemon"
	"vycore/process"
	"vycore/vrrp"
)

func main() {
	daemon.SetupLogging("vrrp-fifod")
	runner, err := process.NewExecRunner(constant.EnvironmentFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read environment file")
	}
	d := vrrp.New(process.New(runner))
	reg := prometheus.NewRegistry()
	d.Metrics = vrrp.NewMetrics(reg)
	start := func(ctx context.Context) error {
		go daemon.WriteMetrics(ctx, reg, constant.TextfileDir+"/vrrp-fifod.prom", 15*time.Second)
		return d.Start(ctx)
	}
	daemon.Main("vrrp-fifod", constant.VRRPPIDFile, start, func(os.Signal) {
		// keepalived reloads send HUP; the groups are re-read from the dict
		if err := d.Load(); err != nil {
			log.Error().Err(err).Msg("keeping previous VRRP scripts")
		}
	}, syscall.SIGHUP)
}
