package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"vycore/constant"
	"vycore/failover"
	"vycore/internal/daemon"
	"vycore/process"
)

func main() {
	daemon.SetupLogging("failoverd")
	runner, err := process.NewExecRunner(constant.EnvironmentFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read environment file")
	}
	m := failover.New(process.New(runner), constant.FailoverFile)
	reg := prometheus.NewRegistry()
	m.Metrics = failover.NewMetrics(reg)
	daemon.Main("failoverd", constant.FailoverPIDFile, func(ctx context.Context) error {
		go daemon.WriteMetrics(ctx, reg, constant.TextfileDir+"/failoverd.prom", 15*time.Second)
		return m.Start(ctx)
	}, nil)
}
