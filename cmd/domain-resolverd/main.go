package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/constant"
	"vycore/internal/daemon"
	"vycore/models"
	netfilterHelper "vycore/netfilter-helper"
	"vycore/process"
	"vycore/resolver"
)

func main() {
	daemon.SetupLogging("domain-resolverd")
	runner, err := process.NewExecRunner(constant.EnvironmentFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read environment file")
	}
	proc := process.New(runner)

	start := func(ctx context.Context) error {
		if err := commit.WaitForCommit(ctx, constant.CommitLockFile, time.Second, 0); err != nil {
			return nil
		}
		var cfg models.ResolverConfig
		if err := models.ReadJSON(constant.ResolverFile, &cfg); err != nil {
			return fmt.Errorf("failed to load %s: %w", constant.ResolverFile, err)
		}
		servers, err := resolver.SystemServers(constant.ResolvConf)
		if err != nil {
			return err
		}
		nfh, err := netfilterHelper.New(proc, "VYOS_", false, false)
		if err != nil {
			return fmt.Errorf("netfilter helper init fail: %w", err)
		}
		r := resolver.New(cfg, nfh, servers)
		reg := prometheus.NewRegistry()
		r.Metrics = resolver.NewMetrics(reg)
		go daemon.WriteMetrics(ctx, reg, constant.TextfileDir+"/domain-resolverd.prom", 15*time.Second)
		return r.Start(ctx)
	}
	daemon.Main("domain-resolverd", constant.ResolverPIDFile, start, nil)
}
