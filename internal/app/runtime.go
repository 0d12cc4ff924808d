package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"vycore/commit"
	"vycore/conf/all"
	"vycore/configsync"
	"vycore/configtree"
	"vycore/constant"
	"vycore/ifconfig"
	"vycore/internal/failure"
	"vycore/models"
	"vycore/process"
	"vycore/render"
	"vycore/schema"
)

// NewRuntime assembles the commit runtime of the live system. The archive
// is left out when no archive file is configured.
func NewRuntime(s models.Settings, proc *process.Adapter, reg prometheus.Registerer) (*commit.Runtime, error) {
	sch, err := schema.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	rd, err := render.New(constant.RamdiskDir)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare renderer: %w", err)
	}
	rt := &commit.Runtime{
		Schema:   sch,
		Handlers: all.Handlers(),
		Proc:     proc,
		Render:   rd,
		Links:    ifconfig.NetlinkReader{},
		Sys:      process.Sysfs{},
		LockPath: constant.CommitLockFile,
	}
	if reg != nil {
		rt.Metrics = commit.NewMetrics(reg)
	}
	if s.Commit.ArchiveFile != "" {
		archive, err := commit.OpenArchive(s.Commit.ArchiveFile)
		if err != nil {
			return nil, err
		}
		rt.Archive = archive
	}
	rt.Post = append(rt.Post, configsync.New().PostCommit)
	return rt, nil
}

// CommitFile commits candidate on top of the configuration in runningPath
// and stores candidate there once every handler succeeded.
func CommitFile(ctx context.Context, rt *commit.Runtime, runningPath string, candidate *configtree.Node, keep int) (commit.Result, error) {
	running, err := configtree.LoadFile(runningPath)
	if err != nil {
		return commit.Result{}, failure.Internal(err, "failed to read the running configuration")
	}
	res, err := rt.Commit(ctx, running, candidate)
	if err != nil {
		return res, err
	}
	if len(res.Jobs) == 0 {
		return res, nil
	}
	if err := rt.Render.WriteFile(runningPath, []byte(candidate.String()), render.Options{Mode: 0o640}); err != nil {
		return res, failure.Internal(err, "failed to store the running configuration")
	}
	if rt.Archive != nil {
		if n, err := rt.Archive.Prune(ctx, keep); err != nil {
			log.Warn().Err(err).Msg("failed to prune revision archive")
		} else if n > 0 {
			log.Debug().Int64("revisions", n).Msg("pruned revision archive")
		}
	}
	return res, nil
}

// SetRuntime replaces the runtime Start would build.
func (a *App) SetRuntime(rt *commit.Runtime) {
	a.runtime = rt
}

// Commit serialises commits issued through the daemon.
func (a *App) Commit(ctx context.Context, candidate *configtree.Node) (commit.Result, error) {
	if a.runtime == nil {
		return commit.Result{}, failure.UnsupportedOperation("commit runtime is not ready")
	}
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	s := a.Settings()
	return CommitFile(ctx, a.runtime, s.Commit.RunningFile, candidate, s.Commit.ArchiveKeep)
}

// ConfigureSection applies a config-sync request on top of the running
// configuration and commits it. "load" deletes the mask first, "set" only
// adds.
func (a *App) ConfigureSection(ctx context.Context, req models.ConfigureSectionRequest) (commit.Result, error) {
	if a.runtime == nil {
		return commit.Result{}, failure.UnsupportedOperation("commit runtime is not ready")
	}
	a.commitMu.Lock()
	defer a.commitMu.Unlock()
	s := a.Settings()
	running, err := configtree.LoadFile(s.Commit.RunningFile)
	if err != nil {
		return commit.Result{}, failure.Internal(err, "failed to read the running configuration")
	}
	candidate, err := ApplySection(a.runtime.Schema, running, req)
	if err != nil {
		a.metrics.section(req.Op, err)
		return commit.Result{}, err
	}
	res, err := CommitFile(ctx, a.runtime, s.Commit.RunningFile, candidate, s.Commit.ArchiveKeep)
	a.metrics.section(req.Op, err)
	return res, err
}

// ApplySection returns a copy of running with req applied.
func ApplySection(s *schema.Schema, running *configtree.Node, req models.ConfigureSectionRequest) (*configtree.Node, error) {
	candidate := running.Clone()
	if req.Op == "load" {
		masks, err := configtree.DictPaths(req.Mask)
		if err != nil {
			return nil, failure.IncorrectValue("malformed mask: %v", err)
		}
		for _, p := range masks {
			// absent sections are fine, the peer may be adding them
			_ = candidate.Delete(p...)
		}
	} else if req.Op != "set" {
		return nil, failure.IncorrectValue("unsupported operation %q", req.Op)
	}
	paths, err := configtree.DictPaths(req.Config)
	if err != nil {
		return nil, failure.IncorrectValue("malformed config: %v", err)
	}
	for _, p := range paths {
		if err := candidate.Set(s, p...); err != nil {
			return nil, failure.Config(p, "%s", err.Error())
		}
	}
	return candidate, nil
}
