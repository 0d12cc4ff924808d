package commit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"vycore/configdep"
	"vycore/configtree"
	"vycore/ifconfig"
	"vycore/internal/failure"
	"vycore/process"
	"vycore/render"
	"vycore/schema"
)

// Job is one scheduled handler run.
type Job struct {
	Owner    string
	Instance string
	Path     []string
}

func (j Job) String() string {
	if j.Instance == "" {
		return j.Owner
	}
	return j.Owner + " " + j.Instance
}

// Result describes a finished commit.
type Result struct {
	Revision   string
	Changes    []configtree.Change
	Jobs       []Job
	Dependents []configdep.Item
}

// PostCommitFunc runs after a successful commit. Its failure is logged and
// does not fail the commit.
type PostCommitFunc func(ctx context.Context, sess *configtree.Session, res Result) error

// Runtime drives handlers through a commit.
type Runtime struct {
	Schema   *schema.Schema
	Handlers map[string]Handler
	Proc     *process.Adapter
	Render   *render.Renderer
	Links    ifconfig.LinkReader
	Sys      process.Sysfs
	LockPath string
	Archive  *Archive
	Metrics  *Metrics
	Post     []PostCommitFunc
}

// Plan lists the handler runs the difference between the trees needs, in
// schema priority order. A tag binding runs once per changed instance.
func (r *Runtime) Plan(sess *configtree.Session) []Job {
	var jobs []Job
	seen := map[string]bool{}
	add := func(j Job) {
		if seen[j.String()] {
			return
		}
		seen[j.String()] = true
		jobs = append(jobs, j)
	}
	for _, b := range r.Schema.Bindings() {
		if !b.Tag {
			if sess.IsNodeChanged(b.Path...) {
				add(Job{Owner: b.Owner, Path: b.Path})
			}
			continue
		}
		instances := map[string]bool{}
		for _, name := range sess.ListEffectiveNodes(b.Path...) {
			instances[name] = true
		}
		for _, name := range sess.ListNodes(b.Path...) {
			instances[name] = true
		}
		names := make([]string, 0, len(instances))
		for name := range instances {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p := append(append([]string{}, b.Path...), name)
			if sess.IsNodeChanged(p...) {
				add(Job{Owner: b.Owner, Instance: name, Path: p})
			}
		}
	}
	return jobs
}

func (r *Runtime) env(ctx context.Context, sess *configtree.Session, deps *configdep.Queue, instance string) *Env {
	return &Env{
		Ctx:      ctx,
		Config:   sess,
		Deps:     deps,
		Proc:     r.Proc,
		Render:   r.Render,
		Links:    r.Links,
		Sys:      r.Sys,
		Instance: instance,
	}
}

func (r *Runtime) handler(owner string) (Handler, error) {
	h, ok := r.Handlers[owner]
	if !ok {
		return nil, failure.Internal(nil, "no handler registered for %s", owner)
	}
	return h, nil
}

// Commit moves the system from running to candidate. Verify runs for every
// scheduled handler before any of them generates; generate and apply then
// run per handler in order, and queued dependents run last.
func (r *Runtime) Commit(ctx context.Context, running, candidate *configtree.Node) (Result, error) {
	var res Result
	lock, err := AcquireLock(r.LockPath)
	if err != nil {
		return res, err
	}
	defer lock.Release()

	start := time.Now()
	res, err = r.commit(ctx, running, candidate)
	r.Metrics.observeCommit(err, time.Since(start))
	return res, err
}

func (r *Runtime) commit(ctx context.Context, running, candidate *configtree.Node) (Result, error) {
	var res Result
	if err := candidate.Validate(r.Schema); err != nil {
		return res, failure.Config(nil, "%s", err.Error())
	}
	sess := configtree.NewSession(r.Schema, running, candidate)
	deps := configdep.New(r.Schema.Priority)
	res.Changes = configtree.Diff(sess.Running, sess.Candidate)
	res.Jobs = r.Plan(sess)
	if len(res.Jobs) == 0 {
		log.Info().Msg("no configuration changes to commit")
		return res, nil
	}

	intents := make([]any, len(res.Jobs))
	for i, job := range res.Jobs {
		h, err := r.handler(job.Owner)
		if err != nil {
			return res, err
		}
		env := r.env(ctx, sess, deps, job.Instance)
		intent, err := h.GetConfig(env)
		if err != nil {
			return res, fmt.Errorf("%s: %w", job, err)
		}
		if err := h.Verify(intent); err != nil {
			log.Error().Str("handler", job.String()).Err(err).Msg("verify failed")
			return res, err
		}
		intents[i] = intent
	}

	// past verify the commit runs to completion even if the caller goes away
	ctx = context.WithoutCancel(ctx)
	for i, job := range res.Jobs {
		h, _ := r.handler(job.Owner)
		env := r.env(ctx, sess, deps, job.Instance)
		if err := r.generateApply(job, h, env, intents[i]); err != nil {
			return res, err
		}
	}

	res.Dependents = deps.Pending()
	depErr := deps.Drain(func(item configdep.Item) error {
		h, err := r.handler(item.Kind)
		if err != nil {
			return err
		}
		env := r.env(ctx, sess, deps, item.Instance)
		env.Dependent = true
		intent, err := h.GetConfig(env)
		if err != nil {
			return err
		}
		if err := h.Verify(intent); err != nil {
			return err
		}
		return r.generateApply(Job{Owner: item.Kind, Instance: item.Instance}, h, env, intent)
	})

	if r.Archive != nil {
		rev := &Revision{Paths: configtree.TopLevel(res.Changes), Config: candidate.String()}
		if err := r.Archive.Record(ctx, rev); err != nil {
			log.Error().Err(err).Msg("failed to archive revision")
		}
		res.Revision = rev.ID
	}
	for _, post := range r.Post {
		if err := post(ctx, sess, res); err != nil {
			log.Warn().Err(err).Msg("post-commit hook failed")
		}
	}
	return res, depErr
}

func (r *Runtime) generateApply(job Job, h Handler, env *Env, intent any) error {
	start := time.Now()
	r.Render.Begin()
	if err := h.Generate(env, intent); err != nil {
		if rbErr := r.Render.Rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		log.Error().Str("handler", job.String()).Err(err).Msg("generate failed")
		r.Metrics.observeHandler(job.Owner, "generate", err, time.Since(start))
		return err
	}
	r.Render.Commit()
	if err := h.Apply(env, intent); err != nil {
		log.Error().Str("handler", job.String()).Err(err).Msg("apply failed")
		r.Metrics.observeHandler(job.Owner, "apply", err, time.Since(start))
		return err
	}
	log.Info().Str("handler", job.String()).Dur("took", time.Since(start)).Msg("handler applied")
	r.Metrics.observeHandler(job.Owner, "apply", nil, time.Since(start))
	return nil
}

// Summary renders jobs for the operator.
func Summary(res Result) string {
	var sb strings.Builder
	for _, c := range res.Changes {
		sb.WriteString(c.String())
		sb.WriteString("\n")
	}
	return sb.String()
}
