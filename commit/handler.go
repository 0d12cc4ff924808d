package commit

import (
	"context"
	"fmt"

	"vycore/configdep"
	"vycore/configtree"
	"vycore/ifconfig"
	"vycore/process"
	"vycore/render"
)

// Env is everything a handler stage may touch. Verify never gets one.
type Env struct {
	Ctx      context.Context
	Config   *configtree.Session
	Deps     *configdep.Queue
	Proc     *process.Adapter
	Render   *render.Renderer
	Links    ifconfig.LinkReader
	Sys      process.Sysfs
	Instance string
	// Dependent is set when the handler runs from the dependent queue.
	Dependent bool
}

// IfDeps bundles the collaborators ifconfig needs.
func (e *Env) IfDeps() ifconfig.Deps {
	links := e.Links
	if links == nil {
		links = ifconfig.NetlinkReader{}
	}
	return ifconfig.Deps{Proc: e.Proc, Links: links, Sys: e.Sys}
}

// SetDependents queues kind for instance once the regular handlers are done.
func (e *Env) SetDependents(kind, instance string) {
	if e.Deps != nil {
		e.Deps.Set(kind, instance)
	}
}

// Handler is the get/verify/generate/apply pipeline bound to one
// configuration path.
type Handler interface {
	GetConfig(env *Env) (any, error)
	Verify(intent any) error
	Generate(env *Env, intent any) error
	Apply(env *Env, intent any) error
}

// Funcs adapts typed stage functions to Handler. Nil stages are no-ops.
type Funcs[T any] struct {
	Get   func(env *Env) (T, error)
	Check func(intent T) error
	Gen   func(env *Env, intent T) error
	Act   func(env *Env, intent T) error
}

func (f Funcs[T]) GetConfig(env *Env) (any, error) {
	return f.Get(env)
}

func (f Funcs[T]) cast(intent any) (T, error) {
	v, ok := intent.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("intent has type %T, want %T", intent, zero)
	}
	return v, nil
}

func (f Funcs[T]) Verify(intent any) error {
	if f.Check == nil {
		return nil
	}
	v, err := f.cast(intent)
	if err != nil {
		return err
	}
	return f.Check(v)
}

func (f Funcs[T]) Generate(env *Env, intent any) error {
	if f.Gen == nil {
		return nil
	}
	v, err := f.cast(intent)
	if err != nil {
		return err
	}
	return f.Gen(env, v)
}

func (f Funcs[T]) Apply(env *Env, intent any) error {
	if f.Act == nil {
		return nil
	}
	v, err := f.cast(intent)
	if err != nil {
		return err
	}
	return f.Act(env, v)
}
