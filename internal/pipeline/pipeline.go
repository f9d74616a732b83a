// Package pipeline runs a request through an ordered chain of middlewares
// before handing it to a terminal consumer, guaranteeing that every
// middleware whose action completed gets its cleanup run, in reverse order,
// on every exit path — success, a later middleware's failure, or the
// consumer's own failure. It replaces the duck-typed, closure-capturing
// middleware chains the teacher's traffic-sim layers build ad hoc (each
// visit step building and tearing down its own browser/session state
// inline) with an explicit, reusable sum type.
package pipeline

import (
	"context"
	"fmt"

	"github.com/crawlrt/crawlrt/internal/errs"
)

// Context is the extensible record middlewares contribute fields to and the
// terminal consumer finally receives. It is a plain map so each middleware
// can add arbitrary keys without the pipeline needing to know its shape;
// callers wrap typed accessors around it (see internal/engine).
type Context map[string]any

// Clone returns a shallow copy, used so a middleware's partial contribution
// can be merged without mutating the caller's map out from under a
// concurrent reader.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// ActionFunc runs a middleware's setup step, returning the fields it
// contributes to the context (merged into the running context by Call) or
// an error if setup failed.
type ActionFunc func(ctx context.Context, pctx Context) (Context, error)

// CleanupFunc tears down what ActionFunc set up. err is non-nil when the
// pipeline is unwinding because of a later failure; cleanup may inspect it
// but must not panic.
type CleanupFunc func(ctx context.Context, pctx Context, err error)

// Middleware is the sum type {Action, Cleanup} the spec calls for: both are
// typed function values rather than an interface with optional methods, so
// a middleware with no cleanup just leaves Cleanup nil.
type Middleware struct {
	Name    string
	Action  ActionFunc
	Cleanup CleanupFunc
}

// ResultKind discriminates Pipeline.Call's outcome.
type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultInterrupted
	ResultErr
)

// Result is the sum type Ok(ctx) | Interrupted | Err(kind, ctx, cause) the
// spec's design notes call for, replacing exceptions-for-control-flow.
type Result struct {
	Kind  ResultKind
	Ctx   Context
	Err   error
}

// ErrInterrupted is returned by an action to halt the pipeline silently: no
// remaining actions run, no terminal consumer call happens, but cleanups of
// already-completed middlewares still run.
var ErrInterrupted = fmt.Errorf("pipeline: interrupted")

// Pipeline is an ordered, immutable list of middlewares.
type Pipeline struct {
	middlewares []Middleware
}

// New builds a Pipeline from middlewares in call order.
func New(middlewares ...Middleware) *Pipeline {
	return &Pipeline{middlewares: append([]Middleware{}, middlewares...)}
}

// TerminalFunc is the user-supplied consumer run once every middleware's
// action has completed.
type TerminalFunc func(ctx context.Context, pctx Context) error

// Call runs every middleware's action in order, merging its contribution
// into the running context, then invokes terminal. On any exit path it runs
// the cleanups of the middlewares whose actions completed, in reverse
// index order, exactly once each, before returning.
func (p *Pipeline) Call(ctx context.Context, initial Context, terminal TerminalFunc) Result {
	running := initial
	if running == nil {
		running = Context{}
	}

	completed := make([]Middleware, 0, len(p.middlewares))

	for i, m := range p.middlewares {
		contributed, err := m.Action(ctx, running)
		if err != nil {
			if err == ErrInterrupted {
				p.runCleanups(ctx, running, completed, nil)
				return Result{Kind: ResultInterrupted, Ctx: running}
			}
			initErr := wrapActionErr(m.Name, i, err)
			p.runCleanups(ctx, running, completed, initErr)
			return Result{Kind: ResultErr, Ctx: running, Err: initErr}
		}
		for k, v := range contributed {
			running[k] = v
		}
		completed = append(completed, m)
	}

	if err := terminal(ctx, running); err != nil {
		handlerErr := fmt.Errorf("request handler: %w", err)
		p.runCleanups(ctx, running, completed, handlerErr)
		return Result{Kind: ResultErr, Ctx: running, Err: handlerErr}
	}

	p.runCleanups(ctx, running, completed, nil)
	return Result{Kind: ResultOK, Ctx: running}
}

// wrapActionErr attaches the failing middleware's stage index to err while
// preserving its underlying errs.Kind, so a fetch/navigation action's
// KindNavigation/KindBlocked/KindTimeout survives into the engine's retry
// decision instead of being flattened to KindCritical. Only an action error
// that doesn't already carry a Kind — a middleware bug, not a classified
// fetch failure — is treated as Critical, matching §7's "uncaught errors are
// terminal" default.
func wrapActionErr(name string, stage int, err error) *errs.Error {
	wrapped := fmt.Errorf("%s: %w", name, err)
	var e *errs.Error
	if errs.As(err, &e) {
		return errs.New(e.Kind, wrapped).WithStage(stage)
	}
	return errs.New(errs.KindCritical, wrapped).WithStage(stage)
}

// runCleanups runs the cleanup of every completed middleware in reverse
// index order, passing err (nil on the success path) to each.
func (p *Pipeline) runCleanups(ctx context.Context, running Context, completed []Middleware, err error) {
	for i := len(completed) - 1; i >= 0; i-- {
		m := completed[i]
		if m.Cleanup != nil {
			m.Cleanup(ctx, running, err)
		}
	}
}
