package engine

import (
	"context"
	"fmt"

	"github.com/crawlrt/crawlrt/internal/errs"
)

// RequestHandler processes one request, contributing data via rc.PushData
// and discovering more work via rc.EnqueueLink.
type RequestHandler func(ctx context.Context, rc *RequestContext) error

// ErrorHandler observes every handler failure before the engine decides
// retry vs terminal; it cannot change the outcome except by setting
// rc.Request.NoRetry.
type ErrorHandler func(ctx context.Context, rc *RequestContext, err error)

// FailedRequestHandler is invoked only once a request is terminally failed.
type FailedRequestHandler func(ctx context.Context, rc *RequestContext, err error)

// Router dispatches a request to a handler by its Label, falling back to a
// default handler when the request carries no label or no route matches
// one. A labeled request with no matching route and no default is a
// MissingRouteError, which the engine treats as Critical.
type Router struct {
	byLabel  map[string]RequestHandler
	fallback RequestHandler
}

// NewRouter builds an empty Router.
func NewRouter() *Router {
	return &Router{byLabel: map[string]RequestHandler{}}
}

// Handle registers h for requests carrying the given label.
func (r *Router) Handle(label string, h RequestHandler) {
	r.byLabel[label] = h
}

// Default registers the handler used for unlabeled requests, or as a
// fallback when no label-specific route exists.
func (r *Router) Default(h RequestHandler) {
	r.fallback = h
}

// Dispatch resolves and runs the handler for rc.Request's label.
func (r *Router) Dispatch(ctx context.Context, rc *RequestContext) error {
	label := rc.Request.Label
	if h, ok := r.byLabel[label]; ok {
		return h(ctx, rc)
	}
	if r.fallback != nil {
		return r.fallback(ctx, rc)
	}
	return errs.New(errs.KindMissingRoute, fmt.Errorf("no route registered for label %q", label))
}
