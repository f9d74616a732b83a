// Package engine wires RequestQueue, SessionPool, ProxyPool, BrowserPool and
// ContextPipeline into the single task function handed to
// internal/autoscale.AutoscaledPool, generalizing the teacher's
// internal/simulator.Simulator event loop (worker-slot acquisition, token-
// bucket rate limiting, per-visit timeout, retry/error aggregation) from a
// fixed ad-traffic visit loop into a data-driven crawl over RequestQueue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crawlrt/crawlrt/internal/autoscale"
	"github.com/crawlrt/crawlrt/internal/browserpool"
	"github.com/crawlrt/crawlrt/internal/crawlconfig"
	"github.com/crawlrt/crawlrt/internal/errs"
	"github.com/crawlrt/crawlrt/internal/events"
	"github.com/crawlrt/crawlrt/internal/pipeline"
	"github.com/crawlrt/crawlrt/internal/proxy"
	"github.com/crawlrt/crawlrt/internal/queue"
	"github.com/crawlrt/crawlrt/internal/session"
	"github.com/crawlrt/crawlrt/internal/store"
	"github.com/crawlrt/crawlrt/pkg/logger"
	"github.com/crawlrt/crawlrt/pkg/lru"
)

// Mode selects whether the engine drives plain HTTP requests or headless
// browser pages.
type Mode int

const (
	ModeHTTP Mode = iota
	ModeBrowser
)

// Options configures a CrawlEngine.
type Options struct {
	Config   *crawlconfig.Config
	Mode     Mode
	Queue    *queue.RequestQueue
	Sessions *session.Pool
	Proxies  *proxy.ProxyPool
	Browsers *browserpool.Pool
	Fetcher  Fetcher
	Store    store.KeyValueStore

	Router               *Router
	ErrorHandler         ErrorHandler
	FailedRequestHandler FailedRequestHandler

	SystemInfoBus   *events.Bus[events.SystemInfo]
	SessionRetired  *events.Bus[events.SessionRetired]
	Log             *logger.Logger
}

// CrawlEngine is component C9: it owns the autoscaled pool and supplies its
// RunTaskFunc/IsTaskReadyFunc/IsFinishedFunc.
type CrawlEngine struct {
	cfg      *crawlconfig.Config
	mode     Mode
	queue    *queue.RequestQueue
	sessions *session.Pool
	proxies  *proxy.ProxyPool
	browsers *browserpool.Pool
	fetcher  Fetcher
	kv       store.KeyValueStore

	router               *Router
	errorHandler         ErrorHandler
	failedRequestHandler FailedRequestHandler

	log *logger.Logger

	pool *autoscale.AutoscaledPool

	seenLinks *lru.Cache[string, struct{}]

	handledOrFailed int64
	stats           Stats

	keepAlive bool
}

// New builds a CrawlEngine from Options, applying crawlconfig defaults that
// were not already resolved by the caller.
func New(opts Options) (*CrawlEngine, error) {
	if opts.Config == nil {
		opts.Config = crawlconfig.Default()
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("engine: Queue is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("engine: Router is required")
	}
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	log = log.Component("engine")

	e := &CrawlEngine{
		cfg:                  opts.Config,
		mode:                 opts.Mode,
		queue:                opts.Queue,
		sessions:             opts.Sessions,
		proxies:              opts.Proxies,
		browsers:             opts.Browsers,
		fetcher:              opts.Fetcher,
		kv:                   opts.Store,
		router:               opts.Router,
		errorHandler:         opts.ErrorHandler,
		failedRequestHandler: opts.FailedRequestHandler,
		log:                  log,
		seenLinks:            lru.New[string, struct{}](1000),
		keepAlive:            opts.Config.KeepAlive,
	}

	poolCfg := autoscale.PoolConfig{
		MinConcurrency:          opts.Config.MinConcurrency,
		MaxConcurrency:          opts.Config.MaxConcurrency,
		DesiredConcurrencyRatio: opts.Config.DesiredConcurrencyRatio,
		ScaleUpStepRatio:        opts.Config.ScaleUpStepRatio,
		ScaleDownStepRatio:      opts.Config.ScaleDownStepRatio,
		MaybeRunInterval:        time.Duration(opts.Config.MaybeRunIntervalMs) * time.Millisecond,
		ScaleInterval:           time.Duration(opts.Config.ScaleIntervalSecs) * time.Second,
		MaxTasksPerMinute:       opts.Config.MaxTasksPerMinute,
		RunTaskFunc:             e.runTask,
		IsTaskReadyFunc:         e.isTaskReady,
		IsFinishedFunc:          e.isFinished,
	}
	e.pool = autoscale.NewAutoscaledPool(poolCfg, opts.SystemInfoBus, log)

	if opts.SessionRetired != nil && opts.Browsers != nil {
		// BrowserPool subscribes to the same bus itself (see
		// browserpool.New); the engine does not need its own subscription.
		_ = opts.SessionRetired
	}

	return e, nil
}

// Run starts the autoscaled pool and blocks until the crawl finishes or ctx
// is canceled.
func (e *CrawlEngine) Run(ctx context.Context) error {
	return e.pool.Run(ctx)
}

// Abort cancels the crawl with reason, same as AutoscaledPool.Abort.
func (e *CrawlEngine) Abort(reason error) {
	e.pool.Abort(reason)
}

// Teardown disables keep-alive mode so isFinishedFunc can observe the queue
// draining, for engines started with Config.KeepAlive.
func (e *CrawlEngine) Teardown() {
	e.keepAlive = false
}

func (e *CrawlEngine) capExhausted() bool {
	if e.cfg.MaxRequestsPerCrawl <= 0 {
		return false
	}
	return atomic.LoadInt64(&e.handledOrFailed) >= int64(e.cfg.MaxRequestsPerCrawl)
}

func (e *CrawlEngine) isTaskReady() bool {
	return !e.queue.IsEmpty() && !e.capExhausted()
}

func (e *CrawlEngine) isFinished() bool {
	if e.keepAlive {
		return false
	}
	return e.queue.IsFinished() || e.capExhausted()
}

// retryBudgetExhausted reports whether req has used up the retry budget for
// kind: a BlockedError is budgeted against SessionRotationCount/
// MaxSessionRotations, tracked independently of RetryCount/MaxRequestRetries
// so a request that rotates sessions a few times and separately hits an
// ordinary navigation failure draws down two distinct budgets, not one.
func (e *CrawlEngine) retryBudgetExhausted(kind errs.Kind, req *queue.Request) bool {
	if kind == errs.KindBlocked {
		return req.SessionRotationCount >= e.cfg.MaxSessionRotations
	}
	return req.RetryCount >= e.cfg.MaxRequestRetries
}

// runTask is the RunTaskFunc handed to the AutoscaledPool: one request,
// start to finish.
func (e *CrawlEngine) runTask(ctx context.Context) error {
	req := e.queue.FetchNextRequest()
	if req == nil {
		return nil
	}

	var sess *session.Session
	if e.cfg.UseSessionPool && e.sessions != nil {
		s, err := e.sessions.GetSession()
		if err != nil {
			_ = e.queue.ReclaimRequest(req, queue.ReclaimOptions{Forefront: true})
			return fmt.Errorf("engine: get session: %w", err)
		}
		sess = s
	}

	var proxyInfo *proxy.ProxyConfig
	if e.proxies != nil {
		sessionID := ""
		if sess != nil {
			sessionID = sess.ID
		}
		proxyInfo = e.proxies.NewProxyInfo(sessionID)
	}

	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestHandlerTimeout)
	defer cancel()

	rc := &RequestContext{
		Context: taskCtx,
		Request: req,
		Session: sess,
		Proxy:   proxyInfo,
		Log:     e.log,
		engine:  e,
	}

	pl := e.buildPipeline(rc)
	result := pl.Call(taskCtx, pipeline.Context{}, func(ctx context.Context, _ pipeline.Context) error {
		return e.router.Dispatch(ctx, rc)
	})

	switch result.Kind {
	case pipeline.ResultInterrupted:
		_ = e.queue.ReclaimRequest(req, queue.ReclaimOptions{Forefront: true})
		return nil
	case pipeline.ResultOK:
		if err := e.queue.MarkRequestHandled(req); err != nil {
			return err
		}
		atomic.AddInt64(&e.handledOrFailed, 1)
		e.stats.recordSuccess()
		if sess != nil {
			e.sessions.MarkGood(sess.ID)
		}
		return nil
	default:
		return e.handleTaskError(ctx, rc, result.Err)
	}
}

func (e *CrawlEngine) handleTaskError(ctx context.Context, rc *RequestContext, err error) error {
	req := rc.Request
	kind := errs.KindOf(err)
	req.ErrorMessages = append(req.ErrorMessages, err.Error())

	if e.errorHandler != nil {
		e.safeCallErrorHandler(ctx, rc, err)
	}

	terminal := kind == errs.KindNonRetryable ||
		kind == errs.KindCritical ||
		kind == errs.KindMissingRoute ||
		req.NoRetry ||
		e.retryBudgetExhausted(kind, req)

	if terminal {
		critical := kind == errs.KindCritical || kind == errs.KindMissingRoute
		// CriticalError (and an unroutable labeled request, treated as
		// Critical per §7) aborts the whole crawl without ever reaching
		// failedRequestHandler — everything else terminal does.
		if !critical && e.failedRequestHandler != nil {
			e.failedRequestHandler(ctx, rc, err)
		}
		if markErr := e.queue.MarkRequestHandled(req); markErr != nil {
			return markErr
		}
		atomic.AddInt64(&e.handledOrFailed, 1)
		e.stats.recordFailure()
		if rc.Session != nil {
			e.sessions.MarkBad(rc.Session.ID)
		}
		if critical {
			e.pool.Abort(err)
			return err
		}
		return nil
	}

	blocked := kind == errs.KindBlocked
	fields := []zap.Field{zap.String("request_id", req.ID), zap.String("kind", kind.String()), zap.Error(err)}
	if e.cfg.VerboseLog {
		fields = append(fields, zap.Stack("stack"))
	}
	e.log.Warn("request failed, reclaiming for retry", fields...)
	if rc.Session != nil {
		e.sessions.MarkBad(rc.Session.ID)
	}
	if reclaimErr := e.queue.ReclaimRequest(req, queue.ReclaimOptions{Forefront: blocked, RotateSession: blocked}); reclaimErr != nil {
		return reclaimErr
	}
	e.stats.recordRetry()
	return nil
}

// safeCallErrorHandler recovers a panicking errorHandler and logs it,
// matching §7's "uncaught errors inside errorHandler itself are logged and
// treated as terminal" — the caller already treats any non-nil kind as
// potentially terminal via the normal classification path; a panic here
// must not crash the whole task goroutine.
func (e *CrawlEngine) safeCallErrorHandler(ctx context.Context, rc *RequestContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("errorHandler panicked, treating as terminal",
				zap.Any("recovered", r), zap.String("request_id", rc.Request.ID))
			rc.Request.NoRetry = true
		}
	}()
	e.errorHandler(ctx, rc, err)
}

func (e *CrawlEngine) buildPipeline(rc *RequestContext) *pipeline.Pipeline {
	var middlewares []pipeline.Middleware

	if e.mode == ModeBrowser && e.browsers != nil {
		middlewares = append(middlewares, pipeline.Middleware{
			Name: "browser_page",
			Action: func(ctx context.Context, _ pipeline.Context) (pipeline.Context, error) {
				sessionID := ""
				if rc.Session != nil {
					sessionID = rc.Session.ID
				}
				inst, err := e.browsers.AcquireInstance(browserpool.AcquireOptions{
					SessionID: sessionID,
					Proxy:     rc.Proxy,
				})
				if err != nil {
					return nil, errs.New(errs.KindNavigation, err)
				}
				if !inst.BeginPage() {
					return nil, errs.New(errs.KindNavigation, fmt.Errorf("engine: browser instance unavailable"))
				}
				rc.Page = inst

				navResult, err := browserpool.Navigate(ctx, inst, rc.Session, browserpool.NavigateOptions{
					URL:             rc.Request.URL,
					NavigateTimeout: e.cfg.NavigationTimeout,
				})
				if err != nil {
					return nil, classifyNavigationError(err)
				}
				rc.PageResult = navResult
				return nil, nil
			},
			Cleanup: func(_ context.Context, _ pipeline.Context, _ error) {
				if rc.Page != nil {
					e.browsers.ReleaseInstance(rc.Page)
				}
			},
		})
	} else if e.fetcher != nil {
		middlewares = append(middlewares, pipeline.Middleware{
			Name: "http_fetch",
			Action: func(ctx context.Context, _ pipeline.Context) (pipeline.Context, error) {
				res, err := e.fetcher.Fetch(ctx, rc.Request, rc.Proxy)
				if err != nil {
					return nil, classifyNavigationError(err)
				}
				rc.FetchResult = res
				return nil, nil
			},
		})
	}

	return pipeline.New(middlewares...)
}

func classifyNavigationError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(errs.KindTimeout, err)
	}
	var e *errs.Error
	if errs.As(err, &e) {
		return e
	}
	return errs.New(errs.KindNavigation, err)
}

func (e *CrawlEngine) enqueueLink(rawURL, label string) (bool, error) {
	if _, ok := e.seenLinks.Get(rawURL); ok {
		return false, nil
	}
	e.seenLinks.Add(rawURL, struct{}{})

	req := &queue.Request{URL: rawURL, Method: "GET", Label: label}
	added := e.queue.AddRequest(req)
	return added, nil
}

func (e *CrawlEngine) pushData(item any) error {
	if e.kv == nil {
		return nil
	}
	if writer, ok := e.kv.(store.DatasetWriter); ok {
		return writer.PushItem(item)
	}
	return fmt.Errorf("engine: configured store does not support PushItem")
}

// Stats returns a snapshot of the crawl's running statistics.
func (e *CrawlEngine) Stats() Stats {
	return e.stats.snapshot()
}
