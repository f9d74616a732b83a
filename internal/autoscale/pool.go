package autoscale

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/crawlrt/crawlrt/internal/events"
	"github.com/crawlrt/crawlrt/pkg/logger"
)

// RunTaskFunc executes one unit of work. A non-nil error counts against the
// pool's CircuitBreaker but never stops the pool by itself — only
// IsFinishedFunc decides that.
type RunTaskFunc func(ctx context.Context) error

// IsTaskReadyFunc reports whether a new task could be launched right now
// (e.g. the request queue has a request available).
type IsTaskReadyFunc func() bool

// IsFinishedFunc reports whether the pool should stop once no tasks are
// running (e.g. the request queue is empty and no more will ever arrive).
type IsFinishedFunc func() bool

// PoolConfig configures an AutoscaledPool.
type PoolConfig struct {
	MinConcurrency          int
	MaxConcurrency          int
	DesiredConcurrencyRatio float64
	ScaleUpStepRatio        float64
	ScaleDownStepRatio      float64
	MaybeRunInterval        time.Duration
	ScaleInterval           time.Duration
	MaxTasksPerMinute       int // 0 = unlimited

	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration

	RunTaskFunc     RunTaskFunc
	IsTaskReadyFunc IsTaskReadyFunc
	IsFinishedFunc  IsFinishedFunc
}

// AutoscaledPool runs tasks with a concurrency that tracks system load
// instead of a fixed worker count, generalizing the teacher's
// internal/worker.WorkerPool+AutoScaler (which scale on queue-utilization
// thresholds) to scale on SystemStatus's memory/CPU overload verdict
// instead.
type AutoscaledPool struct {
	cfg PoolConfig
	log *logger.Logger

	snapshotter *Snapshotter
	status      *SystemStatus
	breaker     *CircuitBreaker
	limiter     *rate.Limiter
	bus         *events.Bus[events.SystemInfo]

	desiredConcurrency int64 // atomic
	runningCount       int64 // atomic

	wg       sync.WaitGroup
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}

	abortMu  sync.Mutex
	aborted  bool
	abortErr error
}

// NewAutoscaledPool wires a Snapshotter, SystemStatus, and CircuitBreaker
// into a ready-to-run pool. bus may be nil, in which case SystemInfo events
// are computed but not published.
func NewAutoscaledPool(cfg PoolConfig, bus *events.Bus[events.SystemInfo], log *logger.Logger) *AutoscaledPool {
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 1
	}
	if cfg.MaxConcurrency < cfg.MinConcurrency {
		cfg.MaxConcurrency = cfg.MinConcurrency
	}
	if cfg.DesiredConcurrencyRatio <= 0 {
		cfg.DesiredConcurrencyRatio = 0.9
	}
	if cfg.ScaleUpStepRatio <= 0 {
		cfg.ScaleUpStepRatio = 0.05
	}
	if cfg.ScaleDownStepRatio <= 0 {
		cfg.ScaleDownStepRatio = 0.05
	}
	if cfg.MaybeRunInterval <= 0 {
		cfg.MaybeRunInterval = 500 * time.Millisecond
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = 10 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}

	snapshotter := NewSnapshotter(DefaultSnapshotterConfig(), log)
	status := NewSystemStatus(snapshotter, DefaultWindowConfig())
	breaker := NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)

	var limiter *rate.Limiter
	if cfg.MaxTasksPerMinute > 0 {
		perSecond := float64(cfg.MaxTasksPerMinute) / 60
		limiter = rate.NewLimiter(rate.Limit(perSecond), cfg.MaxTasksPerMinute)
	}

	return &AutoscaledPool{
		cfg:                cfg,
		log:                log.Component("autoscale.pool"),
		snapshotter:        snapshotter,
		status:             status,
		breaker:            breaker,
		limiter:            limiter,
		bus:                bus,
		desiredConcurrency: int64(cfg.MinConcurrency),
		done:               make(chan struct{}),
	}
}

// Run launches tasks until IsFinishedFunc reports true and every launched
// task has returned, or ctx is cancelled, or Abort is called. It blocks
// until the pool has fully drained.
func (p *AutoscaledPool) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	snapCtx, snapCancel := context.WithCancel(runCtx)
	defer snapCancel()
	go p.snapshotter.Start(snapCtx)

	runTicker := time.NewTicker(p.cfg.MaybeRunInterval)
	defer runTicker.Stop()
	scaleTicker := time.NewTicker(p.cfg.ScaleInterval)
	defer scaleTicker.Stop()

	for {
		select {
		case <-runCtx.Done():
			p.wg.Wait()
			return p.finalErr(runCtx.Err())

		case <-runTicker.C:
			if p.maybeFinish(runCtx) {
				p.wg.Wait()
				return p.finalErr(nil)
			}
			p.maybeRunTask(runCtx)

		case <-scaleTicker.C:
			p.autoscale()
		}
	}
}

func (p *AutoscaledPool) finalErr(ctxErr error) error {
	p.abortMu.Lock()
	defer p.abortMu.Unlock()
	if p.aborted {
		return p.abortErr
	}
	return ctxErr
}

func (p *AutoscaledPool) maybeFinish(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	running := atomic.LoadInt64(&p.runningCount)
	if running > 0 {
		return false
	}
	if p.cfg.IsFinishedFunc == nil {
		return false
	}
	return p.cfg.IsFinishedFunc()
}

func (p *AutoscaledPool) maybeRunTask(ctx context.Context) {
	desired := atomic.LoadInt64(&p.desiredConcurrency)
	running := atomic.LoadInt64(&p.runningCount)
	if running >= desired {
		return
	}
	if p.cfg.IsTaskReadyFunc != nil && !p.cfg.IsTaskReadyFunc() {
		return
	}
	if !p.breaker.Allow() {
		return
	}
	if p.limiter != nil && !p.limiter.Allow() {
		return
	}

	atomic.AddInt64(&p.runningCount, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer atomic.AddInt64(&p.runningCount, -1)

		err := p.cfg.RunTaskFunc(ctx)
		if err != nil {
			p.breaker.RecordFailure()
		} else {
			p.breaker.RecordSuccess()
		}
	}()
}

// autoscale re-evaluates SystemStatus and nudges desiredConcurrency toward
// MaxConcurrency*DesiredConcurrencyRatio when the system is healthy, or
// back down toward MinConcurrency when it is overloaded.
func (p *AutoscaledPool) autoscale() {
	verdict := p.status.Evaluate()
	desired := atomic.LoadInt64(&p.desiredConcurrency)
	running := atomic.LoadInt64(&p.runningCount)

	ceiling := int64(math.Round(float64(p.cfg.MaxConcurrency) * p.cfg.DesiredConcurrencyRatio))
	if ceiling < int64(p.cfg.MinConcurrency) {
		ceiling = int64(p.cfg.MinConcurrency)
	}

	// Scaling up is gated on utilization: raising desiredConcurrency while
	// running tasks aren't already using most of the current budget just
	// grows a ceiling nothing is pressing against.
	utilized := desired > 0 && float64(running)/float64(desired) >= p.cfg.DesiredConcurrencyRatio

	switch {
	case verdict.OK() && desired < ceiling && utilized:
		step := int64(math.Ceil(float64(p.cfg.MaxConcurrency) * p.cfg.ScaleUpStepRatio))
		desired += step
		if desired > ceiling {
			desired = ceiling
		}
	case !verdict.OK() && desired > int64(p.cfg.MinConcurrency):
		step := int64(math.Ceil(float64(p.cfg.MaxConcurrency) * p.cfg.ScaleDownStepRatio))
		desired -= step
		if desired < int64(p.cfg.MinConcurrency) {
			desired = int64(p.cfg.MinConcurrency)
		}
	}
	atomic.StoreInt64(&p.desiredConcurrency, desired)

	info := events.SystemInfo{
		CurrentConcurrency: int(desired),
		RunningCount:        int(atomic.LoadInt64(&p.runningCount)),
		ShortWindowOK:       verdict.ShortWindowOK,
		LongWindowOK:        verdict.LongWindowOK,
		MemOverloadedRatio:  verdict.MemOverloadedRatio,
		CPUOverloadedRatio:  verdict.CPUOverloadedRatio,
	}
	if p.bus != nil {
		p.bus.Publish(info)
	}
	p.log.Debug("autoscale tick",
		zap.Int("desired_concurrency", info.CurrentConcurrency),
		zap.Int("running", info.RunningCount),
		zap.Bool("short_ok", info.ShortWindowOK),
		zap.Bool("long_ok", info.LongWindowOK))
}

// Abort stops the pool as soon as possible: no further tasks are launched,
// and the context passed to already-running tasks is cancelled. Run returns
// reason once drained.
func (p *AutoscaledPool) Abort(reason error) {
	p.abortMu.Lock()
	p.aborted = true
	p.abortErr = reason
	p.abortMu.Unlock()

	if p.bus != nil {
		// The SystemInfo bus carries only autoscale ticks. No events.Aborting
		// is published here, and the engine does not publish one either.
		_ = reason
	}
	if p.cancel != nil {
		p.cancel()
	}
}

// CurrentConcurrency returns the pool's current desired concurrency.
func (p *AutoscaledPool) CurrentConcurrency() int {
	return int(atomic.LoadInt64(&p.desiredConcurrency))
}

// RunningCount returns the number of tasks currently executing.
func (p *AutoscaledPool) RunningCount() int {
	return int(atomic.LoadInt64(&p.runningCount))
}
