package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlrt/crawlrt/internal/crawlconfig"
	"github.com/crawlrt/crawlrt/internal/errs"
	"github.com/crawlrt/crawlrt/internal/proxy"
	"github.com/crawlrt/crawlrt/internal/queue"
	"github.com/crawlrt/crawlrt/internal/session"
)

// fakeFetcher lets a test control exactly which error (if any) the
// http_fetch pipeline action returns, without a real network call.
type fakeFetcher struct {
	fn func(attempt int64) (*FetchResult, error)
	n  int64
}

func (f *fakeFetcher) Fetch(_ context.Context, _ *queue.Request, _ *proxy.ProxyConfig) (*FetchResult, error) {
	n := atomic.AddInt64(&f.n, 1)
	return f.fn(n)
}

func newTestConfig() *crawlconfig.Config {
	cfg := crawlconfig.Default()
	cfg.MinConcurrency = 1
	cfg.MaxConcurrency = 1
	cfg.MaybeRunIntervalMs = 5
	cfg.ScaleIntervalSecs = 1
	cfg.UseSessionPool = false
	return cfg
}

func TestRunProcessesEveryRequestExactlyOnce(t *testing.T) {
	q := queue.New(nil, "")
	for i := 0; i < 20; i++ {
		q.AddRequest(&queue.Request{URL: fmt.Sprintf("https://example.com/%d", i)})
	}

	var handled int64
	router := NewRouter()
	router.Default(func(_ context.Context, rc *RequestContext) error {
		atomic.AddInt64(&handled, 1)
		return nil
	})

	e, err := New(Options{Config: newTestConfig(), Queue: q, Router: router})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	require.EqualValues(t, 20, handled)
	require.Equal(t, int64(20), e.Stats().Successful())
}

func TestRetryableHandlerErrorReclaimsUntilMaxRetries(t *testing.T) {
	q := queue.New(nil, "")
	q.AddRequest(&queue.Request{URL: "https://example.com/flaky"})

	var attempts int64
	router := NewRouter()
	router.Default(func(_ context.Context, rc *RequestContext) error {
		n := atomic.AddInt64(&attempts, 1)
		return errs.New(errs.KindNavigation, fmt.Errorf("attempt %d failed", n))
	})

	cfg := newTestConfig()
	cfg.MaxRequestRetries = 2

	var failedCalled bool
	e, err := New(Options{
		Config: cfg,
		Queue:  q,
		Router: router,
		FailedRequestHandler: func(_ context.Context, rc *RequestContext, err error) {
			failedCalled = true
			require.Len(t, rc.Request.ErrorMessages, 3)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	require.EqualValues(t, 3, attempts)
	require.True(t, failedCalled)
	require.Equal(t, int64(1), e.Stats().Failed())
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	q := queue.New(nil, "")
	q.AddRequest(&queue.Request{URL: "https://example.com/bad"})

	var attempts int64
	router := NewRouter()
	router.Default(func(_ context.Context, rc *RequestContext) error {
		atomic.AddInt64(&attempts, 1)
		return errs.New(errs.KindNonRetryable, fmt.Errorf("give up"))
	})

	e, err := New(Options{Config: newTestConfig(), Queue: q, Router: router})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	require.EqualValues(t, 1, attempts)
	require.Equal(t, int64(1), e.Stats().Failed())
}

func TestMissingRouteIsCriticalAndAborts(t *testing.T) {
	q := queue.New(nil, "")
	q.AddRequest(&queue.Request{URL: "https://example.com/1", Label: "unknown"})
	q.AddRequest(&queue.Request{URL: "https://example.com/2", Label: "unknown"})

	router := NewRouter()
	e, err := New(Options{Config: newTestConfig(), Queue: q, Router: router})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runErr := e.Run(ctx)
	require.Error(t, runErr)
}

func TestFetcherNavigationErrorRetriesInsteadOfAborting(t *testing.T) {
	q := queue.New(nil, "")
	q.AddRequest(&queue.Request{URL: "https://example.com/flaky"})

	fetcher := &fakeFetcher{fn: func(attempt int64) (*FetchResult, error) {
		if attempt < 3 {
			return nil, errs.New(errs.KindNavigation, fmt.Errorf("dial tcp: connection refused"))
		}
		return &FetchResult{StatusCode: 200}, nil
	}}

	var handled int64
	router := NewRouter()
	router.Default(func(_ context.Context, rc *RequestContext) error {
		atomic.AddInt64(&handled, 1)
		return nil
	})

	cfg := newTestConfig()
	cfg.MaxRequestRetries = 5
	e, err := New(Options{Config: cfg, Mode: ModeHTTP, Queue: q, Fetcher: fetcher, Router: router})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	// A classified transport error must be retried, not escalated to
	// KindCritical and abort the whole crawl.
	require.EqualValues(t, 1, handled)
	require.Equal(t, int64(1), e.Stats().Successful())
	require.Equal(t, int64(0), e.Stats().Failed())
}

func TestFetcherBlockedErrorRotatesSessionAndRetriesAtFront(t *testing.T) {
	q := queue.New(nil, "")
	q.AddRequest(&queue.Request{URL: "https://example.com/blocked"})

	fetcher := &fakeFetcher{fn: func(attempt int64) (*FetchResult, error) {
		if attempt < 2 {
			return nil, errs.New(errs.KindBlocked, fmt.Errorf("403 forbidden"))
		}
		return &FetchResult{StatusCode: 200}, nil
	}}

	router := NewRouter()
	router.Default(func(_ context.Context, rc *RequestContext) error { return nil })

	cfg := newTestConfig()
	cfg.UseSessionPool = true
	pool := session.New(session.DefaultPoolOptions(), nil, nil)
	e, err := New(Options{Config: cfg, Mode: ModeHTTP, Queue: q, Fetcher: fetcher, Sessions: pool, Router: router})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	require.Equal(t, int64(1), e.Stats().Successful())
	require.Equal(t, int64(0), e.Stats().Failed())
}

func TestSessionPoolSuppliesSessionToHandler(t *testing.T) {
	q := queue.New(nil, "")
	q.AddRequest(&queue.Request{URL: "https://example.com/1"})

	sessOpts := session.DefaultPoolOptions()
	pool := session.New(sessOpts, nil, nil)

	router := NewRouter()
	router.Default(func(_ context.Context, rc *RequestContext) error {
		require.NotNil(t, rc.Session)
		return nil
	})

	cfg := newTestConfig()
	cfg.UseSessionPool = true
	e, err := New(Options{Config: cfg, Queue: q, Sessions: pool, Router: router})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Run(ctx))

	require.Equal(t, 1, pool.Stats().TotalSessions)
}
