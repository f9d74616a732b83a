package engine

import (
	"context"
	"sync"

	"github.com/crawlrt/crawlrt/internal/browserpool"
	"github.com/crawlrt/crawlrt/internal/proxy"
	"github.com/crawlrt/crawlrt/internal/queue"
	"github.com/crawlrt/crawlrt/internal/session"
	"github.com/crawlrt/crawlrt/pkg/logger"
)

// Fetcher performs a plain-HTTP request, implemented by pkg/httpfetch.Client.
// Defined here rather than imported so internal/engine has no dependency on
// the transport package's own third-party stack.
type Fetcher interface {
	Fetch(ctx context.Context, req *queue.Request, proxyInfo *proxy.ProxyConfig) (*FetchResult, error)
}

// FetchResult is what a pure-HTTP request produces for the handler.
type FetchResult struct {
	StatusCode int
	Body       []byte
	Links      []string
}

// RequestContext is the extensible record handed to the user's
// RequestHandler — the concrete binding of the generic pipeline.Context the
// engine's middlewares populate.
type RequestContext struct {
	Context context.Context
	Request *queue.Request
	Session *session.Session
	Proxy   *proxy.ProxyConfig

	// Page is non-nil only when the engine ran in browser mode for this
	// request.
	Page       *browserpool.Instance
	PageResult *browserpool.NavigateResult

	// FetchResult is non-nil only in pure-HTTP mode.
	FetchResult *FetchResult

	Log *logger.Logger

	engine *CrawlEngine

	mu    sync.Mutex
	state map[string]any
}

// EnqueueLink adds rawURL to the queue as a fresh GET request, deduplicating
// via the engine's seen-URL LRU (capacity 1000, per the spec's documented
// default) before it ever reaches the queue's own unique-key check — a
// request already evicted from the LRU is re-checked against the queue, not
// silently dropped, so eviction only trades memory for a rare duplicate
// enqueue rather than correctness.
func (rc *RequestContext) EnqueueLink(rawURL string) (bool, error) {
	return rc.engine.enqueueLink(rawURL, rc.Request.Label)
}

// PushData writes one result item to the configured dataset.
func (rc *RequestContext) PushData(item any) error {
	return rc.engine.pushData(item)
}

// UseState returns a mutable, engine-lifetime value for key, creating it
// via factory on first access. It replaces the teacher's module-level
// mutable globals (enqueueLinksCache, shared HTTP clients) with state
// explicitly owned by the engine instance.
func (rc *RequestContext) UseState(key string, factory func() any) any {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.state == nil {
		rc.state = map[string]any{}
	}
	if v, ok := rc.state[key]; ok {
		return v
	}
	v := factory()
	rc.state[key] = v
	return v
}

// SendRequest performs a plain-HTTP fetch through the engine's Fetcher,
// available in both pure-HTTP and browser mode (a browser-mode handler may
// still want to fetch a sibling resource, e.g. a sitemap or API endpoint,
// without opening a page for it).
func (rc *RequestContext) SendRequest(ctx context.Context, req *queue.Request) (*FetchResult, error) {
	return rc.engine.fetcher.Fetch(ctx, req, rc.Proxy)
}
