// Package httpfetch is the plain-HTTP Fetcher used by the crawl engine in
// ModeHTTP: a single-request wrapper around Colly, generalizing the
// teacher's internal/crawler.Crawler (a whole-site discovery crawler built
// around one long-lived *colly.Collector) into a per-request collaborator
// that satisfies internal/engine.Fetcher — the engine, not Colly, owns
// queueing, retries, and revisit policy.
package httpfetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/crawlrt/crawlrt/internal/engine"
	"github.com/crawlrt/crawlrt/internal/errs"
	"github.com/crawlrt/crawlrt/internal/proxy"
	"github.com/crawlrt/crawlrt/internal/queue"
	"github.com/crawlrt/crawlrt/pkg/useragent"
)

// AgentProvider supplies a User-Agent (and optional extra headers) for each
// request, mirroring the teacher's crawler.AgentProvider interface.
type AgentProvider interface {
	RandomWithHeaders() (ua string, headers map[string]string)
}

// Options configures a Client.
type Options struct {
	// Timeout bounds a single request/response round trip.
	Timeout time.Duration

	// AdditionalHTTPErrorStatusCodes are otherwise-2xx/3xx codes the engine
	// should still classify as KindNavigation.
	AdditionalHTTPErrorStatusCodes map[int]struct{}
	// IgnoreHTTPErrorStatusCodes are 4xx/5xx codes that should NOT be
	// classified as errors (the body is still returned).
	IgnoreHTTPErrorStatusCodes map[int]struct{}

	// MaxBodyBytes caps how much of a response body is read; 0 means no cap.
	MaxBodyBytes int64

	Agents AgentProvider
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Timeout: 30 * time.Second,
	}
}

// Client is the stateless, per-request plain-HTTP Fetcher. It satisfies
// internal/engine.Fetcher.
type Client struct {
	opts Options
}

// NewClient builds a Client.
func NewClient(opts Options) *Client {
	return &Client{opts: opts}
}

// Fetch performs one request and extracts every same-page anchor href as a
// candidate link, classifying transport/status failures into errs.Kind the
// way the engine's retry/block decision table expects.
func (c *Client) Fetch(ctx context.Context, req *queue.Request, proxyInfo *proxy.ProxyConfig) (*engine.FetchResult, error) {
	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	collector := colly.NewCollector(colly.Async(false))
	collector.SetRequestTimeout(timeout)
	// 4xx/5xx responses still reach OnResponse; their status is classified
	// after the request, where IgnoreHTTPErrorStatusCodes is consulted.
	collector.ParseHTTPErrorResponse = true
	collector.WithTransport(&http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	})

	if proxyInfo != nil {
		if err := collector.SetProxy(proxyInfo.ToURLString()); err != nil {
			return nil, errs.New(errs.KindNavigation, fmt.Errorf("httpfetch: set proxy: %w", err))
		}
	}

	ua, headers := useragent.Random(), map[string]string(nil)
	if c.opts.Agents != nil {
		ua, headers = c.opts.Agents.RandomWithHeaders()
	}

	var result engine.FetchResult
	var links []string
	var handlerErr error

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", ua)
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
		for k, v := range req.UserData {
			if s, ok := v.(string); ok && strings.HasPrefix(k, "header:") {
				r.Headers.Set(strings.TrimPrefix(k, "header:"), s)
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		body := r.Body
		if c.opts.MaxBodyBytes > 0 && int64(len(body)) > c.opts.MaxBodyBytes {
			body = body[:c.opts.MaxBodyBytes]
		}
		result.Body = body

		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body))); err == nil {
			doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
				href, ok := s.Attr("href")
				if !ok || href == "" {
					return
				}
				if abs := r.Request.AbsoluteURL(href); abs != "" {
					links = append(links, abs)
				}
			})
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		statusCode := 0
		if r != nil {
			statusCode = r.StatusCode
		}
		handlerErr = classifyResponseError(statusCode, err, c.opts)
	})

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if method == http.MethodGet {
			handlerErr = firstNonNil(handlerErr, collector.Visit(req.URL))
		} else {
			handlerErr = firstNonNil(handlerErr, collector.Request(method, req.URL, nil, nil, nil))
		}
		collector.Wait()
	}()

	select {
	case <-ctx.Done():
		return nil, errs.New(errs.KindTimeout, ctx.Err())
	case <-done:
	}

	if handlerErr != nil {
		var e *errs.Error
		if errs.As(handlerErr, &e) {
			return nil, e
		}
		return nil, errs.New(errs.KindNavigation, handlerErr)
	}

	if result.StatusCode >= 400 {
		if err := classifyResponseError(result.StatusCode, fmt.Errorf("httpfetch: status %d", result.StatusCode), c.opts); err != nil {
			return nil, err
		}
	}

	if _, blocked := c.opts.AdditionalHTTPErrorStatusCodes[result.StatusCode]; blocked {
		return nil, errs.New(errs.KindNavigation, fmt.Errorf("httpfetch: status %d classified as error", result.StatusCode))
	}

	result.Links = links
	return &result, nil
}

func classifyResponseError(statusCode int, cause error, opts Options) error {
	if _, ignore := opts.IgnoreHTTPErrorStatusCodes[statusCode]; ignore {
		return nil
	}
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return errs.New(errs.KindBlocked, cause)
	case 0:
		return errs.New(errs.KindNavigation, cause)
	default:
		return errs.New(errs.KindNavigation, cause)
	}
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
