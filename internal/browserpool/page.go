package browserpool

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/crawlrt/crawlrt/internal/session"
)

// NavigateOptions parameterizes Navigate.
type NavigateOptions struct {
	URL           string
	Referrer      string
	WaitSelector  string
	NavigateTimeout time.Duration
	PostNavSleep  time.Duration
}

// NavigateResult carries back what the page load actually produced.
type NavigateResult struct {
	HTML       string
	StatusCode int
}

// Navigate loads opts.URL in inst's browser context, restoring sess's
// cookies first and harvesting them back out afterward so subsequent
// requests against the same session see a consistent cookie jar — the
// crawl-engine analogue of the teacher's per-visit tabCtx in
// internal/browser.HitVisitor.visitPage, stripped of its referrer-spoofing
// and gtag-injection payload.
func Navigate(ctx context.Context, inst *Instance, sess *session.Session, opts NavigateOptions) (*NavigateResult, error) {
	timeout := opts.NavigateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tabCtx, cancel := context.WithTimeout(inst.Context(), timeout)
	defer cancel()

	if sess != nil {
		if err := session.ApplyToBrowser(tabCtx, sess); err != nil {
			return nil, fmt.Errorf("browserpool: apply session cookies: %w", err)
		}
	}

	var statusCode int
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument {
				statusCode = int(resp.Response.Status)
			}
		}
	})

	var navActions []chromedp.Action
	if opts.Referrer != "" {
		navActions = append(navActions, chromedp.ActionFunc(func(ctx context.Context) error {
			_, _, _, err := page.Navigate(opts.URL).WithReferrer(opts.Referrer).Do(ctx)
			return err
		}))
	} else {
		navActions = append(navActions, chromedp.Navigate(opts.URL))
	}

	waitSelector := opts.WaitSelector
	if waitSelector == "" {
		waitSelector = "body"
	}
	navActions = append(navActions, chromedp.WaitReady(waitSelector, chromedp.ByQuery))

	var html string
	navActions = append(navActions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	if err := chromedp.Run(tabCtx, navActions...); err != nil {
		return nil, fmt.Errorf("browserpool: navigate %s: %w", opts.URL, err)
	}

	if opts.PostNavSleep > 0 {
		_ = chromedp.Run(tabCtx, chromedp.Sleep(opts.PostNavSleep))
	}

	if sess != nil {
		if err := session.ExtractFromBrowser(tabCtx, sess); err != nil {
			return nil, fmt.Errorf("browserpool: extract session cookies: %w", err)
		}
	}

	return &NavigateResult{HTML: html, StatusCode: statusCode}, nil
}
