package session

import (
	"context"

	"github.com/chromedp/cdproto/network"
)

// ApplyToBrowser pushes a session's cookie jar into a chromedp browser
// context before navigation, generalizing the teacher's
// SessionManager.ApplySession (which also replayed localStorage,
// sessionStorage, and a device fingerprint script — both out of scope for
// a crawl engine, which only needs request identity to persist across
// navigations, not an anti-detection payload).
func ApplyToBrowser(ctx context.Context, sess *Session) error {
	if sess == nil || len(sess.Cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(sess.Cookies))
	for _, c := range sess.Cookies {
		params = append(params, &network.CookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}
	return network.SetCookies(params).Do(ctx)
}

// ExtractFromBrowser reads the current page's cookies back into sess after
// a request completes, so the next request on this session starts where
// this one left off.
func ExtractFromBrowser(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	cookies, err := network.GetCookies().Do(ctx)
	if err != nil {
		return err
	}
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	sess.Cookies = out
	return nil
}
