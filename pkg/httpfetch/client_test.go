package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlrt/crawlrt/internal/errs"
	"github.com/crawlrt/crawlrt/internal/queue"
)

func TestFetchReturnsBodyAndLinks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><a href="/next">next</a><a href="https://other.example/x">x</a></body></html>`))
	}))
	defer srv.Close()

	c := NewClient(DefaultOptions())
	res, err := c.Fetch(context.Background(), &queue.Request{URL: srv.URL}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Body), "next")
	require.Len(t, res.Links, 2)
}

func TestFetchClassifiesForbiddenAsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(DefaultOptions())
	_, err := c.Fetch(context.Background(), &queue.Request{URL: srv.URL}, nil)
	require.Error(t, err)
	require.Equal(t, errs.KindBlocked, errs.KindOf(err))
}

func TestFetchHonorsIgnoredStatusCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("gone"))
	}))
	defer srv.Close()

	opts := DefaultOptions()
	opts.IgnoreHTTPErrorStatusCodes = map[int]struct{}{http.StatusNotFound: {}}
	c := NewClient(opts)
	res, err := c.Fetch(context.Background(), &queue.Request{URL: srv.URL}, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestFetchTimesOutWithContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(DefaultOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, &queue.Request{URL: srv.URL}, nil)
	require.Error(t, err)
	require.Equal(t, errs.KindTimeout, errs.KindOf(err))
}
