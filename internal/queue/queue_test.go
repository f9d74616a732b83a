package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crawlrt/crawlrt/internal/store"
)

func TestAddRequestDedupsByUniqueKey(t *testing.T) {
	q := New(nil, "")

	require.True(t, q.AddRequest(&Request{URL: "https://example.com/a"}))
	require.False(t, q.AddRequest(&Request{URL: "https://example.com/a"}))
	require.False(t, q.AddRequest(&Request{URL: "https://example.com/a/"}))
	require.True(t, q.AddRequest(&Request{URL: "https://example.com/b"}))

	require.Equal(t, 2, q.Len())
}

func TestFetchOrderingIsFIFO(t *testing.T) {
	q := New(nil, "")
	q.AddRequest(&Request{URL: "https://example.com/1"})
	q.AddRequest(&Request{URL: "https://example.com/2"})

	first := q.FetchNextRequest()
	second := q.FetchNextRequest()
	require.Equal(t, "https://example.com/1", first.URL)
	require.Equal(t, "https://example.com/2", second.URL)
	require.Nil(t, q.FetchNextRequest())
}

func TestReclaimRequestIncrementsRetryCount(t *testing.T) {
	q := New(nil, "")
	q.AddRequest(&Request{URL: "https://example.com/1"})

	req := q.FetchNextRequest()
	require.NoError(t, q.ReclaimRequest(req, ReclaimOptions{}))
	require.Equal(t, 1, req.RetryCount)

	again := q.FetchNextRequest()
	require.Equal(t, req.ID, again.ID)
}

func TestReclaimRequestForefrontIsFetchedNext(t *testing.T) {
	q := New(nil, "")
	q.AddRequest(&Request{URL: "https://example.com/1"})
	q.AddRequest(&Request{URL: "https://example.com/2"})

	first := q.FetchNextRequest()
	require.NoError(t, q.ReclaimRequest(first, ReclaimOptions{Forefront: true}))

	again := q.FetchNextRequest()
	require.Equal(t, first.ID, again.ID)
}

func TestMarkRequestHandledRequiresReservation(t *testing.T) {
	q := New(nil, "")
	req := &Request{ID: "ghost"}
	require.ErrorIs(t, q.MarkRequestHandled(req), ErrNotReserved)
}

func TestIsFinishedRequiresEmptyAndNoInFlight(t *testing.T) {
	q := New(nil, "")
	q.AddRequest(&Request{URL: "https://example.com/1"})
	require.False(t, q.IsFinished())

	req := q.FetchNextRequest()
	require.True(t, q.IsEmpty())
	require.False(t, q.IsFinished())

	require.NoError(t, q.MarkRequestHandled(req))
	require.True(t, q.IsFinished())
}

func TestPersistAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kv, err := store.NewLocalStore(dir, "")
	require.NoError(t, err)

	q := New(kv, "TEST_QUEUE_STATE")
	q.AddRequest(&Request{URL: "https://example.com/1"})
	q.AddRequest(&Request{URL: "https://example.com/2"})
	require.NoError(t, q.Persist())

	restored := New(kv, "TEST_QUEUE_STATE")
	require.NoError(t, restored.Restore())
	require.Equal(t, 2, restored.Len())
	require.False(t, restored.AddRequest(&Request{URL: "https://example.com/1"}))
}
