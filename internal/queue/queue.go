// Package queue implements the request queue and retry pipeline: a FIFO of
// pending requests with in-flight reservation, retry-count tracking, and
// URL dedup, generalizing the visited-map idiom the teacher's
// internal/crawler.Crawler uses ad hoc (a single crawl's in-memory
// map[string]bool) into a reusable, persistable component.
package queue

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/crawlrt/crawlrt/internal/store"
)

// ErrNotReserved is returned by MarkRequestHandled/ReclaimRequest when the
// given request is not currently checked out.
var ErrNotReserved = errors.New("queue: request not reserved")

// Request is one unit of crawl work.
type Request struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Method        string         `json:"method"`
	UniqueKey     string         `json:"uniqueKey"`
	Label         string         `json:"label,omitempty"`
	UserData      map[string]any `json:"userData,omitempty"`
	RetryCount    int            `json:"retryCount"`
	Handled       bool           `json:"handled"`
	NoRetry       bool           `json:"noRetry,omitempty"`
	ErrorMessages []string       `json:"errorMessages,omitempty"`

	// SessionRotationCount tracks session-rotation reclaims (a blocked
	// response retried on a fresh session) separately from RetryCount, so a
	// request that is blocked a few times and also hits an ordinary
	// navigation failure doesn't have the two retry budgets interfere with
	// each other.
	SessionRotationCount int `json:"sessionRotationCount"`
}

// ReclaimOptions parameterizes ReclaimRequest.
type ReclaimOptions struct {
	// Forefront inserts the reclaimed request at the head of the pending
	// list instead of the tail, so it is the very next one fetched.
	Forefront bool
	// RotateSession marks this reclaim as a session-rotation retry (a
	// blocked response being retried on a freshly rotated session):
	// SessionRotationCount is incremented instead of RetryCount, so the two
	// retry budgets (MaxRequestRetries, MaxSessionRotations) stay
	// independent regardless of how a request's failures are mixed.
	RotateSession bool
}

// persistedState is the JSON shape written under the configured
// persistence key (SDK_REQUEST_QUEUE_STATE).
type persistedState struct {
	Pending []*Request        `json:"pending"`
	Seen    map[string]bool   `json:"seen"`
}

// RequestQueue is a thread-safe FIFO of pending requests with dedup on a
// normalized unique key, in-flight reservation (FetchNextRequest moves a
// request out of the pending list until it is handled or reclaimed), and
// optional persistence to a KeyValueStore.
type RequestQueue struct {
	mu sync.Mutex

	pending  *list.List // of *Request
	inFlight map[string]*list.Element
	seen     map[string]bool

	store     store.KeyValueStore
	stateKey  string

	totalEnqueued int
	totalHandled  int
}

// New creates an empty RequestQueue. kv may be NoopStore{} when
// persistence is not wanted.
func New(kv store.KeyValueStore, stateKey string) *RequestQueue {
	if kv == nil {
		kv = store.NoopStore{}
	}
	if stateKey == "" {
		stateKey = "SDK_REQUEST_QUEUE_STATE"
	}
	return &RequestQueue{
		pending:  list.New(),
		inFlight: make(map[string]*list.Element),
		seen:     make(map[string]bool),
		store:    kv,
		stateKey: stateKey,
	}
}

// UniqueKeyFor computes the default dedup key for a URL+method pair: the
// method (GET implied) followed by the URL normalized by trimming the
// fragment and a trailing slash, hashed to keep the key length bounded.
func UniqueKeyFor(rawURL, method string) string {
	if method == "" {
		method = "GET"
	}
	normalized := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		u.Fragment = ""
		normalized = u.String()
	}
	for len(normalized) > 1 && normalized[len(normalized)-1] == '/' {
		normalized = normalized[:len(normalized)-1]
	}
	sum := sha256.Sum256([]byte(method + " " + normalized))
	return hex.EncodeToString(sum[:16])
}

// AddRequest enqueues req unless its UniqueKey (computed from URL+Method if
// empty) has already been seen. Returns true if it was newly added.
func (q *RequestQueue) AddRequest(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if req.UniqueKey == "" {
		req.UniqueKey = UniqueKeyFor(req.URL, req.Method)
	}
	if q.seen[req.UniqueKey] {
		return false
	}
	q.seen[req.UniqueKey] = true
	if req.ID == "" {
		req.ID = req.UniqueKey
	}
	q.pending.PushBack(req)
	q.totalEnqueued++
	return true
}

// FetchNextRequest reserves and returns the oldest pending request, or nil
// if none is available. The caller must eventually call
// MarkRequestHandled or ReclaimRequest.
func (q *RequestQueue) FetchNextRequest() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	el := q.pending.Front()
	if el == nil {
		return nil
	}
	q.pending.Remove(el)
	req := el.Value.(*Request)
	q.inFlight[req.ID] = el
	return req
}

// ReclaimRequest returns a previously fetched request to the pending list,
// incrementing either SessionRotationCount (opts.RotateSession) or
// RetryCount. Used when a handler fails and the request should be retried.
// With opts.Forefront it is pushed to the head of the list so the next
// FetchNextRequest returns it again (absent other forefront inserts);
// otherwise it goes to the tail.
func (q *RequestQueue) ReclaimRequest(req *Request, opts ReclaimOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[req.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotReserved, req.ID)
	}
	delete(q.inFlight, req.ID)
	if opts.RotateSession {
		req.SessionRotationCount++
	} else {
		req.RetryCount++
	}
	if opts.Forefront {
		q.pending.PushFront(req)
	} else {
		q.pending.PushBack(req)
	}
	return nil
}

// MarkRequestHandled finalizes a previously fetched request as done,
// removing its in-flight reservation permanently.
func (q *RequestQueue) MarkRequestHandled(req *Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inFlight[req.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotReserved, req.ID)
	}
	delete(q.inFlight, req.ID)
	req.Handled = true
	q.totalHandled++
	return nil
}

// IsEmpty reports whether there are no pending requests left to fetch
// (in-flight requests do not count — they still might be reclaimed).
func (q *RequestQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() == 0
}

// IsFinished reports whether the queue is empty AND nothing is in flight,
// meaning no more requests will ever be produced from this queue.
func (q *RequestQueue) IsFinished() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len() == 0 && len(q.inFlight) == 0
}

// Len returns the number of pending (not in-flight) requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Stats summarizes queue throughput for the engine's statistics snapshot.
type Stats struct {
	TotalEnqueued int
	TotalHandled  int
	Pending       int
	InFlight      int
}

// Stats returns a snapshot of the queue's counters.
func (q *RequestQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		TotalEnqueued: q.totalEnqueued,
		TotalHandled:  q.totalHandled,
		Pending:       q.pending.Len(),
		InFlight:      len(q.inFlight),
	}
}

// Persist writes the queue's pending requests and seen-set to the
// configured KeyValueStore under stateKey, so a crashed crawl can resume.
func (q *RequestQueue) Persist() error {
	q.mu.Lock()
	pending := make([]*Request, 0, q.pending.Len())
	for el := q.pending.Front(); el != nil; el = el.Next() {
		pending = append(pending, el.Value.(*Request))
	}
	seen := make(map[string]bool, len(q.seen))
	for k, v := range q.seen {
		seen[k] = v
	}
	q.mu.Unlock()

	return q.store.Set(q.stateKey, persistedState{Pending: pending, Seen: seen})
}

// Restore loads a previously persisted queue state, replacing the current
// pending list and seen-set. In-flight requests are not restored: a crash
// mid-handling is treated as if the request had never been fetched.
func (q *RequestQueue) Restore() error {
	var state persistedState
	if err := q.store.Get(q.stateKey, &state); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = list.New()
	for _, r := range state.Pending {
		q.pending.PushBack(r)
	}
	q.seen = state.Seen
	if q.seen == nil {
		q.seen = make(map[string]bool)
	}
	return nil
}
