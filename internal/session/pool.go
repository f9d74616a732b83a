// Package session implements the session pool: a rotating set of cookie
// jars handed out to crawl requests so that requests sharing a session look
// like the same browsing client, generalizing the teacher's
// internal/session.SessionManager (built for one ad-fraud simulation run)
// into a pool with usage/error-based retirement and persistence.
package session

import (
	cryptorand "crypto/rand"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/crawlrt/crawlrt/internal/events"
	"github.com/crawlrt/crawlrt/internal/store"
)

// Cookie is a single stored cookie, the persisted shape of the teacher's
// CookieStore.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

// Session is a reusable identity: its cookie jar, usage/error counters, and
// expiry.
type Session struct {
	ID         string         `json:"id"`
	Cookies    []Cookie       `json:"cookies"`
	UserData   map[string]any `json:"userData,omitempty"`
	UsageCount int            `json:"usageCount"`
	ErrorScore int            `json:"errorScore"`
	CreatedAt  time.Time      `json:"createdAt"`
	LastUsed   time.Time      `json:"lastUsed"`
	ExpiresAt  time.Time      `json:"expiresAt"`
}

// IsUsable reports whether the session may still be handed out: not
// expired, not over its usage budget, and not over its error budget.
func (s *Session) IsUsable(maxUsageCount, maxErrorScore int, now time.Time) bool {
	if !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt) {
		return false
	}
	if maxUsageCount > 0 && s.UsageCount >= maxUsageCount {
		return false
	}
	if maxErrorScore > 0 && s.ErrorScore >= maxErrorScore {
		return false
	}
	return true
}

// PoolOptions configures a SessionPool.
type PoolOptions struct {
	MaxPoolSize     int
	MaxUsageCount   int
	MaxErrorScore   int
	SessionExpiry   time.Duration
	StateKey        string
}

// DefaultPoolOptions returns the documented defaults.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxPoolSize:   1000,
		MaxUsageCount: 50,
		MaxErrorScore: 3,
		SessionExpiry: time.Hour,
		StateKey:      "SDK_SESSION_POOL_STATE",
	}
}

// ErrPoolExhausted is returned by GetSession when no usable or freshly
// created session is available (the pool is at capacity and every session
// is unusable).
var ErrPoolExhausted = errors.New("session: pool exhausted")

// Pool hands out sessions, retiring them on repeated errors and publishing
// a SessionRetired event so bound browser instances can be retired too.
type Pool struct {
	mu       sync.Mutex
	opts     PoolOptions
	sessions map[string]*Session

	bus   *events.Bus[events.SessionRetired]
	kv    store.KeyValueStore
}

// New creates an empty Pool. bus/kv may be nil.
func New(opts PoolOptions, bus *events.Bus[events.SessionRetired], kv store.KeyValueStore) *Pool {
	if opts.MaxPoolSize <= 0 {
		opts.MaxPoolSize = 1000
	}
	if opts.StateKey == "" {
		opts.StateKey = "SDK_SESSION_POOL_STATE"
	}
	if kv == nil {
		kv = store.NoopStore{}
	}
	return &Pool{opts: opts, sessions: make(map[string]*Session), bus: bus, kv: kv}
}

// GetSession returns a usable existing session at random, or creates a
// fresh one, retiring any unusable sessions it encounters along the way.
func (p *Pool) GetSession() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for id, sess := range p.sessions {
		if !sess.IsUsable(p.opts.MaxUsageCount, p.opts.MaxErrorScore, now) {
			p.retireLocked(id)
		}
	}

	if len(p.sessions) > 0 && rand.Float64() < 0.9 {
		if sess := p.randomUsableLocked(now); sess != nil {
			sess.UsageCount++
			sess.LastUsed = now
			return sess, nil
		}
	}

	if len(p.sessions) >= p.opts.MaxPoolSize {
		if sess := p.randomUsableLocked(now); sess != nil {
			sess.UsageCount++
			sess.LastUsed = now
			return sess, nil
		}
		return nil, ErrPoolExhausted
	}

	sess := &Session{
		ID:        generateSessionID(),
		CreatedAt: now,
		LastUsed:  now,
	}
	if p.opts.SessionExpiry > 0 {
		sess.ExpiresAt = now.Add(p.opts.SessionExpiry)
	}
	p.sessions[sess.ID] = sess
	sess.UsageCount++
	return sess, nil
}

func (p *Pool) randomUsableLocked(now time.Time) *Session {
	ids := make([]string, 0, len(p.sessions))
	for id, sess := range p.sessions {
		if sess.IsUsable(p.opts.MaxUsageCount, p.opts.MaxErrorScore, now) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return p.sessions[ids[rand.IntN(len(ids))]]
}

// MarkGood records a successful use of a session, decaying its error score
// by one (floored at zero) the way a healthy request gradually clears past
// suspicion rather than erasing it outright.
func (p *Pool) MarkGood(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[sessionID]; ok && sess.ErrorScore > 0 {
		sess.ErrorScore--
	}
}

// MarkBad increments a session's error score, retiring it (and publishing
// SessionRetired) once the score reaches MaxErrorScore.
func (p *Pool) MarkBad(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[sessionID]
	if !ok {
		return
	}
	sess.ErrorScore++
	if p.opts.MaxErrorScore > 0 && sess.ErrorScore >= p.opts.MaxErrorScore {
		p.retireLocked(sessionID)
	}
}

// Retire explicitly removes a session and publishes SessionRetired.
func (p *Pool) Retire(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retireLocked(sessionID)
}

func (p *Pool) retireLocked(sessionID string) {
	if _, ok := p.sessions[sessionID]; !ok {
		return
	}
	delete(p.sessions, sessionID)
	if p.bus != nil {
		p.bus.Publish(events.SessionRetired{SessionID: sessionID})
	}
}

// SetCookies replaces a session's cookie jar, as extracted from a browser
// or HTTP client after a request completes.
func (p *Pool) SetCookies(sessionID string, cookies []Cookie) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[sessionID]; ok {
		sess.Cookies = cookies
	}
}

// Stats summarizes pool occupancy for the engine's statistics snapshot.
type Stats struct {
	TotalSessions  int
	UsableSessions int
}

// Stats returns a point-in-time summary of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	stats := Stats{TotalSessions: len(p.sessions)}
	for _, sess := range p.sessions {
		if sess.IsUsable(p.opts.MaxUsageCount, p.opts.MaxErrorScore, now) {
			stats.UsableSessions++
		}
	}
	return stats
}

// persistedState is the JSON shape written under SDK_SESSION_POOL_STATE.
type persistedState struct {
	Sessions map[string]*Session `json:"sessions"`
}

// Persist writes every session to the configured KeyValueStore.
func (p *Pool) Persist() error {
	p.mu.Lock()
	snapshot := make(map[string]*Session, len(p.sessions))
	for id, sess := range p.sessions {
		cp := *sess
		snapshot[id] = &cp
	}
	p.mu.Unlock()

	return p.kv.Set(p.opts.StateKey, persistedState{Sessions: snapshot})
}

// Restore loads a previously persisted pool state.
func (p *Pool) Restore() error {
	var state persistedState
	if err := p.kv.Get(p.opts.StateKey, &state); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if state.Sessions != nil {
		p.sessions = state.Sessions
	}
	return nil
}

func generateSessionID() string {
	b := make([]byte, 16)
	_, _ = cryptorand.Read(b)
	return fmt.Sprintf("%x", b)
}
