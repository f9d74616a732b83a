package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlrt/crawlrt/internal/events"
	"github.com/crawlrt/crawlrt/internal/store"
)

func TestGetSessionCreatesWhenPoolEmpty(t *testing.T) {
	p := New(DefaultPoolOptions(), nil, nil)
	sess, err := p.GetSession()
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, 1, sess.UsageCount)
}

func TestMarkBadRetiresAfterThreshold(t *testing.T) {
	bus := events.New[events.SessionRetired]()
	ch, unsub := bus.Subscribe()
	defer unsub()

	opts := DefaultPoolOptions()
	opts.MaxErrorScore = 4
	p := New(opts, bus, nil)
	sess, err := p.GetSession()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		p.MarkBad(sess.ID)
	}
	require.Equal(t, 1, p.Stats().TotalSessions)

	p.MarkBad(sess.ID)
	require.Equal(t, 0, p.Stats().TotalSessions)

	select {
	case evt := <-ch:
		require.Equal(t, sess.ID, evt.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected SessionRetired event")
	}
}

func TestMarkGoodDecaysErrorScoreByOne(t *testing.T) {
	p := New(DefaultPoolOptions(), nil, nil)
	sess, err := p.GetSession()
	require.NoError(t, err)

	p.MarkBad(sess.ID)
	p.MarkBad(sess.ID)
	p.MarkGood(sess.ID)
	p.mu.Lock()
	score := p.sessions[sess.ID].ErrorScore
	p.mu.Unlock()
	require.Equal(t, 1, score)

	p.MarkGood(sess.ID)
	p.MarkGood(sess.ID)
	p.mu.Lock()
	score = p.sessions[sess.ID].ErrorScore
	p.mu.Unlock()
	require.Zero(t, score)
}

func TestPersistAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kv, err := store.NewLocalStore(dir, "")
	require.NoError(t, err)

	p := New(DefaultPoolOptions(), nil, kv)
	sess, err := p.GetSession()
	require.NoError(t, err)
	require.NoError(t, p.Persist())

	restored := New(DefaultPoolOptions(), nil, kv)
	require.NoError(t, restored.Restore())
	require.Equal(t, 1, restored.Stats().TotalSessions)
	_, ok := restored.sessions[sess.ID]
	require.True(t, ok)
}

func TestIsUsableExpiry(t *testing.T) {
	s := &Session{ExpiresAt: time.Now().Add(-time.Minute)}
	require.False(t, s.IsUsable(0, 0, time.Now()))
}
