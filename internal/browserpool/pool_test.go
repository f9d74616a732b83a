package browserpool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlrt/crawlrt/internal/events"
)

// newFakeInstance builds an Instance without launching a real Chrome
// process, for exercising pool bookkeeping in isolation.
func newFakeInstance(p *Pool, id, sessionID string) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		id:               id,
		allocCtx:         ctx,
		allocCancel:      cancel,
		browserCtx:       ctx,
		browserCancel:    cancel,
		pool:             p,
		state:            StateActive,
		lastUsed:         time.Now(),
		boundSession:     sessionID,
		maxOpenPages:     p.opts.MaxOpenPagesPerInstance,
		retireAfterPages: p.opts.RetireInstanceAfterRequests,
	}
	p.mu.Lock()
	p.instances[id] = inst
	if sessionID != "" {
		p.bySession[sessionID] = inst
	}
	p.mu.Unlock()
	return inst
}

func TestBeginPageRetiresAfterRequestBudget(t *testing.T) {
	opts := DefaultOptions()
	opts.RetireInstanceAfterRequests = 2
	p := New(opts, nil, nil)
	inst := newFakeInstance(p, "inst-1", "sess-1")
	inst.BeginPage()

	p.ReleaseInstance(inst)
	require.Equal(t, StateActive, inst.State())

	inst.BeginPage()
	p.ReleaseInstance(inst)
	require.Equal(t, StateRetired, inst.State())

	p.mu.Lock()
	_, stillBound := p.bySession["sess-1"]
	p.mu.Unlock()
	require.False(t, stillBound)
}

func TestAcquireInstanceReusesSessionBoundInstance(t *testing.T) {
	p := New(DefaultOptions(), nil, nil)
	inst := newFakeInstance(p, "inst-1", "sess-a")

	got, err := p.AcquireInstance(AcquireOptions{SessionID: "sess-a"})
	require.NoError(t, err)
	require.Same(t, inst, got)
}

func TestAcquireInstanceReusesActiveInstanceWithoutSessionID(t *testing.T) {
	p := New(DefaultOptions(), nil, nil)
	inst := newFakeInstance(p, "inst-1", "")

	got, err := p.AcquireInstance(AcquireOptions{})
	require.NoError(t, err)
	require.Same(t, inst, got)
}

func TestAcquireInstanceSkipsFullInstanceWithoutSessionID(t *testing.T) {
	p := New(DefaultOptions(), nil, nil)
	full := newFakeInstance(p, "inst-1", "")
	full.maxOpenPages = 1
	full.openPages = 1

	roomy := newFakeInstance(p, "inst-2", "")
	roomy.maxOpenPages = 1

	got, err := p.AcquireInstance(AcquireOptions{})
	require.NoError(t, err)
	require.Same(t, roomy, got)
}

// TestAcquireInstanceReusesBoundedActiveInstances drives a local acquire
// helper that mirrors AcquireInstance's capacity scan over fake instances
// (no real Chrome launch) to verify reuse is session-agnostic: with RetireInstanceAfterRequests=2 and
// MaxOpenPagesPerInstance=1, 5 sequential no-session page opens must
// consolidate onto 3 instances (2 pages each for the first two, 1 for the
// third), not launch a fresh instance per request.
func TestAcquireInstanceReusesBoundedActiveInstances(t *testing.T) {
	opts := DefaultOptions()
	opts.RetireInstanceAfterRequests = 2
	opts.MaxOpenPagesPerInstance = 1
	p := New(opts, nil, nil)

	nextID := 0
	launch := func() *Instance {
		nextID++
		inst := newFakeInstance(p, fmt.Sprintf("inst-%d", nextID), "")
		inst.maxOpenPages = opts.MaxOpenPagesPerInstance
		inst.retireAfterPages = opts.RetireInstanceAfterRequests
		inst.pool = p
		return inst
	}

	acquire := func() *Instance {
		p.mu.Lock()
		for _, inst := range p.instances {
			if inst.hasCapacity() {
				p.mu.Unlock()
				return inst
			}
		}
		p.mu.Unlock()
		return launch()
	}

	launches := 0
	for i := 0; i < 5; i++ {
		inst := acquire()
		if inst.totalPages == 0 && inst.openPages == 0 {
			launches++
		}
		inst.BeginPage()
		p.ReleaseInstance(inst)
	}

	require.Equal(t, 3, launches)
}

func TestBeginPageRejectedWhenNotActive(t *testing.T) {
	p := New(DefaultOptions(), nil, nil)
	inst := newFakeInstance(p, "inst-1", "")
	inst.mu.Lock()
	inst.state = StateRetired
	inst.mu.Unlock()

	require.False(t, inst.BeginPage())
}

func TestSweepKillsRetiredIdleInstances(t *testing.T) {
	p := New(DefaultOptions(), nil, nil)
	inst := newFakeInstance(p, "inst-1", "")
	inst.mu.Lock()
	inst.state = StateRetired
	inst.mu.Unlock()

	p.sweep()
	require.Equal(t, StateKilled, inst.State())
	require.Equal(t, 0, p.InstanceCount())
}

func TestSweepSkipsInstancesWithOpenPages(t *testing.T) {
	p := New(DefaultOptions(), nil, nil)
	inst := newFakeInstance(p, "inst-1", "")
	inst.mu.Lock()
	inst.state = StateRetired
	inst.openPages = 1
	inst.mu.Unlock()

	p.sweep()
	require.Equal(t, StateRetired, inst.State())
	require.Equal(t, 1, p.InstanceCount())
}

func TestSessionRetiredEventRetiresBoundInstance(t *testing.T) {
	bus := events.New[events.SessionRetired]()
	p := New(DefaultOptions(), bus, nil)
	inst := newFakeInstance(p, "inst-1", "sess-x")

	bus.Publish(events.SessionRetired{SessionID: "sess-x"})

	require.Eventually(t, func() bool {
		return inst.State() == StateRetired
	}, time.Second, 5*time.Millisecond)
}

func TestClosePoolKillsAllInstances(t *testing.T) {
	p := New(DefaultOptions(), nil, nil)
	a := newFakeInstance(p, "inst-1", "")
	b := newFakeInstance(p, "inst-2", "")

	p.Close()
	require.Equal(t, StateKilled, a.State())
	require.Equal(t, StateKilled, b.State())
	require.Equal(t, 0, p.InstanceCount())
}
