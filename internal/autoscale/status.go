package autoscale

import "time"

// WindowConfig bounds the short and long evaluation windows SystemStatus
// uses to decide whether the system is currently overloaded.
type WindowConfig struct {
	// ShortWindow is the recent window a single bad sample can tip over;
	// it reacts fast to a load spike.
	ShortWindow time.Duration
	// LongWindow smooths out a momentary spike so a single overloaded
	// sample does not thrash concurrency up and down.
	LongWindow time.Duration
	// MaxOverloadedRatio is the fraction of samples within a window that
	// may be flagged overloaded before the window itself counts as
	// overloaded.
	MaxOverloadedRatio float64
}

// DefaultWindowConfig returns the documented defaults (5s short window, 60s
// long window, 10% tolerance).
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		ShortWindow:        5 * time.Second,
		LongWindow:         60 * time.Second,
		MaxOverloadedRatio: 0.1,
	}
}

// SystemStatus evaluates a Snapshotter's history into a single
// scale-up/scale-down-eligible verdict.
type SystemStatus struct {
	snapshotter *Snapshotter
	cfg         WindowConfig
}

// NewSystemStatus creates a SystemStatus reading from snapshotter.
func NewSystemStatus(snapshotter *Snapshotter, cfg WindowConfig) *SystemStatus {
	if cfg.ShortWindow <= 0 {
		cfg.ShortWindow = 5 * time.Second
	}
	if cfg.LongWindow <= 0 {
		cfg.LongWindow = 60 * time.Second
	}
	if cfg.MaxOverloadedRatio <= 0 {
		cfg.MaxOverloadedRatio = 0.1
	}
	return &SystemStatus{snapshotter: snapshotter, cfg: cfg}
}

// Verdict is the outcome of a single Evaluate call, reported on
// the SystemInfo event.
type Verdict struct {
	ShortWindowOK      bool
	LongWindowOK       bool
	MemOverloadedRatio float64
	CPUOverloadedRatio float64
}

// OK reports whether both windows currently clear the overload tolerance.
func (v Verdict) OK() bool { return v.ShortWindowOK && v.LongWindowOK }

// Evaluate inspects the snapshot history and returns the current verdict.
// An empty history (no samples yet) is reported healthy, so a cold start
// never blocks the first task.
func (s *SystemStatus) Evaluate() Verdict {
	history := s.snapshotter.History()
	now := time.Now()

	shortRatio := overloadedRatio(history, now, s.cfg.ShortWindow)
	longRatio := overloadedRatio(history, now, s.cfg.LongWindow)

	return Verdict{
		ShortWindowOK:      shortRatio <= s.cfg.MaxOverloadedRatio,
		LongWindowOK:       longRatio <= s.cfg.MaxOverloadedRatio,
		MemOverloadedRatio: shortRatio,
		CPUOverloadedRatio: longRatio,
	}
}

// overloadedRatio returns the fraction of snapshots within [now-window, now]
// flagged overloaded on either memory or CPU.
func overloadedRatio(history []Snapshot, now time.Time, window time.Duration) float64 {
	cutoff := now.Add(-window)
	var total, overloaded int
	for _, snap := range history {
		if snap.CreatedAt.Before(cutoff) {
			continue
		}
		total++
		if snap.MemOverloaded || snap.CPUOverloaded {
			overloaded++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(overloaded) / float64(total)
}
