package autoscale

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOverloadedRatioEmptyHistoryIsHealthy(t *testing.T) {
	ratio := overloadedRatio(nil, time.Now(), time.Minute)
	require.Zero(t, ratio)
}

func TestOverloadedRatioCountsOnlyWindow(t *testing.T) {
	now := time.Now()
	history := []Snapshot{
		{CreatedAt: now.Add(-10 * time.Minute), MemOverloaded: true},
		{CreatedAt: now.Add(-1 * time.Second), MemOverloaded: true},
		{CreatedAt: now, MemOverloaded: false},
	}
	ratio := overloadedRatio(history, now, 5*time.Second)
	require.InDelta(t, 0.5, ratio, 0.001)
}

func TestSystemStatusEvaluateHealthyWhenNoSamples(t *testing.T) {
	snap := NewSnapshotter(DefaultSnapshotterConfig(), nil)
	status := NewSystemStatus(snap, DefaultWindowConfig())
	v := status.Evaluate()
	require.True(t, v.OK())
}
