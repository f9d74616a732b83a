package autoscale

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAutoscaledPoolRunsUntilFinished(t *testing.T) {
	var completed int64
	const totalTasks = 5

	cfg := PoolConfig{
		MinConcurrency:          1,
		MaxConcurrency:          4,
		DesiredConcurrencyRatio: 1,
		MaybeRunInterval:        10 * time.Millisecond,
		ScaleInterval:           50 * time.Millisecond,
		RunTaskFunc: func(ctx context.Context) error {
			atomic.AddInt64(&completed, 1)
			return nil
		},
		IsTaskReadyFunc: func() bool {
			return atomic.LoadInt64(&completed) < totalTasks
		},
		IsFinishedFunc: func() bool {
			return atomic.LoadInt64(&completed) >= totalTasks
		},
	}

	pool := NewAutoscaledPool(cfg, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := pool.Run(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, atomic.LoadInt64(&completed), int64(totalTasks))
}

func TestAutoscaledPoolAbortStopsLaunching(t *testing.T) {
	var running int64

	cfg := PoolConfig{
		MinConcurrency:          1,
		MaxConcurrency:          1,
		DesiredConcurrencyRatio: 1,
		MaybeRunInterval:        5 * time.Millisecond,
		ScaleInterval:           time.Second,
		RunTaskFunc: func(ctx context.Context) error {
			atomic.AddInt64(&running, 1)
			<-ctx.Done()
			return ctx.Err()
		},
		IsTaskReadyFunc: func() bool { return true },
		IsFinishedFunc:  func() bool { return false },
	}

	pool := NewAutoscaledPool(cfg, nil, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	pool.Abort(nil)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after Abort")
	}
	require.GreaterOrEqual(t, atomic.LoadInt64(&running), int64(1))
}
