package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func recordingMiddleware(name string, order *[]string, fail bool) Middleware {
	return Middleware{
		Name: name,
		Action: func(_ context.Context, _ Context) (Context, error) {
			*order = append(*order, "action:"+name)
			if fail {
				return nil, errors.New("boom")
			}
			return Context{name: true}, nil
		},
		Cleanup: func(_ context.Context, _ Context, _ error) {
			*order = append(*order, "cleanup:"+name)
		},
	}
}

func TestCallRunsTerminalAfterAllActions(t *testing.T) {
	var order []string
	p := New(recordingMiddleware("A", &order, false), recordingMiddleware("B", &order, false))

	called := false
	res := p.Call(context.Background(), nil, func(_ context.Context, pctx Context) error {
		called = true
		require.True(t, pctx["A"].(bool))
		require.True(t, pctx["B"].(bool))
		return nil
	})

	require.Equal(t, ResultOK, res.Kind)
	require.True(t, called)
	require.Equal(t, []string{"action:A", "action:B", "cleanup:B", "cleanup:A"}, order)
}

func TestMiddlewareBFailureSkipsConsumerAndCleansUpOnlyA(t *testing.T) {
	var order []string
	consumerCalled := false
	p := New(
		recordingMiddleware("A", &order, false),
		recordingMiddleware("B", &order, true),
		recordingMiddleware("C", &order, false),
	)

	res := p.Call(context.Background(), nil, func(_ context.Context, _ Context) error {
		consumerCalled = true
		return nil
	})

	require.Equal(t, ResultErr, res.Kind)
	require.False(t, consumerCalled)
	require.Equal(t, []string{"action:A", "action:B", "cleanup:A"}, order)
	require.NotContains(t, order, "action:C")
}

func TestTerminalErrorRunsAllCleanupsInReverse(t *testing.T) {
	var order []string
	p := New(recordingMiddleware("A", &order, false), recordingMiddleware("B", &order, false))

	res := p.Call(context.Background(), nil, func(_ context.Context, _ Context) error {
		return errors.New("handler failed")
	})

	require.Equal(t, ResultErr, res.Kind)
	require.Equal(t, []string{"action:A", "action:B", "cleanup:B", "cleanup:A"}, order)
	require.ErrorContains(t, res.Err, "handler failed")
}

func TestInterruptedHaltsSilentlyButStillCleansUp(t *testing.T) {
	var order []string
	interrupting := Middleware{
		Name: "interrupt",
		Action: func(_ context.Context, _ Context) (Context, error) {
			return nil, ErrInterrupted
		},
	}
	a := recordingMiddleware("A", &order, false)
	p := New(a, interrupting)

	consumerCalled := false
	res := p.Call(context.Background(), nil, func(_ context.Context, _ Context) error {
		consumerCalled = true
		return nil
	})

	require.Equal(t, ResultInterrupted, res.Kind)
	require.False(t, consumerCalled)
	require.Equal(t, []string{"action:A", "cleanup:A"}, order)
}

func TestContextCloneIsIndependent(t *testing.T) {
	c := Context{"k": 1}
	clone := c.Clone()
	clone["k"] = 2
	require.Equal(t, 1, c["k"])
}
