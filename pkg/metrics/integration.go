// Package metrics provides integration utilities for connecting
// the metrics system with other components.
package metrics

import (
	"context"
	"time"
)

// EngineHooks wires CrawlEngine lifecycle events into a Collector,
// generalizing the teacher's SimulatorHooks from a single bot's hit loop
// into per-request instrumentation. The engine does not call these hooks
// itself; cmd/crawlrt calls OnRequestComplete from its FailedRequestHandler.
type EngineHooks struct {
	collector *Collector
}

// NewEngineHooks creates new engine hooks.
func NewEngineHooks(collector *Collector) *EngineHooks {
	return &EngineHooks{collector: collector}
}

// OnRequestStart records the start of a request.
func (h *EngineHooks) OnRequestStart() {
	h.collector.RecordRequest()
}

// OnRequestComplete records a completed request.
func (h *EngineHooks) OnRequestComplete(proxy string, duration time.Duration, success bool) {
	h.collector.RecordResponseTime(duration)
	if proxy != "" {
		h.collector.RecordProxyLatency(proxy, duration)
	}
	if success {
		h.collector.RecordSuccess(proxy)
	} else {
		h.collector.RecordFailure(proxy)
	}
}

// OnRetry records a handler error that was reclaimed for retry.
func (h *EngineHooks) OnRetry() {
	h.collector.RecordRetry()
}

// StartTimer starts a new timer for one request.
func (h *EngineHooks) StartTimer(proxy string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: h.collector,
		proxy:     proxy,
	}
}

// ProxyHooks provides hooks for proxy pool integration.
type ProxyHooks struct {
	collector *Collector
}

// NewProxyHooks creates new proxy hooks.
func NewProxyHooks(collector *Collector) *ProxyHooks {
	return &ProxyHooks{collector: collector}
}

// OnProxyAdd records proxy addition.
func (h *ProxyHooks) OnProxyAdd(count int) {
	h.collector.SetActiveProxies(int64(count))
}

// OnProxyRemove records proxy removal.
func (h *ProxyHooks) OnProxyRemove(count int) {
	h.collector.SetActiveProxies(int64(count))
}

// OnProxySuccess records proxy success.
func (h *ProxyHooks) OnProxySuccess(proxy string) {
	h.collector.RecordSuccess(proxy)
}

// OnProxyFailure records proxy failure.
func (h *ProxyHooks) OnProxyFailure(proxy string) {
	h.collector.RecordFailure(proxy)
}

// QueueHooks provides hooks for queue integration.
type QueueHooks struct {
	collector *Collector
}

// NewQueueHooks creates new queue hooks.
func NewQueueHooks(collector *Collector) *QueueHooks {
	return &QueueHooks{collector: collector}
}

// OnQueueSizeChange records queue size change.
func (h *QueueHooks) OnQueueSizeChange(size int) {
	h.collector.SetQueueSize(int64(size))
}

type ctxKey string

const metricsKey ctxKey = "metrics"

// WithContext adds a Collector to ctx.
func WithContext(ctx context.Context, collector *Collector) context.Context {
	return context.WithValue(ctx, metricsKey, collector)
}

// FromContext extracts the Collector stored by WithContext, if any.
func FromContext(ctx context.Context) *Collector {
	if v := ctx.Value(metricsKey); v != nil {
		if mc, ok := v.(*Collector); ok {
			return mc
		}
	}
	return nil
}

// RecordRequestFromContext records a request using the collector from ctx,
// a no-op if none was attached.
func RecordRequestFromContext(ctx context.Context) {
	if mc := FromContext(ctx); mc != nil {
		mc.RecordRequest()
	}
}

// Timer helps measure operation durations.
type Timer struct {
	start     time.Time
	collector *Collector
	proxy     string
}

// Stop stops the timer and records the duration.
func (t *Timer) Stop(success bool) time.Duration {
	duration := time.Since(t.start)
	t.collector.RecordResponseTime(duration)
	if t.proxy != "" {
		t.collector.RecordProxyLatency(t.proxy, duration)
	}
	if success {
		t.collector.RecordSuccess(t.proxy)
	} else {
		t.collector.RecordFailure(t.proxy)
	}
	return duration
}
