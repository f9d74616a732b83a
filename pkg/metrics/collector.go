// Package metrics provides Prometheus-compatible instrumentation for one
// CrawlEngine run, generalizing the teacher's hit/proxy/session dashboard
// counters into crawl terms (requests, retries, queue depth) with one
// instance owned by its caller rather than a package-level singleton.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric one crawl run reports, registered against
// its own prometheus.Registry so multiple engines in one process (tests,
// or several crawls in one binary) never collide on metric names.
type Collector struct {
	registry *prometheus.Registry

	// Request throughput.
	RequestCounter prometheus.Counter
	RequestRate    prometheus.Gauge // requests per minute
	requestsPerMin *RateCalculator

	// Latency.
	ResponseTime prometheus.Histogram
	ProxyLatency *prometheus.HistogramVec

	// Point-in-time occupancy.
	ActiveSessions prometheus.Gauge
	ActiveProxies  prometheus.Gauge
	QueueSize      prometheus.Gauge

	// Outcome rates.
	SuccessRate prometheus.Gauge
	RetryRate   prometheus.Gauge
	ErrorRate   prometheus.Gauge

	// Per-proxy outcome counters.
	ProxySuccess *prometheus.CounterVec
	ProxyFailure *prometheus.CounterVec

	mu           sync.RWMutex
	startTime    time.Time
	sessionCount int64
	proxyCount   int64
	queueCount   int64
	successCount int64
	retryCount   int64
	errorCount   int64
	totalRequests int64
}

// RateCalculator calculates hits per minute using a sliding window
type RateCalculator struct {
	mu       sync.Mutex
	hits     []time.Time
	window   time.Duration
	ticker   *time.Ticker
	stopCh   chan struct{}
	current  float64
}

// NewRateCalculator creates a new rate calculator with specified window
func NewRateCalculator(window time.Duration) *RateCalculator {
	rc := &RateCalculator{
		hits:   make([]time.Time, 0, 1000),
		window: window,
		stopCh: make(chan struct{}),
	}
	go rc.cleanupLoop()
	return rc
}

// Record records a hit
func (rc *RateCalculator) Record() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.hits = append(rc.hits, time.Now())
}

// GetRate returns current hits per minute
func (rc *RateCalculator) GetRate() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cleanup(time.Now())
	return float64(len(rc.hits)) * (60.0 / rc.window.Seconds())
}

// cleanup removes old hits outside the window
func (rc *RateCalculator) cleanup(now time.Time) {
	cutoff := now.Add(-rc.window)
	idx := len(rc.hits)
	for i, t := range rc.hits {
		if t.After(cutoff) {
			idx = i
			break
		}
	}
	rc.hits = rc.hits[idx:]
}

// cleanupLoop periodically cleans up old hits
func (rc *RateCalculator) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rc.mu.Lock()
			rc.cleanup(time.Now())
			rc.current = float64(len(rc.hits)) * (60.0 / rc.window.Seconds())
			rc.mu.Unlock()
		case <-rc.stopCh:
			return
		}
	}
}

// Stop stops the rate calculator
func (rc *RateCalculator) Stop() {
	close(rc.stopCh)
}

// Namespace for all metrics.
const namespace = "crawlrt"

// NewCollector creates and registers a fresh Collector against its own
// prometheus.Registry, owned by the caller (cmd/crawlrt creates one) — no
// package-level global, per the engine's own anti-singleton convention.
func NewCollector() *Collector {
	mc := &Collector{
		registry:       prometheus.NewRegistry(),
		startTime:      time.Now(),
		requestsPerMin: NewRateCalculator(time.Minute),
	}

	mc.RequestCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of requests handled",
	})
	mc.RequestRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "request_rate_per_minute",
		Help:      "Current request rate per minute",
	})
	mc.ResponseTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "response_time_seconds",
		Help:      "Response time distribution",
		Buckets:   prometheus.DefBuckets,
	})
	mc.ProxyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "proxy_latency_seconds",
		Help:      "Proxy latency distribution by proxy",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"proxy"})
	mc.ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of active sessions",
	})
	mc.ActiveProxies = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_proxies",
		Help:      "Number of active (non-failed) proxies",
	})
	mc.QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_size",
		Help:      "Current pending-request queue size",
	})
	mc.SuccessRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "success_rate",
		Help:      "Success rate (0-1)",
	})
	mc.RetryRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "retry_rate",
		Help:      "Retry rate (0-1)",
	})
	mc.ErrorRate = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "error_rate",
		Help:      "Terminal failure rate (0-1)",
	})
	mc.ProxySuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_success_total",
		Help:      "Total successful requests per proxy",
	}, []string{"proxy"})
	mc.ProxyFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "proxy_failure_total",
		Help:      "Total failed requests per proxy",
	}, []string{"proxy"})

	mc.register()
	go mc.updateLoop()

	return mc
}

func (mc *Collector) register() {
	mc.registry.MustRegister(
		mc.RequestCounter,
		mc.RequestRate,
		mc.ResponseTime,
		mc.ProxyLatency,
		mc.ActiveSessions,
		mc.ActiveProxies,
		mc.QueueSize,
		mc.SuccessRate,
		mc.RetryRate,
		mc.ErrorRate,
		mc.ProxySuccess,
		mc.ProxyFailure,
	)
}

// updateLoop periodically recomputes the derived rate gauges.
func (mc *Collector) updateLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		mc.updateCalculatedMetrics()
	}
}

func (mc *Collector) updateCalculatedMetrics() {
	mc.mu.RLock()
	total := mc.totalRequests
	success := mc.successCount
	retries := mc.retryCount
	errors := mc.errorCount
	mc.mu.RUnlock()

	if total > 0 {
		mc.SuccessRate.Set(float64(success) / float64(total))
		mc.RetryRate.Set(float64(retries) / float64(total))
		mc.ErrorRate.Set(float64(errors) / float64(total))
	}
	mc.RequestRate.Set(mc.requestsPerMin.GetRate())
}

// RecordRequest records one request dispatched to a handler.
func (mc *Collector) RecordRequest() {
	mc.RequestCounter.Inc()
	mc.requestsPerMin.Record()
	mc.mu.Lock()
	mc.totalRequests++
	mc.mu.Unlock()
}

// RecordResponseTime records one request's end-to-end handler duration.
func (mc *Collector) RecordResponseTime(duration time.Duration) {
	mc.ResponseTime.Observe(duration.Seconds())
}

// RecordProxyLatency records proxy-specific latency.
func (mc *Collector) RecordProxyLatency(proxy string, duration time.Duration) {
	mc.ProxyLatency.WithLabelValues(proxy).Observe(duration.Seconds())
}

// RecordSuccess records a request that completed without error.
func (mc *Collector) RecordSuccess(proxy string) {
	mc.mu.Lock()
	mc.successCount++
	mc.mu.Unlock()
	if proxy != "" {
		mc.ProxySuccess.WithLabelValues(proxy).Inc()
	}
}

// RecordFailure records a request that terminally failed.
func (mc *Collector) RecordFailure(proxy string) {
	mc.mu.Lock()
	mc.errorCount++
	mc.mu.Unlock()
	if proxy != "" {
		mc.ProxyFailure.WithLabelValues(proxy).Inc()
	}
}

// RecordRetry records a handler error that was reclaimed for retry rather
// than terminally failed.
func (mc *Collector) RecordRetry() {
	mc.mu.Lock()
	mc.retryCount++
	mc.mu.Unlock()
}

// SetActiveSessions sets the active-session gauge.
func (mc *Collector) SetActiveSessions(count int64) {
	mc.ActiveSessions.Set(float64(count))
	mc.mu.Lock()
	mc.sessionCount = count
	mc.mu.Unlock()
}

// SetActiveProxies sets the active-proxy gauge.
func (mc *Collector) SetActiveProxies(count int64) {
	mc.ActiveProxies.Set(float64(count))
	mc.mu.Lock()
	mc.proxyCount = count
	mc.mu.Unlock()
}

// SetQueueSize sets the queue-depth gauge.
func (mc *Collector) SetQueueSize(size int64) {
	mc.QueueSize.Set(float64(size))
	mc.mu.Lock()
	mc.queueCount = size
	mc.mu.Unlock()
}

// GetSnapshot returns a point-in-time summary, served as JSON by JSONHandler
// alongside the Prometheus handler.
func (mc *Collector) GetSnapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return Snapshot{
		Timestamp:        time.Now(),
		TotalRequests:    mc.totalRequests,
		SuccessCount:     mc.successCount,
		ErrorCount:       mc.errorCount,
		RetryCount:       mc.retryCount,
		ActiveSessions:   mc.sessionCount,
		ActiveProxies:    mc.proxyCount,
		QueueSize:        mc.queueCount,
		RequestRatePerMin: mc.requestsPerMin.GetRate(),
		SuccessRate:      calculateRate(mc.successCount, mc.totalRequests),
		RetryRate:        calculateRate(mc.retryCount, mc.totalRequests),
		ErrorRate:        calculateRate(mc.errorCount, mc.totalRequests),
		UptimeSeconds:    time.Since(mc.startTime).Seconds(),
	}
}

// Snapshot is a point-in-time metrics summary.
type Snapshot struct {
	Timestamp         time.Time `json:"timestamp"`
	TotalRequests     int64     `json:"total_requests"`
	SuccessCount      int64     `json:"success_count"`
	ErrorCount        int64     `json:"error_count"`
	RetryCount        int64     `json:"retry_count"`
	ActiveSessions    int64     `json:"active_sessions"`
	ActiveProxies     int64     `json:"active_proxies"`
	QueueSize         int64     `json:"queue_size"`
	RequestRatePerMin float64   `json:"request_rate_per_min"`
	SuccessRate       float64   `json:"success_rate"`
	RetryRate         float64   `json:"retry_rate"`
	ErrorRate         float64   `json:"error_rate"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
}

func calculateRate(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// MetricsHandler returns the Prometheus scrape handler for this Collector's
// own registry.
func (mc *Collector) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}

// JSONHandler returns the snapshot as JSON for polling clients; the
// websocket push in cmd/crawlrt sends events.SystemInfo, not this snapshot.
func (mc *Collector) JSONHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(mc.GetSnapshot())
	}
}

// Close stops the background rate calculator.
func (mc *Collector) Close() {
	if mc.requestsPerMin != nil {
		mc.requestsPerMin.Stop()
	}
}
