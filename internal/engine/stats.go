package engine

import "sync/atomic"

// Stats is the crawl's running statistics snapshot. It is kept in memory
// only; no SDK_CRAWLER_STATISTICS_<n> record is written to a store.
type Stats struct {
	successful int64
	failed     int64
	retried    int64
}

func (s *Stats) recordSuccess() { atomic.AddInt64(&s.successful, 1) }
func (s *Stats) recordFailure() { atomic.AddInt64(&s.failed, 1) }
func (s *Stats) recordRetry()   { atomic.AddInt64(&s.retried, 1) }

func (s *Stats) snapshot() Stats {
	return Stats{
		successful: atomic.LoadInt64(&s.successful),
		failed:     atomic.LoadInt64(&s.failed),
		retried:    atomic.LoadInt64(&s.retried),
	}
}

// Successful returns the count of requests that completed without error.
func (s Stats) Successful() int64 { return s.successful }

// Failed returns the count of requests that terminally failed.
func (s Stats) Failed() int64 { return s.failed }

// Retried returns the count of retry-triggering handler errors seen.
func (s Stats) Retried() int64 { return s.retried }
