// Package autoscale samples system load and uses it to drive the crawl
// engine's worker concurrency, generalizing the teacher's
// internal/worker.AutoScaler (a queue-utilization-threshold scaler) into a
// memory/CPU-overload-ratio scaler the way a crawl engine must, since a
// request queue's utilization says nothing about whether the machine
// running the crawl is actually under pressure.
package autoscale

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlrt/crawlrt/pkg/logger"
	"github.com/crawlrt/crawlrt/pkg/ringbuffer"
)

// Snapshot is one point-in-time reading of system load.
type Snapshot struct {
	CreatedAt     time.Time
	MemUsageRatio float64
	CPUUsageRatio float64
	MemOverloaded bool
	CPUOverloaded bool
}

// SnapshotterConfig configures sampling thresholds and cadence.
type SnapshotterConfig struct {
	// SampleInterval is how often a snapshot is taken.
	SampleInterval time.Duration
	// HistorySize bounds how many snapshots are retained (a ring, per the
	// redesign note replacing a trimmed-slice sliding window).
	HistorySize int
	// MaxMemoryBytes, when non-zero and below the detected total, is used as
	// the total memory. DefaultSnapshotterConfig leaves it zero, and the
	// MEMORY_MBYTES value that crawlconfig reads is not passed through to it.
	MaxMemoryBytes uint64
	// MemOverloadRatio is the used/total memory ratio above which a
	// sample is flagged overloaded.
	MemOverloadRatio float64
	// CPUOverloadRatio is the busy/total CPU ratio above which a sample
	// is flagged overloaded.
	CPUOverloadRatio float64
}

// DefaultSnapshotterConfig returns the documented defaults.
func DefaultSnapshotterConfig() SnapshotterConfig {
	return SnapshotterConfig{
		SampleInterval:   500 * time.Millisecond,
		HistorySize:      120,
		MemOverloadRatio: 0.9,
		CPUOverloadRatio: 0.95,
	}
}

// Snapshotter periodically samples memory and CPU usage, keeping a bounded
// history that SystemStatus evaluates over short and long windows.
type Snapshotter struct {
	cfg SnapshotterConfig
	log *logger.Logger

	mu      sync.RWMutex
	history *ringbuffer.Ring[Snapshot]
	last    Snapshot

	prevCPUIdle, prevCPUTotal uint64
	cpuReadable               bool

	stop chan struct{}
	done chan struct{}
}

// NewSnapshotter creates a Snapshotter. Call Start to begin sampling.
func NewSnapshotter(cfg SnapshotterConfig, log *logger.Logger) *Snapshotter {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 500 * time.Millisecond
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 120
	}
	if cfg.MemOverloadRatio <= 0 {
		cfg.MemOverloadRatio = 0.9
	}
	if cfg.CPUOverloadRatio <= 0 {
		cfg.CPUOverloadRatio = 0.95
	}
	if log == nil {
		log = logger.Default()
	}
	return &Snapshotter{
		cfg:     cfg,
		log:     log.Component("autoscale.snapshotter"),
		history: ringbuffer.New[Snapshot](cfg.HistorySize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the sampling loop; it returns once ctx is cancelled or Stop
// is called.
func (s *Snapshotter) Start(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	s.takeSnapshot()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.takeSnapshot()
		}
	}
}

// Stop halts the sampling loop and waits for it to exit.
func (s *Snapshotter) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Snapshotter) takeSnapshot() {
	snap := Snapshot{CreatedAt: time.Now()}

	if memRatio, ok := s.sampleMemory(); ok {
		snap.MemUsageRatio = memRatio
		snap.MemOverloaded = memRatio >= s.cfg.MemOverloadRatio
	}
	if cpuRatio, ok := s.sampleCPU(); ok {
		snap.CPUUsageRatio = cpuRatio
		snap.CPUOverloaded = cpuRatio >= s.cfg.CPUOverloadRatio
	}

	s.mu.Lock()
	s.last = snap
	s.mu.Unlock()
	s.history.Push(snap)

	if snap.MemOverloaded || snap.CPUOverloaded {
		s.log.Debug("system load sample",
			zap.Float64("mem_ratio", snap.MemUsageRatio),
			zap.Float64("cpu_ratio", snap.CPUUsageRatio),
			zap.Bool("mem_overloaded", snap.MemOverloaded),
			zap.Bool("cpu_overloaded", snap.CPUOverloaded))
	}
}

// sampleMemory reads /proc/meminfo for MemTotal/MemAvailable, the same
// fields the teacher's pkg/sysinfo.detectMemory parses on Linux, and
// returns the used/total ratio clamped by MaxMemoryBytes when configured.
func (s *Snapshotter) sampleMemory() (float64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var totalKB, availKB uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseMeminfoField(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = parseMeminfoField(line)
		}
	}
	if totalKB == 0 {
		return 0, false
	}

	totalBytes := totalKB * 1024
	if s.cfg.MaxMemoryBytes > 0 && s.cfg.MaxMemoryBytes < totalBytes {
		totalBytes = s.cfg.MaxMemoryBytes
	}
	availBytes := availKB * 1024
	if availBytes > totalBytes {
		availBytes = totalBytes
	}
	used := totalBytes - availBytes
	return float64(used) / float64(totalBytes), true
}

func parseMeminfoField(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// sampleCPU reads the aggregate "cpu" line of /proc/stat and returns the
// busy ratio since the previous sample (the first call only primes the
// counters and reports not-ok).
func (s *Snapshotter) sampleCPU() (float64, bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, false
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, false
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		// idle is field index 3 (0-based: user, nice, system, idle, ...)
		if i == 3 {
			idle = v
		}
	}

	if !s.cpuReadable {
		s.prevCPUTotal, s.prevCPUIdle = total, idle
		s.cpuReadable = true
		return 0, false
	}

	deltaTotal := total - s.prevCPUTotal
	deltaIdle := idle - s.prevCPUIdle
	s.prevCPUTotal, s.prevCPUIdle = total, idle

	if deltaTotal == 0 {
		return 0, false
	}
	busy := float64(deltaTotal-deltaIdle) / float64(deltaTotal)
	if busy < 0 {
		busy = 0
	}
	return busy, true
}

// Latest returns the most recent snapshot.
func (s *Snapshotter) Latest() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// History returns every retained snapshot, oldest first.
func (s *Snapshotter) History() []Snapshot {
	return s.history.Snapshot()
}
