// Package crawlconfig loads and hot-reloads the crawl engine's
// configuration, mirroring the teacher's internal/config package: a flat
// YAML-tagged struct with ApplyDefaults/ComputeDerived, environment
// variable overrides applied after parse, and an fsnotify-driven watcher for
// live reload.
package crawlconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProxySource configures ProxyConfiguration: either a static list of URLs or
// (set programmatically, not via YAML) a resolver function.
type ProxySource struct {
	URLs []string `yaml:"proxy_urls"`
}

// SessionOptions is the per-session-pool-entry policy (§6
// sessionPoolOptions.sessionOptions).
type SessionOptions struct {
	MaxUsageCount  int `yaml:"max_usage_count"`
	MaxErrorScore  int `yaml:"max_error_score"`
}

// SessionPoolOptions is §6's sessionPoolOptions.
type SessionPoolOptions struct {
	MaxPoolSize     int            `yaml:"max_pool_size"`
	SessionOptions  SessionOptions `yaml:"session_options"`
	PersistStateKey string         `yaml:"persist_state_key"`
}

// BrowserPoolOptions is §6's browserPoolOptions.
type BrowserPoolOptions struct {
	MaxOpenPagesPerInstance      int  `yaml:"max_open_pages_per_instance"`
	RetireInstanceAfterRequests  int  `yaml:"retire_instance_after_request_count"`
	InstanceKillerIntervalSecs   int  `yaml:"instance_killer_interval_secs"`
	KillInstanceAfterSecs        int  `yaml:"kill_instance_after_secs"`
	UseIncognitoPages            bool `yaml:"use_incognito_pages"`
	RecycleDiskCache             bool `yaml:"recycle_disk_cache"`
	DiskCacheRingSize            int  `yaml:"disk_cache_ring_size"`
	ProxyUrls                    []string `yaml:"proxy_urls"`
}

// Config is the crawl engine's configuration, covering every key recognized
// in § EXTERNAL INTERFACES.
type Config struct {
	MinConcurrency             int     `yaml:"min_concurrency"`
	MaxConcurrency             int     `yaml:"max_concurrency"`
	DesiredConcurrencyRatio    float64 `yaml:"desired_concurrency_ratio"`
	ScaleUpStepRatio           float64 `yaml:"scale_up_step_ratio"`
	ScaleDownStepRatio         float64 `yaml:"scale_down_step_ratio"`
	MaybeRunIntervalMs         int     `yaml:"maybe_run_interval_ms"`
	ScaleIntervalSecs          int     `yaml:"scale_interval_secs"`
	MaxTasksPerMinute          int     `yaml:"max_tasks_per_minute"`

	MaxRequestRetries   int `yaml:"max_request_retries"`
	MaxSessionRotations int `yaml:"max_session_rotations"`
	MaxRequestsPerCrawl int `yaml:"max_requests_per_crawl"`

	RequestHandlerTimeoutSecs int `yaml:"request_handler_timeout_secs"`
	NavigationTimeoutSecs     int `yaml:"navigation_timeout_secs"`

	UseSessionPool         bool               `yaml:"use_session_pool"`
	SessionPoolOptions     SessionPoolOptions `yaml:"session_pool_options"`
	PersistCookiesPerSession bool             `yaml:"persist_cookies_per_session"`

	ProxyConfiguration ProxySource `yaml:"proxy_configuration"`

	AdditionalHTTPErrorStatusCodes []int `yaml:"additional_http_error_status_codes"`
	IgnoreHTTPErrorStatusCodes     []int `yaml:"ignore_http_error_status_codes"`

	BrowserPoolOptions BrowserPoolOptions `yaml:"browser_pool_options"`

	KeepAlive bool `yaml:"keep_alive"`

	LocalStorageDir string `yaml:"-"`
	Headless        bool   `yaml:"-"`
	MemoryMBytes    int    `yaml:"-"`
	VerboseLog      bool   `yaml:"-"`

	// RequestHandlerTimeout and NavigationTimeout are derived from the Secs
	// fields, clamped to [1, 2^31-1] ms per §6.
	RequestHandlerTimeout time.Duration `yaml:"-"`
	NavigationTimeout     time.Duration `yaml:"-"`
}

// Default returns a Config with every field at its documented default.
func Default() *Config {
	c := &Config{
		MinConcurrency:          1,
		MaxConcurrency:          200,
		DesiredConcurrencyRatio: 0.9,
		ScaleUpStepRatio:        0.05,
		ScaleDownStepRatio:      0.05,
		MaybeRunIntervalMs:      500,
		ScaleIntervalSecs:       10,
		MaxTasksPerMinute:       0, // 0 = unlimited

		MaxRequestRetries:   3,
		MaxSessionRotations: 10,

		RequestHandlerTimeoutSecs: 60,
		NavigationTimeoutSecs:     30,

		UseSessionPool: true,
		SessionPoolOptions: SessionPoolOptions{
			MaxPoolSize: 1000,
			SessionOptions: SessionOptions{
				MaxUsageCount: 50,
				MaxErrorScore: 3,
			},
			PersistStateKey: "SDK_SESSION_POOL_STATE",
		},

		BrowserPoolOptions: BrowserPoolOptions{
			MaxOpenPagesPerInstance:     1,
			RetireInstanceAfterRequests: 100,
			InstanceKillerIntervalSecs:  10,
			KillInstanceAfterSecs:       300,
			DiskCacheRingSize:           8,
		},
	}
	c.ApplyDefaults()
	c.ComputeDerived()
	return c
}

// ApplyDefaults fills in zero-valued fields with sane defaults, matching the
// teacher's ApplyDefaults clamping idiom.
func (c *Config) ApplyDefaults() {
	if c.MinConcurrency <= 0 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency < c.MinConcurrency {
		c.MaxConcurrency = c.MinConcurrency
	}
	if c.DesiredConcurrencyRatio <= 0 {
		c.DesiredConcurrencyRatio = 0.9
	}
	if c.ScaleUpStepRatio <= 0 {
		c.ScaleUpStepRatio = 0.05
	}
	if c.ScaleDownStepRatio <= 0 {
		c.ScaleDownStepRatio = 0.05
	}
	if c.MaybeRunIntervalMs <= 0 {
		c.MaybeRunIntervalMs = 500
	}
	if c.ScaleIntervalSecs <= 0 {
		c.ScaleIntervalSecs = 10
	}
	if c.MaxRequestRetries < 0 {
		c.MaxRequestRetries = 0
	}
	if c.MaxSessionRotations <= 0 {
		c.MaxSessionRotations = 10
	}
	if c.RequestHandlerTimeoutSecs <= 0 {
		c.RequestHandlerTimeoutSecs = 60
	}
	if c.NavigationTimeoutSecs <= 0 {
		c.NavigationTimeoutSecs = 30
	}
	if c.SessionPoolOptions.MaxPoolSize <= 0 {
		c.SessionPoolOptions.MaxPoolSize = 1000
	}
	if c.SessionPoolOptions.SessionOptions.MaxUsageCount <= 0 {
		c.SessionPoolOptions.SessionOptions.MaxUsageCount = 50
	}
	if c.SessionPoolOptions.SessionOptions.MaxErrorScore <= 0 {
		c.SessionPoolOptions.SessionOptions.MaxErrorScore = 3
	}
	if c.BrowserPoolOptions.MaxOpenPagesPerInstance <= 0 {
		c.BrowserPoolOptions.MaxOpenPagesPerInstance = 1
	}
	if c.BrowserPoolOptions.RetireInstanceAfterRequests <= 0 {
		c.BrowserPoolOptions.RetireInstanceAfterRequests = 100
	}
	if c.BrowserPoolOptions.InstanceKillerIntervalSecs <= 0 {
		c.BrowserPoolOptions.InstanceKillerIntervalSecs = 10
	}
	if c.BrowserPoolOptions.KillInstanceAfterSecs <= 0 {
		c.BrowserPoolOptions.KillInstanceAfterSecs = 300
	}
	if c.BrowserPoolOptions.DiskCacheRingSize <= 0 {
		c.BrowserPoolOptions.DiskCacheRingSize = 8
	}
	if c.LocalStorageDir == "" {
		c.LocalStorageDir = "./storage"
	}
}

// ComputeDerived computes the timeout durations, clamping to [1ms,
// 2^31-1 ms] per §6, and validates cross-field invariants.
func (c *Config) ComputeDerived() error {
	c.RequestHandlerTimeout = clampMs(time.Duration(c.RequestHandlerTimeoutSecs) * time.Second)
	c.NavigationTimeout = clampMs(time.Duration(c.NavigationTimeoutSecs) * time.Second)

	if c.PersistCookiesPerSession && !c.UseSessionPool {
		return fmt.Errorf("crawlconfig: cannot persist cookies without session pool")
	}
	return nil
}

const maxMsDuration = time.Duration(int64(1)<<31-1) * time.Millisecond

func clampMs(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return time.Millisecond
	}
	if d > maxMsDuration {
		return maxMsDuration
	}
	return d
}

// ApplyEnv overlays recognized environment variables (§ EXTERNAL
// INTERFACES) onto c, applied after YAML parsing so the environment always
// wins.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}

	headless := getenv("HEADLESS")
	xvfb := getenv("XVFB")
	if headless != "" {
		c.Headless = headless == "1" && xvfb != "1"
	} else if xvfb == "" {
		c.Headless = true
	}

	if v := getenv("MEMORY_MBYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MemoryMBytes = n
		}
	}
	if v := getenv("LOCAL_STORAGE_DIR"); v != "" {
		c.LocalStorageDir = v
	}
	if v := strings.TrimSpace(getenv("VERBOSE_LOG")); v == "1" || strings.EqualFold(v, "true") {
		c.VerboseLog = true
	}
}
