// Command crawlrt is the crawl engine's reference driver: it loads a YAML
// config, wires RequestQueue/SessionPool/ProxyPool/BrowserPool/ContextPipeline
// into a CrawlEngine, registers one default example route, and runs the
// crawl to completion or until interrupted — the teacher's cmd/vgbot/main.go
// flag-parse/graceful-shutdown shape, generalized from one ad-traffic bot's
// simulator loop into a driver for the crawl engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/crawlrt/crawlrt/internal/browserpool"
	"github.com/crawlrt/crawlrt/internal/crawlconfig"
	"github.com/crawlrt/crawlrt/internal/engine"
	"github.com/crawlrt/crawlrt/internal/errs"
	"github.com/crawlrt/crawlrt/internal/events"
	"github.com/crawlrt/crawlrt/internal/proxy"
	"github.com/crawlrt/crawlrt/internal/queue"
	"github.com/crawlrt/crawlrt/internal/session"
	"github.com/crawlrt/crawlrt/internal/store"
	"github.com/crawlrt/crawlrt/pkg/httpfetch"
	"github.com/crawlrt/crawlrt/pkg/logger"
	"github.com/crawlrt/crawlrt/pkg/metrics"
)

const (
	exitOK             = 0
	exitHandlerUncaught = 91
	exitUnknown        = 92
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "crawlrt.yaml", "Path to the crawl configuration file")
		startURL   = flag.String("url", "", "Seed URL to enqueue before the crawl starts")
		browser    = flag.Bool("browser", false, "Drive pages with a headless browser pool instead of plain HTTP")
		metricsAddr = flag.String("metrics-addr", "", "If set, serve /metrics (Prometheus) and /ws (live SystemInfo) on this address")
	)
	flag.Parse()

	log, err := logger.New(logger.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "crawlrt: logger init: %v\n", err)
		return exitUnknown
	}
	defer log.Sync()

	cfg, err := crawlconfig.Load(*configPath)
	if err != nil {
		log.Warn("using default configuration", zapErr(err))
		cfg = crawlconfig.Default()
		cfg.ApplyDefaults()
	}
	cfg.ApplyEnv(os.Getenv)

	kv, err := store.NewLocalStore(cfg.LocalStorageDir, "dataset.jsonl")
	if err != nil {
		log.Error("failed to open local store", zapErr(err))
		return exitUnknown
	}

	q := queue.New(kv, "SDK_REQUEST_QUEUE_STATE")
	if err := q.Restore(); err != nil {
		log.Warn("queue restore failed, starting empty", zapErr(err))
	}
	if *startURL != "" {
		q.AddRequest(&queue.Request{URL: *startURL, Method: http.MethodGet})
	}

	sessionRetired := events.New[events.SessionRetired]()
	systemInfo := events.New[events.SystemInfo]()
	defer sessionRetired.Close()
	defer systemInfo.Close()

	var sessPool *session.Pool
	if cfg.UseSessionPool {
		sessPool = session.New(sessionPoolOptions(cfg), sessionRetired, kv)
		if err := sessPool.Restore(); err != nil {
			log.Warn("session pool restore failed, starting empty", zapErr(err))
		}
	}

	var proxyPool *proxy.ProxyPool
	if len(cfg.ProxyConfiguration.URLs) > 0 {
		var configs []*proxy.ProxyConfig
		for _, raw := range cfg.ProxyConfiguration.URLs {
			pc, err := proxy.ParseConfig(raw)
			if err != nil {
				log.Warn("skipping invalid proxy url", zapErr(err))
				continue
			}
			configs = append(configs, pc)
		}
		proxyPool = proxy.NewProxyPool(configs, true)
	}

	mode := engine.ModeHTTP
	var browsers *browserpool.Pool
	var fetcher engine.Fetcher
	if *browser {
		mode = engine.ModeBrowser
		bpOpts := browserpool.DefaultOptions()
		bpOpts.Headless = cfg.Headless
		bpOpts.MaxOpenPagesPerInstance = cfg.BrowserPoolOptions.MaxOpenPagesPerInstance
		bpOpts.RetireInstanceAfterRequests = cfg.BrowserPoolOptions.RetireInstanceAfterRequests
		bpOpts.UseIncognitoPages = cfg.BrowserPoolOptions.UseIncognitoPages
		bpOpts.RecycleDiskCache = cfg.BrowserPoolOptions.RecycleDiskCache
		if cfg.BrowserPoolOptions.DiskCacheRingSize > 0 {
			bpOpts.DiskCacheRingSize = cfg.BrowserPoolOptions.DiskCacheRingSize
		}
		browsers = browserpool.New(bpOpts, sessionRetired, log)
		defer browsers.Close()
	} else {
		fetcher = httpfetch.NewClient(httpfetch.DefaultOptions())
	}

	router := engine.NewRouter()
	router.Default(exampleHandler)

	collector := metrics.NewCollector()
	defer collector.Close()
	hooks := metrics.NewEngineHooks(collector)

	eng, err := engine.New(engine.Options{
		Config:         cfg,
		Mode:           mode,
		Queue:          q,
		Sessions:       sessPool,
		Proxies:        proxyPool,
		Browsers:       browsers,
		Fetcher:        fetcher,
		Store:          kv,
		Router:         router,
		SystemInfoBus:  systemInfo,
		SessionRetired: sessionRetired,
		Log:            log,
		FailedRequestHandler: func(_ context.Context, rc *engine.RequestContext, err error) {
			hooks.OnRequestComplete("", 0, false)
			log.Error("request failed terminally",
				zapErr(err))
		},
	})
	if err != nil {
		log.Error("engine init failed", zapErr(err))
		return exitUnknown
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received, draining crawl")
		eng.Teardown()
		cancel()
	}()

	if browsers != nil {
		browsers.StartInstanceKiller(ctx)
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		metricsServer = startMetricsServer(*metricsAddr, collector, systemInfo, log)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	if err := eng.Run(ctx); err != nil {
		var e *errs.Error
		if errs.As(err, &e) && e.Kind == errs.KindCritical {
			log.Error("crawl aborted by critical error", zapErr(err))
			return exitHandlerUncaught
		}
		log.Error("crawl run failed", zapErr(err))
		return exitUnknown
	}

	if err := q.Persist(); err != nil {
		log.Warn("queue persist failed", zapErr(err))
	}
	if sessPool != nil {
		if err := sessPool.Persist(); err != nil {
			log.Warn("session pool persist failed", zapErr(err))
		}
	}

	stats := eng.Stats()
	log.Info("crawl finished",
		fieldInt("successful", int(stats.Successful())),
		fieldInt("failed", int(stats.Failed())),
		fieldInt("retried", int(stats.Retried())))

	return exitOK
}

func sessionPoolOptions(cfg *crawlconfig.Config) session.PoolOptions {
	opts := session.DefaultPoolOptions()
	if cfg.SessionPoolOptions.MaxPoolSize > 0 {
		opts.MaxPoolSize = cfg.SessionPoolOptions.MaxPoolSize
	}
	if cfg.SessionPoolOptions.SessionOptions.MaxUsageCount > 0 {
		opts.MaxUsageCount = cfg.SessionPoolOptions.SessionOptions.MaxUsageCount
	}
	if cfg.SessionPoolOptions.SessionOptions.MaxErrorScore > 0 {
		opts.MaxErrorScore = cfg.SessionPoolOptions.SessionOptions.MaxErrorScore
	}
	if cfg.SessionPoolOptions.PersistStateKey != "" {
		opts.StateKey = cfg.SessionPoolOptions.PersistStateKey
	}
	return opts
}

// exampleHandler is the default route: it pushes the fetched page as a
// dataset item and enqueues every discovered same-crawl link.
func exampleHandler(_ context.Context, rc *engine.RequestContext) error {
	var links []string
	switch {
	case rc.FetchResult != nil:
		links = rc.FetchResult.Links
	case rc.PageResult != nil:
		// Browser mode extracts links via the handler's own DOM queries;
		// PageResult only carries the rendered HTML, so nothing to add here
		// beyond recording the page itself.
	}

	if err := rc.PushData(map[string]any{
		"url":        rc.Request.URL,
		"statusCode": statusCodeOf(rc),
	}); err != nil {
		return err
	}

	for _, link := range links {
		if _, err := rc.EnqueueLink(link); err != nil {
			return err
		}
	}
	return nil
}

func statusCodeOf(rc *engine.RequestContext) int {
	if rc.FetchResult != nil {
		return rc.FetchResult.StatusCode
	}
	if rc.PageResult != nil {
		return rc.PageResult.StatusCode
	}
	return 0
}

// startMetricsServer serves Prometheus scrapes at /metrics and pushes
// SystemInfo autoscale ticks to any connected websocket client at /ws,
// adapted from the teacher's internal/server dashboard push channel down to
// the one event this module actually produces.
func startMetricsServer(addr string, collector *metrics.Collector, systemInfo *events.Bus[events.SystemInfo], log *logger.Logger) *http.Server {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.MetricsHandler())
	mux.HandleFunc("/snapshot", collector.JSONHandler())
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ch, unsubscribe := systemInfo.Subscribe()
		defer unsubscribe()
		for info := range ch {
			if err := conn.WriteJSON(info); err != nil {
				return
			}
		}
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", zapErr(err))
		}
	}()
	return srv
}

func zapErr(err error) zap.Field { return zap.Error(err) }
func fieldInt(key string, v int) zap.Field { return zap.Int(key, v) }
