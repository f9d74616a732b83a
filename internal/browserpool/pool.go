// Package browserpool manages a pool of headless Chrome instances shared
// across browser-mode crawl requests, generalizing the teacher's
// internal/browser.HitVisitor (one Chrome ExecAllocator built fresh per
// visit-config, loaded with ad-fraud-simulation concerns like fingerprint
// and referrer emulation) into a genuine pool: bounded instance count,
// retirement after a request budget, a background killer sweep, and
// session-sticky instance reuse.
package browserpool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/crawlrt/crawlrt/internal/events"
	"github.com/crawlrt/crawlrt/internal/proxy"
	"github.com/crawlrt/crawlrt/pkg/logger"
	"github.com/crawlrt/crawlrt/pkg/ringbuffer"
)

// InstanceState is an Instance's lifecycle stage.
type InstanceState int

const (
	StateActive InstanceState = iota
	StateRetired
	StateKilled
)

// Instance wraps one Chrome process (one ExecAllocator context) and the
// pages opened against it.
type Instance struct {
	id            string
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// pool lets BeginPage report a just-triggered retirement back to the
	// owning Pool (to drop a stale session binding) without Instance
	// needing to duplicate Pool's own bookkeeping.
	pool *Pool

	mu    sync.Mutex
	state InstanceState
	// openPages is pages currently open against this instance; BeginPage
	// enforces openPages < maxOpenPages and ReleaseInstance decrements it.
	openPages int
	// totalPages is pages ever opened against this instance, checked
	// against retireAfterPages on every open (§4.7: retirement triggers
	// when a page is opened, not when one closes).
	totalPages       int
	maxOpenPages     int
	retireAfterPages int
	lastUsed         time.Time
	boundSession     string
	diskCacheDir     string
}

// State returns the instance's current lifecycle stage.
func (inst *Instance) State() InstanceState {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state
}

// Options configures a Pool.
type Options struct {
	MaxOpenPagesPerInstance     int
	RetireInstanceAfterRequests int
	InstanceKillerInterval      time.Duration
	KillInstanceAfter           time.Duration
	UseIncognitoPages           bool
	RecycleDiskCache            bool
	DiskCacheRingSize           int
	Headless                    bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxOpenPagesPerInstance:     1,
		RetireInstanceAfterRequests: 100,
		InstanceKillerInterval:      10 * time.Second,
		KillInstanceAfter:           5 * time.Minute,
		DiskCacheRingSize:           8,
		Headless:                    true,
	}
}

// Pool manages a set of Chrome instances, handing out pages for browser
// requests and retiring/killing instances per Options.
type Pool struct {
	opts Options
	log  *logger.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	bySession map[string]*Instance

	diskCacheDirs *ringbuffer.Ring[string]
	nextID        int64

	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
}

// New creates a Pool. bus may be nil; when non-nil the pool subscribes to
// events.SessionRetired and retires any instance bound to a retired session
// (the instance killer sweep kills it once its open pages have closed).
func New(opts Options, bus *events.Bus[events.SessionRetired], log *logger.Logger) *Pool {
	if opts.MaxOpenPagesPerInstance <= 0 {
		opts.MaxOpenPagesPerInstance = 1
	}
	if opts.RetireInstanceAfterRequests <= 0 {
		opts.RetireInstanceAfterRequests = 100
	}
	if opts.InstanceKillerInterval <= 0 {
		opts.InstanceKillerInterval = 10 * time.Second
	}
	if opts.KillInstanceAfter <= 0 {
		opts.KillInstanceAfter = 5 * time.Minute
	}
	if opts.DiskCacheRingSize <= 0 {
		opts.DiskCacheRingSize = 8
	}
	if log == nil {
		log = logger.Default()
	}

	p := &Pool{
		opts:      opts,
		log:       log.Component("browserpool"),
		instances: make(map[string]*Instance),
		bySession: make(map[string]*Instance),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.diskCacheDirs = ringbuffer.NewWithEvict(opts.DiskCacheRingSize, func(dir string) {
		p.log.Debug("evicting disk cache dir from reuse ring", zap.String("dir", dir))
		_ = os.RemoveAll(dir)
	})

	if bus != nil {
		ch, unsub := bus.Subscribe()
		p.unsubscribe = unsub
		go p.watchSessionRetirements(ch)
	}
	return p
}

func (p *Pool) watchSessionRetirements(ch <-chan events.SessionRetired) {
	for evt := range ch {
		p.retireBySession(evt.SessionID)
	}
}

// AcquireOptions parameterizes AcquireInstance.
type AcquireOptions struct {
	SessionID string
	Proxy     *proxy.ProxyConfig
}

// AcquireInstance returns an instance to run a page against: the instance
// already bound to opts.SessionID if it is alive and under its page budget,
// otherwise any other live ACTIVE instance under budget (§4.7 — reuse is not
// limited to session-bound instances, so pure-HTTP-less/no-session browser
// crawling still consolidates onto a bounded set of Chrome processes instead
// of launching one per request), otherwise a freshly launched one.
func (p *Pool) AcquireInstance(opts AcquireOptions) (*Instance, error) {
	p.mu.Lock()
	if opts.SessionID != "" {
		if inst, ok := p.bySession[opts.SessionID]; ok {
			if inst.hasCapacity() {
				p.mu.Unlock()
				return inst, nil
			}
			if inst.State() != StateActive {
				delete(p.bySession, opts.SessionID)
			}
		}
	}
	for _, inst := range p.instances {
		if inst.hasCapacity() {
			if opts.SessionID != "" {
				p.bySession[opts.SessionID] = inst
			}
			p.mu.Unlock()
			return inst, nil
		}
	}
	p.mu.Unlock()

	return p.launchInstance(opts)
}

// hasCapacity reports whether inst is ACTIVE and has room for another page
// under MaxOpenPagesPerInstance.
func (inst *Instance) hasCapacity() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state == StateActive && inst.openPages < inst.maxOpenPages
}

func (p *Pool) launchInstance(opts AcquireOptions) (*Instance, error) {
	launchOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	launchOpts = append(launchOpts,
		chromedp.Flag("headless", p.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	var diskCacheDir string
	if p.opts.RecycleDiskCache {
		diskCacheDir = p.nextDiskCacheDir()
		launchOpts = append(launchOpts, chromedp.Flag("disk-cache-dir", diskCacheDir))
	}

	var hasProxyAuth bool
	var proxyUser, proxyPass string
	if opts.Proxy != nil {
		launchOpts = append(launchOpts,
			chromedp.ProxyServer(opts.Proxy.ToChromeFlagValue()),
			chromedp.Flag("proxy-bypass-list", "<-loopback>"),
		)
		if opts.Proxy.Username != "" || opts.Proxy.Password != "" {
			hasProxyAuth = true
			proxyUser, proxyPass = opts.Proxy.Username, opts.Proxy.Password
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), launchOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browserpool: launch: %w", err)
	}

	if hasProxyAuth {
		// Chrome's --proxy-server flag rejects embedded credentials, so the
		// proxy challenge is answered out of band via the Fetch domain, the
		// same mechanism the teacher's internal/browser.HitVisitor uses.
		chromedp.ListenTarget(browserCtx, func(ev interface{}) {
			if auth, ok := ev.(*fetch.EventAuthRequired); ok && auth.AuthChallenge.Source == fetch.AuthChallengeSourceProxy {
				go func() {
					_ = chromedp.Run(browserCtx,
						fetch.ContinueWithAuth(auth.RequestID, &fetch.AuthChallengeResponse{
							Response: fetch.AuthChallengeResponseResponseProvideCredentials,
							Username: proxyUser,
							Password: proxyPass,
						}),
					)
				}()
			}
		})
		if err := chromedp.Run(browserCtx, fetch.Enable().WithHandleAuthRequests(true)); err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("browserpool: enable fetch domain: %w", err)
		}
	}

	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("inst-%d", p.nextID)
	inst := &Instance{
		id:               id,
		allocCtx:         allocCtx,
		allocCancel:      allocCancel,
		browserCtx:       browserCtx,
		browserCancel:    browserCancel,
		pool:             p,
		state:            StateActive,
		maxOpenPages:     p.opts.MaxOpenPagesPerInstance,
		retireAfterPages: p.opts.RetireInstanceAfterRequests,
		lastUsed:         time.Now(),
		boundSession:     opts.SessionID,
		diskCacheDir:     diskCacheDir,
	}
	p.instances[id] = inst
	if opts.SessionID != "" {
		p.bySession[opts.SessionID] = inst
	}
	p.mu.Unlock()

	p.log.Info("launched browser instance", zap.String("instance_id", id), zap.String("session", opts.SessionID))
	return inst, nil
}

func (p *Pool) nextDiskCacheDir() string {
	if popped, ok := p.diskCacheDirs.Pop(); ok {
		return popped
	}
	dir := fmt.Sprintf("%s/crawlrt-cache-%d", os.TempDir(), time.Now().UnixNano())
	return dir
}

// ReleaseInstance returns an instance to the pool after a page is done with
// it, decrementing its open-page count. Retirement is decided in BeginPage,
// on the page open that reaches RetireInstanceAfterRequests, not here.
func (p *Pool) ReleaseInstance(inst *Instance) {
	inst.mu.Lock()
	inst.openPages--
	inst.lastUsed = time.Now()
	inst.mu.Unlock()
}

// BeginPage reserves one open-page slot against inst, enforcing
// MaxOpenPagesPerInstance (§8's activePages <= maxOpenPagesPerInstance
// invariant), and retires inst once it has opened RetireInstanceAfterRequests
// pages in total (§4.7: retirement triggers on page open, not page close, so
// a third page can never start against an instance already over budget).
func (inst *Instance) BeginPage() bool {
	inst.mu.Lock()
	if inst.state != StateActive || inst.openPages >= inst.maxOpenPages {
		inst.mu.Unlock()
		return false
	}
	inst.openPages++
	inst.totalPages++
	inst.lastUsed = time.Now()
	justRetired := false
	if inst.totalPages >= inst.retireAfterPages {
		inst.state = StateRetired
		justRetired = true
	}
	boundSession := inst.boundSession
	pool := inst.pool
	inst.mu.Unlock()

	if justRetired && pool != nil {
		pool.onInstanceRetired(inst, boundSession)
	}
	return true
}

// onInstanceRetired drops inst's session binding, if any, so a later
// AcquireInstance for that session doesn't keep finding a retired instance.
func (p *Pool) onInstanceRetired(inst *Instance, boundSession string) {
	if boundSession == "" {
		return
	}
	p.mu.Lock()
	if p.bySession[boundSession] == inst {
		delete(p.bySession, boundSession)
	}
	p.mu.Unlock()
}

// Context returns the instance's chromedp browser context, ready for
// chromedp.Run.
func (inst *Instance) Context() context.Context { return inst.browserCtx }

func (p *Pool) retireBySession(sessionID string) {
	p.mu.Lock()
	inst, ok := p.bySession[sessionID]
	if ok {
		delete(p.bySession, sessionID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	inst.state = StateRetired
	inst.mu.Unlock()
	p.log.Debug("retired browser instance for retired session",
		zap.String("instance_id", inst.id), zap.String("session", sessionID))
}

// StartInstanceKiller runs a background sweep that kills retired instances
// (or active ones idle past KillInstanceAfter) every InstanceKillerInterval.
func (p *Pool) StartInstanceKiller(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.opts.InstanceKillerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.killAll()
				return
			case <-p.stop:
				p.killAll()
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

func (p *Pool) sweep() {
	now := time.Now()
	p.mu.Lock()
	var toKill []*Instance
	for id, inst := range p.instances {
		inst.mu.Lock()
		idle := now.Sub(inst.lastUsed)
		dead := inst.state == StateKilled
		shouldKill := !dead && (inst.state == StateRetired || idle > p.opts.KillInstanceAfter) && inst.openPages == 0
		inst.mu.Unlock()

		if shouldKill {
			toKill = append(toKill, inst)
			delete(p.instances, id)
		}
	}
	p.mu.Unlock()

	for _, inst := range toKill {
		p.kill(inst)
	}
}

func (p *Pool) kill(inst *Instance) {
	inst.mu.Lock()
	inst.state = StateKilled
	dir := inst.diskCacheDir
	inst.mu.Unlock()
	inst.browserCancel()
	inst.allocCancel()
	// The disk cache directory is only safe to hand to another instance
	// once this Chrome process has actually exited, not merely retired
	// (which can happen while pages are still open against it).
	if dir != "" && p.opts.RecycleDiskCache {
		p.diskCacheDirs.Push(dir)
	}
	p.log.Debug("killed browser instance", zap.String("instance_id", inst.id))
}

func (p *Pool) killAll() {
	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.instances))
	for id, inst := range p.instances {
		instances = append(instances, inst)
		delete(p.instances, id)
	}
	p.mu.Unlock()
	for _, inst := range instances {
		p.kill(inst)
	}
}

// Close stops the instance killer and shuts down every remaining instance.
func (p *Pool) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.killAll()
}

// InstanceCount returns the number of instances currently tracked (any
// state).
func (p *Pool) InstanceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}
