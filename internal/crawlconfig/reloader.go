package crawlconfig

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/crawlrt/crawlrt/pkg/logger"
)

// debounceWindow coalesces bursts of filesystem events (editors commonly
// write a config file via a temp-file-plus-rename, which fires Create and
// Write back to back) into a single reload.
const debounceWindow = 300 * time.Millisecond

// ChangeFunc is invoked with the newly loaded Config after a successful
// reload. It must not block.
type ChangeFunc func(*Config)

// Reloader watches a YAML config file on disk and re-parses it whenever it
// changes, debouncing bursts of filesystem events the way the teacher's
// pkg/config.Reloader watches both the file and its parent directory to
// survive editors that replace the file via rename rather than in-place
// write.
type Reloader struct {
	path string
	log  *logger.Logger

	mu      sync.RWMutex
	current *Config

	watcher  *fsnotify.Watcher
	timer    *time.Timer
	timerMu  sync.Mutex
	onChange []ChangeFunc

	done chan struct{}
}

// NewReloader loads path once synchronously and returns a Reloader primed
// with that initial Config. Call Watch to start hot-reloading.
func NewReloader(path string, log *logger.Logger) (*Reloader, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	return &Reloader{
		path:    path,
		log:     log.Component("crawlconfig"),
		current: cfg,
		done:    make(chan struct{}),
	}, nil
}

// Load reads and parses the YAML config at path, applying defaults,
// environment overrides, and derived-field computation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.ApplyEnv(nil)
				if cerr := cfg.ComputeDerived(); cerr != nil {
					return nil, cerr
				}
				return cfg, nil
			}
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyDefaults()
	cfg.ApplyEnv(nil)
	if err := cfg.ComputeDerived(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Current returns the most recently loaded Config.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnChange registers a callback invoked after every successful reload.
func (r *Reloader) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// Watch starts the fsnotify watch loop in a background goroutine. Call
// Close to stop it.
func (r *Reloader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watcher = w

	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	// Some editors and most config-management tools write the file in
	// place; watch it directly too in case the directory watch misses an
	// in-place Write event on certain filesystems.
	_ = w.Add(r.path)

	go r.watch()
	return nil
}

func (r *Reloader) watch() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				r.scheduleReload()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error("config watch error", zap.Error(err))
		case <-r.done:
			return
		}
	}
}

func (r *Reloader) scheduleReload() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(debounceWindow, r.reload)
}

func (r *Reloader) reload() {
	cfg, err := Load(r.path)
	if err != nil {
		r.log.Warn("config reload failed, keeping previous config", zap.Error(err))
		return
	}

	r.mu.Lock()
	r.current = cfg
	callbacks := append([]ChangeFunc(nil), r.onChange...)
	r.mu.Unlock()

	r.log.Info("config reloaded", zap.String("path", r.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}

// Close stops the watch loop and releases the underlying fsnotify watcher.
func (r *Reloader) Close() error {
	close(r.done)
	r.timerMu.Lock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timerMu.Unlock()
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
