// Package credwatch reloads device credentials edited on disk.
// It watches the directory of a file-backed credential store and asks the
// fleet to re-read the credential of any registered device whose file
// changes, so a corrected address or a removed credential takes effect
// without restarting.
package credwatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bft-labs/camfleet/pkg/fleet"
	"github.com/bft-labs/camfleet/pkg/log"
)

// ErrNotWatchable is returned by Initialize when the store is not backed by
// a directory.
var ErrNotWatchable = errors.New("credwatch: store has no directory")

// DirStore is a credential store kept as one file per device.
// state.FileRepository and state.SealedRepository implement it.
type DirStore interface {
	Dir() string
	IDFromPath(path string) (string, bool)
}

// Config holds configuration options for the credential watcher.
type Config struct {
	// DebounceDelay is how long a file must stay unchanged before it is
	// reloaded.
	// Default: 200 milliseconds
	DebounceDelay time.Duration

	// ReloadTimeout bounds one reload.
	// Default: 30 seconds
	ReloadTimeout time.Duration

	// Required makes Initialize fail when the store cannot be watched.
	// Otherwise the plugin logs a warning and stays idle.
	Required bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DebounceDelay: 200 * time.Millisecond,
		ReloadTimeout: 30 * time.Second,
	}
}

// Plugin watches a credential directory.
type Plugin struct {
	cfg Config

	mu       sync.Mutex
	fleet    fleet.Controller
	store    DirStore
	logger   log.Logger
	pending  map[string]*time.Timer
	reloads  sync.WaitGroup
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
}

// New creates a credential watcher with the given configuration.
func New(cfg Config) *Plugin {
	def := DefaultConfig()
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = def.DebounceDelay
	}
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = def.ReloadTimeout
	}
	return &Plugin{cfg: cfg, pending: make(map[string]*time.Timer)}
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "credwatch"
}

// Initialize starts watching the store directory.
func (p *Plugin) Initialize(ctx context.Context, cfg fleet.PluginConfig) error {
	logger := log.OrNoop(cfg.Logger)
	store, ok := cfg.Store.(DirStore)
	if !ok || store.Dir() == "" {
		if p.cfg.Required {
			return ErrNotWatchable
		}
		logger.Warn("credential watcher disabled: store is not file backed")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(store.Dir()); err != nil {
		watcher.Close()
		return err
	}

	p.mu.Lock()
	p.fleet = cfg.Fleet
	p.store = store
	p.logger = logger
	p.shutdown = false
	p.mu.Unlock()

	watchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.watchLoop(watchCtx, watcher)

	logger.Info("credential watcher started", log.String("dir", store.Dir()))
	return nil
}

// Shutdown stops the watcher and waits for reloads in flight.
func (p *Plugin) Shutdown(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	p.shutdown = true
	for id, t := range p.pending {
		if t.Stop() {
			p.reloads.Done()
		}
		delete(p.pending, id)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.reloads.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Plugin) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer p.wg.Done()
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			id, ok := p.store.IDFromPath(event.Name)
			if !ok {
				continue
			}
			p.schedule(ctx, id)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("credential watcher error", log.Err(err))
		}
	}
}

// schedule debounces reloads per device. Editors and atomic writers emit
// several events for one save.
func (p *Plugin) schedule(ctx context.Context, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return
	}

	if t, ok := p.pending[id]; ok && t.Stop() {
		p.reloads.Done()
	}
	p.reloads.Add(1)
	p.pending[id] = time.AfterFunc(p.cfg.DebounceDelay, func() {
		defer p.reloads.Done()
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		p.reload(ctx, id)
	})
}

func (p *Plugin) reload(ctx context.Context, id string) {
	if !p.fleet.Has(id) {
		p.logger.Debug("credential changed for unregistered device", log.Device(id))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReloadTimeout)
	defer cancel()

	if err := p.fleet.ReloadCredential(ctx, id); err != nil {
		p.logger.Warn("credential reload failed", log.Device(id), log.Err(err))
		return
	}
	p.logger.Info("credential reloaded", log.Device(id))
}

var _ fleet.Plugin = (*Plugin)(nil)
