package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/credential"
	"github.com/bft-labs/camfleet/pkg/device"
	"github.com/bft-labs/camfleet/pkg/lifecycle"
	"github.com/bft-labs/camfleet/pkg/link"
	"github.com/bft-labs/camfleet/pkg/log"
)

// DefaultMaxParallel bounds concurrent connect sequences.
const DefaultMaxParallel = 5

// Config holds fleet-wide settings.
type Config struct {
	Device      device.Config
	MaxParallel int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Device:      device.DefaultConfig(),
		MaxParallel: DefaultMaxParallel,
	}
}

// NetworkCredentials are shared network settings used to provision devices
// that have no stored credential.
type NetworkCredentials struct {
	SSID     string
	Password string
}

// Result is the outcome of connecting one device.
type Result struct {
	ID          string
	Provisioned bool
	Err         error
}

// Outcome is the result of one operation on one device.
type Outcome struct {
	ID       string
	Value    any
	Err      error
	Duration time.Duration
}

// Operation runs against one connected session.
type Operation func(ctx context.Context, s *device.Session) (any, error)

// ExecOptions controls ExecuteAll.
type ExecOptions struct {
	// IgnoreErrors makes ExecuteAll return a nil error; per-device errors
	// are still reported in the outcomes.
	IgnoreErrors bool

	// IDs restricts execution to these devices. Empty means every
	// connected device.
	IDs []string

	// MaxParallel bounds concurrent operations; the rest queue. Zero uses
	// Config.MaxParallel.
	MaxParallel int
}

// Summary counts devices by condition.
type Summary struct {
	Total     int
	Connected int
	Healthy   int
	Degraded  int
	Failed    int
}

// Orchestrator runs many independent device sessions. A failure on one
// device never affects another.
type Orchestrator struct {
	transport link.Transport
	store     credential.Store
	cfg       Config
	opts      options
	logger    log.Logger

	mu       sync.RWMutex
	sessions map[string]*device.Session
	failed   map[string]error

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	started []Plugin
}

var _ Controller = (*Orchestrator)(nil)

// New creates an empty Orchestrator.
func New(transport link.Transport, store credential.Store, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Orchestrator{
		transport: transport,
		store:     store,
		cfg:       cfg,
		opts:      o,
		logger:    log.OrNoop(o.logger),
		sessions:  make(map[string]*device.Session),
		failed:    make(map[string]error),
	}
}

func (o *Orchestrator) newSession(id string) *device.Session {
	opts := []device.Option{device.WithLogger(o.logger)}
	if o.opts.eventHandler != nil {
		opts = append(opts, device.WithEventEmitter(deviceEmitter{device: id, handler: o.opts.eventHandler}))
	}
	return device.NewSession(id, o.transport, o.store, o.cfg.Device, opts...)
}

// ConnectAll connects every id with at most maxParallel connect sequences in
// flight; the rest queue. A zero maxParallel uses Config.MaxParallel.
// Devices without a stored credential are provisioned when network is set.
// Each result carries its own error; one failure never aborts the others.
func (o *Orchestrator) ConnectAll(ctx context.Context, ids []string, network *NetworkCredentials, maxParallel int) map[string]Result {
	if maxParallel <= 0 {
		maxParallel = o.cfg.MaxParallel
	}
	ids = dedupe(ids)

	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(ids))
	)
	g := new(errgroup.Group)
	g.SetLimit(maxParallel)
	for _, id := range ids {
		g.Go(func() error {
			res := o.connect(ctx, id, network)
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	o.logger.Info("connect batch complete",
		log.Int("devices", len(ids)),
		log.Int("failed", failed),
		log.Int("max_parallel", maxParallel))
	return results
}

// Add connects a single device and registers it.
func (o *Orchestrator) Add(ctx context.Context, id string, network *NetworkCredentials) Result {
	return o.connect(ctx, id, network)
}

func (o *Orchestrator) connect(ctx context.Context, id string, network *NetworkCredentials) Result {
	res := Result{ID: id}
	if id == "" {
		res.Err = fmt.Errorf("%w: empty device id", domain.ErrInvalidConfig)
		return res
	}

	// Register before dialing so a concurrent Add shares the session and
	// DisconnectAll closes it.
	o.mu.Lock()
	s, ok := o.sessions[id]
	if !ok {
		s = o.newSession(id)
		o.sessions[id] = s
	}
	o.mu.Unlock()

	err := s.Connect(ctx)
	if err == nil && network != nil {
		if _, has := s.Credential(); !has {
			if _, err = s.ProvisionNetwork(ctx, network.SSID, network.Password); err == nil {
				res.Provisioned = true
			}
		}
	}

	o.mu.Lock()
	owned := o.sessions[id] == s
	switch {
	case err != nil && owned:
		delete(o.sessions, id)
		o.failed[id] = err
	case err == nil && owned:
		delete(o.failed, id)
	case err == nil:
		err = fmt.Errorf("%w: %s removed while connecting", domain.ErrClosed, id)
	}
	o.mu.Unlock()

	if err != nil {
		res.Err = err
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil {
			o.logger.Warn("close after failed connect", log.Device(id), log.Err(cerr))
		}
		o.logger.Warn("device connect failed", log.Device(id), log.Err(err))
	}
	return res
}

// ExecuteAll runs op concurrently on every connected device, or on
// opts.IDs, with at most opts.MaxParallel operations in flight. Every
// dispatched operation runs to completion. The returned error joins the
// per-device errors unless opts.IgnoreErrors is set.
func (o *Orchestrator) ExecuteAll(ctx context.Context, op Operation, opts ExecOptions) (map[string]Outcome, error) {
	targets, outcomes := o.targets(opts.IDs)
	limit := opts.MaxParallel
	if limit <= 0 {
		limit = o.cfg.MaxParallel
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for id, s := range targets {
		g.Go(func() error {
			out := run(ctx, id, s, op)
			mu.Lock()
			outcomes[id] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if opts.IgnoreErrors {
		return outcomes, nil
	}
	return outcomes, joinOutcomes(outcomes)
}

// ExecuteSequentially runs op on each connected device in id order, waiting
// delay between devices. Failures do not stop the sequence.
func (o *Orchestrator) ExecuteSequentially(ctx context.Context, op Operation, delay time.Duration) (map[string]Outcome, error) {
	targets, outcomes := o.targets(nil)
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i, id := range ids {
		if i > 0 && delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				for _, rest := range ids[i:] {
					outcomes[rest] = Outcome{ID: rest, Err: ctx.Err()}
				}
				return outcomes, joinOutcomes(outcomes)
			case <-t.C:
			}
		}
		outcomes[id] = run(ctx, id, targets[id], op)
	}
	return outcomes, joinOutcomes(outcomes)
}

// targets selects the sessions to run on. Requested ids that cannot run get
// an outcome immediately.
func (o *Orchestrator) targets(ids []string) (map[string]*device.Session, map[string]Outcome) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	targets := make(map[string]*device.Session)
	outcomes := make(map[string]Outcome)
	if len(ids) == 0 {
		for id, s := range o.sessions {
			if s.State().Connected() {
				targets[id] = s
			}
		}
		return targets, outcomes
	}
	for _, id := range dedupe(ids) {
		s, ok := o.sessions[id]
		switch {
		case !ok:
			outcomes[id] = Outcome{ID: id, Err: fmt.Errorf("%w: %s", domain.ErrUnknownDevice, id)}
		case !s.State().Connected():
			outcomes[id] = Outcome{ID: id, Err: fmt.Errorf("%w: %s is %s", domain.ErrNotConnected, id, s.State())}
		default:
			targets[id] = s
		}
	}
	return targets, outcomes
}

func run(ctx context.Context, id string, s *device.Session, op Operation) Outcome {
	start := time.Now()
	v, err := op(ctx, s)
	return Outcome{ID: id, Value: v, Err: err, Duration: time.Since(start)}
}

func joinOutcomes(outcomes map[string]Outcome) error {
	ids := make([]string, 0, len(outcomes))
	for id, out := range outcomes {
		if out.Err != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("%s: %w", id, outcomes[id].Err))
	}
	return errors.Join(errs...)
}

// DisconnectAll closes every session and empties the registry. Individual
// errors are collected, never raised.
func (o *Orchestrator) DisconnectAll(ctx context.Context) map[string]error {
	o.mu.Lock()
	sessions := o.sessions
	o.sessions = make(map[string]*device.Session)
	o.mu.Unlock()

	var mu sync.Mutex
	results := make(map[string]error, len(sessions))
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxParallel)
	for id, s := range sessions {
		g.Go(func() error {
			err := s.Close(ctx)
			if err != nil {
				o.logger.Warn("device disconnect failed", log.Device(id), log.Err(err))
			}
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ReconnectAll reconnects every registered session whose link is down.
func (o *Orchestrator) ReconnectAll(ctx context.Context) map[string]error {
	o.mu.RLock()
	var down []*device.Session
	for _, s := range o.sessions {
		if s.State() == lifecycle.StateUnbound {
			down = append(down, s)
		}
	}
	o.mu.RUnlock()

	var mu sync.Mutex
	results := make(map[string]error, len(down))
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxParallel)
	for _, s := range down {
		g.Go(func() error {
			err := s.Connect(ctx)
			if err != nil {
				o.logger.Warn("device reconnect failed", log.Device(s.ID()), log.Err(err))
			}
			mu.Lock()
			results[s.ID()] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CheckAllHealth probes every connected session concurrently.
func (o *Orchestrator) CheckAllHealth(ctx context.Context) map[string]error {
	outcomes, _ := o.ExecuteAll(ctx, func(ctx context.Context, s *device.Session) (any, error) {
		return s.CheckHealth(ctx)
	}, ExecOptions{IgnoreErrors: true})

	results := make(map[string]error, len(outcomes))
	for id, out := range outcomes {
		results[id] = out.Err
	}
	return results
}

// StatusAll returns a snapshot of every registered session.
func (o *Orchestrator) StatusAll() map[string]device.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]device.Status, len(o.sessions))
	for id, s := range o.sessions {
		out[id] = s.Status()
	}
	return out
}

// Session returns the registered session for id.
func (o *Orchestrator) Session(id string) (*device.Session, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	return s, ok
}

// Remove closes and unregisters id.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	o.mu.Lock()
	s, ok := o.sessions[id]
	delete(o.sessions, id)
	delete(o.failed, id)
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownDevice, id)
	}
	return s.Close(ctx)
}

// Has reports whether id is registered.
func (o *Orchestrator) Has(id string) bool {
	_, ok := o.Session(id)
	return ok
}

// IDs returns the registered device ids in order.
func (o *Orchestrator) IDs() []string {
	return o.filter(func(*device.Session) bool { return true })
}

// Connected returns the ids whose link is up.
func (o *Orchestrator) Connected() []string {
	return o.filter(func(s *device.Session) bool { return s.State().Connected() })
}

// Healthy returns the ids that are connected and not degraded.
func (o *Orchestrator) Healthy() []string {
	return o.filter((*device.Session).Healthy)
}

func (o *Orchestrator) filter(keep func(*device.Session) bool) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ids := make([]string, 0, len(o.sessions))
	for id, s := range o.sessions {
		if keep(s) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Failed returns the ids whose last connect failed, with the cause.
func (o *Orchestrator) Failed() map[string]error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]error, len(o.failed))
	for id, err := range o.failed {
		out[id] = err
	}
	return out
}

// Summary counts registered and failed devices.
func (o *Orchestrator) Summary() Summary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sum := Summary{Total: len(o.sessions) + len(o.failed), Failed: len(o.failed)}
	for _, s := range o.sessions {
		st := s.State()
		if st.Connected() {
			sum.Connected++
		}
		if s.Healthy() {
			sum.Healthy++
		}
		if st == lifecycle.StateDegraded {
			sum.Degraded++
		}
	}
	return sum
}

// ReloadCredential makes device id re-read its stored credential.
func (o *Orchestrator) ReloadCredential(ctx context.Context, id string) error {
	s, ok := o.Session(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownDevice, id)
	}
	return s.ReloadCredential(ctx)
}

// Start initializes plugins in registration order. If one fails, those
// already initialized are shut down and the error is returned.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	cfg := PluginConfig{Fleet: o, Store: o.store, Logger: o.logger}
	for _, p := range o.opts.plugins {
		if err := p.Initialize(runCtx, cfg); err != nil {
			o.logger.Error("plugin initialization failed", log.String("plugin", p.Name()), log.Err(err))
			cancel()
			_ = o.shutdownPlugins(context.WithoutCancel(ctx))
			return fmt.Errorf("initialize plugin %s: %w", p.Name(), err)
		}
		o.started = append(o.started, p)
		o.logger.Info("plugin initialized", log.String("plugin", p.Name()))
	}
	o.cancel = cancel
	o.running = true
	return nil
}

// Stop shuts plugins down in reverse order, then disconnects every device.
// Plugin errors are returned; disconnect errors are logged.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.runMu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	err := o.shutdownPlugins(ctx)
	o.running = false
	o.runMu.Unlock()

	o.DisconnectAll(ctx)
	return err
}

// shutdownPlugins is called with runMu held.
func (o *Orchestrator) shutdownPlugins(ctx context.Context) error {
	var errs []error
	for i := len(o.started) - 1; i >= 0; i-- {
		p := o.started[i]
		if err := p.Shutdown(ctx); err != nil {
			o.logger.Error("plugin shutdown failed", log.String("plugin", p.Name()), log.Err(err))
			errs = append(errs, fmt.Errorf("shutdown plugin %s: %w", p.Name(), err))
			continue
		}
		o.logger.Info("plugin shutdown complete", log.String("plugin", p.Name()))
	}
	o.started = nil
	return errors.Join(errs...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
