package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/credential"
	"github.com/bft-labs/camfleet/pkg/gopro"
	"github.com/bft-labs/camfleet/pkg/health"
	"github.com/bft-labs/camfleet/pkg/lifecycle"
	"github.com/bft-labs/camfleet/pkg/link"
	"github.com/bft-labs/camfleet/pkg/log"
	"github.com/bft-labs/camfleet/pkg/secure"
)

// requestSlots is the semaphore weight. Application requests take one slot;
// probes and provisioning take all of them.
const requestSlots = 64

// Command is an opaque device command sent over the link.
type Command interface {
	Channel() link.Channel
	Encode() ([]byte, error)
	Decode(resp []byte) (any, error)
}

// Config groups the per-component configs with the session's own policy.
type Config struct {
	Link       link.Config
	Credential credential.Config
	Secure     secure.Config
	Health     health.Config

	ProvisionTimeout time.Duration

	// MaxReconnectAttempts bounds link reconnects after a link failure.
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration

	// ShutdownTimeout bounds how long Disconnect waits for the supervisor.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Link:                 link.DefaultConfig(),
		Credential:           credential.DefaultConfig(),
		Secure:               secure.DefaultConfig(),
		Health:               health.DefaultConfig(),
		ProvisionTimeout:     60 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectBackoff:     2 * time.Second,
		ShutdownTimeout:      lifecycle.ShutdownTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = def.ProvisionTimeout
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = def.ReconnectBackoff
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if len(c.Link.Channels) == 0 {
		c.Link.Channels = gopro.Channels()
	}
	return c
}

// Status is a snapshot of one session.
type Status struct {
	DeviceID         string
	State            lifecycle.State
	Link             link.State
	HasCredential    bool
	Address          string
	Fingerprint      string
	ProvisioningStep credential.Step
	LastError        error
	Commands         int64
	Errors           int64
	Health           health.Stats
}

// Option configures optional behavior of a Session.
type Option func(*options)

type options struct {
	logger  log.Logger
	emitter lifecycle.EventEmitter
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEventEmitter receives every state change. It is called synchronously
// and must not block.
func WithEventEmitter(e lifecycle.EventEmitter) Option {
	return func(o *options) { o.emitter = e }
}

// Session is the device-facing API for one camera.
type Session struct {
	id        string
	transport link.Transport
	store     credential.Store
	cfg       Config
	base      log.Logger
	logger    log.Logger

	lc         *lifecycle.DefaultManager
	creds      *credential.Manager
	supervisor *health.Supervisor
	sem        *semaphore.Weighted

	// op serializes Connect, Disconnect, Close, provisioning and reloads.
	op sync.Mutex
	// reconn serializes link reconnects triggered by failed commands.
	reconn sync.Mutex

	mu          sync.RWMutex
	link        *link.Session
	cred        *credential.Credential
	secure      *secure.Session
	lastErr     error
	degradedErr error

	commands atomic.Int64
	errors   atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewSession creates an Unbound session for device id. Nothing is opened
// until Connect.
func NewSession(id string, transport link.Transport, store credential.Store, cfg Config, opts ...Option) *Session {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	base := log.OrNoop(o.logger)
	cfg = cfg.withDefaults()

	s := &Session{
		id:        id,
		transport: transport,
		store:     store,
		cfg:       cfg,
		base:      base,
		logger:    log.With(base, log.Device(id)),
		sem:       semaphore.NewWeighted(requestSlots),
	}
	s.lc = lifecycle.NewManager(s.logger, o.emitter)
	s.creds = credential.NewManager(id, gopro.NewClient(linkRequester{s}, cfg.Link.ResponseTimeout), store, cfg.Credential, base)
	s.supervisor = health.NewSupervisor(target{s}, cfg.Health, s.logger)
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	return s
}

// ID returns the device identifier.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() lifecycle.State { return s.lc.State() }

// Credential returns the bound credential, if any.
func (s *Session) Credential() (credential.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return credential.Credential{}, false
	}
	return *s.cred, true
}

// LastError returns the most recent failure recorded by the session.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Healthy reports whether the session is connected and not degraded.
func (s *Session) Healthy() bool {
	st := s.lc.State()
	return st == lifecycle.StateLinkReady || st == lifecycle.StateSecureReady
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.RLock()
	l, cred, lastErr := s.link, s.cred, s.lastErr
	s.mu.RUnlock()

	st := Status{
		DeviceID:         s.id,
		State:            s.lc.State(),
		Link:             link.StateIdle,
		HasCredential:    cred != nil,
		ProvisioningStep: s.creds.Step(),
		LastError:        lastErr,
		Commands:         s.commands.Load(),
		Errors:           s.errors.Load(),
		Health:           s.supervisor.Stats(),
	}
	if l != nil {
		st.Link = l.State()
	}
	if cred != nil {
		st.Address = cred.Address
		st.Fingerprint = cred.Fingerprint()
	}
	return st
}

// Connect opens the link and binds the stored credential, if there is one.
// Connecting a connected session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	st := s.lc.State()
	if st == lifecycle.StateClosed {
		return domain.ErrClosed
	}
	if st.Connected() {
		return nil
	}
	if err := s.lc.TransitionTo(lifecycle.StateLinkConnecting, "connect"); err != nil {
		return err
	}

	l, err := s.dial(ctx)
	if err != nil {
		s.setLastErr(err)
		s.transition(lifecycle.StateUnbound, "connect failed")
		return err
	}
	s.mu.Lock()
	s.link = l
	s.degradedErr = nil
	s.mu.Unlock()

	cred, ok := s.loadCredential(ctx)
	if !ok {
		s.transition(lifecycle.StateLinkReady, "connected without credential")
		return nil
	}
	if err := s.bind(cred); err != nil {
		s.logger.Warn("stored credential unusable", log.Err(err))
		s.setLastErr(err)
		s.transition(lifecycle.StateLinkReady, "stored credential unusable")
		return nil
	}
	s.transition(lifecycle.StateSecureReady, "stored credential")
	s.startSupervisor()
	return nil
}

func (s *Session) dial(ctx context.Context) (*link.Session, error) {
	l := link.NewSession(s.id, s.transport, s.cfg.Link, s.base)
	if err := l.Connect(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// loadCredential reads the stored credential and refreshes its address.
// Both steps are best effort.
func (s *Session) loadCredential(ctx context.Context) (credential.Credential, bool) {
	cred, ok, err := s.store.Get(ctx, s.id)
	if err != nil {
		s.logger.Warn("load stored credential", log.Err(err))
		s.setLastErr(err)
		return credential.Credential{}, false
	}
	if !ok {
		return credential.Credential{}, false
	}
	if !cred.Usable() {
		s.logger.Warn("stored credential is not usable", log.String("fingerprint", cred.Fingerprint()))
		return credential.Credential{}, false
	}

	refreshed, err := s.creds.RefreshAddress(ctx, cred)
	if err != nil {
		s.logger.Warn("address refresh failed, using stored address",
			log.String("address", cred.Address), log.Err(err))
		return cred, true
	}
	return refreshed, true
}

// bind replaces the secure session with one for cred.
func (s *Session) bind(cred credential.Credential) error {
	sec, err := secure.NewSession(cred, s.cfg.Secure, s.base)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.secure
	s.secure = sec
	s.cred = &cred
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	s.logger.Info("credential bound",
		log.String("address", cred.Address),
		log.String("fingerprint", cred.Fingerprint()))
	return nil
}

func (s *Session) dropCredential() {
	s.mu.Lock()
	old := s.secure
	s.secure = nil
	s.cred = nil
	s.degradedErr = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Disconnect stops the supervisor, closes the secure session and the link,
// and returns the session to Unbound. It is idempotent. The bound credential
// is kept for the next Connect to replace.
func (s *Session) Disconnect(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	return s.disconnect("disconnect")
}

func (s *Session) disconnect(reason string) error {
	st := s.lc.State()
	if st == lifecycle.StateClosed {
		return nil
	}
	err := s.stopSupervisor()
	if st != lifecycle.StateUnbound {
		if terr := s.lc.TransitionTo(lifecycle.StateUnbound, reason); terr != nil {
			err = errors.Join(err, terr)
		}
	}

	s.mu.Lock()
	l, sec := s.link, s.secure
	s.link, s.secure = nil, nil
	s.mu.Unlock()
	if sec != nil {
		sec.Close()
	}
	if l != nil {
		_ = l.Disconnect()
	}
	return err
}

// Close disconnects and moves to the terminal Closed state.
func (s *Session) Close(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if s.lc.IsClosed() {
		return nil
	}
	err := s.disconnect("close")
	if terr := s.lc.TransitionTo(lifecycle.StateClosed, "close"); terr != nil {
		err = errors.Join(err, terr)
	}
	s.runCancel()
	return err
}

// Send runs cmd over the link. A link failure triggers up to
// MaxReconnectAttempts reconnects so later commands can proceed; the failed
// command itself is returned as an error and never replayed.
//
// Send never returns DegradedError. Degradation concerns the secure session;
// the link stays usable, and a successful reconnect here clears it.
func (s *Session) Send(ctx context.Context, cmd Command) (any, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	payload, err := cmd.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	l := s.currentLink()
	if l == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotConnected, s.id)
	}

	s.commands.Add(1)
	resp, err := l.Request(ctx, cmd.Channel(), payload, 0)
	if err != nil {
		s.errors.Add(1)
		s.setLastErr(err)
		if errors.Is(err, domain.ErrLink) && ctx.Err() == nil {
			if rerr := s.reconnect(ctx, l); rerr != nil {
				s.logger.Error("link reconnect failed", log.Err(rerr))
			}
		}
		return nil, err
	}

	out, err := cmd.Decode(resp)
	if err != nil {
		s.errors.Add(1)
		s.setLastErr(err)
		return out, err
	}
	return out, nil
}

// reconnect replaces failed with a fresh link. Concurrent callers holding the
// same failed link reconnect once.
func (s *Session) reconnect(ctx context.Context, failed *link.Session) error {
	s.reconn.Lock()
	defer s.reconn.Unlock()

	if cur := s.currentLink(); cur != failed {
		return nil
	}
	_ = failed.Disconnect()

	moved, err := s.lc.TransitionFrom(lifecycle.StateLinkConnecting, "link lost",
		lifecycle.StateLinkReady, lifecycle.StateSecureReady, lifecycle.StateDegraded)
	if err != nil || !moved {
		return err
	}

	backoff := lifecycle.NewBackoff(s.cfg.ReconnectBackoff, 4*s.cfg.ReconnectBackoff)
	var lastErr error = domain.ErrNotConnected
	for attempt := 1; attempt <= s.cfg.MaxReconnectAttempts; attempt++ {
		if err := backoff.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		l, err := s.dial(ctx)
		if err != nil {
			lastErr = err
			s.logger.Warn("reconnect attempt failed",
				log.Int("attempt", attempt),
				log.Int("max", s.cfg.MaxReconnectAttempts),
				log.Err(err))
			continue
		}
		return s.restore(l)
	}

	s.mu.Lock()
	if s.link == failed {
		s.link = nil
	}
	s.mu.Unlock()
	s.stopSupervisor()
	if _, err := s.lc.TransitionFrom(lifecycle.StateUnbound, "reconnect failed", lifecycle.StateLinkConnecting); err != nil {
		s.logger.Warn("state update failed", log.Err(err))
	}
	return fmt.Errorf("reconnect after %d attempts: %w", s.cfg.MaxReconnectAttempts, lastErr)
}

// restore installs a reconnected link unless the session was disconnected
// in the meantime.
func (s *Session) restore(l *link.Session) error {
	s.mu.Lock()
	s.link = l
	hasCred := s.cred != nil
	s.degradedErr = nil
	s.mu.Unlock()

	next := lifecycle.StateLinkReady
	if hasCred {
		next = lifecycle.StateSecureReady
	}
	moved, err := s.lc.TransitionFrom(next, "link restored", lifecycle.StateLinkConnecting)
	if err != nil || !moved {
		s.mu.Lock()
		if s.link == l {
			s.link = nil
		}
		s.mu.Unlock()
		_ = l.Disconnect()
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: session left LinkConnecting during reconnect", domain.ErrNotConnected)
	}
	s.supervisor.Reset()
	return nil
}

// Do performs an HTTP request over the secure session.
func (s *Session) Do(ctx context.Context, method, path string) (*secure.Response, error) {
	if err := s.connected(); err != nil {
		return nil, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	sec, err := s.secureSession()
	if err != nil {
		return nil, err
	}
	s.commands.Add(1)
	resp, err := sec.Request(ctx, method, path, 0)
	if err != nil {
		s.errors.Add(1)
		s.setLastErr(err)
		return nil, err
	}
	return resp, nil
}

// secureSession returns the bound secure session, or the condition that
// prevents using it.
func (s *Session) secureSession() (*secure.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.degradedErr != nil {
		return nil, &domain.DegradedError{Device: s.id, Err: s.degradedErr}
	}
	if s.secure == nil {
		return nil, fmt.Errorf("%w for %s", domain.ErrNoCredential, s.id)
	}
	return s.secure, nil
}

// ProvisionNetwork joins the camera to a network and binds the credential it
// issues. On failure the session is left in LinkReady with no credential.
func (s *Session) ProvisionNetwork(ctx context.Context, ssid, secret string) (credential.Credential, error) {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.connected(); err != nil {
		return credential.Credential{}, err
	}

	_ = s.stopSupervisor()
	if err := s.sem.Acquire(ctx, requestSlots); err != nil {
		s.resumeSupervisor()
		return credential.Credential{}, err
	}
	defer s.sem.Release(requestSlots)

	if err := s.lc.TransitionTo(lifecycle.StateProvisioning, "provision network"); err != nil {
		s.resumeSupervisor()
		return credential.Credential{}, err
	}

	cred, err := s.creds.Provision(ctx, ssid, secret, s.cfg.ProvisionTimeout)
	if err == nil {
		err = s.bind(cred)
	}
	if err != nil {
		s.dropCredential()
		s.setLastErr(err)
		s.transitionFrom(lifecycle.StateLinkReady, "provisioning failed", lifecycle.StateProvisioning)
		return credential.Credential{}, err
	}

	s.mu.Lock()
	s.degradedErr = nil
	s.mu.Unlock()
	s.transitionFrom(lifecycle.StateSecureReady, "provisioned", lifecycle.StateProvisioning)
	s.supervisor.Reset()
	s.startSupervisor()
	return cred, nil
}

// ResetCredential clears the certificate on the camera and forgets the
// stored credential. The session stays connected in LinkReady.
func (s *Session) ResetCredential(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.connected(); err != nil {
		return err
	}

	_ = s.stopSupervisor()
	if err := s.sem.Acquire(ctx, requestSlots); err != nil {
		s.resumeSupervisor()
		return err
	}
	defer s.sem.Release(requestSlots)

	if err := s.creds.Reset(ctx); err != nil {
		s.setLastErr(err)
		s.resumeSupervisor()
		return err
	}
	s.dropCredential()
	s.supervisor.Reset()
	s.transitionFrom(lifecycle.StateLinkReady, "credential reset",
		lifecycle.StateSecureReady, lifecycle.StateDegraded)
	return nil
}

// ReloadCredential re-reads the stored credential and rebinds if it changed.
// An unconnected session picks the change up on its next Connect.
func (s *Session) ReloadCredential(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	st := s.lc.State()
	if st == lifecycle.StateClosed {
		return domain.ErrClosed
	}
	if !st.Connected() {
		return nil
	}

	stored, ok, err := s.store.Get(ctx, s.id)
	if err != nil {
		return fmt.Errorf("load stored credential: %w", err)
	}
	current, has := s.Credential()

	switch {
	case ok && stored.Usable():
		if has && sameCredential(current, stored) {
			return nil
		}
		_ = s.stopSupervisor()
		if err := s.sem.Acquire(ctx, requestSlots); err != nil {
			s.resumeSupervisor()
			return err
		}
		defer s.sem.Release(requestSlots)

		if err := s.bind(stored); err != nil {
			s.resumeSupervisor()
			return err
		}
		s.mu.Lock()
		s.degradedErr = nil
		s.mu.Unlock()
		s.supervisor.Reset()
		s.transitionFrom(lifecycle.StateSecureReady, "credential reloaded",
			lifecycle.StateLinkReady, lifecycle.StateDegraded)
		s.startSupervisor()

	case has:
		_ = s.stopSupervisor()
		if err := s.sem.Acquire(ctx, requestSlots); err != nil {
			s.resumeSupervisor()
			return err
		}
		defer s.sem.Release(requestSlots)

		s.dropCredential()
		s.supervisor.Reset()
		s.transitionFrom(lifecycle.StateLinkReady, "stored credential removed",
			lifecycle.StateSecureReady, lifecycle.StateDegraded)
	}
	return nil
}

func sameCredential(a, b credential.Credential) bool {
	return a.Fingerprint() == b.Fingerprint() &&
		a.Address == b.Address &&
		a.Username == b.Username &&
		a.Password == b.Password
}

// CheckHealth probes the secure session immediately, outside the
// supervisor's schedule.
func (s *Session) CheckHealth(ctx context.Context) (health.Stats, error) {
	if err := s.connected(); err != nil {
		return s.supervisor.Stats(), err
	}
	sec, err := s.secureSession()
	if err != nil {
		return s.supervisor.Stats(), err
	}
	if err := s.sem.Acquire(ctx, requestSlots); err != nil {
		return s.supervisor.Stats(), err
	}
	defer s.sem.Release(requestSlots)

	if err := sec.Probe(ctx, s.cfg.Health.ProbeTimeout); err != nil {
		s.setLastErr(err)
		return s.supervisor.Stats(), err
	}
	return s.supervisor.Stats(), nil
}

// connected returns nil if the link is up in the current state.
func (s *Session) connected() error {
	st := s.lc.State()
	switch {
	case st == lifecycle.StateClosed:
		return domain.ErrClosed
	case !st.Connected():
		return fmt.Errorf("%w: %s is %s", domain.ErrNotConnected, s.id, st)
	}
	return nil
}

func (s *Session) currentLink() *link.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

func (s *Session) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) transition(to lifecycle.State, reason string) {
	if err := s.lc.TransitionTo(to, reason); err != nil {
		s.logger.Warn("state update failed", log.Err(err))
	}
}

func (s *Session) transitionFrom(to lifecycle.State, reason string, from ...lifecycle.State) {
	if _, err := s.lc.TransitionFrom(to, reason, from...); err != nil {
		s.logger.Warn("state update failed", log.Err(err))
	}
}

func (s *Session) startSupervisor() {
	if err := s.supervisor.Start(s.runCtx); err != nil && !errors.Is(err, health.ErrAlreadyRunning) {
		s.logger.Warn("start health supervisor", log.Err(err))
	}
}

// resumeSupervisor restarts the supervisor if a credential is still bound.
func (s *Session) resumeSupervisor() {
	if _, has := s.Credential(); has && s.lc.State().Connected() {
		s.startSupervisor()
	}
}

func (s *Session) stopSupervisor() error {
	if err := s.supervisor.Stop(s.cfg.ShutdownTimeout); err != nil {
		s.logger.Warn("health supervisor did not stop", log.Err(err))
		return err
	}
	return nil
}

// linkRequester routes provisioning requests to the current link.
type linkRequester struct{ s *Session }

func (r linkRequester) Request(ctx context.Context, ch link.Channel, payload []byte, timeout time.Duration) ([]byte, error) {
	l := r.s.currentLink()
	if l == nil {
		return nil, &domain.LinkError{Device: r.s.id, Op: "request", Err: domain.ErrNotConnected}
	}
	return l.Request(ctx, ch, payload, timeout)
}
