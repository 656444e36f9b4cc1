package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/log"
)

// Step is the progress of a provisioning run.
type Step int

const (
	StepIdle Step = iota
	StepRequesting
	StepAwaitingDeviceAck
	StepPolling
	StepFetching
	StepReady
	StepFailed
)

// String returns a human-readable representation of the step.
func (s Step) String() string {
	switch s {
	case StepIdle:
		return "Idle"
	case StepRequesting:
		return "Requesting"
	case StepAwaitingDeviceAck:
		return "AwaitingDeviceAck"
	case StepPolling:
		return "Polling"
	case StepFetching:
		return "Fetching"
	case StepReady:
		return "Ready"
	case StepFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrNoAddress is returned when the device never reports an address.
var ErrNoAddress = errors.New("credential: device reported no address")

// NetworkStatus is the device's view of its network identity.
type NetworkStatus struct {
	Provisioned bool
	Connected   bool
	Connecting  bool
	Address     string
	Username    string
	Password    string
}

// Joined reports whether the device has joined the network with a usable
// identity. A device still connecting counts once it has an address.
func (s NetworkStatus) Joined() bool {
	hasAddr := strings.TrimSpace(s.Address) != ""
	return s.Provisioned && (s.Connected || (s.Connecting && hasAddr))
}

// Protocol is the provisioning exchange with one device.
type Protocol interface {
	// JoinNetwork asks the device to join the named network.
	JoinNetwork(ctx context.Context, name, secret string) error

	// CreateCertificate asks the device to self-issue a new certificate,
	// overriding any previous one.
	CreateCertificate(ctx context.Context) error

	// ClearCertificate asks the device to discard its issued certificate.
	ClearCertificate(ctx context.Context) error

	// Status reports the device's network identity.
	Status(ctx context.Context) (NetworkStatus, error)

	// Certificate fetches the device's certificate in PEM form.
	Certificate(ctx context.Context) (string, error)
}

// Config holds provisioning step timeouts.
type Config struct {
	// StepTimeout bounds each step except polling.
	StepTimeout time.Duration

	PollInterval time.Duration
	PollTimeout  time.Duration

	AddressAttempts int
	AddressInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StepTimeout:     10 * time.Second,
		PollInterval:    time.Second,
		PollTimeout:     45 * time.Second,
		AddressAttempts: 5,
		AddressInterval: 3 * time.Second,
	}
}

// Manager drives credential provisioning for one device.
type Manager struct {
	device string
	proto  Protocol
	store  Store
	cfg    Config
	logger log.Logger
	now    func() time.Time

	// run serializes Provision, Reset and RefreshAddress.
	run sync.Mutex

	mu      sync.RWMutex
	step    Step
	lastErr error
}

// NewManager creates a Manager for device.
func NewManager(device string, proto Protocol, store Store, cfg Config, logger log.Logger) *Manager {
	def := DefaultConfig()
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.AddressAttempts <= 0 {
		cfg.AddressAttempts = def.AddressAttempts
	}
	if cfg.AddressInterval <= 0 {
		cfg.AddressInterval = def.AddressInterval
	}
	return &Manager{
		device: device,
		proto:  proto,
		store:  store,
		cfg:    cfg,
		logger: log.With(logger, log.Device(device)),
		now:    time.Now,
	}
}

// Step returns the current provisioning step.
func (m *Manager) Step() Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.step
}

// LastError returns the cause of the last failed run, if any.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Manager) setStep(s Step) {
	m.mu.Lock()
	m.step = s
	m.mu.Unlock()
	m.logger.Debug("provisioning step", log.String("step", s.String()))
}

// Provision runs the full provisioning sequence once and persists the
// resulting credential. On failure it returns a *domain.ProvisioningError and
// nothing is persisted.
func (m *Manager) Provision(ctx context.Context, networkName, networkSecret string, timeout time.Duration) (Credential, error) {
	m.run.Lock()
	defer m.run.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()

	start := m.now()
	m.logger.Info("provisioning started", log.String("network", networkName))

	if err := m.runStep(ctx, StepRequesting, m.cfg.StepTimeout, func(ctx context.Context) error {
		return m.proto.JoinNetwork(ctx, networkName, networkSecret)
	}); err != nil {
		return Credential{}, m.fail(ctx, StepRequesting, err)
	}

	if err := m.runStep(ctx, StepAwaitingDeviceAck, m.cfg.StepTimeout, m.proto.CreateCertificate); err != nil {
		return Credential{}, m.fail(ctx, StepAwaitingDeviceAck, err)
	}

	if err := m.runStep(ctx, StepPolling, m.cfg.PollTimeout, m.pollJoined); err != nil {
		return Credential{}, m.fail(ctx, StepPolling, err)
	}

	var cred Credential
	if err := m.runStep(ctx, StepFetching, m.cfg.StepTimeout, func(ctx context.Context) error {
		var err error
		cred, err = m.fetch(ctx)
		return err
	}); err != nil {
		return Credential{}, m.fail(ctx, StepFetching, err)
	}

	if err := m.store.Put(ctx, m.device, cred); err != nil {
		return Credential{}, m.fail(ctx, StepReady, fmt.Errorf("persist: %w", err))
	}

	m.setStep(StepReady)
	m.logger.Info("provisioning complete",
		log.String("address", cred.Address),
		log.String("fingerprint", cred.Fingerprint()),
		log.Duration("took", m.now().Sub(start)),
	)
	return cred, nil
}

func (m *Manager) runStep(ctx context.Context, step Step, timeout time.Duration, fn func(context.Context) error) error {
	m.setStep(step)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(stepCtx)
	if err != nil && stepCtx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%s timed out after %s: %w", step, timeout, err)
	}
	return err
}

func (m *Manager) pollJoined(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	var last NetworkStatus
	for {
		st, err := m.proto.Status(ctx)
		switch {
		case err == nil:
			last = st
			if st.Joined() {
				return nil
			}
			m.logger.Debug("waiting for network join",
				log.Bool("provisioned", st.Provisioned),
				log.Bool("connected", st.Connected),
				log.Bool("connecting", st.Connecting),
			)
		case errors.Is(err, domain.ErrResponseTimeout):
			// One missed status reply is recoverable; keep polling.
			m.logger.Debug("status poll timed out")
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("device did not join network (provisioned=%t connected=%t): %w",
				last.Provisioned, last.Connected, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Manager) fetch(ctx context.Context) (Credential, error) {
	cert, err := m.proto.Certificate(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("certificate: %w", err)
	}
	st, err := m.proto.Status(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("status: %w", err)
	}

	cred := Credential{
		DeviceID:    m.device,
		Address:     st.Address,
		Username:    st.Username,
		Password:    st.Password,
		Certificate: cert,
		Valid:       true,
		IssuedAt:    m.now().UTC(),
	}
	if err := cred.Validate(); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

// fail records err. Once the device has been asked for a new certificate any
// stored credential is stale, so it is removed.
func (m *Manager) fail(ctx context.Context, step Step, err error) error {
	perr := &domain.ProvisioningError{Device: m.device, Step: step.String(), Err: err}

	m.mu.Lock()
	m.step = StepFailed
	m.lastErr = perr
	m.mu.Unlock()

	if step >= StepAwaitingDeviceAck {
		if derr := m.store.Delete(context.WithoutCancel(ctx), m.device); derr != nil {
			m.logger.Warn("delete stale credential failed", log.Err(derr))
		}
	}
	m.logger.Error("provisioning failed", log.String("step", step.String()), log.Err(err))
	return perr
}

// Reset instructs the device to discard its issued certificate and deletes
// the stored credential. Devices keep credentials across power cycles with no
// staleness signal, so this is never called implicitly.
func (m *Manager) Reset(ctx context.Context) error {
	m.run.Lock()
	defer m.run.Unlock()

	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
	defer cancel()

	if err := m.proto.ClearCertificate(stepCtx); err != nil {
		return fmt.Errorf("clear device certificate: %w", err)
	}
	if err := m.store.Delete(ctx, m.device); err != nil {
		return fmt.Errorf("delete stored credential: %w", err)
	}

	m.mu.Lock()
	m.step = StepIdle
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("credential reset")
	return nil
}

// RefreshAddress polls the device for its current address and returns cred
// with the address (and reported username/password) updated. Trust material
// is kept. The result is persisted.
func (m *Manager) RefreshAddress(ctx context.Context, cred Credential) (Credential, error) {
	m.run.Lock()
	defer m.run.Unlock()

	var lastErr error = ErrNoAddress
	for attempt := 1; attempt <= m.cfg.AddressAttempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
		st, err := m.proto.Status(stepCtx)
		cancel()

		if err == nil && strings.TrimSpace(st.Address) != "" {
			updated := cred
			updated.Address = st.Address
			if st.Username != "" {
				updated.Username = st.Username
			}
			if st.Password != "" {
				updated.Password = st.Password
			}
			updated.RefreshedAt = m.now().UTC()

			if err := m.store.Put(ctx, m.device, updated); err != nil {
				return cred, fmt.Errorf("persist refreshed credential: %w", err)
			}
			if updated.Address != cred.Address {
				m.logger.Info("device address changed",
					log.String("previous", cred.Address),
					log.String("address", updated.Address))
			}
			return updated, nil
		}
		if err != nil {
			lastErr = err
			if !errors.Is(err, domain.ErrResponseTimeout) && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
				return cred, fmt.Errorf("refresh address: %w", err)
			}
		}

		if attempt == m.cfg.AddressAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return cred, ctx.Err()
		case <-time.After(m.cfg.AddressInterval):
		}
	}
	return cred, fmt.Errorf("refresh address after %d attempts: %w", m.cfg.AddressAttempts, lastErr)
}
