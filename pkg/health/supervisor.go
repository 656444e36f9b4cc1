package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bft-labs/camfleet/pkg/lifecycle"
	"github.com/bft-labs/camfleet/pkg/log"
)

// ErrAlreadyRunning is returned by Start on a running supervisor.
var ErrAlreadyRunning = errors.New("health: supervisor already running")

// Target is the session a Supervisor watches.
type Target interface {
	// ProbeIfIdle probes the session if it has been idle for at least idle.
	// A link that is down is reported as a failed probe. probed is false when
	// no probe was needed. The target must exclude application requests while
	// probing.
	ProbeIfIdle(ctx context.Context, idle, timeout time.Duration) (probed bool, err error)

	// Degrade marks the session degraded because of cause.
	Degrade(cause error)

	// Recover makes one bounded attempt to restore the session and leaves the
	// Degraded state on success.
	Recover(ctx context.Context) error
}

// Config holds supervisor intervals and thresholds.
type Config struct {
	Interval         time.Duration
	IdleThreshold    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		IdleThreshold:    8 * time.Second,
		ProbeTimeout:     2 * time.Second,
		FailureThreshold: 3,
		RecoveryTimeout:  20 * time.Second,
	}
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	LastCheck           time.Time
	ConsecutiveFailures int
	TotalFailures       int
	Recoveries          int
	Degraded            bool
	LastError           error
}

// Supervisor periodically probes one target and drives its recovery.
type Supervisor struct {
	target  Target
	cfg     Config
	logger  log.Logger
	workers *lifecycle.Workers

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	stats   Stats
}

// NewSupervisor creates a stopped Supervisor.
func NewSupervisor(target Target, cfg Config, logger log.Logger) *Supervisor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.IdleThreshold < 0 {
		cfg.IdleThreshold = def.IdleThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	logger = log.OrNoop(logger)
	return &Supervisor{
		target:  target,
		cfg:     cfg,
		logger:  logger,
		workers: lifecycle.NewWorkers(logger),
	}
}

// Start launches the periodic task. It stops when ctx is done or Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.workers.AddWorker()
	go s.run(ctx)
	return nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer s.workers.WorkerDone()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Debug("health supervisor started", log.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("health supervisor stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop cancels the task and waits up to timeout for it to exit.
// It returns lifecycle.ErrShutdownTimeout if the task is still running.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return s.workers.WaitWithTimeout(timeout)
}

// Running reports whether the periodic task is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a snapshot of the counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset clears failure counters and the degraded flag, resuming probing.
// The device session calls it after a successful reconnect or provisioning.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	s.stats.ConsecutiveFailures = 0
	s.stats.Degraded = false
	s.stats.LastError = nil
	s.mu.Unlock()
}

// Check runs one interval step immediately.
func (s *Supervisor) Check(ctx context.Context) Stats {
	s.tick(ctx)
	return s.Stats()
}

// tick is one interval step.
func (s *Supervisor) tick(ctx context.Context) {
	s.mu.Lock()
	degraded := s.stats.Degraded
	s.stats.LastCheck = time.Now()
	s.mu.Unlock()

	// Recovery already failed; callers see DegradedError until reset.
	if degraded {
		return
	}

	probed, err := s.target.ProbeIfIdle(ctx, s.cfg.IdleThreshold, s.cfg.ProbeTimeout)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		s.mu.Lock()
		if s.stats.ConsecutiveFailures > 0 && probed {
			s.logger.Info("health probe recovered", log.Int("after_failures", s.stats.ConsecutiveFailures))
		}
		s.stats.ConsecutiveFailures = 0
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.stats.ConsecutiveFailures++
	s.stats.TotalFailures++
	s.stats.LastError = err
	failures := s.stats.ConsecutiveFailures
	s.mu.Unlock()

	s.logger.Warn("health probe failed",
		log.Int("consecutive", failures),
		log.Int("threshold", s.cfg.FailureThreshold),
		log.Err(err),
	)
	if failures < s.cfg.FailureThreshold {
		return
	}

	s.target.Degrade(err)

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RecoveryTimeout)
	rerr := s.target.Recover(rctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if rerr != nil {
		s.stats.Degraded = true
		s.stats.LastError = rerr
		s.logger.Error("recovery failed, session stays degraded", log.Err(rerr))
		return
	}
	s.stats.ConsecutiveFailures = 0
	s.stats.Recoveries++
	s.logger.Info("session recovered", log.Int("recoveries", s.stats.Recoveries))
}
