package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/log"
)

// ErrShutdownTimeout is returned when workers do not finish in time.
var ErrShutdownTimeout = domain.ErrShutdownTimeout

// ShutdownTimeout is the default maximum time to wait for graceful shutdown.
const ShutdownTimeout = 5 * time.Second

// Workers tracks background goroutines so their owner can wait for them.
type Workers struct {
	wg     sync.WaitGroup
	logger log.Logger
}

// NewWorkers returns a Workers that logs shutdown timeouts to logger.
func NewWorkers(logger log.Logger) *Workers {
	return &Workers{logger: log.OrNoop(logger)}
}

// AddWorker increments the worker count.
func (w *Workers) AddWorker() {
	w.wg.Add(1)
}

// WorkerDone decrements the worker count.
func (w *Workers) WorkerDone() {
	w.wg.Done()
}

// WaitWithTimeout waits for all workers to finish with a timeout.
// Returns ErrShutdownTimeout if the timeout expires.
func (w *Workers) WaitWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		w.logger.Warn("shutdown timeout, workers still running",
			log.Duration("timeout", timeout),
		)
		return ErrShutdownTimeout
	}
}

// DefaultManager implements Manager with the device state machine.
type DefaultManager struct {
	*Workers

	mu           sync.RWMutex
	state        State
	logger       log.Logger
	eventEmitter EventEmitter
}

// NewManager creates a new lifecycle manager in StateUnbound.
func NewManager(logger log.Logger, emitter EventEmitter) *DefaultManager {
	logger = log.OrNoop(logger)
	return &DefaultManager{
		Workers:      NewWorkers(logger),
		state:        StateUnbound,
		logger:       logger,
		eventEmitter: emitter,
	}
}

// State returns the current lifecycle state.
func (l *DefaultManager) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// TransitionTo attempts to transition to a new state.
// Re-entering the current state is a no-op. Leaving Closed is never allowed.
func (l *DefaultManager) TransitionTo(newState State, reason string) error {
	l.mu.Lock()
	oldState := l.state
	if oldState == newState && oldState != StateClosed {
		l.mu.Unlock()
		return nil
	}
	if !CanTransition(oldState, newState) {
		l.mu.Unlock()
		if oldState == StateClosed {
			return fmt.Errorf("%w: %s -> %s: %w", domain.ErrInvalidTransition, oldState, newState, domain.ErrClosed)
		}
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, oldState, newState)
	}
	l.state = newState
	l.mu.Unlock()

	// Emit event outside of lock
	if l.eventEmitter != nil {
		l.eventEmitter.OnStateChange(oldState, newState, reason)
	}

	l.logger.Info("state transition",
		log.String("from", oldState.String()),
		log.String("to", newState.String()),
		log.String("reason", reason),
	)
	return nil
}

// TransitionFrom moves to newState only if the current state is one of from.
// It reports whether the transition happened.
func (l *DefaultManager) TransitionFrom(newState State, reason string, from ...State) (bool, error) {
	l.mu.Lock()
	oldState := l.state
	match := false
	for _, s := range from {
		if s == oldState {
			match = true
			break
		}
	}
	if !match {
		l.mu.Unlock()
		return false, nil
	}
	if !CanTransition(oldState, newState) {
		l.mu.Unlock()
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, oldState, newState)
	}
	l.state = newState
	l.mu.Unlock()

	if l.eventEmitter != nil {
		l.eventEmitter.OnStateChange(oldState, newState, reason)
	}
	l.logger.Info("state transition",
		log.String("from", oldState.String()),
		log.String("to", newState.String()),
		log.String("reason", reason),
	)
	return true, nil
}

// IsClosed reports whether the terminal state has been reached.
func (l *DefaultManager) IsClosed() bool {
	return l.State() == StateClosed
}
