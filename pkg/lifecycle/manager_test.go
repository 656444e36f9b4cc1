package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/log"
)

// mockLogger implements log.Logger for testing.
type mockLogger struct{}

func (mockLogger) Debug(msg string, fields ...log.Field) {}
func (mockLogger) Info(msg string, fields ...log.Field)  {}
func (mockLogger) Warn(msg string, fields ...log.Field)  {}
func (mockLogger) Error(msg string, fields ...log.Field) {}

// mockEmitter tracks state change events for testing.
type mockEmitter struct {
	mu     sync.Mutex
	events []stateChangeEvent
}

type stateChangeEvent struct {
	previous State
	current  State
	reason   string
}

func (m *mockEmitter) OnStateChange(previous, current State, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, stateChangeEvent{previous, current, reason})
}

func (m *mockEmitter) Events() []stateChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]stateChangeEvent{}, m.events...)
}

func TestNewManager(t *testing.T) {
	l := NewManager(&mockLogger{}, nil)
	if l.State() != StateUnbound {
		t.Errorf("initial state = %v, want StateUnbound", l.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateUnbound, "Unbound"},
		{StateLinkConnecting, "LinkConnecting"},
		{StateLinkReady, "LinkReady"},
		{StateProvisioning, "Provisioning"},
		{StateSecureReady, "SecureReady"},
		{StateDegraded, "Degraded"},
		{StateClosed, "Closed"},
		{State(99), "Unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestManager_TransitionTo_ValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{StateUnbound, StateLinkConnecting},
		{StateLinkConnecting, StateLinkReady},
		{StateLinkConnecting, StateSecureReady},
		{StateLinkConnecting, StateUnbound},
		{StateLinkReady, StateProvisioning},
		{StateProvisioning, StateSecureReady},
		{StateProvisioning, StateLinkReady},
		{StateSecureReady, StateDegraded},
		{StateSecureReady, StateProvisioning},
		{StateDegraded, StateSecureReady},
		{StateDegraded, StateLinkConnecting},
		{StateDegraded, StateUnbound},
		{StateSecureReady, StateClosed},
		{StateUnbound, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			l := NewManager(&mockLogger{}, nil)
			l.state = tt.from

			if err := l.TransitionTo(tt.to, "test"); err != nil {
				t.Fatalf("TransitionTo() error = %v", err)
			}
			if l.State() != tt.to {
				t.Errorf("state = %v after transition, want %v", l.State(), tt.to)
			}
		})
	}
}

func TestManager_TransitionTo_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{StateUnbound, StateSecureReady},
		{StateUnbound, StateDegraded},
		{StateLinkConnecting, StateProvisioning},
		{StateLinkReady, StateDegraded},
		{StateProvisioning, StateDegraded},
		{StateClosed, StateUnbound},
		{StateClosed, StateLinkConnecting},
		{StateClosed, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			l := NewManager(&mockLogger{}, nil)
			l.state = tt.from

			err := l.TransitionTo(tt.to, "test")
			if !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("TransitionTo() error = %v, want ErrInvalidTransition", err)
			}
			// State should not change on invalid transition
			if l.State() != tt.from {
				t.Errorf("state changed to %v on invalid transition, want %v", l.State(), tt.from)
			}
		})
	}
}

func TestManager_ClosedIsTerminal(t *testing.T) {
	l := NewManager(&mockLogger{}, nil)
	if err := l.TransitionTo(StateClosed, "close"); err != nil {
		t.Fatal(err)
	}
	for s := StateUnbound; s <= StateClosed; s++ {
		if err := l.TransitionTo(s, "reopen"); !errors.Is(err, domain.ErrClosed) {
			t.Errorf("Closed -> %v: error = %v, want ErrClosed", s, err)
		}
	}
	if !l.IsClosed() {
		t.Error("IsClosed() = false")
	}
}

func TestManager_SameStateIsNoop(t *testing.T) {
	emitter := &mockEmitter{}
	l := NewManager(&mockLogger{}, emitter)
	l.state = StateSecureReady

	if err := l.TransitionTo(StateSecureReady, "again"); err != nil {
		t.Fatalf("TransitionTo(same) error = %v", err)
	}
	if len(emitter.Events()) != 0 {
		t.Error("same-state transition emitted an event")
	}
}

func TestManager_TransitionFrom(t *testing.T) {
	l := NewManager(&mockLogger{}, nil)
	l.state = StateLinkReady

	ok, err := l.TransitionFrom(StateSecureReady, "recovered", StateDegraded)
	if err != nil || ok {
		t.Fatalf("TransitionFrom() from non-matching state = %v, %v", ok, err)
	}
	if l.State() != StateLinkReady {
		t.Errorf("state = %v, want LinkReady", l.State())
	}

	l.state = StateDegraded
	ok, err = l.TransitionFrom(StateSecureReady, "recovered", StateDegraded)
	if err != nil || !ok {
		t.Fatalf("TransitionFrom() = %v, %v", ok, err)
	}
	if l.State() != StateSecureReady {
		t.Errorf("state = %v, want SecureReady", l.State())
	}
}

func TestManager_TransitionTo_EmitsEvents(t *testing.T) {
	emitter := &mockEmitter{}
	l := NewManager(&mockLogger{}, emitter)

	_ = l.TransitionTo(StateLinkConnecting, "connect")
	_ = l.TransitionTo(StateLinkReady, "linked")

	events := emitter.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].previous != StateUnbound || events[0].current != StateLinkConnecting {
		t.Errorf("event 0: got %v->%v, want Unbound->LinkConnecting", events[0].previous, events[0].current)
	}
	if events[1].reason != "linked" {
		t.Errorf("event 1 reason = %q", events[1].reason)
	}
}

func TestConnected(t *testing.T) {
	for _, s := range []State{StateLinkReady, StateProvisioning, StateSecureReady, StateDegraded} {
		if !s.Connected() {
			t.Errorf("%v.Connected() = false", s)
		}
	}
	for _, s := range []State{StateUnbound, StateLinkConnecting, StateClosed} {
		if s.Connected() {
			t.Errorf("%v.Connected() = true", s)
		}
	}
}

func TestWorkers_WaitWithTimeout_Success(t *testing.T) {
	l := NewManager(&mockLogger{}, nil)
	l.AddWorker()

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.WorkerDone()
	}()

	if err := l.WaitWithTimeout(time.Second); err != nil {
		t.Errorf("WaitWithTimeout() = %v, want nil", err)
	}
}

func TestWorkers_WaitWithTimeout_Timeout(t *testing.T) {
	w := NewWorkers(nil)
	w.AddWorker()
	// Never call WorkerDone

	if err := w.WaitWithTimeout(10 * time.Millisecond); !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("WaitWithTimeout() = %v, want ErrShutdownTimeout", err)
	}

	// Clean up
	w.WorkerDone()
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 300*time.Millisecond)

	for i, base := range []time.Duration{100, 200, 300, 300} {
		base *= time.Millisecond
		d := b.Next()
		lo, hi := time.Duration(float64(base)*0.8), time.Duration(float64(base)*1.2)
		if d < lo || d > hi {
			t.Errorf("Next() #%d = %v, want within [%v, %v]", i, d, lo, hi)
		}
	}

	b.Reset()
	if b.Current() != 100*time.Millisecond {
		t.Errorf("Current() after Reset = %v", b.Current())
	}
}

func TestBackoff_WaitCancelled(t *testing.T) {
	b := NewBackoff(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() = %v, want context.Canceled", err)
	}
}

func TestManager_Concurrency(t *testing.T) {
	l := NewManager(&mockLogger{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = l.State()
			}
		}()
	}

	// Concurrent transitions (some will fail, which is expected)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.TransitionTo(StateLinkConnecting, "test")
			_ = l.TransitionTo(StateLinkReady, "test")
			_ = l.TransitionTo(StateUnbound, "test")
		}()
	}

	wg.Wait()
}
