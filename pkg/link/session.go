package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/frame"
	"github.com/bft-labs/camfleet/pkg/log"
)

// State is the state of a Session. Disconnected and Failed are terminal.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Config holds link timeouts and framing limits.
type Config struct {
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	MaxPacket       int
	RouterDepth     int

	// Channels are subscribed on connect.
	Channels []Channel
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:  20 * time.Second,
		ResponseTimeout: 5 * time.Second,
		MaxPacket:       frame.DefaultMaxPacket,
		RouterDepth:     DefaultRouterDepth,
	}
}

// Session owns one physical radio connection and exposes single-flight
// request/response calls over it.
type Session struct {
	id        string
	transport Transport
	cfg       Config
	limits    frame.Limits
	logger    log.Logger
	router    *Router

	// slot admits one request at a time.
	slot chan struct{}

	mu     sync.Mutex
	state  State
	handle Handle

	asmMu      sync.Mutex
	assemblers map[string]*frame.Assembler

	inFlight     atomic.Int32
	lastActivity atomic.Int64
}

// NewSession creates an idle Session for device id.
func NewSession(id string, transport Transport, cfg Config, logger log.Logger) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultConfig().ResponseTimeout
	}
	limits := frame.DefaultLimits()
	if cfg.MaxPacket > 0 {
		limits.MaxPacket = cfg.MaxPacket
	}

	assemblers := make(map[string]*frame.Assembler, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		assemblers[ch.Notify] = frame.NewAssembler(limits)
	}

	return &Session{
		id:         id,
		transport:  transport,
		cfg:        cfg,
		limits:     limits,
		logger:     log.With(logger, log.Device(id)),
		router:     NewRouter(cfg.RouterDepth),
		slot:       make(chan struct{}, 1),
		state:      StateIdle,
		assemblers: assemblers,
	}
}

// ID returns the device identifier.
func (s *Session) ID() string { return s.id }

// State returns the current link state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActivity returns the time of the last successful request.
func (s *Session) LastActivity() time.Time {
	ns := s.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// InFlight returns the number of outstanding requests (0 or 1).
func (s *Session) InFlight() int {
	return int(s.inFlight.Load())
}

// Connect opens the link and subscribes to every configured channel.
// Failures leave the session Failed and match domain.ErrConnect.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		if st == StateConnected {
			return nil
		}
		return s.linkErr("connect", fmt.Errorf("%w: link is %s", domain.ErrClosed, st))
	}
	s.state = StateConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	start := time.Now()
	handle, err := s.transport.Connect(ctx, s.id)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", s.cfg.ConnectTimeout, err)
		}
		s.setState(StateFailed)
		return s.linkErr("connect", err)
	}

	for _, ch := range s.cfg.Channels {
		notify := ch.Notify
		if err := handle.Subscribe(notify, func(data []byte) { s.onNotify(notify, data) }); err != nil {
			if derr := handle.Disconnect(); derr != nil {
				s.logger.Warn("disconnect after subscribe failure", log.Err(derr))
			}
			s.setState(StateFailed)
			return s.linkErr("connect", fmt.Errorf("subscribe %s: %w", ch.Name, err))
		}
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Disconnected while connecting.
		s.mu.Unlock()
		_ = handle.Disconnect()
		return s.linkErr("connect", domain.ErrClosed)
	}
	s.handle = handle
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Info("link connected", log.Duration("took", time.Since(start)))
	return nil
}

// Request writes payload on ch and waits for the response.
// Concurrent callers queue; only one request is outstanding at a time.
// A zero timeout uses Config.ResponseTimeout.
func (s *Session) Request(ctx context.Context, ch Channel, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = s.cfg.ResponseTimeout
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.slot }()

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	handle, state := s.handle, s.state
	s.mu.Unlock()
	if state != StateConnected || handle == nil {
		return nil, s.linkErr("request", fmt.Errorf("%w: link is %s", domain.ErrNotConnected, state))
	}

	if n := s.router.Drain(); n > 0 {
		s.logger.Debug("dropped stale messages", log.Int("count", n))
	}

	packets, err := frame.Encode(payload, s.limits)
	if err != nil {
		return nil, err
	}
	for _, p := range packets {
		if err := handle.Write(ctx, ch.Write, p); err != nil {
			s.setState(StateFailed)
			return nil, s.linkErr("write", err)
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.abandon()
			return nil, fmt.Errorf("%w after %s", domain.ErrResponseTimeout, timeout)
		}
		msg, err := s.router.AwaitNext(ctx, remaining)
		if err != nil {
			if errors.Is(err, domain.ErrResponseTimeout) || ctx.Err() != nil {
				s.abandon()
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("%w after %s", domain.ErrResponseTimeout, timeout)
			}
			return nil, err
		}
		if msg.Source != ch.Notify {
			s.logger.Debug("unsolicited message", log.String("source", msg.Source), log.Int("bytes", len(msg.Data)))
			continue
		}
		s.lastActivity.Store(time.Now().UnixNano())
		return msg.Data, nil
	}
}

// Disconnect closes the link. It is idempotent and always succeeds; a
// transport error is logged, not returned.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	handle := s.handle
	s.handle = nil
	if s.state != StateFailed {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	s.router.Fail(s.linkErr("request", domain.ErrNotConnected))
	s.abandon()

	if handle != nil {
		if err := handle.Disconnect(); err != nil {
			s.logger.Warn("transport disconnect failed", log.Err(err))
		}
		s.logger.Info("link disconnected")
	}
	return nil
}

func (s *Session) onNotify(source string, data []byte) {
	s.asmMu.Lock()
	a, ok := s.assemblers[source]
	if !ok {
		a = frame.NewAssembler(s.limits)
		s.assemblers[source] = a
	}
	msg, complete, err := a.Feed(data)
	s.asmMu.Unlock()

	switch {
	case err != nil:
		s.logger.Warn("framing violation", log.String("source", source), log.Err(err))
		s.router.Fail(err)
	case complete:
		if !s.router.Deliver(Message{Source: source, Data: msg}) {
			s.logger.Warn("response buffer full, message dropped", log.String("source", source))
		}
	}
}

// abandon discards half-assembled messages.
func (s *Session) abandon() {
	s.asmMu.Lock()
	for _, a := range s.assemblers {
		a.Reset()
	}
	s.asmMu.Unlock()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) linkErr(op string, err error) error {
	return &domain.LinkError{Device: s.id, Op: op, Err: err}
}
