package device

import (
	"context"
	"fmt"
	"time"

	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/gopro"
	"github.com/bft-labs/camfleet/pkg/health"
	"github.com/bft-labs/camfleet/pkg/lifecycle"
	"github.com/bft-labs/camfleet/pkg/link"
	"github.com/bft-labs/camfleet/pkg/log"
)

// target adapts a Session to health.Target. Probes and recovery hold every
// request slot, so they never interleave with application requests.
type target struct{ s *Session }

var _ health.Target = target{}

// ProbeIfIdle treats a link that is down as a failed probe. Otherwise, once
// both the link and the secure session have been quiet for idle, it probes
// the secure session if one is active and the link with a keep-alive if not.
func (t target) ProbeIfIdle(ctx context.Context, idle, timeout time.Duration) (bool, error) {
	s := t.s
	if !s.lc.State().Connected() {
		return false, nil
	}
	l := s.currentLink()
	if l == nil || l.State() != link.StateConnected {
		return true, &domain.LinkError{Device: s.id, Op: "probe", Err: domain.ErrNotConnected}
	}

	s.mu.RLock()
	sec := s.secure
	s.mu.RUnlock()
	useSecure := sec != nil && sec.Active()

	last := l.LastActivity()
	if useSecure && sec.LastActivity().After(last) {
		last = sec.LastActivity()
	}
	if time.Since(last) < idle {
		return false, nil
	}

	if err := s.sem.Acquire(ctx, requestSlots); err != nil {
		return false, err
	}
	defer s.sem.Release(requestSlots)
	if useSecure {
		return true, sec.Probe(ctx, timeout)
	}
	cmd := gopro.KeepAlive{}
	payload, _ := cmd.Encode()
	resp, err := l.Request(ctx, cmd.Channel(), payload, timeout)
	if err != nil {
		return true, err
	}
	_, err = cmd.Decode(resp)
	return true, err
}

func (t target) Degrade(cause error) {
	s := t.s
	moved, err := s.lc.TransitionFrom(lifecycle.StateDegraded, "health probes failed", lifecycle.StateSecureReady)
	if err != nil {
		s.logger.Warn("state update failed", log.Err(err))
		return
	}
	if moved {
		s.setLastErr(cause)
	}
}

// Recover refreshes the device address over the link, rebuilds the secure
// session and probes it once.
func (t target) Recover(ctx context.Context) error {
	s := t.s
	cred, has := s.Credential()
	if !has {
		return s.markDegraded(fmt.Errorf("%w for %s", domain.ErrNoCredential, s.id))
	}

	if err := s.sem.Acquire(ctx, requestSlots); err != nil {
		return err
	}
	defer s.sem.Release(requestSlots)

	refreshed, err := s.creds.RefreshAddress(ctx, cred)
	if err != nil {
		return s.markDegraded(err)
	}
	if err := s.bind(refreshed); err != nil {
		return s.markDegraded(err)
	}
	sec, err := s.secureSession()
	if err != nil {
		return s.markDegraded(err)
	}
	if err := sec.Probe(ctx, s.cfg.Health.ProbeTimeout); err != nil {
		return s.markDegraded(err)
	}

	if _, err := s.lc.TransitionFrom(lifecycle.StateSecureReady, "recovered", lifecycle.StateDegraded); err != nil {
		return err
	}
	s.logger.Info("secure session recovered", log.String("address", refreshed.Address))
	return nil
}

// markDegraded records a failed recovery. Callers see DegradedError until
// the session is reconnected or re-provisioned.
func (s *Session) markDegraded(cause error) error {
	s.mu.Lock()
	s.degradedErr = cause
	s.lastErr = &domain.DegradedError{Device: s.id, Err: cause}
	s.mu.Unlock()
	return cause
}
