package link

import (
	"context"
	"fmt"
	"time"

	"github.com/bft-labs/camfleet/internal/domain"
)

// DefaultRouterDepth bounds the number of undelivered messages.
const DefaultRouterDepth = 8

// Message is one reassembled logical message.
type Message struct {
	// Source is the notify characteristic the message arrived on.
	Source string
	Data   []byte
}

type delivery struct {
	msg Message
	err error
}

// Router delivers reassembled messages to the request waiting for them, in
// arrival order. The owning session keeps at most one request in flight, so
// no request-id correlation is needed.
type Router struct {
	ch chan delivery
}

// NewRouter creates a Router buffering up to depth undelivered items.
func NewRouter(depth int) *Router {
	if depth <= 0 {
		depth = DefaultRouterDepth
	}
	return &Router{ch: make(chan delivery, depth)}
}

// Deliver queues msg without blocking. It returns false if the buffer is full
// and the message was dropped.
func (r *Router) Deliver(msg Message) bool {
	select {
	case r.ch <- delivery{msg: msg}:
		return true
	default:
		return false
	}
}

// Fail queues err for the waiting request without blocking.
func (r *Router) Fail(err error) bool {
	select {
	case r.ch <- delivery{err: err}:
		return true
	default:
		return false
	}
}

// AwaitNext returns the next message. It fails with an error matching
// domain.ErrResponseTimeout when nothing arrives within timeout.
func (r *Router) AwaitNext(ctx context.Context, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-r.ch:
		return d.msg, d.err
	case <-timer.C:
		return Message{}, fmt.Errorf("%w after %s", domain.ErrResponseTimeout, timeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Drain discards everything queued and returns the number of items dropped.
func (r *Router) Drain() int {
	n := 0
	for {
		select {
		case <-r.ch:
			n++
		default:
			return n
		}
	}
}
