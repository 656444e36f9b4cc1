// Package link owns one short-range radio connection per device and exposes
// request/response calls over it.
//
// A Session encodes each request with package frame, writes the packets to
// the channel's write characteristic, and waits on a Router for the message
// reassembled from the channel's notify characteristic. Requests are
// single-flight: concurrent callers queue, so responses are delivered in FIFO
// order without request ids.
//
// # Usage
//
//	s := link.NewSession(id, transport, cfg, logger)
//	if err := s.Connect(ctx); err != nil {
//	    return err // matches domain.ErrConnect
//	}
//	defer s.Disconnect()
//
//	resp, err := s.Request(ctx, gopro.ChannelQuery, payload, 5*time.Second)
//
// # State Machine
//
//   - Idle -> Connecting
//   - Connecting -> Connected, Failed
//   - Connected -> Disconnected, Failed
//
// Disconnected and Failed are terminal; reconnecting means a new Session.
package link
