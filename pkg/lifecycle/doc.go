// Package lifecycle provides the device session state machine, worker
// tracking with a bounded shutdown, and backoff.
//
// # Usage
//
//	manager := lifecycle.NewManager(logger, eventEmitter)
//
//	if err := manager.TransitionTo(lifecycle.StateLinkConnecting, "connect"); err != nil {
//	    return err // matches domain.ErrInvalidTransition
//	}
//
//	manager.AddWorker()
//	go func() {
//	    defer manager.WorkerDone()
//	    // ...
//	}()
//
//	if err := manager.WaitWithTimeout(5 * time.Second); err != nil {
//	    return err // ErrShutdownTimeout
//	}
//
// # State Machine
//
// Valid state transitions:
//   - Unbound -> LinkConnecting, Closed
//   - LinkConnecting -> LinkReady, SecureReady, Unbound, Closed
//   - LinkReady -> Provisioning, SecureReady, LinkConnecting, Unbound, Closed
//   - Provisioning -> LinkReady, SecureReady, Unbound, Closed
//   - SecureReady -> Provisioning, LinkReady, LinkConnecting, Degraded, Unbound, Closed
//   - Degraded -> SecureReady, LinkConnecting, LinkReady, Provisioning, Unbound, Closed
//
// Closed is terminal.
package lifecycle
