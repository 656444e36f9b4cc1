// Package domain contains the error taxonomy shared by all camfleet components.
//
// This package has no dependencies on infrastructure concerns. Sentinel errors
// are matched with errors.Is; typed errors (LinkError, ProvisioningError,
// TransportError, StatusError, DegradedError) carry the failing device, step or
// request and unwrap to both their sentinel and their cause.
//
// # Taxonomy
//
//   - [ErrLink]: physical failure, fatal to the link session
//   - [ErrFraming]: protocol violation, fatal only to the in-flight request
//   - [ErrResponseTimeout]: no reply in time, session remains usable
//   - [ErrProvisioning]: credential exchange failed, nothing persisted
//   - [ErrTransport], [ErrAuth]: secure session failures
//   - [ErrDegraded]: automatic recovery already failed
package domain
