package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain errors represent error conditions in the camfleet domain.
// These errors are returned by the public API and can be checked with errors.Is.
var (
	// ErrLink is returned when the physical short-range link fails.
	// A link error is fatal to the link session and triggers a reconnect.
	ErrLink = errors.New("camfleet: link failure")

	// ErrConnect is returned when a link cannot be established (timeout or discovery miss).
	ErrConnect = errors.New("camfleet: connect failed")

	// ErrFraming is returned on a fragmentation protocol violation.
	// It is fatal only to the in-flight request.
	ErrFraming = errors.New("camfleet: framing violation")

	// ErrResponseTimeout is returned when the device does not answer a request in time.
	// The session remains usable.
	ErrResponseTimeout = errors.New("camfleet: response timeout")

	// ErrProvisioning is returned when the credential exchange fails at some step.
	ErrProvisioning = errors.New("camfleet: provisioning failed")

	// ErrTransport is returned when the secure session cannot reach the device.
	ErrTransport = errors.New("camfleet: transport failure")

	// ErrAuth is returned when the device rejects the session credential.
	ErrAuth = errors.New("camfleet: authentication rejected")

	// ErrHTTPStatus is returned for application-level error responses.
	ErrHTTPStatus = errors.New("camfleet: unexpected http status")

	// ErrTimeout is returned when a secure session request exceeds its deadline.
	ErrTimeout = errors.New("camfleet: request timeout")

	// ErrDegraded is returned when a caller acts on a session whose automatic recovery failed.
	ErrDegraded = errors.New("camfleet: session degraded")

	// ErrNoCredential is returned when an operation needs a network credential and none is present.
	ErrNoCredential = errors.New("camfleet: no network credential")

	// ErrNotConnected is returned when the link is not connected.
	ErrNotConnected = errors.New("camfleet: not connected")

	// ErrClosed is returned when a closed session is used.
	ErrClosed = errors.New("camfleet: session closed")

	// ErrInvalidTransition is returned when a state change is not allowed.
	ErrInvalidTransition = errors.New("camfleet: invalid state transition")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("camfleet: invalid configuration")

	// ErrUnknownDevice is returned when a device is not registered in the fleet.
	ErrUnknownDevice = errors.New("camfleet: unknown device")

	// ErrShutdownTimeout is returned when a background task does not stop in time.
	ErrShutdownTimeout = errors.New("camfleet: shutdown timeout")
)

// LinkError describes a physical link failure for one device.
type LinkError struct {
	Device string
	Op     string
	Err    error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("camfleet: link %s %s: %v", e.Op, e.Device, e.Err)
}

// Unwrap matches ErrLink, ErrConnect for connect failures, and the cause.
func (e *LinkError) Unwrap() []error {
	if e.Op == "connect" {
		return []error{ErrLink, ErrConnect, e.Err}
	}
	return []error{ErrLink, e.Err}
}

// ProvisioningError reports the provisioning step that failed.
type ProvisioningError struct {
	Device string
	Step   string
	Err    error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("camfleet: provisioning %s failed at %s: %v", e.Device, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() []error {
	return []error{ErrProvisioning, e.Err}
}

// TransportError reports a connection-level failure of the secure session.
type TransportError struct {
	Method   string
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("camfleet: %s %s failed after %d attempt(s): %v", e.Method, e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() []error {
	return []error{ErrTransport, e.Err}
}

// StatusError is an application-level error response from the device.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("camfleet: device returned %d", e.StatusCode)
	}
	return fmt.Sprintf("camfleet: device returned %d: %s", e.StatusCode, e.Body)
}

// Unwrap matches ErrAuth for 401/403 and ErrHTTPStatus otherwise.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrAuth
	}
	return ErrHTTPStatus
}

// DegradedError is surfaced to callers once automatic recovery has failed.
type DegradedError struct {
	Device string
	Err    error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("camfleet: session %s degraded: %v", e.Device, e.Err)
}

func (e *DegradedError) Unwrap() []error {
	return []error{ErrDegraded, e.Err}
}
