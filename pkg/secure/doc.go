// Package secure provides the HTTPS session to a provisioned device.
//
// A Session trusts only the certificate carried in its credential and
// authenticates with HTTP basic auth. It is lazy: the first Request builds
// the client and polls the device's version endpoint until it answers.
//
// # Errors
//
//   - *domain.TransportError for connection-level failures (domain.ErrTransport,
//     plus domain.ErrTimeout when a deadline expired)
//   - *domain.StatusError for non-2xx responses (domain.ErrAuth for 401/403,
//     domain.ErrHTTPStatus otherwise)
//
// Only GET, HEAD and OPTIONS are retried, and only on transport errors.
package secure
