package secure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/credential"
	"github.com/bft-labs/camfleet/pkg/lifecycle"
	"github.com/bft-labs/camfleet/pkg/log"
)

// ReadinessPath is probed to decide that the device's API is up.
const ReadinessPath = "/gopro/version"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// ErrNoTrustMaterial is returned when the credential's certificate cannot be parsed.
var ErrNoTrustMaterial = errors.New("secure: no usable certificate in credential")

// HTTPClient is the subset of *http.Client used by Session.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds secure session timeouts and the retry policy.
type Config struct {
	RequestTimeout time.Duration

	ReadinessTimeout  time.Duration
	ReadinessAttempts int
	ReadinessInterval time.Duration

	// MaxRetries applies to GET, HEAD and OPTIONS only.
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:    30 * time.Second,
		ReadinessTimeout:  2 * time.Second,
		ReadinessAttempts: 12,
		ReadinessInterval: 1500 * time.Millisecond,
		MaxRetries:        3,
		RetryBackoff:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.ReadinessTimeout <= 0 {
		c.ReadinessTimeout = def.ReadinessTimeout
	}
	if c.ReadinessAttempts <= 0 {
		c.ReadinessAttempts = def.ReadinessAttempts
	}
	if c.ReadinessInterval <= 0 {
		c.ReadinessInterval = def.ReadinessInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	return c
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Session is an HTTPS client bound to one credential. The client is built
// and the device's readiness awaited on first use.
type Session struct {
	device string
	cred   credential.Credential
	cfg    Config
	logger log.Logger

	mu     sync.Mutex
	client HTTPClient
	ready  bool
	closed bool

	lastActivity atomic.Int64
}

// NewSession binds a session to cred. No connection is made until the first request.
func NewSession(cred credential.Credential, cfg Config, logger log.Logger) (*Session, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		device: cred.DeviceID,
		cred:   cred,
		cfg:    cfg.withDefaults(),
		logger: log.With(logger, log.Device(cred.DeviceID)),
	}, nil
}

// WithClient replaces the HTTP client, mainly for tests. It must be called
// before first use.
func (s *Session) WithClient(c HTTPClient) *Session {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	return s
}

// Credential returns the bound credential.
func (s *Session) Credential() credential.Credential { return s.cred }

// BaseURL returns the device's API root.
func (s *Session) BaseURL() string { return "https://" + s.cred.Address }

// Active reports whether the session has been initialized and not closed.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closed
}

// LastActivity returns the time of the last successful response.
func (s *Session) LastActivity() time.Time {
	ns := s.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Close drops idle connections. A closed session rejects further requests.
func (s *Session) Close() {
	s.mu.Lock()
	client := s.client
	s.closed = true
	s.ready = false
	s.mu.Unlock()

	if c, ok := client.(*http.Client); ok {
		c.CloseIdleConnections()
	}
}

// TLSConfig returns a TLS configuration that trusts only the PEM certificate
// in certPEM. The chain is verified but the host name is not, because the
// device certificate is not issued for its network address.
func TLSConfig(certPEM string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(certPEM)) {
		return nil, ErrNoTrustMaterial
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // replaced by VerifyConnection
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("secure: peer presented no certificate")
			}
			opts := x509.VerifyOptions{
				Roots:         pool,
				Intermediates: x509.NewCertPool(),
			}
			for _, c := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(c)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		},
	}, nil
}

func (s *Session) newClient() (HTTPClient, error) {
	tlsCfg, err := TLSConfig(s.cred.Certificate)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     tlsCfg,
			DialContext:         (&net.Dialer{Timeout: s.cfg.ReadinessTimeout}).DialContext,
			TLSHandshakeTimeout: s.cfg.ReadinessTimeout,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     30 * time.Second,
		},
	}, nil
}

// httpClient returns the client, building it if needed.
func (s *Session) httpClient() (HTTPClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrClosed
	}
	if s.client == nil {
		c, err := s.newClient()
		if err != nil {
			return nil, err
		}
		s.client = c
	}
	return s.client, nil
}

// ensureReady initializes the session on first use.
func (s *Session) ensureReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready {
		return nil
	}
	if err := s.waitReady(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.ready = !s.closed
	s.mu.Unlock()
	return nil
}

func (s *Session) waitReady(ctx context.Context) error {
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ReadinessAttempts; attempt++ {
		err := s.Probe(ctx, s.cfg.ReadinessTimeout)
		if err == nil {
			s.logger.Info("secure session ready",
				log.String("address", s.cred.Address),
				log.Int("attempts", attempt),
				log.Duration("took", time.Since(start)),
			)
			return nil
		}
		lastErr = err
		// The device answered; waiting will not change a rejected credential.
		if errors.Is(err, domain.ErrAuth) || errors.Is(err, ErrNoTrustMaterial) || errors.Is(err, domain.ErrClosed) {
			return err
		}
		s.logger.Debug("device not ready", log.Int("attempt", attempt), log.Err(err))

		if attempt == s.cfg.ReadinessAttempts {
			break
		}
		t := time.NewTimer(s.cfg.ReadinessInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("device not ready after %d attempts: %w", s.cfg.ReadinessAttempts, lastErr)
}

// Probe issues one liveness request without retries or readiness wait.
func (s *Session) Probe(ctx context.Context, timeout time.Duration) error {
	client, err := s.httpClient()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = s.cfg.ReadinessTimeout
	}
	_, err = s.once(ctx, client, http.MethodGet, ReadinessPath, timeout, 1)
	return err
}

// Request performs method on path. Idempotent reads are retried with backoff
// on connection-level failures; error responses are returned immediately as
// *domain.StatusError. A zero timeout uses Config.RequestTimeout.
func (s *Session) Request(ctx context.Context, method, path string, timeout time.Duration) (*Response, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, err
	}
	client, err := s.httpClient()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	attempts := 1
	if idempotent(method) {
		attempts += s.cfg.MaxRetries
	}
	backoff := lifecycle.NewBackoff(s.cfg.RetryBackoff, s.cfg.RetryBackoff*8)

	for attempt := 1; ; attempt++ {
		resp, err := s.once(ctx, client, method, path, timeout, attempt)
		if err == nil {
			return resp, nil
		}
		if !retryable(err) || attempt >= attempts || ctx.Err() != nil {
			return nil, err
		}
		s.logger.Warn("request failed, retrying",
			log.String("method", method),
			log.String("path", path),
			log.Int("attempt", attempt),
			log.Err(err),
		)
		if werr := backoff.Wait(ctx); werr != nil {
			return nil, err
		}
	}
}

func (s *Session) once(ctx context.Context, client HTTPClient, method, path string, timeout time.Duration, attempt int) (*Response, error) {
	url := s.BaseURL() + path
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth(s.cred.Username, s.cred.Password)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, s.transportErr(ctx, reqCtx, method, url, attempt, timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, s.transportErr(ctx, reqCtx, method, url, attempt, timeout, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &domain.StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	s.lastActivity.Store(time.Now().UnixNano())
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (s *Session) transportErr(ctx, reqCtx context.Context, method, url string, attempt int, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var ne net.Error
	if reqCtx.Err() != nil || (errors.As(err, &ne) && ne.Timeout()) {
		err = fmt.Errorf("%w after %s: %w", domain.ErrTimeout, timeout, err)
	}
	return &domain.TransportError{Method: method, URL: url, Attempts: attempt, Err: err}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrTransport)
}
