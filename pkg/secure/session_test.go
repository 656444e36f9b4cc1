package secure

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/credential"
)

func testConfig() Config {
	return Config{
		RequestTimeout:    time.Second,
		ReadinessTimeout:  500 * time.Millisecond,
		ReadinessAttempts: 3,
		ReadinessInterval: 10 * time.Millisecond,
		MaxRetries:        3,
		RetryBackoff:      10 * time.Millisecond,
	}
}

func serverPEM(srv *httptest.Server) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}))
}

func credFor(srv *httptest.Server) credential.Credential {
	return credential.Credential{
		DeviceID:    "cam1",
		Address:     srv.Listener.Addr().String(),
		Username:    "gopro",
		Password:    "secret",
		Certificate: serverPEM(srv),
		Valid:       true,
	}
}

// deviceServer answers the readiness probe and delegates other paths to h.
func deviceServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var probes atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "gopro" || p != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Path == ReadinessPath {
			probes.Add(1)
			_, _ = w.Write([]byte(`{"version":"2.0"}`))
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &probes
}

func dropConnection(w http.ResponseWriter) {
	cn, _, err := w.(http.Hijacker).Hijack()
	if err == nil {
		_ = cn.Close()
	}
}

func newSession(t *testing.T, cred credential.Credential) *Session {
	t.Helper()
	s, err := NewSession(cred, testConfig(), nil)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestRequest_LazyInitAndPinnedTrust(t *testing.T) {
	srv, probes := deviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":{"encoding":false}}`))
	})
	s := newSession(t, credFor(srv))

	if s.Active() {
		t.Fatal("session active before first use")
	}
	if probes.Load() != 0 {
		t.Fatal("NewSession probed the device")
	}

	resp, err := s.Request(context.Background(), http.MethodGet, "/gopro/camera/state", 0)
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	var doc struct {
		Status map[string]any `json:"status"`
	}
	if err := resp.JSON(&doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc.Status["encoding"]; !ok {
		t.Errorf("unexpected body %s", resp.Body)
	}
	if !s.Active() {
		t.Error("session not active after first request")
	}
	if s.LastActivity().IsZero() {
		t.Error("LastActivity not updated")
	}

	if _, err := s.Request(context.Background(), http.MethodGet, "/gopro/camera/state", 0); err != nil {
		t.Fatal(err)
	}
	if n := probes.Load(); n != 1 {
		t.Errorf("readiness probes = %d, want 1", n)
	}
}

func selfSignedPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(42),
		Subject:               pkix.Name{CommonName: "other camera"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func TestRequest_RejectsUnpinnedCertificate(t *testing.T) {
	srv, _ := deviceServer(t, func(w http.ResponseWriter, r *http.Request) {})
	cred := credFor(srv)
	cred.Certificate = selfSignedPEM(t)
	s := newSession(t, cred)

	_, err := s.Request(context.Background(), http.MethodGet, "/gopro/camera/state", 0)
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("Request() error = %v, want ErrTransport", err)
	}
	if s.Active() {
		t.Error("session active after failed readiness")
	}
}

func TestTLSConfig_BadPEM(t *testing.T) {
	if _, err := TLSConfig("not a certificate"); !errors.Is(err, ErrNoTrustMaterial) {
		t.Errorf("TLSConfig() error = %v, want ErrNoTrustMaterial", err)
	}
}

func TestRequest_StatusErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"forbidden", http.StatusForbidden, domain.ErrAuth},
		{"server error", http.StatusInternalServerError, domain.ErrHTTPStatus},
		{"not found", http.StatusNotFound, domain.ErrHTTPStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv, _ := deviceServer(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, "nope", tt.status)
			})
			s := newSession(t, credFor(srv))

			_, err := s.Request(context.Background(), http.MethodGet, "/gopro/x", 0)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Request() error = %v, want %v", err, tt.want)
			}
			var serr *domain.StatusError
			if !errors.As(err, &serr) || serr.StatusCode != tt.status {
				t.Errorf("error = %v, want StatusError %d", err, tt.status)
			}
			if hits.Load() != 1 {
				t.Errorf("hits = %d, want 1", hits.Load())
			}
		})
	}
}

func TestRequest_WrongPasswordFailsReadinessFast(t *testing.T) {
	srv, probes := deviceServer(t, func(w http.ResponseWriter, r *http.Request) {})
	cred := credFor(srv)
	cred.Password = "stale"
	s := newSession(t, cred)

	_, err := s.Request(context.Background(), http.MethodGet, "/gopro/x", 0)
	if !errors.Is(err, domain.ErrAuth) {
		t.Fatalf("Request() error = %v, want ErrAuth", err)
	}
	if probes.Load() != 0 {
		t.Error("auth failure reached the handler")
	}
}

func TestRequest_RetriesIdempotentReads(t *testing.T) {
	var hits atomic.Int32
	srv, _ := deviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			dropConnection(w)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	s := newSession(t, credFor(srv))

	if _, err := s.Request(context.Background(), http.MethodGet, "/gopro/x", 0); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	// net/http may also replay a GET once on a reused connection.
	if hits.Load() < 3 {
		t.Errorf("hits = %d, want at least 3", hits.Load())
	}
}

func TestRequest_DoesNotRetryWrites(t *testing.T) {
	var hits atomic.Int32
	srv, _ := deviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		dropConnection(w)
	})
	s := newSession(t, credFor(srv))

	_, err := s.Request(context.Background(), http.MethodPost, "/gopro/x", 0)
	var terr *domain.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Request() error = %v, want *TransportError", err)
	}
	if terr.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", terr.Attempts)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestRequest_TimeoutExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv, _ := deviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})
	s := newSession(t, credFor(srv))

	start := time.Now()
	_, err := s.Request(context.Background(), http.MethodGet, "/gopro/slow", 50*time.Millisecond)
	if !errors.Is(err, domain.ErrTimeout) || !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("Request() error = %v, want ErrTimeout and ErrTransport", err)
	}
	var terr *domain.TransportError
	if errors.As(err, &terr) && terr.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", terr.Attempts)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("took %v", elapsed)
	}
}

func TestRequest_NotReady(t *testing.T) {
	srv, _ := deviceServer(t, func(w http.ResponseWriter, r *http.Request) {})
	cred := credFor(srv)
	srv.Close()
	s := newSession(t, cred)

	_, err := s.Request(context.Background(), http.MethodGet, "/gopro/x", 0)
	if err == nil || !strings.Contains(err.Error(), "not ready after 3 attempts") {
		t.Fatalf("Request() error = %v", err)
	}
	if !errors.Is(err, domain.ErrTransport) {
		t.Errorf("error %v does not match ErrTransport", err)
	}
}

func TestProbeAndClose(t *testing.T) {
	srv, probes := deviceServer(t, func(w http.ResponseWriter, r *http.Request) {})
	s := newSession(t, credFor(srv))

	if err := s.Probe(context.Background(), time.Second); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if probes.Load() != 1 {
		t.Errorf("probes = %d, want 1", probes.Load())
	}

	s.Close()
	if err := s.Probe(context.Background(), time.Second); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("Probe() after Close error = %v, want ErrClosed", err)
	}
	if _, err := s.Request(context.Background(), http.MethodGet, "/gopro/x", 0); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("Request() after Close error = %v, want ErrClosed", err)
	}
}

func TestNewSession_IncompleteCredential(t *testing.T) {
	if _, err := NewSession(credential.Credential{DeviceID: "cam1"}, testConfig(), nil); !errors.Is(err, credential.ErrIncomplete) {
		t.Errorf("NewSession() error = %v, want ErrIncomplete", err)
	}
}
