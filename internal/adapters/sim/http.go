package sim

import (
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
)

type httpServer struct {
	srv     *httptest.Server
	addr    string
	certPEM string
	down    atomic.Bool
}

func (c *Camera) startHTTPLocked() {
	if c.http != nil {
		return
	}
	h := &httpServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/gopro/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"version": "2.0"})
	})
	mux.HandleFunc("/gopro/camera/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.stateDocument())
	})
	mux.HandleFunc("/gopro/camera/shutter/", func(w http.ResponseWriter, r *http.Request) {
		on := strings.HasSuffix(r.URL.Path, "/start")
		c.mu.Lock()
		c.shutter = on
		c.mu.Unlock()
		writeJSON(w, map[string]any{})
	})

	user, pass := c.username, c.password
	h.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.down.Load() {
			abort(w)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	h.addr = h.srv.Listener.Addr().String()
	h.certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: h.srv.Certificate().Raw}))
	c.http = h
}

func (h *httpServer) close() { h.srv.Close() }

func (c *Camera) stateDocument() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]any{
		"status": map[string]any{
			"encoding": c.shutter,
			"ssid":     c.ssid,
		},
		"settings": map[string]any{},
	}
}

// abort drops the connection without a response, like a camera that left
// the network.
func abort(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	cn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	_ = cn.Close()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Address returns the camera's HTTPS address, or "" before it has joined a
// network.
func (c *Camera) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		return ""
	}
	return c.http.addr
}

// SetHTTPDown makes the HTTPS API drop every connection while set.
func (c *Camera) SetHTTPDown(v bool) {
	c.mu.Lock()
	h := c.http
	c.mu.Unlock()
	if h != nil {
		h.down.Store(v)
	}
}

// MoveAddress restarts the HTTPS API on a new address, as when the camera
// gets a new lease. The certificate is unchanged.
func (c *Camera) MoveAddress() string {
	c.mu.Lock()
	old := c.http
	c.http = nil
	c.startHTTPLocked()
	addr := c.http.addr
	c.mu.Unlock()

	// Close outside the lock; in-flight handlers take it.
	if old != nil {
		old.close()
	}
	return addr
}
