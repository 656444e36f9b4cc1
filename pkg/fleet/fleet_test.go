package fleet_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bft-labs/camfleet/internal/adapters/sim"
	"github.com/bft-labs/camfleet/internal/domain"
	"github.com/bft-labs/camfleet/pkg/credential"
	"github.com/bft-labs/camfleet/pkg/device"
	"github.com/bft-labs/camfleet/pkg/fleet"
	"github.com/bft-labs/camfleet/pkg/gopro"
	"github.com/bft-labs/camfleet/pkg/health"
	"github.com/bft-labs/camfleet/pkg/lifecycle"
	"github.com/bft-labs/camfleet/pkg/link"
	"github.com/bft-labs/camfleet/pkg/secure"
	"github.com/bft-labs/camfleet/pkg/state"
)

func testConfig() fleet.Config {
	dev := device.DefaultConfig()
	dev.Link.ConnectTimeout = time.Second
	dev.Link.ResponseTimeout = 200 * time.Millisecond
	dev.Credential = credential.Config{
		StepTimeout:     time.Second,
		PollInterval:    5 * time.Millisecond,
		PollTimeout:     time.Second,
		AddressAttempts: 2,
		AddressInterval: 5 * time.Millisecond,
	}
	dev.Secure = secure.Config{
		RequestTimeout:    time.Second,
		ReadinessTimeout:  300 * time.Millisecond,
		ReadinessAttempts: 2,
		ReadinessInterval: 10 * time.Millisecond,
	}
	dev.Health = health.Config{
		Interval:         time.Hour,
		ProbeTimeout:     300 * time.Millisecond,
		FailureThreshold: 3,
		RecoveryTimeout:  2 * time.Second,
	}
	dev.ProvisionTimeout = 5 * time.Second
	dev.ReconnectBackoff = 5 * time.Millisecond
	dev.ShutdownTimeout = time.Second
	return fleet.Config{Device: dev, MaxParallel: 5}
}

func newNetwork(t *testing.T, ids ...string) *sim.Network {
	t.Helper()
	n := sim.NewNetwork()
	for _, id := range ids {
		n.Add(id)
	}
	t.Cleanup(n.Close)
	return n
}

func newOrchestrator(t *testing.T, tr link.Transport, opts ...fleet.Option) *fleet.Orchestrator {
	t.Helper()
	o := fleet.New(tr, state.NewMemoryRepository(), testConfig(), opts...)
	t.Cleanup(func() { o.DisconnectAll(context.Background()) })
	return o
}

func TestConnectAll_IsolatesFailures(t *testing.T) {
	net := newNetwork(t, "a", "b")
	net.Camera("b").SetOffline(true)
	o := newOrchestrator(t, net)

	results := o.ConnectAll(context.Background(), []string{"a", "b", "c", "a"}, nil, 2)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if err := results["a"].Err; err != nil {
		t.Errorf("a: %v", err)
	}
	for _, id := range []string{"b", "c"} {
		if err := results[id].Err; !errors.Is(err, domain.ErrConnect) {
			t.Errorf("%s: error = %v, want ErrConnect", id, err)
		}
	}
	if ids := o.IDs(); len(ids) != 1 || ids[0] != "a" {
		t.Errorf("IDs() = %v, want [a]", ids)
	}
	failed := o.Failed()
	if len(failed) != 2 || failed["b"] == nil || failed["c"] == nil {
		t.Errorf("Failed() = %v", failed)
	}

	net.Camera("b").SetOffline(false)
	if r := o.Add(context.Background(), "b", nil); r.Err != nil {
		t.Fatalf("Add(b) error = %v", r.Err)
	}
	if _, stillFailed := o.Failed()["b"]; stillFailed {
		t.Error("b still recorded as failed after a successful connect")
	}
}

func TestConnectAll_ProvisionsWithNetworkCredentials(t *testing.T) {
	net := newNetwork(t, "a", "b")
	o := newOrchestrator(t, net)
	creds := &fleet.NetworkCredentials{SSID: "studio", Password: "pw"}
	ctx := context.Background()

	results := o.ConnectAll(ctx, []string{"a", "b"}, creds, 0)
	for id, r := range results {
		if r.Err != nil || !r.Provisioned {
			t.Errorf("%s: %+v", id, r)
		}
	}
	for id, st := range o.StatusAll() {
		if st.State != lifecycle.StateSecureReady || !st.HasCredential {
			t.Errorf("%s: state=%s credential=%v", id, st.State, st.HasCredential)
		}
	}

	o.DisconnectAll(ctx)
	results = o.ConnectAll(ctx, []string{"a", "b"}, creds, 0)
	for id, r := range results {
		if r.Err != nil || r.Provisioned {
			t.Errorf("reconnect %s: %+v, want stored credential reused", id, r)
		}
	}
	if n := net.Camera("a").Requests("join"); n != 1 {
		t.Errorf("camera a saw %d join requests, want 1", n)
	}
}

func TestConnectAll_ProvisioningFailureIsolated(t *testing.T) {
	net := newNetwork(t, "a", "b")
	net.Camera("a").RejectJoin(true)
	o := newOrchestrator(t, net)

	results := o.ConnectAll(context.Background(), []string{"a", "b"},
		&fleet.NetworkCredentials{SSID: "studio", Password: "pw"}, 0)

	if err := results["a"].Err; !errors.Is(err, domain.ErrProvisioning) {
		t.Errorf("a: error = %v, want ErrProvisioning", err)
	}
	if err := results["b"].Err; err != nil {
		t.Errorf("b: %v", err)
	}
	if o.Has("a") || !o.Has("b") {
		t.Errorf("IDs() = %v, want [b]", o.IDs())
	}
}

// gatedTransport records how many connects run at once.
type gatedTransport struct {
	inner link.Transport
	delay time.Duration
	cur   atomic.Int32
	max   atomic.Int32
}

func (g *gatedTransport) Connect(ctx context.Context, id string) (link.Handle, error) {
	n := g.cur.Add(1)
	defer g.cur.Add(-1)
	for {
		m := g.max.Load()
		if n <= m || g.max.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(g.delay)
	return g.inner.Connect(ctx, id)
}

func TestConnectAll_AdmissionLimitQueues(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	tr := &gatedTransport{inner: newNetwork(t, ids...), delay: 20 * time.Millisecond}
	o := newOrchestrator(t, tr)

	results := o.ConnectAll(context.Background(), ids, nil, 2)
	for id, r := range results {
		if r.Err != nil {
			t.Errorf("%s: %v", id, r.Err)
		}
	}
	if got := tr.max.Load(); got > 2 {
		t.Errorf("max concurrent connects = %d, want <= 2", got)
	}
	if got := len(o.Connected()); got != len(ids) {
		t.Errorf("Connected() has %d devices, want %d", got, len(ids))
	}
}

func TestExecuteAll_AdmissionLimitQueues(t *testing.T) {
	ids := make([]string, 12)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}
	net := newNetwork(t, ids...)
	o := newOrchestrator(t, net)
	ctx := context.Background()
	o.ConnectAll(ctx, ids, nil, 0)

	tests := []struct {
		name  string
		opts  fleet.ExecOptions
		limit int32
	}{
		{"config limit", fleet.ExecOptions{}, 5},
		{"per call limit", fleet.ExecOptions{MaxParallel: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cur, peak atomic.Int32
			op := func(ctx context.Context, s *device.Session) (any, error) {
				n := cur.Add(1)
				defer cur.Add(-1)
				for {
					m := peak.Load()
					if n <= m || peak.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				return nil, nil
			}

			outcomes, err := o.ExecuteAll(ctx, op, tt.opts)
			if err != nil {
				t.Fatalf("ExecuteAll() error = %v", err)
			}
			if len(outcomes) != len(ids) {
				t.Errorf("got %d outcomes, want %d", len(outcomes), len(ids))
			}
			if got := peak.Load(); got > tt.limit {
				t.Errorf("peak concurrent operations = %d, want <= %d", got, tt.limit)
			}
		})
	}
}

func TestAdd_ConcurrentSameDeviceSharesSession(t *testing.T) {
	net := newNetwork(t, "a")
	tr := &gatedTransport{inner: net, delay: 30 * time.Millisecond}
	o := newOrchestrator(t, tr)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]fleet.Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.Add(ctx, "a", nil)
		}()
	}
	wg.Wait()

	for i, r := range results {
		if r.Err != nil {
			t.Errorf("Add #%d error = %v", i, r.Err)
		}
	}
	if got := net.Camera("a").Connects(); got != 1 {
		t.Errorf("link connects = %d, want 1", got)
	}
}

func TestDisconnectAll_ClosesConnectingDevice(t *testing.T) {
	net := newNetwork(t, "a")
	tr := &gatedTransport{inner: net, delay: 100 * time.Millisecond}
	o := newOrchestrator(t, tr)
	ctx := context.Background()

	done := make(chan fleet.Result, 1)
	go func() { done <- o.Add(ctx, "a", nil) }()

	time.Sleep(20 * time.Millisecond)
	closed := o.DisconnectAll(ctx)
	if _, ok := closed["a"]; !ok {
		t.Errorf("DisconnectAll() = %v, want a connecting device included", closed)
	}

	res := <-done
	if !errors.Is(res.Err, domain.ErrClosed) {
		t.Errorf("Add() error = %v, want ErrClosed", res.Err)
	}
	if o.Has("a") {
		t.Error("a registered after DisconnectAll")
	}
}

func TestExecuteAll(t *testing.T) {
	net := newNetwork(t, "a", "b", "c")
	o := newOrchestrator(t, net)
	ctx := context.Background()
	o.ConnectAll(ctx, []string{"a", "b", "c"}, nil, 0)

	var calls atomic.Int32
	op := func(ctx context.Context, s *device.Session) (any, error) {
		calls.Add(1)
		if s.ID() == "b" {
			return nil, errors.New("lens cap on")
		}
		return s.ID(), nil
	}

	tests := []struct {
		name    string
		opts    fleet.ExecOptions
		wantErr bool
	}{
		{"errors reported", fleet.ExecOptions{}, true},
		{"errors ignored", fleet.ExecOptions{IgnoreErrors: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.Store(0)
			outcomes, err := o.ExecuteAll(ctx, op, tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ExecuteAll() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !strings.Contains(err.Error(), "b: lens cap on") {
				t.Errorf("error %q does not name device b", err)
			}
			if calls.Load() != 3 {
				t.Errorf("operation ran %d times, want 3", calls.Load())
			}
			if len(outcomes) != 3 || outcomes["a"].Value != "a" || outcomes["c"].Value != "c" {
				t.Errorf("outcomes = %+v", outcomes)
			}
			if outcomes["b"].Err == nil {
				t.Error("outcome for b has no error")
			}
		})
	}
}

func TestExecuteAll_FilteredIDs(t *testing.T) {
	net := newNetwork(t, "a", "b")
	o := newOrchestrator(t, net)
	ctx := context.Background()
	o.ConnectAll(ctx, []string{"a", "b"}, nil, 0)

	outcomes, err := o.ExecuteAll(ctx, func(ctx context.Context, s *device.Session) (any, error) {
		return s.Send(ctx, gopro.Shutter{On: true})
	}, fleet.ExecOptions{IDs: []string{"a", "zz"}})

	if !errors.Is(err, domain.ErrUnknownDevice) {
		t.Errorf("ExecuteAll() error = %v, want ErrUnknownDevice", err)
	}
	if _, ran := outcomes["b"]; ran {
		t.Error("operation ran on unselected device b")
	}
	if outcomes["a"].Err != nil {
		t.Errorf("a: %v", outcomes["a"].Err)
	}
	if !net.Camera("a").Shutter() || net.Camera("b").Shutter() {
		t.Error("shutter state does not match the selection")
	}
}

func TestExecuteSequentially(t *testing.T) {
	net := newNetwork(t, "c", "a", "b")
	o := newOrchestrator(t, net)
	ctx := context.Background()
	o.ConnectAll(ctx, []string{"c", "a", "b"}, nil, 0)

	var (
		mu    sync.Mutex
		order []string
	)
	start := time.Now()
	_, err := o.ExecuteSequentially(ctx, func(ctx context.Context, s *device.Session) (any, error) {
		mu.Lock()
		order = append(order, s.ID())
		mu.Unlock()
		return nil, nil
	}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ExecuteSequentially() error = %v", err)
	}
	if strings.Join(order, ",") != "a,b,c" {
		t.Errorf("order = %v, want a,b,c", order)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("took %v, want at least two delays", elapsed)
	}
}

func TestDisconnectAll(t *testing.T) {
	net := newNetwork(t, "a", "b")
	o := newOrchestrator(t, net)
	ctx := context.Background()
	o.ConnectAll(ctx, []string{"a", "b"}, nil, 0)
	a, _ := o.Session("a")

	results := o.DisconnectAll(ctx)
	if len(results) != 2 || results["a"] != nil || results["b"] != nil {
		t.Errorf("DisconnectAll() = %v", results)
	}
	if ids := o.IDs(); len(ids) != 0 {
		t.Errorf("registry not empty: %v", ids)
	}
	if a.State() != lifecycle.StateClosed {
		t.Errorf("session a state = %s, want Closed", a.State())
	}
	if results := o.DisconnectAll(ctx); len(results) != 0 {
		t.Errorf("second DisconnectAll() = %v", results)
	}
}

func TestReconnectAll(t *testing.T) {
	net := newNetwork(t, "a", "b")
	o := newOrchestrator(t, net)
	ctx := context.Background()
	o.ConnectAll(ctx, []string{"a", "b"}, nil, 0)

	a, _ := o.Session("a")
	if err := a.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if got := o.Connected(); len(got) != 1 {
		t.Fatalf("Connected() = %v", got)
	}

	results := o.ReconnectAll(ctx)
	if len(results) != 1 || results["a"] != nil {
		t.Errorf("ReconnectAll() = %v", results)
	}
	if got := o.Connected(); len(got) != 2 {
		t.Errorf("Connected() after reconnect = %v", got)
	}
}

func TestSummaryAndRemove(t *testing.T) {
	net := newNetwork(t, "a", "b")
	o := newOrchestrator(t, net)
	ctx := context.Background()
	o.ConnectAll(ctx, []string{"a", "b", "missing"}, nil, 0)

	sum := o.Summary()
	want := fleet.Summary{Total: 3, Connected: 2, Healthy: 2, Failed: 1}
	if sum != want {
		t.Errorf("Summary() = %+v, want %+v", sum, want)
	}

	if err := o.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := o.Remove(ctx, "a"); !errors.Is(err, domain.ErrUnknownDevice) {
		t.Errorf("second Remove() error = %v, want ErrUnknownDevice", err)
	}
	if err := o.ReloadCredential(ctx, "a"); !errors.Is(err, domain.ErrUnknownDevice) {
		t.Errorf("ReloadCredential() error = %v, want ErrUnknownDevice", err)
	}
	if got := o.StatusAll(); len(got) != 1 {
		t.Errorf("StatusAll() = %v", got)
	}
}

func TestCheckAllHealth(t *testing.T) {
	net := newNetwork(t, "a", "b")
	o := newOrchestrator(t, net)
	ctx := context.Background()
	o.ConnectAll(ctx, []string{"a"}, &fleet.NetworkCredentials{SSID: "studio", Password: "pw"}, 0)
	o.ConnectAll(ctx, []string{"b"}, nil, 0)

	results := o.CheckAllHealth(ctx)
	if results["a"] != nil {
		t.Errorf("a: %v", results["a"])
	}
	if !errors.Is(results["b"], domain.ErrNoCredential) {
		t.Errorf("b: %v, want ErrNoCredential", results["b"])
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []fleet.StateChangeEvent
}

func (l *eventLog) OnStateChange(e fleet.StateChangeEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func TestEventHandler(t *testing.T) {
	net := newNetwork(t, "a")
	events := &eventLog{}
	o := newOrchestrator(t, net, fleet.WithEventHandler(events))
	o.ConnectAll(context.Background(), []string{"a"}, nil, 0)

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events.events), events.events)
	}
	last := events.events[1]
	if last.Device != "a" || last.Previous != lifecycle.StateLinkConnecting || last.Current != lifecycle.StateLinkReady {
		t.Errorf("last event = %+v", last)
	}
}
