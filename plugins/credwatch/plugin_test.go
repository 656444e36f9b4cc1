package credwatch

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/camfleet/pkg/credential"
	"github.com/bft-labs/camfleet/pkg/fleet"
	"github.com/bft-labs/camfleet/pkg/state"
)

type fakeFleet struct {
	mu      sync.Mutex
	ids     map[string]bool
	reloads map[string]int
	err     error
}

func newFakeFleet(ids ...string) *fakeFleet {
	f := &fakeFleet{ids: make(map[string]bool), reloads: make(map[string]int)}
	for _, id := range ids {
		f.ids[id] = true
	}
	return f
}

func (f *fakeFleet) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.ids {
		out = append(out, id)
	}
	return out
}

func (f *fakeFleet) Has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[id]
}

func (f *fakeFleet) ReloadCredential(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads[id]++
	return f.err
}

func (f *fakeFleet) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads[id]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testCredential(id string) credential.Credential {
	return credential.Credential{
		DeviceID:    id,
		Address:     "10.0.0.2",
		Username:    "gopro",
		Password:    "secret",
		Certificate: "-----BEGIN CERTIFICATE-----",
		Valid:       true,
		IssuedAt:    time.Now(),
	}
}

func start(t *testing.T, store credential.Store, f *fakeFleet) *Plugin {
	t.Helper()
	p := New(Config{DebounceDelay: 20 * time.Millisecond, ReloadTimeout: time.Second})
	err := p.Initialize(context.Background(), fleet.PluginConfig{Fleet: f, Store: store})
	if err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestPlugin_ReloadsRegisteredDevice(t *testing.T) {
	repo := state.NewFileRepository(t.TempDir())
	if err := os.MkdirAll(repo.Dir(), 0o700); err != nil {
		t.Fatal(err)
	}
	f := newFakeFleet("cam1")
	start(t, repo, f)

	ctx := context.Background()
	if err := repo.Put(ctx, "cam1", testCredential("cam1")); err != nil {
		t.Fatal(err)
	}
	if err := repo.Put(ctx, "stranger", testCredential("stranger")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return f.count("cam1") > 0 })
	time.Sleep(100 * time.Millisecond)
	if n := f.count("cam1"); n != 1 {
		t.Errorf("cam1 reloaded %d times, want 1 after debouncing", n)
	}
	if n := f.count("stranger"); n != 0 {
		t.Errorf("unregistered device reloaded %d times", n)
	}
}

func TestPlugin_ReloadsOnDelete(t *testing.T) {
	repo := state.NewFileRepository(t.TempDir())
	ctx := context.Background()
	if err := repo.Put(ctx, "cam1", testCredential("cam1")); err != nil {
		t.Fatal(err)
	}
	f := newFakeFleet("cam1")
	start(t, repo, f)

	if err := repo.Delete(ctx, "cam1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.count("cam1") == 1 })
}

func TestPlugin_ReloadErrorDoesNotStopWatching(t *testing.T) {
	repo := state.NewFileRepository(t.TempDir())
	if err := os.MkdirAll(repo.Dir(), 0o700); err != nil {
		t.Fatal(err)
	}
	f := newFakeFleet("cam1")
	f.err = errors.New("device busy")
	start(t, repo, f)

	ctx := context.Background()
	if err := repo.Put(ctx, "cam1", testCredential("cam1")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.count("cam1") == 1 })

	if err := repo.Delete(ctx, "cam1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.count("cam1") == 2 })
}

func TestPlugin_StoreWithoutDirectory(t *testing.T) {
	tests := []struct {
		name     string
		required bool
		wantErr  error
	}{
		{"optional", false, nil},
		{"required", true, ErrNotWatchable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(Config{Required: tt.required})
			err := p.Initialize(context.Background(), fleet.PluginConfig{
				Fleet: newFakeFleet(),
				Store: state.NewMemoryRepository(),
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Initialize() error = %v, want %v", err, tt.wantErr)
			}
			if err := p.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		})
	}
}

func TestPlugin_ShutdownCancelsPendingReload(t *testing.T) {
	repo := state.NewFileRepository(t.TempDir())
	if err := os.MkdirAll(repo.Dir(), 0o700); err != nil {
		t.Fatal(err)
	}
	f := newFakeFleet("cam1")
	p := New(Config{DebounceDelay: time.Hour})
	if err := p.Initialize(context.Background(), fleet.PluginConfig{Fleet: f, Store: repo}); err != nil {
		t.Fatal(err)
	}

	if err := repo.Put(context.Background(), "cam1", testCredential("cam1")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.pending) > 0
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if n := f.count("cam1"); n != 0 {
		t.Errorf("reload ran %d times after shutdown", n)
	}
}
