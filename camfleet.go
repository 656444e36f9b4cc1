// Package camfleet connects to and drives fleets of dual-radio cameras.
//
// Example usage:
//
//	cfg := camfleet.DefaultConfig()
//	o := camfleet.Open(filepath.Join(home, ".camfleet", "credentials"), cfg,
//	    camfleet.Logger("info"))
//	defer o.Stop(context.Background())
//	if err := o.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	results := o.ConnectAll(ctx, []string{"1234", "5678"}, nil, 0)
//
// The packages under pkg/ can be used directly for finer control.
package camfleet

import (
	"os"

	"github.com/bft-labs/camfleet/internal/adapters/ble"
	"github.com/bft-labs/camfleet/pkg/fleet"
	"github.com/bft-labs/camfleet/pkg/log"
	"github.com/bft-labs/camfleet/pkg/state"
)

// Config holds fleet and per-device settings.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = fleet.Config

// Orchestrator runs many independent device sessions.
type Orchestrator = fleet.Orchestrator

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return fleet.DefaultConfig()
}

// Open returns an Orchestrator that reaches cameras through the host
// Bluetooth adapter and keeps their credentials as files in storeDir.
// A nil logger discards output.
func Open(storeDir string, cfg Config, logger log.Logger, opts ...fleet.Option) *Orchestrator {
	opts = append([]fleet.Option{fleet.WithLogger(logger)}, opts...)
	return fleet.New(ble.New(nil, logger), state.NewFileRepository(storeDir), cfg, opts...)
}

// Logger returns a console logger writing to stderr at level.
func Logger(level string) log.Logger {
	return log.NewZerologAdapter(os.Stderr, level)
}
