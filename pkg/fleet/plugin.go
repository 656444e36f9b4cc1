package fleet

import (
	"context"

	"github.com/bft-labs/camfleet/pkg/credential"
	"github.com/bft-labs/camfleet/pkg/log"
)

// Plugin extends an Orchestrator with optional behavior. Plugins are
// initialized by Start in registration order and shut down by Stop in
// reverse order.
type Plugin interface {
	// Name identifies the plugin in logs.
	Name() string

	// Initialize starts the plugin. ctx is cancelled when the orchestrator stops.
	Initialize(ctx context.Context, cfg PluginConfig) error

	// Shutdown stops the plugin and waits for its goroutines.
	Shutdown(ctx context.Context) error
}

// Controller is the part of the orchestrator plugins may drive.
type Controller interface {
	IDs() []string
	Has(id string) bool
	ReloadCredential(ctx context.Context, id string) error
}

// PluginConfig is passed to Plugin.Initialize.
type PluginConfig struct {
	Fleet  Controller
	Store  credential.Store
	Logger log.Logger
}
