package credwatch

import "github.com/bft-labs/camfleet/pkg/fleet"

// WithCredentialWatcher returns a fleet Option that reloads credentials
// edited in the store directory.
//
// Usage:
//
//	o := fleet.New(transport, state.NewFileRepository(dir), cfg,
//	    credwatch.WithCredentialWatcher(credwatch.Config{
//	        DebounceDelay: 500 * time.Millisecond,
//	    }),
//	)
func WithCredentialWatcher(cfg Config) fleet.Option {
	return fleet.WithPlugin(New(cfg))
}

// WithDefaultCredentialWatcher enables credential watching with default
// settings.
func WithDefaultCredentialWatcher() fleet.Option {
	return WithCredentialWatcher(DefaultConfig())
}
