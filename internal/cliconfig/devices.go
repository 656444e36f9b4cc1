package cliconfig

import (
	"context"
	"fmt"
	"path/filepath"
)

// Lister returns the ids that have a stored credential.
type Lister interface {
	List(ctx context.Context) ([]string, error)
}

// LoadDevices fills Devices from the credential store when none are
// configured, so a provisioned fleet reconnects without naming every camera.
func LoadDevices(ctx context.Context, cfg *Config, store Lister) error {
	if len(cfg.Devices) > 0 {
		return nil
	}
	ids, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("list stored credentials: %w", err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("no devices given and none stored in %s", cfg.StoreDir)
	}
	cfg.Devices = ids
	return nil
}

// IdentityPath resolves IdentityFile. Relative paths are taken from the
// directory containing StoreDir. It returns "" when no identity is configured.
func (c Config) IdentityPath() string {
	if c.IdentityFile == "" {
		return ""
	}
	return rootify(c.IdentityFile, filepath.Dir(c.StoreDir))
}

// rootify returns path if it is absolute, otherwise it joins base and path.
func rootify(path, base string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
