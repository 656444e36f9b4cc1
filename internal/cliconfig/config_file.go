package cliconfig

import (
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors Config but uses strings for durations.
type FileConfig struct {
	Devices          []string `toml:"devices" yaml:"devices"`
	StoreDir         string   `toml:"store_dir" yaml:"store_dir"`
	IdentityFile     string   `toml:"identity_file" yaml:"identity_file"`
	WatchStore       *bool    `toml:"watch_store" yaml:"watch_store"`
	NetworkSSID      string   `toml:"network_ssid" yaml:"network_ssid"`
	NetworkPassword  string   `toml:"network_password" yaml:"network_password"`
	MaxParallel      int      `toml:"max_parallel" yaml:"max_parallel"`
	ConnectTimeout   string   `toml:"connect_timeout" yaml:"connect_timeout"`
	ResponseTimeout  string   `toml:"response_timeout" yaml:"response_timeout"`
	ProvisionTimeout string   `toml:"provision_timeout" yaml:"provision_timeout"`
	RequestTimeout   string   `toml:"request_timeout" yaml:"request_timeout"`
	HealthInterval   string   `toml:"health_interval" yaml:"health_interval"`
	FailureThreshold int      `toml:"failure_threshold" yaml:"failure_threshold"`
	LogLevel         string   `toml:"log_level" yaml:"log_level"`
}

// LoadFileConfig reads a config file. Files ending in .yaml or .yml are
// parsed as YAML, anything else as TOML.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fc)
	default:
		err = toml.Unmarshal(b, &fc)
	}
	return fc, err
}

// DefaultConfigPath returns ~/.camfleet/config.toml, or "" without a home directory.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, DefaultDirName, "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to cfg.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setStrings("devices", fc.Devices, &cfg.Devices)
	s.setString("store-dir", fc.StoreDir, &cfg.StoreDir)
	s.setString("identity-file", fc.IdentityFile, &cfg.IdentityFile)
	s.setString("ssid", fc.NetworkSSID, &cfg.NetworkSSID)
	s.setString("password", fc.NetworkPassword, &cfg.NetworkPassword)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("connect-timeout", fc.ConnectTimeout, &cfg.ConnectTimeout); err != nil {
		return err
	}
	if err := s.setDuration("response-timeout", fc.ResponseTimeout, &cfg.ResponseTimeout); err != nil {
		return err
	}
	if err := s.setDuration("provision-timeout", fc.ProvisionTimeout, &cfg.ProvisionTimeout); err != nil {
		return err
	}
	if err := s.setDuration("request-timeout", fc.RequestTimeout, &cfg.RequestTimeout); err != nil {
		return err
	}
	if err := s.setDuration("health-interval", fc.HealthInterval, &cfg.HealthInterval); err != nil {
		return err
	}

	s.setInt("max-parallel", fc.MaxParallel, &cfg.MaxParallel)
	s.setInt("failure-threshold", fc.FailureThreshold, &cfg.FailureThreshold)

	s.setBool("watch-store", fc.WatchStore, &cfg.WatchStore)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
