package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bft-labs/camfleet/pkg/fleet"
)

// DefaultDirName is the directory under the user's home holding the config
// file and the credential store.
const DefaultDirName = ".camfleet"

// Config holds CLI configuration for camfleet.
type Config struct {
	Devices []string

	StoreDir     string
	IdentityFile string
	WatchStore   bool

	NetworkSSID     string
	NetworkPassword string

	MaxParallel int

	ConnectTimeout   time.Duration
	ResponseTimeout  time.Duration
	ProvisionTimeout time.Duration
	RequestTimeout   time.Duration

	HealthInterval   time.Duration
	FailureThreshold int

	LogLevel string
	Simulate bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	def := fleet.DefaultConfig()
	return Config{
		MaxParallel:      def.MaxParallel,
		ConnectTimeout:   def.Device.Link.ConnectTimeout,
		ResponseTimeout:  def.Device.Link.ResponseTimeout,
		ProvisionTimeout: def.Device.ProvisionTimeout,
		RequestTimeout:   def.Device.Secure.RequestTimeout,
		HealthInterval:   def.Device.Health.Interval,
		FailureThreshold: def.Device.Health.FailureThreshold,
		LogLevel:         "info",
		StoreDir:         "", // Derived during Validate
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.StoreDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("store-dir is required: %w", err)
		}
		c.StoreDir = filepath.Join(home, DefaultDirName, "credentials")
	}

	if c.MaxParallel <= 0 {
		return fmt.Errorf("max parallel must be positive")
	}
	for name, d := range map[string]time.Duration{
		"connect timeout":   c.ConnectTimeout,
		"response timeout":  c.ResponseTimeout,
		"provision timeout": c.ProvisionTimeout,
		"request timeout":   c.RequestTimeout,
		"health interval":   c.HealthInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1")
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}

	if (c.NetworkSSID == "") != (c.NetworkPassword == "") {
		return fmt.Errorf("network ssid and password must be set together")
	}

	c.Devices = cleanDevices(c.Devices)
	return nil
}

// Fleet maps the CLI settings onto library configuration.
func (c Config) Fleet() fleet.Config {
	cfg := fleet.DefaultConfig()
	cfg.MaxParallel = c.MaxParallel
	cfg.Device.Link.ConnectTimeout = c.ConnectTimeout
	cfg.Device.Link.ResponseTimeout = c.ResponseTimeout
	cfg.Device.ProvisionTimeout = c.ProvisionTimeout
	cfg.Device.Secure.RequestTimeout = c.RequestTimeout
	cfg.Device.Health.Interval = c.HealthInterval
	cfg.Device.Health.FailureThreshold = c.FailureThreshold
	return cfg
}

// Network returns the shared provisioning credentials, or nil if none are configured.
func (c Config) Network() *fleet.NetworkCredentials {
	if c.NetworkSSID == "" {
		return nil
	}
	return &fleet.NetworkCredentials{SSID: c.NetworkSSID, Password: c.NetworkPassword}
}

// Masked returns a copy safe to print.
func (c Config) Masked() Config {
	if c.NetworkPassword != "" {
		c.NetworkPassword = "***"
	}
	return c
}

func cleanDevices(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// configSetter applies values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setList splits a comma separated list.
func (s *configSetter) setList(flag, value string, dst *[]string) {
	if value == "" {
		return
	}
	s.setStrings(flag, strings.Split(value, ","), dst)
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
