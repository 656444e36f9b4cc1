package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (CAMFLEET_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setList("devices", os.Getenv("CAMFLEET_DEVICES"), &cfg.Devices)
	s.setString("store-dir", os.Getenv("CAMFLEET_STORE_DIR"), &cfg.StoreDir)
	s.setString("identity-file", os.Getenv("CAMFLEET_IDENTITY_FILE"), &cfg.IdentityFile)
	s.setString("ssid", os.Getenv("CAMFLEET_NETWORK_SSID"), &cfg.NetworkSSID)
	s.setString("password", os.Getenv("CAMFLEET_NETWORK_PASSWORD"), &cfg.NetworkPassword)
	s.setString("log-level", os.Getenv("CAMFLEET_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setDuration("connect-timeout", os.Getenv("CAMFLEET_CONNECT_TIMEOUT"), &cfg.ConnectTimeout); err != nil {
		return err
	}
	if err := s.setDuration("response-timeout", os.Getenv("CAMFLEET_RESPONSE_TIMEOUT"), &cfg.ResponseTimeout); err != nil {
		return err
	}
	if err := s.setDuration("provision-timeout", os.Getenv("CAMFLEET_PROVISION_TIMEOUT"), &cfg.ProvisionTimeout); err != nil {
		return err
	}
	if err := s.setDuration("request-timeout", os.Getenv("CAMFLEET_REQUEST_TIMEOUT"), &cfg.RequestTimeout); err != nil {
		return err
	}
	if err := s.setDuration("health-interval", os.Getenv("CAMFLEET_HEALTH_INTERVAL"), &cfg.HealthInterval); err != nil {
		return err
	}

	if err := s.setIntFromString("max-parallel", os.Getenv("CAMFLEET_MAX_PARALLEL"), &cfg.MaxParallel); err != nil {
		return err
	}
	if err := s.setIntFromString("failure-threshold", os.Getenv("CAMFLEET_FAILURE_THRESHOLD"), &cfg.FailureThreshold); err != nil {
		return err
	}

	s.setBoolFromString("watch-store", os.Getenv("CAMFLEET_WATCH_STORE"), &cfg.WatchStore)
	s.setBoolFromString("simulate", os.Getenv("CAMFLEET_SIMULATE"), &cfg.Simulate)

	return nil
}
