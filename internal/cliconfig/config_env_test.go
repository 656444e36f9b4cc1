package cliconfig

import (
	"strings"
	"testing"
	"time"
)

func TestApplyEnvConfig(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		changed map[string]bool
		initial Config
		check   func(t *testing.T, c Config)
		wantErr bool
	}{
		{
			name: "applies env vars",
			envVars: map[string]string{
				"CAMFLEET_DEVICES":           "1234,5678",
				"CAMFLEET_STORE_DIR":         "/env/creds",
				"CAMFLEET_NETWORK_SSID":      "studio",
				"CAMFLEET_NETWORK_PASSWORD":  "pw",
				"CAMFLEET_MAX_PARALLEL":      "7",
				"CAMFLEET_RESPONSE_TIMEOUT":  "2s",
				"CAMFLEET_FAILURE_THRESHOLD": "4",
				"CAMFLEET_WATCH_STORE":       "1",
				"CAMFLEET_LOG_LEVEL":         "debug",
			},
			changed: map[string]bool{},
			check: func(t *testing.T, c Config) {
				if strings.Join(c.Devices, ",") != "1234,5678" {
					t.Errorf("Devices = %v", c.Devices)
				}
				if c.StoreDir != "/env/creds" || c.NetworkSSID != "studio" || c.NetworkPassword != "pw" {
					t.Errorf("config = %+v", c.Masked())
				}
				if c.MaxParallel != 7 || c.FailureThreshold != 4 {
					t.Errorf("MaxParallel = %v, FailureThreshold = %v", c.MaxParallel, c.FailureThreshold)
				}
				if c.ResponseTimeout != 2*time.Second {
					t.Errorf("ResponseTimeout = %v", c.ResponseTimeout)
				}
				if !c.WatchStore || c.LogLevel != "debug" {
					t.Errorf("WatchStore = %v, LogLevel = %v", c.WatchStore, c.LogLevel)
				}
			},
		},
		{
			name: "respects changed flags",
			envVars: map[string]string{
				"CAMFLEET_DEVICES":   "env-cam",
				"CAMFLEET_LOG_LEVEL": "debug",
			},
			changed: map[string]bool{"devices": true},
			initial: Config{Devices: []string{"flag-cam"}, LogLevel: "info"},
			check: func(t *testing.T, c Config) {
				if strings.Join(c.Devices, ",") != "flag-cam" {
					t.Errorf("Devices = %v, flag value should win", c.Devices)
				}
				if c.LogLevel != "debug" {
					t.Errorf("LogLevel = %v, want debug", c.LogLevel)
				}
			},
		},
		{
			name:    "invalid duration",
			envVars: map[string]string{"CAMFLEET_CONNECT_TIMEOUT": "forever"},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name:    "invalid int",
			envVars: map[string]string{"CAMFLEET_MAX_PARALLEL": "many"},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name:    "non-positive int ignored",
			envVars: map[string]string{"CAMFLEET_MAX_PARALLEL": "0"},
			changed: map[string]bool{},
			initial: Config{MaxParallel: 5},
			check: func(t *testing.T, c Config) {
				if c.MaxParallel != 5 {
					t.Errorf("MaxParallel = %v, want 5", c.MaxParallel)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg := tt.initial
			err := ApplyEnvConfig(&cfg, tt.changed)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyEnvConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}
