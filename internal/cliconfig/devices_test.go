package cliconfig

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeLister struct {
	ids []string
	err error
}

func (f fakeLister) List(ctx context.Context) ([]string, error) { return f.ids, f.err }

func TestLoadDevices(t *testing.T) {
	tests := []struct {
		name    string
		devices []string
		lister  fakeLister
		want    string
		wantErr bool
	}{
		{"configured devices win", []string{"a"}, fakeLister{ids: []string{"b"}}, "a", false},
		{"falls back to store", nil, fakeLister{ids: []string{"b", "c"}}, "b,c", false},
		{"empty store", nil, fakeLister{}, "", true},
		{"store error", nil, fakeLister{err: errors.New("io")}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Devices: tt.devices, StoreDir: "/creds"}
			err := LoadDevices(context.Background(), &cfg, tt.lister)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadDevices() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := strings.Join(cfg.Devices, ","); !tt.wantErr && got != tt.want {
				t.Errorf("Devices = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdentityPath(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"", ""},
		{"/keys/id.age", "/keys/id.age"},
		{"id.age", "/home/op/.camfleet/id.age"},
	}
	for _, tt := range tests {
		c := Config{StoreDir: "/home/op/.camfleet/credentials", IdentityFile: tt.file}
		if got := c.IdentityPath(); got != tt.want {
			t.Errorf("IdentityPath(%q) = %q, want %q", tt.file, got, tt.want)
		}
	}
}
