package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bft-labs/camfleet/internal/cliconfig"
	"github.com/bft-labs/camfleet/pkg/log"
)

func TestFail_UsesConfiguredLogger(t *testing.T) {
	var buf bytes.Buffer
	c := &cli{logger: log.NewZerologAdapter(&buf, "info")}

	c.fail(errors.New("no cameras reachable"))

	out := buf.String()
	if !strings.Contains(out, "camfleet") || !strings.Contains(out, "no cameras reachable") {
		t.Errorf("log output = %q", out)
	}
}

func TestConfigDump_MasksPassword(t *testing.T) {
	var buf bytes.Buffer
	c := &cli{cfg: cliconfig.DefaultConfig(), logger: log.NewZerologAdapter(&buf, "debug")}
	c.cfg.NetworkSSID = "studio"
	c.cfg.NetworkPassword = "hunter2"

	c.dumpConfig()

	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Errorf("password leaked into log: %q", out)
	}
	if !strings.Contains(out, "studio") {
		t.Errorf("config not logged: %q", out)
	}
}
