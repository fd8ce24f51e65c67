//go:build linux

package main

import (
	"testing"

	"github.com/tinyrange/hvemu/internal/config"
)

func TestProbeProtectedMemory(t *testing.T) {
	cfg := config.Default()
	cfg.HyperV.TSCKHz = 2_400_000
	cfg.HyperV.ProtectGuestMemory = true

	rep := runProbe(t, cfg)
	if !rep.Host.Protected {
		t.Fatalf("Host.Protected = false")
	}
}
