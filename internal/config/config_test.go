package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		ArchivePath:   "/tmp/image.axp",
		TransportKind: "serial",
		SerialDev:     "/dev/null",
		SerialBaud:    115200,
		SerialReadTO:  10 * time.Millisecond,
		ReplyWindow:   time.Second,
		LogFormat:     "text",
		LogLevel:      "info",
	}
}

func TestValidateOK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"badFormat", func(c *Config) { c.LogFormat = "xx" }},
		{"badLevel", func(c *Config) { c.LogLevel = "nope" }},
		{"badTransport", func(c *Config) { c.TransportKind = "x" }},
		{"noFile", func(c *Config) { c.ArchivePath = "" }},
		{"badBaud", func(c *Config) { c.SerialBaud = 0 }},
		{"badSerialTO", func(c *Config) { c.SerialReadTO = 0 }},
		{"badReplyWindow", func(c *Config) { c.ReplyWindow = 0 }},
		{"badDiscoveryPoll", func(c *Config) { c.WaitForDevice = true; c.DiscoveryPoll = 0; c.DiscoveryDeadline = time.Second }},
		{"badDiscoveryDeadline", func(c *Config) { c.WaitForDevice = true; c.DiscoveryPoll = time.Second; c.DiscoveryDeadline = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mod(c)
			if err := c.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseEnvOverride(t *testing.T) {
	t.Setenv("AXDL_FILE", "/tmp/env.axp")
	t.Setenv("AXDL_BAUD", "9600")
	cfg, showVersion, err := Parse([]string{"-transport=serial"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if showVersion {
		t.Fatalf("unexpected version flag")
	}
	if cfg.ArchivePath != "/tmp/env.axp" {
		t.Fatalf("ArchivePath = %q, want env override", cfg.ArchivePath)
	}
	if cfg.SerialBaud != 9600 {
		t.Fatalf("SerialBaud = %d, want 9600", cfg.SerialBaud)
	}
}

func TestParseFlagWinsOverEnv(t *testing.T) {
	t.Setenv("AXDL_BAUD", "9600")
	cfg, _, err := Parse([]string{"-file=/tmp/x.axp", "-baud=57600"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SerialBaud != 57600 {
		t.Fatalf("SerialBaud = %d, want flag value 57600", cfg.SerialBaud)
	}
}
