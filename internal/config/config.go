// Package config parses AXDL engine configuration from flags and
// AXDL_* environment variables, mirroring the teacher's
// cmd/can-server/config.go precedence rule: an explicitly-set flag wins
// over its environment counterpart.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the engine's runtime configuration. It performs no I/O
// itself; Validate only checks value ranges.
type Config struct {
	ArchivePath string
	ExcludeRootfs bool

	TransportKind string // "usb" or "serial"
	SerialDev     string
	SerialBaud    int
	SerialReadTO  time.Duration

	USBVendorID  uint16
	USBProductID uint16

	WaitForDevice  bool
	DiscoveryPoll  time.Duration
	DiscoveryDeadline time.Duration

	ReplyWindow    time.Duration
	SendFinalize   bool

	LogFormat string
	LogLevel  string

	MetricsAddr     string
	LogMetricsEvery time.Duration

	MDNSEnable bool
	MDNSName   string
}

// Parse parses os.Args[1:] via the standard flag package and applies
// AXDL_* environment overrides, then validates the result.
func Parse(args []string) (*Config, bool, error) {
	fs := flag.NewFlagSet("axdl-engine", flag.ContinueOnError)
	cfg := &Config{}

	file := fs.String("file", "", "Path to the .axp image archive")
	excludeRootfs := fs.Bool("exclude-rootfs", false, "Exclude the rootfs partition from the transfer")
	transportKind := fs.String("transport", "usb", "Transport: usb|serial")
	serialDev := fs.String("serial", "/dev/ttyUSB0", "Serial device path")
	serialBaud := fs.Int("baud", 115200, "Serial baud rate")
	serialReadTO := fs.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	usbVendor := fs.Uint("usb-vendor", 0x32C9, "USB vendor id")
	usbProduct := fs.Uint("usb-product", 0x1000, "USB product id")
	waitForDevice := fs.Bool("wait-for-device", false, "Poll for a matching device instead of failing immediately")
	discoveryPoll := fs.Duration("discovery-poll-interval", 200*time.Millisecond, "Device discovery poll interval")
	discoveryDeadline := fs.Duration("discovery-deadline", 10*time.Second, "Device discovery deadline")
	replyWindow := fs.Duration("reply-window", 5*time.Second, "Bounded reply window per command")
	sendFinalize := fs.Bool("send-finalize", false, "Send the (undocumented) terminal Finalize command")
	logFormat := fs.String("log-format", "text", "Log format: text|json")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := fs.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := fs.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	mdnsEnable := fs.Bool("mdns-enable", false, "Advertise this session over mDNS")
	mdnsName := fs.String("mdns-name", "", "mDNS instance name (default axdl-engine-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.ArchivePath = *file
	cfg.ExcludeRootfs = *excludeRootfs
	cfg.TransportKind = *transportKind
	cfg.SerialDev = *serialDev
	cfg.SerialBaud = *serialBaud
	cfg.SerialReadTO = *serialReadTO
	cfg.USBVendorID = uint16(*usbVendor)
	cfg.USBProductID = uint16(*usbProduct)
	cfg.WaitForDevice = *waitForDevice
	cfg.DiscoveryPoll = *discoveryPoll
	cfg.DiscoveryDeadline = *discoveryDeadline
	cfg.ReplyWindow = *replyWindow
	cfg.SendFinalize = *sendFinalize
	cfg.LogFormat = *logFormat
	cfg.LogLevel = *logLevel
	cfg.MetricsAddr = *metricsAddr
	cfg.LogMetricsEvery = *logMetricsEvery
	cfg.MDNSEnable = *mdnsEnable
	cfg.MDNSName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, err
	}
	if *showVersion {
		return cfg, true, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// Validate performs basic semantic validation; it does not open devices
// or the archive.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.LogLevel)
	}
	switch c.TransportKind {
	case "usb", "serial":
	default:
		return fmt.Errorf("invalid transport: %s", c.TransportKind)
	}
	if c.ArchivePath == "" {
		return errors.New("--file is required")
	}
	if c.SerialBaud <= 0 {
		return errors.New("baud must be > 0")
	}
	if c.SerialReadTO <= 0 {
		return errors.New("serial-read-timeout must be > 0")
	}
	if c.ReplyWindow <= 0 {
		return errors.New("reply-window must be > 0")
	}
	if c.WaitForDevice {
		if c.DiscoveryPoll <= 0 {
			return errors.New("discovery-poll-interval must be > 0")
		}
		if c.DiscoveryDeadline <= 0 {
			return errors.New("discovery-deadline must be > 0")
		}
	}
	return nil
}

// applyEnvOverrides maps AXDL_* environment variables onto c unless the
// corresponding flag was explicitly set (flag wins), mirroring the
// teacher's applyEnvOverrides.
func applyEnvOverrides(c *Config, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["file"]; !ok {
		if v, ok := get("AXDL_FILE"); ok && v != "" {
			c.ArchivePath = v
		}
	}
	if _, ok := set["transport"]; !ok {
		if v, ok := get("AXDL_TRANSPORT"); ok && v != "" {
			c.TransportKind = v
		}
	}
	if _, ok := set["serial"]; !ok {
		if v, ok := get("AXDL_SERIAL"); ok && v != "" {
			c.SerialDev = v
		}
	}
	if _, ok := set["baud"]; !ok {
		if v, ok := get("AXDL_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.SerialBaud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid AXDL_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("AXDL_LOG_FORMAT"); ok && v != "" {
			c.LogFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("AXDL_LOG_LEVEL"); ok && v != "" {
			c.LogLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("AXDL_METRICS"); ok {
			c.MetricsAddr = v
		}
	}
	if _, ok := set["wait-for-device"]; !ok {
		if v, ok := get("AXDL_WAIT_FOR_DEVICE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.WaitForDevice = true
			case "0", "false", "no", "off":
				c.WaitForDevice = false
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("AXDL_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.MDNSEnable = true
			case "0", "false", "no", "off":
				c.MDNSEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("AXDL_MDNS_NAME"); ok && v != "" {
			c.MDNSName = v
		}
	}
	return firstErr
}
