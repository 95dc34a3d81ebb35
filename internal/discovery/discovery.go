// Package discovery implements device selection for the AXDL engine
// (spec.md §4.6): polling for a matching USB device or serial port, and
// optional mDNS advertisement of an active session.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/axera-embedded/axdl-engine/internal/logging"
	"github.com/axera-embedded/axdl-engine/internal/metrics"
	"github.com/axera-embedded/axdl-engine/internal/transport"
	"github.com/google/gousb"
	"github.com/grandcat/zeroconf"
	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	psutilmem "github.com/shirou/gopsutil/v3/mem"
)

// ErrDeviceNotFound is returned when the poll deadline elapses with no
// match (spec.md §4.6/§7).
var ErrDeviceNotFound = errors.New("discovery: device not found")

// DefaultPollInterval is the poll cadence named in spec.md §4.6.
const DefaultPollInterval = 200 * time.Millisecond

// Selector names what WaitForDevice looks for: a USB VID/PID pair, a
// serial device path, or both (the first to match wins).
type Selector struct {
	USBVendorID  uint16
	USBProductID uint16
	SerialDev    string
}

// usbProbe and serialProbe are hooks so tests can fake device presence
// without touching libusb or a real TTY.
var usbProbe = func(vid, pid uint16) bool {
	ctx := gousb.NewContext()
	defer ctx.Close()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil || dev == nil {
		return false
	}
	dev.Close()
	return true
}

var serialProbe = func(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// openUSB and openSerial are hooks so tests can substitute fake
// transports for WaitForDevice's return value.
var openUSB = func(vid, pid uint16) (transport.Transport, error) {
	return transport.OpenUSB(gousb.ID(vid), gousb.ID(pid))
}

var openSerial = func(path string) (transport.Transport, error) {
	return transport.NewSerial(path, 115200, 50*time.Millisecond)
}

// WaitForDevice polls at pollInterval for a device matching sel,
// opening and returning a Transport on the first match, or
// ErrDeviceNotFound once deadline elapses (spec.md §4.6).
func WaitForDevice(ctx context.Context, sel Selector, pollInterval, deadline time.Duration) (transport.Transport, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	deadlineAt := time.Now().Add(deadline)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		metrics.IncDiscoveryAttempt()
		if sel.USBVendorID != 0 || sel.USBProductID != 0 {
			if usbProbe(sel.USBVendorID, sel.USBProductID) {
				t, err := openUSB(sel.USBVendorID, sel.USBProductID)
				if err == nil {
					logging.L().Info("discovery_matched", "transport", "usb")
					return t, nil
				}
				logging.L().Warn("discovery_open_failed", "transport", "usb", "error", err)
			}
		}
		if sel.SerialDev != "" {
			if serialProbe(sel.SerialDev) {
				t, err := openSerial(sel.SerialDev)
				if err == nil {
					logging.L().Info("discovery_matched", "transport", "serial", "dev", sel.SerialDev)
					return t, nil
				}
				logging.L().Warn("discovery_open_failed", "transport", "serial", "error", err)
			}
		}

		if time.Now().After(deadlineAt) {
			return nil, ErrDeviceNotFound
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("discovery cancelled: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// SessionMeta is descriptive text attached to an mDNS advertisement.
type SessionMeta struct {
	Version string
	Commit  string
}

const mdnsServiceType = "_axdl-engine._tcp"

// AdvertiseSession registers instance over mDNS on port and returns a
// cleanup function; it is a no-op when enable is false, mirroring the
// teacher's startMDNS.
func AdvertiseSession(ctx context.Context, enable bool, instance string, port int, meta SessionMeta) (func(), error) {
	if !enable {
		return func() {}, nil
	}
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("axdl-engine-%s", host)
	}
	txt := []string{"version=" + meta.Version, "commit=" + meta.Commit}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown() }, nil
}

// HostDescriptor is a lightweight snapshot of host load, useful for
// diagnosing USB-timing-sensitive failures (CPU starvation on the host
// can desynchronize bulk transfer pacing). Nothing in this module
// samples or logs it automatically; callers use DescribeHost.
type HostDescriptor struct {
	CPUPercent float64
	MemUsedPct float64
}

// DescribeHost samples instantaneous CPU and memory utilization.
func DescribeHost() (HostDescriptor, error) {
	cpuPct, err := psutilcpu.Percent(0, false)
	if err != nil {
		return HostDescriptor{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := psutilmem.VirtualMemory()
	if err != nil {
		return HostDescriptor{}, fmt.Errorf("virtual memory: %w", err)
	}
	var cpu float64
	if len(cpuPct) > 0 {
		cpu = cpuPct[0]
	}
	return HostDescriptor{CPUPercent: cpu, MemUsedPct: vm.UsedPercent}, nil
}
