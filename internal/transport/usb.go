package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// USB VID/PID per spec.md §6.
const (
	DefaultVendorID  gousb.ID = 0x32C9
	DefaultProductID gousb.ID = 0x1000
)

// DefaultUSBChunk is the MTU hint for USB full-speed bulk endpoints
// (spec.md §4.2/§6).
const DefaultUSBChunk = 64

// usbTransferTimeout bounds every bulk transfer, on top of any deadline
// the caller's context already carries.
const usbTransferTimeout = 5 * time.Second

// USB is the spec.md §6 bulk transport: the first bulk IN/OUT endpoint
// pair of interface 0 (the interface class is not checked), a 5s
// timeout per transfer, ZLP termination when a write's size is an exact
// multiple of MaxPacketSize.
//
// Grounded on guiperry-HASHER's internal/driver/device/usb_device.go
// (Context/Device/Config/Interface/Endpoint lifecycle, ReadContext for
// timeout-bounded reads).
type USB struct {
	ctx      *gousb.Context
	device   *gousb.Device
	config   *gousb.Config
	intf     *gousb.Interface
	epOut    *gousb.OutEndpoint
	epIn     *gousb.InEndpoint
	maxChunk int
}

// OpenUSB opens the first device matching vid:pid and claims interface 0
// alt-setting 0, discovering IN/OUT bulk endpoints automatically.
func OpenUSB(vid, pid gousb.ID) (*USB, error) {
	ctx := gousb.NewContext()
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: open usb device %s:%s: %v", ErrIO, vid, pid, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w: usb device %s:%s not found", ErrIO, vid, pid)
	}
	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: usb config: %v", ErrIO, err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, fmt.Errorf("%w: usb claim interface: %v", ErrIO, err)
	}
	epOut, epIn, err := findBulkEndpoints(intf)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return &USB{
		ctx: ctx, device: dev, config: cfg, intf: intf,
		epOut: epOut, epIn: epIn,
		maxChunk: epOut.Desc.MaxPacketSize,
	}, nil
}

// findBulkEndpoints picks the first bulk OUT and bulk IN endpoint
// exposed by intf, since AXDL does not document fixed endpoint numbers
// beyond "bulk IN and OUT" (spec.md §6).
func findBulkEndpoints(intf *gousb.Interface) (*gousb.OutEndpoint, *gousb.InEndpoint, error) {
	var outAddr, inAddr gousb.EndpointAddress
	var haveOut, haveIn bool
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && !haveOut {
			outAddr, haveOut = ep.Address, true
		}
		if ep.Direction == gousb.EndpointDirectionIn && !haveIn {
			inAddr, haveIn = ep.Address, true
		}
	}
	if !haveOut || !haveIn {
		return nil, nil, fmt.Errorf("%w: usb: no bulk IN/OUT endpoint pair", ErrIO)
	}
	epOut, err := intf.OutEndpoint(int(outAddr))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: usb out endpoint: %v", ErrIO, err)
	}
	epIn, err := intf.InEndpoint(int(inAddr))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: usb in endpoint: %v", ErrIO, err)
	}
	return epOut, epIn, nil
}

// Write transmits p as one or more bulk OUT transfers, appending a
// zero-length packet if len(p) is an exact multiple of MaxPacketSize
// (spec.md §4.5 ZLP rule — the engine calls Write once per chunk and
// relies on this to signal end-of-transfer correctly).
func (u *USB) Write(ctx context.Context, p []byte) error {
	ctx, cancel := context.WithTimeout(ctx, usbTransferTimeout)
	defer cancel()
	if _, err := u.epOut.WriteContext(ctx, p); err != nil {
		return fmt.Errorf("%w: usb bulk write: %v", ErrIO, err)
	}
	if len(p) > 0 && len(p)%u.epOut.Desc.MaxPacketSize == 0 {
		if _, err := u.epOut.WriteContext(ctx, nil); err != nil {
			return fmt.Errorf("%w: usb zlp write: %v", ErrIO, err)
		}
	}
	return nil
}

// Read receives up to max bytes from the bulk IN endpoint. A context
// deadline exceeded is classified as a recoverable Timeout.
func (u *USB) Read(ctx context.Context, max int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, usbTransferTimeout)
	defer cancel()
	buf := make([]byte, max)
	n, err := u.epIn.ReadContext(ctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: usb bulk read", ErrTimeout)
		}
		return nil, fmt.Errorf("%w: usb bulk read: %v", ErrIO, err)
	}
	return buf[:n], nil
}

func (u *USB) Close() error {
	u.intf.Close()
	u.config.Close()
	u.device.Close()
	u.ctx.Close()
	return nil
}

func (u *USB) MaxWriteChunk() int {
	if u.maxChunk > 0 {
		return u.maxChunk
	}
	return DefaultUSBChunk
}

var _ Transport = (*USB)(nil)
