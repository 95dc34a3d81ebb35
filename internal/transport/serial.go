package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// SerialPort abstracts tarm/serial for testability, mirroring the
// teacher's internal/serial/port.go Port interface.
type SerialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenSerialPort is a hook for tests.
var OpenSerialPort = func(name string, baud int, readTimeout time.Duration) (SerialPort, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// DefaultSerialChunk is the MTU hint for serial writes (spec.md §4.2).
const DefaultSerialChunk = 4096

// Serial is the spec.md §6 serial transport: 115200-8N1 by default, no
// endpoint framing, no hardware flow control (marker frames carry
// software flow control at the command layer instead).
type Serial struct {
	port      SerialPort
	maxChunk  int
	closeOnce chan struct{}
}

// NewSerial opens name at baud with the given inter-byte read timeout.
func NewSerial(name string, baud int, readTimeout time.Duration) (*Serial, error) {
	p, err := OpenSerialPort(name, baud, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: open serial %s: %v", ErrIO, name, err)
	}
	return &Serial{port: p, maxChunk: DefaultSerialChunk}, nil
}

// Write writes the complete packet, retrying partial writes internally.
func (s *Serial) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for len(p) > 0 {
		n, err := s.port.Write(p)
		if err != nil {
			return fmt.Errorf("%w: serial write: %v", ErrIO, err)
		}
		p = p[n:]
	}
	return nil
}

// Read returns up to max bytes as the next logical packet. tarm/serial's
// ReadTimeout governs how long an individual Read call blocks; a read
// that returns 0 bytes with no error is treated as a recoverable
// Timeout per spec.md §4.2.
func (s *Serial) Read(ctx context.Context, max int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, max)
	n, err := s.port.Read(buf)
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: serial read", ErrTimeout)
		}
		return nil, fmt.Errorf("%w: serial read: %v", ErrIO, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: serial read", ErrTimeout)
	}
	return buf[:n], nil
}

func (s *Serial) Close() error { return s.port.Close() }

func (s *Serial) MaxWriteChunk() int { return s.maxChunk }

var _ Transport = (*Serial)(nil)
