// Package transport abstracts the bidirectional byte pipe the download
// engine drives: USB bulk or serial, modeled as one small interface per
// spec.md §4.2/§9 rather than an inheritance hierarchy. The only
// semantic difference between a native and a browser build is
// suspension (blocking a thread vs. a cooperative yield); both satisfy
// this same interface, which is why every method takes a context.
package transport

import (
	"context"
	"errors"
)

// ErrTimeout classifies a read/write that exceeded its deadline. Per
// spec.md §4.2 a read Timeout is recoverable (the command layer may
// retry); a write Timeout is fatal for the session.
var ErrTimeout = errors.New("transport: timeout")

// ErrIO wraps an underlying OS/driver error (spec.md §7 TransportIo).
var ErrIO = errors.New("transport: io error")

// Transport is a capability providing a complete-logical-packet byte
// pipe with timeouts. Implementations must not interpret frame content.
//
// Write transmits a complete logical packet; partial writes are retried
// internally by the implementation. Read receives up to max bytes as the
// next logical packet (a USB bulk transfer, or a length-bounded serial
// read). Close releases the underlying handle.
type Transport interface {
	Write(ctx context.Context, p []byte) error
	Read(ctx context.Context, max int) ([]byte, error)
	Close() error
	// MaxWriteChunk is the transport's MTU hint (e.g. 64 for USB FS
	// bulk, 4096 for serial); the engine respects it when splitting
	// bulk data (spec.md §4.2).
	MaxWriteChunk() int
}
