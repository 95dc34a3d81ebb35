// Package engine implements the AXDL download state machine (spec.md
// §4.5): handshake, partition-table announcement, per-partition
// streaming with flow-control pauses, and finalize. It is single
// threaded and cooperative: exactly one goroutine drives a session,
// suspending only at transport and archive reads/writes (spec.md §5).
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/axera-embedded/axdl-engine/internal/archive"
	"github.com/axera-embedded/axdl-engine/internal/command"
	"github.com/axera-embedded/axdl-engine/internal/frame"
	"github.com/axera-embedded/axdl-engine/internal/logging"
	"github.com/axera-embedded/axdl-engine/internal/metrics"
	"github.com/axera-embedded/axdl-engine/internal/transport"
)

// State names the engine's position in the download sequence.
type State string

const (
	StateIdle           State = "idle"
	StateHandshake      State = "handshake"
	StateTableAnnounce  State = "table_announce"
	StateWritePartition State = "write_partition"
	StateFinalize       State = "finalize"
	StateDone           State = "done"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// ErrCancelled marks a session ended by cancellation: Run wraps every
// cancellation error it returns, including command.ErrCancelled, with
// it. ErrDeviceNack is not returned by this package; a device nack
// surfaces as command.ErrDeviceNack.
var (
	ErrCancelled  = errors.New("engine: cancelled")
	ErrDeviceNack = errors.New("engine: device nack")
)

// Progress is an immutable snapshot delivered to an Observer after
// every chunk boundary.
type Progress struct {
	PartitionIndex int
	PartitionName  string
	BytesSent      uint64
	BytesTotal     uint64
}

// Observer receives progress snapshots and state transitions. Both
// methods must be safe to call from the driving goroutine; they are
// never called concurrently by this package.
type Observer interface {
	OnProgress(Progress)
	OnState(State)
}

// NopObserver implements Observer with no-ops, for callers that only
// care about the final error.
type NopObserver struct{}

func (NopObserver) OnProgress(Progress) {}
func (NopObserver) OnState(State)       {}

// Config controls session behavior beyond the archive and transport
// themselves.
type Config struct {
	ExcludeRootfs bool
	ReplyWindow   time.Duration
	SendFinalize  bool
}

// Session drives one download over one transport and one archive.
type Session struct {
	t        transport.Transport
	cmd      *command.Client
	arc      *archive.Archive
	cfg      Config
	observer Observer
	state    State
}

// New constructs a session. Both t and arc are owned by the session for
// its duration and closed on every exit path (spec.md §5's resource
// policy).
func New(t transport.Transport, arc *archive.Archive, cfg Config, observer Observer) *Session {
	if observer == nil {
		observer = NopObserver{}
	}
	if cfg.ReplyWindow <= 0 {
		cfg.ReplyWindow = 5 * time.Second
	}
	return &Session{
		t:        t,
		cmd:      command.New(t, cfg.ReplyWindow),
		arc:      arc,
		cfg:      cfg,
		observer: observer,
		state:    StateIdle,
	}
}

func (s *Session) setState(st State) {
	s.state = st
	metrics.SetEngineState(string(st))
	s.observer.OnState(st)
}

// Run executes the full Idle -> ... -> Done|Failed|Cancelled sequence
// and releases the transport and archive on every exit path.
func (s *Session) Run(ctx context.Context) error {
	defer s.t.Close()
	defer s.arc.Close()

	err := s.run(ctx)
	switch {
	case err == nil:
		s.setState(StateDone)
	case errors.Is(err, ErrCancelled) || errors.Is(err, command.ErrCancelled):
		if !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		s.setState(StateCancelled)
	default:
		s.setState(StateFailed)
		logging.L().Error("session_failed", "error", err)
	}
	return err
}

func (s *Session) run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	s.setState(StateHandshake)
	if err := s.handshake(ctx); err != nil {
		return err
	}

	descs := s.arc.Manifest()
	if s.cfg.ExcludeRootfs {
		descs = archive.Filter(descs, archive.ExcludeRole("rootfs"))
	}

	s.setState(StateTableAnnounce)
	if err := s.announceTable(ctx, descs); err != nil {
		return err
	}

	for i, d := range descs {
		s.setState(StateWritePartition)
		if err := s.writePartition(ctx, i, d); err != nil {
			return err
		}
	}

	s.setState(StateFinalize)
	if err := s.finalize(ctx); err != nil {
		return err
	}
	return nil
}

// handshake sends the marker prelude followed by the zero-length begin
// probe and awaits the device's ack (spec.md §4.5: "marker + initial
// 0x0001 with zero lengths").
func (s *Session) handshake(ctx context.Context) error {
	if err := s.t.Write(ctx, frame.MarkerBytes[:]); err != nil {
		return fmt.Errorf("%w: %v", command.ErrSend, err)
	}
	probe := frame.EncodeBeginRanged32(0, 0)
	_, err := s.cmd.SendCommand(ctx, probe)
	return err
}

func (s *Session) announceTable(ctx context.Context, descs []archive.PartitionDescriptor) error {
	entries := make([]frame.PartitionTableEntry, len(descs))
	for i, d := range descs {
		entries[i] = frame.PartitionTableEntry{Name: d.Name, Size: d.TotalLength}
	}
	f, err := frame.EncodePartitionTable(entries)
	if err != nil {
		return err
	}
	_, err = s.cmd.SendCommand(ctx, f)
	return err
}

// writePartition sends the begin-write command for descs[i], streams
// its payload in MTU-sized chunks, emitting Progress after each, and
// awaits the final per-partition ack.
func (s *Session) writePartition(ctx context.Context, index int, d archive.PartitionDescriptor) error {
	begin, err := beginFrameFor(d)
	if err != nil {
		return err
	}
	if _, err := s.cmd.SendCommand(ctx, begin); err != nil {
		return err
	}

	rc, err := s.arc.Open(d.FileRef)
	if err != nil {
		return err
	}
	defer rc.Close()

	chunkSize := s.t.MaxWriteChunk()
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	buf := make([]byte, chunkSize)
	var sent uint64
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		// io.ReadFull fills buf exactly, so StreamPayload's chunk count
		// matches ceil(TotalLength/chunkSize) even across short reads
		// from the archive's deflate stream.
		n, rerr := io.ReadFull(rc, buf)
		if n > 0 {
			if werr := s.cmd.StreamPayload(ctx, buf[:n]); werr != nil {
				return werr
			}
			sent += uint64(n)
			s.observer.OnProgress(Progress{
				PartitionIndex: index,
				PartitionName:  d.Name,
				BytesSent:      sent,
				BytesTotal:     d.TotalLength,
			})
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			return rerr
		}
	}

	return s.cmd.AwaitAck(ctx)
}

// beginFrameFor selects the 8B/16B/88B begin-write variant for d: a
// named variant when d carries no fixed target address, a ranged
// variant otherwise, widening to 64-bit fields once either the address
// or the length exceeds 32 bits.
func beginFrameFor(d archive.PartitionDescriptor) (frame.Frame, error) {
	if !d.HasAddress {
		return frame.EncodeBeginNamed(d.Name, uint32(d.TotalLength))
	}
	if d.TargetAddress > 0xFFFFFFFF || d.TotalLength > 0xFFFFFFFF {
		return frame.EncodeBeginRanged64(d.TargetAddress, d.TotalLength), nil
	}
	return frame.EncodeBeginRanged32(uint32(d.TargetAddress), uint32(d.TotalLength)), nil
}

func (s *Session) finalize(ctx context.Context) error {
	if !s.cfg.SendFinalize {
		return nil
	}
	_, err := s.cmd.SendCommand(ctx, frame.Frame{Command: frame.CmdFinalize})
	return err
}
