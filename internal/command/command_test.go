package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/axera-embedded/axdl-engine/internal/frame"
	"github.com/axera-embedded/axdl-engine/internal/transport"
	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport double: writes are recorded,
// reads are served from a queue of pre-scripted byte chunks.
type fakeTransport struct {
	writes    [][]byte
	reads     [][]byte
	readIdx   int
	maxChunk  int
	writeErr  error
	blockRead bool // if true, Read always times out until ctx is done
}

func (f *fakeTransport) Write(ctx context.Context, p []byte) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) Read(ctx context.Context, max int) ([]byte, error) {
	if f.blockRead {
		<-ctx.Done()
		return nil, transport.ErrTimeout
	}
	if f.readIdx >= len(f.reads) {
		<-ctx.Done()
		return nil, transport.ErrTimeout
	}
	chunk := f.reads[f.readIdx]
	f.readIdx++
	return chunk, nil
}

func (f *fakeTransport) Close() error      { return nil }
func (f *fakeTransport) MaxWriteChunk() int {
	if f.maxChunk == 0 {
		return 64
	}
	return f.maxChunk
}

func TestSendCommandSuccess(t *testing.T) {
	replyWire := frame.Encode(frame.Frame{Command: 0x8001, Payload: []byte{0x01}})
	ft := &fakeTransport{reads: [][]byte{replyWire}}
	c := New(ft, time.Second)

	reply, err := c.SendCommand(context.Background(), frame.EncodeBeginRanged32(0, 100))
	require.NoError(t, err)
	require.Equal(t, uint16(0x8001), reply.Command)
	require.Len(t, ft.writes, 1)
}

func TestSendCommandTimeoutEscalates(t *testing.T) {
	ft := &fakeTransport{blockRead: true}
	c := New(ft, 10*time.Millisecond)

	_, err := c.SendCommand(context.Background(), frame.EncodeBeginRanged32(0, 100))
	require.ErrorIs(t, err, ErrDeviceUnresponsive)
	require.Len(t, ft.writes, 2) // original + one retransmit
}

func TestSendCommandCorruptReplyRetransmits(t *testing.T) {
	good := frame.Encode(frame.Frame{Command: 0x8001})
	corrupt := append([]byte(nil), good...)
	corrupt[len(corrupt)-1] ^= 0xFF // flip checksum byte
	ft := &fakeTransport{reads: [][]byte{corrupt, good}}
	c := New(ft, time.Second)

	reply, err := c.SendCommand(context.Background(), frame.EncodeBeginRanged32(0, 100))
	require.NoError(t, err)
	require.Equal(t, uint16(0x8001), reply.Command)
	require.Len(t, ft.writes, 2)
}

func TestSendCommandDeviceNackNoRetry(t *testing.T) {
	nack := frame.Encode(frame.Frame{Command: 0x0001, Payload: []byte{0xEE}}) // ack bit clear
	ft := &fakeTransport{reads: [][]byte{nack}}
	c := New(ft, time.Second)

	_, err := c.SendCommand(context.Background(), frame.EncodeBeginRanged32(0, 100))
	require.ErrorIs(t, err, ErrDeviceNack)
	require.Len(t, ft.writes, 1) // nack escalates immediately, no retransmit
}

func TestSendCommandWriteFailureNoRetry(t *testing.T) {
	ft := &fakeTransport{writeErr: errors.New("broken pipe")}
	c := New(ft, time.Second)

	_, err := c.SendCommand(context.Background(), frame.EncodeBeginRanged32(0, 100))
	require.ErrorIs(t, err, ErrSend)
	require.Len(t, ft.writes, 0)
}

func TestSendCommandCancelledContext(t *testing.T) {
	ft := &fakeTransport{blockRead: true}
	c := New(ft, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.SendCommand(ctx, frame.EncodeBeginRanged32(0, 100))
	require.ErrorIs(t, err, ErrCancelled)
}

func TestStreamPayloadChunking(t *testing.T) {
	ft := &fakeTransport{maxChunk: 4}
	c := New(ft, time.Second)
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}

	err := c.StreamPayload(context.Background(), data)
	require.NoError(t, err)
	require.Len(t, ft.writes, 3) // 4 + 4 + 1
	require.Equal(t, []byte{1, 2, 3, 4}, ft.writes[0])
	require.Equal(t, []byte{9}, ft.writes[2])
}

func TestStreamPayloadCancelled(t *testing.T) {
	ft := &fakeTransport{maxChunk: 1}
	c := New(ft, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.StreamPayload(ctx, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrCancelled)
}

func TestAwaitAckSuccess(t *testing.T) {
	replyWire := frame.Encode(frame.Frame{Command: 0x8001})
	ft := &fakeTransport{reads: [][]byte{replyWire}}
	c := New(ft, time.Second)

	err := c.AwaitAck(context.Background())
	require.NoError(t, err)
	require.Len(t, ft.writes, 0) // AwaitAck transmits nothing
}

func TestAwaitAckNack(t *testing.T) {
	nack := frame.Encode(frame.Frame{Command: 0x0001, Payload: []byte{0xEE}}) // ack bit clear
	ft := &fakeTransport{reads: [][]byte{nack}}
	c := New(ft, time.Second)

	err := c.AwaitAck(context.Background())
	require.ErrorIs(t, err, ErrDeviceNack)
	require.Len(t, ft.writes, 0)
}

func TestAwaitAckTimeout(t *testing.T) {
	ft := &fakeTransport{blockRead: true}
	c := New(ft, 10*time.Millisecond)

	err := c.AwaitAck(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Len(t, ft.writes, 0)
}

// markerPauseTransport serves its scripted reads in order, one per Read
// call (here a marker frame, then a non-marker resume token), then
// blocks until the read context ends; it lets a test observe
// StreamPayload pausing and resuming mid-partition
// (spec.md §4.5, scenario S4).
type markerPauseTransport struct {
	writes   [][]byte
	reads    [][]byte
	readIdx  int
	maxChunk int
}

func (m *markerPauseTransport) Write(ctx context.Context, p []byte) error {
	cp := append([]byte(nil), p...)
	m.writes = append(m.writes, cp)
	return nil
}

func (m *markerPauseTransport) Read(ctx context.Context, max int) ([]byte, error) {
	if m.readIdx >= len(m.reads) {
		<-ctx.Done()
		return nil, transport.ErrTimeout
	}
	chunk := m.reads[m.readIdx]
	m.readIdx++
	return chunk, nil
}

func (m *markerPauseTransport) Close() error { return nil }
func (m *markerPauseTransport) MaxWriteChunk() int {
	if m.maxChunk == 0 {
		return 4
	}
	return m.maxChunk
}

func TestStreamPayloadFlowControlPause(t *testing.T) {
	resumeToken := []byte{0x01}
	mt := &markerPauseTransport{
		maxChunk: 4,
		reads:    [][]byte{frame.MarkerBytes[:], resumeToken},
	}
	c := New(mt, time.Second)

	err := c.StreamPayload(context.Background(), []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	require.Len(t, mt.writes, 2) // 4 + 4
}
