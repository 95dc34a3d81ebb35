// Package command implements the AXDL command layer (spec.md §4.4): a
// bounded reply window with one retransmit before a command is declared
// lost, and chunked payload streaming with marker-frame flow control.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/axera-embedded/axdl-engine/internal/frame"
	"github.com/axera-embedded/axdl-engine/internal/logging"
	"github.com/axera-embedded/axdl-engine/internal/metrics"
	"github.com/axera-embedded/axdl-engine/internal/transport"
)

// ackBit distinguishes an acknowledgement from a negative reply: the
// device is modeled as echoing back the issued command code with this
// bit set on success (spec.md §9 leaves the exact nack encoding as an
// open question pending a USB capture; this is the placeholder
// convention SPEC_FULL.md records until one is available).
const ackBit uint16 = 0x8000

// Client drives one transport's command/reply exchange and payload
// streaming, tracking no partition state of its own (the engine owns
// that).
type Client struct {
	t           transport.Transport
	replyWindow time.Duration
	recvBuf     []byte
}

// New wraps t with the given bounded reply window.
func New(t transport.Transport, replyWindow time.Duration) *Client {
	return &Client{t: t, replyWindow: replyWindow}
}

// SendCommand transmits f and waits for a reply frame, retransmitting
// once on timeout or checksum corruption before escalating to
// ErrDeviceUnresponsive (spec.md §4.4).
func (c *Client) SendCommand(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	reply, err := c.sendOnce(ctx, f)
	if err == nil {
		return reply, nil
	}
	if !retryable(err) {
		metrics.IncError(mapErrToMetric(err))
		return frame.Frame{}, err
	}
	metrics.IncRetransmit()
	logging.L().Warn("command_retransmit", "command", f.Command, "error", err)
	reply, err = c.sendOnce(ctx, f)
	if err != nil {
		if retryable(err) {
			wrapped := fmt.Errorf("%w: %v", ErrDeviceUnresponsive, err)
			metrics.IncError(mapErrToMetric(wrapped))
			return frame.Frame{}, wrapped
		}
		metrics.IncError(mapErrToMetric(err))
		return frame.Frame{}, err
	}
	return reply, nil
}

// AwaitAck blocks for a reply frame without transmitting anything,
// classifying it as an ack or a device nack exactly as sendOnce does
// (spec.md §4.4/§4.5: "after the final byte the host awaits an ack").
// Use this after a transfer that the device completes on its own,
// where there is no command frame left to send.
func (c *Client) AwaitAck(ctx context.Context) error {
	reply, err := c.awaitReply(ctx)
	if err != nil {
		metrics.IncError(mapErrToMetric(err))
		return err
	}
	if reply.Command&ackBit == 0 {
		nackErr := fmt.Errorf("%w: status %x", ErrDeviceNack, reply.Payload)
		metrics.IncError(mapErrToMetric(nackErr))
		return nackErr
	}
	return nil
}

// retryable reports whether err warrants one retransmit: a reply
// timeout or a corrupted reply. A transport write failure or context
// cancellation escalates immediately.
func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCorruptReply)
}

func (c *Client) sendOnce(ctx context.Context, f frame.Frame) (frame.Frame, error) {
	if err := ctx.Err(); err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	wire := frame.Encode(f)
	if err := c.t.Write(ctx, wire); err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", ErrSend, err)
	}
	metrics.IncFramesEncoded()
	reply, err := c.awaitReply(ctx)
	if err != nil {
		return frame.Frame{}, err
	}
	if reply.Command&ackBit == 0 {
		return frame.Frame{}, fmt.Errorf("%w: status %x", ErrDeviceNack, reply.Payload)
	}
	return reply, nil
}

// awaitReply blocks for at most c.replyWindow for a complete reply
// frame, assembling partial reads in c.recvBuf across calls so a short
// Read does not lose bytes.
func (c *Client) awaitReply(ctx context.Context) (frame.Frame, error) {
	deadline := time.Now().Add(c.replyWindow)
	for {
		if f, n, err := frame.Decode(c.recvBuf); err == nil {
			c.recvBuf = c.recvBuf[n:]
			metrics.IncFramesDecoded()
			return f, nil
		} else if errors.Is(err, frame.ErrFrameCorrupt) {
			c.recvBuf = nil
			metrics.IncChecksumFailure()
			return frame.Frame{}, fmt.Errorf("%w: %v", ErrCorruptReply, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return frame.Frame{}, ErrTimeout
		}
		rctx, cancel := context.WithTimeout(ctx, remaining)
		chunk, err := c.t.Read(rctx, 4096)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return frame.Frame{}, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			if time.Now().After(deadline) {
				return frame.Frame{}, ErrTimeout
			}
			continue
		}
		if len(chunk) == 0 {
			continue
		}
		c.recvBuf = append(c.recvBuf, chunk...)
	}
}

// flowControlPollWindow is the short read deadline StreamPayload polls
// with at every chunk boundary, per spec.md §4.5: "on every chunk
// boundary, poll the transport with a short read deadline for a
// flow-control marker; pause if received, resume on the follow-up
// token" (scenario S4).
const flowControlPollWindow = 5 * time.Millisecond

// StreamPayload writes data to the transport in MaxWriteChunk-sized
// pieces, pausing whenever the device emits a marker frame and resuming
// once the follow-up token arrives (spec.md §4.5's flow-control rule,
// scenario S4). It reports cumulative bytes streamed via
// metrics.AddBytesStreamed.
func (c *Client) StreamPayload(ctx context.Context, data []byte) error {
	chunkSize := c.t.MaxWriteChunk()
	if chunkSize <= 0 {
		chunkSize = len(data)
		if chunkSize == 0 {
			chunkSize = 1
		}
	}
	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		if err := c.t.Write(ctx, data[:n]); err != nil {
			wrapped := fmt.Errorf("%w: %v", ErrSend, err)
			metrics.IncError(mapErrToMetric(wrapped))
			return wrapped
		}
		metrics.AddBytesStreamed(int64(n))
		data = data[n:]
		if err := c.pollFlowControl(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pollFlowControl polls the transport with a short read deadline for a
// flow-control marker at the chunk boundary just crossed. Most polls
// see nothing within the window and StreamPayload simply continues; a
// marker pauses streaming until waitForResume sees the follow-up
// token.
func (c *Client) pollFlowControl(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	pctx, cancel := context.WithTimeout(ctx, flowControlPollWindow)
	chunk, err := c.t.Read(pctx, 4096)
	cancel()
	if err != nil || len(chunk) == 0 {
		return nil
	}
	c.recvBuf = append(c.recvBuf, chunk...)
	if !frame.IsMarker(c.recvBuf) {
		return nil
	}
	c.recvBuf = bytes.TrimPrefix(c.recvBuf, frame.MarkerBytes[:])
	metrics.IncFlowControlPause()
	logging.L().Info("flow_control_paused")
	return c.waitForResume(ctx)
}

// waitForResume blocks until a non-marker follow-up token is read from
// the transport, signalling the device is ready for more payload
// (spec.md §4.5, scenario S4). Bounded only by ctx: the spec names no
// fixed resume timeout.
func (c *Client) waitForResume(ctx context.Context) error {
	for {
		for frame.IsMarker(c.recvBuf) {
			c.recvBuf = bytes.TrimPrefix(c.recvBuf, frame.MarkerBytes[:])
		}
		if len(c.recvBuf) > 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		rctx, cancel := context.WithTimeout(ctx, c.replyWindow)
		chunk, err := c.t.Read(rctx, 4096)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			continue
		}
		c.recvBuf = append(c.recvBuf, chunk...)
	}
}
