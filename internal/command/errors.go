package command

import (
	"errors"

	"github.com/axera-embedded/axdl-engine/internal/metrics"
)

// Sentinel errors wrapped by command layer operations so callers can
// classify via errors.Is, mirroring the teacher's internal/server/errors.go.
var (
	ErrSend               = errors.New("command: send")
	ErrTimeout            = errors.New("command: timeout")
	ErrCorruptReply       = errors.New("command: corrupt reply")
	ErrDeviceUnresponsive = errors.New("command: device unresponsive")
	ErrDeviceNack         = errors.New("command: device nack")
	ErrCancelled          = errors.New("command: cancelled")
)

// mapErrToMetric maps a wrapped sentinel error to a stable metrics label.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrDeviceUnresponsive):
		return metrics.ErrDeviceUnresponsive
	case errors.Is(err, ErrDeviceNack):
		return metrics.ErrDeviceNack
	case errors.Is(err, ErrCorruptReply):
		return metrics.ErrFrameCorrupt
	case errors.Is(err, ErrTimeout):
		return metrics.ErrTimeout
	case errors.Is(err, ErrCancelled):
		return metrics.ErrCancelled
	default:
		return metrics.ErrTransportIO
	}
}
