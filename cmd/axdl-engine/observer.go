package main

import (
	"log/slog"

	"github.com/axera-embedded/axdl-engine/internal/engine"
)

// loggingObserver reports engine progress and state transitions as
// structured log lines; this is the reference shell's UI.
type loggingObserver struct {
	l            *slog.Logger
	lastPartition int
}

func newLoggingObserver(l *slog.Logger) *loggingObserver {
	return &loggingObserver{l: l, lastPartition: -1}
}

func (o *loggingObserver) OnProgress(p engine.Progress) {
	if p.PartitionIndex != o.lastPartition {
		o.lastPartition = p.PartitionIndex
		o.l.Info("partition_begin", "index", p.PartitionIndex, "name", p.PartitionName, "total", p.BytesTotal)
	}
	o.l.Debug("progress", "index", p.PartitionIndex, "name", p.PartitionName, "sent", p.BytesSent, "total", p.BytesTotal)
}

func (o *loggingObserver) OnState(s engine.State) {
	o.l.Info("engine_state", "state", string(s))
}
