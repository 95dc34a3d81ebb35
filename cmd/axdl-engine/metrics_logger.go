package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/axera-embedded/axdl-engine/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				snap := metrics.Snap()
				l.Info("metrics_snapshot",
					"frames_encoded", snap.FramesEncoded,
					"frames_decoded", snap.FramesDecoded,
					"checksum_failures", snap.ChecksumFailures,
					"retransmits", snap.Retransmits,
					"bytes_streamed", snap.BytesStreamed,
					"discovery_polls", snap.DiscoveryPolls,
					"errors", snap.Errors,
				)
			case <-ctx.Done():
				return
			}
		}
	}()
}
