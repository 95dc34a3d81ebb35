package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/axera-embedded/axdl-engine/internal/archive"
	"github.com/axera-embedded/axdl-engine/internal/config"
	"github.com/axera-embedded/axdl-engine/internal/discovery"
	"github.com/axera-embedded/axdl-engine/internal/engine"
	"github.com/axera-embedded/axdl-engine/internal/metrics"
	"github.com/axera-embedded/axdl-engine/internal/transport"
	"github.com/google/gousb"
)

// Exit codes per spec.md §6.
const (
	exitOK               = 0
	exitUserError        = 1
	exitDeviceNotFound   = 2
	exitProtocolFailure  = 3
	exitArchiveInvalid   = 4
	exitCancelled        = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUserError
	}
	if showVersion {
		fmt.Printf("axdl-engine %s (commit %s, built %s)\n", version, commit, date)
		return exitOK
	}

	l := setupLogger(cfg.LogFormat, cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
	}()

	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.LogMetricsEvery, l, &wg)

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })
	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	cleanupMDNS, err := discovery.AdvertiseSession(ctx, cfg.MDNSEnable, cfg.MDNSName, 0, discovery.SessionMeta{Version: version, Commit: commit})
	if err != nil {
		l.Warn("mdns_start_failed", "error", err)
	} else {
		defer cleanupMDNS()
	}

	arc, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		l.Error("archive_open_failed", "error", err)
		wg.Wait()
		return exitArchiveInvalid
	}

	t, err := acquireTransport(ctx, cfg, l)
	if err != nil {
		arc.Close()
		wg.Wait()
		if errors.Is(err, discovery.ErrDeviceNotFound) {
			l.Error("device_not_found", "error", err)
			return exitDeviceNotFound
		}
		if errors.Is(err, context.Canceled) {
			return exitCancelled
		}
		l.Error("transport_open_failed", "error", err)
		return exitUserError
	}

	sess := engine.New(t, arc, engine.Config{
		ExcludeRootfs: cfg.ExcludeRootfs,
		ReplyWindow:   cfg.ReplyWindow,
		SendFinalize:  cfg.SendFinalize,
	}, newLoggingObserver(l))

	runErr := sess.Run(ctx)
	wg.Wait()

	switch {
	case runErr == nil:
		l.Info("download_complete")
		return exitOK
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, engine.ErrCancelled):
		l.Warn("download_cancelled")
		return exitCancelled
	default:
		l.Error("download_failed", "error", runErr)
		return exitProtocolFailure
	}
}

// acquireTransport opens the configured transport directly, or polls
// for one if --wait-for-device is set.
func acquireTransport(ctx context.Context, cfg *config.Config, l *slog.Logger) (transport.Transport, error) {
	if cfg.WaitForDevice {
		sel := discovery.Selector{
			USBVendorID:  cfg.USBVendorID,
			USBProductID: cfg.USBProductID,
		}
		if cfg.TransportKind == "serial" {
			sel.SerialDev = cfg.SerialDev
			sel.USBVendorID, sel.USBProductID = 0, 0
		}
		return discovery.WaitForDevice(ctx, sel, cfg.DiscoveryPoll, cfg.DiscoveryDeadline)
	}
	if cfg.TransportKind == "serial" {
		return transport.NewSerial(cfg.SerialDev, cfg.SerialBaud, cfg.SerialReadTO)
	}
	return transport.OpenUSB(gousb.ID(cfg.USBVendorID), gousb.ID(cfg.USBProductID))
}
