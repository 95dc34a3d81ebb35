// Package metrics exposes Prometheus counters/gauges for the AXDL
// engine, plus /metrics and /ready HTTP endpoints, mirroring the
// teacher's internal/metrics package restructured around frame codec,
// transport, command-retry, engine-state, and discovery concerns.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/axera-embedded/axdl-engine/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters/gauges.
var (
	FramesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axdl_frames_encoded_total",
		Help: "Total command frames encoded for transmission.",
	})
	FramesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axdl_frames_decoded_total",
		Help: "Total frames successfully decoded from the transport.",
	})
	ChecksumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axdl_checksum_failures_total",
		Help: "Total frames rejected due to checksum mismatch.",
	})
	Retransmits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axdl_retransmits_total",
		Help: "Total command retransmits issued after a timeout or corrupt reply.",
	})
	BytesStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axdl_bytes_streamed_total",
		Help: "Total partition payload bytes written to the device.",
	})
	FlowControlPauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axdl_flow_control_pauses_total",
		Help: "Total flow-control marker pauses observed while streaming a partition payload.",
	})
	DiscoveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "axdl_discovery_poll_attempts_total",
		Help: "Total device-discovery poll attempts.",
	})
	EngineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "axdl_engine_state",
		Help: "Current engine state (1 for the active state, 0 otherwise).",
	}, []string{"state"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "axdl_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axdl_errors_total",
		Help: "Error counters by classification.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality),
// mirroring spec.md §7's error taxonomy.
const (
	ErrArchiveInvalid     = "archive_invalid"
	ErrNameTooLong        = "name_too_long"
	ErrFrameCorrupt       = "frame_corrupt"
	ErrTimeout            = "timeout"
	ErrDeviceUnresponsive = "device_unresponsive"
	ErrDeviceNack         = "device_nack"
	ErrDeviceNotFound     = "device_not_found"
	ErrCancelled          = "cancelled"
	ErrTransportIO        = "transport_io"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at
// /ready on a fresh mux, mirroring the teacher's metrics.StartHTTP.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for cheap in-process snapshot logging (avoids
// scraping Prometheus in-process, per the teacher's metrics.Snap idiom).
var (
	localFramesEncoded    uint64
	localFramesDecoded    uint64
	localChecksumFailures uint64
	localRetransmits      uint64
	localBytesStreamed    uint64
	localFlowControlPause uint64
	localDiscoveryPolls   uint64
	localErrors           uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	FramesEncoded    uint64
	FramesDecoded    uint64
	ChecksumFailures uint64
	Retransmits      uint64
	BytesStreamed    uint64
	FlowControlPause uint64
	DiscoveryPolls   uint64
	Errors           uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesEncoded:    atomic.LoadUint64(&localFramesEncoded),
		FramesDecoded:    atomic.LoadUint64(&localFramesDecoded),
		ChecksumFailures: atomic.LoadUint64(&localChecksumFailures),
		Retransmits:      atomic.LoadUint64(&localRetransmits),
		BytesStreamed:    atomic.LoadUint64(&localBytesStreamed),
		FlowControlPause: atomic.LoadUint64(&localFlowControlPause),
		DiscoveryPolls:   atomic.LoadUint64(&localDiscoveryPolls),
		Errors:           atomic.LoadUint64(&localErrors),
	}
}

func IncFramesEncoded() {
	FramesEncoded.Inc()
	atomic.AddUint64(&localFramesEncoded, 1)
}

func IncFramesDecoded() {
	FramesDecoded.Inc()
	atomic.AddUint64(&localFramesDecoded, 1)
}

func IncChecksumFailure() {
	ChecksumFailures.Inc()
	atomic.AddUint64(&localChecksumFailures, 1)
}

func IncRetransmit() {
	Retransmits.Inc()
	atomic.AddUint64(&localRetransmits, 1)
}

func AddBytesStreamed(n int64) {
	if n <= 0 {
		return
	}
	BytesStreamed.Add(float64(n))
	atomic.AddUint64(&localBytesStreamed, uint64(n))
}

func IncFlowControlPause() {
	FlowControlPauses.Inc()
	atomic.AddUint64(&localFlowControlPause, 1)
}

func IncDiscoveryAttempt() {
	DiscoveryAttempts.Inc()
	atomic.AddUint64(&localDiscoveryPolls, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetEngineState marks state as the sole active gauge series, clearing
// any previously active one.
var lastState string
var lastStateMu sync.Mutex

func SetEngineState(state string) {
	lastStateMu.Lock()
	prev := lastState
	lastState = state
	lastStateMu.Unlock()
	if prev != "" && prev != state {
		EngineState.WithLabelValues(prev).Set(0)
	}
	EngineState.WithLabelValues(state).Set(1)
}

// InitBuildInfo sets the build info gauge and pre-registers error-label
// series so the first error does not log registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrArchiveInvalid, ErrNameTooLong, ErrFrameCorrupt, ErrTimeout,
		ErrDeviceUnresponsive, ErrDeviceNack, ErrDeviceNotFound,
		ErrCancelled, ErrTransportIO,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet; treat as ready so the endpoint doesn't flap
		return true
	}
	return fn()
}
