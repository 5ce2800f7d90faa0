package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-cbt-gateway/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors
var (
	BusRxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_rx_frames_total",
		Help: "Total CAN frames read from a physical channel.",
	}, []string{"bus"})
	BusTxFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_tx_frames_total",
		Help: "Total CAN frames transmitted onto a physical channel.",
	}, []string{"bus"})
	QueueDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_queue_dropped_frames_total",
		Help: "Total frames rejected because the dispatch queue was full.",
	})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_queue_depth",
		Help: "Frames waiting in the dispatch queue at the last pop.",
	})
	ProcessedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "middleware_processed_frames_total",
		Help: "Total frames passed through the middleware chain.",
	})
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_total",
		Help: "Commands executed by the command engine, by link and opcode.",
	}, []string{"link", "opcode"})
	MalformedCommands = promauto.NewCounter(prometheus.CounterOpts{
		Name: "command_malformed_total",
		Help: "Total rejected malformed commands (short body, bad terminator, out-of-range index).",
	})
	LinkRxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_rx_bytes_total",
		Help: "Bytes received from an external link.",
	}, []string{"link"})
	LinkTxBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_tx_bytes_total",
		Help: "Bytes written to an external link.",
	}, []string{"link"})
	LoggedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_logged_frames_total",
		Help: "Frame-log records emitted on an external link.",
	}, []string{"link"})
	VehicleMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vehicle_messages_total",
		Help: "Vehicle state messages emitted on the wireless link, by signal.",
	}, []string{"signal"})
	Passthrough = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "passthrough_active",
		Help: "1 while the links are in passthrough relay mode.",
	})
	MirrorClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_active_clients",
		Help: "Current number of connected mirror clients.",
	})
	MirrorDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_dropped_frames_total",
		Help: "Frames dropped by the mirror hub due to slow clients.",
	})
	MirrorKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_kicked_clients_total",
		Help: "Mirror clients disconnected due to backpressure kick policy.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrBusRead       = "bus_read"
	ErrBusWrite      = "bus_write"
	ErrBusOverflow   = "bus_tx_overflow"
	ErrUnknownBus    = "unknown_bus"
	ErrLinkRead      = "link_read"
	ErrLinkWrite     = "link_write"
	ErrLinkOverflow  = "link_tx_overflow"
	ErrLinkRxFull    = "link_rx_overflow"
	ErrSettingsSave  = "settings_save"
	ErrSettingsLoad  = "settings_load"
	ErrMirrorConn    = "mirror_conn"
	ErrMirrorAccept  = "mirror_accept"
	ErrUpdateMode    = "update_mode"
	ErrWirelessReset = "wireless_reset"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
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

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for logging and tests without scraping.
var (
	localBusRx      uint64
	localBusTx      uint64
	localQueueDrop  uint64
	localQueueDepth uint64
	localProcessed  uint64
	localCommands   uint64
	localMalformed  uint64
	localLinkRx     uint64
	localLinkTx     uint64
	localLogged     uint64
	localVehicle    uint64
	localMirrorCli  uint64
	localMirrorDrop uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	BusRx        uint64
	BusTx        uint64
	QueueDrops   uint64
	QueueDepth   uint64
	Processed    uint64
	Commands     uint64
	Malformed    uint64
	LinkRx       uint64
	LinkTx       uint64
	Logged       uint64
	Vehicle      uint64
	MirrorClient uint64
	MirrorDrops  uint64
	Errors       uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		BusRx:        atomic.LoadUint64(&localBusRx),
		BusTx:        atomic.LoadUint64(&localBusTx),
		QueueDrops:   atomic.LoadUint64(&localQueueDrop),
		QueueDepth:   atomic.LoadUint64(&localQueueDepth),
		Processed:    atomic.LoadUint64(&localProcessed),
		Commands:     atomic.LoadUint64(&localCommands),
		Malformed:    atomic.LoadUint64(&localMalformed),
		LinkRx:       atomic.LoadUint64(&localLinkRx),
		LinkTx:       atomic.LoadUint64(&localLinkTx),
		Logged:       atomic.LoadUint64(&localLogged),
		Vehicle:      atomic.LoadUint64(&localVehicle),
		MirrorClient: atomic.LoadUint64(&localMirrorCli),
		MirrorDrops:  atomic.LoadUint64(&localMirrorDrop),
		Errors:       atomic.LoadUint64(&localErrors),
	}
}

func IncBusRx(bus string) {
	BusRxFrames.WithLabelValues(bus).Inc()
	atomic.AddUint64(&localBusRx, 1)
}

func IncBusTx(bus string) {
	BusTxFrames.WithLabelValues(bus).Inc()
	atomic.AddUint64(&localBusTx, 1)
}

// IncQueueDrop counts a frame refused by the dispatch queue.
func IncQueueDrop() {
	QueueDroppedFrames.Inc()
	atomic.AddUint64(&localQueueDrop, 1)
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
	atomic.StoreUint64(&localQueueDepth, uint64(n))
}

func IncProcessed() {
	ProcessedFrames.Inc()
	atomic.AddUint64(&localProcessed, 1)
}

func IncCommand(link, opcode string) {
	Commands.WithLabelValues(link, opcode).Inc()
	atomic.AddUint64(&localCommands, 1)
}

func IncMalformed() {
	MalformedCommands.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func AddLinkRx(link string, n int) {
	LinkRxBytes.WithLabelValues(link).Add(float64(n))
	atomic.AddUint64(&localLinkRx, uint64(n))
}

func AddLinkTx(link string, n int) {
	LinkTxBytes.WithLabelValues(link).Add(float64(n))
	atomic.AddUint64(&localLinkTx, uint64(n))
}

func IncLogged(link string) {
	LoggedFrames.WithLabelValues(link).Inc()
	atomic.AddUint64(&localLogged, 1)
}

func IncVehicle(signal string) {
	VehicleMessages.WithLabelValues(signal).Inc()
	atomic.AddUint64(&localVehicle, 1)
}

func SetPassthrough(on bool) {
	if on {
		Passthrough.Set(1)
		return
	}
	Passthrough.Set(0)
}

func SetMirrorClients(n int) {
	MirrorClients.Set(float64(n))
	atomic.StoreUint64(&localMirrorCli, uint64(n))
}

func IncMirrorDrop() {
	MirrorDroppedFrames.Inc()
	atomic.AddUint64(&localMirrorDrop, 1)
}

func IncMirrorKick() { MirrorKickedClients.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register error series so the first error does not pay registration latency.
	for _, lbl := range []string{
		ErrBusRead, ErrBusWrite, ErrBusOverflow, ErrUnknownBus,
		ErrLinkRead, ErrLinkWrite, ErrLinkOverflow, ErrLinkRxFull,
		ErrSettingsSave, ErrSettingsLoad, ErrMirrorConn, ErrMirrorAccept,
		ErrUpdateMode, ErrWirelessReset,
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
	if fn == nil {
		return true
	}
	return fn()
}
