package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	IngestedFiles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachvault_ingested_files_total",
		Help: "Attachments accepted and stored",
	})

	IngestRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attachvault_ingest_rejections_total",
		Help: "Rejected upload batches by kind",
	}, []string{"kind"})

	ThreatsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attachvault_threats_detected_total",
		Help: "Threat reasons raised by scan pass",
	}, []string{"pass"})

	AVFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attachvault_av_failures_total",
		Help: "External AV calls that failed and were ignored",
	}, []string{"scanner"})

	ResolveOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attachvault_resolve_outcomes_total",
		Help: "Resolver calls by outcome",
	}, []string{"outcome"})

	ProcessingWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attachvault_processing_wait_seconds",
		Help:    "Time spent waiting for background processing",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	RecordsDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attachvault_records_deleted_total",
		Help: "Records securely deleted by reason",
	}, []string{"reason"})

	BytesFreed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachvault_bytes_freed_total",
		Help: "Bytes overwritten and unlinked",
	})

	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attachvault_sweep_errors_total",
		Help: "Per-record failures collected during sweeps",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attachvault_sweep_duration_seconds",
		Help:    "Duration of retention sweeps",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// StartMetricsServer starts an HTTP server exposing /metrics and /health.
func StartMetricsServer(port string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		logger.Info("starting metrics server", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
