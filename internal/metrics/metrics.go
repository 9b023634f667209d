// Package metrics exposes the gateway's operational counters on an optional
// local HTTP listener. The telemetry backend sees none of this; it is for
// on-host debugging and scraping.
package metrics

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const namespace = "edge_gateway"

var (
	TelemetryForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_forwarded_total",
		Help:      "Controller messages published to the broker.",
	})

	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_failures_total",
		Help:      "MQTT publishes that missed the broker ack.",
	})

	LogsBuffered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logs_buffered_total",
		Help:      "Log records diverted to the buffer database.",
	})

	ControllerRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "controller_restarts_total",
		Help:      "Controller container starts.",
	})

	FileReconciliations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "file_reconciliations_total",
		Help:      "File hash reconciliation passes.",
	})

	RPCRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rpc_requests_total",
		Help:      "RPC requests processed per method.",
	}, []string{"method"})

	RestartBackoffMS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "restart_backoff_ms",
		Help:      "Current controller restart backoff delay.",
	})
)

func init() {
	prometheus.MustRegister(
		TelemetryForwarded,
		PublishFailures,
		LogsBuffered,
		ControllerRestarts,
		FileReconciliations,
		RPCRequests,
		RestartBackoffMS,
	)
}

// Serve starts the ops listener in a background goroutine. addr empty
// disables it.
func Serve(addr string, log zerolog.Logger) {
	if addr == "" {
		return
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	go func() {
		log.Info().Str("addr", addr).Msg("ops listener started")
		if err := http.ListenAndServe(addr, r); err != nil {
			log.Error().Err(err).Msg("ops listener failed")
		}
	}()
}
