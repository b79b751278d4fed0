// Package telemetry carries the process metrics and the persisted log
// mirror. Metrics live on a private Prometheus registry, optionally served
// over HTTP; the mirror handler copies Warn and above into the system_logs
// table so operational history survives restarts.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kalshi-paper/pkg/types"
)

// Metrics is the pipeline's counter surface: signal and order flow, strategy
// evaluation timings, and exchange stream health.
type Metrics struct {
	registry *prometheus.Registry

	ordersTotal      *prometheus.CounterVec
	signalsTotal     *prometheus.CounterVec
	evalDuration     *prometheus.HistogramVec
	streamReconnects prometheus.Counter
}

// New builds the registry with every collector registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		ordersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kalshi_paper_orders_total",
				Help: "Simulated orders by strategy kind and terminal status",
			},
			[]string{"strategy", "status"},
		),
		signalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kalshi_paper_signals_total",
				Help: "Trade signals emitted by strategy kind",
			},
			[]string{"strategy"},
		),
		evalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kalshi_paper_eval_duration_seconds",
				Help:    "Per-strategy evaluation wall time",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
			},
			[]string{"strategy"},
		),
		streamReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kalshi_paper_stream_reconnects_total",
				Help: "Exchange stream reconnects after an established session",
			},
		),
	}

	registry.MustRegister(
		m.ordersTotal,
		m.signalsTotal,
		m.evalDuration,
		m.streamReconnects,
	)
	return m
}

// Registry returns the private prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveEvaluation records one strategy evaluation pass.
func (m *Metrics) ObserveEvaluation(kind types.StrategyKind, d time.Duration) {
	m.evalDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// SignalEmitted counts a signal that cleared a strategy's own thresholds.
func (m *Metrics) SignalEmitted(kind types.StrategyKind) {
	m.signalsTotal.WithLabelValues(string(kind)).Inc()
}

// OrderRecorded counts a simulated order in its terminal status.
func (m *Metrics) OrderRecorded(kind types.StrategyKind, status types.OrderStatus) {
	m.ordersTotal.WithLabelValues(string(kind), string(status)).Inc()
}

// StreamReconnected counts one exchange stream reconnect.
func (m *Metrics) StreamReconnected() {
	m.streamReconnects.Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled. Blocks; a nil
// return means the listener shut down cleanly.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
