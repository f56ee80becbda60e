// Package metrics exposes migration runs to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentstation/migrator/pkg/constants"
	"github.com/agentstation/migrator/pkg/kpi"
	"github.com/agentstation/migrator/pkg/logging"
	"github.com/agentstation/migrator/pkg/pipeline"
	"github.com/agentstation/migrator/pkg/records"
)

const namespace = "migrator"

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string
}

// ApplyDefaults sets default values for metrics config.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = constants.MetricsAddress
	}
}

// Metrics holds the migrator collectors on a private registry. A disabled
// Metrics accepts every call and records nothing.
type Metrics struct {
	// Counters
	BatchesTotal     *prometheus.CounterVec
	RecordsTotal     *prometheus.CounterVec
	ConflictsTotal   *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	RunsTotal        *prometheus.CounterVec

	// Gauges
	KPI            *prometheus.GaugeVec
	LastRunSuccess *prometheus.GaugeVec

	// Histograms
	BatchDuration *prometheus.HistogramVec
	RunDuration   *prometheus.HistogramVec

	registry *prometheus.Registry
	cfg      Config
}

// New creates the collectors. Runtime collectors are registered too.
func New(cfg Config) *Metrics {
	cfg.ApplyDefaults()
	m := &Metrics{cfg: cfg, registry: prometheus.NewRegistry()}
	if !cfg.Enabled {
		return m
	}

	m.BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches that reached a terminal state",
		},
		[]string{"source", "status"}, // "done", "failed"
	)

	m.RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Legacy records by outcome",
		},
		[]string{"source", "outcome"},
	)

	m.ConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflict records routed to manual review",
		},
		[]string{"source", "reason"},
	)

	m.RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_retries_total",
			Help:      "Retries of batch steps",
		},
		[]string{"source"},
	)

	m.TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Batch state machine transitions by target state",
		},
		[]string{"source", "state"},
	)

	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs",
		},
		[]string{"source", "status"},
	)

	m.KPI = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "kpi",
			Help:      "Reconciliation counters of the last finished run",
		},
		[]string{"source", "counter"},
	)

	m.LastRunSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run of a source succeeded",
		},
		[]string{"source"},
	)

	m.BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time from extraction to committed cursor",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
		[]string{"source"},
	)

	m.RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a run",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"source"},
	)

	m.registry.MustRegister(
		m.BatchesTotal,
		m.RecordsTotal,
		m.ConflictsTotal,
		m.RetriesTotal,
		m.TransitionsTotal,
		m.RunsTotal,
		m.KPI,
		m.LastRunSuccess,
		m.BatchDuration,
		m.RunDuration,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// IsEnabled returns true if metrics are enabled.
func (m *Metrics) IsEnabled() bool {
	return m != nil && m.cfg.Enabled
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.IsEnabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: m.cfg.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.FromContext(ctx).Info().Str("address", m.cfg.Address).Msg("Serving metrics")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Hooks returns pipeline hooks feeding these metrics.
func (m *Metrics) Hooks(source string) pipeline.Hooks {
	return pipeline.Hooks{
		OnTransition: m.RecordTransition,
		OnBatch:      m.RecordBatch,
		OnConflict:   func(c records.ConflictRecord) { m.RecordConflict(source, c) },
	}
}

// RecordTransition counts a state transition; terminal states also count
// the batch.
func (m *Metrics) RecordTransition(t pipeline.Transition) {
	if !m.IsEnabled() {
		return
	}
	m.TransitionsTotal.WithLabelValues(t.Source, string(t.To)).Inc()
	if t.To == pipeline.Failed {
		m.BatchesTotal.WithLabelValues(t.Source, string(pipeline.Failed)).Inc()
	}
}

// RecordBatch records a completed batch.
func (m *Metrics) RecordBatch(b pipeline.BatchResult) {
	if !m.IsEnabled() {
		return
	}
	m.BatchesTotal.WithLabelValues(b.Source, string(pipeline.Done)).Inc()
	m.BatchDuration.WithLabelValues(b.Source).Observe(b.Duration.Seconds())
	if b.Retries > 0 {
		m.RetriesTotal.WithLabelValues(b.Source).Add(float64(b.Retries))
	}
	for outcome, n := range map[string]int{
		"extracted":     b.Records,
		"skipped":       b.Skipped,
		"replayed":      b.Replays,
		"merged":        b.Merged,
		"mapping_error": b.MappingErrors,
		"written":       b.Written,
		"unchanged":     b.Unchanged,
	} {
		if n > 0 {
			m.RecordsTotal.WithLabelValues(b.Source, outcome).Add(float64(n))
		}
	}
}

// RecordConflict counts a conflict record.
func (m *Metrics) RecordConflict(source string, c records.ConflictRecord) {
	if !m.IsEnabled() {
		return
	}
	m.ConflictsTotal.WithLabelValues(source, c.Reason).Inc()
}

// RecordRun publishes the KPI report of a finished run.
func (m *Metrics) RecordRun(r *pipeline.RunResult) {
	if !m.IsEnabled() || r == nil {
		return
	}
	status, ok := "success", 1.0
	if r.Err != nil {
		status, ok = "error", 0
	}
	m.RunsTotal.WithLabelValues(r.Source, status).Inc()
	m.LastRunSuccess.WithLabelValues(r.Source).Set(ok)
	m.RunDuration.WithLabelValues(r.Source).Observe(r.Duration().Seconds())
	m.SetReport(r.Source, r.Report)
}

// SetReport sets the KPI gauges of a source.
func (m *Metrics) SetReport(source string, report kpi.Report) {
	if !m.IsEnabled() {
		return
	}
	for _, k := range report.Keys() {
		m.KPI.WithLabelValues(source, k).Set(float64(report[k]))
	}
}
