package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Pipeline names used as metric labels.
const (
	NameIngest   = "ingest"
	NameForecast = "forecast"
)

// Metrics records pipeline runs. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runDurationSeconds *prometheus.HistogramVec
	runStatusCounter   *prometheus.CounterVec
	rowsWritten        *prometheus.CounterVec
	lastSuccess        *prometheus.GaugeVec
}

// NewMetrics creates a registry holding the pipeline metrics plus the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		runDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gridcast_run_duration_seconds",
			Help:    "Duration of pipeline runs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline", "status"}),
		runStatusCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcast_run_total",
			Help: "Total number of pipeline runs by status.",
		}, []string{"pipeline", "status"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gridcast_rows_written_total",
			Help: "Total rows upserted by pipeline.",
		}, []string{"pipeline"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gridcast_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run.",
		}, []string{"pipeline"}),
	}

	registry.MustRegister(m.runDurationSeconds)
	registry.MustRegister(m.runStatusCounter)
	registry.MustRegister(m.rowsWritten)
	registry.MustRegister(m.lastSuccess)
	return m
}

// Registry returns the Prometheus registry for exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeRun(pipeline string, start time.Time, rows int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.runStatusCounter.WithLabelValues(pipeline, status).Inc()
	m.runDurationSeconds.WithLabelValues(pipeline, status).Observe(time.Since(start).Seconds())
	if err == nil {
		m.rowsWritten.WithLabelValues(pipeline).Add(float64(rows))
		m.lastSuccess.WithLabelValues(pipeline).SetToCurrentTime()
	}
}
