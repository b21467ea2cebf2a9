// Package telemetry exposes migration progress as Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telemigrate"

// Metrics holds every collector the pipeline updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	rowsExtracted  *prometheus.CounterVec
	bucketsDropped *prometheus.CounterVec
	rowsWritten    *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobFailures    *prometheus.CounterVec
	lastMigrated   *prometheus.GaugeVec
	lastSOC        *prometheus.GaugeVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rowsExtracted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_extracted_total",
			Help:      "Rows read from the source per field group.",
		}, []string{"site", "group"}),
		bucketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buckets_dropped_total",
			Help:      "Resampled buckets dropped for missing a required field.",
		}, []string{"site", "job"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Points written to the destination per measurement.",
		}, []string{"site", "measurement"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of each migration job.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"}),
		jobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_failures_total",
			Help:      "Jobs that aborted with an error.",
		}, []string{"kind"}),
		lastMigrated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_migrated_timestamp_seconds",
			Help:      "Timestamp of the last row written per site and measurement.",
		}, []string{"site", "measurement"}),
		lastSOC: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_state_of_charge",
			Help:      "Final SOC value computed by the most recent run.",
		}, []string{"site"}),
	}

	m.registry.MustRegister(
		m.rowsExtracted,
		m.bucketsDropped,
		m.rowsWritten,
		m.jobDuration,
		m.jobFailures,
		m.lastMigrated,
		m.lastSOC,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Extracted(site, group string, rows int) {
	if m == nil {
		return
	}
	m.rowsExtracted.WithLabelValues(site, group).Add(float64(rows))
}

func (m *Metrics) Dropped(site, job string, buckets int) {
	if m == nil {
		return
	}
	m.bucketsDropped.WithLabelValues(site, job).Add(float64(buckets))
}

// Written records a successful write and moves the last-migrated gauge
func (m *Metrics) Written(site, measurement string, rows int64, terminal int64) {
	if m == nil {
		return
	}
	m.rowsWritten.WithLabelValues(site, measurement).Add(float64(rows))
	if terminal > 0 {
		m.lastMigrated.WithLabelValues(site, measurement).Set(float64(terminal))
	}
}

func (m *Metrics) SOC(site string, value float64) {
	if m == nil {
		return
	}
	m.lastSOC.WithLabelValues(site).Set(value)
}

// ObserveJob records a job's duration and whether it failed
func (m *Metrics) ObserveJob(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(kind).Observe(d.Seconds())
	if err != nil {
		m.jobFailures.WithLabelValues(kind).Inc()
	}
}
