// Package metrics exposes Log Sentinel's Prometheus metrics.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "log_sentinel"

// Metrics holds every collector Log Sentinel reports.
type Metrics struct {
	// Counter metrics
	CyclesTotal         *prometheus.CounterVec
	SourceReadsTotal    *prometheus.CounterVec
	LinesReadTotal      *prometheus.CounterVec
	EventsTotal         *prometheus.CounterVec
	BreachesTotal       *prometheus.CounterVec
	DeliveriesTotal     *prometheus.CounterVec
	StorageRetriesTotal *prometheus.CounterVec

	// Gauge metrics
	Degraded                  prometheus.Gauge
	LastCycleTimestampSeconds prometheus.Gauge
	Info                      *prometheus.GaugeVec
	StartTimeSeconds          prometheus.Gauge

	// Histogram metrics
	CycleDuration prometheus.Histogram
}

// NewMetrics creates the metric definitions. Nothing is registered yet.
func NewMetrics(namespace, subsystem string, constLabels prometheus.Labels) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	labels := make(prometheus.Labels, len(constLabels))
	for k, v := range constLabels {
		labels[k] = v
	}

	counter := func(name, help string, labelNames ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	return &Metrics{
		CyclesTotal:         counter("cycles_total", "Total number of scan cycles by result", "result"),
		SourceReadsTotal:    counter("source_reads_total", "Total number of source reads by result", "source", "result"),
		LinesReadTotal:      counter("lines_read_total", "Total number of complete lines read per source", "source"),
		EventsTotal:         counter("events_total", "Total number of classified events by category", "category"),
		BreachesTotal:       counter("breaches_total", "Total number of threshold breaches by category", "category"),
		DeliveriesTotal:     counter("deliveries_total", "Total number of alert deliveries by channel and result", "channel", "result"),
		StorageRetriesTotal: counter("storage_retries_total", "Total number of storage write retries per sink", "sink"),

		Degraded:                  gauge("degraded", "Whether the last cycle was degraded (1 = degraded, 0 = ok)"),
		LastCycleTimestampSeconds: gauge("last_cycle_timestamp_seconds", "Unix timestamp of the last completed cycle"),
		StartTimeSeconds:          gauge("start_time_seconds", "Unix timestamp when Log Sentinel was started"),
		Info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "info",
			Help:        "Log Sentinel version and build information",
			ConstLabels: labels,
		}, []string{"host", "version", "go_version"}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cycle_duration_seconds",
			Help:        "Duration of scan cycles in seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// Register registers every metric with registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.CyclesTotal,
		m.SourceReadsTotal,
		m.LinesReadTotal,
		m.EventsTotal,
		m.BreachesTotal,
		m.DeliveriesTotal,
		m.StorageRetriesTotal,
		m.Degraded,
		m.LastCycleTimestampSeconds,
		m.StartTimeSeconds,
		m.Info,
		m.CycleDuration,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return nil
}
