package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// Result label values.
const (
	ResultOK          = "ok"
	ResultDegraded    = "degraded"
	ResultUnavailable = "unavailable"
	ResultFailed      = "failed"
)

// Exporter records cycle outcomes and serves them over HTTP.
type Exporter struct {
	config    types.MetricsConfig
	registry  *prometheus.Registry
	metrics   *Metrics
	startTime time.Time
	log       *logrus.Entry

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewExporter creates and registers the metrics. The server is started
// separately with Start.
func NewExporter(config types.MetricsConfig, hostName, version string) (*Exporter, error) {
	constLabels := make(prometheus.Labels, len(config.Labels))
	for k, v := range config.Labels {
		constLabels[k] = v
	}

	registry := NewRegistry()
	m := NewMetrics(config.Namespace, config.Subsystem, constLabels)
	if err := m.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	e := &Exporter{
		config:    config,
		registry:  registry,
		metrics:   m,
		startTime: time.Now(),
		log:       logger.ForComponent("metrics"),
	}
	m.StartTimeSeconds.Set(float64(e.startTime.Unix()))
	m.Info.WithLabelValues(hostName, version, runtime.Version()).Set(1)
	return e, nil
}

// Registry returns the exporter's registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Metrics returns the underlying collectors.
func (e *Exporter) Metrics() *Metrics {
	return e.metrics
}

// Handler returns the mux serving the metrics path and /health.
func (e *Exporter) Handler() http.Handler {
	path := e.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          e.log,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"log-sentinel-metrics"}`))
	})
	return mux
}

// Start listens on the configured port and serves in the background.
func (e *Exporter) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server != nil {
		return fmt.Errorf("metrics server already started")
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(e.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", e.config.Port, err)
	}

	e.listener = ln
	e.server = &http.Server{
		Handler:      e.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func(server *http.Server) {
		e.log.Infof("Starting metrics server on %s%s", ln.Addr(), e.config.Path)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.WithError(err).Error("Metrics server error")
		}
	}(e.server)
	return nil
}

// Addr returns the listening address, or "" before Start.
func (e *Exporter) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (e *Exporter) Stop(ctx context.Context) error {
	e.mu.Lock()
	server := e.server
	e.server = nil
	e.listener = nil
	e.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		e.log.WithError(err).Warn("Metrics server shutdown error")
		return err
	}
	e.log.Info("Metrics server shut down")
	return nil
}

// RecordCycle updates the metrics from a finished cycle.
func (e *Exporter) RecordCycle(report *types.CycleReport) {
	if report == nil {
		return
	}
	m := e.metrics

	if report.Degraded {
		m.CyclesTotal.WithLabelValues(ResultDegraded).Inc()
		m.Degraded.Set(1)
	} else {
		m.CyclesTotal.WithLabelValues(ResultOK).Inc()
		m.Degraded.Set(0)
	}
	m.CycleDuration.Observe(report.Duration().Seconds())
	m.LastCycleTimestampSeconds.Set(float64(report.FinishedAt.Unix()))

	for _, src := range report.Sources {
		if src.Skipped {
			continue
		}
		if src.Err != nil {
			m.SourceReadsTotal.WithLabelValues(src.SourceID, ResultUnavailable).Inc()
			continue
		}
		m.SourceReadsTotal.WithLabelValues(src.SourceID, ResultOK).Inc()
		m.LinesReadTotal.WithLabelValues(src.SourceID).Add(float64(src.LinesRead))
	}

	for category, n := range report.EventCounts {
		m.EventsTotal.WithLabelValues(string(category)).Add(float64(n))
	}
	for _, b := range report.Breaches {
		m.BreachesTotal.WithLabelValues(string(b.Category)).Inc()
	}
	for _, d := range report.Deliveries {
		result := ResultOK
		if !d.Success {
			result = ResultFailed
		}
		m.DeliveriesTotal.WithLabelValues(d.Channel, result).Inc()
	}
}

// RecordStorageRetry counts one retried write to sink.
func (e *Exporter) RecordStorageRetry(sink string) {
	e.metrics.StorageRetriesTotal.WithLabelValues(sink).Inc()
}
