// Package health serves liveness, readiness and status endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// Server provides HTTP health check endpoints.
type Server struct {
	config     *Config
	httpServer *http.Server
	listener   net.Listener
	log        *logrus.Entry

	mu           sync.RWMutex
	healthy      bool
	ready        bool
	state        string
	lastCycle    *CycleSummary
	lastUpdate   time.Time
	startTime    time.Time
	healthChecks []HealthCheck
}

// Config contains configuration for the health server.
type Config struct {
	// BindAddress is the address to bind to (default: 0.0.0.0)
	BindAddress string

	// Port is the port to listen on (default: 8080, -1 picks a free port)
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Version string
}

// ConfigFrom converts the file configuration.
func ConfigFrom(cfg types.HealthConfig, version string) *Config {
	return &Config{
		BindAddress: cfg.BindAddress,
		Port:        cfg.Port,
		Version:     version,
	}
}

// HealthCheck represents a health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Checks    []Check   `json:"checks,omitempty"`
}

// Check represents an individual health check result.
type Check struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadinessResponse is the JSON body of /ready.
type ReadinessResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
}

// CycleSummary condenses a CycleReport for /status.
type CycleSummary struct {
	CycleID          string    `json:"cycleId"`
	StartedAt        time.Time `json:"startedAt"`
	Duration         string    `json:"duration"`
	Sources          int       `json:"sources"`
	FailedSources    int       `json:"failedSources"`
	EventsStored     int       `json:"eventsStored"`
	Breaches         []string  `json:"breaches,omitempty"`
	Deliveries       int       `json:"deliveries"`
	FailedDeliveries int       `json:"failedDeliveries"`
	Degraded         bool      `json:"degraded"`
	DegradedReasons  []string  `json:"degradedReasons,omitempty"`
}

// StatusResponse is the JSON body of /status.
type StatusResponse struct {
	Healthy    bool              `json:"healthy"`
	Ready      bool              `json:"ready"`
	State      string            `json:"state"`
	Uptime     string            `json:"uptime"`
	LastUpdate time.Time         `json:"lastUpdate"`
	LastCycle  *CycleSummary     `json:"lastCycle,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Summarize builds the /status view of report.
func Summarize(report *types.CycleReport) *CycleSummary {
	if report == nil {
		return nil
	}
	s := &CycleSummary{
		CycleID:         report.CycleID,
		StartedAt:       report.StartedAt,
		Duration:        report.Duration().Round(time.Millisecond).String(),
		Sources:         len(report.Sources),
		FailedSources:   report.FailedSources(),
		EventsStored:    report.EventsStored,
		Deliveries:      len(report.Deliveries),
		Degraded:        report.Degraded,
		DegradedReasons: append([]string(nil), report.DegradedReasons...),
	}
	for _, b := range report.Breaches {
		s.Breaches = append(s.Breaches, string(b.Category))
	}
	for _, d := range report.Deliveries {
		if !d.Success {
			s.FailedDeliveries++
		}
	}
	return s
}

// NewServer creates a new health server with the given configuration.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if config.BindAddress == "" {
		config.BindAddress = "0.0.0.0"
	}
	if config.Port == 0 {
		config.Port = types.DefaultHealthPort
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	return &Server{
		config:    config,
		healthy:   true,
		state:     "IDLE",
		startTime: time.Now(),
		log:       logger.ForComponent("health"),
	}, nil
}

// Handler returns the mux with all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("health server already started")
	}

	port := s.config.Port
	if port < 0 {
		port = 0
	}
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Health server failed")
		}
	}(s.httpServer)

	s.log.Infof("Health server started on %s", ln.Addr())
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown health server: %w", err)
	}
	s.log.Info("Health server stopped")
	return nil
}

// UpdateCycle records a completed cycle. The first call marks the
// server ready.
func (s *Server) UpdateCycle(report *types.CycleReport) {
	summary := Summarize(report)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle = summary
	s.lastUpdate = time.Now()
	if summary != nil {
		s.ready = true
	}
}

// SetState records the scheduler state shown by /status.
func (s *Server) SetState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// SetHealthy sets the overall health status.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// SetReady sets the readiness status.
func (s *Server) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = ready
}

// AddHealthCheck adds a custom liveness check.
func (s *Server) AddHealthCheck(name string, check func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthChecks = append(s.healthChecks, HealthCheck{Name: name, Check: check})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	healthy := s.healthy
	checksToRun := append([]HealthCheck(nil), s.healthChecks...)
	uptime := time.Since(s.startTime).Round(time.Second).String()
	s.mu.RUnlock()

	checks := make([]Check, 0, len(checksToRun))
	for _, hc := range checksToRun {
		check := Check{Name: hc.Name, Status: "ok"}
		if err := hc.Check(); err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			healthy = false
		}
		checks = append(checks, check)
	}

	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Uptime:    uptime,
		Checks:    checks,
	}
	status := http.StatusOK
	if !healthy {
		response.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	response := ReadinessResponse{Ready: ready, Timestamp: time.Now(), Message: "Ready"}
	status := http.StatusOK
	if !ready {
		response.Message = "Not ready: no scan cycle completed yet"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	response := StatusResponse{
		Healthy:    s.healthy,
		Ready:      s.ready,
		State:      s.state,
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		LastUpdate: s.lastUpdate,
		LastCycle:  s.lastCycle,
		Metadata: map[string]string{
			"version":    s.config.Version,
			"started_at": s.startTime.Format(time.RFC3339),
		},
	}
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, response)
}
