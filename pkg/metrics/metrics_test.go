package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/supporttools/log-sentinel/pkg/types"
)

func newTestExporter(t *testing.T) *Exporter {
	t.Helper()
	e, err := NewExporter(types.MetricsConfig{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: DefaultNamespace,
		Labels:    map[string]string{"env": "test"},
	}, "collector", "v0.0.1")
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	return e
}

func TestRegisterTwiceFails(t *testing.T) {
	m := NewMetrics("", "", nil)
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := m.Register(registry); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRecordCycle(t *testing.T) {
	e := newTestExporter(t)
	m := e.Metrics()

	start := time.Now()
	report := &types.CycleReport{
		CycleID:    "c-1",
		StartedAt:  start,
		FinishedAt: start.Add(250 * time.Millisecond),
		Sources: []types.SourceResult{
			{SourceID: "localhost:/var/log/auth.log", LinesRead: 12},
			{SourceID: "web-1:/var/log/auth.log", Err: errors.New("dial timeout")},
		},
		EventCounts: map[types.Category]int{types.CategoryFailedLogin: 6},
		Breaches:    []types.Breach{{Category: types.CategoryFailedLogin, Count: 6, Limit: 5}},
		Deliveries: []types.DeliveryResult{
			{Channel: "chat", Success: true},
			{Channel: "email", Success: false},
		},
		Degraded: true,
	}
	e.RecordCycle(report)
	e.RecordStorageRetry("csv")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"degraded cycles", testutil.ToFloat64(m.CyclesTotal.WithLabelValues(ResultDegraded)), 1},
		{"degraded gauge", testutil.ToFloat64(m.Degraded), 1},
		{"ok read", testutil.ToFloat64(m.SourceReadsTotal.WithLabelValues("localhost:/var/log/auth.log", ResultOK)), 1},
		{"unavailable read", testutil.ToFloat64(m.SourceReadsTotal.WithLabelValues("web-1:/var/log/auth.log", ResultUnavailable)), 1},
		{"lines read", testutil.ToFloat64(m.LinesReadTotal.WithLabelValues("localhost:/var/log/auth.log")), 12},
		{"events", testutil.ToFloat64(m.EventsTotal.WithLabelValues("FAILED_LOGIN")), 6},
		{"breaches", testutil.ToFloat64(m.BreachesTotal.WithLabelValues("FAILED_LOGIN")), 1},
		{"delivered", testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("chat", ResultOK)), 1},
		{"delivery failed", testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("email", ResultFailed)), 1},
		{"storage retries", testutil.ToFloat64(m.StorageRetriesTotal.WithLabelValues("csv")), 1},
		{"last cycle", testutil.ToFloat64(m.LastCycleTimestampSeconds), float64(report.FinishedAt.Unix())},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	report.Degraded = false
	e.RecordCycle(report)
	if got := testutil.ToFloat64(m.Degraded); got != 0 {
		t.Errorf("degraded gauge = %v after a clean cycle", got)
	}
	if n := testutil.CollectAndCount(m.CycleDuration); n != 1 {
		t.Errorf("cycle duration series = %d, want 1", n)
	}
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	e := newTestExporter(t)
	e.RecordCycle(&types.CycleReport{StartedAt: time.Now(), FinishedAt: time.Now()})

	server := httptest.NewServer(e.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	for _, name := range []string{
		"log_sentinel_cycles_total",
		"log_sentinel_cycle_duration_seconds",
		"log_sentinel_info",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
	if !strings.Contains(string(body), `env="test"`) {
		t.Error("const labels missing from output")
	}

	resp, err = http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/health status = %d", resp.StatusCode)
	}
}

func TestStartStop(t *testing.T) {
	e, err := NewExporter(types.MetricsConfig{Enabled: true, Port: 0, Path: "/metrics"}, "h", "dev")
	if err != nil {
		t.Fatalf("NewExporter() error = %v", err)
	}
	// port 0 picks a free port
	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := e.Start(); err == nil {
		t.Error("second Start() should fail")
	}

	resp, err := http.Get("http://" + e.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}
