package scheduler

import (
	"sync"
	"time"

	"github.com/supporttools/log-sentinel/pkg/types"
)

// Statistics accumulates totals across cycles. All methods are thread-safe.
type Statistics struct {
	mu                  sync.RWMutex
	cyclesRun           int64
	cyclesDegraded      int64
	sourceFailures      int64
	linesRead           int64
	eventsDetected      int64
	eventsStored        int64
	breaches            int64
	deliveriesSucceeded int64
	deliveriesFailed    int64
	startTime           time.Time
}

// NewStatistics creates a new Statistics instance with current timestamp.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Record adds one cycle report to the totals.
func (s *Statistics) Record(report *types.CycleReport) {
	if report == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cyclesRun++
	if report.Degraded {
		s.cyclesDegraded++
	}
	for _, src := range report.Sources {
		if src.Err != nil {
			s.sourceFailures++
		}
		s.linesRead += int64(src.LinesRead)
		s.eventsDetected += int64(src.Events)
	}
	s.eventsStored += int64(report.EventsStored)
	s.breaches += int64(len(report.Breaches))
	for _, d := range report.Deliveries {
		if d.Success {
			s.deliveriesSucceeded++
		} else {
			s.deliveriesFailed++
		}
	}
}

// CyclesRun returns the number of completed cycles.
func (s *Statistics) CyclesRun() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cyclesRun
}

// EventsStored returns the number of events newly stored.
func (s *Statistics) EventsStored() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eventsStored
}

// GetUptime returns the time since statistics tracking started.
func (s *Statistics) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// DeliverySuccessRate returns the percentage of successful deliveries.
func (s *Statistics) DeliverySuccessRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deliverySuccessRateUnsafe()
}

// Summary returns all totals as loggable fields.
func (s *Statistics) Summary() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"uptime":                    time.Since(s.startTime).Round(time.Second).String(),
		"cycles_run":                s.cyclesRun,
		"cycles_degraded":           s.cyclesDegraded,
		"source_failures":           s.sourceFailures,
		"lines_read":                s.linesRead,
		"events_detected":           s.eventsDetected,
		"events_stored":             s.eventsStored,
		"breaches":                  s.breaches,
		"deliveries_succeeded":      s.deliveriesSucceeded,
		"deliveries_failed":         s.deliveriesFailed,
		"delivery_success_rate_pct": s.deliverySuccessRateUnsafe(),
	}
}

// deliverySuccessRateUnsafe expects the lock to be held.
func (s *Statistics) deliverySuccessRateUnsafe() float64 {
	total := s.deliveriesSucceeded + s.deliveriesFailed
	if total == 0 {
		return 0.0
	}
	return float64(s.deliveriesSucceeded) / float64(total) * 100.0
}
