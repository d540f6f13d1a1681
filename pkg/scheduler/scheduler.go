// Package scheduler drives periodic scan cycles: read every source in a
// bounded worker pool, store the classified events, evaluate thresholds,
// dispatch alerts and finally commit checkpoints.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/log-sentinel/pkg/alert"
	"github.com/supporttools/log-sentinel/pkg/checkpoint"
	"github.com/supporttools/log-sentinel/pkg/classifier"
	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/source"
	"github.com/supporttools/log-sentinel/pkg/store"
	"github.com/supporttools/log-sentinel/pkg/threshold"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle         State = "IDLE"
	StateScanning     State = "SCANNING"
	StateShuttingDown State = "SHUTTING_DOWN"
)

// DefaultMaxParallel caps the worker pool when no limit is configured.
const DefaultMaxParallel = 8

// EventStore is the part of the event store the scheduler needs.
type EventStore interface {
	Append(ctx context.Context, events []types.Event) store.AppendResult
	Maintain(ctx context.Context) error
}

// Dispatcher sends the consolidated alert of a cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context, breaches []types.Breach, info alert.CycleInfo) []types.DeliveryResult
}

// Observer receives every finished cycle report.
type Observer interface {
	RecordCycle(report *types.CycleReport)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(report *types.CycleReport)

// RecordCycle calls f(report).
func (f ObserverFunc) RecordCycle(report *types.CycleReport) { f(report) }

// Config holds the scheduling parameters.
type Config struct {
	ScanInterval      time.Duration
	MaxParallel       int
	RemoteReadTimeout time.Duration
	LocalReadTimeout  time.Duration
	HostName          string
	Maintenance       types.MaintenanceConfig
}

// ConfigFrom extracts the scheduler parameters from the file configuration.
func ConfigFrom(cfg *types.SentinelConfig) Config {
	return Config{
		ScanInterval:      cfg.Settings.ScanInterval,
		MaxParallel:       cfg.Settings.MaxParallel,
		RemoteReadTimeout: cfg.Settings.RemoteReadTimeout,
		LocalReadTimeout:  cfg.Settings.LocalReadTimeout,
		HostName:          cfg.Settings.HostName,
		Maintenance:       cfg.Storage.Maintenance,
	}
}

// Dependencies are the components one cycle drives.
type Dependencies struct {
	Readers     []source.Reader
	Classifier  *classifier.Classifier
	Checkpoints checkpoint.Store
	Store       EventStore
	Thresholds  *threshold.Tracker
	Alerts      Dispatcher
	Observers   []Observer

	// OnStateChange is called after every state transition
	OnStateChange func(State)

	// Now stamps detection times (default time.Now)
	Now func() time.Time
}

// Scheduler runs scan cycles one at a time.
type Scheduler struct {
	config Config
	deps   Dependencies
	stats  *Statistics
	log    *logrus.Entry

	// cycleMu serialises cycles and maintenance
	cycleMu sync.Mutex
	running atomic.Bool

	mu         sync.RWMutex
	state      State
	degraded   bool
	lastReport *types.CycleReport
}

// sourceOutcome is what one source task hands to the aggregation phase.
type sourceOutcome struct {
	result types.SourceResult
	events []types.Event
	next   *types.Checkpoint
	prev   *types.Checkpoint
}

// New validates the dependencies and creates a scheduler.
func New(config Config, deps Dependencies) (*Scheduler, error) {
	if deps.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if deps.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("event store is required")
	}
	if deps.Thresholds == nil {
		return nil, fmt.Errorf("threshold tracker is required")
	}
	if config.ScanInterval <= 0 {
		return nil, fmt.Errorf("scan interval must be positive, got %v", config.ScanInterval)
	}
	if config.MaxParallel <= 0 {
		config.MaxParallel = DefaultMaxParallel
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Scheduler{
		config: config,
		deps:   deps,
		stats:  NewStatistics(),
		state:  StateIdle,
		log:    logger.ForComponent("scheduler"),
	}, nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Degraded reports whether the scheduler is in degraded mode.
func (s *Scheduler) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// LastReport returns the most recent cycle report, or nil.
func (s *Scheduler) LastReport() *types.CycleReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastReport
}

// Stats returns the accumulated statistics.
func (s *Scheduler) Stats() *Statistics {
	return s.stats
}

func (s *Scheduler) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev == next {
		return
	}
	s.log.WithFields(logrus.Fields{"from": prev, "to": next}).Debug("State changed")
	if s.deps.OnStateChange != nil {
		s.deps.OnStateChange(next)
	}
}

// Run performs an immediate cycle and then one per scan interval until ctx
// is cancelled. A cycle in flight at cancellation runs to completion.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler is already running")
	}
	defer s.running.Store(false)

	s.log.Infof("Scheduler started with %d sources, interval %v, max parallel %d",
		len(s.deps.Readers), s.config.ScanInterval, s.config.MaxParallel)

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	var maintenance <-chan time.Time
	var maintenanceTimer *time.Timer
	if s.config.Maintenance.Enabled {
		next := nextMaintenance(time.Now(), s.config.Maintenance.Hour, s.config.Maintenance.Minute)
		maintenanceTimer = time.NewTimer(time.Until(next))
		defer maintenanceTimer.Stop()
		maintenance = maintenanceTimer.C
		s.log.Infof("Next database maintenance at %s", next.Format(time.RFC3339))
	}

	s.RunCycle(ctx)
	for {
		// drop a tick that queued up while the cycle ran
		select {
		case <-ticker.C:
		default:
		}

		select {
		case <-ctx.Done():
			s.setState(StateShuttingDown)
			s.log.WithFields(logrus.Fields(s.stats.Summary())).Info("Scheduler stopped")
			return nil

		case <-ticker.C:
			s.RunCycle(ctx)

		case <-maintenance:
			s.RunMaintenance(ctx)
			next := nextMaintenance(time.Now(), s.config.Maintenance.Hour, s.config.Maintenance.Minute)
			maintenanceTimer.Reset(time.Until(next))
		}
	}
}

// RunMaintenance runs event store maintenance between cycles.
func (s *Scheduler) RunMaintenance(ctx context.Context) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := s.deps.Store.Maintain(ctx); err != nil {
		s.log.WithError(err).Warn("Database maintenance failed")
	}
}

// nextMaintenance returns the next local hour:minute strictly after now.
func nextMaintenance(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// RunCycle performs one scan cycle and returns its report. Sources not yet
// started when ctx is cancelled are skipped; everything already started
// finishes under a context detached from ctx.
func (s *Scheduler) RunCycle(ctx context.Context) *types.CycleReport {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	s.setState(StateScanning)
	defer func() {
		s.mu.Lock()
		reset := s.state == StateScanning
		s.mu.Unlock()
		if reset {
			s.setState(StateIdle)
		}
	}()

	work := context.WithoutCancel(ctx)
	report := &types.CycleReport{
		CycleID:     uuid.NewString(),
		StartedAt:   time.Now(),
		EventCounts: make(map[types.Category]int),
	}
	log := s.log.WithField(logger.FieldCycle, report.CycleID)

	// read and classify
	outcomes := s.readAll(ctx, work)

	var events []types.Event
	for _, o := range outcomes {
		events = append(events, o.events...)
	}

	// store
	var reasons []string
	storageFailed := map[string]bool{}
	if len(events) > 0 {
		res := s.deps.Store.Append(work, events)
		report.EventsStored = res.Stored
		if res.Failed() {
			storageFailed = res.FailedSources
			for _, err := range res.Errors {
				reasons = append(reasons, err.Error())
			}
		}
	}

	// evaluate, excluding events whose sources will be re-read next cycle
	counted := events
	if len(storageFailed) > 0 {
		counted = make([]types.Event, 0, len(events))
		for _, ev := range events {
			if !storageFailed[ev.SourceID] {
				counted = append(counted, ev)
			}
		}
	}
	for _, ev := range counted {
		report.EventCounts[ev.Category]++
	}
	report.Breaches = s.deps.Thresholds.Observe(counted)

	// alert
	if len(report.Breaches) > 0 && s.deps.Alerts != nil {
		report.Deliveries = s.deps.Alerts.Dispatch(work, report.Breaches, alert.CycleInfo{
			CycleID:  report.CycleID,
			HostName: s.config.HostName,
			At:       time.Now(),
		})
	}

	// commit
	for i := range outcomes {
		o := &outcomes[i]
		if o.result.Skipped || o.result.Err != nil || o.next == nil {
			continue
		}
		if storageFailed[o.result.SourceID] {
			continue
		}
		if err := s.commit(work, o); err != nil {
			log.WithField(logger.FieldSource, o.result.SourceID).WithError(err).Warn("Failed to commit checkpoint")
			reasons = append(reasons, fmt.Sprintf("checkpoint commit failed for %s", o.result.SourceID))
			continue
		}
		o.result.Committed = true
	}

	report.Sources = make([]types.SourceResult, len(outcomes))
	attempted, failed := 0, 0
	for i, o := range outcomes {
		report.Sources[i] = o.result
		if o.result.Skipped {
			continue
		}
		attempted++
		if o.result.Err != nil {
			failed++
		}
	}
	if attempted > 0 && failed == attempted {
		reasons = append(reasons, fmt.Sprintf("all %d sources failed", attempted))
	}

	s.updateDegraded(report, reasons, failed)
	report.FinishedAt = time.Now()

	s.mu.Lock()
	s.lastReport = report
	s.mu.Unlock()

	s.stats.Record(report)
	s.logSummary(log, report)
	for _, obs := range s.deps.Observers {
		obs.RecordCycle(report)
	}
	return report
}

// updateDegraded enters degraded mode on storage failure or total source
// failure, and leaves it only after a cycle without any failure.
func (s *Scheduler) updateDegraded(report *types.CycleReport, reasons []string, failedSources int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case len(reasons) > 0:
		s.degraded = true
	case failedSources == 0:
		s.degraded = false
	case s.degraded:
		reasons = append(reasons, "awaiting a fully healthy cycle")
	}
	report.Degraded = s.degraded
	if s.degraded {
		report.DegradedReasons = reasons
	}
}

func (s *Scheduler) readAll(ctx, work context.Context) []sourceOutcome {
	readers := s.deps.Readers
	outcomes := make([]sourceOutcome, len(readers))
	for i, r := range readers {
		outcomes[i].result.SourceID = r.Source().ID
	}

	runPool(ctx, len(readers), s.config.MaxParallel,
		func(i int) {
			outcomes[i] = s.readSource(work, readers[i])
		},
		func(i int) {
			outcomes[i].result.Skipped = true
		},
		func(i int, err error) {
			src := readers[i].Source()
			outcomes[i] = sourceOutcome{result: types.SourceResult{
				SourceID: src.ID,
				Err:      &types.SourceUnavailableError{SourceID: src.ID, Op: "read", Err: err},
			}}
		},
	)
	return outcomes
}

func (s *Scheduler) readSource(ctx context.Context, reader source.Reader) sourceOutcome {
	src := reader.Source()
	out := sourceOutcome{result: types.SourceResult{SourceID: src.ID}}
	log := s.log.WithField(logger.FieldSource, src.ID)

	timeout := s.config.LocalReadTimeout
	if src.Kind == types.SourceKindRemote {
		timeout = s.config.RemoteReadTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	prev, err := s.deps.Checkpoints.Load(ctx, src.ID)
	if err != nil {
		out.result.Err = &types.SourceUnavailableError{SourceID: src.ID, Op: "load checkpoint", Err: err}
		log.WithError(err).Warn("Failed to load checkpoint")
		return out
	}
	out.prev = prev

	res, err := reader.ReadNew(ctx, prev)
	if err != nil {
		out.result.Err = err
		log.WithError(err).Warn("Source unavailable")
		return out
	}
	if res.Rotated {
		log.Info("Rotation detected, reading from the start")
	}

	now := s.deps.Now()
	for _, line := range res.Lines {
		if ev := s.deps.Classifier.Classify(src, line.Offset, line.Text, now); ev != nil {
			out.events = append(out.events, *ev)
		}
	}

	next := res.Checkpoint
	out.next = &next
	out.result.LinesRead = len(res.Lines)
	out.result.Events = len(out.events)
	return out
}

func (s *Scheduler) commit(ctx context.Context, o *sourceOutcome) error {
	if unchanged(o.prev, o.next) {
		return nil
	}
	cp := *o.next
	cp.SourceID = o.result.SourceID
	cp.UpdatedAt = time.Now().UTC()
	return s.deps.Checkpoints.Save(ctx, cp)
}

func unchanged(prev, next *types.Checkpoint) bool {
	if prev == nil {
		return false
	}
	a, b := prev.Fingerprint, next.Fingerprint
	return prev.Offset == next.Offset &&
		a.Size == b.Size &&
		a.ModTime.Equal(b.ModTime) &&
		a.HeadHash == b.HeadHash &&
		a.HeadLen == b.HeadLen
}

func (s *Scheduler) logSummary(log *logrus.Entry, report *types.CycleReport) {
	failedDeliveries := 0
	for _, d := range report.Deliveries {
		if !d.Success {
			failedDeliveries++
		}
	}

	entry := log.WithFields(logrus.Fields{
		"duration":          report.Duration().Round(time.Millisecond).String(),
		"sources":           len(report.Sources),
		"failed_sources":    report.FailedSources(),
		"events_stored":     report.EventsStored,
		"breaches":          len(report.Breaches),
		"deliveries":        len(report.Deliveries),
		"failed_deliveries": failedDeliveries,
	})
	for category, n := range report.EventCounts {
		entry = entry.WithField("events_"+string(category), n)
	}

	if report.Degraded {
		entry.WithField("reasons", report.DegradedReasons).Warn("Cycle complete (degraded)")
		return
	}
	entry.Info("Cycle complete")
}
