// Package store persists classified events to a SQL table and a CSV file.
// Appends are idempotent by dedup key, so a cycle replayed after a crash
// stores nothing twice.
package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/log-sentinel/pkg/database"
	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/types"
	"github.com/supporttools/log-sentinel/pkg/util"
)

const defaultQueryLimit = 100

// Sink is one durable destination for events.
type Sink interface {
	Name() string
	// Write stores events idempotently and returns how many were new.
	Write(ctx context.Context, events []types.Event) (int, error)
	Close() error
}

// Filter selects events for QueryRecent.
type Filter struct {
	Category types.Category
	SourceID string
	Since    time.Time
	Limit    int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultQueryLimit
	}
	return f.Limit
}

// AppendResult reports the outcome of one Append.
type AppendResult struct {
	// Stored counts events newly written to the first sink
	Stored int

	// Duplicates counts events skipped by the dedup cache
	Duplicates int

	// FailedSources holds the sources whose events did not reach every sink
	FailedSources map[string]bool

	// Errors holds one StorageError per failed sink
	Errors []error
}

// Failed reports whether any sink failed.
func (r AppendResult) Failed() bool {
	return len(r.Errors) > 0
}

// Options tune retries and the dedup cache.
type Options struct {
	MaxAttempts    int
	Backoff        util.Backoff
	DedupCacheSize int

	// OnRetry is called before each retry of a sink write
	OnRetry func(sink string)
}

// EventStore fans events out to its sinks.
type EventStore struct {
	sql   *SQLSink
	sinks []Sink
	db    *database.DB
	cache *lru.Cache[string, struct{}]
	opts  Options
	log   *logrus.Entry
}

// New creates a store writing to the events table of db and to the CSV file
// at csvPath.
func New(db *database.DB, csvPath string, opts Options) (*EventStore, error) {
	csvSink, err := OpenCSVSink(csvPath)
	if err != nil {
		return nil, err
	}
	sqlSink := NewSQLSink(db)
	s, err := NewWithSinks(opts, sqlSink, csvSink)
	if err != nil {
		csvSink.Close()
		return nil, err
	}
	return s, nil
}

// NewWithSinks creates a store over arbitrary sinks.
func NewWithSinks(opts Options, sinks ...Sink) (*EventStore, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("at least one sink is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	s := &EventStore{
		sinks: sinks,
		opts:  opts,
		log:   logger.ForComponent("store"),
	}
	if opts.DedupCacheSize > 0 {
		cache, err := lru.New[string, struct{}](opts.DedupCacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating dedup cache: %w", err)
		}
		s.cache = cache
	}
	for _, sink := range sinks {
		if sqlSink, ok := sink.(*SQLSink); ok {
			s.sql = sqlSink
			s.db = sqlSink.db
		}
	}
	return s, nil
}

// Append writes events to every sink. Each sink is retried on its own with
// bounded backoff; a sink that already succeeded is not written again. When a
// sink still fails, only the sources whose events it could not take are
// reported in FailedSources, and their events are not added to the dedup
// cache.
func (s *EventStore) Append(ctx context.Context, events []types.Event) AppendResult {
	result := AppendResult{FailedSources: make(map[string]bool)}

	pending := make([]types.Event, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if seen[ev.DedupKey] || (s.cache != nil && s.cache.Contains(ev.DedupKey)) {
			result.Duplicates++
			continue
		}
		seen[ev.DedupKey] = true
		pending = append(pending, ev)
	}
	if len(pending) == 0 {
		return result
	}

	for i, sink := range s.sinks {
		n, failed, err := s.writeSink(ctx, sink, pending)
		if err != nil {
			result.Errors = append(result.Errors, err)
			for id := range failed {
				result.FailedSources[id] = true
			}
		}
		if i == 0 {
			result.Stored = n
		}
	}

	if s.cache != nil {
		for _, ev := range pending {
			if !result.FailedSources[ev.SourceID] {
				s.cache.Add(ev.DedupKey, struct{}{})
			}
		}
	}
	return result
}

// writeSink writes events to one sink. When the whole batch keeps failing and
// spans several sources, each source is written once on its own, so a source
// whose events a sink rejects does not hold back the others.
func (s *EventStore) writeSink(ctx context.Context, sink Sink, events []types.Event) (int, map[string]bool, error) {
	n, err := s.writeWithRetry(ctx, sink, events)
	if err == nil {
		return n, nil, nil
	}

	groups := groupBySource(events)
	if len(groups) < 2 || ctx.Err() != nil {
		failed := make(map[string]bool, len(groups))
		for _, g := range groups {
			failed[g.sourceID] = true
		}
		return 0, failed, err
	}

	var (
		stored   int
		firstErr error
		failed   = make(map[string]bool)
	)
	for _, g := range groups {
		m, werr := sink.Write(ctx, g.events)
		if werr != nil {
			failed[g.sourceID] = true
			if firstErr == nil {
				firstErr = werr
			}
			continue
		}
		stored += m
	}
	if len(failed) == 0 {
		return stored, nil, nil
	}

	s.log.WithFields(logrus.Fields{
		logger.FieldSink: sink.Name(),
		"failed_sources": len(failed),
		"total_sources":  len(groups),
	}).WithError(firstErr).Warn("Sink rejected events of some sources")
	return stored, failed, &types.StorageError{Sink: sink.Name(), Attempts: s.opts.MaxAttempts, Err: firstErr}
}

type sourceBatch struct {
	sourceID string
	events   []types.Event
}

// groupBySource splits events per source, keeping first-seen order.
func groupBySource(events []types.Event) []sourceBatch {
	var groups []sourceBatch
	index := make(map[string]int)
	for _, ev := range events {
		i, ok := index[ev.SourceID]
		if !ok {
			i = len(groups)
			index[ev.SourceID] = i
			groups = append(groups, sourceBatch{sourceID: ev.SourceID})
		}
		groups[i].events = append(groups[i].events, ev)
	}
	return groups
}

func (s *EventStore) writeWithRetry(ctx context.Context, sink Sink, events []types.Event) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := s.opts.Backoff.Delay(attempt - 1)
			s.log.WithFields(logrus.Fields{
				logger.FieldSink: sink.Name(),
				"attempt":        attempt,
				"delay":          delay.String(),
			}).WithError(lastErr).Warn("Retrying sink write")
			if s.opts.OnRetry != nil {
				s.opts.OnRetry(sink.Name())
			}
			if err := util.Sleep(ctx, delay); err != nil {
				lastErr = err
				return 0, &types.StorageError{Sink: sink.Name(), Attempts: attempt - 1, Err: lastErr}
			}
		}

		n, err := sink.Write(ctx, events)
		if err == nil {
			return n, nil
		}
		lastErr = err
	}

	s.log.WithField(logger.FieldSink, sink.Name()).WithError(lastErr).
		Errorf("Sink write failed after %d attempts", s.opts.MaxAttempts)
	return 0, &types.StorageError{Sink: sink.Name(), Attempts: s.opts.MaxAttempts, Err: lastErr}
}

// QueryRecent returns recent events from the SQL table, newest first.
func (s *EventStore) QueryRecent(ctx context.Context, filter Filter) ([]types.Event, error) {
	if s.sql == nil {
		return nil, fmt.Errorf("no queryable sink configured")
	}
	return s.sql.Query(ctx, filter)
}

// Maintain runs database maintenance.
func (s *EventStore) Maintain(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	start := time.Now()
	if err := s.db.Maintain(ctx); err != nil {
		return err
	}
	s.log.WithField("duration", time.Since(start).String()).Info("Database maintenance completed")
	return nil
}

// SinkNames returns the configured sink names in order.
func (s *EventStore) SinkNames() []string {
	names := make([]string, len(s.sinks))
	for i, sink := range s.sinks {
		names[i] = sink.Name()
	}
	return names
}

// Close closes every sink.
func (s *EventStore) Close() error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FailedSourceIDs returns the failed sources in sorted order.
func (r AppendResult) FailedSourceIDs() []string {
	ids := make([]string, 0, len(r.FailedSources))
	for id := range r.FailedSources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
