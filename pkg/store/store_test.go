package store

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/log-sentinel/pkg/database"
	"github.com/supporttools/log-sentinel/pkg/types"
	"github.com/supporttools/log-sentinel/pkg/util"
)

var fastRetry = Options{
	MaxAttempts: 3,
	Backoff:     util.Backoff{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
}

func makeEvent(source string, offset int64, category types.Category, line string, at time.Time) types.Event {
	return types.Event{
		DedupKey:  types.DedupKey(source, offset, line),
		Timestamp: at,
		SourceID:  source,
		Host:      "localhost",
		Path:      "/var/log/auth.log",
		Category:  category,
		RuleID:    "rule",
		RawLine:   line,
		Offset:    offset,
	}
}

func sampleEvents() []types.Event {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return []types.Event{
		makeEvent("localhost:/var/log/auth.log", 0, types.CategoryFailedLogin, "Failed password for root", at),
		makeEvent("localhost:/var/log/auth.log", 25, types.CategoryFailedLogin, `quoted "user", with comma`, at.Add(time.Second)),
		makeEvent("localhost:/var/log/kern.log", 0, types.CategoryCrash, "segfault at 0", at.Add(2*time.Second)),
	}
}

func openStore(t *testing.T, dir string, opts Options) (*EventStore, *database.DB) {
	t.Helper()
	db, err := database.Open(context.Background(), "sqlite", filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	s, err := New(db, filepath.Join(dir, "events.csv"), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		db.Close()
	})
	return s, db
}

func countRows(t *testing.T, db *database.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM events").Scan(&n))
	return n
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestAppendIsIdempotentWithoutCache(t *testing.T) {
	dir := t.TempDir()
	s, db := openStore(t, dir, fastRetry)
	ctx := context.Background()

	first := s.Append(ctx, sampleEvents())
	require.False(t, first.Failed())
	assert.Equal(t, 3, first.Stored)

	second := s.Append(ctx, sampleEvents())
	require.False(t, second.Failed())
	assert.Equal(t, 0, second.Stored, "replay stores nothing")

	assert.Equal(t, 3, countRows(t, db))
	records := readCSV(t, filepath.Join(dir, "events.csv"))
	assert.Len(t, records, 4, "header plus one row per event")
	assert.Equal(t, CSVHeader, records[0])
	assert.Equal(t, `quoted "user", with comma`, records[2][6])
}

func TestAppendUsesDedupCache(t *testing.T) {
	opts := fastRetry
	opts.DedupCacheSize = 16
	s, _ := openStore(t, t.TempDir(), opts)
	ctx := context.Background()

	events := sampleEvents()
	require.False(t, s.Append(ctx, events).Failed())

	res := s.Append(ctx, append(events, events[0]))
	assert.Equal(t, 4, res.Duplicates)
	assert.Equal(t, 0, res.Stored)
}

func TestCSVIndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, _ := openStore(t, dir, fastRetry)
	require.False(t, s.Append(ctx, sampleEvents()).Failed())
	require.NoError(t, s.Close())

	sink, err := OpenCSVSink(filepath.Join(dir, "events.csv"))
	require.NoError(t, err)
	defer sink.Close()
	assert.Equal(t, 3, sink.Len())

	n, err := sink.Write(ctx, sampleEvents())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, readCSV(t, filepath.Join(dir, "events.csv")), 4)
}

func TestCSVDropsTornRecordOnOpen(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantKeys int
		wantRows int
	}{
		{
			name:     "torn data record",
			content:  strings.Join(CSVHeader, ",") + "\nabc,2024-06-01T12:00:00Z,localhost,/var/log/a,CRASH,rule,ok\ndeadbeef,2024-06-01T12:00:01Z,localhost,/var/log/a",
			wantKeys: 1,
			wantRows: 3,
		},
		{
			name:     "torn header",
			content:  "dedup_ke",
			wantKeys: 0,
			wantRows: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "events.csv")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			sink, err := OpenCSVSink(path)
			require.NoError(t, err)
			assert.Equal(t, tt.wantKeys, sink.Len())

			ev := sampleEvents()[2]
			n, err := sink.Write(context.Background(), []types.Event{ev})
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			require.NoError(t, sink.Close())

			records := readCSV(t, path)
			require.Len(t, records, tt.wantRows)
			assert.Equal(t, CSVHeader, records[0])
			last := records[len(records)-1]
			assert.Len(t, last, len(CSVHeader))
			assert.Equal(t, ev.DedupKey, last[0])

			// the key is indexed after a reopen, so a replay appends nothing
			sink, err = OpenCSVSink(path)
			require.NoError(t, err)
			defer sink.Close()
			n, err = sink.Write(context.Background(), []types.Event{ev})
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

// flakySink fails a fixed number of times before succeeding.
type flakySink struct {
	mu       sync.Mutex
	name     string
	failures int
	calls    int
	written  int
}

func (f *flakySink) Name() string { return f.name }

func (f *flakySink) Write(ctx context.Context, events []types.Event) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return 0, errors.New("disk full")
	}
	f.written += len(events)
	return len(events), nil
}

func (f *flakySink) Close() error { return nil }

func TestAppendRetriesOnlyFailingSink(t *testing.T) {
	healthy := &flakySink{name: "primary"}
	flaky := &flakySink{name: "secondary", failures: 2}

	retries := map[string]int{}
	opts := fastRetry
	opts.OnRetry = func(sink string) { retries[sink]++ }

	s, err := NewWithSinks(opts, healthy, flaky)
	require.NoError(t, err)

	res := s.Append(context.Background(), sampleEvents())
	require.False(t, res.Failed())
	assert.Equal(t, 3, res.Stored)
	assert.Equal(t, 1, healthy.calls)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, map[string]int{"secondary": 2}, retries)
}

func TestAppendReportsPersistentFailure(t *testing.T) {
	broken := &flakySink{name: "sql", failures: 100}
	opts := fastRetry
	opts.DedupCacheSize = 16
	s, err := NewWithSinks(opts, broken)
	require.NoError(t, err)

	events := sampleEvents()
	res := s.Append(context.Background(), events)
	require.True(t, res.Failed())
	// three batch attempts, then one write per source
	assert.Equal(t, 5, broken.calls)
	assert.Equal(t, []string{"localhost:/var/log/auth.log", "localhost:/var/log/kern.log"}, res.FailedSourceIDs())

	var storageErr *types.StorageError
	require.ErrorAs(t, res.Errors[0], &storageErr)
	assert.Equal(t, "sql", storageErr.Sink)
	assert.Equal(t, 3, storageErr.Attempts)

	// failed events are not cached, so a later append retries them
	broken.failures = 0
	res = s.Append(context.Background(), events)
	assert.False(t, res.Failed())
	assert.Equal(t, 0, res.Duplicates)
}

// rejectingSink refuses any batch holding an event of one source.
type rejectingSink struct {
	source  string
	written []types.Event
}

func (r *rejectingSink) Name() string { return "sql" }

func (r *rejectingSink) Write(ctx context.Context, events []types.Event) (int, error) {
	for _, ev := range events {
		if ev.SourceID == r.source {
			return 0, errors.New("invalid byte sequence for encoding UTF8")
		}
	}
	r.written = append(r.written, events...)
	return len(events), nil
}

func (r *rejectingSink) Close() error { return nil }

func TestAppendFailsOnlyRejectedSource(t *testing.T) {
	sink := &rejectingSink{source: "localhost:/var/log/kern.log"}
	opts := fastRetry
	opts.DedupCacheSize = 16
	s, err := NewWithSinks(opts, sink)
	require.NoError(t, err)

	events := sampleEvents()
	res := s.Append(context.Background(), events)
	require.True(t, res.Failed())
	assert.Equal(t, []string{"localhost:/var/log/kern.log"}, res.FailedSourceIDs())
	assert.Equal(t, 2, res.Stored)
	require.Len(t, sink.written, 2)
	for _, ev := range sink.written {
		assert.Equal(t, "localhost:/var/log/auth.log", ev.SourceID)
	}

	// events of the healthy source are cached, the rejected one is retried
	res = s.Append(context.Background(), events)
	assert.Equal(t, 2, res.Duplicates)
	assert.Equal(t, []string{"localhost:/var/log/kern.log"}, res.FailedSourceIDs())
}

func TestAppendStopsRetryingOnCancel(t *testing.T) {
	broken := &flakySink{name: "sql", failures: 100}
	opts := Options{MaxAttempts: 5, Backoff: util.Backoff{BaseDelay: time.Hour, MaxDelay: time.Hour}}
	s, err := NewWithSinks(opts, broken)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := s.Append(ctx, sampleEvents())
	require.True(t, res.Failed())
	assert.True(t, types.IsStorageFailure(res.Errors[0]))
	assert.Equal(t, 1, broken.calls)
}

func TestQueryRecent(t *testing.T) {
	s, _ := openStore(t, t.TempDir(), fastRetry)
	ctx := context.Background()

	events := sampleEvents()
	events[0].Fields = map[string]string{"user": "root", "ip": "203.0.113.9"}
	require.False(t, s.Append(ctx, events).Failed())

	all, err := s.QueryRecent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, types.CategoryCrash, all[0].Category, "newest first")

	logins, err := s.QueryRecent(ctx, Filter{Category: types.CategoryFailedLogin, Limit: 1})
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.Equal(t, int64(25), logins[0].Offset)

	bySource, err := s.QueryRecent(ctx, Filter{SourceID: "localhost:/var/log/auth.log", Since: events[0].Timestamp})
	require.NoError(t, err)
	require.Len(t, bySource, 2)
	assert.Equal(t, "root", bySource[1].Fields["user"])
	assert.True(t, bySource[1].Timestamp.Equal(events[0].Timestamp))

	require.NoError(t, s.Maintain(ctx))
	assert.Equal(t, []string{"sql", "csv"}, s.SinkNames())
}
