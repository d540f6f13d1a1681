package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/log-sentinel/pkg/alert"
	"github.com/supporttools/log-sentinel/pkg/checkpoint"
	"github.com/supporttools/log-sentinel/pkg/classifier"
	"github.com/supporttools/log-sentinel/pkg/source"
	"github.com/supporttools/log-sentinel/pkg/store"
	"github.com/supporttools/log-sentinel/pkg/threshold"
	"github.com/supporttools/log-sentinel/pkg/types"
	"github.com/supporttools/log-sentinel/pkg/util"
)

// memSink keeps events in memory and can be told to fail.
type memSink struct {
	mu     sync.Mutex
	events map[string]types.Event
	fail   bool
}

func newMemSink() *memSink {
	return &memSink{events: make(map[string]types.Event)}
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Write(_ context.Context, events []types.Event) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("disk full")
	}
	n := 0
	for _, ev := range events {
		if _, ok := m.events[ev.DedupKey]; !ok {
			m.events[ev.DedupKey] = ev
			n++
		}
	}
	return n, nil
}

func (m *memSink) Close() error { return nil }

func (m *memSink) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// recordingDispatcher captures every dispatch.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls [][]types.Breach
}

func (d *recordingDispatcher) Dispatch(_ context.Context, breaches []types.Breach, info alert.CycleInfo) []types.DeliveryResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, breaches)
	return []types.DeliveryResult{{Channel: "test", Type: "stub", Success: true, Attempts: 1}}
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// hangingReader simulates an unreachable remote host.
type hangingReader struct {
	src types.LogSource
}

func (r *hangingReader) Source() types.LogSource { return r.src }

func (r *hangingReader) ReadNew(ctx context.Context, _ *types.Checkpoint) (source.ReadResult, error) {
	<-ctx.Done()
	return source.ReadResult{}, &types.SourceUnavailableError{SourceID: r.src.ID, Op: "dial", Err: ctx.Err()}
}

func (r *hangingReader) Close() error { return nil }

// panickingReader blows up inside the worker.
type panickingReader struct {
	src types.LogSource
}

func (r *panickingReader) Source() types.LogSource { return r.src }

func (r *panickingReader) ReadNew(context.Context, *types.Checkpoint) (source.ReadResult, error) {
	panic("reader bug")
}

func (r *panickingReader) Close() error { return nil }

type harness struct {
	dir         string
	sink        *memSink
	alerts      *recordingDispatcher
	checkpoints checkpoint.Store
	sched       *Scheduler
}

func newHarness(t *testing.T, readers []source.Reader, mode string) *harness {
	t.Helper()
	dir := t.TempDir()

	cls, err := classifier.New(nil, true)
	require.NoError(t, err)

	cps, err := checkpoint.NewFileStore(filepath.Join(dir, "checkpoints.json"))
	require.NoError(t, err)
	t.Cleanup(func() { cps.Close() })

	sink := newMemSink()
	events, err := store.NewWithSinks(store.Options{
		MaxAttempts: 2,
		Backoff:     util.Backoff{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, sink)
	require.NoError(t, err)

	h := &harness{dir: dir, sink: sink, alerts: &recordingDispatcher{}, checkpoints: cps}
	h.sched, err = New(Config{
		ScanInterval:      time.Hour,
		MaxParallel:       4,
		RemoteReadTimeout: 50 * time.Millisecond,
		HostName:          "collector",
	}, Dependencies{
		Readers:     readers,
		Classifier:  cls,
		Checkpoints: cps,
		Store:       events,
		Thresholds: threshold.NewTracker(mode, []types.ThresholdRule{
			{Category: types.CategoryFailedLogin, Limit: 5},
			{Category: types.CategoryCrash, Limit: 1},
		}),
		Alerts: h.alerts,
	})
	require.NoError(t, err)
	return h
}

func writeLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l + "\n")
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

func appendLog(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func failedLogins(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "sshd[1]: Failed password for root from 203.0.113." + string(rune('0'+i%10)) + " port 22"
	}
	return out
}

func localReader(path string) source.Reader {
	return source.NewLocalReader(types.NewLocalSource(path), source.Options{})
}

func TestRunCycleStoresAlertsAndCommits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	writeLog(t, path, failedLogins(5)...)

	h := newHarness(t, []source.Reader{localReader(path)}, types.ThresholdModePerCycle)

	report := h.sched.RunCycle(context.Background())
	require.Len(t, report.Sources, 1)
	assert.NoError(t, report.Sources[0].Err)
	assert.True(t, report.Sources[0].Committed)
	assert.Equal(t, 5, report.Sources[0].LinesRead)
	assert.Equal(t, 5, report.EventsStored)
	assert.Equal(t, 5, report.EventCounts[types.CategoryFailedLogin])
	require.Len(t, report.Breaches, 1)
	assert.Equal(t, types.CategoryFailedLogin, report.Breaches[0].Category)
	assert.Len(t, report.Deliveries, 1)
	assert.False(t, report.Degraded)
	assert.NotEmpty(t, report.CycleID)

	info, err := os.Stat(path)
	require.NoError(t, err)
	cp, err := h.checkpoints.Load(context.Background(), types.NewLocalSource(path).ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, info.Size(), cp.Offset)

	// nothing new: no events, no alert
	report = h.sched.RunCycle(context.Background())
	assert.Equal(t, 0, report.EventsStored)
	assert.Empty(t, report.Breaches)
	assert.Equal(t, 1, h.alerts.count())
	assert.Equal(t, StateIdle, h.sched.State())
}

func TestThresholdBoundaryAcrossCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	writeLog(t, path, failedLogins(4)...)

	h := newHarness(t, []source.Reader{localReader(path)}, types.ThresholdModePerCycle)

	report := h.sched.RunCycle(context.Background())
	assert.Empty(t, report.Breaches, "4 failed logins must not breach a limit of 5")
	assert.Equal(t, 0, h.alerts.count())
}

func TestSourceIsolation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syslog.log")
	writeLog(t, path, "kernel: app[9]: segfault at 0 ip 0 sp 0 error 4")

	remote := &hangingReader{src: types.NewRemoteSource(types.RemoteEndpoint{Host: "10.0.0.9", Port: 22, Username: "ops"}, "/var/log/auth.log")}
	h := newHarness(t, []source.Reader{localReader(path), remote}, types.ThresholdModePerCycle)

	start := time.Now()
	report := h.sched.RunCycle(context.Background())
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Len(t, report.Sources, 2)
	local, rem := report.Sources[0], report.Sources[1]

	assert.NoError(t, local.Err)
	assert.True(t, local.Committed)
	assert.Equal(t, 1, h.sink.count())

	require.Error(t, rem.Err)
	assert.True(t, types.IsSourceUnavailable(rem.Err))
	assert.False(t, rem.Committed)

	cp, err := h.checkpoints.Load(context.Background(), remote.src.ID)
	require.NoError(t, err)
	assert.Nil(t, cp, "unavailable source must keep its checkpoint")

	assert.False(t, report.Degraded, "one healthy source keeps the cycle out of degraded mode")
	assert.Equal(t, 1, report.FailedSources())
}

func TestStorageFailureWithholdsCheckpointAndReplaysIdempotently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	writeLog(t, path, failedLogins(3)...)
	srcID := types.NewLocalSource(path).ID

	h := newHarness(t, []source.Reader{localReader(path)}, types.ThresholdModePerCycle)
	h.sink.setFail(true)

	report := h.sched.RunCycle(context.Background())
	assert.True(t, report.Degraded)
	assert.NotEmpty(t, report.DegradedReasons)
	assert.False(t, report.Sources[0].Committed)
	assert.True(t, h.sched.Degraded())

	cp, err := h.checkpoints.Load(context.Background(), srcID)
	require.NoError(t, err)
	assert.Nil(t, cp)

	h.sink.setFail(false)
	report = h.sched.RunCycle(context.Background())
	assert.False(t, report.Degraded)
	assert.False(t, h.sched.Degraded())
	assert.True(t, report.Sources[0].Committed)
	assert.Equal(t, 3, h.sink.count())

	// a replay from an uncommitted checkpoint stores nothing twice
	require.NoError(t, os.Remove(filepath.Join(h.dir, "checkpoints.json")))
	cps, err := checkpoint.NewFileStore(filepath.Join(h.dir, "checkpoints.json"))
	require.NoError(t, err)
	h.sched.deps.Checkpoints = cps
	report = h.sched.RunCycle(context.Background())
	assert.Equal(t, 0, report.EventsStored)
	assert.Equal(t, 3, h.sink.count())
}

func TestRotationRereadsFromStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeLog(t, path, "CRITICAL disk error on sda in the first incarnation of this file", "ordinary line")

	h := newHarness(t, []source.Reader{localReader(path)}, types.ThresholdModePerCycle)
	h.sched.RunCycle(context.Background())

	writeLog(t, path, "CRITICAL error again")
	report := h.sched.RunCycle(context.Background())
	assert.Equal(t, 1, report.Sources[0].LinesRead)
	assert.Equal(t, 1, report.EventsStored)

	cp, err := h.checkpoints.Load(context.Background(), types.NewLocalSource(path).ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len("CRITICAL error again\n")), cp.Offset)
}

func TestAppendedLinesAreReadOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	writeLog(t, path, failedLogins(2)...)

	h := newHarness(t, []source.Reader{localReader(path)}, types.ThresholdModeCumulative)
	report := h.sched.RunCycle(context.Background())
	assert.Empty(t, report.Breaches)

	appendLog(t, path, failedLogins(3)...)
	report = h.sched.RunCycle(context.Background())
	assert.Equal(t, 3, report.Sources[0].LinesRead)
	require.Len(t, report.Breaches, 1, "cumulative mode carries counts across cycles")
	assert.Equal(t, 5, report.Breaches[0].Count)
	assert.Equal(t, 5, h.sink.count())
}

func TestCancelledContextSkipsReads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	writeLog(t, path, failedLogins(5)...)

	h := newHarness(t, []source.Reader{localReader(path)}, types.ThresholdModePerCycle)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := h.sched.RunCycle(ctx)

	require.Len(t, report.Sources, 1)
	assert.True(t, report.Sources[0].Skipped)
	assert.False(t, report.Sources[0].Committed)
	assert.Equal(t, 0, h.sink.count())
	assert.False(t, report.Degraded)
}

func TestAllSourcesFailedIsDegraded(t *testing.T) {
	missing := localReader(filepath.Join(t.TempDir(), "gone.log"))
	broken := &panickingReader{src: types.NewLocalSource("/var/log/broken.log")}

	h := newHarness(t, []source.Reader{missing, broken}, types.ThresholdModePerCycle)
	report := h.sched.RunCycle(context.Background())

	assert.True(t, report.Degraded)
	assert.Equal(t, 2, report.FailedSources())
	assert.Contains(t, report.Sources[1].Err.Error(), "panic")
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	writeLog(t, path, failedLogins(1)...)

	h := newHarness(t, []source.Reader{localReader(path)}, types.ThresholdModePerCycle)

	var mu sync.Mutex
	var states []State
	h.sched.deps.OnStateChange = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}
	reports := make(chan *types.CycleReport, 4)
	h.sched.deps.Observers = []Observer{ObserverFunc(func(r *types.CycleReport) { reports <- r })}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	select {
	case <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle did not run")
	}
	assert.Error(t, h.sched.Run(ctx), "a second Run must be rejected")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, StateShuttingDown, h.sched.State())
	assert.Equal(t, int64(1), h.sched.Stats().CyclesRun())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateScanning, StateIdle, StateShuttingDown}, states)
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(Config{ScanInterval: time.Second}, Dependencies{})
	assert.Error(t, err)
}

func TestNextMaintenance(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 6, 1, 2, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 6, 1, 3, 30, 0, 0, loc), nextMaintenance(now, 3, 30))

	now = time.Date(2024, 6, 1, 3, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2024, 6, 2, 3, 30, 0, 0, loc), nextMaintenance(now, 3, 30))
}
