package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"swarmpost/internal/appeal"
	"swarmpost/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine records batch invocations and serves canned summaries.
type fakeEngine struct {
	mu          sync.Mutex
	verifyCalls [][]string
	appealCalls [][]string
	verifyOut   *appeal.Summary
	appealOut   *appeal.Summary
	verifyErr   error
	appealErr   error
}

func (f *fakeEngine) VerifyAll(_ context.Context, exclude []string) (*appeal.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls = append(f.verifyCalls, append([]string(nil), exclude...))
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	out := f.verifyOut
	if out == nil {
		out = &appeal.Summary{}
	}
	return out, nil
}

func (f *fakeEngine) BatchAppealAll(_ context.Context, exclude []string) (*appeal.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appealCalls = append(f.appealCalls, append([]string(nil), exclude...))
	if f.appealErr != nil {
		return nil, f.appealErr
	}
	out := f.appealOut
	if out == nil {
		out = &appeal.Summary{}
	}
	return out, nil
}

func (f *fakeEngine) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.verifyCalls), len(f.appealCalls)
}

// recordingSink captures emitted event names in order.
type recordingSink struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingSink) Emit(event string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, event)
}

func (r *recordingSink) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func newTestScheduler(t *testing.T, engine Engine, busy func() []string) (*Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, engine, busy, nil, nil, true, 24, time.Minute)
	require.NoError(t, err)
	return s, dir
}

func TestDueBatchRunsAndPersists(t *testing.T) {
	engine := &fakeEngine{
		verifyOut: &appeal.Summary{StillRestricted: 2},
		appealOut: &appeal.Summary{StillRestricted: 2, Appealed: 2, AppealResolved: 1},
	}
	s, dir := newTestScheduler(t, engine, nil)

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.RunDue(context.Background()))

	verifies, appeals := engine.counts()
	assert.Equal(t, 1, verifies)
	assert.Equal(t, 1, appeals, "still-restricted profiles escalate to a full batch")

	st := s.Snapshot()
	require.NotNil(t, st.LastRunAt)
	require.NotNil(t, st.NextRunAt)
	assert.Equal(t, now, st.LastRunAt.UTC())
	assert.Equal(t, now.Add(24*time.Hour), st.NextRunAt.UTC())
	require.NotNil(t, st.LastResults)
	assert.Equal(t, 1, st.LastResults.AppealResolved)
	assert.Len(t, st.RunHistory, 1)

	// The schedule survives a reload from disk.
	var onDisk State
	found, err := store.Read(s.path, &onDisk)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, now.Add(24*time.Hour), onDisk.NextRunAt.UTC())
	_ = dir
}

func TestNotDueUntilInterval(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestScheduler(t, engine, nil)

	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	require.NoError(t, s.RunDue(context.Background()))

	// One hour later: not due.
	now = now.Add(time.Hour)
	require.NoError(t, s.RunDue(context.Background()))
	verifies, _ := engine.counts()
	assert.Equal(t, 1, verifies)

	// Past the interval: due again.
	now = now.Add(24 * time.Hour)
	require.NoError(t, s.RunDue(context.Background()))
	verifies, _ = engine.counts()
	assert.Equal(t, 2, verifies)
}

func TestCleanVerifySkipsAppealPass(t *testing.T) {
	engine := &fakeEngine{verifyOut: &appeal.Summary{Resolved: 1}}
	s, _ := newTestScheduler(t, engine, nil)

	require.NoError(t, s.RunDue(context.Background()))
	verifies, appeals := engine.counts()
	assert.Equal(t, 1, verifies)
	assert.Zero(t, appeals, "nothing restricted, no appeal batch")
}

func TestBusyEngineSkipsTick(t *testing.T) {
	engine := &fakeEngine{verifyErr: appeal.ErrBusy}
	sink := &recordingSink{}
	dir := t.TempDir()
	s, err := New(dir, engine, nil, sink, nil, true, 24, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.RunDue(context.Background()))

	st := s.Snapshot()
	assert.Nil(t, st.LastRunAt, "a skipped tick leaves the schedule untouched")
	assert.Nil(t, st.NextRunAt)
	assert.Empty(t, sink.events(), "a skipped tick emits no events")

	// Next tick retries.
	engine.mu.Lock()
	engine.verifyErr = nil
	engine.mu.Unlock()
	require.NoError(t, s.RunDue(context.Background()))
	st = s.Snapshot()
	assert.NotNil(t, st.LastRunAt)
	assert.Equal(t, []string{"batch_start", "batch_complete"}, sink.events(),
		"a completed batch emits start and complete as a pair")
}

func TestDisabledNeverRuns(t *testing.T) {
	engine := &fakeEngine{}
	dir := t.TempDir()
	s, err := New(dir, engine, nil, nil, nil, false, 24, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.RunDue(context.Background()))
	verifies, _ := engine.counts()
	assert.Zero(t, verifies)
}

func TestBusyProfilesExcluded(t *testing.T) {
	engine := &fakeEngine{verifyOut: &appeal.Summary{}}
	s, _ := newTestScheduler(t, engine, func() []string { return []string{"held"} })

	require.NoError(t, s.RunDue(context.Background()))

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.verifyCalls, 1)
	assert.Equal(t, []string{"held"}, engine.verifyCalls[0])
}

func TestRunHistoryBounded(t *testing.T) {
	engine := &fakeEngine{}
	s, _ := newTestScheduler(t, engine, nil)

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	for i := 0; i < 15; i++ {
		require.NoError(t, s.RunDue(context.Background()))
		now = now.Add(25 * time.Hour)
	}

	st := s.Snapshot()
	assert.Len(t, st.RunHistory, 10)
}

func TestLoopStopsOnCancel(t *testing.T) {
	engine := &fakeEngine{}
	dir := t.TempDir()
	s, err := New(dir, engine, nil, nil, nil, true, 24, 5*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let at least one tick fire, then shut down.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler loop did not stop")
	}

	verifies, _ := engine.counts()
	assert.GreaterOrEqual(t, verifies, 1)
}
