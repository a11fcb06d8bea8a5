package appeal

import (
	"context"
	"sync"
	"testing"
	"time"

	"swarmpost/internal/executor"
	"swarmpost/internal/profile"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, exec executor.Executor) (*Engine, *profile.Ledger) {
	t.Helper()
	ledger, err := profile.NewLedger(t.TempDir())
	require.NoError(t, err)

	engine := NewEngine(ledger, exec, nil, nil, Config{
		MaxAttempts:       3,
		RetryDelay:        time.Millisecond,
		VerifyConcurrency: 4,
	})
	engine.sleep = func(context.Context, time.Duration) error { return nil }
	return engine, ledger
}

func TestKeywordClassifier(t *testing.T) {
	tests := []struct {
		signal string
		want   Outcome
	}{
		{"restriction lifted, account restored", OutcomeResolved},
		{"no restriction found on this account", OutcomeResolved},
		{"your appeal is under review", OutcomeInReview},
		{"comment limit reached, account restricted", OutcomeActive},
		{"", OutcomeUnknown},
		{"something entirely unexpected", OutcomeUnknown},
	}
	c := KeywordClassifier{}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.signal), "signal %q", tt.signal)
	}
}

func TestBatchEndToEndScenario(t *testing.T) {
	exec := executor.NewScripted()
	engine, ledger := newTestEngine(t, exec)

	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ledger.SetClock(func() time.Time { return clock })

	// One lapsed restriction, one captcha wall, one live restriction.
	require.NoError(t, ledger.Ensure("lapsed"))
	require.NoError(t, ledger.Ensure("walled"))
	require.NoError(t, ledger.Ensure("banned"))
	require.NoError(t, ledger.MarkRestricted("lapsed", 1, "comment limit"))
	require.NoError(t, ledger.MarkRestricted("walled", 48, "checkpoint required"))
	require.NoError(t, ledger.MarkRestricted("banned", 48, "comment limit"))
	clock = clock.Add(2 * time.Hour) // lapsed's restriction expires

	exec.Script("banned", executor.TaskVerifyRestriction, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusSuccess, Signal: "account restricted"},
	})
	exec.Script("banned", executor.TaskAppeal, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusSuccess, Signal: "appeal is under review"},
	})

	summary, err := engine.BatchAppealAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Expired)
	assert.Equal(t, 1, summary.NeedsCaptcha)
	assert.Equal(t, 1, summary.StillRestricted)
	assert.Equal(t, 1, summary.Appealed)
	assert.Zero(t, summary.Resolved)

	lapsed, _ := ledger.Get("lapsed")
	assert.Equal(t, profile.StatusActive, lapsed.Status)

	walled, _ := ledger.Get("walled")
	assert.Equal(t, profile.AppealNeedsCaptcha, walled.AppealState)
	assert.Equal(t, profile.StatusRestricted, walled.Status)
	assert.Zero(t, exec.CallCount("walled", executor.TaskVerifyRestriction), "checkpoint profiles are never verified")

	banned, _ := ledger.Get("banned")
	assert.Equal(t, profile.StatusRestricted, banned.Status)
	assert.Equal(t, 3, exec.CallCount("banned", executor.TaskAppeal), "retried to the round cap")
	assert.Equal(t, profile.AppealExhausted, banned.AppealState)
	assert.Equal(t, 1, summary.Exhausted)
}

func TestVerifyOutcomes(t *testing.T) {
	exec := executor.NewScripted()
	engine, ledger := newTestEngine(t, exec)

	for _, name := range []string{"freed", "waiting", "stuck"} {
		require.NoError(t, ledger.Ensure(name))
		require.NoError(t, ledger.MarkRestricted(name, 48, "comment limit"))
	}

	exec.Script("freed", executor.TaskVerifyRestriction, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusSuccess, Signal: "restriction lifted"},
	})
	exec.Script("waiting", executor.TaskVerifyRestriction, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusSuccess, Signal: "appeal is under review"},
	})
	exec.Script("stuck", executor.TaskVerifyRestriction, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusSuccess, Signal: "account restricted"},
	})

	summary, err := engine.VerifyAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Resolved)
	assert.Equal(t, 1, summary.InReview)
	assert.Equal(t, 1, summary.StillRestricted)

	freed, _ := ledger.Get("freed")
	assert.Equal(t, profile.StatusActive, freed.Status)

	waiting, _ := ledger.Get("waiting")
	assert.Equal(t, profile.AppealPendingReview, waiting.AppealState)

	// VerifyAll never appeals.
	assert.Zero(t, exec.CallCount("stuck", executor.TaskAppeal))
}

func TestUnknownSignalTriggersFallbackCheck(t *testing.T) {
	exec := executor.NewScripted()
	engine, ledger := newTestEngine(t, exec)

	require.NoError(t, ledger.Ensure("murky"))
	require.NoError(t, ledger.MarkRestricted("murky", 48, "comment limit"))

	exec.Script("murky", executor.TaskVerifyRestriction, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusSuccess, Signal: "page failed to render"},
	})
	exec.Script("murky", executor.TaskFallbackCheck, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusSuccess, Signal: "no restriction found"},
	})

	summary, err := engine.VerifyAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Resolved)
	assert.Equal(t, 1, exec.CallCount("murky", executor.TaskFallbackCheck))

	p, _ := ledger.Get("murky")
	assert.Equal(t, profile.StatusActive, p.Status)
}

func TestAppealSucceedsInLaterRound(t *testing.T) {
	exec := executor.NewScripted()
	engine, ledger := newTestEngine(t, exec)

	require.NoError(t, ledger.Ensure("slow"))
	require.NoError(t, ledger.MarkRestricted("slow", 48, "comment limit"))

	exec.Script("slow", executor.TaskVerifyRestriction, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusSuccess, Signal: "account restricted"},
	})
	// First round fails, second resolves. The scripted executor returns the
	// same response per round, so swap the script between rounds via sleep.
	exec.Script("slow", executor.TaskAppeal, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusFailed, Signal: "appeal rejected"},
	})
	engine.sleep = func(context.Context, time.Duration) error {
		exec.Script("slow", executor.TaskAppeal, executor.ScriptedResponse{
			Result: executor.Result{Status: executor.StatusSuccess, Signal: "restriction lifted"},
		})
		return nil
	}

	summary, err := engine.BatchAppealAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.AppealResolved)
	assert.Equal(t, 2, exec.CallCount("slow", executor.TaskAppeal))

	p, _ := ledger.Get("slow")
	assert.Equal(t, profile.StatusActive, p.Status)
	assert.Zero(t, p.AppealAttempts, "unblock resets the counter")
}

func TestConcurrentBatchGetsBusy(t *testing.T) {
	exec := executor.NewScripted()
	engine, ledger := newTestEngine(t, exec)

	require.NoError(t, ledger.Ensure("p"))
	require.NoError(t, ledger.MarkRestricted("p", 48, "comment limit"))

	// Hold the first batch inside verification until released.
	gate := make(chan struct{})
	started := make(chan struct{})
	slowExec := &blockingExecutor{inner: exec, gate: gate, started: started}
	engine.exec = slowExec

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = engine.BatchAppealAll(context.Background(), nil)
	}()

	<-started
	_, err := engine.BatchAppealAll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrBusy, "second caller is turned away immediately")

	close(gate)
	wg.Wait()
	require.NoError(t, firstErr)
}

func TestExcludedProfilesSkipped(t *testing.T) {
	exec := executor.NewScripted()
	engine, ledger := newTestEngine(t, exec)

	require.NoError(t, ledger.Ensure("busy"))
	require.NoError(t, ledger.MarkRestricted("busy", 48, "comment limit"))

	summary, err := engine.VerifyAll(context.Background(), []string{"busy"})
	require.NoError(t, err)

	assert.Empty(t, summary.Results)
	assert.Zero(t, exec.CallCount("busy", executor.TaskVerifyRestriction))
}

func TestExhaustedResetBeforeNewBatch(t *testing.T) {
	exec := executor.NewScripted()
	engine, ledger := newTestEngine(t, exec)

	require.NoError(t, ledger.Ensure("worn"))
	require.NoError(t, ledger.MarkRestricted("worn", 48, "comment limit"))
	require.NoError(t, ledger.SetAppealState("worn", profile.AppealExhausted))

	exec.Script("worn", executor.TaskVerifyRestriction, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusSuccess, Signal: "account restricted"},
	})
	exec.Script("worn", executor.TaskAppeal, executor.ScriptedResponse{
		Result: executor.Result{Status: executor.StatusSuccess, Signal: "restriction lifted"},
	})

	summary, err := engine.BatchAppealAll(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.AppealResolved, "exhausted marker cleared, profile appealed again")
}

// blockingExecutor parks the first Perform call until gate closes.
type blockingExecutor struct {
	inner   executor.Executor
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (b *blockingExecutor) Perform(ctx context.Context, name string, task executor.TaskSpec, progress executor.ProgressFunc) (executor.Result, error) {
	b.once.Do(func() {
		close(b.started)
		<-b.gate
	})
	return b.inner.Perform(ctx, name, task, progress)
}

func (b *blockingExecutor) Reconcile(ctx context.Context, name string, hint executor.CheckpointHint) (executor.Reconciliation, error) {
	return b.inner.Reconcile(ctx, name, hint)
}
