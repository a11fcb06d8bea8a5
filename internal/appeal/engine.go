// Package appeal implements the batch verification and appeal workflow for
// restricted profiles. A single process-wide lock gates both entry points so
// two batches can never race to appeal the same profile; a concurrent caller
// gets ErrBusy immediately instead of blocking.
package appeal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"swarmpost/internal/executor"
	"swarmpost/internal/logging"
	"swarmpost/internal/notify"
	"swarmpost/internal/profile"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned when a batch is already running.
var ErrBusy = errors.New("appeal batch already running")

// Scenario is the pre-verification classification of a restricted profile.
type Scenario string

const (
	ScenarioExpired    Scenario = "expired"             // restriction lapsed, unblock immediately
	ScenarioCheckpoint Scenario = "checkpoint"          // captcha/identity wall, needs a human
	ScenarioCommentBan Scenario = "comment_restriction" // needs live verification
)

// Restriction reasons that indicate a checkpoint wall rather than an
// appealable restriction.
var checkpointMarkers = []string{"checkpoint", "captcha", "identity", "verify your account"}

// ProfileResult is the per-profile record inside a batch summary.
type ProfileResult struct {
	Name      string   `json:"name"`
	Scenario  Scenario `json:"scenario"`
	Outcome   Outcome  `json:"outcome,omitempty"`
	Appealed  bool     `json:"appealed,omitempty"`
	Unblocked bool     `json:"unblocked,omitempty"`
	Attempts  int      `json:"attempts,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Summary is the outcome of one verification or appeal batch.
type Summary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Expired         int `json:"expired"`
	NeedsCaptcha    int `json:"needs_captcha"`
	Resolved        int `json:"resolved"`
	InReview        int `json:"in_review"`
	StillRestricted int `json:"still_restricted"`
	Unknown         int `json:"unknown"`
	Appealed        int `json:"appealed"`
	AppealResolved  int `json:"appeal_resolved"`
	Exhausted       int `json:"exhausted"`

	Results []ProfileResult `json:"results"`
}

// Config holds the workflow knobs.
type Config struct {
	MaxAttempts       int
	RetryDelay        time.Duration
	VerifyConcurrency int
}

// Engine runs verification and appeal batches. Construct once at startup and
// pass by reference; the embedded lock is the process-wide appeal lock.
type Engine struct {
	mu         sync.Mutex // the appeal lock; held for entire batches
	ledger     *profile.Ledger
	exec       executor.Executor
	classifier Classifier
	sink       notify.Sink
	cfg        Config

	// sleep is swapped out by tests to skip real delays between rounds.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine wires an engine. A nil classifier gets the keyword default; a
// nil sink gets the no-op sink.
func NewEngine(ledger *profile.Ledger, exec executor.Executor, classifier Classifier, sink notify.Sink, cfg Config) *Engine {
	if classifier == nil {
		classifier = KeywordClassifier{}
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.VerifyConcurrency <= 0 {
		cfg.VerifyConcurrency = 4
	}
	return &Engine{
		ledger:     ledger,
		exec:       exec,
		classifier: classifier,
		sink:       sink,
		cfg:        cfg,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// VerifyAll runs the read-mostly half of the workflow: classify restricted
// profiles and verify the appealable ones, without any appeal rounds.
// Returns ErrBusy when a batch already holds the lock.
func (e *Engine) VerifyAll(ctx context.Context, exclude []string) (*Summary, error) {
	if !e.mu.TryLock() {
		return nil, ErrBusy
	}
	defer e.mu.Unlock()
	return e.verifyLocked(ctx, exclude)
}

// BatchAppealAll runs the full workflow: classification, verification, then
// concurrent appeal rounds for confirmed-active restrictions. Returns
// ErrBusy when a batch already holds the lock.
func (e *Engine) BatchAppealAll(ctx context.Context, exclude []string) (*Summary, error) {
	if !e.mu.TryLock() {
		return nil, ErrBusy
	}
	defer e.mu.Unlock()

	e.sink.Emit(notify.EventBatchStart, map[string]interface{}{"mode": "appeal"})

	// Profiles exhausted by a previous batch get a fresh set of rounds.
	if err := e.ledger.ResetExhausted(); err != nil {
		return nil, err
	}

	summary, err := e.verifyLocked(ctx, exclude)
	if err != nil {
		return nil, err
	}

	if err := e.appealRounds(ctx, summary); err != nil {
		return summary, err
	}

	summary.FinishedAt = time.Now()
	e.sink.Emit(notify.EventBatchComplete, map[string]interface{}{
		"mode":             "appeal",
		"expired":          summary.Expired,
		"needs_captcha":    summary.NeedsCaptcha,
		"resolved":         summary.Resolved,
		"still_restricted": summary.StillRestricted,
		"appealed":         summary.Appealed,
		"appeal_resolved":  summary.AppealResolved,
		"exhausted":        summary.Exhausted,
	})
	return summary, nil
}

// verifyLocked classifies and verifies. Caller holds the lock.
func (e *Engine) verifyLocked(ctx context.Context, exclude []string) (*Summary, error) {
	summary := &Summary{StartedAt: time.Now()}

	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	// Lapsed restrictions release immediately and count as expired.
	released, err := e.ledger.ReleaseExpired()
	if err != nil {
		return nil, err
	}
	for _, name := range released {
		summary.Expired++
		summary.Results = append(summary.Results, ProfileResult{
			Name: name, Scenario: ScenarioExpired, Unblocked: true,
		})
	}

	var toVerify []string
	for _, p := range e.ledger.Restricted() {
		if excluded[p.Name] {
			continue
		}
		if isCheckpointReason(p.RestrictionReason) {
			// A captcha wall needs a human; flag it and leave it alone.
			if err := e.ledger.SetAppealState(p.Name, profile.AppealNeedsCaptcha); err != nil {
				return nil, err
			}
			summary.NeedsCaptcha++
			summary.Results = append(summary.Results, ProfileResult{
				Name: p.Name, Scenario: ScenarioCheckpoint, Reason: p.RestrictionReason,
			})
			continue
		}
		toVerify = append(toVerify, p.Name)
	}
	sort.Strings(toVerify)

	results, err := e.verifyConcurrently(ctx, toVerify)
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		switch r.Outcome {
		case OutcomeResolved:
			summary.Resolved++
		case OutcomeInReview:
			summary.InReview++
		case OutcomeActive:
			summary.StillRestricted++
		default:
			summary.Unknown++
		}
		summary.Results = append(summary.Results, r)
	}

	summary.FinishedAt = time.Now()
	logging.Appeal("verified %d profiles: %d resolved, %d in review, %d still restricted, %d unknown",
		len(results), summary.Resolved, summary.InReview, summary.StillRestricted, summary.Unknown)
	return summary, nil
}

// verifyConcurrently fans verification out across profiles, bounded by the
// configured concurrency.
func (e *Engine) verifyConcurrently(ctx context.Context, names []string) ([]ProfileResult, error) {
	results := make([]ProfileResult, len(names))
	sem := semaphore.NewWeighted(int64(e.cfg.VerifyConcurrency))
	g, gctx := errgroup.WithContext(ctx)

	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			results[i] = e.verifyOne(gctx, name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// verifyOne verifies a single profile and applies the outcome to the ledger.
// Executor failures are converted to results, never propagated: one flaky
// profile must not sink the batch.
func (e *Engine) verifyOne(ctx context.Context, name string) ProfileResult {
	r := ProfileResult{Name: name, Scenario: ScenarioCommentBan}

	res, err := e.exec.Perform(ctx, name, executor.TaskSpec{Type: executor.TaskVerifyRestriction}, nil)
	if err != nil {
		r.Outcome = OutcomeUnknown
		r.Reason = fmt.Sprintf("verification failed: %v", err)
		return r
	}

	outcome := e.classifier.Classify(res.Signal)
	if outcome == OutcomeUnknown {
		// Narrower fallback check before giving up.
		fres, ferr := e.exec.Perform(ctx, name, executor.TaskSpec{Type: executor.TaskFallbackCheck}, nil)
		if ferr == nil {
			outcome = e.classifier.Classify(fres.Signal)
			res = fres
		}
	}

	r.Outcome = outcome
	r.Reason = res.Signal
	switch outcome {
	case OutcomeResolved:
		if err := e.ledger.Unblock(name); err != nil {
			r.Reason = fmt.Sprintf("unblock failed: %v", err)
		} else {
			r.Unblocked = true
		}
	case OutcomeInReview:
		if err := e.ledger.SetAppealState(name, profile.AppealPendingReview); err != nil {
			r.Reason = fmt.Sprintf("mark pending failed: %v", err)
		}
	}
	return r
}

// appealRounds appeals every confirmed-active profile concurrently, in up to
// MaxAttempts rounds with a fixed delay between rounds. Profiles whose
// per-profile counter reaches the cap are marked exhausted.
func (e *Engine) appealRounds(ctx context.Context, summary *Summary) error {
	var pending []string
	for _, r := range summary.Results {
		if r.Outcome == OutcomeActive {
			pending = append(pending, r.Name)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	resolved := make(map[string]bool)
	attempts := make(map[string]int)

	for round := 1; round <= e.cfg.MaxAttempts && len(pending) > 0; round++ {
		if round > 1 {
			if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
				return err
			}
		}
		logging.Appeal("appeal round %d/%d: %d profiles", round, e.cfg.MaxAttempts, len(pending))

		type roundResult struct {
			name     string
			resolved bool
			reason   string
		}
		out := make([]roundResult, len(pending))
		sem := semaphore.NewWeighted(int64(e.cfg.VerifyConcurrency))
		g, gctx := errgroup.WithContext(ctx)

		for i, name := range pending {
			i, name := i, name
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				res, err := e.exec.Perform(gctx, name, executor.TaskSpec{Type: executor.TaskAppeal}, nil)
				rr := roundResult{name: name}
				if err != nil {
					rr.reason = err.Error()
				} else {
					rr.reason = res.Signal
					rr.resolved = e.classifier.Classify(res.Signal) == OutcomeResolved
				}
				out[i] = rr
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		var next []string
		for _, rr := range out {
			n, err := e.ledger.IncrementAppealAttempts(rr.name)
			if err != nil {
				return err
			}
			attempts[rr.name] = n

			if rr.resolved {
				if err := e.ledger.Unblock(rr.name); err != nil {
					return err
				}
				resolved[rr.name] = true
				continue
			}
			if n < e.cfg.MaxAttempts {
				next = append(next, rr.name)
			}
		}
		pending = next
	}

	// Whoever is left ran out of rounds.
	for name, n := range attempts {
		if resolved[name] {
			continue
		}
		state := profile.AppealFailed
		if n >= e.cfg.MaxAttempts {
			state = profile.AppealExhausted
			summary.Exhausted++
		}
		if err := e.ledger.SetAppealState(name, state); err != nil {
			return err
		}
	}

	// Fold appeal outcomes back into the per-profile results.
	for i := range summary.Results {
		r := &summary.Results[i]
		if r.Outcome != OutcomeActive {
			continue
		}
		r.Appealed = true
		r.Attempts = attempts[r.Name]
		summary.Appealed++
		if resolved[r.Name] {
			r.Unblocked = true
			summary.AppealResolved++
		}
	}
	return nil
}

func isCheckpointReason(reason string) bool {
	s := strings.ToLower(reason)
	for _, m := range checkpointMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
