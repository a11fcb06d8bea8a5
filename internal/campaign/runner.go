package campaign

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"swarmpost/internal/executor"
	"swarmpost/internal/logging"
	"swarmpost/internal/profile"

	"github.com/google/uuid"
)

// Reconciliation answers below this confidence are treated as inconclusive.
const reconcileConfidenceThreshold = 0.8

// Hours a profile is parked when the executor reports a restriction and the
// signal carries no duration of its own.
const defaultRestrictionHours = 24

// Runner drains campaigns job by job: pick the least-recently-used eligible
// profile, checkpoint, delegate to the executor, record the outcome. Within
// one campaign jobs run strictly in index order with at most one inflight.
type Runner struct {
	queue  *Queue
	ledger *profile.Ledger
	exec   executor.Executor

	mu     sync.Mutex
	active map[string]bool // profile names held by a running job
}

// NewRunner wires a runner over the queue, ledger, and executor.
func NewRunner(queue *Queue, ledger *profile.Ledger, exec executor.Executor) *Runner {
	return &Runner{
		queue:  queue,
		ledger: ledger,
		exec:   exec,
		active: make(map[string]bool),
	}
}

// ActiveProfiles reports profiles currently held by running jobs. Serves the
// busy-profile query the scheduler and session watcher consult.
func (r *Runner) ActiveProfiles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runner) hold(name string) {
	r.mu.Lock()
	r.active[name] = true
	r.mu.Unlock()
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.active, name)
	r.mu.Unlock()
}

// RecoverAll resolves every interrupted campaign found at startup. Must run
// before any new job starts.
func (r *Runner) RecoverAll(ctx context.Context) error {
	for _, c := range r.queue.InflightCampaigns() {
		if err := r.recoverInflight(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// recoverInflight resolves a checkpoint left by a crashed worker. The
// original action is never retried: the executor is asked to reconcile
// present-tense external state, and anything short of a confident answer is
// recorded as uncertain_no_repost. A duplicate external side effect is worse
// than a missed job.
func (r *Runner) recoverInflight(ctx context.Context, c *Campaign) error {
	cp := c.Inflight
	logging.CampaignWarn("campaign %s: found inflight job %d (phase %s), reconciling", c.ID, cp.JobIndex, cp.Phase)

	var text string
	for _, j := range c.Jobs {
		if j.Index == cp.JobIndex {
			text = j.Text
			break
		}
	}

	hint := executor.CheckpointHint{
		Phase:       cp.Phase,
		ContentHash: cp.ContentHash,
		Text:        text,
	}

	result := JobResult{
		Index:                 cp.JobIndex,
		ProfileName:           cp.ProfileName,
		RecoveredFromInflight: true,
		Text:                  text,
		ContentHash:           cp.ContentHash,
	}

	rec, err := r.exec.Reconcile(ctx, cp.ProfileName, hint)
	switch {
	case err != nil:
		result.Success = false
		result.Method = MethodUncertainNoRepost
		result.Reason = fmt.Sprintf("reconcile failed: %v", err)
	case rec.Found != nil && rec.Confidence >= reconcileConfidenceThreshold:
		if *rec.Found {
			result.Success = true
			result.Method = MethodPosted
			result.Reason = fmt.Sprintf("reconciled: %s", rec.Reason)
		} else {
			result.Success = false
			result.Method = MethodFailed
			result.Reason = fmt.Sprintf("reconciled: %s", rec.Reason)
		}
	default:
		result.Success = false
		result.Method = MethodUncertainNoRepost
		result.Reason = fmt.Sprintf("inconclusive (confidence %.2f): %s", rec.Confidence, rec.Reason)
	}

	logging.Campaign("campaign %s: job %d recovered as %s", c.ID, cp.JobIndex, result.Method)
	return r.queue.RecordResult(c.ID, result)
}

// Process runs one campaign to completion (or until no eligible profile
// remains). Recovery of a stale checkpoint happens first.
func (r *Runner) Process(ctx context.Context, id string) error {
	c, err := r.queue.Get(id)
	if err != nil {
		return err
	}
	if c.Inflight != nil {
		if err := r.recoverInflight(ctx, c); err != nil {
			return err
		}
	}

	if err := r.queue.SetStatus(id, StatusProcessing); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c, err = r.queue.Get(id)
		if err != nil {
			return err
		}
		idx := c.NextPendingIndex()
		if idx == -1 {
			return r.queue.SetStatus(id, StatusCompleted)
		}

		if err := r.runJob(ctx, c, c.Jobs[idx]); err != nil {
			return err
		}
	}
}

// runJob executes a single job end to end: checkpoint, perform, record.
func (r *Runner) runJob(ctx context.Context, c *Campaign, job Job) error {
	taskType := job.Type
	if taskType == "" {
		taskType = executor.TaskPost
	}

	// Structural failure: reject before any side effect, never retry.
	if taskType == executor.TaskPost && strings.TrimSpace(job.Text) == "" {
		return r.queue.RecordResult(c.ID, JobResult{
			Index:   job.Index,
			Success: false,
			Method:  MethodRejected,
			Reason:  "empty job text",
		})
	}

	order, err := r.ledger.PriorityOrder(nil, c.Tags)
	if err != nil {
		return err
	}
	if len(order) == 0 {
		return fmt.Errorf("campaign %s: no eligible profile for job %d", c.ID, job.Index)
	}
	profileName := order[0]

	hash := ContentHash(job.Text)
	cp := InflightCheckpoint{
		JobIndex:    job.Index,
		ProfileName: profileName,
		ContentHash: hash,
		Phase:       PhaseStarted,
		AttemptID:   uuid.NewString(),
		StartedAt:   r.queue.now(),
	}
	if err := r.queue.SetInflight(c.ID, cp); err != nil {
		return err
	}

	r.hold(profileName)
	defer r.release(profileName)

	task := executor.TaskSpec{
		Type:       taskType,
		Text:       job.Text,
		Target:     job.Target,
		Attachment: job.Attachment,
	}

	// Each milestone the executor reaches is persisted before it moves on,
	// so recovery knows how far the action got.
	progress := func(milestone string) {
		if err := r.queue.UpdateInflightPhase(c.ID, milestone); err != nil {
			logging.CampaignWarn("campaign %s: persist phase %q: %v", c.ID, milestone, err)
		}
	}

	res, err := r.exec.Perform(ctx, profileName, task, progress)

	result := JobResult{
		Index:       job.Index,
		ProfileName: profileName,
		Text:        job.Text,
		ContentHash: hash,
	}
	switch {
	case err != nil:
		result.Success = false
		result.Method = MethodFailed
		result.Reason = err.Error()
	case res.Status == executor.StatusSuccess:
		result.Success = true
		result.Method = MethodPosted
	case res.Status == executor.StatusRestricted:
		result.Success = false
		result.Method = MethodFailed
		result.Reason = res.Signal
		if rerr := r.ledger.MarkRestricted(profileName, defaultRestrictionHours, res.Signal); rerr != nil {
			logging.CampaignWarn("campaign %s: mark restricted %s: %v", c.ID, profileName, rerr)
		}
	default:
		result.Success = false
		result.Method = MethodFailed
		result.Reason = res.Signal
	}

	if err := r.ledger.MarkUsed(profileName, c.ID, job.Text, result.Success); err != nil {
		logging.CampaignWarn("campaign %s: mark used %s: %v", c.ID, profileName, err)
	}

	logging.Campaign("campaign %s: job %d via %s -> %s", c.ID, job.Index, profileName, result.Method)
	return r.queue.RecordResult(c.ID, result)
}
