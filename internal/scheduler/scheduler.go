// Package scheduler drives unattended appeal batches. A background loop
// wakes on a fixed tick, checks the persisted schedule, and when a run is
// due hands the work to the appeal engine, excluding profiles a campaign is
// currently using.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"swarmpost/internal/appeal"
	"swarmpost/internal/logging"
	"swarmpost/internal/notify"
	"swarmpost/internal/store"

	"go.uber.org/zap"
)

const (
	// StateFile is the schedule document under the state directory.
	StateFile = "appeal_state.json"

	maxRunHistory = 10
)

// RunRecord is one completed batch in the bounded run history.
type RunRecord struct {
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Expired         int       `json:"expired"`
	NeedsCaptcha    int       `json:"needs_captcha"`
	Resolved        int       `json:"resolved"`
	StillRestricted int       `json:"still_restricted"`
	Appealed        int       `json:"appealed"`
	AppealResolved  int       `json:"appeal_resolved"`
	Exhausted       int       `json:"exhausted"`
}

// State is the persisted schedule singleton.
type State struct {
	Enabled       bool            `json:"enabled"`
	IntervalHours int             `json:"interval_hours"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time      `json:"next_run_at,omitempty"`
	LastResults   *appeal.Summary `json:"last_results,omitempty"`
	RunHistory    []RunRecord     `json:"run_history,omitempty"`
}

// Engine is the slice of the appeal engine the scheduler needs.
type Engine interface {
	VerifyAll(ctx context.Context, exclude []string) (*appeal.Summary, error)
	BatchAppealAll(ctx context.Context, exclude []string) (*appeal.Summary, error)
}

// Scheduler owns the schedule state and the tick loop.
type Scheduler struct {
	mu     sync.Mutex
	path   string
	state  State
	engine Engine
	busy   func() []string
	sink   notify.Sink
	log    *zap.Logger
	tick   time.Duration
	now    func() time.Time
}

// New loads (or seeds) the schedule state from stateDir. enabled and
// intervalHours come from config and overwrite whatever was persisted, so a
// config change takes effect on restart. busy reports profile names a
// campaign currently holds; nil means none.
func New(stateDir string, engine Engine, busy func() []string, sink notify.Sink, log *zap.Logger, enabled bool, intervalHours int, tick time.Duration) (*Scheduler, error) {
	if sink == nil {
		sink = notify.NopSink{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if busy == nil {
		busy = func() []string { return nil }
	}
	if intervalHours <= 0 {
		intervalHours = 24
	}
	if tick <= 0 {
		tick = time.Minute
	}

	s := &Scheduler{
		path:   filepath.Join(stateDir, StateFile),
		engine: engine,
		busy:   busy,
		sink:   sink,
		log:    log,
		tick:   tick,
		now:    time.Now,
	}
	if _, err := store.Read(s.path, &s.state); err != nil {
		return nil, fmt.Errorf("load schedule state: %w", err)
	}
	s.state.Enabled = enabled
	s.state.IntervalHours = intervalHours
	if err := store.Write(s.path, &s.state); err != nil {
		return nil, fmt.Errorf("persist schedule state: %w", err)
	}
	return s, nil
}

// SetClock replaces the time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Snapshot returns a copy of the current schedule state.
func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.RunHistory = append([]RunRecord(nil), s.state.RunHistory...)
	return st
}

// Run blocks until ctx is cancelled, firing a batch whenever one is due.
// The first due check happens on the first tick, not at call time, so
// startup work (recovery, watcher scan) finishes before any batch runs.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.mu.Lock()
	enabled, interval := s.state.Enabled, s.state.IntervalHours
	s.mu.Unlock()
	s.log.Info("scheduler started",
		zap.Bool("enabled", enabled),
		zap.Int("interval_hours", interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("scheduled batch failed", zap.Error(err))
			}
		}
	}
}

// RunDue fires a batch if one is due, otherwise returns nil immediately.
// A busy engine is not an error; the tick is skipped and the schedule left
// untouched so the next tick retries.
func (s *Scheduler) RunDue(ctx context.Context) error {
	s.mu.Lock()
	now := s.now()
	due := s.state.Enabled && (s.state.NextRunAt == nil || !now.Before(*s.state.NextRunAt))
	s.mu.Unlock()
	if !due {
		return nil
	}

	exclude := s.busy()
	logging.Scheduler("batch due, %d profiles excluded as busy", len(exclude))

	summary, err := s.engine.VerifyAll(ctx, exclude)
	if errors.Is(err, appeal.ErrBusy) {
		// A skipped tick emits nothing: no start without a matching complete.
		logging.Scheduler("engine busy, skipping tick")
		return nil
	}
	if err != nil {
		return err
	}
	s.sink.Emit(notify.EventBatchStart, map[string]interface{}{"mode": "scheduled"})

	if summary.StillRestricted > 0 {
		full, err := s.engine.BatchAppealAll(ctx, exclude)
		if errors.Is(err, appeal.ErrBusy) {
			logging.Scheduler("engine busy after verification, skipping appeal pass")
		} else if err != nil {
			return err
		} else {
			summary = full
		}
	}

	s.record(now, summary)
	s.sink.Emit(notify.EventBatchComplete, map[string]interface{}{
		"mode":             "scheduled",
		"resolved":         summary.Resolved,
		"still_restricted": summary.StillRestricted,
		"appeal_resolved":  summary.AppealResolved,
	})
	return nil
}

// record updates the schedule after a completed batch and persists it.
func (s *Scheduler) record(ranAt time.Time, summary *appeal.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := ranAt.Add(time.Duration(s.state.IntervalHours) * time.Hour)
	s.state.LastRunAt = &ranAt
	s.state.NextRunAt = &next
	s.state.LastResults = summary
	s.state.RunHistory = append(s.state.RunHistory, RunRecord{
		StartedAt:       summary.StartedAt,
		FinishedAt:      summary.FinishedAt,
		Expired:         summary.Expired,
		NeedsCaptcha:    summary.NeedsCaptcha,
		Resolved:        summary.Resolved,
		StillRestricted: summary.StillRestricted,
		Appealed:        summary.Appealed,
		AppealResolved:  summary.AppealResolved,
		Exhausted:       summary.Exhausted,
	})
	if len(s.state.RunHistory) > maxRunHistory {
		s.state.RunHistory = s.state.RunHistory[len(s.state.RunHistory)-maxRunHistory:]
	}

	if err := store.Write(s.path, &s.state); err != nil {
		s.log.Error("persist schedule state", zap.Error(err))
	}
	logging.Scheduler("batch recorded, next run at %s", next.Format(time.RFC3339))
}
