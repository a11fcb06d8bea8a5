// Package campaign implements the ordered job queue, duplicate content
// guard, and crash-safe checkpoint recovery for outbound campaigns.
package campaign

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"swarmpost/internal/logging"
	"swarmpost/internal/store"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a campaign ID is unknown.
var ErrNotFound = fmt.Errorf("campaign not found")

// Queue owns the campaigns.json document. All access goes through its mutex;
// every mutation persists before returning.
type Queue struct {
	mu           sync.Mutex
	path         string
	now          func() time.Time
	lookbackDays int
	campaigns    map[string]*Campaign
}

type queueDoc struct {
	Version   int                  `json:"version"`
	Campaigns map[string]*Campaign `json:"campaigns"`
}

// NewQueue loads (or initializes) the campaign queue stored under stateDir.
func NewQueue(stateDir string, lookbackDays int) (*Queue, error) {
	if lookbackDays <= 0 {
		lookbackDays = 30
	}
	q := &Queue{
		path:         filepath.Join(stateDir, "campaigns.json"),
		now:          time.Now,
		lookbackDays: lookbackDays,
		campaigns:    make(map[string]*Campaign),
	}

	var doc queueDoc
	found, err := store.Read(q.path, &doc)
	if err != nil {
		return nil, fmt.Errorf("load campaign queue: %w", err)
	}
	if found && doc.Campaigns != nil {
		q.campaigns = doc.Campaigns
	}
	return q, nil
}

// SetClock overrides the time source. Test hook.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *Queue) persistLocked() error {
	doc := queueDoc{Version: 1, Campaigns: q.campaigns}
	if err := store.Write(q.path, doc); err != nil {
		return fmt.Errorf("persist campaign queue: %w", err)
	}
	return nil
}

// Create enqueues a new campaign. The duplicate guard runs against the batch
// itself and the completed-campaign history; its findings are returned as
// warnings, never as a rejection.
func (q *Queue) Create(name string, jobs []Job, tags []string) (*Campaign, []Conflict, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range jobs {
		jobs[i].Index = i
	}

	history := make([]*Campaign, 0, len(q.campaigns))
	for _, c := range q.campaigns {
		history = append(history, c)
	}
	conflicts := FindConflicts(jobs, history, q.lookbackDays, q.now())

	now := q.now()
	c := &Campaign{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    StatusPending,
		Tags:      append([]string(nil), tags...),
		Jobs:      jobs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.campaigns[c.ID] = c

	if err := q.persistLocked(); err != nil {
		delete(q.campaigns, c.ID)
		return nil, nil, err
	}

	logging.Campaign("created campaign %s (%q) with %d jobs, %d duplicate warnings", c.ID, name, len(jobs), len(conflicts))
	return c.clone(), conflicts, nil
}

// Get returns a copy of the campaign.
func (q *Queue) Get(id string) (*Campaign, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.clone(), nil
}

// List returns copies of all campaigns, newest first.
func (q *Queue) List() []*Campaign {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Campaign, 0, len(q.campaigns))
	for _, c := range q.campaigns {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// InflightCampaigns returns copies of campaigns carrying a checkpoint -
// interrupted work that must be reconciled before anything else runs.
func (q *Queue) InflightCampaigns() []*Campaign {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Campaign
	for _, c := range q.campaigns {
		if c.Inflight != nil {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetStatus updates a campaign's status.
func (q *Queue) SetStatus(id string, status Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.Status = status
	c.UpdatedAt = q.now()
	return q.persistLocked()
}

// SetInflight writes the checkpoint marking a job as about to produce an
// external side effect. Refuses to overwrite an existing checkpoint: the
// previous job's outcome must be recorded first.
func (q *Queue) SetInflight(id string, cp InflightCheckpoint) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.Inflight != nil {
		return fmt.Errorf("campaign %s already has inflight job %d", id, c.Inflight.JobIndex)
	}
	c.Inflight = &cp
	c.UpdatedAt = q.now()
	return q.persistLocked()
}

// UpdateInflightPhase advances the checkpoint phase. Each transition is
// persisted before the action continues.
func (q *Queue) UpdateInflightPhase(id, phase string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.Inflight == nil {
		return fmt.Errorf("campaign %s has no inflight job", id)
	}
	c.Inflight.Phase = phase
	c.UpdatedAt = q.now()
	return q.persistLocked()
}

// RecordResult appends the result, clears the checkpoint, and marks the
// campaign completed when no pending jobs remain - all in one persisted
// mutation, so a crash can never separate "outcome recorded" from
// "checkpoint cleared".
func (q *Queue) RecordResult(id string, result JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	result.At = q.now()
	c.Results = append(c.Results, result)
	c.Inflight = nil
	if c.NextPendingIndex() == -1 {
		c.Status = StatusCompleted
	}
	c.UpdatedAt = q.now()
	return q.persistLocked()
}

func (c *Campaign) clone() *Campaign {
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	cp.Jobs = append([]Job(nil), c.Jobs...)
	cp.Results = append([]JobResult(nil), c.Results...)
	if c.Inflight != nil {
		inflight := *c.Inflight
		cp.Inflight = &inflight
	}
	return &cp
}
