package campaign

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Campaign statuses.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Checkpoint phases, in order of progress through an action. Everything at
// or past PhaseSubmitClicked may have produced an external side effect.
const (
	PhaseStarted             = "started"
	PhaseAttachmentConfirmed = "attachment_confirmed"
	PhaseSubmitClicked       = "submit_clicked"
	PhaseConfirmed           = "confirmed"
)

// Result methods.
const (
	MethodPosted            = "posted"
	MethodFailed            = "failed"
	MethodRejected          = "rejected" // structural failure, never attempted
	MethodUncertainNoRepost = "uncertain_no_repost"
)

// Job is one unit of outbound work inside a campaign. Index is its immutable
// position; execution is strictly in index order.
type Job struct {
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Text       string `json:"text"`
	Target     string `json:"target,omitempty"`
	Attachment string `json:"attachment,omitempty"`
}

// JobResult is the append-only record of one completed job.
type JobResult struct {
	Index                 int       `json:"index"`
	ProfileName           string    `json:"profile_name,omitempty"`
	Success               bool      `json:"success"`
	Method                string    `json:"method"`
	Reason                string    `json:"reason,omitempty"`
	RecoveredFromInflight bool      `json:"recovered_from_inflight,omitempty"`
	Text                  string    `json:"text,omitempty"`
	ContentHash           string    `json:"content_hash,omitempty"`
	At                    time.Time `json:"at"`
}

// InflightCheckpoint marks the single job a worker may be executing right
// now. Written immediately before any externally-visible side effect is
// attempted; cleared only after the outcome is durably recorded.
type InflightCheckpoint struct {
	JobIndex    int               `json:"job_index"`
	ProfileName string            `json:"profile_name"`
	ContentHash string            `json:"content_hash"`
	Phase       string            `json:"phase"`
	AttemptID   string            `json:"attempt_id"`
	StartedAt   time.Time         `json:"started_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Campaign is a named batch of jobs processed in order.
type Campaign struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Status   Status              `json:"status"`
	Tags     []string            `json:"tags,omitempty"` // restrict profile rotation to these tags
	Jobs     []Job               `json:"jobs"`
	Results  []JobResult         `json:"results,omitempty"`
	Inflight *InflightCheckpoint `json:"inflight_job,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NextPendingIndex returns the index of the first job without a result, or
// -1 when every job is done.
func (c *Campaign) NextPendingIndex() int {
	done := make(map[int]bool, len(c.Results))
	for _, r := range c.Results {
		done[r.Index] = true
	}
	for _, j := range c.Jobs {
		if !done[j.Index] {
			return j.Index
		}
	}
	return -1
}

// NormalizeText canonicalizes outbound text for duplicate detection and
// content addressing: trim, casefold, collapse runs of whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(text))), " ")
}

// ContentHash returns the content address of a job text: sha256 over the
// normalized form, hex encoded.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}
