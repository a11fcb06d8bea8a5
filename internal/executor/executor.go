// Package executor defines the narrow contract between the orchestration
// core and whatever performs external actions on its behalf. The core never
// inspects page content; it reads only the structured status and signal an
// implementation returns.
package executor

import "context"

// Task types understood by executors.
const (
	TaskPost              = "post"
	TaskVerifyRestriction = "verify_restriction"
	TaskAppeal            = "appeal"
	TaskFallbackCheck     = "fallback_check"
)

// Result statuses.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusRestricted = "restricted"
)

// Milestones an executor reports through the progress callback. The core
// persists each one as the checkpoint phase before the action continues.
const (
	MilestoneAttachmentConfirmed = "attachment_confirmed"
	MilestoneSubmitClicked       = "submit_clicked"
	MilestoneConfirmed           = "confirmed"
)

// TaskSpec describes one external action.
type TaskSpec struct {
	Type       string            `json:"type"`
	Text       string            `json:"text,omitempty"`
	Target     string            `json:"target,omitempty"`
	Attachment string            `json:"attachment,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Result is the structured outcome of a performed task.
type Result struct {
	Status string `json:"status"` // success, failed, restricted
	// Signal is the opaque structured response (vendor verdict text, reason
	// codes) that the classifier maps to a scenario.
	Signal  string   `json:"signal,omitempty"`
	StepLog []string `json:"step_log,omitempty"`
}

// CheckpointHint carries what the core knows about an interrupted action.
type CheckpointHint struct {
	Phase       string `json:"phase"`
	ContentHash string `json:"content_hash"`
	Text        string `json:"text,omitempty"`
}

// Reconciliation reports whether an interrupted action actually completed.
// Found is nil when the executor could not tell either way.
type Reconciliation struct {
	Found      *bool   `json:"found"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ProgressFunc receives milestone names as an executor reaches
// durably-observable points inside an action ("attachment_confirmed",
// "submit_clicked"). The core persists each one before the action continues.
type ProgressFunc func(milestone string)

// Executor performs external actions for a profile. Implementations live
// outside the orchestration core.
type Executor interface {
	Perform(ctx context.Context, profileName string, task TaskSpec, progress ProgressFunc) (Result, error)
	Reconcile(ctx context.Context, profileName string, hint CheckpointHint) (Reconciliation, error)
}
