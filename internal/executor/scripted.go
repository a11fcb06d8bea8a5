package executor

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedResponse is one canned answer for a Scripted executor.
type ScriptedResponse struct {
	Result     Result
	Err        error
	Milestones []string // reported through the progress callback before returning
}

// Scripted is an in-memory Executor driven by canned responses, keyed by
// profile name and task type. Used by tests and by `campaign run --dry-run`.
type Scripted struct {
	mu        sync.Mutex
	responses map[string]ScriptedResponse
	reconcile map[string]Reconciliation
	calls     []string
}

// NewScripted returns an empty scripted executor. Unscripted calls succeed
// with an "ok" signal.
func NewScripted() *Scripted {
	return &Scripted{
		responses: make(map[string]ScriptedResponse),
		reconcile: make(map[string]Reconciliation),
	}
}

func key(profileName, taskType string) string {
	return profileName + "/" + taskType
}

// Script sets the response for a profile/task-type pair.
func (s *Scripted) Script(profileName, taskType string, resp ScriptedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[key(profileName, taskType)] = resp
}

// ScriptReconcile sets the reconciliation answer for a profile.
func (s *Scripted) ScriptReconcile(profileName string, rec Reconciliation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcile[profileName] = rec
}

// Calls returns every Perform/Reconcile invocation as "profile/type" keys,
// in order.
func (s *Scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount returns the number of Perform calls for a profile/task pair.
func (s *Scripted) CallCount(profileName, taskType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == key(profileName, taskType) {
			n++
		}
	}
	return n
}

// Perform implements Executor.
func (s *Scripted) Perform(ctx context.Context, profileName string, task TaskSpec, progress ProgressFunc) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, key(profileName, task.Type))
	resp, ok := s.responses[key(profileName, task.Type)]
	s.mu.Unlock()

	if !ok {
		resp = ScriptedResponse{Result: Result{Status: StatusSuccess, Signal: "ok"}}
	}
	if progress != nil {
		for _, m := range resp.Milestones {
			progress(m)
		}
	}
	return resp.Result, resp.Err
}

// Reconcile implements Executor.
func (s *Scripted) Reconcile(ctx context.Context, profileName string, hint CheckpointHint) (Reconciliation, error) {
	if err := ctx.Err(); err != nil {
		return Reconciliation{}, err
	}

	s.mu.Lock()
	s.calls = append(s.calls, key(profileName, "reconcile"))
	rec, ok := s.reconcile[profileName]
	s.mu.Unlock()

	if !ok {
		return Reconciliation{Found: nil, Confidence: 0, Reason: fmt.Sprintf("no reconcile script for %s", profileName)}, nil
	}
	return rec, nil
}
