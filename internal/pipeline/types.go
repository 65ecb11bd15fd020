// Package pipeline drives runs through the
// Planner→Coder→Critic→Tester→Summarizer cycle. The Controller owns all
// Run and Step state; agents, routing, retries, and budgets are
// delegated to the governor.
package pipeline

import (
	"errors"
	"time"
)

// RunStatus is a run's lifecycle state.
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunPlanning    RunStatus = "planning"
	RunCoding      RunStatus = "coding"
	RunReviewing   RunStatus = "reviewing"
	RunTesting     RunStatus = "testing"
	RunSummarizing RunStatus = "summarizing"
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
	RunAborted     RunStatus = "aborted"
)

// ValidRunTransitions defines the run state machine. Aborted is
// reachable from every non-terminal state via cancellation.
var ValidRunTransitions = map[RunStatus][]RunStatus{
	RunPending:     {RunPlanning, RunFailed, RunAborted},
	RunPlanning:    {RunCoding, RunFailed, RunAborted},
	RunCoding:      {RunReviewing, RunTesting, RunSummarizing, RunFailed, RunAborted},
	RunReviewing:   {RunCoding, RunTesting, RunSummarizing, RunFailed, RunAborted},
	RunTesting:     {RunCoding, RunSummarizing, RunFailed, RunAborted},
	RunSummarizing: {RunSucceeded, RunFailed, RunAborted},
	RunSucceeded:   {},
	RunFailed:      {},
	RunAborted:     {},
}

// CanTransitionTo reports whether the move is legal.
func (s RunStatus) CanTransitionTo(target RunStatus) bool {
	for _, next := range ValidRunTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist.
func (s RunStatus) IsTerminal() bool {
	return len(ValidRunTransitions[s]) == 0
}

// StepStatus is a step's lifecycle state. Steps are never deleted, only
// status-transitioned, and are retained for audit.
type StepStatus string

const (
	StepTodo          StepStatus = "todo"
	StepInProgress    StepStatus = "in_progress"
	StepNeedsRevision StepStatus = "needs_revision"
	StepDone          StepStatus = "done"
	StepSkipped       StepStatus = "skipped"
	StepFailed        StepStatus = "failed"
)

// Run failure reasons surfaced on the status stream.
const (
	ReasonRevisionLimit       = "revision_limit_exceeded"
	ReasonConsecutiveFailures = "consecutive_step_failures"
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonPlanningFailed      = "planning_failed"
	ReasonTestingFailed       = "testing_failed"
	ReasonCancelled           = "cancelled"
)

var (
	// ErrRunNotFound is returned for unknown run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunTerminal is returned when cancelling an already-finished run.
	ErrRunTerminal = errors.New("run already in a terminal state")
)

// Run is one orchestration session. Mutated only by the Controller.
type Run struct {
	ID            string    `json:"id"`
	Goal          string    `json:"goal"`
	Status        RunStatus `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Steps         []*Step   `json:"steps"`
}

// Step is one planned unit of work.
type Step struct {
	ID          string     `json:"id"`
	RunID       string     `json:"run_id"`
	Ordinal     int        `json:"ordinal"` // 1-based plan position
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Revisions   int        `json:"revisions"`
	Feedback    string     `json:"feedback,omitempty"` // latest critic/tester feedback
	Output      string     `json:"-"`                  // latest coder output, fed to the critic and tester
}
