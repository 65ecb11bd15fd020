// Package events carries the run status stream: an in-process bus with
// per-run monotonic sequence numbers, optionally mirrored to NATS for
// external consumers.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	TypeStatusChanged      EventType = "status_changed"
	TypeInvocationStarted  EventType = "invocation_started"
	TypeInvocationFinished EventType = "invocation_finished"
	TypeBudgetWarning      EventType = "budget_warning"
	TypeSummaryUpdated     EventType = "summary_updated"
)

// Event is one entry in a run's status stream. Seq is monotonic per
// run and assigned by the bus at publish time.
type Event struct {
	RunID   string            `json:"run_id"`
	Seq     uint64            `json:"seq"`
	Type    EventType         `json:"type"`
	At      time.Time         `json:"at"`
	Status  string            `json:"status,omitempty"`
	StepID  string            `json:"step_id,omitempty"`
	Role    string            `json:"role,omitempty"`
	Detail  string            `json:"detail,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Marshal returns the wire form published to NATS and replayed by the API.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
