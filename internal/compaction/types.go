// Package compaction keeps a run's transcript bounded: it folds history
// into a single summary artifact with a hard byte cap.
package compaction

import "time"

// Entry is one transcript message: an agent exchange or a tool result.
// Entries are append-only and never mutated.
type Entry struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// SummaryArtifact is the compacted representation of transcript history.
// Exactly one live artifact exists per run; each compaction pass
// replaces it whole, never merges.
type SummaryArtifact struct {
	RunID         string    `json:"run_id"`
	Text          string    `json:"text"`
	Version       int       `json:"version"`
	CoversThrough int       `json:"covers_through"` // transcript entries folded in
	UpdatedAt     time.Time `json:"updated_at"`
}

// Size returns the artifact's byte size, the quantity bounded by the cap.
func (a *SummaryArtifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Text)
}
