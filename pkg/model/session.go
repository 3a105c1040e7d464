package model

import (
	"time"

	"github.com/google/uuid"
)

// Action is the per-task result of one reconciliation decision.
type Action string

const (
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionDeleted  Action = "deleted"
	ActionSkipped  Action = "skipped"
	ActionConflict Action = "conflict-flagged"
	ActionFailed   Action = "failed"
)

// Actions in the order reports display them.
var Actions = []Action{
	ActionCreated,
	ActionUpdated,
	ActionDeleted,
	ActionSkipped,
	ActionConflict,
	ActionFailed,
}

// SyncOutcome records what the engine decided (and, outside dry-run, did)
// for a single task.
type SyncOutcome struct {
	Task          TaskRef   `json:"task"`
	Direction     Direction `json:"direction"`
	Action        Action    `json:"action"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// SyncSession aggregates the outcomes of one reconciliation pass. It is
// created at pass start, handed to the reporter, and discarded.
type SyncSession struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	DryRun    bool          `json:"dry_run"`
	Outcomes  []SyncOutcome `json:"outcomes"`
	Errors    []string      `json:"errors,omitempty"`
}

// NewSession starts a session for a single pass.
func NewSession(dryRun bool) *SyncSession {
	return &SyncSession{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		DryRun:    dryRun,
	}
}

// Record appends an outcome, collecting its error into the session error
// list when present.
func (s *SyncSession) Record(o SyncOutcome) {
	s.Outcomes = append(s.Outcomes, o)
	if o.Error != "" {
		s.Errors = append(s.Errors, o.Task.String()+": "+o.Error)
	}
}

// Finish stamps the elapsed duration.
func (s *SyncSession) Finish() {
	s.Elapsed = time.Since(s.StartedAt)
}

// CountByAction returns how many outcomes ended with the given action.
func (s *SyncSession) CountByAction(a Action) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Action == a {
			n++
		}
	}
	return n
}

// CountByDirection returns how many non-skip outcomes flowed the given way.
func (s *SyncSession) CountByDirection(d Direction) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Direction == d && o.Action != ActionSkipped {
			n++
		}
	}
	return n
}

// Failed reports whether any outcome failed.
func (s *SyncSession) Failed() bool {
	return s.CountByAction(ActionFailed) > 0
}
