// Package saga tracks the per-user image workflow session and runs multi-call steps with
// compensation.
package saga

import (
	"context"
	"time"
)

// Action is one call of a compensated run. Undo may be nil when nothing needs rolling back.
type Action struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

func (a Action) do(ctx context.Context) error {
	if a.Do == nil {
		return nil
	}
	return a.Do(ctx)
}

func (a Action) undo(ctx context.Context) error {
	if a.Undo == nil {
		return nil
	}
	return a.Undo(ctx)
}

// Outcome is what happened to a single action.
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeDone       Outcome = "done"
	OutcomeFailed     Outcome = "failed"
	OutcomeUndone     Outcome = "undone"
	OutcomeUndoFailed Outcome = "undo_failed"
)

type ActionRecord struct {
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// RunState summarizes a whole run.
type RunState string

const (
	RunActive     RunState = "active"
	RunSucceeded  RunState = "succeeded"
	RunRolledBack RunState = "rolled_back"
	// RunDirty means at least one undo failed and an artifact may be orphaned.
	RunDirty RunState = "dirty"
)

// RunLog is the persisted trace of one executor run.
type RunLog struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	UserID    string         `json:"userId,omitempty"`
	State     RunState       `json:"state"`
	Actions   []ActionRecord `json:"actions"`
	Error     string         `json:"error,omitempty"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
}

// Failed lists the actions whose Do or Undo returned an error.
func (l *RunLog) Failed() []string {
	var names []string
	for _, a := range l.Actions {
		if a.Outcome == OutcomeFailed || a.Outcome == OutcomeUndoFailed {
			names = append(names, a.Name)
		}
	}
	return names
}

type RunStore interface {
	Put(ctx context.Context, log *RunLog) error
	Get(ctx context.Context, id string) (*RunLog, error)
}
