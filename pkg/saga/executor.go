package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/backdrop/studio/pkg/logger"
	"github.com/google/uuid"
)

// Executor runs action lists and writes a RunLog after every transition.
type Executor struct {
	store RunStore
	now   func() time.Time
	log   *logger.Logger
}

func NewExecutor(store RunStore, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Nop()
	}
	return &Executor{store: store, now: time.Now, log: log}
}

// Run executes actions in order. On the first failure the completed actions are undone newest
// first, under a context that outlives the caller's cancellation, and the failure is returned.
func (e *Executor) Run(ctx context.Context, name string, actions []Action) error {
	_, err := e.RunLogged(ctx, name, actions)
	return err
}

// RunLogged is Run that also hands back the final log.
func (e *Executor) RunLogged(ctx context.Context, name string, actions []Action) (*RunLog, error) {
	rl := &RunLog{
		ID:        uuid.NewString(),
		Name:      name,
		UserID:    logger.UserIDFromContext(ctx),
		State:     RunActive,
		Actions:   make([]ActionRecord, len(actions)),
		StartedAt: e.now().UTC(),
	}
	for i, a := range actions {
		rl.Actions[i] = ActionRecord{Name: a.Name, Outcome: OutcomePending}
	}
	if err := e.store.Put(ctx, rl); err != nil {
		return rl, fmt.Errorf("write run log: %w", err)
	}

	for i, a := range actions {
		if err := a.do(ctx); err != nil {
			rl.Actions[i].Outcome = OutcomeFailed
			rl.Actions[i].Error = err.Error()
			return rl, e.rollback(ctx, rl, actions[:i], err)
		}
		rl.Actions[i].Outcome = OutcomeDone
		if err := e.store.Put(ctx, rl); err != nil {
			return rl, e.rollback(ctx, rl, actions[:i+1], fmt.Errorf("write run log: %w", err))
		}
	}

	rl.State = RunSucceeded
	e.finish(ctx, rl)
	return rl, nil
}

func (e *Executor) rollback(ctx context.Context, rl *RunLog, done []Action, cause error) error {
	rl.Error = cause.Error()
	bg := context.WithoutCancel(ctx)

	rl.State = RunRolledBack
	var undoErr error
	var undoName string
	for i := len(done) - 1; i >= 0; i-- {
		err := done[i].undo(bg)
		if err == nil {
			rl.Actions[i].Outcome = OutcomeUndone
			continue
		}
		rl.State = RunDirty
		rl.Actions[i].Outcome = OutcomeUndoFailed
		rl.Actions[i].Error = err.Error()
		e.log.WithContext(ctx).WithError(err).Errorf("undo failed", logger.Fields{
			"run":    rl.Name,
			"runId":  rl.ID,
			"action": done[i].Name,
		})
		if undoErr == nil {
			undoErr, undoName = err, done[i].Name
		}
	}
	e.finish(bg, rl)

	if undoErr != nil {
		return fmt.Errorf("%w; undo %s: %v", cause, undoName, undoErr)
	}
	return cause
}

func (e *Executor) finish(ctx context.Context, rl *RunLog) {
	end := e.now().UTC()
	rl.EndedAt = &end
	if err := e.store.Put(ctx, rl); err != nil {
		e.log.WithContext(ctx).WithError(err).Warnf("run log not saved", logger.Fields{"runId": rl.ID})
	}
}
