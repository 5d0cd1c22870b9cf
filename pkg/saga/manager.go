package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/backdrop/studio/pkg/kv"
	"github.com/backdrop/studio/pkg/logger"
	"github.com/google/uuid"
)

// Store is the persistence port for sessions. kv.RedisStore and kv.MemoryStore implement it.
type Store = kv.Store

// ErrNotFound is what a Store returns for a missing key.
var ErrNotFound = kv.ErrNotFound

const defaultKeyPrefix = "studio:session:"

// Manager owns one user's session. Its methods never return errors: storage and decode
// failures are logged and reported as nil or false.
type Manager struct {
	mu     sync.Mutex
	store  Store
	userID string
	key    string
	now    func() time.Time
	log    *logger.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithKeyPrefix changes the storage namespace. The key is prefix + userID.
func WithKeyPrefix(prefix string) Option {
	return func(m *Manager) {
		if prefix != "" {
			m.key = prefix + m.userID
		}
	}
}

func NewManager(store Store, userID string, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		userID: userID,
		key:    defaultKeyPrefix + userID,
		now:    time.Now,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("userID", userID)
	return m
}

// SessionKey returns the storage key for userID under the default namespace.
func SessionKey(userID string) string {
	return defaultKeyPrefix + userID
}

func (m *Manager) UserID() string {
	return m.userID
}

// InitializeSession creates a fresh session with every step pending and persists it.
// A persist failure is logged; the session is returned regardless.
func (m *Manager) InitializeSession(ctx context.Context) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialize(ctx)
}

func (m *Manager) initialize(ctx context.Context) *Session {
	s := newSession(m.userID, m.now().UTC())
	m.save(ctx, s)
	m.log.Infof("session initialized", map[string]interface{}{"sessionID": s.ID.String()})
	return s
}

// GetCurrentSession returns the persisted session, or nil when there is none, it cannot be
// read, or it has expired. Expired and corrupt sessions are removed from storage.
func (m *Manager) GetCurrentSession(ctx context.Context) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) *Session {
	raw, err := m.store.Get(ctx, m.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.log.WithError(err).Warn("session read failed")
		}
		return nil
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		m.log.WithError(err).Warn("session corrupt, clearing")
		m.remove(ctx)
		return nil
	}
	if m.now().After(s.ExpiresAt) {
		m.log.Infof("session expired", map[string]interface{}{"sessionID": s.ID.String()})
		m.remove(ctx)
		return nil
	}
	s.normalize()
	return &s
}

// loadIn is load that also treats a session other than sessionID as missing.
func (m *Manager) loadIn(ctx context.Context, sessionID uuid.UUID) *Session {
	s := m.load(ctx)
	if s == nil || (sessionID != uuid.Nil && s.ID != sessionID) {
		return nil
	}
	return s
}

func (m *Manager) save(ctx context.Context, s *Session) bool {
	raw, err := json.Marshal(s)
	if err != nil {
		m.log.WithError(err).Error("session encode failed")
		return false
	}
	if err := m.store.Set(ctx, m.key, raw); err != nil {
		m.log.WithError(err).Warn("session write failed")
		return false
	}
	return true
}

func (m *Manager) remove(ctx context.Context) bool {
	if err := m.store.Delete(ctx, m.key); err != nil {
		m.log.WithError(err).Warn("session delete failed")
		return false
	}
	return true
}

// UpdateStepStatus moves step to status. A non-nil data replaces the step payload; a
// non-empty errMsg is recorded and counts as a failed attempt. Completing a step clears its
// error, stamps completedAt and advances the current step to the next one in Sequence.
// It returns false when there is no session, the step is unknown, the move is not allowed
// by CanTransitionStep, or the session could not be persisted. A rejected move is not
// persisted: the stored session keeps the step as it was.
func (m *Manager) UpdateStepStatus(ctx context.Context, step StepName, status StepStatus, data any, errMsg string) bool {
	return m.UpdateStepStatusIn(ctx, uuid.Nil, step, status, data, errMsg)
}

// UpdateStepStatusIn is UpdateStepStatus limited to the session sessionID. It returns false
// once that session has been reset, cleared or has expired. uuid.Nil matches any session.
func (m *Manager) UpdateStepStatusIn(ctx context.Context, sessionID uuid.UUID, step StepName, status StepStatus, data any, errMsg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.loadIn(ctx, sessionID)
	if s == nil {
		return false
	}
	st := s.Step(step)
	if st == nil {
		m.log.Warnf("unknown step", map[string]interface{}{"step": string(step)})
		return false
	}
	if !CanTransitionStep(st.Status, status) {
		m.log.Warnf("step transition rejected", map[string]interface{}{
			"step": string(step),
			"from": string(st.Status),
			"to":   string(status),
		})
		return false
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			m.log.WithError(err).Error("step data encode failed")
			return false
		}
		st.Data = raw
	}
	if errMsg != "" {
		st.Error = errMsg
		st.Attempts++
	}

	now := m.now().UTC()
	st.Status = status
	if status == StatusCompleted {
		st.CompletedAt = &now
		st.Error = ""
		if i := step.Index(); i+1 < len(Sequence) {
			s.CurrentStep = Sequence[i+1]
		}
	}
	s.UpdatedAt = now

	return m.save(ctx, s)
}

// UpdateResults shallow-merges partial into the session results.
func (m *Manager) UpdateResults(ctx context.Context, partial map[string]any) bool {
	return m.UpdateResultsIn(ctx, uuid.Nil, partial)
}

// UpdateResultsIn is UpdateResults limited to the session sessionID.
func (m *Manager) UpdateResultsIn(ctx context.Context, sessionID uuid.UUID, partial map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.loadIn(ctx, sessionID)
	if s == nil {
		return false
	}
	for k, v := range partial {
		s.Results[k] = v
	}
	s.UpdatedAt = m.now().UTC()
	return m.save(ctx, s)
}

// CanExecuteStep is true iff every step before step is completed.
func (m *Manager) CanExecuteStep(ctx context.Context, step StepName) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return canExecute(m.load(ctx), step)
}

func canExecute(s *Session, step StepName) bool {
	if s == nil {
		return false
	}
	idx := step.Index()
	if idx < 0 {
		return false
	}
	for _, prev := range Sequence[:idx] {
		if st := s.Steps[prev]; st == nil || st.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// GetCurrentExecutableStep returns the first pending or failed step.
func (m *Manager) GetCurrentExecutableStep(ctx context.Context) (StepName, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.load(ctx)
	if s == nil {
		return "", false
	}
	for _, name := range Sequence {
		switch s.Steps[name].Status {
		case StatusPending, StatusError:
			return name, true
		}
	}
	return "", false
}

// ResetStep puts step back to pending and rewinds the current step to it. Other steps keep
// their state.
func (m *Manager) ResetStep(ctx context.Context, step StepName) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.load(ctx)
	if s == nil {
		return false
	}
	st := s.Step(step)
	if st == nil {
		return false
	}
	st.Status = StatusPending
	st.Error = ""
	st.CompletedAt = nil
	s.CurrentStep = step
	s.UpdatedAt = m.now().UTC()
	return m.save(ctx, s)
}

// ResetSession discards the current session and starts a new one for the same user.
func (m *Manager) ResetSession(ctx context.Context) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.remove(ctx)
	return m.initialize(ctx)
}

// ReplaceSession is ResetSession that only fires while sessionID is still the live session.
// It returns nil, leaving storage untouched, when another reset got there first.
func (m *Manager) ReplaceSession(ctx context.Context, sessionID uuid.UUID) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loadIn(ctx, sessionID) == nil {
		return nil
	}
	m.remove(ctx)
	return m.initialize(ctx)
}

func (m *Manager) ClearSession(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(ctx)
}

func (m *Manager) GetOverallProgress(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx).Progress()
}

func (m *Manager) HasRetryableErrors(ctx context.Context) bool {
	return len(m.GetErrorSteps(ctx)) > 0
}

// GetErrorSteps lists failed steps in canonical order.
func (m *Manager) GetErrorSteps(ctx context.Context) []StepError {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.load(ctx)
	if s == nil {
		return nil
	}
	var out []StepError
	for _, name := range Sequence {
		if st := s.Steps[name]; st.Status == StatusError {
			out = append(out, StepError{Step: name, StepState: *st})
		}
	}
	return out
}
