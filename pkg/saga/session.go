package saga

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StepName identifies one step of the image workflow.
type StepName string

const (
	StepUpload               StepName = "upload"
	StepStyleSelection       StepName = "style_selection"
	StepBackgroundRemoval    StepName = "background_removal"
	StepBackgroundGeneration StepName = "background_generation"
	StepFinalProcessing      StepName = "final_processing"
)

// Sequence is the canonical execution order. It never branches.
var Sequence = []StepName{
	StepUpload,
	StepStyleSelection,
	StepBackgroundRemoval,
	StepBackgroundGeneration,
	StepFinalProcessing,
}

// StepStatus is the bookkeeping state of a single step.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusError      StepStatus = "error"
	StatusSkipped    StepStatus = "skipped"
)

// Result keys written into Session.Results by the workflow.
const (
	ResultOriginalImageURL     = "originalImageUrl"
	ResultOriginalFilename     = "originalFilename"
	ResultOriginalPath         = "originalPath"
	ResultSelectedStyle        = "selectedStyle"
	ResultCustomPrompt         = "customPrompt"
	ResultBackgroundRemovedURL = "backgroundRemovedUrl"
	ResultMaskURL              = "maskUrl"
	ResultFinalImageURL        = "finalImageUrl"
	ResultFinalProviderURL     = "finalProviderUrl"
	ResultRecordID             = "recordId"
	ResultTotalCost            = "totalCost"
)

// SessionTTL is the fixed lifetime of a session from its creation.
const SessionTTL = 24 * time.Hour

var stepTransitions = map[StepStatus][]StepStatus{
	StatusPending:    {StatusPending, StatusInProgress, StatusCompleted, StatusError, StatusSkipped},
	StatusInProgress: {StatusInProgress, StatusCompleted, StatusError, StatusPending},
	StatusCompleted:  {StatusCompleted, StatusInProgress, StatusPending},
	StatusError:      {StatusError, StatusInProgress, StatusCompleted, StatusPending},
	StatusSkipped:    {StatusSkipped, StatusPending, StatusInProgress},
}

// CanTransitionStep is the single place where step status moves are validated.
func CanTransitionStep(from, to StepStatus) bool {
	for _, s := range stepTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s StepStatus) Valid() bool {
	_, ok := stepTransitions[s]
	return ok
}

// Index returns the position of n in Sequence, or -1.
func (n StepName) Index() int {
	for i, s := range Sequence {
		if s == n {
			return i
		}
	}
	return -1
}

func (n StepName) Valid() bool {
	return n.Index() >= 0
}

// ParseStepName accepts the canonical step names.
func ParseStepName(s string) (StepName, bool) {
	n := StepName(s)
	return n, n.Valid()
}

type StepState struct {
	Status      StepStatus      `json:"status"`
	Data        json.RawMessage `json:"data"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CompletedAt *time.Time      `json:"completedAt"`
}

// Session is the persisted saga state of one user's current workflow run.
type Session struct {
	ID          uuid.UUID               `json:"id"`
	UserID      string                  `json:"userId"`
	CreatedAt   time.Time               `json:"createdAt"`
	UpdatedAt   time.Time               `json:"updatedAt"`
	ExpiresAt   time.Time               `json:"expiresAt"`
	CurrentStep StepName                `json:"currentStep"`
	Steps       map[StepName]*StepState `json:"steps"`
	Results     map[string]any          `json:"results"`
}

func newSession(userID string, now time.Time) *Session {
	s := &Session{
		ID:          uuid.New(),
		UserID:      userID,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(SessionTTL),
		CurrentStep: StepUpload,
		Steps:       make(map[StepName]*StepState, len(Sequence)),
		Results:     make(map[string]any),
	}
	for _, name := range Sequence {
		s.Steps[name] = &StepState{Status: StatusPending}
	}
	return s
}

// normalize fills steps missing from an older or hand-edited blob.
func (s *Session) normalize() {
	if s.Steps == nil {
		s.Steps = make(map[StepName]*StepState, len(Sequence))
	}
	for _, name := range Sequence {
		st := s.Steps[name]
		if st == nil || !st.Status.Valid() {
			s.Steps[name] = &StepState{Status: StatusPending}
		}
	}
	if s.Results == nil {
		s.Results = make(map[string]any)
	}
	if !s.CurrentStep.Valid() {
		s.CurrentStep = StepUpload
	}
}

// Step returns the state of name, or nil for unknown steps.
func (s *Session) Step(name StepName) *StepState {
	if s == nil {
		return nil
	}
	return s.Steps[name]
}

// ResultString reads a string result, returning "" when absent or of another type.
func (s *Session) ResultString(key string) string {
	if s == nil {
		return ""
	}
	v, _ := s.Results[key].(string)
	return v
}

// ResultFloat reads a numeric result.
func (s *Session) ResultFloat(key string) float64 {
	if s == nil {
		return 0
	}
	switch v := s.Results[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// Progress is round(100 * completed / total).
func (s *Session) Progress() int {
	if s == nil {
		return 0
	}
	completed := 0
	for _, name := range Sequence {
		if st := s.Steps[name]; st != nil && st.Status == StatusCompleted {
			completed++
		}
	}
	return (200*completed + len(Sequence)) / (2 * len(Sequence))
}

// Terminal reports whether every step is completed.
func (s *Session) Terminal() bool {
	if s == nil {
		return false
	}
	for _, name := range Sequence {
		if st := s.Steps[name]; st == nil || st.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// StepError pairs a failed step with its state.
type StepError struct {
	Step StepName `json:"stepName"`
	StepState
}
