// Package service is the image workflow use-case layer. It sequences provider, storage and
// record calls for each saga step and funnels their failures into the session.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"

	"github.com/backdrop/studio/internal/client"
	"github.com/backdrop/studio/internal/metrics"
	"github.com/backdrop/studio/internal/repository"
	commonerrors "github.com/backdrop/studio/pkg/errors"
	"github.com/backdrop/studio/pkg/logger"
	"github.com/backdrop/studio/pkg/saga"
	"github.com/backdrop/studio/pkg/tracing"
)

// ImageStore is the image record persistence used by the workflow.
type ImageStore interface {
	Create(ctx context.Context, rec *repository.ImageRecord) error
	Get(ctx context.Context, id, userID string) (*repository.ImageRecord, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*repository.ImageRecord, error)
	Advance(ctx context.Context, rec *repository.ImageRecord, to repository.Status, upd repository.RecordUpdate) (*repository.ImageRecord, error)
	FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

// ImageProvider is the subset of the AI provider the workflow drives.
type ImageProvider interface {
	RemoveBackground(ctx context.Context, inputImage string, opts client.BackgroundRemovalOptions) (*client.ImageResult, error)
	Inpaint(ctx context.Context, req client.InpaintRequest) (*client.ImageResult, error)
}

// ArtifactStore writes originals and re-hosts provider outputs.
type ArtifactStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, path string) error
	Rehost(ctx context.Context, source, path string) (string, error)
}

// Config holds the workflow knobs.
type Config struct {
	MaxUploadBytes int64
	QualityBooster string
	NegativePrompt string
	MaskModel      string
	InpaintModel   string
}

// Deps are the collaborators of a WorkflowService. Publisher, Metrics and Logger are optional.
type Deps struct {
	Sessions  saga.Store
	Records   ImageStore
	Provider  ImageProvider
	Artifacts ArtifactStore
	Publisher ProgressPublisher
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// WorkflowService runs workflow steps for many users. At most one step per user runs at a time.
type WorkflowService struct {
	sessions  saga.Store
	records   ImageStore
	provider  ImageProvider
	artifacts ArtifactStore
	publisher ProgressPublisher
	metrics   *metrics.Metrics
	log       *logger.Logger
	executor  *saga.Executor
	cfg       Config
	now       func() time.Time

	managers *cache.Cache

	mu       sync.Mutex
	inflight map[string]*flight
	seq      uint64
}

// flight is the cancellation handle of a running step.
type flight struct {
	id      uint64
	step    saga.StepName
	cancel  context.CancelFunc
	aborted atomic.Bool
}

func NewWorkflowService(deps Deps, cfg Config) *WorkflowService {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.MaskModel == "" {
		cfg.MaskModel = client.MaskModel
	}
	return &WorkflowService{
		sessions:  deps.Sessions,
		records:   deps.Records,
		provider:  deps.Provider,
		artifacts: deps.Artifacts,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		log:       log,
		executor:  saga.NewExecutor(saga.NewKVRunStore(deps.Sessions), log),
		cfg:       cfg,
		now:       time.Now,
		managers:  cache.New(30*time.Minute, time.Hour),
		inflight:  make(map[string]*flight),
	}
}

// SessionView is a session plus the derived state a UI renders from.
type SessionView struct {
	*saga.Session
	Progress       int              `json:"progress"`
	ExecutableStep saga.StepName    `json:"executableStep,omitempty"`
	ErrorSteps     []saga.StepError `json:"errorSteps,omitempty"`
	Running        saga.StepName    `json:"running,omitempty"`
}

// manager returns the session manager bound to userID. One instance per user is shared so
// its lock serializes read-modify-write cycles.
func (s *WorkflowService) manager(userID string) *saga.Manager {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.managers.Get(userID); ok {
		s.managers.SetDefault(userID, v)
		return v.(*saga.Manager)
	}
	m := saga.NewManager(s.sessions, userID, saga.WithLogger(s.log), saga.WithClock(s.now))
	s.managers.SetDefault(userID, m)
	return m
}

func (s *WorkflowService) currentOrNew(ctx context.Context, m *saga.Manager) *saga.Session {
	if sess := m.GetCurrentSession(ctx); sess != nil {
		return sess
	}
	return m.InitializeSession(ctx)
}

// Session returns the user's session, starting a new one if none is live.
func (s *WorkflowService) Session(ctx context.Context, userID string) *SessionView {
	m := s.manager(userID)
	return s.view(ctx, userID, m, s.currentOrNew(ctx, m))
}

func (s *WorkflowService) view(ctx context.Context, userID string, m *saga.Manager, sess *saga.Session) *SessionView {
	v := &SessionView{Session: sess, Progress: sess.Progress()}
	if step, ok := m.GetCurrentExecutableStep(ctx); ok {
		v.ExecutableStep = step
	}
	v.ErrorSteps = m.GetErrorSteps(ctx)
	s.mu.Lock()
	if f := s.inflight[userID]; f != nil {
		v.Running = f.step
	}
	s.mu.Unlock()
	return v
}

// Reset cancels the user's running step, if any, and starts a fresh session.
func (s *WorkflowService) Reset(ctx context.Context, userID string) *SessionView {
	s.mu.Lock()
	if f := s.inflight[userID]; f != nil {
		f.aborted.Store(true)
		f.cancel()
		delete(s.inflight, userID)
	}
	s.mu.Unlock()

	m := s.manager(userID)
	sess := m.ResetSession(ctx)
	s.log.WithContext(ctx).Info("session reset")
	view := s.view(ctx, userID, m, sess)
	s.publishSession(ctx, userID, view)
	return view
}

// Records lists the user's newest image records.
func (s *WorkflowService) Records(ctx context.Context, userID string, limit int) ([]*repository.ImageRecord, error) {
	list, err := s.records.ListByUser(ctx, userID, limit)
	return list, classify(err)
}

// Record loads one image record owned by userID.
func (s *WorkflowService) Record(ctx context.Context, userID, id string) (*repository.ImageRecord, error) {
	rec, err := s.records.Get(ctx, id, userID)
	return rec, classify(err)
}

// begin registers a running step for userID. The returned context is canceled by Reset.
func (s *WorkflowService) begin(ctx context.Context, userID string, step saga.StepName) (context.Context, *flight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.inflight[userID]; cur != nil {
		return nil, nil, commonerrors.Newf(commonerrors.CodeStepInProgress, "%s is already running", cur.step)
	}
	s.seq++
	stepCtx, cancel := context.WithCancel(ctx)
	f := &flight{id: s.seq, step: step, cancel: cancel}
	s.inflight[userID] = f
	return stepCtx, f, nil
}

func (s *WorkflowService) end(userID string, f *flight) {
	s.mu.Lock()
	if cur := s.inflight[userID]; cur != nil && cur.id == f.id {
		delete(s.inflight, userID)
	}
	s.mu.Unlock()
	f.cancel()
}

func (s *WorkflowService) busy(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.inflight[userID]; cur != nil {
		return commonerrors.Newf(commonerrors.CodeStepInProgress, "%s is already running", cur.step)
	}
	return nil
}

// stepRun carries the state shared by the body of one step. Session writes go through its
// helpers so they land only in the session the step started on.
type stepRun struct {
	userID    string
	step      saga.StepName
	manager   *saga.Manager
	session   *saga.Session
	sessionID uuid.UUID
	detached  bool
	flight    *flight
	reporter
}

func (r *stepRun) setStatus(ctx context.Context, status saga.StepStatus, data any, errMsg string) bool {
	return r.manager.UpdateStepStatusIn(ctx, r.sessionID, r.step, status, data, errMsg)
}

// mergeResults writes partial into the step's session. It fails with errAborted when a reset
// replaced that session.
func (r *stepRun) mergeResults(ctx context.Context, partial map[string]any) error {
	if r.manager.UpdateResultsIn(ctx, r.sessionID, partial) {
		return nil
	}
	return r.writeFailed()
}

// replaceSession swaps the step's session for a fresh one, which later writes then target.
func (r *stepRun) replaceSession(ctx context.Context) error {
	fresh := r.manager.ReplaceSession(ctx, r.sessionID)
	if fresh == nil {
		return r.writeFailed()
	}
	r.session, r.sessionID = fresh, fresh.ID
	return nil
}

// writeFailed tells a reset apart from a storage failure. Reset raises aborted before it
// replaces the session, so a refused write after a reset always sees the flag.
func (r *stepRun) writeFailed() error {
	if r.flight.aborted.Load() {
		return errAborted
	}
	return errSessionPersist
}

// bodyFunc does the work of a step and returns the data stored on the step when it completes.
type bodyFunc func(ctx context.Context, run *stepRun) (any, error)

// phase is one step executed by runStep. A detached phase leaves the session alone until its
// body succeeds, so a failed attempt keeps the results already stored.
type phase struct {
	step     saga.StepName
	body     bodyFunc
	detached bool
}

// precheckFunc rejects a step before anything is marked in progress.
type precheckFunc func(sess *saga.Session) error

// runStep gates, tracks and records steps. The first phase is gated by CanExecuteStep and
// precheck; later phases run in the same flight once the previous one completed. Failures of
// a body are written to its step as error with their original message and returned classified.
func (s *WorkflowService) runStep(ctx context.Context, userID string, progress ProgressFunc, precheck precheckFunc, phases ...phase) (*SessionView, error) {
	m := s.manager(userID)
	sess := s.currentOrNew(ctx, m)

	first := phases[0].step
	if !m.CanExecuteStep(ctx, first) {
		return nil, stepNotReady(string(first))
	}
	if precheck != nil {
		if err := precheck(sess); err != nil {
			return nil, err
		}
	}

	stepCtx, f, err := s.begin(ctx, userID, first)
	if err != nil {
		return nil, err
	}
	defer s.end(userID, f)

	// a reset between the gate and begin replaced the session the gate looked at
	switch cur := m.GetCurrentSession(ctx); {
	case cur == nil:
		return nil, fmt.Errorf("%s: %w", first, errSessionPersist)
	case cur.ID != sess.ID:
		return nil, classify(errAborted)
	}

	for i, p := range phases {
		if i > 0 {
			if f.aborted.Load() {
				return nil, classify(errAborted)
			}
			if !m.CanExecuteStep(ctx, p.step) {
				return nil, stepNotReady(string(p.step))
			}
			if sess = m.GetCurrentSession(ctx); sess == nil {
				return nil, classify(errAborted)
			}
			s.mu.Lock()
			f.step = p.step
			s.mu.Unlock()
		}
		run := &stepRun{
			userID:    userID,
			step:      p.step,
			manager:   m,
			session:   sess,
			sessionID: sess.ID,
			flight:    f,
			detached:  p.detached,
			reporter:  reporter{svc: s, userID: userID, step: p.step, fn: progress},
		}
		if err := s.execute(stepCtx, run, p.body); err != nil {
			return nil, err
		}
	}
	return s.view(ctx, userID, m, m.GetCurrentSession(ctx)), nil
}

// execute runs body inside an already registered flight.
func (s *WorkflowService) execute(ctx context.Context, run *stepRun, body bodyFunc) error {
	ctx, span := tracing.StartSpan(ctx, "workflow."+string(run.step))
	defer span.End()
	span.SetAttributes(attribute.String("studio.user_id", run.userID))

	log := s.log.WithContext(ctx).WithField("step", string(run.step))

	if !run.detached && !run.setStatus(ctx, saga.StatusInProgress, nil, "") {
		return classify(fmt.Errorf("%s: %w", run.step, run.writeFailed()))
	}
	run.report(ctx, StageStarted, 0, "")

	// each failed provider attempt that is about to be retried lands on the step as an error
	ctx = client.WithAttemptObserver(ctx, func(attempt int, err error) {
		if run.flight.aborted.Load() {
			return
		}
		bg := context.WithoutCancel(ctx)
		run.setStatus(bg, saga.StatusError, nil, err.Error())
		run.setStatus(bg, saga.StatusInProgress, nil, "")
		run.report(ctx, StageRetrying, 0, fmt.Sprintf("attempt %d failed: %v", attempt, err))
	})

	start := s.now()
	s.metrics.IncActiveSteps()
	data, err := body(ctx, run)
	s.metrics.DecActiveSteps()

	if err == nil && run.flight.aborted.Load() {
		err = errAborted
	}
	if err != nil {
		tracing.SetError(ctx, err)
		s.metrics.ObserveStep(string(run.step), "error", s.now().Sub(start))
		if run.flight.aborted.Load() {
			log.Info("step aborted by reset")
			run.report(ctx, StageCanceled, 0, "")
			return classify(errAborted)
		}
		log.WithError(err).Warn("step failed")
		if !run.detached {
			run.setStatus(context.WithoutCancel(ctx), saga.StatusError, nil, err.Error())
		}
		run.report(ctx, StageFailed, 0, err.Error())
		s.publishSession(ctx, run.userID, nil)
		return classify(err)
	}

	if !run.setStatus(ctx, saga.StatusCompleted, data, "") {
		return classify(fmt.Errorf("%s: %w", run.step, run.writeFailed()))
	}
	s.metrics.ObserveStep(string(run.step), "ok", s.now().Sub(start))
	log.Infof("step completed", map[string]interface{}{"durationMs": s.now().Sub(start).Milliseconds()})
	run.report(ctx, StageCompleted, 100, "")
	s.publishSession(ctx, run.userID, nil)
	return nil
}

// publishSession sends the session to progress subscribers. A nil view is rebuilt from storage.
func (s *WorkflowService) publishSession(ctx context.Context, userID string, view *SessionView) {
	if s.publisher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if view == nil {
		m := s.manager(userID)
		sess := m.GetCurrentSession(ctx)
		if sess == nil {
			return
		}
		view = s.view(ctx, userID, m, sess)
	}
	if err := s.publisher.PublishSession(ctx, userID, view); err != nil {
		s.log.WithContext(ctx).WithError(err).Debug("session publish failed")
	}
}

// failRecord moves rec to error. It is best effort: the step error is what the caller reports.
func (s *WorkflowService) failRecord(ctx context.Context, rec *repository.ImageRecord, cause error) {
	if rec == nil || rec.Status == repository.StatusError || rec.Status.Terminal() {
		return
	}
	msg := cause.Error()
	if _, err := s.records.Advance(context.WithoutCancel(ctx), rec, repository.StatusError,
		repository.RecordUpdate{ErrorMessage: &msg}); err != nil {
		s.log.WithContext(ctx).WithError(err).Warnf("record error status not written", map[string]interface{}{
			"recordId": rec.ID,
		})
	}
}

// recordFor loads the record behind the session. A missing record is recreated from the
// session results; a completed one is cloned so a new run never rewrites a finished job.
func (s *WorkflowService) recordFor(ctx context.Context, run *stepRun) (*repository.ImageRecord, error) {
	sess := run.session
	id := sess.ResultString(saga.ResultRecordID)
	if id != "" {
		rec, err := s.records.Get(ctx, id, run.userID)
		switch {
		case err == nil && !rec.Status.Terminal():
			return rec, nil
		case err == nil:
			return s.cloneRecord(ctx, run, rec)
		case !errors.Is(err, repository.ErrRecordNotFound):
			return nil, err
		}
	}

	originalURL := sess.ResultString(saga.ResultOriginalImageURL)
	if originalURL == "" {
		return nil, missingArtifact(saga.ResultOriginalImageURL)
	}
	rec := &repository.ImageRecord{
		UserID:       run.userID,
		OriginalURL:  originalURL,
		OriginalPath: sess.ResultString(saga.ResultOriginalPath),
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, err
	}
	if err := run.mergeResults(ctx, map[string]any{saga.ResultRecordID: rec.ID}); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *WorkflowService) cloneRecord(ctx context.Context, run *stepRun, done *repository.ImageRecord) (*repository.ImageRecord, error) {
	rec := &repository.ImageRecord{
		UserID:       run.userID,
		OriginalURL:  done.OriginalURL,
		OriginalPath: done.OriginalPath,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, err
	}
	if done.MaskURL() != "" {
		var err error
		rec, err = s.records.Advance(ctx, rec, repository.StatusMaskGenerated, repository.RecordUpdate{
			MaskProviderURL: repository.String(done.MaskProviderURL),
			MaskStorageURL:  repository.String(done.MaskStorageURL),
		})
		if err != nil {
			return nil, err
		}
	}
	if err := run.mergeResults(ctx, map[string]any{saga.ResultRecordID: rec.ID}); err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).Infof("completed record cloned for a new run", map[string]interface{}{
		"from": done.ID,
		"to":   rec.ID,
	})
	return rec, nil
}
