package service

import (
	"context"

	"github.com/backdrop/studio/pkg/saga"
)

// Stages reported while a step runs.
const (
	StageStarted      = "started"
	StageUploading    = "uploading"
	StageRecording    = "recording"
	StageCallingModel = "calling_model"
	StageRetrying     = "retrying"
	StageRehosting    = "rehosting"
	StageFinalizing   = "finalizing"
	StageCompleted    = "completed"
	StageFailed       = "failed"
	StageCanceled     = "canceled"
)

// Progress is one update about a running step.
type Progress struct {
	Step    saga.StepName `json:"step"`
	Stage   string        `json:"stage"`
	Percent int           `json:"percent"`
	Message string        `json:"message,omitempty"`
}

// ProgressFunc receives progress updates synchronously from the step goroutine.
type ProgressFunc func(Progress)

// ProgressPublisher forwards progress to subscribers outside this process.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, userID, event string, data interface{}) error
	PublishSession(ctx context.Context, userID string, session interface{}) error
}

type reporter struct {
	svc    *WorkflowService
	userID string
	step   saga.StepName
	fn     ProgressFunc
}

func (r reporter) report(ctx context.Context, stage string, percent int, message string) {
	p := Progress{Step: r.step, Stage: stage, Percent: percent, Message: message}
	if r.fn != nil {
		r.fn(p)
	}
	if r.svc.publisher == nil {
		return
	}
	if err := r.svc.publisher.PublishProgress(context.WithoutCancel(ctx), r.userID, string(r.step), p); err != nil {
		r.svc.log.WithContext(ctx).WithError(err).Debug("progress publish failed")
	}
}
