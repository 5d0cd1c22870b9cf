package service

import (
	"context"
	"errors"

	"github.com/backdrop/studio/internal/client"
	"github.com/backdrop/studio/internal/repository"
	commonerrors "github.com/backdrop/studio/pkg/errors"
)

var (
	errSessionPersist = errors.New("session could not be persisted")
	errAborted        = errors.New("step aborted by session reset")
)

// classify converts collaborator failures into coded errors for the HTTP layer.
// The message keeps the original text since it is shown as the step error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := commonerrors.As(err); ok {
		return err
	}

	msg := err.Error()
	var perr *client.ProviderError
	var serr *client.StorageError
	switch {
	case errors.Is(err, errAborted), errors.Is(err, context.Canceled):
		return commonerrors.New(commonerrors.CodeCanceled, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return commonerrors.New(commonerrors.CodeTimeout, msg)
	case errors.Is(err, client.ErrInvalidRequest):
		return commonerrors.New(commonerrors.CodeInvalidParam, msg)
	case errors.As(err, &perr):
		if perr.Retryable {
			return commonerrors.New(commonerrors.CodeProviderUnavailable, msg)
		}
		return commonerrors.New(commonerrors.CodeProviderError, msg)
	case errors.As(err, &serr):
		return commonerrors.New(commonerrors.CodeStorageError, msg)
	case errors.Is(err, repository.ErrRecordNotFound):
		return commonerrors.New(commonerrors.CodeRecordNotFound, msg)
	case errors.Is(err, repository.ErrInvalidTransition), errors.Is(err, repository.ErrStatusConflict):
		return commonerrors.New(commonerrors.CodeInvalidTransition, msg)
	default:
		return err
	}
}

func stepNotReady(step string) error {
	return commonerrors.Newf(commonerrors.CodeStepNotReady, "previous steps must be completed before %s", step)
}

func missingArtifact(what string) error {
	return commonerrors.Newf(commonerrors.CodeMissingArtifact, "%s is missing from the session", what)
}
