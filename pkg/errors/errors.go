// Package errors defines the coded errors returned across the studio HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	// general
	CodeOK               Code = "OK"
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidParam     Code = "INVALID_PARAM"
	CodeInvalidRequest   Code = "INVALID_REQUEST"
	CodeRequestTooLarge  Code = "REQUEST_TOO_LARGE"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeInternal         Code = "INTERNAL"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeTimeout          Code = "TIMEOUT"
	CodeRateLimited      Code = "RATE_LIMITED"

	// upload validation
	CodeInvalidFileType Code = "INVALID_FILE_TYPE"
	CodeFileTooLarge    Code = "FILE_TOO_LARGE"

	// workflow
	CodeStepNotReady      Code = "STEP_NOT_READY"
	CodeStepInProgress    Code = "STEP_IN_PROGRESS"
	CodeMissingArtifact   Code = "MISSING_ARTIFACT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeRecordNotFound    Code = "RECORD_NOT_FOUND"
	CodeCanceled          Code = "CANCELED"

	// collaborators
	CodeProviderError       Code = "PROVIDER_ERROR"
	CodeProviderUnavailable Code = "PROVIDER_UNAVAILABLE"
	CodeStorageError        Code = "STORAGE_ERROR"
)

type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	RequestID string `json:"requestId,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func New(code Code, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: isRetryable(code),
	}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithDefault falls back to a generic message for the code when message is empty.
func NewWithDefault(code Code, message string) *Error {
	if message == "" {
		message = defaultMessage(code)
	}
	return New(code, message)
}

func (e *Error) WithRequestID(requestID string) *Error {
	e.RequestID = requestID
	return e
}

func (e *Error) HTTPStatus() int {
	return httpStatus(e.Code)
}

// As extracts a coded error from err's chain.
func As(err error) (*Error, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}

// CodeOf returns the code of the first coded error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	if coded, ok := As(err); ok {
		return coded.Code
	}
	return CodeInternal
}

func isRetryable(code Code) bool {
	switch code {
	case CodeRateLimited, CodeTimeout, CodeUnavailable,
		CodeProviderUnavailable, CodeStorageError, CodeCanceled:
		return true
	default:
		return false
	}
}

func httpStatus(code Code) int {
	switch code {
	case CodeOK:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidRequest, CodeInvalidFileType, CodeMissingArtifact:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound, CodeRecordNotFound:
		return http.StatusNotFound
	case CodeStepNotReady, CodeStepInProgress, CodeInvalidTransition:
		return http.StatusConflict
	case CodeFileTooLarge, CodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProviderError, CodeStorageError:
		return http.StatusBadGateway
	case CodeUnavailable, CodeProviderUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func defaultMessage(code Code) string {
	switch code {
	case CodeUnauthenticated:
		return "unauthenticated"
	case CodeRateLimited:
		return "too many requests"
	case CodeRequestTooLarge:
		return "request too large"
	case CodeNotFound, CodeRecordNotFound:
		return "not found"
	case CodeStepNotReady:
		return "previous steps are not completed"
	case CodeStepInProgress:
		return "another step is already running"
	case CodeCanceled:
		return "canceled"
	default:
		return "internal server error"
	}
}

var (
	ErrInvalidParam    = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound        = New(CodeNotFound, "not found")
	ErrUnauthenticated = New(CodeUnauthenticated, "unauthenticated")
	ErrRateLimited     = New(CodeRateLimited, "rate limited")
	ErrStepInProgress  = New(CodeStepInProgress, "another step is already running")
)
