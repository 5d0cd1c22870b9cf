// Package response writes the JSON bodies of the studio HTTP API and carries the request id
// that ties a response to its log lines.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	commonerrors "github.com/backdrop/studio/pkg/errors"
)

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteError writes a coded error stamped with the request id. err itself is not modified.
func WriteError(w http.ResponseWriter, r *http.Request, err *commonerrors.Error) {
	if w == nil || err == nil {
		return
	}
	body := *err
	if id := requestID(r); id != "" {
		body.RequestID = id
	}
	WriteJSON(w, body.HTTPStatus(), &body)
}

// WriteErrorCode writes code with message, or the code's default message when empty.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.NewWithDefault(code, message))
}

// WriteFromError renders any error. Coded errors keep their code, context errors become
// TIMEOUT or CANCELED, and anything else is INTERNAL with its message withheld.
func WriteFromError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}
	if coded, ok := commonerrors.As(err); ok {
		WriteError(w, r, coded)
		return
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		WriteErrorCode(w, r, commonerrors.CodeTimeout, "")
	case errors.Is(err, context.Canceled):
		WriteErrorCode(w, r, commonerrors.CodeCanceled, "")
	default:
		WriteErrorCode(w, r, commonerrors.CodeInternal, "")
	}
}
