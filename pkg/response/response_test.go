package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	commonerrors "github.com/backdrop/studio/pkg/errors"
	"github.com/backdrop/studio/pkg/logger"
)

func TestWriteFromErrorKeepsCode(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/workflow/generate", nil)
	req.Header.Set("X-Request-ID", "req-1")

	err := fmt.Errorf("generate: %w", commonerrors.New(commonerrors.CodeStepNotReady, "background_removal not completed"))
	WriteFromError(rec, req, err)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body commonerrors.Error
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != commonerrors.CodeStepNotReady || body.RequestID != "req-1" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestWriteFromErrorHidesPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteFromError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("pq: password authentication failed"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body commonerrors.Error
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body.Message != "internal server error" {
		t.Fatalf("expected generic message, got %q", body.Message)
	}
}

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("expected request id in context")
	}
	if rec.Header().Get("X-Request-ID") != seen {
		t.Fatalf("response header %q != context id %q", rec.Header().Get("X-Request-ID"), seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestRequestIDMiddlewareReplacesUnsafeIDs(t *testing.T) {
	cases := map[string]bool{
		"client-id-1":           true,
		strings.Repeat("a", 65): false,
		"line\nbreak":           false,
		"with space":            false,
	}
	for in, kept := range cases {
		var seen string
		h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFromRequest(r)
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", in)
		h.ServeHTTP(httptest.NewRecorder(), req)

		if kept && seen != in {
			t.Fatalf("id %q should be kept, got %q", in, seen)
		}
		if !kept && (seen == in || seen == "") {
			t.Fatalf("id %q should be replaced, got %q", in, seen)
		}
	}
}

func TestWriteFromErrorContextErrors(t *testing.T) {
	cases := []struct {
		err  error
		code commonerrors.Code
	}{
		{fmt.Errorf("provider: %w", context.DeadlineExceeded), commonerrors.CodeTimeout},
		{context.Canceled, commonerrors.CodeCanceled},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		WriteFromError(rec, httptest.NewRequest(http.MethodPost, "/", nil), tc.err)

		var body commonerrors.Error
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Code != tc.code || rec.Code != body.HTTPStatus() {
			t.Fatalf("%v rendered as %s/%d", tc.err, body.Code, rec.Code)
		}
	}
}
