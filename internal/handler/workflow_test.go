package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/backdrop/studio/internal/middleware"
	"github.com/backdrop/studio/internal/repository"
	"github.com/backdrop/studio/internal/service"
	commonerrors "github.com/backdrop/studio/pkg/errors"
	"github.com/backdrop/studio/pkg/health"
	"github.com/backdrop/studio/pkg/saga"
)

var testSecret = []byte("handler-test-secret-handler-test-secret")

type stubWorkflow struct {
	lastUser   string
	upload     service.UploadInput
	style      service.StyleInput
	retryStep  saga.StepName
	stepErr    error
	records    []*repository.ImageRecord
	recordByID map[string]*repository.ImageRecord
}

func (s *stubWorkflow) view(userID string) *service.SessionView {
	s.lastUser = userID
	return &service.SessionView{Session: &saga.Session{UserID: userID, CurrentStep: saga.StepUpload}}
}

func (s *stubWorkflow) Session(_ context.Context, userID string) *service.SessionView {
	return s.view(userID)
}

func (s *stubWorkflow) Reset(_ context.Context, userID string) *service.SessionView {
	return s.view(userID)
}

func (s *stubWorkflow) Upload(_ context.Context, userID string, in service.UploadInput, _ service.ProgressFunc) (*service.SessionView, error) {
	s.upload = in
	if s.stepErr != nil {
		return nil, s.stepErr
	}
	return s.view(userID), nil
}

func (s *stubWorkflow) SelectStyle(_ context.Context, userID string, in service.StyleInput) (*service.SessionView, error) {
	s.style = in
	if s.stepErr != nil {
		return nil, s.stepErr
	}
	return s.view(userID), nil
}

func (s *stubWorkflow) RemoveBackground(_ context.Context, userID string, _ service.ProgressFunc) (*service.SessionView, error) {
	if s.stepErr != nil {
		return nil, s.stepErr
	}
	return s.view(userID), nil
}

func (s *stubWorkflow) GenerateBackground(_ context.Context, userID string, _ service.ProgressFunc) (*service.SessionView, error) {
	if s.stepErr != nil {
		return nil, s.stepErr
	}
	return s.view(userID), nil
}

func (s *stubWorkflow) Finalize(_ context.Context, userID string) (*service.SessionView, error) {
	if s.stepErr != nil {
		return nil, s.stepErr
	}
	return s.view(userID), nil
}

func (s *stubWorkflow) Retry(_ context.Context, userID string, step saga.StepName, _ service.ProgressFunc) (*service.SessionView, error) {
	s.retryStep = step
	if s.stepErr != nil {
		return nil, s.stepErr
	}
	return s.view(userID), nil
}

func (s *stubWorkflow) Records(_ context.Context, userID string, _ int) ([]*repository.ImageRecord, error) {
	s.lastUser = userID
	return s.records, nil
}

func (s *stubWorkflow) Record(_ context.Context, userID, id string) (*repository.ImageRecord, error) {
	s.lastUser = userID
	rec, ok := s.recordByID[id]
	if !ok || rec.UserID != userID {
		return nil, commonerrors.New(commonerrors.CodeRecordNotFound, "record not found")
	}
	return rec, nil
}

func newTestRouter(t *testing.T, wf Workflow, provider Provider) http.Handler {
	t.Helper()
	return NewRouter(RouterConfig{
		Workflow: NewWorkflowHandler(wf, 1<<10, nil),
		Proxy:    NewProxyHandler(provider, 3, 0, nil),
		Health:   health.New(),
		Auth:     &middleware.AuthConfig{Secret: testSecret},
	})
}

func authed(t *testing.T, req *http.Request, userID string) *http.Request {
	t.Helper()
	token, err := middleware.GenerateToken(testSecret, "", userID, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) commonerrors.Code {
	t.Helper()
	var body commonerrors.Error
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Code
}

func TestRouterRequiresToken(t *testing.T) {
	router := newTestRouter(t, &stubWorkflow{}, &stubProvider{})

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/v1/session", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	rec = serve(router, httptest.NewRequest(http.MethodPost, "/api/ai-proxy", strings.NewReader(`{}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("proxy status = %d", rec.Code)
	}
	rec = serve(router, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("live status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestGetSessionUsesTokenSubject(t *testing.T) {
	wf := &stubWorkflow{}
	router := newTestRouter(t, wf, &stubProvider{})

	rec := serve(router, authed(t, httptest.NewRequest(http.MethodGet, "/v1/session", nil), "user-42"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["userId"] != "user-42" || body["currentStep"] != "upload" {
		t.Fatalf("body = %v", body)
	}
}

func multipartUpload(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fw.Write(data)
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/workflow/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadForwardsFile(t *testing.T) {
	wf := &stubWorkflow{}
	router := newTestRouter(t, wf, &stubProvider{})

	rec := serve(router, authed(t, multipartUpload(t, "file", "shoe.png", []byte("\x89PNG\r\n\x1a\npixels")), "u1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if wf.upload.Filename != "shoe.png" || !bytes.HasPrefix(wf.upload.Data, []byte("\x89PNG")) {
		t.Fatalf("upload input = %+v", wf.upload)
	}
}

func TestUploadMissingFile(t *testing.T) {
	router := newTestRouter(t, &stubWorkflow{}, &stubProvider{})

	rec := serve(router, authed(t, multipartUpload(t, "other", "x.png", []byte("x")), "u1"))
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != commonerrors.CodeInvalidParam {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestUploadBodyTooLarge(t *testing.T) {
	router := NewRouter(RouterConfig{
		Workflow: NewWorkflowHandler(&stubWorkflow{}, 16, nil),
		Auth:     &middleware.AuthConfig{Secret: testSecret},
	})
	huge := bytes.Repeat([]byte("a"), 2<<20)

	rec := serve(router, authed(t, multipartUpload(t, "file", "big.png", huge), "u1"))
	if rec.Code != http.StatusRequestEntityTooLarge || errorCode(t, rec) != commonerrors.CodeFileTooLarge {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestStepErrorsUseCodedStatus(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		err    error
		status int
	}{
		{"not ready", "/v1/workflow/remove-background", commonerrors.New(commonerrors.CodeStepNotReady, "x"), http.StatusConflict},
		{"busy", "/v1/workflow/generate", commonerrors.New(commonerrors.CodeStepInProgress, "x"), http.StatusConflict},
		{"provider", "/v1/workflow/generate", commonerrors.New(commonerrors.CodeProviderError, "x"), http.StatusBadGateway},
		{"missing artifact", "/v1/workflow/finalize", commonerrors.New(commonerrors.CodeMissingArtifact, "x"), http.StatusBadRequest},
		{"uncoded", "/v1/workflow/finalize", errors.New("boom"), http.StatusInternalServerError},
		{"client went away", "/v1/workflow/finalize", context.Canceled, 499},
		{"deadline", "/v1/workflow/generate", context.DeadlineExceeded, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newTestRouter(t, &stubWorkflow{stepErr: tc.err}, &stubProvider{})
			rec := serve(router, authed(t, httptest.NewRequest(http.MethodPost, tc.path, nil), "u1"))
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
		})
	}
}

func TestSelectStyleDecodesBody(t *testing.T) {
	wf := &stubWorkflow{}
	router := newTestRouter(t, wf, &stubProvider{})

	req := httptest.NewRequest(http.MethodPost, "/v1/workflow/style", strings.NewReader(`{"presetId":"beach-sunset","customPrompt":"x"}`))
	rec := serve(router, authed(t, req, "u1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if wf.style.PresetID != "beach-sunset" || wf.style.CustomPrompt != "x" {
		t.Fatalf("style = %+v", wf.style)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/workflow/style", strings.NewReader(`{not json`))
	rec = serve(router, authed(t, req, "u1"))
	if rec.Code != http.StatusBadRequest || errorCode(t, rec) != commonerrors.CodeInvalidRequest {
		t.Fatalf("bad body status = %d", rec.Code)
	}
}

func TestRetryParsesStep(t *testing.T) {
	wf := &stubWorkflow{}
	router := newTestRouter(t, wf, &stubProvider{})

	req := httptest.NewRequest(http.MethodPost, "/v1/workflow/retry", strings.NewReader(`{"step":"background_generation"}`))
	if rec := serve(router, authed(t, req, "u1")); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if wf.retryStep != saga.StepBackgroundGeneration {
		t.Fatalf("step = %q", wf.retryStep)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/workflow/retry", strings.NewReader(`{"step":"polish"}`))
	if rec := serve(router, authed(t, req, "u1")); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown step status = %d", rec.Code)
	}
}

func TestRecordsEndpoints(t *testing.T) {
	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec1 := &repository.ImageRecord{
		ID:               "r1",
		UserID:           "u1",
		Status:           repository.StatusCompleted,
		OriginalURL:      "https://cdn.test/o.png",
		MaskProviderURL:  "https://provider.test/m.png",
		FinalProviderURL: "https://provider.test/f.png",
		FinalStorageURL:  "https://cdn.test/f.png",
		Cost:             0.03,
		CompletedAt:      &done,
	}
	wf := &stubWorkflow{records: []*repository.ImageRecord{rec1}, recordByID: map[string]*repository.ImageRecord{"r1": rec1}}
	router := newTestRouter(t, wf, &stubProvider{})

	rec := serve(router, authed(t, httptest.NewRequest(http.MethodGet, "/v1/records/r1", nil), "u1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view recordView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.FinalURL != "https://cdn.test/f.png" || view.MaskURL != "https://provider.test/m.png" {
		t.Fatalf("view = %+v", view)
	}

	rec = serve(router, authed(t, httptest.NewRequest(http.MethodGet, "/v1/records/r1", nil), "u2"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign record status = %d", rec.Code)
	}

	rec = serve(router, authed(t, httptest.NewRequest(http.MethodGet, "/v1/records?limit=500", nil), "u1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", rec.Code)
	}
	rec = serve(router, authed(t, httptest.NewRequest(http.MethodGet, "/v1/records?limit=5", nil), "u1"))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"r1"`) {
		t.Fatalf("list status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestListStyles(t *testing.T) {
	router := newTestRouter(t, &stubWorkflow{}, &stubProvider{})
	rec := serve(router, authed(t, httptest.NewRequest(http.MethodGet, "/v1/styles", nil), "u1"))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "studio-white") {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}
