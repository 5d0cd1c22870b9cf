// Package handler exposes the workflow API, the AI proxy and the ops endpoints over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/backdrop/studio/internal/middleware"
	"github.com/backdrop/studio/internal/repository"
	"github.com/backdrop/studio/internal/service"
	commonerrors "github.com/backdrop/studio/pkg/errors"
	"github.com/backdrop/studio/pkg/logger"
	"github.com/backdrop/studio/pkg/response"
	"github.com/backdrop/studio/pkg/saga"
)

const (
	maxJSONBody     = 1 << 20
	multipartMemory = 32 << 20
)

// Workflow is the use-case surface served by WorkflowHandler.
type Workflow interface {
	Session(ctx context.Context, userID string) *service.SessionView
	Reset(ctx context.Context, userID string) *service.SessionView
	Upload(ctx context.Context, userID string, in service.UploadInput, progress service.ProgressFunc) (*service.SessionView, error)
	SelectStyle(ctx context.Context, userID string, in service.StyleInput) (*service.SessionView, error)
	RemoveBackground(ctx context.Context, userID string, progress service.ProgressFunc) (*service.SessionView, error)
	GenerateBackground(ctx context.Context, userID string, progress service.ProgressFunc) (*service.SessionView, error)
	Finalize(ctx context.Context, userID string) (*service.SessionView, error)
	Retry(ctx context.Context, userID string, step saga.StepName, progress service.ProgressFunc) (*service.SessionView, error)
	Records(ctx context.Context, userID string, limit int) ([]*repository.ImageRecord, error)
	Record(ctx context.Context, userID, id string) (*repository.ImageRecord, error)
}

type WorkflowHandler struct {
	workflow       Workflow
	maxUploadBytes int64
	log            *logger.Logger
}

func NewWorkflowHandler(workflow Workflow, maxUploadBytes int64, log *logger.Logger) *WorkflowHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &WorkflowHandler{workflow: workflow, maxUploadBytes: maxUploadBytes, log: log}
}

// Register mounts the workflow routes on r. r is expected to run the auth middleware.
func (h *WorkflowHandler) Register(r *mux.Router) {
	r.HandleFunc("/v1/session", h.GetSession).Methods(http.MethodGet)
	r.HandleFunc("/v1/session/reset", h.ResetSession).Methods(http.MethodPost)
	r.HandleFunc("/v1/workflow/upload", h.Upload).Methods(http.MethodPost)
	r.HandleFunc("/v1/workflow/style", h.SelectStyle).Methods(http.MethodPost)
	r.HandleFunc("/v1/workflow/remove-background", h.RemoveBackground).Methods(http.MethodPost)
	r.HandleFunc("/v1/workflow/generate", h.Generate).Methods(http.MethodPost)
	r.HandleFunc("/v1/workflow/finalize", h.Finalize).Methods(http.MethodPost)
	r.HandleFunc("/v1/workflow/retry", h.Retry).Methods(http.MethodPost)
	r.HandleFunc("/v1/styles", h.ListStyles).Methods(http.MethodGet)
	r.HandleFunc("/v1/records", h.ListRecords).Methods(http.MethodGet)
	r.HandleFunc("/v1/records/{id}", h.GetRecord).Methods(http.MethodGet)
}

func (h *WorkflowHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.workflow.Session(r.Context(), middleware.GetUserID(r.Context())))
}

func (h *WorkflowHandler) ResetSession(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, h.workflow.Reset(r.Context(), middleware.GetUserID(r.Context())))
}

func (h *WorkflowHandler) Upload(w http.ResponseWriter, r *http.Request) {
	// the multipart envelope may exceed the file limit a little; the service enforces the exact one
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+maxJSONBody)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			response.WriteErrorCode(w, r, commonerrors.CodeFileTooLarge, "")
			return
		}
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "multipart form with a file field is required")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "could not read file")
		return
	}

	view, err := h.workflow.Upload(r.Context(), middleware.GetUserID(r.Context()), service.UploadInput{
		Filename: header.Filename,
		Data:     data,
	}, nil)
	h.writeStep(w, r, saga.StepUpload, view, err)
}

func (h *WorkflowHandler) SelectStyle(w http.ResponseWriter, r *http.Request) {
	var in service.StyleInput
	if !decodeJSON(w, r, &in) {
		return
	}
	view, err := h.workflow.SelectStyle(r.Context(), middleware.GetUserID(r.Context()), in)
	h.writeStep(w, r, saga.StepStyleSelection, view, err)
}

func (h *WorkflowHandler) RemoveBackground(w http.ResponseWriter, r *http.Request) {
	view, err := h.workflow.RemoveBackground(r.Context(), middleware.GetUserID(r.Context()), nil)
	h.writeStep(w, r, saga.StepBackgroundRemoval, view, err)
}

func (h *WorkflowHandler) Generate(w http.ResponseWriter, r *http.Request) {
	view, err := h.workflow.GenerateBackground(r.Context(), middleware.GetUserID(r.Context()), nil)
	h.writeStep(w, r, saga.StepBackgroundGeneration, view, err)
}

func (h *WorkflowHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	view, err := h.workflow.Finalize(r.Context(), middleware.GetUserID(r.Context()))
	h.writeStep(w, r, saga.StepFinalProcessing, view, err)
}

type retryRequest struct {
	Step string `json:"step"`
}

func (h *WorkflowHandler) Retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	step, ok := saga.ParseStepName(req.Step)
	if !ok {
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "unknown step "+strconv.Quote(req.Step))
		return
	}
	view, err := h.workflow.Retry(r.Context(), middleware.GetUserID(r.Context()), step, nil)
	h.writeStep(w, r, step, view, err)
}

func (h *WorkflowHandler) ListStyles(w http.ResponseWriter, r *http.Request) {
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"styles": service.StylePresets()})
}

func (h *WorkflowHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			response.WriteErrorCode(w, r, commonerrors.CodeInvalidParam, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	records, err := h.workflow.Records(r.Context(), middleware.GetUserID(r.Context()), limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	out := make([]recordView, 0, len(records))
	for _, rec := range records {
		out = append(out, newRecordView(rec))
	}
	response.WriteJSON(w, http.StatusOK, map[string]interface{}{"records": out})
}

func (h *WorkflowHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.workflow.Record(r.Context(), middleware.GetUserID(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, newRecordView(rec))
}

func (h *WorkflowHandler) writeStep(w http.ResponseWriter, r *http.Request, step saga.StepName, view *service.SessionView, err error) {
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).WithField("step", string(step)).Info("workflow step rejected")
		h.writeErr(w, r, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, view)
}

func (h *WorkflowHandler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if _, ok := commonerrors.As(err); !ok {
		h.log.WithContext(r.Context()).WithError(err).Error("unexpected workflow error")
	}
	response.WriteFromError(w, r, err)
}

// decodeJSON reads a bounded JSON body into v. It writes the error response and returns false
// when the body is unusable.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			response.WriteErrorCode(w, r, commonerrors.CodeRequestTooLarge, "")
			return false
		}
		response.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid JSON body")
		return false
	}
	return true
}

type recordView struct {
	ID               string            `json:"id"`
	Status           repository.Status `json:"status"`
	OriginalURL      string            `json:"originalUrl"`
	MaskURL          string            `json:"maskUrl,omitempty"`
	MaskProviderURL  string            `json:"maskProviderUrl,omitempty"`
	FinalURL         string            `json:"finalUrl,omitempty"`
	FinalProviderURL string            `json:"finalProviderUrl,omitempty"`
	Style            string            `json:"style,omitempty"`
	Prompt           string            `json:"prompt,omitempty"`
	Cost             float64           `json:"cost"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
}

func newRecordView(rec *repository.ImageRecord) recordView {
	return recordView{
		ID:               rec.ID,
		Status:           rec.Status,
		OriginalURL:      rec.OriginalURL,
		MaskURL:          rec.MaskURL(),
		MaskProviderURL:  rec.MaskProviderURL,
		FinalURL:         rec.FinalURL(),
		FinalProviderURL: rec.FinalProviderURL,
		Style:            rec.Style,
		Prompt:           rec.Prompt,
		Cost:             rec.Cost,
		ErrorMessage:     rec.ErrorMessage,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		CompletedAt:      rec.CompletedAt,
	}
}
