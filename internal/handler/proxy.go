package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/backdrop/studio/internal/client"
	"github.com/backdrop/studio/internal/middleware"
	"github.com/backdrop/studio/pkg/logger"
	"github.com/backdrop/studio/pkg/response"
)

// Provider is the AI provider surface forwarded by the proxy.
type Provider interface {
	RemoveBackground(ctx context.Context, inputImage string, opts client.BackgroundRemovalOptions) (*client.ImageResult, error)
	Inpaint(ctx context.Context, req client.InpaintRequest) (*client.ImageResult, error)
	GenerateImage(ctx context.Context, prompt string, opts client.GenerateOptions) (*client.ImageResult, error)
	UpscaleImage(ctx context.Context, inputImage string, opts client.UpscaleOptions) (*client.ImageResult, error)
	UploadImage(ctx context.Context, data, filename string) (*client.ImageResult, error)
	TestConnection(ctx context.Context) error
}

// errUnknownOperation is returned for operations the proxy does not forward.
var errUnknownOperation = errors.New("unknown operation")

type proxyRequest struct {
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Options   json.RawMessage `json:"options"`
}

// proxyInput is the union of the per-operation data fields.
type proxyInput struct {
	InputImage     string `json:"inputImage"`
	PositivePrompt string `json:"positivePrompt"`
	NegativePrompt string `json:"negativePrompt"`
	SeedImage      string `json:"seedImage"`
	MaskImage      string `json:"maskImage"`
	Image          string `json:"image"`
	Filename       string `json:"filename"`
}

type proxyResult struct {
	*client.ImageResult
	Operation string `json:"operation"`
	Connected bool   `json:"connected,omitempty"`
}

type proxyEnvelope struct {
	Success bool         `json:"success"`
	Data    *proxyResult `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type batchRequest struct {
	Files     []json.RawMessage `json:"files"`
	Operation string            `json:"operation"`
	Options   json.RawMessage   `json:"options"`
}

type batchItem struct {
	Index   int          `json:"index"`
	Success bool         `json:"success"`
	Data    *proxyResult `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type batchSummary struct {
	Total      int     `json:"total"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	TotalCost  float64 `json:"totalCost"`
}

type batchResponse struct {
	Success bool         `json:"success"`
	Results []batchItem  `json:"results"`
	Summary batchSummary `json:"summary"`
	Error   string       `json:"error,omitempty"`
}

// ProxyHandler forwards authenticated AI requests to the provider with the server-side key.
type ProxyHandler struct {
	provider Provider
	maxFiles int
	delay    time.Duration
	log      *logger.Logger
}

func NewProxyHandler(provider Provider, maxFiles int, delay time.Duration, log *logger.Logger) *ProxyHandler {
	if log == nil {
		log = logger.Nop()
	}
	if maxFiles <= 0 {
		maxFiles = 20
	}
	return &ProxyHandler{provider: provider, maxFiles: maxFiles, delay: delay, log: log}
}

func (h *ProxyHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/ai-proxy", h.Proxy).Methods(http.MethodPost)
	r.HandleFunc("/api/ai-proxy/batch", h.Batch).Methods(http.MethodPost)
}

func (h *ProxyHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	var req proxyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&req); err != nil {
		response.WriteJSON(w, http.StatusBadRequest, proxyEnvelope{Error: "invalid JSON body"})
		return
	}

	res, err := h.dispatch(r.Context(), req.Operation, req.Data, req.Options)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).WithField("operation", req.Operation).Warn("proxy request failed")
		response.WriteJSON(w, proxyStatus(err), proxyEnvelope{Error: err.Error()})
		return
	}
	response.WriteJSON(w, http.StatusOK, proxyEnvelope{Success: true, Data: res})
}

// maxBatchBody bounds proxy bodies; inline base64 images make them large.
const maxBatchBody = 64 << 20

// Batch runs one operation over many inputs strictly in order, pacing provider calls.
func (h *ProxyHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&req); err != nil {
		response.WriteJSON(w, http.StatusBadRequest, batchResponse{Error: "invalid JSON body"})
		return
	}
	switch {
	case len(req.Files) == 0:
		response.WriteJSON(w, http.StatusBadRequest, batchResponse{Error: "files must not be empty"})
		return
	case len(req.Files) > h.maxFiles:
		response.WriteJSON(w, http.StatusBadRequest, batchResponse{
			Error: fmt.Sprintf("at most %d files per batch, got %d", h.maxFiles, len(req.Files)),
		})
		return
	case req.Operation == client.OpTestConnection:
		response.WriteJSON(w, http.StatusBadRequest, batchResponse{Error: "testConnection cannot be batched"})
		return
	}

	ctx := r.Context()
	limiter := rate.NewLimiter(rate.Inf, 1)
	if h.delay > 0 {
		limiter = rate.NewLimiter(rate.Every(h.delay), 1)
	}

	out := batchResponse{Results: make([]batchItem, 0, len(req.Files))}
	for i, file := range req.Files {
		item := batchItem{Index: i}
		if err := limiter.Wait(ctx); err != nil {
			item.Error = "batch canceled"
		} else if res, err := h.dispatch(ctx, req.Operation, batchData(file), req.Options); err != nil {
			item.Error = err.Error()
		} else {
			item.Success = true
			item.Data = res
			out.Summary.TotalCost += res.Cost
		}

		if item.Success {
			out.Summary.Successful++
		} else {
			out.Summary.Failed++
		}
		out.Results = append(out.Results, item)
	}
	out.Summary.Total = len(req.Files)
	out.Success = out.Summary.Failed == 0

	h.log.WithContext(ctx).Infof("proxy batch finished", map[string]interface{}{
		"operation":  req.Operation,
		"total":      out.Summary.Total,
		"failed":     out.Summary.Failed,
		"userId":     middleware.GetUserID(ctx),
		"totalCost":  out.Summary.TotalCost,
		"successful": out.Summary.Successful,
	})
	response.WriteJSON(w, http.StatusOK, out)
}

// batchData accepts either a bare image reference or a full data object per file.
func batchData(file json.RawMessage) json.RawMessage {
	var ref string
	if json.Unmarshal(file, &ref) != nil {
		return file
	}
	raw, _ := json.Marshal(proxyInput{InputImage: ref, Image: ref})
	return raw
}

func (h *ProxyHandler) dispatch(ctx context.Context, operation string, data, options json.RawMessage) (*proxyResult, error) {
	var in proxyInput
	if err := decodeOptional(data, &in); err != nil {
		return nil, fmt.Errorf("%w: data: %v", client.ErrInvalidRequest, err)
	}

	var (
		res *client.ImageResult
		err error
	)
	switch operation {
	case client.OpRemoveBackground:
		var opts client.BackgroundRemovalOptions
		if err := decodeOptional(options, &opts); err != nil {
			return nil, fmt.Errorf("%w: options: %v", client.ErrInvalidRequest, err)
		}
		res, err = h.provider.RemoveBackground(ctx, in.InputImage, opts)
	case client.OpInpainting:
		var opts client.InpaintOptions
		if err := decodeOptional(options, &opts); err != nil {
			return nil, fmt.Errorf("%w: options: %v", client.ErrInvalidRequest, err)
		}
		res, err = h.provider.Inpaint(ctx, client.InpaintRequest{
			PositivePrompt: in.PositivePrompt,
			NegativePrompt: in.NegativePrompt,
			SeedImage:      in.SeedImage,
			MaskImage:      in.MaskImage,
			Options:        opts,
		})
	case client.OpGenerateImage:
		var opts client.GenerateOptions
		if err := decodeOptional(options, &opts); err != nil {
			return nil, fmt.Errorf("%w: options: %v", client.ErrInvalidRequest, err)
		}
		if opts.NegativePrompt == "" {
			opts.NegativePrompt = in.NegativePrompt
		}
		res, err = h.provider.GenerateImage(ctx, in.PositivePrompt, opts)
	case client.OpUpscaleImage:
		var opts client.UpscaleOptions
		if err := decodeOptional(options, &opts); err != nil {
			return nil, fmt.Errorf("%w: options: %v", client.ErrInvalidRequest, err)
		}
		res, err = h.provider.UpscaleImage(ctx, in.InputImage, opts)
	case client.OpUploadImage:
		res, err = h.provider.UploadImage(ctx, in.Image, in.Filename)
	case client.OpTestConnection:
		if err := h.provider.TestConnection(ctx); err != nil {
			return nil, err
		}
		return &proxyResult{Operation: operation, Connected: true}, nil
	default:
		return nil, fmt.Errorf("%w %q", errUnknownOperation, operation)
	}
	if err != nil {
		return nil, err
	}
	return &proxyResult{ImageResult: res, Operation: operation}, nil
}

func decodeOptional(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// proxyStatus maps a dispatch failure to the proxy's HTTP status.
func proxyStatus(err error) int {
	var perr *client.ProviderError
	switch {
	case errors.Is(err, errUnknownOperation), errors.Is(err, client.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &perr) && perr.StatusCode == http.StatusTooManyRequests:
		return http.StatusTooManyRequests
	case errors.As(err, &perr) && perr.StatusCode == http.StatusUnauthorized:
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
