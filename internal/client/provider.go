package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/backdrop/studio/internal/metrics"
	"github.com/backdrop/studio/pkg/logger"
	"github.com/backdrop/studio/pkg/retry"
	"github.com/backdrop/studio/pkg/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// Provider task types.
const (
	TaskRemoveBackground = "removeBackground"
	TaskImageInference   = "imageInference"
	TaskImageUpscale     = "imageUpscale"
	TaskImageUpload      = "imageUpload"
	TaskPing             = "ping"
)

// Operation names, shared with the AI proxy.
const (
	OpRemoveBackground = "removeBackground"
	OpInpainting       = "inpainting"
	OpGenerateImage    = "generateImage"
	OpUpscaleImage     = "upscaleImage"
	OpUploadImage      = "uploadImage"
	OpTestConnection   = "testConnection"
)

const (
	// MaskModel is the only removal model that can return a bare mask.
	MaskModel      = "runware:109@1"
	fluxFillModel  = "runware:102@1"
	bflModelPrefix = "bfl:"

	defaultTimeout       = 60 * time.Second
	defaultStrength      = 0.8
	defaultMaskMargin    = 32
	defaultSafetyLevel   = 2
	defaultImageSize     = 1024
	defaultUpscaleFactor = 2
	maxResponseBytes     = 32 << 20
)

// ErrInvalidRequest marks local validation failures. No request was sent.
var ErrInvalidRequest = errors.New("invalid provider request")

// ProviderError is a failed provider call after retries.
type ProviderError struct {
	Operation  string
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Operation, e.Message)
}

// ImageResult is a normalized provider result.
type ImageResult struct {
	TaskType        string  `json:"taskType,omitempty"`
	TaskUUID        string  `json:"taskUUID"`
	ImageUUID       string  `json:"imageUUID"`
	ImageURL        string  `json:"imageURL,omitempty"`
	ImageBase64Data string  `json:"imageBase64Data,omitempty"`
	ImageDataURI    string  `json:"imageDataURI,omitempty"`
	Cost            float64 `json:"cost"`
}

// Output returns the best available image reference: URL, then data URI, then base64.
func (r *ImageResult) Output() string {
	switch {
	case r == nil:
		return ""
	case r.ImageURL != "":
		return r.ImageURL
	case r.ImageDataURI != "":
		return r.ImageDataURI
	default:
		return r.ImageBase64Data
	}
}

type providerEnvelope struct {
	Data   []json.RawMessage `json:"data"`
	Errors []providerIssue   `json:"errors"`
}

type providerIssue struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Parameter string `json:"parameter"`
	TaskUUID  string `json:"taskUUID"`
}

type ProviderConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	MaskModel    string
	InpaintModel string
	ImageModel   string
	HTTPClient   *http.Client
}

// ProviderClient talks to a Runware-style task API.
type ProviderClient struct {
	baseURL      string
	apiKey       string
	timeout      time.Duration
	policy       retry.Policy
	maskModel    string
	inpaintModel string
	imageModel   string
	client       *http.Client
	metrics      *metrics.Metrics
	log          *logger.Logger
	newTaskID    func() string
}

func NewProviderClient(cfg ProviderConfig, m *metrics.Metrics, log *logger.Logger) *ProviderClient {
	if log == nil {
		log = logger.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	policy := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	policy.BaseDelay = cfg.BaseDelay
	return &ProviderClient{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		timeout:      timeout,
		policy:       policy,
		maskModel:    firstNonEmpty(cfg.MaskModel, MaskModel),
		inpaintModel: firstNonEmpty(cfg.InpaintModel, fluxFillModel),
		imageModel:   firstNonEmpty(cfg.ImageModel, "runware:100@1"),
		client:       httpClient,
		metrics:      m,
		log:          log,
		newTaskID:    uuid.NewString,
	}
}

type attemptObserverKey struct{}

// AttemptObserver is told about every failed attempt that is about to be retried.
type AttemptObserver func(attempt int, err error)

// WithAttemptObserver attaches fn to ctx for provider calls made with it.
func WithAttemptObserver(ctx context.Context, fn AttemptObserver) context.Context {
	return context.WithValue(ctx, attemptObserverKey{}, fn)
}

func attemptObserverFrom(ctx context.Context) AttemptObserver {
	fn, _ := ctx.Value(attemptObserverKey{}).(AttemptObserver)
	return fn
}

// call runs one operation under the retry policy. build is invoked once per attempt so
// every attempt carries a fresh taskUUID.
func (c *ProviderClient) call(ctx context.Context, operation string, build func(taskUUID string) map[string]any) (*ImageResult, error) {
	ctx, span := tracing.StartSpan(ctx, "provider."+operation)
	defer span.End()

	observer := attemptObserverFrom(ctx)
	policy := c.policy
	policy.Retryable = isRetryableProviderError
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.metrics.IncProviderRetry(operation)
		c.log.WithContext(ctx).WithError(err).Warnf("provider attempt failed, retrying", map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay.String(),
		})
		if observer != nil {
			observer(attempt, err)
		}
	}

	var result *ImageResult
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		task := build(c.newTaskID())
		res, err := c.send(ctx, operation, task)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		tracing.SetError(ctx, err)
		var perr *ProviderError
		if errors.As(err, &perr) {
			return nil, perr
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{Operation: operation, Message: err.Error()}
	}

	span.SetAttributes(attribute.String("provider.task_uuid", result.TaskUUID))
	c.metrics.AddProviderCost(result.Cost)
	return result, nil
}

func isRetryableProviderError(err error) bool {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Retryable
	}
	return false
}

// send performs one HTTP attempt and normalizes its result.
func (c *ProviderClient) send(ctx context.Context, operation string, task map[string]any) (*ImageResult, error) {
	raw, err := c.post(ctx, operation, task)
	if err != nil {
		return nil, err
	}
	taskUUID, _ := task["taskUUID"].(string)
	return normalizeResult(operation, taskUUID, raw)
}

func (c *ProviderClient) post(ctx context.Context, operation string, task map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal([]map[string]any{task})
	if err != nil {
		return nil, &ProviderError{Operation: operation, Message: "encode task: " + err.Error()}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Operation: operation, Message: "create request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	tracing.InjectHTTP(ctx, req)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			c.metrics.ObserveProviderCall(operation, "canceled", time.Since(start))
			return nil, ctx.Err()
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
			c.metrics.ObserveProviderCall(operation, "timeout", time.Since(start))
			return nil, &ProviderError{Operation: operation, Message: fmt.Sprintf("timeout after %s", c.timeout), Retryable: true}
		default:
			c.metrics.ObserveProviderCall(operation, "transport_error", time.Since(start))
			return nil, &ProviderError{Operation: operation, Message: "transport: " + err.Error(), Retryable: true}
		}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.ObserveProviderCall(operation, "transport_error", time.Since(start))
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{Operation: operation, StatusCode: resp.StatusCode, Message: "read response: " + err.Error(), Retryable: true}
	}

	var env providerEnvelope
	decodeErr := json.Unmarshal(payload, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		outcome := "error"
		if retryable {
			outcome = "retryable_error"
		}
		c.metrics.ObserveProviderCall(operation, outcome, time.Since(start))
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && len(env.Errors) > 0 {
			msg = issueMessage(env.Errors)
		}
		return nil, &ProviderError{Operation: operation, StatusCode: resp.StatusCode, Message: msg, Retryable: retryable}
	}

	if decodeErr != nil {
		c.metrics.ObserveProviderCall(operation, "retryable_error", time.Since(start))
		return nil, &ProviderError{Operation: operation, StatusCode: resp.StatusCode, Message: "malformed response: " + decodeErr.Error(), Retryable: true}
	}
	if len(env.Errors) > 0 {
		c.metrics.ObserveProviderCall(operation, "error", time.Since(start))
		return nil, &ProviderError{Operation: operation, StatusCode: resp.StatusCode, Message: issueMessage(env.Errors)}
	}
	if len(env.Data) == 0 {
		c.metrics.ObserveProviderCall(operation, "retryable_error", time.Since(start))
		return nil, &ProviderError{Operation: operation, StatusCode: resp.StatusCode, Message: "empty data in response", Retryable: true}
	}

	c.metrics.ObserveProviderCall(operation, "ok", time.Since(start))
	taskUUID, _ := task["taskUUID"].(string)
	for _, item := range env.Data {
		var head struct {
			TaskUUID string `json:"taskUUID"`
		}
		if json.Unmarshal(item, &head) == nil && head.TaskUUID == taskUUID {
			return item, nil
		}
	}
	return env.Data[0], nil
}

func issueMessage(issues []providerIssue) string {
	parts := make([]string, 0, len(issues))
	for _, is := range issues {
		msg := is.Message
		if msg == "" {
			msg = is.Code
		}
		if is.Parameter != "" {
			msg += " (" + is.Parameter + ")"
		}
		parts = append(parts, msg)
	}
	return strings.Join(parts, "; ")
}

// normalizeResult requires both identifiers and at least one output representation. An
// undecodable item is retried like an empty data array; a decodable result that lacks ids or
// output is an incomplete answer and fails at once.
func normalizeResult(operation, taskUUID string, raw json.RawMessage) (*ImageResult, error) {
	var res ImageResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ProviderError{Operation: operation, Message: "malformed result: " + err.Error(), Retryable: true}
	}
	if res.TaskUUID == "" || res.ImageUUID == "" {
		return nil, &ProviderError{Operation: operation, Message: "result missing taskUUID or imageUUID"}
	}
	if res.ImageURL == "" && res.ImageBase64Data == "" && res.ImageDataURI == "" {
		return nil, &ProviderError{Operation: operation, Message: "result has no image output"}
	}
	if taskUUID != "" && res.TaskUUID != taskUUID {
		return nil, &ProviderError{Operation: operation, Message: "result taskUUID does not match request", Retryable: true}
	}
	return &res, nil
}

func withCommonFlags(task map[string]any) map[string]any {
	task["outputFormat"] = "PNG"
	task["outputType"] = []string{"URL"}
	task["outputQuality"] = 95
	task["includeCost"] = true
	return task
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
