package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/backdrop/studio/internal/metrics"
	"github.com/backdrop/studio/pkg/logger"
	"github.com/backdrop/studio/pkg/tracing"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const (
	defaultStorageTimeout = 30 * time.Second
	maxDownloadBytes      = 25 << 20
)

// StorageError is a failed artifact store call.
type StorageError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StorageError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("storage %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("storage %s: %s", e.Op, e.Message)
}

type StorageConfig struct {
	BaseURL       string
	ServiceKey    string
	Bucket        string
	Timeout       time.Duration
	DownloadCache time.Duration
	HTTPClient    *http.Client
}

// StorageClient wraps a Supabase-style object storage REST API.
type StorageClient struct {
	baseURL    string
	serviceKey string
	bucket     string
	client     *http.Client
	downloads  *cache.Cache
	inflight   singleflight.Group
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// Blob is downloaded content.
type Blob struct {
	Data        []byte
	ContentType string
}

func NewStorageClient(cfg StorageConfig, m *metrics.Metrics, log *logger.Logger) *StorageClient {
	if log == nil {
		log = logger.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStorageTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	ttl := cfg.DownloadCache
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &StorageClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		serviceKey: cfg.ServiceKey,
		bucket:     cfg.Bucket,
		client:     httpClient,
		downloads:  cache.New(ttl, 2*ttl),
		metrics:    m,
		log:        log,
	}
}

// PublicURL resolves the public URL of path.
func (c *StorageClient) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, c.bucket, escapePath(path))
}

// HealthURL is a cheap authenticated endpoint for readiness checks.
func (c *StorageClient) HealthURL() string {
	return fmt.Sprintf("%s/storage/v1/bucket/%s", c.baseURL, c.bucket)
}

// AuthHeader returns the headers needed to call HealthURL.
func (c *StorageClient) AuthHeader() http.Header {
	h := http.Header{}
	c.authorize(h)
	return h
}

// Upload writes data under path, replacing any existing object, and returns its public URL.
func (c *StorageClient) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if path == "" {
		return "", &StorageError{Op: "upload", Message: "empty path"}
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, escapePath(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", &StorageError{Op: "upload", Message: err.Error()}
	}
	c.authorize(req.Header)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "max-age=3600")
	req.Header.Set("x-upsert", "true")

	if err := c.do(ctx, "upload", req); err != nil {
		return "", err
	}
	return c.PublicURL(path), nil
}

// Delete removes the object at path.
func (c *StorageClient) Delete(ctx context.Context, path string) error {
	body, _ := json.Marshal(map[string][]string{"prefixes": {path}})
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s", c.baseURL, c.bucket)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, bytes.NewReader(body))
	if err != nil {
		return &StorageError{Op: "delete", Message: err.Error()}
	}
	c.authorize(req.Header)
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, "delete", req)
}

func (c *StorageClient) do(ctx context.Context, op string, req *http.Request) error {
	ctx, span := tracing.StartSpan(ctx, "storage."+op)
	defer span.End()
	tracing.InjectHTTP(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.IncStorageOp(op, "error")
		tracing.SetError(ctx, err)
		return &StorageError{Op: op, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.IncStorageOp(op, "error")
		msg := readStorageMessage(resp.Body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		serr := &StorageError{Op: op, StatusCode: resp.StatusCode, Message: msg}
		tracing.SetError(ctx, serr)
		return serr
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.metrics.IncStorageOp(op, "ok")
	return nil
}

func readStorageMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		return firstNonEmpty(body.Message, body.Error)
	}
	return strings.TrimSpace(string(raw))
}

func (c *StorageClient) authorize(h http.Header) {
	h.Set("Authorization", "Bearer "+c.serviceKey)
	h.Set("apikey", c.serviceKey)
}

// Download fetches source, which may be an http(s) URL, a data URI or raw base64.
// Concurrent downloads of the same URL share one request and results are cached briefly.
func (c *StorageClient) Download(ctx context.Context, source string) (*Blob, error) {
	if blob, ok, err := decodeInline(source); ok {
		return blob, err
	}
	if cached, ok := c.downloads.Get(source); ok {
		return cached.(*Blob), nil
	}

	v, err, _ := c.inflight.Do(source, func() (interface{}, error) {
		blob, err := c.fetch(ctx, source)
		if err != nil {
			return nil, err
		}
		c.downloads.SetDefault(source, blob)
		return blob, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Blob), nil
}

func (c *StorageClient) fetch(ctx context.Context, source string) (*Blob, error) {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &StorageError{Op: "download", Message: "unsupported source"}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, &StorageError{Op: "download", Message: err.Error()}
	}
	tracing.InjectHTTP(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.IncStorageOp("download", "error")
		return nil, &StorageError{Op: "download", Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.IncStorageOp("download", "error")
		return nil, &StorageError{Op: "download", StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		c.metrics.IncStorageOp("download", "error")
		return nil, &StorageError{Op: "download", Message: err.Error()}
	}
	if len(data) > maxDownloadBytes {
		c.metrics.IncStorageOp("download", "error")
		return nil, &StorageError{Op: "download", Message: "artifact too large"}
	}
	c.metrics.IncStorageOp("download", "ok")

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &Blob{Data: data, ContentType: contentType}, nil
}

var errBadInline = errors.New("invalid inline image data")

// decodeInline handles data URIs and bare base64 payloads. ok is false for URLs.
func decodeInline(source string) (*Blob, bool, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return nil, false, nil
	}
	payload := source
	contentType := ""
	if strings.HasPrefix(source, "data:") {
		meta, data, found := strings.Cut(strings.TrimPrefix(source, "data:"), ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, true, &StorageError{Op: "download", Message: errBadInline.Error()}
		}
		contentType = strings.TrimSuffix(meta, ";base64")
		payload = data
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, true, &StorageError{Op: "download", Message: errBadInline.Error()}
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return &Blob{Data: data, ContentType: contentType}, true, nil
}

// Rehost copies source (a provider URL or inline payload) into the store at path.
func (c *StorageClient) Rehost(ctx context.Context, source, path string) (string, error) {
	blob, err := c.Download(ctx, source)
	if err != nil {
		return "", err
	}
	contentType := blob.ContentType
	if !strings.HasPrefix(contentType, "image/") {
		contentType = "image/png"
	}
	return c.Upload(ctx, path, blob.Data, contentType)
}

func escapePath(path string) string {
	parts := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
