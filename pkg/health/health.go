// Package health serves the live, ready and health endpoints. Dependency checks run
// concurrently under a per-check deadline and their results may be cached so that frequent
// health checks do not hammer paid upstreams.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"-"`
	LatencyMS float64       `json:"latencyMs"`
	Message   string        `json:"message,omitempty"`
	Critical  bool          `json:"critical,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

type registration struct {
	checker  Checker
	critical bool
}

type Health struct {
	mu      sync.RWMutex
	checks  []registration
	ready   atomic.Bool
	timeout time.Duration
	results *cache.Cache
}

const defaultCheckTimeout = 2 * time.Second

func New() *Health {
	return &Health{timeout: defaultCheckTimeout}
}

// WithTimeout overrides the per-check deadline.
func (h *Health) WithTimeout(d time.Duration) *Health {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// WithCacheTTL reuses each check result for ttl. Zero disables caching.
func (h *Health) WithCacheTTL(ttl time.Duration) *Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ttl <= 0 {
		h.results = nil
		return h
	}
	h.results = cache.New(ttl, 2*ttl)
	return h
}

// Register adds a checker whose failure only degrades the service.
func (h *Health) Register(c Checker) { h.add(c, false) }

// RegisterCritical adds a checker whose failure takes the service down.
func (h *Health) RegisterCritical(c Checker) { h.add(c, true) }

func (h *Health) add(c Checker, critical bool) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checks = append(h.checks, registration{checker: c, critical: critical})
	h.mu.Unlock()
}

func (h *Health) SetReady(ready bool) { h.ready.Store(ready) }

func (h *Health) IsReady() bool { return h.ready.Load() }

// Names lists the registered checkers in sorted order.
func (h *Health) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for _, reg := range h.checks {
		names = append(names, reg.checker.Name())
	}
	sort.Strings(names)
	return names
}

// Live only reports that the process answers.
func (h *Health) Live() Response {
	return Response{Status: StatusUp}
}

// Ready is down until SetReady(true), then reflects the dependencies.
func (h *Health) Ready(ctx context.Context) Response {
	resp := h.Health(ctx)
	if !h.IsReady() {
		resp.Status = StatusDown
	}
	return resp
}

// Health runs every check and summarizes: any critical failure is down, any other failure
// is degraded.
func (h *Health) Health(ctx context.Context) Response {
	deps := h.run(ctx)
	status := StatusUp
	for _, res := range deps {
		switch {
		case res.Status == StatusDown && res.Critical:
			return Response{Status: StatusDown, Dependencies: deps}
		case res.Status != StatusUp:
			status = StatusDegraded
		}
	}
	return Response{Status: status, Dependencies: deps}
}

func (h *Health) run(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checks := append([]registration(nil), h.checks...)
	results := h.results
	timeout := h.timeout
	h.mu.RUnlock()
	if len(checks) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	out := make(map[string]CheckResult, len(checks))
	var mu sync.Mutex
	var g errgroup.Group
	for _, reg := range checks {
		g.Go(func() error {
			name := reg.checker.Name()
			if name == "" {
				name = "unknown"
			}
			var res CheckResult
			if cached, ok := lookupCached(results, name); ok {
				res = cached
			} else {
				res = checkWithDeadline(ctx, reg.checker, timeout)
				if results != nil {
					results.SetDefault(name, res)
				}
			}
			res.Critical = reg.critical

			mu.Lock()
			out[name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func lookupCached(results *cache.Cache, name string) (CheckResult, bool) {
	if results == nil {
		return CheckResult{}, false
	}
	v, ok := results.Get(name)
	if !ok {
		return CheckResult{}, false
	}
	return v.(CheckResult), true
}

// checkWithDeadline stops waiting on c after timeout even if c ignores its context.
func checkWithDeadline(ctx context.Context, c Checker, timeout time.Duration) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan CheckResult, 1)
	go func() { done <- c.Check(ctx) }()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusDown, Message: "timeout"}
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	res.LatencyMS = float64(res.Latency.Microseconds()) / 1000
	res.CheckedAt = time.Now().UTC()
	return res
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { write(w, h.Live()) }
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { write(w, h.Ready(r.Context())) }
}

func (h *Health) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) { write(w, h.Health(r.Context())) }
}

func write(w http.ResponseWriter, resp Response) {
	code := http.StatusOK
	if resp.Status == StatusDown {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
