package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func limiterWithClock(limit int, window time.Duration) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(limit, window)
	rl.now = clock.now
	return rl, clock
}

func TestBurstThenRefill(t *testing.T) {
	rl, clock := limiterWithClock(4, time.Second)

	for i := range 4 {
		if !rl.Allow("user:u1") {
			t.Fatalf("request %d rejected inside burst", i+1)
		}
	}
	ok, wait := rl.Take("user:u1")
	if ok || wait != 250*time.Millisecond {
		t.Fatalf("Take over budget = %v, %v", ok, wait)
	}

	// a rejected request must not push the next token further out
	clock.advance(250 * time.Millisecond)
	if !rl.Allow("user:u1") {
		t.Fatal("token not refilled after one interval")
	}
	if rl.Allow("user:u1") {
		t.Fatal("refill granted more than one token")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	rl, _ := limiterWithClock(1, time.Minute)

	if !rl.Allow("ip:198.51.100.1") || rl.Allow("ip:198.51.100.1") {
		t.Fatal("first address should get exactly one request")
	}
	if !rl.Allow("ip:198.51.100.2") {
		t.Fatal("second address shared the first bucket")
	}
}

func TestNonPositiveSettingsFallBack(t *testing.T) {
	rl, _ := limiterWithClock(0, 0)
	if !rl.Allow("k") || rl.Allow("k") {
		t.Fatal("limit 0 should behave as one request per second")
	}
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	rl, clock := limiterWithClock(1, 4*time.Second)
	h := RateLimit(rl, UserKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	call := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/ai-proxy", nil)
		req.RemoteAddr = "198.51.100.1:5000"
		if user != "" {
			req = req.WithContext(ContextWithUserID(req.Context(), user))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := call("u1"); rec.Code != http.StatusAccepted {
		t.Fatalf("first call = %d", rec.Code)
	}
	rec := call("u1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second call = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "4" {
		t.Fatalf("Retry-After = %q", got)
	}

	clock.advance(3*time.Second + 500*time.Millisecond)
	if got := call("u1").Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After near refill = %q", got)
	}
	if rec := call("u2"); rec.Code != http.StatusAccepted {
		t.Fatalf("other user = %d", rec.Code)
	}
	if rec := call(""); rec.Code != http.StatusAccepted {
		t.Fatalf("anonymous caller = %d", rec.Code)
	}
}

func TestUserKeyFuncFallsBackToAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:5000"
	if got := UserKeyFunc(req); got != "ip:198.51.100.1" {
		t.Fatalf("anonymous key = %q", got)
	}
	req = req.WithContext(ContextWithUserID(req.Context(), "u1"))
	if got := UserKeyFunc(req); got != "user:u1" {
		t.Fatalf("user key = %q", got)
	}
}
