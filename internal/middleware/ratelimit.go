package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	commonerrors "github.com/backdrop/studio/pkg/errors"
	commonresp "github.com/backdrop/studio/pkg/response"
)

// RateLimiter hands out one token bucket per caller key. Buckets nobody touched for a while
// are evicted by the cache janitor.
type RateLimiter struct {
	mu      sync.Mutex
	buckets *cache.Cache
	every   rate.Limit
	burst   int
	now     func() time.Time
}

// NewRateLimiter admits limit requests per window for each key, all of which may arrive at once.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	limit = max(limit, 1)
	if window <= 0 {
		window = time.Second
	}
	idle := max(2*window, time.Minute)
	return &RateLimiter{
		buckets: cache.New(idle, idle),
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		now:     time.Now,
	}
}

// Allow takes a token for key when one is available.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.Take(key)
	return ok
}

// Take is Allow that also reports how long the caller would have to wait for the next token.
func (rl *RateLimiter) Take(key string) (bool, time.Duration) {
	now := rl.now()
	res := rl.bucket(key).ReserveN(now, 1)
	wait := res.DelayFrom(now)
	if wait == 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, wait
}

func (rl *RateLimiter) bucket(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if v, ok := rl.buckets.Get(key); ok {
		rl.buckets.SetDefault(key, v)
		return v.(*rate.Limiter)
	}
	b := rate.NewLimiter(rl.every, rl.burst)
	rl.buckets.SetDefault(key, b)
	return b
}

// RateLimit answers 429 RATE_LIMITED once a key is over budget. Retry-After carries the wait
// rounded up to whole seconds.
func RateLimit(rl *RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, wait := rl.Take(keyFunc(r))
			if !ok {
				secs := max(int(math.Ceil(wait.Seconds())), 1)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				commonresp.WriteError(w, r, commonerrors.NewWithDefault(commonerrors.CodeRateLimited, ""))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc buckets by client address.
func IPKeyFunc(r *http.Request) string {
	ip := ClientIPFromRequest(r)
	if ip == "" {
		ip = r.RemoteAddr
	}
	return "ip:" + ip
}

// UserKeyFunc buckets by the authenticated user and falls back to the address for anonymous
// callers.
func UserKeyFunc(r *http.Request) string {
	if userID := GetUserID(r.Context()); userID != "" {
		return "user:" + userID
	}
	return IPKeyFunc(r)
}
