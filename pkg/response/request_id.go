package response

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/backdrop/studio/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds client supplied ids before they reach logs.
const maxRequestIDLen = 64

// RequestIDMiddleware accepts the caller's X-Request-ID or mints one, echoes it on the
// response and stores it where the logger and error bodies find it.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitizeRequestID(r.Header.Get(requestIDHeader))
		if id == "" {
			id = strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		r.Header.Set(requestIDHeader, id)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.ContextWithRequestID(r.Context(), id)))
	})
}

// RequestIDFromRequest returns the id set by RequestIDMiddleware, or the raw header when the
// middleware did not run.
func RequestIDFromRequest(r *http.Request) string {
	return requestID(r)
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	if id := logger.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return sanitizeRequestID(r.Header.Get(requestIDHeader))
}

func sanitizeRequestID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > maxRequestIDLen {
		return ""
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return ""
		}
	}
	return id
}
