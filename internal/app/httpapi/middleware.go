package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type requestIDKey struct{}

// requestIDFrom returns the correlation token stashed on ctx by wrapWithRequestID.
func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// wrapWithRequestID assigns (or propagates) an X-Request-ID and makes it
// available to handlers via the request context; the prediction orchestrator
// persists it onto the prediction row as the optional correlation token.
func wrapWithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// wrapWithCORS answers preflight requests and sets permissive CORS headers
// from the configured origin list (§6 CORS_ORIGINS). An empty list allows
// any origin, the same default posture as the teacher's dashboard CORS.
func wrapWithCORS(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// wrapWithAudit records every request's outcome into the audit ring buffer
// (and its sink, if configured), mirroring the teacher's request-audit
// middleware with the user/role/tenant fields dropped (no auth in scope).
func wrapWithAudit(next http.Handler, audit *auditLog) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if audit != nil {
			audit.add(auditEntry{
				Time:       start.UTC(),
				RequestID:  requestIDFrom(r.Context()),
				Path:       r.URL.Path,
				Method:     r.Method,
				Status:     rec.status,
				DurationMS: float64(time.Since(start).Microseconds()) / 1000.0,
				RemoteAddr: r.RemoteAddr,
				UserAgent:  r.UserAgent(),
			})
		}
	})
}

// perRouteLimiter throttles one HTTP pattern with a shared token bucket,
// grounded on the teacher's infrastructure/ratelimit wrapper over
// golang.org/x/time/rate, applied here only to /upload and /predict — the
// two handlers §4.11 singles out as the heaviest per-call cost.
type perRouteLimiter struct {
	limiter *rate.Limiter
}

func newPerRouteLimiter(requestsPerSecond float64, burst int) *perRouteLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 50
	}
	if burst <= 0 {
		burst = int(requestsPerSecond * 2)
	}
	return &perRouteLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

func (l *perRouteLimiter) wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, errTooManyRequests)
			return
		}
		next(w, r)
	}
}
