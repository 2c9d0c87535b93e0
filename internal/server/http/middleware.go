package http

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"agentbridge/internal/metrics"
	"agentbridge/internal/shared/apperrors"
	"agentbridge/internal/shared/id"
	"agentbridge/internal/shared/logging"
)

// securityHeadersMiddleware applies a fixed set of hardening headers to
// every response, unconditionally.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-XSS-Protection", "0")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware reflects an allowed Origin and answers preflight
// requests, defaulting to the local-development origin when cfg.CORSOrigins
// is empty.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := origins
	if len(allowed) == 0 {
		allowed = []string{"http://localhost:3000"}
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowedSet[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowedSet[origin] || allowedSet["*"]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, x-api-key, x-payment, x-client-did")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bodyLimitMiddleware caps the request body (default 1 MiB).
func bodyLimitMiddleware(limit int64) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware tags every request with a log id and logs method/path.
func loggingMiddleware(log logging.Logger) func(http.Handler) http.Handler {
	log = logging.OrNop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logID := id.NewLogID()
			w.Header().Set("X-Log-Id", logID)
			ctx := id.WithSessionID(r.Context(), logID)
			log.Info("%s %s from %s", r.Method, r.URL.Path, clientIP(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusCapturingWriter records the status code written so metricsMiddleware
// can tag the request counter/histogram with the final outcome.
type statusCapturingWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack forwards to the underlying writer, so the WebSocket handshake
// (which asserts http.Hijacker directly) can still hijack through this wrapper.
func (w *statusCapturingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: underlying ResponseWriter does not support hijacking")
	}
	return h.Hijack()
}

// metricsMiddleware records request count and duration against reg, tagged
// by method/route-pattern/status.
func metricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusCapturingWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			reg.RecordRequest(r.Method, r.Pattern, sw.status, float64(time.Since(start).Milliseconds()))
		})
	}
}

// fixedWindowLimiter is a simple per-key request counter used for the
// global route limiter and the sandbox's per-IP throttle.
type fixedWindowLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	counts map[string]*windowEntry
}

type windowEntry struct {
	count int
	reset time.Time
}

func newFixedWindowLimiter(max int, window time.Duration) *fixedWindowLimiter {
	return &fixedWindowLimiter{max: max, window: window, counts: make(map[string]*windowEntry)}
}

func (l *fixedWindowLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	e, ok := l.counts[key]
	if !ok || now.After(e.reset) {
		l.counts[key] = &windowEntry{count: 1, reset: now.Add(l.window)}
		return true
	}
	if e.count >= l.max {
		return false
	}
	e.count++
	return true
}

// globalRateLimitMiddleware applies cfg.RateLimit.{max,windowMs} per
// client IP to every route except /health and /metrics.
func globalRateLimitMiddleware(enabled bool, max int, window time.Duration, reg *metrics.Registry) func(http.Handler) http.Handler {
	if max <= 0 {
		max = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	limiter := newFixedWindowLimiter(max, window)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			if !limiter.allow(clientIP(r)) {
				reg.RecordRateLimited("ip")
				writeError(w, apperrors.Wrap(apperrors.ErrRateLimited, "too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
