package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// requestIDMiddleware tags every request with an id, keeping one supplied
// by a proxy in X-Request-ID
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), contextKeyRequestID, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(contextKeyRequestID).(string)
	return id
}

// loggingMiddleware logs one line per request and feeds the request metrics
func loggingMiddleware(logger *slog.Logger, m *metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			elapsed := time.Since(start)
			route := routeLabel(r)
			m.requests.WithLabelValues(route, strconv.Itoa(rw.statusCode)).Inc()
			m.latency.WithLabelValues(route).Observe(elapsed.Seconds())

			level := slog.LevelInfo
			if rw.statusCode >= 500 {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"bytes", rw.written,
				"latency_ms", elapsed.Milliseconds(),
				"request_id", requestID(r),
			)
		})
	}
}

// recoveryMiddleware turns a panic into a 500 if nothing was written yet
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w}
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", "error", rec, "request_id", requestID(r))
					if rw.statusCode == 0 {
						writeError(rw, http.StatusInternalServerError, "internal_error", "internal server error")
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// rateLimiter is a per client address fixed window limiter
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	done    chan struct{}
	stop    sync.Once
}

type window struct {
	count   int
	resetAt time.Time
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		windows: make(map[string]*window),
		limit:   requestsPerMinute,
		done:    make(chan struct{}),
	}
	if rl.limit > 0 {
		go rl.cleanup()
	}
	return rl
}

func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for k, w := range rl.windows {
				if now.After(w.resetAt) {
					delete(rl.windows, k)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) Stop() {
	rl.stop.Do(func() { close(rl.done) })
}

// allow counts a request from key and reports whether it is within the limit
func (rl *rateLimiter) allow(key string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	win, ok := rl.windows[key]
	if !ok || now.After(win.resetAt) {
		win = &window{resetAt: now.Add(time.Minute)}
		rl.windows[key] = win
	}
	win.count++
	return win.count <= rl.limit
}

func (rl *rateLimiter) middleware(m *metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !rl.allow(host, time.Now()) {
				m.rejected.WithLabelValues("rate_limited").Inc()
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter records the status code and body size of a response
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.statusCode == 0 || rw.statusCode == http.StatusOK {
		rw.statusCode = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// applyMiddleware wraps h so the first middleware in the list runs first
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
