// Package server exposes a binary manager and reference store over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

const headerRequestID = "X-Request-ID"

// requestIDMiddleware tags each request with an ID, keeping one supplied by
// a proxy when it is a UUID.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(headerRequestID)
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.NewString()
		}
		w.Header().Set(headerRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyRequestID, reqID)))
	})
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(contextKeyRequestID).(string)
	return id
}

// accessLogMiddleware logs one line per request. Server errors log at error,
// client errors at warn and everything else at debug, so a busy download
// path stays quiet at the default level.
func accessLogMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w}

			next.ServeHTTP(rw, r)

			level := slog.LevelDebug
			switch {
			case rw.status() >= 500:
				level = slog.LevelError
			case rw.status() >= 400:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.status(),
				"bytes_in", r.ContentLength,
				"bytes_out", rw.written,
				"duration", time.Since(start),
				"request_id", requestID(r),
			)
		})
	}
}

// recoveryMiddleware turns a handler panic into a 500 unless a response
// has already started.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := &responseWriter{ResponseWriter: w}
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic", "panic", rec, "method", r.Method, "path", r.URL.Path, "request_id", requestID(r))
					if rw.code == 0 {
						writeError(rw, http.StatusInternalServerError, "internal_error", "internal server error")
					}
				}
			}()
			next.ServeHTTP(rw, r)
		})
	}
}

// bearerAuth rejects requests whose Authorization header is not
// "Bearer <token>". An empty token disables the check.
func bearerAuth(token, realm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		expected := []byte("Bearer " + token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(auth), expected) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="`+realm+`"`)
				writeError(w, http.StatusUnauthorized, "auth_failed", "invalid "+realm+" token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimiter allows each client host a fixed number of requests per
// window. Idle hosts are forgotten once their window has expired.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostWindow

	stopOnce sync.Once
	done     chan struct{}
}

type hostWindow struct {
	count   int
	resetAt time.Time
}

// newRateLimiter limits each host to requestsPerMinute. A limit of zero or
// less disables limiting.
func newRateLimiter(requestsPerMinute int) *rateLimiter {
	rl := &rateLimiter{
		limit:  requestsPerMinute,
		window: time.Minute,
		now:    time.Now,
		hosts:  make(map[string]*hostWindow),
		done:   make(chan struct{}),
	}
	if rl.limit > 0 {
		go rl.evictLoop()
	}
	return rl
}

func (rl *rateLimiter) evictLoop() {
	ticker := time.NewTicker(5 * rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evict()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for host, hw := range rl.hosts {
		if !now.Before(hw.resetAt) {
			delete(rl.hosts, host)
		}
	}
}

// Stop ends the eviction loop. Safe to call more than once.
func (rl *rateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// allow counts a request from host. When the host is over its limit it
// returns false and how long until its window resets.
func (rl *rateLimiter) allow(host string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hw, ok := rl.hosts[host]
	if !ok || !now.Before(hw.resetAt) {
		hw = &hostWindow{resetAt: now.Add(rl.window)}
		rl.hosts[host] = hw
	}
	hw.count++
	if hw.count > rl.limit {
		return false, hw.resetAt.Sub(now)
	}
	return true, 0
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	if rl.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ok, wait := rl.allow(host); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter records the status code and body size of a response.
type responseWriter struct {
	http.ResponseWriter
	code    int
	written int64
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.code == 0 {
		rw.code = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	if rw.code == 0 {
		rw.code = http.StatusOK
	}
	n, err := rw.ResponseWriter.Write(p)
	rw.written += int64(n)
	return n, err
}

// status is the response code, 200 when the handler wrote nothing.
func (rw *responseWriter) status() int {
	if rw.code == 0 {
		return http.StatusOK
	}
	return rw.code
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
