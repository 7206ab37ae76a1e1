package protocol

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// serialRateLimit limits requests per device serial using a
// non-blocking token bucket. Exceeding requests are rejected
// immediately with 429 and a Retry-After header. Adapted from the
// per-IP limiter used for the web-facing router elsewhere in this
// codebase: a misbehaving device serial, not a client IP, is the
// realistic abuse case on the device protocol listener, so the limiter
// keys on the serial extracted by extractSerial when present and falls
// back to the remote address when extractSerial returns "".
func serialRateLimit(requestsPerSecond, burst int, extractSerial func(*http.Request) string) func(http.Handler) http.Handler {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
	)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			mu.Lock()
			for key, c := range clients {
				if time.Since(c.lastSeen) > 3*time.Minute {
					delete(clients, key)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractSerial(r)
			if key == "" {
				key = r.RemoteAddr
			}

			mu.Lock()
			c, exists := clients[key]
			if !exists {
				c = &client{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
				clients[key] = c
			}
			c.lastSeen = time.Now()
			mu.Unlock()

			res := c.limiter.Reserve()
			if !res.OK() {
				writeRateLimited(w, requestsPerSecond, time.Second)
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				writeRateLimited(w, requestsPerSecond, delay)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, limit int, delay time.Duration) {
	retryAfterSeconds := int(math.Ceil(delay.Seconds()))
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

// requestLogger logs method, path, status, and duration for every
// request, matching the request-logging shape used by the HTTP server
// this codebase's API layer is built from.
func requestLogger(logger interface {
	Info(msg string, args ...any)
}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start).String(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
