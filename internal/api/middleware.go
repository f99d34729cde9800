package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type ctxKey int

const userIDKey ctxKey = iota

// UserHeader carries the caller identity, set by the auth gateway in front of this service.
const UserHeader = "X-User-ID"

// RequireUser rejects requests without a valid user id header.
func (h *Handler) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64)
		if err != nil || id <= 0 {
			h.respondError(w, http.StatusUnauthorized, "missing or invalid "+UserHeader, r.Method, "auth")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, id)))
	})
}

func userID(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey).(int64)
	return id
}

// RateLimiter keeps one token bucket per caller.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	log      logrus.FieldLogger
}

func NewRateLimiter(rps float64, burst int, log logrus.FieldLogger) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
		log:      log,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Handler limits by user id when the request is authenticated, otherwise by remote address.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if id := userID(r); id != 0 {
			key = "user:" + strconv.FormatInt(id, 10)
		}

		if !rl.getLimiter(key).Allow() {
			rl.log.WithFields(logrus.Fields{"key": key, "path": r.URL.Path}).Warn("rate limit exceeded")
			httpReqTotal.WithLabelValues(r.Method, "ratelimit", strconv.Itoa(http.StatusTooManyRequests)).Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup drops every bucket once the map grows past maxKeys.
func (rl *RateLimiter) Cleanup(maxKeys int) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := len(rl.limiters)
	if n > maxKeys {
		rl.limiters = make(map[string]*rate.Limiter)
		return n
	}
	return 0
}
