package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/config"
)

// SecurityHeadersMiddleware adds security headers to all responses.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			// Decrypted file bodies and share responses must not sit in shared caches.
			h.Set("Cache-Control", "no-store")

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter counts requests per client in fixed windows. Idle clients
// are forgotten by a background sweep until Stop is called.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	limit   int
	window  time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

type clientWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientWindow),
		limit:   limit,
		window:  window,
		logger:  logger,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go rl.sweep(2 * window)
	return rl
}

// NewRateLimiterFromConfig returns nil when rate limiting is disabled.
func NewRateLimiterFromConfig(cfg config.RateLimitConfig, logger *logrus.Logger) *RateLimiter {
	if !cfg.Enabled || cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil
	}
	return NewRateLimiter(cfg.Limit, cfg.Window, logger)
}

func (rl *RateLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}

		rl.mu.Lock()
		now := rl.now()
		for key, cw := range rl.clients {
			if now.Sub(cw.start) >= rl.window {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stop ends the background sweep. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

// Allow reports whether a request from key fits in its current window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cw, ok := rl.clients[key]
	if !ok || now.Sub(cw.start) >= rl.window {
		rl.clients[key] = &clientWindow{start: now, count: 1}
		return true
	}
	if cw.count >= rl.limit {
		return false
	}
	cw.count++
	return true
}

// retryAfter is the Retry-After value in whole seconds, at least one.
func (rl *RateLimiter) retryAfter() string {
	secs := int((rl.window + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// getClientKey identifies the client by its first forwarded address, or
// the connection's remote address.
func getClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// RateLimitMiddleware enforces limiter. A nil limiter disables it.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := getClientKey(r)
			if limiter.Allow(client) {
				next.ServeHTTP(w, r)
				return
			}

			limiter.logger.WithFields(logrus.Fields{
				"client": client,
				"method": r.Method,
				"path":   redactSharePath(r.URL.Path),
			}).Warn("Rate limit exceeded")
			w.Header().Set("Retry-After", limiter.retryAfter())
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		})
	}
}
