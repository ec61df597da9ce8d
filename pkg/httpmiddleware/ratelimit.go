package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client request limiting. Each client gets
// a token bucket holding Max requests that refills fully over Window.
type RateLimitConfig struct {
	Max    int
	Window time.Duration
	// KeyFunc identifies the client. Nil keys by client IP.
	KeyFunc func(*http.Request) string
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

type limiter struct {
	max     int
	window  time.Duration
	every   time.Duration
	keyFunc func(*http.Request) string

	mu      sync.Mutex
	buckets map[string]*bucket
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = clientIP
	}
	return &limiter{
		max:     cfg.Max,
		window:  cfg.Window,
		every:   cfg.Window / time.Duration(cfg.Max),
		keyFunc: cfg.KeyFunc,
		buckets: make(map[string]*bucket),
	}
}

type verdict struct {
	allowed   bool
	remaining int
	// full is when the bucket is back to Max tokens.
	full time.Time
	// retry is when the next token is available.
	retry time.Time
}

func (l *limiter) take(key string, now time.Time) verdict {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(l.every), l.max)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	v := verdict{allowed: b.lim.AllowN(now, 1)}
	tokens := b.lim.TokensAt(now)
	if tokens > 0 {
		v.remaining = int(math.Floor(tokens))
	}
	missing := float64(l.max) - tokens
	v.full = now.Add(time.Duration(missing * float64(l.every)))
	if tokens < 1 {
		v.retry = now.Add(time.Duration((1 - tokens) * float64(l.every)))
	} else {
		v.retry = now
	}
	return v
}

// evict drops buckets idle for longer than a window; they are full again.
func (l *limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.seen) > l.window {
			delete(l.buckets, key)
		}
	}
}

func (l *limiter) middleware() Middleware {
	limit := strconv.Itoa(l.max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			v := l.take(l.keyFunc(r), now)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(v.remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(v.full.Unix(), 10))
			if !v.allowed {
				wait := math.Ceil(v.retry.Sub(now).Seconds())
				h.Set("Retry-After", strconv.Itoa(max(int(wait), 1)))
				WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit limits requests per client. Rejected requests get 429 with a
// Retry-After header. Idle buckets are never evicted; long-running servers
// should use RateLimitWithCleanup.
func RateLimit(cfg RateLimitConfig) Middleware {
	return newLimiter(cfg).middleware()
}

// RateLimitWithCleanup is RateLimit plus a goroutine, stopped by ctx, that
// evicts idle clients once per window.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)
	go func() {
		t := time.NewTicker(l.window)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				l.evict(now)
			}
		}
	}()
	return l.middleware()
}

// KeyByHeader keys requests by the value of header, falling back to the
// client IP when the header is absent.
func KeyByHeader(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if v := r.Header.Get(header); v != "" {
			return header + ":" + v
		}
		return clientIP(r)
	}
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
