package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/ehr/clinicq/internal/platform/auth"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// MaxKeys bounds the number of tracked clients; the table is reset
	// when it is exceeded.
	MaxKeys int
}

// DefaultRateLimitConfig returns default rate limiting settings.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         200,
		MaxKeys:           10000,
	}
}

type limiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      RateLimitConfig
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.limiters[key]; ok {
		return l
	}
	if s.cfg.MaxKeys > 0 && len(s.limiters) >= s.cfg.MaxKeys {
		s.limiters = make(map[string]*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)
	s.limiters[key] = l
	return l
}

// RateLimit returns a per-client token bucket middleware. Authenticated
// callers are keyed by user id, everyone else by IP.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := &limiterStore{limiters: make(map[string]*rate.Limiter), cfg: cfg}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', 0, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if uid := auth.UserIDFromContext(c.Request().Context()); uid != "" {
				key = "user:" + uid
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)

			r := store.get(key).Reserve()
			if delay := r.Delay(); !r.OK() || delay > 0 {
				r.Cancel()
				retryAfter := 1
				if r.OK() {
					retryAfter = int(math.Ceil(delay.Seconds()))
				}
				h.Set("Retry-After", strconv.Itoa(retryAfter))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
