// Package ratelimit throttles request sources over a fixed window. The
// counter lives behind CounterStore so a single node can run on an in-memory
// map while a multi-node deployment shares counts through Redis.
package ratelimit

import (
	"time"

	"go.uber.org/zap"

	"github.com/brokeratlas/marketplace/internal/observability"
)

// Config controls one limiter instance.
type Config struct {
	Enabled     bool
	Window      time.Duration
	MaxRequests int
}

// CounterStore counts requests per key within the current window. Incr
// returns the count after the increment; the implementation owns window
// rollover.
type CounterStore interface {
	Incr(key string, window time.Duration) (int, error)
}

// Limiter applies a fixed-window limit per key. Keys are caller-defined,
// typically a hashed client IP joined with the endpoint scope.
type Limiter struct {
	cfg     Config
	store   CounterStore
	metrics observability.MetricsRegistry
	logger  *zap.Logger
}

func NewLimiter(cfg Config, store CounterStore, metrics observability.MetricsRegistry, logger *zap.Logger) *Limiter {
	if metrics == nil {
		metrics = &observability.NoOpRegistry{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{cfg: cfg, store: store, metrics: metrics, logger: logger}
}

// IsRateLimited records one request for the key and reports whether it
// exceeded the window's budget. A disabled limiter and counter store
// failures both admit the request: throttling is protective, not
// load-bearing, so it must never take the write path down with it.
func (l *Limiter) IsRateLimited(scope, key string) bool {
	if !l.cfg.Enabled || l.cfg.MaxRequests <= 0 {
		return false
	}
	l.metrics.IncrementRateLimitRequests(scope)

	count, err := l.store.Incr(scope+":"+key, l.cfg.Window)
	if err != nil {
		l.logger.Warn("rate limit counter unavailable, admitting request",
			zap.String("scope", scope), zap.Error(err))
		return false
	}
	if count > l.cfg.MaxRequests {
		l.metrics.IncrementRateLimitHits(scope)
		return true
	}
	return false
}
