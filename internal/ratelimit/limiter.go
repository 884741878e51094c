// Package ratelimit provides the dual-threshold token bucket BrokerClient
// calls are serialized through (C4): a soft warning at the sustained
// configured rate and a hard ceiling above it, on top of
// golang.org/x/time/rate's bucket implementation.
package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when acquire_timeout elapses before a token
// becomes available.
var ErrRateLimited = errors.New("ratelimit: rate limited")

// Config configures the limiter. Soft/Hard are orders-per-second;
// AcquireTimeout bounds how long Acquire will wait for a token.
type Config struct {
	Soft           float64
	Hard           int
	AcquireTimeout time.Duration
}

// DefaultConfig matches the specification's 7/s soft, 9/s hard, 2s acquire.
func DefaultConfig() Config {
	return Config{Soft: 7, Hard: 9, AcquireTimeout: 2 * time.Second}
}

// Limiter gates place_order/modify_order/cancel_order through one shared
// bucket (they share the same budget per §4.3), while separately tracking
// a rolling call count to emit warning/critical telemetry at the soft and
// hard thresholds.
type Limiter struct {
	bucket *rate.Limiter
	cfg    Config
	logger *zap.Logger

	windowStart atomic.Int64 // unix nanos
	windowCount atomic.Int64
}

// New builds a Limiter from cfg.
func New(logger *zap.Logger, cfg Config) *Limiter {
	if cfg.Hard <= 0 {
		cfg.Hard = 9
	}
	if cfg.Soft <= 0 {
		cfg.Soft = 7
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	l := &Limiter{
		bucket: rate.NewLimiter(rate.Limit(cfg.Soft), cfg.Hard),
		cfg:    cfg,
		logger: logger.Named("ratelimit"),
	}
	l.windowStart.Store(time.Now().UnixNano())
	return l
}

// Acquire blocks up to AcquireTimeout for a token, returning ErrRateLimited
// on timeout. Every call (place/modify/cancel) goes through this.
func (l *Limiter) Acquire(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.AcquireTimeout)
	defer cancel()

	if err := l.bucket.Wait(ctx); err != nil {
		return ErrRateLimited
	}
	l.recordCall()
	return nil
}

// recordCall maintains a rolling 1s window used purely for the
// warning/critical monitoring signal; it never gates calls itself —
// gating is the token bucket's job.
func (l *Limiter) recordCall() {
	now := time.Now().UnixNano()
	start := l.windowStart.Load()
	if time.Duration(now-start) > time.Second {
		l.windowStart.Store(now)
		l.windowCount.Store(1)
		return
	}
	count := l.windowCount.Add(1)
	switch {
	case int(count) >= l.cfg.Hard:
		l.logger.Error("rate limiter at hard ceiling", zap.Int64("calls_in_window", count))
	case float64(count) >= l.cfg.Soft:
		l.logger.Warn("rate limiter sustained at soft threshold", zap.Int64("calls_in_window", count))
	}
}

// Tokens reports the bucket's current burst allowance, for the
// telemetry gauge.
func (l *Limiter) Tokens() float64 {
	return l.bucket.Tokens()
}
