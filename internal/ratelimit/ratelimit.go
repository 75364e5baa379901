// Package ratelimit throttles conversion recording with a sliding 60 second
// window per (client address, visitor, experiment) key. Windows live in a
// shared store so the limit holds across server processes.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/sirupsen/logrus"

	"splitlab/internal/metrics"
)

// Window is the length of one rate limit window.
const Window = 60 * time.Second

// DefaultLimit is the number of requests admitted per window when unset.
const DefaultLimit = 10

// Key identifies the caller of a conversion request.
type Key struct {
	Client     string
	Visitor    string
	Experiment string
}

// Hash returns the fixed-length storage key for k.
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k.Client + "\x00" + k.Visitor + "\x00" + k.Experiment))
	return hex.EncodeToString(sum[:])
}

// Store atomically registers one hit for key and reports whether it fits in the window.
type Store interface {
	HitWindow(ctx context.Context, key string, now time.Time, size time.Duration, limit int) (bool, error)
}

// Limiter admits or rejects conversion requests.
type Limiter struct {
	store Store
	limit int
	now   func() time.Time
	log   logrus.FieldLogger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Limiter) { l.log = log }
}

// New returns a Limiter admitting limit requests per Window.
func New(store Store, limit int, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	l := &Limiter{
		store: store,
		limit: limit,
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether a request for key may proceed. When the store fails
// the request is allowed and the failure is logged.
func (l *Limiter) Allow(ctx context.Context, key Key) bool {
	ok, err := l.store.HitWindow(ctx, key.Hash(), l.now(), Window, l.limit)
	if err != nil {
		l.log.WithFields(logrus.Fields{
			"experiment": key.Experiment,
			"visitor":    key.Visitor,
		}).WithError(err).Warn("rate limiter store unavailable, allowing request")
		return true
	}
	if !ok {
		metrics.RateLimited.WithLabelValues(key.Experiment).Inc()
	}
	return ok
}
