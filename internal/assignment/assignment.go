// Package assignment buckets anonymous visitors into the control or variant
// arm of an experiment. Decisions are sticky: a per-experiment client token is
// the fast path and the persisted Assignment row is the system of record.
package assignment

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"splitlab/internal/db"
	"splitlab/internal/metrics"
)

const (
	// VisitorToken holds the visitor identity.
	VisitorToken = "_splitlab_vid"
	tokenPrefix  = "_splitlab_"
)

// Source tells where an arm decision came from.
type Source string

const (
	SourceToken       Source = "token"
	SourceStored      Source = "stored"
	SourceNew         Source = "new"
	SourceUnpersisted Source = "unpersisted"
)

// TokenJar reads and writes durable client-side tokens (cookies in HTTP).
type TokenJar interface {
	Get(name string) string
	Set(name, value string, ttl time.Duration)
}

// Store persists assignments. InsertAssignment reports false when a row for
// the same (experiment, visitor) already exists.
type Store interface {
	FindAssignment(ctx context.Context, experimentID uint, visitorID string) (*db.Assignment, error)
	InsertAssignment(ctx context.Context, a *db.Assignment) (bool, error)
}

// Result is one arm decision.
type Result struct {
	Arm    db.Arm
	Source Source
	// Persisted is false only when the decision could not be stored; the
	// visitor may be redrawn on a later visit.
	Persisted bool
}

// Engine assigns arms.
type Engine struct {
	store    Store
	tokenTTL time.Duration
	draw     func() int
	now      func() time.Time
	log      logrus.FieldLogger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDraw replaces the uniform [1,100] draw.
func WithDraw(draw func() int) Option {
	return func(e *Engine) { e.draw = draw }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger used for recovered failures.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = log }
}

// New returns an Engine whose tokens live for tokenTTL.
func New(store Store, tokenTTL time.Duration, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		tokenTTL: tokenTTL,
		draw:     func() int { return rand.IntN(100) + 1 },
		now:      time.Now,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TokenName is the per-experiment arm token name.
func TokenName(handle string) string {
	return tokenPrefix + handle
}

// VisitorID returns the visitor identity stored in jar, minting and storing
// a new one when the token is missing or not a UUID.
func (e *Engine) VisitorID(jar TokenJar) string {
	if v := jar.Get(VisitorToken); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			return id.String()
		}
	}
	id := uuid.NewString()
	jar.Set(VisitorToken, id, e.tokenTTL)
	return id
}

// Assign returns the arm of visitorID in exp, creating the assignment on the
// first visit. Storage failures never fail the call: the locally drawn arm is
// returned with Persisted=false.
func (e *Engine) Assign(ctx context.Context, exp *db.Experiment, visitorID string, jar TokenJar) Result {
	res := e.assign(ctx, exp, visitorID, jar)
	metrics.Assignments.WithLabelValues(exp.Handle, string(res.Source)).Inc()
	return res
}

func (e *Engine) assign(ctx context.Context, exp *db.Experiment, visitorID string, jar TokenJar) Result {
	token := TokenName(exp.Handle)
	if arm, ok := db.ParseArm(jar.Get(token)); ok {
		return Result{Arm: arm, Source: SourceToken, Persisted: true}
	}

	log := e.log.WithFields(logrus.Fields{"experiment": exp.Handle, "visitor": visitorID})

	stored, err := e.store.FindAssignment(ctx, exp.ID, visitorID)
	if err != nil {
		log.WithError(err).Warn("assignment lookup failed")
	} else if stored != nil {
		jar.Set(token, string(stored.Arm), e.tokenTTL)
		return Result{Arm: stored.Arm, Source: SourceStored, Persisted: true}
	}

	arm := db.ArmControl
	if e.draw() <= exp.TrafficSplit {
		arm = db.ArmVariant
	}

	created, err := e.store.InsertAssignment(ctx, &db.Assignment{
		CreatedAt:    e.now().UTC(),
		ExperimentID: exp.ID,
		VisitorID:    visitorID,
		Arm:          arm,
	})
	if err != nil {
		log.WithError(err).Warn("assignment not persisted, serving local draw")
		return Result{Arm: arm, Source: SourceUnpersisted, Persisted: false}
	}

	if !created {
		// A concurrent request stored first; its row wins.
		stored, err := e.store.FindAssignment(ctx, exp.ID, visitorID)
		if err != nil || stored == nil {
			log.WithError(err).Warn("assignment conflict but stored row unreadable, serving local draw")
			return Result{Arm: arm, Source: SourceUnpersisted, Persisted: false}
		}
		jar.Set(token, string(stored.Arm), e.tokenTTL)
		return Result{Arm: stored.Arm, Source: SourceStored, Persisted: true}
	}

	jar.Set(token, string(arm), e.tokenTTL)
	return Result{Arm: arm, Source: SourceNew, Persisted: true}
}

// Lookup returns the stored arm of visitorID in exp, or nil when the visitor
// was never durably bucketed.
func (e *Engine) Lookup(ctx context.Context, exp *db.Experiment, visitorID string) (*db.Assignment, error) {
	return e.store.FindAssignment(ctx, exp.ID, visitorID)
}
