// Package tracking records impressions and conversions into the daily
// aggregates the significance math reads.
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"splitlab/internal/apperr"
	"splitlab/internal/config"
	"splitlab/internal/db"
	"splitlab/internal/metrics"
)

// Store is the persistence the ledger writes to.
type Store interface {
	ExperimentByHandle(ctx context.Context, handle string) (*db.Experiment, error)
	IncrementImpression(ctx context.Context, experimentID uint, arm db.Arm, at time.Time) error
	RecordConversion(ctx context.Context, c *db.Conversion) (bool, error)
	EnabledGoals(ctx context.Context, experimentID uint) ([]db.Goal, error)
}

// Assignments looks up durable arm decisions.
type Assignments interface {
	Lookup(ctx context.Context, exp *db.Experiment, visitorID string) (*db.Assignment, error)
}

// SignificanceWatcher is told about every counted conversion.
type SignificanceWatcher interface {
	CheckSignificance(ctx context.Context, exp *db.Experiment)
}

// Ledger records impressions and conversions.
type Ledger struct {
	store       Store
	assignments Assignments
	mode        string
	watcher     SignificanceWatcher
	now         func() time.Time
	log         logrus.FieldLogger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithWatcher sets the watcher notified after counted conversions.
func WithWatcher(w SignificanceWatcher) Option {
	return func(l *Ledger) { l.watcher = w }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the ledger logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

// New returns a Ledger counting conversions with the given mode
// (config.CountFirstOnly, config.CountPerGoalType or config.CountUnlimited).
func New(store Store, assignments Assignments, mode string, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		assignments: assignments,
		mode:        mode,
		now:         time.Now,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordImpression adds one impression for arm to today's overall row.
func (l *Ledger) RecordImpression(ctx context.Context, exp *db.Experiment, arm db.Arm) error {
	if err := l.store.IncrementImpression(ctx, exp.ID, arm, l.now()); err != nil {
		return apperr.Persistence.Wrap(err)
	}
	metrics.Impressions.WithLabelValues(exp.Handle, string(arm)).Inc()
	return nil
}

// dedupKey maps the counting mode to the key that makes a repeat conversion a no-op.
func (l *Ledger) dedupKey(goalType db.GoalType) string {
	switch l.mode {
	case config.CountFirstOnly:
		return "any"
	case config.CountUnlimited:
		return uuid.NewString()
	default:
		return string(goalType)
	}
}

// RecordConversion counts a conversion of visitorID in exp. The visitor must
// hold a persisted assignment and exp must have an enabled goal of goalType;
// a goalID must name one of those goals. It reports false without error when the
// counting mode already counted an equivalent conversion.
func (l *Ledger) RecordConversion(ctx context.Context, exp *db.Experiment, visitorID string, goalType db.GoalType, goalID *uint) (bool, error) {
	if !goalType.Valid() {
		return false, apperr.Validation.New("unknown conversion type %q", goalType)
	}

	a, err := l.assignments.Lookup(ctx, exp, visitorID)
	if err != nil {
		return false, apperr.Persistence.Wrap(err)
	}
	if a == nil {
		l.log.WithFields(logrus.Fields{
			"experiment": exp.Handle,
			"visitor":    visitorID,
		}).Warn("conversion for visitor without assignment")
		return false, apperr.NotFound.New("visitor has no assignment in %q", exp.Handle)
	}

	if err := l.checkGoal(ctx, exp, goalType, goalID); err != nil {
		return false, err
	}

	counted, err := l.store.RecordConversion(ctx, &db.Conversion{
		CreatedAt:    l.now().UTC(),
		ExperimentID: exp.ID,
		VisitorID:    visitorID,
		DedupKey:     l.dedupKey(goalType),
		Arm:          a.Arm,
		GoalType:     goalType,
		GoalID:       goalID,
	})
	if err != nil {
		return false, apperr.Persistence.Wrap(err)
	}
	if !counted {
		return false, nil
	}

	metrics.Conversions.WithLabelValues(exp.Handle, string(a.Arm), string(goalType)).Inc()
	if l.watcher != nil {
		l.watcher.CheckSignificance(ctx, exp)
	}
	return true, nil
}

// checkGoal rejects conversions that no enabled goal of exp accounts for.
func (l *Ledger) checkGoal(ctx context.Context, exp *db.Experiment, goalType db.GoalType, goalID *uint) error {
	goals, err := l.store.EnabledGoals(ctx, exp.ID)
	if err != nil {
		return apperr.Persistence.Wrap(err)
	}
	typed := false
	for _, g := range goals {
		if g.Type != goalType {
			continue
		}
		typed = true
		if goalID == nil || *goalID == g.ID {
			return nil
		}
	}
	if !typed {
		return apperr.Validation.New("%q has no enabled %s goal", exp.Handle, goalType)
	}
	return apperr.Validation.New("goal %d is not an enabled %s goal of %q", *goalID, goalType, exp.Handle)
}

// RecordConversionByHandle resolves handle to a running experiment and records
// the conversion.
func (l *Ledger) RecordConversionByHandle(ctx context.Context, handle, visitorID string, goalType db.GoalType, goalID *uint) (bool, error) {
	exp, err := l.store.ExperimentByHandle(ctx, handle)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, apperr.NotFound.New("experiment %q", handle)
	}
	if err != nil {
		return false, apperr.Persistence.Wrap(err)
	}
	if !exp.IsRunning() {
		return false, apperr.NotFound.New("experiment %q is not running", handle)
	}
	return l.RecordConversion(ctx, exp, visitorID, goalType, goalID)
}
