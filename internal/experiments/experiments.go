// Package experiments owns the experiment lifecycle: creation and editing with
// their validation rules, goals, and the draft/running/paused/completed state
// machine.
package experiments

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"splitlab/internal/apperr"
	"splitlab/internal/cascade"
	"splitlab/internal/content"
	"splitlab/internal/db"
	"splitlab/internal/validate"
)

// DefaultTrafficSplit is used when Input leaves the split unset.
const DefaultTrafficSplit = 50

// Store is the persistence the service needs.
type Store interface {
	CreateExperiment(ctx context.Context, e *db.Experiment) error
	SaveExperiment(ctx context.Context, e *db.Experiment) error
	ExperimentByID(ctx context.Context, id uint) (*db.Experiment, error)
	HandleTaken(ctx context.Context, handle string, exceptID uint) (bool, error)
	ListExperiments(ctx context.Context) ([]db.Experiment, error)
	ReplaceGoals(ctx context.Context, experimentID uint, goals []db.Goal) error
	EnabledGoals(ctx context.Context, experimentID uint) ([]db.Goal, error)
	DeleteExperiment(ctx context.Context, id uint) error
}

// Cascade rebuilds the derived mappings of an experiment.
type Cascade interface {
	Rebuild(ctx context.Context, exp *db.Experiment) (cascade.Outcome, error)
}

// ResultsCache drops cached reports.
type ResultsCache interface {
	Invalidate(experimentID uint)
}

// Input is the editable part of an experiment.
type Input struct {
	Name          string `json:"name" validate:"required,max=255"`
	Handle        string `json:"handle" validate:"omitempty,max=255"`
	Hypothesis    string `json:"hypothesis"`
	ControlNodeID int64  `json:"controlNodeId" validate:"required,gt=0"`
	VariantNodeID int64  `json:"variantNodeId" validate:"required,gt=0,nefield=ControlNodeID"`
	TrafficSplit  *int   `json:"trafficSplit" validate:"omitempty,min=0,max=100"`
}

// GoalInput is one goal of SetGoals.
type GoalInput struct {
	Type      db.GoalType    `json:"type" validate:"required,oneof=form phone email download page custom"`
	Config    map[string]any `json:"config"`
	Enabled   *bool          `json:"enabled"`
	SortOrder int            `json:"sortOrder"`
}

// GoalConfig is the tracking-side view of an enabled goal.
type GoalConfig struct {
	ID     uint           `json:"id"`
	Config map[string]any `json:"config,omitempty"`
}

// Service manages experiments.
type Service struct {
	store   Store
	repo    content.Repository
	cascade Cascade
	results ResultsCache
	now     func() time.Time
	log     logrus.FieldLogger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Service) { s.log = log }
}

// New returns a Service.
func New(store Store, repo content.Repository, c Cascade, results ResultsCache, opts ...Option) *Service {
	s := &Service{
		store:   store,
		repo:    repo,
		cascade: c,
		results: results,
		now:     time.Now,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns an experiment with its goals.
func (s *Service) Get(ctx context.Context, id uint) (*db.Experiment, error) {
	exp, err := s.store.ExperimentByID(ctx, id)
	if err != nil {
		return nil, apperr.Storage(err)
	}
	return exp, nil
}

// List returns every experiment, newest first.
func (s *Service) List(ctx context.Context) ([]db.Experiment, error) {
	out, err := s.store.ListExperiments(ctx)
	if err != nil {
		return nil, apperr.Persistence.Wrap(err)
	}
	return out, nil
}

// Create validates in and stores a draft experiment.
func (s *Service) Create(ctx context.Context, in Input) (*db.Experiment, error) {
	exp := &db.Experiment{Status: db.StatusDraft}
	if err := s.apply(ctx, exp, in); err != nil {
		return nil, err
	}
	if err := s.store.CreateExperiment(ctx, exp); err != nil {
		return nil, apperr.Persistence.Wrap(err)
	}
	s.log.WithFields(logrus.Fields{
		"experiment": exp.Handle,
		"control":    exp.ControlNodeID,
		"variant":    exp.VariantNodeID,
	}).Info("experiment created")
	s.rebuild(ctx, exp)
	return exp, nil
}

// Update replaces the editable fields of an experiment. Completed experiments
// are immutable.
func (s *Service) Update(ctx context.Context, id uint, in Input) (*db.Experiment, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.IsCompleted() {
		return nil, apperr.Validation.New("experiment %q is completed", exp.Handle)
	}
	if err := s.apply(ctx, exp, in); err != nil {
		return nil, err
	}
	if err := s.store.SaveExperiment(ctx, exp); err != nil {
		return nil, apperr.Persistence.Wrap(err)
	}
	s.rebuild(ctx, exp)
	return exp, nil
}

// apply validates in and copies it onto exp.
func (s *Service) apply(ctx context.Context, exp *db.Experiment, in Input) error {
	if err := validate.Struct(in); err != nil {
		return err
	}

	handle := in.Handle
	if handle == "" {
		handle = validate.Kebab(in.Name)
	}
	if !validate.Handle(handle) {
		return apperr.Validation.New("handle %q must be lowercase kebab-case starting with a letter", handle)
	}
	taken, err := s.store.HandleTaken(ctx, handle, exp.ID)
	if err != nil {
		return apperr.Persistence.Wrap(err)
	}
	if taken {
		return apperr.Validation.New("handle %q is already in use", handle)
	}

	for _, id := range []int64{in.ControlNodeID, in.VariantNodeID} {
		if _, err := s.repo.Node(ctx, id); err != nil {
			if apperr.NotFound.Has(err) {
				return apperr.Validation.New("node %d does not exist", id)
			}
			return err
		}
	}
	nested, err := s.repo.IsDescendantOf(ctx, in.ControlNodeID, in.VariantNodeID)
	if err != nil {
		return err
	}
	if nested {
		return apperr.Validation.New("variant node %d is a descendant of control node %d", in.VariantNodeID, in.ControlNodeID)
	}

	split := DefaultTrafficSplit
	if in.TrafficSplit != nil {
		split = *in.TrafficSplit
	}

	exp.Name = in.Name
	exp.Handle = handle
	exp.Hypothesis = in.Hypothesis
	exp.ControlNodeID = in.ControlNodeID
	exp.VariantNodeID = in.VariantNodeID
	exp.TrafficSplit = split
	return nil
}

// rebuild refreshes the cascade of exp. Failures are logged; the mappings are
// rebuilt again on the next structural change or explicit rebuild.
func (s *Service) rebuild(ctx context.Context, exp *db.Experiment) {
	if _, err := s.cascade.Rebuild(ctx, exp); err != nil {
		s.log.WithError(err).WithField("experiment", exp.Handle).Warn("cascade rebuild failed")
	}
}

// Rebuild refreshes the cascade mappings of an experiment on request.
func (s *Service) Rebuild(ctx context.Context, id uint) (cascade.Outcome, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return cascade.Outcome{}, err
	}
	return s.cascade.Rebuild(ctx, exp)
}

// SetGoals replaces the goals of an experiment.
func (s *Service) SetGoals(ctx context.Context, id uint, in []GoalInput) ([]db.Goal, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.IsCompleted() {
		return nil, apperr.Validation.New("experiment %q is completed", exp.Handle)
	}

	goals := make([]db.Goal, 0, len(in))
	for _, g := range in {
		if err := validate.Struct(g); err != nil {
			return nil, err
		}
		enabled := true
		if g.Enabled != nil {
			enabled = *g.Enabled
		}
		goals = append(goals, db.Goal{
			Type:      g.Type,
			Config:    datatypes.JSONMap(g.Config),
			Enabled:   enabled,
			SortOrder: g.SortOrder,
		})
	}
	if err := s.store.ReplaceGoals(ctx, id, goals); err != nil {
		return nil, apperr.Persistence.Wrap(err)
	}
	return goals, nil
}

// GoalsConfig returns the enabled goals of an experiment keyed by type. When
// several goals share a type the first in sort order wins.
func (s *Service) GoalsConfig(ctx context.Context, id uint) (map[db.GoalType]GoalConfig, error) {
	goals, err := s.store.EnabledGoals(ctx, id)
	if err != nil {
		return nil, apperr.Persistence.Wrap(err)
	}
	out := make(map[db.GoalType]GoalConfig, len(goals))
	for _, g := range goals {
		if _, ok := out[g.Type]; ok {
			continue
		}
		out[g.Type] = GoalConfig{ID: g.ID, Config: g.Config}
	}
	return out, nil
}

// Start moves a draft or paused experiment to running. At least one goal must
// be enabled.
func (s *Service) Start(ctx context.Context, id uint) (*db.Experiment, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exp.CanStart() {
		return nil, apperr.Validation.New("cannot start experiment in status %s", exp.Status)
	}
	goals, err := s.store.EnabledGoals(ctx, id)
	if err != nil {
		return nil, apperr.Persistence.Wrap(err)
	}
	if len(goals) == 0 {
		return nil, apperr.Validation.New("experiment %q has no enabled goals", exp.Handle)
	}

	exp.Status = db.StatusRunning
	if exp.StartedAt == nil {
		now := s.now().UTC()
		exp.StartedAt = &now
	}
	if err := s.store.SaveExperiment(ctx, exp); err != nil {
		return nil, apperr.Persistence.Wrap(err)
	}
	s.log.WithField("experiment", exp.Handle).Info("experiment started")
	s.rebuild(ctx, exp)
	return exp, nil
}

// Pause moves a running experiment to paused.
func (s *Service) Pause(ctx context.Context, id uint) (*db.Experiment, error) {
	exp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exp.IsRunning() {
		return nil, apperr.Validation.New("cannot pause experiment in status %s", exp.Status)
	}
	exp.Status = db.StatusPaused
	if err := s.store.SaveExperiment(ctx, exp); err != nil {
		return nil, apperr.Persistence.Wrap(err)
	}
	s.log.WithField("experiment", exp.Handle).Info("experiment paused")
	return exp, nil
}

// Complete ends an experiment and freezes its winner. winner may be empty
// when no arm is declared.
func (s *Service) Complete(ctx context.Context, id uint, winner string) (*db.Experiment, error) {
	var arm db.Arm
	if winner != "" {
		var ok bool
		if arm, ok = db.ParseArm(winner); !ok {
			return nil, apperr.Validation.New("winner must be control or variant, got %q", winner)
		}
	}

	exp, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if exp.Status != db.StatusRunning && exp.Status != db.StatusPaused {
		return nil, apperr.Validation.New("cannot complete experiment in status %s", exp.Status)
	}

	now := s.now().UTC()
	exp.Status = db.StatusCompleted
	exp.EndedAt = &now
	exp.Winner = arm
	if err := s.store.SaveExperiment(ctx, exp); err != nil {
		return nil, apperr.Persistence.Wrap(err)
	}
	s.results.Invalidate(exp.ID)
	s.log.WithFields(logrus.Fields{"experiment": exp.Handle, "winner": arm}).Info("experiment completed")
	return exp, nil
}

// Delete removes an experiment and everything derived from it.
func (s *Service) Delete(ctx context.Context, id uint) error {
	err := s.store.DeleteExperiment(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound.New("experiment %d", id)
	}
	if err != nil {
		return apperr.Persistence.Wrap(err)
	}
	s.results.Invalidate(id)
	return nil
}
