package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateExperiment inserts e and its goals.
func (s *Store) CreateExperiment(ctx context.Context, e *Experiment) error {
	if err := s.with(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("failed to create experiment: %w", err)
	}
	return nil
}

// SaveExperiment writes every column of e. Goals are not touched; use ReplaceGoals.
func (s *Store) SaveExperiment(ctx context.Context, e *Experiment) error {
	if err := s.with(ctx).Omit("Goals").Save(e).Error; err != nil {
		return fmt.Errorf("failed to save experiment %d: %w", e.ID, err)
	}
	return nil
}

// ExperimentByID loads an experiment with its goals. Missing rows return gorm.ErrRecordNotFound.
func (s *Store) ExperimentByID(ctx context.Context, id uint) (*Experiment, error) {
	var e Experiment
	err := s.with(ctx).Preload("Goals", func(db *gorm.DB) *gorm.DB {
		return db.Order("sort_order ASC, id ASC")
	}).First(&e, id).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ExperimentByHandle loads an experiment by handle. Missing rows return gorm.ErrRecordNotFound.
func (s *Store) ExperimentByHandle(ctx context.Context, handle string) (*Experiment, error) {
	var e Experiment
	if err := s.with(ctx).Where("handle = ?", handle).First(&e).Error; err != nil {
		return nil, err
	}
	return &e, nil
}

// HandleTaken reports whether another experiment already uses handle.
func (s *Store) HandleTaken(ctx context.Context, handle string, exceptID uint) (bool, error) {
	var count int64
	err := s.with(ctx).Model(&Experiment{}).
		Where("handle = ? AND id <> ?", handle, exceptID).
		Count(&count).Error
	return count > 0, err
}

// ListExperiments returns all experiments, newest first.
func (s *Store) ListExperiments(ctx context.Context) ([]Experiment, error) {
	var out []Experiment
	err := s.with(ctx).Order("created_at DESC, id DESC").Find(&out).Error
	return out, err
}

// RunningExperiments returns every experiment in running status.
func (s *Store) RunningExperiments(ctx context.Context) ([]Experiment, error) {
	var out []Experiment
	err := s.with(ctx).Where("status = ?", StatusRunning).Order("id ASC").Find(&out).Error
	return out, err
}

// RunningExperimentByControlNode returns the running experiment testing nodeID
// directly, or nil when there is none. The oldest experiment wins when several match.
func (s *Store) RunningExperimentByControlNode(ctx context.Context, nodeID int64) (*Experiment, error) {
	return s.runningBy(ctx, "control_node_id", nodeID)
}

// RunningExperimentByVariantNode returns the running experiment whose variant
// root is nodeID, or nil when there is none.
func (s *Store) RunningExperimentByVariantNode(ctx context.Context, nodeID int64) (*Experiment, error) {
	return s.runningBy(ctx, "variant_node_id", nodeID)
}

func (s *Store) runningBy(ctx context.Context, column string, nodeID int64) (*Experiment, error) {
	var e Experiment
	err := s.with(ctx).
		Where(column+" = ? AND status = ?", nodeID, StatusRunning).
		Order("id ASC").Limit(1).Find(&e).Error
	if err != nil {
		return nil, err
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e, nil
}

// ReplaceGoals swaps the goal set of an experiment in one transaction.
func (s *Store) ReplaceGoals(ctx context.Context, experimentID uint, goals []Goal) error {
	return s.with(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("experiment_id = ?", experimentID).Delete(&Goal{}).Error; err != nil {
			return fmt.Errorf("failed to clear goals: %w", err)
		}
		if len(goals) == 0 {
			return nil
		}
		for i := range goals {
			goals[i].ID = 0
			goals[i].ExperimentID = experimentID
		}
		if err := tx.Create(&goals).Error; err != nil {
			return fmt.Errorf("failed to insert goals: %w", err)
		}
		return nil
	})
}

// EnabledGoals returns the enabled goals of an experiment in sort order.
func (s *Store) EnabledGoals(ctx context.Context, experimentID uint) ([]Goal, error) {
	var out []Goal
	err := s.with(ctx).
		Where("experiment_id = ? AND enabled = ?", experimentID, true).
		Order("sort_order ASC, id ASC").
		Find(&out).Error
	return out, err
}

// DeleteExperiment removes an experiment and every row derived from it.
func (s *Store) DeleteExperiment(ctx context.Context, id uint) error {
	return s.with(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []any{&Goal{}, &Assignment{}, &Conversion{}, &DailyAggregate{}, &CascadeMapping{}} {
			if err := tx.Where("experiment_id = ?", id).Delete(m).Error; err != nil {
				return fmt.Errorf("failed to delete experiment %d dependents: %w", id, err)
			}
		}
		res := tx.Delete(&Experiment{}, id)
		if res.Error != nil {
			return fmt.Errorf("failed to delete experiment %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// ClaimSignificanceNotification atomically stamps SignificanceNotifiedAt when
// the last notification is older than cooldown. It returns false when another
// request already claimed the slot.
func (s *Store) ClaimSignificanceNotification(ctx context.Context, experimentID uint, now time.Time, cooldown time.Duration) (bool, error) {
	now = now.UTC()
	res := s.with(ctx).Model(&Experiment{}).
		Where("id = ? AND (significance_notified_at IS NULL OR significance_notified_at <= ?)", experimentID, now.Add(-cooldown)).
		Update("significance_notified_at", now)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
