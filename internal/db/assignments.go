package db

import (
	"context"

	"gorm.io/gorm/clause"
)

// FindAssignment returns the stored assignment for (experimentID, visitorID),
// or nil when the visitor has not been bucketed yet.
func (s *Store) FindAssignment(ctx context.Context, experimentID uint, visitorID string) (*Assignment, error) {
	var a Assignment
	err := s.with(ctx).
		Where("experiment_id = ? AND visitor_id = ?", experimentID, visitorID).
		Limit(1).Find(&a).Error
	if err != nil {
		return nil, err
	}
	if a.ID == 0 {
		return nil, nil
	}
	return &a, nil
}

// InsertAssignment writes a new assignment unless one already exists for the
// same (experiment, visitor). It reports whether this call created the row;
// false means a concurrent request won and the stored row must be re-read.
func (s *Store) InsertAssignment(ctx context.Context, a *Assignment) (bool, error) {
	res := s.with(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "experiment_id"}, {Name: "visitor_id"}},
		DoNothing: true,
	}).Create(a)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ArmVisitors is the number of distinct bucketed visitors per arm.
type ArmVisitors struct {
	Arm      Arm
	Visitors int64
}

// VisitorCounts counts assignments per arm for an experiment.
func (s *Store) VisitorCounts(ctx context.Context, experimentID uint) (map[Arm]int64, error) {
	var rows []ArmVisitors
	err := s.with(ctx).Model(&Assignment{}).
		Select("arm, COUNT(*) AS visitors").
		Where("experiment_id = ?", experimentID).
		Group("arm").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[Arm]int64{ArmControl: 0, ArmVariant: 0}
	for _, r := range rows {
		out[r.Arm] = r.Visitors
	}
	return out, nil
}
