package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DayFormat is the layout of DailyAggregate.Day. Days are in UTC.
const DayFormat = "2006-01-02"

// Day returns the aggregate bucket for t.
func Day(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// increment adds row's counters to the stored row with the same key, creating
// it when absent. The addition happens inside the database so concurrent
// increments never overwrite each other.
func increment(tx *gorm.DB, row DailyAggregate) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "experiment_id"}, {Name: "day"}, {Name: "arm"}, {Name: "goal_type"}},
		DoUpdates: clause.Assignments(map[string]any{
			"impressions": gorm.Expr("daily_aggregates.impressions + excluded.impressions"),
			"conversions": gorm.Expr("daily_aggregates.conversions + excluded.conversions"),
		}),
	}).Create(&row).Error
}

// IncrementImpression adds one impression to the overall row of (experiment, day, arm).
func (s *Store) IncrementImpression(ctx context.Context, experimentID uint, arm Arm, at time.Time) error {
	err := increment(s.with(ctx), DailyAggregate{
		ExperimentID: experimentID,
		Day:          Day(at),
		Arm:          arm,
		GoalType:     OverallGoal,
		Impressions:  1,
	})
	if err != nil {
		return fmt.Errorf("failed to increment impressions: %w", err)
	}
	return nil
}

// RecordConversion stores c unless its dedup key was already used by the same
// visitor, and in the same transaction adds one conversion to the overall row
// and to the goal-type row of the day. It reports whether c was counted.
func (s *Store) RecordConversion(ctx context.Context, c *Conversion) (bool, error) {
	counted := false
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "experiment_id"}, {Name: "visitor_id"}, {Name: "dedup_key"}},
			DoNothing: true,
		}).Create(c)
		if res.Error != nil {
			return fmt.Errorf("failed to insert conversion: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		day := Day(c.CreatedAt)
		for _, gt := range []GoalType{OverallGoal, c.GoalType} {
			if err := increment(tx, DailyAggregate{
				ExperimentID: c.ExperimentID,
				Day:          day,
				Arm:          c.Arm,
				GoalType:     gt,
				Conversions:  1,
			}); err != nil {
				return fmt.Errorf("failed to increment conversions: %w", err)
			}
		}
		counted = true
		return nil
	})
	return counted, err
}

// ArmTotal is the lifetime overall counter of one arm.
type ArmTotal struct {
	Arm         Arm
	Impressions int64
	Conversions int64
}

// ArmTotals sums the overall rows of an experiment per arm. Both arms are
// always present in the result.
func (s *Store) ArmTotals(ctx context.Context, experimentID uint) (map[Arm]ArmTotal, error) {
	var rows []ArmTotal
	err := s.with(ctx).Model(&DailyAggregate{}).
		Select("arm, SUM(impressions) AS impressions, SUM(conversions) AS conversions").
		Where("experiment_id = ? AND goal_type = ?", experimentID, OverallGoal).
		Group("arm").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[Arm]ArmTotal{
		ArmControl: {Arm: ArmControl},
		ArmVariant: {Arm: ArmVariant},
	}
	for _, r := range rows {
		out[r.Arm] = r
	}
	return out, nil
}

// DailySeries returns the overall rows of an experiment ordered by day then arm.
func (s *Store) DailySeries(ctx context.Context, experimentID uint) ([]DailyAggregate, error) {
	var out []DailyAggregate
	err := s.with(ctx).
		Where("experiment_id = ? AND goal_type = ?", experimentID, OverallGoal).
		Order("day ASC, arm ASC").
		Find(&out).Error
	return out, err
}

// GoalConversions is the lifetime conversion count of one arm for one goal type.
type GoalConversions struct {
	GoalType    GoalType
	Arm         Arm
	Conversions int64
}

// GoalBreakdown sums the goal-type rows of an experiment.
func (s *Store) GoalBreakdown(ctx context.Context, experimentID uint) ([]GoalConversions, error) {
	var out []GoalConversions
	err := s.with(ctx).Model(&DailyAggregate{}).
		Select("goal_type, arm, SUM(conversions) AS conversions").
		Where("experiment_id = ? AND goal_type <> ?", experimentID, OverallGoal).
		Group("goal_type, arm").
		Order("goal_type ASC, arm ASC").
		Scan(&out).Error
	return out, err
}
