package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// ReplaceCascadeMappings swaps the complete mapping set of an experiment in one
// transaction. Each row is written under its own savepoint; a row that fails is
// logged and skipped without aborting the rebuild. It returns the number of rows
// written.
func (s *Store) ReplaceCascadeMappings(ctx context.Context, experimentID uint, rows []CascadeMapping) (int, error) {
	written := 0
	err := s.with(ctx).Transaction(func(tx *gorm.DB) error {
		written = 0
		if err := tx.Where("experiment_id = ?", experimentID).Delete(&CascadeMapping{}).Error; err != nil {
			return fmt.Errorf("failed to clear cascade mappings: %w", err)
		}
		for i := range rows {
			row := rows[i]
			row.ID = 0
			row.ExperimentID = experimentID
			err := tx.Transaction(func(sp *gorm.DB) error {
				return sp.Create(&row).Error
			})
			if err != nil {
				s.Log.WithFields(map[string]any{
					"experiment": experimentID,
					"node":       row.DescendantNodeID,
				}).WithError(err).Warn("skipping cascade mapping")
				continue
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// CascadeMappings returns the mapping set of an experiment ordered by descendant.
func (s *Store) CascadeMappings(ctx context.Context, experimentID uint) ([]CascadeMapping, error) {
	var out []CascadeMapping
	err := s.with(ctx).
		Where("experiment_id = ?", experimentID).
		Order("descendant_node_id ASC").
		Find(&out).Error
	return out, err
}

// NearestRunningMapping returns the mapping of nodeID with the smallest depth
// among running experiments, or nil when the node is not cascaded. Ties on
// depth go to the oldest experiment.
func (s *Store) NearestRunningMapping(ctx context.Context, nodeID int64) (*CascadeMapping, error) {
	var m CascadeMapping
	err := s.with(ctx).
		Joins("JOIN experiments ON experiments.id = cascade_mappings.experiment_id").
		Where("cascade_mappings.descendant_node_id = ? AND experiments.status = ?", nodeID, StatusRunning).
		Order("cascade_mappings.depth ASC, cascade_mappings.experiment_id ASC").
		Limit(1).
		Find(&m).Error
	if err != nil {
		return nil, err
	}
	if m.ID == 0 {
		return nil, nil
	}
	return &m, nil
}

// MappedExperimentIDs lists the experiments that currently map nodeID as a descendant.
func (s *Store) MappedExperimentIDs(ctx context.Context, nodeID int64) ([]uint, error) {
	var ids []uint
	err := s.with(ctx).Model(&CascadeMapping{}).
		Where("descendant_node_id = ?", nodeID).
		Distinct().
		Pluck("experiment_id", &ids).Error
	return ids, err
}

// DeleteMappingsForNode removes every mapping referencing nodeID as descendant,
// control or variant analogue.
func (s *Store) DeleteMappingsForNode(ctx context.Context, nodeID int64) (int64, error) {
	res := s.with(ctx).
		Where("descendant_node_id = ? OR control_node_id = ? OR variant_node_id = ?", nodeID, nodeID, nodeID).
		Delete(&CascadeMapping{})
	return res.RowsAffected, res.Error
}
