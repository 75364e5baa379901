package db

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the lifecycle state of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Arm is one of the two experiences a visitor can receive.
type Arm string

const (
	ArmControl Arm = "control"
	ArmVariant Arm = "variant"
)

// ParseArm accepts exactly "control" or "variant".
func ParseArm(s string) (Arm, bool) {
	switch Arm(s) {
	case ArmControl, ArmVariant:
		return Arm(s), true
	}
	return "", false
}

// GoalType is the kind of conversion a goal counts.
type GoalType string

const (
	GoalForm     GoalType = "form"
	GoalPhone    GoalType = "phone"
	GoalEmail    GoalType = "email"
	GoalDownload GoalType = "download"
	GoalPage     GoalType = "page"
	GoalCustom   GoalType = "custom"
)

// GoalTypes lists every accepted goal type.
var GoalTypes = []GoalType{GoalForm, GoalPhone, GoalEmail, GoalDownload, GoalPage, GoalCustom}

// Valid reports whether g is one of GoalTypes.
func (g GoalType) Valid() bool {
	for _, t := range GoalTypes {
		if g == t {
			return true
		}
	}
	return false
}

// Experiment is one two-arm split test between a control node and a variant node.
type Experiment struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Name       string `gorm:"size:255;not null" json:"name"`
	Handle     string `gorm:"uniqueIndex;size:255;not null" json:"handle"`
	Hypothesis string `gorm:"type:text" json:"hypothesis"`

	Status Status `gorm:"size:16;index;not null" json:"status"`

	ControlNodeID int64 `gorm:"index;not null" json:"controlNodeId"`
	VariantNodeID int64 `gorm:"index;not null" json:"variantNodeId"`

	// TrafficSplit is the percentage (0-100) of visitors routed to the variant.
	TrafficSplit int `gorm:"not null" json:"trafficSplit"`

	StartedAt *time.Time `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt"`

	// Winner is empty until the experiment is completed with a declared winner.
	Winner Arm `gorm:"size:16" json:"winner,omitempty"`

	SignificanceNotifiedAt *time.Time `json:"significanceNotifiedAt,omitempty"`

	Goals []Goal `gorm:"foreignKey:ExperimentID" json:"goals,omitempty"`
}

func (e *Experiment) IsRunning() bool   { return e.Status == StatusRunning }
func (e *Experiment) IsCompleted() bool { return e.Status == StatusCompleted }

// CanStart reports whether the status allows moving to running.
func (e *Experiment) CanStart() bool {
	return e.Status == StatusDraft || e.Status == StatusPaused
}

// Goal is a conversion criterion owned by an experiment.
type Goal struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	ExperimentID uint     `gorm:"index;not null" json:"experimentId"`
	Type         GoalType `gorm:"size:16;not null" json:"type"`

	// Config holds the type-specific settings (form selector, page match, extensions...).
	Config datatypes.JSONMap `gorm:"type:json" json:"config,omitempty"`

	Enabled   bool `gorm:"not null" json:"enabled"`
	SortOrder int  `gorm:"not null" json:"sortOrder"`
}

// Assignment is the sticky arm decision for one (experiment, visitor) pair.
// Rows are written once and never updated.
type Assignment struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	ExperimentID uint   `gorm:"uniqueIndex:idx_assignment_unique,priority:1;not null"`
	VisitorID    string `gorm:"uniqueIndex:idx_assignment_unique,priority:2;size:64;not null"`
	Arm          Arm    `gorm:"size:16;not null"`
}

// Conversion is one counted conversion. DedupKey encodes the counting mode:
// "any" for first-only, the goal type for per-goal-type, a fresh uuid for unlimited.
type Conversion struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	ExperimentID uint   `gorm:"uniqueIndex:idx_conversion_dedup,priority:1;not null"`
	VisitorID    string `gorm:"uniqueIndex:idx_conversion_dedup,priority:2;size:64;not null"`
	DedupKey     string `gorm:"uniqueIndex:idx_conversion_dedup,priority:3;size:64;not null"`

	Arm      Arm      `gorm:"size:16;not null"`
	GoalType GoalType `gorm:"size:16;not null"`
	GoalID   *uint
}

// OverallGoal is the GoalType value of the any-goal aggregate row.
const OverallGoal GoalType = ""

// DailyAggregate holds per-day counters for one arm of an experiment.
// GoalType is OverallGoal for the overall row and a goal type for per-goal breakdowns.
// Counters only ever grow through atomic increments.
type DailyAggregate struct {
	ID uint `gorm:"primaryKey"`

	ExperimentID uint     `gorm:"uniqueIndex:idx_daily_aggregate_unique,priority:1;not null"`
	Day          string   `gorm:"uniqueIndex:idx_daily_aggregate_unique,priority:2;size:10;not null"` // YYYY-MM-DD, UTC
	Arm          Arm      `gorm:"uniqueIndex:idx_daily_aggregate_unique,priority:3;size:16;not null"`
	GoalType     GoalType `gorm:"uniqueIndex:idx_daily_aggregate_unique,priority:4;size:16;not null"`

	Impressions int64 `gorm:"not null"`
	Conversions int64 `gorm:"not null"`
}

// CascadeMapping is a derived row linking a descendant of an experiment's control
// node to its analogue under the variant node. The full set for an experiment is
// replaced on every rebuild.
type CascadeMapping struct {
	ID uint `gorm:"primaryKey"`

	ExperimentID     uint  `gorm:"uniqueIndex:idx_cascade_mapping_unique,priority:1;not null"`
	DescendantNodeID int64 `gorm:"uniqueIndex:idx_cascade_mapping_unique,priority:2;index;not null"`

	ControlNodeID int64 `gorm:"index;not null"`
	VariantNodeID int64 `gorm:"index;not null"`

	// Depth is the level distance to the control node, never below 1.
	Depth int `gorm:"not null"`
}

// RateLimitWindow is the shared sliding-window counter for one client key.
// WindowStart is in Unix milliseconds so both drivers compare it numerically.
type RateLimitWindow struct {
	ID uint `gorm:"primaryKey"`

	ClientKey    string `gorm:"uniqueIndex;size:128;not null"`
	RequestCount int    `gorm:"not null"`
	WindowStart  int64  `gorm:"index;not null"`
}
