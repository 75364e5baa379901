package results_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"splitlab/internal/db"
	"splitlab/internal/db/dbtest"
	"splitlab/internal/results"
)

var settings = results.Settings{SignificanceThreshold: 0.95, MinDetectableEffect: 0.10}

func seed(t *testing.T, s *db.Store, status db.Status) *db.Experiment {
	t.Helper()
	ctx := context.Background()
	started := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	exp := &db.Experiment{
		Name:          "Hero",
		Handle:        "hero",
		Status:        status,
		ControlNodeID: 1,
		VariantNodeID: 2,
		TrafficSplit:  50,
		StartedAt:     &started,
	}
	require.NoError(t, s.CreateExperiment(ctx, exp))

	rows := []db.DailyAggregate{
		{ExperimentID: exp.ID, Day: "2026-04-01", Arm: db.ArmControl, Impressions: 600, Conversions: 30},
		{ExperimentID: exp.ID, Day: "2026-04-02", Arm: db.ArmControl, Impressions: 400, Conversions: 20},
		{ExperimentID: exp.ID, Day: "2026-04-01", Arm: db.ArmVariant, Impressions: 1000, Conversions: 100},
		{ExperimentID: exp.ID, Day: "2026-04-01", Arm: db.ArmControl, GoalType: db.GoalForm, Conversions: 50},
		{ExperimentID: exp.ID, Day: "2026-04-01", Arm: db.ArmVariant, GoalType: db.GoalForm, Conversions: 80},
		{ExperimentID: exp.ID, Day: "2026-04-01", Arm: db.ArmVariant, GoalType: db.GoalPhone, Conversions: 20},
	}
	require.NoError(t, s.DB.Create(&rows).Error)

	for i := 0; i < 4; i++ {
		for _, arm := range []db.Arm{db.ArmControl, db.ArmVariant} {
			_, err := s.InsertAssignment(ctx, &db.Assignment{ExperimentID: exp.ID, VisitorID: fmt.Sprintf("%s-%d", arm, i), Arm: arm})
			require.NoError(t, err)
		}
	}
	return exp
}

func TestReport(t *testing.T) {
	ctx := context.Background()
	s := dbtest.Open(t)
	exp := seed(t, s, db.StatusRunning)
	svc := results.New(s, settings)

	rep, err := svc.Report(ctx, exp)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), rep.Control.Impressions)
	assert.Equal(t, int64(50), rep.Control.Conversions)
	assert.Equal(t, 5.0, rep.Control.Rate)
	assert.Equal(t, 10.0, rep.Variant.Rate)
	assert.Equal(t, int64(4), rep.Control.Visitors)
	assert.Equal(t, 250.0, rep.Control.SessionsPerVisitor)
	assert.Less(t, rep.Control.Interval.Lower, 5.0)
	assert.Greater(t, rep.Control.Interval.Upper, 5.0)

	assert.True(t, rep.Significant)
	assert.Greater(t, rep.Confidence, 0.95)
	require.NotNil(t, rep.Improvement)
	assert.Equal(t, 100.0, *rep.Improvement)
	assert.Equal(t, db.ArmVariant, rep.Winner)

	assert.InDelta(t, 29792, rep.SampleSizeNeeded, 1)
	assert.Equal(t, int64(8), rep.TotalVisitors)
	assert.Equal(t, 0.0, rep.ProgressPercent)

	require.Len(t, rep.Daily, 3)
	assert.Equal(t, results.DayStats{Day: "2026-04-01", Arm: db.ArmControl, Impressions: 600, Conversions: 30, Rate: 5}, rep.Daily[0])

	assert.Equal(t, []results.GoalStats{
		{GoalType: db.GoalForm, ControlConversions: 50, VariantConversions: 80, ControlRate: 5, VariantRate: 8},
		{GoalType: db.GoalPhone, VariantConversions: 20, VariantRate: 2},
	}, rep.Goals)
}

func TestReport_EmptyExperiment(t *testing.T) {
	ctx := context.Background()
	s := dbtest.Open(t)
	exp := &db.Experiment{Name: "Empty", Handle: "empty", Status: db.StatusDraft, ControlNodeID: 1, VariantNodeID: 2}
	require.NoError(t, s.CreateExperiment(ctx, exp))

	rep, err := results.New(s, settings).Report(ctx, exp)
	require.NoError(t, err)
	assert.False(t, rep.Significant)
	assert.Nil(t, rep.Improvement)
	assert.Empty(t, rep.Winner)
	assert.Equal(t, 1000, rep.SampleSizeNeeded)
	assert.Empty(t, rep.Daily)
	assert.Empty(t, rep.Goals)

	est, err := results.New(s, settings).Estimate(ctx, exp)
	require.NoError(t, err)
	assert.Nil(t, est)
}

func TestReport_CompletedIsCached(t *testing.T) {
	ctx := context.Background()
	s := dbtest.Open(t)
	exp := seed(t, s, db.StatusCompleted)
	svc := results.New(s, settings)

	var wg sync.WaitGroup
	reports := make([]*results.Report, 8)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep, err := svc.Report(ctx, exp)
			assert.NoError(t, err)
			reports[i] = rep
		}(i)
	}
	wg.Wait()
	for _, rep := range reports[1:] {
		assert.Same(t, reports[0], rep)
	}

	require.NoError(t, s.IncrementImpression(ctx, exp.ID, db.ArmControl, time.Now()))
	rep, err := svc.Report(ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), rep.Control.Impressions)

	svc.Invalidate(exp.ID)
	rep, err = svc.Report(ctx, exp)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), rep.Control.Impressions)
}

func TestEstimate(t *testing.T) {
	ctx := context.Background()
	s := dbtest.Open(t)
	svc := results.New(s, settings)
	svc.SetClock(func() time.Time { return time.Date(2026, 4, 11, 0, 0, 0, 0, time.UTC) })

	exp := seed(t, s, db.StatusRunning)
	est, err := svc.Estimate(ctx, exp)
	require.NoError(t, err)
	require.NotNil(t, est)
	assert.True(t, est.Reached)

	flat := &db.Experiment{Name: "Flat", Handle: "flat", Status: db.StatusRunning, ControlNodeID: 3, VariantNodeID: 4, StartedAt: exp.StartedAt}
	require.NoError(t, s.CreateExperiment(ctx, flat))
	require.NoError(t, s.DB.Create(&[]db.DailyAggregate{
		{ExperimentID: flat.ID, Day: "2026-04-01", Arm: db.ArmControl, Impressions: 500, Conversions: 25},
		{ExperimentID: flat.ID, Day: "2026-04-01", Arm: db.ArmVariant, Impressions: 500, Conversions: 26},
	}).Error)

	est, err = svc.Estimate(ctx, flat)
	require.NoError(t, err)
	require.NotNil(t, est)
	assert.False(t, est.Reached)
	assert.Equal(t, 100.0, est.DailyRate)
	assert.Equal(t, int64(1000), est.CurrentImpressions)
	assert.Equal(t, int(est.ImpressionsNeeded-1000+99)/100, est.DaysRemaining)
}

type notifier struct {
	mu    sync.Mutex
	calls int
}

func (n *notifier) NotifySignificance(context.Context, *db.Experiment, *results.Report) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return nil
}

func TestWatcher(t *testing.T) {
	ctx := context.Background()
	s := dbtest.Open(t)
	exp := seed(t, s, db.StatusRunning)
	n := &notifier{}
	w := results.NewWatcher(results.New(s, settings), s, n, nil)

	w.CheckSignificance(ctx, exp)
	w.CheckSignificance(ctx, exp)
	assert.Equal(t, 1, n.calls, "cooldown suppresses the second notification")

	stored, err := s.ExperimentByID(ctx, exp.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SignificanceNotifiedAt)
	w.CheckSignificance(ctx, stored)
	assert.Equal(t, 1, n.calls)
}
