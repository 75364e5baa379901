// Package results turns an experiment's counters into a report: rates,
// significance, confidence intervals, the declared winner, sample size
// progress and per-day and per-goal breakdowns.
package results

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"splitlab/internal/db"
	"splitlab/internal/stats"
)

// Store is the read side of the aggregates.
type Store interface {
	ArmTotals(ctx context.Context, experimentID uint) (map[db.Arm]db.ArmTotal, error)
	VisitorCounts(ctx context.Context, experimentID uint) (map[db.Arm]int64, error)
	DailySeries(ctx context.Context, experimentID uint) ([]db.DailyAggregate, error)
	GoalBreakdown(ctx context.Context, experimentID uint) ([]db.GoalConversions, error)
}

// Settings are the analysis knobs.
type Settings struct {
	SignificanceThreshold float64
	MinDetectableEffect   float64
}

// ArmStats summarizes one arm. Rates and interval bounds are percentages.
type ArmStats struct {
	Impressions        int64          `json:"impressions"`
	Conversions        int64          `json:"conversions"`
	Visitors           int64          `json:"visitors"`
	Rate               float64        `json:"conversionRate"`
	Interval           stats.Interval `json:"confidenceInterval"`
	SessionsPerVisitor float64        `json:"sessionsPerVisitor"`
}

// DayStats is one arm's overall counters for one day.
type DayStats struct {
	Day         string  `json:"date"`
	Arm         db.Arm  `json:"variant"`
	Impressions int64   `json:"impressions"`
	Conversions int64   `json:"conversions"`
	Rate        float64 `json:"rate"`
}

// GoalStats is the per-arm conversion count and rate of one goal type.
type GoalStats struct {
	GoalType           db.GoalType `json:"goalType"`
	ControlConversions int64       `json:"controlConversions"`
	VariantConversions int64       `json:"variantConversions"`
	ControlRate        float64     `json:"controlRate"`
	VariantRate        float64     `json:"variantRate"`
}

// Report is the full analysis of an experiment.
type Report struct {
	ExperimentID     uint        `json:"experimentId"`
	Handle           string      `json:"handle"`
	Status           db.Status   `json:"status"`
	Control          ArmStats    `json:"control"`
	Variant          ArmStats    `json:"variant"`
	ChiSquared       float64     `json:"chiSquared"`
	Confidence       float64     `json:"confidence"`
	Significant      bool        `json:"isSignificant"`
	Improvement      *float64    `json:"improvement"`
	Winner           db.Arm      `json:"winner,omitempty"`
	SampleSizeNeeded int         `json:"sampleSizeNeeded"`
	TotalVisitors    int64       `json:"totalVisitors"`
	ProgressPercent  float64     `json:"progressPercent"`
	Daily            []DayStats  `json:"dailyStats"`
	Goals            []GoalStats `json:"goalStats"`
}

// TotalImpressions sums both arms.
func (r *Report) TotalImpressions() int64 {
	return r.Control.Impressions + r.Variant.Impressions
}

// Service builds reports. Reports of completed experiments never change and
// are cached until Invalidate.
type Service struct {
	store    Store
	settings Settings
	now      func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[uint]*Report
}

// New returns a Service.
func New(store Store, settings Settings) *Service {
	return &Service{
		store:    store,
		settings: settings,
		now:      time.Now,
		cache:    make(map[uint]*Report),
	}
}

// SetClock overrides time.Now for estimates.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Report returns the analysis of exp.
func (s *Service) Report(ctx context.Context, exp *db.Experiment) (*Report, error) {
	if !exp.IsCompleted() {
		return s.build(ctx, exp)
	}

	s.mu.RLock()
	cached, ok := s.cache[exp.ID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := s.group.Do(strconv.FormatUint(uint64(exp.ID), 10), func() (any, error) {
		s.mu.RLock()
		cached, ok := s.cache[exp.ID]
		s.mu.RUnlock()
		if ok {
			return cached, nil
		}
		rep, err := s.build(ctx, exp)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[exp.ID] = rep
		s.mu.Unlock()
		return rep, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

// Invalidate drops the cached report of an experiment.
func (s *Service) Invalidate(experimentID uint) {
	s.mu.Lock()
	delete(s.cache, experimentID)
	s.mu.Unlock()
}

func (s *Service) build(ctx context.Context, exp *db.Experiment) (*Report, error) {
	totals, err := s.store.ArmTotals(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	visitors, err := s.store.VisitorCounts(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	daily, err := s.store.DailySeries(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	goals, err := s.store.GoalBreakdown(ctx, exp.ID)
	if err != nil {
		return nil, err
	}

	c, v := totals[db.ArmControl], totals[db.ArmVariant]
	controlRate := stats.Rate(c.Impressions, c.Conversions)
	variantRate := stats.Rate(v.Impressions, v.Conversions)

	sig := stats.Significance(c.Impressions, c.Conversions, v.Impressions, v.Conversions)
	significant := sig.Confidence >= s.settings.SignificanceThreshold

	rep := &Report{
		ExperimentID:  exp.ID,
		Handle:        exp.Handle,
		Status:        exp.Status,
		Control:       armStats(c, visitors[db.ArmControl]),
		Variant:       armStats(v, visitors[db.ArmVariant]),
		ChiSquared:    round(sig.ChiSquared, 4),
		Confidence:    round(sig.Confidence, 4),
		Significant:   significant,
		Improvement:   stats.Improvement(controlRate, variantRate),
		TotalVisitors: visitors[db.ArmControl] + visitors[db.ArmVariant],
	}
	if rep.Improvement != nil {
		imp := round(*rep.Improvement, 2)
		rep.Improvement = &imp
	}

	switch stats.Winner(controlRate, variantRate, sig.Confidence, s.settings.SignificanceThreshold) {
	case stats.ControlLeads:
		rep.Winner = db.ArmControl
	case stats.VariantLeads:
		rep.Winner = db.ArmVariant
	}

	rep.SampleSizeNeeded = stats.RequiredSampleSize(controlRate, s.settings.MinDetectableEffect)
	if rep.SampleSizeNeeded > 0 {
		progress := float64(rep.TotalVisitors) / float64(2*rep.SampleSizeNeeded) * 100
		rep.ProgressPercent = math.Min(100, math.Round(progress))
	}

	rep.Daily = make([]DayStats, 0, len(daily))
	for _, d := range daily {
		rep.Daily = append(rep.Daily, DayStats{
			Day:         d.Day,
			Arm:         d.Arm,
			Impressions: d.Impressions,
			Conversions: d.Conversions,
			Rate:        percent(stats.Rate(d.Impressions, d.Conversions)),
		})
	}

	index := make(map[db.GoalType]int)
	rep.Goals = []GoalStats{}
	for _, g := range goals {
		i, ok := index[g.GoalType]
		if !ok {
			i = len(rep.Goals)
			index[g.GoalType] = i
			rep.Goals = append(rep.Goals, GoalStats{GoalType: g.GoalType})
		}
		gs := &rep.Goals[i]
		switch g.Arm {
		case db.ArmControl:
			gs.ControlConversions = g.Conversions
		case db.ArmVariant:
			gs.VariantConversions = g.Conversions
		}
	}
	for i := range rep.Goals {
		g := &rep.Goals[i]
		g.ControlRate = percent(stats.Rate(c.Impressions, g.ControlConversions))
		g.VariantRate = percent(stats.Rate(v.Impressions, g.VariantConversions))
	}

	return rep, nil
}

// armStats fills one arm. The confidence interval uses impressions as trials,
// the same denominator as the rate.
func armStats(t db.ArmTotal, visitors int64) ArmStats {
	rate := stats.Rate(t.Impressions, t.Conversions)
	ci := stats.ConfidenceInterval(rate, t.Impressions)
	out := ArmStats{
		Impressions: t.Impressions,
		Conversions: t.Conversions,
		Visitors:    visitors,
		Rate:        percent(rate),
		Interval: stats.Interval{
			Lower:  round(ci.Lower*100, 1),
			Upper:  round(ci.Upper*100, 1),
			Margin: round(ci.Margin*100, 1),
		},
	}
	if visitors > 0 {
		out.SessionsPerVisitor = round(float64(t.Impressions)/float64(visitors), 1)
	}
	return out
}

// Estimate projects the days left until exp reaches significance. It is nil
// when there are fewer than stats.MinImpressions impressions in total or when
// traffic is below one impression per day.
func (s *Service) Estimate(ctx context.Context, exp *db.Experiment) (*stats.Estimate, error) {
	rep, err := s.Report(ctx, exp)
	if err != nil {
		return nil, err
	}
	if rep.Significant {
		return stats.TimeToSignificance(true, 0, 0, time.Time{}, time.Time{}), nil
	}
	total := rep.TotalImpressions()
	if total < stats.MinImpressions {
		return nil, nil
	}
	var started time.Time
	if exp.StartedAt != nil {
		started = *exp.StartedAt
	}
	return stats.TimeToSignificance(false, total, rep.SampleSizeNeeded, started, s.now()), nil
}

func percent(fraction float64) float64 {
	return round(fraction*100, 2)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
