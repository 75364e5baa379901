// Package stats implements the significance math used to judge an experiment:
// a 2x2 Pearson chi-squared test, Wald confidence intervals, relative
// improvement, winner selection, required sample size and a projection of the
// time left until significance.
//
// Everything here is a pure function of its inputs. Degenerate inputs
// (too few impressions, empty contingency cells, zero baselines) are
// represented in the returned values, never as errors.
package stats

import (
	"math"
	"time"
)

// MinImpressions is the per-arm impression count below which no test is run.
const MinImpressions = 10

// DefaultSampleSize is returned by RequiredSampleSize when there is no usable baseline.
const DefaultSampleSize = 1000

const (
	zInterval = 1.96 // 95% two-sided
	zAlpha    = 1.96
	zBeta     = 0.84 // 80% power
)

// criticalValue pairs a confidence level with the chi-squared critical value
// for one degree of freedom.
type criticalValue struct {
	confidence float64
	chiSquared float64
}

var criticalValues = []criticalValue{
	{0.50, 0.455},
	{0.75, 1.323},
	{0.80, 1.642},
	{0.85, 2.072},
	{0.90, 2.706},
	{0.95, 3.841},
	{0.975, 5.024},
	{0.99, 6.635},
	{0.995, 7.879},
	{0.999, 10.828},
}

// MaxConfidence is the cap returned for chi-squared values past the table.
const MaxConfidence = 0.999

// Result is the outcome of a significance test.
type Result struct {
	ChiSquared float64 `json:"chiSquared"`
	Confidence float64 `json:"confidence"`
}

// Significance runs a Pearson chi-squared test on the 2x2 table
// {converted, not converted} x {control, variant}. It returns a zero Result
// when either arm has fewer than MinImpressions impressions or when any
// expected cell is zero.
func Significance(controlImpressions, controlConversions, variantImpressions, variantConversions int64) Result {
	if controlImpressions < MinImpressions || variantImpressions < MinImpressions {
		return Result{}
	}

	ci, cc := float64(controlImpressions), float64(controlConversions)
	vi, vc := float64(variantImpressions), float64(variantConversions)

	observed := [2][2]float64{
		{cc, vc},
		{ci - cc, vi - vc},
	}
	rowTotals := [2]float64{cc + vc, (ci - cc) + (vi - vc)}
	colTotals := [2]float64{ci, vi}
	grand := ci + vi

	var chi float64
	for r := 0; r < 2; r++ {
		for c := 0; c < 2; c++ {
			expected := rowTotals[r] * colTotals[c] / grand
			if expected == 0 {
				return Result{}
			}
			d := observed[r][c] - expected
			chi += d * d / expected
		}
	}

	return Result{ChiSquared: chi, Confidence: ChiSquaredToConfidence(chi)}
}

// ChiSquaredToConfidence maps a chi-squared statistic with one degree of
// freedom to a confidence level in [0, MaxConfidence] by linear interpolation
// over the critical value table. Values below the first entry scale
// proportionally from zero; values at or past the last entry return MaxConfidence.
func ChiSquaredToConfidence(chi float64) float64 {
	if chi <= 0 || math.IsNaN(chi) {
		return 0
	}
	for i, cv := range criticalValues {
		if cv.chiSquared <= chi {
			continue
		}
		if i == 0 {
			return cv.confidence * chi / cv.chiSquared
		}
		prev := criticalValues[i-1]
		frac := (chi - prev.chiSquared) / (cv.chiSquared - prev.chiSquared)
		return prev.confidence + frac*(cv.confidence-prev.confidence)
	}
	return MaxConfidence
}

// Interval is a confidence interval on a rate. All fields are fractions in [0, 1].
type Interval struct {
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
	Margin float64 `json:"margin"`
}

// ConfidenceInterval returns the 95% Wald interval around rate for n trials,
// clamped to [0, 1]. n <= 0 yields the zero interval.
func ConfidenceInterval(rate float64, n int64) Interval {
	if n <= 0 {
		return Interval{}
	}
	margin := zInterval * math.Sqrt(rate*(1-rate)/float64(n))
	return Interval{
		Lower:  math.Max(0, rate-margin),
		Upper:  math.Min(1, rate+margin),
		Margin: margin,
	}
}

// Rate is conversions/impressions, or 0 without impressions.
func Rate(impressions, conversions int64) float64 {
	if impressions <= 0 {
		return 0
	}
	return float64(conversions) / float64(impressions)
}

// Improvement returns the relative change of variantRate over controlRate in
// percent. It is nil when controlRate is zero.
func Improvement(controlRate, variantRate float64) *float64 {
	if controlRate == 0 {
		return nil
	}
	v := (variantRate - controlRate) / controlRate * 100
	return &v
}

// Leader names the arm a test declares as the winner.
type Leader int

const (
	NoLeader Leader = iota
	ControlLeads
	VariantLeads
)

// Winner declares the arm with the strictly higher rate once confidence
// reaches threshold. Ties and insufficient confidence yield NoLeader.
func Winner(controlRate, variantRate, confidence, threshold float64) Leader {
	if confidence < threshold {
		return NoLeader
	}
	switch {
	case variantRate > controlRate:
		return VariantLeads
	case controlRate > variantRate:
		return ControlLeads
	}
	return NoLeader
}

// RequiredSampleSize returns the number of impressions needed per arm to
// detect a relative change of mde on a baseline conversion rate (a fraction)
// at 95% confidence with 80% power. Baselines outside (0, 1) and a
// non-positive mde return DefaultSampleSize.
func RequiredSampleSize(baseline, mde float64) int {
	if baseline <= 0 || baseline >= 1 || mde <= 0 {
		return DefaultSampleSize
	}
	delta := baseline * mde
	pooled := 2 * baseline * (1 - baseline)
	z := zAlpha + zBeta
	return int(math.Ceil(z * z * pooled / (delta * delta)))
}

// Estimate projects how long an experiment needs to run.
type Estimate struct {
	Reached            bool    `json:"reached"`
	DaysRemaining      int     `json:"daysRemaining"`
	ImpressionsNeeded  int64   `json:"impressionsNeeded,omitempty"`
	CurrentImpressions int64   `json:"currentImpressions,omitempty"`
	DailyRate          float64 `json:"dailyRate,omitempty"`
}

// TimeToSignificance estimates the days left until both arms reach
// requiredPerArm impressions at the traffic observed since startedAt.
// It returns a zero-day estimate when the test is already significant and nil
// when traffic is below one impression per day.
func TimeToSignificance(significant bool, totalImpressions int64, requiredPerArm int, startedAt, now time.Time) *Estimate {
	if significant {
		return &Estimate{Reached: true}
	}

	days := 1
	if !startedAt.IsZero() {
		if d := int(now.Sub(startedAt).Hours() / 24); d > days {
			days = d
		}
	}

	rate := float64(totalImpressions) / float64(days)
	if rate < 1 {
		return nil
	}

	needed := 2 * int64(requiredPerArm)
	remaining := needed - totalImpressions
	if remaining < 0 {
		remaining = 0
	}

	return &Estimate{
		DaysRemaining:      int(math.Ceil(float64(remaining) / rate)),
		ImpressionsNeeded:  needed,
		CurrentImpressions: totalImpressions,
		DailyRate:          math.Round(rate),
	}
}
