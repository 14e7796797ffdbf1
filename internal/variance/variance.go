// Package variance measures how much committee scores disagree.
package variance

import "math"

// DefaultThreshold is the standard deviation above which a decision is
// flagged as noisy.
const DefaultThreshold = 1.5

// meanEpsilon guards the coefficient of variation against a zero mean.
const meanEpsilon = 1e-9

// Result summarises the spread of a set of scores. All floats are rounded
// to four decimal places.
type Result struct {
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"stdDev"`
	CV          float64 `json:"cv"`
	IsHighNoise bool    `json:"isHighNoise"`
	ScoreCount  int     `json:"scoreCount"`
}

// Calculate is CalculateWithThreshold using DefaultThreshold.
func Calculate(scores []float64) Result {
	return CalculateWithThreshold(scores, DefaultThreshold)
}

// CalculateWithThreshold computes the mean, sample standard deviation (n-1
// denominator) and coefficient of variation of scores. A single score has
// zero deviation. cv is zero when the mean is within 1e-9 of zero so the
// result is always finite. The noise flag uses the unrounded deviation.
func CalculateWithThreshold(scores []float64, threshold float64) Result {
	n := len(scores)
	if n == 0 {
		return Result{}
	}

	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(n)

	var stdDev float64
	if n > 1 {
		var sq float64
		for _, s := range scores {
			d := s - mean
			sq += d * d
		}
		stdDev = math.Sqrt(sq / float64(n-1))
	}

	var cv float64
	if math.Abs(mean) >= meanEpsilon {
		cv = stdDev / mean
	}

	return Result{
		Mean:        round4(mean),
		StdDev:      round4(stdDev),
		CV:          round4(cv),
		IsHighNoise: stdDev > threshold,
		ScoreCount:  n,
	}
}

// FromInts widens integer judgment scores.
func FromInts(scores []int) []float64 {
	out := make([]float64, len(scores))
	for i, s := range scores {
		out[i] = float64(s)
	}
	return out
}

func round4(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	r := math.Round(v*1e4) / 1e4
	if r == 0 {
		// normalise -0
		return 0
	}
	return r
}
