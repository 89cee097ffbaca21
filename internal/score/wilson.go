// Package score computes the published rank score for question clusters.
//
// The score is the Wilson lower confidence bound for a Bernoulli
// proportion: a cluster at 9 up / 1 down (90%) ranks below one at
// 900 up / 100 down at the same ratio, because confidence grows with
// sample size. Raw ratios and raw counts both fail that test.
package score

import "math"

// DefaultZ is the z-value for a 95% confidence level.
const DefaultZ = 1.96

// Engine computes Wilson lower-bound scores at a fixed confidence level.
type Engine struct {
	z float64
}

// New creates a score engine with the given z-value. Non-positive z falls
// back to DefaultZ.
func New(z float64) *Engine {
	if z <= 0 {
		z = DefaultZ
	}

	return &Engine{z: z}
}

// Score returns the Wilson lower bound for the tally. The result is always
// in [0, 1): zero votes score 0 and sort last, downvote-only tallies score 0
// and never go negative.
func (e *Engine) Score(upvotes, downvotes int) float64 {
	return Wilson(upvotes, downvotes, e.z)
}

// Wilson computes the lower bound of the Wilson score interval for the
// observed up/down tally at confidence z.
func Wilson(upvotes, downvotes int, z float64) float64 {
	if upvotes < 0 {
		upvotes = 0
	}

	if downvotes < 0 {
		downvotes = 0
	}

	n := float64(upvotes + downvotes)
	if n == 0 {
		return 0
	}

	phat := float64(upvotes) / n
	z2 := z * z

	lower := (phat + z2/(2*n) - z*math.Sqrt((phat*(1-phat)+z2/(4*n))/n)) / (1 + z2/n)
	if lower < 0 {
		return 0
	}

	return lower
}
