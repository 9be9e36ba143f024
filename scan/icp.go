package scan

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DefaultICPConfig returns sensible defaults for registering consecutive
// scans in meters.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		MaxIterations:     40,
		ConvergenceThresh: 1e-6,
		MaxCorrespondDist: 0.5, // 50cm between consecutive scans
		KeepFraction:      0.9, // Trim the worst 10% of pairs
	}
}

// ICPResult contains the result of registering a scan against a reference
type ICPResult struct {
	Transform  AffineMatrix // Maps current-scan points into the reference frame
	Error      float64      // Mean point-to-line distance of the kept pairs
	MatchRatio float64      // Fraction of current points with a usable match
	Iterations int
	Converged  bool
	Summary    MatchSummary // Correspondence statistics at the final transform
}

// clampKeepFraction keeps the trim fraction inside (0, 1]
func clampKeepFraction(f float64) float64 {
	if f <= 0 || f > 1 || math.IsNaN(f) {
		return 1
	}
	return f
}

// pairSet holds the usable pairs of one correspondence pass
type pairSet struct {
	source  []Point   // untransformed current-scan points
	target  []Point   // projection onto the reference line through best and second best
	dists   []float64 // point-to-line distance
	matched int
}

// projectOntoLine projects p onto the line through a and b.
// Degenerate lines fall back to a.
func projectOntoLine(p, a, b Point) Point {
	ax, ay := a.X(), a.Y()
	dx, dy := b.X()-ax, b.Y()-ay
	lenSq := dx*dx + dy*dy
	if lenSq < 1e-12 {
		return a
	}
	u := ((p.X()-ax)*dx + (p.Y()-ay)*dy) / lenSq
	return NewCartesianPoint(ax+u*dx, ay+u*dy)
}

// collectPairs turns correspondences into point-to-line pairs, dropping
// unmatched points and those beyond maxDist
func collectPairs(corr []Correspondence, maxDist float64) pairSet {
	var ps pairSet
	for _, c := range corr {
		if !c.Matched() || c.Point == nil {
			continue
		}
		if maxDist > 0 && c.Match.BestDist > maxDist*maxDist {
			continue
		}
		ps.matched++
		target := projectOntoLine(*c.Trans, *c.Match.Best, *c.Match.SecondBest)
		ps.source = append(ps.source, *c.Point)
		ps.target = append(ps.target, target)
		ps.dists = append(ps.dists, math.Sqrt(c.Trans.DistanceSquared(target)))
	}
	return ps
}

// trim keeps the keepFraction closest pairs, using the distance quantile as cutoff
func (ps pairSet) trim(keepFraction float64) pairSet {
	if keepFraction >= 1 || len(ps.dists) == 0 {
		return ps
	}

	sorted := make([]float64, len(ps.dists))
	copy(sorted, ps.dists)
	sort.Float64s(sorted)
	threshold := stat.Quantile(keepFraction, stat.Empirical, sorted, nil)

	out := pairSet{matched: ps.matched}
	for i, d := range ps.dists {
		if d <= threshold {
			out.source = append(out.source, ps.source[i])
			out.target = append(out.target, ps.target[i])
			out.dists = append(out.dists, d)
		}
	}
	return out
}

// Register aligns cur to ref starting from initial, alternating jump-table
// correspondence search with a weighted rigid fit.
// table must have been built from ref.
func Register(ref, cur []Point, table JumpTable, initial AffineMatrix, config ICPConfig, matcher *Matcher) ICPResult {
	if matcher == nil {
		matcher = NewMatcher(DefaultMatcherConfig())
	}
	if !table.Valid(ref) {
		table = ComputeJumpTable(ref)
	}
	keep := clampKeepFraction(config.KeepFraction)

	result := ICPResult{
		Transform: initial,
		Error:     math.MaxFloat64,
	}

	current := initial
	prevError := math.MaxFloat64

	for iter := 0; iter < config.MaxIterations; iter++ {
		trans := TransformPoints(cur, current)
		corr := matcher.FindCorrespondences(ref, trans, cur, table)
		pairs := collectPairs(corr, config.MaxCorrespondDist)
		if len(pairs.source) < 3 {
			break
		}
		pairs = pairs.trim(keep)
		if len(pairs.source) < 3 {
			break
		}

		meanError := stat.Mean(pairs.dists, nil)

		// Severe divergence: keep the previous estimate
		if prevError != math.MaxFloat64 && meanError > prevError*1.5 {
			break
		}

		result.Transform = current
		result.Error = meanError
		result.MatchRatio = float64(pairs.matched) / float64(len(cur))
		result.Iterations = iter + 1
		result.Summary = SummarizeCorrespondences(corr)

		improvement := prevError - meanError
		if improvement >= 0 && improvement < config.ConvergenceThresh {
			result.Converged = true
			break
		}
		if meanError < config.ConvergenceThresh {
			result.Converged = true
			break
		}
		prevError = meanError

		sigmaSq := config.MaxCorrespondDist * config.MaxCorrespondDist
		weights := make([]float64, len(pairs.dists))
		for i, d := range pairs.dists {
			if sigmaSq > 0 {
				weights[i] = 1.0 / (1.0 + d*d/sigmaSq)
			} else {
				weights[i] = 1.0
			}
		}
		current = CalculateWeightedRigidTransform(pairs.source, pairs.target, weights)
	}

	return result
}
