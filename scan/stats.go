package scan

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MatchSummary describes the quality of one correspondence pass.
// Distances are Euclidean (not squared) best-match distances of matched points.
type MatchSummary struct {
	Total      int     `json:"total"`
	Matched    int     `json:"matched"`
	MatchRatio float64 `json:"matchRatio"`
	MeanDist   float64 `json:"meanDist"`
	MedianDist float64 `json:"medianDist"`
	P90Dist    float64 `json:"p90Dist"`
	MaxDist    float64 `json:"maxDist"`
}

// SummarizeCorrespondences computes match statistics for a correspondence pass
func SummarizeCorrespondences(corr []Correspondence) MatchSummary {
	s := MatchSummary{Total: len(corr)}

	dists := make([]float64, 0, len(corr))
	for _, c := range corr {
		if c.Matched() {
			dists = append(dists, math.Sqrt(c.Match.BestDist))
		}
	}
	s.Matched = len(dists)
	if s.Total > 0 {
		s.MatchRatio = float64(s.Matched) / float64(s.Total)
	}
	if len(dists) == 0 {
		return s
	}

	sort.Float64s(dists)
	s.MeanDist = stat.Mean(dists, nil)
	s.MedianDist = stat.Quantile(0.5, stat.Empirical, dists, nil)
	s.P90Dist = stat.Quantile(0.9, stat.Empirical, dists, nil)
	s.MaxDist = floats.Max(dists)
	return s
}
