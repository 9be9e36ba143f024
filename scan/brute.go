package scan

// BruteForceMatch compares p against every point of old and returns the exact
// best and second-best match. It is the baseline the jump-table search is
// measured against.
func BruteForceMatch(old []Point, p Point) (Match, bool) {
	best, second := -1, -1
	bestDist, secondDist := maxSearchDist, maxSearchDist

	for i := range old {
		d := p.DistanceSquared(old[i])
		if d < bestDist {
			second, secondDist = best, bestDist
			best, bestDist = i, d
		} else if d < secondDist {
			second, secondDist = i, d
		}
	}

	if best < 0 || second < 0 {
		return Match{}, false
	}
	return Match{
		Best:            &old[best],
		SecondBest:      &old[second],
		BestIndex:       best,
		SecondBestIndex: second,
		BestDist:        bestDist,
		SecondBestDist:  secondDist,
	}, true
}

// BruteForceCorrespondences is the exhaustive counterpart of FindCorrespondences
func BruteForceCorrespondences(old, trans, points []Point) []Correspondence {
	count := min(len(old), len(trans))
	result := make([]Correspondence, count)
	for i := 0; i < count; i++ {
		c := Correspondence{Trans: &trans[i]}
		if i < len(points) {
			c.Point = &points[i]
		}
		if match, ok := BruteForceMatch(old, trans[i]); ok {
			c.Match = &match
		}
		result[i] = c
	}
	return result
}
