package scan

import "math"

// maxSearchDist seeds both cursor distances and the best/second-best
// distances before anything has been visited. It is infinite so that no
// finite pair is rejected whatever unit the scans use.
var maxSearchDist = math.Inf(1)

// DefaultToleranceFactor scales the early-termination bound. At 1.0 the bound
// is the plain geometric lower bound; larger values prune more aggressively.
const DefaultToleranceFactor = 1.0

// SearchHint carries the previous point's best reference index into the next
// search. The zero value carries no hint.
type SearchHint struct {
	index int
	valid bool
}

// HintAt returns a hint pointing at reference index i
func HintAt(i int) SearchHint {
	return SearchHint{index: i, valid: true}
}

// Index returns the hinted index and whether the hint is set
func (h SearchHint) Index() (int, bool) {
	return h.index, h.valid
}

// Matcher finds best and second-best correspondences in a reference scan
type Matcher struct {
	ToleranceFactor float64
	HintPolicy      HintPolicy
}

// DefaultMatcherConfig returns the canonical matcher settings
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		ToleranceFactor: DefaultToleranceFactor,
		HintPolicy:      HintResetOnMiss,
	}
}

// NewMatcher creates a matcher, falling back to defaults for unset fields
func NewMatcher(cfg MatcherConfig) *Matcher {
	m := &Matcher{
		ToleranceFactor: cfg.ToleranceFactor,
		HintPolicy:      cfg.HintPolicy,
	}
	if m.ToleranceFactor <= 0 {
		m.ToleranceFactor = DefaultToleranceFactor
	}
	if m.HintPolicy != HintKeepOnMiss {
		m.HintPolicy = HintResetOnMiss
	}
	return m
}

// seedIndex estimates the reference index whose bearing is closest to theta,
// assuming the reference scan covers a full turn at near-uniform spacing.
func seedIndex(old []Point, theta float64) int {
	n := len(old)
	offset := math.Mod(theta-old[0].Theta, 2*math.Pi)
	if offset < 0 {
		offset += 2 * math.Pi
	}
	start := int(offset * float64(n) / (2 * math.Pi))
	if start < 0 {
		start = 0
	}
	if start > n-1 {
		start = n - 1
	}
	return start
}

// cursor is one direction of the bidirectional search
type cursor struct {
	index    int
	lastDist float64
	stopped  bool
}

// Match searches old for the best and second-best match of p.
// The returned bool is false when fewer than two candidates were found.
// table must have been built from old.
func (m *Matcher) Match(old []Point, table JumpTable, p Point, hint SearchHint) (Match, bool) {
	best, second, bestDist, secondDist := m.search(old, table, p, hint)
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

// search runs the bidirectional cursor search and returns reference indices,
// -1 where nothing was found.
func (m *Matcher) search(old []Point, table JumpTable, p Point, hint SearchHint) (best, second int, bestDist, secondDist float64) {
	best, second = -1, -1
	bestDist, secondDist = maxSearchDist, maxSearchDist

	n := len(old)
	if n == 0 || !table.Valid(old) {
		return
	}

	start := seedIndex(old, p.Theta)
	origin := start
	if hint.valid && hint.index >= 0 && hint.index < n {
		origin = hint.index + 1
	}

	up := cursor{index: origin, lastDist: maxSearchDist}
	down := cursor{index: origin - 1, lastDist: maxSearchDist}

	visit := func(i int) float64 {
		d := p.DistanceSquared(old[i])
		if d < bestDist {
			second, secondDist = best, bestDist
			best, bestDist = i, d
		} else if d < secondDist {
			second, secondDist = i, d
		}
		return d
	}

	// boundExceeded reports whether no point beyond i can beat the current best
	boundExceeded := func(i int) bool {
		minDist := math.Sin(old[i].Theta-p.Theta) * p.R
		return minDist*minDist*m.ToleranceFactor > bestDist
	}

	for !up.stopped || !down.stopped {
		goUp := !up.stopped && (down.stopped || up.lastDist <= down.lastDist)

		if goUp {
			if up.index >= n {
				up.stopped = true
				continue
			}
			i := up.index
			up.lastDist = visit(i)

			if i <= start {
				up.index++
				continue
			}
			if boundExceeded(i) {
				up.stopped = true
				continue
			}
			if old[i].R < p.R {
				up.index = table[i].UpBig
			} else {
				up.index = table[i].UpSmall
			}
		} else {
			if down.index < 0 {
				down.stopped = true
				continue
			}
			i := down.index
			down.lastDist = visit(i)

			if i >= start {
				down.index--
				continue
			}
			if boundExceeded(i) {
				down.stopped = true
				continue
			}
			if old[i].R < p.R {
				down.index = table[i].DownBig
			} else {
				down.index = table[i].DownSmall
			}
		}
	}

	return
}

// nextHint applies the hint policy after searching one point.
// best is -1 when the search visited nothing.
func (m *Matcher) nextHint(prev SearchHint, best int, matched bool) SearchHint {
	if m.HintPolicy == HintKeepOnMiss && !matched {
		return prev
	}
	if best < 0 {
		return SearchHint{}
	}
	return HintAt(best)
}

// FindCorrespondences matches every transformed point against old, in order,
// seeding each search with the previous point's best match.
//
// The result has min(len(old), len(trans)) entries. points is the untransformed
// counterpart of trans and is only attached to the result.
func (m *Matcher) FindCorrespondences(old, trans, points []Point, table JumpTable) []Correspondence {
	count := min(len(old), len(trans))
	result := make([]Correspondence, count)

	var hint SearchHint
	for i := 0; i < count; i++ {
		c := Correspondence{Trans: &trans[i]}
		if i < len(points) {
			c.Point = &points[i]
		}

		best, second, bestDist, secondDist := m.search(old, table, trans[i], hint)
		matched := best >= 0 && second >= 0
		if matched {
			c.Match = &Match{
				Best:            &old[best],
				SecondBest:      &old[second],
				BestIndex:       best,
				SecondBestIndex: second,
				BestDist:        bestDist,
				SecondBestDist:  secondDist,
			}
		}
		hint = m.nextHint(hint, best, matched)
		result[i] = c
	}

	return result
}

// FindCorrespondences runs a default matcher over the inputs.
// It builds the jump table when table does not fit old.
func FindCorrespondences(old, trans, points []Point, table JumpTable) []Correspondence {
	if !table.Valid(old) {
		table = ComputeJumpTable(old)
	}
	return NewMatcher(DefaultMatcherConfig()).FindCorrespondences(old, trans, points, table)
}
