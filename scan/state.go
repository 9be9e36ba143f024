package scan

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// sensorState is the tracking state of one sensor
type sensorState struct {
	busy      sync.Mutex // serializes Process for this sensor
	reference []Point
	table     JumpTable
	previous  []Point      // reference the last scan was matched against
	pose      AffineMatrix // reference scan frame -> world
	last      *PoseEstimate
	lastCorr  []Correspondence
	lastTrans []Point
	delta     AffineMatrix // last scan-to-scan motion, seeds the next registration
	scans     int
}

// SensorSnapshot is a copy of one sensor's state for rendering and HTTP endpoints
type SensorSnapshot struct {
	SensorID        string
	Reference       []Point
	Transformed     []Point
	Correspondences []Correspondence
	Estimate        *PoseEstimate
	Scans           int
}

// Tracker registers each incoming scan against the previous scan of the same
// sensor and accumulates the resulting motion into a pose.
// It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex // guards sensors and every sensorState field except busy
	sensors map[string]*sensorState
	matcher *Matcher
	config  ICPConfig
	now     func() time.Time
}

// NewTracker creates a tracker using the given matcher and ICP settings
func NewTracker(matcherConfig MatcherConfig, icpConfig ICPConfig) *Tracker {
	return &Tracker{
		sensors: make(map[string]*sensorState),
		matcher: NewMatcher(matcherConfig),
		config:  icpConfig,
		now:     time.Now,
	}
}

// ErrNotRegistered is returned by Process when a scan has too little overlap
// with the reference to be registered. The sensor's pose and reference are
// left unchanged.
var ErrNotRegistered = errors.New("scan could not be registered")

// Process registers points as the newest scan of sensorID. The first scan of a
// sensor becomes its reference and yields the identity pose.
//
// Scans of one sensor are processed in order; registration runs outside the
// tracker lock so other sensors and readers are not blocked.
func (t *Tracker) Process(sensorID string, points []Point) (*PoseEstimate, error) {
	if sensorID == "" {
		return nil, fmt.Errorf("process scan: sensor ID is empty")
	}
	if len(points) < 3 {
		return nil, fmt.Errorf("process scan for %s: need at least 3 valid points, got %d", sensorID, len(points))
	}

	t.mu.Lock()
	st, ok := t.sensors[sensorID]
	if !ok {
		st = &sensorState{pose: Identity(), delta: Identity()}
		t.sensors[sensorID] = st
	}
	t.mu.Unlock()

	// Only the holder of st.busy writes st, so its fields can be read here
	// without the tracker lock.
	st.busy.Lock()
	defer st.busy.Unlock()

	points = append([]Point(nil), points...)
	estimate := &PoseEstimate{
		SensorID:  sensorID,
		Timestamp: t.now(),
		Converged: true,
	}

	pose, delta := st.pose, st.delta
	var trans []Point
	var corr []Correspondence

	if st.reference == nil {
		log.Printf("Tracker: first scan for %s (%d points) becomes reference", sensorID, len(points))
		estimate.Pose = PoseFromMatrix(pose)
		estimate.MatchRatio = 1
	} else {
		result := Register(st.reference, points, st.table, delta, t.config, t.matcher)
		if result.Iterations == 0 {
			// The last motion is no longer a useful guess
			t.mu.Lock()
			st.delta = Identity()
			t.mu.Unlock()
			log.Printf("Tracker: %s scan not registered (%d points, no usable overlap)", sensorID, len(points))
			return nil, fmt.Errorf("process scan for %s: %w", sensorID, ErrNotRegistered)
		}

		delta = result.Transform
		pose = MultiplyMatrices(pose, result.Transform)
		trans = TransformPoints(points, result.Transform)
		corr = t.matcher.FindCorrespondences(st.reference, trans, points, st.table)

		estimate.Pose = PoseFromMatrix(pose)
		estimate.Delta = PoseFromMatrix(result.Transform)
		estimate.Error = result.Error
		estimate.MatchRatio = result.MatchRatio
		estimate.Iterations = result.Iterations
		estimate.Converged = result.Converged

		log.Printf("Tracker: %s dx=%.3f dy=%.3f dθ=%.2f° error=%.4f matched=%.0f%% iter=%d",
			sensorID, estimate.Delta.X, estimate.Delta.Y, estimate.Delta.Heading*180/math.Pi,
			result.Error, result.MatchRatio*100, result.Iterations)
	}

	// The new scan becomes the reference for the next one
	table := ComputeJumpTable(points)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sensors[sensorID] != st {
		return nil, fmt.Errorf("process scan for %s: sensor was reset during registration", sensorID)
	}
	if trans != nil {
		st.previous = st.reference
		st.lastTrans = trans
		st.lastCorr = corr
	}
	st.pose, st.delta = pose, delta
	st.reference, st.table = points, table
	st.scans++
	st.last = estimate

	out := *estimate
	return &out, nil
}

// Reset forgets all state for a sensor
func (t *Tracker) Reset(sensorID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sensors, sensorID)
}

// GetEstimates returns the latest estimate per sensor
func (t *Tracker) GetEstimates() map[string]*PoseEstimate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]*PoseEstimate)
	for id, st := range t.sensors {
		if st.last != nil {
			copy := *st.last
			result[id] = &copy
		}
	}
	return result
}

// Snapshot returns a copy of one sensor's latest state
func (t *Tracker) Snapshot(sensorID string) (SensorSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.sensors[sensorID]
	if !ok {
		return SensorSnapshot{}, false
	}

	ref := st.previous
	if ref == nil {
		ref = st.reference
	}
	snap := SensorSnapshot{
		SensorID:    sensorID,
		Reference:   append([]Point(nil), ref...),
		Transformed: append([]Point(nil), st.lastTrans...),
		Scans:       st.scans,
	}
	if st.last != nil {
		est := *st.last
		snap.Estimate = &est
	}
	// Correspondences borrow from tracker-owned slices; hand out copies.
	if len(st.lastCorr) > 0 {
		snap.Correspondences = rebaseCorrespondences(st.lastCorr, snap.Transformed)
	}
	return snap, true
}

// HasSensors returns true if at least one scan was processed
func (t *Tracker) HasSensors() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sensors) > 0
}

// SensorIDs returns the IDs of all tracked sensors
func (t *Tracker) SensorIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.sensors))
	for id := range t.sensors {
		ids = append(ids, id)
	}
	return ids
}

// rebaseCorrespondences copies matched reference points so the result owns
// everything it points to
func rebaseCorrespondences(corr []Correspondence, trans []Point) []Correspondence {
	out := make([]Correspondence, len(corr))
	for i, c := range corr {
		nc := Correspondence{}
		if i < len(trans) {
			nc.Trans = &trans[i]
		}
		if c.Point != nil {
			p := *c.Point
			nc.Point = &p
		}
		if c.Match != nil {
			m := *c.Match
			best, second := *c.Match.Best, *c.Match.SecondBest
			m.Best, m.SecondBest = &best, &second
			nc.Match = &m
		}
		out[i] = nc
	}
	return out
}
