package scan

import (
	"math"
	"math/rand"
)

// ringScan returns n points at constant range r, evenly spaced over a full turn starting at 0
func ringScan(n int, r float64) []Point {
	points := make([]Point, n)
	for i := range points {
		points[i] = Point{R: r, Theta: float64(i) * 2 * math.Pi / float64(n)}
	}
	return points
}

// room is an axis-aligned rectangular room
type room struct {
	minX, minY, maxX, maxY float64
}

// raycast returns the distance from (ox, oy) to the room walls along bearing theta.
// The origin must be inside the room.
func (rm room) raycast(ox, oy, theta float64) float64 {
	dx, dy := math.Cos(theta), math.Sin(theta)
	best := math.Inf(1)
	if dx > 1e-12 {
		best = math.Min(best, (rm.maxX-ox)/dx)
	} else if dx < -1e-12 {
		best = math.Min(best, (rm.minX-ox)/dx)
	}
	if dy > 1e-12 {
		best = math.Min(best, (rm.maxY-oy)/dy)
	} else if dy < -1e-12 {
		best = math.Min(best, (rm.minY-oy)/dy)
	}
	return best
}

// scanFrom simulates an n-beam full-turn scan taken by a sensor at pose,
// returned in the sensor's own frame
func (rm room) scanFrom(pose Pose, n int) []Point {
	points := make([]Point, n)
	for i := range points {
		local := float64(i) * 2 * math.Pi / float64(n)
		points[i] = Point{R: rm.raycast(pose.X, pose.Y, pose.Heading+local), Theta: local}
	}
	return points
}

var testRoom = room{minX: -2, minY: -1.5, maxX: 3, maxY: 2}

// noisyScan returns n evenly spaced points with ranges in [minR, maxR)
func noisyScan(rng *rand.Rand, n int, minR, maxR float64) []Point {
	points := make([]Point, n)
	for i := range points {
		points[i] = Point{
			R:     minR + rng.Float64()*(maxR-minR),
			Theta: float64(i) * 2 * math.Pi / float64(n),
		}
	}
	return points
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
