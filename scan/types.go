package scan

import (
	"math"
	"time"
)

// Point is a single range reading in polar form, relative to the sensor origin.
// Theta is in radians, R in the same units as the scan (usually meters).
type Point struct {
	R     float64 `json:"r"`
	Theta float64 `json:"theta"`
}

// NewCartesianPoint builds a polar point from Cartesian coordinates
func NewCartesianPoint(x, y float64) Point {
	return Point{R: math.Hypot(x, y), Theta: math.Atan2(y, x)}
}

// X returns the Cartesian x coordinate
func (p Point) X() float64 {
	return p.R * math.Cos(p.Theta)
}

// Y returns the Cartesian y coordinate
func (p Point) Y() float64 {
	return p.R * math.Sin(p.Theta)
}

// DistanceSquared returns the squared Euclidean distance to other.
// Only relative ordering matters for matching, so no square root is taken.
func (p Point) DistanceSquared(other Point) float64 {
	dx := p.X() - other.X()
	dy := p.Y() - other.Y()
	return dx*dx + dy*dy
}

// JumpEntry holds, for one reference point, the nearest index in each angular
// direction whose range is smaller or larger than this point's range.
// Forward links use len(points) when nothing qualifies, backward links use -1.
type JumpEntry struct {
	UpSmall   int `json:"upSmall"`
	UpBig     int `json:"upBig"`
	DownSmall int `json:"downSmall"`
	DownBig   int `json:"downBig"`
}

// JumpTable is indexed parallel to the reference point slice it was built from
type JumpTable []JumpEntry

// Valid reports whether the table could have been built from points.
// A table must be rebuilt whenever the reference scan changes.
func (t JumpTable) Valid(points []Point) bool {
	return len(t) == len(points)
}

// Match is the best and second-best reference point found for one transformed point.
// Best and SecondBest point into the reference slice passed to the matcher.
type Match struct {
	Best            *Point  `json:"best"`
	SecondBest      *Point  `json:"secondBest"`
	BestIndex       int     `json:"bestIndex"`
	SecondBestIndex int     `json:"secondBestIndex"`
	BestDist        float64 `json:"bestDist"`       // squared
	SecondBestDist  float64 `json:"secondBestDist"` // squared
}

// Correspondence pairs one transformed point (and its untransformed counterpart)
// with its match in the reference scan. A nil Match means no match was found,
// which is a normal outcome that consumers skip.
//
// All pointers borrow from the slices given to FindCorrespondences; a
// correspondence must not outlive them.
type Correspondence struct {
	Trans *Point `json:"trans"`
	Point *Point `json:"point"`
	Match *Match `json:"match,omitempty"`
}

// Matched returns true if both a best and a second-best point were found
func (c Correspondence) Matched() bool {
	return c.Match != nil && c.Match.Best != nil && c.Match.SecondBest != nil
}

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// Identity returns an identity matrix (no transformation)
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: 0, C: 0, D: 1, Ty: 0}
}

// Pose is a planar sensor pose in the reference frame
type Pose struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"` // radians, CCW from +x
}

// PoseEstimate is the published result of registering one scan
type PoseEstimate struct {
	SensorID   string    `json:"sensorId"`
	Pose       Pose      `json:"pose"`
	Delta      Pose      `json:"delta"`
	Error      float64   `json:"error"`
	MatchRatio float64   `json:"matchRatio"`
	Iterations int       `json:"iterations"`
	Converged  bool      `json:"converged"`
	Timestamp  time.Time `json:"timestamp"`
}

// HintPolicy decides what happens to the search hint when a point finds no match
type HintPolicy string

const (
	// HintResetOnMiss replaces the hint with every point's best index, matched
	// or not. An empty search clears it and the next point falls back to the
	// angular estimate.
	HintResetOnMiss HintPolicy = "reset"
	// HintKeepOnMiss only moves the hint when a point is matched; unmatched
	// points leave the last matched best index in place.
	HintKeepOnMiss HintPolicy = "keep"
)

// MatcherConfig configures the correspondence search
type MatcherConfig struct {
	ToleranceFactor float64    `yaml:"toleranceFactor" json:"toleranceFactor"`
	HintPolicy      HintPolicy `yaml:"hintPolicy" json:"hintPolicy"`
}

// ICPConfig holds configuration for scan registration.
// Distances are in scan units.
type ICPConfig struct {
	MaxIterations     int     `yaml:"maxIterations" json:"maxIterations"`
	ConvergenceThresh float64 `yaml:"convergenceThresh" json:"convergenceThresh"` // stop when mean error improves less than this
	MaxCorrespondDist float64 `yaml:"maxCorrespondDist" json:"maxCorrespondDist"` // drop pairs farther apart than this
	KeepFraction      float64 `yaml:"keepFraction" json:"keepFraction"`           // keep this fraction of closest pairs (0-1]
}

// SensorConfig defines a scan source from config file
type SensorConfig struct {
	ID           string        `yaml:"id" json:"id"`
	Topic        string        `yaml:"topic" json:"topic"`
	Color        string        `yaml:"color,omitempty" json:"color,omitempty"`
	ApiURL       *string       `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"`             // Optional HTTP endpoint to poll for scans
	PollInterval time.Duration `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"` // Poll period when ApiURL is set
}

// Config represents the full configuration file
type Config struct {
	MQTT    MQTTConfig     `yaml:"mqtt" json:"mqtt"`
	Matcher MatcherConfig  `yaml:"matcher" json:"matcher"`
	ICP     ICPConfig      `yaml:"icp" json:"icp"`
	Sensors []SensorConfig `yaml:"sensors" json:"sensors"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetSensorByID returns the sensor config for the given ID
func (c *Config) GetSensorByID(id string) *SensorConfig {
	for i := range c.Sensors {
		if c.Sensors[i].ID == id {
			return &c.Sensors[i]
		}
	}
	return nil
}

// GetApiURL returns the polling URL or empty string if not set
func (sc *SensorConfig) GetApiURL() string {
	if sc.ApiURL != nil {
		return *sc.ApiURL
	}
	return ""
}
