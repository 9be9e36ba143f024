package scan

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// LaserScan is a single sweep of a rotating rangefinder as exported by the
// robot: ranges[i] was measured at angleMin + i*angleIncrement.
type LaserScan struct {
	SensorID       string    `json:"sensorId,omitempty"`
	Stamp          int64     `json:"stamp,omitempty"` // unix milliseconds
	AngleMin       float64   `json:"angleMin"`
	AngleIncrement float64   `json:"angleIncrement"`
	RangeMin       float64   `json:"rangeMin,omitempty"`
	RangeMax       float64   `json:"rangeMax,omitempty"`
	Ranges         []float64 `json:"ranges"`
}

// ParseScanFile reads and parses a laser scan JSON file
func ParseScanFile(path string) (*LaserScan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParseScanJSON(data)
}

// ParseScanJSON parses laser scan JSON data
func ParseScanJSON(data []byte) (*LaserScan, error) {
	var s LaserScan
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if len(s.Ranges) > 0 && s.AngleIncrement <= 0 {
		return nil, fmt.Errorf("angleIncrement must be positive, got %v", s.AngleIncrement)
	}
	return &s, nil
}

// validRange reports whether a reading is usable
func (s *LaserScan) validRange(r float64) bool {
	if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
		return false
	}
	if s.RangeMin > 0 && r < s.RangeMin {
		return false
	}
	if s.RangeMax > 0 && r > s.RangeMax {
		return false
	}
	return true
}

// Points converts the valid readings into polar points in increasing bearing order.
// Invalid readings are dropped, so indices do not map back to Ranges.
func (s *LaserScan) Points() []Point {
	points := make([]Point, 0, len(s.Ranges))
	for i, r := range s.Ranges {
		if !s.validRange(r) {
			continue
		}
		points = append(points, Point{
			R:     r,
			Theta: s.AngleMin + float64(i)*s.AngleIncrement,
		})
	}
	return points
}

// ScanFromPoints builds a scan with one reading per point. Points must be
// evenly spaced in bearing; it is used to export synthetic scans.
func ScanFromPoints(sensorID string, points []Point) *LaserScan {
	s := &LaserScan{SensorID: sensorID, Ranges: make([]float64, len(points))}
	if len(points) == 0 {
		return s
	}
	s.AngleMin = points[0].Theta
	if len(points) > 1 {
		s.AngleIncrement = (points[len(points)-1].Theta - points[0].Theta) / float64(len(points)-1)
	} else {
		s.AngleIncrement = 2 * math.Pi
	}
	for i, p := range points {
		s.Ranges[i] = p.R
	}
	return s
}

// ScanSummary contains basic statistics about a scan
type ScanSummary struct {
	SensorID    string
	Readings    int
	Valid       int
	MinRange    float64
	MaxRange    float64
	FieldOfView float64 // radians covered by the sweep
}

// Summarize returns statistics about a scan
func Summarize(s *LaserScan) ScanSummary {
	summary := ScanSummary{
		SensorID: s.SensorID,
		Readings: len(s.Ranges),
		MinRange: math.Inf(1),
		MaxRange: 0,
	}
	if len(s.Ranges) > 0 {
		summary.FieldOfView = float64(len(s.Ranges)) * s.AngleIncrement
	}

	for _, r := range s.Ranges {
		if !s.validRange(r) {
			continue
		}
		summary.Valid++
		summary.MinRange = math.Min(summary.MinRange, r)
		summary.MaxRange = math.Max(summary.MaxRange, r)
	}
	if summary.Valid == 0 {
		summary.MinRange = 0
	}

	return summary
}
