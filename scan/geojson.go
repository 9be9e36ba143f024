package scan

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"
)

// DefaultOutlineTolerance is the Douglas-Peucker tolerance for scan outlines, in scan units
const DefaultOutlineTolerance = 0.02

// orbPoint converts a polar point to a Cartesian orb.Point
func orbPoint(p Point) orb.Point {
	return orb.Point{p.X(), p.Y()}
}

// PointsToMultiPoint converts scan points to an orb.MultiPoint in Cartesian coordinates
func PointsToMultiPoint(points []Point) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = orbPoint(p)
	}
	return mp
}

// ScanOutline connects the points in angular order and simplifies the result.
// Returns nil for fewer than two points.
func ScanOutline(points []Point, tolerance float64) orb.LineString {
	if len(points) < 2 {
		return nil
	}
	ls := make(orb.LineString, len(points))
	for i, p := range points {
		ls[i] = orbPoint(p)
	}
	if tolerance <= 0 {
		return ls
	}
	simplified, ok := simplify.DouglasPeucker(tolerance).Simplify(ls).(orb.LineString)
	if !ok {
		return ls
	}
	return simplified
}

// CorrespondenceLine is the segment from a transformed point to its best match
func CorrespondenceLine(c Correspondence) (orb.LineString, bool) {
	if !c.Matched() || c.Trans == nil {
		return nil, false
	}
	return orb.LineString{orbPoint(*c.Trans), orbPoint(*c.Match.Best)}, true
}

// BuildGeoJSON exports a registration as a FeatureCollection: the reference and
// transformed scans as MultiPoints, the reference outline, one LineString per
// matched correspondence and, if est is set, the sensor pose.
func BuildGeoJSON(sensorID string, ref, trans []Point, corr []Correspondence, est *PoseEstimate) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	var bound orb.Bound
	hasBound := false
	extend := func(g orb.Geometry) {
		if !hasBound {
			bound, hasBound = g.Bound(), true
			return
		}
		bound = bound.Union(g.Bound())
	}

	if len(ref) > 0 {
		mp := PointsToMultiPoint(ref)
		f := geojson.NewFeature(mp)
		f.Properties["role"] = "reference"
		f.Properties["sensorId"] = sensorID
		f.Properties["count"] = len(ref)
		fc.Append(f)
		extend(mp)
	}

	if outline := ScanOutline(ref, DefaultOutlineTolerance); outline != nil {
		f := geojson.NewFeature(outline)
		f.Properties["role"] = "outline"
		f.Properties["sensorId"] = sensorID
		f.Properties["length"] = planar.Length(outline)
		fc.Append(f)
	}

	if len(trans) > 0 {
		mp := PointsToMultiPoint(trans)
		f := geojson.NewFeature(mp)
		f.Properties["role"] = "current"
		f.Properties["sensorId"] = sensorID
		f.Properties["count"] = len(trans)
		fc.Append(f)
		extend(mp)
	}

	for i, c := range corr {
		line, ok := CorrespondenceLine(c)
		if !ok {
			continue
		}
		f := geojson.NewFeature(line)
		f.ID = i
		f.Properties["role"] = "correspondence"
		f.Properties["sensorId"] = sensorID
		f.Properties["index"] = i
		f.Properties["bestIndex"] = c.Match.BestIndex
		f.Properties["secondBestIndex"] = c.Match.SecondBestIndex
		f.Properties["distance"] = planar.Distance(line[0], line[1])
		fc.Append(f)
	}

	if est != nil {
		pose := orb.Point{est.Pose.X, est.Pose.Y}
		f := geojson.NewFeature(pose)
		f.Properties["role"] = "pose"
		f.Properties["sensorId"] = sensorID
		f.Properties["heading"] = est.Pose.Heading
		f.Properties["error"] = est.Error
		f.Properties["matchRatio"] = est.MatchRatio
		f.Properties["converged"] = est.Converged
		fc.Append(f)
	}

	if hasBound {
		fc.BBox = geojson.NewBBox(bound)
	}
	return fc
}

// SnapshotToGeoJSON exports a tracker snapshot
func SnapshotToGeoJSON(snap SensorSnapshot) *geojson.FeatureCollection {
	return BuildGeoJSON(snap.SensorID, snap.Reference, snap.Transformed, snap.Correspondences, snap.Estimate)
}
