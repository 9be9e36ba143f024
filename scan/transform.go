package scan

import "math"

// TransformPoint applies an affine transform to a point
// x' = a*x + b*y + tx
// y' = c*x + d*y + ty
// The result is re-expressed in polar form around the same origin.
func TransformPoint(p Point, m AffineMatrix) Point {
	x, y := p.X(), p.Y()
	return NewCartesianPoint(
		m.A*x+m.B*y+m.Tx,
		m.C*x+m.D*y+m.Ty,
	)
}

// TransformPoints applies an affine transform to multiple points, keeping their order
func TransformPoints(points []Point, m AffineMatrix) []Point {
	result := make([]Point, len(points))
	for i, p := range points {
		result[i] = TransformPoint(p, m)
	}
	return result
}

// NormalizeAngle wraps an angle in radians into (-pi, pi].
func NormalizeAngle(rad float64) float64 {
	rad = math.Mod(rad, 2*math.Pi)
	if rad <= -math.Pi {
		rad += 2 * math.Pi
	} else if rad > math.Pi {
		rad -= 2 * math.Pi
	}
	return rad
}

// MultiplyMatrices composes two affine transforms: result = m1 * m2
// Applying result is equivalent to applying m2 first, then m1
func MultiplyMatrices(m1, m2 AffineMatrix) AffineMatrix {
	return AffineMatrix{
		A:  m1.A*m2.A + m1.B*m2.C,
		B:  m1.A*m2.B + m1.B*m2.D,
		Tx: m1.A*m2.Tx + m1.B*m2.Ty + m1.Tx,
		C:  m1.C*m2.A + m1.D*m2.C,
		D:  m1.C*m2.B + m1.D*m2.D,
		Ty: m1.C*m2.Tx + m1.D*m2.Ty + m1.Ty,
	}
}

// InvertMatrix computes the inverse of an affine transform
// Returns identity if matrix is singular (determinant ~= 0)
func InvertMatrix(m AffineMatrix) AffineMatrix {
	det := m.A*m.D - m.B*m.C
	if math.Abs(det) < 1e-10 {
		return Identity()
	}

	invDet := 1.0 / det
	return AffineMatrix{
		A:  m.D * invDet,
		B:  -m.B * invDet,
		Tx: (m.B*m.Ty - m.D*m.Tx) * invDet,
		C:  -m.C * invDet,
		D:  m.A * invDet,
		Ty: (m.C*m.Tx - m.A*m.Ty) * invDet,
	}
}

// Translation creates a translation-only transform
func Translation(tx, ty float64) AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: tx, C: 0, D: 1, Ty: ty}
}

// Rotation creates a rotation transform (angle in radians, around origin)
func Rotation(angle float64) AffineMatrix {
	cos := math.Cos(angle)
	sin := math.Sin(angle)
	return AffineMatrix{A: cos, B: -sin, Tx: 0, C: sin, D: cos, Ty: 0}
}

// MatrixFromPose builds the rigid transform that maps sensor-frame points into
// the frame the pose is expressed in
func MatrixFromPose(p Pose) AffineMatrix {
	m := Rotation(p.Heading)
	m.Tx = p.X
	m.Ty = p.Y
	return m
}

// PoseFromMatrix extracts translation and heading from a rigid transform
func PoseFromMatrix(m AffineMatrix) Pose {
	return Pose{
		X:       m.Tx,
		Y:       m.Ty,
		Heading: math.Atan2(m.C, m.A),
	}
}

// Centroid calculates the Cartesian center of mass of a set of points
func Centroid(points []Point) (x, y float64) {
	if len(points) == 0 {
		return 0, 0
	}
	for _, p := range points {
		x += p.X()
		y += p.Y()
	}
	n := float64(len(points))
	return x / n, y / n
}

// CalculateRigidTransform computes the best rigid transform (rotation + translation only, no scale)
// mapping source onto target using Procrustes analysis.
func CalculateRigidTransform(source, target []Point) AffineMatrix {
	weights := make([]float64, len(source))
	for i := range weights {
		weights[i] = 1
	}
	return CalculateWeightedRigidTransform(source, target, weights)
}

// CalculateWeightedRigidTransform computes the best rigid transform using weighted Procrustes analysis.
// weights slice must have the same length as source and target.
func CalculateWeightedRigidTransform(source, target []Point, weights []float64) AffineMatrix {
	n := len(source)
	if n < 2 || n != len(target) || n != len(weights) {
		return Identity()
	}

	// Compute weighted centroids
	totalWeight := 0.0
	var srcSumX, srcSumY, tgtSumX, tgtSumY float64
	for i := range source {
		w := weights[i]
		totalWeight += w
		srcSumX += source[i].X() * w
		srcSumY += source[i].Y() * w
		tgtSumX += target[i].X() * w
		tgtSumY += target[i].Y() * w
	}

	if totalWeight <= 0 {
		return Identity()
	}

	srcCX, srcCY := srcSumX/totalWeight, srcSumY/totalWeight
	tgtCX, tgtCY := tgtSumX/totalWeight, tgtSumY/totalWeight

	// Weighted cross-covariance H = src^T * tgt
	var h11, h12, h21, h22 float64
	for i := range source {
		w := weights[i]
		sx := source[i].X() - srcCX
		sy := source[i].Y() - srcCY
		tx := target[i].X() - tgtCX
		ty := target[i].Y() - tgtCY

		h11 += w * sx * tx
		h12 += w * sx * ty
		h21 += w * sy * tx
		h22 += w * sy * ty
	}

	// For 2D the optimal rotation has a closed form
	theta := math.Atan2(h12-h21, h11+h22)
	cos := math.Cos(theta)
	sin := math.Sin(theta)

	a, b, c, d := cos, -sin, sin, cos
	tx := tgtCX - (a*srcCX + b*srcCY)
	ty := tgtCY - (c*srcCX + d*srcCY)

	return AffineMatrix{A: a, B: b, Tx: tx, C: c, D: d, Ty: ty}
}
