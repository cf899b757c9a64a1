// Package features holds the feature-level data model shared by the
// initializer and local mapping: undistorted keypoints, keylines with their
// containing-line coefficients, binary descriptors and match pairs.
//
// Feature extraction and descriptor computation happen upstream; this package
// only represents their results.
package features

import (
	"math"
	"math/bits"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// KeyPoint is an undistorted 2D keypoint with the pyramid octave it was
// detected at.
type KeyPoint struct {
	Point  r2.Point
	Octave int
}

// KeyLine is an undistorted 2D line segment. Coeffs holds the coefficients
// (a, b, c) of the infinite line a*x + b*y + c = 0 containing the segment.
type KeyLine struct {
	Start  r2.Point
	End    r2.Point
	Coeffs r3.Vector
	Octave int
	// Angle of the segment in radians, as reported by the detector.
	Angle float64
}

// Midpoint returns the segment midpoint.
func (kl KeyLine) Midpoint() r2.Point {
	return r2.Point{X: (kl.Start.X + kl.End.X) / 2, Y: (kl.Start.Y + kl.End.Y) / 2}
}

// Length returns the 2D length of the segment.
func (kl KeyLine) Length() float64 {
	return kl.End.Sub(kl.Start).Norm()
}

// LineCoefficients computes the coefficients of the infinite line through
// start and end as the cross product of their homogeneous coordinates,
// normalized so that (a, b) is a unit vector.
func LineCoefficients(start, end r2.Point) r3.Vector {
	s := r3.Vector{X: start.X, Y: start.Y, Z: 1}
	e := r3.Vector{X: end.X, Y: end.Y, Z: 1}
	l := s.Cross(e)
	n := math.Hypot(l.X, l.Y)
	if n == 0 {
		return r3.Vector{}
	}
	return l.Mul(1 / n)
}

// Descriptor is a binary feature descriptor compared by Hamming distance.
type Descriptor []byte

// Match pairs a feature index in the reference view with a feature index in
// the current view.
type Match struct {
	Ref int
	Cur int
}

// HammingDistance returns the number of differing bits between two
// descriptors of equal length.
func HammingDistance(d1, d2 Descriptor) (int, error) {
	if len(d1) != len(d2) {
		return -1, errors.Errorf("descriptor lengths differ: %d vs %d", len(d1), len(d2))
	}
	dist := 0
	for i := range d1 {
		dist += bits.OnesCount8(d1[i] ^ d2[i])
	}
	return dist, nil
}

// MedianDescriptor returns the descriptor with the least median Hamming
// distance to all the others. This is the representative descriptor kept on a
// landmark observed from several keyframes.
func MedianDescriptor(descs []Descriptor) (Descriptor, error) {
	if len(descs) == 0 {
		return nil, errors.New("no descriptors to aggregate")
	}
	if len(descs) == 1 {
		return descs[0], nil
	}
	n := len(descs)
	dists := make([][]int, n)
	for i := range dists {
		dists[i] = make([]int, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d, err := HammingDistance(descs[i], descs[j])
			if err != nil {
				return nil, err
			}
			dists[i][j] = d
			dists[j][i] = d
		}
	}
	bestIdx := 0
	bestMedian := -1
	for i := 0; i < n; i++ {
		row := make([]int, n)
		copy(row, dists[i])
		sort.Ints(row)
		median := row[n/2]
		if bestMedian < 0 || median < bestMedian {
			bestMedian = median
			bestIdx = i
		}
	}
	return descs[bestIdx], nil
}
