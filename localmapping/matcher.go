package localmapping

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/YRDcoconut/plmap/features"
	"github.com/YRDcoconut/plmap/pmap"
)

const (
	// hammingMatchThreshold is the maximum descriptor distance accepted as a
	// correspondence.
	hammingMatchThreshold = 50
	// fuseRadiusFactor scales the projection search radius by the predicted
	// octave's scale factor.
	fuseRadiusFactor = 3.0
	// minViewCos rejects fusion candidates viewed from too far off their
	// mean viewing direction.
	minViewCos = 0.5
)

// ProjectionMatcher is the default Matcher: brute-force Hamming matching
// gated by epipolar geometry for triangulation, and projection search for
// landmark fusion.
type ProjectionMatcher struct {
	sigma float64
}

// NewProjectionMatcher returns a matcher with the given octave-zero
// measurement noise.
func NewProjectionMatcher(sigma float64) *ProjectionMatcher {
	return &ProjectionMatcher{sigma: sigma}
}

// SearchForTriangulation matches unbound keypoints across two keyframes. A
// candidate must be the Hamming-best partner, lie close to the epipolar line
// of its mate, and keep clear of the epipole, where the epipolar gate stops
// discriminating.
func (pm *ProjectionMatcher) SearchForTriangulation(kf1, kf2 *pmap.KeyFrame, f12 *mat.Dense) []features.Match {
	// epipole: the first camera's center seen in the second image
	c1InKF2 := kf2.Pose().ToCamera(kf1.CameraCenter())
	var ex, ey float64
	hasEpipole := c1InKF2.Z > 0
	if hasEpipole {
		e := kf2.Intrinsics().Project(c1InKF2)
		ex, ey = e.X, e.Y
	}

	bestForKP2 := map[int]int{}  // kf2 index -> kf1 index
	bestDistKP2 := map[int]int{} // kf2 index -> distance
	for i1 := 0; i1 < kf1.KeyPointCount(); i1++ {
		if kf1.Point(i1) != nil {
			continue
		}
		kp1 := kf1.KeyPoint(i1)
		d1 := kf1.Descriptor(i1)

		// epipolar line of kp1 in image 2: l2 = f12^T * x1
		a := f12.At(0, 0)*kp1.Point.X + f12.At(1, 0)*kp1.Point.Y + f12.At(2, 0)
		b := f12.At(0, 1)*kp1.Point.X + f12.At(1, 1)*kp1.Point.Y + f12.At(2, 1)
		c := f12.At(0, 2)*kp1.Point.X + f12.At(1, 2)*kp1.Point.Y + f12.At(2, 2)
		den := a*a + b*b
		if den == 0 {
			continue
		}

		bestDist := hammingMatchThreshold + 1
		bestIdx := -1
		for i2 := 0; i2 < kf2.KeyPointCount(); i2++ {
			if kf2.Point(i2) != nil {
				continue
			}
			d2 := kf2.Descriptor(i2)
			dist, err := features.HammingDistance(d1, d2)
			if err != nil || dist >= bestDist {
				continue
			}
			kp2 := kf2.KeyPoint(i2)
			if hasEpipole {
				dex := kp2.Point.X - ex
				dey := kp2.Point.Y - ey
				if dex*dex+dey*dey < 100*kf2.ScaleFactor(kp2.Octave) {
					continue
				}
			}
			num := a*kp2.Point.X + b*kp2.Point.Y + c
			if num*num/den > 3.84*kf2.LevelSigma2(kp2.Octave) {
				continue
			}
			bestDist = dist
			bestIdx = i2
		}
		if bestIdx < 0 {
			continue
		}
		if prev, ok := bestDistKP2[bestIdx]; !ok || bestDist < prev {
			bestDistKP2[bestIdx] = bestDist
			bestForKP2[bestIdx] = i1
		}
	}

	matches := make([]features.Match, 0, len(bestForKP2))
	for i2, i1 := range bestForKP2 {
		matches = append(matches, features.Match{Ref: i1, Cur: i2})
	}
	return matches
}

// SearchLinesForTriangulation matches unbound keylines by descriptor
// distance, keeping the best partner per keyline on both sides.
func (pm *ProjectionMatcher) SearchLinesForTriangulation(kf1, kf2 *pmap.KeyFrame) []features.Match {
	bestForKL2 := map[int]int{}
	bestDistKL2 := map[int]int{}
	for i1 := 0; i1 < kf1.KeyLineCount(); i1++ {
		if kf1.Line(i1) != nil {
			continue
		}
		d1 := kf1.LineDescriptor(i1)
		bestDist := hammingMatchThreshold + 1
		bestIdx := -1
		for i2 := 0; i2 < kf2.KeyLineCount(); i2++ {
			if kf2.Line(i2) != nil {
				continue
			}
			dist, err := features.HammingDistance(d1, kf2.LineDescriptor(i2))
			if err != nil || dist >= bestDist {
				continue
			}
			bestDist = dist
			bestIdx = i2
		}
		if bestIdx < 0 {
			continue
		}
		if prev, ok := bestDistKL2[bestIdx]; !ok || bestDist < prev {
			bestDistKL2[bestIdx] = bestDist
			bestForKL2[bestIdx] = i1
		}
	}
	matches := make([]features.Match, 0, len(bestForKL2))
	for i2, i1 := range bestForKL2 {
		matches = append(matches, features.Match{Ref: i1, Cur: i2})
	}
	return matches
}

// Fuse projects each candidate landmark into kf and searches a small window
// around the projection. A hit on an already-bound keypoint merges the two
// landmarks, keeping the better-observed one; a hit on a free keypoint binds
// the candidate there.
func (pm *ProjectionMatcher) Fuse(kf *pmap.KeyFrame, points []*pmap.MapPoint) int {
	pose := kf.Pose()
	center := pose.CameraCenter()
	in := kf.Intrinsics()
	fused := 0

	for _, p := range points {
		if p == nil || p.IsBad() || p.IsInKeyFrame(kf) {
			continue
		}
		pos := p.Position()
		cam := pose.ToCamera(pos)
		if cam.Z <= 0 {
			continue
		}
		px := in.Project(cam)
		if px.X < 0 || px.X >= float64(in.Width) || px.Y < 0 || px.Y >= float64(in.Height) {
			continue
		}
		ray := pos.Sub(center)
		dist := ray.Norm()
		minDist, maxDist := p.DistanceRange()
		if maxDist > 0 && (dist < minDist || dist > maxDist) {
			continue
		}
		if normal := p.Normal(); normal.Norm() > 0 && ray.Dot(normal)/dist < minViewCos {
			continue
		}

		level := predictOctave(kf, dist, maxDist)
		radius := fuseRadiusFactor * kf.ScaleFactor(level)
		candidates := kf.KeyPointsInArea(px.X, px.Y, radius, level-1, level+1)
		if len(candidates) == 0 {
			continue
		}

		desc := p.Descriptor()
		bestDist := hammingMatchThreshold + 1
		bestIdx := -1
		for _, i := range candidates {
			kp := kf.KeyPoint(i)
			sigma2 := kf.LevelSigma2(kp.Octave)
			ex := kp.Point.X - px.X
			ey := kp.Point.Y - px.Y
			if ur := kf.RightU(i); ur >= 0 {
				// stereo keypoint: include the right-image disparity error
				projUR := px.X - kf.StereoBaseline()*in.Fx/cam.Z
				er := ur - projUR
				if (ex*ex+ey*ey+er*er)/sigma2 > 7.8 {
					continue
				}
			} else if (ex*ex+ey*ey)/sigma2 > 5.991 {
				continue
			}
			d, err := features.HammingDistance(desc, kf.Descriptor(i))
			if err != nil || d >= bestDist {
				continue
			}
			bestDist = d
			bestIdx = i
		}
		if bestIdx < 0 {
			continue
		}

		if existing := kf.Point(bestIdx); existing != nil && !existing.IsBad() {
			if existing.Observations() > p.Observations() {
				p.Replace(existing)
			} else {
				existing.Replace(p)
			}
		} else {
			p.AddObservation(kf, bestIdx)
		}
		fused++
	}
	return fused
}

// FuseLines projects each candidate line landmark's midpoint into kf and
// matches nearby keylines whose infinite line contains both reprojected
// endpoints.
func (pm *ProjectionMatcher) FuseLines(kf *pmap.KeyFrame, lines []*pmap.MapLine) int {
	pose := kf.Pose()
	in := kf.Intrinsics()
	fused := 0

	for _, l := range lines {
		if l == nil || l.IsBad() || l.IsInKeyFrame(kf) {
			continue
		}
		start, end := l.Endpoints()
		camS := pose.ToCamera(start)
		camE := pose.ToCamera(end)
		if camS.Z <= 0 || camE.Z <= 0 {
			continue
		}
		pxS := in.Project(camS)
		pxE := in.Project(camE)
		midX := (pxS.X + pxE.X) / 2
		midY := (pxS.Y + pxE.Y) / 2
		if midX < 0 || midX >= float64(in.Width) || midY < 0 || midY >= float64(in.Height) {
			continue
		}

		segLen := math.Hypot(pxE.X-pxS.X, pxE.Y-pxS.Y)
		radius := fuseRadiusFactor + segLen/2
		candidates := kf.KeyLinesInArea(midX, midY, radius)
		if len(candidates) == 0 {
			continue
		}

		desc := l.Descriptor()
		bestDist := hammingMatchThreshold + 1
		bestIdx := -1
		for _, i := range candidates {
			kl := kf.KeyLine(i)
			coef := features.LineCoefficients(kl.Start, kl.End)
			sigma2 := kf.LevelSigma2(kl.Octave)
			rs := coef.X*pxS.X + coef.Y*pxS.Y + coef.Z
			re := coef.X*pxE.X + coef.Y*pxE.Y + coef.Z
			if rs*rs/sigma2 > 3.84 || re*re/sigma2 > 3.84 {
				continue
			}
			d, err := features.HammingDistance(desc, kf.LineDescriptor(i))
			if err != nil || d >= bestDist {
				continue
			}
			bestDist = d
			bestIdx = i
		}
		if bestIdx < 0 {
			continue
		}

		if existing := kf.Line(bestIdx); existing != nil && !existing.IsBad() {
			if existing.Observations() > l.Observations() {
				l.Replace(existing)
			} else {
				existing.Replace(l)
			}
		} else {
			l.AddObservation(kf, bestIdx)
		}
		fused++
	}
	return fused
}

// predictOctave estimates the pyramid level a landmark at the given distance
// would be detected at in kf, from its maximum scale-invariance distance.
func predictOctave(kf *pmap.KeyFrame, dist, maxDist float64) int {
	if maxDist <= 0 || dist <= 0 {
		return 0
	}
	scale := levelScale(kf)
	level := int(math.Ceil(math.Log(maxDist/dist) / math.Log(scale)))
	if level < 0 {
		level = 0
	}
	if max := kf.Levels() - 1; level > max {
		level = max
	}
	return level
}

func levelScale(kf *pmap.KeyFrame) float64 {
	if kf.Levels() > 1 {
		return kf.ScaleFactor(1) / kf.ScaleFactor(0)
	}
	return 1.2
}
