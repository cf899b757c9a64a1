package initializer

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/YRDcoconut/plmap/features"
	"github.com/YRDcoconut/plmap/mvgeom"
)

// hypothesis is the triangulation outcome of one candidate motion.
type hypothesis struct {
	r        *mat.Dense
	t        r3.Vector
	good     int
	points   []r3.Vector
	goodFlag []bool
	parallax float64
}

// reconstructF recovers the pose from the fundamental model: the essential
// matrix yields four motion hypotheses and the one that places the matches in
// front of both cameras with enough parallax wins. An ambiguous winner (a
// second hypothesis explaining over 70% as many points) is rejected.
func (ini *Initializer) reconstructF(m model, matches []features.Match, pts1, pts2 []r2.Point) (*Result, error) {
	k := ini.intrinsics.CameraMatrix()
	e := mvgeom.EssentialFromFundamental(k, k, m.mat)
	r1, r2m, t, err := mvgeom.DecomposeEssential(e)
	if err != nil {
		return nil, err
	}

	nInliers := 0
	for _, in := range m.inliers {
		if in {
			nInliers++
		}
	}

	sigma2 := ini.cfg.Sigma * ini.cfg.Sigma
	hyps := []hypothesis{
		ini.checkRT(r1, t, matches, pts1, pts2, m.inliers, 4*sigma2),
		ini.checkRT(r2m, t, matches, pts1, pts2, m.inliers, 4*sigma2),
		ini.checkRT(r1, t.Mul(-1), matches, pts1, pts2, m.inliers, 4*sigma2),
		ini.checkRT(r2m, t.Mul(-1), matches, pts1, pts2, m.inliers, 4*sigma2),
	}

	maxGood := 0
	bestIdx := -1
	for i, h := range hyps {
		if h.good > maxGood {
			maxGood = h.good
			bestIdx = i
		}
	}

	minGood := ini.cfg.MinTriangulated
	if n := int(0.9 * float64(nInliers)); n > minGood {
		minGood = n
	}
	similar := 0
	for _, h := range hyps {
		if float64(h.good) > 0.7*float64(maxGood) {
			similar++
		}
	}
	if maxGood < minGood || similar > 1 {
		return nil, errors.Errorf(
			"ambiguous fundamental reconstruction: best hypothesis has %d points (need %d), %d hypotheses are close",
			maxGood, minGood, similar)
	}
	best := hyps[bestIdx]
	if best.parallax <= ini.cfg.MinParallaxDeg {
		return nil, errors.Errorf("insufficient parallax: %.3f deg", best.parallax)
	}
	return &Result{
		Rotation:     best.r,
		Translation:  best.t,
		Points:       best.points,
		Triangulated: best.goodFlag,
	}, nil
}

// reconstructH recovers the pose from the homography model by testing all
// eight Faugeras decomposition hypotheses. The winner must triangulate 90% of
// the inliers, clearly beat the runner-up, and carry real parallax.
func (ini *Initializer) reconstructH(m model, matches []features.Match, pts1, pts2 []r2.Point) (*Result, error) {
	k := ini.intrinsics.CameraMatrix()
	motions, err := mvgeom.DecomposeHomography(m.mat, k)
	if err != nil {
		return nil, err
	}

	nInliers := 0
	for _, in := range m.inliers {
		if in {
			nInliers++
		}
	}

	sigma2 := ini.cfg.Sigma * ini.cfg.Sigma
	var best, runnerUpGood = hypothesis{good: -1}, -1
	for _, motion := range motions {
		h := ini.checkRT(motion.R, motion.T, matches, pts1, pts2, m.inliers, 4*sigma2)
		if h.good > best.good {
			runnerUpGood = best.good
			best = h
		} else if h.good > runnerUpGood {
			runnerUpGood = h.good
		}
	}

	switch {
	case float64(runnerUpGood) >= 0.75*float64(best.good):
		return nil, errors.Errorf(
			"ambiguous homography reconstruction: best %d vs runner-up %d points", best.good, runnerUpGood)
	case best.parallax < ini.cfg.MinParallaxDeg:
		return nil, errors.Errorf("insufficient parallax: %.3f deg", best.parallax)
	case best.good <= ini.cfg.MinTriangulated || float64(best.good) <= 0.9*float64(nInliers):
		return nil, errors.Errorf(
			"too few triangulated points: %d of %d inliers", best.good, nInliers)
	}
	return &Result{
		Rotation:     best.r,
		Translation:  best.t,
		Points:       best.points,
		Triangulated: best.goodFlag,
	}, nil
}

// checkRT triangulates the inlier matches against the motion hypothesis
// {r, t} and counts the points that land in front of both cameras with an
// acceptable reprojection error. The returned parallax is the 50th-smallest
// triangulation angle (or the largest available), in degrees.
func (ini *Initializer) checkRT(r *mat.Dense, t r3.Vector, matches []features.Match, pts1, pts2 []r2.Point, inliers []bool, th2 float64) hypothesis {
	k := ini.intrinsics.CameraMatrix()
	p1 := mvgeom.ProjectionMatrix(k, eye3(), r3.Vector{})
	p2 := mvgeom.ProjectionMatrix(k, r, t)
	// camera centers in the reference frame
	o1 := r3.Vector{}
	o2 := mvgeom.MulVecT(r, t).Mul(-1)

	h := hypothesis{
		r:        r,
		t:        t,
		points:   make([]r3.Vector, len(ini.ref.KeyPoints)),
		goodFlag: make([]bool, len(ini.ref.KeyPoints)),
	}
	var cosines []float64
	for i, match := range matches {
		if !inliers[i] {
			continue
		}
		pt, err := mvgeom.TriangulatePoint(pts1[i], pts2[i], p1, p2)
		if err != nil || !mvgeom.IsFinite(pt) {
			continue
		}

		ray1 := pt.Sub(o1)
		ray2 := pt.Sub(o2)
		dist1, dist2 := ray1.Norm(), ray2.Norm()
		cosParallax := ray1.Dot(ray2) / (dist1 * dist2)

		// cheirality in both cameras, tolerated only at negligible parallax
		if pt.Z <= 0 && cosParallax < lowParallaxCos {
			continue
		}
		inCam2 := mvgeom.MulVec(r, pt).Add(t)
		if inCam2.Z <= 0 && cosParallax < lowParallaxCos {
			continue
		}

		proj1 := ini.intrinsics.Project(pt)
		if squaredDist(proj1, pts1[i]) > th2 {
			continue
		}
		proj2 := ini.intrinsics.Project(inCam2)
		if squaredDist(proj2, pts2[i]) > th2 {
			continue
		}

		cosines = append(cosines, cosParallax)
		h.points[match.Ref] = pt
		h.good++
		if cosParallax < lowParallaxCos {
			h.goodFlag[match.Ref] = true
		}
	}

	if len(cosines) > 0 {
		sort.Float64s(cosines)
		idx := len(cosines) - 1
		if idx > 50 {
			idx = 50
		}
		h.parallax = math.Acos(cosines[idx]) * 180 / math.Pi
	}
	return h
}

// reconstructLines triangulates matched line segments against the recovered
// pose, filling the line fields of res in place. Line failures never fail
// the initialization; segments that cannot be reconstructed are left
// unflagged.
func (ini *Initializer) reconstructLines(res *Result, cur Frame, lineMatches []features.Match) {
	res.LineStarts = make([]r3.Vector, len(ini.ref.KeyLines))
	res.LineEnds = make([]r3.Vector, len(ini.ref.KeyLines))
	res.LinesTriangulated = make([]bool, len(ini.ref.KeyLines))

	k := ini.intrinsics.CameraMatrix()
	// F21 maps reference-image points to epipolar lines in the current image.
	f21, err := mvgeom.FundamentalFromPoses(res.Rotation, res.Translation, eye3(), r3.Vector{}, k)
	if err != nil {
		ini.logger.Debugw("skipping line reconstruction", "error", err)
		return
	}
	p1 := mvgeom.ProjectionMatrix(k, eye3(), r3.Vector{})
	p2 := mvgeom.ProjectionMatrix(k, res.Rotation, res.Translation)
	o2 := mvgeom.MulVecT(res.Rotation, res.Translation).Mul(-1)
	th2 := chi2OneDOF * ini.cfg.Sigma * ini.cfg.Sigma

	triangulated := 0
	for _, m := range lineMatches {
		l1 := ini.ref.KeyLines[m.Ref]
		l2 := cur.KeyLines[m.Cur]
		coef1 := features.LineCoefficients(l1.Start, l1.End)
		coef2 := features.LineCoefficients(l2.Start, l2.End)

		if lineNearEpipolar(f21, l1.Start, coef2) || lineNearEpipolar(f21, l1.End, coef2) {
			continue
		}

		start, okS := ini.triangulateEndpoint(coef1, coef2, l1.Start, p1, p2, o2, res.Rotation, res.Translation, th2)
		end, okE := ini.triangulateEndpoint(coef1, coef2, l1.End, p1, p2, o2, res.Rotation, res.Translation, th2)
		if !okS || !okE {
			continue
		}
		res.LineStarts[m.Ref] = start
		res.LineEnds[m.Ref] = end
		res.LinesTriangulated[m.Ref] = true
		triangulated++
	}
	ini.logger.Debugw("line reconstruction", "matched", len(lineMatches), "triangulated", triangulated)
}

// triangulateEndpoint recovers one 3D line endpoint and validates it: finite,
// in front of both cameras, observable parallax, and within the point-to-line
// residual gate in the current view.
func (ini *Initializer) triangulateEndpoint(coef1, coef2 r3.Vector, endpoint r2.Point, p1, p2 *mat.Dense, o2 r3.Vector, r *mat.Dense, t r3.Vector, th2 float64) (r3.Vector, bool) {
	pt, err := mvgeom.TriangulateLineEndpoint(coef1, coef2, endpoint, p1, p2)
	if err != nil || !mvgeom.IsFinite(pt) {
		return r3.Vector{}, false
	}
	if pt.Z <= 0 {
		return r3.Vector{}, false
	}
	inCam2 := mvgeom.MulVec(r, pt).Add(t)
	if inCam2.Z <= 0 {
		return r3.Vector{}, false
	}
	ray1 := pt
	ray2 := pt.Sub(o2)
	if cos := ray1.Dot(ray2) / (ray1.Norm() * ray2.Norm()); cos >= lowParallaxCos {
		return r3.Vector{}, false
	}
	// the reprojected endpoint must land on the observed current-view line
	proj2 := ini.intrinsics.Project(inCam2)
	resid := coef2.X*proj2.X + coef2.Y*proj2.Y + coef2.Z
	if resid*resid > th2 {
		return r3.Vector{}, false
	}
	return pt, true
}

// lineNearEpipolar reports whether the current-view segment runs along the
// epipolar line of a reference-segment endpoint. In that configuration any
// point on the segment satisfies the epipolar constraint and the endpoint's
// depth is unobservable; both endpoints must pass.
func lineNearEpipolar(f21 *mat.Dense, refPt r2.Point, coef2 r3.Vector) bool {
	ea := f21.At(0, 0)*refPt.X + f21.At(0, 1)*refPt.Y + f21.At(0, 2)
	eb := f21.At(1, 0)*refPt.X + f21.At(1, 1)*refPt.Y + f21.At(1, 2)
	// the angle between the line directions equals the angle between the
	// line normals (a, b)
	epiNorm := math.Hypot(ea, eb)
	segNorm := math.Hypot(coef2.X, coef2.Y)
	if epiNorm == 0 || segNorm == 0 {
		return true
	}
	cos := (ea*coef2.X + eb*coef2.Y) / (epiNorm * segNorm)
	return math.Abs(cos) > lineDegeneracyCos
}

func squaredDist(a, b r2.Point) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}

func eye3() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	m.Set(0, 0, 1)
	m.Set(1, 1, 1)
	m.Set(2, 2, 1)
	return m
}
