package localmapping

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/YRDcoconut/plmap/features"
	"github.com/YRDcoconut/plmap/mvgeom"
	"github.com/YRDcoconut/plmap/pmap"
)

const (
	// epipolar-degeneracy cutoffs: a segment running along the epipolar
	// direction has unobservable endpoints. The three-view variant can
	// afford a looser two-view gate because the verifier catches the rest.
	lineDegeneracyCos          = 0.98
	threeViewLineDegeneracyCos = 0.996
	// lineCoplanarityCos rejects a reconstruction whose direction leaves the
	// back-projected plane of the verifying view's observation.
	lineCoplanarityCos = 0.0087
	// minLineOverlap is the required mutual overlap between the observed and
	// reprojected segments, along the dominant image axis.
	minLineOverlap = 0.85
	// depth-scale gates relative to the neighbor keyframe's scene median
	// depth: endpoints hugging a camera center and overlong segments are
	// artifacts of a bad endpoint correspondence.
	minEndpointDepthRatio = 0.3
	maxLineLengthRatio    = 1.0
)

// createNewMapLines triangulates matched line segments between the current
// keyframe and its covisible neighbors. With ThreeViewLines enabled, each
// reconstruction must additionally be re-observed consistently in a second
// neighbor before it becomes a landmark.
func (l *LocalMapping) createNewMapLines() {
	cur := l.current
	if cur.KeyLineCount() == 0 {
		return
	}
	pose1 := cur.Pose()
	o1 := pose1.CameraCenter()
	in1 := cur.Intrinsics()
	p1 := cur.ProjectionMatrix()

	neighbors := cur.BestCovisibleKeyFrames(l.lineNeighbors())
	threeView := l.cfg.ThreeViewLines && len(neighbors) >= 2
	degenCos := lineDegeneracyCos
	if threeView {
		degenCos = threeViewLineDegeneracyCos
	}

	created := 0
	for i, kf2 := range neighbors {
		if i > 0 && l.checkNewKeyFrames() {
			break
		}
		if kf2.IsBad() {
			continue
		}
		o2 := kf2.CameraCenter()
		baseline := o2.Sub(o1).Norm()
		medianDepth2 := kf2.SceneMedianDepth(2)
		if l.cfg.Monocular {
			if medianDepth2 <= 0 || baseline/medianDepth2 < minBaselineDepthRatio {
				continue
			}
		} else if baseline < kf2.StereoBaseline() {
			continue
		}
		f12, err := cur.FundamentalTo(kf2)
		if err != nil {
			continue
		}
		matches := l.matcher.SearchLinesForTriangulation(cur, kf2)
		if len(matches) == 0 {
			continue
		}
		offsets, offMean, offStd := midpointOffsets(cur, kf2, matches)

		pose2 := kf2.Pose()
		in2 := kf2.Intrinsics()
		p2 := kf2.ProjectionMatrix()

		// the verifying view is the best neighbor other than kf2
		var kf3 *pmap.KeyFrame
		var matches13 map[int]int
		if threeView {
			for _, cand := range neighbors {
				if cand.ID() != kf2.ID() && !cand.IsBad() {
					kf3 = cand
					break
				}
			}
			if kf3 != nil {
				matches13 = map[int]int{}
				for _, m13 := range l.matcher.SearchLinesForTriangulation(cur, kf3) {
					matches13[m13.Ref] = m13.Cur
				}
			}
		}

		for mi, match := range matches {
			// segments whose image midpoints drifted far beyond the batch
			// mean are mismatches
			if offsets[mi]-offMean > 3*offStd {
				continue
			}
			kl1 := cur.KeyLine(match.Ref)
			kl2 := kf2.KeyLine(match.Cur)
			coef1 := features.LineCoefficients(kl1.Start, kl1.End)
			coef2 := features.LineCoefficients(kl2.Start, kl2.End)
			if coef1.Norm() == 0 || coef2.Norm() == 0 {
				continue
			}
			if lineAlongEpipolar(f12, kl1.Start, coef2, degenCos) ||
				lineAlongEpipolar(f12, kl1.End, coef2, degenCos) {
				continue
			}

			start, err := mvgeom.TriangulateLineEndpoint(coef1, coef2, kl1.Start, p1, p2)
			if err != nil || !mvgeom.IsFinite(start) {
				continue
			}
			end, err := mvgeom.TriangulateLineEndpoint(coef1, coef2, kl1.End, p1, p2)
			if err != nil || !mvgeom.IsFinite(end) {
				continue
			}
			if medianDepth2 > 0 {
				if start.Sub(o1).Norm()/medianDepth2 < minEndpointDepthRatio ||
					start.Sub(o2).Norm()/medianDepth2 < minEndpointDepthRatio ||
					end.Sub(o1).Norm()/medianDepth2 < minEndpointDepthRatio ||
					end.Sub(o2).Norm()/medianDepth2 < minEndpointDepthRatio {
					continue
				}
				if start.Sub(end).Norm()/medianDepth2 > maxLineLengthRatio {
					continue
				}
			}
			if pose1.Depth(start) <= 0 || pose1.Depth(end) <= 0 ||
				pose2.Depth(start) <= 0 || pose2.Depth(end) <= 0 {
				continue
			}

			sigma21 := cur.LevelSigma2(kl1.Octave)
			if !lineObservationFit(start, end, pose1, in1, kl1, chi2LineEndpoint*sigma21, threeView) {
				continue
			}
			sigma22 := kf2.LevelSigma2(kl2.Octave)
			if !lineObservationFit(start, end, pose2, in2, kl2, chi2LineEndpoint*sigma22, threeView) {
				continue
			}

			var idx3 int
			if kf3 != nil {
				var ok bool
				idx3, ok = matches13[match.Ref]
				if !ok || !verifyLineInView(start, end, kf3, idx3) {
					continue
				}
			}
			ln := l.m.NewLine(start, end, cur)
			ln.AddObservation(cur, match.Ref)
			ln.AddObservation(kf2, match.Cur)
			if kf3 != nil {
				ln.AddObservation(kf3, idx3)
			}
			if err := ln.ComputeDistinctiveDescriptor(); err != nil {
				l.logger.Debugw("line descriptor", "line", ln.ID(), "error", err)
			}
			ln.UpdateAverageDirection()
			l.m.AddLine(ln)
			l.recentLines = append(l.recentLines, ln)
			created++
		}
	}
	if created > 0 {
		l.logger.Debugw("created map lines", "keyframe", cur.ID(), "count", created)
	}
}

// midpointOffsets measures the image distance between each matched pair's
// segment midpoints, with the batch mean and sample standard deviation. A
// mismatched pair shows up as a midpoint offset far above the mean.
func midpointOffsets(kf1, kf2 *pmap.KeyFrame, matches []features.Match) (offsets []float64, mean, std float64) {
	offsets = make([]float64, len(matches))
	for i, m := range matches {
		m1 := kf1.KeyLine(m.Ref).Midpoint()
		m2 := kf2.KeyLine(m.Cur).Midpoint()
		offsets[i] = math.Hypot(m1.X-m2.X, m1.Y-m2.Y)
		mean += offsets[i]
	}
	mean /= float64(len(matches))
	if len(matches) < 2 {
		return offsets, mean, 0
	}
	var accum float64
	for _, off := range offsets {
		d := off - mean
		accum += d * d
	}
	return offsets, mean, math.Sqrt(accum / float64(len(matches)-1))
}

// verifyLineInView checks a reconstructed segment against an observation in
// a third keyframe: in front of the camera, direction inside the observed
// line's back-projected plane, endpoints on the observed line, and the
// reprojected segment overlapping the observed one.
func verifyLineInView(start, end r3.Vector, kf *pmap.KeyFrame, idx int) bool {
	pose := kf.Pose()
	in := kf.Intrinsics()
	kl := kf.KeyLine(idx)
	coef := features.LineCoefficients(kl.Start, kl.End)
	if coef.Norm() == 0 {
		return false
	}

	// the plane through the camera center containing the observed line has
	// camera-frame normal K^T * l
	normal := pose.RotateToWorld(r3.Vector{
		X: in.Fx * coef.X,
		Y: in.Fy * coef.Y,
		Z: in.Ppx*coef.X + in.Ppy*coef.Y + coef.Z,
	})
	dir := end.Sub(start)
	if n := dir.Norm() * normal.Norm(); n == 0 {
		return false
	} else if math.Abs(dir.Dot(normal))/n > lineCoplanarityCos {
		return false
	}

	return lineObservationFit(start, end, pose, in, kl, chi2LineEndpoint*kf.LevelSigma2(kl.Octave), true)
}

// lineObservationFit reprojects both 3D endpoints into a view and checks the
// squared distance to the observed infinite line against th; with overlap set
// the reprojected segment must also cover the observed one.
func lineObservationFit(start, end r3.Vector, pose pmap.Pose, in *mvgeom.Intrinsics, kl features.KeyLine, th float64, overlap bool) bool {
	camS := pose.ToCamera(start)
	camE := pose.ToCamera(end)
	if camS.Z <= 0 || camE.Z <= 0 {
		return false
	}
	coef := features.LineCoefficients(kl.Start, kl.End)
	pxS := in.Project(camS)
	pxE := in.Project(camE)
	rs := coef.X*pxS.X + coef.Y*pxS.Y + coef.Z
	re := coef.X*pxE.X + coef.Y*pxE.Y + coef.Z
	if rs*rs > th || re*re > th {
		return false
	}
	return !overlap || segmentsOverlap(kl.Start, kl.End, pxS, pxE)
}

// segmentsOverlap projects both segments onto the observed segment's
// dominant image axis and requires each to cover at least minLineOverlap of
// the other.
func segmentsOverlap(obsStart, obsEnd, projStart, projEnd r2.Point) bool {
	dx := math.Abs(obsEnd.X - obsStart.X)
	dy := math.Abs(obsEnd.Y - obsStart.Y)
	axis := func(p r2.Point) float64 { return p.X }
	if dy > dx {
		axis = func(p r2.Point) float64 { return p.Y }
	}
	obsLo, obsHi := minMax(axis(obsStart), axis(obsEnd))
	projLo, projHi := minMax(axis(projStart), axis(projEnd))
	inter := math.Min(obsHi, projHi) - math.Max(obsLo, projLo)
	if inter <= 0 {
		return false
	}
	obsLen := obsHi - obsLo
	projLen := projHi - projLo
	if obsLen == 0 || projLen == 0 {
		return false
	}
	return inter/obsLen >= minLineOverlap && inter/projLen >= minLineOverlap
}

func minMax(a, b float64) (lo, hi float64) {
	if a < b {
		return a, b
	}
	return b, a
}

// lineAlongEpipolar reports whether the matched segment in the second view
// runs along the epipolar line of a first-view segment endpoint; f12
// satisfies x1^T * f12 * x2 = 0, so the epipolar line is f12^T * x1. Both
// endpoints must pass for a pair to be usable.
func lineAlongEpipolar(f12 *mat.Dense, pt r2.Point, coef2 r3.Vector, cosTh float64) bool {
	ea := f12.At(0, 0)*pt.X + f12.At(1, 0)*pt.Y + f12.At(2, 0)
	eb := f12.At(0, 1)*pt.X + f12.At(1, 1)*pt.Y + f12.At(2, 1)
	epiNorm := math.Hypot(ea, eb)
	segNorm := math.Hypot(coef2.X, coef2.Y)
	if epiNorm == 0 || segNorm == 0 {
		return true
	}
	cos := (ea*coef2.X + eb*coef2.Y) / (epiNorm * segNorm)
	return math.Abs(cos) > cosTh
}
