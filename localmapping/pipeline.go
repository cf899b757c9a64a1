package localmapping

import (
	"math"
	"sync"

	"github.com/golang/geo/r3"
	goutils "go.viam.com/utils"

	"github.com/YRDcoconut/plmap/mvgeom"
	"github.com/YRDcoconut/plmap/pmap"
)

const (
	// recent-landmark culling windows, in keyframes since creation
	cullObsCheckAge = 2
	cullRetireAge   = 3
	// observation floors for the culling check
	monoObsFloor    = 2
	defaultObsFloor = 3
	// keyframeCullObs observers must track a landmark at least as finely for
	// it to count as redundant
	keyframeCullObs = 3
	// minBaselineDepthRatio skips monocular triangulation against neighbors
	// whose baseline is negligible relative to the scene depth
	minBaselineDepthRatio = 0.01
	// triangulation decision cutoff: rays more parallel than this fall back
	// to stereo depth or are dropped
	rayParallaxCos = 0.9998
	// chi-square reprojection gates at 95% confidence: 2 DOF monocular,
	// 3 DOF stereo, 1 DOF per line endpoint
	chi2Mono         = 5.991
	chi2Stereo       = 7.8
	chi2LineEndpoint = 3.84
)

// neighbor counts per stage; monocular scenes search wider because every
// landmark needs a second view
func (l *LocalMapping) triangulationNeighbors() int {
	if l.cfg.Monocular {
		return 20
	}
	return 10
}

func (l *LocalMapping) lineNeighbors() int {
	if l.cfg.Monocular {
		return 10
	}
	return 5
}

func (l *LocalMapping) obsFloor() int {
	if l.cfg.Monocular {
		return monoObsFloor
	}
	return defaultObsFloor
}

// processNewKeyFrame integrates a queued keyframe: tracked landmarks learn
// the new observation, freshly created ones enter the recent lists for later
// review, and the covisibility graph picks up the keyframe.
func (l *LocalMapping) processNewKeyFrame(kf *pmap.KeyFrame) {
	if err := kf.ComputeAggregateDescriptor(); err != nil {
		l.logger.Debugw("aggregate descriptor", "keyframe", kf.ID(), "error", err)
	}

	for i, p := range kf.Points() {
		if p == nil || p.IsBad() {
			continue
		}
		if !p.IsInKeyFrame(kf) {
			p.AddObservation(kf, i)
			p.UpdateNormalAndDepth()
			if err := p.ComputeDistinctiveDescriptor(); err != nil {
				l.logger.Debugw("point descriptor", "point", p.ID(), "error", err)
			}
		} else {
			// bound at creation time (stereo insertion); review it
			l.recentPoints = append(l.recentPoints, p)
		}
	}
	for i, ln := range kf.Lines() {
		if ln == nil || ln.IsBad() {
			continue
		}
		if !ln.IsInKeyFrame(kf) {
			ln.AddObservation(kf, i)
			ln.UpdateAverageDirection()
			if err := ln.ComputeDistinctiveDescriptor(); err != nil {
				l.logger.Debugw("line descriptor", "line", ln.ID(), "error", err)
			}
		} else {
			l.recentLines = append(l.recentLines, ln)
		}
	}

	kf.UpdateConnections()
	l.m.AddKeyFrame(kf)
}

// runPair runs the point and line halves of a stage concurrently and waits
// for both.
func runPair(points, lines func()) {
	var wg sync.WaitGroup
	wg.Add(2)
	goutils.PanicCapturingGo(func() {
		defer wg.Done()
		points()
	})
	goutils.PanicCapturingGo(func() {
		defer wg.Done()
		lines()
	})
	wg.Wait()
}

// cullRecentLandmarks reviews the recently created points and lines in a
// parallel pair, dropping landmarks that tracking failed to confirm.
func (l *LocalMapping) cullRecentLandmarks() {
	runPair(
		func() { l.recentPoints = l.cullRecentPoints(l.recentPoints) },
		func() { l.recentLines = l.cullRecentLines(l.recentLines) },
	)
}

func (l *LocalMapping) cullRecentPoints(recent []*pmap.MapPoint) []*pmap.MapPoint {
	curID := l.current.ID()
	thObs := l.obsFloor()
	kept := recent[:0]
	for _, p := range recent {
		age := curID - p.FirstKeyFrameID()
		switch {
		case p.IsBad():
		case p.FoundRatio() < l.cfg.CullFoundRatio:
			p.SetBadFlag()
		case age >= cullObsCheckAge && p.Observations() <= thObs:
			p.SetBadFlag()
		case age >= cullRetireAge:
			// survived the review window
		default:
			kept = append(kept, p)
		}
	}
	return kept
}

func (l *LocalMapping) cullRecentLines(recent []*pmap.MapLine) []*pmap.MapLine {
	curID := l.current.ID()
	thObs := l.obsFloor()
	kept := recent[:0]
	for _, ln := range recent {
		age := curID - ln.FirstKeyFrameID()
		switch {
		case ln.IsBad():
		case ln.FoundRatio() < l.cfg.CullFoundRatio:
			ln.SetBadFlag()
		case age >= cullObsCheckAge && ln.Observations() <= thObs:
			ln.SetBadFlag()
		case age >= cullRetireAge:
		default:
			kept = append(kept, ln)
		}
	}
	return kept
}

// createNewLandmarks triangulates new points and lines against covisible
// neighbors, as a parallel pair.
func (l *LocalMapping) createNewLandmarks() {
	runPair(l.createNewMapPoints, l.createNewMapLines)
}

// createNewMapPoints triangulates epipolar matches between the current
// keyframe and its best covisible neighbors. When the queue refills mid-way
// the remaining neighbors are skipped so the pipeline keeps up.
func (l *LocalMapping) createNewMapPoints() {
	cur := l.current
	pose1 := cur.Pose()
	o1 := pose1.CameraCenter()
	in1 := cur.Intrinsics()
	p1 := cur.ProjectionMatrix()
	ratioFactor := 1.5 * levelScale(cur)

	created := 0
	for i, kf2 := range cur.BestCovisibleKeyFrames(l.triangulationNeighbors()) {
		if i > 0 && l.checkNewKeyFrames() {
			break
		}
		o2 := kf2.CameraCenter()
		baseline := o2.Sub(o1).Norm()
		if l.cfg.Monocular {
			med := kf2.SceneMedianDepth(2)
			if med <= 0 || baseline/med < minBaselineDepthRatio {
				continue
			}
		} else if baseline < kf2.StereoBaseline() {
			continue
		}

		f12, err := cur.FundamentalTo(kf2)
		if err != nil {
			l.logger.Debugw("fundamental between keyframes", "kf1", cur.ID(), "kf2", kf2.ID(), "error", err)
			continue
		}
		matches := l.matcher.SearchForTriangulation(cur, kf2, f12)

		pose2 := kf2.Pose()
		in2 := kf2.Intrinsics()
		p2 := kf2.ProjectionMatrix()
		for _, match := range matches {
			idx1, idx2 := match.Ref, match.Cur
			kp1 := cur.KeyPoint(idx1)
			kp2 := kf2.KeyPoint(idx2)
			ur1 := cur.RightU(idx1)
			ur2 := kf2.RightU(idx2)
			stereo1 := ur1 >= 0
			stereo2 := ur2 >= 0

			ray1 := pose1.RotateToWorld(in1.Unproject(kp1.Point))
			ray2 := pose2.RotateToWorld(in2.Unproject(kp2.Point))
			cosRays := ray1.Dot(ray2) / (ray1.Norm() * ray2.Norm())

			// stereo parallax: the angle subtended by the stereo baseline
			cosStereo1, cosStereo2 := 2.0, 2.0
			if stereo1 {
				cosStereo1 = math.Cos(2 * math.Atan2(cur.StereoBaseline()/2, cur.Depth(idx1)))
			}
			if stereo2 {
				cosStereo2 = math.Cos(2 * math.Atan2(kf2.StereoBaseline()/2, kf2.Depth(idx2)))
			}
			cosStereo := math.Min(cosStereo1, cosStereo2)

			var x3D r3.Vector
			switch {
			case cosRays < cosStereo && cosRays > 0 && (stereo1 || stereo2 || cosRays < rayParallaxCos):
				pt, err := mvgeom.TriangulatePoint(kp1.Point, kp2.Point, p1, p2)
				if err != nil || !mvgeom.IsFinite(pt) {
					continue
				}
				x3D = pt
			case stereo1 && cosStereo1 < cosStereo2:
				pt, ok := cur.UnprojectStereo(idx1)
				if !ok {
					continue
				}
				x3D = pt
			case stereo2 && cosStereo2 < cosStereo1:
				pt, ok := kf2.UnprojectStereo(idx2)
				if !ok {
					continue
				}
				x3D = pt
			default:
				continue
			}

			cam1 := pose1.ToCamera(x3D)
			if cam1.Z <= 0 {
				continue
			}
			cam2 := pose2.ToCamera(x3D)
			if cam2.Z <= 0 {
				continue
			}

			sigma21 := cur.LevelSigma2(kp1.Octave)
			proj1 := in1.Project(cam1)
			e1x := proj1.X - kp1.Point.X
			e1y := proj1.Y - kp1.Point.Y
			if stereo1 {
				er := (proj1.X - cur.StereoBaseline()*in1.Fx/cam1.Z) - ur1
				if e1x*e1x+e1y*e1y+er*er > chi2Stereo*sigma21 {
					continue
				}
			} else if e1x*e1x+e1y*e1y > chi2Mono*sigma21 {
				continue
			}

			sigma22 := kf2.LevelSigma2(kp2.Octave)
			proj2 := in2.Project(cam2)
			e2x := proj2.X - kp2.Point.X
			e2y := proj2.Y - kp2.Point.Y
			if stereo2 {
				er := (proj2.X - kf2.StereoBaseline()*in2.Fx/cam2.Z) - ur2
				if e2x*e2x+e2y*e2y+er*er > chi2Stereo*sigma22 {
					continue
				}
			} else if e2x*e2x+e2y*e2y > chi2Mono*sigma22 {
				continue
			}

			// scale consistency: the depth ratio must agree with the octave
			// ratio up to ratioFactor
			dist1 := x3D.Sub(o1).Norm()
			dist2 := x3D.Sub(o2).Norm()
			if dist1 == 0 || dist2 == 0 {
				continue
			}
			ratioDist := dist2 / dist1
			ratioOctave := cur.ScaleFactor(kp1.Octave) / kf2.ScaleFactor(kp2.Octave)
			if ratioDist*ratioFactor < ratioOctave || ratioDist > ratioOctave*ratioFactor {
				continue
			}

			p := l.m.NewPoint(x3D, cur)
			p.AddObservation(cur, idx1)
			p.AddObservation(kf2, idx2)
			if err := p.ComputeDistinctiveDescriptor(); err != nil {
				l.logger.Debugw("point descriptor", "point", p.ID(), "error", err)
			}
			p.UpdateNormalAndDepth()
			l.m.AddPoint(p)
			l.recentPoints = append(l.recentPoints, p)
			created++
		}
	}
	if created > 0 {
		l.logger.Debugw("created map points", "keyframe", cur.ID(), "count", created)
	}
}

// searchInNeighbors merges duplicated landmarks between the current keyframe
// and its first- and second-order covisibility neighborhood, then refreshes
// the surviving landmarks and the covisibility graph.
func (l *LocalMapping) searchInNeighbors() {
	cur := l.current
	nn := 10
	if l.cfg.Monocular {
		nn = 20
	}

	var targets []*pmap.KeyFrame
	for _, kf2 := range cur.BestCovisibleKeyFrames(nn) {
		if kf2.IsBad() || kf2.FuseTargetFor() == cur.ID() {
			continue
		}
		kf2.SetFuseTargetFor(cur.ID())
		targets = append(targets, kf2)
		for _, kf3 := range kf2.BestCovisibleKeyFrames(5) {
			if kf3.IsBad() || kf3.FuseTargetFor() == cur.ID() || kf3.ID() == cur.ID() {
				continue
			}
			kf3.SetFuseTargetFor(cur.ID())
			targets = append(targets, kf3)
		}
	}
	if len(targets) == 0 {
		return
	}

	// push the current keyframe's landmarks into the neighborhood
	curPoints := cur.Points()
	curLines := cur.Lines()
	for _, kf2 := range targets {
		l.matcher.Fuse(kf2, curPoints)
		l.matcher.FuseLines(kf2, curLines)
	}

	// pull the neighborhood's landmarks into the current keyframe
	var fusePoints []*pmap.MapPoint
	var fuseLines []*pmap.MapLine
	for _, kf2 := range targets {
		for _, p := range kf2.Points() {
			if p == nil || p.IsBad() || p.FuseCandidateFor() == cur.ID() {
				continue
			}
			p.SetFuseCandidateFor(cur.ID())
			fusePoints = append(fusePoints, p)
		}
		for _, ln := range kf2.Lines() {
			if ln == nil || ln.IsBad() || ln.FuseCandidateFor() == cur.ID() {
				continue
			}
			ln.SetFuseCandidateFor(cur.ID())
			fuseLines = append(fuseLines, ln)
		}
	}
	l.matcher.Fuse(cur, fusePoints)
	l.matcher.FuseLines(cur, fuseLines)

	for _, p := range cur.Points() {
		if p == nil || p.IsBad() {
			continue
		}
		if err := p.ComputeDistinctiveDescriptor(); err != nil {
			l.logger.Debugw("point descriptor", "point", p.ID(), "error", err)
		}
		p.UpdateNormalAndDepth()
	}
	for _, ln := range cur.Lines() {
		if ln == nil || ln.IsBad() {
			continue
		}
		if err := ln.ComputeDistinctiveDescriptor(); err != nil {
			l.logger.Debugw("line descriptor", "line", ln.ID(), "error", err)
		}
		ln.UpdateAverageDirection()
	}
	cur.UpdateConnections()
}

// keyFrameCulling retires covisible keyframes whose landmarks are almost all
// tracked at least as finely by three other keyframes. The origin keyframe
// is exempt.
func (l *LocalMapping) keyFrameCulling() {
	for _, kf := range l.current.CovisibleKeyFrames() {
		if kf.ID() == 0 || kf.IsBad() {
			continue
		}
		nLandmarks := 0
		nRedundant := 0
		for i, p := range kf.Points() {
			if p == nil || p.IsBad() {
				continue
			}
			if !l.cfg.Monocular {
				// only close stereo points argue for keeping a keyframe
				if d := kf.Depth(i); d < 0 || d > kf.DepthThreshold() {
					continue
				}
			}
			nLandmarks++
			if p.Observations() <= keyframeCullObs {
				continue
			}
			octave := kf.KeyPoint(i).Octave
			nObs := 0
			for obsID, idx := range p.ObservationMap() {
				if obsID == kf.ID() {
					continue
				}
				other := l.m.KeyFrame(obsID)
				if other == nil || other.IsBad() {
					continue
				}
				if other.KeyPoint(idx).Octave <= octave+1 {
					nObs++
					if nObs >= keyframeCullObs {
						break
					}
				}
			}
			if nObs >= keyframeCullObs {
				nRedundant++
			}
		}
		if nLandmarks > 0 && float64(nRedundant) > l.cfg.RedundantObsRatio*float64(nLandmarks) {
			l.logger.Debugw("culling redundant keyframe", "keyframe", kf.ID(),
				"redundant", nRedundant, "landmarks", nLandmarks)
			kf.SetBadFlag()
		}
	}
}
