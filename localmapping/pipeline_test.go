package localmapping

import (
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/YRDcoconut/plmap/features"
	"github.com/YRDcoconut/plmap/mvgeom"
	"github.com/YRDcoconut/plmap/pmap"
)

var testIntrinsics = &mvgeom.Intrinsics{
	Width:  640,
	Height: 480,
	Fx:     500,
	Fy:     500,
	Ppx:    320,
	Ppy:    240,
}

// randomDescriptor returns a 32-byte descriptor unique to seed; two
// different seeds give descriptors far beyond the match threshold.
func randomDescriptor(seed int64) features.Descriptor {
	rng := rand.New(rand.NewSource(seed))
	d := make(features.Descriptor, 32)
	rng.Read(d)
	return d
}

// sceneBuilder assembles keyframes observing a shared synthetic scene.
type sceneBuilder struct {
	m *pmap.Map
	// anchors establish covisibility edges between all built keyframes
	anchors []r3.Vector
	// free points become triangulation candidates, unbound at build time
	free []r3.Vector
	// segments become keyline observations
	segments [][2]r3.Vector
}

func newSceneBuilder(seed int64, nAnchors, nFree int) *sceneBuilder {
	rng := rand.New(rand.NewSource(seed))
	randPt := func() r3.Vector {
		return r3.Vector{
			X: rng.Float64()*4 - 2,
			Y: rng.Float64()*3 - 1.5,
			Z: 4 + rng.Float64()*4,
		}
	}
	b := &sceneBuilder{m: pmap.NewMap()}
	for i := 0; i < nAnchors; i++ {
		b.anchors = append(b.anchors, randPt())
	}
	for i := 0; i < nFree; i++ {
		b.free = append(b.free, randPt())
	}
	return b
}

// buildKeyFrame projects the scene into a camera at pose and registers the
// keyframe. Anchor keypoints occupy the first indices, free points follow,
// both with per-point descriptors shared across keyframes.
func (b *sceneBuilder) buildKeyFrame(pose pmap.Pose) *pmap.KeyFrame {
	var kps []features.KeyPoint
	var descs []features.Descriptor
	for i, w := range append(append([]r3.Vector{}, b.anchors...), b.free...) {
		kps = append(kps, features.KeyPoint{Point: testIntrinsics.Project(pose.ToCamera(w))})
		descs = append(descs, randomDescriptor(int64(1000+i)))
	}
	var kls []features.KeyLine
	var lineDescs []features.Descriptor
	for i, seg := range b.segments {
		kls = append(kls, features.KeyLine{
			Start: testIntrinsics.Project(pose.ToCamera(seg[0])),
			End:   testIntrinsics.Project(pose.ToCamera(seg[1])),
		})
		lineDescs = append(lineDescs, randomDescriptor(int64(5000+i)))
	}
	kf := b.m.NewKeyFrame(pmap.FrameData{
		Pose:            pose,
		Intrinsics:      testIntrinsics,
		KeyPoints:       kps,
		Descriptors:     descs,
		KeyLines:        kls,
		LineDescriptors: lineDescs,
		ScaleFactors:    []float64{1.0, 1.2, 1.44, 1.728},
		LevelSigma2:     []float64{1.0, 1.44, 2.074, 2.986},
	})
	b.m.AddKeyFrame(kf)
	return kf
}

// bindAnchors creates landmarks for the anchor points observed by all the
// given keyframes and refreshes the covisibility graph.
func (b *sceneBuilder) bindAnchors(kfs ...*pmap.KeyFrame) {
	for i, w := range b.anchors {
		p := b.m.NewPoint(w, kfs[0])
		b.m.AddPoint(p)
		for _, kf := range kfs {
			p.AddObservation(kf, i)
		}
	}
	for _, kf := range kfs {
		kf.UpdateConnections()
	}
}

func poseAt(tx, ty, tz float64) pmap.Pose {
	p := pmap.IdentityPose()
	p.T = r3.Vector{X: tx, Y: ty, Z: tz}
	return p
}

func newTestMapping(t *testing.T, m *pmap.Map, cfg Config) *LocalMapping {
	t.Helper()
	lm, err := New(cfg, m, nil, nil, nil, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return lm
}

func TestProcessNewKeyFrame(t *testing.T) {
	b := newSceneBuilder(1, 20, 0)
	kf1 := b.buildKeyFrame(pmap.IdentityPose())
	kf2 := b.buildKeyFrame(poseAt(-0.5, 0, 0))
	b.bindAnchors(kf1)

	// pre-bind the landmarks to kf2's keypoints the way tracking would,
	// without the reverse observation edge
	for i := range b.anchors {
		kf2.SetPoint(i, kf1.Point(i))
	}

	lm := newTestMapping(t, b.m, DefaultConfig())
	lm.current = kf2
	lm.processNewKeyFrame(kf2)

	for i := range b.anchors {
		p := kf2.Point(i)
		test.That(t, p, test.ShouldNotBeNil)
		test.That(t, p.IsInKeyFrame(kf2), test.ShouldBeTrue)
		test.That(t, p.Observations(), test.ShouldEqual, 2)
	}
	// the new keyframe is covisible with the anchor owner
	test.That(t, kf2.ConnectionWeight(kf1.ID()), test.ShouldEqual, 20)
}

func TestCullRecentPoints(t *testing.T) {
	b := newSceneBuilder(2, 16, 0)
	kf1 := b.buildKeyFrame(pmap.IdentityPose())
	kf2 := b.buildKeyFrame(poseAt(-0.5, 0, 0))
	kf3 := b.buildKeyFrame(poseAt(-1.0, 0, 0))
	b.bindAnchors(kf1, kf2, kf3)

	lm := newTestMapping(t, b.m, DefaultConfig())
	lm.current = kf3

	// never matched after creation: found ratio below the cutoff
	badRatio := b.m.NewPoint(r3.Vector{Z: 5}, kf1)
	b.m.AddPoint(badRatio)
	badRatio.IncreaseVisible(9)

	// aged two keyframes with a single observation
	underObserved := b.m.NewPoint(r3.Vector{Z: 5}, kf1)
	b.m.AddPoint(underObserved)
	underObserved.AddObservation(kf1, 0)

	// healthy landmark created from the current keyframe
	healthy := b.m.NewPoint(r3.Vector{Z: 5}, kf3)
	b.m.AddPoint(healthy)
	healthy.AddObservation(kf3, 1)

	lm.recentPoints = []*pmap.MapPoint{badRatio, underObserved, healthy}
	lm.cullRecentLandmarks()

	test.That(t, badRatio.IsBad(), test.ShouldBeTrue)
	test.That(t, underObserved.IsBad(), test.ShouldBeTrue)
	test.That(t, healthy.IsBad(), test.ShouldBeFalse)
	test.That(t, lm.recentPoints, test.ShouldResemble, []*pmap.MapPoint{healthy})
}

func TestCullRecentPointsIdempotent(t *testing.T) {
	b := newSceneBuilder(11, 16, 0)
	kf1 := b.buildKeyFrame(pmap.IdentityPose())
	kf2 := b.buildKeyFrame(poseAt(-0.5, 0, 0))
	kf3 := b.buildKeyFrame(poseAt(-1.0, 0, 0))
	kf4 := b.buildKeyFrame(poseAt(-1.5, 0, 0))
	b.bindAnchors(kf1, kf2, kf3, kf4)

	lm := newTestMapping(t, b.m, DefaultConfig())
	lm.current = kf4

	// a fully resolved review list: one tombstoned landmark and one healthy
	// landmark past the review window
	culled := b.m.NewPoint(r3.Vector{Z: 5}, kf1)
	b.m.AddPoint(culled)
	culled.SetBadFlag()
	retired := b.m.NewPoint(r3.Vector{Z: 5}, kf1)
	b.m.AddPoint(retired)
	for _, kf := range []*pmap.KeyFrame{kf1, kf2, kf3} {
		retired.AddObservation(kf, 0)
	}

	resolved := []*pmap.MapPoint{culled, retired}
	out := lm.cullRecentPoints(resolved)
	test.That(t, len(out), test.ShouldEqual, 0)
	test.That(t, retired.IsBad(), test.ShouldBeFalse)

	// a second pass over the same resolved list changes nothing
	out = lm.cullRecentPoints([]*pmap.MapPoint{culled, retired})
	test.That(t, len(out), test.ShouldEqual, 0)
	test.That(t, culled.IsBad(), test.ShouldBeTrue)
	test.That(t, retired.IsBad(), test.ShouldBeFalse)
	test.That(t, retired.Observations(), test.ShouldEqual, 3)
}

func TestCreateNewMapPoints(t *testing.T) {
	b := newSceneBuilder(3, 16, 30)
	kf1 := b.buildKeyFrame(pmap.IdentityPose())
	kf2 := b.buildKeyFrame(poseAt(-0.5, 0, 0))
	b.bindAnchors(kf1, kf2)

	lm := newTestMapping(t, b.m, DefaultConfig())
	lm.current = kf2
	before := b.m.PointCount()
	lm.createNewMapPoints()

	created := b.m.PointCount() - before
	test.That(t, created, test.ShouldEqual, 30)
	test.That(t, len(lm.recentPoints), test.ShouldEqual, 30)

	for i, w := range b.free {
		p := kf2.Point(len(b.anchors) + i)
		test.That(t, p, test.ShouldNotBeNil)
		pos := p.Position()
		test.That(t, pos.X, test.ShouldAlmostEqual, w.X, 1e-4)
		test.That(t, pos.Y, test.ShouldAlmostEqual, w.Y, 1e-4)
		test.That(t, pos.Z, test.ShouldAlmostEqual, w.Z, 1e-4)
		test.That(t, p.IsInKeyFrame(kf1), test.ShouldBeTrue)
	}
}

func TestCreateNewMapLinesTwoView(t *testing.T) {
	b := newSceneBuilder(4, 16, 0)
	b.segments = [][2]r3.Vector{
		{{X: -1, Y: -1, Z: 5}, {X: -0.9, Y: 1, Z: 5.2}},
		{{X: 0.5, Y: -1.2, Z: 6}, {X: 0.6, Y: 0.8, Z: 6.1}},
		{{X: 1.2, Y: -0.5, Z: 5.5}, {X: 1.0, Y: 1.2, Z: 5.8}},
	}
	kf1 := b.buildKeyFrame(pmap.IdentityPose())
	kf2 := b.buildKeyFrame(poseAt(-0.5, 0, 0))
	b.bindAnchors(kf1, kf2)

	cfg := DefaultConfig()
	cfg.ThreeViewLines = false
	lm := newTestMapping(t, b.m, cfg)
	lm.current = kf2
	lm.createNewMapLines()

	test.That(t, b.m.LineCount(), test.ShouldEqual, len(b.segments))
	for i, seg := range b.segments {
		ln := kf2.Line(i)
		test.That(t, ln, test.ShouldNotBeNil)
		start, end := ln.Endpoints()
		test.That(t, start.X, test.ShouldAlmostEqual, seg[0].X, 1e-4)
		test.That(t, start.Z, test.ShouldAlmostEqual, seg[0].Z, 1e-4)
		test.That(t, end.Y, test.ShouldAlmostEqual, seg[1].Y, 1e-4)
		test.That(t, ln.Observations(), test.ShouldEqual, 2)
	}
}

func TestCreateNewMapLinesThreeView(t *testing.T) {
	b := newSceneBuilder(5, 16, 0)
	b.segments = [][2]r3.Vector{
		{{X: -1, Y: -1, Z: 5}, {X: -0.9, Y: 1, Z: 5.2}},
		{{X: 0.5, Y: -1.2, Z: 6}, {X: 0.6, Y: 0.8, Z: 6.1}},
	}
	kf1 := b.buildKeyFrame(pmap.IdentityPose())
	kf2 := b.buildKeyFrame(poseAt(-0.5, 0, 0))
	kf3 := b.buildKeyFrame(poseAt(-1.0, 0.1, 0))
	b.bindAnchors(kf1, kf2, kf3)

	lm := newTestMapping(t, b.m, DefaultConfig())
	lm.current = kf3
	lm.createNewMapLines()

	test.That(t, b.m.LineCount(), test.ShouldEqual, len(b.segments))
	for i := range b.segments {
		ln := kf3.Line(i)
		test.That(t, ln, test.ShouldNotBeNil)
		// bound in the triangulating pair and the verifying keyframe
		test.That(t, ln.Observations(), test.ShouldEqual, 3)
	}
}

func TestSearchInNeighborsFusesDuplicates(t *testing.T) {
	b := newSceneBuilder(6, 16, 1)
	kf1 := b.buildKeyFrame(pmap.IdentityPose())
	kf2 := b.buildKeyFrame(poseAt(-0.5, 0, 0))
	b.bindAnchors(kf1, kf2)

	freeIdx := len(b.anchors)
	w := b.free[0]

	// the same physical point triangulated twice: one copy bound in kf1,
	// one in kf2
	dup1 := b.m.NewPoint(w, kf1)
	b.m.AddPoint(dup1)
	dup1.AddObservation(kf1, freeIdx)
	dup2 := b.m.NewPoint(w.Add(r3.Vector{X: 1e-5}), kf2)
	b.m.AddPoint(dup2)
	dup2.AddObservation(kf2, freeIdx)
	for _, p := range []*pmap.MapPoint{dup1, dup2} {
		test.That(t, p.ComputeDistinctiveDescriptor(), test.ShouldBeNil)
		p.UpdateNormalAndDepth()
	}

	lm := newTestMapping(t, b.m, DefaultConfig())
	lm.current = kf2
	lm.searchInNeighbors()

	// one of the copies absorbed the other
	merged := kf2.Point(freeIdx)
	test.That(t, merged, test.ShouldNotBeNil)
	test.That(t, merged.IsBad(), test.ShouldBeFalse)
	test.That(t, merged.Observations(), test.ShouldEqual, 2)
	test.That(t, dup1.IsBad() != dup2.IsBad(), test.ShouldBeTrue)
	test.That(t, kf1.Point(freeIdx), test.ShouldEqual, merged)
}

func TestKeyFrameCulling(t *testing.T) {
	b := newSceneBuilder(7, 20, 0)
	kf0 := b.buildKeyFrame(pmap.IdentityPose())
	kf1 := b.buildKeyFrame(poseAt(-0.3, 0, 0))
	kf2 := b.buildKeyFrame(poseAt(-0.6, 0, 0))
	kf3 := b.buildKeyFrame(poseAt(-0.9, 0, 0))
	kf4 := b.buildKeyFrame(poseAt(-1.2, 0, 0))
	b.bindAnchors(kf0, kf1, kf2, kf3, kf4)

	lm := newTestMapping(t, b.m, DefaultConfig())
	lm.current = kf4
	lm.keyFrameCulling()

	// every landmark of the middle keyframes is tracked by four others at
	// the same octave, so they are fully redundant; the origin is exempt
	test.That(t, kf0.IsBad(), test.ShouldBeFalse)
	culled := 0
	for _, kf := range []*pmap.KeyFrame{kf1, kf2, kf3} {
		if kf.IsBad() {
			culled++
		}
	}
	test.That(t, culled, test.ShouldBeGreaterThanOrEqualTo, 1)
}

func TestKeyFrameCullingIdempotent(t *testing.T) {
	b := newSceneBuilder(12, 20, 0)
	kfs := []*pmap.KeyFrame{
		b.buildKeyFrame(pmap.IdentityPose()),
		b.buildKeyFrame(poseAt(-0.3, 0, 0)),
		b.buildKeyFrame(poseAt(-0.6, 0, 0)),
		b.buildKeyFrame(poseAt(-0.9, 0, 0)),
		b.buildKeyFrame(poseAt(-1.2, 0, 0)),
	}
	b.bindAnchors(kfs...)

	lm := newTestMapping(t, b.m, DefaultConfig())
	lm.current = kfs[4]
	lm.keyFrameCulling()

	badAfterFirst := make([]bool, len(kfs))
	for i, kf := range kfs {
		badAfterFirst[i] = kf.IsBad()
	}

	// culling already dropped every redundant keyframe; a second pass over
	// the settled graph retires nothing further
	lm.keyFrameCulling()
	for i, kf := range kfs {
		test.That(t, kf.IsBad(), test.ShouldEqual, badAfterFirst[i])
	}
}

func TestKeyFrameCullingKeepsUniqueObservers(t *testing.T) {
	b := newSceneBuilder(8, 20, 0)
	kf0 := b.buildKeyFrame(pmap.IdentityPose())
	kf1 := b.buildKeyFrame(poseAt(-0.3, 0, 0))
	kf2 := b.buildKeyFrame(poseAt(-0.6, 0, 0))
	b.bindAnchors(kf0, kf1, kf2)

	lm := newTestMapping(t, b.m, DefaultConfig())
	lm.current = kf2
	lm.keyFrameCulling()

	// three observers total: no landmark clears the redundancy bar
	test.That(t, kf1.IsBad(), test.ShouldBeFalse)
	test.That(t, kf2.IsBad(), test.ShouldBeFalse)
}

func TestFuseBindsProjectedLandmark(t *testing.T) {
	b := newSceneBuilder(9, 16, 1)
	// between the two camera centers in X, so the viewing distance from
	// either stays inside the landmark's scale-invariance range
	b.free[0] = r3.Vector{X: 0.25, Z: 5}
	kf1 := b.buildKeyFrame(pmap.IdentityPose())
	kf2 := b.buildKeyFrame(poseAt(-0.5, 0, 0))
	b.bindAnchors(kf1, kf2)

	freeIdx := len(b.anchors)
	p := b.m.NewPoint(b.free[0], kf1)
	b.m.AddPoint(p)
	p.AddObservation(kf1, freeIdx)
	test.That(t, p.ComputeDistinctiveDescriptor(), test.ShouldBeNil)
	p.UpdateNormalAndDepth()

	pm := NewProjectionMatcher(1.0)
	fused := pm.Fuse(kf2, []*pmap.MapPoint{p})
	test.That(t, fused, test.ShouldEqual, 1)
	test.That(t, kf2.Point(freeIdx), test.ShouldEqual, p)
	test.That(t, p.Observations(), test.ShouldEqual, 2)
}

func TestSearchForTriangulationRejectsOffEpipolar(t *testing.T) {
	b := newSceneBuilder(10, 16, 2)
	kf1 := b.buildKeyFrame(pmap.IdentityPose())
	kf2 := b.buildKeyFrame(poseAt(-0.5, 0, 0))
	b.bindAnchors(kf1, kf2)

	f12, err := kf2.FundamentalTo(kf1)
	test.That(t, err, test.ShouldBeNil)
	pm := NewProjectionMatcher(1.0)
	matches := pm.SearchForTriangulation(kf2, kf1, f12)
	test.That(t, len(matches), test.ShouldEqual, 2)

	// a frame whose keypoints sit far off their epipolar lines yields no
	// matches even with identical descriptors; the pure-X baseline keeps
	// every epipolar line horizontal well inside the image
	shifted := b.m.NewKeyFrame(pmap.FrameData{
		Pose:       poseAt(-0.8, 0, 0),
		Intrinsics: testIntrinsics,
		KeyPoints: []features.KeyPoint{
			{Point: r2.Point{X: 50, Y: 465}},
			{Point: r2.Point{X: 600, Y: 10}},
		},
		Descriptors: []features.Descriptor{
			randomDescriptor(int64(1000 + len(b.anchors))),
			randomDescriptor(int64(1000 + len(b.anchors) + 1)),
		},
		ScaleFactors: []float64{1.0, 1.2},
		LevelSigma2:  []float64{1.0, 1.44},
	})
	f12s, err := kf2.FundamentalTo(shifted)
	test.That(t, err, test.ShouldBeNil)
	matches = pm.SearchForTriangulation(kf2, shifted, f12s)
	test.That(t, len(matches), test.ShouldEqual, 0)
}
