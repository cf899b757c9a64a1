package pmap

import (
	"sort"
	"sync"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/YRDcoconut/plmap/features"
	"github.com/YRDcoconut/plmap/mvgeom"
)

// covisibilityWeightThreshold is the minimum number of shared landmarks for
// a covisibility edge. Keyframes sharing fewer observations are connected
// only when no neighbor clears the threshold.
const covisibilityWeightThreshold = 15

// FrameData carries everything tracking resolved for a new keyframe: pose,
// undistorted features with descriptors, optional per-keypoint stereo
// measurements, and the detector's scale pyramid.
type FrameData struct {
	Pose       Pose
	Intrinsics *mvgeom.Intrinsics

	KeyPoints   []features.KeyPoint
	Descriptors []features.Descriptor
	// Depths and RightU hold stereo depth and right-image u-coordinate per
	// keypoint; negative entries mean no stereo measurement. Both may be nil
	// for pure monocular input.
	Depths []float64
	RightU []float64

	KeyLines        []features.KeyLine
	LineDescriptors []features.Descriptor

	// ScaleFactors[i] is the pyramid scale at octave i; LevelSigma2[i] the
	// squared measurement noise at that octave.
	ScaleFactors []float64
	LevelSigma2  []float64

	// StereoBaseline and DepthThreshold are zero for monocular input.
	StereoBaseline float64
	DepthThreshold float64
}

// KeyFrame is a retained camera observation anchoring map growth and
// optimization. Feature data is immutable after construction; pose, landmark
// bindings and covisibility edges are guarded by the keyframe's own lock.
type KeyFrame struct {
	id int64
	m  *Map

	intrinsics *mvgeom.Intrinsics

	keyPoints   []features.KeyPoint
	descriptors []features.Descriptor
	depths      []float64
	rightU      []float64

	keyLines        []features.KeyLine
	lineDescriptors []features.Descriptor

	scaleFactors []float64
	levelSigma2  []float64

	stereoBaseline float64
	depthThreshold float64

	mu            sync.RWMutex
	pose          Pose
	points        []int64 // landmark ID per keypoint index, 0 = unbound
	lines         []int64 // landmark ID per keyline index, 0 = unbound
	connections   map[int64]int
	ordered       []int64 // connected keyframe IDs by descending weight
	aggregateDesc features.Descriptor
	fuseTargetFor int64
	bad           bool
}

func newKeyFrame(id int64, m *Map, data FrameData) *KeyFrame {
	depths := data.Depths
	if depths == nil {
		depths = make([]float64, len(data.KeyPoints))
		for i := range depths {
			depths[i] = -1
		}
	}
	rightU := data.RightU
	if rightU == nil {
		rightU = make([]float64, len(data.KeyPoints))
		for i := range rightU {
			rightU[i] = -1
		}
	}
	return &KeyFrame{
		id:              id,
		m:               m,
		intrinsics:      data.Intrinsics,
		keyPoints:       data.KeyPoints,
		descriptors:     data.Descriptors,
		depths:          depths,
		rightU:          rightU,
		keyLines:        data.KeyLines,
		lineDescriptors: data.LineDescriptors,
		scaleFactors:    data.ScaleFactors,
		levelSigma2:     data.LevelSigma2,
		stereoBaseline:  data.StereoBaseline,
		depthThreshold:  data.DepthThreshold,
		pose:            data.Pose,
		points:          make([]int64, len(data.KeyPoints)),
		lines:           make([]int64, len(data.KeyLines)),
		connections:     map[int64]int{},
		fuseTargetFor:   -1,
	}
}

// ID returns the keyframe's stable arena ID.
func (kf *KeyFrame) ID() int64 { return kf.id }

// Intrinsics returns the shared calibration of the session camera.
func (kf *KeyFrame) Intrinsics() *mvgeom.Intrinsics { return kf.intrinsics }

// Pose returns the current world-to-camera pose.
func (kf *KeyFrame) Pose() Pose {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.pose
}

// SetPose updates the pose; called by the bundle adjuster.
func (kf *KeyFrame) SetPose(p Pose) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.pose = p
}

// CameraCenter returns the optical center in world coordinates.
func (kf *KeyFrame) CameraCenter() r3.Vector {
	return kf.Pose().CameraCenter()
}

// ProjectionMatrix returns K[R|t] for the current pose.
func (kf *KeyFrame) ProjectionMatrix() *mat.Dense {
	p := kf.Pose()
	return mvgeom.ProjectionMatrix(kf.intrinsics.CameraMatrix(), p.R, p.T)
}

// KeyPointCount returns the number of keypoints.
func (kf *KeyFrame) KeyPointCount() int { return len(kf.keyPoints) }

// KeyPoint returns the i-th undistorted keypoint.
func (kf *KeyFrame) KeyPoint(i int) features.KeyPoint { return kf.keyPoints[i] }

// Descriptor returns the i-th keypoint descriptor.
func (kf *KeyFrame) Descriptor(i int) features.Descriptor { return kf.descriptors[i] }

// KeyLineCount returns the number of keylines.
func (kf *KeyFrame) KeyLineCount() int { return len(kf.keyLines) }

// KeyLine returns the i-th undistorted keyline.
func (kf *KeyFrame) KeyLine(i int) features.KeyLine { return kf.keyLines[i] }

// LineDescriptor returns the i-th keyline descriptor.
func (kf *KeyFrame) LineDescriptor(i int) features.Descriptor { return kf.lineDescriptors[i] }

// Depth returns the stereo depth of keypoint i, negative if unmeasured.
func (kf *KeyFrame) Depth(i int) float64 { return kf.depths[i] }

// RightU returns the right-image u-coordinate of keypoint i, negative if
// unmeasured.
func (kf *KeyFrame) RightU(i int) float64 { return kf.rightU[i] }

// StereoBaseline returns the stereo baseline in world units, zero for
// monocular sessions.
func (kf *KeyFrame) StereoBaseline() float64 { return kf.stereoBaseline }

// DepthThreshold returns the close/far stereo point cutoff.
func (kf *KeyFrame) DepthThreshold() float64 { return kf.depthThreshold }

// Levels returns the number of pyramid levels of the detector.
func (kf *KeyFrame) Levels() int { return len(kf.scaleFactors) }

// ScaleFactor returns the pyramid scale at the given octave.
func (kf *KeyFrame) ScaleFactor(octave int) float64 { return kf.scaleFactors[octave] }

// MaxScaleFactor returns the scale of the coarsest octave.
func (kf *KeyFrame) MaxScaleFactor() float64 { return kf.scaleFactors[len(kf.scaleFactors)-1] }

// LevelSigma2 returns the squared measurement noise at the given octave.
func (kf *KeyFrame) LevelSigma2(octave int) float64 { return kf.levelSigma2[octave] }

// UnprojectStereo back-projects keypoint i using its stereo depth, returning
// false when the keypoint carries no depth measurement.
func (kf *KeyFrame) UnprojectStereo(i int) (r3.Vector, bool) {
	z := kf.depths[i]
	if z <= 0 {
		return r3.Vector{}, false
	}
	pt := kf.keyPoints[i].Point
	cam := kf.intrinsics.Unproject(pt).Mul(z)
	p := kf.Pose()
	return p.RotateToWorld(cam.Sub(p.T)), true
}

// Point resolves the landmark bound to keypoint index i, nil if unbound or
// the landmark was compacted away.
func (kf *KeyFrame) Point(i int) *MapPoint {
	kf.mu.RLock()
	id := kf.points[i]
	kf.mu.RUnlock()
	if id == 0 {
		return nil
	}
	return kf.m.Point(id)
}

// SetPoint binds keypoint index i to a landmark. Tracking uses this for
// matches resolved before the keyframe reaches local mapping.
func (kf *KeyFrame) SetPoint(i int, p *MapPoint) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if p == nil {
		kf.points[i] = 0
		return
	}
	kf.points[i] = p.id
}

// Line resolves the landmark bound to keyline index i.
func (kf *KeyFrame) Line(i int) *MapLine {
	kf.mu.RLock()
	id := kf.lines[i]
	kf.mu.RUnlock()
	if id == 0 {
		return nil
	}
	return kf.m.Line(id)
}

// SetLine binds keyline index i to a landmark.
func (kf *KeyFrame) SetLine(i int, l *MapLine) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if l == nil {
		kf.lines[i] = 0
		return
	}
	kf.lines[i] = l.id
}

// Points returns the per-index landmark bindings, nil entries for unbound
// indices.
func (kf *KeyFrame) Points() []*MapPoint {
	kf.mu.RLock()
	ids := make([]int64, len(kf.points))
	copy(ids, kf.points)
	kf.mu.RUnlock()
	out := make([]*MapPoint, len(ids))
	for i, id := range ids {
		if id != 0 {
			out[i] = kf.m.Point(id)
		}
	}
	return out
}

// Lines returns the per-index line landmark bindings.
func (kf *KeyFrame) Lines() []*MapLine {
	kf.mu.RLock()
	ids := make([]int64, len(kf.lines))
	copy(ids, kf.lines)
	kf.mu.RUnlock()
	out := make([]*MapLine, len(ids))
	for i, id := range ids {
		if id != 0 {
			out[i] = kf.m.Line(id)
		}
	}
	return out
}

// AggregateDescriptor returns the keyframe's representative descriptor.
func (kf *KeyFrame) AggregateDescriptor() features.Descriptor {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.aggregateDesc
}

// ComputeAggregateDescriptor picks the median-distinctive descriptor over
// all keypoints as the keyframe-level summary used by place recognition.
func (kf *KeyFrame) ComputeAggregateDescriptor() error {
	if len(kf.descriptors) == 0 {
		return nil
	}
	d, err := features.MedianDescriptor(kf.descriptors)
	if err != nil {
		return err
	}
	kf.mu.Lock()
	kf.aggregateDesc = d
	kf.mu.Unlock()
	return nil
}

// FuseTargetFor and SetFuseTargetFor bookkeep which keyframe most recently
// collected this one as a fusion target, preventing duplicates when first-
// and second-order neighborhoods overlap.
func (kf *KeyFrame) FuseTargetFor() int64 {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.fuseTargetFor
}

// SetFuseTargetFor records the collecting keyframe's ID.
func (kf *KeyFrame) SetFuseTargetFor(id int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	kf.fuseTargetFor = id
}

// IsBad reports whether the keyframe was culled.
func (kf *KeyFrame) IsBad() bool {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.bad
}

// SetBadFlag soft-deletes the keyframe: observations it contributes are
// withdrawn from all landmarks and covisibility edges are dropped. The very
// first keyframe anchors the map and is never culled.
func (kf *KeyFrame) SetBadFlag() {
	if kf.id == 0 {
		return
	}
	kf.mu.Lock()
	if kf.bad {
		kf.mu.Unlock()
		return
	}
	kf.bad = true
	pointIDs := make([]int64, len(kf.points))
	copy(pointIDs, kf.points)
	lineIDs := make([]int64, len(kf.lines))
	copy(lineIDs, kf.lines)
	connected := make([]int64, 0, len(kf.connections))
	for id := range kf.connections {
		connected = append(connected, id)
	}
	kf.connections = map[int64]int{}
	kf.ordered = nil
	kf.mu.Unlock()

	for _, id := range pointIDs {
		if id == 0 {
			continue
		}
		if p := kf.m.Point(id); p != nil {
			p.EraseObservation(kf)
		}
	}
	for _, id := range lineIDs {
		if id == 0 {
			continue
		}
		if l := kf.m.Line(id); l != nil {
			l.EraseObservation(kf)
		}
	}
	for _, id := range connected {
		if other := kf.m.KeyFrame(id); other != nil {
			other.eraseConnection(kf.id)
		}
	}
}

// UpdateConnections recounts shared landmarks with every other keyframe and
// rebuilds the weighted covisibility edges. Edges need at least
// covisibilityWeightThreshold shared observations; if no neighbor qualifies
// the single best one is still connected so the graph stays usable.
func (kf *KeyFrame) UpdateConnections() {
	counts := map[int64]int{}
	for _, p := range kf.Points() {
		if p == nil || p.IsBad() {
			continue
		}
		for obsKF := range p.ObservationMap() {
			if obsKF != kf.id {
				counts[obsKF]++
			}
		}
	}
	for _, l := range kf.Lines() {
		if l == nil || l.IsBad() {
			continue
		}
		for obsKF := range l.ObservationMap() {
			if obsKF != kf.id {
				counts[obsKF]++
			}
		}
	}
	if len(counts) == 0 {
		return
	}

	bestID := int64(-1)
	bestWeight := 0
	kept := map[int64]int{}
	for id, w := range counts {
		if w > bestWeight {
			bestWeight = w
			bestID = id
		}
		if w >= covisibilityWeightThreshold {
			kept[id] = w
		}
	}
	if len(kept) == 0 && bestID >= 0 {
		kept[bestID] = bestWeight
	}

	for id, w := range kept {
		if other := kf.m.KeyFrame(id); other != nil {
			other.addConnection(kf.id, w)
		}
	}

	kf.mu.Lock()
	kf.connections = kept
	kf.rebuildOrderedLocked()
	kf.mu.Unlock()
}

func (kf *KeyFrame) addConnection(id int64, weight int) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if w, ok := kf.connections[id]; ok && w == weight {
		return
	}
	kf.connections[id] = weight
	kf.rebuildOrderedLocked()
}

func (kf *KeyFrame) eraseConnection(id int64) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if _, ok := kf.connections[id]; !ok {
		return
	}
	delete(kf.connections, id)
	kf.rebuildOrderedLocked()
}

func (kf *KeyFrame) rebuildOrderedLocked() {
	kf.ordered = kf.ordered[:0]
	for id := range kf.connections {
		kf.ordered = append(kf.ordered, id)
	}
	sort.Slice(kf.ordered, func(i, j int) bool {
		wi := kf.connections[kf.ordered[i]]
		wj := kf.connections[kf.ordered[j]]
		if wi != wj {
			return wi > wj
		}
		return kf.ordered[i] < kf.ordered[j]
	})
}

// CovisibleKeyFrames returns all covisibility neighbors by descending
// weight.
func (kf *KeyFrame) CovisibleKeyFrames() []*KeyFrame {
	return kf.BestCovisibleKeyFrames(-1)
}

// BestCovisibleKeyFrames returns up to n covisibility neighbors by
// descending shared-observation weight; n < 0 returns all.
func (kf *KeyFrame) BestCovisibleKeyFrames(n int) []*KeyFrame {
	kf.mu.RLock()
	ids := make([]int64, len(kf.ordered))
	copy(ids, kf.ordered)
	kf.mu.RUnlock()
	if n >= 0 && len(ids) > n {
		ids = ids[:n]
	}
	out := make([]*KeyFrame, 0, len(ids))
	for _, id := range ids {
		if other := kf.m.KeyFrame(id); other != nil {
			out = append(out, other)
		}
	}
	return out
}

// ConnectionWeight returns the covisibility weight to another keyframe.
func (kf *KeyFrame) ConnectionWeight(id int64) int {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.connections[id]
}

// SceneMedianDepth returns the 1/q quantile depth (q=2 is the median) of all
// bound landmarks in this keyframe's camera frame, or zero when nothing is
// bound yet.
func (kf *KeyFrame) SceneMedianDepth(q int) float64 {
	pose := kf.Pose()
	depths := make([]float64, 0, len(kf.points))
	for _, p := range kf.Points() {
		if p == nil || p.IsBad() {
			continue
		}
		depths = append(depths, pose.Depth(p.Position()))
	}
	if len(depths) == 0 {
		return 0
	}
	sort.Float64s(depths)
	return depths[(len(depths)-1)/q]
}

// KeyPointsInArea returns the indices of keypoints within radius r of
// (x, y), optionally restricted to an octave range. minOctave > maxOctave
// disables the octave filter.
func (kf *KeyFrame) KeyPointsInArea(x, y, r float64, minOctave, maxOctave int) []int {
	var out []int
	for i, kp := range kf.keyPoints {
		if minOctave <= maxOctave && (kp.Octave < minOctave || kp.Octave > maxOctave) {
			continue
		}
		dx := kp.Point.X - x
		dy := kp.Point.Y - y
		if dx*dx+dy*dy <= r*r {
			out = append(out, i)
		}
	}
	return out
}

// KeyLinesInArea returns the indices of keylines whose midpoint lies within
// radius r of (x, y).
func (kf *KeyFrame) KeyLinesInArea(x, y, r float64) []int {
	var out []int
	for i, kl := range kf.keyLines {
		mid := kl.Midpoint()
		dx := mid.X - x
		dy := mid.Y - y
		if dx*dx+dy*dy <= r*r {
			out = append(out, i)
		}
	}
	return out
}

// FundamentalTo computes the fundamental matrix relating this keyframe's
// image to another's, from their poses and the shared intrinsics.
func (kf *KeyFrame) FundamentalTo(other *KeyFrame) (*mat.Dense, error) {
	p1 := kf.Pose()
	p2 := other.Pose()
	return mvgeom.FundamentalFromPoses(p1.R, p1.T, p2.R, p2.T, kf.intrinsics.CameraMatrix())
}
