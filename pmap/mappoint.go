package pmap

import (
	"sync"

	"github.com/golang/geo/r3"

	"github.com/YRDcoconut/plmap/features"
)

// MapPoint is a 3D landmark with its observation history. Observations map
// observing-keyframe ID to the keypoint index in that keyframe; the keyframe
// holds the reverse binding, and the two sides are always updated together.
type MapPoint struct {
	id        int64
	firstKFID int64
	m         *Map

	mu           sync.RWMutex
	pos          r3.Vector
	observations map[int64]int
	descriptor   features.Descriptor
	normal       r3.Vector
	minDistance  float64
	maxDistance  float64
	visible      int
	found        int
	bad          bool
	replacedBy   int64

	fuseCandidateFor int64
}

func newMapPoint(id int64, m *Map, pos r3.Vector, refKF *KeyFrame) *MapPoint {
	return &MapPoint{
		id:           id,
		firstKFID:    refKF.ID(),
		m:            m,
		pos:          pos,
		observations: map[int64]int{},
		visible:      1,
		found:        1,

		fuseCandidateFor: -1,
	}
}

// ID returns the landmark's stable arena ID.
func (p *MapPoint) ID() int64 { return p.id }

// FirstKeyFrameID returns the ID of the keyframe the landmark was created
// from; culling uses it to measure the landmark's age in keyframes.
func (p *MapPoint) FirstKeyFrameID() int64 { return p.firstKFID }

// Position returns the world position.
func (p *MapPoint) Position() r3.Vector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pos
}

// SetPosition updates the world position; called by the bundle adjuster.
func (p *MapPoint) SetPosition(pos r3.Vector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = pos
}

// Normal returns the mean viewing direction.
func (p *MapPoint) Normal() r3.Vector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.normal
}

// DistanceRange returns the scale-invariance depth range.
func (p *MapPoint) DistanceRange() (min, max float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.minDistance, p.maxDistance
}

// Descriptor returns the representative descriptor.
func (p *MapPoint) Descriptor() features.Descriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.descriptor
}

// AddObservation records that kf observes this landmark at keypoint index
// idx, updating both sides of the edge.
func (p *MapPoint) AddObservation(kf *KeyFrame, idx int) {
	p.mu.Lock()
	if _, ok := p.observations[kf.ID()]; ok {
		p.mu.Unlock()
		return
	}
	p.observations[kf.ID()] = idx
	p.mu.Unlock()
	kf.SetPoint(idx, p)
}

// EraseObservation removes kf's observation from both sides. A landmark left
// with fewer than two observations cannot be triangulated and is tombstoned.
func (p *MapPoint) EraseObservation(kf *KeyFrame) {
	p.mu.Lock()
	idx, ok := p.observations[kf.ID()]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.observations, kf.ID())
	remaining := len(p.observations)
	p.mu.Unlock()

	kf.mu.Lock()
	if kf.points[idx] == p.id {
		kf.points[idx] = 0
	}
	kf.mu.Unlock()

	if remaining < 2 {
		p.SetBadFlag()
	}
}

// ObservationMap returns a copy of the observation edges.
func (p *MapPoint) ObservationMap() map[int64]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[int64]int, len(p.observations))
	for k, v := range p.observations {
		out[k] = v
	}
	return out
}

// Observations returns the number of observing keyframes.
func (p *MapPoint) Observations() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.observations)
}

// ObservationIn returns the keypoint index of this landmark in kf.
func (p *MapPoint) ObservationIn(kf *KeyFrame) (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	idx, ok := p.observations[kf.ID()]
	return idx, ok
}

// IsInKeyFrame reports whether kf observes this landmark.
func (p *MapPoint) IsInKeyFrame(kf *KeyFrame) bool {
	_, ok := p.ObservationIn(kf)
	return ok
}

// IncreaseVisible bumps the frames-visible counter.
func (p *MapPoint) IncreaseVisible(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visible += n
}

// IncreaseFound bumps the frames-matched counter.
func (p *MapPoint) IncreaseFound(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.found += n
}

// FoundRatio is the fraction of frames the landmark was actually matched in
// out of the frames it was predicted visible in.
func (p *MapPoint) FoundRatio() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.visible == 0 {
		return 0
	}
	return float64(p.found) / float64(p.visible)
}

// IsBad reports whether the landmark is tombstoned.
func (p *MapPoint) IsBad() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bad
}

// SetBadFlag tombstones the landmark and withdraws it from every observing
// keyframe. The arena entry survives until Compact.
func (p *MapPoint) SetBadFlag() {
	p.mu.Lock()
	if p.bad {
		p.mu.Unlock()
		return
	}
	p.bad = true
	obs := make(map[int64]int, len(p.observations))
	for k, v := range p.observations {
		obs[k] = v
	}
	p.observations = map[int64]int{}
	p.mu.Unlock()

	for kfID, idx := range obs {
		kf := p.m.KeyFrame(kfID)
		if kf == nil {
			continue
		}
		kf.mu.Lock()
		if kf.points[idx] == p.id {
			kf.points[idx] = 0
		}
		kf.mu.Unlock()
	}
}

// ReplacedBy returns the ID of the landmark this one was merged into, zero
// if it was never merged.
func (p *MapPoint) ReplacedBy() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.replacedBy
}

// Replace merges this landmark into other: every keyframe observing this one
// is rebound to other (or unbound where other is already observed there),
// the visibility counters are forwarded, and this landmark is tombstoned.
func (p *MapPoint) Replace(other *MapPoint) {
	if other == nil || other.id == p.id {
		return
	}
	p.mu.Lock()
	obs := make(map[int64]int, len(p.observations))
	for k, v := range p.observations {
		obs[k] = v
	}
	p.observations = map[int64]int{}
	p.bad = true
	p.replacedBy = other.id
	visible, found := p.visible, p.found
	p.mu.Unlock()

	for kfID, idx := range obs {
		kf := p.m.KeyFrame(kfID)
		if kf == nil {
			continue
		}
		if !other.IsInKeyFrame(kf) {
			kf.mu.Lock()
			if kf.points[idx] == p.id {
				kf.points[idx] = other.id
			}
			kf.mu.Unlock()
			other.mu.Lock()
			other.observations[kfID] = idx
			other.mu.Unlock()
		} else {
			kf.mu.Lock()
			if kf.points[idx] == p.id {
				kf.points[idx] = 0
			}
			kf.mu.Unlock()
		}
	}
	other.IncreaseVisible(visible)
	other.IncreaseFound(found)
	if err := other.ComputeDistinctiveDescriptor(); err == nil {
		other.UpdateNormalAndDepth()
	}
}

// FuseCandidateFor and SetFuseCandidateFor bookkeep which keyframe most
// recently collected this landmark as a fusion candidate.
func (p *MapPoint) FuseCandidateFor() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fuseCandidateFor
}

// SetFuseCandidateFor records the collecting keyframe's ID.
func (p *MapPoint) SetFuseCandidateFor(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fuseCandidateFor = id
}

// ComputeDistinctiveDescriptor refreshes the representative descriptor as
// the one with least median Hamming distance to all other observations.
func (p *MapPoint) ComputeDistinctiveDescriptor() error {
	descs := make([]features.Descriptor, 0, 4)
	for kfID, idx := range p.ObservationMap() {
		kf := p.m.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			continue
		}
		descs = append(descs, kf.Descriptor(idx))
	}
	if len(descs) == 0 {
		return nil
	}
	d, err := features.MedianDescriptor(descs)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.descriptor = d
	p.mu.Unlock()
	return nil
}

// UpdateNormalAndDepth refreshes the mean viewing direction and the
// scale-invariance distance range from the current observations.
func (p *MapPoint) UpdateNormalAndDepth() {
	obs := p.ObservationMap()
	if len(obs) == 0 {
		return
	}
	pos := p.Position()

	var normal r3.Vector
	n := 0
	var refKF *KeyFrame
	refIdx := 0
	for kfID, idx := range obs {
		kf := p.m.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			continue
		}
		dir := pos.Sub(kf.CameraCenter())
		if norm := dir.Norm(); norm > 0 {
			normal = normal.Add(dir.Mul(1 / norm))
			n++
		}
		if refKF == nil || kfID == p.firstKFID {
			refKF = kf
			refIdx = idx
		}
	}
	if n == 0 || refKF == nil {
		return
	}
	dist := pos.Sub(refKF.CameraCenter()).Norm()
	octave := refKF.KeyPoint(refIdx).Octave
	maxDist := dist * refKF.ScaleFactor(octave)
	minDist := maxDist / refKF.MaxScaleFactor()

	p.mu.Lock()
	p.normal = normal.Mul(1 / float64(n))
	p.maxDistance = maxDist
	p.minDistance = minDist
	p.mu.Unlock()
}
