package pmap

import (
	"sync"

	"github.com/golang/geo/r3"

	"github.com/YRDcoconut/plmap/features"
)

// MapLine is a 3D line-segment landmark. Its lifecycle mirrors MapPoint:
// transactional two-sided observations, soft delete, Compact sweep.
type MapLine struct {
	id        int64
	firstKFID int64
	m         *Map

	mu           sync.RWMutex
	start        r3.Vector
	end          r3.Vector
	observations map[int64]int
	descriptor   features.Descriptor
	avgDir       r3.Vector
	visible      int
	found        int
	bad          bool
	replacedBy   int64

	fuseCandidateFor int64
}

func newMapLine(id int64, m *Map, start, end r3.Vector, refKF *KeyFrame) *MapLine {
	return &MapLine{
		id:           id,
		firstKFID:    refKF.ID(),
		m:            m,
		start:        start,
		end:          end,
		observations: map[int64]int{},
		visible:      1,
		found:        1,

		fuseCandidateFor: -1,
	}
}

// ID returns the landmark's stable arena ID.
func (l *MapLine) ID() int64 { return l.id }

// FirstKeyFrameID returns the ID of the creating keyframe.
func (l *MapLine) FirstKeyFrameID() int64 { return l.firstKFID }

// Endpoints returns the world-frame segment endpoints.
func (l *MapLine) Endpoints() (start, end r3.Vector) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.start, l.end
}

// SetEndpoints updates the endpoints; called by the bundle adjuster.
func (l *MapLine) SetEndpoints(start, end r3.Vector) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.start = start
	l.end = end
}

// Direction returns the current unit direction of the segment.
func (l *MapLine) Direction() r3.Vector {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d := l.end.Sub(l.start)
	if n := d.Norm(); n > 0 {
		return d.Mul(1 / n)
	}
	return r3.Vector{}
}

// AverageDirection returns the averaged observation direction.
func (l *MapLine) AverageDirection() r3.Vector {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.avgDir
}

// Descriptor returns the representative descriptor.
func (l *MapLine) Descriptor() features.Descriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.descriptor
}

// AddObservation records that kf observes this landmark at keyline index
// idx, updating both sides of the edge.
func (l *MapLine) AddObservation(kf *KeyFrame, idx int) {
	l.mu.Lock()
	if _, ok := l.observations[kf.ID()]; ok {
		l.mu.Unlock()
		return
	}
	l.observations[kf.ID()] = idx
	l.mu.Unlock()
	kf.SetLine(idx, l)
}

// EraseObservation removes kf's observation from both sides, tombstoning a
// landmark left with fewer than two observations.
func (l *MapLine) EraseObservation(kf *KeyFrame) {
	l.mu.Lock()
	idx, ok := l.observations[kf.ID()]
	if !ok {
		l.mu.Unlock()
		return
	}
	delete(l.observations, kf.ID())
	remaining := len(l.observations)
	l.mu.Unlock()

	kf.mu.Lock()
	if kf.lines[idx] == l.id {
		kf.lines[idx] = 0
	}
	kf.mu.Unlock()

	if remaining < 2 {
		l.SetBadFlag()
	}
}

// ObservationMap returns a copy of the observation edges.
func (l *MapLine) ObservationMap() map[int64]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[int64]int, len(l.observations))
	for k, v := range l.observations {
		out[k] = v
	}
	return out
}

// Observations returns the number of observing keyframes.
func (l *MapLine) Observations() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.observations)
}

// ObservationIn returns the keyline index of this landmark in kf.
func (l *MapLine) ObservationIn(kf *KeyFrame) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.observations[kf.ID()]
	return idx, ok
}

// IsInKeyFrame reports whether kf observes this landmark.
func (l *MapLine) IsInKeyFrame(kf *KeyFrame) bool {
	_, ok := l.ObservationIn(kf)
	return ok
}

// IncreaseVisible bumps the frames-visible counter.
func (l *MapLine) IncreaseVisible(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visible += n
}

// IncreaseFound bumps the frames-matched counter.
func (l *MapLine) IncreaseFound(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.found += n
}

// FoundRatio is the matched-to-visible frame ratio.
func (l *MapLine) FoundRatio() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.visible == 0 {
		return 0
	}
	return float64(l.found) / float64(l.visible)
}

// IsBad reports whether the landmark is tombstoned.
func (l *MapLine) IsBad() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bad
}

// SetBadFlag tombstones the landmark and withdraws it from every observing
// keyframe.
func (l *MapLine) SetBadFlag() {
	l.mu.Lock()
	if l.bad {
		l.mu.Unlock()
		return
	}
	l.bad = true
	obs := make(map[int64]int, len(l.observations))
	for k, v := range l.observations {
		obs[k] = v
	}
	l.observations = map[int64]int{}
	l.mu.Unlock()

	for kfID, idx := range obs {
		kf := l.m.KeyFrame(kfID)
		if kf == nil {
			continue
		}
		kf.mu.Lock()
		if kf.lines[idx] == l.id {
			kf.lines[idx] = 0
		}
		kf.mu.Unlock()
	}
}

// ReplacedBy returns the ID of the landmark this one was merged into.
func (l *MapLine) ReplacedBy() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.replacedBy
}

// Replace merges this landmark into other, forwarding observations and
// counters; see MapPoint.Replace.
func (l *MapLine) Replace(other *MapLine) {
	if other == nil || other.id == l.id {
		return
	}
	l.mu.Lock()
	obs := make(map[int64]int, len(l.observations))
	for k, v := range l.observations {
		obs[k] = v
	}
	l.observations = map[int64]int{}
	l.bad = true
	l.replacedBy = other.id
	visible, found := l.visible, l.found
	l.mu.Unlock()

	for kfID, idx := range obs {
		kf := l.m.KeyFrame(kfID)
		if kf == nil {
			continue
		}
		if !other.IsInKeyFrame(kf) {
			kf.mu.Lock()
			if kf.lines[idx] == l.id {
				kf.lines[idx] = other.id
			}
			kf.mu.Unlock()
			other.mu.Lock()
			other.observations[kfID] = idx
			other.mu.Unlock()
		} else {
			kf.mu.Lock()
			if kf.lines[idx] == l.id {
				kf.lines[idx] = 0
			}
			kf.mu.Unlock()
		}
	}
	other.IncreaseVisible(visible)
	other.IncreaseFound(found)
	if err := other.ComputeDistinctiveDescriptor(); err == nil {
		other.UpdateAverageDirection()
	}
}

// FuseCandidateFor and SetFuseCandidateFor bookkeep fusion-candidate
// collection, as on MapPoint.
func (l *MapLine) FuseCandidateFor() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fuseCandidateFor
}

// SetFuseCandidateFor records the collecting keyframe's ID.
func (l *MapLine) SetFuseCandidateFor(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fuseCandidateFor = id
}

// ComputeDistinctiveDescriptor refreshes the representative descriptor from
// the current observations.
func (l *MapLine) ComputeDistinctiveDescriptor() error {
	descs := make([]features.Descriptor, 0, 4)
	for kfID, idx := range l.ObservationMap() {
		kf := l.m.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			continue
		}
		descs = append(descs, kf.LineDescriptor(idx))
	}
	if len(descs) == 0 {
		return nil
	}
	d, err := features.MedianDescriptor(descs)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.descriptor = d
	l.mu.Unlock()
	return nil
}

// UpdateAverageDirection refreshes the averaged viewing direction of the
// segment midpoint over all observers.
func (l *MapLine) UpdateAverageDirection() {
	obs := l.ObservationMap()
	if len(obs) == 0 {
		return
	}
	start, end := l.Endpoints()
	mid := start.Add(end).Mul(0.5)

	var avg r3.Vector
	n := 0
	for kfID := range obs {
		kf := l.m.KeyFrame(kfID)
		if kf == nil || kf.IsBad() {
			continue
		}
		dir := mid.Sub(kf.CameraCenter())
		if norm := dir.Norm(); norm > 0 {
			avg = avg.Add(dir.Mul(1 / norm))
			n++
		}
	}
	if n == 0 {
		return
	}
	l.mu.Lock()
	l.avgDir = avg.Mul(1 / float64(n))
	l.mu.Unlock()
}
