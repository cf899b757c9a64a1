// Package pmap holds the point-and-line map data model: keyframes, map
// points, map lines and the covisibility graph connecting them.
//
// Keyframes and landmarks live in an ID-keyed arena. Observation edges are
// stored as explicit index maps on both sides (landmark -> keyframe feature
// index, keyframe feature index -> landmark ID) and always updated together.
// Removal is a soft delete: a culled landmark or keyframe keeps a tombstone
// "bad" flag and is excluded from all further work until Compact sweeps it
// from the arena.
package pmap

import (
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
)

// Map is the arena owning all keyframes and landmarks of a session.
type Map struct {
	mu        sync.RWMutex
	keyFrames map[int64]*KeyFrame
	points    map[int64]*MapPoint
	lines     map[int64]*MapLine

	nextKFID    atomic.Int64
	nextPointID atomic.Int64
	nextLineID  atomic.Int64
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		keyFrames: map[int64]*KeyFrame{},
		points:    map[int64]*MapPoint{},
		lines:     map[int64]*MapLine{},
	}
}

// AddKeyFrame registers a keyframe in the arena.
func (m *Map) AddKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyFrames[kf.id] = kf
}

// KeyFrame resolves a keyframe ID, returning nil for unknown IDs.
func (m *Map) KeyFrame(id int64) *KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyFrames[id]
}

// KeyFrameCount returns the number of keyframes in the arena, tombstones
// included.
func (m *Map) KeyFrameCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyFrames)
}

// KeyFrames returns a snapshot of all keyframes.
func (m *Map) KeyFrames() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(m.keyFrames))
	for _, kf := range m.keyFrames {
		out = append(out, kf)
	}
	return out
}

// AddPoint registers a map point in the arena.
func (m *Map) AddPoint(p *MapPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[p.id] = p
}

// Point resolves a map point ID, returning nil for unknown IDs.
func (m *Map) Point(id int64) *MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.points[id]
}

// PointCount returns the number of map points in the arena.
func (m *Map) PointCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

// Points returns a snapshot of all map points.
func (m *Map) Points() []*MapPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapPoint, 0, len(m.points))
	for _, p := range m.points {
		out = append(out, p)
	}
	return out
}

// AddLine registers a map line in the arena.
func (m *Map) AddLine(l *MapLine) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[l.id] = l
}

// Line resolves a map line ID, returning nil for unknown IDs.
func (m *Map) Line(id int64) *MapLine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lines[id]
}

// LineCount returns the number of map lines in the arena.
func (m *Map) LineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lines)
}

// Lines returns a snapshot of all map lines.
func (m *Map) Lines() []*MapLine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*MapLine, 0, len(m.lines))
	for _, l := range m.lines {
		out = append(out, l)
	}
	return out
}

// NewKeyFrame allocates a keyframe with a fresh ID. The keyframe is not part
// of the arena until AddKeyFrame.
func (m *Map) NewKeyFrame(data FrameData) *KeyFrame {
	return newKeyFrame(m.nextKFID.Add(1)-1, m, data)
}

// NewPoint allocates a map point at pos first observed by refKF. The point
// is not part of the arena until AddPoint.
func (m *Map) NewPoint(pos r3.Vector, refKF *KeyFrame) *MapPoint {
	return newMapPoint(m.nextPointID.Add(1), m, pos, refKF)
}

// NewLine allocates a map line with the given 3D endpoints first observed by
// refKF. The line is not part of the arena until AddLine.
func (m *Map) NewLine(start, end r3.Vector, refKF *KeyFrame) *MapLine {
	return newMapLine(m.nextLineID.Add(1), m, start, end, refKF)
}

// Compact removes tombstoned keyframes and landmarks from the arena. Marking
// is decoupled from sweeping so references held by concurrent stages stay
// resolvable until the caller decides to compact.
func (m *Map) Compact() (removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if p.IsBad() {
			delete(m.points, id)
			removed++
		}
	}
	for id, l := range m.lines {
		if l.IsBad() {
			delete(m.lines, id)
			removed++
		}
	}
	for id, kf := range m.keyFrames {
		if kf.IsBad() {
			delete(m.keyFrames, id)
			removed++
		}
	}
	return removed
}

// Clear empties the arena.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyFrames = map[int64]*KeyFrame{}
	m.points = map[int64]*MapPoint{}
	m.lines = map[int64]*MapLine{}
}
