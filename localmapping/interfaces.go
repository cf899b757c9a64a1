package localmapping

import (
	"context"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"github.com/YRDcoconut/plmap/features"
	"github.com/YRDcoconut/plmap/pmap"
)

// BundleAdjuster refines the poses and landmarks around a keyframe. The
// abort flag is raised when a new keyframe arrives mid-optimization;
// implementations should poll it and return early.
type BundleAdjuster interface {
	LocalBundleAdjustment(ctx context.Context, kf *pmap.KeyFrame, abort *atomic.Bool) error
}

// LoopCloser consumes keyframes that finished local mapping.
type LoopCloser interface {
	InsertKeyFrame(kf *pmap.KeyFrame)
}

// Matcher finds feature correspondences for triangulation and merges
// duplicated landmarks by projection.
type Matcher interface {
	// SearchForTriangulation matches unbound keypoints of kf1 against
	// unbound keypoints of kf2 along their epipolar geometry. f12 satisfies
	// x1^T * f12 * x2 = 0 for corresponding pixels.
	SearchForTriangulation(kf1, kf2 *pmap.KeyFrame, f12 *mat.Dense) []features.Match
	// SearchLinesForTriangulation matches unbound keylines of kf1 against
	// unbound keylines of kf2.
	SearchLinesForTriangulation(kf1, kf2 *pmap.KeyFrame) []features.Match
	// Fuse projects candidate landmarks into kf, merging duplicates and
	// binding unmatched projections. It returns the number of fusions.
	Fuse(kf *pmap.KeyFrame, points []*pmap.MapPoint) int
	// FuseLines does the same for line landmarks.
	FuseLines(kf *pmap.KeyFrame, lines []*pmap.MapLine) int
}
