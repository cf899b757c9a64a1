// Package initializer bootstraps a map from two monocular views. It searches
// a homography and a fundamental matrix over the same RANSAC samples in
// parallel, picks the model that explains the scene better, recovers the
// relative pose and triangulates the inlier matches, and optionally
// triangulates matched line segments against the recovered pose.
package initializer

import (
	"context"
	"math/rand"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/YRDcoconut/plmap/features"
	"github.com/YRDcoconut/plmap/mvgeom"
)

const (
	// homographyPreference is the model-selection cutoff on the score ratio
	// SH/(SH+SF); above it the scene is treated as planar or low-parallax.
	homographyPreference = 0.40
	// chi-square gates at 95% confidence for 1 and 2 degrees of freedom.
	chi2OneDOF = 3.841
	chi2TwoDOF = 5.991
	// sampleSize is the minimal correspondence count per RANSAC iteration,
	// shared between the two model searches.
	sampleSize = 8
	// lowParallaxCos marks near-degenerate triangulations: rays this close
	// to parallel give points but no depth certainty.
	lowParallaxCos = 0.99998
	// lineDegeneracyCos rejects line matches whose segment runs along the
	// epipolar direction, where endpoint correspondence is unobservable.
	lineDegeneracyCos = 0.98
)

// Frame is the feature view of one image handed to the initializer.
type Frame struct {
	KeyPoints []features.KeyPoint
	KeyLines  []features.KeyLine
}

// Result is a successful two-view reconstruction. Rotation and Translation
// move reference-frame coordinates into the current frame. Points and line
// endpoints are indexed by the reference frame's feature indices, with the
// companion flag slices marking which entries were triangulated.
type Result struct {
	Rotation    *mat.Dense
	Translation r3.Vector

	Points       []r3.Vector
	Triangulated []bool

	LineStarts        []r3.Vector
	LineEnds          []r3.Vector
	LinesTriangulated []bool
}

// Initializer holds the reference frame and searches each candidate current
// frame for a reconstructable baseline.
type Initializer struct {
	cfg        Config
	intrinsics *mvgeom.Intrinsics
	ref        Frame
	logger     golog.Logger
}

// New returns an initializer anchored on the given reference frame.
func New(cfg Config, intrinsics *mvgeom.Intrinsics, ref Frame, logger golog.Logger) (*Initializer, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	if len(ref.KeyPoints) < sampleSize {
		return nil, errors.Errorf("reference frame has %d keypoints, need at least %d", len(ref.KeyPoints), sampleSize)
	}
	return &Initializer{cfg: cfg, intrinsics: intrinsics, ref: ref, logger: logger}, nil
}

// model is the outcome of one RANSAC model search.
type model struct {
	mat     *mat.Dense
	inliers []bool
	score   float64
}

// Initialize attempts a reconstruction from the reference frame to cur given
// point matches (and optionally line matches). Matches are a dense list of
// accepted correspondences, at most one per reference feature; callers holding
// a per-feature match array with -1 sentinels should compact it first. It
// returns an error when no model can be recovered; failing on an early frame
// pair is the expected path until the camera has translated enough.
func (ini *Initializer) Initialize(ctx context.Context, cur Frame, matches, lineMatches []features.Match) (*Result, error) {
	n := len(matches)
	if n < sampleSize {
		return nil, errors.Errorf("got %d point matches, need at least %d", n, sampleSize)
	}
	pts1 := make([]r2.Point, n)
	pts2 := make([]r2.Point, n)
	for i, m := range matches {
		pts1[i] = ini.ref.KeyPoints[m.Ref].Point
		pts2[i] = cur.KeyPoints[m.Cur].Point
	}
	sets := ini.sampleSets(n)

	var hModel, fModel model
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		hModel, err = ini.findHomography(pts1, pts2, sets)
		return err
	})
	g.Go(func() error {
		var err error
		fModel, err = ini.findFundamental(pts1, pts2, sets)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if hModel.score+fModel.score <= 0 {
		return nil, errors.New("no model explained any matches")
	}
	ratio := hModel.score / (hModel.score + fModel.score)
	ini.logger.Debugw("two-view model scores",
		"homography", hModel.score, "fundamental", fModel.score, "ratio", ratio)

	var res *Result
	var err error
	if ratio > homographyPreference {
		res, err = ini.reconstructH(hModel, matches, pts1, pts2)
	} else {
		res, err = ini.reconstructF(fModel, matches, pts1, pts2)
	}
	if err != nil {
		return nil, err
	}
	if ini.cfg.Lines && len(lineMatches) > 0 {
		ini.reconstructLines(res, cur, lineMatches)
	}
	return res, nil
}

// sampleSets draws MaxIterations sets of sampleSize distinct match indices
// with a fixed-seed generator. Both model searches score the same sets, so
// the ratio test compares models rather than sampling luck.
func (ini *Initializer) sampleSets(n int) [][]int {
	rng := rand.New(rand.NewSource(ini.cfg.Seed))
	sets := make([][]int, ini.cfg.MaxIterations)
	indices := make([]int, n)
	for it := range sets {
		for i := range indices {
			indices[i] = i
		}
		avail := indices
		set := make([]int, sampleSize)
		for j := 0; j < sampleSize; j++ {
			pick := rng.Intn(len(avail))
			set[j] = avail[pick]
			avail[pick] = avail[len(avail)-1]
			avail = avail[:len(avail)-1]
		}
		sets[it] = set
	}
	return sets
}

// findHomography searches the sample sets for the homography with the best
// symmetric-transfer support over all matches.
func (ini *Initializer) findHomography(pts1, pts2 []r2.Point, sets [][]int) (model, error) {
	norm1, t1, err := mvgeom.NormalizePoints(pts1)
	if err != nil {
		return model{}, errors.Wrap(err, "reference points")
	}
	norm2, t2, err := mvgeom.NormalizePoints(pts2)
	if err != nil {
		return model{}, errors.Wrap(err, "current points")
	}
	var t2inv mat.Dense
	if err := t2inv.Inverse(t2); err != nil {
		return model{}, err
	}

	best := model{inliers: make([]bool, len(pts1))}
	s1 := make([]r2.Point, sampleSize)
	s2 := make([]r2.Point, sampleSize)
	for _, set := range sets {
		for j, idx := range set {
			s1[j] = norm1[idx]
			s2[j] = norm2[idx]
		}
		hn, err := mvgeom.ComputeHomography(s1, s2)
		if err != nil {
			continue
		}
		var h21 mat.Dense
		h21.Mul(&t2inv, hn)
		h21.Mul(&h21, t1)
		var h12 mat.Dense
		if err := h12.Inverse(&h21); err != nil {
			continue
		}
		inliers := make([]bool, len(pts1))
		score := ini.scoreHomography(&h21, &h12, pts1, pts2, inliers)
		if score > best.score {
			best = model{mat: mat.DenseCopyOf(&h21), inliers: inliers, score: score}
		}
	}
	return best, nil
}

// findFundamental searches the sample sets for the fundamental matrix with
// the best epipolar support over all matches.
func (ini *Initializer) findFundamental(pts1, pts2 []r2.Point, sets [][]int) (model, error) {
	norm1, t1, err := mvgeom.NormalizePoints(pts1)
	if err != nil {
		return model{}, errors.Wrap(err, "reference points")
	}
	norm2, t2, err := mvgeom.NormalizePoints(pts2)
	if err != nil {
		return model{}, errors.Wrap(err, "current points")
	}
	t2t := mat.DenseCopyOf(t2.T())

	best := model{inliers: make([]bool, len(pts1))}
	s1 := make([]r2.Point, sampleSize)
	s2 := make([]r2.Point, sampleSize)
	for _, set := range sets {
		for j, idx := range set {
			s1[j] = norm1[idx]
			s2[j] = norm2[idx]
		}
		fn, err := mvgeom.ComputeFundamental(s1, s2)
		if err != nil {
			continue
		}
		var f21 mat.Dense
		f21.Mul(t2t, fn)
		f21.Mul(&f21, t1)
		inliers := make([]bool, len(pts1))
		score := ini.scoreFundamental(&f21, pts1, pts2, inliers)
		if score > best.score {
			best = model{mat: mat.DenseCopyOf(&f21), inliers: inliers, score: score}
		}
	}
	return best, nil
}

// scoreHomography accumulates the truncated symmetric transfer error of h21
// (and its inverse h12) over all matches. A match is an inlier only when both
// transfer directions pass the two-DOF chi-square gate.
func (ini *Initializer) scoreHomography(h21, h12 *mat.Dense, pts1, pts2 []r2.Point, inliers []bool) float64 {
	invSigma2 := 1.0 / (ini.cfg.Sigma * ini.cfg.Sigma)
	var score float64
	for i := range pts1 {
		u1, v1 := pts1[i].X, pts1[i].Y
		u2, v2 := pts2[i].X, pts2[i].Y
		good := true

		// project image 2 into image 1
		w1 := 1.0 / (h12.At(2, 0)*u2 + h12.At(2, 1)*v2 + h12.At(2, 2))
		pu1 := (h12.At(0, 0)*u2 + h12.At(0, 1)*v2 + h12.At(0, 2)) * w1
		pv1 := (h12.At(1, 0)*u2 + h12.At(1, 1)*v2 + h12.At(1, 2)) * w1
		chi1 := ((u1-pu1)*(u1-pu1) + (v1-pv1)*(v1-pv1)) * invSigma2
		if chi1 > chi2TwoDOF {
			good = false
		} else {
			score += chi2TwoDOF - chi1
		}

		// project image 1 into image 2
		w2 := 1.0 / (h21.At(2, 0)*u1 + h21.At(2, 1)*v1 + h21.At(2, 2))
		pu2 := (h21.At(0, 0)*u1 + h21.At(0, 1)*v1 + h21.At(0, 2)) * w2
		pv2 := (h21.At(1, 0)*u1 + h21.At(1, 1)*v1 + h21.At(1, 2)) * w2
		chi2 := ((u2-pu2)*(u2-pu2) + (v2-pv2)*(v2-pv2)) * invSigma2
		if chi2 > chi2TwoDOF {
			good = false
		} else {
			score += chi2TwoDOF - chi2
		}

		inliers[i] = good
	}
	return score
}

// scoreFundamental accumulates the truncated point-to-epipolar-line error of
// f21 in both images. The inlier gate uses the one-DOF chi-square threshold;
// the score is truncated at the two-DOF threshold so homography and
// fundamental scores are comparable.
func (ini *Initializer) scoreFundamental(f21 *mat.Dense, pts1, pts2 []r2.Point, inliers []bool) float64 {
	invSigma2 := 1.0 / (ini.cfg.Sigma * ini.cfg.Sigma)
	var score float64
	for i := range pts1 {
		u1, v1 := pts1[i].X, pts1[i].Y
		u2, v2 := pts2[i].X, pts2[i].Y
		good := true

		// epipolar line of x1 in image 2: l2 = F21 * x1
		a2 := f21.At(0, 0)*u1 + f21.At(0, 1)*v1 + f21.At(0, 2)
		b2 := f21.At(1, 0)*u1 + f21.At(1, 1)*v1 + f21.At(1, 2)
		c2 := f21.At(2, 0)*u1 + f21.At(2, 1)*v1 + f21.At(2, 2)
		num2 := a2*u2 + b2*v2 + c2
		chi1 := num2 * num2 / (a2*a2 + b2*b2) * invSigma2
		if chi1 > chi2OneDOF {
			good = false
		} else {
			score += chi2TwoDOF - chi1
		}

		// epipolar line of x2 in image 1: l1 = F21^T * x2
		a1 := f21.At(0, 0)*u2 + f21.At(1, 0)*v2 + f21.At(2, 0)
		b1 := f21.At(0, 1)*u2 + f21.At(1, 1)*v2 + f21.At(2, 1)
		c1 := f21.At(0, 2)*u2 + f21.At(1, 2)*v2 + f21.At(2, 2)
		num1 := a1*u1 + b1*v1 + c1
		chi2 := num1 * num1 / (a1*a1 + b1*b1) * invSigma2
		if chi2 > chi2OneDOF {
			good = false
		} else {
			score += chi2TwoDOF - chi2
		}

		inliers[i] = good
	}
	return score
}
