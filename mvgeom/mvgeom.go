// Package mvgeom implements the two-view geometry primitives used by the
// initializer and local mapping: point-set normalization, linear 8-point
// solvers for the homography and fundamental matrices, essential matrix and
// homography decomposition, and SVD-based triangulation of points and line
// endpoints.
package mvgeom

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// matsSVD stores the matrices from an SVD decomposition.
type matsSVD struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  []float64
}

// performSVD performs a full SVD on m.
func performSVD(m mat.Matrix) (*matsSVD, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize matrix")
	}
	u, v := &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt := &mat.Dense{}
	vt.CloneFrom(v.T())
	return &matsSVD{U: u, V: v, VT: vt, S: svd.Values(nil)}, nil
}

// eye creates an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// transposeDense returns the transpose of m as a new Dense.
func transposeDense(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(c, r, nil)
	out.Copy(m.T())
	return out
}

// Skew returns the skew-symmetric cross-product matrix of v.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// MulVec multiplies a 3x3 matrix by a 3-vector.
func MulVec(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// MulVecT multiplies the transpose of a 3x3 matrix by a 3-vector.
func MulVecT(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(1, 0)*v.Y + m.At(2, 0)*v.Z,
		Y: m.At(0, 1)*v.X + m.At(1, 1)*v.Y + m.At(2, 1)*v.Z,
		Z: m.At(0, 2)*v.X + m.At(1, 2)*v.Y + m.At(2, 2)*v.Z,
	}
}

// NormalizePoints translates pts to zero mean and scales each axis so its
// mean absolute deviation is one. It returns the transformed points and the
// 3x3 matrix T realizing the transform in homogeneous coordinates. Point sets
// whose deviation collapses to (near) zero on either axis are rejected.
func NormalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense, error) {
	n := len(pts)
	if n == 0 {
		return nil, nil, errors.New("cannot normalize an empty point set")
	}
	var meanX, meanY float64
	for _, p := range pts {
		meanX += p.X
		meanY += p.Y
	}
	meanX /= float64(n)
	meanY /= float64(n)

	out := make([]r2.Point, n)
	var devX, devY float64
	for i, p := range pts {
		out[i] = r2.Point{X: p.X - meanX, Y: p.Y - meanY}
		devX += math.Abs(out[i].X)
		devY += math.Abs(out[i].Y)
	}
	devX /= float64(n)
	devY /= float64(n)

	const minDeviation = 1e-9
	if devX < minDeviation || devY < minDeviation {
		return nil, nil, errors.New("degenerate point set: near-zero mean absolute deviation")
	}
	sX := 1.0 / devX
	sY := 1.0 / devY
	for i := range out {
		out[i].X *= sX
		out[i].Y *= sY
	}
	T := mat.NewDense(3, 3, []float64{
		sX, 0, -meanX * sX,
		0, sY, -meanY * sY,
		0, 0, 1,
	})
	return out, T, nil
}

// nullVector3x3 reshapes the right singular vector associated with the
// smallest singular value of the design matrix into a 3x3 matrix.
func nullVector3x3(design *mat.Dense) (*mat.Dense, error) {
	mats, err := performSVD(design)
	if err != nil {
		return nil, err
	}
	_, c := design.Dims()
	last := mats.V.ColView(c - 1)
	data := make([]float64, 9)
	for i := range data {
		data[i] = last.AtVec(i)
	}
	return mat.NewDense(3, 3, data), nil
}

// ComputeHomography solves the linear 8-point homogeneous system for the
// homography mapping pts1 onto pts2. Both slices must have the same length,
// at least 4 (8 in the minimal RANSAC sample).
func ComputeHomography(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("point sets must have the same number of elements")
	}
	n := len(pts1)
	if n < 4 {
		return nil, errors.New("need at least 4 correspondences for a homography")
	}
	A := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		u1, v1 := pts1[i].X, pts1[i].Y
		u2, v2 := pts2[i].X, pts2[i].Y
		A.SetRow(2*i, []float64{0, 0, 0, -u1, -v1, -1, v2 * u1, v2 * v1, v2})
		A.SetRow(2*i+1, []float64{u1, v1, 1, 0, 0, 0, -u2 * u1, -u2 * v1, -u2})
	}
	return nullVector3x3(A)
}

// ComputeFundamental solves the linear 8-point system for the fundamental
// matrix relating pts1 to pts2 and projects the result onto the rank-2
// manifold by zeroing the smallest singular value.
func ComputeFundamental(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("point sets must have the same number of elements")
	}
	n := len(pts1)
	if n < 8 {
		return nil, errors.New("need at least 8 correspondences for a fundamental matrix")
	}
	A := mat.NewDense(n, 9, nil)
	for i := 0; i < n; i++ {
		u1, v1 := pts1[i].X, pts1[i].Y
		u2, v2 := pts2[i].X, pts2[i].Y
		A.SetRow(i, []float64{u2 * u1, u2 * v1, u2, v2 * u1, v2 * v1, v2, u1, v1, 1})
	}
	Fpre, err := nullVector3x3(A)
	if err != nil {
		return nil, err
	}
	// rank-2 projection
	mats, err := performSVD(Fpre)
	if err != nil {
		return nil, err
	}
	S := mat.NewDense(3, 3, nil)
	S.Set(0, 0, mats.S[0])
	S.Set(1, 1, mats.S[1])
	var F mat.Dense
	F.Mul(mats.U, S)
	F.Mul(&F, mats.VT)
	return mat.DenseCopyOf(&F), nil
}

// EssentialFromFundamental returns E = K2^T * F * K1.
func EssentialFromFundamental(k1, k2, f *mat.Dense) *mat.Dense {
	var e, tmp mat.Dense
	tmp.Mul(transposeDense(k2), f)
	e.Mul(&tmp, k1)
	return mat.DenseCopyOf(&e)
}

// DecomposeEssential decomposes an essential matrix into its two rotation
// candidates and the unit translation direction. The four motion hypotheses
// are {R1,t}, {R1,-t}, {R2,t}, {R2,-t}.
func DecomposeEssential(e *mat.Dense) (*mat.Dense, *mat.Dense, r3.Vector, error) {
	mats, err := performSVD(e)
	if err != nil {
		return nil, nil, r3.Vector{}, err
	}
	t := r3.Vector{X: mats.U.At(0, 2), Y: mats.U.At(1, 2), Z: mats.U.At(2, 2)}
	if n := t.Norm(); n > 0 {
		t = t.Mul(1 / n)
	}
	W := mat.NewDense(3, 3, []float64{
		0, -1, 0,
		1, 0, 0,
		0, 0, 1,
	})
	var R1, R2 mat.Dense
	R1.Mul(mats.U, W)
	R1.Mul(&R1, mats.VT)
	if mat.Det(&R1) < 0 {
		R1.Scale(-1, &R1)
	}
	R2.Mul(mats.U, W.T())
	R2.Mul(&R2, mats.VT)
	if mat.Det(&R2) < 0 {
		R2.Scale(-1, &R2)
	}
	return mat.DenseCopyOf(&R1), mat.DenseCopyOf(&R2), t, nil
}

// FundamentalFromPoses computes the fundamental matrix mapping image points
// of camera 2 to epipolar lines in camera 1, given world-to-camera poses
// (R1,t1) and (R2,t2) and the shared intrinsics:
// F12 = K1^-T [t12]x R12 K2^-1.
func FundamentalFromPoses(r1 *mat.Dense, t1 r3.Vector, r2m *mat.Dense, t2 r3.Vector, k *mat.Dense) (*mat.Dense, error) {
	// R12 = R1 * R2^T, t12 = -R1 * R2^T * t2 + t1
	var r12 mat.Dense
	r12.Mul(r1, r2m.T())
	t12 := MulVec(&r12, t2).Mul(-1).Add(t1)

	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil, errors.Wrap(err, "singular calibration matrix")
	}
	var kInvT mat.Dense
	kInvT.CloneFrom(kInv.T())

	var f mat.Dense
	f.Mul(&kInvT, Skew(t12))
	f.Mul(&f, &r12)
	f.Mul(&f, &kInv)
	return mat.DenseCopyOf(&f), nil
}

// ProjectionMatrix builds the 3x4 projection K[R|t].
func ProjectionMatrix(k, r *mat.Dense, t r3.Vector) *mat.Dense {
	rt := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.Set(i, j, r.At(i, j))
		}
	}
	rt.Set(0, 3, t.X)
	rt.Set(1, 3, t.Y)
	rt.Set(2, 3, t.Z)
	var p mat.Dense
	p.Mul(k, rt)
	return mat.DenseCopyOf(&p)
}

// TriangulatePoint recovers the 3D point seen at p1 with projection matrix
// P1 and p2 with P2, by solving the stacked DLT system via SVD null-space
// extraction and dehomogenizing the null vector.
func TriangulatePoint(p1, p2 r2.Point, P1, P2 *mat.Dense) (r3.Vector, error) {
	A := mat.NewDense(4, 4, nil)
	setDLTRow(A, 0, p1.X, P1, 2, 0)
	setDLTRow(A, 1, p1.Y, P1, 2, 1)
	setDLTRow(A, 2, p2.X, P2, 2, 0)
	setDLTRow(A, 3, p2.Y, P2, 2, 1)
	return solveDLT(A)
}

// TriangulateLineEndpoint recovers a 3D endpoint of a matched line segment.
// The first two rows constrain the point to the back-projected planes of the
// containing lines (coefficients times each view's projection matrix); the
// last two pin it to the observed endpoint's ray in the first view.
func TriangulateLineEndpoint(coef1, coef2 r3.Vector, endpoint r2.Point, P1, P2 *mat.Dense) (r3.Vector, error) {
	A := mat.NewDense(4, 4, nil)
	for j := 0; j < 4; j++ {
		A.Set(0, j, coef1.X*P1.At(0, j)+coef1.Y*P1.At(1, j)+coef1.Z*P1.At(2, j))
		A.Set(1, j, coef2.X*P2.At(0, j)+coef2.Y*P2.At(1, j)+coef2.Z*P2.At(2, j))
	}
	setDLTRow(A, 2, endpoint.X, P1, 2, 0)
	setDLTRow(A, 3, endpoint.Y, P1, 2, 1)
	return solveDLT(A)
}

// setDLTRow writes row dst of A as coord*P.row(rowScale) - P.row(rowSub).
func setDLTRow(A *mat.Dense, dst int, coord float64, P *mat.Dense, rowScale, rowSub int) {
	for j := 0; j < 4; j++ {
		A.Set(dst, j, coord*P.At(rowScale, j)-P.At(rowSub, j))
	}
}

// solveDLT extracts the null vector of the 4x4 homogeneous system and
// dehomogenizes it. A vanishing homogeneous coordinate is an error; callers
// treat it as a rejected candidate.
func solveDLT(A *mat.Dense) (r3.Vector, error) {
	mats, err := performSVD(A)
	if err != nil {
		return r3.Vector{}, err
	}
	x := mats.V.ColView(3)
	w := x.AtVec(3)
	if w == 0 {
		return r3.Vector{}, errors.New("triangulated point at infinity")
	}
	return r3.Vector{X: x.AtVec(0) / w, Y: x.AtVec(1) / w, Z: x.AtVec(2) / w}, nil
}

// IsFinite reports whether all components of v are finite.
func IsFinite(v r3.Vector) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) &&
		!math.IsNaN(v.Y) && !math.IsInf(v.Y, 0) &&
		!math.IsNaN(v.Z) && !math.IsInf(v.Z, 0)
}
