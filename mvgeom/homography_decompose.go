package mvgeom

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Motion is one rigid-motion hypothesis {R, t, n} extracted from a
// plane-induced homography: rotation, unit translation and plane normal.
type Motion struct {
	R *mat.Dense
	T r3.Vector
	N r3.Vector
}

// DecomposeHomography enumerates the eight Faugeras motion hypotheses of the
// calibrated homography A = K^-1 * H * K (Faugeras and Lustman, "Motion and
// structure from motion in a piecewise planar environment", 1988). It fails
// when the singular values of A are not clearly distinct, which leaves the
// decomposition ambiguous.
func DecomposeHomography(h, k *mat.Dense) ([]Motion, error) {
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil, errors.Wrap(err, "singular calibration matrix")
	}
	var A mat.Dense
	A.Mul(&kInv, h)
	A.Mul(&A, k)

	mats, err := performSVD(&A)
	if err != nil {
		return nil, err
	}
	d1, d2, d3 := mats.S[0], mats.S[1], mats.S[2]
	if d1/d2 < 1.00001 || d2/d3 < 1.00001 {
		return nil, errors.New("homography singular values too close to decompose")
	}
	s := mat.Det(mats.U) * mat.Det(mats.VT)

	// n' = [x1 0 x3], 4 sign combinations per case
	aux1 := math.Sqrt((d1*d1 - d2*d2) / (d1*d1 - d3*d3))
	aux3 := math.Sqrt((d2*d2 - d3*d3) / (d1*d1 - d3*d3))
	x1 := []float64{aux1, aux1, -aux1, -aux1}
	x3 := []float64{aux3, -aux3, aux3, -aux3}

	motions := make([]Motion, 0, 8)

	// case d' = d2
	auxSTheta := math.Sqrt((d1*d1-d2*d2)*(d2*d2-d3*d3)) / ((d1 + d3) * d2)
	cTheta := (d2*d2 + d1*d3) / ((d1 + d3) * d2)
	sTheta := []float64{auxSTheta, -auxSTheta, -auxSTheta, auxSTheta}
	for i := 0; i < 4; i++ {
		Rp := eye(3)
		Rp.Set(0, 0, cTheta)
		Rp.Set(0, 2, -sTheta[i])
		Rp.Set(2, 0, sTheta[i])
		Rp.Set(2, 2, cTheta)
		motions = append(motions, assembleMotion(mats, Rp, s,
			r3.Vector{X: x1[i], Z: -x3[i]}.Mul(d1-d3),
			r3.Vector{X: x1[i], Z: x3[i]}))
	}

	// case d' = -d2
	auxSPhi := math.Sqrt((d1*d1-d2*d2)*(d2*d2-d3*d3)) / ((d1 - d3) * d2)
	cPhi := (d1*d3 - d2*d2) / ((d1 - d3) * d2)
	sPhi := []float64{auxSPhi, -auxSPhi, -auxSPhi, auxSPhi}
	for i := 0; i < 4; i++ {
		Rp := eye(3)
		Rp.Set(0, 0, cPhi)
		Rp.Set(0, 2, sPhi[i])
		Rp.Set(1, 1, -1)
		Rp.Set(2, 0, sPhi[i])
		Rp.Set(2, 2, -cPhi)
		motions = append(motions, assembleMotion(mats, Rp, s,
			r3.Vector{X: x1[i], Z: x3[i]}.Mul(d1+d3),
			r3.Vector{X: x1[i], Z: x3[i]}))
	}
	return motions, nil
}

// assembleMotion rotates the primed-frame hypothesis back through U and V:
// R = s*U*Rp*Vt, t = U*tp (normalized), n = V*np (flipped so n.z >= 0).
func assembleMotion(mats *matsSVD, Rp *mat.Dense, s float64, tp, np r3.Vector) Motion {
	var R mat.Dense
	R.Mul(mats.U, Rp)
	R.Mul(&R, mats.VT)
	R.Scale(s, &R)

	t := MulVec(mats.U, tp)
	if n := t.Norm(); n > 0 {
		t = t.Mul(1 / n)
	}
	n := MulVec(mats.V, np)
	if n.Z < 0 {
		n = n.Mul(-1)
	}
	return Motion{R: mat.DenseCopyOf(&R), T: t, N: n}
}
