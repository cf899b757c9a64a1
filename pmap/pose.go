package pmap

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/YRDcoconut/plmap/mvgeom"
)

// Pose is a world-to-camera rigid transform: x_cam = R*x_world + T.
type Pose struct {
	R *mat.Dense
	T r3.Vector
}

// NewPose returns a pose from a 3x3 rotation and a translation.
func NewPose(r *mat.Dense, t r3.Vector) Pose {
	return Pose{R: mat.DenseCopyOf(r), T: t}
}

// IdentityPose returns the identity transform.
func IdentityPose() Pose {
	r := mat.NewDense(3, 3, nil)
	r.Set(0, 0, 1)
	r.Set(1, 1, 1)
	r.Set(2, 2, 1)
	return Pose{R: r, T: r3.Vector{}}
}

// CameraCenter returns the optical center in world coordinates, -R^T * T.
func (p Pose) CameraCenter() r3.Vector {
	return mvgeom.MulVecT(p.R, p.T).Mul(-1)
}

// ToCamera transforms a world point into camera coordinates.
func (p Pose) ToCamera(w r3.Vector) r3.Vector {
	return mvgeom.MulVec(p.R, w).Add(p.T)
}

// RotateToWorld rotates a camera-frame direction into the world frame.
func (p Pose) RotateToWorld(v r3.Vector) r3.Vector {
	return mvgeom.MulVecT(p.R, v)
}

// Depth returns the z coordinate of a world point in the camera frame.
func (p Pose) Depth(w r3.Vector) float64 {
	return p.R.At(2, 0)*w.X + p.R.At(2, 1)*w.Y + p.R.At(2, 2)*w.Z + p.T.Z
}
