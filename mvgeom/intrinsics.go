package mvgeom

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Intrinsics holds the pinhole calibration parameters of a camera. They are
// shared and immutable for a mapping session.
type Intrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// CheckValid returns an error if the intrinsics cannot project.
func (in *Intrinsics) CheckValid() error {
	if in == nil {
		return errors.New("intrinsics cannot be nil")
	}
	if in.Fx <= 0 || in.Fy <= 0 {
		return errors.Errorf("focal lengths must be positive, got (%v, %v)", in.Fx, in.Fy)
	}
	return nil
}

// CameraMatrix returns the 3x3 calibration matrix K.
func (in *Intrinsics) CameraMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		in.Fx, 0, in.Ppx,
		0, in.Fy, in.Ppy,
		0, 0, 1,
	})
}

// Project maps a point in camera coordinates to pixel coordinates.
func (in *Intrinsics) Project(p r3.Vector) r2.Point {
	invZ := 1.0 / p.Z
	return r2.Point{
		X: in.Fx*p.X*invZ + in.Ppx,
		Y: in.Fy*p.Y*invZ + in.Ppy,
	}
}

// Unproject maps a pixel to the normalized image plane (z = 1).
func (in *Intrinsics) Unproject(p r2.Point) r3.Vector {
	return r3.Vector{
		X: (p.X - in.Ppx) / in.Fx,
		Y: (p.Y - in.Ppy) / in.Fy,
		Z: 1,
	}
}
