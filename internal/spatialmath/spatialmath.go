// Package spatialmath implements the coordinate-frame transforms between
// the COLMAP reconstruction frame (R), the gravity-aligned map frame (G),
// and a client AR session frame (C). The operation sequence mirrors the
// original coordinate_transforms.py exactly: hloc-to-gravity is a +180°
// rotation about X, gravity-to-client is a -90° rotation about X followed
// by a -90° rotation about Y.
package spatialmath

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a 4x4 homogeneous transform, row-major, stored as a gonum Dense.
type Pose struct {
	M *mat.Dense
}

// Identity returns the 4x4 identity homogeneous transform.
func Identity() Pose {
	d := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		d.Set(i, i, 1)
	}
	return Pose{M: d}
}

// RotationFromQuatWXYZ builds a 4x4 homogeneous transform (rotation only,
// zero translation) from a COLMAP-convention quaternion stored (w, x, y, z).
func RotationFromQuatWXYZ(w, x, y, z float64) Pose {
	q := quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}
	n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	if n > 0 {
		q.Real /= n
		q.Imag /= n
		q.Jmag /= n
		q.Kmag /= n
	}
	r := quatToRotMat3(q)
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, r[i][j])
		}
	}
	m.Set(3, 3, 1)
	return Pose{M: m}
}

func quatToRotMat3(q quat.Number) [3][3]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w)},
		{2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w)},
		{2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y)},
	}
}

// FromRowMajor16 builds a Pose from a flattened row-major 4x4 matrix, the
// format a client records its own AR-session pose in alongside a posed
// query image.
func FromRowMajor16(vals [16]float64) Pose {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, vals[i*4+j])
		}
	}
	return Pose{M: m}
}

// Homogenize builds a 4x4 homogeneous transform from a 3x3 rotation (stored
// row-major, 9 entries) and a translation vector, matching the original's
// _homogenize helper.
func Homogenize(rot [9]float64, t [3]float64) Pose {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, rot[i*3+j])
		}
		m.Set(i, 3, t[i])
	}
	m.Set(3, 3, 1)
	return Pose{M: m}
}

func rotAboutX(degrees float64) Pose {
	r := degrees * math.Pi / 180
	c, s := math.Cos(r), math.Sin(r)
	m := mat.NewDense(4, 4, nil)
	m.Set(0, 0, 1)
	m.Set(1, 1, c)
	m.Set(1, 2, -s)
	m.Set(2, 1, s)
	m.Set(2, 2, c)
	m.Set(3, 3, 1)
	return Pose{M: m}
}

func rotAboutY(degrees float64) Pose {
	r := degrees * math.Pi / 180
	c, s := math.Cos(r), math.Sin(r)
	m := mat.NewDense(4, 4, nil)
	m.Set(0, 0, c)
	m.Set(0, 2, s)
	m.Set(1, 1, 1)
	m.Set(2, 0, -s)
	m.Set(2, 2, c)
	m.Set(3, 3, 1)
	return Pose{M: m}
}

// Mul composes two poses as matrix multiplication, p then q: result = q*p.
func Mul(q, p Pose) Pose {
	out := mat.NewDense(4, 4, nil)
	out.Mul(q.M, p.M)
	return Pose{M: out}
}

// HlocToGravity rotates a reconstruction-frame pose +180 degrees about X
// into the gravity-aligned map frame.
func HlocToGravity(p Pose) Pose {
	return Mul(rotAboutX(180), p)
}

// GravityToClient rotates a gravity-frame pose -90 degrees about X then
// -90 degrees about Y into a client AR-session frame.
func GravityToClient(p Pose) Pose {
	afterX := Mul(rotAboutX(-90), p)
	return Mul(rotAboutY(-90), afterX)
}

// Inverse returns the matrix inverse of p. A singular or near-singular p
// (not invertible) is reported as an explicit error rather than silently
// returning a garbage result.
func (p Pose) Inverse() (Pose, error) {
	m := mat.NewDense(4, 4, nil)
	if err := m.Inverse(p.M); err != nil {
		return Pose{}, fmt.Errorf("spatialmath: pose matrix is not invertible: %w", err)
	}
	return Pose{M: m}, nil
}

// FuseWithClient composes a map-frame localization pose with the client's
// own AR-session pose at capture time, producing the pose the client
// should apply to align its local AR origin with the map:
// clientMatrixC * inverse(poseGInClientFrame), matching
// get_arscene_pose_matrix. Returns an error if poseGInClientFrame is not
// invertible.
func FuseWithClient(poseGInClientFrame, clientMatrixC Pose) (Pose, error) {
	inv, err := poseGInClientFrame.Inverse()
	if err != nil {
		return Pose{}, err
	}
	return Mul(clientMatrixC, inv), nil
}

// Translation returns the translation column of a homogeneous pose.
func (p Pose) Translation() [3]float64 {
	return [3]float64{p.M.At(0, 3), p.M.At(1, 3), p.M.At(2, 3)}
}

// SetTranslation returns a copy of p with its translation column replaced.
func (p Pose) SetTranslation(t [3]float64) Pose {
	m := mat.DenseCopyOf(p.M)
	m.Set(0, 3, t[0])
	m.Set(1, 3, t[1])
	m.Set(2, 3, t[2])
	return Pose{M: m}
}

// ScaleTranslation returns a copy of p with its translation scaled by s,
// used to apply the estimated reconstruction-to-client scale factor.
func (p Pose) ScaleTranslation(s float64) Pose {
	t := p.Translation()
	return p.SetTranslation([3]float64{t[0] * s, t[1] * s, t[2] * s})
}
