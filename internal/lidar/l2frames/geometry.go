package l2frames

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/velodyne-capture/internal/lidar/parse"
)

// AzimuthEpsilon is the magnitude below which an azimuth offset (radians)
// is treated as zero and no rotation is applied.
const AzimuthEpsilon = 1e-9

// ErrMatrixShape is returned for transform matrices that are not 4×4.
var ErrMatrixShape = errors.New("transform matrix must be 4x4")

// SphericalToCartesian converts distance, azimuth (degrees) and vertical
// angle (degrees) into sensor-frame coordinates.
// Coordinate convention: X=right, Y=forward, Z=up.
func SphericalToCartesian(distance, azimuthDeg, verticalDeg float64) r3.Vec {
	azimuth := azimuthDeg * math.Pi / 180.0
	vertical := verticalDeg * math.Pi / 180.0

	horizontal := distance * math.Cos(vertical)
	return r3.Vec{
		X: horizontal * math.Sin(azimuth),
		Y: horizontal * math.Cos(azimuth),
		Z: distance * math.Sin(vertical),
	}
}

// Offset is the mounting correction applied to every sample: a rotation
// about Z by Azimuth radians followed by a translation.
type Offset struct {
	Azimuth float64
	X, Y, Z float64
}

// TransformOrder places the affine matrix relative to the offset.
type TransformOrder int

const (
	// OffsetThenMatrix corrects the mounting first, then maps the corrected
	// sensor frame through the matrix.
	OffsetThenMatrix TransformOrder = iota
	// MatrixThenOffset maps the raw sensor point through the matrix, then
	// applies the offset.
	MatrixThenOffset
)

func (o TransformOrder) String() string {
	if o == MatrixThenOffset {
		return "matrix_then_offset"
	}
	return "offset_then_matrix"
}

// ParseTransformOrder maps a config string to an order.
func ParseTransformOrder(s string) (TransformOrder, error) {
	switch s {
	case "", "offset_then_matrix":
		return OffsetThenMatrix, nil
	case "matrix_then_offset":
		return MatrixThenOffset, nil
	default:
		return OffsetThenMatrix, fmt.Errorf("unknown transform order %q", s)
	}
}

// Transform is the per-sample geometry configuration. The zero value is the
// identity: no offset and the matrix disabled.
type Transform struct {
	Offset Offset
	Order  TransformOrder

	matrix  *mat.Dense
	enabled bool
}

// SetMatrix stores a copy of m and enables the affine stage. There is no way
// to disable it again short of a new Transform.
func (t *Transform) SetMatrix(m mat.Matrix) error {
	if d, ok := m.(*mat.Dense); m == nil || (ok && d == nil) {
		return fmt.Errorf("%w: nil matrix", ErrMatrixShape)
	}
	if r, c := m.Dims(); r != 4 || c != 4 {
		return fmt.Errorf("%w: got %dx%d", ErrMatrixShape, r, c)
	}
	t.matrix = mat.DenseCopyOf(m)
	t.enabled = true
	return nil
}

// Matrix returns the stored matrix, or the identity when none was set.
func (t *Transform) Matrix() *mat.Dense {
	if t.matrix == nil {
		return Identity()
	}
	return mat.DenseCopyOf(t.matrix)
}

// MatrixEnabled reports whether SetMatrix has been called.
func (t *Transform) MatrixEnabled() bool { return t.enabled }

// Identity returns a new 4×4 identity matrix.
func Identity() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// RowMajor builds a 4×4 matrix from 16 row-major values.
func RowMajor(v [16]float64) *mat.Dense {
	data := make([]float64, 16)
	copy(data, v[:])
	return mat.NewDense(4, 4, data)
}

// Apply maps one sample to a point. It returns false for degenerate samples
// whose Cartesian conversion is exactly the origin.
func (t *Transform) Apply(s parse.Sample) (r3.Vec, bool) {
	p := SphericalToCartesian(s.Distance, s.Azimuth, s.Vertical)
	if p.X == 0 && p.Y == 0 && p.Z == 0 {
		return r3.Vec{}, false
	}

	if t.enabled && t.Order == MatrixThenOffset {
		p = t.applyMatrix(p)
	}
	p = t.applyOffset(p)
	if t.enabled && t.Order == OffsetThenMatrix {
		p = t.applyMatrix(p)
	}
	return p, true
}

func (t *Transform) applyOffset(p r3.Vec) r3.Vec {
	if a := t.Offset.Azimuth; math.Abs(a) > AzimuthEpsilon {
		sin, cos := math.Sincos(a)
		p = r3.Vec{
			X: p.X*cos + p.Y*sin,
			Y: -p.X*sin + p.Y*cos,
			Z: p.Z,
		}
	}
	return r3.Add(p, r3.Vec{X: t.Offset.X, Y: t.Offset.Y, Z: t.Offset.Z})
}

// applyMatrix multiplies the homogeneous point (x, y, z, 1) by the matrix.
// A projective w other than 0 or 1 is divided out.
func (t *Transform) applyMatrix(p r3.Vec) r3.Vec {
	var out mat.VecDense
	out.MulVec(t.matrix, mat.NewVecDense(4, []float64{p.X, p.Y, p.Z, 1}))
	q := r3.Vec{X: out.AtVec(0), Y: out.AtVec(1), Z: out.AtVec(2)}
	if w := out.AtVec(3); w != 0 && w != 1 {
		q = r3.Scale(1/w, q)
	}
	return q
}
