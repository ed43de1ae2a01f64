package l2frames

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/velodyne-capture/internal/lidar/parse"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func testFrame() []parse.Sample {
	return []parse.Sample{
		{Distance: 10, Azimuth: 90, Vertical: 0},
		{Distance: 5, Azimuth: 45, Vertical: -15},
		{Distance: 0, Azimuth: 180, Vertical: 3}, // degenerate
		{Distance: 2.5, Azimuth: 359.5, Vertical: 11},
		{Distance: 7, Azimuth: 0, Vertical: 15},
	}
}

func cartesian(samples []parse.Sample) []r3.Vec {
	var out []r3.Vec
	for _, s := range samples {
		p := SphericalToCartesian(s.Distance, s.Azimuth, s.Vertical)
		if p != (r3.Vec{}) {
			out = append(out, p)
		}
	}
	return out
}

func TestSphericalToCartesian(t *testing.T) {
	tests := []struct {
		name           string
		dist, az, vert float64
		want           r3.Vec
	}{
		{"forward", 10, 0, 0, r3.Vec{X: 0, Y: 10, Z: 0}},
		{"right", 10, 90, 0, r3.Vec{X: 10, Y: 0, Z: 0}},
		{"behind", 10, 180, 0, r3.Vec{X: 0, Y: -10, Z: 0}},
		{"up", 4, 0, 90, r3.Vec{X: 0, Y: 0, Z: 4}},
		{"origin", 0, 123, 7, r3.Vec{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SphericalToCartesian(tt.dist, tt.az, tt.vert)
			if diff := cmp.Diff(tt.want, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTransform_DefaultIsPlainConversion(t *testing.T) {
	var tr Transform
	cloud := BuildCloud(nil, testFrame(), &tr)
	if diff := cmp.Diff(cartesian(testFrame()), cloud.Points, approx); diff != "" {
		t.Errorf("default transform altered points (-want +got):\n%s", diff)
	}
}

func TestTransform_ConcreteScenarios(t *testing.T) {
	s := parse.Sample{Distance: 10, Azimuth: 90, Vertical: 0}

	var plain Transform
	p, ok := plain.Apply(s)
	require.True(t, ok)
	assert.InDelta(t, 10, p.X, 1e-9)
	assert.InDelta(t, 0, p.Y, 1e-9)
	assert.InDelta(t, 0, p.Z, 1e-9)

	rotated := Transform{Offset: Offset{Azimuth: math.Pi / 2}}
	p, ok = rotated.Apply(s)
	require.True(t, ok)
	assert.InDelta(t, 0, p.X, 1e-9)
	assert.InDelta(t, -10, p.Y, 1e-9)
	assert.InDelta(t, 0, p.Z, 1e-9)
}

func TestTransform_RejectsOrigin(t *testing.T) {
	tr := Transform{Offset: Offset{X: 1, Y: 2, Z: 3}}
	_, ok := tr.Apply(parse.Sample{Distance: 0, Azimuth: 10, Vertical: 5})
	assert.False(t, ok, "origin returns are rejected before the offset is applied")

	cloud := BuildCloud(nil, testFrame(), &tr)
	assert.Equal(t, len(testFrame())-1, cloud.Len())
	for _, p := range cloud.Points {
		assert.NotEqual(t, r3.Vec{X: 1, Y: 2, Z: 3}, p)
	}
}

func TestTransform_RotationRoundTrip(t *testing.T) {
	for _, theta := range []float64{0.1, math.Pi / 3, -2.5, math.Pi} {
		forward := Transform{Offset: Offset{Azimuth: theta}}
		back := Transform{Offset: Offset{Azimuth: -theta}}

		var got []r3.Vec
		for _, s := range testFrame() {
			p, ok := forward.Apply(s)
			if !ok {
				continue
			}
			// feed the rotated point back through a rotation by -theta
			got = append(got, back.applyOffset(p))
		}
		if diff := cmp.Diff(cartesian(testFrame()), got, approx); diff != "" {
			t.Errorf("theta=%v round trip mismatch (-want +got):\n%s", theta, diff)
		}
	}
}

func TestTransform_TranslationIsAdditive(t *testing.T) {
	offset := r3.Vec{X: 1.5, Y: -2, Z: 0.25}
	tr := Transform{Offset: Offset{X: offset.X, Y: offset.Y, Z: offset.Z}}

	got := BuildCloud(nil, testFrame(), &tr).Points
	want := cartesian(testFrame())
	for i := range want {
		want[i] = r3.Add(want[i], offset)
	}
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("translation mismatch (-want +got):\n%s", diff)
	}
}

func TestTransform_EpsilonSkipsRotation(t *testing.T) {
	tr := Transform{Offset: Offset{Azimuth: AzimuthEpsilon / 2}}
	s := parse.Sample{Distance: 10, Azimuth: 90}
	got, _ := tr.Apply(s)
	assert.Equal(t, SphericalToCartesian(10, 90, 0), got)
}

func TestTransform_Matrix(t *testing.T) {
	// rotate 90° about Z (x -> y) and translate by (0, 0, 5)
	m := RowMajor([16]float64{
		0, -1, 0, 0,
		1, 0, 0, 0,
		0, 0, 1, 5,
		0, 0, 0, 1,
	})
	s := parse.Sample{Distance: 10, Azimuth: 90}

	t.Run("disabled by default", func(t *testing.T) {
		var tr Transform
		assert.False(t, tr.MatrixEnabled())
		assert.True(t, mat.Equal(Identity(), tr.Matrix()))
	})

	t.Run("offset then matrix", func(t *testing.T) {
		tr := Transform{Offset: Offset{X: 1}}
		require.NoError(t, tr.SetMatrix(m))
		assert.True(t, tr.MatrixEnabled())
		p, ok := tr.Apply(s)
		require.True(t, ok)
		// (10,0,0) + (1,0,0) = (11,0,0) -> (0,11,5)
		assert.InDelta(t, 0, p.X, 1e-9)
		assert.InDelta(t, 11, p.Y, 1e-9)
		assert.InDelta(t, 5, p.Z, 1e-9)
	})

	t.Run("matrix then offset", func(t *testing.T) {
		tr := Transform{Offset: Offset{X: 1}, Order: MatrixThenOffset}
		require.NoError(t, tr.SetMatrix(m))
		p, ok := tr.Apply(s)
		require.True(t, ok)
		// (10,0,0) -> (0,10,5) + (1,0,0)
		assert.InDelta(t, 1, p.X, 1e-9)
		assert.InDelta(t, 10, p.Y, 1e-9)
		assert.InDelta(t, 5, p.Z, 1e-9)
	})

	t.Run("stored matrix is a copy", func(t *testing.T) {
		var tr Transform
		src := Identity()
		require.NoError(t, tr.SetMatrix(src))
		src.Set(0, 3, 100)
		p, _ := tr.Apply(s)
		assert.InDelta(t, 10, p.X, 1e-9)
	})

	t.Run("projective w is divided out", func(t *testing.T) {
		var tr Transform
		scaled := Identity()
		scaled.Set(3, 3, 2)
		require.NoError(t, tr.SetMatrix(scaled))
		p, _ := tr.Apply(s)
		assert.InDelta(t, 5, p.X, 1e-9)
	})

	t.Run("rejects wrong shape", func(t *testing.T) {
		var tr Transform
		err := tr.SetMatrix(mat.NewDense(3, 3, nil))
		assert.ErrorIs(t, err, ErrMatrixShape)
		assert.False(t, tr.MatrixEnabled())
	})

	t.Run("rejects nil", func(t *testing.T) {
		var tr Transform
		assert.ErrorIs(t, tr.SetMatrix(nil), ErrMatrixShape)
		var d *mat.Dense
		assert.ErrorIs(t, tr.SetMatrix(d), ErrMatrixShape)
		assert.False(t, tr.MatrixEnabled())
	})
}

func TestParseTransformOrder(t *testing.T) {
	o, err := ParseTransformOrder("")
	require.NoError(t, err)
	assert.Equal(t, OffsetThenMatrix, o)

	o, err = ParseTransformOrder("matrix_then_offset")
	require.NoError(t, err)
	assert.Equal(t, "matrix_then_offset", o.String())

	_, err = ParseTransformOrder("sideways")
	assert.Error(t, err)
}
