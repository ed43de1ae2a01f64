package l2frames

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/velodyne-capture/internal/lidar/parse"
)

// PointCloud is an unorganized point set. Height is 1 after a build; Width
// is the number of points.
type PointCloud struct {
	Points []r3.Vec
	Width  uint32
	Height uint32
}

// NewPointCloud allocates an empty cloud with room for capacity points.
func NewPointCloud(capacity int) *PointCloud {
	return &PointCloud{Points: make([]r3.Vec, 0, capacity)}
}

// Len returns the number of points.
func (c *PointCloud) Len() int { return len(c.Points) }

// Reset empties the cloud, keeping its allocation.
func (c *PointCloud) Reset() {
	c.Points = c.Points[:0]
	c.Width, c.Height = 0, 0
}

// Bounds returns the axis-aligned bounding box of the points. An empty cloud
// returns the zero box.
func (c *PointCloud) Bounds() r3.Box {
	if len(c.Points) == 0 {
		return r3.Box{}
	}
	lo := r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, p := range c.Points {
		lo.X, hi.X = math.Min(lo.X, p.X), math.Max(hi.X, p.X)
		lo.Y, hi.Y = math.Min(lo.Y, p.Y), math.Max(hi.Y, p.Y)
		lo.Z, hi.Z = math.Min(lo.Z, p.Z), math.Max(hi.Z, p.Z)
	}
	return r3.Box{Min: lo, Max: hi}
}

// BuildCloud transforms samples in order and appends accepted points to dst,
// allocating it when nil. Degenerate samples are skipped without being
// counted. Width is set to the total point count and Height to 1.
func BuildCloud(dst *PointCloud, samples []parse.Sample, t *Transform) *PointCloud {
	if dst == nil {
		dst = NewPointCloud(len(samples))
	}
	for _, s := range samples {
		if p, ok := t.Apply(s); ok {
			dst.Points = append(dst.Points, p)
		}
	}
	dst.Width = uint32(len(dst.Points))
	dst.Height = 1
	return dst
}
