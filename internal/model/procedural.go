package model

import "github.com/Faultbox/rtaccel/pkg/math"

// CurvePoint is one control point of a linear curve strip.
type CurvePoint struct {
	Position [3]float32
	Radius   float32
}

// CurveSpec is a processed curve owned by the builder.
type CurveSpec struct {
	Name       string
	MaterialID uint32
	Points     []CurvePoint
	IsDynamic  bool // points may be rewritten at runtime
	Instances  []uint32
}

// SegmentCount returns the number of linear segments.
func (c *CurveSpec) SegmentCount() uint32 {
	if len(c.Points) < 2 {
		return 0
	}
	return uint32(len(c.Points) - 1)
}

// CurveDesc is the runtime record of a curve. Each segment is traced as
// one AABB.
type CurveDesc struct {
	MaterialID  uint32
	VBOffset    uint32
	VertexCount uint32
	AABBOffset  uint32
	AABBCount   uint32
	IsDynamic   bool
}

// SegmentAABBs returns one box per segment, padded by the larger radius.
func SegmentAABBs(points []CurvePoint) []math.AABB {
	if len(points) < 2 {
		return nil
	}
	out := make([]math.AABB, 0, len(points)-1)
	for i := 0; i+1 < len(points); i++ {
		a, b := points[i], points[i+1]
		r := a.Radius
		if b.Radius > r {
			r = b.Radius
		}
		pad := math.Vec3{X: r, Y: r, Z: r}
		box := math.NewAABB(math.V3(a.Position), math.V3(b.Position))
		out = append(out, math.AABB{Min: box.Min.Sub(pad), Max: box.Max.Add(pad)})
	}
	return out
}

// CustomPrimitiveDesc is a user-defined procedural primitive with one AABB.
type CustomPrimitiveDesc struct {
	UserID     uint32
	AABBOffset uint32
}
