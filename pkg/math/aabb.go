package math

import "github.com/chewxy/math32"

// AABB is an axis-aligned bounding box. The zero value is not empty; use
// EmptyAABB to start accumulating points.
type AABB struct {
	Min Vec3
	Max Vec3
}

// EmptyAABB returns an inverted box that any Include call will reset.
func EmptyAABB() AABB {
	inf := math32.Inf(1)
	return AABB{
		Min: Vec3{inf, inf, inf},
		Max: Vec3{-inf, -inf, -inf},
	}
}

// NewAABB returns the box spanning the two corners.
func NewAABB(a, b Vec3) AABB {
	return AABB{Min: a.Min(b), Max: a.Max(b)}
}

// Valid reports whether the box contains at least one point.
func (b AABB) Valid() bool {
	return b.Min.X <= b.Max.X && b.Min.Y <= b.Max.Y && b.Min.Z <= b.Max.Z
}

// Include grows the box to contain p.
func (b AABB) Include(p Vec3) AABB {
	return AABB{Min: b.Min.Min(p), Max: b.Max.Max(p)}
}

// Union grows the box to contain other.
func (b AABB) Union(other AABB) AABB {
	if !other.Valid() {
		return b
	}
	return AABB{Min: b.Min.Min(other.Min), Max: b.Max.Max(other.Max)}
}

// Center returns the midpoint of the box.
func (b AABB) Center() Vec3 {
	return b.Min.Add(b.Max).Scale(0.5)
}

// Extent returns Max - Min.
func (b AABB) Extent() Vec3 {
	if !b.Valid() {
		return Vec3{}
	}
	return b.Max.Sub(b.Min)
}

// LargestAxis returns the axis index with the largest extent. Ties favor
// the lower axis.
func (b AABB) LargestAxis() int {
	e := b.Extent()
	if e.X >= e.Y && e.X >= e.Z {
		return 0
	}
	if e.Y >= e.Z {
		return 1
	}
	return 2
}

// Transform returns the bounds of the eight transformed corners.
func (b AABB) Transform(m Mat4) AABB {
	if !b.Valid() {
		return b
	}
	out := EmptyAABB()
	for i := 0; i < 8; i++ {
		c := Vec3{b.Min.X, b.Min.Y, b.Min.Z}
		if i&1 != 0 {
			c.X = b.Max.X
		}
		if i&2 != 0 {
			c.Y = b.Max.Y
		}
		if i&4 != 0 {
			c.Z = b.Max.Z
		}
		out = out.Include(m.TransformVec3(c))
	}
	return out
}
