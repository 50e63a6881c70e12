package scene

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// CustomPrimitiveCount returns the number of custom primitives.
func (s *Scene) CustomPrimitiveCount() uint32 { return s.data.CustomPrimitiveCount() }

// CustomPrimitive returns a custom primitive by index.
func (s *Scene) CustomPrimitive(i uint32) (model.CustomPrimitiveDesc, error) {
	if i >= s.data.CustomPrimitiveCount() {
		return model.CustomPrimitiveDesc{}, s.customRangeError(i)
	}
	return s.data.CustomPrimitives[i], nil
}

// CustomPrimitiveAABB returns the bounds of a custom primitive.
func (s *Scene) CustomPrimitiveAABB(i uint32) (math.AABB, error) {
	if i >= s.data.CustomPrimitiveCount() {
		return math.AABB{}, s.customRangeError(i)
	}
	return s.data.CustomPrimitiveAABBs[s.data.CustomPrimitives[i].AABBOffset], nil
}

func (s *Scene) customRangeError(i uint32) error {
	return fmt.Errorf("custom primitive %d of %d: %w", i, s.data.CustomPrimitiveCount(), ErrInvalidGeometryID)
}

// AddCustomPrimitive appends a custom primitive and returns its index. The
// BLASes are rebuilt on next use.
func (s *Scene) AddCustomPrimitive(userID uint32, aabb math.AABB) (uint32, error) {
	if !aabb.Valid() {
		return 0, fmt.Errorf("custom primitive bounds are empty or inverted")
	}
	i := s.data.CustomPrimitiveCount()
	s.data.CustomPrimitives = append(s.data.CustomPrimitives, model.CustomPrimitiveDesc{
		UserID:     userID,
		AABBOffset: uint32(len(s.data.CustomPrimitiveAABBs)),
	})
	s.data.CustomPrimitiveAABBs = append(s.data.CustomPrimitiveAABBs, aabb)
	s.data.Bounds = s.data.Bounds.Union(aabb)
	s.geometryChanged()
	return i, nil
}

// RemoveCustomPrimitives removes the custom primitives in [first, last).
func (s *Scene) RemoveCustomPrimitives(first, last uint32) error {
	n := s.data.CustomPrimitiveCount()
	if first > last || last > n {
		return fmt.Errorf("custom primitive range [%d, %d) of %d: %w", first, last, n, ErrInvalidGeometryID)
	}
	if first == last {
		return nil
	}

	prims := append(s.data.CustomPrimitives[:first:first], s.data.CustomPrimitives[last:]...)
	aabbs := make([]math.AABB, len(prims))
	for i := range prims {
		aabbs[i] = s.data.CustomPrimitiveAABBs[prims[i].AABBOffset]
		prims[i].AABBOffset = uint32(i)
	}
	s.data.CustomPrimitives = prims
	s.data.CustomPrimitiveAABBs = aabbs
	s.geometryChanged()
	return nil
}

// UpdateCustomPrimitive moves a custom primitive. The affected BLAS is
// updated on the next Update.
func (s *Scene) UpdateCustomPrimitive(i uint32, aabb math.AABB) error {
	if i >= s.data.CustomPrimitiveCount() {
		return s.customRangeError(i)
	}
	if !aabb.Valid() {
		return fmt.Errorf("custom primitive %d bounds are empty or inverted", i)
	}
	off := s.data.CustomPrimitives[i].AABBOffset
	if s.data.CustomPrimitiveAABBs[off] == aabb {
		return nil
	}
	s.data.CustomPrimitiveAABBs[off] = aabb
	s.data.Bounds = s.data.Bounds.Union(aabb)
	s.pending |= UpdateCustomPrimitivesMoved
	return nil
}

func (s *Scene) geometryChanged() {
	s.pending |= UpdateGeometryChanged
	s.accel.Invalidate()
	s.log.Debug("scene geometry changed", zap.Uint32("custom_primitives", s.data.CustomPrimitiveCount()))
}

// UpdateCurvePoints rewrites the control points of a dynamic curve. The
// point count is fixed at build time.
func (s *Scene) UpdateCurvePoints(curveID uint32, points []model.CurvePoint) error {
	if curveID >= s.data.CurveCount() {
		return fmt.Errorf("curve %d of %d: %w", curveID, s.data.CurveCount(), ErrInvalidGeometryID)
	}
	c := s.data.Curves[curveID]
	if !c.IsDynamic {
		return fmt.Errorf("curve %q: %w", s.data.CurveNames[curveID], ErrCurveNotDynamic)
	}
	if uint32(len(points)) != c.VertexCount {
		return fmt.Errorf("curve %q has %d points, got %d: %w",
			s.data.CurveNames[curveID], c.VertexCount, len(points), ErrCurveShape)
	}
	for _, p := range points {
		if !math.V3(p.Position).IsFinite() || !math.IsFinite(p.Radius) || p.Radius < 0 {
			return fmt.Errorf("curve %q has an invalid point", s.data.CurveNames[curveID])
		}
	}

	copy(s.data.CurvePoints[c.VBOffset:c.VBOffset+c.VertexCount], points)
	for i, bb := range model.SegmentAABBs(points) {
		s.data.CurveAABBs[c.AABBOffset+uint32(i)] = bb
		s.data.Bounds = s.data.Bounds.Union(bb)
	}
	s.pending |= UpdateCurvesMoved
	return nil
}
