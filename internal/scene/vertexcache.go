package scene

import (
	"fmt"

	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// UpdateMeshVertices replaces the positions of a vertex-cache mesh for the
// next update. The old positions become the previous-frame positions.
func (s *Scene) UpdateMeshVertices(meshID uint32, positions []math.Vec3) error {
	if meshID >= s.data.MeshCount() {
		return fmt.Errorf("mesh %d of %d: %w", meshID, s.data.MeshCount(), ErrInvalidGeometryID)
	}
	desc := s.data.Meshes[meshID]
	if desc.IsSkinned() || desc.Flags&model.MeshIsAnimated == 0 || s.skin == nil {
		return fmt.Errorf("mesh %q: %w", s.data.MeshNames[meshID], ErrMeshNotCached)
	}
	if uint32(len(positions)) != desc.VertexCount {
		return fmt.Errorf("mesh %q has %d vertices, got %d: %w",
			s.data.MeshNames[meshID], desc.VertexCount, len(positions), ErrMeshShape)
	}
	for _, p := range positions {
		if !p.IsFinite() {
			return fmt.Errorf("mesh %q has a non-finite position", s.data.MeshNames[meshID])
		}
	}

	for k, p := range positions {
		v := &s.data.StaticVertices[desc.VBOffset+uint32(k)]
		s.skin.prev[desc.PrevVBOffset+uint32(k)] = math.V3(v.Position)
		v.Position = p.Array()
	}
	s.pending |= UpdateMeshesChanged
	return nil
}
