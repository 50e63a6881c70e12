package scene

import (
	"fmt"

	"github.com/Faultbox/rtaccel/internal/model"
)

// Global geometry ids number meshes first, then curves, then custom
// primitives.

// GeometryCount returns the number of meshes, curves and custom primitives.
func (s *Scene) GeometryCount() uint32 { return s.data.GeometryCount() }

// GeometryType returns the type of a global geometry id.
func (s *Scene) GeometryType(id uint32) (model.GeometryType, error) {
	meshes, curves := s.data.MeshCount(), s.data.CurveCount()
	switch {
	case id < meshes:
		if s.data.Meshes[id].IsDisplaced() {
			return model.GeometryTypeDisplacedTriangleMesh, nil
		}
		return model.GeometryTypeTriangleMesh, nil
	case id < meshes+curves:
		return model.GeometryTypeCurve, nil
	case id < s.data.GeometryCount():
		return model.GeometryTypeCustom, nil
	default:
		return model.GeometryTypeNone, fmt.Errorf("geometry %d of %d: %w", id, s.data.GeometryCount(), ErrInvalidGeometryID)
	}
}

// CustomPrimitiveIndex maps a global geometry id to a custom primitive index.
func (s *Scene) CustomPrimitiveIndex(id uint32) (uint32, error) {
	t, err := s.GeometryType(id)
	if err != nil {
		return 0, err
	}
	if t != model.GeometryTypeCustom {
		return 0, fmt.Errorf("geometry %d is %s: %w", id, t, ErrNotCustomPrimitive)
	}
	return id - s.data.MeshCount() - s.data.CurveCount(), nil
}

// GeometryIDs returns the global ids of every geometry of type t.
func (s *Scene) GeometryIDs(t model.GeometryType) []uint32 {
	var ids []uint32
	for id := uint32(0); id < s.data.GeometryCount(); id++ {
		if gt, _ := s.GeometryType(id); gt == t {
			ids = append(ids, id)
		}
	}
	return ids
}

// GeometryInstanceIDsByType returns the instance entries of type t.
func (s *Scene) GeometryInstanceIDsByType(t model.GeometryType) []uint32 {
	var ids []uint32
	for i, inst := range s.data.Instances {
		if inst.Type == t {
			ids = append(ids, uint32(i))
		}
	}
	return ids
}

// MeshInstanceIDs returns the instance entries of a mesh.
func (s *Scene) MeshInstanceIDs(meshID uint32) []uint32 {
	return s.data.MeshInstances(meshID)
}

// MeshBlasIDs returns the BLAS index of every mesh. Mesh group i is BLAS i.
func (s *Scene) MeshBlasIDs() []uint32 {
	ids := make([]uint32, s.data.MeshCount())
	for i := range ids {
		ids[i] = model.InvalidID
	}
	for gi, g := range s.data.MeshGroups {
		for _, meshID := range g.Meshes {
			ids[meshID] = uint32(gi)
		}
	}
	return ids
}

// ParentNodeID returns the parent of a node, InvalidNode for roots.
func (s *Scene) ParentNodeID(id uint32) (uint32, error) {
	return s.data.Graph.Parent(id)
}

// InstanceCount returns the number of instance entries.
func (s *Scene) InstanceCount() int { return len(s.data.Instances) }

// Instance returns an instance entry.
func (s *Scene) Instance(i uint32) (model.GeometryInstanceData, error) {
	if i >= uint32(len(s.data.Instances)) {
		return model.GeometryInstanceData{}, fmt.Errorf("instance %d of %d: %w", i, len(s.data.Instances), ErrInvalidGeometryID)
	}
	return s.data.Instances[i], nil
}
