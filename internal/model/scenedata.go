package model

import (
	"github.com/Faultbox/rtaccel/internal/animation"
	"github.com/Faultbox/rtaccel/internal/packing"
	"github.com/Faultbox/rtaccel/internal/scenegraph"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// SceneData is everything the builder produces. It is handed to the
// runtime scene and treated as read-only except for the explicitly mutable
// paths (instance flags, custom primitives and dynamic curve points).
type SceneData struct {
	Graph      *scenegraph.Graph
	Animations []*animation.Animation
	Materials  MaterialInfo

	Meshes     []MeshDesc
	MeshNames  []string
	MeshBBs    []math.AABB
	MeshGroups []MeshGroup

	// Instances are ordered mesh group, group instance, mesh. Displaced mesh
	// instances start at DisplacedInstanceOffset and curve instances at
	// CurveInstanceOffset; both equal len(Instances) when absent.
	Instances               []GeometryInstanceData
	InstanceNames           []string
	DisplacedInstanceOffset uint32
	CurveInstanceOffset     uint32
	MeshIDToInstanceIDs     [][]uint32

	Indices          []uint32
	StaticVertices   []StaticVertex
	SkinningVertices []SkinningVertex
	PrevVertexCount  uint32
	PerPrimMaterials []uint32
	Has16BitIndices  bool
	Has32BitIndices  bool

	// DisplacedAABBs holds one box per triangle of each displaced mesh,
	// indexed through DisplacedAABBOffsets by mesh id.
	DisplacedAABBs       []math.AABB
	DisplacedAABBOffsets map[uint32]uint32

	Curves      []CurveDesc
	CurveNames  []string
	CurvePoints []CurvePoint
	CurveAABBs  []math.AABB

	CustomPrimitives     []CustomPrimitiveDesc
	CustomPrimitiveAABBs []math.AABB

	PackingLayout   packing.Layout
	PackedInstances []uint64

	Bounds math.AABB
}

// MeshCount returns the number of meshes.
func (d *SceneData) MeshCount() uint32 { return uint32(len(d.Meshes)) }

// CurveCount returns the number of curves.
func (d *SceneData) CurveCount() uint32 { return uint32(len(d.Curves)) }

// CustomPrimitiveCount returns the number of custom primitives.
func (d *SceneData) CustomPrimitiveCount() uint32 { return uint32(len(d.CustomPrimitives)) }

// GeometryCount returns meshes, curves and custom primitives combined.
func (d *SceneData) GeometryCount() uint32 {
	return d.MeshCount() + d.CurveCount() + d.CustomPrimitiveCount()
}

// HasSkinnedMeshes reports whether any mesh is skinned.
func (d *SceneData) HasSkinnedMeshes() bool {
	for _, m := range d.Meshes {
		if m.IsSkinned() {
			return true
		}
	}
	return false
}

// HasDynamicCurves reports whether any curve can move at runtime.
func (d *SceneData) HasDynamicCurves() bool {
	for _, c := range d.Curves {
		if c.IsDynamic {
			return true
		}
	}
	return false
}

// MeshInstances returns the instance entries of a mesh.
func (d *SceneData) MeshInstances(meshID uint32) []uint32 {
	if meshID >= uint32(len(d.MeshIDToInstanceIDs)) {
		return nil
	}
	return d.MeshIDToInstanceIDs[meshID]
}

// GroupInstanceCount returns how many TLAS instances a mesh group needs.
// Static groups are pre-transformed and need one.
func (d *SceneData) GroupInstanceCount(g MeshGroup) int {
	if g.IsStatic || len(g.Meshes) == 0 {
		return 1
	}
	return len(d.MeshInstances(g.Meshes[0]))
}
