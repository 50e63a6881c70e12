package model

import (
	"github.com/Faultbox/rtaccel/pkg/math"
)

// InvalidID marks an unset node, material or mesh reference.
const InvalidID = ^uint32(0)

// Vertex is one input vertex before packing.
type Vertex struct {
	Position    [3]float32
	Normal      [3]float32
	Tangent     [4]float32
	TexCrd      [2]float32
	BoneIDs     [4]uint32
	BoneWeights [4]float32
}

// StaticVertex is the packed vertex stored in the global vertex buffer.
type StaticVertex struct {
	Position [3]float32
	Normal   [3]float32
	Tangent  [4]float32
	TexCrd   [2]float32
}

// SkinningVertex carries the bone data for one static vertex.
type SkinningVertex struct {
	BoneIDs          [4]uint32
	BoneWeights      [4]float32
	StaticIndex      uint32 // index into the global static vertex buffer
	BindMatrixID     uint32
	SkeletonMatrixID uint32
}

// PrevVertex holds last frame's position of an animated vertex.
type PrevVertex struct {
	Position [3]float32
}

// ShadingFlags are per-instance shading overrides.
type ShadingFlags struct {
	Matte               bool `yaml:"matte" toml:"matte"`
	FixShadowTerminator bool `yaml:"fix_shadow_terminator" toml:"fix_shadow_terminator"`
	BiasAlongNormal     bool `yaml:"bias_along_normal" toml:"bias_along_normal"`
	DoubleSided         bool `yaml:"double_sided" toml:"double_sided"`
}

// VisibilityFlags select which ray classes see an instance.
type VisibilityFlags struct {
	Primary            bool `yaml:"primary" toml:"primary"`
	Shadow             bool `yaml:"shadow" toml:"shadow"`
	Diffuse            bool `yaml:"diffuse" toml:"diffuse"`
	ReceiveShadows     bool `yaml:"receive_shadows" toml:"receive_shadows"`
	ReceiveSelfShadows bool `yaml:"receive_self_shadows" toml:"receive_self_shadows"`
}

// DefaultVisibility is fully visible.
func DefaultVisibility() VisibilityFlags {
	return VisibilityFlags{Primary: true, Shadow: true, Diffuse: true, ReceiveShadows: true, ReceiveSelfShadows: true}
}

// MeshInstance places a mesh at a scene graph node.
type MeshInstance struct {
	NodeID           uint32
	OverrideMaterial bool
	MaterialID       uint32
	Shading          ShadingFlags
	Visibility       VisibilityFlags
	ExportedName     string
	ExportedID       uint32
}

// NewMeshInstance returns an instance at node with default visibility.
func NewMeshInstance(nodeID uint32) MeshInstance {
	return MeshInstance{NodeID: nodeID, MaterialID: InvalidID, Visibility: DefaultVisibility(), ExportedID: InvalidID}
}

// MeshSpec is a processed mesh owned by the builder. Vertex and index data
// live here until the global buffers are created.
type MeshSpec struct {
	Name       string
	MaterialID uint32

	StaticData     []StaticVertex
	SkinningData   []SkinningVertex
	Indices        []uint32 // compacted two per word when Use16BitIndices
	PerPrimMatIDs  []uint32 // empty unless the mesh has multiple materials
	VertexCount    uint32
	IndexCount     uint32
	StaticOffset   uint32
	SkinningOffset uint32
	PrevOffset     uint32
	IndexOffset    uint32
	MatIDOffset    uint32

	Use16BitIndices bool
	IsStatic        bool
	IsDisplaced     bool
	IsAnimated      bool // vertex animation cache
	IsFrontFaceCW   bool
	SkeletonNodeID  uint32
	BoundingBox     math.AABB
	Instances       []MeshInstance
}

// IsSkinned reports whether the mesh carries bone data.
func (m *MeshSpec) IsSkinned() bool {
	return len(m.SkinningData) > 0
}

// IsDynamic reports whether vertex positions change at runtime.
func (m *MeshSpec) IsDynamic() bool {
	return m.IsSkinned() || m.IsAnimated
}

// HasMultipleMaterials reports whether a per-primitive material table is set.
func (m *MeshSpec) HasMultipleMaterials() bool {
	return len(m.PerPrimMatIDs) > 0
}

// TriangleCount returns the number of triangles.
func (m *MeshSpec) TriangleCount() uint32 {
	if m.IndexCount > 0 {
		return m.IndexCount / 3
	}
	return m.VertexCount / 3
}

// Index returns the i-th vertex index, unpacking 16-bit storage.
func (m *MeshSpec) Index(i uint32) uint32 {
	if m.Use16BitIndices {
		w := m.Indices[i/2]
		if i%2 == 0 {
			return w & 0xFFFF
		}
		return w >> 16
	}
	return m.Indices[i]
}

// IndexList returns all indices as 32-bit values.
func (m *MeshSpec) IndexList() []uint32 {
	out := make([]uint32, m.IndexCount)
	for i := range out {
		out[i] = m.Index(uint32(i))
	}
	return out
}

// SetIndexList stores indices, packing them when Use16BitIndices is set.
func (m *MeshSpec) SetIndexList(indices []uint32) {
	m.IndexCount = uint32(len(indices))
	if m.Use16BitIndices {
		m.Indices = Compact16BitIndices(indices)
		return
	}
	m.Indices = indices
}

// InstanceNodes returns the ordered node ids of all instances.
func (m *MeshSpec) InstanceNodes() []uint32 {
	nodes := make([]uint32, len(m.Instances))
	for i, inst := range m.Instances {
		nodes[i] = inst.NodeID
	}
	return nodes
}

// Compact16BitIndices packs two 16-bit indices per word, low half first.
func Compact16BitIndices(indices []uint32) []uint32 {
	out := make([]uint32, (len(indices)+1)/2)
	for i, idx := range indices {
		out[i/2] |= (idx & 0xFFFF) << (16 * uint(i%2))
	}
	return out
}

// MeshGroup is the list of meshes that form one BLAS.
type MeshGroup struct {
	Meshes      []uint32
	IsStatic    bool
	IsDisplaced bool
}

// MeshFlags are per-mesh runtime bits.
type MeshFlags uint32

const (
	MeshUse16BitIndices MeshFlags = 1 << iota
	MeshIsSkinned
	MeshIsFrontFaceCW
	MeshIsDisplaced
	MeshIsAnimated
	MeshHasMultipleMaterials
)

// MeshDesc is the runtime record of a mesh in the global buffers.
type MeshDesc struct {
	VBOffset      uint32
	IBOffset      uint32
	VertexCount   uint32
	IndexCount    uint32
	SkinningVBOff uint32
	PrevVBOffset  uint32
	MaterialID    uint32
	MBOffset      uint32
	Flags         MeshFlags
}

// TriangleCount returns the number of triangles.
func (d MeshDesc) TriangleCount() uint32 {
	if d.IndexCount > 0 {
		return d.IndexCount / 3
	}
	return d.VertexCount / 3
}

// Use16BitIndices reports the index format.
func (d MeshDesc) Use16BitIndices() bool { return d.Flags&MeshUse16BitIndices != 0 }

// IsFrontFaceCW reports the object-space winding.
func (d MeshDesc) IsFrontFaceCW() bool { return d.Flags&MeshIsFrontFaceCW != 0 }

// IsDynamic reports whether the vertices change at runtime.
func (d MeshDesc) IsDynamic() bool { return d.Flags&(MeshIsSkinned|MeshIsAnimated) != 0 }

// IsSkinned reports whether the mesh is skinned.
func (d MeshDesc) IsSkinned() bool { return d.Flags&MeshIsSkinned != 0 }

// IsDisplaced reports whether the mesh uses procedural displacement.
func (d MeshDesc) IsDisplaced() bool { return d.Flags&MeshIsDisplaced != 0 }
