package builder

import (
	"fmt"

	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/internal/scenegraph"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// sortMeshes renumbers meshes so the meshes of each group are consecutive
// and groups appear in order.
func (b *Builder) sortMeshes() error {
	remap := make([]uint32, len(b.meshes))
	for i := range remap {
		remap[i] = scenegraph.InvalidNode
	}
	sorted := make([]*model.MeshSpec, 0, len(b.meshes))
	for gi := range b.groups {
		g := &b.groups[gi]
		for j, id := range g.Meshes {
			if remap[id] != scenegraph.InvalidNode {
				return fmt.Errorf("mesh %d is in more than one group: %w", id, ErrInternal)
			}
			remap[id] = uint32(len(sorted))
			sorted = append(sorted, b.meshes[id])
			g.Meshes[j] = remap[id]
		}
	}
	if len(sorted) != len(b.meshes) {
		return fmt.Errorf("%d of %d meshes are grouped: %w", len(sorted), len(b.meshes), ErrInternal)
	}
	b.meshes = sorted
	b.graph.RemapMeshes(remap)
	return nil
}

func checkBufferSize(name string, n uint64) error {
	if n > maxBufferElements {
		return fmt.Errorf("%s buffer holds %d elements, limit %d: %w", name, n, maxBufferElements, ErrBufferTooLarge)
	}
	return nil
}

// createGlobalBuffers concatenates the per-mesh vertex, index and material
// data and records each mesh's offsets. Skinning records are rebased to
// point into the global static buffer.
func (b *Builder) createGlobalBuffers(data *model.SceneData) error {
	var static, skinning, indices, materials, prev uint64
	for _, m := range b.meshes {
		static += uint64(len(m.StaticData))
		skinning += uint64(len(m.SkinningData))
		indices += uint64(len(m.Indices))
		materials += uint64(len(m.PerPrimMatIDs))
		if m.IsDynamic() {
			prev += uint64(m.VertexCount)
		}
	}
	for _, c := range []struct {
		name string
		n    uint64
	}{
		{"static vertex", static},
		{"skinning vertex", skinning},
		{"index", indices},
		{"material", materials},
		{"previous vertex", prev},
	} {
		if err := checkBufferSize(c.name, c.n); err != nil {
			return err
		}
	}

	data.StaticVertices = make([]model.StaticVertex, 0, static)
	data.SkinningVertices = make([]model.SkinningVertex, 0, skinning)
	data.Indices = make([]uint32, 0, indices)
	data.PerPrimMaterials = make([]uint32, 0, materials)

	for _, m := range b.meshes {
		m.StaticOffset = uint32(len(data.StaticVertices))
		data.StaticVertices = append(data.StaticVertices, m.StaticData...)

		if m.IndexCount > 0 {
			m.IndexOffset = uint32(len(data.Indices))
			data.Indices = append(data.Indices, m.Indices...)
		}
		if m.HasMultipleMaterials() {
			m.MatIDOffset = uint32(len(data.PerPrimMaterials))
			data.PerPrimMaterials = append(data.PerPrimMaterials, m.PerPrimMatIDs...)
		}
		if m.IsSkinned() {
			m.SkinningOffset = uint32(len(data.SkinningVertices))
			for _, s := range m.SkinningData {
				s.StaticIndex += m.StaticOffset
				data.SkinningVertices = append(data.SkinningVertices, s)
			}
		}
	}

	// Skinned meshes keep previous positions at their skinning offset and
	// vertex-cache meshes follow after all skinning data.
	next := uint32(len(data.SkinningVertices))
	for _, m := range b.meshes {
		switch {
		case m.IsSkinned():
			m.PrevOffset = m.SkinningOffset
		case m.IsAnimated:
			m.PrevOffset = next
			next += m.VertexCount
		}
	}
	data.PrevVertexCount = next
	return nil
}

// createMeshData fills the runtime mesh records.
func (b *Builder) createMeshData(data *model.SceneData) error {
	data.Meshes = make([]model.MeshDesc, len(b.meshes))
	data.MeshNames = make([]string, len(b.meshes))
	data.MeshBBs = make([]math.AABB, len(b.meshes))

	for id, m := range b.meshes {
		desc := model.MeshDesc{
			VBOffset:    m.StaticOffset,
			IBOffset:    m.IndexOffset,
			VertexCount: m.VertexCount,
			IndexCount:  m.IndexCount,
			MaterialID:  m.MaterialID,
		}
		if m.IndexCount > 0 {
			if m.Use16BitIndices {
				desc.Flags |= model.MeshUse16BitIndices
				data.Has16BitIndices = true
			} else {
				data.Has32BitIndices = true
			}
		}
		if m.IsFrontFaceCW {
			desc.Flags |= model.MeshIsFrontFaceCW
		}
		if m.IsDisplaced {
			desc.Flags |= model.MeshIsDisplaced
		}
		if m.IsAnimated {
			desc.Flags |= model.MeshIsAnimated
		}
		if m.HasMultipleMaterials() {
			desc.Flags |= model.MeshHasMultipleMaterials
			desc.MBOffset = m.MatIDOffset
		}
		if m.IsDynamic() {
			desc.PrevVBOffset = m.PrevOffset
		}

		if m.IsSkinned() {
			desc.Flags |= model.MeshIsSkinned
			desc.SkinningVBOff = m.SkinningOffset
			if len(m.Instances) > 1 && m.SkeletonNodeID == model.InvalidID {
				return fmt.Errorf("skinned mesh %q has %d instances but no skeleton node: %w",
					m.Name, len(m.Instances), ErrInvalidInstance)
			}
			bind := m.Instances[0].NodeID
			skeleton := m.SkeletonNodeID
			if skeleton == model.InvalidID {
				skeleton = bind
			}
			records := data.SkinningVertices[m.SkinningOffset : m.SkinningOffset+uint32(len(m.SkinningData))]
			for i := range records {
				records[i].BindMatrixID = bind
				records[i].SkeletonMatrixID = skeleton
			}
		}

		data.Meshes[id] = desc
		data.MeshNames[id] = m.Name
		data.MeshBBs[id] = m.BoundingBox
	}
	return nil
}

// createDisplacedAABBs stores one box per triangle of every displaced mesh.
func (b *Builder) createDisplacedAABBs(data *model.SceneData) error {
	var total uint64
	for _, m := range b.meshes {
		if m.IsDisplaced {
			total += uint64(m.TriangleCount())
		}
	}
	if err := checkBufferSize("displaced bounds", total); err != nil {
		return err
	}

	for id, m := range b.meshes {
		if !m.IsDisplaced {
			continue
		}
		data.DisplacedAABBOffsets[uint32(id)] = uint32(len(data.DisplacedAABBs))
		for t := uint32(0); t < m.TriangleCount(); t++ {
			bb := math.EmptyAABB()
			for k := uint32(0); k < 3; k++ {
				v := t*3 + k
				if m.IndexCount > 0 {
					v = m.Index(v)
				}
				bb = bb.Include(math.V3(m.StaticData[v].Position))
			}
			data.DisplacedAABBs = append(data.DisplacedAABBs, bb)
		}
	}
	return nil
}
