package meshproc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/rtaccel/internal/model"
)

// quad returns a unit quad in the XY plane facing +Z.
func quad(name string) Mesh {
	m := NewMesh(name, 0)
	m.Positions = [][3]float32{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0}}
	m.Normals = [][3]float32{{0, 0, 1}, {0, 0, 1}, {0, 0, 1}, {0, 0, 1}}
	m.TexCrds = [][2]float32{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	m.Indices = []uint32{0, 1, 2, 0, 2, 3}
	return m
}

func TestProcessQuad(t *testing.T) {
	spec, err := Process(quad("quad"), Options{MergeDuplicateVertices: true})
	require.NoError(t, err)

	assert.Equal(t, "quad", spec.Name)
	assert.Equal(t, uint32(4), spec.VertexCount)
	assert.Equal(t, uint32(6), spec.IndexCount)
	assert.Equal(t, uint32(2), spec.TriangleCount())
	assert.True(t, spec.Use16BitIndices)
	assert.Len(t, spec.Indices, 3, "two 16-bit indices per word")
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, spec.IndexList())
	assert.False(t, spec.IsSkinned())

	assert.Equal(t, float32(0), spec.BoundingBox.Min.X)
	assert.Equal(t, float32(1), spec.BoundingBox.Max.Y)
	assert.Equal(t, float32(0), spec.BoundingBox.Max.Z)

	tangent := spec.StaticData[0].Tangent
	assert.InDelta(t, 1, tangent[0], 1e-6)
	assert.InDelta(t, 0, tangent[1], 1e-6)
	assert.Equal(t, float32(1), tangent[3])
}

func TestProcessMergeKeepsHardEdges(t *testing.T) {
	m := quad("hard")
	m.Normals = [][3]float32{{0, 0, 1}, {0, 1, 0}}
	m.NormalIndices = []uint32{0, 0, 0, 1, 1, 1}

	spec, err := Process(m, Options{MergeDuplicateVertices: true})
	require.NoError(t, err)
	assert.Equal(t, uint32(6), spec.VertexCount, "shared corners with different normals stay apart")
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5}, spec.IndexList())

	m.NormalIndices = []uint32{0, 0, 0, 0, 0, 0}
	spec, err = Process(m, Options{MergeDuplicateVertices: true})
	require.NoError(t, err)
	assert.Equal(t, uint32(4), spec.VertexCount, "identical corners are shared")
}

func TestProcessWithoutMerge(t *testing.T) {
	m := quad("plain")
	m.Positions = append(m.Positions, [3]float32{5, 5, 5}) // unreferenced
	m.Normals = append(m.Normals, [3]float32{0, 0, 1})
	m.TexCrds = append(m.TexCrds, [2]float32{0, 0})

	spec, err := Process(m, Options{})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), spec.VertexCount)
	assert.Equal(t, m.Indices, spec.IndexList())
}

func TestProcessNonIndexed(t *testing.T) {
	m := quad("flat")
	spec, err := Process(m, Options{MergeDuplicateVertices: true, NonIndexedVertices: true})
	require.NoError(t, err)

	assert.Zero(t, spec.IndexCount)
	assert.Empty(t, spec.Indices)
	assert.Equal(t, uint32(6), spec.VertexCount)
	assert.Equal(t, uint32(2), spec.TriangleCount())
	assert.Equal(t, m.Positions[0], spec.StaticData[3].Position)
	assert.Equal(t, m.Positions[3], spec.StaticData[5].Position)
}

func TestProcessIndexFormat(t *testing.T) {
	spec, err := Process(quad("wide"), Options{Force32BitIndices: true})
	require.NoError(t, err)
	assert.False(t, spec.Use16BitIndices)
	assert.Equal(t, []uint32{0, 1, 2, 0, 2, 3}, spec.Indices)

	big := NewMesh("big", 0)
	big.Positions = make([][3]float32, 1<<16+1)
	big.Indices = []uint32{0, 1, 1 << 16}
	spec, err = Process(big, Options{})
	require.NoError(t, err)
	assert.False(t, spec.Use16BitIndices, "more than 65536 vertices needs 32-bit indices")

	big.Positions = big.Positions[:1<<16]
	big.Indices = []uint32{0, 1, 1<<16 - 1}
	spec, err = Process(big, Options{})
	require.NoError(t, err)
	assert.True(t, spec.Use16BitIndices)
	assert.Equal(t, uint32(1<<16-1), spec.Index(2))
}

func TestProcessValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Mesh)
		opts   Options
	}{
		{"no positions", func(m *Mesh) { m.Positions = nil }, Options{}},
		{"no faces", func(m *Mesh) { m.Indices = nil }, Options{}},
		{"partial face", func(m *Mesh) { m.Indices = m.Indices[:4] }, Options{}},
		{"index out of range", func(m *Mesh) { m.Indices[5] = 9 }, Options{}},
		{"missing material", func(m *Mesh) { m.MaterialID = 3 }, Options{MaterialCount: 2}},
		{"bone ids without weights", func(m *Mesh) { m.BoneIDs = make([][4]uint32, 4) }, Options{}},
		{"weights without bone ids", func(m *Mesh) { m.BoneWeights = make([][4]float32, 4) }, Options{}},
		{"normal count", func(m *Mesh) { m.Normals = m.Normals[:2] }, Options{}},
		{"normal index range", func(m *Mesh) { m.NormalIndices = []uint32{0, 0, 0, 0, 0, 4} }, Options{}},
		{"per-prim count", func(m *Mesh) { m.PerPrimMaterialIDs = []uint32{0} }, Options{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := quad("bad")
			tt.mutate(&m)
			_, err := Process(m, tt.opts)
			assert.ErrorIs(t, err, ErrInvalidMesh)
		})
	}
}

func TestProcessFillsMissingAttributes(t *testing.T) {
	m := quad("bare")
	m.Normals = nil
	m.TexCrds = nil

	spec, err := Process(m, Options{MergeDuplicateVertices: true})
	require.NoError(t, err)
	for _, v := range spec.StaticData {
		assert.Equal(t, [3]float32{0, 0, 1}, v.Normal)
		assert.Equal(t, [2]float32{}, v.TexCrd)
		assert.Equal(t, fallbackTangent, v.Tangent)
	}
}

func TestProcessSkinning(t *testing.T) {
	m := quad("skinned")
	m.BoneIDs = [][4]uint32{{0}, {0}, {1}, {1}}
	m.BoneWeights = [][4]float32{{1}, {1}, {1}, {1}}
	m.SkeletonNodeID = 2

	spec, err := Process(m, Options{MergeDuplicateVertices: true})
	require.NoError(t, err)
	require.True(t, spec.IsSkinned())
	assert.True(t, spec.IsDynamic())
	require.Len(t, spec.SkinningData, int(spec.VertexCount))
	for i, s := range spec.SkinningData {
		assert.Equal(t, uint32(i), s.StaticIndex)
	}
	assert.Equal(t, uint32(1), spec.SkinningData[2].BoneIDs[0])
	assert.Equal(t, uint32(2), spec.SkeletonNodeID)
}

func TestProcessPerPrimMaterials(t *testing.T) {
	m := quad("multi")
	m.MaterialID = 1
	m.PerPrimMaterialIDs = []uint32{2, 7}

	spec, err := Process(m, Options{MaterialCount: 3})
	require.NoError(t, err)
	assert.True(t, spec.HasMultipleMaterials())
	assert.Equal(t, []uint32{2, 1}, spec.PerPrimMatIDs, "unknown ids fall back to the mesh material")
}

func TestProcessAll(t *testing.T) {
	meshes := []Mesh{quad("a"), quad("b"), quad("c")}
	specs, err := ProcessAll(context.Background(), meshes, Options{MergeDuplicateVertices: true}, 2)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	for i, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name, specs[i].Name)
	}

	bad := quad("bad")
	bad.Indices = nil
	_, err = ProcessAll(context.Background(), append(meshes, bad), Options{}, 0)
	assert.ErrorIs(t, err, ErrInvalidMesh)
}

func TestProcessAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ProcessAll(ctx, []Mesh{quad("a")}, Options{}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompact16BitIndicesRoundTrip(t *testing.T) {
	spec := &model.MeshSpec{Use16BitIndices: true}
	spec.SetIndexList([]uint32{7, 65535, 3})
	assert.Equal(t, []uint32{7 | 65535<<16, 3}, spec.Indices)
	assert.Equal(t, []uint32{7, 65535, 3}, spec.IndexList())
}
