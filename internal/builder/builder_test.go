package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/rtaccel/internal/animation"
	"github.com/Faultbox/rtaccel/internal/config"
	"github.com/Faultbox/rtaccel/internal/meshproc"
	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/internal/packing"
	"github.com/Faultbox/rtaccel/internal/scenegraph"
	"github.com/Faultbox/rtaccel/pkg/math"
)

var testMaterials = model.MaterialTable{
	{Name: "default", Opaque: true},
	{Name: "displaced", Opaque: true, Displaced: true},
}

func testConfig() config.BuildConfig {
	return config.Default().Build
}

func newTestBuilder(cfg config.BuildConfig, opts ...Option) *Builder {
	return New(cfg, append([]Option{WithMaterials(testMaterials)}, opts...)...)
}

// triangles returns n disjoint triangles laid out along +X from origin.
func triangles(name string, n int, origin [3]float32) meshproc.Mesh {
	m := meshproc.NewMesh(name, 0)
	for t := 0; t < n; t++ {
		x := origin[0] + float32(t)
		base := uint32(len(m.Positions))
		m.Positions = append(m.Positions,
			[3]float32{x, origin[1], origin[2]},
			[3]float32{x + 0.5, origin[1], origin[2]},
			[3]float32{x, origin[1] + 0.5, origin[2]})
		m.Indices = append(m.Indices, base, base+1, base+2)
	}
	return m
}

func addNode(t *testing.T, b *Builder, name string, parent uint32, m math.Mat4) uint32 {
	t.Helper()
	id, err := b.AddNode(scenegraph.NewNode(name, parent, m))
	require.NoError(t, err)
	return id
}

func addMesh(t *testing.T, b *Builder, m meshproc.Mesh, nodes ...uint32) uint32 {
	t.Helper()
	id, err := b.AddMesh(m)
	require.NoError(t, err)
	for _, n := range nodes {
		require.NoError(t, b.AddMeshInstance(id, model.NewMeshInstance(n)))
	}
	return id
}

func animate(t *testing.T, b *Builder, node uint32) {
	t.Helper()
	require.NoError(t, b.AddAnimation(animation.New("anim", node, 1)))
}

func build(t *testing.T, b *Builder) *model.SceneData {
	t.Helper()
	data, err := b.Build(context.Background())
	require.NoError(t, err)
	return data
}

func groupTriangles(data *model.SceneData, g model.MeshGroup) uint32 {
	var n uint32
	for _, id := range g.Meshes {
		n += data.Meshes[id].TriangleCount()
	}
	return n
}

func TestStaticMeshesShareOneGroup(t *testing.T) {
	b := newTestBuilder(testConfig())
	n0 := addNode(t, b, "a", scenegraph.InvalidNode, math.Identity())
	n1 := addNode(t, b, "b", scenegraph.InvalidNode, math.Translate(10, 0, 0))
	n2 := addNode(t, b, "c", scenegraph.InvalidNode, math.Translate(0, 20, 0))
	addMesh(t, b, triangles("m0", 500, [3]float32{}), n0)
	addMesh(t, b, triangles("m1", 2000, [3]float32{}), n1)
	addMesh(t, b, triangles("m2", 100, [3]float32{}), n2)

	data := build(t, b)
	require.Len(t, data.MeshGroups, 1)
	g := data.MeshGroups[0]
	assert.True(t, g.IsStatic)
	assert.Equal(t, []uint32{0, 1, 2}, g.Meshes)
	assert.Equal(t, uint32(2600), groupTriangles(data, g))

	require.Len(t, data.Instances, 3)
	for i, inst := range data.Instances {
		assert.Equal(t, uint32(i), inst.InstanceIndex)
		assert.Equal(t, uint32(i), inst.GeometryIndex)
		assert.Equal(t, uint32(i), inst.GeometryID)
		assert.True(t, data.Graph.WorldTransform(inst.NodeID).IsIdentity(), "static geometry sits at identity")
	}

	// Vertices are baked into world space.
	assert.Equal(t, [3]float32{10, 0, 0}, data.StaticVertices[data.Meshes[1].VBOffset].Position)
	assert.Equal(t, [3]float32{0, 20, 0}, data.StaticVertices[data.Meshes[2].VBOffset].Position)
	assert.Equal(t, float32(20.5), data.Bounds.Max.Y)
}

func TestInstancedMesh(t *testing.T) {
	b := newTestBuilder(testConfig())
	var nodes []uint32
	for i := 0; i < 5; i++ {
		nodes = append(nodes, addNode(t, b, "n", scenegraph.InvalidNode, math.Translate(float32(i)*3, 0, 0)))
	}
	addMesh(t, b, triangles("tree", 4, [3]float32{}), nodes...)

	data := build(t, b)
	require.Len(t, data.MeshGroups, 1)
	assert.False(t, data.MeshGroups[0].IsStatic)
	assert.Equal(t, 5, data.GroupInstanceCount(data.MeshGroups[0]))

	require.Len(t, data.Instances, 5)
	seen := make(map[uint32]bool)
	for i, inst := range data.Instances {
		assert.Equal(t, uint32(0), inst.GeometryID)
		assert.Equal(t, uint32(i), inst.InstanceIndex)
		assert.Equal(t, uint32(0), inst.GeometryIndex)
		seen[inst.NodeID] = true
	}
	assert.Len(t, seen, 5, "every instance has its own node")
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, data.MeshInstances(0))
}

func TestInstancedGroupsByNodeList(t *testing.T) {
	setup := func(cfg config.BuildConfig) *model.SceneData {
		b := newTestBuilder(cfg)
		n1 := addNode(t, b, "n1", scenegraph.InvalidNode, math.Translate(1, 0, 0))
		n2 := addNode(t, b, "n2", scenegraph.InvalidNode, math.Translate(2, 0, 0))
		addMesh(t, b, triangles("a", 1, [3]float32{}), n1, n2)
		addMesh(t, b, triangles("b", 1, [3]float32{}), n1, n2)
		addMesh(t, b, triangles("c", 1, [3]float32{}), n2, n1)
		return build(t, b)
	}

	data := setup(testConfig())
	require.Len(t, data.MeshGroups, 2)
	assert.Equal(t, []uint32{0, 1}, data.MeshGroups[0].Meshes)
	assert.Equal(t, []uint32{2}, data.MeshGroups[1].Meshes)

	require.Len(t, data.Instances, 6)
	var geometryIndices []uint32
	for _, inst := range data.Instances {
		geometryIndices = append(geometryIndices, inst.GeometryIndex)
	}
	assert.Equal(t, []uint32{0, 1, 0, 1, 0, 0}, geometryIndices)
	assert.Equal(t, data.Instances[0].NodeID, data.Instances[1].NodeID)
	assert.NotEqual(t, data.Instances[0].NodeID, data.Instances[2].NodeID)
	assert.Equal(t, data.Instances[2].NodeID, data.Instances[4].NodeID)

	cfg := testConfig()
	cfg.DontMergeInstanced = true
	data = setup(cfg)
	assert.Len(t, data.MeshGroups, 3)
}

func TestDynamicMeshesGroupedByNode(t *testing.T) {
	b := newTestBuilder(testConfig())
	nA := addNode(t, b, "a", scenegraph.InvalidNode, math.Translate(1, 0, 0))
	nB := addNode(t, b, "b", scenegraph.InvalidNode, math.Translate(2, 0, 0))
	animate(t, b, nA)
	animate(t, b, nB)
	addMesh(t, b, triangles("m0", 1, [3]float32{}), nB)
	addMesh(t, b, triangles("m1", 1, [3]float32{}), nA)
	addMesh(t, b, triangles("m2", 1, [3]float32{}), nA)

	data := build(t, b)
	require.Len(t, data.MeshGroups, 2)
	assert.False(t, data.MeshGroups[0].IsStatic)
	assert.Equal(t, []uint32{0, 1}, data.MeshGroups[0].Meshes)
	assert.Equal(t, []uint32{2}, data.MeshGroups[1].Meshes)
	assert.Equal(t, []string{"m1", "m2", "m0"}, data.MeshNames, "meshes are renumbered in group order")
	assert.Equal(t, nA, data.Instances[0].NodeID)
	assert.Equal(t, nB, data.Instances[2].NodeID)

	cfg := testConfig()
	cfg.DontMergeDynamic = true
	b = newTestBuilder(cfg)
	n := addNode(t, b, "a", scenegraph.InvalidNode, math.Identity())
	animate(t, b, n)
	addMesh(t, b, triangles("m0", 1, [3]float32{}), n)
	addMesh(t, b, triangles("m1", 1, [3]float32{}), n)
	assert.Len(t, build(t, b).MeshGroups, 2)
}

func TestDontMergeStatic(t *testing.T) {
	cfg := testConfig()
	cfg.DontMergeStatic = true
	b := newTestBuilder(cfg)
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	addMesh(t, b, triangles("m0", 1, [3]float32{}), n)
	addMesh(t, b, triangles("m1", 1, [3]float32{}), n)

	data := build(t, b)
	require.Len(t, data.MeshGroups, 2)
	for _, g := range data.MeshGroups {
		assert.True(t, g.IsStatic)
		assert.Len(t, g.Meshes, 1)
	}
}

func TestDisplacedGroupsLast(t *testing.T) {
	b := newTestBuilder(testConfig())
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	displaced := triangles("displaced", 3, [3]float32{})
	displaced.MaterialID = 1
	addMesh(t, b, displaced, n)
	addMesh(t, b, triangles("plain", 2, [3]float32{}), n)

	data := build(t, b)
	require.Len(t, data.MeshGroups, 2)
	assert.False(t, data.MeshGroups[0].IsDisplaced)
	assert.True(t, data.MeshGroups[1].IsDisplaced)
	assert.Equal(t, []string{"plain", "displaced"}, data.MeshNames)

	assert.Equal(t, uint32(1), data.DisplacedInstanceOffset)
	assert.Equal(t, model.GeometryTypeTriangleMesh, data.Instances[0].Type)
	assert.Equal(t, model.GeometryTypeDisplacedTriangleMesh, data.Instances[1].Type)
	assert.True(t, data.Meshes[1].IsDisplaced())

	require.Len(t, data.DisplacedAABBs, 3)
	assert.Equal(t, uint32(0), data.DisplacedAABBOffsets[1])
	assert.Equal(t, math.Vec3{X: 1, Y: 0, Z: 0}, data.DisplacedAABBs[1].Min)
	assert.Equal(t, math.Vec3{X: 1.5, Y: 0.5, Z: 0}, data.DisplacedAABBs[1].Max)
}

func TestInstanceEntriesAreContiguous(t *testing.T) {
	b := newTestBuilder(testConfig())
	root := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	anim := addNode(t, b, "anim", root, math.Translate(0, 1, 0))
	animate(t, b, anim)
	i1 := addNode(t, b, "i1", root, math.Translate(5, 0, 0))
	i2 := addNode(t, b, "i2", root, math.Translate(6, 0, 0))

	addMesh(t, b, triangles("s0", 2, [3]float32{}), root)
	addMesh(t, b, triangles("s1", 2, [3]float32{}), root)
	addMesh(t, b, triangles("d0", 2, [3]float32{}), anim)
	addMesh(t, b, triangles("i0", 2, [3]float32{}), i1, i2)
	addMesh(t, b, triangles("i1", 2, [3]float32{}), i1, i2)

	data := build(t, b)
	require.Len(t, data.MeshGroups, 3)

	entry := 0
	for _, g := range data.MeshGroups {
		for i := 0; i < data.GroupInstanceCount(g); i++ {
			for geometryIndex, meshID := range g.Meshes {
				inst := data.Instances[entry]
				assert.Equal(t, uint32(entry), inst.InstanceIndex)
				assert.Equal(t, uint32(geometryIndex), inst.GeometryIndex, "geometry index restarts per group instance")
				assert.Equal(t, meshID, inst.GeometryID)
				entry++
			}
		}
	}
	assert.Equal(t, len(data.Instances), entry)
	assert.Equal(t, uint32(len(data.Instances)), data.CurveInstanceOffset)
	assert.Equal(t, uint32(len(data.Instances)), data.DisplacedInstanceOffset)
}

func TestSplitConservesTriangles(t *testing.T) {
	for _, strategy := range []string{config.SplitSimple, config.SplitMedian, config.SplitMidpoint} {
		t.Run(strategy, func(t *testing.T) {
			cfg := testConfig()
			cfg.SplitGroups = true
			cfg.SplitStrategy = strategy
			cfg.MaxTrianglesPerBLAS = 100

			b := newTestBuilder(cfg)
			n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
			for i := 0; i < 4; i++ {
				addMesh(t, b, triangles("m", 60, [3]float32{float32(i) * 100, 0, 0}), n)
			}

			data := build(t, b)
			assert.Greater(t, len(data.MeshGroups), 1)
			var total uint32
			for _, g := range data.MeshGroups {
				tris := groupTriangles(data, g)
				assert.LessOrEqual(t, tris, uint32(100))
				assert.True(t, g.IsStatic)
				total += tris
			}
			assert.Equal(t, uint32(240), total)
			assert.Len(t, data.Instances, len(data.Meshes))
		})
	}
}

func TestSplitMidpointSplitsMesh(t *testing.T) {
	cfg := testConfig()
	cfg.SplitGroups = true
	cfg.SplitStrategy = config.SplitMidpoint
	cfg.MaxTrianglesPerBLAS = 100

	b := newTestBuilder(cfg)
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	long := triangles("long", 150, [3]float32{})
	long.PerPrimMaterialIDs = make([]uint32, 150)
	long.PerPrimMaterialIDs[149] = 1
	addMesh(t, b, long, n)
	addMesh(t, b, triangles("short", 10, [3]float32{0, 5, 0}), n)

	data := build(t, b)
	require.Len(t, data.MeshGroups, 2)
	require.Len(t, data.Meshes, 3, "the straddling mesh is cut in two")
	assert.Equal(t, uint32(85), groupTriangles(data, data.MeshGroups[0]))
	assert.Equal(t, uint32(75), groupTriangles(data, data.MeshGroups[1]))

	right := data.Meshes[data.MeshGroups[1].Meshes[0]]
	assert.True(t, right.Flags&model.MeshHasMultipleMaterials != 0)
	assert.Equal(t, uint32(1), data.PerPrimMaterials[right.MBOffset+74], "per-triangle materials follow their triangles")
}

func TestSplitUnsupported(t *testing.T) {
	cfg := testConfig()
	cfg.SplitGroups = true
	cfg.SplitStrategy = config.SplitMidpoint
	cfg.MaxTrianglesPerBLAS = 100

	t.Run("dynamic", func(t *testing.T) {
		b := newTestBuilder(cfg)
		n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
		for i := 0; i < 2; i++ {
			m := triangles("cached", 60, [3]float32{float32(i) * 100, 0, 0})
			m.IsAnimated = true
			addMesh(t, b, m, n)
		}
		_, err := b.Build(context.Background())
		assert.ErrorIs(t, err, ErrUnsupportedSplit)
	})

	t.Run("non-indexed", func(t *testing.T) {
		cfg := cfg
		cfg.NonIndexedVertices = true
		b := newTestBuilder(cfg)
		n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
		addMesh(t, b, triangles("long", 150, [3]float32{}), n)
		addMesh(t, b, triangles("short", 10, [3]float32{}), n)
		_, err := b.Build(context.Background())
		assert.ErrorIs(t, err, ErrUnsupportedSplit)
	})
}

func TestOversizedSingleMeshIsKept(t *testing.T) {
	cfg := testConfig()
	cfg.SplitGroups = true
	cfg.MaxTrianglesPerBLAS = 10

	b := newTestBuilder(cfg)
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	addMesh(t, b, triangles("big", 50, [3]float32{}), n)

	data := build(t, b)
	require.Len(t, data.MeshGroups, 1)
	assert.Equal(t, uint32(50), groupTriangles(data, data.MeshGroups[0]))
}

func TestTriangleWindingIsUnified(t *testing.T) {
	b := newTestBuilder(testConfig())
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	mirrored := addNode(t, b, "mirrored", scenegraph.InvalidNode, math.Scale(-1, 1, 1))

	cw := triangles("cw", 1, [3]float32{})
	cw.FrontFaceCW = true
	addMesh(t, b, cw, n)
	addMesh(t, b, triangles("mirrored", 1, [3]float32{}), mirrored)

	data := build(t, b)
	require.Len(t, data.Meshes, 2)
	for id, desc := range data.Meshes {
		assert.False(t, desc.IsFrontFaceCW())
		base := desc.IBOffset
		assert.Equal(t, uint32(1), data.Indices[base]&0xFFFF, "mesh %d first corner", id)
		assert.Equal(t, uint32(0), data.Indices[base]>>16, "mesh %d second corner", id)
	}
	for _, inst := range data.Instances {
		assert.False(t, inst.Flags.Has(model.FlagTransformFlipped))
		assert.False(t, inst.Flags.Has(model.FlagIsWorldFrontFaceCW))
	}
}

func TestFlattenStaticMeshInstances(t *testing.T) {
	cfg := testConfig()
	cfg.FlattenStaticMeshInstances = true

	b := newTestBuilder(cfg)
	s1 := addNode(t, b, "s1", scenegraph.InvalidNode, math.Translate(1, 0, 0))
	s2 := addNode(t, b, "s2", scenegraph.InvalidNode, math.Translate(2, 0, 0))
	a := addNode(t, b, "a", scenegraph.InvalidNode, math.Translate(3, 0, 0))
	animate(t, b, a)
	addMesh(t, b, triangles("m", 1, [3]float32{}), s1, s2, a)

	data := build(t, b)
	require.Len(t, data.Meshes, 3)
	require.Len(t, data.MeshGroups, 2)
	assert.True(t, data.MeshGroups[0].IsStatic)
	assert.Equal(t, []string{"m[1]", "m[2]", "m"}, data.MeshNames)
	assert.Equal(t, a, data.Instances[2].NodeID)
	assert.Equal(t, [3]float32{1, 0, 0}, data.StaticVertices[data.Meshes[0].VBOffset].Position)
	assert.Equal(t, [3]float32{2, 0, 0}, data.StaticVertices[data.Meshes[1].VBOffset].Position)
}

func TestSkinnedMeshBuffers(t *testing.T) {
	b := newTestBuilder(testConfig())
	root := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	body := addNode(t, b, "body", root, math.Translate(0, 1, 0))
	addMesh(t, b, triangles("static", 1, [3]float32{}), root)

	skinned := triangles("skinned", 1, [3]float32{})
	skinned.BoneIDs = [][4]uint32{{0}, {0}, {0}}
	skinned.BoneWeights = [][4]float32{{1}, {1}, {1}}
	addMesh(t, b, skinned, body)

	data := build(t, b)
	require.Len(t, data.Meshes, 2)
	desc := data.Meshes[1]
	require.True(t, desc.IsSkinned())
	assert.Equal(t, uint32(3), desc.VBOffset)
	assert.Equal(t, uint32(0), desc.SkinningVBOff)
	assert.Equal(t, uint32(0), desc.PrevVBOffset)
	assert.Equal(t, uint32(3), data.PrevVertexCount)
	assert.True(t, data.HasSkinnedMeshes())

	require.Len(t, data.SkinningVertices, 3)
	node := data.Instances[1].NodeID
	for i, s := range data.SkinningVertices {
		assert.Equal(t, uint32(3+i), s.StaticIndex)
		assert.Equal(t, node, s.BindMatrixID)
		assert.Equal(t, node, s.SkeletonMatrixID)
	}
	assert.True(t, data.Instances[1].Flags.Has(model.FlagIsDynamic))
	assert.False(t, data.Instances[0].Flags.Has(model.FlagIsDynamic))
}

func TestInstancedSkinnedMeshNeedsSkeleton(t *testing.T) {
	b := newTestBuilder(testConfig())
	n1 := addNode(t, b, "a", scenegraph.InvalidNode, math.Identity())
	n2 := addNode(t, b, "b", scenegraph.InvalidNode, math.Translate(1, 0, 0))
	skinned := triangles("skinned", 1, [3]float32{})
	skinned.BoneIDs = [][4]uint32{{0}, {0}, {0}}
	skinned.BoneWeights = [][4]float32{{1}, {1}, {1}}
	addMesh(t, b, skinned, n1, n2)

	_, err := b.Build(context.Background())
	assert.ErrorIs(t, err, ErrInvalidInstance)
}

func TestVertexCacheMeshesFollowSkinningData(t *testing.T) {
	b := newTestBuilder(testConfig())
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	cached := triangles("cached", 2, [3]float32{})
	cached.IsAnimated = true
	addMesh(t, b, cached, n)

	data := build(t, b)
	require.Len(t, data.Meshes, 1)
	assert.True(t, data.Meshes[0].IsDynamic())
	assert.Equal(t, uint32(0), data.Meshes[0].PrevVBOffset)
	assert.Equal(t, uint32(6), data.PrevVertexCount)
}

func TestUnusedMeshesAreRemoved(t *testing.T) {
	b := newTestBuilder(testConfig())
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	addMesh(t, b, triangles("orphan", 1, [3]float32{}))
	addMesh(t, b, triangles("used", 1, [3]float32{}), n)

	data := build(t, b)
	assert.Equal(t, []string{"used"}, data.MeshNames)
	assert.Equal(t, []uint32{0}, data.MeshGroups[0].Meshes)
}

func TestGraphOptimizationRewiresInstances(t *testing.T) {
	cfg := testConfig()
	cfg.PretransformStaticMeshes = false

	b := newTestBuilder(cfg)
	root := addNode(t, b, "root", scenegraph.InvalidNode, math.Translate(1, 0, 0))
	mid := addNode(t, b, "mid", root, math.Translate(0, 2, 0))
	leaf := addNode(t, b, "leaf", mid, math.Translate(0, 0, 3))
	addMesh(t, b, triangles("m", 1, [3]float32{}), leaf)

	data := build(t, b)
	require.Len(t, data.Instances, 1)
	node := data.Instances[0].NodeID
	assert.Equal(t, uint32(0), node, "the chain collapses into the root slot")
	world := data.Graph.WorldTransform(node)
	assert.Equal(t, [3]float32{1, 2, 3}, [3]float32{world[12], world[13], world[14]})
	assert.Equal(t, float32(2.5), data.Bounds.Max.Y)
}

func TestCurves(t *testing.T) {
	b := newTestBuilder(testConfig())
	n := addNode(t, b, "hair", scenegraph.InvalidNode, math.Translate(1, 0, 0))
	addMesh(t, b, triangles("m", 1, [3]float32{}), n)

	curve := model.CurveSpec{
		Name: "strand",
		Points: []model.CurvePoint{
			{Position: [3]float32{0, 0, 0}, Radius: 0.1},
			{Position: [3]float32{0, 1, 0}, Radius: 0.1},
			{Position: [3]float32{0, 2, 0}, Radius: 0.2},
		},
		IsDynamic: true,
	}
	id, err := b.AddCurve(curve)
	require.NoError(t, err)
	require.NoError(t, b.AddCurveInstance(id, n))
	_, err = b.AddCurve(model.CurveSpec{Name: "unused", Points: curve.Points})
	require.NoError(t, err)

	data := build(t, b)
	require.Len(t, data.Curves, 1)
	assert.Equal(t, []string{"strand"}, data.CurveNames)
	assert.Equal(t, uint32(2), data.Curves[0].AABBCount)
	assert.True(t, data.HasDynamicCurves())
	assert.Equal(t, [3]float32{1, 2, 0}, data.CurvePoints[2].Position, "points are baked into world space")
	require.Len(t, data.CurveAABBs, 2)
	assert.InDelta(t, 2.2, data.CurveAABBs[1].Max.Y, 1e-6)

	assert.Equal(t, uint32(1), data.CurveInstanceOffset)
	require.Len(t, data.Instances, 2)
	entry := data.Instances[1]
	assert.Equal(t, model.GeometryTypeCurve, entry.Type)
	assert.Equal(t, uint32(1), entry.InstanceIndex)
	assert.True(t, data.Graph.WorldTransform(entry.NodeID).IsIdentity())
}

func TestCurveInstanceRules(t *testing.T) {
	points := []model.CurvePoint{{Radius: 1}, {Position: [3]float32{1, 0, 0}, Radius: 1}}

	b := newTestBuilder(testConfig())
	n1 := addNode(t, b, "a", scenegraph.InvalidNode, math.Identity())
	n2 := addNode(t, b, "b", scenegraph.InvalidNode, math.Identity())
	id, err := b.AddCurve(model.CurveSpec{Name: "twice", Points: points})
	require.NoError(t, err)
	require.NoError(t, b.AddCurveInstance(id, n1))
	require.NoError(t, b.AddCurveInstance(id, n2))
	_, err = b.Build(context.Background())
	assert.ErrorIs(t, err, ErrInvalidInstance)

	b = newTestBuilder(testConfig())
	n := addNode(t, b, "a", scenegraph.InvalidNode, math.Identity())
	animate(t, b, n)
	id, err = b.AddCurve(model.CurveSpec{Name: "moving", Points: points})
	require.NoError(t, err)
	require.NoError(t, b.AddCurveInstance(id, n))
	_, err = b.Build(context.Background())
	assert.ErrorIs(t, err, ErrInvalidInstance)
}

func TestCustomPrimitives(t *testing.T) {
	b := newTestBuilder(testConfig())
	box := math.NewAABB(math.Vec3{X: -1, Y: -1, Z: -1}, math.Vec3{X: 4, Y: 1, Z: 1})
	id, err := b.AddCustomPrimitive(42, box)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id)

	data := build(t, b)
	require.Len(t, data.CustomPrimitives, 1)
	assert.Equal(t, uint32(42), data.CustomPrimitives[0].UserID)
	assert.Equal(t, uint32(1), data.GeometryCount())
	assert.Empty(t, data.Instances)
	assert.Equal(t, box, data.Bounds)
}

func TestPacking(t *testing.T) {
	b := newTestBuilder(testConfig())
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	addMesh(t, b, triangles("m", 1, [3]float32{}), n)

	data := build(t, b)
	require.Len(t, data.PackedInstances, len(data.Instances))
	r := data.PackingLayout.Decode(data.PackedInstances[0])
	inst := data.Instances[0]
	assert.Equal(t, inst.NodeID, r.TransformID)
	assert.Equal(t, inst.GeometryID, r.MeshID)
	assert.Equal(t, inst.MaterialID, r.MaterialID)
	assert.Equal(t, uint32(inst.Flags&model.PackedFlagMask), r.Flags)
	assert.True(t, model.GeometryInstanceFlags(r.Flags).Has(model.FlagUse16BitIndices))

	tiny := packing.Layout{TransformBits: 1, MeshBits: 20, MaterialBits: 16, FlagBits: 8}
	b = newTestBuilder(testConfig(), WithPackingLayout(tiny))
	for i := 0; i < 3; i++ {
		addNode(t, b, "n", scenegraph.InvalidNode, math.Identity())
	}
	addMesh(t, b, triangles("m", 1, [3]float32{}), 0)
	_, err := b.Build(context.Background())
	assert.ErrorIs(t, err, packing.ErrCapacityExceeded)
}

func TestBufferLimit(t *testing.T) {
	saved := maxBufferElements
	maxBufferElements = 5
	defer func() { maxBufferElements = saved }()

	b := newTestBuilder(testConfig())
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	addMesh(t, b, triangles("m", 2, [3]float32{}), n)

	_, err := b.Build(context.Background())
	assert.ErrorIs(t, err, ErrBufferTooLarge)
}

func TestAddValidation(t *testing.T) {
	b := newTestBuilder(testConfig())
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	mesh := addMesh(t, b, triangles("m", 1, [3]float32{}))

	assert.ErrorIs(t, b.AddMeshInstance(mesh, model.NewMeshInstance(7)), scenegraph.ErrNodeOutOfRange)
	assert.ErrorIs(t, b.AddMeshInstance(9, model.NewMeshInstance(n)), ErrMeshOutOfRange)

	inst := model.NewMeshInstance(n)
	inst.OverrideMaterial = true
	inst.MaterialID = 5
	assert.ErrorIs(t, b.AddMeshInstance(mesh, inst), ErrInvalidMaterial)

	bad := triangles("bad", 1, [3]float32{})
	bad.MaterialID = 5
	_, err := b.AddMesh(bad)
	assert.ErrorIs(t, err, meshproc.ErrInvalidMesh)

	_, err = b.AddCurve(model.CurveSpec{Name: "short", Points: []model.CurvePoint{{}}})
	assert.ErrorIs(t, err, ErrInvalidCurve)
	assert.ErrorIs(t, b.AddCurveInstance(3, n), ErrCurveOutOfRange)

	_, err = b.AddCustomPrimitive(0, math.EmptyAABB())
	assert.ErrorIs(t, err, ErrInvalidPrimitive)

	assert.ErrorIs(t, b.AddAnimation(animation.New("a", 99, 1)), scenegraph.ErrNodeOutOfRange)

	_, err = b.AddMaterial(model.Material{Name: "x"})
	assert.Error(t, err, "materials are external")
}

func TestBuildOnce(t *testing.T) {
	b := newTestBuilder(testConfig())
	n := addNode(t, b, "root", scenegraph.InvalidNode, math.Identity())
	addMesh(t, b, triangles("m", 1, [3]float32{}), n)
	build(t, b)

	_, err := b.Build(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyBuilt)
	_, err = b.AddMesh(triangles("late", 1, [3]float32{}))
	assert.ErrorIs(t, err, ErrAlreadyBuilt)
}

func TestBuildCancelled(t *testing.T) {
	b := newTestBuilder(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Build(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAddMeshes(t *testing.T) {
	b := New(testConfig())
	id, err := b.AddMaterial(model.Material{Name: "default", Opaque: true})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), id)

	ids, err := b.AddMeshes(context.Background(), []meshproc.Mesh{
		triangles("a", 1, [3]float32{}),
		triangles("b", 2, [3]float32{}),
		triangles("c", 3, [3]float32{}),
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2}, ids)
	assert.Equal(t, 3, b.MeshCount())
}
