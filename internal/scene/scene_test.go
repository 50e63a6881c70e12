package scene

import (
	"context"
	stdmath "math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/rtaccel/internal/accel"
	"github.com/Faultbox/rtaccel/internal/animation"
	"github.com/Faultbox/rtaccel/internal/builder"
	"github.com/Faultbox/rtaccel/internal/config"
	"github.com/Faultbox/rtaccel/internal/meshproc"
	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/internal/scenegraph"
	"github.com/Faultbox/rtaccel/pkg/math"
)

var testMaterials = model.MaterialTable{
	{Name: "opaque", Opaque: true},
	{Name: "glass"},
}

type sceneBuilder struct {
	t *testing.T
	b *builder.Builder
}

func newSceneBuilder(t *testing.T, cfg config.BuildConfig) *sceneBuilder {
	return &sceneBuilder{t: t, b: builder.New(cfg, builder.WithMaterials(testMaterials))}
}

// keepNodes disables the passes that rename or drop nodes.
func keepNodes() config.BuildConfig {
	cfg := config.Default().Build
	cfg.PretransformStaticMeshes = false
	cfg.DontOptimizeGraph = true
	return cfg
}

func (s *sceneBuilder) node(name string, m math.Mat4) uint32 {
	s.t.Helper()
	id, err := s.b.AddNode(scenegraph.NewNode(name, scenegraph.InvalidNode, m))
	require.NoError(s.t, err)
	return id
}

func (s *sceneBuilder) mesh(m meshproc.Mesh, nodes ...uint32) uint32 {
	s.t.Helper()
	id, err := s.b.AddMesh(m)
	require.NoError(s.t, err)
	for _, n := range nodes {
		require.NoError(s.t, s.b.AddMeshInstance(id, model.NewMeshInstance(n)))
	}
	return id
}

func (s *sceneBuilder) slide(node uint32) {
	s.t.Helper()
	a := animation.New("slide", node, 1)
	a.AddKeyframe(animation.Keyframe{Time: 0, Rotation: math.QuatIdentity(), Scale: math.Vec3{X: 1, Y: 1, Z: 1}})
	a.AddKeyframe(animation.Keyframe{Time: 1, Translation: math.Vec3{X: 2}, Rotation: math.QuatIdentity(), Scale: math.Vec3{X: 1, Y: 1, Z: 1}})
	require.NoError(s.t, s.b.AddAnimation(a))
}

func (s *sceneBuilder) curve(node uint32, dynamic bool) uint32 {
	s.t.Helper()
	id, err := s.b.AddCurve(model.CurveSpec{
		Name: "strand",
		Points: []model.CurvePoint{
			{Position: [3]float32{0, 0, 0}, Radius: 0.1},
			{Position: [3]float32{0, 1, 0}, Radius: 0.1},
			{Position: [3]float32{0, 2, 0}, Radius: 0.1},
		},
		IsDynamic: dynamic,
	})
	require.NoError(s.t, err)
	require.NoError(s.t, s.b.AddCurveInstance(id, node))
	return id
}

func (s *sceneBuilder) custom(userID uint32) {
	s.t.Helper()
	_, err := s.b.AddCustomPrimitive(userID, unitBox())
	require.NoError(s.t, err)
}

func (s *sceneBuilder) open(dev accel.Device) *Scene {
	s.t.Helper()
	data, err := s.b.Build(context.Background())
	require.NoError(s.t, err)
	sc, err := New(data, dev, nil)
	require.NoError(s.t, err)
	return sc
}

// meshByName finds a mesh id after the build has renumbered meshes.
func meshByName(t *testing.T, data *model.SceneData, name string) uint32 {
	t.Helper()
	for i, n := range data.MeshNames {
		if n == name {
			return uint32(i)
		}
	}
	t.Fatalf("mesh %q not found", name)
	return 0
}

func unitBox() math.AABB {
	return math.NewAABB(math.Vec3{}, math.Vec3{X: 1, Y: 1, Z: 1})
}

func triangles(name string, n int) meshproc.Mesh {
	m := meshproc.NewMesh(name, 0)
	for t := 0; t < n; t++ {
		x := float32(t)
		base := uint32(len(m.Positions))
		m.Positions = append(m.Positions, [3]float32{x, 0, 0}, [3]float32{x + 0.5, 0, 0}, [3]float32{x, 0.5, 0})
		m.Indices = append(m.Indices, base, base+1, base+2)
	}
	return m
}

func TestUpdateFlagsString(t *testing.T) {
	assert.Equal(t, "None", UpdateNone.String())
	assert.Equal(t, "GeometryMoved|SceneGraphChanged", (UpdateGeometryMoved | UpdateSceneGraphChanged).String())
	assert.Equal(t, "MeshesChanged|0x2", (UpdateMeshesChanged | 0x2).String())
	assert.True(t, (UpdateCurvesMoved | UpdateMeshesChanged).Has(UpdateCurvesMoved))
	assert.False(t, UpdateCurvesMoved.Has(UpdateCurvesMoved|UpdateMeshesChanged))
}

func TestStaticSceneSettles(t *testing.T) {
	s := newSceneBuilder(t, config.Default().Build)
	s.mesh(triangles("floor", 2), s.node("floor", math.Identity()))
	sc := s.open(accel.NewSimDevice())
	ctx := context.Background()

	flags, err := sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, UpdateSceneGraphChanged, flags, "first update initializes the graph")

	flags, err = sc.Update(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, UpdateNone, flags)
	assert.Equal(t, UpdateNone, sc.Updates())
}

func TestAnimatedNodeMovesGeometry(t *testing.T) {
	s := newSceneBuilder(t, keepNodes())
	n := s.node("slider", math.Identity())
	s.mesh(triangles("box", 2), n)
	s.slide(n)
	sc := s.open(accel.NewSimDevice())
	ctx := context.Background()

	flags, err := sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	assert.True(t, flags.Has(UpdateSceneGraphChanged|UpdateGeometryMoved))

	tlas, err := sc.RaytracingTLAS(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), tlas.RayTypeCount, "zero uses the configured ray type count")
	require.Len(t, tlas.Instances, 1)
	assert.Equal(t, 1, tlas.Builds)

	flags, err = sc.Update(ctx, 0.5, nil)
	require.NoError(t, err)
	assert.True(t, flags.Has(UpdateSceneGraphChanged|UpdateGeometryMoved))

	tlas, err = sc.RaytracingTLAS(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tlas.Refits, "animated instances are refitted")
	p := tlas.Instances[0].Transform.TransformPoint([3]float32{})
	assert.InDelta(t, 1.0, p[0], 1e-4)

	flags, err = sc.Update(ctx, 0.5, nil)
	require.NoError(t, err)
	assert.Equal(t, UpdateNone, flags, "same time moves nothing")

	sc.ToggleAnimations(false)
	flags, err = sc.Update(ctx, 0.5, nil)
	require.NoError(t, err)
	assert.True(t, flags.Has(UpdateSceneGraphChanged|UpdateGeometryMoved))
	tlas, err = sc.RaytracingTLAS(ctx, 0)
	require.NoError(t, err)
	p = tlas.Instances[0].Transform.TransformPoint([3]float32{})
	assert.InDelta(t, 0.0, p[0], 1e-6, "disabled animations restore authored transforms")
}

func TestSkinnedMeshRefitsBlas(t *testing.T) {
	s := newSceneBuilder(t, keepNodes())
	bone := s.node("bone", math.Identity())
	body := s.node("body", math.Identity())
	m := triangles("body", 1)
	m.BoneIDs = [][4]uint32{{bone}, {bone}, {bone}}
	m.BoneWeights = [][4]float32{{1}, {1}, {1}}
	s.mesh(m, body)

	dev := accel.NewSimDevice()
	sc := s.open(dev)
	ctx := context.Background()
	data := sc.Data()

	flags, err := sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	assert.True(t, flags.Has(UpdateMeshesChanged))
	require.Len(t, sc.SkinnedPositions(), len(data.SkinningVertices))
	for i, v := range data.SkinningVertices {
		assert.Equal(t, math.V3(data.StaticVertices[v.StaticIndex].Position), sc.SkinnedPositions()[i])
	}

	_, err = sc.RaytracingTLAS(ctx, 0)
	require.NoError(t, err)
	require.True(t, sc.IsBlasValid())
	dev.ResetBuilds()

	require.NoError(t, sc.SetNodeTransform(bone, math.Translate(0, 2, 0)))
	flags, err = sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	assert.True(t, flags.Has(UpdateSceneGraphChanged|UpdateMeshesChanged))
	assert.False(t, flags.Has(UpdateGeometryMoved), "the instance node did not move")

	builds := dev.Builds()
	require.Len(t, builds, 1)
	assert.True(t, builds[0].Update)

	for i, v := range data.SkinningVertices {
		rest := math.V3(data.StaticVertices[v.StaticIndex].Position)
		got := sc.SkinnedPositions()[i]
		assert.InDelta(t, rest.X, got.X, 1e-5)
		assert.InDelta(t, rest.Y+2, got.Y, 1e-5)
		assert.InDelta(t, rest.Z, got.Z, 1e-5)
	}
	desc := data.Meshes[0]
	for k := uint32(0); k < desc.VertexCount; k++ {
		rest := data.StaticVertices[desc.VBOffset+k].Position
		assert.InDelta(t, rest[1], sc.PrevPositions()[desc.PrevVBOffset+k].Y, 1e-5, "prev holds last frame")
	}
}

func TestSetNodeTransformRejectsNonFinite(t *testing.T) {
	s := newSceneBuilder(t, keepNodes())
	n := s.node("a", math.Identity())
	s.mesh(triangles("a", 1), n)
	sc := s.open(accel.NewSimDevice())

	bad := math.Identity()
	bad[12] = float32(stdmath.Inf(1))
	assert.Error(t, sc.SetNodeTransform(n, bad))
	assert.Error(t, sc.SetNodeTransform(99, math.Identity()))
}

func TestMaterialChanges(t *testing.T) {
	s := newSceneBuilder(t, config.Default().Build)
	s.mesh(triangles("a", 1), s.node("a", math.Identity()))
	sc := s.open(accel.NewSimDevice())
	ctx := context.Background()
	_, err := sc.Update(ctx, 0, nil)
	require.NoError(t, err)

	flags, err := sc.Update(ctx, 0, []uint32{1})
	require.NoError(t, err)
	assert.Equal(t, UpdateMaterialsChanged, flags)

	_, err = sc.Update(ctx, 0, []uint32{5})
	assert.ErrorIs(t, err, ErrInvalidMaterial)
}

func TestNegativeScaleFlagsFollowTransform(t *testing.T) {
	s := newSceneBuilder(t, keepNodes())
	n := s.node("mirror", math.Scale(-1, 1, 1))
	s.mesh(triangles("a", 1), n)
	sc := s.open(accel.NewSimDevice())
	ctx := context.Background()
	data := sc.Data()

	require.Len(t, data.Instances, 1)
	assert.True(t, data.Instances[0].Flags.Has(model.FlagTransformFlipped))
	assert.True(t, data.Instances[0].Flags.Has(model.FlagIsWorldFrontFaceCW))
	packed := data.PackedInstances[0]

	_, err := sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	_, err = sc.RaytracingTLAS(ctx, 0)
	require.NoError(t, err)
	require.True(t, sc.IsBlasValid())

	require.NoError(t, sc.SetNodeTransform(n, math.Identity()))
	flags, err := sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	assert.True(t, flags.Has(UpdateGeometryMoved))
	assert.True(t, sc.IsBlasValid(), "per-node groups take their transform from the TLAS")

	assert.False(t, data.Instances[0].Flags.Has(model.FlagTransformFlipped))
	assert.False(t, data.Instances[0].Flags.Has(model.FlagIsWorldFrontFaceCW))
	assert.NotEqual(t, packed, data.PackedInstances[0], "packed record follows the flags")
}

func TestUpdateModes(t *testing.T) {
	s := newSceneBuilder(t, config.Default().Build)
	s.mesh(triangles("a", 1), s.node("a", math.Identity()))
	sc := s.open(accel.NewSimDevice())

	assert.Equal(t, accel.UpdateRefit, sc.BlasUpdateMode())
	assert.Equal(t, accel.UpdateRefit, sc.TlasUpdateMode())

	_, err := sc.RaytracingTLAS(context.Background(), 2)
	require.NoError(t, err)
	require.True(t, sc.IsBlasValid())

	sc.SetBlasUpdateMode(accel.UpdateRebuild)
	assert.Equal(t, accel.UpdateRebuild, sc.BlasUpdateMode())
	assert.False(t, sc.IsBlasValid(), "a new BLAS mode forces a rebuild")

	sc.SetTlasUpdateMode(accel.UpdateRebuild)
	assert.Equal(t, accel.UpdateRebuild, sc.TlasUpdateMode())

	tlas, err := sc.RaytracingTLAS(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), tlas.RayTypeCount)
	assert.True(t, sc.IsBlasValid())
	assert.NotEmpty(t, sc.Stats().Blas)
}

func TestMovingPretransformedNodeRebuildsBlas(t *testing.T) {
	s := newSceneBuilder(t, config.Default().Build)
	s.mesh(triangles("floor", 2), s.node("floor", math.Translate(1, 0, 0)))
	sc := s.open(accel.NewSimDevice())
	ctx := context.Background()
	data := sc.Data()

	require.Len(t, data.MeshGroups, 1)
	require.True(t, data.MeshGroups[0].IsStatic)
	_, err := sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	_, err = sc.RaytracingTLAS(ctx, 0)
	require.NoError(t, err)
	require.True(t, sc.IsBlasValid())

	require.NoError(t, sc.SetNodeTransform(data.Instances[0].NodeID, math.Translate(0, 3, 0)))
	flags, err := sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	assert.True(t, flags.Has(UpdateGeometryMoved))
	assert.False(t, sc.IsBlasValid(), "static transforms are built into the BLAS")
}

func TestVertexCacheRefitsBlas(t *testing.T) {
	s := newSceneBuilder(t, keepNodes())
	n := s.node("flag", math.Identity())
	cached := triangles("cloth", 1)
	cached.IsAnimated = true
	s.mesh(cached, n)
	s.mesh(triangles("pole", 1), n)

	dev := accel.NewSimDevice()
	sc := s.open(dev)
	ctx := context.Background()
	data := sc.Data()
	id := meshByName(t, data, "cloth")
	_, err := sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	_, err = sc.RaytracingTLAS(ctx, 0)
	require.NoError(t, err)
	dev.ResetBuilds()

	desc := data.Meshes[id]
	rest := math.V3(data.StaticVertices[desc.VBOffset].Position)
	moved := []math.Vec3{{X: 0, Y: 1}, {X: 0.5, Y: 1}, {X: 0, Y: 1.5}}
	require.NoError(t, sc.UpdateMeshVertices(id, moved))

	flags, err := sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, UpdateMeshesChanged, flags)
	builds := dev.Builds()
	require.Len(t, builds, 1)
	assert.True(t, builds[0].Update)
	assert.Equal(t, moved[2].Array(), data.StaticVertices[desc.VBOffset+2].Position)
	assert.Equal(t, rest, sc.PrevPositions()[desc.PrevVBOffset])

	flags, err = sc.Update(ctx, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, UpdateNone, flags)
}

func TestUpdateMeshVerticesValidation(t *testing.T) {
	s := newSceneBuilder(t, keepNodes())
	n := s.node("flag", math.Identity())
	cached := triangles("cloth", 1)
	cached.IsAnimated = true
	s.mesh(cached, n)
	s.mesh(triangles("pole", 1), n)
	sc := s.open(accel.NewSimDevice())
	id := meshByName(t, sc.Data(), "cloth")
	static := meshByName(t, sc.Data(), "pole")

	three := make([]math.Vec3, 3)
	assert.ErrorIs(t, sc.UpdateMeshVertices(99, three), ErrInvalidGeometryID)
	assert.ErrorIs(t, sc.UpdateMeshVertices(static, three), ErrMeshNotCached)
	assert.ErrorIs(t, sc.UpdateMeshVertices(id, three[:2]), ErrMeshShape)
	three[1].Y = float32(stdmath.NaN())
	assert.Error(t, sc.UpdateMeshVertices(id, three))
}
