package meshproc

import (
	"fmt"
	stdmath "math"

	"github.com/chewxy/math32"
	"go.uber.org/zap"

	"github.com/Faultbox/rtaccel/internal/logger"
	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/pkg/math"
)

const (
	invalidIndex   = ^uint32(0)
	mergeThreshold = 1e-6
)

var zeroNormalReplacement = [3]float32{0, 0, 1}

// Process validates m and converts it to a MeshSpec. It is safe to call
// from several goroutines; m is not modified.
func Process(m Mesh, opts Options) (*model.MeshSpec, error) {
	log := logger.Named("meshproc").With(zap.String("mesh", m.Name))

	if err := validate(&m, opts); err != nil {
		return nil, err
	}
	if len(m.Normals) == 0 {
		log.Warn("mesh is missing normals, filling with zeros")
	}
	if len(m.TexCrds) == 0 {
		log.Warn("mesh is missing texture coordinates, filling with zeros")
	}

	if !(opts.UseOriginalTangents || m.UseOriginalTangents) || len(m.Tangents) == 0 {
		m.Tangents = generateTangents(&m)
	}

	var vertices []model.Vertex
	var indices []uint32
	if opts.MergeDuplicateVertices {
		vertices, indices = mergeVertices(&m)
		if len(vertices) != len(m.Positions) {
			log.Debug("merged duplicate vertices",
				zap.Int("before", len(m.Positions)), zap.Int("after", len(vertices)))
		}
	} else {
		vertices = make([]model.Vertex, len(m.Positions))
		for corner, idx := range m.Indices {
			vertices[idx] = m.vertex(corner)
		}
		indices = append([]uint32(nil), m.Indices...)
	}

	invalid, zero := sanitize(vertices)
	if invalid > 0 {
		log.Warn("mesh has inf/nan vertex attributes", zap.Int("vertices", invalid))
	}
	if zero > 0 {
		log.Warn("mesh has zero-length normals or tangents", zap.Int("vertices", zero))
	}

	spec := &model.MeshSpec{
		Name:           m.Name,
		MaterialID:     m.MaterialID,
		IsAnimated:     m.IsAnimated,
		IsFrontFaceCW:  m.FrontFaceCW,
		SkeletonNodeID: m.SkeletonNodeID,
		BoundingBox:    math.EmptyAABB(),
	}

	// Non-indexed output expands every index into its own vertex.
	order := indices
	if !opts.NonIndexedVertices {
		spec.Use16BitIndices = len(vertices) <= 1<<16 && !opts.Force32BitIndices
		spec.SetIndexList(indices)
		order = nil
	}

	count := len(vertices)
	if order != nil {
		count = len(order)
	}
	spec.VertexCount = uint32(count)
	spec.StaticData = make([]model.StaticVertex, count)
	if m.HasBones() {
		spec.SkinningData = make([]model.SkinningVertex, count)
	}
	for i := 0; i < count; i++ {
		var v model.Vertex
		if order != nil {
			v = vertices[order[i]]
		} else {
			v = vertices[i]
		}
		spec.StaticData[i] = model.StaticVertex{
			Position: v.Position,
			Normal:   v.Normal,
			Tangent:  v.Tangent,
			TexCrd:   v.TexCrd,
		}
		spec.BoundingBox = spec.BoundingBox.Include(math.V3(v.Position))
		if spec.SkinningData != nil {
			spec.SkinningData[i] = model.SkinningVertex{
				BoneIDs:     v.BoneIDs,
				BoneWeights: v.BoneWeights,
				StaticIndex: uint32(i), // local, rebased when global buffers are built
			}
		}
	}

	if len(m.PerPrimMaterialIDs) > 0 {
		spec.PerPrimMatIDs = perPrimMaterials(&m, opts, log)
	}
	return spec, nil
}

func validate(m *Mesh, opts Options) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("mesh %q: %w: %s", m.Name, ErrInvalidMesh, fmt.Sprintf(format, args...))
	}

	if len(m.Positions) == 0 {
		return fail("missing positions")
	}
	if uint64(len(m.Positions)) >= stdmath.MaxUint32 {
		return fail("too many vertices (%d)", len(m.Positions))
	}
	if len(m.Indices) == 0 {
		return fail("missing faces")
	}
	if len(m.Indices)%3 != 0 {
		return fail("index count %d is not a multiple of 3", len(m.Indices))
	}
	if opts.MaterialCount > 0 && m.MaterialID >= opts.MaterialCount {
		return fail("missing material %d", m.MaterialID)
	}

	n := len(m.Positions)
	attrs := []struct {
		name    string
		count   int
		indices []uint32
	}{
		{"normals", len(m.Normals), m.NormalIndices},
		{"tangents", len(m.Tangents), nil},
		{"texture coordinates", len(m.TexCrds), m.TexCrdIndices},
	}
	for _, a := range attrs {
		if a.count == 0 {
			if len(a.indices) > 0 {
				return fail("%s indices without %s", a.name, a.name)
			}
			continue
		}
		if len(a.indices) == 0 {
			if a.count != n {
				return fail("%s count %d does not match %d positions", a.name, a.count, n)
			}
			continue
		}
		if len(a.indices) != len(m.Indices) {
			return fail("%d %s indices for %d corners", len(a.indices), a.name, len(m.Indices))
		}
		for _, idx := range a.indices {
			if idx >= uint32(a.count) {
				return fail("%s index %d out of range", a.name, idx)
			}
		}
	}
	if m.HasBones() {
		if len(m.BoneIDs) == 0 {
			return fail("missing bone IDs")
		}
		if len(m.BoneWeights) == 0 {
			return fail("missing bone weights")
		}
		if len(m.BoneIDs) != n || len(m.BoneWeights) != n {
			return fail("bone data does not match %d positions", n)
		}
	}
	for i, idx := range m.Indices {
		if idx >= uint32(n) {
			return fail("index %d at %d out of range", idx, i)
		}
	}
	if l := len(m.PerPrimMaterialIDs); l != 0 && l != m.FaceCount() {
		return fail("%d per-primitive materials for %d faces", l, m.FaceCount())
	}
	return nil
}

// mergeVertices deduplicates vertices reached through the same original
// index. A linked list per original index is kept in heads/next so no
// per-list allocation is needed.
func mergeVertices(m *Mesh) ([]model.Vertex, []uint32) {
	heads := make([]uint32, len(m.Positions))
	for i := range heads {
		heads[i] = invalidIndex
	}
	vertices := make([]model.Vertex, 0, len(m.Positions))
	next := make([]uint32, 0, len(m.Positions))
	indices := make([]uint32, len(m.Indices))

	for i, orig := range m.Indices {
		v := m.vertex(i)

		index := heads[orig]
		for index != invalidIndex {
			if compareVertices(&v, &vertices[index]) {
				break
			}
			index = next[index]
		}
		if index == invalidIndex {
			index = uint32(len(vertices))
			vertices = append(vertices, v)
			next = append(next, heads[orig])
			heads[orig] = index
		}
		indices[i] = index
	}
	return vertices, indices
}

// compareVertices requires exact positions so merged meshes cannot crack.
func compareVertices(a, b *model.Vertex) bool {
	if a.Position != b.Position || a.Tangent[3] != b.Tangent[3] || a.BoneIDs != b.BoneIDs {
		return false
	}
	return within(a.Normal[:], b.Normal[:]) &&
		within(a.Tangent[:3], b.Tangent[:3]) &&
		within(a.TexCrd[:], b.TexCrd[:]) &&
		within(a.BoneWeights[:], b.BoneWeights[:])
}

func within(a, b []float32) bool {
	for i := range a {
		if math32.Abs(a[i]-b[i]) > mergeThreshold {
			return false
		}
	}
	return true
}

// sanitize counts vertices with inf/nan attributes and zero-length normals or
// tangents. Zero-length normals and tangents are replaced.
func sanitize(vertices []model.Vertex) (invalid, zero int) {
	for i := range vertices {
		v := &vertices[i]
		if !finite(v.Position[:]) || !finite(v.Normal[:]) || !finite(v.Tangent[:]) ||
			!finite(v.TexCrd[:]) || !finite(v.BoneWeights[:]) {
			invalid++
		}
		zeroNormal := v.Normal == [3]float32{}
		zeroTangent := v.Tangent[0] == 0 && v.Tangent[1] == 0 && v.Tangent[2] == 0
		if zeroNormal || zeroTangent {
			zero++
		}
		if zeroNormal {
			v.Normal = zeroNormalReplacement
		}
		if zeroTangent {
			v.Tangent = [4]float32{1, 0, 0, v.Tangent[3]}
		}
	}
	return invalid, zero
}

func finite(values []float32) bool {
	for _, f := range values {
		if !math.IsFinite(f) {
			return false
		}
	}
	return true
}

func perPrimMaterials(m *Mesh, opts Options, log *zap.Logger) []uint32 {
	out := make([]uint32, len(m.PerPrimMaterialIDs))
	for i, id := range m.PerPrimMaterialIDs {
		if opts.MaterialCount > 0 && id >= opts.MaterialCount {
			log.Error("unknown per-primitive material, using the mesh material",
				zap.Int("face", i), zap.Uint32("material", id))
			id = m.MaterialID
		}
		out[i] = id
	}
	return out
}
