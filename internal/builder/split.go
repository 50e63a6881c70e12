package builder

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/Faultbox/rtaccel/internal/config"
	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// splitMeshGroups breaks groups above the triangle ceiling into smaller
// groups using the configured strategy.
func (b *Builder) splitMeshGroups() error {
	if !b.cfg.SplitGroups || b.cfg.MaxTrianglesPerBLAS == 0 {
		return nil
	}

	var out []model.MeshGroup
	for _, g := range b.groups {
		var parts []model.MeshGroup
		var err error
		switch b.cfg.SplitStrategy {
		case config.SplitSimple:
			parts = b.splitSimple(g)
		case config.SplitMedian:
			parts = b.splitMedian(g)
		case config.SplitMidpoint, "":
			parts, err = b.splitMidpoint(g)
		default:
			return fmt.Errorf("unknown split strategy %q", b.cfg.SplitStrategy)
		}
		if err != nil {
			return err
		}
		if len(parts) > 1 {
			b.log.Warn("split mesh group",
				zap.Uint64("triangles", b.groupTriangles(g)), zap.Int("groups", len(parts)))
		}
		out = append(out, parts...)
	}
	b.groups = out
	return b.validateMeshGroups()
}

func (b *Builder) groupTriangles(g model.MeshGroup) uint64 {
	var n uint64
	for _, id := range g.Meshes {
		n += uint64(b.meshes[id].TriangleCount())
	}
	return n
}

func (b *Builder) groupBounds(g model.MeshGroup) math.AABB {
	bb := math.EmptyAABB()
	for _, id := range g.Meshes {
		bb = bb.Union(b.meshes[id].BoundingBox)
	}
	return bb
}

func (b *Builder) needsSplit(g model.MeshGroup) bool {
	tris := b.groupTriangles(g)
	if tris <= uint64(b.cfg.MaxTrianglesPerBLAS) {
		return false
	}
	if len(g.Meshes) == 1 {
		b.log.Warn("mesh exceeds the triangle limit and cannot be split",
			zap.String("mesh", b.meshes[g.Meshes[0]].Name), zap.Uint64("triangles", tris))
		return false
	}
	return true
}

func emptyLike(g model.MeshGroup) model.MeshGroup {
	return model.MeshGroup{IsStatic: g.IsStatic, IsDisplaced: g.IsDisplaced}
}

// splitSimple fills groups in mesh order up to an even share of the
// triangles.
func (b *Builder) splitSimple(g model.MeshGroup) []model.MeshGroup {
	if !b.needsSplit(g) {
		return []model.MeshGroup{g}
	}

	limit := uint64(b.cfg.MaxTrianglesPerBLAS)
	total := b.groupTriangles(g)
	count := (total + limit - 1) / limit
	target := total / count

	var out []model.MeshGroup
	cur := emptyLike(g)
	var curTris uint64
	for _, id := range g.Meshes {
		tris := uint64(b.meshes[id].TriangleCount())
		if len(cur.Meshes) > 0 && curTris+tris > limit {
			out = append(out, cur)
			cur, curTris = emptyLike(g), 0
		}
		cur.Meshes = append(cur.Meshes, id)
		curTris += tris
		if curTris >= target {
			out = append(out, cur)
			cur, curTris = emptyLike(g), 0
		}
	}
	if len(cur.Meshes) > 0 {
		out = append(out, cur)
	}
	return out
}

// splitMedian sorts meshes along the largest axis of the group and cuts
// where half of the triangles are on each side.
func (b *Builder) splitMedian(g model.MeshGroup) []model.MeshGroup {
	if !b.needsSplit(g) {
		return []model.MeshGroup{g}
	}

	axis := b.groupBounds(g).LargestAxis()
	meshes := slices.Clone(g.Meshes)
	slices.SortStableFunc(meshes, func(x, y uint32) int {
		cx := b.meshes[x].BoundingBox.Center().Axis(axis)
		cy := b.meshes[y].BoundingBox.Center().Axis(axis)
		switch {
		case cx < cy:
			return -1
		case cx > cy:
			return 1
		}
		return 0
	})

	half := b.groupTriangles(g) / 2
	var acc uint64
	cut := 0
	for cut < len(meshes) && acc < half {
		acc += uint64(b.meshes[meshes[cut]].TriangleCount())
		cut++
	}
	if cut == 0 || cut == len(meshes) {
		cut = len(meshes) / 2
	}

	left, right := emptyLike(g), emptyLike(g)
	left.Meshes, right.Meshes = meshes[:cut], meshes[cut:]
	return append(b.splitMedian(left), b.splitMedian(right)...)
}

// splitMidpoint cuts the group at the center of its largest axis, splitting
// meshes that straddle the plane.
func (b *Builder) splitMidpoint(g model.MeshGroup) ([]model.MeshGroup, error) {
	if !b.needsSplit(g) {
		return []model.MeshGroup{g}, nil
	}

	bb := b.groupBounds(g)
	axis := bb.LargestAxis()
	pos := bb.Center().Axis(axis)

	left, right := emptyLike(g), emptyLike(g)
	for _, id := range g.Meshes {
		l, r, err := b.splitMesh(id, axis, pos)
		if err != nil {
			return nil, err
		}
		if l != model.InvalidID {
			left.Meshes = append(left.Meshes, l)
		}
		if r != model.InvalidID {
			right.Meshes = append(right.Meshes, r)
		}
	}

	if len(left.Meshes) == 0 || len(right.Meshes) == 0 {
		joined := emptyLike(g)
		joined.Meshes = append(left.Meshes, right.Meshes...)
		return []model.MeshGroup{joined}, nil
	}

	l, err := b.splitMidpoint(left)
	if err != nil {
		return nil, err
	}
	r, err := b.splitMidpoint(right)
	if err != nil {
		return nil, err
	}
	return append(l, r...), nil
}

// splitMesh divides a mesh by triangle centroid against the plane at pos.
// The left half keeps the mesh id and the right half is appended as a new
// mesh with the same instances. Either result is InvalidID when empty.
func (b *Builder) splitMesh(id uint32, axis int, pos float32) (uint32, uint32, error) {
	mesh := b.meshes[id]
	if mesh.IsDynamic() {
		return model.InvalidID, model.InvalidID,
			fmt.Errorf("mesh %q: %w: dynamic meshes cannot be split", mesh.Name, ErrUnsupportedSplit)
	}
	if mesh.BoundingBox.Max.Axis(axis) <= pos {
		return id, model.InvalidID, nil
	}
	if mesh.BoundingBox.Min.Axis(axis) >= pos {
		return model.InvalidID, id, nil
	}
	if mesh.IndexCount == 0 {
		return model.InvalidID, model.InvalidID,
			fmt.Errorf("mesh %q: %w: non-indexed meshes cannot be split", mesh.Name, ErrUnsupportedSplit)
	}

	indices := mesh.IndexList()
	var leftTris, rightTris []uint32
	for t := uint32(0); t < mesh.TriangleCount(); t++ {
		var c float32
		for k := uint32(0); k < 3; k++ {
			c += math.V3(mesh.StaticData[indices[t*3+k]].Position).Axis(axis)
		}
		if c/3 < pos {
			leftTris = append(leftTris, t)
		} else {
			rightTris = append(rightTris, t)
		}
	}
	if len(leftTris) == 0 {
		return model.InvalidID, id, nil
	}
	if len(rightTris) == 0 {
		return id, model.InvalidID, nil
	}

	rightMesh := b.subMesh(mesh, indices, rightTris)
	*mesh = *b.subMesh(mesh, indices, leftTris)

	rightID := uint32(len(b.meshes))
	b.meshes = append(b.meshes, rightMesh)
	for _, inst := range rightMesh.Instances {
		b.graph.AttachMesh(inst.NodeID, rightID)
	}
	return id, rightID, nil
}

// subMesh builds a mesh from a subset of triangles, keeping only the
// referenced vertices.
func (b *Builder) subMesh(mesh *model.MeshSpec, indices, tris []uint32) *model.MeshSpec {
	remap := make(map[uint32]uint32, len(tris)*3)
	out := &model.MeshSpec{
		Name:           mesh.Name,
		MaterialID:     mesh.MaterialID,
		IsStatic:       mesh.IsStatic,
		IsDisplaced:    mesh.IsDisplaced,
		IsFrontFaceCW:  mesh.IsFrontFaceCW,
		SkeletonNodeID: mesh.SkeletonNodeID,
		BoundingBox:    math.EmptyAABB(),
		Instances:      slices.Clone(mesh.Instances),
	}

	newIndices := make([]uint32, 0, len(tris)*3)
	for _, t := range tris {
		for k := uint32(0); k < 3; k++ {
			old := indices[t*3+k]
			idx, ok := remap[old]
			if !ok {
				idx = uint32(len(out.StaticData))
				remap[old] = idx
				v := mesh.StaticData[old]
				out.StaticData = append(out.StaticData, v)
				out.BoundingBox = out.BoundingBox.Include(math.V3(v.Position))
			}
			newIndices = append(newIndices, idx)
		}
		if mesh.HasMultipleMaterials() {
			out.PerPrimMatIDs = append(out.PerPrimMatIDs, mesh.PerPrimMatIDs[t])
		}
	}

	out.VertexCount = uint32(len(out.StaticData))
	out.Use16BitIndices = out.VertexCount <= 1<<16 && !b.cfg.Force32BitIndices
	out.SetIndexList(newIndices)
	return out
}
