package accel

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/rtaccel/internal/model"
)

// BlasKind tells what a BLAS holds.
type BlasKind uint8

const (
	BlasMeshGroup BlasKind = iota
	BlasCurves
	BlasCustomPrimitives
)

func (k BlasKind) String() string {
	switch k {
	case BlasMeshGroup:
		return "meshes"
	case BlasCurves:
		return "curves"
	case BlasCustomPrimitives:
		return "custom"
	default:
		return fmt.Sprintf("BlasKind(%d)", uint8(k))
	}
}

// BlasData is the plan and runtime state of one BLAS. Mesh group BLASes
// come first in mesh group order, followed by one curve BLAS and one custom
// primitive BLAS when those exist.
type BlasData struct {
	Kind       BlasKind
	MeshGroup  int // index into SceneData.MeshGroups, -1 otherwise
	Geometries []GeometryDesc

	HasDynamicMesh          bool
	HasSkinnedMesh          bool
	HasDynamicCurve         bool
	HasProceduralPrimitives bool

	UseCompaction bool
	UpdateMode    UpdateMode
	Flags         BuildFlags
	Prebuild      PrebuildInfo

	ResultByteSize  uint64 // aligned ResultMaxSize
	ScratchByteSize uint64 // aligned max of build and update scratch
	BlasByteSize    uint64 // aligned final size after the post-build query

	ResultByteOffset  uint64
	ScratchByteOffset uint64
	BlasByteOffset    uint64
	BlasGroupIndex    int

	State State
}

// HasDynamicGeometry reports whether the BLAS contents change at runtime.
func (d *BlasData) HasDynamicGeometry() bool {
	return d.HasDynamicMesh || d.HasDynamicCurve
}

// PrimitiveCount returns the total triangles and boxes.
func (d *BlasData) PrimitiveCount() uint64 {
	return BuildInputs{Kind: KindBottomLevel, Geometries: d.Geometries}.PrimitiveCount()
}

func (d *BlasData) inputs() BuildInputs {
	return BuildInputs{Kind: KindBottomLevel, Flags: d.Flags, Geometries: d.Geometries}
}

// BlasGroup is a set of BLASes built together. Scratch and result space
// are sized for the whole group and the final buffer holds every member.
type BlasGroup struct {
	BlasIndices     []int
	ResultByteSize  uint64
	ScratchByteSize uint64
	FinalByteSize   uint64
	Final           *Buffer
}

// Plan is the full BLAS layout of a scene.
type Plan struct {
	Blas   []BlasData
	Groups []BlasGroup
}

// NewPlan builds geometry descriptions, queries prebuild sizes and groups
// the BLASes under the memory budget.
func NewPlan(dev Device, data *model.SceneData, mode UpdateMode, budget, alignment uint64, log *zap.Logger) (*Plan, error) {
	blas, err := InitGeometryDescs(data, log)
	if err != nil {
		return nil, err
	}
	if err := PreparePrebuild(dev, blas, mode, alignment); err != nil {
		return nil, err
	}
	groups := ComputeGroups(blas, budget)
	if err := ValidateGroups(blas, groups); err != nil {
		return nil, err
	}
	return &Plan{Blas: blas, Groups: groups}, nil
}

// InitGeometryDescs produces one BLAS per mesh group plus one for all curves
// and one for all custom primitives.
func InitGeometryDescs(data *model.SceneData, log *zap.Logger) ([]BlasData, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var blas []BlasData
	total := 0

	for gi, g := range data.MeshGroups {
		d := BlasData{Kind: BlasMeshGroup, MeshGroup: gi}
		frontCW := 0
		for _, meshID := range g.Meshes {
			if meshID >= data.MeshCount() {
				return nil, fmt.Errorf("mesh group %d references mesh %d: %w", gi, meshID, ErrGeometryCountMismatch)
			}
			mesh := data.Meshes[meshID]
			geom, err := meshGeometry(data, g, meshID)
			if err != nil {
				return nil, err
			}
			d.Geometries = append(d.Geometries, geom)
			d.HasDynamicMesh = d.HasDynamicMesh || mesh.IsDynamic()
			d.HasSkinnedMesh = d.HasSkinnedMesh || mesh.IsSkinned()
			d.HasProceduralPrimitives = d.HasProceduralPrimitives || mesh.IsDisplaced()
			if mesh.IsFrontFaceCW() {
				frontCW++
			}
		}
		if frontCW != 0 && frontCW != len(g.Meshes) {
			log.Warn("mesh group mixes triangle winding, the TLAS instance uses the first mesh",
				zap.Int("group", gi), zap.Int("clockwise", frontCW), zap.Int("meshes", len(g.Meshes)))
		}
		total += len(d.Geometries)
		blas = append(blas, d)
	}

	if n := data.CurveCount(); n > 0 {
		d := BlasData{Kind: BlasCurves, MeshGroup: -1, HasProceduralPrimitives: true}
		for _, c := range data.Curves {
			d.Geometries = append(d.Geometries, GeometryDesc{
				Type:  model.GeometryTypeCurve,
				Flags: materialFlags(data.Materials, c.MaterialID, false),
				AABBs: AABBGeometry{Offset: c.AABBOffset, Count: c.AABBCount},
			})
			d.HasDynamicCurve = d.HasDynamicCurve || c.IsDynamic
		}
		total += len(d.Geometries)
		blas = append(blas, d)
	}

	if n := data.CustomPrimitiveCount(); n > 0 {
		d := BlasData{Kind: BlasCustomPrimitives, MeshGroup: -1, HasProceduralPrimitives: true}
		for _, p := range data.CustomPrimitives {
			d.Geometries = append(d.Geometries, GeometryDesc{
				Type:  model.GeometryTypeCustom,
				Flags: GeometryNoDuplicateAnyHit,
				AABBs: AABBGeometry{Offset: p.AABBOffset, Count: 1},
			})
		}
		total += len(d.Geometries)
		blas = append(blas, d)
	}

	if uint32(total) != data.GeometryCount() {
		return nil, fmt.Errorf("%d geometries planned for %d: %w", total, data.GeometryCount(), ErrGeometryCountMismatch)
	}
	return blas, nil
}

func materialFlags(materials model.MaterialInfo, id uint32, multiple bool) GeometryFlags {
	if materials != nil && !multiple && materials.IsOpaque(id) {
		return GeometryOpaque
	}
	return GeometryNoDuplicateAnyHit
}

func meshGeometry(data *model.SceneData, g model.MeshGroup, meshID uint32) (GeometryDesc, error) {
	mesh := data.Meshes[meshID]
	flags := materialFlags(data.Materials, mesh.MaterialID, mesh.Flags&model.MeshHasMultipleMaterials != 0)

	if mesh.IsDisplaced() {
		off, ok := data.DisplacedAABBOffsets[meshID]
		if !ok {
			return GeometryDesc{}, fmt.Errorf("displaced mesh %d has no bounds: %w", meshID, ErrGeometryCountMismatch)
		}
		return GeometryDesc{
			Type:  model.GeometryTypeDisplacedTriangleMesh,
			Flags: flags,
			AABBs: AABBGeometry{Offset: off, Count: mesh.TriangleCount()},
		}, nil
	}

	tri := TriangleGeometry{
		VertexOffset: mesh.VBOffset,
		VertexCount:  mesh.VertexCount,
		IndexOffset:  mesh.IBOffset,
		IndexCount:   mesh.IndexCount,
		Index16:      mesh.Use16BitIndices(),
	}
	// Static groups are traced with an identity instance, so a non-identity
	// node is baked in as a build-time transform.
	if g.IsStatic {
		if ids := data.MeshInstances(meshID); len(ids) > 0 && data.Graph != nil {
			world := data.Graph.WorldTransform(data.Instances[ids[0]].NodeID)
			if !world.IsIdentity() {
				m := world
				tri.Transform = &m
			}
		}
	}
	return GeometryDesc{Type: model.GeometryTypeTriangleMesh, Flags: flags, Triangles: tri}, nil
}

// PreparePrebuild picks build flags for every BLAS and records the aligned
// prebuild sizes.
func PreparePrebuild(dev Device, blas []BlasData, mode UpdateMode, alignment uint64) error {
	for i := range blas {
		d := &blas[i]
		d.UpdateMode = mode
		// Rebuilding procedural geometry in place needs the full result
		// size, so those BLASes stay uncompacted in rebuild mode.
		d.UseCompaction = !d.HasDynamicGeometry() &&
			!(d.HasProceduralPrimitives && mode == UpdateRebuild)

		d.Flags = 0
		if d.UseCompaction {
			d.Flags |= BuildAllowCompaction
		}
		if d.HasSkinnedMesh {
			d.Flags |= BuildPreferFastBuild
		} else {
			d.Flags |= BuildPreferFastTrace
		}
		if (d.HasDynamicGeometry() || d.HasProceduralPrimitives) && mode == UpdateRefit {
			d.Flags |= BuildAllowUpdate
		}

		info, err := dev.PrebuildInfo(d.inputs())
		if err != nil {
			return fmt.Errorf("blas %d prebuild: %w", i, err)
		}
		if info.ResultMaxSize == 0 {
			return fmt.Errorf("blas %d prebuild reported no result size: %w", i, ErrBuildFailed)
		}
		d.Prebuild = info
		d.ResultByteSize = alignTo(alignment, info.ResultMaxSize)
		scratch := info.ScratchSize
		if info.UpdateScratchSize > scratch {
			scratch = info.UpdateScratchSize
		}
		d.ScratchByteSize = alignTo(alignment, scratch)
	}
	return nil
}

// ComputeGroups packs BLASes in order into groups whose result plus scratch
// size stays under budget. A BLAS larger than the budget gets its own group.
func ComputeGroups(blas []BlasData, budget uint64) []BlasGroup {
	var groups []BlasGroup
	var groupSize uint64
	for i := range blas {
		d := &blas[i]
		size := d.ResultByteSize + d.ScratchByteSize
		if len(groups) == 0 || groupSize == 0 || groupSize+size > budget {
			groups = append(groups, BlasGroup{})
			groupSize = 0
		}
		g := &groups[len(groups)-1]
		d.BlasGroupIndex = len(groups) - 1
		d.ResultByteOffset = g.ResultByteSize
		d.ScratchByteOffset = g.ScratchByteSize
		g.BlasIndices = append(g.BlasIndices, i)
		g.ResultByteSize += d.ResultByteSize
		g.ScratchByteSize += d.ScratchByteSize
		groupSize += size
	}
	return groups
}

// ValidateGroups checks that every BLAS belongs to exactly one group and
// that offsets and sizes add up.
func ValidateGroups(blas []BlasData, groups []BlasGroup) error {
	seen := make([]bool, len(blas))
	for gi, g := range groups {
		if len(g.BlasIndices) == 0 {
			return fmt.Errorf("blas group %d is empty: %w", gi, ErrLayoutMismatch)
		}
		var result, scratch uint64
		for _, bi := range g.BlasIndices {
			if bi < 0 || bi >= len(blas) || seen[bi] {
				return fmt.Errorf("blas %d is not uniquely grouped: %w", bi, ErrLayoutMismatch)
			}
			seen[bi] = true
			d := &blas[bi]
			if d.BlasGroupIndex != gi || d.ResultByteOffset != result || d.ScratchByteOffset != scratch {
				return fmt.Errorf("blas %d has inconsistent offsets in group %d: %w", bi, gi, ErrLayoutMismatch)
			}
			result += d.ResultByteSize
			scratch += d.ScratchByteSize
		}
		if result != g.ResultByteSize || scratch != g.ScratchByteSize {
			return fmt.Errorf("blas group %d sizes do not add up: %w", gi, ErrLayoutMismatch)
		}
	}
	for i, ok := range seen {
		if !ok {
			return fmt.Errorf("blas %d is not grouped: %w", i, ErrLayoutMismatch)
		}
	}
	return nil
}
