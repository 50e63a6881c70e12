package accel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/rtaccel/internal/config"
	"github.com/Faultbox/rtaccel/internal/logger"
	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// ErrNotBuilt is returned when updating before the first build.
var ErrNotBuilt = errors.New("accel: acceleration structures are not built")

// State is the lifecycle state of one BLAS.
type State uint8

const (
	StateUnbuilt State = iota
	StateBuiltCompacted
	StateBuiltUncompacted
	StateRefitting
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateUnbuilt:
		return "unbuilt"
	case StateBuiltCompacted:
		return "compacted"
	case StateBuiltUncompacted:
		return "uncompacted"
	case StateRefitting:
		return "refitting"
	case StateRebuilding:
		return "rebuilding"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// TransformSource supplies instance transforms for the TLAS.
type TransformSource interface {
	GlobalMatrix(nodeID uint32) math.Mat4
	HasAnimations() bool
}

type graphTransforms struct {
	data *model.SceneData
}

func (g graphTransforms) GlobalMatrix(id uint32) math.Mat4 {
	if g.data.Graph == nil {
		return math.Identity()
	}
	return g.data.Graph.WorldTransform(id)
}

func (g graphTransforms) HasAnimations() bool { return len(g.data.Animations) > 0 }

// Option configures a Builder.
type Option func(*Builder)

// WithTransforms sets where instance transforms come from. The default
// reads the static world transforms of the scene graph.
func WithTransforms(t TransformSource) Option {
	return func(b *Builder) { b.transforms = t }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(b *Builder) { b.log = log }
}

// UpdateRequest says what changed since the last build or update.
type UpdateRequest struct {
	MeshesChanged   bool // skinned or vertex-cache positions were rewritten
	ProceduralMoved bool // curve points or custom primitive boxes changed
}

// Builder owns the BLAS and TLAS state of one scene.
type Builder struct {
	dev        Device
	data       *model.SceneData
	cfg        config.AccelConfig
	log        *zap.Logger
	transforms TransformSource

	mu       sync.Mutex
	blasMode UpdateMode
	tlasMode UpdateMode
	plan     *Plan
	scratch  *Buffer

	tlasCache   map[uint32]*TLAS
	tlasScratch *Buffer
}

// NewBuilder validates the device and update modes. Nothing is built until
// Build or TLAS is called.
func NewBuilder(dev Device, data *model.SceneData, cfg config.AccelConfig, opts ...Option) (*Builder, error) {
	if dev == nil || !dev.SupportsRayTracing() {
		return nil, ErrRayTracingUnsupported
	}
	blasMode, err := ParseUpdateMode(cfg.BlasUpdateMode)
	if err != nil {
		return nil, fmt.Errorf("blas update mode: %w", err)
	}
	tlasMode, err := ParseUpdateMode(cfg.TlasUpdateMode)
	if err != nil {
		return nil, fmt.Errorf("tlas update mode: %w", err)
	}
	b := &Builder{
		dev:       dev,
		data:      data,
		cfg:       cfg,
		log:       logger.Named("accel"),
		blasMode:  blasMode,
		tlasMode:  tlasMode,
		tlasCache: make(map[uint32]*TLAS),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.transforms == nil {
		b.transforms = graphTransforms{data: data}
	}
	return b, nil
}

// IsBuilt reports whether every BLAS is built.
func (b *Builder) IsBuilt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plan != nil
}

// Plan returns the current BLAS plan, nil before the first build.
func (b *Builder) Plan() *Plan {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.plan
}

// BlasUpdateMode returns the BLAS update mode.
func (b *Builder) BlasUpdateMode() UpdateMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blasMode
}

// TlasUpdateMode returns the TLAS update mode.
func (b *Builder) TlasUpdateMode() UpdateMode {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tlasMode
}

// SetBlasUpdateMode changes the BLAS update mode. A change invalidates the
// BLASes since their build flags depend on it.
func (b *Builder) SetBlasUpdateMode(mode UpdateMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mode == b.blasMode {
		return
	}
	b.blasMode = mode
	b.invalidateLocked()
}

// SetTlasUpdateMode changes the TLAS update mode and drops cached TLASes.
func (b *Builder) SetTlasUpdateMode(mode UpdateMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mode == b.tlasMode {
		return
	}
	b.tlasMode = mode
	b.tlasCache = make(map[uint32]*TLAS)
}

// Invalidate marks every BLAS unbuilt. The next Build or TLAS call plans and
// builds from scratch.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidateLocked()
}

func (b *Builder) invalidateLocked() {
	b.plan = nil
	b.tlasCache = make(map[uint32]*TLAS)
}

// Build plans every BLAS and builds them group by group. Each group is built
// into a shared result buffer, its final sizes are queried and the BLASes are
// compacted or copied into one final buffer per group.
func (b *Builder) Build(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buildLocked(ctx)
}

func (b *Builder) buildLocked(ctx context.Context) error {
	b.invalidateLocked()

	plan, err := NewPlan(b.dev, b.data, b.blasMode, b.cfg.BlasBuildMemoryBudget, b.cfg.ByteAlignment, b.log)
	if err != nil {
		return err
	}
	if len(plan.Blas) == 0 {
		b.plan = plan
		return nil
	}

	var maxResult, maxScratch uint64
	for _, g := range plan.Groups {
		maxResult = max(maxResult, g.ResultByteSize)
		maxScratch = max(maxScratch, g.ScratchByteSize)
	}
	if b.scratch == nil || b.scratch.Size < maxScratch {
		if b.scratch, err = b.dev.CreateBuffer("blas scratch", maxScratch); err != nil {
			return err
		}
	}
	result, err := b.dev.CreateBuffer("blas result", maxResult)
	if err != nil {
		return err
	}

	for gi := range plan.Groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.buildGroup(plan, gi, result); err != nil {
			return fmt.Errorf("blas group %d: %w", gi, err)
		}
		g := &plan.Groups[gi]
		b.log.Debug("built blas group",
			zap.Int("group", gi), zap.Int("blas", len(g.BlasIndices)),
			zap.Uint64("result_bytes", g.ResultByteSize), zap.Uint64("final_bytes", g.FinalByteSize))
	}

	// Scratch is only needed again for updates.
	keepScratch := false
	for i := range plan.Blas {
		if plan.Blas[i].HasDynamicGeometry() || plan.Blas[i].HasProceduralPrimitives {
			keepScratch = true
		}
	}
	if !keepScratch {
		b.scratch = nil
	}

	b.plan = plan
	b.log.Info("built acceleration structures",
		zap.Int("blas", len(plan.Blas)), zap.Int("groups", len(plan.Groups)),
		zap.String("update_mode", b.blasMode.String()))
	return nil
}

func (b *Builder) buildGroup(plan *Plan, gi int, result *Buffer) error {
	g := &plan.Groups[gi]

	for _, bi := range g.BlasIndices {
		d := &plan.Blas[bi]
		d.State = StateRebuilding
		err := b.dev.BuildAccelerationStructure(BuildDesc{
			Inputs:  d.inputs(),
			Dest:    BufferRange{Buffer: result, Offset: d.ResultByteOffset, Size: d.ResultByteSize},
			Scratch: BufferRange{Buffer: b.scratch, Offset: d.ScratchByteOffset, Size: d.ScratchByteSize},
		})
		if err != nil {
			d.State = StateUnbuilt
			return fmt.Errorf("build blas %d: %w", bi, err)
		}
	}

	g.FinalByteSize = 0
	for _, bi := range g.BlasIndices {
		d := &plan.Blas[bi]
		src := BufferRange{Buffer: result, Offset: d.ResultByteOffset, Size: d.ResultByteSize}
		size, err := b.dev.QueryPostBuildSize(src, d.UseCompaction)
		if err != nil {
			return fmt.Errorf("blas %d size query: %w", bi, err)
		}
		if size == 0 && !d.UseCompaction {
			size = d.Prebuild.ResultMaxSize
		}
		if size == 0 {
			return fmt.Errorf("blas %d reported zero size: %w", bi, ErrBuildFailed)
		}
		d.BlasByteSize = alignTo(b.cfg.ByteAlignment, size)
		d.BlasByteOffset = g.FinalByteSize
		g.FinalByteSize += d.BlasByteSize
	}

	final, err := b.dev.CreateBuffer(fmt.Sprintf("blas group %d", gi), g.FinalByteSize)
	if err != nil {
		return err
	}
	g.Final = final

	for _, bi := range g.BlasIndices {
		d := &plan.Blas[bi]
		src := BufferRange{Buffer: result, Offset: d.ResultByteOffset, Size: d.ResultByteSize}
		if err := b.dev.CopyAccelerationStructure(b.blasRange(plan, bi), src, d.UseCompaction); err != nil {
			return fmt.Errorf("blas %d copy: %w", bi, err)
		}
		if d.UseCompaction {
			d.State = StateBuiltCompacted
		} else {
			d.State = StateBuiltUncompacted
		}
	}
	return nil
}

func (b *Builder) blasRange(plan *Plan, bi int) BufferRange {
	d := &plan.Blas[bi]
	return BufferRange{
		Buffer: plan.Groups[d.BlasGroupIndex].Final,
		Offset: d.BlasByteOffset,
		Size:   d.BlasByteSize,
	}
}

// Update refits or rebuilds in place every BLAS whose contents changed.
// Procedural BLASes follow ProceduralMoved and triangle BLASes with dynamic
// meshes follow MeshesChanged. It returns the number of BLASes updated.
func (b *Builder) Update(ctx context.Context, req UpdateRequest) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.plan == nil {
		return 0, ErrNotBuilt
	}
	plan := b.plan
	updated, rebuilt := 0, false
	for i := range plan.Blas {
		d := &plan.Blas[i]
		var needs bool
		if d.HasProceduralPrimitives {
			needs = req.ProceduralMoved
		} else {
			needs = d.HasDynamicMesh && req.MeshesChanged
		}
		if !needs {
			continue
		}
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if err := b.updateBlas(plan, i); err != nil {
			return updated, fmt.Errorf("update blas %d: %w", i, err)
		}
		updated++
		rebuilt = rebuilt || d.UpdateMode != UpdateRefit
	}
	if updated > 0 {
		// Refit BLASes keep cached TLASes refittable. A rebuilt BLAS forces
		// a full TLAS build.
		for _, t := range b.tlasCache {
			t.valid = false
			t.needsRebuild = t.needsRebuild || rebuilt
		}
	}
	return updated, nil
}

func (b *Builder) updateBlas(plan *Plan, bi int) error {
	d := &plan.Blas[bi]
	if b.scratch == nil || b.scratch.Size < d.ScratchByteSize {
		return fmt.Errorf("no scratch space for update: %w", ErrLayoutMismatch)
	}
	dest := b.blasRange(plan, bi)
	desc := BuildDesc{
		Inputs:  d.inputs(),
		Dest:    dest,
		Scratch: BufferRange{Buffer: b.scratch, Size: d.ScratchByteSize},
	}

	settled := d.State
	if d.UpdateMode == UpdateRefit {
		desc.Inputs.Flags |= BuildPerformUpdate
		desc.Source = &dest
		d.State = StateRefitting
	} else {
		if d.BlasByteSize < d.ResultByteSize {
			return fmt.Errorf("in-place rebuild needs %d bytes, blas has %d: %w",
				d.ResultByteSize, d.BlasByteSize, ErrLayoutMismatch)
		}
		d.State = StateRebuilding
	}
	if err := b.dev.BuildAccelerationStructure(desc); err != nil {
		d.State = StateUnbuilt
		b.invalidateLocked()
		return err
	}
	d.State = settled
	return nil
}

// BlasStats describes one BLAS.
type BlasStats struct {
	Index           int
	Kind            BlasKind
	Geometries      int
	Primitives      uint64
	State           State
	Flags           BuildFlags
	Group           int
	ResultByteSize  uint64
	ScratchByteSize uint64
	BlasByteSize    uint64
}

// GroupStats describes one BLAS group.
type GroupStats struct {
	Index           int
	BlasCount       int
	ResultByteSize  uint64
	ScratchByteSize uint64
	FinalByteSize   uint64
}

// Stats summarizes the acceleration structures.
type Stats struct {
	Blas        []BlasStats
	Groups      []GroupStats
	Compacted   int
	Uncompacted int
	FinalBytes  uint64
	TlasCached  int
	UpdateMode  UpdateMode
}

// Stats returns a snapshot of the BLAS plan and TLAS cache.
func (b *Builder) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{TlasCached: len(b.tlasCache), UpdateMode: b.blasMode}
	if b.plan == nil {
		return s
	}
	for i := range b.plan.Blas {
		d := &b.plan.Blas[i]
		s.Blas = append(s.Blas, BlasStats{
			Index:           i,
			Kind:            d.Kind,
			Geometries:      len(d.Geometries),
			Primitives:      d.PrimitiveCount(),
			State:           d.State,
			Flags:           d.Flags,
			Group:           d.BlasGroupIndex,
			ResultByteSize:  d.ResultByteSize,
			ScratchByteSize: d.ScratchByteSize,
			BlasByteSize:    d.BlasByteSize,
		})
		switch d.State {
		case StateBuiltCompacted:
			s.Compacted++
		case StateBuiltUncompacted:
			s.Uncompacted++
		}
	}
	for i, g := range b.plan.Groups {
		s.Groups = append(s.Groups, GroupStats{
			Index:           i,
			BlasCount:       len(g.BlasIndices),
			ResultByteSize:  g.ResultByteSize,
			ScratchByteSize: g.ScratchByteSize,
			FinalByteSize:   g.FinalByteSize,
		})
		s.FinalBytes += g.FinalByteSize
	}
	return s
}
