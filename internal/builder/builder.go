// Package builder collects meshes, curves, custom primitives, nodes and
// animations and turns them into the immutable SceneData consumed by the
// acceleration structure code.
package builder

import (
	"context"
	"errors"
	"fmt"
	stdmath "math"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/rtaccel/internal/animation"
	"github.com/Faultbox/rtaccel/internal/config"
	"github.com/Faultbox/rtaccel/internal/logger"
	"github.com/Faultbox/rtaccel/internal/meshproc"
	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/internal/packing"
	"github.com/Faultbox/rtaccel/internal/scenegraph"
	"github.com/Faultbox/rtaccel/pkg/math"
)

var (
	ErrAlreadyBuilt     = errors.New("builder: scene already built")
	ErrMeshOutOfRange   = errors.New("builder: mesh id out of range")
	ErrCurveOutOfRange  = errors.New("builder: curve id out of range")
	ErrInvalidMaterial  = errors.New("builder: material id out of range")
	ErrInvalidCurve     = errors.New("builder: invalid curve")
	ErrInvalidPrimitive = errors.New("builder: invalid custom primitive")
	ErrInvalidInstance  = errors.New("builder: invalid instance")
	ErrUnsupportedSplit = errors.New("builder: mesh cannot be split")
	ErrBufferTooLarge   = errors.New("builder: global buffer exceeds 32-bit addressing")
	ErrInternal         = errors.New("builder: internal consistency error")
)

// maxBufferElements bounds every global buffer so offsets fit in 32 bits.
var maxBufferElements uint64 = stdmath.MaxUint32

// Option configures a Builder.
type Option func(*Builder)

// WithMaterials makes the builder read material state from info instead of
// its own table. AddMaterial is rejected afterwards.
func WithMaterials(info model.MaterialInfo) Option {
	return func(b *Builder) { b.external = info }
}

// WithPackingLayout overrides the packed instance record layout.
func WithPackingLayout(l packing.Layout) Option {
	return func(b *Builder) { b.layout = l }
}

// WithLogger replaces the component logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// Builder accumulates scene content. Mesh processing may run on several
// goroutines; everything else expects a single caller.
type Builder struct {
	cfg    config.BuildConfig
	layout packing.Layout
	log    *zap.Logger

	materials model.MaterialTable
	external  model.MaterialInfo

	graph      *scenegraph.Graph
	animations []*animation.Animation

	mu     sync.Mutex
	meshes []*model.MeshSpec
	groups []model.MeshGroup

	curves      []*model.CurveSpec
	customPrims []model.CustomPrimitiveDesc
	customAABBs []math.AABB

	identityNode uint32
	built        bool
}

// New returns an empty builder.
func New(cfg config.BuildConfig, opts ...Option) *Builder {
	b := &Builder{
		cfg:          cfg,
		layout:       packing.DefaultLayout,
		log:          logger.Named("builder"),
		graph:        scenegraph.New(),
		identityNode: scenegraph.InvalidNode,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Graph exposes the scene graph being built.
func (b *Builder) Graph() *scenegraph.Graph { return b.graph }

// MeshCount returns the number of meshes added so far.
func (b *Builder) MeshCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.meshes)
}

func (b *Builder) materialInfo() model.MaterialInfo {
	if b.external != nil {
		return b.external
	}
	return b.materials
}

// AddMaterial appends a material and returns its id.
func (b *Builder) AddMaterial(m model.Material) (uint32, error) {
	if b.built {
		return model.InvalidID, ErrAlreadyBuilt
	}
	if b.external != nil {
		return model.InvalidID, fmt.Errorf("material %q: materials are provided externally", m.Name)
	}
	b.materials = append(b.materials, m)
	return uint32(len(b.materials) - 1), nil
}

func (b *Builder) processOptions() meshproc.Options {
	return meshproc.Options{
		MergeDuplicateVertices: b.cfg.MergeDuplicateVertices,
		Force32BitIndices:      b.cfg.Force32BitIndices,
		NonIndexedVertices:     b.cfg.NonIndexedVertices,
		MaterialCount:          b.materialInfo().MaterialCount(),
	}
}

// AddMesh processes m and adds it. The returned id is valid until Build
// renumbers meshes.
func (b *Builder) AddMesh(m meshproc.Mesh) (uint32, error) {
	spec, err := meshproc.Process(m, b.processOptions())
	if err != nil {
		return model.InvalidID, err
	}
	return b.AddProcessedMesh(spec)
}

// AddMeshes processes meshes on a worker pool and adds them in input order.
func (b *Builder) AddMeshes(ctx context.Context, meshes []meshproc.Mesh) ([]uint32, error) {
	specs, err := meshproc.ProcessAll(ctx, meshes, b.processOptions(), b.cfg.Workers)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, len(specs))
	for i, spec := range specs {
		if ids[i], err = b.AddProcessedMesh(spec); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// AddProcessedMesh adds an already processed mesh. It is safe for
// concurrent use.
func (b *Builder) AddProcessedMesh(spec *model.MeshSpec) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return model.InvalidID, ErrAlreadyBuilt
	}
	if uint64(len(b.meshes)) >= stdmath.MaxUint32 {
		return model.InvalidID, fmt.Errorf("mesh %q: %w: too many meshes", spec.Name, ErrMeshOutOfRange)
	}
	if n := b.materialInfo().MaterialCount(); n > 0 && spec.MaterialID >= n {
		return model.InvalidID, fmt.Errorf("mesh %q material %d: %w", spec.Name, spec.MaterialID, ErrInvalidMaterial)
	}
	b.meshes = append(b.meshes, spec)
	return uint32(len(b.meshes) - 1), nil
}

// AddNode adds a scene graph node.
func (b *Builder) AddNode(n scenegraph.Node) (uint32, error) {
	if b.built {
		return scenegraph.InvalidNode, ErrAlreadyBuilt
	}
	return b.graph.AddNode(n)
}

// AddMeshInstance places mesh at inst.NodeID.
func (b *Builder) AddMeshInstance(meshID uint32, inst model.MeshInstance) error {
	if b.built {
		return ErrAlreadyBuilt
	}
	if b.graph.Node(inst.NodeID) == nil {
		return fmt.Errorf("mesh %d instance: node %d: %w", meshID, inst.NodeID, scenegraph.ErrNodeOutOfRange)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if meshID >= uint32(len(b.meshes)) {
		return fmt.Errorf("mesh %d: %w", meshID, ErrMeshOutOfRange)
	}
	if inst.OverrideMaterial {
		if n := b.materialInfo().MaterialCount(); n > 0 && inst.MaterialID >= n {
			return fmt.Errorf("mesh %d instance material %d: %w", meshID, inst.MaterialID, ErrInvalidMaterial)
		}
	}
	mesh := b.meshes[meshID]
	mesh.Instances = append(mesh.Instances, inst)
	b.graph.AttachMesh(inst.NodeID, meshID)
	return nil
}

// AddCurve adds a linear curve strip.
func (b *Builder) AddCurve(c model.CurveSpec) (uint32, error) {
	if b.built {
		return model.InvalidID, ErrAlreadyBuilt
	}
	if len(c.Points) < 2 {
		return model.InvalidID, fmt.Errorf("curve %q: %w: needs at least two points", c.Name, ErrInvalidCurve)
	}
	for i, p := range c.Points {
		if !math.V3(p.Position).IsFinite() || !math.IsFinite(p.Radius) || p.Radius < 0 {
			return model.InvalidID, fmt.Errorf("curve %q point %d: %w: inf/nan or negative radius", c.Name, i, ErrInvalidCurve)
		}
	}
	if n := b.materialInfo().MaterialCount(); n > 0 && c.MaterialID >= n {
		return model.InvalidID, fmt.Errorf("curve %q material %d: %w", c.Name, c.MaterialID, ErrInvalidMaterial)
	}
	c.Points = append([]model.CurvePoint(nil), c.Points...)
	c.Instances = nil
	b.curves = append(b.curves, &c)
	return uint32(len(b.curves) - 1), nil
}

// AddCurveInstance places curve at node.
func (b *Builder) AddCurveInstance(curveID, nodeID uint32) error {
	if b.built {
		return ErrAlreadyBuilt
	}
	if curveID >= uint32(len(b.curves)) {
		return fmt.Errorf("curve %d: %w", curveID, ErrCurveOutOfRange)
	}
	node := b.graph.Node(nodeID)
	if node == nil {
		return fmt.Errorf("curve %d instance: node %d: %w", curveID, nodeID, scenegraph.ErrNodeOutOfRange)
	}
	b.curves[curveID].Instances = append(b.curves[curveID].Instances, nodeID)
	node.Curves = append(node.Curves, curveID)
	return nil
}

// AddCustomPrimitive adds a user-defined procedural primitive.
func (b *Builder) AddCustomPrimitive(userID uint32, aabb math.AABB) (uint32, error) {
	if b.built {
		return model.InvalidID, ErrAlreadyBuilt
	}
	if !aabb.Valid() || !aabb.Min.IsFinite() || !aabb.Max.IsFinite() {
		return model.InvalidID, fmt.Errorf("custom primitive %d: %w: invalid bounding box", userID, ErrInvalidPrimitive)
	}
	b.customPrims = append(b.customPrims, model.CustomPrimitiveDesc{
		UserID:     userID,
		AABBOffset: uint32(len(b.customAABBs)),
	})
	b.customAABBs = append(b.customAABBs, aabb)
	return uint32(len(b.customPrims) - 1), nil
}

// AddAnimation registers a node animation.
func (b *Builder) AddAnimation(a *animation.Animation) error {
	if b.built {
		return ErrAlreadyBuilt
	}
	node := b.graph.Node(a.NodeID)
	if node == nil {
		return fmt.Errorf("animation %q node %d: %w", a.Name, a.NodeID, scenegraph.ErrNodeOutOfRange)
	}
	node.HasAnimation = true
	b.animations = append(b.animations, a)
	return nil
}

// Build runs every pass and returns the finished scene. The builder cannot
// be used afterwards.
func (b *Builder) Build(ctx context.Context) (*model.SceneData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return nil, ErrAlreadyBuilt
	}
	b.built = true

	if len(b.meshes) == 0 && len(b.curves) == 0 && len(b.customPrims) == 0 {
		b.log.Warn("scene contains no geometry")
	}

	passes := []struct {
		name string
		run  func() error
	}{
		{"prepare scene graph", b.prepareSceneGraph},
		{"remove unused meshes", b.removeUnusedMeshes},
		{"flatten static mesh instances", b.flattenStaticMeshInstances},
		{"pretransform static meshes", b.pretransformStaticMeshes},
		{"prepare curves", b.prepareCurves},
		{"unify triangle winding", b.unifyTriangleWinding},
		{"optimize scene graph", b.optimizeSceneGraph},
		{"calculate bounding boxes", b.calculateMeshBoundingBoxes},
		{"create mesh groups", b.createMeshGroups},
		{"split mesh groups", b.splitMeshGroups},
		{"sort meshes", b.sortMeshes},
	}
	for _, p := range passes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.run(); err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
	}

	data := &model.SceneData{
		Graph:                b.graph,
		Animations:           b.animations,
		Materials:            b.materialInfo(),
		MeshGroups:           b.groups,
		DisplacedAABBOffsets: make(map[uint32]uint32),
		PackingLayout:        b.layout,
		Bounds:               math.EmptyAABB(),
	}

	fill := []struct {
		name string
		run  func(*model.SceneData) error
	}{
		{"create global buffers", b.createGlobalBuffers},
		{"create mesh data", b.createMeshData},
		{"create displaced bounds", b.createDisplacedAABBs},
		{"create mesh instance data", b.createMeshInstanceData},
		{"create curve data", b.createCurveData},
		{"create custom primitive data", b.createCustomPrimitiveData},
		{"pack instances", b.packInstances},
	}
	for _, p := range fill {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.run(data); err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
	}
	b.computeBounds(data)

	b.log.Info("scene built",
		zap.Int("nodes", b.graph.Len()),
		zap.Int("meshes", len(data.Meshes)),
		zap.Int("groups", len(data.MeshGroups)),
		zap.Int("instances", len(data.Instances)),
		zap.Int("curves", len(data.Curves)),
		zap.Int("custom_primitives", len(data.CustomPrimitives)))
	return data, nil
}
