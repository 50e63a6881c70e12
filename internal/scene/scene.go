// Package scene is the runtime view of a built scene. It advances
// animations, tracks what changed each frame and keeps the acceleration
// structures current.
package scene

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/rtaccel/internal/accel"
	"github.com/Faultbox/rtaccel/internal/animation"
	"github.com/Faultbox/rtaccel/internal/config"
	"github.com/Faultbox/rtaccel/internal/logger"
	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/internal/packing"
	"github.com/Faultbox/rtaccel/pkg/math"
)

var (
	ErrInvalidGeometryID  = errors.New("scene: geometry id out of range")
	ErrNotCustomPrimitive = errors.New("scene: geometry is not a custom primitive")
	ErrInvalidMaterial    = errors.New("scene: material id out of range")
	ErrCurveNotDynamic    = errors.New("scene: curve is not dynamic")
	ErrCurveShape         = errors.New("scene: curve point count cannot change")
	ErrMeshNotCached      = errors.New("scene: mesh has no vertex cache")
	ErrMeshShape          = errors.New("scene: mesh vertex count cannot change")
)

// Option configures a Scene.
type Option func(*Scene)

// WithMaterials replaces the material collaborator recorded at build time.
func WithMaterials(m model.MaterialInfo) Option {
	return func(s *Scene) { s.materials = m }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scene) { s.log = log }
}

// Scene owns a built scene, its animation controller and its acceleration
// structures. It is not safe for concurrent use.
type Scene struct {
	cfg       config.Config
	log       *zap.Logger
	data      *model.SceneData
	materials model.MaterialInfo

	controller *animation.Controller
	accel      *accel.Builder
	skin       *skinner

	// baked marks mesh instances of static groups, whose node transforms
	// are built into the BLAS.
	baked []bool

	// Changes recorded between updates by custom primitive and curve edits.
	pending UpdateFlags
	updates UpdateFlags
}

// transforms feeds TLAS instance matrices from the controller, falling back
// to the static graph before the first update.
type transforms struct {
	s *Scene
}

func (t transforms) GlobalMatrix(id uint32) math.Mat4 {
	if l := t.s.controller.GlobalMatrices(id); len(l) > 0 {
		return l[0]
	}
	return t.s.data.Graph.WorldTransform(id)
}

func (t transforms) HasAnimations() bool { return t.s.controller.HasAnimations() }

// New creates a scene from builder output. Acceleration structures are
// built lazily by the first RaytracingTLAS call.
func New(data *model.SceneData, dev accel.Device, cfg *config.Config, opts ...Option) (*Scene, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Scene{
		cfg:       *cfg,
		log:       logger.Named("scene"),
		data:      data,
		materials: data.Materials,
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	s.controller, err = animation.NewController(data.Graph, data.Animations, data.HasSkinnedMeshes())
	if err != nil {
		return nil, fmt.Errorf("creating animation controller: %w", err)
	}
	s.controller.SetEnabled(cfg.Animation.Enabled)
	s.controller.SetLooped(cfg.Animation.Loop)

	s.accel, err = accel.NewBuilder(dev, data, cfg.Accel,
		accel.WithTransforms(transforms{s: s}), accel.WithLogger(s.log.Named("accel")))
	if err != nil {
		return nil, fmt.Errorf("creating acceleration builder: %w", err)
	}

	if data.PrevVertexCount > 0 {
		s.skin = newSkinner(data)
	}

	groups := s.MeshBlasIDs()
	s.baked = make([]bool, data.CurveInstanceOffset)
	for i := range s.baked {
		if g := groups[data.Instances[i].GeometryID]; g != model.InvalidID {
			s.baked[i] = data.MeshGroups[g].IsStatic
		}
	}
	return s, nil
}

// Data returns the scene data. Callers must not modify it.
func (s *Scene) Data() *model.SceneData { return s.data }

// Controller returns the animation controller.
func (s *Scene) Controller() *animation.Controller { return s.controller }

// Updates returns the flags of the last Update.
func (s *Scene) Updates() UpdateFlags { return s.updates }

// Update advances animations to currentTime and brings the acceleration
// structures up to date. changedMaterials lists materials edited since the
// last update.
func (s *Scene) Update(ctx context.Context, currentTime float64, changedMaterials []uint32) (UpdateFlags, error) {
	flags := s.pending
	s.pending = UpdateNone

	if s.controller.Animate(currentTime) {
		flags |= UpdateSceneGraphChanged
		if s.controller.HasSkinnedMeshes() && s.skin != nil {
			flags |= UpdateMeshesChanged
			s.skin.skin(s.controller)
		}
		rebake := false
		for i, inst := range s.data.Instances {
			if !s.controller.IsMatrixListChanged(inst.NodeID) {
				continue
			}
			flags |= UpdateGeometryMoved
			if i < len(s.baked) && s.baked[i] {
				rebake = true
				break
			}
		}
		if rebake && s.accel.IsBuilt() {
			s.log.Debug("static instance moved, rebuilding BLAS")
			s.accel.Invalidate()
		}
	}

	if len(changedMaterials) > 0 {
		count := s.materials.MaterialCount()
		for _, id := range changedMaterials {
			if id >= count {
				return flags, fmt.Errorf("material %d of %d: %w", id, count, ErrInvalidMaterial)
			}
		}
		flags |= UpdateMaterialsChanged
	}

	if flags&UpdateGeometryMoved != 0 {
		s.accel.InvalidateTLAS()
		if err := s.updateInstanceFlags(); err != nil {
			return flags, err
		}
	}

	if s.accel.IsBuilt() && flags&(UpdateMeshesChanged|UpdateCurvesMoved|UpdateCustomPrimitivesMoved) != 0 {
		req := accel.UpdateRequest{
			MeshesChanged:   flags&UpdateMeshesChanged != 0,
			ProceduralMoved: flags&(UpdateCurvesMoved|UpdateCustomPrimitivesMoved) != 0,
		}
		if _, err := s.accel.Update(ctx, req); err != nil {
			return flags, fmt.Errorf("updating acceleration structures: %w", err)
		}
	}

	s.updates = flags
	if flags != UpdateNone {
		s.log.Debug("scene updated", zap.Float64("time", currentTime), zap.Stringer("flags", flags))
	}
	return flags, nil
}

// updateInstanceFlags refreshes the winding flags of mesh instances after
// their transforms moved and repacks the affected records.
func (s *Scene) updateInstanceFlags() error {
	t := transforms{s: s}
	end := s.data.CurveInstanceOffset
	for i := uint32(0); i < end; i++ {
		inst := &s.data.Instances[i]
		flipped := t.GlobalMatrix(inst.NodeID).Determinant3x3() < 0
		objectCW := inst.Flags.Has(model.FlagIsObjectFrontFaceCW)
		flags := inst.Flags.Set(model.FlagTransformFlipped, flipped)
		flags = flags.Set(model.FlagIsWorldFrontFaceCW, objectCW != flipped)
		if flags == inst.Flags {
			continue
		}
		inst.Flags = flags
		if int(i) < len(s.data.PackedInstances) {
			w, err := s.data.PackingLayout.Encode(packing.Record{
				TransformID: inst.NodeID,
				MeshID:      inst.GeometryID,
				MaterialID:  inst.MaterialID,
				Flags:       uint32(flags & model.PackedFlagMask),
			})
			if err != nil {
				return fmt.Errorf("repacking instance %d: %w", i, err)
			}
			s.data.PackedInstances[i] = w
		}
	}
	return nil
}

// RaytracingTLAS returns the TLAS for rayTypeCount, building BLASes first
// when they are missing or invalid. Zero uses the configured ray type count.
func (s *Scene) RaytracingTLAS(ctx context.Context, rayTypeCount uint32) (*accel.TLAS, error) {
	if rayTypeCount == 0 {
		rayTypeCount = s.cfg.Accel.RayTypeCount
	}
	return s.accel.TLAS(ctx, rayTypeCount, true)
}

// IsBlasValid reports whether the BLASes are built and current.
func (s *Scene) IsBlasValid() bool { return s.accel.IsBuilt() }

// Stats returns the acceleration structure statistics.
func (s *Scene) Stats() accel.Stats { return s.accel.Stats() }

// SetBlasUpdateMode changes how dynamic BLASes are updated. A change forces
// a rebuild on next use.
func (s *Scene) SetBlasUpdateMode(mode accel.UpdateMode) { s.accel.SetBlasUpdateMode(mode) }

// BlasUpdateMode returns the BLAS update mode.
func (s *Scene) BlasUpdateMode() accel.UpdateMode { return s.accel.BlasUpdateMode() }

// SetTlasUpdateMode changes how the TLAS is updated.
func (s *Scene) SetTlasUpdateMode(mode accel.UpdateMode) { s.accel.SetTlasUpdateMode(mode) }

// TlasUpdateMode returns the TLAS update mode.
func (s *Scene) TlasUpdateMode() accel.UpdateMode { return s.accel.TlasUpdateMode() }

// ToggleAnimations enables or disables animation playback. The next update
// reinitializes every matrix.
func (s *Scene) ToggleAnimations(enabled bool) {
	if enabled != s.controller.IsEnabled() && s.controller.HasAnimations() {
		s.pending |= UpdateGeometryMoved
	}
	s.controller.SetEnabled(enabled)
}

// SetNodeTransform replaces the local transform of a node. It takes effect
// on the next update.
func (s *Scene) SetNodeTransform(id uint32, m math.Mat4) error {
	if !m.IsFinite() {
		return fmt.Errorf("node %d transform is not finite", id)
	}
	return s.controller.SetNodeTransform(id, m)
}

// SkinnedPositions returns this frame's skinned vertex positions indexed like
// SceneData.SkinningVertices.
func (s *Scene) SkinnedPositions() []math.Vec3 {
	if s.skin == nil {
		return nil
	}
	return s.skin.current
}

// PrevPositions returns last frame's positions of dynamic vertices, indexed
// by MeshDesc.PrevVBOffset.
func (s *Scene) PrevPositions() []math.Vec3 {
	if s.skin == nil {
		return nil
	}
	return s.skin.prev
}
