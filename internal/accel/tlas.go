package accel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// Instance mask bits tested by ray types.
const (
	MaskPrimaryRays uint8 = 1 << 0
	MaskShadowRays  uint8 = 1 << 1
)

// InstanceFlags are per-instance TLAS flags.
type InstanceFlags uint8

const (
	InstanceTriangleFrontCounterClockwise InstanceFlags = 1 << iota
)

// InstanceDesc is one TLAS instance. InstanceID is the index of the first
// instance entry of the group instance, so InstanceID plus the geometry
// index of a hit addresses its entry.
type InstanceDesc struct {
	Transform      math.Mat4
	InstanceID     uint32
	Mask           uint8
	HitGroupOffset uint32
	Flags          InstanceFlags
	BlasIndex      int
	Blas           BufferRange
}

// TLAS is a cached top-level structure for one ray type count.
type TLAS struct {
	RayTypeCount    uint32
	PerMeshHitEntry bool
	Buffer          BufferRange
	Instances       []InstanceDesc
	Flags           BuildFlags
	Builds          int
	Refits          int

	valid        bool
	needsRebuild bool
}

// InvalidateTLAS marks cached TLASes stale. Their buffers are kept and the
// next request refits when the update mode allows it and no BLAS was rebuilt.
func (b *Builder) InvalidateTLAS() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tlasCache {
		t.valid = false
	}
}

// TLAS returns the TLAS for rayTypeCount, building the BLASes first when
// they are not built. A valid cached TLAS is returned as is.
func (b *Builder) TLAS(ctx context.Context, rayTypeCount uint32, perMeshHitEntry bool) (*TLAS, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rayTypeCount == 0 {
		rayTypeCount = 1
	}
	if b.plan == nil {
		if err := b.buildLocked(ctx); err != nil {
			return nil, err
		}
	}
	t := b.tlasCache[rayTypeCount]
	if t != nil && t.valid && t.PerMeshHitEntry == perMeshHitEntry {
		return t, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	descs, err := b.fillInstanceDescs(rayTypeCount, perMeshHitEntry)
	if err != nil {
		return nil, err
	}

	flags := BuildPreferFastTrace
	if b.transforms.HasAnimations() && b.tlasMode == UpdateRefit {
		flags |= BuildAllowUpdate
	}
	inputs := BuildInputs{Kind: KindTopLevel, Flags: flags, InstanceCount: uint32(len(descs))}

	refit := t != nil && t.Builds > 0 && !t.needsRebuild && t.Flags&BuildAllowUpdate != 0 && flags == t.Flags &&
		len(t.Instances) == len(descs) && t.PerMeshHitEntry == perMeshHitEntry
	if refit {
		inputs.Flags |= BuildPerformUpdate
	}

	info, err := b.dev.PrebuildInfo(inputs)
	if err != nil {
		return nil, fmt.Errorf("tlas prebuild: %w", err)
	}
	scratchSize := alignTo(b.cfg.ByteAlignment, max(info.ScratchSize, info.UpdateScratchSize))
	if b.tlasScratch == nil || b.tlasScratch.Size < scratchSize {
		if b.tlasScratch, err = b.dev.CreateBuffer("tlas scratch", scratchSize); err != nil {
			return nil, err
		}
	}

	if t == nil {
		t = &TLAS{RayTypeCount: rayTypeCount}
		b.tlasCache[rayTypeCount] = t
	}
	if !refit {
		size := alignTo(b.cfg.ByteAlignment, info.ResultMaxSize)
		if t.Buffer.Buffer == nil || t.Buffer.Buffer.Size < size {
			buf, err := b.dev.CreateBuffer(fmt.Sprintf("tlas %d", rayTypeCount), size)
			if err != nil {
				return nil, err
			}
			t.Buffer = BufferRange{Buffer: buf, Size: size}
		}
		t.Buffer.Size = t.Buffer.Buffer.Size
	}

	desc := BuildDesc{
		Inputs:    inputs,
		Dest:      t.Buffer,
		Scratch:   BufferRange{Buffer: b.tlasScratch, Size: b.tlasScratch.Size},
		Instances: descs,
	}
	if refit {
		desc.Source = &t.Buffer
	}
	if err := b.dev.BuildAccelerationStructure(desc); err != nil {
		t.valid = false
		t.Builds = 0
		return nil, fmt.Errorf("tlas build: %w", err)
	}

	t.Instances = descs
	t.Flags = flags
	t.PerMeshHitEntry = perMeshHitEntry
	t.valid = true
	t.needsRebuild = false
	if refit {
		t.Refits++
	} else {
		t.Builds++
	}
	b.log.Debug("built tlas",
		zap.Uint32("ray_types", rayTypeCount), zap.Int("instances", len(descs)), zap.Bool("refit", refit))
	return t, nil
}

func instanceMask(flags model.GeometryInstanceFlags) uint8 {
	mask := uint8(0xFF)
	if !flags.Has(model.FlagVisibleToPrimaryRays) {
		mask &^= MaskPrimaryRays
	}
	if !flags.Has(model.FlagVisibleToShadowRays) {
		mask &^= MaskShadowRays
	}
	return mask
}

// fillInstanceDescs emits one instance per mesh group instance, then one
// for all curves and one for all custom primitives. Each mesh group
// instance is checked against the instance entry layout.
func (b *Builder) fillInstanceDescs(rayTypeCount uint32, perMeshHitEntry bool) ([]InstanceDesc, error) {
	data, plan := b.data, b.plan
	var descs []InstanceDesc
	var instanceID, hitOffset uint32

	hitGroupOffset := func() uint32 {
		if perMeshHitEntry {
			return hitOffset
		}
		return 0
	}

	for gi, g := range data.MeshGroups {
		if len(g.Meshes) == 0 {
			return nil, fmt.Errorf("mesh group %d is empty: %w", gi, ErrInstanceOrder)
		}
		var flags InstanceFlags
		if data.Meshes[g.Meshes[0]].IsFrontFaceCW() {
			flags |= InstanceTriangleFrontCounterClockwise
		}
		offset := hitGroupOffset()
		hitOffset += rayTypeCount * uint32(len(g.Meshes))

		count := data.GroupInstanceCount(g)
		for i := 0; i < count; i++ {
			if err := checkGroupInstance(data, g, i, instanceID); err != nil {
				return nil, fmt.Errorf("mesh group %d instance %d: %w", gi, i, err)
			}
			entry := data.Instances[instanceID]
			transform := math.Identity()
			if !g.IsStatic {
				transform = b.transforms.GlobalMatrix(entry.NodeID)
			}
			descs = append(descs, InstanceDesc{
				Transform:      transform,
				InstanceID:     instanceID,
				Mask:           instanceMask(entry.Flags),
				HitGroupOffset: offset,
				Flags:          flags,
				BlasIndex:      gi,
				Blas:           b.blasRange(plan, gi),
			})
			instanceID += uint32(len(g.Meshes))
		}
	}

	bi := len(data.MeshGroups)
	if n := data.CurveCount(); n > 0 {
		if instanceID != data.CurveInstanceOffset {
			return nil, fmt.Errorf("curve instances start at %d, expected %d: %w",
				data.CurveInstanceOffset, instanceID, ErrInstanceOrder)
		}
		entry := data.Instances[instanceID]
		descs = append(descs, InstanceDesc{
			Transform:      b.transforms.GlobalMatrix(entry.NodeID),
			InstanceID:     instanceID,
			Mask:           instanceMask(entry.Flags),
			HitGroupOffset: hitGroupOffset(),
			BlasIndex:      bi,
			Blas:           b.blasRange(plan, bi),
		})
		instanceID += n
		hitOffset += rayTypeCount * n
		bi++
	}

	if n := data.CustomPrimitiveCount(); n > 0 {
		descs = append(descs, InstanceDesc{
			Transform:      math.Identity(),
			InstanceID:     instanceID,
			Mask:           0xFF,
			HitGroupOffset: hitGroupOffset(),
			BlasIndex:      bi,
			Blas:           b.blasRange(plan, bi),
		})
		bi++
	}

	if bi != len(plan.Blas) {
		return nil, fmt.Errorf("%d TLAS instance BLASes for %d planned: %w", bi, len(plan.Blas), ErrInstanceOrder)
	}
	return descs, nil
}

// checkGroupInstance verifies that the entries of group instance i start at
// instanceID and hold the group's meshes in order on one node.
func checkGroupInstance(data *model.SceneData, g model.MeshGroup, i int, instanceID uint32) error {
	end := instanceID + uint32(len(g.Meshes))
	if end > uint32(len(data.Instances)) {
		return fmt.Errorf("entries %d..%d past %d: %w", instanceID, end, len(data.Instances), ErrInstanceOrder)
	}
	node := data.Instances[instanceID].NodeID
	for k, meshID := range g.Meshes {
		id := instanceID + uint32(k)
		inst := data.Instances[id]
		ids := data.MeshInstances(meshID)
		switch {
		case inst.GeometryID != meshID || inst.GeometryIndex != uint32(k) || inst.InstanceIndex != id:
			return fmt.Errorf("entry %d does not hold mesh %d at geometry %d: %w", id, meshID, k, ErrInstanceOrder)
		case i >= len(ids) || ids[i] != id:
			return fmt.Errorf("mesh %d instance %d is not entry %d: %w", meshID, i, id, ErrInstanceOrder)
		case !g.IsStatic && inst.NodeID != node:
			return fmt.Errorf("entry %d is on node %d, group instance on %d: %w", id, inst.NodeID, node, ErrInstanceOrder)
		}
	}
	return nil
}
