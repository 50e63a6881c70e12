package builder

import (
	"fmt"

	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/internal/packing"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// createMeshInstanceData emits one entry per group instance and mesh. The
// first entry of a group instance is what the TLAS instance id points at.
func (b *Builder) createMeshInstanceData(data *model.SceneData) error {
	data.MeshIDToInstanceIDs = make([][]uint32, len(b.meshes))
	seenDisplaced := false

	for gi, g := range b.groups {
		if g.IsDisplaced && !seenDisplaced {
			seenDisplaced = true
			data.DisplacedInstanceOffset = uint32(len(data.Instances))
		} else if !g.IsDisplaced && seenDisplaced {
			return fmt.Errorf("group %d: displaced groups must come last: %w", gi, ErrInternal)
		}

		first := b.meshes[g.Meshes[0]]
		count := data.GroupInstanceCount(g)
		if !g.IsStatic {
			count = len(first.Instances)
		}
		for i := 0; i < count; i++ {
			for geometryIndex, meshID := range g.Meshes {
				mesh := b.meshes[meshID]
				if i >= len(mesh.Instances) {
					return fmt.Errorf("mesh %q has no instance %d: %w", mesh.Name, i, ErrInternal)
				}
				inst := mesh.Instances[i]
				if !g.IsStatic {
					inst.NodeID = first.Instances[i].NodeID
				}
				b.addMeshInstance(data, meshID, mesh, inst, uint32(geometryIndex))
			}
		}
	}
	if !seenDisplaced {
		data.DisplacedInstanceOffset = uint32(len(data.Instances))
	}
	return checkBufferSize("instance", uint64(len(data.Instances)))
}

func (b *Builder) addMeshInstance(data *model.SceneData, meshID uint32, mesh *model.MeshSpec, inst model.MeshInstance, geometryIndex uint32) {
	desc := data.Meshes[meshID]
	flipped := b.graph.WorldTransform(inst.NodeID).Determinant3x3() < 0

	var flags model.GeometryInstanceFlags
	flags = flags.Set(model.FlagUse16BitIndices, desc.Use16BitIndices())
	flags = flags.Set(model.FlagIsDynamic, mesh.IsDynamic())
	flags = flags.Set(model.FlagTransformFlipped, flipped)
	flags = flags.Set(model.FlagIsObjectFrontFaceCW, mesh.IsFrontFaceCW)
	flags = flags.Set(model.FlagIsWorldFrontFaceCW, mesh.IsFrontFaceCW != flipped)
	flags = shadingFlags(flags, inst.Shading, inst.Visibility)

	material := mesh.MaterialID
	if inst.OverrideMaterial {
		material = inst.MaterialID
	} else {
		flags = flags.Set(model.FlagHasMultipleMaterials, mesh.HasMultipleMaterials())
	}

	typ := model.GeometryTypeTriangleMesh
	if mesh.IsDisplaced {
		typ = model.GeometryTypeDisplacedTriangleMesh
	}

	id := uint32(len(data.Instances))
	data.Instances = append(data.Instances, model.GeometryInstanceData{
		Type:          typ,
		Flags:         flags,
		NodeID:        inst.NodeID,
		MaterialID:    material,
		GeometryID:    meshID,
		VBOffset:      desc.VBOffset,
		IBOffset:      desc.IBOffset,
		MBOffset:      desc.MBOffset,
		InstanceIndex: id,
		GeometryIndex: geometryIndex,
		ExternalID:    inst.ExportedID,
	})
	name := inst.ExportedName
	if name == "" {
		name = mesh.Name
	}
	data.InstanceNames = append(data.InstanceNames, name)
	data.MeshIDToInstanceIDs[meshID] = append(data.MeshIDToInstanceIDs[meshID], id)
}

func shadingFlags(flags model.GeometryInstanceFlags, s model.ShadingFlags, v model.VisibilityFlags) model.GeometryInstanceFlags {
	flags = flags.Set(model.FlagMatteShading, s.Matte)
	flags = flags.Set(model.FlagFixShadowTerminator, s.FixShadowTerminator)
	flags = flags.Set(model.FlagBiasAlongNormal, s.BiasAlongNormal)
	flags = flags.Set(model.FlagDoubleSided, s.DoubleSided)
	flags = flags.Set(model.FlagVisibleToPrimaryRays, v.Primary)
	flags = flags.Set(model.FlagVisibleToShadowRays, v.Shadow)
	flags = flags.Set(model.FlagVisibleToDiffuseRays, v.Diffuse)
	flags = flags.Set(model.FlagReceiveShadows, v.ReceiveShadows)
	flags = flags.Set(model.FlagReceiveSelfShadows, v.ReceiveSelfShadows)
	return flags
}

// createCurveData concatenates curve points and segment boxes and emits
// one instance entry per curve after all mesh entries.
func (b *Builder) createCurveData(data *model.SceneData) error {
	data.CurveInstanceOffset = uint32(len(data.Instances))

	var points, segments uint64
	for _, c := range b.curves {
		points += uint64(len(c.Points))
		segments += uint64(c.SegmentCount())
	}
	if err := checkBufferSize("curve vertex", points); err != nil {
		return err
	}
	if err := checkBufferSize("curve bounds", segments); err != nil {
		return err
	}

	for id, c := range b.curves {
		desc := model.CurveDesc{
			MaterialID:  c.MaterialID,
			VBOffset:    uint32(len(data.CurvePoints)),
			VertexCount: uint32(len(c.Points)),
			AABBOffset:  uint32(len(data.CurveAABBs)),
			AABBCount:   c.SegmentCount(),
			IsDynamic:   c.IsDynamic,
		}
		data.Curves = append(data.Curves, desc)
		data.CurveNames = append(data.CurveNames, c.Name)
		data.CurvePoints = append(data.CurvePoints, c.Points...)
		data.CurveAABBs = append(data.CurveAABBs, model.SegmentAABBs(c.Points)...)

		var flags model.GeometryInstanceFlags
		flags = flags.Set(model.FlagIsDynamic, c.IsDynamic)
		flags = shadingFlags(flags, model.ShadingFlags{}, model.DefaultVisibility())

		entry := uint32(len(data.Instances))
		data.Instances = append(data.Instances, model.GeometryInstanceData{
			Type:          model.GeometryTypeCurve,
			Flags:         flags,
			NodeID:        c.Instances[0],
			MaterialID:    c.MaterialID,
			GeometryID:    uint32(id),
			VBOffset:      desc.VBOffset,
			InstanceIndex: entry,
			GeometryIndex: uint32(id),
			ExternalID:    model.InvalidID,
		})
		data.InstanceNames = append(data.InstanceNames, c.Name)
	}
	return nil
}

func (b *Builder) createCustomPrimitiveData(data *model.SceneData) error {
	data.CustomPrimitives = b.customPrims
	data.CustomPrimitiveAABBs = b.customAABBs
	return nil
}

// packInstances encodes every instance entry into a packed record after
// checking that all id spaces fit the layout.
func (b *Builder) packInstances(data *model.SceneData) error {
	if err := b.layout.Validate(); err != nil {
		return err
	}
	records := make([]packing.Record, len(data.Instances))
	for i, inst := range data.Instances {
		records[i] = packing.Record{
			TransformID: inst.NodeID,
			MeshID:      inst.GeometryID,
			MaterialID:  inst.MaterialID,
			Flags:       uint32(inst.Flags & model.PackedFlagMask),
		}
	}

	geometries := uint64(len(data.Meshes))
	if n := uint64(len(data.Curves)); n > geometries {
		geometries = n
	}
	packed, err := b.layout.PackAll(records,
		uint64(b.graph.Len()), geometries, uint64(data.Materials.MaterialCount()))
	if err != nil {
		return err
	}
	data.PackedInstances = packed
	return nil
}

// computeBounds unions the world-space bounds of every instance and
// procedural primitive.
func (b *Builder) computeBounds(data *model.SceneData) {
	bounds := math.EmptyAABB()
	for _, inst := range data.Instances[:data.CurveInstanceOffset] {
		world := b.graph.WorldTransform(inst.NodeID)
		bounds = bounds.Union(data.MeshBBs[inst.GeometryID].Transform(world))
	}
	for _, bb := range data.CurveAABBs {
		bounds = bounds.Union(bb)
	}
	for _, bb := range data.CustomPrimitiveAABBs {
		bounds = bounds.Union(bb)
	}
	data.Bounds = bounds
}
