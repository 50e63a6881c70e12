package builder

import (
	"fmt"

	"github.com/jinzhu/copier"
	"go.uber.org/zap"

	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/internal/scenegraph"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// prepareSceneGraph pins nodes that skinned meshes read their skeleton
// from so graph optimization cannot move them.
func (b *Builder) prepareSceneGraph() error {
	for _, mesh := range b.meshes {
		if mesh.SkeletonNodeID == model.InvalidID {
			continue
		}
		node := b.graph.Node(mesh.SkeletonNodeID)
		if node == nil {
			return fmt.Errorf("mesh %q skeleton node %d: %w", mesh.Name, mesh.SkeletonNodeID, scenegraph.ErrNodeOutOfRange)
		}
		node.DontOptimize = true
	}
	return nil
}

// removeUnusedMeshes drops meshes without instances and renumbers the rest.
func (b *Builder) removeUnusedMeshes() error {
	remap := make([]uint32, len(b.meshes))
	kept := make([]*model.MeshSpec, 0, len(b.meshes))
	for id, mesh := range b.meshes {
		if len(mesh.Instances) == 0 {
			b.log.Warn("mesh has no instances, removing it", zap.String("mesh", mesh.Name))
			remap[id] = scenegraph.InvalidNode
			continue
		}
		remap[id] = uint32(len(kept))
		kept = append(kept, mesh)
	}
	if removed := len(b.meshes) - len(kept); removed > 0 {
		b.meshes = kept
		b.graph.RemapMeshes(remap)
		b.log.Info("removed unused meshes", zap.Int("removed", removed))
	}
	return nil
}

// flattenStaticMeshInstances gives every static instance of a multiply
// instanced mesh its own copy of the mesh so it can be pre-transformed.
func (b *Builder) flattenStaticMeshInstances() error {
	if !b.cfg.FlattenStaticMeshInstances {
		return nil
	}

	flattened := 0
	count := len(b.meshes)
	for id := 0; id < count; id++ {
		mesh := b.meshes[id]
		if len(mesh.Instances) <= 1 || mesh.IsDynamic() {
			continue
		}

		var static, animated []model.MeshInstance
		for _, inst := range mesh.Instances {
			if b.graph.IsAnimated(inst.NodeID) {
				animated = append(animated, inst)
			} else {
				static = append(static, inst)
			}
		}
		if len(static) == 0 {
			continue
		}
		// The original mesh keeps one static instance when nothing else uses it.
		if len(animated) == 0 {
			animated, static = static[:1], static[1:]
		}
		mesh.Instances = animated

		for i, inst := range static {
			var dup model.MeshSpec
			if err := copier.CopyWithOption(&dup, mesh, copier.Option{DeepCopy: true}); err != nil {
				return fmt.Errorf("copying mesh %q: %w", mesh.Name, err)
			}
			dup.Name = fmt.Sprintf("%s[%d]", mesh.Name, i+1)
			dup.Instances = []model.MeshInstance{inst}

			dupID := uint32(len(b.meshes))
			b.meshes = append(b.meshes, &dup)
			b.graph.DetachMesh(inst.NodeID, uint32(id))
			b.graph.AttachMesh(inst.NodeID, dupID)
			flattened++
		}
	}
	if flattened > 0 {
		b.log.Info("flattened static mesh instances", zap.Int("instances", flattened))
	}
	return nil
}

// ensureIdentityNode returns the root node that holds world-space geometry.
func (b *Builder) ensureIdentityNode() (uint32, error) {
	if b.identityNode != scenegraph.InvalidNode {
		return b.identityNode, nil
	}
	n := scenegraph.NewNode("__identity", scenegraph.InvalidNode, math.Identity())
	n.DontOptimize = true
	id, err := b.graph.AddNode(n)
	if err != nil {
		return scenegraph.InvalidNode, err
	}
	b.identityNode = id
	return id, nil
}

// pretransformStaticMeshes bakes the world transform of every mesh with a
// single static instance into its vertices and moves it to the identity
// node. Those meshes are marked IsStatic.
func (b *Builder) pretransformStaticMeshes() error {
	if !b.cfg.PretransformStaticMeshes {
		return nil
	}

	pretransformed := 0
	for id, mesh := range b.meshes {
		if len(mesh.Instances) != 1 || mesh.IsDynamic() {
			continue
		}
		inst := &mesh.Instances[0]
		if b.graph.IsAnimated(inst.NodeID) {
			continue
		}

		identity, err := b.ensureIdentityNode()
		if err != nil {
			return err
		}
		world := b.graph.WorldTransform(inst.NodeID)
		if world.Determinant3x3() < 0 {
			mesh.IsFrontFaceCW = !mesh.IsFrontFaceCW
		}
		if !world.IsIdentity() {
			transformVertices(mesh, world)
		}

		mesh.IsStatic = true
		b.graph.DetachMesh(inst.NodeID, uint32(id))
		b.graph.AttachMesh(identity, uint32(id))
		inst.NodeID = identity
		pretransformed++
	}
	if pretransformed > 0 {
		b.log.Info("pre-transformed static meshes", zap.Int("meshes", pretransformed))
	}
	return nil
}

func transformVertices(mesh *model.MeshSpec, world math.Mat4) {
	normalMatrix := world.InverseTranspose()
	for i := range mesh.StaticData {
		v := &mesh.StaticData[i]
		v.Position = world.TransformPoint(v.Position)
		v.Normal = math.V3(normalMatrix.TransformDirection(v.Normal)).Normalize().Array()
		t := math.V3(world.TransformDirection([3]float32{v.Tangent[0], v.Tangent[1], v.Tangent[2]})).Normalize()
		v.Tangent = [4]float32{t.X, t.Y, t.Z, v.Tangent[3]}
	}
}

// prepareCurves bakes curve points into world space. Curves without an
// instance are dropped; instanced curves and curves under animated nodes
// are rejected.
func (b *Builder) prepareCurves() error {
	if len(b.curves) == 0 {
		return nil
	}

	kept := make([]*model.CurveSpec, 0, len(b.curves))
	for _, c := range b.curves {
		switch len(c.Instances) {
		case 0:
			b.log.Warn("curve has no instances, removing it", zap.String("curve", c.Name))
			continue
		case 1:
		default:
			return fmt.Errorf("curve %q has %d instances: %w: instanced curves are not supported",
				c.Name, len(c.Instances), ErrInvalidInstance)
		}
		node := c.Instances[0]
		if b.graph.IsAnimated(node) {
			return fmt.Errorf("curve %q: %w: curves cannot be attached to animated nodes", c.Name, ErrInvalidInstance)
		}
		if world := b.graph.WorldTransform(node); !world.IsIdentity() {
			for i := range c.Points {
				c.Points[i].Position = world.TransformPoint(c.Points[i].Position)
			}
		}
		kept = append(kept, c)
	}
	b.curves = kept

	for i := range b.graph.Nodes() {
		b.graph.Node(uint32(i)).Curves = nil
	}
	if len(b.curves) == 0 {
		return nil
	}
	identity, err := b.ensureIdentityNode()
	if err != nil {
		return err
	}
	node := b.graph.Node(identity)
	for id, c := range b.curves {
		c.Instances[0] = identity
		node.Curves = append(node.Curves, uint32(id))
	}
	return nil
}

// unifyTriangleWinding makes every mesh counter-clockwise by swapping the
// first two corners of each triangle.
func (b *Builder) unifyTriangleWinding() error {
	flipped := 0
	for _, mesh := range b.meshes {
		if !mesh.IsFrontFaceCW {
			continue
		}
		if mesh.IndexCount > 0 {
			indices := mesh.IndexList()
			for t := 0; t+2 < len(indices); t += 3 {
				indices[t], indices[t+1] = indices[t+1], indices[t]
			}
			mesh.SetIndexList(indices)
		} else {
			for t := 0; t+2 < len(mesh.StaticData); t += 3 {
				mesh.StaticData[t], mesh.StaticData[t+1] = mesh.StaticData[t+1], mesh.StaticData[t]
			}
			for t := 0; t+2 < len(mesh.SkinningData); t += 3 {
				s := mesh.SkinningData
				s[t], s[t+1] = s[t+1], s[t]
				s[t].StaticIndex, s[t+1].StaticIndex = s[t+1].StaticIndex, s[t].StaticIndex
			}
		}
		mesh.IsFrontFaceCW = false
		flipped++
	}
	if flipped > 0 {
		b.log.Debug("flipped triangle winding", zap.Int("meshes", flipped))
	}
	return nil
}

// optimizeSceneGraph collapses and merges static nodes, rewiring the mesh
// and curve instances that referenced the removed nodes.
func (b *Builder) optimizeSceneGraph() error {
	if b.cfg.DontOptimizeGraph {
		return nil
	}
	link := func(node *scenegraph.Node, from, to uint32) {
		for _, meshID := range node.Meshes {
			mesh := b.meshes[meshID]
			for i := range mesh.Instances {
				if mesh.Instances[i].NodeID == from {
					mesh.Instances[i].NodeID = to
				}
			}
		}
		for _, curveID := range node.Curves {
			c := b.curves[curveID]
			for i, n := range c.Instances {
				if n == from {
					c.Instances[i] = to
				}
			}
		}
	}
	_, _, err := b.graph.Optimize(link)
	return err
}

func (b *Builder) calculateMeshBoundingBoxes() error {
	for _, mesh := range b.meshes {
		bb := math.EmptyAABB()
		for _, v := range mesh.StaticData {
			bb = bb.Include(math.V3(v.Position))
		}
		mesh.BoundingBox = bb
	}
	return nil
}
