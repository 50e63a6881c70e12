package scenefile

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/Faultbox/rtaccel/internal/animation"
	"github.com/Faultbox/rtaccel/internal/builder"
	"github.com/Faultbox/rtaccel/internal/meshproc"
	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/internal/scenegraph"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// IDs maps document names to the ids the builder assigned.
type IDs struct {
	Materials map[string]uint32
	Nodes     map[string]uint32
	Meshes    map[string]uint32
	Curves    map[string]uint32
}

// Apply validates the document and adds its contents to b. Materials are
// added only when the document declares any.
func (d *Document) Apply(b *builder.Builder) (*IDs, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	ids := &IDs{
		Materials: make(map[string]uint32, len(d.Materials)),
		Nodes:     make(map[string]uint32, len(d.Nodes)),
		Meshes:    make(map[string]uint32, len(d.Meshes)),
		Curves:    make(map[string]uint32, len(d.Curves)),
	}

	for _, m := range d.Materials {
		id, err := b.AddMaterial(model.Material{Name: m.Name, Opaque: m.Opaque, Displaced: m.Displaced})
		if err != nil {
			return nil, fmt.Errorf("adding material %q: %w", m.Name, err)
		}
		ids.Materials[m.Name] = id
	}

	for _, n := range d.Nodes {
		parent := scenegraph.InvalidNode
		if n.Parent != "" {
			parent = ids.Nodes[n.Parent]
		}
		id, err := b.AddNode(scenegraph.NewNode(n.Name, parent, n.transform()))
		if err != nil {
			return nil, fmt.Errorf("adding node %q: %w", n.Name, err)
		}
		ids.Nodes[n.Name] = id
	}

	for _, m := range d.Meshes {
		id, err := b.AddMesh(m.mesh(ids))
		if err != nil {
			return nil, fmt.Errorf("adding mesh %q: %w", m.Name, err)
		}
		ids.Meshes[m.Name] = id
	}

	for i, inst := range d.Instances {
		mi := model.NewMeshInstance(ids.Nodes[inst.Node])
		if inst.Material != "" {
			mi.OverrideMaterial = true
			mi.MaterialID = ids.Materials[inst.Material]
		}
		mi.Shading = inst.Shading
		if inst.Visibility != nil {
			mi.Visibility = *inst.Visibility
		}
		mi.ExportedName = inst.Name
		if inst.ID != nil {
			mi.ExportedID = *inst.ID
		}
		if err := b.AddMeshInstance(ids.Meshes[inst.Mesh], mi); err != nil {
			return nil, fmt.Errorf("adding instance %d of mesh %q: %w", i, inst.Mesh, err)
		}
	}

	for _, a := range d.Animations {
		if err := b.AddAnimation(a.animation(ids)); err != nil {
			return nil, fmt.Errorf("adding animation %q: %w", a.Name, err)
		}
	}

	for _, c := range d.Curves {
		points := make([]model.CurvePoint, len(c.Points))
		for i, p := range c.Points {
			points[i] = model.CurvePoint{Position: p.Position, Radius: p.Radius}
		}
		id, err := b.AddCurve(model.CurveSpec{
			Name:       c.Name,
			MaterialID: material(ids, c.Material),
			Points:     points,
			IsDynamic:  c.Dynamic,
		})
		if err != nil {
			return nil, fmt.Errorf("adding curve %q: %w", c.Name, err)
		}
		ids.Curves[c.Name] = id
		for _, n := range c.Nodes {
			if err := b.AddCurveInstance(id, ids.Nodes[n]); err != nil {
				return nil, fmt.Errorf("adding curve %q instance: %w", c.Name, err)
			}
		}
	}

	for i, p := range d.CustomPrimitives {
		if _, err := b.AddCustomPrimitive(p.UserID, p.bounds()); err != nil {
			return nil, fmt.Errorf("adding custom primitive %d: %w", i, err)
		}
	}
	return ids, nil
}

// material resolves a material name. Unnamed materials use id 0.
func material(ids *IDs, name string) uint32 {
	if name == "" {
		return 0
	}
	return ids.Materials[name]
}

func (n *Node) transform() math.Mat4 {
	if len(n.Matrix) == 16 {
		var m math.Mat4
		copy(m[:], n.Matrix)
		return m
	}
	return trs(n.Translation, n.Rotation, n.Scale)
}

// trs composes a transform from optional translation, Euler rotation in
// degrees and scale.
func trs(t, r, s []float32) math.Mat4 {
	translation := vec(t, math.Vec3{})
	euler := vec(r, math.Vec3{})
	scale := vec(s, math.Vec3{X: 1, Y: 1, Z: 1})
	rotation := math.QuatFromEuler(radians(euler.X), radians(euler.Y), radians(euler.Z))
	return math.TRS(translation, rotation, scale)
}

func vec(v []float32, def math.Vec3) math.Vec3 {
	if len(v) != 3 {
		return def
	}
	return math.Vec3{X: v[0], Y: v[1], Z: v[2]}
}

func radians(deg float32) float32 {
	return deg * math32.Pi / 180
}

func (m *Mesh) mesh(ids *IDs) meshproc.Mesh {
	out := meshproc.NewMesh(m.Name, material(ids, m.Material))
	out.Positions, out.Indices = m.geometry()
	out.FrontFaceCW = m.FrontFaceCW
	if m.Skeleton != "" {
		out.SkeletonNodeID = ids.Nodes[m.Skeleton]
	}
	if m.Skinned {
		bone := ids.Nodes[m.Bone]
		out.BoneIDs = make([][4]uint32, len(out.Positions))
		out.BoneWeights = make([][4]float32, len(out.Positions))
		for i := range out.Positions {
			out.BoneIDs[i] = [4]uint32{bone}
			out.BoneWeights[i] = [4]float32{1}
		}
	}
	return out
}

func (a *Animation) animation(ids *IDs) *animation.Animation {
	out := animation.New(a.Name, ids.Nodes[a.Node], a.Duration)
	out.PreInfinity, _ = parseBehavior(a.PreInfinity)
	out.PostInfinity, _ = parseBehavior(a.PostInfinity)
	for _, k := range a.Keyframes {
		euler := vec(k.Rotation, math.Vec3{})
		out.AddKeyframe(animation.Keyframe{
			Time:        k.Time,
			Translation: vec(k.Translation, math.Vec3{}),
			Rotation:    math.QuatFromEuler(radians(euler.X), radians(euler.Y), radians(euler.Z)),
			Scale:       vec(k.Scale, math.Vec3{X: 1, Y: 1, Z: 1}),
		})
	}
	return out
}

func (p *CustomPrimitive) bounds() math.AABB {
	return math.AABB{Min: math.V3(p.Min), Max: math.V3(p.Max)}
}
