package scenefile

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/Faultbox/rtaccel/internal/animation"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid scene description")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks names, references and shapes. Every problem is reported.
func (d *Document) Validate() error {
	var err error
	materials := names(len(d.Materials), func(i int) string { return d.Materials[i].Name }, "material", &err)

	nodes := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		switch {
		case n.Name == "":
			err = multierr.Append(err, invalid("node %d has no name", i))
		case nodes[n.Name]:
			err = multierr.Append(err, invalid("duplicate node %q", n.Name))
		}
		if n.Parent != "" && !nodes[n.Parent] {
			err = multierr.Append(err, invalid("node %q parent %q is not declared before it", n.Name, n.Parent))
		}
		if n.Matrix != nil {
			if len(n.Matrix) != 16 {
				err = multierr.Append(err, invalid("node %q matrix has %d values, want 16", n.Name, len(n.Matrix)))
			}
			if n.Translation != nil || n.Rotation != nil || n.Scale != nil {
				err = multierr.Append(err, invalid("node %q mixes matrix and translation/rotation/scale", n.Name))
			}
		}
		err = multierr.Append(err, checkVec(n.Translation, "node %q translation", n.Name))
		err = multierr.Append(err, checkVec(n.Rotation, "node %q rotation", n.Name))
		err = multierr.Append(err, checkVec(n.Scale, "node %q scale", n.Name))
		nodes[n.Name] = true
	}

	meshes := names(len(d.Meshes), func(i int) string { return d.Meshes[i].Name }, "mesh", &err)
	for _, m := range d.Meshes {
		err = multierr.Append(err, checkMaterial(materials, m.Material, "mesh %q", m.Name))
		err = multierr.Append(err, m.validate(nodes))
	}

	for i, inst := range d.Instances {
		if !meshes[inst.Mesh] {
			err = multierr.Append(err, invalid("instance %d references unknown mesh %q", i, inst.Mesh))
		}
		if !nodes[inst.Node] {
			err = multierr.Append(err, invalid("instance %d references unknown node %q", i, inst.Node))
		}
		err = multierr.Append(err, checkMaterial(materials, inst.Material, "instance %d", i))
	}

	for _, a := range d.Animations {
		if !nodes[a.Node] {
			err = multierr.Append(err, invalid("animation %q targets unknown node %q", a.Name, a.Node))
		}
		if a.Duration <= 0 {
			err = multierr.Append(err, invalid("animation %q duration must be positive", a.Name))
		}
		if len(a.Keyframes) == 0 {
			err = multierr.Append(err, invalid("animation %q has no keyframes", a.Name))
		}
		for _, b := range []string{a.PreInfinity, a.PostInfinity} {
			if _, ok := parseBehavior(b); !ok {
				err = multierr.Append(err, invalid("animation %q has unknown infinity behavior %q", a.Name, b))
			}
		}
		for _, k := range a.Keyframes {
			err = multierr.Append(err, checkVec(k.Translation, "animation %q keyframe %g translation", a.Name, k.Time))
			err = multierr.Append(err, checkVec(k.Rotation, "animation %q keyframe %g rotation", a.Name, k.Time))
			err = multierr.Append(err, checkVec(k.Scale, "animation %q keyframe %g scale", a.Name, k.Time))
		}
	}

	names(len(d.Curves), func(i int) string { return d.Curves[i].Name }, "curve", &err)
	for _, c := range d.Curves {
		err = multierr.Append(err, checkMaterial(materials, c.Material, "curve %q", c.Name))
		if len(c.Points) < 2 {
			err = multierr.Append(err, invalid("curve %q needs at least 2 points, has %d", c.Name, len(c.Points)))
		}
		for _, p := range c.Points {
			if p.Radius < 0 || !math.IsFinite(p.Radius) || !math.V3(p.Position).IsFinite() {
				err = multierr.Append(err, invalid("curve %q has an invalid point", c.Name))
				break
			}
		}
		for _, n := range c.Nodes {
			if !nodes[n] {
				err = multierr.Append(err, invalid("curve %q references unknown node %q", c.Name, n))
			}
		}
	}

	for i, p := range d.CustomPrimitives {
		if !p.bounds().Valid() {
			err = multierr.Append(err, invalid("custom primitive %d has inverted bounds", i))
		}
	}
	return err
}

func (m *Mesh) validate(nodes map[string]bool) error {
	var err error
	switch m.Generator {
	case "":
		if len(m.Positions) == 0 || len(m.Indices) == 0 {
			err = multierr.Append(err, invalid("mesh %q needs positions and indices or a generator", m.Name))
		}
		if len(m.Indices)%3 != 0 {
			err = multierr.Append(err, invalid("mesh %q index count %d is not a multiple of 3", m.Name, len(m.Indices)))
		}
		for _, idx := range m.Indices {
			if idx >= uint32(len(m.Positions)) {
				err = multierr.Append(err, invalid("mesh %q index %d out of range", m.Name, idx))
				break
			}
		}
	case GeneratorQuad, GeneratorBox, GeneratorGrid:
		if len(m.Positions) > 0 || len(m.Indices) > 0 {
			err = multierr.Append(err, invalid("mesh %q mixes generator %q with inline geometry", m.Name, m.Generator))
		}
		if m.Size < 0 {
			err = multierr.Append(err, invalid("mesh %q size must not be negative", m.Name))
		}
		if m.Divisions < 0 {
			err = multierr.Append(err, invalid("mesh %q divisions must not be negative", m.Name))
		}
	default:
		err = multierr.Append(err, invalid("mesh %q has unknown generator %q", m.Name, m.Generator))
	}

	if m.Skinned && !nodes[m.Bone] {
		err = multierr.Append(err, invalid("skinned mesh %q bone %q is not a node", m.Name, m.Bone))
	}
	if !m.Skinned && m.Bone != "" {
		err = multierr.Append(err, invalid("mesh %q has a bone but is not skinned", m.Name))
	}
	if m.Skeleton != "" && !nodes[m.Skeleton] {
		err = multierr.Append(err, invalid("mesh %q skeleton %q is not a node", m.Name, m.Skeleton))
	}
	return err
}

// names indexes unique names, appending problems to err.
func names(n int, name func(int) string, kind string, err *error) map[string]bool {
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		s := name(i)
		switch {
		case s == "":
			*err = multierr.Append(*err, invalid("%s %d has no name", kind, i))
		case seen[s]:
			*err = multierr.Append(*err, invalid("duplicate %s %q", kind, s))
		}
		seen[s] = true
	}
	return seen
}

func checkMaterial(materials map[string]bool, name, owner string, args ...any) error {
	if name == "" || materials[name] {
		return nil
	}
	return invalid("%s references unknown material %q", fmt.Sprintf(owner, args...), name)
}

func checkVec(v []float32, owner string, args ...any) error {
	if v == nil || len(v) == 3 {
		return nil
	}
	return invalid("%s has %d values, want 3", fmt.Sprintf(owner, args...), len(v))
}

func parseBehavior(s string) (animation.Behavior, bool) {
	switch s {
	case "", "constant":
		return animation.BehaviorConstant, true
	case "cycle":
		return animation.BehaviorCycle, true
	case "oscillate":
		return animation.BehaviorOscillate, true
	default:
		return animation.BehaviorConstant, false
	}
}
