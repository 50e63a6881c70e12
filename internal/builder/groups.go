package builder

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/Faultbox/rtaccel/internal/model"
)

// groupSet collects the groups of one class (regular or displaced).
type groupSet struct {
	static    []uint32
	byNode    map[uint32][]uint32
	instanced []model.MeshGroup
	keys      map[string]int
}

func newGroupSet() *groupSet {
	return &groupSet{byNode: make(map[uint32][]uint32), keys: make(map[string]int)}
}

// instanceKey identifies an ordered instance node list.
func instanceKey(nodes []uint32) string {
	var sb strings.Builder
	for i, n := range nodes {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatUint(uint64(n), 10))
	}
	return sb.String()
}

// createMeshGroups assigns every mesh to exactly one BLAS group. Groups are
// ordered static, dynamic by node, instanced, and then the same three
// classes again for displaced meshes.
func (b *Builder) createMeshGroups() error {
	materials := b.materialInfo()
	regular, displaced := newGroupSet(), newGroupSet()

	for id, mesh := range b.meshes {
		mesh.IsDisplaced = mesh.IsDisplaced || materials.IsDisplaced(mesh.MaterialID)
		set := regular
		if mesh.IsDisplaced {
			set = displaced
		}

		meshID := uint32(id)
		switch {
		case len(mesh.Instances) > 1:
			key := instanceKey(mesh.InstanceNodes())
			if idx, ok := set.keys[key]; ok && !b.cfg.DontMergeInstanced {
				set.instanced[idx].Meshes = append(set.instanced[idx].Meshes, meshID)
				continue
			}
			set.keys[key] = len(set.instanced)
			set.instanced = append(set.instanced, model.MeshGroup{
				Meshes:      []uint32{meshID},
				IsDisplaced: mesh.IsDisplaced,
			})
		case mesh.IsStatic:
			set.static = append(set.static, meshID)
		default:
			node := mesh.Instances[0].NodeID
			set.byNode[node] = append(set.byNode[node], meshID)
		}
	}

	b.groups = b.groups[:0]
	b.groups = append(b.groups, regular.groups(b.cfg.DontMergeStatic, b.cfg.DontMergeDynamic, false)...)
	b.groups = append(b.groups, displaced.groups(b.cfg.DontMergeStatic, b.cfg.DontMergeDynamic, true)...)

	if err := b.validateMeshGroups(); err != nil {
		return err
	}
	b.log.Info("created mesh groups", zap.Int("groups", len(b.groups)), zap.Int("meshes", len(b.meshes)))
	return nil
}

func (s *groupSet) groups(dontMergeStatic, dontMergeDynamic, isDisplaced bool) []model.MeshGroup {
	var out []model.MeshGroup
	if len(s.static) > 0 {
		if dontMergeStatic {
			for _, id := range s.static {
				out = append(out, model.MeshGroup{Meshes: []uint32{id}, IsStatic: true, IsDisplaced: isDisplaced})
			}
		} else {
			out = append(out, model.MeshGroup{Meshes: s.static, IsStatic: true, IsDisplaced: isDisplaced})
		}
	}

	nodes := maps.Keys(s.byNode)
	slices.Sort(nodes)
	for _, node := range nodes {
		meshes := s.byNode[node]
		if dontMergeDynamic {
			for _, id := range meshes {
				out = append(out, model.MeshGroup{Meshes: []uint32{id}, IsDisplaced: isDisplaced})
			}
			continue
		}
		out = append(out, model.MeshGroup{Meshes: meshes, IsDisplaced: isDisplaced})
	}

	return append(out, s.instanced...)
}

// validateMeshGroups checks that every mesh is in exactly one group and
// that all meshes of a group can share its instances.
func (b *Builder) validateMeshGroups() error {
	seen := make([]bool, len(b.meshes))
	for gi, g := range b.groups {
		if len(g.Meshes) == 0 {
			return fmt.Errorf("group %d is empty: %w", gi, ErrInternal)
		}
		first := b.meshes[g.Meshes[0]].InstanceNodes()
		for _, id := range g.Meshes {
			if id >= uint32(len(b.meshes)) || seen[id] {
				return fmt.Errorf("mesh %d is referenced by more than one group: %w", id, ErrInternal)
			}
			seen[id] = true
			mesh := b.meshes[id]
			if mesh.IsDisplaced != g.IsDisplaced {
				return fmt.Errorf("mesh %q displacement does not match group %d: %w", mesh.Name, gi, ErrInternal)
			}
			if g.IsStatic {
				if !mesh.IsStatic || len(mesh.Instances) != 1 {
					return fmt.Errorf("non-static mesh %q in static group %d: %w", mesh.Name, gi, ErrInternal)
				}
				continue
			}
			if !slices.Equal(mesh.InstanceNodes(), first) {
				return fmt.Errorf("mesh %q instances differ from group %d: %w", mesh.Name, gi, ErrInternal)
			}
		}
	}
	for id, ok := range seen {
		if !ok {
			return fmt.Errorf("mesh %d is not in any group: %w", id, ErrInternal)
		}
	}
	return nil
}
