package scene

import (
	"github.com/Faultbox/rtaccel/internal/animation"
	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// skinner deforms skinned vertices on the CPU. Positions are written in the
// local space of each mesh's bind node, which is where its TLAS instance
// places them. prev holds last frame's positions at PrevVBOffset.
type skinner struct {
	data    *model.SceneData
	current []math.Vec3
	prev    []math.Vec3
}

func newSkinner(data *model.SceneData) *skinner {
	s := &skinner{
		data:    data,
		current: make([]math.Vec3, len(data.SkinningVertices)),
		prev:    make([]math.Vec3, data.PrevVertexCount),
	}
	for i, v := range data.SkinningVertices {
		p := math.V3(data.StaticVertices[v.StaticIndex].Position)
		s.current[i] = p
		if i < len(s.prev) {
			s.prev[i] = p
		}
	}
	// Vertex-cache meshes start at their static positions.
	for _, m := range data.Meshes {
		if m.IsSkinned() || m.Flags&model.MeshIsAnimated == 0 {
			continue
		}
		for k := uint32(0); k < m.VertexCount; k++ {
			if int(m.PrevVBOffset+k) < len(s.prev) {
				s.prev[m.PrevVBOffset+k] = math.V3(data.StaticVertices[m.VBOffset+k].Position)
			}
		}
	}
	return s
}

// skin moves the current positions to prev and recomputes them from the
// controller's skinning matrices.
func (s *skinner) skin(c *animation.Controller) {
	copy(s.prev, s.current)

	inverse := make(map[uint32]math.Mat4)
	for i, v := range s.data.SkinningVertices {
		var blended math.Mat4
		var total float32
		for k := 0; k < 4; k++ {
			w := v.BoneWeights[k]
			if w == 0 {
				continue
			}
			m := c.SkinningMatrix(v.BoneIDs[k])
			for e := range blended {
				blended[e] += w * m[e]
			}
			total += w
		}
		if total == 0 {
			blended = math.Identity()
		}

		toLocal, ok := inverse[v.BindMatrixID]
		if !ok {
			toLocal = c.GlobalMatrix(v.BindMatrixID).Inverse()
			inverse[v.BindMatrixID] = toLocal
		}
		world := blended.TransformPoint(s.data.StaticVertices[v.StaticIndex].Position)
		s.current[i] = math.V3(toLocal.TransformPoint(world))
	}
}
