package meshproc

import (
	"github.com/chewxy/math32"

	"github.com/Faultbox/rtaccel/pkg/math"
)

var fallbackTangent = [4]float32{1, 0, 0, 1}

// generateTangents accumulates per-triangle UV derivative tangents on each
// vertex, then orthogonalizes them against the normal. The w component holds
// the bitangent sign. Vertices without a usable frame get fallbackTangent.
func generateTangents(m *Mesh) [][4]float32 {
	n := len(m.Positions)
	tan := make([]math.Vec3, n)
	bitan := make([]math.Vec3, n)

	if len(m.TexCrds) > 0 {
		for f := 0; f+2 < len(m.Indices); f += 3 {
			i0, i1, i2 := m.Indices[f], m.Indices[f+1], m.Indices[f+2]
			p0, p1, p2 := math.V3(m.Positions[i0]), math.V3(m.Positions[i1]), math.V3(m.Positions[i2])
			uv0 := m.TexCrds[attributeIndex(m.TexCrdIndices, f, i0)]
			uv1 := m.TexCrds[attributeIndex(m.TexCrdIndices, f+1, i1)]
			uv2 := m.TexCrds[attributeIndex(m.TexCrdIndices, f+2, i2)]

			e1, e2 := p1.Sub(p0), p2.Sub(p0)
			du1, dv1 := uv1[0]-uv0[0], uv1[1]-uv0[1]
			du2, dv2 := uv2[0]-uv0[0], uv2[1]-uv0[1]

			det := du1*dv2 - du2*dv1
			if math32.Abs(det) < 1e-12 {
				continue
			}
			r := 1 / det
			t := e1.Scale(dv2).Sub(e2.Scale(dv1)).Scale(r)
			b := e2.Scale(du1).Sub(e1.Scale(du2)).Scale(r)
			for _, idx := range [3]uint32{i0, i1, i2} {
				tan[idx] = tan[idx].Add(t)
				bitan[idx] = bitan[idx].Add(b)
			}
		}
	}

	// Normals with their own index stream have no per-position value.
	perPosition := len(m.Normals) == n && len(m.NormalIndices) == 0

	out := make([][4]float32, n)
	for i := range out {
		var normal math.Vec3
		if perPosition {
			normal = math.V3(m.Normals[i])
		}
		t := tan[i].Sub(normal.Scale(normal.Dot(tan[i]))).Normalize()
		if t.Length() == 0 || !t.IsFinite() {
			out[i] = fallbackTangent
			continue
		}
		w := float32(1)
		if normal.Cross(t).Dot(bitan[i]) < 0 {
			w = -1
		}
		out[i] = [4]float32{t.X, t.Y, t.Z, w}
	}
	return out
}
