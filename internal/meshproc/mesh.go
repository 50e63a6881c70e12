// Package meshproc turns authored triangle meshes into the packed runtime
// form: validated, deduplicated, with tangents and compact indices.
package meshproc

import (
	"errors"

	"github.com/Faultbox/rtaccel/internal/model"
)

// ErrInvalidMesh is wrapped by every mesh validation failure.
var ErrInvalidMesh = errors.New("invalid mesh")

// Mesh is an authored triangle list. Every attribute slice is either empty
// or indexed by the same vertex index as Positions, except normals and
// texture coordinates which may carry their own index streams.
type Mesh struct {
	Name       string
	MaterialID uint32

	Positions   [][3]float32
	Normals     [][3]float32
	Tangents    [][4]float32
	TexCrds     [][2]float32
	BoneIDs     [][4]uint32
	BoneWeights [][4]float32
	Indices     []uint32

	// NormalIndices and TexCrdIndices are per-corner indices into Normals
	// and TexCrds. When empty the position index is used.
	NormalIndices []uint32
	TexCrdIndices []uint32

	// PerPrimMaterialIDs optionally assigns a material per triangle.
	PerPrimMaterialIDs []uint32

	FrontFaceCW         bool
	IsAnimated          bool // positions are driven by a vertex cache
	UseOriginalTangents bool
	SkeletonNodeID      uint32
}

// NewMesh returns a mesh without a skeleton.
func NewMesh(name string, materialID uint32) Mesh {
	return Mesh{Name: name, MaterialID: materialID, SkeletonNodeID: model.InvalidID}
}

// HasBones reports whether the mesh carries any bone data.
func (m *Mesh) HasBones() bool {
	return len(m.BoneIDs) > 0 || len(m.BoneWeights) > 0
}

// FaceCount returns the number of triangles.
func (m *Mesh) FaceCount() int {
	return len(m.Indices) / 3
}

// vertex gathers the attributes of one triangle corner.
func (m *Mesh) vertex(corner int) model.Vertex {
	index := m.Indices[corner]
	v := model.Vertex{Position: m.Positions[index]}
	if len(m.Normals) > 0 {
		v.Normal = m.Normals[attributeIndex(m.NormalIndices, corner, index)]
	}
	if len(m.Tangents) > 0 {
		v.Tangent = m.Tangents[index]
	}
	if len(m.TexCrds) > 0 {
		v.TexCrd = m.TexCrds[attributeIndex(m.TexCrdIndices, corner, index)]
	}
	if len(m.BoneIDs) > 0 {
		v.BoneIDs = m.BoneIDs[index]
		v.BoneWeights = m.BoneWeights[index]
	}
	return v
}

func attributeIndex(stream []uint32, corner int, fallback uint32) uint32 {
	if len(stream) == 0 {
		return fallback
	}
	return stream[corner]
}

// Options control processing.
type Options struct {
	MergeDuplicateVertices bool
	Force32BitIndices      bool
	NonIndexedVertices     bool
	UseOriginalTangents    bool
	// MaterialCount bounds material ids when non-zero.
	MaterialCount uint32
}
