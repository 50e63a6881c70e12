package scene

import (
	"fmt"
	"strings"
)

// UpdateFlags report what changed during an update.
type UpdateFlags uint32

const (
	UpdateNone                  UpdateFlags = 0x0
	UpdateGeometryMoved         UpdateFlags = 0x1
	UpdateSceneGraphChanged     UpdateFlags = 0x80
	UpdateMaterialsChanged      UpdateFlags = 0x200
	UpdateCurvesMoved           UpdateFlags = 0x40000
	UpdateCustomPrimitivesMoved UpdateFlags = 0x80000
	UpdateGeometryChanged       UpdateFlags = 0x100000
	UpdateMeshesChanged         UpdateFlags = 0x1000000
)

var flagNames = []struct {
	flag UpdateFlags
	name string
}{
	{UpdateGeometryMoved, "GeometryMoved"},
	{UpdateSceneGraphChanged, "SceneGraphChanged"},
	{UpdateMaterialsChanged, "MaterialsChanged"},
	{UpdateCurvesMoved, "CurvesMoved"},
	{UpdateCustomPrimitivesMoved, "CustomPrimitivesMoved"},
	{UpdateGeometryChanged, "GeometryChanged"},
	{UpdateMeshesChanged, "MeshesChanged"},
}

// Has reports whether every bit of f is set.
func (u UpdateFlags) Has(f UpdateFlags) bool { return u&f == f }

// String lists the set flags joined by "|".
func (u UpdateFlags) String() string {
	if u == UpdateNone {
		return "None"
	}
	var parts []string
	rest := u
	for _, n := range flagNames {
		if u&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}
