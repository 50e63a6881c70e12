// Package model holds the scene data model shared by the builder, the
// acceleration structure code and the runtime scene.
package model

import "fmt"

// GeometryType is the closed set of geometry kinds a BLAS can contain.
type GeometryType uint8

const (
	GeometryTypeNone GeometryType = iota
	GeometryTypeTriangleMesh
	GeometryTypeDisplacedTriangleMesh
	GeometryTypeCurve
	GeometryTypeCustom
)

func (t GeometryType) String() string {
	switch t {
	case GeometryTypeNone:
		return "None"
	case GeometryTypeTriangleMesh:
		return "TriangleMesh"
	case GeometryTypeDisplacedTriangleMesh:
		return "DisplacedTriangleMesh"
	case GeometryTypeCurve:
		return "Curve"
	case GeometryTypeCustom:
		return "Custom"
	default:
		return fmt.Sprintf("GeometryType(%d)", uint8(t))
	}
}

// IsProcedural reports whether the geometry is traced against AABBs.
func (t GeometryType) IsProcedural() bool {
	switch t {
	case GeometryTypeDisplacedTriangleMesh, GeometryTypeCurve, GeometryTypeCustom:
		return true
	default:
		return false
	}
}

// GeometryInstanceFlags are per-instance bits consumed by shading and traversal.
type GeometryInstanceFlags uint32

const (
	FlagUse16BitIndices GeometryInstanceFlags = 1 << iota
	FlagIsDynamic
	FlagTransformFlipped
	FlagIsObjectFrontFaceCW
	FlagIsWorldFrontFaceCW
	FlagMatteShading
	FlagFixShadowTerminator
	FlagBiasAlongNormal
	FlagDoubleSided
	FlagVisibleToPrimaryRays
	FlagVisibleToShadowRays
	FlagVisibleToDiffuseRays
	FlagReceiveShadows
	FlagReceiveSelfShadows
	FlagHasMultipleMaterials
)

// PackedFlagMask selects the flags carried in a packed instance record.
const PackedFlagMask = FlagUse16BitIndices | FlagIsDynamic | FlagTransformFlipped |
	FlagIsObjectFrontFaceCW | FlagIsWorldFrontFaceCW | FlagMatteShading |
	FlagFixShadowTerminator | FlagBiasAlongNormal

// Has reports whether every bit in f is set.
func (g GeometryInstanceFlags) Has(f GeometryInstanceFlags) bool {
	return g&f == f
}

// Set returns g with f set or cleared.
func (g GeometryInstanceFlags) Set(f GeometryInstanceFlags, on bool) GeometryInstanceFlags {
	if on {
		return g | f
	}
	return g &^ f
}

// GeometryInstanceData is one entry of the global instance array. Entries are
// ordered mesh group, then group instance, then mesh within the group, so
// InstanceIndex + GeometryIndex of a hit resolves to its entry.
type GeometryInstanceData struct {
	Type          GeometryType
	Flags         GeometryInstanceFlags
	NodeID        uint32 // global transform id
	MaterialID    uint32
	GeometryID    uint32
	VBOffset      uint32
	IBOffset      uint32
	MBOffset      uint32 // per-primitive material ids, valid with FlagHasMultipleMaterials
	InstanceIndex uint32
	GeometryIndex uint32
	ExternalID    uint32
}
