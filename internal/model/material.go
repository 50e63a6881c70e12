package model

// MaterialInfo is the narrow view of the material system used while building
// geometry and acceleration structures.
type MaterialInfo interface {
	MaterialCount() uint32
	IsOpaque(id uint32) bool
	IsDisplaced(id uint32) bool
}

// Material is the subset of material state the geometry pipeline reads.
type Material struct {
	Name      string
	Opaque    bool
	Displaced bool
}

// MaterialTable is a slice-backed MaterialInfo.
type MaterialTable []Material

// MaterialCount returns the number of materials.
func (t MaterialTable) MaterialCount() uint32 { return uint32(len(t)) }

// IsOpaque reports whether the material is opaque. Unknown ids are opaque.
func (t MaterialTable) IsOpaque(id uint32) bool {
	if id >= uint32(len(t)) {
		return true
	}
	return t[id].Opaque
}

// IsDisplaced reports whether the material uses displacement.
func (t MaterialTable) IsDisplaced(id uint32) bool {
	if id >= uint32(len(t)) {
		return false
	}
	return t[id].Displaced
}

// Lookup returns the id of the named material.
func (t MaterialTable) Lookup(name string) (uint32, bool) {
	for i, m := range t {
		if m.Name == name {
			return uint32(i), true
		}
	}
	return InvalidID, false
}
