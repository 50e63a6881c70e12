// Package packing encodes per-instance records into a single 64-bit word.
// The word holds, from the low bits up, the transform id, the mesh id, the
// material id and the instance flags.
package packing

import (
	"errors"
	"fmt"
	"math/bits"

	"go.uber.org/multierr"
)

var (
	ErrCapacityExceeded = errors.New("packed instance field capacity exceeded")
	ErrInvalidLayout    = errors.New("invalid packing layout")
)

// CapacityError reports a field whose value range does not fit its bits.
type CapacityError struct {
	Field string
	Count uint64 // number of distinct values that must be encoded
	Limit uint64 // largest count the field can hold
	Bits  uint
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: %d values need %d bits, layout has %d (limit %d, over by %d)",
		e.Field, e.Count, BitsFor(e.Count), e.Bits, e.Limit, e.Count-e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// Layout is the bit width of each packed field.
type Layout struct {
	TransformBits uint
	MeshBits      uint
	MaterialBits  uint
	FlagBits      uint
}

// DefaultLayout fits one million transforms and meshes and 65536 materials.
var DefaultLayout = Layout{TransformBits: 20, MeshBits: 20, MaterialBits: 16, FlagBits: 8}

// TotalBits returns the sum of all field widths.
func (l Layout) TotalBits() uint {
	return l.TransformBits + l.MeshBits + l.MaterialBits + l.FlagBits
}

// Validate checks that every field has at least one bit and the record fits
// 64 bits.
func (l Layout) Validate() error {
	if l.TransformBits == 0 || l.MeshBits == 0 || l.MaterialBits == 0 || l.FlagBits == 0 {
		return fmt.Errorf("%w: every field needs at least one bit", ErrInvalidLayout)
	}
	if l.TotalBits() > 64 {
		return fmt.Errorf("%w: %d bits do not fit in 64", ErrInvalidLayout, l.TotalBits())
	}
	return nil
}

// BitsFor returns ceil(log2(count)), the width needed for ids 0..count-1.
func BitsFor(count uint64) uint {
	if count <= 1 {
		return 0
	}
	return uint(bits.Len64(count - 1))
}

func capacity(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return uint64(1) << bits
}

func checkField(name string, count uint64, width uint) error {
	if BitsFor(count) <= width {
		return nil
	}
	return &CapacityError{Field: name, Count: count, Limit: capacity(width), Bits: width}
}

// Check verifies that transform, mesh and material counts fit the layout.
// All overflowing fields are reported together.
func (l Layout) Check(transforms, meshes, materials uint64) error {
	if err := l.Validate(); err != nil {
		return err
	}
	return multierr.Combine(
		checkField("transform", transforms, l.TransformBits),
		checkField("mesh", meshes, l.MeshBits),
		checkField("material", materials, l.MaterialBits),
	)
}

// Record is one unpacked instance.
type Record struct {
	TransformID uint32
	MeshID      uint32
	MaterialID  uint32
	Flags       uint32
}

// Encode packs r. Values that do not fit their field are an error rather
// than being truncated.
func (l Layout) Encode(r Record) (uint64, error) {
	err := multierr.Combine(
		checkValue("transform", r.TransformID, l.TransformBits),
		checkValue("mesh", r.MeshID, l.MeshBits),
		checkValue("material", r.MaterialID, l.MaterialBits),
		checkValue("flags", r.Flags, l.FlagBits),
	)
	if err != nil {
		return 0, err
	}

	w := uint64(r.TransformID)
	shift := l.TransformBits
	w |= uint64(r.MeshID) << shift
	shift += l.MeshBits
	w |= uint64(r.MaterialID) << shift
	shift += l.MaterialBits
	w |= uint64(r.Flags) << shift
	return w, nil
}

func checkValue(name string, v uint32, width uint) error {
	if uint64(v) < capacity(width) {
		return nil
	}
	return &CapacityError{Field: name, Count: uint64(v) + 1, Limit: capacity(width), Bits: width}
}

// Decode unpacks a word produced by Encode with the same layout.
func (l Layout) Decode(w uint64) Record {
	var r Record
	r.TransformID = uint32(w & mask(l.TransformBits))
	w >>= l.TransformBits
	r.MeshID = uint32(w & mask(l.MeshBits))
	w >>= l.MeshBits
	r.MaterialID = uint32(w & mask(l.MaterialBits))
	w >>= l.MaterialBits
	r.Flags = uint32(w & mask(l.FlagBits))
	return r
}

func mask(bits uint) uint64 {
	return capacity(bits) - 1
}

// PackAll checks the counts against the layout and encodes every record.
func (l Layout) PackAll(records []Record, transforms, meshes, materials uint64) ([]uint64, error) {
	if err := l.Check(transforms, meshes, materials); err != nil {
		return nil, err
	}
	out := make([]uint64, len(records))
	for i, r := range records {
		w, err := l.Encode(r)
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
		out[i] = w
	}
	return out, nil
}
