// Package accel plans, builds and updates the bottom- and top-level
// acceleration structures of a built scene on top of a narrow device
// interface.
package accel

import (
	"errors"
	"fmt"

	"github.com/Faultbox/rtaccel/internal/config"
	"github.com/Faultbox/rtaccel/internal/model"
	"github.com/Faultbox/rtaccel/pkg/math"
)

var (
	ErrRayTracingUnsupported = errors.New("accel: device does not support ray tracing")
	ErrDeviceFailure         = errors.New("accel: device failure")
	ErrBuildFailed           = errors.New("accel: acceleration structure build failed")
	ErrGeometryCountMismatch = errors.New("accel: planned geometry count does not match the scene")
	ErrLayoutMismatch        = errors.New("accel: BLAS memory layout mismatch")
	ErrInstanceOrder         = errors.New("accel: instance data does not match TLAS ordering")
)

// UpdateMode selects how dynamic structures are brought up to date.
type UpdateMode uint8

const (
	UpdateRefit UpdateMode = iota
	UpdateRebuild
)

func (m UpdateMode) String() string {
	switch m {
	case UpdateRefit:
		return config.UpdateRefit
	case UpdateRebuild:
		return config.UpdateRebuild
	default:
		return fmt.Sprintf("UpdateMode(%d)", uint8(m))
	}
}

// ParseUpdateMode maps a config value to an UpdateMode.
func ParseUpdateMode(s string) (UpdateMode, error) {
	switch s {
	case config.UpdateRefit, "":
		return UpdateRefit, nil
	case config.UpdateRebuild:
		return UpdateRebuild, nil
	default:
		return UpdateRefit, fmt.Errorf("unknown update mode %q", s)
	}
}

// BuildFlags are acceleration structure build options.
type BuildFlags uint32

const (
	BuildAllowUpdate BuildFlags = 1 << iota
	BuildAllowCompaction
	BuildPreferFastTrace
	BuildPreferFastBuild
	BuildPerformUpdate
)

func (f BuildFlags) String() string {
	names := []struct {
		flag BuildFlags
		name string
	}{
		{BuildAllowUpdate, "AllowUpdate"},
		{BuildAllowCompaction, "AllowCompaction"},
		{BuildPreferFastTrace, "PreferFastTrace"},
		{BuildPreferFastBuild, "PreferFastBuild"},
		{BuildPerformUpdate, "PerformUpdate"},
	}
	s := ""
	for _, n := range names {
		if f&n.flag != 0 {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "None"
	}
	return s
}

// Kind distinguishes bottom- and top-level structures.
type Kind uint8

const (
	KindBottomLevel Kind = iota
	KindTopLevel
)

// GeometryFlags are per-geometry build options.
type GeometryFlags uint8

const (
	GeometryOpaque GeometryFlags = 1 << iota
	GeometryNoDuplicateAnyHit
)

// TriangleGeometry references a mesh in the global vertex and index buffers.
// Offsets are in elements.
type TriangleGeometry struct {
	VertexOffset uint32
	VertexCount  uint32
	IndexOffset  uint32
	IndexCount   uint32
	Index16      bool
	// Transform is applied at build time when non-nil. It is set for static
	// meshes whose node is not the identity.
	Transform *math.Mat4
}

// PrimitiveCount returns the number of triangles.
func (t TriangleGeometry) PrimitiveCount() uint32 {
	if t.IndexCount > 0 {
		return t.IndexCount / 3
	}
	return t.VertexCount / 3
}

// AABBGeometry references a run of procedural bounding boxes.
type AABBGeometry struct {
	Offset uint32
	Count  uint32
}

// GeometryDesc is one geometry of a BLAS build.
type GeometryDesc struct {
	Type      model.GeometryType
	Flags     GeometryFlags
	Triangles TriangleGeometry
	AABBs     AABBGeometry
}

// PrimitiveCount returns the number of triangles or boxes.
func (g GeometryDesc) PrimitiveCount() uint32 {
	if g.Type == model.GeometryTypeTriangleMesh {
		return g.Triangles.PrimitiveCount()
	}
	return g.AABBs.Count
}

// BuildInputs describe what a build consumes.
type BuildInputs struct {
	Kind          Kind
	Flags         BuildFlags
	Geometries    []GeometryDesc
	InstanceCount uint32
}

// PrimitiveCount returns the total triangles, boxes or instances.
func (in BuildInputs) PrimitiveCount() uint64 {
	if in.Kind == KindTopLevel {
		return uint64(in.InstanceCount)
	}
	var n uint64
	for _, g := range in.Geometries {
		n += uint64(g.PrimitiveCount())
	}
	return n
}

// PrebuildInfo is the device's size estimate for a build.
type PrebuildInfo struct {
	ResultMaxSize     uint64
	ScratchSize       uint64
	UpdateScratchSize uint64
}

// Buffer is a device allocation.
type Buffer struct {
	ID   uint64
	Name string
	Size uint64
}

// BufferRange is a byte range within a buffer.
type BufferRange struct {
	Buffer *Buffer
	Offset uint64
	Size   uint64
}

// Valid reports whether the range lies inside its buffer.
func (r BufferRange) Valid() bool {
	return r.Buffer != nil && r.Size > 0 && r.Offset+r.Size <= r.Buffer.Size
}

// BuildDesc is one build or update submission. Source is set for updates
// and points at the structure being refit.
type BuildDesc struct {
	Inputs    BuildInputs
	Dest      BufferRange
	Scratch   BufferRange
	Source    *BufferRange
	Instances []InstanceDesc
}

// Device is the graphics-device capability the planner and builder call
// into. Calls are synchronous.
type Device interface {
	SupportsRayTracing() bool
	PrebuildInfo(inputs BuildInputs) (PrebuildInfo, error)
	CreateBuffer(name string, size uint64) (*Buffer, error)
	BuildAccelerationStructure(desc BuildDesc) error
	// QueryPostBuildSize returns the compacted size when compacted is set and
	// the current size otherwise. Zero means the size is unavailable.
	QueryPostBuildSize(r BufferRange, compacted bool) (uint64, error)
	CopyAccelerationStructure(dst, src BufferRange, compact bool) error
}

func alignTo(alignment, size uint64) uint64 {
	if alignment == 0 {
		return size
	}
	return (size + alignment - 1) / alignment * alignment
}
