package accel

import (
	"fmt"
	"sync"
)

// BuildRecord is one build submitted to a SimDevice.
type BuildRecord struct {
	Kind       Kind
	Flags      BuildFlags
	Update     bool
	Primitives uint64
	Dest       BufferRange
}

type structKey struct {
	buffer uint64
	offset uint64
}

type simStructure struct {
	kind       Kind
	flags      BuildFlags
	primitives uint64
	size       uint64
	compacted  uint64
}

// SimDevice is an in-memory Device with a deterministic size model. It
// checks the same preconditions a real driver would and records every build.
type SimDevice struct {
	// RayTracing reports ray tracing support. NewSimDevice sets it.
	RayTracing bool
	// FailBuildAt makes the n-th build fail (1-based). Zero disables it.
	FailBuildAt int
	// ZeroPostBuildSize makes every post-build size query return zero.
	ZeroPostBuildSize bool
	// NoCurrentSizeQuery makes uncompacted size queries return zero.
	NoCurrentSizeQuery bool

	mu         sync.Mutex
	nextID     uint64
	allocated  uint64
	builds     int
	log        []BuildRecord
	structures map[structKey]*simStructure
}

// NewSimDevice returns a ray tracing capable SimDevice.
func NewSimDevice() *SimDevice {
	return &SimDevice{RayTracing: true, structures: make(map[structKey]*simStructure)}
}

func (d *SimDevice) SupportsRayTracing() bool { return d.RayTracing }

// PrebuildInfo sizes a structure from its primitive count.
func (d *SimDevice) PrebuildInfo(in BuildInputs) (PrebuildInfo, error) {
	n := in.PrimitiveCount()
	var info PrebuildInfo
	if in.Kind == KindTopLevel {
		info.ResultMaxSize = 256 + n*64
		info.ScratchSize = 128 + n*16
	} else {
		info.ResultMaxSize = 256 + n*64
		if in.Flags&BuildPreferFastTrace != 0 {
			info.ResultMaxSize += n * 8
		}
		info.ScratchSize = 128 + n*32
	}
	if in.Flags&BuildAllowUpdate != 0 {
		info.UpdateScratchSize = 64 + n*8
	}
	return info, nil
}

func compactedSize(s *simStructure) uint64 {
	return 128 + s.primitives*24
}

func (d *SimDevice) CreateBuffer(name string, size uint64) (*Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("create buffer %q with zero size: %w", name, ErrDeviceFailure)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.allocated += size
	return &Buffer{ID: d.nextID, Name: name, Size: size}, nil
}

func (d *SimDevice) BuildAccelerationStructure(desc BuildDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.builds++
	if d.FailBuildAt > 0 && d.builds == d.FailBuildAt {
		return fmt.Errorf("build %d: injected failure: %w", d.builds, ErrDeviceFailure)
	}
	if !desc.Dest.Valid() {
		return fmt.Errorf("build destination out of range: %w", ErrDeviceFailure)
	}

	in := desc.Inputs
	info, _ := d.PrebuildInfo(in)
	update := in.Flags&BuildPerformUpdate != 0
	if update {
		if desc.Source == nil {
			return fmt.Errorf("update without a source structure: %w", ErrDeviceFailure)
		}
		src, ok := d.structures[keyOf(*desc.Source)]
		if !ok || src.flags&BuildAllowUpdate == 0 {
			return fmt.Errorf("update of a structure built without AllowUpdate: %w", ErrDeviceFailure)
		}
		if src.primitives != in.PrimitiveCount() {
			return fmt.Errorf("update changes primitive count %d to %d: %w", src.primitives, in.PrimitiveCount(), ErrDeviceFailure)
		}
		if desc.Scratch.Size < info.UpdateScratchSize {
			return fmt.Errorf("update scratch %d below %d: %w", desc.Scratch.Size, info.UpdateScratchSize, ErrDeviceFailure)
		}
	} else {
		if desc.Scratch.Size < info.ScratchSize {
			return fmt.Errorf("scratch %d below %d: %w", desc.Scratch.Size, info.ScratchSize, ErrDeviceFailure)
		}
		if desc.Dest.Size < info.ResultMaxSize {
			return fmt.Errorf("destination %d below %d: %w", desc.Dest.Size, info.ResultMaxSize, ErrDeviceFailure)
		}
	}
	if in.Kind == KindTopLevel {
		for i, inst := range desc.Instances {
			if _, ok := d.structures[keyOf(inst.Blas)]; !ok {
				return fmt.Errorf("instance %d references an unbuilt BLAS: %w", i, ErrDeviceFailure)
			}
		}
	}

	s := &simStructure{
		kind:       in.Kind,
		flags:      in.Flags &^ BuildPerformUpdate,
		primitives: in.PrimitiveCount(),
		size:       info.ResultMaxSize,
	}
	if update {
		prev := d.structures[keyOf(*desc.Source)]
		s.flags, s.size = prev.flags, prev.size
	}
	s.compacted = compactedSize(s)
	d.structures[keyOf(desc.Dest)] = s
	d.log = append(d.log, BuildRecord{
		Kind:       in.Kind,
		Flags:      in.Flags,
		Update:     update,
		Primitives: s.primitives,
		Dest:       desc.Dest,
	})
	return nil
}

func (d *SimDevice) QueryPostBuildSize(r BufferRange, compacted bool) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.structures[keyOf(r)]
	if !ok {
		return 0, fmt.Errorf("size query on an unbuilt structure: %w", ErrDeviceFailure)
	}
	switch {
	case d.ZeroPostBuildSize:
		return 0, nil
	case compacted:
		if s.flags&BuildAllowCompaction == 0 {
			return 0, fmt.Errorf("compacted size of a structure built without AllowCompaction: %w", ErrDeviceFailure)
		}
		return s.compacted, nil
	case d.NoCurrentSizeQuery:
		return 0, nil
	default:
		return s.size, nil
	}
}

func (d *SimDevice) CopyAccelerationStructure(dst, src BufferRange, compact bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.structures[keyOf(src)]
	if !ok {
		return fmt.Errorf("copy from an unbuilt structure: %w", ErrDeviceFailure)
	}
	need := s.size
	if compact {
		if s.flags&BuildAllowCompaction == 0 {
			return fmt.Errorf("compacting copy without AllowCompaction: %w", ErrDeviceFailure)
		}
		need = s.compacted
	}
	if !dst.Valid() || dst.Size < need {
		return fmt.Errorf("copy destination %d below %d: %w", dst.Size, need, ErrDeviceFailure)
	}
	cp := *s
	if compact {
		cp.size = s.compacted
	}
	d.structures[keyOf(dst)] = &cp
	return nil
}

// Builds returns a copy of the build log.
func (d *SimDevice) Builds() []BuildRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]BuildRecord(nil), d.log...)
}

// ResetBuilds clears the build log.
func (d *SimDevice) ResetBuilds() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = nil
}

// AllocatedBytes returns the total size of all buffers ever created.
func (d *SimDevice) AllocatedBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

func keyOf(r BufferRange) structKey {
	if r.Buffer == nil {
		return structKey{offset: r.Offset}
	}
	return structKey{buffer: r.Buffer.ID, offset: r.Offset}
}
