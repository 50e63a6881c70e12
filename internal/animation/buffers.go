package animation

import "github.com/Faultbox/rtaccel/pkg/math"

// MatrixBuffer is the flattened upload target for world matrices. Node i
// owns the range starting at Offsets[i].
type MatrixBuffer struct {
	Name              string
	World             []math.Mat4
	InvTransposeWorld []math.Mat4
}

func (b *MatrixBuffer) resize(n int) {
	if len(b.World) != n {
		b.World = make([]math.Mat4, n)
		b.InvTransposeWorld = make([]math.Mat4, n)
	}
}

func (b *MatrixBuffer) copyFrom(src *MatrixBuffer) {
	b.resize(len(src.World))
	copy(b.World, src.World)
	copy(b.InvTransposeWorld, src.InvTransposeWorld)
}

// UploadRange is the half-open range of matrices written by the last upload.
type UploadRange struct {
	Begin, End int
}

// Empty reports whether nothing was uploaded.
func (r UploadRange) Empty() bool {
	return r.End <= r.Begin
}
