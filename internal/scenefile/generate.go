package scenefile

// Generated meshes are centered on the origin, lie in the XZ plane (box
// aside) and wind counter-clockwise seen from +Y.

func quad(size float32) ([][3]float32, []uint32) {
	h := size / 2
	positions := [][3]float32{{-h, 0, -h}, {-h, 0, h}, {h, 0, h}, {h, 0, -h}}
	return positions, []uint32{0, 1, 2, 0, 2, 3}
}

func grid(size float32, divisions int) ([][3]float32, []uint32) {
	if divisions < 1 {
		divisions = 1
	}
	h := size / 2
	step := size / float32(divisions)
	row := uint32(divisions + 1)

	positions := make([][3]float32, 0, row*row)
	for z := 0; z <= divisions; z++ {
		for x := 0; x <= divisions; x++ {
			positions = append(positions, [3]float32{-h + float32(x)*step, 0, -h + float32(z)*step})
		}
	}

	indices := make([]uint32, 0, divisions*divisions*6)
	for z := uint32(0); z < uint32(divisions); z++ {
		for x := uint32(0); x < uint32(divisions); x++ {
			i := z*row + x
			indices = append(indices, i, i+row, i+row+1, i, i+row+1, i+1)
		}
	}
	return positions, indices
}

func box(size float32) ([][3]float32, []uint32) {
	h := size / 2
	positions := [][3]float32{
		{-h, -h, -h}, {h, -h, -h}, {h, h, -h}, {-h, h, -h},
		{-h, -h, h}, {h, -h, h}, {h, h, h}, {-h, h, h},
	}
	indices := []uint32{
		0, 2, 1, 0, 3, 2, // -Z
		4, 5, 6, 4, 6, 7, // +Z
		0, 4, 7, 0, 7, 3, // -X
		1, 2, 6, 1, 6, 5, // +X
		0, 1, 5, 0, 5, 4, // -Y
		3, 7, 6, 3, 6, 2, // +Y
	}
	return positions, indices
}

// geometry returns the positions and indices of a mesh, generating them
// when a generator is set. A zero size means 1.
func (m *Mesh) geometry() ([][3]float32, []uint32) {
	size := m.Size
	if size == 0 {
		size = 1
	}
	switch m.Generator {
	case GeneratorQuad:
		return quad(size)
	case GeneratorBox:
		return box(size)
	case GeneratorGrid:
		return grid(size, m.Divisions)
	default:
		return m.Positions, m.Indices
	}
}
