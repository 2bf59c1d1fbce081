package sim

import "github.com/abihf/framewatch/camera"

// Pattern writes the luma plane of frame seq into plane.
type Pattern func(seq uint64, plane []byte, size camera.Size)

// Fill paints every byte with v.
func Fill(v byte) Pattern {
	return func(_ uint64, plane []byte, _ camera.Size) {
		for i := range plane {
			plane[i] = v
		}
	}
}

// Spot paints a dark frame with a single bright pixel at (x, y).
func Spot(x, y int, v byte) Pattern {
	return func(_ uint64, plane []byte, size camera.Size) {
		for i := range plane {
			plane[i] = 0
		}
		if x < size.Width && y < size.Height {
			if idx := y*size.Width + x; idx < len(plane) {
				plane[idx] = v
			}
		}
	}
}

// MovingBlob paints a dark background with a bright square that moves one
// column per frame and wraps around.
func MovingBlob(side int) Pattern {
	return func(seq uint64, plane []byte, size camera.Size) {
		for i := range plane {
			plane[i] = 4
		}
		if size.Width <= side || size.Height <= side {
			return
		}
		x0 := int(seq % uint64(size.Width-side))
		y0 := (size.Height - side) / 2
		for y := y0; y < y0+side; y++ {
			row := y * size.Width
			for x := x0; x < x0+side; x++ {
				if row+x < len(plane) {
					plane[row+x] = 200
				}
			}
		}
	}
}
