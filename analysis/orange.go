package analysis

import "image"

// Sampling grid of the orange locator. Blocks start every blockStride pixels
// on both axes; inside a block only the top-left cellSpan square is visited,
// every cellStep pixels.
const (
	blockStride = 32
	cellSpan    = 16
	cellStep    = 2

	// orange is the open interval (orangeMin, orangeMax) of single-channel values.
	orangeMin = 100
	orangeMax = 255
)

// OnGrid reports whether (x, y) is visited by LocateOrange.
func OnGrid(x, y int) bool {
	if x < 0 || y < 0 {
		return false
	}
	return x%blockStride < cellSpan && y%blockStride < cellSpan &&
		x%cellStep == 0 && y%cellStep == 0
}

// LocateOrange searches a single plane of width×height bytes for samples in
// the orange range and returns the per-axis median of their coordinates.
// The search is sparse: only points for which OnGrid holds are read.
func LocateOrange(plane []byte, width, height int) (image.Point, bool) {
	return LocateOrangeStride(plane, width, height, width)
}

// LocateOrangeStride is LocateOrange for a plane whose lines are stride
// bytes apart. Padding bytes are never sampled. A stride below width is
// treated as width.
func LocateOrangeStride(plane []byte, width, height, stride int) (image.Point, bool) {
	if stride < width {
		stride = width
	}
	xs, ys := collectOrange(plane, width, height, stride)
	if len(xs) == 0 {
		return image.Point{}, false
	}
	return image.Pt(Median(xs), Median(ys)), true
}

func collectOrange(plane []byte, width, height, stride int) (xs, ys []int) {
	for blockY := 0; blockY < height; blockY += blockStride {
		for blockX := 0; blockX < width; blockX += blockStride {
			for cellY := 0; cellY < cellSpan; cellY += cellStep {
				y := blockY + cellY
				if y >= height {
					break
				}
				for cellX := 0; cellX < cellSpan; cellX += cellStep {
					x := blockX + cellX
					if x >= width {
						break
					}
					idx := y*stride + x
					if idx >= len(plane) {
						continue
					}
					if v := plane[idx]; v > orangeMin && v < orangeMax {
						xs = append(xs, x)
						ys = append(ys, y)
					}
				}
			}
		}
	}
	return xs, ys
}
