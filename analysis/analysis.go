// Package analysis holds the per-frame pixel analysis run inside the
// completion handler. All functions are pure and only allocate scratch
// storage for the sampled coordinates.
package analysis

import "image"

// Result is the outcome of analysing one plane.
type Result struct {
	DarkRatio float64
	Blob      image.Point
	Found     bool
}

// Analyze runs the dark-ratio estimator and the orange locator over plane,
// whose lines are stride bytes apart.
func Analyze(plane []byte, width, height, stride int, darkThreshold byte) Result {
	blob, found := LocateOrangeStride(plane, width, height, stride)
	return Result{
		DarkRatio: DarkRatio(plane, darkThreshold),
		Blob:      blob,
		Found:     found,
	}
}
