package camera

import "time"

// ControlID names a per-request or per-stream control.
type ControlID int

const (
	// FrameDurationLimits bounds the time between frames. Value is [2]int64
	// in microseconds: minimum then maximum.
	FrameDurationLimits ControlID = iota + 1
)

// ControlList carries control values to Camera.Start.
type ControlList map[ControlID]any

// SetFrameDurationLimits stores the frame duration bounds in microseconds.
func (l ControlList) SetFrameDurationLimits(lo, hi time.Duration) {
	l[FrameDurationLimits] = [2]int64{lo.Microseconds(), hi.Microseconds()}
}

// FrameDurationLimits returns the bounds set by SetFrameDurationLimits.
func (l ControlList) FrameDurationLimits() (lo, hi time.Duration, ok bool) {
	v, ok := l[FrameDurationLimits].([2]int64)
	if !ok {
		return 0, 0, false
	}
	return time.Duration(v[0]) * time.Microsecond, time.Duration(v[1]) * time.Microsecond, true
}
