package analysis

// DarkThreshold is the luma value below which a byte counts as dark.
const DarkThreshold = 10

// DarkRatio returns the fraction of bytes in plane that are below threshold.
// Every byte is visited.
func DarkRatio(plane []byte, threshold byte) float64 {
	total := len(plane)
	if total == 0 {
		return 0
	}
	dark := 0
	for i := 0; i < total; i++ {
		if plane[i] < threshold {
			dark++
		}
	}
	return float64(dark) / float64(total)
}

// IsDark reports whether ratio reaches limit. A limit of zero or less never
// classifies a frame as dark.
func IsDark(ratio, limit float64) bool {
	return limit > 0 && ratio >= limit
}
