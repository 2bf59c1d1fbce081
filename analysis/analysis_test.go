package analysis

import (
	"image"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWidth  = 224
	testHeight = 96
)

func filled(v byte) []byte {
	buf := make([]byte, testWidth*testHeight)
	for i := range buf {
		buf[i] = v
	}
	return buf
}

func TestDarkRatioAllDark(t *testing.T) {
	for _, v := range []byte{0, 5, 9} {
		assert.Equal(t, 1.0, DarkRatio(filled(v), DarkThreshold), "value %d", v)
	}
}

func TestDarkRatioAllBright(t *testing.T) {
	for _, v := range []byte{10, 128, 255} {
		assert.Equal(t, 0.0, DarkRatio(filled(v), DarkThreshold), "value %d", v)
	}
}

func TestDarkRatioMixed(t *testing.T) {
	buf := filled(200)
	for i := 0; i < len(buf)/4; i++ {
		buf[i] = 3
	}
	assert.InDelta(t, 0.25, DarkRatio(buf, DarkThreshold), 1e-9)
	assert.Equal(t, 0.0, DarkRatio(nil, DarkThreshold))
}

func TestIsDark(t *testing.T) {
	assert.True(t, IsDark(0.95, 0.9))
	assert.True(t, IsDark(0.9, 0.9))
	assert.False(t, IsDark(0.5, 0.9))
	assert.False(t, IsDark(1, 0))
}

func TestLocateOrangeNotFound(t *testing.T) {
	for _, v := range []byte{0, 50, 100, 255} {
		_, found := LocateOrange(filled(v), testWidth, testHeight)
		assert.False(t, found, "value %d", v)
	}
}

func TestLocateOrangeSinglePixelOnGrid(t *testing.T) {
	points := []image.Point{{0, 0}, {2, 4}, {14, 14}, {32, 0}, {66, 34}, {206, 78}, {192, 64}}
	for _, p := range points {
		require.True(t, OnGrid(p.X, p.Y), "%v should be on grid", p)
		buf := filled(0)
		buf[p.Y*testWidth+p.X] = 180
		got, found := LocateOrange(buf, testWidth, testHeight)
		require.True(t, found, "%v", p)
		assert.Equal(t, p, got)
	}
}

func TestLocateOrangeSinglePixelOffGrid(t *testing.T) {
	points := []image.Point{
		{1, 0},   // odd column
		{0, 3},   // odd row
		{16, 0},  // skipped half of block
		{0, 20},  // skipped half of block
		{48, 50}, // both
	}
	for _, p := range points {
		require.False(t, OnGrid(p.X, p.Y), "%v should be off grid", p)
		buf := filled(0)
		buf[p.Y*testWidth+p.X] = 180
		_, found := LocateOrange(buf, testWidth, testHeight)
		assert.False(t, found, "%v", p)
	}
}

func TestLocateOrangeBoundsAreOpen(t *testing.T) {
	buf := filled(0)
	buf[0] = 100
	buf[2] = 255
	_, found := LocateOrange(buf, testWidth, testHeight)
	assert.False(t, found)

	buf[2] = 101
	buf[4] = 254
	got, found := LocateOrange(buf, testWidth, testHeight)
	require.True(t, found)
	assert.Equal(t, image.Pt(4, 0), got)
}

func TestLocateOrangeMedianPerAxis(t *testing.T) {
	buf := filled(0)
	// Three samples: x medians and y medians are picked independently.
	for _, p := range []image.Point{{0, 10}, {40, 2}, {70, 66}} {
		buf[p.Y*testWidth+p.X] = 150
	}
	got, found := LocateOrange(buf, testWidth, testHeight)
	require.True(t, found)
	assert.Equal(t, image.Pt(40, 10), got)
}

func TestLocateOrangeIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	buf := make([]byte, testWidth*testHeight)
	rng.Read(buf)

	first, found1 := LocateOrange(buf, testWidth, testHeight)
	second, found2 := LocateOrange(buf, testWidth, testHeight)
	assert.Equal(t, found1, found2)
	assert.Equal(t, first, second)
}

func TestLocateOrangeShortPlane(t *testing.T) {
	buf := make([]byte, testWidth*10)
	buf[4*testWidth+4] = 200
	got, found := LocateOrange(buf, testWidth, testHeight)
	require.True(t, found)
	assert.Equal(t, image.Pt(4, 4), got)
}

func TestLocateOrangePaddedLines(t *testing.T) {
	const stride = testWidth + 32
	buf := make([]byte, stride*testHeight)
	for y := 0; y < testHeight; y++ {
		for x := testWidth; x < stride; x++ {
			buf[y*stride+x] = 150
		}
	}
	buf[34*stride+66] = 200

	got, found := LocateOrangeStride(buf, testWidth, testHeight, stride)
	require.True(t, found)
	assert.Equal(t, image.Pt(66, 34), got, "padding is not sampled")

	res := Analyze(buf, testWidth, testHeight, stride, DarkThreshold)
	assert.Equal(t, image.Pt(66, 34), res.Blob)

	clean := filled(0)
	clean[34*testWidth+66] = 200
	got, found = LocateOrangeStride(clean, testWidth, testHeight, 0)
	require.True(t, found)
	assert.Equal(t, image.Pt(66, 34), got, "short stride falls back to width")
}

func TestMedianMatchesSort(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for n := 1; n < 200; n++ {
		values := make([]int, n)
		for i := range values {
			values[i] = rng.Intn(20)
		}
		sorted := append([]int(nil), values...)
		sort.Ints(sorted)
		assert.Equal(t, sorted[n/2], Median(values), "n=%d", n)
	}
}

func TestAnalyze(t *testing.T) {
	buf := filled(0)
	buf[34*testWidth+66] = 200
	res := Analyze(buf, testWidth, testHeight, testWidth, DarkThreshold)
	assert.True(t, res.Found)
	assert.Equal(t, image.Pt(66, 34), res.Blob)
	assert.InDelta(t, 1-1.0/float64(len(buf)), res.DarkRatio, 1e-12)
}

func BenchmarkAnalyze(b *testing.B) {
	rng := rand.New(rand.NewSource(3))
	buf := make([]byte, testWidth*testHeight)
	rng.Read(buf)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Analyze(buf, testWidth, testHeight, testWidth, DarkThreshold)
	}
}
