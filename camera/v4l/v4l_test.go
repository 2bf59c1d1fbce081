package v4l

import (
	"testing"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abihf/framewatch/camera"
)

func TestFitSizeDiscrete(t *testing.T) {
	sizes := []webcam.FrameSize{
		{MinWidth: 640, MaxWidth: 640, MinHeight: 480, MaxHeight: 480},
		{MinWidth: 320, MaxWidth: 320, MinHeight: 240, MaxHeight: 240},
	}
	got, exact := fitSize(sizes, camera.Size{Width: 320, Height: 240})
	assert.True(t, exact)
	assert.Equal(t, camera.Size{Width: 320, Height: 240}, got)

	got, exact = fitSize(sizes, camera.Size{Width: 224, Height: 96})
	assert.False(t, exact)
	assert.Equal(t, camera.Size{Width: 320, Height: 240}, got)
}

func TestFitSizeStepwise(t *testing.T) {
	sizes := []webcam.FrameSize{{
		MinWidth: 32, MaxWidth: 1920, StepWidth: 16,
		MinHeight: 32, MaxHeight: 1080, StepHeight: 16,
	}}
	got, exact := fitSize(sizes, camera.Size{Width: 224, Height: 96})
	assert.True(t, exact)
	assert.Equal(t, camera.Size{Width: 224, Height: 96}, got)

	got, exact = fitSize(sizes, camera.Size{Width: 230, Height: 4000})
	assert.False(t, exact)
	assert.Equal(t, camera.Size{Width: 224, Height: 1072}, got)
}

func TestFitSizeUnknown(t *testing.T) {
	got, exact := fitSize(nil, camera.Size{Width: 224, Height: 96})
	assert.True(t, exact)
	assert.Equal(t, camera.Size{Width: 224, Height: 96}, got)
}

func TestFrameSize(t *testing.T) {
	s := camera.Size{Width: 224, Height: 96}
	assert.Equal(t, 224*96, frameSize(camera.FormatGREY, s))
	assert.Equal(t, 224*96*3/2, frameSize(camera.FormatNV12, s))
	assert.True(t, isLuma(camera.FormatYUV420))
	assert.False(t, isLuma(camera.FormatYUYV))
}

func TestValidateWithoutDevice(t *testing.T) {
	c := newCamera("/dev/null", map[webcam.PixelFormat]string{
		webcam.PixelFormat(camera.FormatGREY): "Greyscale",
		webcam.PixelFormat(camera.FormatYUYV): "YUYV 4:2:2",
	}, Options{Logger: nil})

	cfg := &camera.Configuration{Streams: []camera.StreamConfiguration{{
		Size:        camera.Size{Width: 224, Height: 96},
		PixelFormat: camera.FormatGREY,
	}}}
	assert.Equal(t, camera.ConfigAdjusted, c.Validate(cfg), "buffer count filled in")
	assert.Equal(t, defaultBuffers, cfg.At(0).BufferCount)
	assert.Equal(t, 224*96, cfg.At(0).FrameSize)
	assert.Equal(t, camera.ConfigValid, c.Validate(cfg))

	cfg.At(0).PixelFormat = camera.FormatYUYV
	assert.Equal(t, camera.ConfigInvalid, c.Validate(cfg), "interleaved formats are rejected")

	gen, err := c.GenerateConfiguration(camera.RoleViewfinder)
	require.NoError(t, err)
	assert.Equal(t, camera.FormatGREY, gen.At(0).PixelFormat)
}

func TestBufferMapRequiresDequeue(t *testing.T) {
	b := &buffer{index: 2, length: 16}
	_, err := b.Map()
	assert.True(t, errors.Is(err, camera.ErrMapFailed))

	b.data = []byte{9, 8, 7}
	m, err := b.Map()
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, m.Bytes())
	require.NoError(t, m.Unmap())
	assert.Equal(t, []byte{9, 8, 7}, b.data, "kernel mapping stays")
}

func TestCameraWithoutAcquire(t *testing.T) {
	c := newCamera("/dev/video-missing", nil, Options{})
	assert.True(t, errors.Is(c.Release(), camera.ErrNotAcquired))
	assert.True(t, errors.Is(c.Start(camera.ControlList{}), camera.ErrNotAcquired))
	assert.True(t, errors.Is(c.QueueRequest(camera.NewRequest(0)), camera.ErrNotRunning))
	assert.Error(t, c.Acquire())
}

type fakeDevice struct {
	device
	released []uint32
	failOn   map[uint32]error
}

func (d *fakeDevice) ReleaseFrame(index uint32) error {
	if err := d.failOn[index]; err != nil {
		return err
	}
	d.released = append(d.released, index)
	return nil
}

func newRunningCamera(dev device, buffers int) *Camera {
	c := newCamera("/dev/video-test", nil, Options{})
	c.cam = dev
	c.running = true
	c.pending = map[int]*camera.Request{}
	c.dequeued = map[int]bool{}
	for i := 0; i < buffers; i++ {
		c.buffers = append(c.buffers, &buffer{index: i, length: 4, data: []byte{1, 2, 3, 4}})
		c.dequeued[i] = true
	}
	return c
}

func TestQueueRequestReleaseFailureKeepsFrame(t *testing.T) {
	dev := &fakeDevice{failOn: map[uint32]error{0: errors.New("EBUSY")}}
	c := newRunningCamera(dev, 1)

	req := camera.NewRequest(0)
	require.NoError(t, req.AddBuffer(camera.NewStream(0, camera.StreamConfiguration{}), c.buffers[0]))

	err := c.QueueRequest(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Can not release frame 0")
	assert.True(t, c.dequeued[0], "frame must stay dequeued until released")
	assert.Equal(t, []byte{1, 2, 3, 4}, c.buffers[0].data)
	assert.Empty(t, c.pending)

	// The retry releases the same frame.
	dev.failOn = nil
	require.NoError(t, c.QueueRequest(req))
	assert.Equal(t, []uint32{0}, dev.released)
	assert.False(t, c.dequeued[0])
	assert.Nil(t, c.buffers[0].data)
	assert.Same(t, req, c.pending[0])
}

func TestQueueRequestRollsBackEarlierBindings(t *testing.T) {
	dev := &fakeDevice{failOn: map[uint32]error{1: errors.New("EIO")}}
	c := newRunningCamera(dev, 2)

	req := camera.NewRequest(0)
	require.NoError(t, req.AddBuffer(camera.NewStream(0, camera.StreamConfiguration{}), c.buffers[0]))
	require.NoError(t, req.AddBuffer(camera.NewStream(1, camera.StreamConfiguration{}), c.buffers[1]))

	require.Error(t, c.QueueRequest(req))
	assert.Empty(t, c.pending, "no binding may stay pending after a failed queue")
	assert.Equal(t, []uint32{0}, dev.released)
	assert.False(t, c.dequeued[0])
	assert.True(t, c.dequeued[1])
	assert.Equal(t, []byte{1, 2, 3, 4}, c.buffers[1].data)

	// Buffer 0 is already back with the kernel; only 1 is released now.
	dev.failOn = nil
	require.NoError(t, c.QueueRequest(req))
	assert.Equal(t, []uint32{0, 1}, dev.released)
	assert.Same(t, req, c.pending[0])
	assert.Same(t, req, c.pending[1])
}

func TestQueueRequestBusyBuffer(t *testing.T) {
	c := newRunningCamera(&fakeDevice{}, 1)
	first := camera.NewRequest(0)
	second := camera.NewRequest(1)
	stream := camera.NewStream(0, camera.StreamConfiguration{})
	require.NoError(t, first.AddBuffer(stream, c.buffers[0]))
	require.NoError(t, second.AddBuffer(stream, c.buffers[0]))

	require.NoError(t, c.QueueRequest(first))
	err := c.QueueRequest(second)
	assert.True(t, errors.Is(err, camera.ErrBufferBusy))
	assert.Same(t, first, c.pending[0])
}

func TestLineStride(t *testing.T) {
	size := camera.Size{Width: 224, Height: 96}
	assert.Equal(t, 256, lineStride(camera.FormatGREY, size, 256*96))
	assert.Equal(t, 224, lineStride(camera.FormatGREY, size, 224*96))
	assert.Equal(t, 224, lineStride(camera.FormatGREY, size, 100), "short frames keep the width")
	assert.Equal(t, 256, lineStride(camera.FormatNV12, size, 256*96*3/2))
	assert.Equal(t, 224, lineStride(camera.FormatGREY, camera.Size{Width: 224}, 4096))
}
