// Package v4l drives a Video4Linux2 capture device through
// github.com/blackjack/webcam. Buffers are the kernel's mmap buffers: a
// completed request hands out the dequeued buffer without copying and
// queueing the request again gives the buffer back to the kernel.
package v4l

import (
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/blackjack/webcam"
	"github.com/pkg/errors"

	"github.com/abihf/framewatch/camera"
	"github.com/abihf/framewatch/utils/thread"
)

const (
	devicePattern  = "/dev/video*"
	defaultBuffers = 4

	// waitTimeout is in seconds, so Stop returns within about a second.
	waitTimeout = 1
)

// lumaFormats are formats whose first plane is a full resolution luma plane.
var lumaFormats = []camera.PixelFormat{camera.FormatGREY, camera.FormatYUV420, camera.FormatNV12}

// device is the part of *webcam.Webcam the driver uses.
type device interface {
	Close() error
	GetSupportedFrameSizes(f webcam.PixelFormat) []webcam.FrameSize
	SetImageFormat(f webcam.PixelFormat, width, height uint32) (webcam.PixelFormat, uint32, uint32, error)
	SetBufferCount(count uint32) error
	SetFramerate(fps float32) error
	StartStreaming() error
	StopStreaming() error
	WaitForFrame(timeout uint32) error
	GetFrame() ([]byte, uint32, error)
	ReleaseFrame(index uint32) error
}

type Options struct {
	// Device restricts enumeration to one node. Empty scans /dev/video*.
	Device  string
	Pin     bool
	CPUCore int
	Logger  *slog.Logger
}

type Manager struct {
	opts    Options
	cameras []*Camera
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{opts: opts}
}

// Start scans the device nodes and keeps those that can capture.
func (m *Manager) Start() error {
	paths := []string{m.opts.Device}
	if m.opts.Device == "" {
		var err error
		paths, err = filepath.Glob(devicePattern)
		if err != nil {
			return errors.Wrap(err, "Can not list video devices")
		}
		sort.Strings(paths)
	}

	m.cameras = nil
	for _, path := range paths {
		formats, err := captureFormats(path)
		if err != nil {
			m.opts.Logger.Debug("Skipping video device", "device", path, "error", err)
			continue
		}
		m.cameras = append(m.cameras, newCamera(path, formats, m.opts))
	}
	return nil
}

func (m *Manager) Stop() {}

func (m *Manager) Cameras() []camera.Camera {
	cams := make([]camera.Camera, len(m.cameras))
	for i, c := range m.cameras {
		cams[i] = c
	}
	return cams
}

func (m *Manager) Get(id string) camera.Camera {
	for _, c := range m.cameras {
		if c.path == id {
			return c
		}
	}
	return nil
}

func captureFormats(path string) (map[webcam.PixelFormat]string, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "Can not open device")
	}
	defer cam.Close()
	formats := cam.GetSupportedFormats()
	if len(formats) == 0 {
		return nil, errors.New("Device has no capture formats")
	}
	return formats, nil
}

type Camera struct {
	path    string
	formats map[webcam.PixelFormat]string
	opts    Options
	logger  *slog.Logger

	mu       sync.Mutex
	cam      device
	stream   *camera.Stream
	buffers  []*buffer
	pending  map[int]*camera.Request
	dequeued map[int]bool
	running  bool
	complete camera.CompletionFunc
	sequence uint64

	stop chan struct{}
	done chan struct{}
}

func newCamera(path string, formats map[webcam.PixelFormat]string, opts Options) *Camera {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Camera{
		path:    path,
		formats: formats,
		opts:    opts,
		logger:  opts.Logger.With("camera", path),
	}
}

func (c *Camera) ID() string { return c.path }

func (c *Camera) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cam != nil {
		return camera.ErrAlreadyAcquired
	}
	cam, err := webcam.Open(c.path)
	if err != nil {
		return errors.Wrap(err, "Can not open device")
	}
	c.cam = cam
	return nil
}

func (c *Camera) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cam == nil {
		return camera.ErrNotAcquired
	}
	if c.running {
		return errors.New("Can not release a running camera")
	}
	err := c.cam.Close()
	c.cam = nil
	c.stream = nil
	return err
}

func (c *Camera) GenerateConfiguration(roles ...camera.StreamRole) (*camera.Configuration, error) {
	format, ok := c.preferredFormat()
	if !ok {
		return nil, errors.Wrap(camera.ErrInvalidConfiguration, "Device has no luma format")
	}
	cfg := &camera.Configuration{}
	for _, role := range roles {
		sc := camera.StreamConfiguration{
			Role:        role,
			PixelFormat: format,
			BufferCount: defaultBuffers,
		}
		if sizes := c.sizes(format); len(sizes) > 0 {
			sc.Size = camera.Size{Width: int(sizes[0].MaxWidth), Height: int(sizes[0].MaxHeight)}
		}
		cfg.Streams = append(cfg.Streams, sc)
	}
	return cfg, nil
}

func (c *Camera) preferredFormat() (camera.PixelFormat, bool) {
	for _, f := range lumaFormats {
		if _, ok := c.formats[webcam.PixelFormat(f)]; ok {
			return f, true
		}
	}
	return 0, false
}

func (c *Camera) sizes(f camera.PixelFormat) []webcam.FrameSize {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cam == nil {
		return nil
	}
	return c.cam.GetSupportedFrameSizes(webcam.PixelFormat(f))
}

// Validate accepts a single stream in a luma-first format the device
// supports. A size the device does not list is moved to the closest one.
func (c *Camera) Validate(cfg *camera.Configuration) camera.ConfigStatus {
	if cfg == nil || len(cfg.Streams) != 1 {
		return camera.ConfigInvalid
	}
	sc := cfg.At(0)
	if _, ok := c.formats[webcam.PixelFormat(sc.PixelFormat)]; !ok || !isLuma(sc.PixelFormat) {
		return camera.ConfigInvalid
	}
	if sc.Size.Width <= 0 || sc.Size.Height <= 0 {
		return camera.ConfigInvalid
	}

	status := camera.ConfigValid
	if size, exact := fitSize(c.sizes(sc.PixelFormat), sc.Size); !exact {
		sc.Size = size
		status = camera.ConfigAdjusted
	}
	if sc.BufferCount < 1 {
		sc.BufferCount = defaultBuffers
		status = camera.ConfigAdjusted
	}
	sc.Stride = sc.Size.Width
	sc.FrameSize = frameSize(sc.PixelFormat, sc.Size)
	return status
}

func (c *Camera) Configure(cfg *camera.Configuration) error {
	if c.Validate(cfg) == camera.ConfigInvalid {
		return camera.ErrInvalidConfiguration
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cam == nil {
		return camera.ErrNotAcquired
	}
	if c.running {
		return errors.New("Can not configure a running camera")
	}

	sc := cfg.At(0)
	f, w, h, err := c.cam.SetImageFormat(webcam.PixelFormat(sc.PixelFormat), uint32(sc.Size.Width), uint32(sc.Size.Height))
	if err != nil {
		return errors.Wrap(err, "Can not set image format")
	}
	if camera.PixelFormat(f) != sc.PixelFormat {
		return errors.Wrapf(camera.ErrInvalidConfiguration, "Device chose format %s", camera.PixelFormat(f))
	}
	sc.Size = camera.Size{Width: int(w), Height: int(h)}
	// webcam does not report bytesperline; the loop derives it per frame.
	sc.Stride = sc.Size.Width
	sc.FrameSize = frameSize(sc.PixelFormat, sc.Size)

	if err := c.cam.SetBufferCount(uint32(sc.BufferCount)); err != nil {
		return errors.Wrap(err, "Can not set buffer count")
	}

	c.stream = camera.NewStream(0, *sc)
	sc.SetStream(c.stream)
	return nil
}

// Allocate hands out one handle per kernel buffer. The memory itself is
// mapped by the webcam package when streaming starts.
func (c *Camera) Allocate(stream *camera.Stream) ([]camera.FrameBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream == nil || stream != c.stream {
		return nil, camera.ErrNotConfigured
	}
	sc := stream.Configuration()
	c.buffers = make([]*buffer, sc.BufferCount)
	bufs := make([]camera.FrameBuffer, sc.BufferCount)
	for i := range c.buffers {
		c.buffers[i] = &buffer{index: i, length: sc.FrameSize}
		bufs[i] = c.buffers[i]
	}
	return bufs, nil
}

func (c *Camera) Free(stream *camera.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream == nil || stream != c.stream {
		return camera.ErrNotConfigured
	}
	if c.running {
		return errors.New("Can not free buffers while running")
	}
	c.buffers = nil
	return nil
}

func (c *Camera) CreateRequest(cookie uint64) (*camera.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, camera.ErrNotConfigured
	}
	return camera.NewRequest(cookie), nil
}

func (c *Camera) OnRequestCompleted(fn camera.CompletionFunc) {
	c.mu.Lock()
	c.complete = fn
	c.mu.Unlock()
}

func (c *Camera) Start(controls camera.ControlList) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cam == nil {
		return camera.ErrNotAcquired
	}
	if len(c.buffers) == 0 {
		return errors.New("No buffers allocated")
	}
	if c.running {
		return errors.New("Camera already running")
	}

	if lo, _, ok := controls.FrameDurationLimits(); ok && lo > 0 {
		fps := float32(time.Second) / float32(lo)
		if err := c.cam.SetFramerate(fps); err != nil {
			c.logger.Debug("Frame rate control not supported", "fps", fps, "error", err)
		}
	}

	if err := c.cam.StartStreaming(); err != nil {
		return errors.Wrap(err, "Can not start streaming")
	}
	// StartStreaming queues every buffer to the kernel.
	c.pending = make(map[int]*camera.Request)
	c.dequeued = make(map[int]bool)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.running = true
	go c.loop(c.cam, c.complete)
	return nil
}

func (c *Camera) QueueRequest(req *camera.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return camera.ErrNotRunning
	}
	for _, b := range req.Buffers() {
		buf, ok := b.Buffer.(*buffer)
		if !ok || buf.index >= len(c.buffers) || c.buffers[buf.index] != buf {
			return errors.New("Buffer does not belong to this camera")
		}
		if owner := c.pending[buf.index]; owner != nil && owner != req {
			return errors.Wrapf(camera.ErrBufferBusy, "Buffer %d", buf.index)
		}
	}
	// A buffer stays dequeued until the kernel has taken it back, so a
	// failed release is retried on the next QueueRequest.
	var added []int
	for _, b := range req.Buffers() {
		buf := b.Buffer.(*buffer)
		if c.dequeued[buf.index] {
			if err := c.cam.ReleaseFrame(uint32(buf.index)); err != nil {
				for _, idx := range added {
					delete(c.pending, idx)
				}
				return errors.Wrapf(err, "Can not release frame %d", buf.index)
			}
			buf.data = nil
			c.dequeued[buf.index] = false
		}
		if c.pending[buf.index] == nil {
			added = append(added, buf.index)
		}
		c.pending[buf.index] = req
	}
	return nil
}

func (c *Camera) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return camera.ErrNotRunning
	}
	stop, done := c.stop, c.done
	c.mu.Unlock()

	close(stop)
	<-done

	c.mu.Lock()
	c.running = false
	err := c.cam.StopStreaming()
	cancelled := make(map[*camera.Request]bool)
	for idx, req := range c.pending {
		c.buffers[idx].data = nil
		c.buffers[idx].meta = camera.FrameMetadata{Status: camera.FrameCancelled}
		cancelled[req] = true
	}
	c.pending = nil
	fn := c.complete
	c.mu.Unlock()

	for req := range cancelled {
		req.Complete(camera.RequestCancelled)
		if fn != nil {
			fn(req)
		}
	}
	if err != nil {
		return errors.Wrap(err, "Can not stop streaming")
	}
	return nil
}

func (c *Camera) loop(cam device, fn camera.CompletionFunc) {
	defer close(c.done)

	if c.opts.Pin {
		unlock, err := thread.SetCPUAffinity(c.opts.CPUCore)
		if err != nil {
			c.logger.Warn("Can not set cpu affinity", "error", err)
		}
		defer unlock()
	}

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		err := cam.WaitForFrame(waitTimeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			continue
		default:
			c.logger.Error("Frame wait failed", "error", err)
			return
		}

		data, index, err := cam.GetFrame()
		if err != nil {
			c.logger.Error("Read frame failed", "error", err)
			return
		}
		if len(data) == 0 {
			continue
		}

		c.mu.Lock()
		c.sequence++
		idx := int(index)
		req := c.pending[idx]
		c.dequeued[idx] = true
		if req == nil || idx >= len(c.buffers) {
			// Nobody waits for this buffer; hand it straight back.
			c.dequeued[idx] = false
			err := cam.ReleaseFrame(index)
			c.mu.Unlock()
			if err != nil {
				c.logger.Error("Can not release frame", "index", idx, "error", err)
			}
			continue
		}
		delete(c.pending, idx)
		buf := c.buffers[idx]
		buf.data = data
		buf.meta = camera.FrameMetadata{
			Status:    camera.FrameSuccess,
			Sequence:  c.sequence,
			Timestamp: time.Now(),
			BytesUsed: len(data),
		}
		if c.stream != nil {
			sc := c.stream.Configuration()
			buf.meta.Stride = lineStride(sc.PixelFormat, sc.Size, len(data))
		}
		c.mu.Unlock()

		req.Complete(camera.RequestComplete)
		if fn != nil {
			fn(req)
		}
	}
}

type buffer struct {
	index  int
	length int
	data   []byte
	meta   camera.FrameMetadata
}

func (b *buffer) Index() int { return b.index }

func (b *buffer) Planes() []camera.Plane {
	return []camera.Plane{{FD: -1, Length: b.length}}
}

func (b *buffer) Metadata() camera.FrameMetadata { return b.meta }

// Map exposes the kernel buffer while the request is dequeued. The webcam
// package keeps it mapped for the whole stream, so Unmap only drops the view.
func (b *buffer) Map() (camera.Mapping, error) {
	if b.data == nil {
		return nil, errors.Wrapf(camera.ErrMapFailed, "Buffer %d is not dequeued", b.index)
	}
	return camera.NewSliceMapping(b.data), nil
}

func isLuma(f camera.PixelFormat) bool {
	for _, l := range lumaFormats {
		if f == l {
			return true
		}
	}
	return false
}

func frameSize(f camera.PixelFormat, s camera.Size) int {
	if f == camera.FormatGREY {
		return s.Width * s.Height
	}
	return s.Width * s.Height * 3 / 2
}

// lineStride infers the bytes per line of the luma plane from the size of
// a dequeued frame. Drivers may pad every line to an alignment; chroma
// lines of the 4:2:0 formats are padded the same way.
func lineStride(f camera.PixelFormat, s camera.Size, n int) int {
	if s.Height <= 0 {
		return s.Width
	}
	if f != camera.FormatGREY {
		n = n * 2 / 3
	}
	if stride := n / s.Height; stride > s.Width {
		return stride
	}
	return s.Width
}

// fitSize returns want if one of sizes allows it, otherwise the allowed
// size closest to it in area. An empty list accepts anything.
func fitSize(sizes []webcam.FrameSize, want camera.Size) (camera.Size, bool) {
	if len(sizes) == 0 {
		return want, true
	}
	best := want
	bestDiff := -1
	for _, fs := range sizes {
		w := clampStep(want.Width, int(fs.MinWidth), int(fs.MaxWidth), int(fs.StepWidth))
		h := clampStep(want.Height, int(fs.MinHeight), int(fs.MaxHeight), int(fs.StepHeight))
		if w == want.Width && h == want.Height {
			return want, true
		}
		diff := abs(w*h - want.Width*want.Height)
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = camera.Size{Width: w, Height: h}, diff
		}
	}
	return best, false
}

func clampStep(v, lo, hi, step int) int {
	if v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	if step > 0 {
		v = lo + (v-lo)/step*step
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
