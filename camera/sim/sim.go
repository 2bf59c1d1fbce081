// Package sim is a camera driver that produces synthetic frames. Buffers
// are memfd backed and completions are delivered from a single goroutine,
// one at a time, like a kernel driver's event thread.
package sim

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/abihf/framewatch/camera"
	"github.com/abihf/framewatch/utils/thread"
)

const (
	defaultWidth    = 640
	defaultHeight   = 480
	defaultBuffers  = 4
	defaultInterval = 4 * time.Millisecond
	maxDimension    = 4096
)

// Options tunes the synthetic driver.
type Options struct {
	// Cameras is the number of sensors the manager reports.
	Cameras int
	// Interval is the time between frames. Frame duration limits passed to
	// Start clamp it.
	Interval time.Duration
	// FrameLimit stops frame production after that many completions.
	FrameLimit uint64
	// MaxBuffers makes Allocate fail when a stream asks for more.
	MaxBuffers int
	// FailCreateRequest makes CreateRequest fail.
	FailCreateRequest bool
	// FailMap decides per frame and buffer whether mapping fails.
	FailMap func(seq uint64, index int) bool
	// Pattern renders frames. Defaults to MovingBlob(8).
	Pattern Pattern
	// Pin restricts the delivery goroutine to CPUCore.
	Pin     bool
	CPUCore int

	Logger *slog.Logger
}

// Manager reports Options.Cameras synthetic sensors.
type Manager struct {
	cameras []*Camera
}

func NewManager(opts Options) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Pattern == nil {
		opts.Pattern = MovingBlob(8)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{}
	for i := 0; i < opts.Cameras; i++ {
		m.cameras = append(m.cameras, newCamera(fmt.Sprintf("sim:%d", i), opts))
	}
	return m
}

func (m *Manager) Start() error { return nil }
func (m *Manager) Stop()        {}

func (m *Manager) Cameras() []camera.Camera {
	cams := make([]camera.Camera, len(m.cameras))
	for i, c := range m.cameras {
		cams[i] = c
	}
	return cams
}

func (m *Manager) Get(id string) camera.Camera {
	for _, c := range m.cameras {
		if c.id == id {
			return c
		}
	}
	return nil
}

// Camera is one synthetic sensor.
type Camera struct {
	id     string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	acquired bool
	running  bool
	stream   *camera.Stream
	buffers  []*buffer
	queue    chan *camera.Request
	complete camera.CompletionFunc

	stop      chan struct{}
	done      chan struct{}
	limitHit  chan struct{}
	sequence  atomic.Uint64
	underruns atomic.Uint64
}

func newCamera(id string, opts Options) *Camera {
	return &Camera{
		id:       id,
		opts:     opts,
		logger:   opts.Logger.With("camera", id),
		limitHit: make(chan struct{}),
	}
}

func (c *Camera) ID() string { return c.id }

func (c *Camera) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		return camera.ErrAlreadyAcquired
	}
	c.acquired = true
	return nil
}

func (c *Camera) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("can not release a running camera")
	}
	c.acquired = false
	return nil
}

func (c *Camera) GenerateConfiguration(roles ...camera.StreamRole) (*camera.Configuration, error) {
	cfg := &camera.Configuration{}
	for _, role := range roles {
		cfg.Streams = append(cfg.Streams, camera.StreamConfiguration{
			Role:        role,
			Size:        camera.Size{Width: defaultWidth, Height: defaultHeight},
			PixelFormat: camera.FormatGREY,
			BufferCount: defaultBuffers,
		})
	}
	if c.Validate(cfg) == camera.ConfigInvalid {
		return nil, camera.ErrInvalidConfiguration
	}
	return cfg, nil
}

// Validate accepts exactly one stream in a format whose first plane is
// luma. Odd or oversized geometry and a missing buffer count are adjusted.
func (c *Camera) Validate(cfg *camera.Configuration) camera.ConfigStatus {
	if cfg == nil || len(cfg.Streams) != 1 {
		return camera.ConfigInvalid
	}
	sc := cfg.At(0)
	status := camera.ConfigValid

	var frameSize func(w, h int) int
	switch sc.PixelFormat {
	case camera.FormatGREY:
		frameSize = func(w, h int) int { return w * h }
	case camera.FormatYUV420, camera.FormatNV12:
		frameSize = func(w, h int) int { return w * h * 3 / 2 }
	default:
		return camera.ConfigInvalid
	}
	if sc.Size.Width <= 0 || sc.Size.Height <= 0 {
		return camera.ConfigInvalid
	}

	adjust := func(v *int, limit int) {
		n := *v
		if n > limit {
			n = limit
		}
		n &^= 1
		if n < 2 {
			n = 2
		}
		if n != *v {
			*v = n
			status = camera.ConfigAdjusted
		}
	}
	adjust(&sc.Size.Width, maxDimension)
	adjust(&sc.Size.Height, maxDimension)
	if sc.BufferCount < 1 {
		sc.BufferCount = defaultBuffers
		status = camera.ConfigAdjusted
	}
	sc.Stride = sc.Size.Width
	sc.FrameSize = frameSize(sc.Size.Width, sc.Size.Height)
	return status
}

func (c *Camera) Configure(cfg *camera.Configuration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return camera.ErrNotAcquired
	}
	if c.running {
		return errors.New("can not configure a running camera")
	}
	if c.Validate(cfg) == camera.ConfigInvalid {
		return camera.ErrInvalidConfiguration
	}
	sc := cfg.At(0)
	c.stream = camera.NewStream(0, *sc)
	sc.SetStream(c.stream)
	return nil
}

func (c *Camera) Allocate(stream *camera.Stream) ([]camera.FrameBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stream == nil || stream != c.stream {
		return nil, camera.ErrNotConfigured
	}
	if len(c.buffers) > 0 {
		return nil, errors.New("buffers already allocated")
	}
	sc := stream.Configuration()
	if c.opts.MaxBuffers > 0 && sc.BufferCount > c.opts.MaxBuffers {
		return nil, errors.Errorf("can not allocate %d buffers, only %d available", sc.BufferCount, c.opts.MaxBuffers)
	}

	bufs := make([]camera.FrameBuffer, 0, sc.BufferCount)
	for i := 0; i < sc.BufferCount; i++ {
		b, err := newBuffer(i, sc.FrameSize)
		if err != nil {
			for _, allocated := range c.buffers {
				allocated.free()
			}
			c.buffers = nil
			return nil, errors.Wrapf(err, "buffer %d", i)
		}
		c.buffers = append(c.buffers, b)
		bufs = append(bufs, b)
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
		return errors.New("can not free buffers while running")
	}
	var firstErr error
	for _, b := range c.buffers {
		if err := b.free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.buffers = nil
	return firstErr
}

func (c *Camera) CreateRequest(cookie uint64) (*camera.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, camera.ErrNotConfigured
	}
	if c.opts.FailCreateRequest {
		return nil, errors.New("request creation rejected")
	}
	return camera.NewRequest(cookie), nil
}

func (c *Camera) OnRequestCompleted(fn camera.CompletionFunc) {
	c.mu.Lock()
	c.complete = fn
	c.mu.Unlock()
}

func (c *Camera) QueueRequest(req *camera.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return camera.ErrNotRunning
	}
	if len(req.Buffers()) == 0 {
		return errors.New("request has no buffers")
	}
	for _, b := range req.Buffers() {
		buf, ok := b.Buffer.(*buffer)
		if !ok || buf.index >= len(c.buffers) || c.buffers[buf.index] != buf {
			return errors.New("buffer does not belong to this camera")
		}
		if buf.owner != nil && buf.owner != req {
			return errors.Wrapf(camera.ErrBufferBusy, "buffer %d", buf.index)
		}
	}
	for _, b := range req.Buffers() {
		b.Buffer.(*buffer).owner = req
	}
	select {
	case c.queue <- req:
		return nil
	default:
		return errors.New("request queue is full")
	}
}

func (c *Camera) Start(controls camera.ControlList) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		return camera.ErrNotAcquired
	}
	if c.running {
		return errors.New("camera already running")
	}
	if len(c.buffers) == 0 {
		return errors.New("no buffers allocated")
	}

	interval := c.opts.Interval
	if lo, hi, ok := controls.FrameDurationLimits(); ok {
		if interval < lo {
			interval = lo
		}
		if hi > 0 && interval > hi {
			interval = hi
		}
	}

	c.queue = make(chan *camera.Request, len(c.buffers))
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.running = true
	c.logger.Debug("streaming", "interval", interval, "buffers", len(c.buffers))
	go c.loop(interval, c.complete)
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
	var cancelled []*camera.Request
	for len(c.queue) > 0 {
		req := <-c.queue
		for _, b := range req.Buffers() {
			buf := b.Buffer.(*buffer)
			buf.owner = nil
			buf.meta = camera.FrameMetadata{Status: camera.FrameCancelled}
		}
		req.Complete(camera.RequestCancelled)
		cancelled = append(cancelled, req)
	}
	fn := c.complete
	c.mu.Unlock()

	if fn != nil {
		for _, req := range cancelled {
			fn(req)
		}
	}
	return nil
}

// Delivered is the number of successful completions so far.
func (c *Camera) Delivered() uint64 { return c.sequence.Load() }

// Underruns counts frame slots that found no queued request.
func (c *Camera) Underruns() uint64 { return c.underruns.Load() }

// LimitReached is closed once FrameLimit frames have been delivered.
func (c *Camera) LimitReached() <-chan struct{} { return c.limitHit }

func (c *Camera) loop(interval time.Duration, fn camera.CompletionFunc) {
	defer close(c.done)

	if c.opts.Pin {
		unlock, err := thread.SetCPUAffinity(c.opts.CPUCore)
		if err != nil {
			c.logger.Warn("can not set cpu affinity", "error", err)
		}
		defer unlock()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		if limit := c.opts.FrameLimit; limit > 0 && c.sequence.Load() >= limit {
			continue
		}
		select {
		case req := <-c.queue:
			c.deliver(req, fn)
		default:
			c.underruns.Add(1)
		}
	}
}

func (c *Camera) deliver(req *camera.Request, fn camera.CompletionFunc) {
	seq := c.sequence.Add(1)
	size := c.stream.Configuration().Size

	c.mu.Lock()
	for _, b := range req.Buffers() {
		buf := b.Buffer.(*buffer)
		c.opts.Pattern(seq, buf.rw, size)
		buf.meta = camera.FrameMetadata{
			Status:    camera.FrameSuccess,
			Sequence:  seq,
			Timestamp: time.Now(),
			BytesUsed: buf.length,
		}
		buf.failMap = c.opts.FailMap != nil && c.opts.FailMap(seq, buf.index)
		buf.owner = nil
	}
	c.mu.Unlock()

	req.Complete(camera.RequestComplete)
	if fn != nil {
		fn(req)
	}
	if limit := c.opts.FrameLimit; limit > 0 && seq == limit {
		close(c.limitHit)
	}
}
