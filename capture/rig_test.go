package capture

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/abihf/framewatch/analysis"
	"github.com/abihf/framewatch/camera"
	"github.com/abihf/framewatch/camera/sim"
)

var testSize = camera.Size{Width: 224, Height: 96}

// syncBuffer lets the driver goroutine log while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	out := &syncBuffer{}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug})), out
}

// rig wires a configured sim camera to a pool, lifecycle and handler
// without a Session.
type rig struct {
	cam       *sim.Camera
	stream    *camera.Stream
	pool      *BufferPool
	lifecycle *Lifecycle
	metrics   *Metrics
	handler   *Handler
	logs      *syncBuffer
}

func newRig(t *testing.T, opts sim.Options, buffers int) *rig {
	t.Helper()
	opts.Cameras = 1
	mgr := sim.NewManager(opts)
	cam := mgr.Get("sim:0").(*sim.Camera)
	require.NoError(t, cam.Acquire())

	cfg, err := cam.GenerateConfiguration(camera.RoleViewfinder)
	require.NoError(t, err)
	cfg.At(0).Size = testSize
	cfg.At(0).BufferCount = buffers
	require.NoError(t, cam.Configure(cfg))

	pool, err := Allocate(cam, cfg.At(0).Stream())
	require.NoError(t, err)

	logger, logs := newTestLogger()
	r := &rig{
		cam:       cam,
		stream:    cfg.At(0).Stream(),
		pool:      pool,
		lifecycle: NewLifecycle(cam, pool, logger),
		metrics:   &Metrics{},
		logs:      logs,
	}
	r.handler = NewHandler(r.lifecycle, r.metrics, HandlerOptions{
		Size:           testSize,
		DarkThreshold:  analysis.DarkThreshold,
		DarkFrameRatio: 0.9,
		HeartbeatEvery: 5,
	}, logger)
	t.Cleanup(func() {
		r.cam.Stop()
		if r.pool.slots != nil {
			r.pool.Free()
		}
		r.cam.Release()
	})
	return r
}

// start registers fn (the handler when nil), starts streaming and queues
// every request.
func (r *rig) start(t *testing.T, fn camera.CompletionFunc) {
	t.Helper()
	if fn == nil {
		fn = r.handler.OnRequestCompleted
	}
	require.NoError(t, r.lifecycle.CreateRequests())
	r.cam.OnRequestCompleted(fn)
	require.NoError(t, r.cam.Start(camera.ControlList{}))
	require.NoError(t, r.lifecycle.QueueAll())
}

func waitLimit(t *testing.T, cam *sim.Camera) {
	t.Helper()
	select {
	case <-cam.LimitReached():
	case <-time.After(10 * time.Second):
		t.Fatalf("frame limit not reached, delivered %d", cam.Delivered())
	}
}

// fakeClock fires After and advances by exactly d once release is closed.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	release <-chan struct{}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		if c.release != nil {
			<-c.release
		}
		c.mu.Lock()
		c.now = c.now.Add(d)
		now := c.now
		c.mu.Unlock()
		ch <- now
	}()
	return ch
}
