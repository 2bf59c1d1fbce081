package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/abihf/framewatch/camera"
)

// State is the session state machine.
type State int32

const (
	StateUnconfigured State = iota
	StateConfigured
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configure a Session.
type Options struct {
	// CameraID selects a camera; empty picks the first one.
	CameraID         string
	Size             camera.Size
	PixelFormat      camera.PixelFormat
	BufferCount      int
	Duration         time.Duration
	FrameDurationMin time.Duration
	FrameDurationMax time.Duration

	DarkThreshold  byte
	DarkFrameRatio float64
	HeartbeatEvery uint64

	Clock Clock
}

// Summary is reported when a session stops.
type Summary struct {
	SessionID string
	Camera    string
	Started   time.Time
	Snapshot
}

// Session acquires one camera, runs the capture loop for Options.Duration
// and tears everything down again.
type Session struct {
	id      string
	opts    Options
	logger  *slog.Logger
	manager camera.Manager

	cam       camera.Camera
	config    *camera.Configuration
	stream    *camera.Stream
	pool      *BufferPool
	lifecycle *Lifecycle
	handler   *Handler
	metrics   *Metrics

	state atomic.Int32
	final *Snapshot
}

func NewSession(manager camera.Manager, opts Options, logger *slog.Logger) *Session {
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	id := uuid.New().String()
	return &Session{
		id:      id,
		opts:    opts,
		manager: manager,
		logger:  logger.With("session", id),
		metrics: &Metrics{},
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Metrics() *Metrics { return s.metrics }

// Pool is nil until the session is running.
func (s *Session) Pool() *BufferPool { return s.pool }

// Snapshot returns the metrics up to now.
func (s *Session) Snapshot() Snapshot { return s.metrics.Snapshot(s.opts.Clock.Now()) }

func (s *Session) setState(from, to State) error {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return errors.Wrapf(ErrSessionState, "session is %s, want %s", s.State(), from)
	}
	return nil
}

// Configure acquires a camera and applies a single viewfinder stream.
func (s *Session) Configure() (err error) {
	if s.State() != StateUnconfigured {
		return errors.Wrapf(ErrSessionState, "session is %s, want %s", s.State(), StateUnconfigured)
	}
	if err := s.manager.Start(); err != nil {
		return errors.Wrap(err, "can not start camera manager")
	}
	defer func() {
		if err != nil {
			s.releaseCamera()
		}
	}()

	if s.opts.CameraID != "" {
		s.cam = s.manager.Get(s.opts.CameraID)
		if s.cam == nil {
			return errors.Wrapf(camera.ErrNoCamera, "camera %q", s.opts.CameraID)
		}
	} else if s.cam, err = camera.First(s.manager); err != nil {
		return err
	}
	if err := s.cam.Acquire(); err != nil {
		s.cam = nil
		return errors.Wrap(err, "can not acquire camera")
	}

	cfg, err := s.cam.GenerateConfiguration(camera.RoleViewfinder)
	if err != nil {
		return errors.Wrap(err, "can not generate configuration")
	}
	sc := cfg.At(0)
	if sc == nil {
		return errors.New("failed to get stream configuration")
	}
	sc.Size = s.opts.Size
	if s.opts.PixelFormat != 0 {
		sc.PixelFormat = s.opts.PixelFormat
	}
	if s.opts.BufferCount > 0 {
		sc.BufferCount = s.opts.BufferCount
	}

	switch status := s.cam.Validate(cfg); status {
	case camera.ConfigInvalid:
		return errors.Wrapf(camera.ErrInvalidConfiguration, "stream %s", sc)
	case camera.ConfigAdjusted:
		s.logger.Warn("stream configuration adjusted", "stream", sc.String(), "buffers", sc.BufferCount)
	}
	if err := s.cam.Configure(cfg); err != nil {
		return errors.Wrap(err, "can not configure camera")
	}

	s.config = cfg
	s.stream = sc.Stream()
	s.logger.Info("camera configured", "camera", s.cam.ID(), "stream", sc.String())
	return s.setState(StateUnconfigured, StateConfigured)
}

// Start allocates the buffers, creates one request per buffer, registers
// the completion handler and starts streaming.
func (s *Session) Start() (err error) {
	if s.State() != StateConfigured {
		return errors.Wrapf(ErrSessionState, "session is %s, want %s", s.State(), StateConfigured)
	}
	defer func() {
		if err != nil {
			s.freePool()
			s.releaseCamera()
		}
	}()

	s.pool, err = Allocate(s.cam, s.stream)
	if err != nil {
		return err
	}
	s.logger.Info("allocated buffers", "count", s.pool.Len())

	s.lifecycle = NewLifecycle(s.cam, s.pool, s.logger)
	if err := s.lifecycle.CreateRequests(); err != nil {
		return err
	}

	sc := s.stream.Configuration()
	s.handler = NewHandler(s.lifecycle, s.metrics, HandlerOptions{
		Size:           sc.Size,
		Stride:         sc.Stride,
		DarkThreshold:  s.opts.DarkThreshold,
		DarkFrameRatio: s.opts.DarkFrameRatio,
		HeartbeatEvery: s.opts.HeartbeatEvery,
	}, s.logger)
	s.cam.OnRequestCompleted(s.handler.OnRequestCompleted)

	controls := camera.ControlList{}
	if s.opts.FrameDurationMax > 0 {
		controls.SetFrameDurationLimits(s.opts.FrameDurationMin, s.opts.FrameDurationMax)
	}

	s.metrics.Begin(s.opts.Clock.Now())
	if err := s.cam.Start(controls); err != nil {
		return errors.Wrap(err, "can not start camera")
	}
	if err := s.lifecycle.QueueAll(); err != nil {
		s.cam.Stop()
		return err
	}
	return s.setState(StateConfigured, StateRunning)
}

// Wait blocks for the session duration or until ctx is done. Completions
// keep arriving on the driver's goroutine meanwhile.
func (s *Session) Wait(ctx context.Context) {
	select {
	case <-s.opts.Clock.After(s.opts.Duration):
	case <-ctx.Done():
		s.logger.Info("capture interrupted", "frames", s.metrics.Frames())
	}
	snap := s.metrics.Snapshot(s.opts.Clock.Now())
	s.final = &snap
}

// Stop stops streaming, frees the buffers and releases the camera. The
// summary covers the interval from Start to the end of Wait, or to Stop if
// Wait was not called.
func (s *Session) Stop() (Summary, error) {
	if err := s.setState(StateRunning, StateStopped); err != nil {
		return Summary{}, err
	}
	if s.final == nil {
		snap := s.metrics.Snapshot(s.opts.Clock.Now())
		s.final = &snap
	}

	sum := Summary{SessionID: s.id, Camera: s.cam.ID(), Started: s.metrics.Started(), Snapshot: *s.final}

	var firstErr error
	if err := s.cam.Stop(); err != nil {
		firstErr = errors.Wrap(err, "can not stop camera")
	}
	if err := s.freePool(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.releaseCamera(); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("FPS", "fps", sum.FPS, "frames", sum.Frames, "elapsed", sum.Elapsed,
		"dark_frames", sum.DarkFrames, "map_failures", sum.MapFailures,
		"failed_analyses", sum.FailedAnalyses,
		"interval_mean", sum.IntervalMean, "interval_stddev", sum.IntervalStdDev)
	return sum, firstErr
}

// Run drives the session from Unconfigured to Stopped. Cancelling ctx
// shortens the capture interval; teardown still runs.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	if err := s.Configure(); err != nil {
		return Summary{}, err
	}
	if err := s.Start(); err != nil {
		return Summary{}, err
	}
	s.Wait(ctx)
	return s.Stop()
}

func (s *Session) freePool() error {
	if s.pool == nil {
		return nil
	}
	err := s.pool.Free()
	s.pool = nil
	return err
}

func (s *Session) releaseCamera() error {
	var err error
	if s.cam != nil {
		if rerr := s.cam.Release(); rerr != nil {
			err = errors.Wrap(rerr, "can not release camera")
		}
		s.cam = nil
	}
	s.manager.Stop()
	return err
}
