// Package framewatch runs a capture session against a V4L2 or synthetic
// camera, reports where the orange blob is in every frame and measures
// the sustained frame rate.
package framewatch

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/abihf/framewatch/camera"
	"github.com/abihf/framewatch/camera/sim"
	"github.com/abihf/framewatch/camera/v4l"
	"github.com/abihf/framewatch/capture"
	"github.com/abihf/framewatch/config"
	"github.com/abihf/framewatch/history"
)

type Option func(*runOptions)

type runOptions struct {
	manager camera.Manager
	clock   capture.Clock
	history *history.Store
	onReady func(*capture.Session)
}

// WithManager replaces the driver selected by the configuration.
func WithManager(m camera.Manager) Option {
	return func(o *runOptions) { o.manager = m }
}

func WithClock(c capture.Clock) Option {
	return func(o *runOptions) { o.clock = c }
}

// WithHistory records the summary of the session in s.
func WithHistory(s *history.Store) Option {
	return func(o *runOptions) { o.history = s }
}

// WithReady is called once the session is running.
func WithReady(fn func(*capture.Session)) Option {
	return func(o *runOptions) { o.onReady = fn }
}

// NewManager builds the camera manager selected by conf.Driver.
func NewManager(conf *config.Config, logger *slog.Logger) (camera.Manager, error) {
	pin := conf.CPUCore >= 0
	switch conf.Driver {
	case "v4l":
		return v4l.NewManager(v4l.Options{
			Device:  conf.Device,
			Pin:     pin,
			CPUCore: conf.CPUCore,
			Logger:  logger,
		}), nil
	case "sim":
		return sim.NewManager(sim.Options{
			Cameras:  conf.SimCameras,
			Interval: conf.SimInterval(),
			Pin:      pin,
			CPUCore:  conf.CPUCore,
			Logger:   logger,
		}), nil
	default:
		return nil, errors.Errorf("Unknown driver %q", conf.Driver)
	}
}

// SessionOptions translates conf into capture options.
func SessionOptions(conf *config.Config) (capture.Options, error) {
	format, err := camera.ParsePixelFormat(conf.PixelFormat)
	if err != nil {
		return capture.Options{}, err
	}
	lo, hi := conf.FrameDurationLimits()
	return capture.Options{
		CameraID:         cameraID(conf),
		Size:             camera.Size{Width: conf.Width, Height: conf.Height},
		PixelFormat:      format,
		BufferCount:      conf.BufferCount,
		Duration:         conf.Duration(),
		FrameDurationMin: lo,
		FrameDurationMax: hi,
		DarkThreshold:    byte(conf.DarkThreshold),
		DarkFrameRatio:   conf.DarkFrameRatio,
		HeartbeatEvery:   uint64(conf.HeartbeatEvery),
	}, nil
}

// Device selects a v4l node; sim cameras are always picked first-come.
func cameraID(conf *config.Config) string {
	if conf.Driver == "v4l" {
		return conf.Device
	}
	return ""
}

// Run configures and starts one session, keeps it running for the
// configured duration or until ctx is done, stops it and returns the
// throughput summary. A status server is served on conf.Socket while the
// session runs.
func Run(ctx context.Context, conf *config.Config, logger *slog.Logger, opts ...Option) (capture.Summary, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.manager == nil {
		m, err := NewManager(conf, logger)
		if err != nil {
			return capture.Summary{}, err
		}
		o.manager = m
	}
	sopts, err := SessionOptions(conf)
	if err != nil {
		return capture.Summary{}, err
	}
	sopts.Clock = o.clock

	session := capture.NewSession(o.manager, sopts, logger)
	if err := session.Configure(); err != nil {
		return capture.Summary{}, errors.Wrap(err, "Can not configure session")
	}
	if err := session.Start(); err != nil {
		return capture.Summary{}, errors.Wrap(err, "Can not start session")
	}

	if conf.Socket != "" {
		srv, err := ListenStatus(conf.Socket, session, logger)
		if err != nil {
			if _, serr := session.Stop(); serr != nil {
				logger.Warn("Session teardown incomplete", "error", serr)
			}
			return capture.Summary{}, err
		}
		defer srv.Close()
	}

	if o.onReady != nil {
		o.onReady(session)
	}
	session.Wait(ctx)

	sum, err := session.Stop()
	if err != nil {
		logger.Warn("Session teardown incomplete", "error", err)
	}

	if o.history != nil {
		// the session context may already be cancelled; recording still has to happen
		if herr := o.history.Record(context.WithoutCancel(ctx), history.FromSummary(sum)); herr != nil {
			logger.Error("Can not record session", "error", herr)
		}
	}
	return sum, err
}
