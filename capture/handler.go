package capture

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/abihf/framewatch/analysis"
	"github.com/abihf/framewatch/camera"
)

// HandlerOptions are the analysis parameters of a Handler.
type HandlerOptions struct {
	Size           camera.Size
	Stride         int // configured line pitch; frame metadata may override it
	DarkThreshold  byte
	DarkFrameRatio float64
	HeartbeatEvery uint64
}

// Handler analyses completed requests and hands them back to the
// lifecycle. OnRequestCompleted is registered with the driver.
type Handler struct {
	lifecycle *Lifecycle
	metrics   *Metrics
	opts      HandlerOptions
	logger    *slog.Logger

	analyze func(plane []byte, width, height, stride int, darkThreshold byte) analysis.Result
}

func NewHandler(l *Lifecycle, m *Metrics, opts HandlerOptions, logger *slog.Logger) *Handler {
	return &Handler{lifecycle: l, metrics: m, opts: opts, logger: logger, analyze: analysis.Analyze}
}

// OnRequestCompleted is a camera.CompletionFunc. Nothing escapes it: every
// failure ends up in the log and the metrics.
func (h *Handler) OnRequestCompleted(req *camera.Request) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("completion handler panic", "request", req.Cookie(), "panic", fmt.Sprint(r))
		}
	}()

	frame := h.metrics.AddFrame()
	if req.Status() == camera.RequestCancelled {
		h.metrics.addCancelled()
		if err := h.lifecycle.Retire(req); err != nil {
			h.logger.Debug("cancelled request", "request", req.Cookie(), "error", err)
		}
		return
	}

	if err := h.lifecycle.Complete(req); err != nil {
		h.logger.Error("unexpected completion", "request", req.Cookie(), "error", err)
		return
	}

	if h.opts.HeartbeatEvery > 0 && frame%h.opts.HeartbeatEvery == 0 {
		h.logger.Info("frame", "count", frame)
	}

	for i, b := range req.Buffers() {
		if i == 0 {
			h.metrics.observe(b.Buffer.Metadata().Timestamp)
		}
		h.processBuffer(frame, b.Buffer)
	}

	if err := h.lifecycle.Recycle(req); err != nil {
		h.metrics.addRequeueFailure()
		h.logger.Error("can not requeue request", "request", req.Cookie(), "error", err)
		return
	}
	h.lifecycle.RetryIdle()
}

// processBuffer analyses one buffer. A panic is contained here so the
// request still goes back to the driver.
func (h *Handler) processBuffer(frame uint64, buf camera.FrameBuffer) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.addAnalysisFailure()
			h.logger.Error("frame analysis panic", "frame", frame, "buffer", buf.Index(), "panic", fmt.Sprint(r))
		}
	}()

	meta := buf.Metadata()
	stride := meta.Stride
	if stride <= 0 {
		stride = h.opts.Stride
	}
	err := withMapping(buf, func(data []byte) {
		if used := meta.BytesUsed; used > 0 && used < len(data) {
			data = data[:used]
		}
		res := FrameResult{
			Frame:  frame,
			Buffer: buf.Index(),
			Result: h.analyze(data, h.opts.Size.Width, h.opts.Size.Height, stride, h.opts.DarkThreshold),
		}
		h.metrics.record(res, analysis.IsDark(res.DarkRatio, h.opts.DarkFrameRatio))

		if res.Found {
			h.logger.Info("median orange position",
				"frame", frame, "x", res.Blob.X, "y", res.Blob.Y, "dark_ratio", res.DarkRatio)
		} else {
			h.logger.Info("no orange pixels detected", "frame", frame, "dark_ratio", res.DarkRatio)
		}
	})
	if err != nil {
		h.metrics.addMapFailure()
		h.logger.Error("failed to map memory", "frame", frame, "buffer", buf.Index(), "error", err)
	}
}

// withMapping maps buf for the duration of fn. The mapping is released on
// every path out, including a panic in fn.
func withMapping(buf camera.FrameBuffer, fn func(data []byte)) (err error) {
	m, err := buf.Map()
	if err != nil {
		return err
	}
	defer func() {
		if uerr := m.Unmap(); uerr != nil && err == nil {
			err = errors.Wrap(uerr, "can not unmap buffer")
		}
	}()
	fn(m.Bytes())
	return nil
}
