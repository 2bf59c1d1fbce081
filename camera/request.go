package camera

import (
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
)

// RequestStatus is the completion state of a Request.
type RequestStatus int32

const (
	RequestPending RequestStatus = iota
	RequestComplete
	RequestCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestComplete:
		return "complete"
	default:
		return "cancelled"
	}
}

// ReuseFlag controls what Request.Reuse keeps.
type ReuseFlag int

const (
	ReuseDefault ReuseFlag = 0
	ReuseBuffers ReuseFlag = 1
)

// BufferBinding pairs a stream with the buffer a request fills for it.
type BufferBinding struct {
	Stream *Stream
	Buffer FrameBuffer
}

// Request binds frame buffers to one asynchronous capture. A request is
// created once and cycled with Reuse and Camera.QueueRequest.
type Request struct {
	cookie   uint64
	status   atomic.Int32
	bindings []BufferBinding
	sequence uint64
}

// NewRequest is used by drivers from CreateRequest.
func NewRequest(cookie uint64) *Request {
	return &Request{cookie: cookie}
}

func (r *Request) Cookie() uint64 { return r.cookie }

func (r *Request) Status() RequestStatus { return RequestStatus(r.status.Load()) }

// Sequence is the number of times the request has been completed.
func (r *Request) Sequence() uint64 { return r.sequence }

// AddBuffer binds buf to stream. A stream may only be bound once.
func (r *Request) AddBuffer(stream *Stream, buf FrameBuffer) error {
	if stream == nil || buf == nil {
		return errors.New("can not add nil stream or buffer")
	}
	for _, b := range r.bindings {
		if b.Stream == stream {
			return errors.Errorf("stream %d already has a buffer", stream.ID())
		}
	}
	r.bindings = append(r.bindings, BufferBinding{Stream: stream, Buffer: buf})
	sort.Slice(r.bindings, func(i, j int) bool {
		return r.bindings[i].Stream.ID() < r.bindings[j].Stream.ID()
	})
	return nil
}

// Buffers returns the bindings ordered by stream id.
func (r *Request) Buffers() []BufferBinding { return r.bindings }

// FindBuffer returns the buffer bound to stream, or nil.
func (r *Request) FindBuffer(stream *Stream) FrameBuffer {
	for _, b := range r.bindings {
		if b.Stream == stream {
			return b.Buffer
		}
	}
	return nil
}

// Reuse makes a completed request ready to be queued again. Without
// ReuseBuffers the buffer bindings are dropped.
func (r *Request) Reuse(flags ReuseFlag) {
	r.status.Store(int32(RequestPending))
	if flags&ReuseBuffers == 0 {
		r.bindings = nil
	}
}

// Complete is called by the driver that owns the request.
func (r *Request) Complete(status RequestStatus) {
	r.sequence++
	r.status.Store(int32(status))
}
