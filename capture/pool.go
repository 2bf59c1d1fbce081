package capture

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/abihf/framewatch/camera"
)

// SlotState is where a buffer slot is in the request cycle.
type SlotState int32

const (
	// SlotFree has a buffer but no request yet.
	SlotFree SlotState = iota
	// SlotIdle has a request that is not queued.
	SlotIdle
	// SlotQueued is owned by the driver.
	SlotQueued
	// SlotCompleted is checked out to the completion handler.
	SlotCompleted
	// SlotReused has been rebound and waits to be queued again.
	SlotReused
	// SlotRetired was cancelled and will not be queued again.
	SlotRetired
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotIdle:
		return "idle"
	case SlotQueued:
		return "queued"
	case SlotCompleted:
		return "completed"
	case SlotReused:
		return "reused"
	case SlotRetired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type slot struct {
	index   int
	buffer  camera.FrameBuffer
	request *camera.Request
	state   atomic.Int32
}

func (s *slot) load() SlotState { return SlotState(s.state.Load()) }

// BufferPool is the fixed set of driver buffers of one stream. Each buffer
// owns one slot, and a slot holds at most one request, so a buffer can never
// be bound to two in-flight requests at once.
type BufferPool struct {
	cam    camera.Camera
	stream *camera.Stream
	slots  []*slot
}

// Allocate asks the driver for the stream's buffers.
func Allocate(cam camera.Camera, stream *camera.Stream) (*BufferPool, error) {
	bufs, err := cam.Allocate(stream)
	if err != nil {
		return nil, errors.Wrap(err, "can not allocate buffers")
	}
	if len(bufs) == 0 {
		return nil, errors.New("driver allocated no buffers")
	}
	p := &BufferPool{cam: cam, stream: stream, slots: make([]*slot, len(bufs))}
	for i, b := range bufs {
		p.slots[i] = &slot{index: i, buffer: b}
	}
	return p, nil
}

func (p *BufferPool) Len() int { return len(p.slots) }

func (p *BufferPool) Stream() *camera.Stream { return p.stream }

// Free returns the buffers to the driver. The stream must be stopped.
func (p *BufferPool) Free() error {
	if err := p.cam.Free(p.stream); err != nil {
		return errors.Wrap(err, "can not free buffers")
	}
	p.slots = nil
	return nil
}

// State returns the state of slot i.
func (p *BufferPool) State(i int) SlotState { return p.slots[i].load() }

// Counts returns how many slots are in each state.
func (p *BufferPool) Counts() map[SlotState]int {
	counts := make(map[SlotState]int)
	for _, s := range p.slots {
		counts[s.load()]++
	}
	return counts
}

// Requests returns the live requests, one per slot that has one.
func (p *BufferPool) Requests() []*camera.Request {
	var reqs []*camera.Request
	for _, s := range p.slots {
		if s.request != nil {
			reqs = append(reqs, s.request)
		}
	}
	return reqs
}

// Verify checks that every buffer has exactly one live request and that no
// buffer is bound to more than one request.
func (p *BufferPool) Verify() error {
	owners := make(map[camera.FrameBuffer]uint64)
	for _, s := range p.slots {
		if s.request == nil {
			return errors.Errorf("buffer %d has no request", s.index)
		}
		for _, b := range s.request.Buffers() {
			if prev, ok := owners[b.Buffer]; ok {
				return errors.Errorf("buffer %d bound to requests %d and %d", b.Buffer.Index(), prev, s.request.Cookie())
			}
			owners[b.Buffer] = s.request.Cookie()
		}
	}
	return nil
}

func (p *BufferPool) slotOf(req *camera.Request) (*slot, error) {
	i := req.Cookie()
	if i >= uint64(len(p.slots)) || p.slots[i].request != req {
		return nil, errors.Wrapf(ErrUnknownSlot, "cookie %d", i)
	}
	return p.slots[i], nil
}

func (s *slot) transition(from, to SlotState) error {
	if !s.state.CompareAndSwap(int32(from), int32(to)) {
		return errors.Wrapf(ErrSlotState, "slot %d is %s, want %s", s.index, s.load(), from)
	}
	return nil
}
