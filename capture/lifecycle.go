package capture

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/abihf/framewatch/camera"
)

// Lifecycle creates one request per pool slot and moves it around the
// create, queue, complete, reuse, queue cycle.
type Lifecycle struct {
	cam    camera.Camera
	pool   *BufferPool
	logger *slog.Logger
}

func NewLifecycle(cam camera.Camera, pool *BufferPool, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{cam: cam, pool: pool, logger: logger}
}

func (l *Lifecycle) Pool() *BufferPool { return l.pool }

// CreateRequests binds every buffer to a new request. The slot index is the
// request cookie.
func (l *Lifecycle) CreateRequests() error {
	for _, s := range l.pool.slots {
		if _, err := l.createRequest(s); err != nil {
			return err
		}
	}
	return nil
}

func (l *Lifecycle) createRequest(s *slot) (*camera.Request, error) {
	req, err := l.cam.CreateRequest(uint64(s.index))
	if err != nil {
		return nil, errors.Wrap(err, "can not create request")
	}
	if err := req.AddBuffer(l.pool.stream, s.buffer); err != nil {
		return nil, errors.Wrap(err, "can not set buffer for request")
	}
	if err := s.transition(SlotFree, SlotIdle); err != nil {
		return nil, err
	}
	s.request = req
	return req, nil
}

// QueueAll submits every idle request. The camera must be started. Slots
// that a concurrent RetryIdle already queued are skipped.
func (l *Lifecycle) QueueAll() error {
	for _, s := range l.pool.slots {
		if err := l.queue(s, SlotIdle); err != nil {
			if errors.Is(err, ErrSlotState) {
				continue
			}
			return err
		}
	}
	return nil
}

// queue marks the slot queued before handing it to the driver, since the
// completion may arrive before QueueRequest returns.
func (l *Lifecycle) queue(s *slot, from SlotState) error {
	if err := s.transition(from, SlotQueued); err != nil {
		return err
	}
	if err := l.cam.QueueRequest(s.request); err != nil {
		s.state.Store(int32(SlotIdle))
		return errors.Wrapf(err, "can not queue request %d", s.index)
	}
	return nil
}

// Complete checks out the slot of a completed request to the caller.
func (l *Lifecycle) Complete(req *camera.Request) error {
	s, err := l.pool.slotOf(req)
	if err != nil {
		return err
	}
	return s.transition(SlotQueued, SlotCompleted)
}

// Retire parks the slot of a cancelled request for good.
func (l *Lifecycle) Retire(req *camera.Request) error {
	s, err := l.pool.slotOf(req)
	if err != nil {
		return err
	}
	return s.transition(SlotQueued, SlotRetired)
}

// Reuse rebinds the buffers of a completed request. It must be called once
// per completion.
func (l *Lifecycle) Reuse(req *camera.Request) error {
	s, err := l.pool.slotOf(req)
	if err != nil {
		return err
	}
	if err := s.transition(SlotCompleted, SlotReused); err != nil {
		return err
	}
	req.Reuse(camera.ReuseBuffers)
	return nil
}

// Requeue submits a reused request again. On failure the slot is left idle
// and RetryIdle picks it up on a later completion.
func (l *Lifecycle) Requeue(req *camera.Request) error {
	s, err := l.pool.slotOf(req)
	if err != nil {
		return err
	}
	return l.queue(s, SlotReused)
}

// Recycle is Reuse followed by Requeue.
func (l *Lifecycle) Recycle(req *camera.Request) error {
	if err := l.Reuse(req); err != nil {
		return err
	}
	return l.Requeue(req)
}

// RetryIdle queues requests whose earlier requeue failed. It returns the
// number queued.
func (l *Lifecycle) RetryIdle() int {
	n := 0
	for _, s := range l.pool.slots {
		if s.load() != SlotIdle {
			continue
		}
		if err := l.queue(s, SlotIdle); err != nil {
			l.logger.Debug("request still not queued", "slot", s.index, "error", err)
			continue
		}
		n++
	}
	return n
}
