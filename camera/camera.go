// Package camera describes the boundary between the capture pipeline and a
// camera driver: sensor enumeration and ownership, stream configuration,
// frame buffer allocation, capture requests and their completion events.
//
// Drivers live in sub-packages (v4l for real sensors, sim for synthetic
// frames). The pipeline only talks to the interfaces declared here.
package camera

import (
	"github.com/pkg/errors"
)

var (
	ErrNoCamera             = errors.New("no cameras were identified on the system")
	ErrNotAcquired          = errors.New("camera is not acquired")
	ErrAlreadyAcquired      = errors.New("camera is already acquired")
	ErrInvalidConfiguration = errors.New("invalid camera configuration")
	ErrNotConfigured        = errors.New("camera is not configured")
	ErrNotRunning           = errors.New("camera is not running")
	ErrBufferBusy           = errors.New("buffer is bound to another request")
	ErrMapFailed            = errors.New("failed to map memory")
)

// CompletionFunc is invoked by a driver once per completed request. Calls
// for one camera never overlap, but may come from any goroutine.
type CompletionFunc func(req *Request)

// Manager enumerates the cameras of one driver.
type Manager interface {
	Start() error
	Stop()
	Cameras() []Camera
	Get(id string) Camera
}

// Camera is an exclusively owned sensor.
type Camera interface {
	ID() string

	Acquire() error
	Release() error

	GenerateConfiguration(roles ...StreamRole) (*Configuration, error)
	Validate(cfg *Configuration) ConfigStatus
	Configure(cfg *Configuration) error

	// Allocate returns the frame buffers for a configured stream. Buffers
	// stay valid until Free.
	Allocate(stream *Stream) ([]FrameBuffer, error)
	Free(stream *Stream) error

	CreateRequest(cookie uint64) (*Request, error)
	QueueRequest(req *Request) error
	OnRequestCompleted(fn CompletionFunc)

	// Start begins streaming with controls applied. Stop completes every
	// request still queued with RequestCancelled before returning.
	Start(controls ControlList) error
	Stop() error
}

// First returns the first camera reported by m.
func First(m Manager) (Camera, error) {
	cams := m.Cameras()
	if len(cams) == 0 {
		return nil, ErrNoCamera
	}
	return cams[0], nil
}
