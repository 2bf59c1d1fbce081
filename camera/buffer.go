package camera

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FrameStatus is the per-buffer capture outcome.
type FrameStatus int

const (
	FrameSuccess FrameStatus = iota
	FrameError
	FrameCancelled
)

func (s FrameStatus) String() string {
	switch s {
	case FrameSuccess:
		return "success"
	case FrameError:
		return "error"
	default:
		return "cancelled"
	}
}

// FrameMetadata is filled by the driver when the buffer completes.
type FrameMetadata struct {
	Status    FrameStatus
	Sequence  uint64
	Timestamp time.Time
	BytesUsed int
	// Stride is the line pitch of the first plane in bytes. Zero means the
	// stream's configured stride.
	Stride int
}

// Plane is one memory plane of a frame buffer. FD is -1 when the driver
// does not expose a file descriptor.
type Plane struct {
	FD     int
	Offset int64
	Length int
}

// FrameBuffer is driver-owned pixel memory. The pipeline only references it
// while a Mapping is held.
type FrameBuffer interface {
	Index() int
	Planes() []Plane
	Metadata() FrameMetadata

	// Map gives read access to the first plane until Unmap is called.
	Map() (Mapping, error)
}

// Mapping is a read-only view of a frame buffer plane.
type Mapping interface {
	Bytes() []byte
	Unmap() error
}

type fdMapping struct {
	data []byte
}

// MapFD maps length bytes of fd at offset read-only and shared.
func MapFD(fd int, offset int64, length int) (Mapping, error) {
	if fd < 0 || length <= 0 {
		return nil, errors.Wrapf(ErrMapFailed, "fd %d length %d", fd, length)
	}
	data, err := unix.Mmap(fd, offset, length, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(ErrMapFailed, "mmap fd %d: %v", fd, err)
	}
	return &fdMapping{data: data}, nil
}

func (m *fdMapping) Bytes() []byte { return m.data }

func (m *fdMapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// SliceMapping wraps memory that the driver already keeps mapped.
type SliceMapping struct {
	data []byte
}

func NewSliceMapping(data []byte) *SliceMapping {
	return &SliceMapping{data: data}
}

func (m *SliceMapping) Bytes() []byte { return m.data }

func (m *SliceMapping) Unmap() error {
	m.data = nil
	return nil
}
