package sim

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/abihf/framewatch/camera"
)

// buffer is backed by a memfd so the pipeline maps it the same way it maps
// a dmabuf exported by a real driver.
type buffer struct {
	index  int
	fd     int
	length int
	rw     []byte

	meta    camera.FrameMetadata
	failMap bool
	owner   *camera.Request
}

func newBuffer(index, length int) (*buffer, error) {
	fd, err := unix.MemfdCreate("framewatch-sim", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create")
	}
	if err := unix.Ftruncate(fd, int64(length)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "ftruncate")
	}
	rw, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "mmap")
	}
	return &buffer{index: index, fd: fd, length: length, rw: rw}, nil
}

func (b *buffer) Index() int { return b.index }

func (b *buffer) Planes() []camera.Plane {
	return []camera.Plane{{FD: b.fd, Length: b.length}}
}

func (b *buffer) Metadata() camera.FrameMetadata { return b.meta }

func (b *buffer) Map() (camera.Mapping, error) {
	if b.failMap {
		return nil, errors.Wrapf(camera.ErrMapFailed, "injected failure on buffer %d", b.index)
	}
	return camera.MapFD(b.fd, 0, b.length)
}

func (b *buffer) free() error {
	var err error
	if b.rw != nil {
		err = unix.Munmap(b.rw)
		b.rw = nil
	}
	if b.fd >= 0 {
		if cerr := unix.Close(b.fd); err == nil {
			err = cerr
		}
		b.fd = -1
	}
	return err
}
