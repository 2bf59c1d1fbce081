package camera

import (
	"fmt"

	"github.com/pkg/errors"
)

// StreamRole hints the driver which defaults to generate.
type StreamRole int

const (
	RoleRaw StreamRole = iota
	RoleStillCapture
	RoleVideoRecording
	RoleViewfinder
)

func (r StreamRole) String() string {
	switch r {
	case RoleRaw:
		return "raw"
	case RoleStillCapture:
		return "still"
	case RoleVideoRecording:
		return "video"
	case RoleViewfinder:
		return "viewfinder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// PixelFormat is a V4L2 style fourcc.
type PixelFormat uint32

func FourCC(a, b, c, d byte) PixelFormat {
	return PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	FormatGREY   = FourCC('G', 'R', 'E', 'Y')
	FormatYUYV   = FourCC('Y', 'U', 'Y', 'V')
	FormatYUV420 = FourCC('Y', 'U', '1', '2')
	FormatNV12   = FourCC('N', 'V', '1', '2')
)

func (f PixelFormat) String() string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// ParsePixelFormat turns a four character code into a PixelFormat.
func ParsePixelFormat(s string) (PixelFormat, error) {
	if len(s) != 4 {
		return 0, errors.Errorf("pixel format %q is not a fourcc", s)
	}
	return FourCC(s[0], s[1], s[2], s[3]), nil
}

// Size is a frame geometry in pixels.
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Stream is the configured output of a camera. Drivers create it in
// Configure; it is read-only afterwards.
type Stream struct {
	id     int
	config StreamConfiguration
}

func NewStream(id int, cfg StreamConfiguration) *Stream {
	return &Stream{id: id, config: cfg}
}

func (s *Stream) ID() int                            { return s.id }
func (s *Stream) Configuration() StreamConfiguration { return s.config }

// StreamConfiguration describes one stream. Fields are negotiated before
// Configure and must not change once capture has started.
type StreamConfiguration struct {
	Role        StreamRole
	Size        Size
	PixelFormat PixelFormat
	Stride      int
	FrameSize   int
	BufferCount int

	stream *Stream
}

// Stream returns the stream created by Configure, or nil.
func (c *StreamConfiguration) Stream() *Stream { return c.stream }

// SetStream is called by drivers from Configure.
func (c *StreamConfiguration) SetStream(s *Stream) { c.stream = s }

func (c *StreamConfiguration) String() string {
	return fmt.Sprintf("%s-%s", c.Size, c.PixelFormat)
}

// ConfigStatus is the outcome of Camera.Validate.
type ConfigStatus int

const (
	ConfigValid ConfigStatus = iota
	ConfigAdjusted
	ConfigInvalid
)

func (s ConfigStatus) String() string {
	switch s {
	case ConfigValid:
		return "valid"
	case ConfigAdjusted:
		return "adjusted"
	default:
		return "invalid"
	}
}

// Configuration is the set of streams proposed to or applied on a camera.
type Configuration struct {
	Streams []StreamConfiguration
}

// At returns the i-th stream configuration, or nil when out of range.
func (c *Configuration) At(i int) *StreamConfiguration {
	if c == nil || i < 0 || i >= len(c.Streams) {
		return nil
	}
	return &c.Streams[i]
}
