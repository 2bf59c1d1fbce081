// Package capture runs the capture loop on top of a camera driver: it owns
// the buffer pool, cycles capture requests through the driver, analyses
// every completed frame and keeps the session throughput counters.
package capture

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrSlotState    = errors.New("request slot in unexpected state")
	ErrSessionState = errors.New("session in unexpected state")
	ErrUnknownSlot  = errors.New("request does not belong to this pool")
)

// Clock is the time source of a session.
type Clock interface {
	Now() time.Time

	// After sends the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock uses the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
