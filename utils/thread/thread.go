// Package thread pins the calling goroutine's OS thread to a CPU core.
package thread

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SetCPUAffinity locks the calling goroutine to its OS thread and restricts
// that thread to coreID. The returned function undoes the thread lock; the
// affinity stays with the thread until it exits.
func SetCPUAffinity(coreID int) (func(), error) {
	if coreID < 0 {
		return func() {}, errors.Errorf("invalid cpu core %d", coreID)
	}
	runtime.LockOSThread()

	var set unix.CPUSet
	set.Zero()
	set.Set(coreID)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return func() {}, errors.Wrapf(err, "can not pin thread to core %d", coreID)
	}
	return runtime.UnlockOSThread, nil
}
