package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func firstAllowedCore(t *testing.T) int {
	var set unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &set))
	for i := 0; i < 1024; i++ {
		if set.IsSet(i) {
			return i
		}
	}
	t.Skip("no cpu in affinity mask")
	return -1
}

func TestSetCPUAffinity(t *testing.T) {
	core := firstAllowedCore(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		unlock, err := SetCPUAffinity(core)
		if !assert.NoError(t, err) {
			return
		}
		defer unlock()

		var set unix.CPUSet
		if assert.NoError(t, unix.SchedGetaffinity(0, &set)) {
			assert.True(t, set.IsSet(core))
			assert.Equal(t, 1, set.Count())
		}
	}()
	<-done
}

func TestSetCPUAffinityInvalid(t *testing.T) {
	unlock, err := SetCPUAffinity(-1)
	assert.Error(t, err)
	unlock()
}
