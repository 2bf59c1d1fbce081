package framewatch

import (
	"encoding/json"
	"image"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abihf/framewatch/analysis"
	"github.com/abihf/framewatch/capture"
	"github.com/abihf/framewatch/protocol"
)

type staticSource struct {
	snap capture.Snapshot
}

func (staticSource) ID() string                   { return "static" }
func (staticSource) State() capture.State         { return capture.StateRunning }
func (s staticSource) Snapshot() capture.Snapshot { return s.snap }

func listenTest(t *testing.T, src StatusSource) *StatusServer {
	t.Helper()
	srv, err := ListenStatus(filepath.Join(t.TempDir(), "s.sock"), src, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestStatusServerReportsSnapshot(t *testing.T) {
	srv := listenTest(t, staticSource{snap: capture.Snapshot{
		Frames:     900,
		FPS:        30,
		DarkFrames: 2,
		Last: &capture.FrameResult{
			Frame:  900,
			Result: analysis.Result{Blob: image.Point{X: 96, Y: 40}, Found: true},
		},
	}})

	conn, err := net.Dial("unix", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// several requests on one connection
	for i := 0; i < 2; i++ {
		require.NoError(t, protocol.WriteStatusReq(conn, "test"))
		res, err := protocol.ReadRes(conn)
		require.NoError(t, err)
		s := protocol.ToStatusRes(res)
		assert.Equal(t, "static", s.Session)
		assert.Equal(t, "running", s.State)
		assert.Equal(t, uint64(900), s.Frames)
		assert.InDelta(t, 30.0, s.FPS, 1e-9)
		assert.True(t, s.BlobFound)
		assert.Equal(t, 96, s.BlobX)
		assert.Equal(t, 40, s.BlobY)
	}
}

func TestStatusServerUnknownAction(t *testing.T) {
	srv := listenTest(t, staticSource{})
	conn, err := net.Dial("unix", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, json.NewEncoder(conn).Encode(protocol.Req{Action: "AUTH"}))
	res, err := protocol.ReadRes(conn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Contains(t, res.Error, "Unknown action")
}

func TestStatusServerCloseDropsIdleClients(t *testing.T) {
	srv, err := ListenStatus(filepath.Join(t.TempDir(), "s.sock"), staticSource{}, discardLogger())
	require.NoError(t, err)

	conn, err := net.Dial("unix", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		srv.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on an idle client")
	}
}
