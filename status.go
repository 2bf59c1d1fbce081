package framewatch

import (
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/abihf/framewatch/capture"
	"github.com/abihf/framewatch/protocol"
)

// StatusSource is what the status server reports on. *capture.Session
// implements it.
type StatusSource interface {
	ID() string
	State() capture.State
	Snapshot() capture.Snapshot
}

// StatusServer answers STATUS requests on a unix socket.
type StatusServer struct {
	ln     net.Listener
	path   string
	source StatusSource
	logger *slog.Logger
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
}

// ListenStatus replaces any stale socket at path and starts accepting.
func ListenStatus(path string, source StatusSource, logger *slog.Logger) (*StatusServer, error) {
	os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "Listen error")
	}
	os.Chmod(path, 0666)

	s := &StatusServer{
		ln:     ln,
		path:   path,
		source: source,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

func (s *StatusServer) Addr() string { return s.path }

func (s *StatusServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Accept error", "error", err)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *StatusServer) handle(c net.Conn) {
	defer c.Close()

	for {
		req, err := protocol.ReadReq(c)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("Can not read request", "error", err)
			}
			return
		}

		switch req.Action {
		case protocol.ActionStatus:
			s.logger.Debug("Status requested", "client", req.Params["client"])
			err = protocol.WriteStatusRes(c, s.status())
		default:
			err = protocol.WriteErrorRes(c, errors.Errorf("Unknown action %q", req.Action))
		}
		if err != nil {
			s.logger.Warn("Can not write response", "error", err)
			return
		}
	}
}

func (s *StatusServer) status() *protocol.StatusRes {
	snap := s.source.Snapshot()
	res := &protocol.StatusRes{
		Session:     s.source.ID(),
		State:       s.source.State().String(),
		Frames:      snap.Frames,
		FPS:         snap.FPS,
		DarkFrames:  snap.DarkFrames,
		MapFailures: snap.MapFailures,
	}
	if last := snap.Last; last != nil && last.Found {
		res.BlobFound = true
		res.BlobX, res.BlobY = last.Blob.X, last.Blob.Y
	}
	return res
}

// Close stops accepting, drops open connections and waits for their
// handlers to return.
func (s *StatusServer) Close() error {
	err := s.ln.Close()
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	os.Remove(s.path)
	return err
}
