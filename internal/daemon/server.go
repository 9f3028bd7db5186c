package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/strobehq/strobe/internal/logging"
	"github.com/strobehq/strobe/internal/session"
	"github.com/strobehq/strobe/internal/store"
)

// Server accepts client connections on a local stream socket and
// dispatches line-framed requests onto the coordinator.
type Server struct {
	coord  *session.Coordinator
	store  *store.Store
	logger *logging.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a Server over an assembled coordinator and store.
func NewServer(coord *session.Coordinator, st *store.Store, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	return &Server{coord: coord, store: st, logger: logger}
}

// Listen binds the unix socket, replacing a stale socket file left by a
// crashed predecessor (the lock file, not the socket, is the
// single-instance guard).
func (s *Server) Listen(socketPath string) error {
	os.Remove(socketPath)
	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is canceled or the listener closes.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

// Close shuts the listener down.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

// handleConn serves one client: register ownership, loop over
// line-framed requests, and on disconnect drop the connection so its
// non-retained sessions are stopped.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	s.coord.RegisterConnection(connID)
	defer func() {
		conn.Close()
		s.coord.DropConnection(connID)
	}()

	logger := s.logger.With("conn", connID)
	logger.Debug("client connected")

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(conn)

	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			logger.Warn("malformed request dropped", "error", err)
			continue
		}
		resp := s.dispatch(ctx, connID, req)
		if err := enc.Encode(resp); err != nil {
			logger.Warn("write to client failed", "error", err)
			return
		}
	}
	logger.Debug("client disconnected")
}
