// Package control implements the operator socket: a line protocol over a
// unix domain socket through which running instances report source status
// and accept restart commands. The CLI's status and restart subcommands
// are clients of this socket.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/sdss/cerebro/errors"
)

// Controller is the surface the socket exposes, implemented by the service
// runtime.
type Controller interface {
	// Status returns the source name → running mapping.
	Status() map[string]bool

	// Restart stops and restarts one source.
	Restart(ctx context.Context, name string) error
}

// Server accepts control connections on a unix socket.
type Server struct {
	path       string
	controller Controller
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a control server bound to the given socket path.
func NewServer(path string, controller Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		path:       path,
		controller: controller,
		logger:     logger.With("component", "control", "socket", path),
		conns:      map[net.Conn]struct{}{},
	}
}

// track registers a live connection. It refuses once the server has
// stopped so a conn accepted during shutdown is dropped, not leaked.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Start binds the socket and begins accepting connections. A stale socket
// file from a previous run is removed first.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted,
			"Server", "Start", "control socket state check")
	}

	if _, err := os.Stat(s.path); err == nil {
		if err := os.Remove(s.path); err != nil {
			return errors.Wrap(err, "Server", "Start", "stale socket removal")
		}
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.Wrap(err, "Server", "Start", "unix socket listen")
	}
	s.listener = listener

	s.wg.Add(1)
	go s.accept(ctx, listener)

	s.logger.Info("control socket listening")
	return nil
}

func (s *Server) accept(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Accept fails permanently once the listener closes.
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer func() { _ = conn.Close() }()
			s.handle(ctx, conn)
		}()
	}
}

// handle serves one connection until exit, EOF, or context cancellation.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		command := strings.TrimSpace(scanner.Text())

		switch {
		case command == "status":
			status := s.controller.Status()
			payload, err := json.Marshal(status)
			if err != nil {
				s.logger.Error("status encode failed", "error", err)
				continue
			}
			fmt.Fprintf(conn, "%s\n", payload)

		case strings.HasPrefix(command, "restart "):
			name := strings.TrimSpace(strings.TrimPrefix(command, "restart "))
			if err := s.controller.Restart(ctx, name); err != nil {
				s.logger.Warn("restart over control socket failed",
					"source", name, "error", err)
				fmt.Fprintln(conn, "false")
			} else {
				fmt.Fprintln(conn, "true")
			}

		case command == "exit":
			return

		default:
			s.logger.Debug("unknown control command", "command", command)
		}
	}
}

// Stop closes the listener and every open connection, waits for the
// handler goroutines to return, and removes the socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if listener == nil {
		return
	}
	_ = listener.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
}
