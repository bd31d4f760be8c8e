package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/devloop-run/devloop/internal/devlog"
)

// MaxConnections and IdleTimeout are the §4.10 connection limits. They are
// vars rather than consts so tests can shrink them instead of opening fifty
// real connections or waiting thirty seconds.
var (
	MaxConnections = 50
	IdleTimeout    = 30 * time.Second
)

// Handler answers one IPC request. It must not block indefinitely; the
// connection's idle timeout does not bound handler execution time.
type Handler func(ctx context.Context, req Request) Response

// Server accepts connections on a bound listener and serves the
// newline-delimited JSON request/response protocol (spec.md §4.10).
type Server struct {
	ln      net.Listener
	handler Handler
	logger  devlog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wraps an already-bound listener (the caller decides bind vs.
// proxy via the race logic in reuse.go).
func NewServer(ln net.Listener, handler Handler, logger devlog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		ln:      ln,
		handler: handler,
		logger:  logger.With("component", "ipc_server"),
		sem:     make(chan struct{}, MaxConnections),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Serve accepts connections until Close is called, blocking the caller.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("ipc accept: %w", err)
		}

		select {
		case s.sem <- struct{}{}:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.handleConn(conn)
			}()
		default:
			_ = writeFrame(conn, ErrorResponse("", fmt.Errorf("too many concurrent connections (max %d)", MaxConnections)))
			conn.Close()
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	fr := newFrameReader(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(IdleTimeout)); err != nil {
			return
		}
		line, err := fr.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_ = writeFrame(conn, ErrorResponse("", err))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeFrame(conn, ErrorResponse("", fmt.Errorf("malformed request: %w", err)))
			continue
		}
		if err := req.Validate(); err != nil {
			_ = writeFrame(conn, ErrorResponse(req.ID, err))
			continue
		}

		resp := s.handler(s.ctx, req)
		if err := writeFrame(conn, resp); err != nil {
			s.logger.Warn("write response failed", "error", err)
			return
		}
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish.
func (s *Server) Close() error {
	s.cancel()
	err := s.ln.Close()
	s.wg.Wait()
	return err
}
