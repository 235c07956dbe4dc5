// Package server implements C8: the TLS connection manager that accepts
// sockets, frames them into newline-delimited artifact lines, runs each
// line through the pipeline, and writes back exactly one response line
// per request before closing, generalizing the shape boulder's
// va/validation-authority.go gives a parallel worker pool over
// independent per-challenge connections to BTPS's per-connection worker
// model (spec section 5's "one logical task per accepted connection").
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/openbtps/btps-node-sub001/berrors"
	"github.com/openbtps/btps-node-sub001/blog"
	"github.com/openbtps/btps-node-sub001/cryptoprim"
	"github.com/openbtps/btps-node-sub001/metrics"
	"github.com/openbtps/btps-node-sub001/pipeline"
	"github.com/openbtps/btps-node-sub001/response"
)

const defaultIdleTimeout = 30 * time.Second

// Runner is the subset of *pipeline.Pipeline the connection manager
// needs, kept as an interface so tests can supply a stub instead of
// wiring a full Pipeline.
type Runner interface {
	Run(ctx context.Context, raw []byte) pipeline.Result
}

// Config wires the connection manager's dependencies.
type Config struct {
	Addr        string
	TLSConfig   *tls.Config
	IdleTimeout time.Duration
	Pipeline    Runner
	RateLimiter *RateLimiter
	Log         blog.Logger
	Clock       clock.Clock
	Scope       metrics.Scope
}

// Server accepts connections on a TLS listener and drives each through
// the configured pipeline.
type Server struct {
	cfg      Config
	listener net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	closing bool
}

// New builds a Server. It does not start listening.
func New(cfg Config) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	return &Server{cfg: cfg, conns: make(map[net.Conn]struct{})}
}

// ListenAndServe binds cfg.Addr with TLS and accepts connections until
// Shutdown is called or the listener errors.
func (s *Server) ListenAndServe() error {
	ln, err := tls.Listen("tcp", s.cfg.Addr, s.cfg.TLSConfig)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on an already-bound listener, the seam
// tests use to exercise the accept loop over a plain net.Listener
// without standing up real TLS.
func (s *Server) Serve(ln net.Listener) error {
	s.listener = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return err
		}
		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
	if s.cfg.Scope != nil {
		s.cfg.Scope.GaugeDelta("connections.active", 1)
	}
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	if s.cfg.Scope != nil {
		s.cfg.Scope.GaugeDelta("connections.active", -1)
	}
	conn.Close()
}

// handleConn frames conn on '\n', running each line through the
// pipeline and writing back exactly one canonical JSON response line
// per spec section 4.7/6. A read deadline equal to the idle timeout is
// armed before every line; an expired deadline produces a graceful
// SOCKET_TIMEOUT response before the connection is torn down. This
// deadline gates real socket reads, so it runs off the wall clock
// rather than the injected clock.Clock used for logical TTLs elsewhere.
func (s *Server) handleConn(conn net.Conn) {
	connID := connIdentifier(conn)
	reader := bufio.NewReader(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.writeLine(conn, response.FromError("", berrors.SocketTimeoutError("connection idle for longer than %s", s.cfg.IdleTimeout)))
			}
			return
		}
		line = trimNewline(line)
		if len(line) == 0 {
			continue
		}

		if s.cfg.RateLimiter != nil {
			if err := s.cfg.RateLimiter.Allow(connID); err != nil {
				s.writeLine(conn, response.FromError("", err))
				return
			}
		}

		ctx := pipeline.WithConnID(context.Background(), connID)
		result := s.runPipeline(ctx, line)
		s.writeLine(conn, result.Response)

		if s.cfg.Log != nil {
			s.cfg.Log.Debugf("conn %s: %d transitions, final status %d", connID, len(result.Transitions), result.Response.Status.Code)
		}
	}
}

func (s *Server) runPipeline(ctx context.Context, line []byte) pipeline.Result {
	if s.cfg.Pipeline == nil {
		return pipeline.Result{Response: response.FromError("", berrors.UnknownError("server has no pipeline configured"))}
	}
	return s.cfg.Pipeline.Run(ctx, line)
}

// writeLine canonicalizes res and writes it newline-terminated, then
// half-closes the write side if the underlying conn supports it, per
// spec section 6's "every request yields exactly one response line
// followed by a half-close".
func (s *Server) writeLine(conn net.Conn, res response.Response) {
	canonical, err := cryptoprim.Canonicalize(res)
	if err != nil {
		if s.cfg.Log != nil {
			s.cfg.Log.AuditErr("failed to canonicalize response: " + err.Error())
		}
		return
	}
	canonical = append(canonical, '\n')
	if _, err := conn.Write(canonical); err != nil {
		if s.cfg.Log != nil {
			s.cfg.Log.AuditErr("failed to write response: " + err.Error())
		}
		return
	}
	if wc, ok := conn.(interface{ CloseWrite() error }); ok {
		wc.CloseWrite()
	}
}

// Shutdown stops accepting new connections, waits up to drain for
// in-flight handlers to finish, then force-closes whatever remains, per
// spec section 5's "stop() stops accepting, closes idle connections,
// waits a bounded drain interval ... then force-closes".
func (s *Server) Shutdown(ctx context.Context, drain time.Duration) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(drain)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func connIdentifier(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return conn.RemoteAddr().String()
}

func trimNewline(line []byte) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}
