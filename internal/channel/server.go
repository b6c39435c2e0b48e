// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package channel

import (
	"context"
	"io"
	"net"
	"os"
	"sync"

	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/logging"
	"grimm.is/flyhook/internal/privilege"
)

// DefaultSocketPath is where the daemon listens unless configured.
const DefaultSocketPath = "/run/flyhook/flyhook.sock"

// Config controls the command channel listener.
type Config struct {
	SocketPath string `hcl:"socket_path,optional"`
	// SocketMode is an octal permission string. 0660 keeps the channel to
	// root and the socket group.
	SocketMode string `hcl:"socket_mode,optional"`
}

// DefaultConfig returns the standard socket placement.
func DefaultConfig() Config {
	return Config{SocketPath: DefaultSocketPath, SocketMode: "0660"}
}

// peerCaller is one connection's identity, resolved once at accept.
type peerCaller struct {
	priv bool
	name string
}

func (p peerCaller) Privileged() bool  { return p.priv }
func (p peerCaller) Principal() string { return p.name }

// Server accepts command-channel connections and feeds frames to the
// dispatcher. Each connection gets its own goroutine; replies are written
// under a per-connection lock because async completions land concurrently.
type Server struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	checker    *privilege.Checker
	identify   func(*net.UnixConn) dispatch.Caller
	log        *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer wires a server to its dispatcher and privilege checker.
func NewServer(cfg Config, d *dispatch.Dispatcher, checker *privilege.Checker) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		checker:    checker,
		log:        logging.WithComponent("channel"),
		conns:      make(map[net.Conn]struct{}),
	}
	s.identify = s.identifyPeer
	return s
}

// Start listens on the configured unix socket. A stale socket file from a
// previous run is removed first.
func (s *Server) Start() error {
	os.Remove(s.cfg.SocketPath)

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "listen on %s", s.cfg.SocketPath)
	}
	if err := os.Chmod(s.cfg.SocketPath, socketMode(s.cfg.SocketMode)); err != nil {
		listener.Close()
		return errors.Wrapf(err, errors.KindInternal, "socket permissions on %s", s.cfg.SocketPath)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on an existing listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return errors.New(errors.KindInvalidArgument, "server already stopped")
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("Command channel listening", "socket", listener.Addr().String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.WithError(err).Warn("Accept failed")
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("Connection handler panicked", "panic", r)
					}
				}()
				s.serveConn(conn)
			}()
		}
	}()
	return nil
}

// Stop closes the listener and all connections, then waits for handlers up
// to ctx's deadline. In-flight commands keep running in the dispatcher;
// their completions go nowhere once the connection is gone.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindTimedOut, "channel shutdown")
	}

	os.Remove(s.cfg.SocketPath)
	return nil
}

// identifyPeer resolves a connection's privilege once. Connections whose
// credentials cannot be read are served unprivileged.
func (s *Server) identifyPeer(conn *net.UnixConn) dispatch.Caller {
	id, err := privilege.FromConn(conn)
	if err != nil {
		s.log.WithError(err).Warn("Peer credentials unavailable, treating caller as unprivileged")
		return peerCaller{priv: false, name: "unknown"}
	}
	return peerCaller{
		priv: s.checker.Privileged(id),
		name: s.checker.Principal(id),
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
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

// serveConn reads frames until the peer hangs up. Commands still pending
// when the connection dies get a cancellation hint; their handlers finish
// on their own schedule.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	if !s.track(conn) {
		return
	}
	defer s.untrack(conn)

	var caller dispatch.Caller = peerCaller{priv: false, name: "unknown"}
	if uc, ok := conn.(*net.UnixConn); ok {
		caller = s.identify(uc)
	}
	s.log.Debug("Connection opened", "principal", caller.Principal(), "privileged", caller.Privileged())

	var (
		wmu         sync.Mutex
		pmu         sync.Mutex
		outstanding = make(map[uint64]struct{})
	)
	writeReply := func(rep *Reply) {
		wmu.Lock()
		defer wmu.Unlock()
		if err := WriteReply(conn, rep); err != nil {
			s.log.WithError(err).Debug("Reply write failed, peer likely gone")
		}
	}

	for {
		req, err := ReadRequest(conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.WithError(err).Debug("Frame read failed")
				// The stream cannot be trusted after a framing error; answer
				// once and hang up.
				status, body := EncodeOutcome(nil, err)
				writeReply(&Reply{Status: status, Payload: body})
			}
			break
		}

		corr := req.Correlation
		if corr != 0 {
			pmu.Lock()
			outstanding[corr] = struct{}{}
			pmu.Unlock()
		}

		raw := dispatch.EncodeCommand(dispatch.Command(req.Command), req.Payload)
		s.dispatcher.Dispatch(context.Background(), caller, raw, req.OutputCap, corr,
			func(reply []byte, derr error) {
				if corr != 0 {
					pmu.Lock()
					delete(outstanding, corr)
					pmu.Unlock()
				}
				status, body := EncodeOutcome(reply, derr)
				writeReply(&Reply{
					Status:      status,
					Command:     req.Command,
					Correlation: corr,
					Payload:     body,
				})
			})
	}

	// Hints for the connection's orphaned commands.
	pmu.Lock()
	orphans := make([]uint64, 0, len(outstanding))
	for corr := range outstanding {
		orphans = append(orphans, corr)
	}
	pmu.Unlock()
	for _, corr := range orphans {
		_ = s.dispatcher.CancelCommand(corr)
	}
	if len(orphans) > 0 {
		s.log.Info("Connection died with commands in flight", "cancelled", len(orphans))
	}
}

func socketMode(mode string) os.FileMode {
	switch mode {
	case "", "0660":
		return 0o660
	case "0600":
		return 0o600
	case "0666":
		return 0o666
	default:
		return 0o660
	}
}
