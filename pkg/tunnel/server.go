package tunnel

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/boreproxy/bore/pkg/auth"
	"github.com/boreproxy/bore/pkg/housekeeping"
	"github.com/boreproxy/bore/pkg/logging"
	"github.com/boreproxy/bore/pkg/wire"
)

// DefaultControlPort is the well-known TCP port on which the server accepts
// both control connections and data connections (distinguished by their
// first frame).
const DefaultControlPort = 7835

// portAllocationAttempts bounds how many random ports are tried when a
// client requests port 0 ("any available port in range").
const portAllocationAttempts = 64

// ServerConfig configures a Server.
type ServerConfig struct {
	// BindAddr is the address on which the control listener and every
	// public listener are bound.
	BindAddr string
	// MinPort and MaxPort bound the inclusive range from which public
	// ports are allocated.
	MinPort uint16
	MaxPort uint16
	// ControlPort is the port on which control and data connections are
	// accepted; it defaults to DefaultControlPort if zero.
	ControlPort uint16
	// Auth is the server's authentication configuration.
	Auth *auth.ServerAuth
	// Logger is the root logger for the server and all of its tunnels.
	Logger *logging.Logger
}

// Server accepts control connections, authenticates them, and manages the
// lifecycle of the tunnels they request.
type Server struct {
	config   ServerConfig
	registry *registry
	logger   *logging.Logger
}

// NewServer constructs a Server from the given configuration.
func NewServer(config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = logging.RootLogger
	}
	if config.ControlPort == 0 {
		config.ControlPort = DefaultControlPort
	}
	return &Server{
		config:   config,
		registry: newRegistry(),
		logger:   logger,
	}
}

// Run binds the control listener and serves connections until ctx is
// cancelled or a fatal bind error occurs.
func (s *Server) Run(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.BindAddr, s.config.ControlPort)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "unable to bind control listener on %s", address)
	}
	s.logger.Printf("Listening for control connections on %s", address)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "control listener accept failed")
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection is the top-level per-connection entry point. It must be
// robust to per-connection panics and errors: one misbehaving client must
// not affect others.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(errors.Errorf("recovered from panic handling connection from %s: %v", conn.RemoteAddr(), r))
			conn.Close()
		}
	}()

	codec := wire.NewCodec(conn)
	requiresChallenge := s.config.Auth.Mode() != auth.ServerModeNone

	var nonce string
	if requiresChallenge {
		nonce = newIdentifier()
		conn.SetWriteDeadline(time.Now().Add(handshakeDeadline))
		if err := codec.WriteMessage(wire.Challenge(nonce)); err != nil {
			s.logger.Debugf("Unable to send challenge to %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			return
		}
	}

	conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	first, err := codec.ReadMessage()
	if err != nil {
		s.logger.Debugf("Connection from %s failed before first frame: %v", conn.RemoteAddr(), s.classifyHandshakeError(err))
		conn.Close()
		return
	}

	if first.Type == wire.TypeAccept {
		s.handleDataConnection(conn, first.ID)
		return
	}

	if requiresChallenge {
		if first.Type != wire.TypeAuthenticate {
			s.failHandshake(codec, conn, "protocol error")
			return
		}
		if err := s.authenticate(ctx, nonce, first.Reply); err != nil {
			s.logger.Warn(errors.Wrapf(err, "authentication failed for %s", conn.RemoteAddr()))
			s.failHandshake(codec, conn, err.Error())
			return
		}
		conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
		first, err = codec.ReadMessage()
		if err != nil {
			s.logger.Debugf("Connection from %s failed waiting for hello: %v", conn.RemoteAddr(), s.classifyHandshakeError(err))
			conn.Close()
			return
		}
	}

	if first.Type != wire.TypeHello {
		s.failHandshake(codec, conn, "protocol error")
		return
	}

	s.handleControlConnection(ctx, codec, conn, first.Port)
}

// authenticate verifies the client's Authenticate reply against the
// server's configured mode.
func (s *Server) authenticate(ctx context.Context, nonce, reply string) error {
	switch s.config.Auth.Mode() {
	case auth.ServerModeHMAC:
		if !s.config.Auth.VerifyHMAC(nonce, reply) {
			return ErrAuthenticationFailed
		}
		return nil
	case auth.ServerModeBearer:
		validateCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		outcome, err := s.config.Auth.Validator().Validate(validateCtx, reply)
		if err != nil {
			s.logger.Debug("Validator request failed (not logging credential)")
		}
		switch outcome {
		case auth.Valid:
			return nil
		case auth.Invalid:
			return ErrAuthenticationFailed
		default:
			return errors.New("validation unavailable")
		}
	default:
		return nil
	}
}

// classifyHandshakeError maps a timed-out read during the handshake to
// ErrHandshakeTimeout so that callers and logs can branch on or report it
// distinctly from an ordinary connection failure.
func (s *Server) classifyHandshakeError(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return ErrHandshakeTimeout
	}
	return err
}

// failHandshake sends a best-effort Error frame and closes the connection.
func (s *Server) failHandshake(codec *wire.Codec, conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = codec.WriteMessage(wire.Error(message))
	conn.Close()
}

// handleDataConnection resolves a claimed handoff and splices the end-user
// socket with the freshly dialed data connection.
func (s *Server) handleDataConnection(conn net.Conn, id string) {
	owner, ok := s.registry.lookup(id)
	if !ok {
		s.logger.Debugf("Data connection presented unknown handoff id %s: %v", id, ErrUnknownHandoff)
		codec := wire.NewCodec(conn)
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = codec.WriteMessage(wire.Error(ErrUnknownHandoff.Error()))
		conn.Close()
		return
	}

	endUserConn, ok := owner.consumeHandoff(id)
	if !ok {
		s.logger.Debugf("Data connection presented already-consumed or expired handoff id %s: %v", id, ErrUnknownHandoff)
		codec := wire.NewCodec(conn)
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = codec.WriteMessage(wire.Error(ErrUnknownHandoff.Error()))
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})
	endUserConn.SetDeadline(time.Time{})
	Splice(s.logger, endUserConn, conn)
}

// handleControlConnection allocates a public port, confirms it, and runs
// the control loop for the lifetime of the tunnel.
func (s *Server) handleControlConnection(ctx context.Context, codec *wire.Codec, conn net.Conn, requestedPort uint16) {
	listener, boundPort, err := s.allocatePort(requestedPort)
	if err != nil {
		s.logger.Warn(errors.Wrapf(err, "port allocation failed for %s", conn.RemoteAddr()))
		s.failHandshake(codec, conn, ErrPortUnavailable.Error())
		return
	}

	conn.SetWriteDeadline(time.Now().Add(handshakeDeadline))
	if err := codec.WriteMessage(wire.Hello(boundPort)); err != nil {
		s.logger.Debugf("Unable to confirm port to %s: %v", conn.RemoteAddr(), err)
		listener.Close()
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	sublogger := s.logger.Sublogger(fmt.Sprintf("tunnel-%d", boundPort))
	sublogger.Printf("Tunnel established for %s", conn.RemoteAddr())

	tunnelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	t := newTunnel(boundPort, listener, s.registry, sublogger)
	defer t.Close()

	go housekeeping.Periodically(tunnelCtx, sublogger, "pending handoff", handoffSweepInterval, t.sweepExpiredHandoffs)
	go s.servePublicListener(tunnelCtx, t, codec)

	s.runControlLoop(codec, conn, sublogger)
}

// allocatePort binds a listener on requestedPort, or on a randomly chosen
// port in [MinPort, MaxPort] if requestedPort is 0.
func (s *Server) allocatePort(requestedPort uint16) (net.Listener, uint16, error) {
	if requestedPort != 0 {
		if requestedPort < s.config.MinPort || requestedPort > s.config.MaxPort {
			return nil, 0, errors.Wrapf(ErrPortUnavailable, "requested port %d outside allowed range [%d, %d]", requestedPort, s.config.MinPort, s.config.MaxPort)
		}
		listener, err := s.listenOn(requestedPort)
		if err != nil {
			return nil, 0, errors.Wrap(ErrPortUnavailable, err.Error())
		}
		return listener, requestedPort, nil
	}

	rangeSize := int(s.config.MaxPort) - int(s.config.MinPort) + 1
	attempts := portAllocationAttempts
	if rangeSize < attempts {
		attempts = rangeSize
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		candidate := s.config.MinPort + uint16(rand.Intn(rangeSize))
		listener, err := s.listenOn(candidate)
		if err == nil {
			return listener, candidate, nil
		}
		lastErr = err
	}
	return nil, 0, errors.Wrapf(ErrPortUnavailable, "unable to find an available port in range: %v", lastErr)
}

// listenOn binds a TCP listener on the server's configured bind address and
// the given port.
func (s *Server) listenOn(port uint16) (net.Listener, error) {
	address := fmt.Sprintf("%s:%d", s.config.BindAddr, port)
	return net.Listen("tcp", address)
}

// servePublicListener accepts end-user connections on the tunnel's public
// port and registers each as a pending handoff, asking the client to dial
// back.
func (s *Server) servePublicListener(ctx context.Context, t *Tunnel, controlCodec *wire.Codec) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				t.logger.Debugf("Public listener on port %d stopped accepting: %v", t.Port, err)
				return
			}
		}

		id := t.registerHandoff(conn)
		time.AfterFunc(handoffTimeout, func() {
			if endUserConn, ok := t.consumeHandoff(id); ok {
				t.logger.Debugf("Pending handoff %s expired unclaimed", id)
				endUserConn.Close()
			}
		})
		if err := controlCodec.WriteMessage(wire.Connection(id)); err != nil {
			t.logger.Debugf("Unable to notify client of connection %s: %v", id, err)
			if endUserConn, ok := t.consumeHandoff(id); ok {
				endUserConn.Close()
			}
		}
	}
}

// runControlLoop sends periodic heartbeats and reads frames until the
// connection closes, a protocol error occurs, or inactivityTimeout elapses
// with no received frame.
func (s *Server) runControlLoop(codec *wire.Codec, conn net.Conn, logger *logging.Logger) {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := codec.WriteMessage(wire.Heartbeat()); err != nil {
					return
				}
			}
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(inactivityTimeout))
		message, err := codec.ReadMessage()
		if err != nil {
			logger.Debugf("Control connection closing: %v", err)
			conn.Close()
			return
		}
		switch message.Type {
		case wire.TypeHeartbeat:
			// Liveness only; no action required.
		case wire.TypeError:
			logger.Debugf("Client reported error: %s", message.Message)
			conn.Close()
			return
		default:
			logger.Debugf("Unexpected message type %q on control connection", message.Type)
		}
	}
}
