package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/boreproxy/bore/pkg/auth"
	"github.com/boreproxy/bore/pkg/logging"
	"github.com/boreproxy/bore/pkg/wire"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// ServerAddr is the host (without port) of the bore server.
	ServerAddr string
	// ServerPort is the server's control port; defaults to
	// DefaultControlPort if zero.
	ServerPort uint16
	// RequestedPort is the public port to request; 0 means "any."
	RequestedPort uint16
	// LocalAddr is the host:port of the local service to forward to.
	LocalAddr string
	// Auth is the client's authentication configuration.
	Auth *auth.ClientAuth
	// Logger is the logger used for the control connection and every
	// splice it spawns.
	Logger *logging.Logger
}

// Client dials a bore server, establishes a tunnel, and services data
// connection requests for its lifetime.
type Client struct {
	config ClientConfig
	logger *logging.Logger
}

// NewClient constructs a Client from the given configuration.
func NewClient(config ClientConfig) *Client {
	if config.ServerPort == 0 {
		config.ServerPort = DefaultControlPort
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.RootLogger
	}
	return &Client{config: config, logger: logger}
}

// controlAddress returns the server's control address in host:port form.
func (c *Client) controlAddress() string {
	return fmt.Sprintf("%s:%d", c.config.ServerAddr, c.config.ServerPort)
}

// Run dials the server, completes the handshake, and services the tunnel
// until the control connection closes or ctx is cancelled. The bound public
// port is logged once the tunnel is established; Run itself returns only the
// error that ended the tunnel.
func (c *Client) Run(ctx context.Context) error {
	address := c.controlAddress()
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return errors.Wrapf(err, "unable to connect to %s", address)
	}

	codec := wire.NewCodec(conn)

	if c.config.Auth.Mode() != auth.ClientModeNone {
		conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
		challenge, err := codec.ReadMessage()
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "unable to read challenge")
		}
		if challenge.Type != wire.TypeChallenge {
			conn.Close()
			return errors.New("server did not send a challenge as its first message")
		}
		reply, err := c.config.Auth.Reply(challenge.Nonce)
		if err != nil {
			conn.Close()
			return errors.Wrap(err, "unable to compute authentication reply")
		}
		conn.SetWriteDeadline(time.Now().Add(handshakeDeadline))
		if err := codec.WriteMessage(wire.Authenticate(reply)); err != nil {
			conn.Close()
			return errors.Wrap(err, "unable to send authentication reply")
		}
	}

	conn.SetWriteDeadline(time.Now().Add(handshakeDeadline))
	if err := codec.WriteMessage(wire.Hello(c.config.RequestedPort)); err != nil {
		conn.Close()
		return errors.Wrap(err, "unable to request port")
	}

	conn.SetReadDeadline(time.Now().Add(handshakeDeadline))
	response, err := codec.ReadMessage()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "unable to read port confirmation")
	}
	if response.Type == wire.TypeError {
		conn.Close()
		return errors.Errorf("server rejected tunnel: %s", response.Message)
	}
	if response.Type != wire.TypeHello {
		conn.Close()
		return errors.New("protocol error: expected hello confirmation")
	}

	conn.SetDeadline(time.Time{})
	c.logger.Printf("Tunnel established: %s -> %s:%d", c.config.LocalAddr, c.config.ServerAddr, response.Port)

	return c.runControlLoop(ctx, codec, conn)
}

// runControlLoop services Connection requests until the control connection
// closes, the server reports an error, ctx is cancelled, or inactivityTimeout
// elapses with no received frame. It echoes Heartbeat back to the server so
// that, with a healthy link, the server's own inactivity timer never fires.
func (c *Client) runControlLoop(ctx context.Context, codec *wire.Codec, conn net.Conn) error {
	defer conn.Close()

	// codec.ReadMessage below blocks on the socket and does not observe ctx
	// on its own; closing conn when ctx is cancelled is what unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(inactivityTimeout))
		message, err := codec.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return ErrInactivityTimeout
			}
			return errors.Wrap(err, "control connection closed")
		}

		switch message.Type {
		case wire.TypeConnection:
			go c.serviceHandoff(ctx, message.ID)
		case wire.TypeHeartbeat:
			if err := codec.WriteMessage(wire.Heartbeat()); err != nil {
				return errors.Wrap(err, "unable to echo heartbeat")
			}
		case wire.TypeError:
			return errors.Errorf("server reported error: %s", message.Message)
		default:
			c.logger.Debugf("Unexpected message type %q on control connection", message.Type)
		}
	}
}

// serviceHandoff dials the server back to claim the given handoff and
// splices the resulting data connection to a fresh connection to the local
// service. Failures are logged but do not terminate the control connection.
func (c *Client) serviceHandoff(ctx context.Context, id string) {
	dialer := net.Dialer{}

	dataConn, err := dialer.DialContext(ctx, "tcp", c.controlAddress())
	if err != nil {
		c.logger.Warn(errors.Wrapf(err, "unable to dial back for handoff %s", id))
		return
	}

	dataCodec := wire.NewCodec(dataConn)

	// An authenticating server sends a Challenge on every new connection
	// before it knows the connection's role; consume it so that it is not
	// spliced through to the local service.
	if c.config.Auth.Mode() != auth.ClientModeNone {
		dataConn.SetReadDeadline(time.Now().Add(handoffTimeout))
		if _, err := dataCodec.ReadMessage(); err != nil {
			c.logger.Warn(errors.Wrapf(err, "unable to read challenge for handoff %s", id))
			dataConn.Close()
			return
		}
	}

	dataConn.SetWriteDeadline(time.Now().Add(handoffTimeout))
	if err := dataCodec.WriteMessage(wire.Accept(id)); err != nil {
		c.logger.Warn(errors.Wrapf(err, "unable to claim handoff %s", id))
		dataConn.Close()
		return
	}
	dataConn.SetDeadline(time.Time{})

	localConn, err := dialer.DialContext(ctx, "tcp", c.config.LocalAddr)
	if err != nil {
		c.logger.Warn(errors.Wrapf(err, "unable to dial local service for handoff %s", id))
		dataConn.Close()
		return
	}

	Splice(c.logger, dataConn, localConn)
}
