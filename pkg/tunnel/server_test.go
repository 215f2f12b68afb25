package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boreproxy/bore/pkg/auth"
	"github.com/boreproxy/bore/pkg/logging"
	"github.com/boreproxy/bore/pkg/wire"
)

// nextControlPort hands out distinct loopback control ports across tests in
// this package, avoiding bind collisions between parallel test runs.
var nextControlPort uint32 = 20000

func allocateControlPort() uint16 {
	return uint16(atomic.AddUint32(&nextControlPort, 1))
}

// startServer launches a Server on a dedicated loopback control port for the
// duration of the test and returns that port.
func startServer(t *testing.T, config ServerConfig) uint16 {
	t.Helper()

	config.BindAddr = "127.0.0.1"
	if config.ControlPort == 0 {
		config.ControlPort = allocateControlPort()
	}
	config.Logger = logging.RootLogger

	server := NewServer(config)
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan error, 1)
	go func() {
		ready <- server.Run(ctx)
	}()

	t.Cleanup(cancel)

	// Give the listener a moment to bind.
	time.Sleep(50 * time.Millisecond)

	return config.ControlPort
}

func dialControl(t *testing.T, port uint16) (net.Conn, *wire.Codec) {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("unable to dial control port: %v", err)
	}
	return conn, wire.NewCodec(conn)
}

func TestServerNoAuthHappyPath(t *testing.T) {
	port := startServer(t, ServerConfig{
		MinPort: 30000,
		MaxPort: 30100,
		Auth:    auth.NewServerAuthNone(),
	})

	conn, codec := dialControl(t, port)
	defer conn.Close()

	if err := codec.WriteMessage(wire.Hello(0)); err != nil {
		t.Fatalf("unable to send hello: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	response, err := codec.ReadMessage()
	if err != nil {
		t.Fatalf("unable to read hello confirmation: %v", err)
	}
	if response.Type != wire.TypeHello {
		t.Fatalf("expected hello confirmation, got %+v", response)
	}
	if response.Port < 30000 || response.Port > 30100 {
		t.Fatalf("bound port %d outside requested range", response.Port)
	}
}

func TestServerHMACRequestedPort(t *testing.T) {
	secret := []byte("s3cr3t")
	port := startServer(t, ServerConfig{
		MinPort: 31000,
		MaxPort: 31100,
		Auth:    auth.NewServerAuthHMAC(secret),
	})

	conn, codec := dialControl(t, port)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	challenge, err := codec.ReadMessage()
	if err != nil || challenge.Type != wire.TypeChallenge {
		t.Fatalf("expected challenge, got %+v, err=%v", challenge, err)
	}

	reply, err := auth.ComputeHMAC(secret, challenge.Nonce)
	if err != nil {
		t.Fatalf("ComputeHMAC failed: %v", err)
	}
	if err := codec.WriteMessage(wire.Authenticate(reply)); err != nil {
		t.Fatalf("unable to send authenticate: %v", err)
	}
	if err := codec.WriteMessage(wire.Hello(31050)); err != nil {
		t.Fatalf("unable to send hello: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	response, err := codec.ReadMessage()
	if err != nil || response.Type != wire.TypeHello || response.Port != 31050 {
		t.Fatalf("expected hello confirmation for port 31050, got %+v, err=%v", response, err)
	}
}

func TestServerHMACRejectsWrongSecret(t *testing.T) {
	port := startServer(t, ServerConfig{
		MinPort: 32000,
		MaxPort: 32100,
		Auth:    auth.NewServerAuthHMAC([]byte("correct-secret")),
	})

	conn, codec := dialControl(t, port)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	challenge, err := codec.ReadMessage()
	if err != nil || challenge.Type != wire.TypeChallenge {
		t.Fatalf("expected challenge, got %+v, err=%v", challenge, err)
	}

	reply, _ := auth.ComputeHMAC([]byte("wrong-secret"), challenge.Nonce)
	if err := codec.WriteMessage(wire.Authenticate(reply)); err != nil {
		t.Fatalf("unable to send authenticate: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	response, err := codec.ReadMessage()
	if err != nil || response.Type != wire.TypeError {
		t.Fatalf("expected error response for wrong secret, got %+v, err=%v", response, err)
	}
}

func TestServerRejectsPortOutOfRange(t *testing.T) {
	port := startServer(t, ServerConfig{
		MinPort: 33000,
		MaxPort: 33100,
		Auth:    auth.NewServerAuthNone(),
	})

	conn, codec := dialControl(t, port)
	defer conn.Close()

	if err := codec.WriteMessage(wire.Hello(9999)); err != nil {
		t.Fatalf("unable to send hello: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	response, err := codec.ReadMessage()
	if err != nil || response.Type != wire.TypeError {
		t.Fatalf("expected error response for out-of-range port, got %+v, err=%v", response, err)
	}
}

func TestServerRejectsSecondClaimOfSamePort(t *testing.T) {
	port := startServer(t, ServerConfig{
		MinPort: 34000,
		MaxPort: 34100,
		Auth:    auth.NewServerAuthNone(),
	})

	first, firstCodec := dialControl(t, port)
	defer first.Close()
	if err := firstCodec.WriteMessage(wire.Hello(34050)); err != nil {
		t.Fatalf("unable to send hello: %v", err)
	}
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	firstResponse, err := firstCodec.ReadMessage()
	if err != nil || firstResponse.Type != wire.TypeHello || firstResponse.Port != 34050 {
		t.Fatalf("expected first client to be allocated port 34050, got %+v, err=%v", firstResponse, err)
	}

	second, secondCodec := dialControl(t, port)
	defer second.Close()
	if err := secondCodec.WriteMessage(wire.Hello(34050)); err != nil {
		t.Fatalf("unable to send hello: %v", err)
	}
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	secondResponse, err := secondCodec.ReadMessage()
	if err != nil || secondResponse.Type != wire.TypeError {
		t.Fatalf("expected second client to be rejected, got %+v, err=%v", secondResponse, err)
	}
}

func TestServerUnknownHandoffIsRejected(t *testing.T) {
	port := startServer(t, ServerConfig{
		MinPort: 35000,
		MaxPort: 35100,
		Auth:    auth.NewServerAuthNone(),
	})

	conn, codec := dialControl(t, port)
	defer conn.Close()

	if err := codec.WriteMessage(wire.Accept("0000000000000000000000000000ff")); err != nil {
		t.Fatalf("unable to send accept: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	response, err := codec.ReadMessage()
	if err != nil || response.Type != wire.TypeError {
		t.Fatalf("expected error response for unknown handoff id, got %+v, err=%v", response, err)
	}
}

func TestAllocatePortWrapsErrPortUnavailable(t *testing.T) {
	s := NewServer(ServerConfig{
		BindAddr: "127.0.0.1",
		MinPort:  38000,
		MaxPort:  38100,
		Auth:     auth.NewServerAuthNone(),
		Logger:   logging.RootLogger,
	})

	_, _, err := s.allocatePort(9999)
	if !errors.Is(err, ErrPortUnavailable) {
		t.Fatalf("expected ErrPortUnavailable, got %v", err)
	}
}

func TestAuthenticateReturnsErrAuthenticationFailed(t *testing.T) {
	s := NewServer(ServerConfig{
		Auth:   auth.NewServerAuthHMAC([]byte("secret")),
		Logger: logging.RootLogger,
	})

	err := s.authenticate(context.Background(), "deadbeef", "bogus")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}
