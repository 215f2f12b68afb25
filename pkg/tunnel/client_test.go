package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/boreproxy/bore/pkg/auth"
	"github.com/boreproxy/bore/pkg/logging"
	"github.com/boreproxy/bore/pkg/wire"
)

// fakeValidator implements auth.Validator, accepting exactly one configured
// token.
type fakeValidator struct {
	accepted string
}

func (v *fakeValidator) Validate(_ context.Context, token string) (auth.Outcome, error) {
	if token == v.accepted {
		return auth.Valid, nil
	}
	return auth.Invalid, nil
}

// startEcho runs a trivial line echo server on an ephemeral loopback port
// and returns its address.
func startEcho(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to start echo listener: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadString('\n')
					if len(line) > 0 {
						if _, err := conn.Write([]byte(line)); err != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()

	return listener.Addr().String()
}

func TestEndToEndBearerHappyPath(t *testing.T) {
	echoAddr := startEcho(t)

	controlPort := startServer(t, ServerConfig{
		MinPort: 36000,
		MaxPort: 36100,
		Auth:    auth.NewServerAuthBearer(&fakeValidator{accepted: "tok-A"}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client := NewClient(ClientConfig{
		ServerAddr: "127.0.0.1",
		ServerPort: controlPort,
		LocalAddr:  echoAddr,
		Auth:       auth.NewClientAuthBearer("tok-A"),
		Logger:     logging.RootLogger,
	})

	connected := make(chan error, 1)
	go func() {
		connected <- client.Run(ctx)
	}()

	time.Sleep(200 * time.Millisecond)

	var publicPort uint16
	for p := uint16(36000); p <= 36100; p++ {
		if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", p), 20*time.Millisecond); err == nil {
			publicPort = p
			conn.Close()
			break
		}
	}
	if publicPort == 0 {
		t.Fatal("unable to discover the allocated public port")
	}

	external, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", publicPort))
	if err != nil {
		t.Fatalf("unable to connect to public port: %v", err)
	}
	defer external.Close()

	if _, err := external.Write([]byte("PING\n")); err != nil {
		t.Fatalf("unable to write to public port: %v", err)
	}

	external.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(external)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("unable to read echoed response: %v", err)
	}
	if line != "PING\n" {
		t.Fatalf("expected echoed %q, got %q", "PING\n", line)
	}
}

func TestEndToEndBearerRejection(t *testing.T) {
	controlPort := startServer(t, ServerConfig{
		MinPort: 37000,
		MaxPort: 37100,
		Auth:    auth.NewServerAuthBearer(&fakeValidator{accepted: "tok-A"}),
	})

	client := NewClient(ClientConfig{
		ServerAddr: "127.0.0.1",
		ServerPort: controlPort,
		LocalAddr:  "127.0.0.1:1",
		Auth:       auth.NewClientAuthBearer("tok-B"),
		Logger:     logging.RootLogger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Run(ctx); err == nil {
		t.Fatal("expected client with the wrong bearer token to fail")
	}
}

// TestClientEchoesHeartbeat guards against the control connection going
// idle from the server's point of view: a healthy link must never let the
// server's inactivity timer fire, which requires the client to echo every
// Heartbeat it receives.
func TestClientEchoesHeartbeat(t *testing.T) {
	serverConn, clientConn := tcpPipe(t)
	defer serverConn.Close()

	serverCodec := wire.NewCodec(serverConn)
	client := NewClient(ClientConfig{Logger: logging.RootLogger})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- client.runControlLoop(ctx, wire.NewCodec(clientConn), clientConn)
	}()

	if err := serverCodec.WriteMessage(wire.Heartbeat()); err != nil {
		t.Fatalf("unable to send heartbeat: %v", err)
	}

	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	echoed, err := serverCodec.ReadMessage()
	if err != nil {
		t.Fatalf("unable to read echoed heartbeat: %v", err)
	}
	if echoed.Type != wire.TypeHeartbeat {
		t.Fatalf("expected echoed heartbeat, got %+v", echoed)
	}
}

// TestClientRunControlLoopExitsOnContextCancellation guards against Ctrl-C
// having no effect while connected to a live, heartbeating server: the
// control loop must not rely solely on the read side erroring out.
func TestClientRunControlLoopExitsOnContextCancellation(t *testing.T) {
	_, clientConn := tcpPipe(t)

	client := NewClient(ClientConfig{Logger: logging.RootLogger})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- client.runControlLoop(ctx, wire.NewCodec(clientConn), clientConn)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runControlLoop did not exit promptly after context cancellation")
	}
}
