package tunnel

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/boreproxy/bore/pkg/logging"
)

// tcpPipe returns two ends of a real loopback TCP connection, which unlike
// net.Pipe supports CloseWrite, making it suitable for exercising half-close
// propagation.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("unable to dial: %v", err)
	}

	server, ok := <-accepted
	if !ok {
		t.Fatal("listener failed to accept")
	}

	return client, server
}

func TestSpliceByteTransparency(t *testing.T) {
	a1, a2 := tcpPipe(t)
	b1, b2 := tcpPipe(t)
	defer a1.Close()
	defer b1.Close()

	go Splice(logging.RootLogger, a2, b2)

	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 1000)

	done := make(chan []byte, 1)
	go func() {
		buffer := make([]byte, len(payload))
		io.ReadFull(b1, buffer)
		done <- buffer
	}()

	if _, err := a1.Write(payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case received := <-done:
		if !bytes.Equal(received, payload) {
			t.Fatal("received payload does not match what was sent")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for payload to arrive")
	}
}

func TestSpliceHalfClosePropagates(t *testing.T) {
	a1, a2 := tcpPipe(t)
	b1, b2 := tcpPipe(t)
	defer b1.Close()

	go Splice(logging.RootLogger, a2, b2)

	tcpA1, ok := a1.(*net.TCPConn)
	if !ok {
		t.Fatal("expected a *net.TCPConn")
	}
	if err := tcpA1.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite failed: %v", err)
	}

	buffer := make([]byte, 1)
	n, err := b1.Read(buffer)
	if n != 0 || err != io.EOF {
		t.Fatalf("expected EOF on the peer after half-close, got n=%d err=%v", n, err)
	}

	a1.Close()
}
