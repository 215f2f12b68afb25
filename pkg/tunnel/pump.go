package tunnel

import (
	"io"
	"net"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/boreproxy/bore/pkg/logging"
	"github.com/boreproxy/bore/pkg/tunnel/internal/monitor"
)

// pumpBufferSize bounds the per-direction buffer used to shuttle bytes
// between the two halves of a splice. It is deliberately modest; backpressure
// is inherited from TCP rather than from application-level buffering.
const pumpBufferSize = 32 * 1024

// halfCloser is implemented by connections (notably *net.TCPConn) that
// support shutting down their write side independently of the read side.
type halfCloser interface {
	CloseWrite() error
}

// copyDirection copies from src to dst until src reaches EOF or an error
// occurs. On clean EOF it half-closes dst's write side, if supported, so
// that upper-layer protocols observing half-close behave correctly.
func copyDirection(dst, src net.Conn) (int64, error) {
	count, err := io.CopyBuffer(dst, src, make([]byte, pumpBufferSize))
	if err == nil {
		if closer, ok := dst.(halfCloser); ok {
			_ = closer.CloseWrite()
		}
	}
	return count, err
}

// Splice joins two established TCP streams into a bidirectional byte pump.
// It blocks until both directions have completed (cleanly or otherwise) and
// both sockets are closed. Each connection is wrapped with a monitor so that,
// when a direction aborts, the log names which side and which operation
// (read or write) triggered it rather than just which goroutine returned.
func Splice(logger *logging.Logger, a, b net.Conn) {
	monitoredA, failuresA := monitor.Enable(a)
	monitoredB, failuresB := monitor.Enable(b)

	var abortOnce sync.Once
	abort := func() {
		abortOnce.Do(func() {
			a.Close()
			b.Close()
		})
	}
	defer abort()

	var group errgroup.Group
	var aToB, bToA int64
	group.Go(func() error {
		n, err := copyDirection(monitoredB, monitoredA)
		aToB = n
		if err != nil {
			abort()
		}
		return err
	})
	group.Go(func() error {
		n, err := copyDirection(monitoredA, monitoredB)
		bToA = n
		if err != nil {
			abort()
		}
		return err
	})

	if err := group.Wait(); err != nil {
		select {
		case failure := <-failuresA:
			logger.Debugf("Splice aborted on a: %v", failure)
		case failure := <-failuresB:
			logger.Debugf("Splice aborted on b: %v", failure)
		default:
			logger.Debugf("Splice aborted: %v", err)
		}
	}
	logger.Debugf("Splice closed: %s out, %s in", humanize.Bytes(uint64(aToB)), humanize.Bytes(uint64(bToA)))
}
