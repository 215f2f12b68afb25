package tunnel

import (
	"net"
	"sync"
	"time"

	"github.com/boreproxy/bore/pkg/logging"
)

// Tunnel is the server-side aggregate of one control connection, one public
// listener, and one pending-handoff map. It is owned by the control
// connection's handler goroutine and torn down when that connection closes.
type Tunnel struct {
	// Port is the public TCP port this tunnel's listener is bound to.
	Port uint16

	listener net.Listener
	pending  *handoffTable
	registry *registry
	logger   *logging.Logger

	closeOnce sync.Once
}

// newTunnel constructs a Tunnel bound to the given listener and registered
// against the process-wide handoff registry.
func newTunnel(port uint16, listener net.Listener, reg *registry, logger *logging.Logger) *Tunnel {
	return &Tunnel{
		Port:     port,
		listener: listener,
		pending:  newHandoffTable(),
		registry: reg,
		logger:   logger,
	}
}

// registerHandoff inserts a freshly accepted end-user socket into the
// pending-handoff map and the process-wide registry, returning its
// identifier.
func (t *Tunnel) registerHandoff(conn net.Conn) string {
	handoff := t.pending.insert(conn)
	t.registry.register(handoff.id, t)
	return handoff.id
}

// consumeHandoff claims the pending handoff with the given id, if it is
// still outstanding, removing it from both the tunnel's table and the
// process-wide registry.
func (t *Tunnel) consumeHandoff(id string) (net.Conn, bool) {
	handoff, ok := t.pending.consume(id)
	t.registry.unregister(id)
	if !ok {
		return nil, false
	}
	return handoff.conn, true
}

// sweepExpiredHandoffs removes and closes every handoff older than
// handoffTimeout.
func (t *Tunnel) sweepExpiredHandoffs() {
	for _, handoff := range t.pending.sweepExpired(time.Now()) {
		t.registry.unregister(handoff.id)
		t.logger.Debugf("Pending handoff %s expired unclaimed", handoff.id)
		handoff.conn.Close()
	}
}

// Close releases the tunnel's public listener and closes every end-user
// socket still awaiting a data-connection handoff. It is safe to call
// multiple times.
func (t *Tunnel) Close() {
	t.closeOnce.Do(func() {
		t.listener.Close()
		for _, handoff := range t.pending.drain() {
			t.registry.unregister(handoff.id)
			handoff.conn.Close()
		}
	})
}
