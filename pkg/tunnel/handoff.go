package tunnel

import (
	"net"
	"sync"
	"time"
)

// pendingHandoff is an end-user socket accepted on a tunnel's public port,
// waiting for the owning client to dial back and claim it by identifier.
type pendingHandoff struct {
	id        string
	conn      net.Conn
	createdAt time.Time
}

// handoffTable is the per-tunnel map of pending handoffs. It is written by
// the public listener (insert), the data-accept path (consume), and the
// background sweep (expire); a single mutex is sufficient since operations
// are O(1) and hold the lock only briefly.
type handoffTable struct {
	mu      sync.Mutex
	entries map[string]*pendingHandoff
}

// newHandoffTable constructs an empty handoffTable.
func newHandoffTable() *handoffTable {
	return &handoffTable{entries: make(map[string]*pendingHandoff)}
}

// insert registers conn under a fresh identifier and returns it.
func (t *handoffTable) insert(conn net.Conn) *pendingHandoff {
	handoff := &pendingHandoff{
		id:        newIdentifier(),
		conn:      conn,
		createdAt: time.Now(),
	}
	t.mu.Lock()
	t.entries[handoff.id] = handoff
	t.mu.Unlock()
	return handoff
}

// consume removes and returns the handoff registered under id, if any. It
// guarantees that each handoff is returned to at most one caller.
func (t *handoffTable) consume(id string) (*pendingHandoff, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	handoff, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return handoff, ok
}

// sweepExpired removes and returns every handoff older than handoffTimeout,
// relative to now.
func (t *handoffTable) sweepExpired(now time.Time) []*pendingHandoff {
	var expired []*pendingHandoff
	t.mu.Lock()
	for id, handoff := range t.entries {
		if now.Sub(handoff.createdAt) >= handoffTimeout {
			expired = append(expired, handoff)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()
	return expired
}

// drain removes and returns every pending handoff, used when the owning
// tunnel is torn down.
func (t *handoffTable) drain() []*pendingHandoff {
	t.mu.Lock()
	drained := make([]*pendingHandoff, 0, len(t.entries))
	for id, handoff := range t.entries {
		drained = append(drained, handoff)
		delete(t.entries, id)
	}
	t.mu.Unlock()
	return drained
}
