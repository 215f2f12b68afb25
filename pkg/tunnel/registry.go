package tunnel

import "sync"

// registryShards is the number of shards the process-wide handoff registry
// is split across, trading a little memory for reduced lock contention
// across unrelated tunnels.
const registryShards = 16

// registryShard is one partition of the process-wide id -> Tunnel index.
type registryShard struct {
	mu    sync.RWMutex
	index map[string]*Tunnel
}

// registry is the process-wide index from pending-handoff identifier to the
// Tunnel that owns it. The data-accept path consults it to find the owning
// tunnel before acquiring that tunnel's own handoff-table lock, per the
// ownership model: the registry only ever holds a reference to the tunnel,
// never to the pending connection itself.
type registry struct {
	shards [registryShards]*registryShard
}

// newRegistry constructs an empty registry.
func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{index: make(map[string]*Tunnel)}
	}
	return r
}

// shardFor deterministically selects the shard for a given identifier.
func (r *registry) shardFor(id string) *registryShard {
	if len(id) == 0 {
		return r.shards[0]
	}
	return r.shards[int(id[len(id)-1])%registryShards]
}

// register associates id with tunnel.
func (r *registry) register(id string, tunnel *Tunnel) {
	shard := r.shardFor(id)
	shard.mu.Lock()
	shard.index[id] = tunnel
	shard.mu.Unlock()
}

// lookup returns the tunnel associated with id, if any.
func (r *registry) lookup(id string) (*Tunnel, bool) {
	shard := r.shardFor(id)
	shard.mu.RLock()
	tunnel, ok := shard.index[id]
	shard.mu.RUnlock()
	return tunnel, ok
}

// unregister removes the association for id, if any.
func (r *registry) unregister(id string) {
	shard := r.shardFor(id)
	shard.mu.Lock()
	delete(shard.index, id)
	shard.mu.Unlock()
}
