package tunnel

import "time"

const (
	// handshakeDeadline bounds the time allowed for a control connection to
	// complete authentication and send its Hello, measured from accept.
	handshakeDeadline = 10 * time.Second
	// heartbeatInterval is how often the server sends a Heartbeat to each
	// connected client.
	heartbeatInterval = 500 * time.Millisecond
	// inactivityTimeout is how long a control connection may go without
	// receiving any frame before it is considered dead.
	inactivityTimeout = 15 * time.Second
	// handoffTimeout is how long a pending handoff may sit unclaimed before
	// its end-user socket is closed and the entry removed.
	handoffTimeout = 10 * time.Second
	// handoffSweepInterval is the cadence of the background sweep that
	// backstops the per-handoff expiry timers.
	handoffSweepInterval = 1 * time.Second
)
