package tunnel

import "errors"

// Sentinel errors returned by the tunnel package. The server sends the
// messages of several of them to the peer as Error frames, and callers can
// test for each with errors.Is.
var (
	// ErrAuthenticationFailed indicates a failed HMAC comparison or a
	// bearer credential rejected by the validator.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrHandshakeTimeout indicates the handshake deadline elapsed before
	// the client completed authentication and requested a port.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrPortUnavailable indicates the requested port is out of range,
	// already owned by another tunnel, or no port could be found in range.
	ErrPortUnavailable = errors.New("port unavailable")
	// ErrUnknownHandoff indicates a data connection presented a handoff
	// identifier that is unknown, already consumed, or expired.
	ErrUnknownHandoff = errors.New("unknown id")
	// ErrInactivityTimeout indicates no frame was received on a control
	// connection within the inactivity window.
	ErrInactivityTimeout = errors.New("inactivity timeout")
)
