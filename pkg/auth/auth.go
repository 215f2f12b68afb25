// Package auth implements the two mutually-exclusive authentication modes
// that a bore server or client can be configured with: shared-secret HMAC
// challenge/response, and external bearer-credential validation. Each side's
// configuration is modeled as a tagged union rather than a pair of optional
// fields, so that "HMAC and bearer both set" is unrepresentable.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ServerMode identifies which authentication mode a server is configured
// with.
type ServerMode int

const (
	// ServerModeNone means the server performs no authentication at all;
	// the challenge/response exchange is skipped entirely.
	ServerModeNone ServerMode = iota
	// ServerModeHMAC means the server requires a shared-secret HMAC
	// challenge/response.
	ServerModeHMAC
	// ServerModeBearer means the server delegates credential validation to
	// an external Validator.
	ServerModeBearer
)

// ServerAuth is the server's authentication configuration. It is constructed
// via one of the NewServerAuth* functions and is immutable thereafter.
type ServerAuth struct {
	mode      ServerMode
	secret    []byte
	validator Validator
}

// NewServerAuthNone constructs a ServerAuth that performs no authentication.
func NewServerAuthNone() *ServerAuth {
	return &ServerAuth{mode: ServerModeNone}
}

// NewServerAuthHMAC constructs a ServerAuth that requires the HMAC
// challenge/response using the given shared secret.
func NewServerAuthHMAC(secret []byte) *ServerAuth {
	return &ServerAuth{mode: ServerModeHMAC, secret: secret}
}

// NewServerAuthBearer constructs a ServerAuth that delegates credential
// validation to the given Validator.
func NewServerAuthBearer(validator Validator) *ServerAuth {
	return &ServerAuth{mode: ServerModeBearer, validator: validator}
}

// Mode returns the server's configured authentication mode.
func (a *ServerAuth) Mode() ServerMode {
	if a == nil {
		return ServerModeNone
	}
	return a.mode
}

// Validator returns the server's configured credential validator. It is
// only meaningful when Mode() == ServerModeBearer.
func (a *ServerAuth) Validator() Validator {
	return a.validator
}

// VerifyHMAC recomputes HMAC-SHA256(secret, nonce) and compares it to reply
// in constant time. reply and nonce are both hex-encoded on the wire.
func (a *ServerAuth) VerifyHMAC(nonce, reply string) bool {
	expected, err := ComputeHMAC(a.secret, nonce)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(reply))
}

// ClientMode identifies which authentication mode a client is configured
// with.
type ClientMode int

const (
	// ClientModeNone means the client offers no credential.
	ClientModeNone ClientMode = iota
	// ClientModeHMAC means the client will answer a Challenge with an HMAC
	// reply computed from a shared secret.
	ClientModeHMAC
	// ClientModeBearer means the client will answer a Challenge by sending
	// its bearer token verbatim.
	ClientModeBearer
)

// ClientAuth is the client's authentication configuration.
type ClientAuth struct {
	mode   ClientMode
	secret []byte
	token  string
}

// NewClientAuthNone constructs a ClientAuth that offers no credential.
func NewClientAuthNone() *ClientAuth {
	return &ClientAuth{mode: ClientModeNone}
}

// NewClientAuthHMAC constructs a ClientAuth that answers challenges using
// the given shared secret.
func NewClientAuthHMAC(secret []byte) *ClientAuth {
	return &ClientAuth{mode: ClientModeHMAC, secret: secret}
}

// NewClientAuthBearer constructs a ClientAuth that answers challenges with
// the given bearer token.
func NewClientAuthBearer(token string) *ClientAuth {
	return &ClientAuth{mode: ClientModeBearer, token: token}
}

// Mode returns the client's configured authentication mode.
func (a *ClientAuth) Mode() ClientMode {
	if a == nil {
		return ClientModeNone
	}
	return a.mode
}

// Reply computes the value the client should send in its Authenticate
// message in response to the given hex-encoded nonce.
func (a *ClientAuth) Reply(nonce string) (string, error) {
	switch a.mode {
	case ClientModeHMAC:
		return ComputeHMAC(a.secret, nonce)
	case ClientModeBearer:
		return a.token, nil
	default:
		return "", nil
	}
}

// ComputeHMAC computes HMAC-SHA256(secret, nonce) and returns it hex-encoded.
// nonce is the hex-encoded nonce as it appears on the wire; it is decoded
// before being fed to the MAC so that the keyed hash is computed over the
// actual nonce bytes rather than their textual representation.
func ComputeHMAC(secret []byte, nonce string) (string, error) {
	nonceBytes, err := hex.DecodeString(nonce)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(nonceBytes)
	return hex.EncodeToString(mac.Sum(nil)), nil
}
