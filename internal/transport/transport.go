// Package transport implements the secure channel every ShakGPT connection
// speaks: length-prefixed frames whose bodies are sealed with per-direction
// keys agreed at connect time.
package transport

// Channel is one authenticated, encrypted, ordered message stream.
// The server's session handler and the client use this interface
// exclusively so tests can run over in-memory pipes.
type Channel interface {
	// Send seals plaintext into a single frame.
	Send(plaintext []byte) error

	// Receive returns the next message. It fails with protocol.ErrFraming on
	// short or malformed input, protocol.ErrAuthentication when a frame does
	// not verify, and protocol.ErrConnectionClosed when the peer is gone.
	Receive() ([]byte, error)

	// SendRaw transfers b as a sequence of sealed chunk frames. The receiver
	// must already know len(b).
	SendRaw(b []byte) error

	// ReceiveRaw collects exactly n bytes sent with SendRaw.
	ReceiveRaw(n int) ([]byte, error)

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string

	// Close closes the underlying connection. Blocked calls fail.
	Close() error
}
