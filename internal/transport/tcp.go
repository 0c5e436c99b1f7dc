package transport

import (
	"net"
	"time"

	"github.com/rust-Ghost/ShakGPT/internal/crypto"
)

// DefaultHandshakeTimeout bounds the hello exchange on a fresh connection.
const DefaultHandshakeTimeout = 10 * time.Second

// Listener accepts TCP connections. The handshake is left to the caller so a
// slow peer never stalls the accept loop.
type Listener struct {
	ln      net.Listener
	psk     crypto.PreSharedKey
	timeout time.Duration
}

// Listen binds a TCP listener on addr.
func Listen(addr string, psk crypto.PreSharedKey, handshakeTimeout time.Duration) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if handshakeTimeout == 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Listener{ln: ln, psk: psk, timeout: handshakeTimeout}, nil
}

// Accept waits for the next raw connection.
func (l *Listener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}

// Handshake upgrades an accepted connection to a SecureChannel.
func (l *Listener) Handshake(conn net.Conn) (*SecureChannel, error) {
	return Server(conn, l.psk, l.timeout)
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Dial connects to a server and completes the client handshake.
func Dial(addr string, psk crypto.PreSharedKey, timeout time.Duration) (*SecureChannel, error) {
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	ch, err := Client(conn, psk, timeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ch, nil
}
