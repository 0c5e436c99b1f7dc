package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rust-Ghost/ShakGPT/internal/crypto"
	"github.com/rust-Ghost/ShakGPT/internal/protocol"
)

const helloSize = 32

// SecureChannel implements Channel over a net.Conn.
type SecureChannel struct {
	conn net.Conn

	wmu    sync.Mutex
	sealer *crypto.Sealer

	rmu    sync.Mutex
	opener *crypto.Opener

	closeOnce sync.Once
}

// Client performs the dialing side of the handshake on conn.
func Client(conn net.Conn, psk crypto.PreSharedKey, timeout time.Duration) (*SecureChannel, error) {
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	setDeadline(conn, timeout)
	defer clearDeadline(conn, timeout)

	if err := protocol.WriteFrame(conn, eph.Pub[:]); err != nil {
		return nil, fmt.Errorf("handshake: send hello: %w", err)
	}
	serverPub, err := readHello(conn)
	if err != nil {
		return nil, err
	}
	keys, err := crypto.DeriveSessionKeys(eph, serverPub, psk, eph.Pub, serverPub)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return newSecureChannel(conn, keys.ClientToServer, keys.ServerToClient)
}

// Server performs the accepting side of the handshake on conn.
func Server(conn net.Conn, psk crypto.PreSharedKey, timeout time.Duration) (*SecureChannel, error) {
	setDeadline(conn, timeout)
	defer clearDeadline(conn, timeout)

	clientPub, err := readHello(conn)
	if err != nil {
		return nil, err
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(conn, eph.Pub[:]); err != nil {
		return nil, fmt.Errorf("handshake: send hello: %w", err)
	}
	keys, err := crypto.DeriveSessionKeys(eph, clientPub, psk, clientPub, eph.Pub)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return newSecureChannel(conn, keys.ServerToClient, keys.ClientToServer)
}

func newSecureChannel(conn net.Conn, sendKey, recvKey []byte) (*SecureChannel, error) {
	sealer, err := crypto.NewSealer(sendKey)
	if err != nil {
		return nil, err
	}
	opener, err := crypto.NewOpener(recvKey)
	if err != nil {
		return nil, err
	}
	return &SecureChannel{conn: conn, sealer: sealer, opener: opener}, nil
}

func readHello(conn net.Conn) ([32]byte, error) {
	var pub [32]byte
	body, err := protocol.ReadFrame(conn)
	if err != nil {
		return pub, fmt.Errorf("handshake: %w", connErr(err))
	}
	if len(body) != helloSize {
		return pub, fmt.Errorf("%w: hello of %d bytes", protocol.ErrFraming, len(body))
	}
	copy(pub[:], body)
	return pub, nil
}

func (c *SecureChannel) Send(plaintext []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := protocol.WriteFrame(c.conn, c.sealer.Seal(plaintext)); err != nil {
		return fmt.Errorf("transport: write: %w", connErr(err))
	}
	return nil
}

func (c *SecureChannel) Receive() ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.receive()
}

func (c *SecureChannel) receive() ([]byte, error) {
	body, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, connErr(err)
	}
	pt, err := c.opener.Open(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrAuthentication, err)
	}
	return pt, nil
}

func (c *SecureChannel) SendRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	for len(b) > 0 {
		chunk := b
		if len(chunk) > protocol.ChunkSize {
			chunk = b[:protocol.ChunkSize]
		}
		if err := protocol.WriteFrame(c.conn, c.sealer.Seal(chunk)); err != nil {
			return fmt.Errorf("transport: write: %w", connErr(err))
		}
		b = b[len(chunk):]
	}
	return nil
}

func (c *SecureChannel) ReceiveRaw(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative raw size %d", protocol.ErrFraming, n)
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	out := make([]byte, 0, n)
	for len(out) < n {
		chunk, err := c.receive()
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 || len(out)+len(chunk) > n {
			return nil, fmt.Errorf("%w: raw chunk of %d bytes overruns declared size %d", protocol.ErrFraming, len(chunk), n)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (c *SecureChannel) RemoteAddr() string {
	if a := c.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *SecureChannel) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

// connErr folds socket-level read and write failures into ErrConnectionClosed while
// leaving framing errors intact.
func connErr(err error) error {
	if errors.Is(err, protocol.ErrFraming) || errors.Is(err, protocol.ErrConnectionClosed) {
		return err
	}
	return fmt.Errorf("%w: %v", protocol.ErrConnectionClosed, err)
}

func setDeadline(conn net.Conn, timeout time.Duration) {
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout)) //nolint:errcheck
	}
}

func clearDeadline(conn net.Conn, timeout time.Duration) {
	if timeout > 0 {
		conn.SetDeadline(time.Time{}) //nolint:errcheck
	}
}
