package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rust-Ghost/ShakGPT/internal/client"
	"github.com/rust-Ghost/ShakGPT/internal/crypto"
	"github.com/rust-Ghost/ShakGPT/internal/protocol"
	"github.com/rust-Ghost/ShakGPT/internal/store"
	"github.com/rust-Ghost/ShakGPT/internal/transport"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var coverBytes = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

type testEnv struct {
	srv   *Server
	store *store.Bolt
	psk   crypto.PreSharedKey
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(root, store.WithBcryptCost(bcrypt.MinCost))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cover := filepath.Join(root, "cover.jpg")
	require.NoError(t, os.WriteFile(cover, coverBytes, 0600))
	require.NoError(t, st.PutCarrier(store.Carrier{ID: 1, ImagePath: cover}))

	for _, u := range []string{"alice", "bob"} {
		_, err := st.CreateUser(u, u+"-pw")
		require.NoError(t, err)
	}

	psk, err := crypto.GeneratePSK()
	require.NoError(t, err)

	cfg := Config{
		PSK:         psk,
		Listen:      "127.0.0.1:0",
		Store:       st,
		ArtifactDir: filepath.Join(root, "artifacts"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Stop)
	return &testEnv{srv: srv, store: st, psk: psk}
}

// pipe serves one in-memory connection and returns the client end.
func (e *testEnv) pipe(t *testing.T) *transport.SecureChannel {
	t.Helper()
	c, s, err := transport.Pipe(e.psk, e.psk)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.srv.ServeChannel(s)
	}()
	t.Cleanup(func() {
		c.Close()
		<-done
	})
	return c
}

func (e *testEnv) dial(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.Dial(e.srv.Addr().String(), e.psk, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func loggedIn(t *testing.T, e *testEnv, user string) *client.Client {
	t.Helper()
	c := client.New(e.pipe(t))
	require.NoError(t, c.Login(user, user+"-pw"))
	return c
}

func TestHideDecodeOverTCP(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.srv.Start())

	c := env.dial(t)
	require.NoError(t, c.Register("carol", "carol-pw"))
	require.NoError(t, c.Login("carol", "carol-pw"))
	assert.NotEmpty(t, c.Token())
	assert.Equal(t, 1, env.srv.Registry().Len())

	payload := []byte{0xFF, 0xD8, 0xAA, 0xBB, 0xFF, 0xD9}
	res, err := c.Hide(1, payload)
	require.NoError(t, err)
	assert.Len(t, res.Data, 16)
	assert.Equal(t, append(append([]byte{}, coverBytes...), payload...), res.Data)
	assert.NotEmpty(t, res.Ref)

	blobs, err := c.Decode(res.Data)
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, payload, blobs[0])

	n, msg, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Contains(t, msg, "active sessions: 1")

	answer, err := c.Ask("write hello world")
	require.NoError(t, err)
	assert.Equal(t, "(stub) Echo: write hello world", answer)

	list, err := c.Carriers()
	require.NoError(t, err)
	assert.Contains(t, list, "1: image")

	require.NoError(t, c.Logout())
	assert.Equal(t, 0, env.srv.Registry().Len())
}

func TestDecodeMultipleAndNone(t *testing.T) {
	env := newTestEnv(t, nil)
	c := loggedIn(t, env, "alice")

	seg := func(b byte) []byte { return []byte{0xFF, 0xD8, b, 0xFF, 0xD9} }
	artifact := bytes.Join([][]byte{coverBytes, seg(1), {0x00}, seg(2), seg(3), {0xFF, 0xD8, 0x44}}, nil)

	blobs, err := c.Decode(artifact)
	require.NoError(t, err)
	require.Len(t, blobs, 3)
	for i, b := range blobs {
		assert.Equal(t, seg(byte(i+1)), b)
	}

	blobs, err = c.Decode([]byte("no markers at all"))
	require.NoError(t, err)
	assert.Empty(t, blobs)

	blobs, err = c.Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestLoginRejectedIsRecoverable(t *testing.T) {
	env := newTestEnv(t, nil)
	c := client.New(env.pipe(t))

	err := c.Login("alice", "wrong")
	assert.ErrorIs(t, err, protocol.ErrCredential)
	err = c.Login("nobody", "alice-pw")
	assert.ErrorIs(t, err, protocol.ErrCredential)

	require.NoError(t, c.Login("alice", "alice-pw"))
	_, _, err = c.Stats()
	assert.NoError(t, err)
}

func TestMaxLoginAttemptsClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxLoginAttempts = 2 })
	c := client.New(env.pipe(t))

	hook := logtest.NewGlobal()
	defer hook.Reset()

	assert.ErrorIs(t, c.Login("alice", "x"), protocol.ErrCredential)
	assert.ErrorIs(t, c.Login("alice", "y"), protocol.ErrCredential)
	err := c.Login("alice", "alice-pw")
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)

	// The limit is policy, not a transport failure.
	assert.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Message == "Connection closed after too many failed logins" {
				return e.Level == logrus.WarnLevel
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, e.Level, e.Message)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	env := newTestEnv(t, nil)
	c := client.New(env.pipe(t))
	err := c.Register("alice", "again")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestMenuRequiresLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	ch := env.pipe(t)

	require.NoError(t, ch.Send([]byte(protocol.OptStats)))
	resp := readResponse(t, ch)
	assert.False(t, resp.OK())
	assert.Equal(t, protocol.CodeBadRequest, resp.Code)

	b, _ := protocol.MarshalRequest(protocol.Request{Command: "list_clients"})
	require.NoError(t, ch.Send(b))
	resp = readResponse(t, ch)
	assert.False(t, resp.OK())
}

func TestInvalidOptionStaysInMenu(t *testing.T) {
	env := newTestEnv(t, nil)
	c := loggedIn(t, env, "alice")

	_, err := c.Send("9")
	assert.ErrorIs(t, err, protocol.ErrInvalidOption)
	_, err = c.Send("hide")
	assert.ErrorIs(t, err, protocol.ErrInvalidOption)

	_, _, err = c.Stats()
	assert.NoError(t, err)
}

func TestHideCarrierNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	c := loggedIn(t, env, "alice")

	_, err := c.Hide(99, []byte("secret"))
	assert.ErrorIs(t, err, protocol.ErrCarrierNotFound)

	res, err := c.Hide(1, []byte("secret"))
	require.NoError(t, err, "session continues after a failed operation")
	assert.True(t, bytes.HasSuffix(res.Data, []byte("secret")))
}

func TestHideUploadTooLarge(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxUpload = 8 })
	c := loggedIn(t, env, "alice")

	_, err := c.Hide(1, make([]byte, 9))
	assert.ErrorIs(t, err, protocol.ErrInvalidOption)

	_, err = c.Hide(1, make([]byte, 8))
	assert.NoError(t, err)
}

func readResponse(t *testing.T, ch transport.Channel) protocol.Response {
	t.Helper()
	b, err := ch.Receive()
	require.NoError(t, err)
	resp, err := protocol.UnmarshalResponse(b)
	require.NoError(t, err)
	return resp
}

func TestAckMismatchAbortsRemainingBlobs(t *testing.T) {
	env := newTestEnv(t, nil)
	ch := env.pipe(t)
	c := client.New(ch)
	require.NoError(t, c.Login("alice", "alice-pw"))

	blob1 := []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}
	blob2 := []byte{0xFF, 0xD8, 0x02, 0x02, 0xFF, 0xD9}
	blob3 := []byte{0xFF, 0xD8, 0x03, 0x03, 0x03, 0xFF, 0xD9}
	artifact := bytes.Join([][]byte{coverBytes, blob1, blob2, blob3}, nil)

	assert.Equal(t, protocol.Menu, readResponse(t, ch).Message)
	require.NoError(t, ch.Send([]byte(protocol.OptDecode)))
	require.NoError(t, ch.Send(protocol.FormatSize(len(artifact))))
	require.True(t, readResponse(t, ch).OK())
	require.NoError(t, ch.SendRaw(artifact))

	assert.Equal(t, 3, readResponse(t, ch).Count)

	hdr := readResponse(t, ch)
	require.Equal(t, int64(len(blob1)), hdr.Size)
	require.NoError(t, ch.Send([]byte(protocol.Ack)))
	got, err := ch.ReceiveRaw(len(blob1))
	require.NoError(t, err)
	assert.Equal(t, blob1, got)

	hdr = readResponse(t, ch)
	require.Equal(t, int64(len(blob2)), hdr.Size)
	require.NoError(t, ch.Send([]byte("NAK")))

	// The next frame is the menu again, not blob 2 or blob 3.
	next := readResponse(t, ch)
	assert.True(t, next.OK())
	assert.Equal(t, protocol.Menu, next.Message)
}

func TestRevokedSessionReturnsToLogin(t *testing.T) {
	env := newTestEnv(t, nil)
	c := loggedIn(t, env, "alice")

	require.True(t, env.srv.Registry().Revoke(c.Token()))
	_, _, err := c.Stats()
	assert.ErrorIs(t, err, protocol.ErrSessionExpired)

	require.NoError(t, c.Login("alice", "alice-pw"))
	_, _, err = c.Stats()
	assert.NoError(t, err)
}

func TestDisconnectReleasesSession(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.srv.Start())

	c := env.dial(t)
	require.NoError(t, c.Login("alice", "alice-pw"))
	require.Equal(t, 1, env.srv.Registry().Len())

	c.Close()
	assert.Eventually(t, func() bool { return env.srv.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTamperedFrameTerminatesConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	cc, sc := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch, err := transport.Server(sc, env.psk, time.Second)
		if err != nil {
			sc.Close()
			return
		}
		env.srv.ServeChannel(ch)
	}()

	ch, err := transport.Client(cc, env.psk, time.Second)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, protocol.WriteFrame(cc, bytes.Repeat([]byte{0x42}, 48)))

	_, err = ch.Receive()
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	<-done
}

func TestWrongPSKRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.srv.Start())

	other, err := crypto.GeneratePSK()
	require.NoError(t, err)
	c, err := client.Dial(env.srv.Addr().String(), other, time.Second)
	require.NoError(t, err)
	defer c.Close()

	err = c.Login("alice", "alice-pw")
	require.Error(t, err)
	assert.True(t, protocol.IsFatal(err))
	assert.Equal(t, 0, env.srv.Registry().Len())
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.srv.Start())

	const workers = 8
	for i := 0; i < workers; i++ {
		_, err := env.store.CreateUser(fmt.Sprintf("user%d", i), "pw")
		require.NoError(t, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens = map[string]bool{}
		errs   = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := client.Dial(env.srv.Addr().String(), env.psk, 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			if err := c.Login(fmt.Sprintf("user%d", i), "pw"); err != nil {
				errs <- err
				return
			}
			mu.Lock()
			tokens[c.Token()] = true
			mu.Unlock()

			payload := []byte{0xFF, 0xD8, byte(i), 0xFF, 0xD9}
			res, err := c.Hide(1, payload)
			if err != nil {
				errs <- err
				return
			}
			blobs, err := c.Decode(res.Data)
			if err != nil {
				errs <- err
				return
			}
			if len(blobs) != 1 || !bytes.Equal(blobs[0], payload) {
				errs <- fmt.Errorf("worker %d: unexpected blobs %v", i, blobs)
				return
			}
			n, _, err := c.Stats()
			if err != nil {
				errs <- err
				return
			}
			if n != 2 {
				errs <- fmt.Errorf("worker %d: saw %d records, want 2", i, n)
				return
			}
			errs <- c.Logout()
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, tokens, workers)
	assert.Eventually(t, func() bool { return env.srv.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopClosesLiveConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.srv.Start())

	c := env.dial(t)
	require.NoError(t, c.Login("alice", "alice-pw"))

	env.srv.Stop()
	_, _, err := c.Stats()
	assert.True(t, protocol.IsFatal(err), "got %v", err)
	assert.Equal(t, 0, env.srv.Registry().Len())
}

type failingAssistant struct{}

func (failingAssistant) Ask(context.Context, string, string) (string, error) {
	return "", errors.New("model offline")
}

func TestAssistantFailureReported(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Assistant = failingAssistant{} })
	c := loggedIn(t, env, "bob")

	_, err := c.Ask("anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model offline")

	_, _, err = c.Stats()
	assert.NoError(t, err)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()
	_, err = New(Config{Store: st})
	assert.Error(t, err, "artifact dir is required")
}
