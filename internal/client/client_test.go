package client

import (
	"testing"

	"github.com/rust-Ghost/ShakGPT/internal/crypto"
	"github.com/rust-Ghost/ShakGPT/internal/protocol"
	"github.com/rust-Ghost/ShakGPT/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// script plays the server side of a conversation on the far end of a pipe.
func script(t *testing.T, fn func(s *transport.SecureChannel)) *Client {
	t.Helper()
	psk, err := crypto.GeneratePSK()
	require.NoError(t, err)
	c, s, err := transport.Pipe(psk, psk)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer s.Close()
		fn(s)
	}()
	t.Cleanup(func() {
		c.Close()
		<-done
	})
	return New(c)
}

func reply(s *transport.SecureChannel, r protocol.Response) {
	if r.Status == "" {
		r.Status = protocol.StatusOK
	}
	b, _ := protocol.MarshalResponse(r)
	s.Send(b) //nolint:errcheck
}

func TestLoginStoresToken(t *testing.T) {
	c := script(t, func(s *transport.SecureChannel) {
		b, err := s.Receive()
		if err != nil {
			return
		}
		req, _ := protocol.UnmarshalRequest(b)
		if req.Command != protocol.CmdLogin || req.Username != "alice" {
			reply(s, protocol.ErrorResponse(protocol.ErrCredential))
			return
		}
		reply(s, protocol.Response{SessionToken: "tok-1"})
	})

	require.NoError(t, c.Login("alice", "pw"))
	assert.Equal(t, "tok-1", c.Token())
}

func TestErrorCodesMapToSentinels(t *testing.T) {
	c := script(t, func(s *transport.SecureChannel) {
		if _, err := s.Receive(); err != nil {
			return
		}
		reply(s, protocol.ErrorResponse(protocol.ErrCredential))
	})

	err := c.Login("alice", "bad")
	assert.ErrorIs(t, err, protocol.ErrCredential)
	assert.Empty(t, c.Token())
}

func TestDecodeAcknowledgesEachBlob(t *testing.T) {
	blobs := [][]byte{{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, {0xFF, 0xD8, 0xFF, 0xD9}}
	acks := make(chan string, len(blobs))

	c := script(t, func(s *transport.SecureChannel) {
		reply(s, protocol.Response{Message: protocol.Menu})
		if sel, err := s.Receive(); err != nil || string(sel) != protocol.OptDecode {
			return
		}
		size, err := s.Receive()
		if err != nil {
			return
		}
		n, err := protocol.ParseSize(size, 1<<20)
		if err != nil {
			return
		}
		reply(s, protocol.Response{Message: "ready", Size: int64(n)})
		if _, err := s.ReceiveRaw(n); err != nil {
			return
		}
		reply(s, protocol.Response{Count: len(blobs)})
		for _, b := range blobs {
			reply(s, protocol.Response{Size: int64(len(b))})
			ack, err := s.Receive()
			if err != nil {
				return
			}
			acks <- string(ack)
			s.SendRaw(b) //nolint:errcheck
		}
	})

	got, err := c.Decode([]byte("artifact"))
	require.NoError(t, err)
	assert.Equal(t, blobs, got)
	close(acks)
	for a := range acks {
		assert.Equal(t, protocol.Ack, a)
	}
}

func TestExpiredSessionSurfaces(t *testing.T) {
	c := script(t, func(s *transport.SecureChannel) {
		reply(s, protocol.ErrorResponse(protocol.ErrSessionExpired))
	})

	_, _, err := c.Stats()
	assert.ErrorIs(t, err, protocol.ErrSessionExpired)
}

func TestPeerCloseIsFatal(t *testing.T) {
	c := script(t, func(s *transport.SecureChannel) {})

	_, _, err := c.Stats()
	require.Error(t, err)
	assert.True(t, protocol.IsFatal(err))
}

func TestHideRejectsBadServerValues(t *testing.T) {
	tests := []struct {
		name string
		resp protocol.Response
		ok   bool
		ref  string
	}{
		{"negative size", protocol.Response{Artifact: "a.jpg", Size: -1}, false, ""},
		{"oversized", protocol.Response{Artifact: "a.jpg", Size: MaxDownload + 1}, false, ""},
		{"path in ref", protocol.Response{Artifact: "../../etc/passwd", Size: 0}, true, "passwd"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := script(t, func(s *transport.SecureChannel) {
				reply(s, protocol.Response{Message: protocol.Menu})
				if _, err := s.Receive(); err != nil { // selection
					return
				}
				reply(s, protocol.Response{Message: "1: image cover.jpg", Count: 1})
				if _, err := s.Receive(); err != nil { // carrier id
					return
				}
				reply(s, protocol.Response{})
				if _, err := s.Receive(); err != nil { // size
					return
				}
				reply(s, protocol.Response{Message: "ready"})
				// empty payload: no raw frames follow
				reply(s, tc.resp)
			})

			res, err := c.Hide(1, nil)
			if !tc.ok {
				assert.ErrorIs(t, err, protocol.ErrFraming)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ref, res.Ref)
		})
	}
}

func TestDecodeRejectsNegativeBlobSize(t *testing.T) {
	c := script(t, func(s *transport.SecureChannel) {
		reply(s, protocol.Response{Message: protocol.Menu})
		if _, err := s.Receive(); err != nil {
			return
		}
		if _, err := s.Receive(); err != nil { // size
			return
		}
		reply(s, protocol.Response{Message: "ready"})
		reply(s, protocol.Response{Count: 1})
		reply(s, protocol.Response{Size: -5})
		s.Receive() //nolint:errcheck
	})

	_, err := c.Decode(nil)
	assert.ErrorIs(t, err, protocol.ErrFraming)
}
