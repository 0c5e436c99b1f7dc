package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// splitReader returns at most one randomly sized piece per Read call.
type splitReader struct {
	r   io.Reader
	rng *rand.Rand
}

func (s *splitReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1+s.rng.Intn(len(p))]
	}
	return s.r.Read(p)
}

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	msgs := [][]byte{[]byte("1"), {}, []byte("hello"), bytes.Repeat([]byte{0xAB}, 70000)}
	for _, m := range msgs {
		require.NoError(t, WriteFrame(&buf, m))
	}
	for _, m := range msgs {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(m, got))
	}
	_, err := ReadFrame(&buf)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestFrameWireLayout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abc")))
	assert.Equal(t, []byte{0, 0, 0, 3, 'a', 'b', 'c'}, buf.Bytes())
}

func TestFrameSurvivesArbitrarySplits(t *testing.T) {
	var wire bytes.Buffer
	payload := make([]byte, 5000)
	rng := rand.New(rand.NewSource(42))
	rng.Read(payload)
	require.NoError(t, WriteFrame(&wire, payload))
	raw := wire.Bytes()

	t.Run("one byte", func(t *testing.T) {
		got, err := ReadFrame(iotest.OneByteReader(bytes.NewReader(raw)))
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})
	for seed := int64(0); seed < 20; seed++ {
		got, err := ReadFrame(&splitReader{r: bytes.NewReader(raw), rng: rand.New(rand.NewSource(seed))})
		require.NoError(t, err)
		assert.Equal(t, payload, got, "seed %d", seed)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, WriteFrame(&wire, []byte("complete body")))
	raw := wire.Bytes()

	_, err := ReadFrame(bytes.NewReader(raw[:2]))
	assert.ErrorIs(t, err, ErrFraming, "partial header")

	_, err = ReadFrame(bytes.NewReader(raw[:len(raw)-1]))
	assert.ErrorIs(t, err, ErrFraming, "partial body")
}

func TestReadFrameOversized(t *testing.T) {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	assert.ErrorIs(t, err, ErrFraming)

	err = WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFraming)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrFraming))
	assert.True(t, IsFatal(ErrAuthentication))
	assert.True(t, IsFatal(ErrConnectionClosed))
	assert.False(t, IsFatal(ErrCredential))
	assert.False(t, IsFatal(ErrCarrierNotFound))
	assert.False(t, IsFatal(ErrStore))
}
