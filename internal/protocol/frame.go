// Package protocol defines the ShakGPT wire format.
//
// Every logical message on the wire is a frame: a 4-byte big-endian length
// followed by exactly that many body bytes. After the connection handshake
// every body is a sealed (AEAD) message; see package crypto.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize = 4

	// MaxFrameSize bounds a single frame body. Larger declared lengths are
	// treated as a framing error rather than an allocation request.
	MaxFrameSize = 16 << 20

	// ChunkSize is the largest plaintext carried per frame during raw
	// payload transfers.
	ChunkSize = 64 << 10
)

// WriteFrame writes body to w preceded by its length.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrFraming, len(body))
	}
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(body)))
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame from r. It loops until the declared number of
// bytes has been collected and never returns a short body.
//
// EOF before any header byte returns ErrConnectionClosed. EOF anywhere
// inside a frame returns ErrFraming.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, ErrConnectionClosed
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("%w: truncated header", ErrFraming)
		}
		return nil, err
	}
	sz := binary.BigEndian.Uint32(hdr[:])
	if sz > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds limit", ErrFraming, sz)
	}
	body := make([]byte, sz)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame (want %d bytes)", ErrFraming, sz)
		}
		return nil, err
	}
	return body, nil
}
