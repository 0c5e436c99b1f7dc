// Package crypto provides the symmetric protection for ShakGPT connections.
//
// Each connection starts with an X25519 exchange of ephemeral keys. The
// shared secret is combined with the pre-shared key through HKDF-SHA256 to
// produce one ChaCha20-Poly1305 key per direction. Every sealed message
// carries its own nonce: a random 4-byte prefix chosen per direction followed
// by an 8-byte counter. Receivers require the counter to strictly increase.
//
// Sealed format: nonce(12) || ciphertext+tag
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoC2S = "shak-v1 c2s"
	hkdfInfoS2C = "shak-v1 s2c"

	NonceSize = chacha20poly1305.NonceSize
	Overhead  = NonceSize + chacha20poly1305.Overhead
)

// ErrDecryptFailed is returned when a sealed message does not verify.
var ErrDecryptFailed = errors.New("decrypt: authentication failed")

// ErrReplay is returned when a verified message reuses or rewinds the
// nonce counter.
var ErrReplay = errors.New("decrypt: nonce counter did not advance")

// Sealer encrypts outgoing messages for one direction of a connection.
// It is not safe for concurrent use.
type Sealer struct {
	aead    cipher.AEAD
	prefix  [4]byte
	counter uint64
}

// NewSealer returns a Sealer keyed with key and a random nonce prefix.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	s := &Sealer{aead: aead}
	if _, err := io.ReadFull(rand.Reader, s.prefix[:]); err != nil {
		return nil, err
	}
	return s, nil
}

// Seal encrypts plaintext under the next nonce.
func (s *Sealer) Seal(plaintext []byte) []byte {
	s.counter++
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+chacha20poly1305.Overhead)
	copy(out[:4], s.prefix[:])
	binary.BigEndian.PutUint64(out[4:NonceSize], s.counter)
	return s.aead.Seal(out, out[:NonceSize], plaintext, nil)
}

// Opener decrypts incoming messages for one direction of a connection.
// It is not safe for concurrent use.
type Opener struct {
	aead cipher.AEAD
	last uint64
}

func NewOpener(key []byte) (*Opener, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &Opener{aead: aead}, nil
}

// Open verifies and decrypts a message produced by Seal.
func (o *Opener) Open(data []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, ErrDecryptFailed
	}
	nonce := data[:NonceSize]
	pt, err := o.aead.Open(nil, nonce, data[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	ctr := binary.BigEndian.Uint64(nonce[4:])
	if ctr <= o.last {
		return nil, ErrReplay
	}
	o.last = ctr
	return pt, nil
}

// SessionKeys holds the directional keys of one connection.
type SessionKeys struct {
	ClientToServer []byte
	ServerToClient []byte
}

// DeriveSessionKeys computes both directional keys from the local ephemeral
// private key, the peer's ephemeral public key and the pre-shared key.
// clientPub and serverPub fix the salt so both ends derive the same keys.
func DeriveSessionKeys(local *EphemeralKey, remotePub [32]byte, psk PreSharedKey, clientPub, serverPub [32]byte) (*SessionKeys, error) {
	shared, err := curve25519.X25519(local.Priv[:], remotePub[:])
	if err != nil {
		return nil, err
	}
	ikm := make([]byte, 0, len(shared)+KeySize)
	ikm = append(ikm, shared...)
	ikm = append(ikm, psk[:]...)

	salt := make([]byte, 0, 64)
	salt = append(salt, clientPub[:]...)
	salt = append(salt, serverPub[:]...)

	c2s, err := deriveKey(ikm, salt, hkdfInfoC2S)
	if err != nil {
		return nil, err
	}
	s2c, err := deriveKey(ikm, salt, hkdfInfoS2C)
	if err != nil {
		return nil, err
	}
	return &SessionKeys{ClientToServer: c2s, ServerToClient: s2c}, nil
}

func deriveKey(ikm, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
