package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

const KeySize = 32

// PreSharedKey is the long-term secret shared by server and clients.
// It never travels on the wire; it is mixed into every connection's keys.
type PreSharedKey [KeySize]byte

type pskFile struct {
	PSK string `json:"psk"`
}

// GeneratePSK returns a fresh random pre-shared key.
func GeneratePSK() (PreSharedKey, error) {
	var k PreSharedKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

func (k PreSharedKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// Save writes the key to path as JSON, readable only by the owner.
func (k PreSharedKey) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(pskFile{PSK: k.Hex()})
}

// LoadPSK reads a key written by Save.
func LoadPSK(path string) (PreSharedKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return PreSharedKey{}, err
	}
	defer f.Close()
	var pf pskFile
	if err := json.NewDecoder(f).Decode(&pf); err != nil {
		return PreSharedKey{}, err
	}
	return PSKFromHex(pf.PSK)
}

// PSKFromHex parses a 32-byte hex-encoded key.
func PSKFromHex(s string) (PreSharedKey, error) {
	var out PreSharedKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != KeySize {
		return out, errors.New("pre-shared key must be 32 bytes")
	}
	copy(out[:], b)
	return out, nil
}

// EphemeralKey is a one-connection X25519 keypair.
type EphemeralKey struct {
	Priv [32]byte
	Pub  [32]byte
}

func GenerateEphemeral() (*EphemeralKey, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, err
	}
	// Clamp scalar
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	k := &EphemeralKey{Priv: priv}
	copy(k.Pub[:], pub)
	return k, nil
}
