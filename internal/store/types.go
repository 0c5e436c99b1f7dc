// Package store persists ShakGPT's reference and audit data: seeded carrier
// media, the append-only hidden payload log, and user credentials.
package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound   = errors.New("store: not found")
	ErrUserExists = errors.New("store: user already exists")
	ErrInvalid    = errors.New("store: invalid record")
)

// MediaKind identifies which of a carrier's media fields is populated.
type MediaKind int

const (
	KindImage MediaKind = iota + 1
	KindAudio
	KindVideo
)

func (k MediaKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Carrier is reference media that hidden payloads are appended to.
// Exactly one of the three path fields is set.
type Carrier struct {
	ID        int64  `json:"id" yaml:"id"`
	ImagePath string `json:"image_path,omitempty" yaml:"image,omitempty"`
	AudioPath string `json:"audio_path,omitempty" yaml:"audio,omitempty"`
	VideoPath string `json:"video_path,omitempty" yaml:"video,omitempty"`
}

// Media returns the populated field's kind and path.
func (c Carrier) Media() (MediaKind, string, error) {
	var (
		kind MediaKind
		path string
		n    int
	)
	for _, f := range []struct {
		k MediaKind
		p string
	}{{KindImage, c.ImagePath}, {KindAudio, c.AudioPath}, {KindVideo, c.VideoPath}} {
		if f.p != "" {
			kind, path = f.k, f.p
			n++
		}
	}
	if n != 1 {
		return 0, "", fmt.Errorf("%w: carrier %d has %d media fields set", ErrInvalid, c.ID, n)
	}
	return kind, path, nil
}

// HiddenPayloadRecord is one entry of the append-only audit log, written
// after every successful embed and for every extracted blob.
type HiddenPayloadRecord struct {
	ID          uint64    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	MediaKind   MediaKind `json:"media_kind"`
	ArtifactRef string    `json:"artifact_ref"`
	CreatedAt   time.Time `json:"created_at"`
}

// User is a registered account. PasswordHash is opaque to callers.
type User struct {
	Username     string    `json:"username"`
	OwnerID      string    `json:"owner_id"`
	PasswordHash []byte    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
	LastLoginAt  time.Time `json:"last_login_at,omitempty"`
}

// Store is the full persistence surface. Consumers depend on narrower
// interfaces declared where they are used.
type Store interface {
	Carrier(id int64) (*Carrier, error)
	Carriers() ([]Carrier, error)
	PutCarrier(c Carrier) error

	AppendRecord(r *HiddenPayloadRecord) error
	Records(ownerID string) ([]HiddenPayloadRecord, error)
	CountRecords(ownerID string) (int, error)

	CreateUser(username, password string) (*User, error)
	Verify(username, password string) (ownerID string, ok bool, err error)

	Close() error
}
