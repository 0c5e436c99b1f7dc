package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"
)

const dbFile = "shak.db"

var (
	bucketCarriers = []byte("carriers")
	bucketRecords  = []byte("hidden_payloads")
	bucketUsers    = []byte("users")
)

// Bolt is a Store backed by a single bbolt file.
type Bolt struct {
	db   *bolt.DB
	cost int
	now  func() time.Time
}

// Option configures a Bolt store.
type Option func(*Bolt)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(b *Bolt) { b.cost = cost }
}

// Open opens (or creates) the database inside dir.
func Open(dir string, opts ...Option) (*Bolt, error) {
	db, err := bolt.Open(filepath.Join(dir, dbFile), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCarriers, bucketRecords, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	b := &Bolt{db: db, cost: bcrypt.DefaultCost, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func itob(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

// Carrier looks up a carrier by id.
func (b *Bolt) Carrier(id int64) (*Carrier, error) {
	var c Carrier
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCarriers).Get(itob(uint64(id)))
		if data == nil {
			return fmt.Errorf("%w: carrier %d", ErrNotFound, id)
		}
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Carriers returns every carrier ordered by id.
func (b *Bolt) Carriers() ([]Carrier, error) {
	var out []Carrier
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCarriers).ForEach(func(_, v []byte) error {
			var c Carrier
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// PutCarrier inserts a carrier. Carriers are immutable: an existing id is
// left untouched and reported as ErrInvalid.
func (b *Bolt) PutCarrier(c Carrier) error {
	if c.ID <= 0 {
		return fmt.Errorf("%w: carrier id must be positive", ErrInvalid)
	}
	if _, _, err := c.Media(); err != nil {
		return err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketCarriers)
		key := itob(uint64(c.ID))
		if bkt.Get(key) != nil {
			return fmt.Errorf("%w: carrier %d already exists", ErrInvalid, c.ID)
		}
		return bkt.Put(key, data)
	})
}

// AppendRecord assigns r an id and creation time and appends it.
func (b *Bolt) AppendRecord(r *HiddenPayloadRecord) error {
	if r.OwnerID == "" || r.ArtifactRef == "" {
		return fmt.Errorf("%w: record needs owner and artifact", ErrInvalid)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketRecords)
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		rec := *r
		rec.ID = seq
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = b.now().UTC()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bkt.Put(itob(seq), data); err != nil {
			return err
		}
		*r = rec
		return nil
	})
}

// Records returns the owner's records oldest first.
func (b *Bolt) Records(ownerID string) ([]HiddenPayloadRecord, error) {
	var out []HiddenPayloadRecord
	err := b.forEachRecord(func(r HiddenPayloadRecord) {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	})
	return out, err
}

func (b *Bolt) CountRecords(ownerID string) (int, error) {
	n := 0
	err := b.forEachRecord(func(r HiddenPayloadRecord) {
		if r.OwnerID == ownerID {
			n++
		}
	})
	return n, err
}

func (b *Bolt) forEachRecord(fn func(HiddenPayloadRecord)) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var r HiddenPayloadRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			fn(r)
			return nil
		})
	})
}

// CreateUser registers username with a bcrypt hash of password and a fresh
// owner id.
func (b *Bolt) CreateUser(username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password required", ErrInvalid)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return nil, err
	}
	u := &User{
		Username:     username,
		OwnerID:      uuid.NewString(),
		PasswordHash: hash,
		CreatedAt:    b.now().UTC(),
	}
	data, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketUsers)
		if bkt.Get([]byte(username)) != nil {
			return fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return bkt.Put([]byte(username), data)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Verify checks a username/password pair. Unknown users and wrong
// passwords both yield ok == false with a nil error. A successful check
// stamps the user's last login time.
func (b *Bolt) Verify(username, password string) (string, bool, error) {
	var u User
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(strings.TrimSpace(username)))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &u)
	})
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return "", false, nil
	}

	u.LastLoginAt = b.now().UTC()
	if err := b.putUser(&u); err != nil {
		logrus.WithError(err).WithField("username", u.Username).Warn("Failed to record last login")
	}
	return u.OwnerID, true, nil
}

func (b *Bolt) putUser(u *User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).Put([]byte(u.Username), data)
	})
}
