// Package state persists the token revocation denylist in a bbolt
// database. Only token IDs and their expiry are stored; raw tokens never
// reach disk.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the database directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var revokedBucket = []byte("revoked_tokens")

// State wraps a bbolt database holding revoked token IDs.
type State struct {
	db  *bolt.DB
	now func() time.Time
}

// LoadAt opens the denylist database at the given path, creating it and
// its parent directory if they do not exist.
func LoadAt(path string) (*State, error) {
	if path == "" {
		return nil, errors.New("state db path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(revokedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Revoke records a token ID as revoked until exp. Entries past their
// expiry are dropped on the next Prune since the token would be rejected
// by its own exp claim anyway.
func (s *State) Revoke(tokenID string, exp time.Time) error {
	if tokenID == "" {
		return errors.New("token id is required")
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(exp.Unix()))

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(revokedBucket).Put([]byte(tokenID), buf[:])
	})
}

// IsRevoked reports whether tokenID is on the denylist and not yet expired.
func (s *State) IsRevoked(tokenID string) (bool, error) {
	var revoked bool

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(revokedBucket).Get([]byte(tokenID))
		if v == nil {
			return nil
		}

		exp, err := decodeExpiry(v)
		if err != nil {
			return err
		}

		revoked = s.now().Before(exp)

		return nil
	})

	return revoked, err
}

// Prune deletes entries whose expiry has passed and returns how many
// were removed.
func (s *State) Prune() (int, error) {
	removed := 0
	now := s.now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(revokedBucket)

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			exp, err := decodeExpiry(v)
			if err != nil || !now.Before(exp) {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(stale)

		return nil
	})

	return removed, err
}

// Count returns the number of entries on the denylist, expired or not.
func (s *State) Count() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(revokedBucket).Stats().KeyN
		return nil
	})

	return count
}

func decodeExpiry(v []byte) (time.Time, error) {
	if len(v) != 8 {
		return time.Time{}, fmt.Errorf("corrupt revocation entry of %d bytes", len(v))
	}

	return time.Unix(int64(binary.BigEndian.Uint64(v)), 0), nil
}
