// Package bbolt provides a BBolt-backed storage.Store.
package bbolt

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/storage"
)

var sessionsBucket = []byte("sessions")

// Store implements storage.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Keys are big-endian so that cursor order matches numeric order.
func encodeKey(localID int) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(int64(localID))^(1<<63))
	return k
}

func decodeKey(k []byte) int {
	return int(int64(binary.BigEndian.Uint64(k) ^ (1 << 63)))
}

func (s *Store) Load(_ context.Context, localID int) (*session.PersistedSession, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get(encodeKey(localID))
		if v == nil {
			return fmt.Errorf("local id %d: %w", localID, storage.ErrNotFound)
		}
		// v is only valid for the life of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.Unmarshal(data)
}

func (s *Store) Save(_ context.Context, p *session.PersistedSession) error {
	data, err := storage.Marshal(p)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put(encodeKey(storage.LocalID(p)), data)
	})
}

func (s *Store) Remove(_ context.Context, localID int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(encodeKey(localID))
	})
}

func (s *Store) List(context.Context) ([]int, error) {
	var ids []int
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, _ []byte) error {
			ids = append(ids, decodeKey(k))
			return nil
		})
	})
	return ids, err
}
