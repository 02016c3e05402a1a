package session

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// metadataBucket holds the session metadata.
	metadataBucket = []byte("session-metadata")

	// metadataKey is the key of the single metadata record.
	metadataKey = []byte("meta")
)

// BoltStore is a MetadataStore backed by a bbolt database.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates the database at dbPath. The parent
// directory is created if it does not exist.
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("unable to create directory: %w", err)
	}

	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open session db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// FetchMetadata implements MetadataStore.
func (s *BoltStore) FetchMetadata() (*Metadata, error) {
	var m *Metadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		blob := tx.Bucket(metadataBucket).Get(metadataKey)
		if blob == nil {
			return ErrMetadataNotFound
		}

		// The blob is only valid for the life of the transaction, but
		// Decode copies everything it reads.
		m = &Metadata{}
		return m.Decode(bytes.NewReader(blob))
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// PutMetadata implements MetadataStore.
func (s *BoltStore) PutMetadata(m *Metadata) error {
	blob, err := m.serialize()
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put(metadataKey, blob)
	})
}

// DeleteMetadata implements MetadataStore.
func (s *BoltStore) DeleteMetadata() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Delete(metadataKey)
	})
}

// A compile-time assertion to ensure BoltStore implements MetadataStore.
var _ MetadataStore = (*BoltStore)(nil)
