package session

import (
	"bytes"
	"sync"
)

// MemStore is a MetadataStore that keeps the encoded metadata in memory. It
// is useful for tests and for processes that never restart.
type MemStore struct {
	mu   sync.Mutex
	blob []byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// FetchMetadata implements MetadataStore.
func (s *MemStore) FetchMetadata() (*Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blob == nil {
		return nil, ErrMetadataNotFound
	}

	m := &Metadata{}
	if err := m.Decode(bytes.NewReader(s.blob)); err != nil {
		return nil, err
	}

	return m, nil
}

// PutMetadata implements MetadataStore.
func (s *MemStore) PutMetadata(m *Metadata) error {
	blob, err := m.serialize()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.blob = blob
	s.mu.Unlock()

	return nil
}

// DeleteMetadata implements MetadataStore.
func (s *MemStore) DeleteMetadata() error {
	s.mu.Lock()
	s.blob = nil
	s.mu.Unlock()

	return nil
}

// A compile-time assertion to ensure MemStore implements MetadataStore.
var _ MetadataStore = (*MemStore)(nil)
