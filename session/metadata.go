package session

import (
	"bytes"
	"io"
	"time"

	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// unlockedAtType is the tlv type of the unlock timestamp.
	unlockedAtType tlv.Type = 0

	// lastActiveType is the tlv type of the last activity timestamp.
	lastActiveType tlv.Type = 2

	// idleTimeoutType is the tlv type of the idle timeout.
	idleTimeoutType tlv.Type = 4
)

// Metadata describes an unlocked session. It is persisted so a restarted
// process can tell whether the session is still within its timeouts. It
// never contains secret material.
type Metadata struct {
	// UnlockedAt is when the first secret of the session was stored.
	UnlockedAt time.Time

	// LastActive is the time of the most recent activity.
	LastActive time.Time

	// IdleTimeout is the idle timeout the session was unlocked with.
	IdleTimeout time.Duration
}

// IdleExpired reports whether the session has been idle longer than its
// idle timeout at now.
func (m *Metadata) IdleExpired(now time.Time) bool {
	return now.Sub(m.LastActive) > m.IdleTimeout
}

// AbsoluteExpired reports whether more than ceiling has passed since unlock.
func (m *Metadata) AbsoluteExpired(now time.Time, ceiling time.Duration) bool {
	return now.Sub(m.UnlockedAt) > ceiling
}

// Encode writes the metadata as a tlv stream.
func (m *Metadata) Encode(w io.Writer) error {
	unlockedAt := uint64(m.UnlockedAt.UnixNano())
	lastActive := uint64(m.LastActive.UnixNano())
	idleTimeout := uint32(m.IdleTimeout / time.Millisecond)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(unlockedAtType, &unlockedAt),
		tlv.MakePrimitiveRecord(lastActiveType, &lastActive),
		tlv.MakePrimitiveRecord(idleTimeoutType, &idleTimeout),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a tlv stream written by Encode.
func (m *Metadata) Decode(r io.Reader) error {
	var (
		unlockedAt  uint64
		lastActive  uint64
		idleTimeout uint32
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(unlockedAtType, &unlockedAt),
		tlv.MakePrimitiveRecord(lastActiveType, &lastActive),
		tlv.MakePrimitiveRecord(idleTimeoutType, &idleTimeout),
	)
	if err != nil {
		return err
	}

	if err := stream.Decode(r); err != nil {
		return err
	}

	m.UnlockedAt = time.Unix(0, int64(unlockedAt))
	m.LastActive = time.Unix(0, int64(lastActive))
	m.IdleTimeout = time.Duration(idleTimeout) * time.Millisecond

	return nil
}

// serialize returns the encoded metadata.
func (m *Metadata) serialize() ([]byte, error) {
	var b bytes.Buffer
	if err := m.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// MetadataStore persists the metadata of the current session. It must not
// share storage with secrets.
type MetadataStore interface {
	// FetchMetadata returns the stored metadata, or ErrMetadataNotFound.
	FetchMetadata() (*Metadata, error)

	// PutMetadata replaces the stored metadata.
	PutMetadata(m *Metadata) error

	// DeleteMetadata removes the stored metadata. Deleting absent
	// metadata is not an error.
	DeleteMetadata() error
}
