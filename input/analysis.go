package input

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

const (
	// CompressedPubKeyLen is the length of a compressed secp256k1 key.
	CompressedPubKeyLen = 33

	// UncompressedPubKeyLen is the length of an uncompressed secp256k1
	// key.
	UncompressedPubKeyLen = 65
)

// SignType describes how an input that pays to a bare multisig script has to
// be signed and finalized.
type SignType uint8

const (
	// SignTypeCompressed is a standard multisig script that contains our
	// compressed key.
	SignTypeCompressed SignType = iota

	// SignTypeUncompressed is a standard multisig script that contains our
	// uncompressed key.
	SignTypeUncompressed

	// SignTypeInvalidPubkeys is a 1-of-3 multisig script whose sibling key
	// slots are not valid curve points, as used by Counterparty to embed
	// data. The standard script decoder rejects these.
	SignTypeInvalidPubkeys
)

// String returns a human readable name for the sign type.
func (s SignType) String() string {
	switch s {
	case SignTypeCompressed:
		return "compressed"
	case SignTypeUncompressed:
		return "uncompressed"
	case SignTypeInvalidPubkeys:
		return "invalid_pubkeys"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// KeyPair holds both serializations of the wallet's public key. Multisig
// scripts may commit to either one.
type KeyPair struct {
	compressed   []byte
	uncompressed []byte
}

// NewKeyPair returns the key pair for pub.
func NewKeyPair(pub *btcec.PublicKey) KeyPair {
	return KeyPair{
		compressed:   pub.SerializeCompressed(),
		uncompressed: pub.SerializeUncompressed(),
	}
}

// ParseKeyPair validates that compressed and uncompressed are the two
// encodings of the same public key.
func ParseKeyPair(compressed, uncompressed []byte) (KeyPair, error) {
	if len(compressed) != CompressedPubKeyLen {
		return KeyPair{}, fmt.Errorf("%w: compressed key is %d bytes",
			ErrInvalidPubKey, len(compressed))
	}
	if len(uncompressed) != UncompressedPubKeyLen {
		return KeyPair{}, fmt.Errorf("%w: uncompressed key is %d bytes",
			ErrInvalidPubKey, len(uncompressed))
	}

	pub, err := btcec.ParsePubKey(compressed)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidPubKey, err)
	}
	if !bytes.Equal(pub.SerializeUncompressed(), uncompressed) {
		return KeyPair{}, fmt.Errorf("%w: encodings differ",
			ErrInvalidPubKey)
	}

	return NewKeyPair(pub), nil
}

// Compressed returns a copy of the 33 byte encoding.
func (k KeyPair) Compressed() []byte {
	return bytes.Clone(k.compressed)
}

// Uncompressed returns a copy of the 65 byte encoding.
func (k KeyPair) Uncompressed() []byte {
	return bytes.Clone(k.uncompressed)
}

// ScriptAnalysis is the result of classifying a locking script against the
// wallet's key pair. It is never modified after construction.
type ScriptAnalysis struct {
	// SignType selects the signing and finalization path.
	SignType SignType

	// OurKeyIsCompressed is set if the compressed key occurs in the
	// script.
	OurKeyIsCompressed bool

	// OurKeyIsUncompressed is set if the uncompressed key occurs in the
	// script.
	OurKeyIsUncompressed bool

	// KeyIndex is the first key slot holding one of our keys.
	KeyIndex int

	// LockingScript is the classified script.
	LockingScript []byte
}

// signingKey returns the serialized public key that is paired with the
// signature for this input.
func (a *ScriptAnalysis) signingKey(keys KeyPair) []byte {
	switch {
	case a.SignType == SignTypeUncompressed:
		return keys.uncompressed

	case a.SignType == SignTypeInvalidPubkeys &&
		a.OurKeyIsUncompressed && !a.OurKeyIsCompressed:

		return keys.uncompressed

	default:
		return keys.compressed
	}
}
