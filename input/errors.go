package input

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPubKey is returned when a key pair does not hold a 33 byte
	// compressed and a 65 byte uncompressed encoding of the same point.
	ErrInvalidPubKey = errors.New("invalid public key encoding")

	// ErrInvalidScript is returned when a locking script is empty or
	// cannot be used for the requested operation.
	ErrInvalidScript = errors.New("invalid locking script")

	// ErrInputCountMismatch is returned when the number of per-input
	// analyses handed to the signer does not match the transaction.
	ErrInputCountMismatch = errors.New("input count mismatch")

	// ErrInputIndex is returned when an input index is out of range.
	ErrInputIndex = errors.New("input index out of range")

	// ErrNotSigned is returned when finalizing an input that carries no
	// signature yet.
	ErrNotSigned = errors.New("input has not been signed")

	// ErrAlreadyFinalized is returned when an input's unlocking script has
	// already been set.
	ErrAlreadyFinalized = errors.New("input already finalized")

	// ErrTxSealed is returned when adding inputs or outputs to a
	// transaction that already carries signatures.
	ErrTxSealed = errors.New("transaction already has signatures")

	// ErrPrevTxMismatch is returned when the supplied previous transaction
	// does not match the outpoint, value or script of a UTXO.
	ErrPrevTxMismatch = errors.New("previous transaction does not match " +
		"utxo")
)

// SigningError is returned when producing a signature or unlocking script for
// an input fails. The transaction must be discarded.
type SigningError struct {
	// InputIndex is the input that failed.
	InputIndex int

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *SigningError) Error() string {
	return fmt.Sprintf("unable to sign input %d: %v", e.InputIndex, e.Err)
}

// Unwrap returns the underlying error.
func (e *SigningError) Unwrap() error {
	return e.Err
}
