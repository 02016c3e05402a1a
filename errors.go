package xcpsigner

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInvalidAddress is returned when an address can't be decoded or
	// belongs to another network.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrWalletLocked is returned when the session holds no secret for
	// the requested wallet.
	ErrWalletLocked = errors.New("wallet is locked")

	// ErrInvalidWIF is returned when the stored secret is not a private
	// key for the configured network.
	ErrInvalidWIF = errors.New("secret is not a valid private key")

	// ErrPrevTxNotFound is returned when the utxo source doesn't know the
	// transaction that created a utxo.
	ErrPrevTxNotFound = errors.New("previous transaction not found")

	// ErrReplayAttempt is returned when an identical request was signed
	// recently.
	ErrReplayAttempt = errors.New("replay attempt")

	// ErrBroadcast wraps the broadcaster's own error.
	ErrBroadcast = errors.New("broadcast failed")
)

// UtxoError is returned when a utxo or its previous transaction could not be
// fetched or is unusable. The fetch was already retried once.
type UtxoError struct {
	// Op names the failed fetch.
	Op string

	// OutPoint is the utxo concerned, if the failure is specific to one.
	OutPoint *wire.OutPoint

	// Err is the underlying error.
	Err error
}

// Error returns a human readable description of the failure.
func (e *UtxoError) Error() string {
	if e.OutPoint != nil {
		return fmt.Sprintf("%s %v: %v", e.Op, e.OutPoint, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *UtxoError) Unwrap() error {
	return e.Err
}
