package sweep

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrEmptyBatch is returned when a consolidation is requested without
	// any utxos.
	ErrEmptyBatch = errors.New("no utxos selected for consolidation")

	// ErrUnclassifiedInput is returned when a selected utxo is not a bare
	// multisig output spendable by the signing key.
	ErrUnclassifiedInput = errors.New("utxo is not a bare multisig " +
		"output of this key")

	// ErrZeroFeeRate is returned when the fee rate is zero.
	ErrZeroFeeRate = errors.New("fee rate must be positive")

	// ErrWrongNetwork is returned when an address belongs to a different
	// network than the builder.
	ErrWrongNetwork = errors.New("address is for a different network")

	// ErrMissingKey is returned when no private key is supplied.
	ErrMissingKey = errors.New("private key required")
)

// DustOutputError is returned when the consolidated output would be at or
// below the dust limit after fees.
type DustOutputError struct {
	// TotalInput is the sum of all selected utxos.
	TotalInput btcutil.Amount

	// TotalFees is the network fee plus the service fee.
	TotalFees btcutil.Amount

	// Output is the value the output would have had.
	Output btcutil.Amount

	// DustLimit is the limit the output failed to exceed.
	DustLimit btcutil.Amount
}

// Error implements the error interface.
func (e *DustOutputError) Error() string {
	return fmt.Sprintf("output %v would be dust (limit %v): total_input=%v, "+
		"total_fees=%v", e.Output, e.DustLimit, e.TotalInput,
		e.TotalFees)
}

// InsufficientFundsError is returned when the fees exceed the value of the
// selected utxos.
type InsufficientFundsError struct {
	// TotalInput is the sum of all selected utxos.
	TotalInput btcutil.Amount

	// Required is the amount of fees that must be paid.
	Required btcutil.Amount
}

// Error implements the error interface.
func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: total_input=%v, fees=%v",
		e.TotalInput, e.Required)
}

// TooManyInputsError is returned when a batch exceeds the input cap.
type TooManyInputsError struct {
	// NumInputs is the number of utxos in the request.
	NumInputs int

	// MaxInputs is the configured cap.
	MaxInputs int
}

// Error implements the error interface.
func (e *TooManyInputsError) Error() string {
	return fmt.Sprintf("%d inputs exceed the maximum of %d per "+
		"consolidation", e.NumInputs, e.MaxInputs)
}
