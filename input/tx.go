package input

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// RBFSequence signals opt-in replace-by-fee.
	RBFSequence uint32 = 0xfffffffd

	// txVersion is the version of transactions built by this package.
	txVersion = 2
)

// Tx is a transaction under construction. The per-input signing state is kept
// in a PSBT packet; final unlocking scripts are only ever written through
// SetFinalUnlockingScript.
//
// A Tx is not safe for concurrent use. Once the first signature has been
// added no further inputs or outputs may be added, since every legacy sighash
// commits to the complete unsigned transaction.
type Tx struct {
	packet   *psbt.Packet
	prevOuts []*wire.TxOut
	sealed   bool
}

// NewTx returns an empty transaction.
func NewTx() *Tx {
	return &Tx{
		packet: &psbt.Packet{
			UnsignedTx: wire.NewMsgTx(txVersion),
		},
	}
}

// AddInput appends an input spending utxo and returns its index. If the utxo
// carries its previous transaction, the transaction is verified and attached.
func (t *Tx) AddInput(utxo *Utxo, sequence uint32) (int, error) {
	if t.sealed {
		return 0, ErrTxSealed
	}
	if len(utxo.PkScript) == 0 {
		return 0, ErrInvalidScript
	}

	prevTx, err := utxo.ParsePrevTx()
	if err != nil {
		return 0, err
	}

	outPoint := utxo.OutPoint
	t.packet.UnsignedTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: outPoint,
		Sequence:         sequence,
	})
	t.packet.Inputs = append(t.packet.Inputs, psbt.PInput{
		NonWitnessUtxo: prevTx,
	})
	t.prevOuts = append(t.prevOuts, utxo.TxOut())

	return len(t.prevOuts) - 1, nil
}

// AddOutput appends an output paying amt to pkScript.
func (t *Tx) AddOutput(pkScript []byte, amt btcutil.Amount) error {
	if t.sealed {
		return ErrTxSealed
	}

	t.packet.UnsignedTx.AddTxOut(wire.NewTxOut(int64(amt), pkScript))
	t.packet.Outputs = append(t.packet.Outputs, psbt.POutput{})

	return nil
}

// NumInputs returns the number of inputs.
func (t *Tx) NumInputs() int {
	return len(t.packet.UnsignedTx.TxIn)
}

// NumOutputs returns the number of outputs.
func (t *Tx) NumOutputs() int {
	return len(t.packet.UnsignedTx.TxOut)
}

// UnsignedTx returns a copy of the unsigned transaction.
func (t *Tx) UnsignedTx() *wire.MsgTx {
	return t.packet.UnsignedTx.Copy()
}

// PrevOutput returns the output spent by input idx.
func (t *Tx) PrevOutput(idx int) (*wire.TxOut, error) {
	if err := t.checkIndex(idx); err != nil {
		return nil, err
	}

	return t.prevOuts[idx], nil
}

// TotalInput returns the sum of all spent outputs.
func (t *Tx) TotalInput() btcutil.Amount {
	var total btcutil.Amount
	for _, out := range t.prevOuts {
		total += btcutil.Amount(out.Value)
	}

	return total
}

// checkStructure makes sure the unsigned tx, the psbt inputs and the spent
// outputs all describe the same number of inputs.
func (t *Tx) checkStructure() error {
	numTxIn := len(t.packet.UnsignedTx.TxIn)
	if numTxIn != len(t.packet.Inputs) || numTxIn != len(t.prevOuts) {
		return fmt.Errorf("%w: tx has %d inputs, %d psbt inputs, %d "+
			"prev outputs", ErrInputCountMismatch, numTxIn,
			len(t.packet.Inputs), len(t.prevOuts))
	}

	return nil
}

// checkIndex validates idx against the input count.
func (t *Tx) checkIndex(idx int) error {
	if err := t.checkStructure(); err != nil {
		return err
	}
	if idx < 0 || idx >= len(t.prevOuts) {
		return fmt.Errorf("%w: %d of %d", ErrInputIndex, idx,
			len(t.prevOuts))
	}

	return nil
}

// addPartialSig records sig for input idx.
func (t *Tx) addPartialSig(idx int, pubKey, sig []byte) {
	t.sealed = true

	pInput := &t.packet.Inputs[idx]
	pInput.PartialSigs = append(pInput.PartialSigs, &psbt.PartialSig{
		PubKey:    bytes.Clone(pubKey),
		Signature: bytes.Clone(sig),
	})
	pInput.SighashType = txscript.SigHashAll
}

// partialSigs returns the signatures recorded for input idx.
func (t *Tx) partialSigs(idx int) []*psbt.PartialSig {
	return t.packet.Inputs[idx].PartialSigs
}

// SetFinalUnlockingScript sets the scriptSig of input idx without running any
// script validation. The partial signatures of the input are dropped, as a
// PSBT finalizer would do. An input can only be finalized once.
func (t *Tx) SetFinalUnlockingScript(idx int, script []byte) error {
	if err := t.checkIndex(idx); err != nil {
		return err
	}
	if len(script) == 0 {
		return fmt.Errorf("empty unlocking script for input %d", idx)
	}

	pInput := &t.packet.Inputs[idx]
	if len(pInput.FinalScriptSig) != 0 {
		return fmt.Errorf("%w: input %d", ErrAlreadyFinalized, idx)
	}

	t.sealed = true
	pInput.FinalScriptSig = bytes.Clone(script)
	pInput.PartialSigs = nil
	pInput.SighashType = 0

	return nil
}

// IsFinalized reports whether input idx has its unlocking script.
func (t *Tx) IsFinalized(idx int) bool {
	if t.checkIndex(idx) != nil {
		return false
	}

	return len(t.packet.Inputs[idx].FinalScriptSig) != 0
}

// IsComplete reports whether every input is finalized.
func (t *Tx) IsComplete() bool {
	return t.packet.IsComplete()
}

// Extract returns the fully signed transaction. Every input must be
// finalized.
func (t *Tx) Extract() (*wire.MsgTx, error) {
	if err := t.checkStructure(); err != nil {
		return nil, err
	}

	return psbt.Extract(t.packet)
}

// PrevOutputFetcher returns a fetcher over the spent outputs, as needed by
// the script engine.
func (t *Tx) PrevOutputFetcher() txscript.PrevOutputFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range t.packet.UnsignedTx.TxIn {
		fetcher.AddPrevOut(txIn.PreviousOutPoint, t.prevOuts[i])
	}

	return fetcher
}

// SerializeHex extracts the signed transaction and returns its hex encoding
// together with its size in bytes.
func SerializeHex(tx *wire.MsgTx) (string, int, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(buf.Bytes()), buf.Len(), nil
}
