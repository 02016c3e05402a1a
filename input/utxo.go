package input

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Utxo is an unspent output the wallet may spend. Its identity is the
// outpoint; it is never modified once fetched.
type Utxo struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Amount is the value of the output.
	Amount btcutil.Amount

	// PkScript is the locking script of the output.
	PkScript []byte

	// PrevTx is the raw serialized transaction that created the output.
	// It is optional.
	PrevTx []byte
}

// NewUtxoFromHex builds a Utxo from the hex encodings used by block
// explorers. prevTxHex may be empty.
func NewUtxoFromHex(txid string, vout uint32, amount int64, scriptHex,
	prevTxHex string) (*Utxo, error) {

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", txid, err)
	}

	pkScript, err := hex.DecodeString(scriptHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	if len(pkScript) == 0 {
		return nil, ErrInvalidScript
	}

	var prevTx []byte
	if prevTxHex != "" {
		prevTx, err = hex.DecodeString(prevTxHex)
		if err != nil {
			return nil, fmt.Errorf("invalid previous tx hex: %w",
				err)
		}
	}

	if amount <= 0 {
		return nil, fmt.Errorf("utxo %v:%d has non-positive amount %d",
			txid, vout, amount)
	}

	return &Utxo{
		OutPoint: *wire.NewOutPoint(hash, vout),
		Amount:   btcutil.Amount(amount),
		PkScript: pkScript,
		PrevTx:   prevTx,
	}, nil
}

// String returns the outpoint of the utxo.
func (u *Utxo) String() string {
	return u.OutPoint.String()
}

// TxOut returns the output being spent.
func (u *Utxo) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(u.Amount), bytes.Clone(u.PkScript))
}

// ParsePrevTx deserializes PrevTx and checks that it created this output. A
// nil transaction is returned if no previous transaction is attached.
func (u *Utxo) ParsePrevTx() (*wire.MsgTx, error) {
	if len(u.PrevTx) == 0 {
		return nil, nil
	}

	prevTx := wire.NewMsgTx(wire.TxVersion)
	if err := prevTx.Deserialize(bytes.NewReader(u.PrevTx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrevTxMismatch, err)
	}

	if prevTx.TxHash() != u.OutPoint.Hash {
		return nil, fmt.Errorf("%w: hash %v, want %v",
			ErrPrevTxMismatch, prevTx.TxHash(), u.OutPoint.Hash)
	}

	idx := u.OutPoint.Index
	if int(idx) >= len(prevTx.TxOut) {
		return nil, fmt.Errorf("%w: tx has %d outputs, want index %d",
			ErrPrevTxMismatch, len(prevTx.TxOut), idx)
	}

	out := prevTx.TxOut[idx]
	if out.Value != int64(u.Amount) ||
		!bytes.Equal(out.PkScript, u.PkScript) {

		return nil, fmt.Errorf("%w: output %d differs",
			ErrPrevTxMismatch, idx)
	}

	return prevTx, nil
}
