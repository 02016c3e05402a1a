package input

import (
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

const (
	// BareMultisigInputSize is the estimated size of an input spending a
	// 1-of-N bare multisig output:
	//   - previous outpoint: 36 bytes
	//   - script length varint: 1 byte
	//   - OP_0: 1 byte
	//   - signature push: 1 byte
	//   - signature with sighash flag: 73 bytes
	//   - sequence: 4 bytes
	//
	// This is rounded up to leave headroom for wallets that sign with a
	// high-R nonce.
	BareMultisigInputSize = 116

	// baseTxSize is the size of the version and lock time fields.
	baseTxSize = 4 + 4
)

// TxSizeEstimator estimates the serialized size of a legacy transaction
// spending bare multisig outputs. Legacy transactions carry no witness data,
// so the size in bytes equals the virtual size.
type TxSizeEstimator struct {
	inputCount  int
	inputSize   int
	outputCount int
	outputSize  int
}

// AddBareMultisigInput updates the estimate to account for a bare multisig
// input.
func (tse *TxSizeEstimator) AddBareMultisigInput() *TxSizeEstimator {
	tse.inputSize += BareMultisigInputSize
	tse.inputCount++

	return tse
}

// AddOutput updates the estimate to account for an output paying to
// pkScript.
func (tse *TxSizeEstimator) AddOutput(pkScript []byte) *TxSizeEstimator {
	tse.outputSize += (&wire.TxOut{PkScript: pkScript}).SerializeSize()
	tse.outputCount++

	return tse
}

// AddP2PKHOutput updates the estimate to account for a P2PKH output.
func (tse *TxSizeEstimator) AddP2PKHOutput() *TxSizeEstimator {
	tse.outputSize += txsizes.P2PKHOutputSize
	tse.outputCount++

	return tse
}

// VSize returns the estimated virtual size of the transaction.
func (tse *TxSizeEstimator) VSize() int {
	return baseTxSize +
		wire.VarIntSerializeSize(uint64(tse.inputCount)) +
		wire.VarIntSerializeSize(uint64(tse.outputCount)) +
		tse.inputSize + tse.outputSize
}
