package sweep

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/counterwallet/xcpsigner/build"
	"github.com/counterwallet/xcpsigner/chainfee"
	"github.com/counterwallet/xcpsigner/input"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// BuilderConfig holds the policy of a ConsolidationBuilder.
type BuilderConfig struct {
	// NetParams is the network addresses must belong to.
	NetParams *chaincfg.Params

	// MaxInputs caps the number of utxos in one consolidation.
	MaxInputs int

	// DustLimit is the value at or below which an output is rejected.
	DustLimit btcutil.Amount
}

// DefaultBuilderConfig returns the mainnet policy.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		NetParams: &chaincfg.MainNetParams,
		MaxInputs: DefaultMaxInputsPerTx,
		DustLimit: DefaultDustLimit,
	}
}

// ConsolidationRequest describes a set of bare multisig utxos to merge into a
// single output.
type ConsolidationRequest struct {
	// PrivKey signs every input. It is zeroed before Build returns.
	PrivKey *btcec.PrivateKey

	// SourceAddress is the address the utxos were fetched for. It is the
	// destination unless Destination is set.
	SourceAddress btcutil.Address

	// Utxos are spent in the given order.
	Utxos []*input.Utxo

	// FeeRate is the network fee rate.
	FeeRate chainfee.SatPerVByte

	// Destination optionally overrides the output address.
	Destination fn.Option[btcutil.Address]

	// ServiceFee optionally charges a service fee.
	ServiceFee fn.Option[ServiceFeeConfig]
}

// ConsolidationResult is a signed consolidation ready to broadcast.
type ConsolidationResult struct {
	// Tx is the signed transaction.
	Tx *wire.MsgTx

	// TxHex is the hex serialization of Tx.
	TxHex string

	// TxID is the hash of Tx.
	TxID chainhash.Hash

	// NumInputs is the number of utxos spent.
	NumInputs int

	// TotalInputSats is the sum of all spent utxos.
	TotalInputSats btcutil.Amount

	// OutputAmountSats is the value of the consolidated output.
	OutputAmountSats btcutil.Amount

	// NetworkFeeSats is the fee computed from the estimated size. It
	// determined the output amount.
	NetworkFeeSats btcutil.Amount

	// ServiceFeeSats is the service fee output value.
	ServiceFeeSats btcutil.Amount

	// EstimatedVSize is the size NetworkFeeSats was computed for.
	EstimatedVSize int

	// ActualVSize is the size of the signed transaction.
	ActualVSize int

	// ActualNetworkFeeSats is the fee rate applied to the signed size.
	// The output is not adjusted to it, so it may differ slightly from
	// NetworkFeeSats.
	ActualNetworkFeeSats btcutil.Amount
}

// ConsolidationBuilder builds and signs consolidation transactions.
type ConsolidationBuilder struct {
	cfg BuilderConfig
}

// NewConsolidationBuilder returns a builder enforcing cfg. Zero values are
// replaced by the defaults.
func NewConsolidationBuilder(cfg BuilderConfig) *ConsolidationBuilder {
	if cfg.NetParams == nil {
		cfg.NetParams = &chaincfg.MainNetParams
	}
	if cfg.MaxInputs <= 0 {
		cfg.MaxInputs = DefaultMaxInputsPerTx
	}
	if cfg.DustLimit <= 0 {
		cfg.DustLimit = DefaultDustLimit
	}

	return &ConsolidationBuilder{cfg: cfg}
}

// Build classifies every utxo against the request's key, sizes the outputs
// and fees, and signs the transaction. Any utxo that is not a bare multisig
// output of the key fails the whole batch.
func (b *ConsolidationBuilder) Build(
	req *ConsolidationRequest) (*ConsolidationResult, error) {

	if req.PrivKey != nil {
		defer req.PrivKey.Zero()
	}

	return b.build(req)
}

func (b *ConsolidationBuilder) build(
	req *ConsolidationRequest) (*ConsolidationResult, error) {

	switch {
	case len(req.Utxos) == 0:
		return nil, ErrEmptyBatch

	case len(req.Utxos) > b.cfg.MaxInputs:
		return nil, &TooManyInputsError{
			NumInputs: len(req.Utxos),
			MaxInputs: b.cfg.MaxInputs,
		}

	case req.PrivKey == nil:
		return nil, ErrMissingKey

	case req.FeeRate == 0:
		return nil, ErrZeroFeeRate
	}

	destAddr := req.Destination.UnwrapOr(req.SourceAddress)
	destScript, err := b.addrScript(destAddr)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}

	var feeErr error
	req.ServiceFee.WhenSome(func(cfg ServiceFeeConfig) {
		if feeErr = cfg.Validate(); feeErr != nil {
			return
		}
		if !cfg.FeeAddress.IsForNet(b.cfg.NetParams) {
			feeErr = fmt.Errorf("fee address: %w", ErrWrongNetwork)
		}
	})
	if feeErr != nil {
		return nil, feeErr
	}

	keys := input.NewKeyPair(req.PrivKey.PubKey())

	tx := input.NewTx()
	analyses := make([]*input.ScriptAnalysis, 0, len(req.Utxos))
	for _, utxo := range req.Utxos {
		analysis, err := input.ClassifyScript(utxo.PkScript, keys).
			UnwrapOrErr(ErrUnclassifiedInput)
		if err != nil {
			return nil, fmt.Errorf("utxo %v: %w", utxo, err)
		}

		if _, err := tx.AddInput(utxo, input.RBFSequence); err != nil {
			return nil, fmt.Errorf("utxo %v: %w", utxo, err)
		}

		analyses = append(analyses, &analysis)
	}

	totalInput := tx.TotalInput()
	fees, err := ComputeFees(
		len(req.Utxos), totalInput, destScript, req.FeeRate,
		req.ServiceFee, b.cfg.DustLimit,
	)
	if err != nil {
		return nil, err
	}

	// Outputs and fees are fixed before the first signature.
	if err := tx.AddOutput(destScript, fees.Output); err != nil {
		return nil, err
	}
	if fees.HasServiceFeeOutput() {
		cfg := req.ServiceFee.UnsafeFromSome()
		feeScript, err := payToAddrScript(cfg.FeeAddress)
		if err != nil {
			return nil, err
		}
		if err := tx.AddOutput(feeScript, fees.ServiceFee); err != nil {
			return nil, err
		}
	}

	err = blockchain.CheckTransactionSanity(btcutil.NewTx(tx.UnsignedTx()))
	if err != nil {
		return nil, fmt.Errorf("consolidation tx failed sanity "+
			"check: %w", err)
	}

	err = input.SignAndFinalizeInputs(tx, req.PrivKey, keys, analyses)
	if err != nil {
		return nil, err
	}

	signed, err := tx.Extract()
	if err != nil {
		return nil, err
	}

	txHex, actualSize, err := input.SerializeHex(signed)
	if err != nil {
		return nil, err
	}

	result := &ConsolidationResult{
		Tx:                   signed,
		TxHex:                txHex,
		TxID:                 signed.TxHash(),
		NumInputs:            len(req.Utxos),
		TotalInputSats:       totalInput,
		OutputAmountSats:     fees.Output,
		NetworkFeeSats:       fees.NetworkFee,
		ServiceFeeSats:       fees.ServiceFee,
		EstimatedVSize:       fees.EstimatedVSize,
		ActualVSize:          actualSize,
		ActualNetworkFeeSats: req.FeeRate.FeeForVSize(int64(actualSize)),
	}

	log.Infof("Built consolidation %v: inputs=%d, total=%v, output=%v, "+
		"network_fee=%v (actual %v), service_fee=%v, fee_rate=%v",
		result.TxID, result.NumInputs, totalInput, fees.Output,
		fees.NetworkFee, result.ActualNetworkFeeSats, fees.ServiceFee,
		req.FeeRate)
	log.Tracef("Consolidation tx: %v", build.SpewLogClosure(signed))

	return result, nil
}

// addrScript checks addr's network and returns its output script.
func (b *ConsolidationBuilder) addrScript(addr btcutil.Address) ([]byte,
	error) {

	if addr == nil {
		return nil, errors.New("address required")
	}
	if !addr.IsForNet(b.cfg.NetParams) {
		return nil, ErrWrongNetwork
	}

	return payToAddrScript(addr)
}

// payToAddrScript returns the output script paying to addr.
func payToAddrScript(addr btcutil.Address) ([]byte, error) {
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("unable to create script for %v: %w",
			addr, err)
	}

	return script, nil
}
