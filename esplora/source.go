package esplora

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/counterwallet/xcpsigner/chainfee"
	"github.com/counterwallet/xcpsigner/input"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Source adapts a Client to the utxo, fee rate and broadcast collaborators
// used by the signing engine.
type Source struct {
	client     *Client
	confTarget uint32
}

// NewSource returns a Source backed by client.
func NewSource(client *Client) *Source {
	confTarget := client.cfg.ConfTarget
	if confTarget == 0 {
		confTarget = DefaultClientConfig().ConfTarget
	}

	return &Source{
		client:     client,
		confTarget: confTarget,
	}
}

// FetchUtxos returns the unspent outputs of addr. The API does not report
// locking scripts, so PkScript is left empty for the caller to fill in from
// the previous transaction.
func (s *Source) FetchUtxos(ctx context.Context,
	addr btcutil.Address) ([]*input.Utxo, error) {

	apiUtxos, err := s.client.GetAddressUTXOs(ctx, addr.EncodeAddress())
	if err != nil {
		return nil, err
	}

	utxos := make([]*input.Utxo, 0, len(apiUtxos))
	for _, u := range apiUtxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %q: %w", u.TxID, err)
		}

		utxos = append(utxos, &input.Utxo{
			OutPoint: *wire.NewOutPoint(hash, u.Vout),
			Amount:   btcutil.Amount(u.Value),
		})
	}

	log.Debugf("Fetched %d utxos for %v", len(utxos), addr)

	return utxos, nil
}

// FetchPreviousRawTx returns the raw transaction txid, or None if the API
// doesn't know it.
func (s *Source) FetchPreviousRawTx(ctx context.Context,
	txid chainhash.Hash) (fn.Option[[]byte], error) {

	rawTx, err := s.client.GetRawTransaction(ctx, txid)
	switch {
	case errors.Is(err, ErrTxNotFound):
		return fn.None[[]byte](), nil

	case err != nil:
		return fn.None[[]byte](), err
	}

	return fn.Some(rawTx), nil
}

// IsUtxoUnspent reports whether op is still unspent.
func (s *Source) IsUtxoUnspent(ctx context.Context,
	op wire.OutPoint) (bool, error) {

	outSpend, err := s.client.GetTxOutSpend(ctx, op.Hash, op.Index)
	if err != nil {
		return false, err
	}

	return !outSpend.Spent, nil
}

// EstimateFeeRate returns the API's estimate for the configured confirmation
// target, rounded up to a whole sat/vbyte.
//
// NOTE: This method is part of the chainfee.Estimator interface.
func (s *Source) EstimateFeeRate(
	ctx context.Context) (chainfee.SatPerVByte, error) {

	estimates, err := s.client.GetFeeEstimates(ctx)
	if err != nil {
		return 0, err
	}

	target := strconv.FormatUint(uint64(s.confTarget), 10)
	rate, ok := estimates[target]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("%w: %w %s", chainfee.ErrNoFeeRate,
			ErrNoFeeEstimate, target)
	}

	feeRate := chainfee.SatPerVByte(math.Ceil(rate))
	log.Debugf("Fee estimate for %s blocks: %v", target, feeRate)

	return feeRate, nil
}

// Broadcast publishes a hex encoded transaction.
func (s *Source) Broadcast(ctx context.Context,
	txHex string) (chainhash.Hash, error) {

	txid, err := s.client.BroadcastTransaction(ctx, txHex)
	if err != nil {
		return chainhash.Hash{}, err
	}

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid txid %q in "+
			"broadcast response: %w", txid, err)
	}

	return *hash, nil
}

// A compile-time assertion to ensure Source implements chainfee.Estimator.
var _ chainfee.Estimator = (*Source)(nil)
