package xcpsigner

import (
	"context"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/counterwallet/xcpsigner/chainfee"
	"github.com/counterwallet/xcpsigner/esplora"
	"github.com/counterwallet/xcpsigner/input"
	"github.com/counterwallet/xcpsigner/replay"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// UtxoSource looks up the outputs an address can spend.
type UtxoSource interface {
	// FetchUtxos returns the unspent outputs of addr. PkScript and PrevTx
	// may be left empty.
	FetchUtxos(ctx context.Context, addr btcutil.Address) ([]*input.Utxo,
		error)

	// FetchPreviousRawTx returns the serialized transaction txid, or None
	// if it is unknown.
	FetchPreviousRawTx(ctx context.Context,
		txid chainhash.Hash) (fn.Option[[]byte], error)

	// IsUtxoUnspent reports whether op is still unspent.
	IsUtxoUnspent(ctx context.Context, op wire.OutPoint) (bool, error)
}

// Broadcaster publishes signed transactions. Its errors are surfaced to the
// caller unchanged.
type Broadcaster interface {
	// Broadcast publishes a hex encoded transaction and returns its id.
	Broadcast(ctx context.Context, txHex string) (chainhash.Hash, error)
}

// ReplayGuard rejects signing requests that repeat a recent request.
type ReplayGuard = replay.Guard

// FeeEstimator supplies the network fee rate.
type FeeEstimator = chainfee.Estimator

// Compile-time checks that the esplora backend serves every collaborator.
var (
	_ UtxoSource   = (*esplora.Source)(nil)
	_ Broadcaster  = (*esplora.Source)(nil)
	_ FeeEstimator = (*esplora.Source)(nil)
	_ ReplayGuard  = (*replay.MemGuard)(nil)
)
