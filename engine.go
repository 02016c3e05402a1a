package xcpsigner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/counterwallet/xcpsigner/chainfee"
	"github.com/counterwallet/xcpsigner/input"
	"github.com/counterwallet/xcpsigner/replay"
	"github.com/counterwallet/xcpsigner/session"
	"github.com/counterwallet/xcpsigner/sweep"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"golang.org/x/sync/errgroup"
)

// methodConsolidate is the replay guard method name of a consolidation.
const methodConsolidate = "consolidate"

const defaultMaxConcurrentFetch = 8

// EngineConfig holds the collaborators and policy of an Engine.
type EngineConfig struct {
	// NetParams is the network keys and addresses must belong to.
	NetParams *chaincfg.Params

	// Builder is the consolidation policy. Its NetParams is overridden
	// by NetParams.
	Builder sweep.BuilderConfig

	// ServiceFee is charged on every consolidation, if set.
	ServiceFee fn.Option[sweep.ServiceFeeConfig]

	// Session holds the unlocked wallet secrets.
	Session *session.SecretSession

	// Utxos finds the outputs to consolidate.
	Utxos UtxoSource

	// Fees supplies the fee rate when a request doesn't carry one. It
	// may be nil.
	Fees FeeEstimator

	// Broadcaster publishes signed consolidations.
	Broadcaster Broadcaster

	// Replay rejects repeated requests. A MemGuard with the default
	// window is used if nil.
	Replay ReplayGuard

	// Metrics records engine activity. It may be nil.
	Metrics *Metrics

	// Clock drives retry delays.
	Clock clock.Clock

	// RetryDelay is the pause before the single retry of a failed fetch.
	RetryDelay time.Duration

	// MaxConcurrentFetch bounds the concurrent per-utxo lookups.
	MaxConcurrentFetch int
}

// Engine is the composition root of the signer. It owns the session and
// connects the classifier, signer and consolidation builder to the utxo
// source and broadcaster.
type Engine struct {
	cfg     EngineConfig
	builder *sweep.ConsolidationBuilder

	// replayMtx makes a replay check and the pending record that
	// follows it atomic.
	replayMtx sync.Mutex
}

// NewEngine validates cfg and returns an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.NetParams == nil:
		return nil, errors.New("network params required")
	case cfg.Session == nil:
		return nil, errors.New("secret session required")
	case cfg.Utxos == nil:
		return nil, errors.New("utxo source required")
	case cfg.Broadcaster == nil:
		return nil, errors.New("broadcaster required")
	}

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Replay == nil {
		cfg.Replay = replay.NewMemGuard(replay.DefaultWindow, cfg.Clock)
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.MaxConcurrentFetch <= 0 {
		cfg.MaxConcurrentFetch = defaultMaxConcurrentFetch
	}
	if cfg.Builder.MaxInputs <= 0 {
		cfg.Builder.MaxInputs = sweep.DefaultMaxInputsPerTx
	}
	cfg.Builder.NetParams = cfg.NetParams

	return &Engine{
		cfg:     cfg,
		builder: sweep.NewConsolidationBuilder(cfg.Builder),
	}, nil
}

// Session returns the engine's secret session.
func (e *Engine) Session() *session.SecretSession {
	return e.cfg.Session
}

// ClassifyScript reports whether lockingScript is a bare multisig output the
// key pair can spend, and how.
func (e *Engine) ClassifyScript(lockingScript []byte,
	keys input.KeyPair) fn.Option[input.ScriptAnalysis] {

	return input.ClassifyScript(lockingScript, keys)
}

// SignAndFinalizeInput signs input idx of tx with privKey and writes its
// final unlocking script. The caller keeps ownership of privKey.
func (e *Engine) SignAndFinalizeInput(tx *input.Tx, idx int,
	privKey *btcec.PrivateKey, analysis *input.ScriptAnalysis) error {

	// A nil key is left to the signer, which reports it as a mismatch.
	var keys input.KeyPair
	if privKey != nil {
		keys = input.NewKeyPair(privKey.PubKey())
	}
	if err := input.SignInput(tx, idx, privKey, keys, analysis); err != nil {
		return err
	}

	return input.FinalizeInput(tx, idx, analysis)
}

// BuildConsolidation builds and signs a consolidation of req.Utxos. The
// engine's service fee applies unless req carries its own. req.PrivKey is
// zeroed before returning.
func (e *Engine) BuildConsolidation(
	req *sweep.ConsolidationRequest) (*sweep.ConsolidationResult, error) {

	if req.ServiceFee.IsNone() {
		req.ServiceFee = e.cfg.ServiceFee
	}

	result, err := e.builder.Build(req)
	if err != nil {
		e.cfg.Metrics.consolidationFailed()
		return nil, err
	}

	e.cfg.Metrics.consolidationBuilt(
		result.NumInputs, result.NetworkFeeSats, result.ServiceFeeSats,
	)

	return result, nil
}

// ConsolidateRequest asks the engine to merge all bare multisig outputs of
// an address.
type ConsolidateRequest struct {
	// WalletID selects the session secret to sign with.
	WalletID string

	// Origin identifies the requester to the replay guard.
	Origin string

	// SourceAddress is the address whose utxos are consolidated.
	SourceAddress btcutil.Address

	// Destination optionally overrides the output address.
	Destination fn.Option[btcutil.Address]

	// FeeRate optionally fixes the fee rate. The engine's estimator is
	// used otherwise.
	FeeRate fn.Option[chainfee.SatPerVByte]
}

// replayParams is the canonical encoding of the request fields the replay
// guard compares.
func (r *ConsolidateRequest) replayParams() ([]byte, error) {
	var dest string
	r.Destination.WhenSome(func(addr btcutil.Address) {
		dest = addr.EncodeAddress()
	})

	return json.Marshal(struct {
		WalletID    string `json:"wallet_id"`
		Source      string `json:"source"`
		Destination string `json:"destination,omitempty"`
		FeeRate     uint64 `json:"fee_rate,omitempty"`
	}{
		WalletID:    r.WalletID,
		Source:      r.SourceAddress.EncodeAddress(),
		Destination: dest,
		FeeRate:     uint64(r.FeeRate.UnwrapOr(0)),
	})
}

// ConsolidateResult is a broadcast consolidation.
type ConsolidateResult struct {
	*sweep.ConsolidationResult

	// BroadcastTxID is the id reported by the broadcaster.
	BroadcastTxID chainhash.Hash

	// SkippedUtxos counts fetched utxos that were spent, not spendable
	// by the wallet key, or beyond the input cap.
	SkippedUtxos int
}

// ConsolidateAndBroadcast consolidates every bare multisig utxo of
// req.SourceAddress spendable by the wallet's key, then broadcasts the
// result. Broadcaster errors are wrapped in ErrBroadcast and otherwise
// returned unchanged.
func (e *Engine) ConsolidateAndBroadcast(ctx context.Context,
	req *ConsolidateRequest) (*ConsolidateResult, error) {

	if req.SourceAddress == nil {
		return nil, fmt.Errorf("%w: source address required",
			ErrInvalidAddress)
	}
	if !req.SourceAddress.IsForNet(e.cfg.NetParams) {
		return nil, fmt.Errorf("%w: source %v not for %v",
			ErrInvalidAddress, req.SourceAddress,
			e.cfg.NetParams.Name)
	}

	secret, err := e.cfg.Session.Get(req.WalletID)
	if err != nil {
		return nil, err
	}
	wif, err := secret.UnwrapOrErr(ErrWalletLocked)
	if err != nil {
		return nil, err
	}

	privKey, err := e.decodeWIF(wif)
	if err != nil {
		return nil, err
	}
	defer privKey.Zero()

	params, err := req.replayParams()
	if err != nil {
		return nil, err
	}
	if err := e.claimRequest(req.Origin, params); err != nil {
		return nil, err
	}

	result, err := e.consolidate(ctx, req, privKey)
	if err != nil {
		e.cfg.Replay.RecordTransaction(
			chainhash.Hash{}, req.Origin, methodConsolidate, params,
			replay.StatusFailed,
		)

		return nil, err
	}

	e.cfg.Replay.RecordTransaction(
		result.TxID, req.Origin, methodConsolidate, params,
		replay.StatusPending,
	)

	txid, err := e.cfg.Broadcaster.Broadcast(ctx, result.TxHex)
	if err != nil {
		e.cfg.Metrics.broadcast(false)
		e.cfg.Replay.RecordTransaction(
			result.TxID, req.Origin, methodConsolidate, params,
			replay.StatusFailed,
		)

		log.Errorf("Broadcast of %v failed: %v", result.TxID, err)

		return nil, fmt.Errorf("%w: %w", ErrBroadcast, err)
	}

	e.cfg.Metrics.broadcast(true)
	e.cfg.Replay.RecordTransaction(
		result.TxID, req.Origin, methodConsolidate, params,
		replay.StatusBroadcast,
	)

	if txid != result.TxID {
		log.Warnf("Broadcaster reported txid %v for %v", txid,
			result.TxID)
	}

	log.Infof("Broadcast consolidation %v of %d inputs for wallet %.8s",
		result.TxID, result.NumInputs, req.WalletID)

	result.BroadcastTxID = txid

	return result, nil
}

// claimRequest fails if the request is a replay and otherwise records it as
// pending, so a concurrent identical request is rejected.
func (e *Engine) claimRequest(origin string, params []byte) error {
	e.replayMtx.Lock()
	defer e.replayMtx.Unlock()

	verdict := e.cfg.Replay.CheckReplayAttempt(
		origin, methodConsolidate, params,
	)
	if verdict.IsReplay {
		e.cfg.Metrics.replayBlocked()
		return fmt.Errorf("%w: %s", ErrReplayAttempt, verdict.Reason)
	}

	e.cfg.Replay.RecordTransaction(
		chainhash.Hash{}, origin, methodConsolidate, params,
		replay.StatusPending,
	)

	return nil
}

// consolidate gathers the usable utxos and builds the signed consolidation.
func (e *Engine) consolidate(ctx context.Context, req *ConsolidateRequest,
	privKey *btcec.PrivateKey) (*ConsolidateResult, error) {

	keys := input.NewKeyPair(privKey.PubKey())

	utxos, skipped, err := e.collectUtxos(ctx, req.SourceAddress, keys)
	if err != nil {
		return nil, err
	}
	if len(utxos) == 0 {
		e.cfg.Metrics.skipped(skipped)
		return nil, fmt.Errorf("%v: %w", req.SourceAddress,
			sweep.ErrEmptyBatch)
	}

	if len(utxos) > e.cfg.Builder.MaxInputs {
		log.Infof("Consolidating %d of %d usable utxos of %v",
			e.cfg.Builder.MaxInputs, len(utxos), req.SourceAddress)

		skipped += len(utxos) - e.cfg.Builder.MaxInputs
		utxos = utxos[:e.cfg.Builder.MaxInputs]
	}
	e.cfg.Metrics.skipped(skipped)

	feeRate, err := e.feeRate(ctx, req)
	if err != nil {
		return nil, err
	}

	// Signing counts as wallet activity.
	if err := e.cfg.Session.Touch(); err != nil {
		return nil, err
	}

	// The builder zeroes the key it is given, so it gets its own copy.
	signingKey := copyPrivKey(privKey)

	result, err := e.BuildConsolidation(&sweep.ConsolidationRequest{
		PrivKey:       signingKey,
		SourceAddress: req.SourceAddress,
		Utxos:         utxos,
		FeeRate:       feeRate,
		Destination:   req.Destination,
	})
	if err != nil {
		return nil, err
	}

	return &ConsolidateResult{
		ConsolidationResult: result,
		SkippedUtxos:        skipped,
	}, nil
}

// collectUtxos fetches the utxos of addr and resolves their scripts and
// previous transactions concurrently. It returns the utxos spendable by keys
// in source order and the number of utxos left out.
func (e *Engine) collectUtxos(ctx context.Context, addr btcutil.Address,
	keys input.KeyPair) ([]*input.Utxo, int, error) {

	utxos, err := retryOnce(ctx, e.cfg.Clock, e.cfg.RetryDelay,
		func(ctx context.Context) ([]*input.Utxo, error) {
			return e.cfg.Utxos.FetchUtxos(ctx, addr)
		},
	)
	if err != nil {
		return nil, 0, &UtxoError{Op: "fetch utxos", Err: err}
	}

	resolved := make([]fn.Option[*input.Utxo], len(utxos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentFetch)
	for i, utxo := range utxos {
		g.Go(func() error {
			usable, err := e.resolveUtxo(gctx, utxo, keys)
			if err != nil {
				return err
			}
			resolved[i] = usable

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	spendable := make([]*input.Utxo, 0, len(utxos))
	for _, usable := range resolved {
		usable.WhenSome(func(u *input.Utxo) {
			spendable = append(spendable, u)
		})
	}

	log.Debugf("Address %v has %d utxos, %d spendable", addr, len(utxos),
		len(spendable))

	return spendable, len(utxos) - len(spendable), nil
}

// resolveUtxo returns a copy of utxo with its locking script and previous
// transaction filled in, or None if it is not an unspent bare multisig output
// of keys. The fetched utxo is left untouched.
func (e *Engine) resolveUtxo(ctx context.Context, fetched *input.Utxo,
	keys input.KeyPair) (fn.Option[*input.Utxo], error) {

	none := fn.None[*input.Utxo]()
	utxo := *fetched
	op := utxo.OutPoint
	utxoErr := func(what string, err error) error {
		return &UtxoError{Op: what, OutPoint: &op, Err: err}
	}

	if len(utxo.PrevTx) == 0 {
		rawTx, err := retryOnce(ctx, e.cfg.Clock, e.cfg.RetryDelay,
			func(ctx context.Context) (fn.Option[[]byte], error) {
				return e.cfg.Utxos.FetchPreviousRawTx(
					ctx, op.Hash,
				)
			},
		)
		if err != nil {
			return none, utxoErr("fetch previous tx", err)
		}

		raw, err := rawTx.UnwrapOrErr(ErrPrevTxNotFound)
		if err != nil {
			return none, utxoErr("fetch previous tx", err)
		}

		prevOut, err := outputAt(raw, op.Index)
		if err != nil {
			return none, utxoErr("previous tx", err)
		}
		if len(utxo.PkScript) == 0 {
			utxo.PkScript = prevOut.PkScript
		}
		utxo.PrevTx = raw

		if _, err := utxo.ParsePrevTx(); err != nil {
			return none, utxoErr("previous tx", err)
		}
	}

	if input.ClassifyScript(utxo.PkScript, keys).IsNone() {
		log.Debugf("Skipping %v: not a bare multisig output of our key",
			&utxo)
		return none, nil
	}

	unspent, err := retryOnce(ctx, e.cfg.Clock, e.cfg.RetryDelay,
		func(ctx context.Context) (bool, error) {
			return e.cfg.Utxos.IsUtxoUnspent(ctx, op)
		},
	)
	if err != nil {
		return none, utxoErr("check spent", err)
	}
	if !unspent {
		log.Debugf("Skipping %v: already spent", &utxo)
		return none, nil
	}

	return fn.Some(&utxo), nil
}

// copyPrivKey returns an independent copy of key. The scalar is copied
// directly so no serialized key bytes are left behind.
func copyPrivKey(key *btcec.PrivateKey) *btcec.PrivateKey {
	return &btcec.PrivateKey{Key: key.Key}
}

// feeRate returns the request's fee rate or the estimator's.
func (e *Engine) feeRate(ctx context.Context,
	req *ConsolidateRequest) (chainfee.SatPerVByte, error) {

	if req.FeeRate.IsSome() {
		return req.FeeRate.UnsafeFromSome(), nil
	}
	if e.cfg.Fees == nil {
		return 0, chainfee.ErrNoFeeRate
	}

	feeRate, err := retryOnce(ctx, e.cfg.Clock, e.cfg.RetryDelay,
		e.cfg.Fees.EstimateFeeRate,
	)
	if err != nil {
		return 0, fmt.Errorf("unable to estimate fee rate: %w", err)
	}

	return feeRate, nil
}

// decodeWIF parses a session secret as a private key for the engine's
// network.
func (e *Engine) decodeWIF(secret string) (*btcec.PrivateKey, error) {
	wif, err := btcutil.DecodeWIF(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWIF, err)
	}
	if !wif.IsForNet(e.cfg.NetParams) {
		wif.PrivKey.Zero()
		return nil, fmt.Errorf("%w: not for %v", ErrInvalidWIF,
			e.cfg.NetParams.Name)
	}

	return wif.PrivKey, nil
}

// outputAt decodes rawTx and returns its output at index.
func outputAt(rawTx []byte, index uint32) (*wire.TxOut, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return nil, err
	}
	if int(index) >= len(tx.TxOut) {
		return nil, fmt.Errorf("%w: output %d of %d",
			input.ErrPrevTxMismatch, index, len(tx.TxOut))
	}

	return tx.TxOut[index], nil
}

// retryOnce runs f and, if it fails, runs it once more after delay.
func retryOnce[T any](ctx context.Context, clk clock.Clock,
	delay time.Duration, f func(context.Context) (T, error)) (T, error) {

	v, err := f(ctx)
	if err == nil {
		return v, nil
	}

	log.Debugf("Retrying in %v after error: %v", delay, err)

	select {
	case <-clk.TickAfter(delay):
	case <-ctx.Done():
		return v, errors.Join(err, ctx.Err())
	}

	return f(ctx)
}
