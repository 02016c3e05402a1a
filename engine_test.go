package xcpsigner

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/counterwallet/xcpsigner/chainfee"
	"github.com/counterwallet/xcpsigner/esplora"
	"github.com/counterwallet/xcpsigner/input"
	"github.com/counterwallet/xcpsigner/session"
	"github.com/counterwallet/xcpsigner/sweep"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var (
	netParams = &chaincfg.RegressionNetParams

	testWalletID = "0123456789abcdef0123456789abcdef" +
		"0123456789abcdef0123456789abcdef"

	errSourceDown = errors.New("source unavailable")
	errRejected   = errors.New("sendrawtransaction RPC error: " +
		"min relay fee not met")
)

// noopAlarm never fires.
type noopAlarm struct{}

func (noopAlarm) Schedule(time.Duration, func()) {}
func (noopAlarm) Cancel()                        {}
func (noopAlarm) Stop()                          {}

// fakeSource serves utxos and previous transactions from memory.
type fakeSource struct {
	mu sync.Mutex

	utxos   []input.Utxo
	prevTxs map[chainhash.Hash][]byte
	spent   map[wire.OutPoint]bool

	fetchFailures int
	fetchCalls    int

	// served holds every utxo handed out by FetchUtxos.
	served []*input.Utxo
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		prevTxs: make(map[chainhash.Hash][]byte),
		spent:   make(map[wire.OutPoint]bool),
	}
}

func (s *fakeSource) FetchUtxos(_ context.Context,
	_ btcutil.Address) ([]*input.Utxo, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchCalls++
	if s.fetchFailures > 0 {
		s.fetchFailures--
		return nil, errSourceDown
	}

	// Like the HTTP source, only outpoints and amounts are reported.
	utxos := make([]*input.Utxo, 0, len(s.utxos))
	for _, u := range s.utxos {
		utxos = append(utxos, &input.Utxo{
			OutPoint: u.OutPoint,
			Amount:   u.Amount,
		})
	}
	s.served = append(s.served, utxos...)

	return utxos, nil
}

func (s *fakeSource) FetchPreviousRawTx(_ context.Context,
	txid chainhash.Hash) (fn.Option[[]byte], error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.prevTxs[txid]
	if !ok {
		return fn.None[[]byte](), nil
	}

	return fn.Some(raw), nil
}

func (s *fakeSource) IsUtxoUnspent(_ context.Context,
	op wire.OutPoint) (bool, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	return !s.spent[op], nil
}

// addUtxo funds pkScript with amt and returns the funded outpoint.
func (s *fakeSource) addUtxo(t *testing.T, pkScript []byte,
	amt btcutil.Amount) wire.OutPoint {

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: uint32(len(s.utxos))},
	})
	tx.AddTxOut(wire.NewTxOut(int64(amt), pkScript))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	op := wire.OutPoint{Hash: tx.TxHash(), Index: 0}
	s.prevTxs[op.Hash] = buf.Bytes()
	s.utxos = append(s.utxos, input.Utxo{
		OutPoint: op,
		Amount:   amt,
		PkScript: pkScript,
	})

	return op
}

// prevOuts returns the funded outputs by outpoint.
func (s *fakeSource) prevOuts() map[wire.OutPoint]*wire.TxOut {
	s.mu.Lock()
	defer s.mu.Unlock()

	outs := make(map[wire.OutPoint]*wire.TxOut, len(s.utxos))
	for _, u := range s.utxos {
		outs[u.OutPoint] = wire.NewTxOut(int64(u.Amount), u.PkScript)
	}

	return outs
}

// fakeBroadcaster records broadcast transactions.
type fakeBroadcaster struct {
	mu   sync.Mutex
	err  error
	txns []string
}

func (b *fakeBroadcaster) Broadcast(_ context.Context,
	txHex string) (chainhash.Hash, error) {

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return chainhash.Hash{}, b.err
	}

	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return chainhash.Hash{}, err
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return chainhash.Hash{}, err
	}
	b.txns = append(b.txns, txHex)

	return tx.TxHash(), nil
}

type engineHarness struct {
	t *testing.T

	privKey     *btcec.PrivateKey
	keys        input.KeyPair
	address     btcutil.Address
	source      *fakeSource
	broadcaster *fakeBroadcaster
	metrics     *Metrics
	session     *session.SecretSession
	engine      *Engine
}

func newEngineHarness(t *testing.T,
	modify ...func(*EngineConfig)) *engineHarness {

	t.Helper()

	keyBytes := bytes.Repeat([]byte{0x11}, 32)
	privKey, pubKey := btcec.PrivKeyFromBytes(keyBytes)

	address, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(pubKey.SerializeCompressed()), netParams,
	)
	require.NoError(t, err)

	sess, err := session.New(
		session.DefaultConfig(), session.NewMemStore(), noopAlarm{},
		clock.NewTestClock(time.Unix(1_700_000_000, 0)),
	)
	require.NoError(t, err)

	wif, err := btcutil.NewWIF(privKey, netParams, true)
	require.NoError(t, err)
	require.NoError(t, sess.Store(testWalletID, wif.String()))

	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	h := &engineHarness{
		t:           t,
		privKey:     privKey,
		keys:        input.NewKeyPair(pubKey),
		address:     address,
		source:      newFakeSource(),
		broadcaster: &fakeBroadcaster{},
		metrics:     metrics,
		session:     sess,
	}

	cfg := EngineConfig{
		NetParams:   netParams,
		Session:     sess,
		Utxos:       h.source,
		Broadcaster: h.broadcaster,
		Metrics:     metrics,
		RetryDelay:  time.Millisecond,
	}
	for _, m := range modify {
		m(&cfg)
	}

	h.engine, err = NewEngine(cfg)
	require.NoError(t, err)

	return h
}

// multisigScript returns a 1-of-2 bare multisig script over our key and
// another key.
func (h *engineHarness) multisigScript(compressed bool) []byte {
	h.t.Helper()

	ourKey := h.keys.Compressed()
	if !compressed {
		ourKey = h.keys.Uncompressed()
	}

	_, other := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x22}, 32))

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(ourKey).
		AddData(other.SerializeCompressed()).
		AddOp(txscript.OP_2).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
	require.NoError(h.t, err)

	return script
}

func (h *engineHarness) p2pkhScript() []byte {
	h.t.Helper()

	script, err := txscript.PayToAddrScript(h.address)
	require.NoError(h.t, err)

	return script
}

func (h *engineHarness) request() *ConsolidateRequest {
	return &ConsolidateRequest{
		WalletID:      testWalletID,
		Origin:        "https://app.example",
		SourceAddress: h.address,
		FeeRate:       fn.Some(chainfee.SatPerVByte(10)),
	}
}

// verify executes every input script of tx against the funded outputs.
func (h *engineHarness) verify(tx *wire.MsgTx) {
	h.t.Helper()

	prevOuts := h.source.prevOuts()
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, txIn := range tx.TxIn {
		prevOut := prevOuts[txIn.PreviousOutPoint]
		require.NotNil(h.t, prevOut)

		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, fetcher,
		)
		require.NoError(h.t, err)
		require.NoError(h.t, vm.Execute(), "input %d", i)
	}
}

func TestConsolidateAndBroadcast(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.source.addUtxo(t, h.multisigScript(true), 100_000)
	h.source.addUtxo(t, h.multisigScript(false), 50_000)
	h.source.addUtxo(t, h.p2pkhScript(), 70_000)
	spent := h.source.addUtxo(t, h.multisigScript(true), 30_000)
	h.source.spent[spent] = true

	result, err := h.engine.ConsolidateAndBroadcast(
		context.Background(), h.request(),
	)
	require.NoError(t, err)

	require.Equal(t, 2, result.NumInputs)
	require.Equal(t, 2, result.SkippedUtxos)
	require.Equal(t, btcutil.Amount(150_000), result.TotalInputSats)
	require.Equal(t, result.TotalInputSats,
		result.OutputAmountSats+result.NetworkFeeSats+
			result.ServiceFeeSats)
	require.Equal(t, result.TxID, result.BroadcastTxID)
	require.Equal(t, []string{result.TxHex}, h.broadcaster.txns)
	h.verify(result.Tx)

	require.EqualValues(t, 1, testutil.ToFloat64(
		h.metrics.broadcasts.WithLabelValues("accepted"),
	))
	require.EqualValues(t, 2, testutil.ToFloat64(h.metrics.inputsSpent))
	require.EqualValues(t, 2, testutil.ToFloat64(h.metrics.utxosSkipped))

	// The same request is now a replay.
	_, err = h.engine.ConsolidateAndBroadcast(
		context.Background(), h.request(),
	)
	require.ErrorIs(t, err, ErrReplayAttempt)
	require.EqualValues(t, 1, testutil.ToFloat64(h.metrics.replaysBlocked))

	// A different origin is not.
	req := h.request()
	req.Origin = "https://other.example"
	_, err = h.engine.ConsolidateAndBroadcast(context.Background(), req)
	require.NoError(t, err)
}

func TestConsolidateRetry(t *testing.T) {
	t.Parallel()

	t.Run("recovers", func(t *testing.T) {
		t.Parallel()

		h := newEngineHarness(t)
		h.source.addUtxo(t, h.multisigScript(true), 100_000)
		h.source.fetchFailures = 1

		_, err := h.engine.ConsolidateAndBroadcast(
			context.Background(), h.request(),
		)
		require.NoError(t, err)
		require.Equal(t, 2, h.source.fetchCalls)
	})

	t.Run("gives up", func(t *testing.T) {
		t.Parallel()

		h := newEngineHarness(t)
		h.source.addUtxo(t, h.multisigScript(true), 100_000)
		h.source.fetchFailures = 2

		_, err := h.engine.ConsolidateAndBroadcast(
			context.Background(), h.request(),
		)
		require.ErrorIs(t, err, errSourceDown)

		var utxoErr *UtxoError
		require.ErrorAs(t, err, &utxoErr)
		require.Equal(t, "fetch utxos", utxoErr.Op)
		require.Nil(t, utxoErr.OutPoint)
		require.Equal(t, 2, h.source.fetchCalls)

		// A failed request doesn't block its retry.
		_, err = h.engine.ConsolidateAndBroadcast(
			context.Background(), h.request(),
		)
		require.NoError(t, err)
	})
}

func TestConsolidateUtxoErrors(t *testing.T) {
	t.Parallel()

	t.Run("missing previous tx", func(t *testing.T) {
		t.Parallel()

		h := newEngineHarness(t)
		op := h.source.addUtxo(t, h.multisigScript(true), 100_000)
		delete(h.source.prevTxs, op.Hash)

		_, err := h.engine.ConsolidateAndBroadcast(
			context.Background(), h.request(),
		)
		require.ErrorIs(t, err, ErrPrevTxNotFound)

		var utxoErr *UtxoError
		require.ErrorAs(t, err, &utxoErr)
		require.Equal(t, op, *utxoErr.OutPoint)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		t.Parallel()

		h := newEngineHarness(t)
		h.source.addUtxo(t, h.multisigScript(true), 100_000)
		h.source.utxos[0].Amount = 90_000

		_, err := h.engine.ConsolidateAndBroadcast(
			context.Background(), h.request(),
		)
		require.ErrorIs(t, err, input.ErrPrevTxMismatch)
	})

	t.Run("nothing spendable", func(t *testing.T) {
		t.Parallel()

		h := newEngineHarness(t)
		h.source.addUtxo(t, h.p2pkhScript(), 100_000)

		_, err := h.engine.ConsolidateAndBroadcast(
			context.Background(), h.request(),
		)
		require.ErrorIs(t, err, sweep.ErrEmptyBatch)
	})
}

func TestConsolidateBroadcastError(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.source.addUtxo(t, h.multisigScript(true), 100_000)
	h.broadcaster.err = errRejected

	_, err := h.engine.ConsolidateAndBroadcast(
		context.Background(), h.request(),
	)
	require.ErrorIs(t, err, ErrBroadcast)
	require.ErrorIs(t, err, errRejected)
	require.Contains(t, err.Error(), errRejected.Error())
	require.EqualValues(t, 1, testutil.ToFloat64(
		h.metrics.broadcasts.WithLabelValues("rejected"),
	))

	// The rejected broadcast can be retried.
	h.broadcaster.err = nil
	_, err = h.engine.ConsolidateAndBroadcast(
		context.Background(), h.request(),
	)
	require.NoError(t, err)
}

func TestConsolidateLocked(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.source.addUtxo(t, h.multisigScript(true), 100_000)

	req := h.request()
	req.WalletID = "ff" + testWalletID[2:]
	_, err := h.engine.ConsolidateAndBroadcast(context.Background(), req)
	require.ErrorIs(t, err, ErrWalletLocked)

	// A secret for another network is rejected.
	wif, err := btcutil.NewWIF(h.privKey, &chaincfg.MainNetParams, true)
	require.NoError(t, err)
	require.NoError(t, h.session.Store(req.WalletID, wif.String()))

	_, err = h.engine.ConsolidateAndBroadcast(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidWIF)

	// So is a source address of another network.
	mainAddr, err := btcutil.NewAddressPubKeyHash(
		make([]byte, 20), &chaincfg.MainNetParams,
	)
	require.NoError(t, err)

	req = h.request()
	req.SourceAddress = mainAddr
	_, err = h.engine.ConsolidateAndBroadcast(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidAddress)
	require.Empty(t, h.broadcaster.txns)
}

func TestConsolidateFeeRate(t *testing.T) {
	t.Parallel()

	t.Run("estimated", func(t *testing.T) {
		t.Parallel()

		h := newEngineHarness(t, func(cfg *EngineConfig) {
			cfg.Fees = chainfee.NewStaticEstimator(3)
		})
		h.source.addUtxo(t, h.multisigScript(true), 100_000)

		req := h.request()
		req.FeeRate = fn.None[chainfee.SatPerVByte]()

		result, err := h.engine.ConsolidateAndBroadcast(
			context.Background(), req,
		)
		require.NoError(t, err)
		require.Equal(t,
			chainfee.SatPerVByte(3).FeeForVSize(
				int64(result.EstimatedVSize),
			), result.NetworkFeeSats,
		)
	})

	t.Run("no estimator", func(t *testing.T) {
		t.Parallel()

		h := newEngineHarness(t)
		h.source.addUtxo(t, h.multisigScript(true), 100_000)

		req := h.request()
		req.FeeRate = fn.None[chainfee.SatPerVByte]()

		_, err := h.engine.ConsolidateAndBroadcast(
			context.Background(), req,
		)
		require.ErrorIs(t, err, chainfee.ErrNoFeeRate)
	})
}

func TestConsolidateMaxInputs(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t, func(cfg *EngineConfig) {
		cfg.Builder.MaxInputs = 2
	})
	for i := 0; i < 3; i++ {
		h.source.addUtxo(t, h.multisigScript(i%2 == 0), 40_000)
	}

	result, err := h.engine.ConsolidateAndBroadcast(
		context.Background(), h.request(),
	)
	require.NoError(t, err)
	require.Equal(t, 2, result.NumInputs)
	require.Equal(t, 1, result.SkippedUtxos)
	h.verify(result.Tx)
}

func TestEngineSignAndFinalizeInput(t *testing.T) {
	t.Parallel()

	for _, compressed := range []bool{true, false} {
		h := newEngineHarness(t)
		script := h.multisigScript(compressed)
		op := h.source.addUtxo(t, script, 80_000)

		analysis, err := h.engine.ClassifyScript(script, h.keys).
			UnwrapOrErr(errors.New("not classified"))
		require.NoError(t, err)

		expected := input.SignTypeCompressed
		if !compressed {
			expected = input.SignTypeUncompressed
		}
		require.Equal(t, expected, analysis.SignType)

		tx := input.NewTx()
		_, err = tx.AddInput(&input.Utxo{
			OutPoint: op,
			Amount:   80_000,
			PkScript: script,
		}, input.RBFSequence)
		require.NoError(t, err)
		require.NoError(t, tx.AddOutput(h.p2pkhScript(), 70_000))

		err = h.engine.SignAndFinalizeInput(tx, 0, h.privKey, &analysis)
		require.NoError(t, err)

		signed, err := tx.Extract()
		require.NoError(t, err)
		h.verify(signed)
	}
}

// TestEngineSignNilKey makes sure a missing key is reported as a signing
// failure of the input.
func TestEngineSignNilKey(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	script := h.multisigScript(true)
	op := h.source.addUtxo(t, script, 80_000)

	analysis, err := h.engine.ClassifyScript(script, h.keys).
		UnwrapOrErr(errors.New("not classified"))
	require.NoError(t, err)

	tx := input.NewTx()
	_, err = tx.AddInput(&input.Utxo{
		OutPoint: op,
		Amount:   80_000,
		PkScript: script,
	}, input.RBFSequence)
	require.NoError(t, err)
	require.NoError(t, tx.AddOutput(h.p2pkhScript(), 70_000))

	err = h.engine.SignAndFinalizeInput(tx, 0, nil, &analysis)
	var signErr *input.SigningError
	require.ErrorAs(t, err, &signErr)
	require.Equal(t, 0, signErr.InputIndex)
}

// TestCollectUtxosLeavesFetched checks that resolving utxos works on copies
// and never writes into the values returned by the source.
func TestCollectUtxosLeavesFetched(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	h.source.addUtxo(t, h.multisigScript(true), 100_000)
	h.source.addUtxo(t, h.p2pkhScript(), 70_000)

	spendable, skipped, err := h.engine.collectUtxos(
		context.Background(), h.address, h.keys,
	)
	require.NoError(t, err)
	require.Len(t, spendable, 1)
	require.Equal(t, 1, skipped)
	require.Equal(t, h.multisigScript(true), spendable[0].PkScript)
	require.NotEmpty(t, spendable[0].PrevTx)

	require.Len(t, h.source.served, 2)
	for _, u := range h.source.served {
		require.Empty(t, u.PkScript)
		require.Empty(t, u.PrevTx)
		require.NotSame(t, spendable[0], u)
	}
}

// TestConsolidateEsploraSingleRetry wires the engine to an Esplora backend
// with its default config and checks that a failing fetch is attempted
// exactly twice.
func TestConsolidateEsploraSingleRetry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			attempts.Add(1)

			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
		},
	))
	t.Cleanup(server.Close)

	espCfg := esplora.DefaultClientConfig()
	espCfg.URL = server.URL
	espCfg.RequestTimeout = 5 * time.Second
	src := esplora.NewSource(esplora.NewClient(espCfg))

	h := newEngineHarness(t, func(cfg *EngineConfig) {
		cfg.Utxos = src
	})

	_, err := h.engine.ConsolidateAndBroadcast(
		context.Background(), h.request(),
	)
	var utxoErr *UtxoError
	require.ErrorAs(t, err, &utxoErr)
	require.EqualValues(t, 2, attempts.Load())
}

func TestBuildConsolidationServiceFee(t *testing.T) {
	t.Parallel()

	feeAddr, err := btcutil.NewAddressPubKeyHash(
		bytes.Repeat([]byte{0x33}, 20), netParams,
	)
	require.NoError(t, err)

	h := newEngineHarness(t, func(cfg *EngineConfig) {
		cfg.ServiceFee = fn.Some(sweep.ServiceFeeConfig{
			FeePercent:         mustPercent(t, "5"),
			ExemptionThreshold: 100_000,
			FeeAddress:         feeAddr,
		})
	})

	var utxos []*input.Utxo
	for i := 0; i < 5; i++ {
		script := h.multisigScript(true)
		op := h.source.addUtxo(t, script, 200_000)
		utxos = append(utxos, &input.Utxo{
			OutPoint: op,
			Amount:   200_000,
			PkScript: script,
		})
	}

	signingKey, _ := btcec.PrivKeyFromBytes(h.privKey.Serialize())
	result, err := h.engine.BuildConsolidation(&sweep.ConsolidationRequest{
		PrivKey:       signingKey,
		SourceAddress: h.address,
		Utxos:         utxos,
		FeeRate:       10,
	})
	require.NoError(t, err)
	require.Positive(t, result.ServiceFeeSats)
	require.Len(t, result.Tx.TxOut, 2)
	require.Equal(t, result.TotalInputSats,
		result.OutputAmountSats+result.NetworkFeeSats+
			result.ServiceFeeSats)
	h.verify(result.Tx)

	require.EqualValues(t, 1, testutil.ToFloat64(
		h.metrics.consolidations.WithLabelValues("built"),
	))
	require.EqualValues(t, result.ServiceFeeSats, testutil.ToFloat64(
		h.metrics.feesPaid.WithLabelValues("service"),
	))
}

func TestNewEngineValidation(t *testing.T) {
	t.Parallel()

	h := newEngineHarness(t)
	valid := EngineConfig{
		NetParams:   netParams,
		Session:     h.session,
		Utxos:       h.source,
		Broadcaster: h.broadcaster,
	}

	_, err := NewEngine(valid)
	require.NoError(t, err)

	for name, modify := range map[string]func(*EngineConfig){
		"no network":     func(c *EngineConfig) { c.NetParams = nil },
		"no session":     func(c *EngineConfig) { c.Session = nil },
		"no source":      func(c *EngineConfig) { c.Utxos = nil },
		"no broadcaster": func(c *EngineConfig) { c.Broadcaster = nil },
	} {
		cfg := valid
		modify(&cfg)

		_, err := NewEngine(cfg)
		require.Error(t, err, name)
	}
}

func TestCopyPrivKey(t *testing.T) {
	t.Parallel()

	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x33}, 32))
	want := key.Serialize()

	dup := copyPrivKey(key)
	require.Equal(t, want, dup.Serialize())

	dup.Zero()
	require.True(t, dup.Key.IsZero())
	require.Equal(t, want, key.Serialize())
}

func TestRetryOnceContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retryOnce(ctx, clock.NewDefaultClock(), time.Hour,
		func(context.Context) (int, error) {
			calls++
			cancel()

			return 0, errSourceDown
		},
	)
	require.ErrorIs(t, err, errSourceDown)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
