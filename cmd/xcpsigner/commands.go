package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/counterwallet/xcpsigner"
	"github.com/counterwallet/xcpsigner/chainfee"
	"github.com/counterwallet/xcpsigner/esplora"
	"github.com/counterwallet/xcpsigner/input"
	"github.com/counterwallet/xcpsigner/replay"
	"github.com/counterwallet/xcpsigner/session"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"
)

var classifyCommand = cli.Command{
	Name:      "classify",
	Usage:     "Classify a locking script against a public key.",
	ArgsUsage: "script pubkey",
	Description: `
	Report whether the hex encoded locking script is a bare multisig output
	spendable by the given public key, and how it must be signed. The key
	may be given compressed or uncompressed.`,
	Action: classify,
}

func classify(ctx *cli.Context) error {
	args := ctx.Args()
	if len(args) != 2 {
		return cli.ShowCommandHelp(ctx, "classify")
	}

	script, err := hex.DecodeString(trimHex(args.Get(0)))
	if err != nil {
		return fmt.Errorf("invalid script: %w", err)
	}
	pubKeyBytes, err := hex.DecodeString(trimHex(args.Get(1)))
	if err != nil {
		return fmt.Errorf("invalid pubkey: %w", err)
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("%w: %w", input.ErrInvalidPubKey, err)
	}

	type classifyResponse struct {
		Spendable            bool   `json:"spendable"`
		SignType             string `json:"sign_type,omitempty"`
		OurKeyIsCompressed   bool   `json:"our_key_is_compressed"`
		OurKeyIsUncompressed bool   `json:"our_key_is_uncompressed"`
		KeyIndex             int    `json:"key_index"`
	}

	resp := classifyResponse{KeyIndex: -1}
	input.ClassifyScript(script, input.NewKeyPair(pubKey)).WhenSome(
		func(a input.ScriptAnalysis) {
			resp = classifyResponse{
				Spendable:            true,
				SignType:             a.SignType.String(),
				OurKeyIsCompressed:   a.OurKeyIsCompressed,
				OurKeyIsUncompressed: a.OurKeyIsUncompressed,
				KeyIndex:             a.KeyIndex,
			}
		},
	)

	printJSON(resp)

	return nil
}

var consolidateCommand = cli.Command{
	Name:      "consolidate",
	Usage:     "Merge the bare multisig outputs of an address.",
	ArgsUsage: "source_addr",
	Description: `
	Fetch every utxo of source_addr, sign all bare multisig outputs
	spendable by the private key read from stdin, and broadcast a single
	transaction paying their value, minus fees, to source_addr or to
	--dest.

	The private key is prompted for in WIF format. With --dryrun the signed
	transaction is printed instead of broadcast.`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "dest",
			Usage: "the address to pay to instead of source_addr",
		},
		cli.Uint64Flag{
			Name: "sat_per_vbyte",
			Usage: "the fee rate in sat/vbyte; the Esplora " +
				"estimate is used if unset",
		},
		cli.StringFlag{
			Name:  "origin",
			Value: "cli",
			Usage: "the requester name checked for replays",
		},
		cli.BoolFlag{
			Name:  "dryrun",
			Usage: "build and sign without broadcasting",
		},
		cli.StringFlag{
			Name: "metricsfile",
			Usage: "write engine metrics to this file in the " +
				"Prometheus text format",
		},
	},
	Action: consolidate,
}

func consolidate(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.ShowCommandHelp(ctx, "consolidate")
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logWriter, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	source, err := xcpsigner.DecodeAddress(ctx.Args().First(),
		cfg.NetParams())
	if err != nil {
		return err
	}

	req := &xcpsigner.ConsolidateRequest{
		Origin:        ctx.String("origin"),
		SourceAddress: source,
	}
	if ctx.IsSet("dest") {
		dest, err := xcpsigner.DecodeAddress(
			ctx.String("dest"), cfg.NetParams(),
		)
		if err != nil {
			return err
		}
		req.Destination = fn.Some(dest)
	}
	if ctx.IsSet("sat_per_vbyte") {
		req.FeeRate = fn.Some(chainfee.SatPerVByte(
			ctx.Uint64("sat_per_vbyte"),
		))
	}

	wif, err := readSecret("Input private key (WIF): ")
	if err != nil {
		return err
	}
	defer clear(wif)

	decoded, err := btcutil.DecodeWIF(string(wif))
	if err != nil {
		return fmt.Errorf("%w: %w", xcpsigner.ErrInvalidWIF, err)
	}
	req.WalletID = walletID(decoded.PrivKey.PubKey())
	decoded.PrivKey.Zero()

	registry := prometheus.NewRegistry()
	engine, cleanup, err := newEngine(cfg, registry, ctx.Bool("dryrun"))
	if err != nil {
		return err
	}
	defer cleanup()

	err = engine.Session().Store(req.WalletID, string(wif))
	if err != nil {
		return err
	}

	runCtx, cancel := signal.NotifyContext(
		context.Background(), os.Interrupt,
	)
	defer cancel()

	result, err := engine.ConsolidateAndBroadcast(runCtx, req)
	if err != nil {
		return err
	}

	if path := ctx.String("metricsfile"); path != "" {
		err := prometheus.WriteToTextfile(path, registry)
		if err != nil {
			return fmt.Errorf("unable to write metrics: %w", err)
		}
	}

	printJSON(struct {
		TxID                 string `json:"txid"`
		Broadcast            bool   `json:"broadcast"`
		TxHex                string `json:"tx_hex"`
		NumInputs            int    `json:"num_inputs"`
		SkippedUtxos         int    `json:"skipped_utxos"`
		TotalInputSats       int64  `json:"total_input_sats"`
		OutputAmountSats     int64  `json:"output_amount_sats"`
		NetworkFeeSats       int64  `json:"network_fee_sats"`
		ServiceFeeSats       int64  `json:"service_fee_sats"`
		EstimatedVSize       int    `json:"estimated_vsize"`
		ActualVSize          int    `json:"actual_vsize"`
		ActualNetworkFeeSats int64  `json:"actual_network_fee_sats"`
	}{
		TxID:                 result.TxID.String(),
		Broadcast:            !ctx.Bool("dryrun"),
		TxHex:                result.TxHex,
		NumInputs:            result.NumInputs,
		SkippedUtxos:         result.SkippedUtxos,
		TotalInputSats:       int64(result.TotalInputSats),
		OutputAmountSats:     int64(result.OutputAmountSats),
		NetworkFeeSats:       int64(result.NetworkFeeSats),
		ServiceFeeSats:       int64(result.ServiceFeeSats),
		EstimatedVSize:       result.EstimatedVSize,
		ActualVSize:          result.ActualVSize,
		ActualNetworkFeeSats: int64(result.ActualNetworkFeeSats),
	})

	return nil
}

var recoverCommand = cli.Command{
	Name:  "recover",
	Usage: "Report the state of the persisted session.",
	Description: `
	Inspect the persisted session metadata after a restart. An expired
	session is deleted and reported as locked. A live session whose secrets
	were lost with the previous process reports needs_reauth.`,
	Action: recoverSession,
}

func recoverSession(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logWriter, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	sess, cleanup, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	state, err := sess.Recover()
	if err != nil {
		return err
	}

	printJSON(struct {
		State string `json:"state"`
	}{
		State: state.String(),
	})

	return nil
}

var lockCommand = cli.Command{
	Name:   "lock",
	Usage:  "Delete the persisted session so the next run starts locked.",
	Action: lockSession,
}

func lockSession(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	sess, cleanup, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	return sess.ClearAll()
}

// openSession creates a session backed by the configured metadata store.
func openSession(cfg *xcpsigner.Config) (*session.SecretSession, func(),
	error) {

	var (
		store     session.MetadataStore
		closeDB   = func() {}
		clk       = clock.NewDefaultClock()
		alarm     = session.NewClockAlarm(clk)
		sessionDB = cfg.SessionDBPath()
	)
	if cfg.NoPersist {
		store = session.NewMemStore()
	} else {
		boltStore, err := session.OpenBoltStore(sessionDB)
		if err != nil {
			return nil, nil, err
		}
		store = boltStore
		closeDB = func() {
			if err := boltStore.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Error closing %v: %v\n",
					sessionDB, err)
			}
		}
	}

	sess, err := session.New(*cfg.Session, store, alarm, clk)
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	cleanup := func() {
		sess.Stop()
		closeDB()
	}

	return sess, cleanup, nil
}

// newEngine wires the engine to the Esplora backend. With dryRun the signed
// transaction is not published.
func newEngine(cfg *xcpsigner.Config, reg prometheus.Registerer,
	dryRun bool) (*xcpsigner.Engine, func(), error) {

	sess, cleanup, err := openSession(cfg)
	if err != nil {
		return nil, nil, err
	}

	metrics, err := xcpsigner.NewMetrics(reg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	clk := clock.NewDefaultClock()
	src := esplora.NewSource(esplora.NewClient(cfg.Esplora))

	var broadcaster xcpsigner.Broadcaster = src
	if dryRun {
		broadcaster = dryRunBroadcaster{}
	}

	engine, err := xcpsigner.NewEngine(xcpsigner.EngineConfig{
		NetParams:          cfg.NetParams(),
		Builder:            cfg.BuilderConfig(),
		ServiceFee:         cfg.ServiceFee(),
		Session:            sess,
		Utxos:              src,
		Fees:               src,
		Broadcaster:        broadcaster,
		Replay:             replay.NewMemGuard(cfg.Replay.Window, clk),
		Metrics:            metrics,
		Clock:              clk,
		RetryDelay:         cfg.Consolidation.FetchRetryDelay,
		MaxConcurrentFetch: cfg.Consolidation.MaxConcurrentFetch,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return engine, cleanup, nil
}

// dryRunBroadcaster reports the id of a transaction without publishing it.
type dryRunBroadcaster struct{}

func (dryRunBroadcaster) Broadcast(_ context.Context,
	txHex string) (chainhash.Hash, error) {

	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return chainhash.Hash{}, err
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return chainhash.Hash{}, err
	}

	return tx.TxHash(), nil
}

// walletID derives the session wallet id of a key.
func walletID(pubKey *btcec.PublicKey) string {
	h := sha256.Sum256(pubKey.SerializeCompressed())
	return hex.EncodeToString(h[:])
}
