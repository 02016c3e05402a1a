package input

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

var (
	// errNonStandardScript is returned by the standard finalizer when
	// txscript cannot decode the locking script as multisig.
	errNonStandardScript = errors.New("locking script is not standard " +
		"multisig")

	// errKeyMismatch is returned when the private key does not belong to
	// the key pair the input was classified against.
	errKeyMismatch = errors.New("private key does not match key pair")
)

// SignInput produces a SIGHASH_ALL signature for input idx over the locking
// script recorded in analysis and stores it, paired with the public key
// encoding the script expects, as the partial signature of the input.
//
// The legacy sighash commits to every input and output, so no further inputs
// or outputs can be added to tx once this has been called.
func SignInput(tx *Tx, idx int, priv *btcec.PrivateKey, keys KeyPair,
	analysis *ScriptAnalysis) error {

	if err := tx.checkIndex(idx); err != nil {
		return err
	}

	if err := signInput(tx, idx, priv, keys, analysis); err != nil {
		return &SigningError{InputIndex: idx, Err: err}
	}

	return nil
}

func signInput(tx *Tx, idx int, priv *btcec.PrivateKey, keys KeyPair,
	analysis *ScriptAnalysis) error {

	if priv == nil {
		return errKeyMismatch
	}
	if !bytes.Equal(priv.PubKey().SerializeCompressed(), keys.compressed) {
		return errKeyMismatch
	}

	// The sighash must be computed over the exact script being spent,
	// never a reconstructed template.
	prevOut := tx.prevOuts[idx]
	if !bytes.Equal(prevOut.PkScript, analysis.LockingScript) {
		return fmt.Errorf("%w: analysis does not describe the spent "+
			"output", ErrInvalidScript)
	}

	sig, err := txscript.RawTxInSignature(
		tx.packet.UnsignedTx, idx, analysis.LockingScript,
		txscript.SigHashAll, priv,
	)
	if err != nil {
		return err
	}

	pubKey := analysis.signingKey(keys)
	tx.addPartialSig(idx, pubKey, sig)

	log.Debugf("Signed input %d (%v) with %d byte key", idx,
		analysis.SignType, len(pubKey))

	return nil
}

// FinalizeInput writes the unlocking script of a signed input. Standard
// multisig inputs go through the standard finalizer, which validates the
// result with the script engine. Inputs whose scripts carry invalid keys are
// always finalized manually and are not validated.
func FinalizeInput(tx *Tx, idx int, analysis *ScriptAnalysis) error {
	if err := tx.checkIndex(idx); err != nil {
		return err
	}

	sigs := tx.partialSigs(idx)
	if len(sigs) == 0 {
		return &SigningError{InputIndex: idx, Err: ErrNotSigned}
	}

	var err error
	switch analysis.SignType {
	case SignTypeCompressed, SignTypeUncompressed:
		err = finalizeStandard(tx, idx, analysis)
		if errors.Is(err, errNonStandardScript) {
			log.Debugf("Standard finalizer rejected input %d, "+
				"finalizing manually", idx)

			err = finalizeManual(tx, idx)
		}

	case SignTypeInvalidPubkeys:
		err = finalizeManual(tx, idx)

	default:
		err = fmt.Errorf("unknown sign type %v", analysis.SignType)
	}
	if err != nil {
		return &SigningError{InputIndex: idx, Err: err}
	}

	return nil
}

// SignAndFinalizeInputs signs every input of tx in order and then finalizes
// them. analyses must hold one entry per input; a mismatch is rejected before
// any input is touched.
func SignAndFinalizeInputs(tx *Tx, priv *btcec.PrivateKey, keys KeyPair,
	analyses []*ScriptAnalysis) error {

	if err := tx.checkStructure(); err != nil {
		return err
	}
	if len(analyses) != tx.NumInputs() {
		return fmt.Errorf("%w: %d analyses for %d inputs",
			ErrInputCountMismatch, len(analyses), tx.NumInputs())
	}
	for i, analysis := range analyses {
		if analysis == nil {
			return fmt.Errorf("%w: missing analysis for input %d",
				ErrInputCountMismatch, i)
		}
	}

	for i, analysis := range analyses {
		if err := SignInput(tx, i, priv, keys, analysis); err != nil {
			return err
		}
	}

	for i, analysis := range analyses {
		if err := FinalizeInput(tx, i, analysis); err != nil {
			return err
		}
	}

	return nil
}

// finalizeStandard assembles OP_0 <sig>... for a multisig script that txscript
// understands, then runs the script engine over the result.
func finalizeStandard(tx *Tx, idx int, analysis *ScriptAnalysis) error {
	script := analysis.LockingScript

	class := txscript.GetScriptClass(script)
	if class != txscript.MultiSigTy {
		return errNonStandardScript
	}
	numPubKeys, requiredSigs, err := txscript.CalcMultiSigStats(script)
	if err != nil {
		return errNonStandardScript
	}
	pushes, err := txscript.PushedData(script)
	if err != nil || len(pushes) != numPubKeys {
		return errNonStandardScript
	}

	sigs := tx.partialSigs(idx)
	if len(sigs) != requiredSigs {
		return fmt.Errorf("have %d signatures, script requires %d",
			len(sigs), requiredSigs)
	}

	// CHECKMULTISIG pops one element more than it needs.
	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_0)
	for _, sig := range sigs {
		builder.AddData(sig.Signature)
	}
	sigScript, err := builder.Script()
	if err != nil {
		return err
	}

	if err := verifyInput(tx, idx, sigScript); err != nil {
		return err
	}

	return tx.SetFinalUnlockingScript(idx, sigScript)
}

// finalizeManual writes OP_0 <len> <sig> directly as the unlocking script,
// without consulting txscript.
func finalizeManual(tx *Tx, idx int) error {
	sigs := tx.partialSigs(idx)
	if len(sigs) != 1 {
		return fmt.Errorf("manual finalization needs exactly one "+
			"signature, have %d", len(sigs))
	}

	sig := sigs[0].Signature
	if len(sig) == 0 || len(sig) > txscript.OP_DATA_75 {
		return fmt.Errorf("signature length %d out of range", len(sig))
	}

	sigScript := make([]byte, 0, len(sig)+2)
	sigScript = append(sigScript, txscript.OP_0, byte(len(sig)))
	sigScript = append(sigScript, sig...)

	return tx.SetFinalUnlockingScript(idx, sigScript)
}

// verifyInput executes the unlocking script of input idx against the output it
// spends.
func verifyInput(tx *Tx, idx int, sigScript []byte) error {
	msgTx := tx.UnsignedTx()
	msgTx.TxIn[idx].SignatureScript = sigScript

	prevOut := tx.prevOuts[idx]
	vm, err := txscript.NewEngine(
		prevOut.PkScript, msgTx, idx, txscript.StandardVerifyFlags,
		nil, nil, prevOut.Value, tx.PrevOutputFetcher(),
	)
	if err != nil {
		return err
	}

	if err := vm.Execute(); err != nil {
		return fmt.Errorf("script validation failed: %w", err)
	}

	return nil
}
