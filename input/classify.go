package input

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// bareMultisigKeySlots is the number of keys in the Counterparty 1-of-3
// template.
const bareMultisigKeySlots = 3

// multisigKeys is a decoded multisig script.
type multisigKeys struct {
	// keys are the raw key pushes in script order.
	keys [][]byte

	// standard is true if every key is a valid curve point and the
	// script was accepted by txscript.
	standard bool
}

// ClassifyScript reports whether lockingScript is a bare multisig output that
// the key pair can spend and, if so, how it must be signed. None is returned
// for any script that does not contain one of our keys.
func ClassifyScript(lockingScript []byte, keys KeyPair) fn.Option[ScriptAnalysis] {
	decoded := orElse(
		decodeStandardMultisig(lockingScript),
		func() fn.Option[multisigKeys] {
			return decodeManualMultisig(lockingScript)
		},
	)

	return fn.FlatMapOption(func(m multisigKeys) fn.Option[ScriptAnalysis] {
		return m.match(lockingScript, keys)
	})(decoded)
}

// orElse returns a if it is set, otherwise the result of f.
func orElse[A any](a fn.Option[A], f func() fn.Option[A]) fn.Option[A] {
	if a.IsSome() {
		return a
	}

	return f()
}

// decodeStandardMultisig decodes script with txscript. Scripts where any key
// is not a valid point are rejected, since txscript silently drops those.
func decodeStandardMultisig(script []byte) fn.Option[multisigKeys] {
	class, addrs, _, err := txscript.ExtractPkScriptAddrs(
		script, &chaincfg.MainNetParams,
	)
	if err != nil || class != txscript.MultiSigTy {
		return fn.None[multisigKeys]()
	}

	numPubKeys, _, err := txscript.CalcMultiSigStats(script)
	if err != nil || numPubKeys != len(addrs) {
		return fn.None[multisigKeys]()
	}

	keys := make([][]byte, 0, len(addrs))
	for _, addr := range addrs {
		pubAddr, ok := addr.(*btcutil.AddressPubKey)
		if !ok {
			return fn.None[multisigKeys]()
		}
		keys = append(keys, pubAddr.ScriptAddress())
	}

	return fn.Some(multisigKeys{keys: keys, standard: true})
}

// decodeManualMultisig walks the fixed template
//
//	OP_1 <push> <key1> <push> <key2> <push> <key3> OP_3 OP_CHECKMULTISIG
//
// where every push is OP_DATA_33 or OP_DATA_65. The keys are not validated.
func decodeManualMultisig(script []byte) fn.Option[multisigKeys] {
	if len(script) == 0 || script[0] != txscript.OP_1 {
		return fn.None[multisigKeys]()
	}

	keys := make([][]byte, 0, bareMultisigKeySlots)
	offset := 1
	for i := 0; i < bareMultisigKeySlots; i++ {
		if offset >= len(script) {
			return fn.None[multisigKeys]()
		}

		var keyLen int
		switch script[offset] {
		case txscript.OP_DATA_33:
			keyLen = CompressedPubKeyLen
		case txscript.OP_DATA_65:
			keyLen = UncompressedPubKeyLen
		default:
			return fn.None[multisigKeys]()
		}
		offset++

		if offset+keyLen > len(script) {
			return fn.None[multisigKeys]()
		}
		keys = append(keys, script[offset:offset+keyLen])
		offset += keyLen
	}

	// The template must end exactly here.
	if len(script) != offset+2 ||
		script[offset] != txscript.OP_3 ||
		script[offset+1] != txscript.OP_CHECKMULTISIG {

		return fn.None[multisigKeys]()
	}

	return fn.Some(multisigKeys{keys: keys})
}

// match searches the decoded keys for either of our encodings.
func (m multisigKeys) match(script []byte,
	keys KeyPair) fn.Option[ScriptAnalysis] {

	analysis := ScriptAnalysis{
		KeyIndex: -1,
	}
	for i, key := range m.keys {
		var found bool
		switch {
		case bytes.Equal(key, keys.compressed):
			analysis.OurKeyIsCompressed = true
			found = true

		case bytes.Equal(key, keys.uncompressed):
			analysis.OurKeyIsUncompressed = true
			found = true
		}

		if found && analysis.KeyIndex == -1 {
			analysis.KeyIndex = i
		}
	}

	if analysis.KeyIndex == -1 {
		return fn.None[ScriptAnalysis]()
	}

	switch {
	case !m.standard:
		analysis.SignType = SignTypeInvalidPubkeys
	case analysis.OurKeyIsUncompressed:
		analysis.SignType = SignTypeUncompressed
	default:
		analysis.SignType = SignTypeCompressed
	}
	analysis.LockingScript = bytes.Clone(script)

	log.Tracef("Classified script %x as %v (key slot %d)", script,
		analysis.SignType, analysis.KeyIndex)

	return fn.Some(analysis)
}
