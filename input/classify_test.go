package input

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// testKey returns a deterministic private key derived from seed.
func testKey(t testing.TB, seed byte) (*btcec.PrivateKey, KeyPair) {
	t.Helper()

	var keyBytes [32]byte
	keyBytes[31] = seed
	keyBytes[0] = 0x01
	priv, pub := btcec.PrivKeyFromBytes(keyBytes[:])

	return priv, NewKeyPair(pub)
}

// invalidPoint returns a 33 byte string with a compressed key prefix that
// does not decode to a point on the curve, as used for data embedding.
func invalidPoint(t testing.TB, seed uint32) []byte {
	t.Helper()

	for i := seed; ; i++ {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], i)
		x := sha256.Sum256(buf[:])

		candidate := append([]byte{0x02}, x[:]...)
		if _, err := btcec.ParsePubKey(candidate); err != nil {
			return candidate
		}
	}
}

// multisigScript builds OP_1 <k1> <k2> <k3> OP_3 OP_CHECKMULTISIG.
func multisigScript(t testing.TB, keys ...[]byte) []byte {
	t.Helper()

	builder := txscript.NewScriptBuilder().AddOp(txscript.OP_1)
	for _, key := range keys {
		builder.AddData(key)
	}
	script, err := builder.
		AddOp(txscript.OP_1 - 1 + byte(len(keys))).
		AddOp(txscript.OP_CHECKMULTISIG).
		Script()
	require.NoError(t, err)

	return script
}

// TestClassifyScript checks the sign type, key flags and key slot for the
// script shapes the wallet can encounter.
func TestClassifyScript(t *testing.T) {
	t.Parallel()

	_, ours := testKey(t, 1)
	_, other1 := testKey(t, 2)
	_, other2 := testKey(t, 3)
	bad1 := invalidPoint(t, 0)
	bad2 := invalidPoint(t, 1000)

	p2pkh, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
		AddData(make([]byte, 20)).
		AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).
		Script()
	require.NoError(t, err)

	validTemplate := multisigScript(
		t, bad1, bad2, ours.Compressed(),
	)

	testCases := []struct {
		name           string
		script         []byte
		expectNone     bool
		signType       SignType
		isCompressed   bool
		isUncompressed bool
		keyIndex       int
	}{
		{
			name: "standard compressed",
			script: multisigScript(
				t, other1.Compressed(), ours.Compressed(),
				other2.Compressed(),
			),
			signType:     SignTypeCompressed,
			isCompressed: true,
			keyIndex:     1,
		},
		{
			name: "standard uncompressed",
			script: multisigScript(
				t, ours.Uncompressed(), other1.Compressed(),
				other2.Compressed(),
			),
			signType:       SignTypeUncompressed,
			isUncompressed: true,
			keyIndex:       0,
		},
		{
			name: "standard with both encodings",
			script: multisigScript(
				t, ours.Compressed(), ours.Uncompressed(),
				other1.Compressed(),
			),
			signType:       SignTypeUncompressed,
			isCompressed:   true,
			isUncompressed: true,
			keyIndex:       0,
		},
		{
			name: "standard 1-of-2",
			script: multisigScript(
				t, other1.Compressed(), ours.Compressed(),
			),
			signType:     SignTypeCompressed,
			isCompressed: true,
			keyIndex:     1,
		},
		{
			name:         "invalid siblings compressed",
			script:       validTemplate,
			signType:     SignTypeInvalidPubkeys,
			isCompressed: true,
			keyIndex:     2,
		},
		{
			name: "invalid siblings uncompressed",
			script: multisigScript(
				t, bad1, ours.Uncompressed(), bad2,
			),
			signType:       SignTypeInvalidPubkeys,
			isUncompressed: true,
			keyIndex:       1,
		},
		{
			name: "invalid siblings key absent",
			script: multisigScript(
				t, bad1, other1.Compressed(), bad2,
			),
			expectNone: true,
		},
		{
			name: "standard key absent",
			script: multisigScript(
				t, other1.Compressed(), other2.Compressed(),
			),
			expectNone: true,
		},
		{
			name:       "trailing byte after template",
			script:     append(bytes.Clone(validTemplate), 0x00),
			expectNone: true,
		},
		{
			name:       "truncated template",
			script:     validTemplate[:len(validTemplate)-1],
			expectNone: true,
		},
		{
			name:       "pay to pubkey hash",
			script:     p2pkh,
			expectNone: true,
		},
		{
			name:       "empty script",
			script:     nil,
			expectNone: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			result := ClassifyScript(tc.script, ours)
			if tc.expectNone {
				require.True(t, result.IsNone())
				return
			}

			analysis := result.UnwrapOrFail(t)
			require.Equal(t, tc.signType, analysis.SignType)
			require.Equal(
				t, tc.isCompressed, analysis.OurKeyIsCompressed,
			)
			require.Equal(
				t, tc.isUncompressed,
				analysis.OurKeyIsUncompressed,
			)
			require.Equal(t, tc.keyIndex, analysis.KeyIndex)
			require.Equal(t, tc.script, analysis.LockingScript)
		})
	}
}

// TestSigningKeySelection checks which key encoding is paired with the
// signature for each analysis shape.
func TestSigningKeySelection(t *testing.T) {
	t.Parallel()

	_, keys := testKey(t, 1)

	testCases := []struct {
		name     string
		analysis ScriptAnalysis
		want     []byte
	}{{
		name: "compressed",
		analysis: ScriptAnalysis{
			SignType:           SignTypeCompressed,
			OurKeyIsCompressed: true,
		},
		want: keys.Compressed(),
	}, {
		name: "uncompressed",
		analysis: ScriptAnalysis{
			SignType:             SignTypeUncompressed,
			OurKeyIsCompressed:   true,
			OurKeyIsUncompressed: true,
		},
		want: keys.Uncompressed(),
	}, {
		name: "invalid pubkeys with uncompressed only",
		analysis: ScriptAnalysis{
			SignType:             SignTypeInvalidPubkeys,
			OurKeyIsUncompressed: true,
		},
		want: keys.Uncompressed(),
	}, {
		name: "invalid pubkeys with both",
		analysis: ScriptAnalysis{
			SignType:             SignTypeInvalidPubkeys,
			OurKeyIsCompressed:   true,
			OurKeyIsUncompressed: true,
		},
		want: keys.Compressed(),
	}}

	for _, tc := range testCases {
		require.Equal(t, tc.want, tc.analysis.signingKey(keys), tc.name)
	}
}

// TestParseKeyPair makes sure mismatched encodings are rejected.
func TestParseKeyPair(t *testing.T) {
	t.Parallel()

	_, ours := testKey(t, 1)
	_, other := testKey(t, 2)

	keys, err := ParseKeyPair(ours.Compressed(), ours.Uncompressed())
	require.NoError(t, err)
	require.Equal(t, ours, keys)

	_, err = ParseKeyPair(ours.Compressed(), other.Uncompressed())
	require.ErrorIs(t, err, ErrInvalidPubKey)

	_, err = ParseKeyPair(ours.Uncompressed(), ours.Compressed())
	require.ErrorIs(t, err, ErrInvalidPubKey)
}

// TestClassifyScriptProperty generates 1-of-3 scripts with our key in a random
// slot and random sibling keys, and checks the classification against the
// shape that was generated.
func TestClassifyScriptProperty(t *testing.T) {
	_, ours := testKey(t, 1)

	rapid.Check(t, func(rt *rapid.T) {
		slot := rapid.IntRange(0, 2).Draw(rt, "slot")
		uncompressed := rapid.Bool().Draw(rt, "uncompressed")
		invalidSiblings := rapid.Bool().Draw(rt, "invalidSiblings")
		includeOurs := rapid.Bool().Draw(rt, "includeOurs")

		keys := make([][]byte, 3)
		for i := range keys {
			if invalidSiblings {
				seed := rapid.Uint32().Draw(rt, "seed")
				keys[i] = invalidPoint(t, seed)
				continue
			}

			seed := rapid.ByteRange(2, 200).Draw(rt, "key")
			_, sibling := testKey(t, seed)
			keys[i] = sibling.Compressed()
		}

		ourKey := ours.Compressed()
		if uncompressed {
			ourKey = ours.Uncompressed()
		}
		if includeOurs {
			keys[slot] = ourKey
		}

		result := ClassifyScript(multisigScript(t, keys...), ours)
		if !includeOurs {
			require.True(rt, result.IsNone())
			return
		}

		require.True(rt, result.IsSome())
		analysis := result.UnwrapOr(ScriptAnalysis{})
		require.Equal(rt, slot, analysis.KeyIndex)
		require.Equal(rt, uncompressed, analysis.OurKeyIsUncompressed)
		require.Equal(rt, !uncompressed, analysis.OurKeyIsCompressed)

		switch {
		case invalidSiblings:
			require.Equal(rt, SignTypeInvalidPubkeys,
				analysis.SignType)
		case uncompressed:
			require.Equal(rt, SignTypeUncompressed,
				analysis.SignType)
		default:
			require.Equal(rt, SignTypeCompressed, analysis.SignType)
		}
	})
}
