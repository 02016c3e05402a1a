package sweep

import (
	"github.com/btcsuite/btcd/btcutil"
)

var (
	// DefaultMaxInputsPerTx specifies the default maximum number of inputs
	// allowed in a single consolidation tx. This keeps a fully signed bare
	// multisig consolidation under the 100k standardness limit. If more
	// need to be consolidated, multiple txes must be created.
	DefaultMaxInputsPerTx = 420

	// DefaultDustLimit is the value at or below which an output is
	// considered dust.
	DefaultDustLimit = btcutil.Amount(546)
)
