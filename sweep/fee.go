package sweep

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/counterwallet/xcpsigner/chainfee"
	"github.com/counterwallet/xcpsigner/input"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
)

// ServiceFeeConfig describes the optional fee the wallet operator charges on
// consolidations.
type ServiceFeeConfig struct {
	// FeePercent is the share of the consolidated value, after network
	// fees, that is charged.
	FeePercent decimal.Decimal

	// ExemptionThreshold exempts consolidations whose value after network
	// fees does not exceed it.
	ExemptionThreshold btcutil.Amount

	// FeeAddress receives the service fee.
	FeeAddress btcutil.Address
}

// Validate checks the percentage bounds and the fee address.
func (c *ServiceFeeConfig) Validate() error {
	if c.FeePercent.IsNegative() || c.FeePercent.GreaterThan(hundred) {
		return fmt.Errorf("service fee percent %v not in [0, 100]",
			c.FeePercent)
	}
	if c.ExemptionThreshold < 0 {
		return fmt.Errorf("negative exemption threshold %v",
			c.ExemptionThreshold)
	}
	if c.FeeAddress == nil {
		return fmt.Errorf("service fee address required")
	}

	return nil
}

// ServiceFee returns floor((totalInput - networkFee) * FeePercent / 100) if
// the value after network fees exceeds the exemption threshold, and zero
// otherwise.
func (c *ServiceFeeConfig) ServiceFee(totalInput,
	networkFee btcutil.Amount) btcutil.Amount {

	base := totalInput - networkFee
	if base <= c.ExemptionThreshold {
		return 0
	}

	fee := decimal.NewFromInt(int64(base)).
		Mul(c.FeePercent).
		Div(hundred).
		Floor()

	return btcutil.Amount(fee.IntPart())
}

// FeeBreakdown is the split of the consolidated value.
type FeeBreakdown struct {
	// TotalInput is the sum of all inputs.
	TotalInput btcutil.Amount

	// EstimatedVSize is the size the network fee was computed for.
	EstimatedVSize int

	// NetworkFee is the fee left for miners. It includes a service fee
	// that was folded in because it was too small for its own output.
	NetworkFee btcutil.Amount

	// ServiceFee is the value of the service fee output, or zero if
	// there is none.
	ServiceFee btcutil.Amount

	// Output is the value of the consolidated output.
	Output btcutil.Amount
}

// HasServiceFeeOutput reports whether the service fee gets its own output.
func (f *FeeBreakdown) HasServiceFeeOutput() bool {
	return f.ServiceFee > 0
}

// ComputeFees sizes a consolidation of numInputs bare multisig inputs
// totalling totalInput into destScript, plus an optional service fee output.
// The sum of Output, NetworkFee and ServiceFee always equals totalInput.
func ComputeFees(numInputs int, totalInput btcutil.Amount, destScript []byte,
	feeRate chainfee.SatPerVByte, serviceFee fn.Option[ServiceFeeConfig],
	dustLimit btcutil.Amount) (*FeeBreakdown, error) {

	if feeRate == 0 {
		return nil, ErrZeroFeeRate
	}

	var estimator input.TxSizeEstimator
	for i := 0; i < numInputs; i++ {
		estimator.AddBareMultisigInput()
	}
	estimator.AddOutput(destScript)

	vsize := estimator.VSize()
	networkFee := feeRate.FeeForVSize(int64(vsize))

	var svcFee btcutil.Amount
	serviceFee.WhenSome(func(cfg ServiceFeeConfig) {
		svcFee = cfg.ServiceFee(totalInput, networkFee)
	})

	switch {
	// The service fee gets its own output, which has to be paid for.
	case svcFee > dustLimit:
		cfg := serviceFee.UnsafeFromSome()
		feeScript, err := payToAddrScript(cfg.FeeAddress)
		if err != nil {
			return nil, err
		}

		estimator.AddOutput(feeScript)
		vsize = estimator.VSize()
		networkFee = feeRate.FeeForVSize(int64(vsize))

	// A service fee that would be dust is left to the miners.
	case svcFee > 0:
		log.Debugf("Service fee %v at or below dust limit %v, adding "+
			"it to the network fee", svcFee, dustLimit)

		networkFee += svcFee
		svcFee = 0
	}

	fees := networkFee + svcFee
	if fees >= totalInput {
		return nil, &InsufficientFundsError{
			TotalInput: totalInput,
			Required:   fees,
		}
	}

	output := totalInput - fees
	if output <= dustLimit {
		return nil, &DustOutputError{
			TotalInput: totalInput,
			TotalFees:  fees,
			Output:     output,
			DustLimit:  dustLimit,
		}
	}

	return &FeeBreakdown{
		TotalInput:     totalInput,
		EstimatedVSize: vsize,
		NetworkFee:     networkFee,
		ServiceFee:     svcFee,
		Output:         output,
	}, nil
}
