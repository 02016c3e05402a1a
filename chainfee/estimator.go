package chainfee

import (
	"context"
	"errors"
)

// ErrNoFeeRate is returned when a fee source is unable to produce a rate.
var ErrNoFeeRate = errors.New("no fee rate available")

// Estimator provides the fee rate, in sat/vbyte, that newly built
// transactions should pay.
type Estimator interface {
	// EstimateFeeRate returns the fee rate to use for the next
	// transaction.
	EstimateFeeRate(ctx context.Context) (SatPerVByte, error)
}

// StaticEstimator will return a static value for all fee calculation requests.
type StaticEstimator struct {
	feeRate SatPerVByte
}

// NewStaticEstimator returns a new static fee estimator instance.
func NewStaticEstimator(feeRate SatPerVByte) *StaticEstimator {
	return &StaticEstimator{
		feeRate: feeRate,
	}
}

// EstimateFeeRate returns the configured rate, or ErrNoFeeRate if it is zero.
//
// NOTE: This method is part of the Estimator interface.
func (e *StaticEstimator) EstimateFeeRate(_ context.Context) (SatPerVByte,
	error) {

	if e.feeRate == 0 {
		return 0, ErrNoFeeRate
	}

	return e.feeRate, nil
}

// A compile-time assertion to ensure that StaticEstimator implements the
// Estimator interface.
var _ Estimator = (*StaticEstimator)(nil)
