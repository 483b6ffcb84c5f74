package router

import (
	"context"
	"slices"

	"go.uber.org/zap"
)

// FeeSource reports recently paid priority fees. *venue.Ledger implements it.
type FeeSource interface {
	RecentPrioritizationFees(ctx context.Context) ([]uint64, error)
}

type FeeEstimator struct {
	src FeeSource
	min uint64
	max uint64
	log *zap.Logger
}

func NewFeeEstimator(src FeeSource, lo, hi uint64, log *zap.Logger) *FeeEstimator {
	return &FeeEstimator{src: src, min: lo, max: hi, log: log.Named("fees")}
}

// Estimate returns the median recent fee clamped to [min, max], or min when
// no samples are available.
func (f *FeeEstimator) Estimate(ctx context.Context) uint64 {
	if f.src == nil {
		return f.min
	}
	fees, err := f.src.RecentPrioritizationFees(ctx)
	if err != nil {
		f.log.Warn("fee sampling failed", zap.Error(err))
		return f.min
	}
	if len(fees) == 0 {
		return f.min
	}

	sorted := slices.Clone(fees)
	slices.Sort(sorted)
	fee := min(max(sorted[len(sorted)/2], f.min), f.max)
	f.log.Debug("priority fee", zap.Uint64("fee", fee), zap.Int("samples", len(fees)))
	return fee
}
