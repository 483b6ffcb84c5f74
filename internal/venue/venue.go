// Package venue holds the liquidity venue clients the router quotes and
// executes against.
package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"orderengine/internal/model"
)

var ErrExecution = errors.New("venue execution failed")

type QuoteRequest struct {
	InputAsset  string
	OutputAsset string
	Amount      decimal.Decimal
}

type ExecuteOptions struct {
	// PriorityFee is the compute unit price in micro-lamports attached to
	// the settlement transaction.
	PriorityFee uint64
}

// Venue is a liquidity source. Quote returns zero or more candidates;
// Execute settles one of them or fails.
type Venue interface {
	Name() string
	Quote(ctx context.Context, req QuoteRequest) ([]model.RouteQuote, error)
	Execute(ctx context.Context, quote model.RouteQuote, opts ExecuteOptions) (model.Settlement, error)
}
