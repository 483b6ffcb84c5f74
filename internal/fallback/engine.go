// Package fallback simulates a constant-product pool so that an order can
// always settle when no real venue does.
package fallback

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderengine/internal/model"
)

const (
	baseReserve  = 1_500_000
	reserveBand  = 50_000
	noiseBand    = 0.001
	referenceTag = "mock_tx_"
)

var (
	feeRate = decimal.RequireFromString("0.003")
	hundred = decimal.NewFromInt(100)
)

type Options struct {
	DelayMin time.Duration
	DelayMax time.Duration
	// Noise perturbs the execution price by up to 0.1% either way.
	Noise bool
	Seed  uint64
}

// Quote is one simulated pricing of the virtual pool.
type Quote struct {
	OutAmount  decimal.Decimal
	Price      decimal.Decimal
	Impact     decimal.Decimal // percent
	Fee        decimal.Decimal
	ReserveIn  decimal.Decimal
	ReserveOut decimal.Decimal
	K          decimal.Decimal
}

type Engine struct {
	opts Options
	log  *zap.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(opts Options, log *zap.Logger) *Engine {
	if opts.DelayMax < opts.DelayMin {
		opts.DelayMax = opts.DelayMin
	}
	return &Engine{
		opts: opts,
		log:  log.Named("fallback"),
		rnd:  rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
}

// Quote prices amount against freshly drawn reserves. Non-positive amounts
// yield a zero quote.
func (e *Engine) Quote(amount decimal.Decimal) Quote {
	e.mu.Lock()
	rin := e.reserve()
	rout := e.reserve()
	noise := 0.0
	if e.opts.Noise {
		noise = (e.rnd.Float64()*2 - 1) * noiseBand
	}
	e.mu.Unlock()

	k := rin.Mul(rout)
	q := Quote{ReserveIn: rin, ReserveOut: rout, K: k, OutAmount: decimal.Zero, Price: decimal.Zero, Impact: decimal.Zero, Fee: decimal.Zero}
	if !amount.IsPositive() {
		return q
	}

	q.Fee = amount.Mul(feeRate)
	effective := amount.Sub(q.Fee)
	out := rout.Sub(k.Div(rin.Add(effective)))

	if noise != 0 {
		noisy := out.Mul(decimal.NewFromFloat(1 + noise))
		if noisy.IsPositive() && noisy.LessThan(rout) {
			out = noisy
		}
	}
	if !out.IsPositive() {
		return q
	}

	q.OutAmount = out
	q.Price = out.Div(amount)
	market := rout.Div(rin)
	q.Impact = q.Price.Sub(market).Div(market).Abs().Mul(hundred)
	return q
}

// Execute settles amount against the virtual pool after the simulated
// settlement delay. It never fails; a cancelled ctx only cuts the delay short.
func (e *Engine) Execute(ctx context.Context, amount decimal.Decimal) model.Settlement {
	q := e.Quote(amount)
	delay := e.delay()

	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}

	ref := referenceTag + strings.ReplaceAll(uuid.NewString(), "-", "")
	e.log.Info("simulated settlement",
		zap.String("reference", ref),
		zap.Stringer("amount", amount),
		zap.Stringer("out_amount", q.OutAmount),
		zap.Stringer("price", q.Price),
		zap.Stringer("impact_pct", q.Impact.Round(4)),
		zap.Duration("delay", delay),
	)

	return model.Settlement{
		Reference: ref,
		Price:     q.Price,
		OutAmount: q.OutAmount,
		Venue:     model.MockVenue,
	}
}

func (e *Engine) reserve() decimal.Decimal {
	offset := e.rnd.Float64()*2*reserveBand - reserveBand
	return decimal.NewFromFloat(baseReserve + offset)
}

func (e *Engine) delay() time.Duration {
	span := e.opts.DelayMax - e.opts.DelayMin
	if span <= 0 {
		return e.opts.DelayMin
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.DelayMin + time.Duration(e.rnd.Int64N(int64(span)+1))
}
