// Package router picks the best venue for an order and settles it there,
// falling back to the simulated engine when no real venue can.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderengine/internal/metrics"
	"orderengine/internal/model"
	"orderengine/internal/venue"
)

var ErrAllVenuesExhausted = errors.New("all venues exhausted")

// Fallback settles an order without consulting any real venue.
type Fallback interface {
	Execute(ctx context.Context, amount decimal.Decimal) model.Settlement
}

type Request struct {
	OrderID     string
	InputAsset  string
	OutputAsset string
	Amount      decimal.Decimal
}

type Result struct {
	Settlement model.Settlement
	Simulated  bool
	Candidates int
	Failures   int
}

type Options struct {
	QuoteTimeout time.Duration
}

type Router struct {
	venues   []venue.Venue
	fallback Fallback
	fees     *FeeEstimator
	opts     Options
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New builds a router over venues in declaration order. A nil fallback makes
// exhaustion an error instead of a simulated settlement.
func New(venues []venue.Venue, fallback Fallback, fees *FeeEstimator, opts Options, m *metrics.Metrics, log *zap.Logger) *Router {
	if opts.QuoteTimeout <= 0 {
		opts.QuoteTimeout = 4 * time.Second
	}
	return &Router{
		venues:   venues,
		fallback: fallback,
		fees:     fees,
		opts:     opts,
		metrics:  m,
		log:      log.Named("router"),
	}
}

func (r *Router) Route(ctx context.Context, req Request) (Result, error) {
	log := r.log.With(zap.String("order_id", req.OrderID))

	candidates := r.collect(ctx, req, log)
	res := Result{Candidates: len(candidates)}

	settlement, failures, err := r.execute(ctx, candidates, log)
	res.Failures = failures
	if err == nil {
		res.Settlement = settlement
		return res, nil
	}

	if r.fallback == nil {
		return res, err
	}
	log.Warn("falling back to simulated settlement", zap.Int("candidates", len(candidates)), zap.Int("failures", failures))
	res.Settlement = r.fallback.Execute(ctx, req.Amount)
	res.Simulated = true
	r.metrics.RouterExecutions.WithLabelValues(model.MockVenue, "simulated").Inc()
	return res, nil
}

// collect quotes every venue in parallel, each under its own deadline, and
// ranks the merged quotes by output amount. Ties keep venue order.
func (r *Router) collect(ctx context.Context, req Request, log *zap.Logger) []model.RouteQuote {
	perVenue := make([][]model.RouteQuote, len(r.venues))
	qr := venue.QuoteRequest{InputAsset: req.InputAsset, OutputAsset: req.OutputAsset, Amount: req.Amount}

	var g errgroup.Group
	for i, v := range r.venues {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, r.opts.QuoteTimeout)
			defer cancel()

			quotes, err := v.Quote(qctx, qr)
			if err != nil {
				log.Warn("venue quote failed", zap.String("venue", v.Name()), zap.Error(err))
				return nil
			}
			perVenue[i] = quotes
			return nil
		})
	}
	_ = g.Wait()

	var merged []model.RouteQuote
	for _, quotes := range perVenue {
		merged = append(merged, quotes...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].OutAmount.GreaterThan(merged[j].OutAmount)
	})
	log.Debug("quotes collected", zap.Int("candidates", len(merged)))
	return merged
}

// execute tries candidates one at a time. Settlement calls are never
// abandoned, so they run detached from ctx cancellation.
func (r *Router) execute(ctx context.Context, candidates []model.RouteQuote, log *zap.Logger) (model.Settlement, int, error) {
	if len(candidates) == 0 {
		return model.Settlement{}, 0, fmt.Errorf("%w: no candidates", ErrAllVenuesExhausted)
	}

	execCtx := context.WithoutCancel(ctx)
	opts := venue.ExecuteOptions{}
	if r.fees != nil {
		opts.PriorityFee = r.fees.Estimate(execCtx)
	}

	byName := make(map[string]venue.Venue, len(r.venues))
	for _, v := range r.venues {
		byName[v.Name()] = v
	}

	failures := 0
	for _, c := range candidates {
		v, ok := byName[c.Venue]
		if !ok {
			failures++
			continue
		}
		s, err := v.Execute(execCtx, c, opts)
		if err != nil {
			failures++
			r.metrics.RouterExecutions.WithLabelValues(c.Venue, "failure").Inc()
			log.Warn("execution failed", zap.String("venue", c.Venue), zap.Stringer("out_amount", c.OutAmount), zap.Error(err))
			continue
		}
		r.metrics.RouterExecutions.WithLabelValues(c.Venue, "success").Inc()
		log.Info("executed", zap.String("venue", s.Venue), zap.String("reference", s.Reference), zap.Stringer("price", s.Price))
		return s, failures, nil
	}
	return model.Settlement{}, failures, fmt.Errorf("%w: %d candidates failed", ErrAllVenuesExhausted, failures)
}
