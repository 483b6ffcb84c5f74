package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orderengine/internal/metrics"
	"orderengine/internal/model"
	"orderengine/internal/venue"
)

type stubVenue struct {
	name       string
	quotes     []decimal.Decimal
	quoteErr   error
	quoteDelay time.Duration
	execErr    error

	mu       sync.Mutex
	executed []model.RouteQuote
	fees     []uint64
}

func (s *stubVenue) Name() string { return s.name }

func (s *stubVenue) Quote(ctx context.Context, _ venue.QuoteRequest) ([]model.RouteQuote, error) {
	if s.quoteDelay > 0 {
		select {
		case <-time.After(s.quoteDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	out := make([]model.RouteQuote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, model.RouteQuote{Venue: s.name, OutAmount: q, Price: q.Div(decimal.NewFromInt(100))})
	}
	return out, nil
}

func (s *stubVenue) Execute(ctx context.Context, q model.RouteQuote, opts venue.ExecuteOptions) (model.Settlement, error) {
	s.mu.Lock()
	s.executed = append(s.executed, q)
	s.fees = append(s.fees, opts.PriorityFee)
	s.mu.Unlock()
	if ctx.Err() != nil {
		return model.Settlement{}, errors.New("execution context cancelled")
	}
	if s.execErr != nil {
		return model.Settlement{}, s.execErr
	}
	return model.Settlement{Reference: "ref-" + s.name, Price: q.Price, OutAmount: q.OutAmount, Venue: s.name}, nil
}

func (s *stubVenue) executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executed)
}

type stubFallback struct {
	calls int
}

func (f *stubFallback) Execute(_ context.Context, amount decimal.Decimal) model.Settlement {
	f.calls++
	return model.Settlement{Reference: "mock_tx_1", Price: decimal.NewFromInt(1), OutAmount: amount, Venue: model.MockVenue}
}

type stubFees struct {
	fees  []uint64
	err   error
	calls int
}

func (s *stubFees) RecentPrioritizationFees(context.Context) ([]uint64, error) {
	s.calls++
	return s.fees, s.err
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newRouter(t *testing.T, venues []venue.Venue, fb Fallback, fees *FeeEstimator) (*Router, *metrics.Metrics) {
	m := metrics.New()
	return New(venues, fb, fees, Options{QuoteTimeout: 200 * time.Millisecond}, m, zaptest.NewLogger(t)), m
}

func request() Request {
	return Request{OrderID: "o-1", InputAsset: "IN", OutputAsset: "OUT", Amount: dec(100)}
}

func TestRoute_PicksBestQuote(t *testing.T) {
	a := &stubVenue{name: "a", quotes: []decimal.Decimal{dec(150)}}
	b := &stubVenue{name: "b", quotes: []decimal.Decimal{dec(140)}}
	r, m := newRouter(t, []venue.Venue{b, a}, &stubFallback{}, nil)

	res, err := r.Route(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "a", res.Settlement.Venue)
	assert.False(t, res.Simulated)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 1, a.executions())
	assert.Equal(t, 0, b.executions())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RouterExecutions.WithLabelValues("a", "success")))
}

func TestRoute_FailsOverInRankOrder(t *testing.T) {
	a := &stubVenue{name: "a", quotes: []decimal.Decimal{dec(150)}, execErr: errors.New("slippage")}
	b := &stubVenue{name: "b", quotes: []decimal.Decimal{dec(140)}}
	r, m := newRouter(t, []venue.Venue{a, b}, &stubFallback{}, nil)

	res, err := r.Route(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, "b", res.Settlement.Venue)
	assert.Equal(t, 1, res.Failures)
	assert.Equal(t, 1, a.executions())
	assert.Equal(t, 1, b.executions())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RouterExecutions.WithLabelValues("a", "failure")))
}

func TestRoute_TiesKeepDeclarationOrder(t *testing.T) {
	a := &stubVenue{name: "a", quotes: []decimal.Decimal{dec(140)}}
	b := &stubVenue{name: "b", quotes: []decimal.Decimal{dec(140)}}
	r, _ := newRouter(t, []venue.Venue{b, a}, &stubFallback{}, nil)

	res, err := r.Route(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "b", res.Settlement.Venue)
}

func TestRoute_FallsBackWhenAllFail(t *testing.T) {
	a := &stubVenue{name: "a", quotes: []decimal.Decimal{dec(150)}, execErr: errors.New("boom")}
	b := &stubVenue{name: "b", quotes: []decimal.Decimal{dec(140)}, execErr: errors.New("boom")}
	fb := &stubFallback{}
	r, m := newRouter(t, []venue.Venue{a, b}, fb, nil)

	res, err := r.Route(context.Background(), request())
	require.NoError(t, err)

	assert.True(t, res.Simulated)
	assert.Equal(t, model.MockVenue, res.Settlement.Venue)
	assert.Equal(t, 2, res.Failures)
	assert.Equal(t, 1, fb.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RouterExecutions.WithLabelValues(model.MockVenue, "simulated")))
}

func TestRoute_QuoteFailuresAndTimeoutsYieldNoCandidates(t *testing.T) {
	a := &stubVenue{name: "a", quoteErr: errors.New("unavailable")}
	b := &stubVenue{name: "b", quotes: []decimal.Decimal{dec(200)}, quoteDelay: time.Second}
	fees := &stubFees{fees: []uint64{9000}}
	fb := &stubFallback{}
	r, _ := newRouter(t, []venue.Venue{a, b}, fb, NewFeeEstimator(fees, 5000, 100000, zaptest.NewLogger(t)))

	start := time.Now()
	res, err := r.Route(context.Background(), request())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, res.Simulated)
	assert.Equal(t, 0, res.Candidates)
	assert.Equal(t, 0, b.executions())
	// no real candidate, no fee sampling
	assert.Equal(t, 0, fees.calls)
}

func TestRoute_NoFallbackReturnsExhausted(t *testing.T) {
	a := &stubVenue{name: "a", quotes: []decimal.Decimal{dec(150)}, execErr: errors.New("boom")}
	r, _ := newRouter(t, []venue.Venue{a}, nil, nil)

	_, err := r.Route(context.Background(), request())
	assert.ErrorIs(t, err, ErrAllVenuesExhausted)
}

func TestRoute_ExecutionSurvivesCallerCancellation(t *testing.T) {
	a := &stubVenue{name: "a", quotes: []decimal.Decimal{dec(150)}}
	r, _ := newRouter(t, []venue.Venue{a}, &stubFallback{}, nil)

	// cancel after quoting, before execution
	ctx, cancel := context.WithCancel(context.Background())
	candidates := r.collect(ctx, request(), r.log)
	cancel()

	s, _, err := r.execute(ctx, candidates, r.log)
	require.NoError(t, err)
	assert.Equal(t, "a", s.Venue)
}

func TestRoute_AttachesPriorityFee(t *testing.T) {
	a := &stubVenue{name: "a", quotes: []decimal.Decimal{dec(150)}}
	fees := &stubFees{fees: []uint64{7000, 1000, 20000}}
	r, _ := newRouter(t, []venue.Venue{a}, &stubFallback{}, NewFeeEstimator(fees, 5000, 100000, zaptest.NewLogger(t)))

	_, err := r.Route(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, []uint64{7000}, a.fees)
	assert.Equal(t, 1, fees.calls)
}

func TestFeeEstimator(t *testing.T) {
	log := zaptest.NewLogger(t)
	tests := []struct {
		name string
		src  *stubFees
		want uint64
	}{
		{name: "median", src: &stubFees{fees: []uint64{9000, 6000, 8000}}, want: 8000},
		{name: "upper median of even set", src: &stubFees{fees: []uint64{6000, 9000}}, want: 9000},
		{name: "clamped low", src: &stubFees{fees: []uint64{1, 2, 3}}, want: 5000},
		{name: "clamped high", src: &stubFees{fees: []uint64{500000}}, want: 100000},
		{name: "empty", src: &stubFees{}, want: 5000},
		{name: "error", src: &stubFees{err: errors.New("rpc down")}, want: 5000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFeeEstimator(tt.src, 5000, 100000, log)
			assert.Equal(t, tt.want, f.Estimate(context.Background()))
		})
	}

	assert.Equal(t, uint64(5000), NewFeeEstimator(nil, 5000, 100000, log).Estimate(context.Background()))
}
