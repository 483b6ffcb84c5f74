package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orderengine/internal/idempotency"
	"orderengine/internal/metrics"
	"orderengine/internal/model"
	"orderengine/internal/queue"
)

type memOrders struct {
	mu     sync.Mutex
	orders map[string]*model.Order
	err    error
	// before runs ahead of every Create; a non-nil result fails the call.
	before func() error
}

func (m *memOrders) Create(_ context.Context, o *model.Order) error {
	if m.before != nil {
		if err := m.before(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.orders == nil {
		m.orders = make(map[string]*model.Order)
	}
	m.orders[o.ID] = o
	return nil
}

func (m *memOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

type memQueue struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (q *memQueue) Enqueue(_ context.Context, orderID string) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.jobs = append(q.jobs, orderID)
	return &queue.Job{ID: fmt.Sprintf("job-%d", len(q.jobs)), OrderID: orderID, Attempt: 1}, nil
}

func (q *memQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

type mapResolver map[string]string

func (r mapResolver) Resolve(_ context.Context, asset string) (string, error) {
	if addr, ok := r[asset]; ok {
		return addr, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
}

type fixture struct {
	orders  *memOrders
	jobs    *memQueue
	keys    *idempotency.Cache
	metrics *metrics.Metrics
	sub     *Submitter
}

func newFixture(t *testing.T) *fixture {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &fixture{
		orders:  &memOrders{},
		jobs:    &memQueue{},
		keys:    idempotency.New(rdb, idempotency.DefaultTTL),
		metrics: metrics.New(),
	}
	resolver := mapResolver{"SOL": "sol-mint", "USDC": "usdc-mint"}
	f.sub = NewSubmitter(f.orders, f.jobs, f.keys, resolver, f.metrics, zaptest.NewLogger(t))
	return f
}

func validRequest() SubmitRequest {
	return SubmitRequest{InputAsset: "SOL", OutputAsset: "USDC", Amount: decimal.NewFromInt(1)}
}

func TestSubmit_CreatesPendingOrderAndJob(t *testing.T) {
	f := newFixture(t)

	res, err := f.sub.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	o := f.orders.orders[res.OrderID]
	require.NotNil(t, o)
	assert.Equal(t, model.StatusPending, o.Status)
	assert.Equal(t, "sol-mint", o.InputAsset)
	assert.Equal(t, "usdc-mint", o.OutputAsset)
	require.Len(t, o.Logs, 1)
	assert.Contains(t, o.Logs[0], "Order received")
	assert.Equal(t, []string{res.OrderID}, f.jobs.jobs)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersSubmitted.WithLabelValues("accepted")))
}

func TestSubmit_DistinctIDsWithoutKey(t *testing.T) {
	f := newFixture(t)

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		res, err := f.sub.Submit(context.Background(), validRequest())
		require.NoError(t, err)
		assert.False(t, seen[res.OrderID])
		seen[res.OrderID] = true
	}
	assert.Equal(t, 10, f.orders.count())
	assert.Equal(t, 10, f.jobs.count())
}

func TestSubmit_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{name: "zero amount", req: SubmitRequest{InputAsset: "SOL", OutputAsset: "USDC"}, want: ErrInvalidInput},
		{name: "negative amount", req: SubmitRequest{InputAsset: "SOL", OutputAsset: "USDC", Amount: decimal.NewFromInt(-1)}, want: ErrInvalidInput},
		{name: "missing input", req: SubmitRequest{OutputAsset: "USDC", Amount: decimal.NewFromInt(1)}, want: ErrInvalidInput},
		{name: "missing output", req: SubmitRequest{InputAsset: "SOL", Amount: decimal.NewFromInt(1)}, want: ErrInvalidInput},
		{name: "too many decimals", req: SubmitRequest{InputAsset: "SOL", OutputAsset: "USDC", Amount: decimal.RequireFromString("0.1234567891")}, want: ErrInvalidInput},
		{name: "below smallest unit", req: SubmitRequest{InputAsset: "SOL", OutputAsset: "USDC", Amount: decimal.New(1, -10)}, want: ErrInvalidInput},
		{name: "too large", req: SubmitRequest{InputAsset: "SOL", OutputAsset: "USDC", Amount: decimal.New(1, 21)}, want: ErrInvalidInput},
		{name: "unknown asset", req: SubmitRequest{InputAsset: "DOGE", OutputAsset: "USDC", Amount: decimal.NewFromInt(1)}, want: ErrUnknownAsset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.sub.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.orders.count())
			assert.Zero(t, f.jobs.count())
		})
	}
}

func TestSubmit_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.IdempotencyKey = "key-1"

	first, err := f.sub.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	for i := 0; i < 3; i++ {
		again, err := f.sub.Submit(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, first.OrderID, again.OrderID)
	}
	assert.Equal(t, 1, f.orders.count())
	assert.Equal(t, 1, f.jobs.count())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.OrdersSubmitted.WithLabelValues("duplicate")))
}

func TestSubmit_ConcurrentDuplicatesCreateOneOrder(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.IdempotencyKey = "race"

	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.sub.Submit(context.Background(), req)
			assert.NoError(t, err)
			ids[i] = res.OrderID
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.orders.count())
	assert.Equal(t, 1, f.jobs.count())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestSubmit_ReleasesKeyWhenCreateFails(t *testing.T) {
	f := newFixture(t)
	f.orders.err = persistenceError("insert order", errors.New("db down"))
	req := validRequest()
	req.IdempotencyKey = "key-2"

	_, err := f.sub.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrPersistence)

	_, found, err := f.keys.Lookup(context.Background(), "key-2")
	require.NoError(t, err)
	assert.False(t, found)

	f.orders.err = nil
	res, err := f.sub.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 1, f.jobs.count())
}

func TestSubmit_ReleasesKeyWhenEnqueueFails(t *testing.T) {
	f := newFixture(t)
	f.jobs.err = errors.New("redis down")
	req := validRequest()
	req.IdempotencyKey = "key-3"

	_, err := f.sub.Submit(context.Background(), req)
	assert.Error(t, err)

	_, found, err := f.keys.Lookup(context.Background(), "key-3")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersSubmitted.WithLabelValues("error")))
}

func TestSubmit_AcceptsAmountAtColumnLimits(t *testing.T) {
	for _, amount := range []string{"0.000000001", "1.500000000000", "999999999999999999999.999999999"} {
		t.Run(amount, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			req.Amount = decimal.RequireFromString(amount)

			res, err := f.sub.Submit(context.Background(), req)
			require.NoError(t, err)
			assert.True(t, req.Amount.Equal(f.orders.orders[res.OrderID].Amount))
		})
	}
}

// blockFirstCreate holds the first Create until release is closed and then
// fails it with err. Later calls pass through.
func blockFirstCreate(f *fixture, err error) (entered, release chan struct{}) {
	entered, release = make(chan struct{}), make(chan struct{})
	var once sync.Once
	f.orders.before = func() error {
		first := false
		once.Do(func() { first = true })
		if !first {
			return nil
		}
		close(entered)
		<-release
		return err
	}
	return entered, release
}

func TestSubmit_DuplicateWaitsForInFlightCreate(t *testing.T) {
	f := newFixture(t)
	entered, release := blockFirstCreate(f, nil)
	req := validRequest()
	req.IdempotencyKey = "in-flight"

	firstDone := make(chan SubmitResult, 1)
	go func() {
		res, err := f.sub.Submit(context.Background(), req)
		assert.NoError(t, err)
		firstDone <- res
	}()
	<-entered

	secondDone := make(chan SubmitResult, 1)
	go func() {
		res, err := f.sub.Submit(context.Background(), req)
		assert.NoError(t, err)
		secondDone <- res
	}()

	select {
	case <-secondDone:
		t.Fatal("duplicate answered before the first order existed")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	first, second := <-firstDone, <-secondDone
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, f.orders.count())
	assert.Equal(t, 1, f.jobs.count())
}

func TestSubmit_DuplicateTakesOverWhenInFlightCreateFails(t *testing.T) {
	f := newFixture(t)
	entered, release := blockFirstCreate(f, persistenceError("insert order", errors.New("db down")))
	req := validRequest()
	req.IdempotencyKey = "in-flight"

	firstErr := make(chan error, 1)
	go func() {
		_, err := f.sub.Submit(context.Background(), req)
		firstErr <- err
	}()
	<-entered

	secondDone := make(chan SubmitResult, 1)
	go func() {
		res, err := f.sub.Submit(context.Background(), req)
		assert.NoError(t, err)
		secondDone <- res
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)

	assert.ErrorIs(t, <-firstErr, ErrPersistence)
	second := <-secondDone
	assert.False(t, second.Duplicate)
	require.Equal(t, 1, f.orders.count())
	assert.NotNil(t, f.orders.orders[second.OrderID])
	assert.Equal(t, []string{second.OrderID}, f.jobs.jobs)

	id, found, err := f.keys.Lookup(context.Background(), "in-flight")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, second.OrderID, id)
}

func TestSubmit_InFlightKeyTimesOut(t *testing.T) {
	f := newFixture(t)
	f.sub.pendingWait = 50 * time.Millisecond
	f.sub.pendingPoll = 5 * time.Millisecond
	entered, release := blockFirstCreate(f, nil)
	req := validRequest()
	req.IdempotencyKey = "slow"

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, err := f.sub.Submit(context.Background(), req)
		assert.NoError(t, err)
	}()
	<-entered

	_, err := f.sub.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrSubmissionInProgress)

	close(release)
	<-firstDone
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersSubmitted.WithLabelValues("conflict")))
}
