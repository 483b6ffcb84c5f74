package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderengine/internal/idempotency"
	"orderengine/internal/metrics"
	"orderengine/internal/model"
	"orderengine/internal/queue"
)

type OrderCreator interface {
	Create(ctx context.Context, o *model.Order) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, orderID string) (*queue.Job, error)
}

type KeyReserver interface {
	Reserve(ctx context.Context, key, orderID string) (idempotency.Reservation, error)
	Commit(ctx context.Context, key, orderID string) error
	Release(ctx context.Context, key, orderID string) error
}

const (
	// amountScale and maxAmount mirror the orders.amount column, NUMERIC(30,9).
	amountScale = 9

	pendingWait = 5 * time.Second
	pendingPoll = 25 * time.Millisecond
)

var maxAmount = decimal.New(1, 21)

type AssetResolver interface {
	Resolve(ctx context.Context, asset string) (string, error)
}

type SubmitRequest struct {
	InputAsset     string          `validate:"required"`
	OutputAsset    string          `validate:"required"`
	Amount         decimal.Decimal `validate:"required"`
	IdempotencyKey string          `validate:"omitempty,max=255"`
}

type SubmitResult struct {
	OrderID   string
	Duplicate bool
}

type Submitter struct {
	orders   OrderCreator
	jobs     JobQueue
	keys     KeyReserver
	assets   AssetResolver
	validate *validator.Validate
	metrics  *metrics.Metrics
	now      func() time.Time
	log      *zap.Logger

	pendingWait time.Duration
	pendingPoll time.Duration
}

func NewSubmitter(orders OrderCreator, jobs JobQueue, keys KeyReserver, assets AssetResolver, m *metrics.Metrics, log *zap.Logger) *Submitter {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})

	return &Submitter{
		orders:   orders,
		jobs:     jobs,
		keys:     keys,
		assets:   assets,
		validate: v,
		metrics:  m,
		now:      time.Now,
		log:      log.Named("submitter"),

		pendingWait: pendingWait,
		pendingPoll: pendingPoll,
	}
}

// Submit accepts a new order and queues it for execution. Submissions
// sharing an idempotency key create at most one order; replays return the
// first order's id with Duplicate set.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	res, err := s.submit(ctx, req)
	switch {
	case err == nil && res.Duplicate:
		s.metrics.OrdersSubmitted.WithLabelValues("duplicate").Inc()
	case err == nil:
		s.metrics.OrdersSubmitted.WithLabelValues("accepted").Inc()
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnknownAsset):
		s.metrics.OrdersSubmitted.WithLabelValues("rejected").Inc()
	case errors.Is(err, ErrSubmissionInProgress):
		s.metrics.OrdersSubmitted.WithLabelValues("conflict").Inc()
	default:
		s.metrics.OrdersSubmitted.WithLabelValues("error").Inc()
	}
	return res, err
}

func (s *Submitter) submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if !req.Amount.IsPositive() {
		return SubmitResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !req.Amount.Equal(req.Amount.Truncate(amountScale)) {
		return SubmitResult{}, fmt.Errorf("%w: amount has more than %d decimal places", ErrInvalidInput, amountScale)
	}
	if req.Amount.GreaterThanOrEqual(maxAmount) {
		return SubmitResult{}, fmt.Errorf("%w: amount must be below %s", ErrInvalidInput, maxAmount)
	}

	input, err := s.assets.Resolve(ctx, req.InputAsset)
	if err != nil {
		return SubmitResult{}, err
	}
	output, err := s.assets.Resolve(ctx, req.OutputAsset)
	if err != nil {
		return SubmitResult{}, err
	}

	orderID := uuid.NewString()
	if req.IdempotencyKey == "" {
		if err := s.createAndEnqueue(ctx, orderID, input, output, req.Amount); err != nil {
			return SubmitResult{}, err
		}
		return SubmitResult{OrderID: orderID}, nil
	}

	existing, err := s.reserve(ctx, req.IdempotencyKey, orderID)
	if err != nil {
		return SubmitResult{}, err
	}
	if existing != "" {
		s.log.Info("duplicate submission", zap.String("order_id", existing))
		return SubmitResult{OrderID: existing, Duplicate: true}, nil
	}

	if err := s.createAndEnqueue(ctx, orderID, input, output, req.Amount); err != nil {
		if rerr := s.keys.Release(context.WithoutCancel(ctx), req.IdempotencyKey, orderID); rerr != nil {
			s.log.Error("release idempotency key", zap.String("order_id", orderID), zap.Error(rerr))
		}
		return SubmitResult{}, err
	}
	if err := s.keys.Commit(context.WithoutCancel(ctx), req.IdempotencyKey, orderID); err != nil {
		// the order is queued; replays wait until the pending marker expires
		s.log.Error("commit idempotency key", zap.String("order_id", orderID), zap.Error(err))
	}
	return SubmitResult{OrderID: orderID}, nil
}

// reserve claims key for orderID. It returns the id of an existing order
// when the key is already committed, and "" when the caller now owns the
// key. A key held by a submission still in flight is polled until that
// submission commits or releases it.
func (s *Submitter) reserve(ctx context.Context, key, orderID string) (string, error) {
	deadline := s.now().Add(s.pendingWait)
	for {
		r, err := s.keys.Reserve(ctx, key, orderID)
		if err != nil {
			return "", err
		}
		switch {
		case r.Created:
			return "", nil
		case !r.Pending:
			return r.OrderID, nil
		}

		if !s.now().Before(deadline) {
			return "", fmt.Errorf("%w: order %s", ErrSubmissionInProgress, r.OrderID)
		}
		t := time.NewTimer(s.pendingPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
}

func (s *Submitter) createAndEnqueue(ctx context.Context, id, input, output string, amount decimal.Decimal) error {
	now := s.now().UTC()
	o := &model.Order{
		ID:          id,
		InputAsset:  input,
		OutputAsset: output,
		Amount:      amount,
		Status:      model.StatusPending,
		CreatedAt:   now,
	}
	o.AppendLog(now, "Order received")

	if err := s.orders.Create(ctx, o); err != nil {
		return err
	}
	job, err := s.jobs.Enqueue(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("queue order %s: %w", o.ID, err)
	}
	s.log.Info("order queued", zap.String("order_id", o.ID), zap.String("job_id", job.ID))
	return nil
}
