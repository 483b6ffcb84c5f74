package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"orderengine/internal/metrics"
	"orderengine/internal/model"
	"orderengine/internal/router"
	"orderengine/internal/service"
)

type OrderStore interface {
	Get(ctx context.Context, id string) (*model.Order, error)
	Update(ctx context.Context, o *model.Order) error
}

type Router interface {
	Route(ctx context.Context, req router.Request) (router.Result, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Explorer builds links to settled transactions.
type Explorer struct {
	BaseURL string
	Cluster string
}

func (e Explorer) Link(s model.Settlement) string {
	if s.Simulated() {
		return fmt.Sprintf("%s/?cluster=%s", e.BaseURL, e.Cluster)
	}
	return fmt.Sprintf("%s/tx/%s?cluster=%s", e.BaseURL, s.Reference, e.Cluster)
}

// Processor runs one attempt of the order pipeline.
type Processor struct {
	orders   OrderStore
	router   Router
	events   Publisher
	explorer Explorer
	metrics  *metrics.Metrics
	now      func() time.Time
	log      *zap.Logger
}

func NewProcessor(orders OrderStore, r Router, events Publisher, explorer Explorer, m *metrics.Metrics, log *zap.Logger) *Processor {
	return &Processor{
		orders:   orders,
		router:   r,
		events:   events,
		explorer: explorer,
		metrics:  m,
		now:      time.Now,
		log:      log.Named("processor"),
	}
}

// Process drives the order through routing, building and a terminal status.
// An error means the attempt should be retried.
func (p *Processor) Process(ctx context.Context, orderID string, attempt int) error {
	start := time.Now()
	log := p.log.With(zap.String("order_id", orderID), zap.Int("attempt", attempt))

	o, err := p.orders.Get(ctx, orderID)
	if errors.Is(err, service.ErrOrderNotFound) {
		log.Warn("order not found, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	if o.Status == model.StatusConfirmed {
		log.Info("order already confirmed, nothing to do")
		return nil
	}

	status, err := p.run(ctx, o, attempt, log)
	p.metrics.OrderProcessingDuration.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	return err
}

func (p *Processor) run(ctx context.Context, o *model.Order, attempt int, log *zap.Logger) (model.Status, error) {
	if err := advance(o, model.StatusRouting, p.now(), "Routing (attempt %d): scanning venues for best price", attempt); err != nil {
		return o.Status, err
	}
	o.Attempts = attempt
	if err := p.orders.Update(ctx, o); err != nil {
		return o.Status, fmt.Errorf("persist routing: %w", err)
	}
	p.publish(ctx, model.Event{OrderID: o.ID, Status: model.StatusRouting, Message: "Scanning venues for best price", Attempt: attempt}, log)

	if err := advance(o, model.StatusBuilding, p.now(), "Building transaction"); err != nil {
		return o.Status, err
	}
	p.publish(ctx, model.Event{OrderID: o.ID, Status: model.StatusBuilding, Message: "Building transaction", Attempt: attempt}, log)

	res, routeErr := p.router.Route(ctx, router.Request{
		OrderID:     o.ID,
		InputAsset:  o.InputAsset,
		OutputAsset: o.OutputAsset,
		Amount:      o.Amount,
	})

	// the outcome is recorded even if the caller gave up meanwhile
	ctx = context.WithoutCancel(ctx)
	if routeErr != nil {
		return p.fail(ctx, o, routeErr, log)
	}
	return p.confirm(ctx, o, res, log)
}

func (p *Processor) confirm(ctx context.Context, o *model.Order, res router.Result, log *zap.Logger) (model.Status, error) {
	s := res.Settlement
	note := ""
	if res.Simulated {
		note = " (simulated)"
	}
	if err := advance(o, model.StatusConfirmed, p.now(), "Routed via %s at %s%s", s.Venue, s.Price.StringFixed(6), note); err != nil {
		return o.Status, err
	}
	o.SettlementRef = &s.Reference
	o.Venue = &s.Venue
	o.ExecutedPrice = decimal.NewNullDecimal(s.Price)
	o.Error = nil

	if err := p.orders.Update(ctx, o); err != nil {
		log.Error("settled but not persisted", zap.String("reference", s.Reference), zap.Error(err))
		return o.Status, fmt.Errorf("persist confirmation: %w", err)
	}

	price := s.Price
	p.publish(ctx, model.Event{
		OrderID:       o.ID,
		Status:        model.StatusConfirmed,
		SettlementRef: s.Reference,
		Price:         &price,
		Venue:         s.Venue,
		ExplorerURL:   p.explorer.Link(s),
	}, log)
	log.Info("order confirmed", zap.String("venue", s.Venue), zap.String("reference", s.Reference), zap.Bool("simulated", res.Simulated))
	return o.Status, nil
}

func (p *Processor) fail(ctx context.Context, o *model.Order, cause error, log *zap.Logger) (model.Status, error) {
	msg := cause.Error()
	if err := advance(o, model.StatusFailed, p.now(), "Execution failed: %s", msg); err != nil {
		return o.Status, err
	}
	o.Error = &msg

	if err := p.orders.Update(ctx, o); err != nil {
		return o.Status, errors.Join(cause, fmt.Errorf("persist failure: %w", err))
	}
	p.publish(ctx, model.Event{OrderID: o.ID, Status: model.StatusFailed, Error: msg}, log)
	log.Warn("order failed", zap.Error(cause))
	return o.Status, cause
}

// publish is fire and forget.
func (p *Processor) publish(ctx context.Context, ev model.Event, log *zap.Logger) {
	if err := p.events.Publish(ctx, ev); err != nil {
		log.Warn("publish event", zap.String("status", string(ev.Status)), zap.Error(err))
	}
}
