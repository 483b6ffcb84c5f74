// Package notify carries order status events from workers to subscribed
// clients over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"orderengine/internal/model"
)

const channelPrefix = "order-updates:"

// Channel is the pub/sub channel carrying events of one order.
func Channel(orderID string) string {
	return channelPrefix + orderID
}

type Publisher struct {
	rdb redis.UniversalClient
}

func NewPublisher(rdb redis.UniversalClient) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish sends ev to whoever listens on the order channel right now.
// Nothing is buffered for late subscribers.
func (p *Publisher) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.rdb.Publish(ctx, Channel(ev.OrderID), payload).Err(); err != nil {
		return fmt.Errorf("publish event for order %s: %w", ev.OrderID, err)
	}
	return nil
}
