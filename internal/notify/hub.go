package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orderengine/internal/metrics"
)

const sendBuffer = 16

var ErrHubClosed = errors.New("hub closed")

// Conn is a client connection events are written to. Send is only ever
// called from one goroutine per connection.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Hub fans order events out to local connections. Each order with at least
// one connection holds exactly one Redis subscription.
type Hub struct {
	rdb     redis.UniversalClient
	metrics *metrics.Metrics
	log     *zap.Logger

	mu       sync.Mutex
	channels map[string]*channel
	closed   bool
}

type channel struct {
	orderID string
	ready   chan struct{}
	err     error
	sub     *redis.PubSub

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(rdb redis.UniversalClient, m *metrics.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		rdb:      rdb,
		metrics:  m,
		log:      log.Named("hub"),
		channels: make(map[string]*channel),
	}
}

// Register attaches conn to the events of orderID. It returns once the
// underlying subscription is confirmed, so every event published after
// Register returns reaches conn. The returned func detaches conn; it is
// safe to call more than once.
func (h *Hub) Register(ctx context.Context, orderID string, conn Conn) (func(), error) {
	c := newClient(conn, h.log.With(zap.String("order_id", orderID)))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	ch, exists := h.channels[orderID]
	if !exists {
		ch = &channel{orderID: orderID, ready: make(chan struct{}), clients: make(map[*client]struct{})}
		h.channels[orderID] = ch
	}
	ch.mu.Lock()
	ch.clients[c] = struct{}{}
	ch.mu.Unlock()
	h.mu.Unlock()

	if !exists {
		ch.err = h.subscribe(ctx, ch)
		close(ch.ready)
	} else {
		select {
		case <-ch.ready:
		case <-ctx.Done():
			h.unregister(ch, c)
			return nil, ctx.Err()
		}
	}
	if ch.err != nil {
		h.unregister(ch, c)
		return nil, ch.err
	}

	h.metrics.Subscribers.Inc()
	go c.writeLoop()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.metrics.Subscribers.Dec()
			h.unregister(ch, c)
		})
	}, nil
}

// Subscribers returns the number of local connections watching orderID.
func (h *Hub) Subscribers(orderID string) int {
	h.mu.Lock()
	ch, ok := h.channels[orderID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.clients)
}

// Close drops every subscription and connection.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	channels := h.channels
	h.channels = make(map[string]*channel)
	h.mu.Unlock()

	for _, ch := range channels {
		<-ch.ready
		ch.mu.Lock()
		for c := range ch.clients {
			c.close()
		}
		ch.clients = map[*client]struct{}{}
		ch.mu.Unlock()
		if ch.sub != nil {
			_ = ch.sub.Close()
		}
	}
}

func (h *Hub) subscribe(ctx context.Context, ch *channel) error {
	sub := h.rdb.Subscribe(ctx, Channel(ch.orderID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe to order %s: %w", ch.orderID, err)
	}
	ch.sub = sub
	go h.fanOut(ch, sub.Channel())
	h.log.Debug("subscribed", zap.String("order_id", ch.orderID))
	return nil
}

func (h *Hub) fanOut(ch *channel, msgs <-chan *redis.Message) {
	for msg := range msgs {
		payload := []byte(msg.Payload)
		ch.mu.RLock()
		for c := range ch.clients {
			c.enqueue(payload)
		}
		ch.mu.RUnlock()
	}
}

func (h *Hub) unregister(ch *channel, c *client) {
	h.mu.Lock()
	ch.mu.Lock()
	delete(ch.clients, c)
	empty := len(ch.clients) == 0
	if empty && h.channels[ch.orderID] == ch {
		delete(h.channels, ch.orderID)
	}
	ch.mu.Unlock()
	h.mu.Unlock()

	c.close()
	if !empty {
		return
	}
	<-ch.ready
	if ch.sub != nil {
		_ = ch.sub.Close()
		h.log.Debug("unsubscribed", zap.String("order_id", ch.orderID))
	}
}

type client struct {
	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *zap.Logger
}

func newClient(conn Conn, log *zap.Logger) *client {
	return &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{}), log: log}
}

// enqueue never blocks the fan-out. A slow connection loses events.
func (c *client) enqueue(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		c.log.Warn("subscriber too slow, event dropped")
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case payload := <-c.send:
			if err := c.conn.Send(payload); err != nil {
				c.log.Debug("send failed, closing subscriber", zap.Error(err))
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
