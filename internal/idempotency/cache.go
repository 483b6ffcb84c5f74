// Package idempotency maps client submission keys to order ids in Redis.
package idempotency

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultPendingTTL = time.Minute

	keyPrefix     = "idempotency:"
	pendingPrefix = "pending:"
)

// commitScript swaps a pending marker for the bare order id.
var commitScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	return 1
end
return 0
`)

// releaseScript deletes the mapping only while it still holds the pending
// marker of the order that reserved it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var ErrReservationLost = errors.New("idempotency reservation lost")

// Reservation is the outcome of Reserve. Pending means another submission
// holds the key and has not created its order yet.
type Reservation struct {
	OrderID string
	Created bool
	Pending bool
}

type Cache struct {
	rdb        redis.UniversalClient
	ttl        time.Duration
	pendingTTL time.Duration
}

func New(rdb redis.UniversalClient, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl, pendingTTL: min(DefaultPendingTTL, ttl)}
}

// Reserve claims key for orderID with a short-lived pending marker unless
// the key is already taken. A committed key yields the first writer's order
// id; a key still pending yields Pending with that writer's id.
func (c *Cache) Reserve(ctx context.Context, key, orderID string) (Reservation, error) {
	k := redisKey(key)
	for {
		ok, err := c.rdb.SetNX(ctx, k, pendingPrefix+orderID, c.pendingTTL).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return Reservation{OrderID: orderID, Created: true}, nil
		}

		existing, err := c.rdb.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			// expired or released between SETNX and GET
			continue
		}
		if err != nil {
			return Reservation{}, fmt.Errorf("read idempotency key: %w", err)
		}
		if id, ok := strings.CutPrefix(existing, pendingPrefix); ok {
			return Reservation{OrderID: id, Pending: true}, nil
		}
		return Reservation{OrderID: existing}, nil
	}
}

// Commit publishes orderID under key once its order exists. From then on
// the mapping lives for the full TTL and can no longer be released.
func (c *Cache) Commit(ctx context.Context, key, orderID string) error {
	n, err := commitScript.Run(ctx, c.rdb, []string{redisKey(key)}, pendingPrefix+orderID, orderID, c.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("commit idempotency key: %w", err)
	}
	if n == 0 {
		return ErrReservationLost
	}
	return nil
}

// Release undoes a reservation whose order was never created.
func (c *Cache) Release(ctx context.Context, key, orderID string) error {
	if err := releaseScript.Run(ctx, c.rdb, []string{redisKey(key)}, pendingPrefix+orderID).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Lookup returns the committed order id for key. Pending reservations are
// reported as not found.
func (c *Cache) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := c.rdb.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read idempotency key: %w", err)
	}
	if strings.HasPrefix(id, pendingPrefix) {
		return "", false, nil
	}
	return id, true, nil
}

func redisKey(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return keyPrefix + hex.EncodeToString(sum[:])
}
