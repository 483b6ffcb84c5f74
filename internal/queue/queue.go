// Package queue implements an at-least-once work queue on Redis lists with
// delayed retries and exponential backoff. Every consumer owns a processing
// list guarded by a lease; jobs go back to ready only once the lease of the
// consumer holding them has expired.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
	DefaultLease    = 30 * time.Second

	promoteBatch = 100
)

// promoteScript moves due delayed jobs to the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
	redis.call("ZREM", KEYS[1], member)
	redis.call("LPUSH", KEYS[2], member)
end
return #due
`)

// reclaimScript moves the jobs of a consumer whose lease is gone back to
// ready and forgets the consumer. It returns -1 while the lease is held.
var reclaimScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return -1
end
local n = 0
while redis.call("RPOPLPUSH", KEYS[2], KEYS[3]) do
	n = n + 1
end
redis.call("SREM", KEYS[4], ARGV[1])
return n
`)

// Job references an order by id only. Attempt is 1-based.
type Job struct {
	ID        string `json:"id"`
	OrderID   string `json:"orderId"`
	Attempt   int    `json:"attempt"`
	LastError string `json:"lastError,omitempty"`

	raw string
}

type Options struct {
	Attempts int
	Backoff  time.Duration
	// Consumer names this process's processing list. Random when empty.
	Consumer string
	// Lease is how long a consumer's jobs stay claimed without a heartbeat.
	Lease time.Duration
}

type Queue struct {
	rdb      redis.UniversalClient
	attempts int
	backoff  time.Duration
	lease    time.Duration
	consumer string
	now      func() time.Time

	prefix     string
	ready      string
	processing string
	delayed    string
	dead       string
	consumers  string
}

func New(rdb redis.UniversalClient, name string, opts Options) *Queue {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Consumer == "" {
		opts.Consumer = uuid.NewString()
	}
	prefix := "queue:" + name
	return &Queue{
		rdb:        rdb,
		attempts:   opts.Attempts,
		backoff:    opts.Backoff,
		lease:      opts.Lease,
		consumer:   opts.Consumer,
		now:        time.Now,
		prefix:     prefix,
		ready:      prefix + ":ready",
		processing: processingKey(prefix, opts.Consumer),
		delayed:    prefix + ":delayed",
		dead:       prefix + ":dead",
		consumers:  prefix + ":consumers",
	}
}

func processingKey(prefix, consumer string) string { return prefix + ":processing:" + consumer }
func leaseKey(prefix, consumer string) string      { return prefix + ":lease:" + consumer }

func (q *Queue) Consumer() string { return q.consumer }

// Lease is the claim duration; heartbeats must come well within it.
func (q *Queue) Lease() time.Duration { return q.lease }

// Enqueue adds one unit of work for the order.
func (q *Queue) Enqueue(ctx context.Context, orderID string) (*Job, error) {
	job := &Job{ID: uuid.NewString(), OrderID: orderID, Attempt: 1}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.ready, payload).Err(); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	job.raw = string(payload)
	return job, nil
}

// Dequeue blocks up to wait for the next job and claims it for this
// consumer. It returns nil, nil when nothing arrived in time. The claim only
// protects the job while Heartbeat keeps the lease alive.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (*Job, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}
	// registered before taking a job so Recover can always find the list
	if err := q.rdb.SAdd(ctx, q.consumers, q.consumer).Err(); err != nil {
		return nil, fmt.Errorf("register consumer: %w", err)
	}

	payload, err := q.rdb.BRPopLPush(ctx, q.ready, q.processing, wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// unreadable payloads would be redelivered forever
		_ = q.rdb.LRem(ctx, q.processing, 1, payload).Err()
		_ = q.rdb.LPush(ctx, q.dead, payload).Err()
		return nil, fmt.Errorf("decode job: %w", err)
	}
	job.raw = payload
	return &job, nil
}

// Ack removes a finished job.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if err := q.rdb.LRem(ctx, q.processing, 1, job.raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Fail schedules a retry of the job with exponential backoff, or parks it
// in the dead list once its attempts are used up. It reports whether a
// retry was scheduled.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	next := *job
	if cause != nil {
		next.LastError = cause.Error()
	}
	retry := job.Attempt < q.attempts
	if retry {
		next.Attempt++
	}
	payload, err := json.Marshal(&next)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, job.raw)
		if retry {
			due := q.now().Add(q.Backoff(job.Attempt))
			pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(due.UnixMilli()), Member: string(payload)})
		} else {
			pipe.LPush(ctx, q.dead, payload)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return retry, nil
}

// Backoff is the delay before the retry that follows the given attempt.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return q.backoff * time.Duration(1<<(attempt-1))
}

// Heartbeat registers this consumer and renews its lease. Call it before
// the first Dequeue and then at a fraction of the lease.
func (q *Queue) Heartbeat(ctx context.Context) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, q.consumers, q.consumer)
		pipe.Set(ctx, leaseKey(q.prefix, q.consumer), q.now().UnixMilli(), q.lease)
		return nil
	})
	if err != nil {
		return fmt.Errorf("renew lease of %s: %w", q.consumer, err)
	}
	return nil
}

// Recover returns to ready the jobs held by other consumers whose lease has
// expired. Jobs of live consumers are left alone, and so are this
// consumer's own, which only Retire releases.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	consumers, err := q.rdb.SMembers(ctx, q.consumers).Result()
	if err != nil {
		return 0, fmt.Errorf("list consumers: %w", err)
	}

	total := 0
	for _, c := range consumers {
		if c == q.consumer {
			continue
		}
		n, err := q.reclaim(ctx, c)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Retire hands the jobs this consumer still holds back to ready and drops
// its lease. Call it after the last in-flight job has finished.
func (q *Queue) Retire(ctx context.Context) (int, error) {
	if err := q.rdb.Del(ctx, leaseKey(q.prefix, q.consumer)).Err(); err != nil {
		return 0, fmt.Errorf("drop lease of %s: %w", q.consumer, err)
	}
	return q.reclaim(ctx, q.consumer)
}

func (q *Queue) reclaim(ctx context.Context, consumer string) (int, error) {
	keys := []string{leaseKey(q.prefix, consumer), processingKey(q.prefix, consumer), q.ready, q.consumers}
	n, err := reclaimScript.Run(ctx, q.rdb, keys, consumer).Int()
	if err != nil {
		return 0, fmt.Errorf("recover jobs of %s: %w", consumer, err)
	}
	return max(n, 0), nil
}

type Stats struct {
	Ready      int64
	Processing int64
	Delayed    int64
	Dead       int64
}

// Stats counts jobs per state. Processing covers every registered consumer.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	consumers, err := q.rdb.SMembers(ctx, q.consumers).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	var ready, delayed, dead *redis.IntCmd
	processing := make([]*redis.IntCmd, 0, len(consumers))
	_, err = q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.LLen(ctx, q.ready)
		delayed = pipe.ZCard(ctx, q.delayed)
		dead = pipe.LLen(ctx, q.dead)
		for _, c := range consumers {
			processing = append(processing, pipe.LLen(ctx, processingKey(q.prefix, c)))
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	stats := Stats{Ready: ready.Val(), Delayed: delayed.Val(), Dead: dead.Val()}
	for _, cmd := range processing {
		stats.Processing += cmd.Val()
	}
	return stats, nil
}

func (q *Queue) promote(ctx context.Context) error {
	now := q.now().UnixMilli()
	err := promoteScript.Run(ctx, q.rdb, []string{q.delayed, q.ready}, now, promoteBatch).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	return nil
}
