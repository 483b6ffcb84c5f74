package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "orders", opts), mr
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q, _ := newQueue(t, Options{})
	ctx := context.Background()

	enq, err := q.Enqueue(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 1, enq.Attempt)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, enq.ID, job.ID)
	assert.Equal(t, "order-1", job.OrderID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processing: 1}, stats)

	require.NoError(t, q.Ack(ctx, job))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestQueue_DequeueFIFO(t *testing.T) {
	q, _ := newQueue(t, Options{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, id)
		require.NoError(t, err)
	}
	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.OrderID)
	}
}

func TestQueue_DequeueEmpty(t *testing.T) {
	q, _ := newQueue(t, Options{})

	job, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueue_FailRetriesWithBackoffThenDies(t *testing.T) {
	q, _ := newQueue(t, Options{Attempts: 3, Backoff: time.Second})
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	_, err := q.Enqueue(ctx, "order-1")
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d", attempt)
		assert.Equal(t, attempt, job.Attempt)

		retry, err := q.Fail(ctx, job, errors.New("boom"))
		require.NoError(t, err)
		assert.Equal(t, attempt < 3, retry)

		if retry {
			// not due yet
			stats, err := q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Delayed)
			require.NoError(t, q.promote(ctx))
			stats, err = q.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(0), stats.Ready)

			now = now.Add(q.Backoff(attempt))
		}
	}

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Dead: 1}, stats)
}

func TestQueue_Backoff(t *testing.T) {
	q, _ := newQueue(t, Options{Backoff: time.Second})

	assert.Equal(t, time.Second, q.Backoff(1))
	assert.Equal(t, 2*time.Second, q.Backoff(2))
	assert.Equal(t, 4*time.Second, q.Backoff(3))
	assert.Equal(t, time.Second, q.Backoff(0))
}

func sharedQueue(t *testing.T, mr *miniredis.Miniredis, consumer string) *Queue {
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "orders", Options{Consumer: consumer})
}

func TestQueue_RecoverLeavesLiveConsumersAlone(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := sharedQueue(t, mr, "a"), sharedQueue(t, mr, "b")
	ctx := context.Background()

	require.NoError(t, a.Heartbeat(ctx))
	require.NoError(t, b.Heartbeat(ctx))
	assert.Equal(t, DefaultLease, mr.TTL(leaseKey(a.prefix, "a")))

	_, err := a.Enqueue(ctx, "order-1")
	require.NoError(t, err)
	held, err := a.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, held)

	n, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	job, err := b.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, job, "job held by a live consumer was handed out again")

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Processing: 1}, stats)
}

func TestQueue_RecoverExpiredLease(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := sharedQueue(t, mr, "a"), sharedQueue(t, mr, "b")
	ctx := context.Background()

	require.NoError(t, a.Heartbeat(ctx))
	for _, id := range []string{"order-1", "order-2"} {
		_, err := a.Enqueue(ctx, id)
		require.NoError(t, err)
		_, err = a.Dequeue(ctx, time.Second)
		require.NoError(t, err)
	}

	// a stops heartbeating; b keeps its own lease fresh
	mr.FastForward(DefaultLease + time.Second)
	require.NoError(t, b.Heartbeat(ctx))

	n, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	members, err := mr.Members(b.consumers)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	job, err := b.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "order-1", job.OrderID)

	// b's own claim survives its own recovery pass
	n, err = b.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Ready: 1, Processing: 1}, stats)
}

func TestQueue_RetireHandsJobsBack(t *testing.T) {
	q, mr := newQueue(t, Options{Consumer: "a"})
	ctx := context.Background()

	require.NoError(t, q.Heartbeat(ctx))
	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, id)
		require.NoError(t, err)
		_, err = q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
	}

	n, err := q.Retire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, mr.Exists(leaseKey(q.prefix, "a")))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Ready: 2}, stats)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "a", job.OrderID)
}

func TestQueue_UnreadablePayloadGoesToDead(t *testing.T) {
	q, mr := newQueue(t, Options{})
	ctx := context.Background()

	_, err := mr.Lpush(q.ready, "{not json")
	require.NoError(t, err)

	_, err = q.Dequeue(ctx, time.Second)
	assert.Error(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Dead: 1}, stats)
}
