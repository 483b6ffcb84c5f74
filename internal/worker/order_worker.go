package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"orderengine/internal/metrics"
	"orderengine/internal/queue"
)

const (
	pollWait      = time.Second
	errorCooldown = time.Second
)

type Options struct {
	Concurrency int
	RateMax     int
	RateWindow  time.Duration
}

// OrderWorker pulls order jobs from the queue and runs them through the
// processor, a bounded number at a time.
type OrderWorker struct {
	queue       *queue.Queue
	proc        *Processor
	limiter     *rate.Limiter
	concurrency int
	metrics     *metrics.Metrics
	log         *zap.Logger
}

func NewOrderWorker(q *queue.Queue, proc *Processor, opts Options, m *metrics.Metrics, log *zap.Logger) *OrderWorker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.RateMax <= 0 || opts.RateWindow <= 0 {
		opts.RateMax, opts.RateWindow = 100, time.Minute
	}
	return &OrderWorker{
		queue:       q,
		proc:        proc,
		limiter:     newLimiter(opts.RateMax, opts.RateWindow),
		concurrency: opts.Concurrency,
		metrics:     m,
		log:         log.Named("worker"),
	}
}

// newLimiter spaces jobs evenly so that no window of the given length
// admits more than limit of them. A larger burst would let a full bucket and
// a full refill land in the same window.
func newLimiter(limit int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), 1)
}

// Start processes jobs until ctx is cancelled, then waits for the jobs in
// flight to finish. The queue lease is renewed until then, so no other
// worker can reclaim a job this one is still running.
func (w *OrderWorker) Start(ctx context.Context) {
	w.log.Info("starting order worker", zap.Int("concurrency", w.concurrency), zap.String("consumer", w.queue.Consumer()))

	if err := w.queue.Heartbeat(ctx); err != nil {
		w.log.Error("renew queue lease", zap.Error(err))
	}
	w.recover(ctx)

	leaseCtx, stopLease := context.WithCancel(context.WithoutCancel(ctx))
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		w.keepLease(leaseCtx)
	}()
	defer func() {
		stopLease()
		<-leaseDone
		if n, err := w.queue.Retire(context.WithoutCancel(ctx)); err != nil {
			w.log.Error("retire consumer", zap.Error(err))
		} else if n > 0 {
			w.log.Info("returned unstarted jobs", zap.Int("jobs", n))
		}
	}()

	var g errgroup.Group
	g.SetLimit(w.concurrency)

	for ctx.Err() == nil {
		job, err := w.queue.Dequeue(ctx, pollWait)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error("dequeue failed", zap.Error(err))
			sleep(ctx, errorCooldown)
			continue
		}
		if job == nil {
			w.reportDepth(ctx)
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			// still claimed; Retire hands it back
			break
		}
		g.Go(func() error {
			w.handle(context.WithoutCancel(ctx), job)
			return nil
		})
	}

	_ = g.Wait()
	w.log.Info("order worker stopped")
}

// keepLease renews the queue lease and reclaims jobs of workers whose lease
// lapsed, until ctx is cancelled.
func (w *OrderWorker) keepLease(ctx context.Context) {
	t := time.NewTicker(w.queue.Lease() / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.queue.Heartbeat(ctx); err != nil {
				w.log.Error("renew queue lease", zap.Error(err))
				continue
			}
			w.recover(ctx)
		}
	}
}

func (w *OrderWorker) recover(ctx context.Context) {
	if n, err := w.queue.Recover(ctx); err != nil {
		w.log.Error("recover jobs", zap.Error(err))
	} else if n > 0 {
		w.log.Info("recovered jobs of expired workers", zap.Int("jobs", n))
	}
}

func (w *OrderWorker) handle(ctx context.Context, job *queue.Job) {
	log := w.log.With(zap.String("job_id", job.ID), zap.String("order_id", job.OrderID), zap.Int("attempt", job.Attempt))

	err := w.proc.Process(ctx, job.OrderID, job.Attempt)
	if err == nil {
		if err := w.queue.Ack(ctx, job); err != nil {
			log.Error("ack job", zap.Error(err))
		}
		w.metrics.QueueJobs.WithLabelValues("completed").Inc()
		return
	}

	retry, ferr := w.queue.Fail(ctx, job, err)
	if ferr != nil {
		log.Error("fail job", zap.Error(ferr))
		return
	}
	if retry {
		w.metrics.QueueJobs.WithLabelValues("retried").Inc()
		log.Warn("job failed, retry scheduled", zap.Duration("backoff", w.queue.Backoff(job.Attempt)), zap.Error(err))
		return
	}
	w.metrics.QueueJobs.WithLabelValues("dead").Inc()
	log.Error("job failed, attempts exhausted", zap.Error(err))
}

func (w *OrderWorker) reportDepth(ctx context.Context) {
	stats, err := w.queue.Stats(ctx)
	if err != nil {
		return
	}
	w.metrics.QueueDepth.WithLabelValues("ready").Set(float64(stats.Ready))
	w.metrics.QueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	w.metrics.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
	w.metrics.QueueDepth.WithLabelValues("dead").Set(float64(stats.Dead))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
