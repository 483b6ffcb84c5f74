package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderengine/internal/config"
	"orderengine/internal/database"
	"orderengine/internal/fallback"
	"orderengine/internal/handler"
	"orderengine/internal/idempotency"
	"orderengine/internal/logger"
	"orderengine/internal/metrics"
	"orderengine/internal/notify"
	"orderengine/internal/queue"
	"orderengine/internal/router"
	"orderengine/internal/service"
	"orderengine/internal/venue"
	"orderengine/internal/worker"
)

const queueName = "trade-queue"

func main() {
	cfg, err := config.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(ctx, cfg.DatabaseURI)
	if err != nil {
		return fmt.Errorf("connect to DB: %w", err)
	}
	defer database.CloseDB(db, log)

	if err := database.InitSchema(ctx, db); err != nil {
		return fmt.Errorf("init DB schema: %w", err)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	m := metrics.New()
	orders := service.NewOrderService(db)
	q := queue.New(rdb, queueName, queue.Options{Attempts: cfg.JobAttempts, Backoff: cfg.JobBackoff, Lease: cfg.JobLease})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Mode == config.ModeAll || cfg.Mode == config.ModeAPI {
		hub := notify.NewHub(rdb, m, log)
		defer hub.Close()

		submitter := service.NewSubmitter(
			orders,
			q,
			idempotency.New(rdb, idempotency.DefaultTTL),
			service.NewTokenService(rdb, cfg.TokenListURL, log),
			m,
			log,
		)

		srv := &http.Server{
			Addr: cfg.RunAddress,
			Handler: handler.NewRouter(handler.Deps{
				Submitter:    submitter,
				Orders:       orders,
				Hub:          hub,
				Links:        handler.SubscriptionLinks{PublicWSURL: cfg.PublicWSURL, Secret: cfg.SubscriptionSecret},
				RequireToken: cfg.RequireSubscriptionToken,
				Health: map[string]func(context.Context) error{
					"postgres": db.PingContext,
					"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
				},
				Metrics: m,
				Log:     log,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Info("starting server", zap.String("addr", cfg.RunAddress))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	if cfg.Mode == config.ModeAll || cfg.Mode == config.ModeWorker {
		w, closeWorker, err := newWorker(gctx, cfg, q, orders, rdb, m, log)
		if err != nil {
			return err
		}
		defer closeWorker()

		g.Go(func() error {
			w.Start(gctx)
			return nil
		})
	}

	err = g.Wait()
	log.Info("stopped")
	return err
}

func newWorker(ctx context.Context, cfg *config.Config, q *queue.Queue, orders *service.OrderService, rdb redis.UniversalClient, m *metrics.Metrics, log *zap.Logger) (*worker.OrderWorker, func(), error) {
	var (
		ledger  *venue.Ledger
		closeFn = func() {}
	)
	if cfg.LedgerRPCURL != "" {
		l, err := venue.DialLedger(ctx, cfg.LedgerRPCURL, &http.Client{Timeout: cfg.QuoteTimeout})
		if err != nil {
			return nil, nil, err
		}
		ledger, closeFn = l, l.Close
	}

	var (
		accounts venue.AccountSource
		feeSrc   router.FeeSource
	)
	if ledger != nil {
		accounts, feeSrc = ledger, ledger
	}

	venues, err := venue.Build(cfg.Venues, accounts, log)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	if len(venues) == 0 && cfg.FallbackEnabled {
		log.Warn("no venues configured, every order settles on the simulated engine")
	}

	var fb router.Fallback
	if cfg.FallbackEnabled {
		fb = fallback.New(fallback.Options{
			DelayMin: cfg.FallbackDelayMin,
			DelayMax: cfg.FallbackDelayMax,
			Noise:    true,
			Seed:     uint64(time.Now().UnixNano()),
		}, log)
	}

	rt := router.New(
		venues,
		fb,
		router.NewFeeEstimator(feeSrc, cfg.PriorityFeeMin, cfg.PriorityFeeMax, log),
		router.Options{QuoteTimeout: cfg.QuoteTimeout},
		m,
		log,
	)
	proc := worker.NewProcessor(
		orders,
		rt,
		notify.NewPublisher(rdb),
		worker.Explorer{BaseURL: cfg.ExplorerURL, Cluster: cfg.ExplorerCluster},
		m,
		log,
	)
	w := worker.NewOrderWorker(q, proc, worker.Options{
		Concurrency: cfg.WorkerConcurrency,
		RateMax:     cfg.WorkerRateMax,
		RateWindow:  cfg.WorkerRateWindow,
	}, m, log)
	return w, closeFn, nil
}
