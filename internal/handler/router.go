package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"orderengine/internal/metrics"
	"orderengine/internal/mw"
	"orderengine/internal/notify"
)

type Deps struct {
	Submitter    OrderSubmitter
	Orders       OrderReader
	Hub          *notify.Hub
	Links        SubscriptionLinks
	RequireToken bool
	Health       map[string]func(context.Context) error
	Metrics      *metrics.Metrics
	Log          *zap.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(mw.RequestLogger(d.Log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(mw.Metrics(d.Metrics))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", idempotencyHeader},
		MaxAge:         300,
	}))

	r.Post("/orders", SubmitOrderHandler(d.Submitter, d.Links, d.Log))
	r.Get("/orders/{id}", GetOrderHandler(d.Orders, d.Log))
	r.With(mw.SubscriptionAuth(d.Links.Secret)).Get("/ws", SubscribeHandler(d.Hub, d.RequireToken, d.Log.Named("ws")))
	r.Get("/healthz", HealthHandler(d.Health))
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	return r
}
