package venue

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"orderengine/internal/model"
)

// Aggregator is a venue whose API lists its own routes for a pair.
type Aggregator struct {
	name string
	api  *apiClient
	log  *zap.Logger
}

func NewAggregator(name, baseURL string, client *http.Client, log *zap.Logger) *Aggregator {
	return &Aggregator{
		name: name,
		api:  newAPIClient(baseURL, client),
		log:  log.Named("venue").With(zap.String("venue", name)),
	}
}

func (a *Aggregator) Name() string { return a.name }

type routesResponse struct {
	Routes []pricedAmount `json:"routes"`
}

func (a *Aggregator) Quote(ctx context.Context, req QuoteRequest) ([]model.RouteQuote, error) {
	var resp routesResponse
	if err := a.api.getJSON(ctx, "/quote", quoteQuery(req), &resp); err != nil {
		return nil, fmt.Errorf("%s quote: %w", a.name, err)
	}

	quotes := make([]model.RouteQuote, 0, len(resp.Routes))
	for _, r := range resp.Routes {
		if r.OutAmount.IsPositive() {
			quotes = append(quotes, r.toQuote(a.name, req))
		}
	}
	a.log.Debug("quoted", zap.Int("routes", len(resp.Routes)), zap.Int("usable", len(quotes)))
	return quotes, nil
}

func (a *Aggregator) Execute(ctx context.Context, quote model.RouteQuote, opts ExecuteOptions) (model.Settlement, error) {
	return a.api.swap(ctx, a.name, quote, opts)
}
