package venue

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"orderengine/internal/model"
)

// AccountSource lists raw program accounts. *Ledger implements it.
type AccountSource interface {
	ProgramAccounts(ctx context.Context, programID string, dataSize int) ([]Account, error)
}

// AMM is a venue whose pools are discovered on the ledger and priced one
// by one through the venue API.
type AMM struct {
	name      string
	programID string
	accounts  AccountSource
	api       *apiClient
	log       *zap.Logger
}

func NewAMM(name, programID, baseURL string, accounts AccountSource, client *http.Client, log *zap.Logger) *AMM {
	return &AMM{
		name:      name,
		programID: programID,
		accounts:  accounts,
		api:       newAPIClient(baseURL, client),
		log:       log.Named("venue").With(zap.String("venue", name)),
	}
}

func (a *AMM) Name() string { return a.name }

func (a *AMM) Quote(ctx context.Context, req QuoteRequest) ([]model.RouteQuote, error) {
	pools, err := a.pools(ctx, req.InputAsset, req.OutputAsset)
	if err != nil {
		return nil, err
	}
	a.log.Debug("pools found", zap.Int("pools", len(pools)))

	var quotes []model.RouteQuote
	for _, pool := range pools {
		q := quoteQuery(req)
		q.Set("pool", pool)

		var resp pricedAmount
		if err := a.api.getJSON(ctx, "/compute", q, &resp); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return quotes, nil
			}
			a.log.Debug("pool quote failed", zap.String("pool", pool), zap.Error(err))
			continue
		}
		if !resp.OutAmount.IsPositive() {
			continue
		}
		resp.Pool = pool
		quotes = append(quotes, resp.toQuote(a.name, req))
	}
	return quotes, nil
}

func (a *AMM) Execute(ctx context.Context, quote model.RouteQuote, opts ExecuteOptions) (model.Settlement, error) {
	return a.api.swap(ctx, a.name, quote, opts)
}

func (a *AMM) pools(ctx context.Context, input, output string) ([]string, error) {
	accounts, err := a.accounts.ProgramAccounts(ctx, a.programID, PoolAccountSize)
	if err != nil {
		return nil, fmt.Errorf("%s scan pools: %w", a.name, err)
	}

	var pools []string
	for _, acc := range accounts {
		layout, err := DecodePoolLayout(acc.Data)
		if err != nil {
			continue
		}
		if layout.Matches(input, output) {
			pools = append(pools, acc.Pubkey)
		}
	}
	return pools, nil
}
