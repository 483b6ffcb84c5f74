package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"orderengine/internal/model"
)

var errRateLimited = errors.New("rate limit exceeded")

// apiClient speaks the venue's HTTP quote and swap API.
type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(baseURL string, client *http.Client) *apiClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &apiClient{baseURL: baseURL, client: client}
}

func (c *apiClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *apiClient) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case http.StatusTooManyRequests:
		return errRateLimited
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, string(body))
	}
}

// swapHandle is the execution handle carried by quotes of HTTP venues.
type swapHandle struct {
	Pool        string          `json:"pool"`
	InputMint   string          `json:"inputMint"`
	OutputMint  string          `json:"outputMint"`
	Amount      decimal.Decimal `json:"amount"`
	PriorityFee uint64          `json:"priorityFee,omitempty"`
}

type swapResponse struct {
	Signature string `json:"signature"`
}

func (c *apiClient) swap(ctx context.Context, venue string, quote model.RouteQuote, opts ExecuteOptions) (model.Settlement, error) {
	handle, ok := quote.Handle.(swapHandle)
	if !ok {
		return model.Settlement{}, fmt.Errorf("%w: %s: foreign quote handle %T", ErrExecution, venue, quote.Handle)
	}
	handle.PriorityFee = opts.PriorityFee

	var resp swapResponse
	if err := c.postJSON(ctx, "/swap", handle, &resp); err != nil {
		return model.Settlement{}, fmt.Errorf("%w: %s: %w", ErrExecution, venue, err)
	}
	if resp.Signature == "" {
		return model.Settlement{}, fmt.Errorf("%w: %s: empty signature", ErrExecution, venue)
	}

	return model.Settlement{
		Reference: resp.Signature,
		Price:     quote.Price,
		OutAmount: quote.OutAmount,
		Venue:     venue,
	}, nil
}

func quoteQuery(req QuoteRequest) url.Values {
	q := url.Values{}
	q.Set("inputMint", req.InputAsset)
	q.Set("outputMint", req.OutputAsset)
	q.Set("amount", req.Amount.String())
	return q
}

// pricedAmount is a quote leg as reported by venue APIs.
type pricedAmount struct {
	Pool      string          `json:"pool"`
	OutAmount decimal.Decimal `json:"outAmount"`
	Price     decimal.Decimal `json:"price"`
}

func (p pricedAmount) toQuote(venue string, req QuoteRequest) model.RouteQuote {
	price := p.Price
	if !price.IsPositive() && req.Amount.IsPositive() {
		price = p.OutAmount.Div(req.Amount)
	}
	return model.RouteQuote{
		Venue:     venue,
		Price:     price,
		OutAmount: p.OutAmount,
		Handle: swapHandle{
			Pool:       p.Pool,
			InputMint:  req.InputAsset,
			OutputMint: req.OutputAsset,
			Amount:     req.Amount,
		},
	}
}
