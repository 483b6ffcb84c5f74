package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	tokenListKey = "token-list"
	tokenListTTL = 24 * time.Hour

	// addresses are base58 public keys, symbols are much shorter
	addressMinLen = 32
)

var fallbackTokens = map[string]string{
	"SOL":  "So11111111111111111111111111111111111111112",
	"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
}

// TokenService turns asset symbols into ledger addresses.
type TokenService struct {
	rdb     redis.UniversalClient
	listURL string
	client  *http.Client
	group   singleflight.Group
	log     *zap.Logger
}

func NewTokenService(rdb redis.UniversalClient, listURL string, log *zap.Logger) *TokenService {
	return &TokenService{
		rdb:     rdb,
		listURL: listURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.Named("tokens"),
	}
}

type tokenEntry struct {
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
}

// Resolve returns the address for a symbol. Inputs that already look like
// addresses pass through unchanged.
func (s *TokenService) Resolve(ctx context.Context, asset string) (string, error) {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return "", fmt.Errorf("%w: empty asset", ErrInvalidInput)
	}
	if len(asset) >= addressMinLen {
		return asset, nil
	}

	tokens := s.tokenMap(ctx)
	addr, ok := tokens[strings.ToUpper(asset)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return addr, nil
}

func (s *TokenService) tokenMap(ctx context.Context) map[string]string {
	cached, err := s.rdb.Get(ctx, tokenListKey).Bytes()
	if err == nil {
		var tokens map[string]string
		if err := json.Unmarshal(cached, &tokens); err == nil {
			return tokens
		}
		s.log.Warn("cached token list is corrupt, refetching")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn("token list cache unavailable", zap.Error(err))
	}

	v, err, _ := s.group.Do(tokenListKey, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		s.log.Warn("token list fetch failed, using built-in tokens", zap.Error(err))
		return fallbackTokens
	}
	return v.(map[string]string)
}

func (s *TokenService) refresh(ctx context.Context) (map[string]string, error) {
	list, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}

	tokens := make(map[string]string, len(list)+len(fallbackTokens))
	for _, t := range list {
		if t.Symbol != "" && t.Address != "" {
			tokens[strings.ToUpper(t.Symbol)] = t.Address
		}
	}
	maps.Copy(tokens, fallbackTokens)

	payload, err := json.Marshal(tokens)
	if err == nil {
		err = s.rdb.Set(ctx, tokenListKey, payload, tokenListTTL).Err()
	}
	if err != nil {
		s.log.Warn("token list not cached", zap.Error(err))
	}
	s.log.Info("token list refreshed", zap.Int("tokens", len(tokens)))
	return tokens, nil
}

func (s *TokenService) fetch(ctx context.Context) ([]tokenEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.listURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("unexpected status: %d, body: %s", resp.StatusCode, string(body))
	}
	var list []tokenEntry
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return list, nil
}
