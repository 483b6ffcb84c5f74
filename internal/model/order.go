package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRouting   Status = "routing"
	StatusBuilding  Status = "building"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// MockVenue tags settlements produced by the virtual fallback engine.
const MockVenue = "mock-engine"

type Order struct {
	ID            string              `json:"id"`
	InputAsset    string              `json:"inputAsset"`
	OutputAsset   string              `json:"outputAsset"`
	Amount        decimal.Decimal     `json:"amount"`
	Status        Status              `json:"status"`
	SettlementRef *string             `json:"settlementRef,omitempty"`
	ExecutedPrice decimal.NullDecimal `json:"executedPrice"`
	Venue         *string             `json:"venue,omitempty"`
	Error         *string             `json:"error,omitempty"`
	Logs          []string            `json:"logs"`
	Attempts      int                 `json:"attempts"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// AppendLog adds a timestamped entry. Entries are never rewritten.
func (o *Order) AppendLog(now time.Time, format string, args ...any) {
	o.Logs = append(o.Logs, fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), fmt.Sprintf(format, args...)))
}

// RouteQuote is a candidate execution offered by a venue. It lives only
// for a single routing attempt.
type RouteQuote struct {
	Venue     string
	Price     decimal.Decimal
	OutAmount decimal.Decimal
	Handle    any
}

// Settlement is the receipt of an executed swap, real or simulated.
type Settlement struct {
	Reference string
	Price     decimal.Decimal
	OutAmount decimal.Decimal
	Venue     string
}

func (s Settlement) Simulated() bool {
	return s.Venue == MockVenue
}
