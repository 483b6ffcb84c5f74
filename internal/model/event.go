package model

import "github.com/shopspring/decimal"

// Event is the status snapshot pushed to subscribers of an order.
type Event struct {
	OrderID       string           `json:"orderId"`
	Status        Status           `json:"status"`
	Message       string           `json:"message,omitempty"`
	Attempt       int              `json:"attempt,omitempty"`
	SettlementRef string           `json:"settlementRef,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Venue         string           `json:"venue,omitempty"`
	ExplorerURL   string           `json:"explorerUrl,omitempty"`
	Error         string           `json:"error,omitempty"`
}
