package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderengine/internal/model"
)

type OrderService struct {
	db  *sql.DB
	now func() time.Time
}

func NewOrderService(db *sql.DB) *OrderService {
	return &OrderService{db: db, now: time.Now}
}

func (s *OrderService) Create(ctx context.Context, o *model.Order) error {
	logs, err := json.Marshal(o.Logs)
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, input_asset, output_asset, amount, status, logs, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, o.ID, o.InputAsset, o.OutputAsset, o.Amount, string(o.Status), string(logs), o.Attempts, o.CreatedAt)
	if err != nil {
		return persistenceError("insert order", err)
	}
	o.UpdatedAt = o.CreatedAt
	return nil
}

func (s *OrderService) Get(ctx context.Context, id string) (*model.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrOrderNotFound
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, input_asset, output_asset, amount, status, settlement_ref, executed_price,
		       venue, error, logs, attempts, created_at, updated_at
		FROM orders
		WHERE id = $1
	`, id)

	var (
		o                  model.Order
		status             string
		settlementRef      sql.NullString
		venue, errorString sql.NullString
		logs               []byte
	)
	err := row.Scan(&o.ID, &o.InputAsset, &o.OutputAsset, &o.Amount, &status, &settlementRef,
		&o.ExecutedPrice, &venue, &errorString, &logs, &o.Attempts, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, persistenceError("select order", err)
	}

	o.Status = model.Status(status)
	o.SettlementRef = nullable(settlementRef)
	o.Venue = nullable(venue)
	o.Error = nullable(errorString)
	if err := json.Unmarshal(logs, &o.Logs); err != nil {
		return nil, persistenceError("decode logs of order "+o.ID, err)
	}

	return &o, nil
}

// Update writes every mutable column of a single row.
func (s *OrderService) Update(ctx context.Context, o *model.Order) error {
	logs, err := json.Marshal(o.Logs)
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}

	updatedAt := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, settlement_ref = $2, executed_price = $3, venue = $4, error = $5,
		    logs = $6, attempts = $7, updated_at = $8
		WHERE id = $9
	`, string(o.Status), o.SettlementRef, o.ExecutedPrice, o.Venue, o.Error, string(logs), o.Attempts, updatedAt, o.ID)
	if err != nil {
		return persistenceError("update order", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return persistenceError("update order", err)
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	o.UpdatedAt = updatedAt
	return nil
}

func nullable(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}
