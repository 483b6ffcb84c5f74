package database

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS orders (
    id UUID PRIMARY KEY,
    input_asset TEXT NOT NULL,
    output_asset TEXT NOT NULL,
    amount NUMERIC(30,9) NOT NULL CHECK (amount > 0),
    status TEXT NOT NULL DEFAULT 'pending',
    settlement_ref TEXT,
    executed_price NUMERIC,
    venue TEXT,
    error TEXT,
    logs JSONB NOT NULL DEFAULT '[]'::jsonb,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at);
`

func InitSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}
	return nil
}
