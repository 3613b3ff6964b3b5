package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// schemaStatements cria o schema do ledger. Tudo é idempotente.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id          TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		name        TEXT NOT NULL,
		category    TEXT NOT NULL DEFAULT '',
		price       NUMERIC(18, 4) NOT NULL CHECK (price >= 0),
		stock       INTEGER NOT NULL CHECK (stock >= 0),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_business ON products (business_id)`,

	`CREATE TABLE IF NOT EXISTS contacts (
		id          TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		name        TEXT NOT NULL,
		phone       TEXT NOT NULL,
		email       TEXT NOT NULL DEFAULT '',
		address     TEXT NOT NULL DEFAULT '',
		type        TEXT NOT NULL CHECK (type IN ('customer', 'vendor')),
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_business_type ON contacts (business_id, type)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id              TEXT PRIMARY KEY,
		business_id     TEXT NOT NULL,
		type            TEXT NOT NULL CHECK (type IN ('sale', 'purchase')),
		counterparty_id TEXT NOT NULL REFERENCES contacts (id),
		total_amount    NUMERIC(18, 4) NOT NULL CHECK (total_amount >= 0),
		occurred_at     TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_business_type_occurred
		ON transactions (business_id, type, occurred_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_business_occurred
		ON transactions (business_id, occurred_at DESC)`,

	`CREATE TABLE IF NOT EXISTS transaction_line_items (
		transaction_id TEXT NOT NULL REFERENCES transactions (id),
		position       INTEGER NOT NULL,
		product_id     TEXT NOT NULL REFERENCES products (id),
		quantity       INTEGER NOT NULL CHECK (quantity >= 1),
		unit_price     NUMERIC(18, 4) NOT NULL CHECK (unit_price >= 0),
		PRIMARY KEY (transaction_id, position)
	)`,

	// O ledger é append-only
	`CREATE OR REPLACE FUNCTION reject_ledger_mutation() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger rows are immutable (% on %)', TG_OP, TG_TABLE_NAME
			USING ERRCODE = 'restrict_violation';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS transactions_immutable ON transactions`,
	`CREATE TRIGGER transactions_immutable
		BEFORE UPDATE OR DELETE ON transactions
		FOR EACH ROW EXECUTE FUNCTION reject_ledger_mutation()`,
	`DROP TRIGGER IF EXISTS transaction_line_items_immutable ON transaction_line_items`,
	`CREATE TRIGGER transaction_line_items_immutable
		BEFORE UPDATE OR DELETE ON transaction_line_items
		FOR EACH ROW EXECUTE FUNCTION reject_ledger_mutation()`,
}

// runMigrations aplica o schema usando database/sql com o driver lib/pq
func runMigrations(ctx context.Context, dsn string, logger *zap.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Minute)

	if err := waitReady(ctx, "database", db.PingContext, logger, readyAttempts, readyInterval); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	// Serializa migrações concorrentes de várias réplicas
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(727274)`); err != nil {
		return fmt.Errorf("failed to lock migration: %w", err)
	}

	for i, statement := range schemaStatements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	logger.Info("✅ Schema migrated", zap.Int("statements", len(schemaStatements)))
	return nil
}
