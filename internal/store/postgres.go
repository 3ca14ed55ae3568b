package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

// Postgres is the production Store. The primary key on
// processed_messages.message_id, inserted in the same transaction as
// the balance upsert, is what makes credit application exactly-once
// under concurrent redelivery.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the store schema if missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processed_messages (
			message_id    TEXT PRIMARY KEY,
			origin_domain BIGINT NOT NULL,
			recipient     TEXT NOT NULL,
			applied_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS bridge_balances (
			user_id TEXT NOT NULL,
			asset   TEXT NOT NULL,
			balance NUMERIC NOT NULL DEFAULT 0 CHECK (balance >= 0),
			PRIMARY KEY (user_id, asset)
		)`,
		`CREATE TABLE IF NOT EXISTS user_counters (
			user_id   TEXT PRIMARY KEY,
			processed BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS dispatch_sequences (
			user_id  TEXT PRIMARY KEY,
			next_seq BIGINT NOT NULL DEFAULT 0
		)`,
	}
	for _, s := range stmts {
		if _, err := p.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Processed(ctx context.Context, id wire.MessageID) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_messages WHERE message_id = $1)`,
		id.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query processed set: %w", err)
	}
	return exists, nil
}

func (p *Postgres) MarkProcessed(ctx context.Context, id wire.MessageID) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO processed_messages (message_id, origin_domain, recipient)
		 VALUES ($1, 0, '') ON CONFLICT (message_id) DO NOTHING`,
		id.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark processed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	return rows == 1, nil
}

func (p *Postgres) ApplyCredit(ctx context.Context, id wire.MessageID, originDomain uint32, user, asset wire.Address, amount decimal.Decimal) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO processed_messages (message_id, origin_domain, recipient)
		 VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		id.String(), int64(originDomain), user.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message id: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if rows == 0 {
		// Replay: leave every table untouched.
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bridge_balances (user_id, asset, balance) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, asset) DO UPDATE SET balance = bridge_balances.balance + EXCLUDED.balance`,
		user.String(), asset.String(), amount,
	)
	if err != nil {
		return false, fmt.Errorf("failed to credit balance: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_counters (user_id, processed) VALUES ($1, 1)
		 ON CONFLICT (user_id) DO UPDATE SET processed = user_counters.processed + 1`,
		user.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to bump processed counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

func (p *Postgres) Debit(ctx context.Context, user, asset wire.Address, amount decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM bridge_balances WHERE user_id = $1 AND asset = $2 FOR UPDATE`,
		user.String(), asset.String(),
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: no balance for %s", ErrInsufficientBalance, user)
	}
	if err != nil {
		return fmt.Errorf("failed to lock balance: %w", err)
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bridge_balances SET balance = balance - $3 WHERE user_id = $1 AND asset = $2`,
		user.String(), asset.String(), amount,
	)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (p *Postgres) Balance(ctx context.Context, user, asset wire.Address) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := p.db.QueryRowContext(ctx,
		`SELECT balance FROM bridge_balances WHERE user_id = $1 AND asset = $2`,
		user.String(), asset.String(),
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query balance: %w", err)
	}
	return balance, nil
}

func (p *Postgres) ProcessedCount(ctx context.Context, user wire.Address) (int64, error) {
	var count int64
	err := p.db.QueryRowContext(ctx,
		`SELECT processed FROM user_counters WHERE user_id = $1`,
		user.String(),
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query processed counter: %w", err)
	}
	return count, nil
}

func (p *Postgres) NextSequence(ctx context.Context, user wire.Address) (uint64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO dispatch_sequences (user_id, next_seq) VALUES ($1, 1)
		 ON CONFLICT (user_id) DO UPDATE SET next_seq = dispatch_sequences.next_seq + 1
		 RETURNING next_seq`,
		user.String(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	return uint64(seq), nil
}
