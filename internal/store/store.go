// Package store persists the hub's processed-message set, user
// balances and advisory counters. Both implementations give the same
// guarantee: the processed-set check and the balance mutation it
// guards are applied in one atomic step, which is what turns the
// transport's at-least-once delivery into at-most-once application.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// ProcessedSet is the deduplication surface needed by a gateway's
// release path. The set is append-only and never shrinks.
type ProcessedSet interface {
	// Processed reports whether a message has already been applied.
	Processed(ctx context.Context, id wire.MessageID) (bool, error)

	// MarkProcessed records a message id. It returns false when the
	// id was already present, with no state change.
	MarkProcessed(ctx context.Context, id wire.MessageID) (bool, error)
}

// Store is the hub ledger's persistence surface.
type Store interface {
	ProcessedSet

	// ApplyCredit marks id processed and credits amount to
	// (user, asset) in a single atomic step, bumping the user's
	// advisory processed counter. It returns false without any state
	// change when id was already processed.
	ApplyCredit(ctx context.Context, id wire.MessageID, originDomain uint32, user, asset wire.Address, amount decimal.Decimal) (bool, error)

	// Debit subtracts amount from (user, asset), failing with
	// ErrInsufficientBalance and no state change when the balance is
	// short. Balances never go negative.
	Debit(ctx context.Context, user, asset wire.Address, amount decimal.Decimal) error

	// Balance returns the current balance, zero if never credited.
	Balance(ctx context.Context, user, asset wire.Address) (decimal.Decimal, error)

	// ProcessedCount returns the advisory per-user counter of applied
	// inbound messages. It is diagnostic only and never consulted for
	// deduplication.
	ProcessedCount(ctx context.Context, user wire.Address) (int64, error)

	// NextSequence returns a fresh per-user dispatch sequence number,
	// starting at 1.
	NextSequence(ctx context.Context, user wire.Address) (uint64, error)
}
