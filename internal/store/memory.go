package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

type balanceKey struct {
	user  wire.Address
	asset wire.Address
}

// Memory is an in-process Store. A single mutex held across every
// check-then-mutate pair stands in for the postgres transaction.
// Used by tests and single-binary dev mode.
type Memory struct {
	mu        sync.Mutex
	processed map[wire.MessageID]struct{}
	balances  map[balanceKey]decimal.Decimal
	counters  map[wire.Address]int64
	sequences map[wire.Address]uint64
}

func NewMemory() *Memory {
	return &Memory{
		processed: make(map[wire.MessageID]struct{}),
		balances:  make(map[balanceKey]decimal.Decimal),
		counters:  make(map[wire.Address]int64),
		sequences: make(map[wire.Address]uint64),
	}
}

func (m *Memory) Processed(ctx context.Context, id wire.MessageID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[id]
	return ok, nil
}

func (m *Memory) MarkProcessed(ctx context.Context, id wire.MessageID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[id]; ok {
		return false, nil
	}
	m.processed[id] = struct{}{}
	return true, nil
}

func (m *Memory) ApplyCredit(ctx context.Context, id wire.MessageID, originDomain uint32, user, asset wire.Address, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.processed[id]; ok {
		return false, nil
	}
	key := balanceKey{user: user, asset: asset}
	m.processed[id] = struct{}{}
	m.balances[key] = m.balances[key].Add(amount)
	m.counters[user]++
	return true, nil
}

func (m *Memory) Debit(ctx context.Context, user, asset wire.Address, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := balanceKey{user: user, asset: asset}
	bal := m.balances[key]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
	}
	m.balances[key] = bal.Sub(amount)
	return nil
}

func (m *Memory) Balance(ctx context.Context, user, asset wire.Address) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey{user: user, asset: asset}], nil
}

func (m *Memory) ProcessedCount(ctx context.Context, user wire.Address) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[user], nil
}

func (m *Memory) NextSequence(ctx context.Context, user wire.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[user]++
	return m.sequences[user], nil
}
