package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBadAmount         = errors.New("amount must be a positive integer")
)

// Token is a fungible asset ledger. Supply changes only through the
// Authority returned by New; holding the Authority is the one
// privileged role, there is no other.
type Token struct {
	symbol   string
	decimals int32

	mu       sync.RWMutex
	balances map[wire.Address]decimal.Decimal
	supply   decimal.Decimal
}

// Authority is the capability to mint and burn a single Token. The
// constructor hands it out exactly once; whoever holds it is the
// authorized minter.
type Authority struct {
	t *Token
}

// New creates a token and its mint/burn authority.
func New(symbol string, decimals int32) (*Token, *Authority) {
	t := &Token{
		symbol:   symbol,
		decimals: decimals,
		balances: make(map[wire.Address]decimal.Decimal),
		supply:   decimal.Zero,
	}
	return t, &Authority{t: t}
}

func (t *Token) Symbol() string  { return t.symbol }
func (t *Token) Decimals() int32 { return t.decimals }

// BalanceOf returns the balance of an account, zero if never credited.
func (t *Token) BalanceOf(account wire.Address) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if b, ok := t.balances[account]; ok {
		return b
	}
	return decimal.Zero
}

// TotalSupply returns the current minted supply.
func (t *Token) TotalSupply() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply
}

// Transfer moves amount from one account to another.
func (t *Token) Transfer(from, to wire.Address, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	bal := t.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, t.symbol, bal, amount)
	}
	t.balances[from] = bal.Sub(amount)
	t.balances[to] = t.balances[to].Add(amount)
	return nil
}

// Mint creates amount new units in the given account.
func (a *Authority) Mint(to wire.Address, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t := a.t
	t.mu.Lock()
	defer t.mu.Unlock()

	t.balances[to] = t.balances[to].Add(amount)
	t.supply = t.supply.Add(amount)
	return nil
}

// Burn destroys amount units held by the given account.
func (a *Authority) Burn(from wire.Address, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t := a.t
	t.mu.Lock()
	defer t.mu.Unlock()

	bal := t.balances[from]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: cannot burn %s of %s, custody holds %s", ErrInsufficientFunds, amount, t.symbol, bal)
	}
	t.balances[from] = bal.Sub(amount)
	t.supply = t.supply.Sub(amount)
	return nil
}

// Token returns the token this authority controls.
func (a *Authority) Token() *Token { return a.t }

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Truncate(0)) {
		return fmt.Errorf("%w: %s", ErrBadAmount, amount)
	}
	return nil
}
