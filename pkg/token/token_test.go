package token

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/bridgehub/pkg/wire"
)

func TestMintAndBurn(t *testing.T) {
	custody := wire.AddressFromString("custody")
	tok, authority := New("sUSDC", 6)

	t.Run("mint raises balance and supply", func(t *testing.T) {
		require.NoError(t, authority.Mint(custody, decimal.NewFromInt(500)))
		assert.True(t, tok.BalanceOf(custody).Equal(decimal.NewFromInt(500)))
		assert.True(t, tok.TotalSupply().Equal(decimal.NewFromInt(500)))
	})

	t.Run("burn lowers balance and supply", func(t *testing.T) {
		require.NoError(t, authority.Burn(custody, decimal.NewFromInt(200)))
		assert.True(t, tok.BalanceOf(custody).Equal(decimal.NewFromInt(300)))
		assert.True(t, tok.TotalSupply().Equal(decimal.NewFromInt(300)))
	})

	t.Run("burn beyond custody fails", func(t *testing.T) {
		err := authority.Burn(custody, decimal.NewFromInt(1000))
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.True(t, tok.TotalSupply().Equal(decimal.NewFromInt(300)))
	})
}

func TestTransfer(t *testing.T) {
	alice := wire.AddressFromString("alice")
	bob := wire.AddressFromString("bob")
	tok, authority := New("USDC", 6)
	require.NoError(t, authority.Mint(alice, decimal.NewFromInt(100)))

	t.Run("moves funds", func(t *testing.T) {
		require.NoError(t, tok.Transfer(alice, bob, decimal.NewFromInt(40)))
		assert.True(t, tok.BalanceOf(alice).Equal(decimal.NewFromInt(60)))
		assert.True(t, tok.BalanceOf(bob).Equal(decimal.NewFromInt(40)))
	})

	t.Run("fails on insufficient funds without side effects", func(t *testing.T) {
		err := tok.Transfer(alice, bob, decimal.NewFromInt(100))
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.True(t, tok.BalanceOf(alice).Equal(decimal.NewFromInt(60)))
		assert.True(t, tok.BalanceOf(bob).Equal(decimal.NewFromInt(40)))
	})

	t.Run("rejects zero and fractional amounts", func(t *testing.T) {
		assert.ErrorIs(t, tok.Transfer(alice, bob, decimal.Zero), ErrBadAmount)
		assert.ErrorIs(t, tok.Transfer(alice, bob, decimal.RequireFromString("0.5")), ErrBadAmount)
	})

	t.Run("supply unchanged by transfers", func(t *testing.T) {
		assert.True(t, tok.TotalSupply().Equal(decimal.NewFromInt(100)))
	})
}

func TestUnheldBalanceIsZero(t *testing.T) {
	tok, _ := New("X", 0)
	assert.True(t, tok.BalanceOf(wire.AddressFromString("nobody")).IsZero())
}
