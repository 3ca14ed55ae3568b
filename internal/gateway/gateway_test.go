package gateway_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/bridgehub/internal/gateway"
	"github.com/terminal-bench/bridgehub/internal/store"
	"github.com/terminal-bench/bridgehub/pkg/messaging"
	"github.com/terminal-bench/bridgehub/pkg/token"
	"github.com/terminal-bench/bridgehub/pkg/wire"
)

const (
	gwDomain  = uint32(2)
	hubDomain = uint32(1)
)

var (
	gwAddr    = wire.AddressFromString("source-gateway")
	hubAddr   = wire.AddressFromString("hub-ledger")
	alice     = wire.AddressFromString("alice")
	usdcAddr  = wire.AddressFromString("usdc")
	synthHint = wire.AddressFromString("sUSDC")
)

// failingTransport refuses every dispatch.
type failingTransport struct{}

func (failingTransport) Dispatch(ctx context.Context, destDomain uint32, destAddress wire.Address, body []byte) (wire.MessageID, error) {
	return wire.MessageID{}, errors.New("broker unavailable")
}

type fixture struct {
	gw    *gateway.Gateway
	local *messaging.Local
	usdc  *token.Token
	mint  *token.Authority
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local := messaging.NewQueuedLocal()
	gw := gateway.New(gwDomain, gwAddr, gateway.Config{
		Transport:  "local",
		HubDomain:  hubDomain,
		HubGateway: hubAddr,
	}, local.Port(gwDomain, gwAddr), store.NewMemory())

	usdc, mint := token.New("USDC", 6)
	gw.AddToken(usdcAddr, usdc, synthHint)
	require.NoError(t, mint.Mint(alice, decimal.NewFromInt(1000)))

	return &fixture{gw: gw, local: local, usdc: usdc, mint: mint}
}

func releaseBody(t *testing.T, amount int64, seq uint64) []byte {
	t.Helper()
	body, err := wire.Message{
		Kind:         wire.KindRelease,
		Token:        usdcAddr,
		Recipient:    alice,
		Amount:       decimal.NewFromInt(amount),
		OriginDomain: hubDomain,
		Sequence:     seq,
	}.Encode()
	require.NoError(t, err)
	return body
}

func TestDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("locks collateral and dispatches to the hub", func(t *testing.T) {
		f := newFixture(t)
		id, err := f.gw.Deposit(ctx, usdcAddr, alice, decimal.NewFromInt(400), alice)
		require.NoError(t, err)
		assert.False(t, id == wire.MessageID{})

		assert.True(t, f.usdc.BalanceOf(alice).Equal(decimal.NewFromInt(600)))
		locked, err := f.gw.CustodyBalance(usdcAddr)
		require.NoError(t, err)
		assert.True(t, locked.Equal(decimal.NewFromInt(400)))

		pending := f.local.Pending()
		require.Len(t, pending, 1)
		assert.Equal(t, hubDomain, pending[0].DestDomain)
		assert.Equal(t, hubAddr, pending[0].DestAddress)
		assert.Equal(t, id, pending[0].ID)

		msg, err := wire.Decode(pending[0].Body)
		require.NoError(t, err)
		assert.Equal(t, wire.KindDeposit, msg.Kind)
		assert.Equal(t, usdcAddr, msg.Token)
		assert.Equal(t, alice, msg.Recipient)
		assert.True(t, msg.Amount.Equal(decimal.NewFromInt(400)))
		assert.Equal(t, gwDomain, msg.OriginDomain)
		assert.Equal(t, uint64(1), msg.Sequence)
	})

	t.Run("same amount twice yields distinct message ids", func(t *testing.T) {
		f := newFixture(t)
		id1, err := f.gw.Deposit(ctx, usdcAddr, alice, decimal.NewFromInt(100), alice)
		require.NoError(t, err)
		id2, err := f.gw.Deposit(ctx, usdcAddr, alice, decimal.NewFromInt(100), alice)
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)
	})

	t.Run("non-whitelisted token is rejected before custody", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.gw.Deposit(ctx, wire.AddressFromString("shadycoin"), alice, decimal.NewFromInt(10), alice)
		assert.ErrorIs(t, err, gateway.ErrNotWhitelisted)
		assert.True(t, f.usdc.BalanceOf(alice).Equal(decimal.NewFromInt(1000)))
		assert.Empty(t, f.local.Pending())
	})

	t.Run("de-whitelisted token is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.gw.RemoveToken(usdcAddr)
		_, err := f.gw.Deposit(ctx, usdcAddr, alice, decimal.NewFromInt(10), alice)
		assert.ErrorIs(t, err, gateway.ErrNotWhitelisted)
	})

	t.Run("insufficient depositor balance", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.gw.Deposit(ctx, usdcAddr, alice, decimal.NewFromInt(5000), alice)
		assert.ErrorIs(t, err, token.ErrInsufficientFunds)
		assert.True(t, f.usdc.BalanceOf(alice).Equal(decimal.NewFromInt(1000)))
		assert.Empty(t, f.local.Pending())
	})

	t.Run("failed dispatch refunds the custody pull", func(t *testing.T) {
		f := newFixture(t)
		f.gw.SetTransport(failingTransport{})

		_, err := f.gw.Deposit(ctx, usdcAddr, alice, decimal.NewFromInt(250), alice)
		require.Error(t, err)

		assert.True(t, f.usdc.BalanceOf(alice).Equal(decimal.NewFromInt(1000)))
		locked, err := f.gw.CustodyBalance(usdcAddr)
		require.NoError(t, err)
		assert.True(t, locked.IsZero())

		// Retry on a working transport picks up where nothing happened.
		f.gw.SetTransport(f.local.Port(gwDomain, gwAddr))
		_, err = f.gw.Deposit(ctx, usdcAddr, alice, decimal.NewFromInt(250), alice)
		require.NoError(t, err)
		msg, err := wire.Decode(f.local.Pending()[0].Body)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), msg.Sequence)
	})
}

func TestHandleRelease(t *testing.T) {
	ctx := context.Background()

	lock := func(t *testing.T, f *fixture, amount int64) {
		t.Helper()
		_, err := f.gw.Deposit(ctx, usdcAddr, alice, decimal.NewFromInt(amount), alice)
		require.NoError(t, err)
	}

	t.Run("releases custody to the recipient once", func(t *testing.T) {
		f := newFixture(t)
		lock(t, f, 400)
		body := releaseBody(t, 150, 1)

		require.NoError(t, f.gw.HandleRelease(ctx, hubDomain, hubAddr, body))
		assert.True(t, f.usdc.BalanceOf(alice).Equal(decimal.NewFromInt(750)))

		done, err := f.gw.IsMessageProcessed(ctx, wire.ComputeID(hubDomain, hubAddr, body))
		require.NoError(t, err)
		assert.True(t, done)

		// Redelivery is a success no-op.
		require.NoError(t, f.gw.HandleRelease(ctx, hubDomain, hubAddr, body))
		assert.True(t, f.usdc.BalanceOf(alice).Equal(decimal.NewFromInt(750)))
	})

	t.Run("only the configured hub may release", func(t *testing.T) {
		f := newFixture(t)
		lock(t, f, 400)
		body := releaseBody(t, 150, 1)

		assert.ErrorIs(t, f.gw.HandleRelease(ctx, 9, hubAddr, body), gateway.ErrUntrustedOrigin)
		assert.ErrorIs(t, f.gw.HandleRelease(ctx, hubDomain, wire.AddressFromString("impostor"), body), gateway.ErrUntrustedOrigin)
		assert.True(t, f.usdc.BalanceOf(alice).Equal(decimal.NewFromInt(600)))
	})

	t.Run("deposit kind is rejected", func(t *testing.T) {
		f := newFixture(t)
		body, err := wire.Message{
			Kind:         wire.KindDeposit,
			Token:        usdcAddr,
			Recipient:    alice,
			Amount:       decimal.NewFromInt(5),
			OriginDomain: hubDomain,
			Sequence:     1,
		}.Encode()
		require.NoError(t, err)
		err = f.gw.HandleRelease(ctx, hubDomain, hubAddr, body)
		assert.ErrorIs(t, err, gateway.ErrWrongKind)
		assert.True(t, messaging.IsUnretryable(err))
	})

	t.Run("garbage body is not retried", func(t *testing.T) {
		f := newFixture(t)
		err := f.gw.HandleRelease(ctx, hubDomain, hubAddr, []byte("junk"))
		require.Error(t, err)
		assert.True(t, messaging.IsUnretryable(err))
	})

	t.Run("release lands after the token is de-whitelisted", func(t *testing.T) {
		f := newFixture(t)
		lock(t, f, 400)
		f.gw.RemoveToken(usdcAddr)

		require.NoError(t, f.gw.HandleRelease(ctx, hubDomain, hubAddr, releaseBody(t, 400, 1)))
		assert.True(t, f.usdc.BalanceOf(alice).Equal(decimal.NewFromInt(1000)))
	})

	t.Run("unknown token has no custody handle", func(t *testing.T) {
		f := newFixture(t)
		body, err := wire.Message{
			Kind:         wire.KindRelease,
			Token:        wire.AddressFromString("mystery"),
			Recipient:    alice,
			Amount:       decimal.NewFromInt(5),
			OriginDomain: hubDomain,
			Sequence:     1,
		}.Encode()
		require.NoError(t, err)
		assert.ErrorIs(t, f.gw.HandleRelease(ctx, hubDomain, hubAddr, body), gateway.ErrUnknownToken)
	})

	t.Run("custody shortfall leaves the message unprocessed", func(t *testing.T) {
		f := newFixture(t)
		lock(t, f, 100)
		body := releaseBody(t, 150, 1)

		err := f.gw.HandleRelease(ctx, hubDomain, hubAddr, body)
		assert.ErrorIs(t, err, token.ErrInsufficientFunds)
		// Shortfall is an operational fault, not a poison message.
		assert.False(t, messaging.IsUnretryable(err))

		done, err := f.gw.IsMessageProcessed(ctx, wire.ComputeID(hubDomain, hubAddr, body))
		require.NoError(t, err)
		assert.False(t, done)

		// Top up custody and let the transport retry the same body.
		lock(t, f, 100)
		require.NoError(t, f.gw.HandleRelease(ctx, hubDomain, hubAddr, body))
	})
}

func TestTokenAdministration(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.gw.IsTokenWhitelisted(usdcAddr))
	assert.Equal(t, synthHint, f.gw.SyntheticHint(usdcAddr))

	f.gw.RemoveToken(usdcAddr)
	assert.False(t, f.gw.IsTokenWhitelisted(usdcAddr))
	// Handle survives removal.
	_, err := f.gw.CustodyBalance(usdcAddr)
	assert.NoError(t, err)

	assert.False(t, f.gw.IsTokenWhitelisted(wire.AddressFromString("never-added")))
	assert.True(t, f.gw.SyntheticHint(wire.AddressFromString("never-added")).IsZero())
}

func TestConfigUpdate(t *testing.T) {
	f := newFixture(t)
	next := gateway.Config{Transport: "nats://broker:4222", HubDomain: 5, HubGateway: wire.AddressFromString("hub-v2")}
	f.gw.UpdateCrossChainConfig(next)
	f.gw.UpdateCrossChainConfig(next)
	assert.Equal(t, next, f.gw.CrossChainConfig())
}
