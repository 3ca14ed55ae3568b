package hub_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/bridgehub/internal/gateway"
	"github.com/terminal-bench/bridgehub/internal/store"
	"github.com/terminal-bench/bridgehub/pkg/token"
)

// Wires a source gateway and the hub over the queued in-process
// transport so the test controls delivery order and duplication.
func newBridge(t *testing.T) (*fixture, *gateway.Gateway, *token.Token) {
	t.Helper()
	f := newFixture(t)

	gw := gateway.New(domainA, gatewayA, gateway.Config{
		Transport:  "local",
		HubDomain:  hubDomain,
		HubGateway: hubAddr,
	}, f.local.Port(domainA, gatewayA), store.NewMemory())

	usdc, mint := token.New("USDC", 6)
	gw.AddToken(usdcOnA, usdc, synthAddr)
	require.NoError(t, mint.Mint(alice, decimal.NewFromInt(1000)))

	f.local.Bind(hubDomain, hubAddr, f.ledger.Handle)
	f.local.Bind(domainA, gatewayA, gw.HandleRelease)
	return f, gw, usdc
}

func TestDepositFlow(t *testing.T) {
	ctx := context.Background()
	f, gw, usdc := newBridge(t)

	id, err := gw.Deposit(ctx, usdcOnA, alice, decimal.NewFromInt(400), alice)
	require.NoError(t, err)

	// Nothing credited until the transport delivers.
	assert.True(t, f.balance(t, alice, synthAddr).IsZero())

	pending := f.local.Pending()
	require.Len(t, pending, 1)
	f.local.DeliverAll(ctx)

	assert.True(t, f.balance(t, alice, synthAddr).Equal(decimal.NewFromInt(400)))
	assert.True(t, usdc.BalanceOf(alice).Equal(decimal.NewFromInt(600)))
	assert.True(t, usdc.BalanceOf(gatewayA).Equal(decimal.NewFromInt(400)))

	// The transport redelivers the same message; the credit must not double.
	require.NoError(t, f.local.Deliver(ctx, pending[0]))
	assert.True(t, f.balance(t, alice, synthAddr).Equal(decimal.NewFromInt(400)))
	assert.True(t, f.synth.TotalSupply().Equal(decimal.NewFromInt(400)))

	done, err := f.ledger.IsMessageProcessed(ctx, id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRoundTripFlow(t *testing.T) {
	ctx := context.Background()
	f, gw, usdc := newBridge(t)

	_, err := gw.Deposit(ctx, usdcOnA, alice, decimal.NewFromInt(400), alice)
	require.NoError(t, err)
	f.local.DeliverAll(ctx)

	_, err = f.ledger.RequestWithdraw(ctx, alice, synthAddr, decimal.NewFromInt(150), domainA)
	require.NoError(t, err)

	// Hub-side state settles before the release lands.
	assert.True(t, f.balance(t, alice, synthAddr).Equal(decimal.NewFromInt(250)))
	assert.True(t, f.synth.TotalSupply().Equal(decimal.NewFromInt(250)))

	release := f.local.Pending()
	require.Len(t, release, 1)
	f.local.DeliverAll(ctx)

	assert.True(t, usdc.BalanceOf(alice).Equal(decimal.NewFromInt(750)))
	assert.True(t, usdc.BalanceOf(gatewayA).Equal(decimal.NewFromInt(250)))

	// Duplicate release delivery is a no-op.
	require.NoError(t, f.local.Deliver(ctx, release[0]))
	assert.True(t, usdc.BalanceOf(alice).Equal(decimal.NewFromInt(750)))

	// Collateral locked equals synthetic supply equals hub balances.
	assert.True(t, usdc.BalanceOf(gatewayA).Equal(f.synth.TotalSupply()))
	assert.True(t, f.balance(t, alice, synthAddr).Equal(f.synth.TotalSupply()))
}

func TestOutOfOrderDelivery(t *testing.T) {
	ctx := context.Background()
	f, gw, _ := newBridge(t)

	_, err := gw.Deposit(ctx, usdcOnA, alice, decimal.NewFromInt(100), alice)
	require.NoError(t, err)
	_, err = gw.Deposit(ctx, usdcOnA, alice, decimal.NewFromInt(50), alice)
	require.NoError(t, err)

	pending := f.local.Pending()
	require.Len(t, pending, 2)

	// Second deposit arrives first; both still apply exactly once.
	require.NoError(t, f.local.Deliver(ctx, pending[1]))
	require.NoError(t, f.local.Deliver(ctx, pending[0]))
	require.NoError(t, f.local.Deliver(ctx, pending[1]))

	assert.True(t, f.balance(t, alice, synthAddr).Equal(decimal.NewFromInt(150)))
	assert.True(t, f.synth.TotalSupply().Equal(decimal.NewFromInt(150)))
}
