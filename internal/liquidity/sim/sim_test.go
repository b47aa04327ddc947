package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-ledger/internal/confirm"
	"github.com/atmx/pool-ledger/internal/liquidity"
	"github.com/atmx/pool-ledger/internal/model"
)

func TestRouterQuote(t *testing.T) {
	r := NewRouter(decimal.RequireFromString("150.5"), 30)
	ctx := context.Background()

	q, err := r.Quote(ctx, model.CurrencySOL, model.CurrencyUSDC, 2_000_000_000)
	require.NoError(t, err)
	// 2 SOL * 150.5 * 0.997
	assert.Equal(t, model.Amount(300_097_000), q.AmountOut)

	got, err := r.Execute(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, q.AmountOut, got)

	_, err = r.Quote(ctx, model.CurrencySOL, model.CurrencySOL, 1)
	assert.Error(t, err)
}

func TestPoolRemoveRoundsDown(t *testing.T) {
	p := NewPool(liquidity.Pair{X: model.CurrencySOL, Y: model.CurrencyUSDC})
	ctx := context.Background()
	id, err := p.OpenPosition(ctx, "p", liquidity.Range{})
	require.NoError(t, err)
	_, err = p.AddLiquidity(ctx, "p", id, liquidity.Tokens{X: 3, Y: 101})
	require.NoError(t, err)

	rel, err := p.RemoveLiquidity(ctx, "p", id, 5000, false)
	require.NoError(t, err)
	assert.Equal(t, liquidity.Tokens{X: 1, Y: 50}, rel.Tokens)

	assert.Error(t, p.ClosePosition(ctx, "p", id), "liquidity remains")
	_, err = p.RemoveLiquidity(ctx, "p", id, 10000, true)
	require.NoError(t, err)
	require.NoError(t, p.ClosePosition(ctx, "p", id))
}

func TestOracle(t *testing.T) {
	o := NewOracle(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		s, err := o.Lookup(ctx, "tx")
		require.NoError(t, err)
		assert.Equal(t, confirm.StatusPending, s)
	}
	s, _ := o.Lookup(ctx, "tx")
	assert.Equal(t, confirm.StatusFinalized, s)

	o.Set("bad", confirm.StatusFailed)
	s, _ = o.Lookup(ctx, "bad")
	assert.Equal(t, confirm.StatusFailed, s)
}

func TestPayout(t *testing.T) {
	p := NewPayout()
	ctx := context.Background()

	ref, err := p.Send(ctx, model.CurrencySOL, "dest", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	p.FailWith(errors.New("wallet locked"))
	_, err = p.Send(ctx, model.CurrencySOL, "dest", 10)
	assert.Error(t, err)
	assert.Len(t, p.Sent(), 1)
}
