package liquidity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-ledger/internal/liquidity"
	"github.com/atmx/pool-ledger/internal/liquidity/sim"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/rebalance"
	"github.com/atmx/pool-ledger/internal/store"
)

const usdc = 1_000_000

type env struct {
	svc    *liquidity.Service
	store  *store.MemoryStore
	pool   *sim.Pool
	router *sim.Router
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for id, bal := range map[string]model.Amount{"alice": 600 * usdc, "bob": 400 * usdc} {
		_, err := ms.CreateAccount(ctx, id, "")
		require.NoError(t, err)
		_, err = ms.AdjustUserBalance(ctx, id, model.CurrencyUSDC, bal)
		require.NoError(t, err)
	}
	pool := sim.NewPool(liquidity.Pair{X: model.CurrencySOL, Y: model.CurrencyUSDC})
	router := sim.NewRouter(decimal.NewFromInt(100), 0)
	engine := rebalance.NewEngine(ms, nil, nil)
	return &env{
		svc:    liquidity.NewService(pool, router, engine, ms),
		store:  ms,
		pool:   pool,
		router: router,
	}
}

func (e *env) balance(t *testing.T, user string) model.Amount {
	t.Helper()
	b, err := e.store.GetUserBalance(context.Background(), user, model.CurrencyUSDC)
	require.NoError(t, err)
	return b
}

func TestOpenAddRemove(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	pos, err := e.svc.OpenPosition(ctx, "SOL-USDC", liquidity.Range{MinBin: -10, MaxBin: 10})
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, pos.State)

	added, err := e.svc.AddLiquidity(ctx, liquidity.AddRequest{
		Pool:            "SOL-USDC",
		PositionID:      pos.PositionID,
		Amounts:         liquidity.Tokens{Y: 500 * usdc},
		DepositCurrency: model.CurrencyUSDC,
	})
	require.NoError(t, err)
	require.NotNil(t, added.Allocation)
	assert.Equal(t, model.Amount(500*usdc), added.Allocation.Moved)
	assert.Equal(t, model.Amount(300*usdc), e.balance(t, "alice"))
	assert.Equal(t, model.Amount(200*usdc), e.balance(t, "bob"))

	// One SOL of fees swaps into 100 USDC on the way out.
	require.NoError(t, e.pool.AccrueFees("SOL-USDC", pos.PositionID, liquidity.Tokens{X: 1_000_000_000}))

	removed, err := e.svc.RemoveLiquidity(ctx, liquidity.RemoveRequest{
		Pool:          "SOL-USDC",
		PositionID:    pos.PositionID,
		BPS:           rebalance.MaxBPS,
		ClaimAndClose: true,
		SwapTo:        model.CurrencyUSDC,
	})
	require.NoError(t, err)
	assert.Equal(t, model.Amount(600*usdc), removed.Proceeds)
	require.Len(t, removed.Swaps, 1)
	assert.Equal(t, model.CurrencySOL, removed.Swaps[0].In)
	assert.True(t, removed.Closed)

	assert.Equal(t, model.Amount(660*usdc), e.balance(t, "alice"))
	assert.Equal(t, model.Amount(440*usdc), e.balance(t, "bob"))

	_, err = e.store.GetPoolPosition(ctx, "SOL-USDC", pos.PositionID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	ext, err := e.pool.QueryPositions(ctx, "SOL-USDC")
	require.NoError(t, err)
	assert.Empty(t, ext)
}

func TestAddLiquidity_NoAllocation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, err := e.svc.OpenPosition(ctx, "p", liquidity.Range{})
	require.NoError(t, err)

	res, err := e.svc.AddLiquidity(ctx, liquidity.AddRequest{
		Pool:       "p",
		PositionID: pos.PositionID,
		Amounts:    liquidity.Tokens{X: 5, Y: 5},
	})
	require.NoError(t, err)
	assert.Nil(t, res.Allocation)
	assert.Equal(t, model.Amount(600*usdc), e.balance(t, "alice"))
}

func TestAddLiquidity_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.AddLiquidity(ctx, liquidity.AddRequest{Pool: "p", PositionID: "x"})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = e.svc.AddLiquidity(ctx, liquidity.AddRequest{
		Pool: "p", PositionID: "missing", Amounts: liquidity.Tokens{Y: 1}, DepositCurrency: model.CurrencyUSDC,
	})
	assert.ErrorIs(t, err, model.ErrExternalCall)

	e.pool.SetPair("odd", liquidity.Pair{X: model.CurrencySOL, Y: model.CurrencySOL})
	_, err = e.svc.AddLiquidity(ctx, liquidity.AddRequest{
		Pool: "odd", PositionID: "x", Amounts: liquidity.Tokens{Y: 1}, DepositCurrency: model.CurrencyUSDC,
	})
	assert.ErrorIs(t, err, model.ErrValidation)
}

// More than the users hold cannot be allocated; the pool still has the
// deposit so the caller must reconcile.
func TestAddLiquidity_ExceedsBalances(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, err := e.svc.OpenPosition(ctx, "p", liquidity.Range{})
	require.NoError(t, err)

	_, err = e.svc.AddLiquidity(ctx, liquidity.AddRequest{
		Pool: "p", PositionID: pos.PositionID, Amounts: liquidity.Tokens{Y: 2000 * usdc}, DepositCurrency: model.CurrencyUSDC,
	})
	assert.ErrorIs(t, err, model.ErrInvalidState)
	assert.Equal(t, model.Amount(600*usdc), e.balance(t, "alice"))
}

// A second position in the same pool and currency is refused before any
// tokens reach the pool.
func TestAddLiquidity_SecondFundedPosition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first, err := e.svc.OpenPosition(ctx, "p", liquidity.Range{})
	require.NoError(t, err)
	second, err := e.svc.OpenPosition(ctx, "p", liquidity.Range{})
	require.NoError(t, err)

	_, err = e.svc.AddLiquidity(ctx, liquidity.AddRequest{
		Pool: "p", PositionID: first.PositionID, Amounts: liquidity.Tokens{Y: 100 * usdc}, DepositCurrency: model.CurrencyUSDC,
	})
	require.NoError(t, err)

	_, err = e.svc.AddLiquidity(ctx, liquidity.AddRequest{
		Pool: "p", PositionID: second.PositionID, Amounts: liquidity.Tokens{Y: 50 * usdc}, DepositCurrency: model.CurrencyUSDC,
	})
	assert.ErrorIs(t, err, model.ErrInvalidState)

	ext, err := e.pool.QueryPositions(ctx, "p")
	require.NoError(t, err)
	for _, p := range ext {
		if p.PositionID == second.PositionID {
			assert.Zero(t, p.Tokens.Y, "rejected deposit must not reach the pool")
		}
	}
	assert.Equal(t, model.Amount(900*usdc), e.balance(t, "alice")+e.balance(t, "bob"))
}

func TestRemoveLiquidity_Partial(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, err := e.svc.OpenPosition(ctx, "p", liquidity.Range{})
	require.NoError(t, err)
	_, err = e.svc.AddLiquidity(ctx, liquidity.AddRequest{
		Pool: "p", PositionID: pos.PositionID, Amounts: liquidity.Tokens{Y: 100 * usdc}, DepositCurrency: model.CurrencyUSDC,
	})
	require.NoError(t, err)

	res, err := e.svc.RemoveLiquidity(ctx, liquidity.RemoveRequest{
		Pool: "p", PositionID: pos.PositionID, BPS: 5000, ClaimAndClose: true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.Amount(50*usdc), res.Proceeds)
	assert.False(t, res.Closed, "half a position stays open")
	assert.Equal(t, model.StatePartiallyWithdrawn, res.Deallocation.Position.State)
	assert.Equal(t, model.Amount(50*usdc), res.Deallocation.Position.Allocated)
}

func TestRemoveLiquidity_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, err := e.svc.OpenPosition(ctx, "p", liquidity.Range{})
	require.NoError(t, err)

	_, err = e.svc.RemoveLiquidity(ctx, liquidity.RemoveRequest{Pool: "p", PositionID: pos.PositionID, BPS: 0})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = e.svc.RemoveLiquidity(ctx, liquidity.RemoveRequest{Pool: "p", PositionID: "nope", BPS: 100})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = e.svc.RemoveLiquidity(ctx, liquidity.RemoveRequest{Pool: "p", PositionID: pos.PositionID, BPS: 100})
	assert.ErrorIs(t, err, model.ErrInvalidState, "unfunded position")

	_, err = e.svc.AddLiquidity(ctx, liquidity.AddRequest{
		Pool: "p", PositionID: pos.PositionID, Amounts: liquidity.Tokens{Y: usdc}, DepositCurrency: model.CurrencyUSDC,
	})
	require.NoError(t, err)
	_, err = e.svc.RemoveLiquidity(ctx, liquidity.RemoveRequest{
		Pool: "p", PositionID: pos.PositionID, BPS: 100, SwapTo: model.CurrencySOL,
	})
	assert.ErrorIs(t, err, model.ErrValidation, "settling in a currency other than the funding one")
}

func TestRemoveLiquidity_SwapFailureLeavesLedger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, err := e.svc.OpenPosition(ctx, "p", liquidity.Range{})
	require.NoError(t, err)
	_, err = e.svc.AddLiquidity(ctx, liquidity.AddRequest{
		Pool: "p", PositionID: pos.PositionID, Amounts: liquidity.Tokens{X: 1_000, Y: 10 * usdc}, DepositCurrency: model.CurrencyUSDC,
	})
	require.NoError(t, err)

	e.router.SetPrice(decimal.Zero)
	_, err = e.svc.RemoveLiquidity(ctx, liquidity.RemoveRequest{Pool: "p", PositionID: pos.PositionID, BPS: 10000})
	assert.ErrorIs(t, err, model.ErrExternalCall)

	got, err := e.store.GetPoolPosition(ctx, "p", pos.PositionID)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(10*usdc), got.Allocated)
}

func TestSwap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	q, err := e.svc.Swap(ctx, model.CurrencyUSDC, model.CurrencySOL, 250*usdc)
	require.NoError(t, err)
	assert.Equal(t, model.Amount(2_500_000_000), q.AmountOut)

	_, err = e.svc.Swap(ctx, model.CurrencySOL, model.CurrencySOL, 1)
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = e.svc.Swap(ctx, model.CurrencySOL, model.CurrencyUSDC, 0)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestClaimFeesAndPositions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pos, err := e.svc.OpenPosition(ctx, "p", liquidity.Range{})
	require.NoError(t, err)
	require.NoError(t, e.pool.AccrueFees("p", pos.PositionID, liquidity.Tokens{X: 7, Y: 9}))

	views, err := e.svc.Positions(ctx, "p")
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.NotNil(t, views[0].External)
	assert.Equal(t, model.Amount(9), views[0].External.Fees.Y)

	fees, err := e.svc.ClaimFees(ctx, "p", pos.PositionID)
	require.NoError(t, err)
	assert.Equal(t, liquidity.Tokens{X: 7, Y: 9}, fees)

	fees, err = e.svc.ClaimFees(ctx, "p", pos.PositionID)
	require.NoError(t, err)
	assert.Zero(t, fees)

	_, err = e.svc.ClaimFees(ctx, "p", "nope")
	assert.True(t, errors.Is(err, model.ErrExternalCall))

	all, err := e.svc.Positions(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Nil(t, all[0].External)
}
