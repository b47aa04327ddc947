package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/store"
)

// newPostgresStore connects to LEDGER_TEST_DATABASE_URL, applies the schema
// and truncates every table. Skips when the variable is unset.
func newPostgresStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "connect")
	t.Cleanup(pool.Close)

	ps := store.NewPostgresStore(pool)
	require.NoError(t, ps.RunMigrations(ctx), "migrate")
	_, err = pool.Exec(ctx, `TRUNCATE credited_transfers, pool_shares, pool_positions, user_accounts`)
	require.NoError(t, err, "truncate")
	return ps
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("LEDGER_TEST_REDIS_URL")
	if addr == "" {
		t.Skip("LEDGER_TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(addr)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestPostgresStore_BalanceAndShares(t *testing.T) {
	ps := newPostgresStore(t)
	ctx := context.Background()
	seedAccount(t, ps, "alice", 0, 100)

	_, err := ps.AdjustUserBalance(ctx, "alice", model.CurrencyUSDC, -101)
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	_, err = ps.AdjustUserBalance(ctx, "ghost", model.CurrencyUSDC, 1)
	require.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, ps.MoveToShare(ctx, "alice", "pool", model.CurrencyUSDC, 40))
	require.ErrorIs(t, ps.MoveToShare(ctx, "alice", "pool", model.CurrencyUSDC, 61), model.ErrInsufficientBalance)
	require.ErrorIs(t, ps.MoveFromShare(ctx, "alice", "pool", model.CurrencyUSDC, 41, 0), model.ErrInvariantViolation)

	bal, _ := ps.GetUserBalance(ctx, "alice", model.CurrencyUSDC)
	share, _ := ps.GetShare(ctx, "alice", "pool", model.CurrencyUSDC)
	assert.Equal(t, model.Amount(60), bal)
	assert.Equal(t, model.Amount(40), share)
}

func TestPostgresStore_PositionLifecycle(t *testing.T) {
	ps := newPostgresStore(t)
	ctx := context.Background()

	_, err := ps.OpenPosition(ctx, "pool", "p1")
	require.NoError(t, err)
	pos, err := ps.UpsertPoolPosition(ctx, "pool", "p1", model.CurrencySOL, 10)
	require.NoError(t, err)
	assert.Equal(t, model.StateFunded, pos.State)

	_, err = ps.UpsertPoolPosition(ctx, "pool", "p1", model.CurrencyUSDC, 1)
	require.ErrorIs(t, err, model.ErrValidation)

	pos, err = ps.UpsertPoolPosition(ctx, "pool", "p1", model.CurrencySOL, -10)
	require.NoError(t, err)
	assert.Equal(t, model.StateClosed, pos.State)
	_, err = ps.GetPoolPosition(ctx, "pool", "p1")
	assert.ErrorIs(t, err, model.ErrNotFound, "closed position should be gone")
}

func TestPostgresStore_CreditTransfer(t *testing.T) {
	ps := newPostgresStore(t)
	ctx := context.Background()
	seedAccount(t, ps, "alice", 0, 0)

	tr := model.CreditedTransfer{TransferRef: "tx1", UserID: "alice", Currency: model.CurrencySOL, Amount: 5}
	applied, bal, err := ps.CreditTransfer(ctx, tr)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.Amount(5), bal)

	applied, bal, err = ps.CreditTransfer(ctx, tr)
	require.NoError(t, err)
	assert.False(t, applied, "duplicate credit")
	assert.Equal(t, model.Amount(5), bal)

	tr.TransferRef, tr.UserID = "tx2", "ghost"
	_, _, err = ps.CreditTransfer(ctx, tr)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCachedStore_InvalidatesOnWrite(t *testing.T) {
	ps := newPostgresStore(t)
	rdb := newRedisClient(t)
	ctx := context.Background()
	rdb.FlushDB(ctx)

	cs := store.NewCachedStore(ps, rdb, 0)
	seedAccount(t, cs, "alice", 0, 10)

	// Populate the cache, then write through it.
	bal, _ := cs.GetUserBalance(ctx, "alice", model.CurrencyUSDC)
	require.Equal(t, model.Amount(10), bal)
	require.NoError(t, cs.MoveToShare(ctx, "alice", "pool", model.CurrencyUSDC, 4))
	bal, _ = cs.GetUserBalance(ctx, "alice", model.CurrencyUSDC)
	assert.Equal(t, model.Amount(6), bal, "stale cache")

	_, err := cs.UpsertPoolPosition(ctx, "pool", "p1", model.CurrencyUSDC, 4)
	require.NoError(t, err)
	pos, err := cs.GetPoolPosition(ctx, "pool", "p1")
	require.NoError(t, err)
	require.Equal(t, model.Amount(4), pos.Allocated)

	_, err = cs.UpsertPoolPosition(ctx, "pool", "p1", model.CurrencyUSDC, 2)
	require.NoError(t, err)
	pos, err = cs.GetPoolPosition(ctx, "pool", "p1")
	require.NoError(t, err)
	assert.Equal(t, model.Amount(6), pos.Allocated, "stale cache")
}

func TestRedisLocker(t *testing.T) {
	rdb := newRedisClient(t)

	l := store.NewRedisLocker(rdb, 5*time.Second, 10*time.Millisecond)
	ctx := context.Background()
	unlock, err := l.Lock(ctx, "pool-test")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "pool-test")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second lock should time out")

	unlock()
	unlock2, err := l.Lock(ctx, "pool-test")
	require.NoError(t, err, "lock after unlock")
	unlock2()
}
