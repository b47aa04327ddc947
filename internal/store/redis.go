package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pool-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for accounts and positions. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, userID, address string) (*model.UserAccount, error) {
	acct, err := s.primary.CreateAccount(ctx, userID, address)
	if err != nil {
		return nil, err
	}
	s.put(ctx, accountKey(userID), acct)
	return acct, nil
}

func (s *CachedStore) AdjustUserBalance(ctx context.Context, userID string, c model.Currency, delta model.Amount) (model.Amount, error) {
	defer s.invalidate(ctx, accountKey(userID))
	return s.primary.AdjustUserBalance(ctx, userID, c, delta)
}

func (s *CachedStore) OpenPosition(ctx context.Context, pool, positionID string) (*model.PoolPosition, error) {
	p, err := s.primary.OpenPosition(ctx, pool, positionID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, positionKeyStr(pool, positionID), p)
	return p, nil
}

func (s *CachedStore) UpsertPoolPosition(ctx context.Context, pool, positionID string, c model.Currency, deltaAllocated model.Amount) (*model.PoolPosition, error) {
	defer s.invalidate(ctx, positionKeyStr(pool, positionID))
	return s.primary.UpsertPoolPosition(ctx, pool, positionID, c, deltaAllocated)
}

func (s *CachedStore) DeletePosition(ctx context.Context, pool, positionID string) error {
	defer s.invalidate(ctx, positionKeyStr(pool, positionID))
	return s.primary.DeletePosition(ctx, pool, positionID)
}

func (s *CachedStore) MoveToShare(ctx context.Context, userID, pool string, c model.Currency, amount model.Amount) error {
	defer s.invalidate(ctx, accountKey(userID))
	return s.primary.MoveToShare(ctx, userID, pool, c, amount)
}

func (s *CachedStore) MoveFromShare(ctx context.Context, userID, pool string, c model.Currency, shareDebit, credit model.Amount) error {
	defer s.invalidate(ctx, accountKey(userID))
	return s.primary.MoveFromShare(ctx, userID, pool, c, shareDebit, credit)
}

func (s *CachedStore) CreditTransfer(ctx context.Context, t model.CreditedTransfer) (bool, model.Amount, error) {
	defer s.invalidate(ctx, accountKey(t.UserID))
	return s.primary.CreditTransfer(ctx, t)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	var acct model.UserAccount
	if s.get(ctx, accountKey(userID), &acct) {
		return &acct, nil
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, accountKey(userID), a)
	return a, nil
}

func (s *CachedStore) GetUserBalance(ctx context.Context, userID string, c model.Currency) (model.Amount, error) {
	if !c.Settlement() {
		return 0, fmt.Errorf("balance currency %s: %w", c, model.ErrValidation)
	}
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance(c), nil
}

func (s *CachedStore) GetPoolPosition(ctx context.Context, pool, positionID string) (*model.PoolPosition, error) {
	var p model.PoolPosition
	if s.get(ctx, positionKeyStr(pool, positionID), &p) {
		return &p, nil
	}

	pos, err := s.primary.GetPoolPosition(ctx, pool, positionID)
	if err != nil {
		return nil, err
	}
	s.put(ctx, positionKeyStr(pool, positionID), pos)
	return pos, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListBalances(ctx context.Context, c model.Currency) ([]model.BalanceEntry, error) {
	return s.primary.ListBalances(ctx, c)
}

func (s *CachedStore) ListPositions(ctx context.Context, pool string) ([]model.PoolPosition, error) {
	return s.primary.ListPositions(ctx, pool)
}

func (s *CachedStore) GetShare(ctx context.Context, userID, pool string, c model.Currency) (model.Amount, error) {
	return s.primary.GetShare(ctx, userID, pool, c)
}

func (s *CachedStore) AdjustShare(ctx context.Context, userID, pool string, c model.Currency, delta model.Amount) (model.Amount, error) {
	return s.primary.AdjustShare(ctx, userID, pool, c, delta)
}

func (s *CachedStore) ListShares(ctx context.Context, pool string, c model.Currency) ([]model.ShareEntry, error) {
	return s.primary.ListShares(ctx, pool, c)
}

func (s *CachedStore) ListUserShares(ctx context.Context, userID string) ([]model.PoolShare, error) {
	return s.primary.ListUserShares(ctx, userID)
}

func (s *CachedStore) GetCreditedTransfer(ctx context.Context, ref string) (*model.CreditedTransfer, error) {
	return s.primary.GetCreditedTransfer(ctx, ref)
}

func (s *CachedStore) Snapshot(ctx context.Context) (*model.LedgerSnapshot, error) {
	return s.primary.Snapshot(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidate runs after the primary write, so it uses a context that
// survives a cancelled request.
func (s *CachedStore) invalidate(ctx context.Context, key string) {
	s.rdb.Del(context.WithoutCancel(ctx), key)
}

func accountKey(uid string) string                 { return fmt.Sprintf("account:%s", uid) }
func positionKeyStr(pool, positionID string) string { return fmt.Sprintf("position:%s:%s", pool, positionID) }

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
