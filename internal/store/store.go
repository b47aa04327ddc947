// Package store defines the persistence interface for the pool ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and the simulator).
//
// The store is the only component allowed to touch persisted state. Every
// method mutating more than one record applies it as a single atomic unit.
package store

import (
	"context"
	"sort"

	"github.com/atmx/pool-ledger/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- User accounts ---

	// CreateAccount persists a new account with zero balances.
	CreateAccount(ctx context.Context, userID, address string) (*model.UserAccount, error)

	// GetAccount retrieves an account by user ID.
	GetAccount(ctx context.Context, userID string) (*model.UserAccount, error)

	// GetUserBalance returns the unallocated balance of one currency.
	GetUserBalance(ctx context.Context, userID string, c model.Currency) (model.Amount, error)

	// AdjustUserBalance adds delta and returns the new balance. A result
	// below zero fails with ErrInsufficientBalance and changes nothing.
	AdjustUserBalance(ctx context.Context, userID string, c model.Currency, delta model.Amount) (model.Amount, error)

	// ListBalances returns every account's balance in c, in account
	// creation order.
	ListBalances(ctx context.Context, c model.Currency) ([]model.BalanceEntry, error)

	// --- Pool positions ---

	// OpenPosition records a new position in state OPEN with no allocation.
	OpenPosition(ctx context.Context, pool, positionID string) (*model.PoolPosition, error)

	// GetPoolPosition retrieves a position; ErrNotFound if absent.
	GetPoolPosition(ctx context.Context, pool, positionID string) (*model.PoolPosition, error)

	// UpsertPoolPosition adds deltaAllocated to a position, creating it when
	// absent. The currency tag is set on first funding and may not change.
	// When a funded position drops to zero it is removed and the returned
	// copy carries StateClosed.
	UpsertPoolPosition(ctx context.Context, pool, positionID string, c model.Currency, deltaAllocated model.Amount) (*model.PoolPosition, error)

	// DeletePosition removes a position record.
	DeletePosition(ctx context.Context, pool, positionID string) error

	// ListPositions returns the positions of pool, or all when pool is "".
	ListPositions(ctx context.Context, pool string) ([]model.PoolPosition, error)

	// --- Pool shares ---

	// GetShare returns a user's share, zero when absent.
	GetShare(ctx context.Context, userID, pool string, c model.Currency) (model.Amount, error)

	// AdjustShare adds delta to a share. A negative result fails with
	// ErrInvariantViolation and changes nothing.
	AdjustShare(ctx context.Context, userID, pool string, c model.Currency, delta model.Amount) (model.Amount, error)

	// ListShares returns the non-zero shares of pool in insertion order.
	ListShares(ctx context.Context, pool string, c model.Currency) ([]model.ShareEntry, error)

	// ListUserShares returns every non-zero share held by a user.
	ListUserShares(ctx context.Context, userID string) ([]model.PoolShare, error)

	// --- Atomic compound units ---

	// MoveToShare debits amount from the user's unallocated balance and
	// credits the same amount to their share in pool.
	MoveToShare(ctx context.Context, userID, pool string, c model.Currency, amount model.Amount) error

	// MoveFromShare debits shareDebit from the user's share in pool and
	// credits credit to their unallocated balance.
	MoveFromShare(ctx context.Context, userID, pool string, c model.Currency, shareDebit, credit model.Amount) error

	// CreditTransfer records t and credits t.Amount to the user. If
	// t.TransferRef was already recorded nothing changes and applied is false.
	CreditTransfer(ctx context.Context, t model.CreditedTransfer) (applied bool, balance model.Amount, err error)

	// GetCreditedTransfer returns the record for ref; ErrNotFound if absent.
	GetCreditedTransfer(ctx context.Context, ref string) (*model.CreditedTransfer, error)

	// Snapshot returns a consistent copy of every record.
	Snapshot(ctx context.Context) (*model.LedgerSnapshot, error)
}

// PoolLocker serializes allocation and deallocation batches per pool.
type PoolLocker interface {
	// Lock blocks until the pool is held or ctx is done. The returned
	// function releases the lock and is safe to call more than once.
	Lock(ctx context.Context, pool string) (func(), error)
}

// nextState returns the lifecycle state after an allocation change.
func nextState(cur model.PositionState, allocated, delta model.Amount) model.PositionState {
	switch {
	case allocated == 0 && cur != model.StateOpen:
		return model.StateClosed
	case delta < 0:
		return model.StatePartiallyWithdrawn
	case delta > 0 && cur == model.StateOpen:
		return model.StateFunded
	}
	return cur
}

func sortPositions(ps []model.PoolPosition) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Pool != ps[j].Pool {
			return ps[i].Pool < ps[j].Pool
		}
		return ps[i].PositionID < ps[j].PositionID
	})
}

func sortShares(ss []model.PoolShare) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].Pool != ss[j].Pool {
			return ss[i].Pool < ss[j].Pool
		}
		if ss[i].Currency != ss[j].Currency {
			return ss[i].Currency < ss[j].Currency
		}
		return ss[i].UserID < ss[j].UserID
	})
}

func sortTransfers(ts []model.CreditedTransfer) {
	sort.Slice(ts, func(i, j int) bool {
		return ts[i].TransferRef < ts[j].TransferRef
	})
}
