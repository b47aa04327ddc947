// Package model defines the core domain types shared across the pool ledger.
// All monetary values are integer minor units (model.Amount), never float64
// for money. shopspring/decimal is used only at the edges for parsing and
// formatting and for exact intermediate products.
package model

import (
	"time"
)

// UserAccount holds a user's unallocated balance in each settlement currency.
type UserAccount struct {
	UserID          string    `json:"user_id" db:"user_id"`
	Address         string    `json:"address" db:"address"`
	UnallocatedSOL  Amount    `json:"unallocated_sol" db:"unallocated_sol"`
	UnallocatedUSDC Amount    `json:"unallocated_usdc" db:"unallocated_usdc"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Balance returns the unallocated balance for c.
func (a *UserAccount) Balance(c Currency) Amount {
	switch c {
	case CurrencySOL:
		return a.UnallocatedSOL
	case CurrencyUSDC:
		return a.UnallocatedUSDC
	}
	return 0
}

// PositionState is the lifecycle stage of a pool position.
type PositionState string

const (
	StateOpen               PositionState = "OPEN"
	StateFunded             PositionState = "FUNDED"
	StatePartiallyWithdrawn PositionState = "PARTIALLY_WITHDRAWN"
	StateClosed             PositionState = "CLOSED"
)

// PoolPosition is one external liquidity position inside a pool.
// Currency is NONE until the first funding and fixed afterwards.
type PoolPosition struct {
	Pool       string        `json:"pool" db:"pool"`
	PositionID string        `json:"position_id" db:"position_id"`
	Currency   Currency      `json:"currency" db:"currency"`
	Allocated  Amount        `json:"allocated" db:"allocated"`
	State      PositionState `json:"state" db:"state"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
}

// PoolShare is a user's claim on the allocated capital of a pool, in the
// pool's funding currency. A zero share is logically absent.
type PoolShare struct {
	UserID   string   `json:"user_id" db:"user_id"`
	Pool     string   `json:"pool" db:"pool"`
	Currency Currency `json:"currency" db:"currency"`
	Amount   Amount   `json:"amount" db:"amount"`
}

// ShareEntry is one row of a pool's shareholder list.
type ShareEntry struct {
	UserID string `json:"user_id"`
	Amount Amount `json:"amount"`
}

// BalanceEntry is one user's unallocated balance in a single currency.
type BalanceEntry struct {
	UserID string `json:"user_id"`
	Amount Amount `json:"amount"`
}

// CreditedTransfer records an inbound transfer that has been credited.
// TransferRef is unique; a second credit for the same ref is refused.
type CreditedTransfer struct {
	TransferRef string    `json:"transfer_ref" db:"transfer_ref"`
	UserID      string    `json:"user_id" db:"user_id"`
	Currency    Currency  `json:"currency" db:"currency"`
	Amount      Amount    `json:"amount" db:"amount"`
	CreditedAt  time.Time `json:"credited_at" db:"credited_at"`
}

// LedgerSnapshot is a point-in-time copy of every ledger record.
type LedgerSnapshot struct {
	TakenAt   time.Time          `json:"taken_at"`
	Accounts  []UserAccount      `json:"accounts"`
	Positions []PoolPosition     `json:"positions"`
	Shares    []PoolShare        `json:"shares"`
	Transfers []CreditedTransfer `json:"transfers"`
}
