// Package liquidity drives the external liquidity pool and swap router and
// feeds their results into the rebalancing engine.
package liquidity

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/pool-ledger/internal/metrics"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/rebalance"
	"github.com/atmx/pool-ledger/internal/store"
)

// Pair is the two currencies a pool trades, X then Y.
type Pair struct {
	X model.Currency `json:"x"`
	Y model.Currency `json:"y"`
}

// Side returns the amount of tokens on the side holding c.
func (p Pair) Side(t Tokens, c model.Currency) (model.Amount, bool) {
	switch c {
	case p.X:
		return t.X, true
	case p.Y:
		return t.Y, true
	}
	return 0, false
}

// Tokens is an amount of each side of a pair.
type Tokens struct {
	X model.Amount `json:"x"`
	Y model.Amount `json:"y"`
}

// Range selects the bins a new position covers.
type Range struct {
	MinBin   int    `json:"min_bin"`
	MaxBin   int    `json:"max_bin"`
	Strategy string `json:"strategy"`
}

// ExternalPosition is the pool's own view of a position.
type ExternalPosition struct {
	PositionID string `json:"position_id"`
	Tokens     Tokens `json:"tokens"`
	Fees       Tokens `json:"fees"`
}

// Released is what a removal or fee claim sent back to the service wallet.
type Released struct {
	Tokens Tokens `json:"tokens"`
	Fees   Tokens `json:"fees"`
}

// ExternalPoolClient manages positions in the external liquidity pool.
type ExternalPoolClient interface {
	Pair(ctx context.Context, pool string) (Pair, error)
	OpenPosition(ctx context.Context, pool string, r Range) (string, error)
	AddLiquidity(ctx context.Context, pool, positionID string, amounts Tokens) (Tokens, error)
	RemoveLiquidity(ctx context.Context, pool, positionID string, bps int, claimAndClose bool) (Released, error)
	ClosePosition(ctx context.Context, pool, positionID string) error
	QueryPositions(ctx context.Context, pool string) ([]ExternalPosition, error)
	ClaimFees(ctx context.Context, pool, positionID string) (Tokens, error)
}

// Quote is a priced swap ready to execute.
type Quote struct {
	In        model.Currency `json:"in"`
	Out       model.Currency `json:"out"`
	AmountIn  model.Amount   `json:"amount_in"`
	AmountOut model.Amount   `json:"amount_out"`
}

// ExternalSwapRouter converts one currency into another.
type ExternalSwapRouter interface {
	Quote(ctx context.Context, in, out model.Currency, amount model.Amount) (Quote, error)
	Execute(ctx context.Context, q Quote) (model.Amount, error)
}

// Service orchestrates the external collaborators and the engine.
// Collaborator errors are wrapped as ErrExternalCall and never retried.
type Service struct {
	pool   ExternalPoolClient
	router ExternalSwapRouter
	engine *rebalance.Engine
	store  store.Store
}

// NewService creates a liquidity service.
func NewService(pool ExternalPoolClient, router ExternalSwapRouter, engine *rebalance.Engine, st store.Store) *Service {
	return &Service{pool: pool, router: router, engine: engine, store: st}
}

// Pair returns the currencies pool trades.
func (s *Service) Pair(ctx context.Context, pool string) (Pair, error) {
	p, err := s.pool.Pair(ctx, pool)
	if err = external("pool", "pair", err); err != nil {
		return Pair{}, err
	}
	return p, nil
}

// OpenPosition creates a position in the external pool and records it OPEN.
func (s *Service) OpenPosition(ctx context.Context, pool string, r Range) (*model.PoolPosition, error) {
	if pool == "" {
		return nil, fmt.Errorf("pool is required: %w", model.ErrValidation)
	}
	if r.MinBin > r.MaxBin {
		return nil, fmt.Errorf("bin range %d..%d is empty: %w", r.MinBin, r.MaxBin, model.ErrValidation)
	}
	id, err := s.pool.OpenPosition(ctx, pool, r)
	if err = external("pool", "open_position", err); err != nil {
		return nil, err
	}
	pos, err := s.store.OpenPosition(ctx, pool, id)
	if err != nil {
		return nil, err
	}
	slog.Info("position opened", "pool", pool, "position", id, "min_bin", r.MinBin, "max_bin", r.MaxBin)
	return pos, nil
}

// AddRequest adds liquidity to an existing position. When DepositCurrency
// is a settlement currency the amount the pool accepted on that side is
// allocated from users' unallocated balances.
type AddRequest struct {
	Pool            string         `json:"pool"`
	PositionID      string         `json:"position_id"`
	Amounts         Tokens         `json:"amounts"`
	DepositCurrency model.Currency `json:"deposit_currency"`
}

// AddResult is what the pool accepted and how it was allocated.
type AddResult struct {
	Deposited  Tokens            `json:"deposited"`
	Allocation *rebalance.Result `json:"allocation,omitempty"`
}

// AddLiquidity deposits into the external position then allocates.
func (s *Service) AddLiquidity(ctx context.Context, req AddRequest) (*AddResult, error) {
	if req.Pool == "" || req.PositionID == "" {
		return nil, fmt.Errorf("pool and position are required: %w", model.ErrValidation)
	}
	if req.Amounts.X < 0 || req.Amounts.Y < 0 || req.Amounts.X+req.Amounts.Y == 0 {
		return nil, fmt.Errorf("amounts %+v must be non-negative and non-zero: %w", req.Amounts, model.ErrValidation)
	}
	var pair Pair
	if req.DepositCurrency != model.CurrencyNone {
		if !req.DepositCurrency.Settlement() {
			return nil, fmt.Errorf("deposit currency %s: %w", req.DepositCurrency, model.ErrValidation)
		}
		p, err := s.pool.Pair(ctx, req.Pool)
		if err = external("pool", "pair", err); err != nil {
			return nil, err
		}
		if _, ok := p.Side(Tokens{}, req.DepositCurrency); !ok {
			return nil, fmt.Errorf("pool %s does not hold %s: %w", req.Pool, req.DepositCurrency, model.ErrValidation)
		}
		if err := s.engine.CheckFundable(ctx, req.Pool, req.PositionID, req.DepositCurrency); err != nil {
			return nil, err
		}
		pair = p
	}

	deposited, err := s.pool.AddLiquidity(ctx, req.Pool, req.PositionID, req.Amounts)
	if err = external("pool", "add_liquidity", err); err != nil {
		return nil, err
	}
	res := &AddResult{Deposited: deposited}
	if req.DepositCurrency == model.CurrencyNone {
		slog.Info("liquidity added without allocation", "pool", req.Pool, "position", req.PositionID)
		return res, nil
	}

	amount, _ := pair.Side(deposited, req.DepositCurrency)
	alloc, err := s.engine.Allocate(ctx, rebalance.AllocateRequest{
		Pool:       req.Pool,
		PositionID: req.PositionID,
		Currency:   req.DepositCurrency,
		Amount:     amount,
	})
	if err != nil {
		slog.Error("liquidity added but allocation failed",
			"pool", req.Pool, "position", req.PositionID, "amount", amount, "err", err)
		return nil, err
	}
	res.Allocation = alloc
	return res, nil
}

// RemoveRequest removes BPS of a position's liquidity. Every released token
// not already in the position's funding currency is swapped into it, and
// the total becomes the proceeds credited back to shareholders.
type RemoveRequest struct {
	Pool          string         `json:"pool"`
	PositionID    string         `json:"position_id"`
	BPS           int            `json:"bps"`
	ClaimAndClose bool           `json:"claim_and_close"`
	SwapTo        model.Currency `json:"swap_to"`
}

// RemoveResult reports the external removal, swaps and deallocation.
type RemoveResult struct {
	Released     Released          `json:"released"`
	Swaps        []Quote           `json:"swaps"`
	Proceeds     model.Amount      `json:"proceeds"`
	Deallocation *rebalance.Result `json:"deallocation"`
	Closed       bool              `json:"closed"`
}

// RemoveLiquidity withdraws from the external position and deallocates.
func (s *Service) RemoveLiquidity(ctx context.Context, req RemoveRequest) (*RemoveResult, error) {
	if req.BPS <= 0 || req.BPS > rebalance.MaxBPS {
		return nil, fmt.Errorf("bps %d outside 1..%d: %w", req.BPS, rebalance.MaxBPS, model.ErrValidation)
	}
	pos, err := s.store.GetPoolPosition(ctx, req.Pool, req.PositionID)
	if err != nil {
		return nil, err
	}
	target := pos.Currency
	if req.SwapTo != model.CurrencyNone && req.SwapTo != target {
		return nil, fmt.Errorf("position %s/%s is funded in %s, cannot settle in %s: %w",
			req.Pool, req.PositionID, target, req.SwapTo, model.ErrValidation)
	}
	if !target.Settlement() {
		return nil, fmt.Errorf("position %s/%s has no allocation: %w", req.Pool, req.PositionID, model.ErrInvalidState)
	}

	pair, err := s.pool.Pair(ctx, req.Pool)
	if err = external("pool", "pair", err); err != nil {
		return nil, err
	}
	released, err := s.pool.RemoveLiquidity(ctx, req.Pool, req.PositionID, req.BPS, req.ClaimAndClose)
	if err = external("pool", "remove_liquidity", err); err != nil {
		return nil, err
	}
	res := &RemoveResult{Released: released, Swaps: []Quote{}}

	legs := []struct {
		c      model.Currency
		amount model.Amount
	}{
		{pair.X, released.Tokens.X + released.Fees.X},
		{pair.Y, released.Tokens.Y + released.Fees.Y},
	}
	for _, leg := range legs {
		if leg.amount == 0 {
			continue
		}
		if leg.c == target {
			res.Proceeds += leg.amount
			continue
		}
		q, out, err := s.swap(ctx, leg.c, target, leg.amount)
		if err != nil {
			// The pool has already released the funds; the ledger is not
			// updated until an operator re-drives the deallocation.
			slog.Error("swap of released liquidity failed",
				"pool", req.Pool, "position", req.PositionID, "in", leg.c.String(), "amount", leg.amount, "err", err)
			return nil, err
		}
		res.Swaps = append(res.Swaps, q)
		res.Proceeds += out
	}

	dealloc, err := s.engine.Deallocate(ctx, rebalance.DeallocateRequest{
		Pool:       req.Pool,
		PositionID: req.PositionID,
		Currency:   target,
		BPS:        req.BPS,
		Proceeds:   res.Proceeds,
	})
	if err != nil {
		return nil, err
	}
	res.Deallocation = dealloc

	if req.ClaimAndClose && dealloc.Position != nil && dealloc.Position.State == model.StateClosed {
		err := s.pool.ClosePosition(ctx, req.Pool, req.PositionID)
		if err = external("pool", "close_position", err); err != nil {
			return res, err
		}
		res.Closed = true
	}
	slog.Info("liquidity removed",
		"pool", req.Pool,
		"position", req.PositionID,
		"bps", req.BPS,
		"proceeds", res.Proceeds.Format(target),
		"currency", target.String(),
		"closed", res.Closed,
	)
	return res, nil
}

// Swap converts amount of in into out through the router.
func (s *Service) Swap(ctx context.Context, in, out model.Currency, amount model.Amount) (*Quote, error) {
	if !in.Settlement() || !out.Settlement() || in == out {
		return nil, fmt.Errorf("swap %s to %s: %w", in, out, model.ErrValidation)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("swap amount %d must be positive: %w", amount, model.ErrValidation)
	}
	q, got, err := s.swap(ctx, in, out, amount)
	if err != nil {
		return nil, err
	}
	q.AmountOut = got
	return &q, nil
}

func (s *Service) swap(ctx context.Context, in, out model.Currency, amount model.Amount) (Quote, model.Amount, error) {
	q, err := s.router.Quote(ctx, in, out, amount)
	if err = external("router", "quote", err); err != nil {
		return Quote{}, 0, err
	}
	got, err := s.router.Execute(ctx, q)
	if err = external("router", "execute", err); err != nil {
		return q, 0, err
	}
	return q, got, nil
}

// ClaimFees collects a position's accrued fees into the service wallet.
func (s *Service) ClaimFees(ctx context.Context, pool, positionID string) (Tokens, error) {
	fees, err := s.pool.ClaimFees(ctx, pool, positionID)
	if err = external("pool", "claim_fees", err); err != nil {
		return Tokens{}, err
	}
	slog.Info("fees claimed", "pool", pool, "position", positionID, "x", fees.X, "y", fees.Y)
	return fees, nil
}

// PositionView joins the ledger record with the pool's view of it.
type PositionView struct {
	model.PoolPosition
	External *ExternalPosition `json:"external,omitempty"`
}

// Positions lists the ledger positions of pool (all when ""), joined with
// the external pool's state when a pool is given.
func (s *Service) Positions(ctx context.Context, pool string) ([]PositionView, error) {
	positions, err := s.store.ListPositions(ctx, pool)
	if err != nil {
		return nil, err
	}
	views := make([]PositionView, len(positions))
	for i, p := range positions {
		views[i] = PositionView{PoolPosition: p}
	}
	if pool == "" || len(views) == 0 {
		return views, nil
	}

	ext, err := s.pool.QueryPositions(ctx, pool)
	if err = external("pool", "query_positions", err); err != nil {
		return nil, err
	}
	byID := make(map[string]*ExternalPosition, len(ext))
	for i := range ext {
		byID[ext[i].PositionID] = &ext[i]
	}
	for i := range views {
		views[i].External = byID[views[i].PositionID]
	}
	return views, nil
}

// external records a collaborator call and wraps its error.
func external(target, op string, err error) error {
	metrics.ExternalCalls.WithLabelValues(target, op, metrics.Result(err)).Inc()
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %v: %w", target, op, err, model.ErrExternalCall)
}
