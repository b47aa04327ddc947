// Package rebalance converts capital between users' unallocated balances
// and their shares of pool positions.
//
// Allocation takes capital from every user in proportion to their
// unallocated balance; deallocation returns pool proceeds in proportion to
// each user's share. All arithmetic is in integer minor units: each user
// gets the floor of their exact pro-rata amount and the leftover units go
// to the largest fractional remainders, so the per-user amounts always sum
// to the batch amount.
package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-ledger/internal/metrics"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/store"
)

// MaxBPS is 100% in basis points.
const MaxBPS = 10000

// Engine runs allocation and deallocation batches. Batches on the same pool
// are serialized through the locker.
type Engine struct {
	store  store.Store
	locker store.PoolLocker
	events model.Publisher
}

// NewEngine creates an engine. A nil locker gets an in-process KeyLocker.
func NewEngine(st store.Store, locker store.PoolLocker, events model.Publisher) *Engine {
	if locker == nil {
		locker = store.NewKeyLocker()
	}
	if events == nil {
		events = model.NopPublisher{}
	}
	return &Engine{store: st, locker: locker, events: events}
}

// AllocateRequest moves Amount of Currency from users into a position.
type AllocateRequest struct {
	Pool       string         `json:"pool"`
	PositionID string         `json:"position_id"`
	Currency   model.Currency `json:"currency"`
	Amount     model.Amount   `json:"amount"`
}

// DeallocateRequest withdraws BPS of every share and credits Proceeds back.
type DeallocateRequest struct {
	Pool       string         `json:"pool"`
	PositionID string         `json:"position_id"`
	Currency   model.Currency `json:"currency"`
	BPS        int            `json:"bps"`
	Proceeds   model.Amount   `json:"proceeds"`
}

// UserDelta is one user's applied change. Balance is the change to their
// unallocated balance, Share the change to their pool share.
type UserDelta struct {
	UserID  string       `json:"user_id"`
	Balance model.Amount `json:"balance_delta"`
	Share   model.Amount `json:"share_delta"`
}

// UserFailure is a per-user step that failed; the batch moved on.
type UserFailure struct {
	UserID string     `json:"user_id"`
	Kind   model.Kind `json:"kind"`
	Error  string     `json:"error"`
}

// Result reports what a batch did.
type Result struct {
	Pool       string              `json:"pool"`
	PositionID string              `json:"position_id"`
	Currency   model.Currency      `json:"currency"`
	Rate       string              `json:"rate,omitempty"`
	Total      model.Amount        `json:"total"`
	Moved      model.Amount        `json:"moved"`
	Unassigned model.Amount        `json:"unassigned,omitempty"`
	Applied    []UserDelta         `json:"applied"`
	Skipped    []string            `json:"skipped,omitempty"`
	Failed     []UserFailure       `json:"failed,omitempty"`
	Position   *model.PoolPosition `json:"position,omitempty"`
}

// Allocate records Amount into the position and converts the same amount of
// unallocated balance into pool shares, pro-rata to each user's balance.
// A pool holds at most one funded position per currency; funding a second
// one fails with ErrInvalidState. Any part of Amount not converted into
// shares is reported as Unassigned.
func (e *Engine) Allocate(ctx context.Context, req AllocateRequest) (*Result, error) {
	if err := validateTarget(req.Pool, req.PositionID, req.Currency); err != nil {
		return nil, err
	}
	if req.Amount < 0 {
		return nil, fmt.Errorf("allocate amount %d is negative: %w", req.Amount, model.ErrValidation)
	}

	start := time.Now()
	unlock, err := e.locker.Lock(ctx, req.Pool)
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer func() { metrics.RebalanceLatency.WithLabelValues("allocate").Observe(time.Since(start).Seconds()) }()

	if err := e.soleFunded(ctx, req.Pool, req.PositionID, req.Currency); err != nil {
		return nil, err
	}

	balances, err := e.store.ListBalances(ctx, req.Currency)
	if err != nil {
		return nil, err
	}
	var total model.Amount
	for _, b := range balances {
		total += b.Amount
	}
	if total > 0 && req.Amount > 0 && total < req.Amount {
		return nil, fmt.Errorf("allocate %s %s exceeds total unallocated %s: %w",
			req.Amount.Format(req.Currency), req.Currency, total.Format(req.Currency), model.ErrInvalidState)
	}

	pos, err := e.store.UpsertPoolPosition(ctx, req.Pool, req.PositionID, req.Currency, req.Amount)
	if err != nil {
		return nil, err
	}
	metrics.RebalanceBatches.WithLabelValues("allocate", req.Pool).Inc()

	res := &Result{
		Pool:       req.Pool,
		PositionID: req.PositionID,
		Currency:   req.Currency,
		Total:      total,
		Applied:    []UserDelta{},
		Position:   pos,
	}
	if total <= 0 || req.Amount <= 0 {
		res.Unassigned = req.Amount
		slog.Info("allocation recorded without shares",
			"pool", req.Pool, "position", req.PositionID, "amount", req.Amount.Format(req.Currency), "total", total.Format(req.Currency))
		return res, nil
	}
	res.Rate = model.Ratio(total, req.Amount).String()

	weights := make([]weight, len(balances))
	for i, b := range balances {
		weights[i] = weight{userID: b.UserID, amount: b.Amount}
	}
	for _, p := range distribute(req.Amount, weights, total) {
		if p.amount == 0 {
			res.Skipped = append(res.Skipped, p.userID)
			continue
		}
		if err := e.store.MoveToShare(ctx, p.userID, req.Pool, req.Currency, p.amount); err != nil {
			res.fail(p.userID, err)
			metrics.RebalanceUserFailures.WithLabelValues("allocate", req.Pool).Inc()
			slog.Warn("allocation step failed", "pool", req.Pool, "user", p.userID, "amount", p.amount, "err", err)
			continue
		}
		res.Applied = append(res.Applied, UserDelta{UserID: p.userID, Balance: -p.amount, Share: p.amount})
		res.Moved += p.amount
	}

	res.Unassigned = req.Amount - res.Moved
	if res.Unassigned != 0 {
		slog.Error("allocation left shares out of balance with the position",
			"pool", req.Pool, "position", req.PositionID, "allocated", req.Amount, "moved", res.Moved, "unassigned", res.Unassigned, "failed", len(res.Failed))
	}
	slog.Info("allocation applied",
		"pool", req.Pool,
		"position", req.PositionID,
		"currency", req.Currency.String(),
		"amount", req.Amount.Format(req.Currency),
		"rate", res.Rate,
		"users", len(res.Applied),
		"failed", len(res.Failed),
	)
	e.events.Publish(model.Event{
		Type:       model.EventAllocated,
		Pool:       req.Pool,
		PositionID: req.PositionID,
		Currency:   req.Currency,
		Amount:     res.Moved.Format(req.Currency),
		At:         time.Now().UTC(),
	})
	return res, nil
}

// Deallocate withdraws BPS basis points of every share in the pool and
// credits Proceeds back to the shareholders pro-rata to their shares. The
// position's allocation drops by the total withdrawn; at zero it closes.
func (e *Engine) Deallocate(ctx context.Context, req DeallocateRequest) (*Result, error) {
	if err := validateTarget(req.Pool, req.PositionID, req.Currency); err != nil {
		return nil, err
	}
	if req.BPS < 0 || req.BPS > MaxBPS {
		return nil, fmt.Errorf("bps %d outside 0..%d: %w", req.BPS, MaxBPS, model.ErrValidation)
	}
	if req.Proceeds < 0 {
		return nil, fmt.Errorf("proceeds %d is negative: %w", req.Proceeds, model.ErrValidation)
	}
	res := &Result{
		Pool:       req.Pool,
		PositionID: req.PositionID,
		Currency:   req.Currency,
		Applied:    []UserDelta{},
	}
	if req.BPS == 0 {
		return res, nil
	}

	start := time.Now()
	unlock, err := e.locker.Lock(ctx, req.Pool)
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer func() { metrics.RebalanceLatency.WithLabelValues("deallocate").Observe(time.Since(start).Seconds()) }()

	pos, err := e.store.GetPoolPosition(ctx, req.Pool, req.PositionID)
	if err != nil {
		return nil, err
	}
	if pos.Allocated == 0 {
		return nil, fmt.Errorf("position %s/%s has nothing allocated: %w", req.Pool, req.PositionID, model.ErrNotFound)
	}
	if pos.Currency != req.Currency {
		return nil, fmt.Errorf("position %s/%s is funded in %s, not %s: %w",
			req.Pool, req.PositionID, pos.Currency, req.Currency, model.ErrValidation)
	}
	if err := e.soleFunded(ctx, req.Pool, req.PositionID, req.Currency); err != nil {
		return nil, err
	}

	shares, err := e.store.ListShares(ctx, req.Pool, req.Currency)
	if err != nil {
		return nil, err
	}
	var total model.Amount
	weights := make([]weight, len(shares))
	for i, s := range shares {
		total += s.Amount
		weights[i] = weight{userID: s.UserID, amount: s.Amount}
	}
	res.Total = total
	if total == 0 {
		return nil, fmt.Errorf("pool %s has no %s shares: %w", req.Pool, req.Currency, model.ErrNotFound)
	}
	res.Rate = model.Ratio(req.Proceeds, total).String()
	metrics.RebalanceBatches.WithLabelValues("deallocate", req.Pool).Inc()

	credits := distribute(req.Proceeds, weights, total)
	var withdrawnTotal model.Amount
	for i, s := range shares {
		withdrawn, _ := model.MulDiv(s.Amount, model.Amount(req.BPS), MaxBPS)
		credit := credits[i].amount
		if withdrawn == 0 && credit == 0 {
			res.Skipped = append(res.Skipped, s.UserID)
			continue
		}
		if err := e.store.MoveFromShare(ctx, s.UserID, req.Pool, req.Currency, withdrawn, credit); err != nil {
			res.fail(s.UserID, err)
			metrics.RebalanceUserFailures.WithLabelValues("deallocate", req.Pool).Inc()
			slog.Warn("deallocation step failed", "pool", req.Pool, "user", s.UserID, "withdrawn", withdrawn, "credit", credit, "err", err)
			continue
		}
		withdrawnTotal += withdrawn
		res.Applied = append(res.Applied, UserDelta{UserID: s.UserID, Balance: credit, Share: -withdrawn})
	}
	res.Moved = withdrawnTotal

	// Shares above the position's allocation can only come from an earlier
	// partial failure; never drive the position negative.
	dec := withdrawnTotal
	if dec > pos.Allocated {
		slog.Error("withdrawn shares exceed position allocation",
			"pool", req.Pool, "position", req.PositionID, "withdrawn", dec, "allocated", pos.Allocated)
		dec = pos.Allocated
	}
	updated, err := e.store.UpsertPoolPosition(ctx, req.Pool, req.PositionID, req.Currency, -dec)
	if err != nil {
		return res, fmt.Errorf("update position %s/%s after deallocation: %w", req.Pool, req.PositionID, err)
	}
	res.Position = updated

	slog.Info("deallocation applied",
		"pool", req.Pool,
		"position", req.PositionID,
		"currency", req.Currency.String(),
		"bps", req.BPS,
		"withdrawn", withdrawnTotal.Format(req.Currency),
		"proceeds", req.Proceeds.Format(req.Currency),
		"state", string(updated.State),
		"failed", len(res.Failed),
	)
	e.events.Publish(model.Event{
		Type:       model.EventDeallocated,
		Pool:       req.Pool,
		PositionID: req.PositionID,
		Currency:   req.Currency,
		Amount:     req.Proceeds.Format(req.Currency),
		At:         time.Now().UTC(),
	})
	if updated.State == model.StateClosed {
		e.events.Publish(model.Event{
			Type:       model.EventPositionClosed,
			Pool:       req.Pool,
			PositionID: req.PositionID,
			Currency:   req.Currency,
			At:         time.Now().UTC(),
		})
	}
	return res, nil
}

// CheckFundable reports whether positionID may take an allocation in c,
// without locking. Allocate repeats the check under the pool lock.
func (e *Engine) CheckFundable(ctx context.Context, pool, positionID string, c model.Currency) error {
	if err := validateTarget(pool, positionID, c); err != nil {
		return err
	}
	return e.soleFunded(ctx, pool, positionID, c)
}

// soleFunded fails when another position in pool already holds an
// allocation in c. Shares are kept per pool and currency, so two funded
// positions could not be told apart on withdrawal.
func (e *Engine) soleFunded(ctx context.Context, pool, positionID string, c model.Currency) error {
	positions, err := e.store.ListPositions(ctx, pool)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.PositionID != positionID && p.Currency == c && p.Allocated > 0 {
			return fmt.Errorf("pool %s already has %s funded in position %s: %w",
				pool, c, p.PositionID, model.ErrInvalidState)
		}
	}
	return nil
}

func validateTarget(pool, positionID string, c model.Currency) error {
	switch {
	case pool == "":
		return fmt.Errorf("pool is required: %w", model.ErrValidation)
	case positionID == "":
		return fmt.Errorf("position id is required: %w", model.ErrValidation)
	case !c.Settlement():
		return fmt.Errorf("currency %s is not a settlement currency: %w", c, model.ErrValidation)
	}
	return nil
}

func (r *Result) fail(userID string, err error) {
	r.Failed = append(r.Failed, UserFailure{UserID: userID, Kind: model.KindOf(err), Error: err.Error()})
}

type weight struct {
	userID string
	amount model.Amount
}

type portion struct {
	userID    string
	amount    model.Amount
	remainder model.Amount
	index     int
}

// distribute splits amount across weights pro-rata to weight/total. Each
// portion is floor(amount*weight/total); the units left over go one each to
// the largest remainders, earlier entries first on ties. The returned slice
// is in the order of weights and sums to amount when Σweights == total.
func distribute(amount model.Amount, weights []weight, total model.Amount) []portion {
	out := make([]portion, len(weights))
	if total <= 0 {
		for i, w := range weights {
			out[i] = portion{userID: w.userID, index: i}
		}
		return out
	}

	var given model.Amount
	for i, w := range weights {
		q, r := model.Amount(0), model.Amount(0)
		if w.amount > 0 {
			q, r = model.MulDiv(w.amount, amount, total)
		}
		out[i] = portion{userID: w.userID, amount: q, remainder: r, index: i}
		given += q
	}

	left := amount - given
	if left <= 0 {
		return out
	}
	order := make([]int, 0, len(out))
	for i := range out {
		if weights[i].amount > 0 {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return out[order[a]].remainder > out[order[b]].remainder
	})
	for _, i := range order {
		if left == 0 {
			break
		}
		out[i].amount++
		left--
	}
	return out
}

// Violation is a pool whose shares do not add up to its allocation, or a
// negative record.
type Violation struct {
	Pool         string         `json:"pool,omitempty"`
	Currency     model.Currency `json:"currency"`
	UserID       string         `json:"user_id,omitempty"`
	SumShares    model.Amount   `json:"sum_shares"`
	SumAllocated model.Amount   `json:"sum_allocated"`
	Detail       string         `json:"detail"`
}

// Report is the outcome of an audit.
type Report struct {
	TakenAt     time.Time                       `json:"taken_at"`
	Unallocated map[model.Currency]model.Amount `json:"unallocated"`
	Shares      map[model.Currency]model.Amount `json:"shares"`
	Allocated   map[model.Currency]model.Amount `json:"allocated"`
	Utilization map[string]decimal.Decimal      `json:"utilization"`
	Violations  []Violation                     `json:"violations"`
}

// Audit checks non-negativity and that every pool's shares equal its
// positions' allocation, over one consistent snapshot.
func (e *Engine) Audit(ctx context.Context) (*Report, error) {
	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	rep := &Report{
		TakenAt:     snap.TakenAt,
		Unallocated: map[model.Currency]model.Amount{},
		Shares:      map[model.Currency]model.Amount{},
		Allocated:   map[model.Currency]model.Amount{},
		Utilization: map[string]decimal.Decimal{},
		Violations:  []Violation{},
	}

	for _, a := range snap.Accounts {
		for _, c := range model.SettlementCurrencies {
			bal := a.Balance(c)
			rep.Unallocated[c] += bal
			if bal < 0 {
				rep.Violations = append(rep.Violations, Violation{Currency: c, UserID: a.UserID, Detail: "negative balance"})
			}
		}
	}

	type pc struct {
		pool string
		c    model.Currency
	}
	shares := map[pc]model.Amount{}
	allocated := map[pc]model.Amount{}
	for _, s := range snap.Shares {
		if s.Amount < 0 {
			rep.Violations = append(rep.Violations, Violation{Pool: s.Pool, Currency: s.Currency, UserID: s.UserID, Detail: "negative share"})
		}
		shares[pc{s.Pool, s.Currency}] += s.Amount
		rep.Shares[s.Currency] += s.Amount
	}
	for _, p := range snap.Positions {
		if p.Allocated < 0 {
			rep.Violations = append(rep.Violations, Violation{Pool: p.Pool, Currency: p.Currency, Detail: "negative allocation"})
		}
		if p.Currency == model.CurrencyNone {
			continue
		}
		allocated[pc{p.Pool, p.Currency}] += p.Allocated
		rep.Allocated[p.Currency] += p.Allocated
	}

	keys := make([]pc, 0, len(shares)+len(allocated))
	for k := range shares {
		keys = append(keys, k)
	}
	for k := range allocated {
		if _, ok := shares[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].pool != keys[j].pool {
			return keys[i].pool < keys[j].pool
		}
		return keys[i].c < keys[j].c
	})
	for _, k := range keys {
		if shares[k] != allocated[k] {
			rep.Violations = append(rep.Violations, Violation{
				Pool:         k.pool,
				Currency:     k.c,
				SumShares:    shares[k],
				SumAllocated: allocated[k],
				Detail:       "shares do not match allocation",
			})
		}
	}

	for _, c := range model.SettlementCurrencies {
		rep.Utilization[c.String()] = model.Ratio(rep.Shares[c], rep.Shares[c]+rep.Unallocated[c]).Round(6)
	}
	metrics.AuditViolations.Set(float64(len(rep.Violations)))
	if len(rep.Violations) > 0 {
		slog.Warn("ledger audit found violations", "count", len(rep.Violations))
	}
	return rep, nil
}
