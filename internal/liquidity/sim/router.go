package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pool-ledger/internal/confirm"
	"github.com/atmx/pool-ledger/internal/liquidity"
	"github.com/atmx/pool-ledger/internal/model"
)

// Router converts between SOL and USDC at a fixed price, less a fee.
type Router struct {
	mu     sync.RWMutex
	price  decimal.Decimal // USDC per SOL
	feeBPS int64
}

// NewRouter creates a router quoting SOL at price USDC.
func NewRouter(price decimal.Decimal, feeBPS int64) *Router {
	return &Router{price: price, feeBPS: feeBPS}
}

// SetPrice moves the SOL price.
func (r *Router) SetPrice(price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.price = price
}

func (r *Router) Quote(_ context.Context, in, out model.Currency, amount model.Amount) (liquidity.Quote, error) {
	r.mu.RLock()
	price := r.price
	r.mu.RUnlock()
	if !price.IsPositive() {
		return liquidity.Quote{}, errors.New("no price available")
	}

	major := amount.Decimal(in)
	switch {
	case in == model.CurrencySOL && out == model.CurrencyUSDC:
		major = major.Mul(price)
	case in == model.CurrencyUSDC && out == model.CurrencySOL:
		major = major.Div(price)
	default:
		return liquidity.Quote{}, fmt.Errorf("no route from %s to %s", in, out)
	}
	major = major.Mul(decimal.New(10000-r.feeBPS, -4))

	got, err := model.AmountFromDecimal(major.Truncate(out.Decimals()), out)
	if err != nil {
		return liquidity.Quote{}, err
	}
	return liquidity.Quote{In: in, Out: out, AmountIn: amount, AmountOut: got}, nil
}

func (r *Router) Execute(_ context.Context, q liquidity.Quote) (model.Amount, error) {
	return q.AmountOut, nil
}

// Payout records outbound transfers and hands back a synthetic reference.
type Payout struct {
	mu   sync.Mutex
	err  error
	sent []PayoutRecord
}

// PayoutRecord is one simulated outbound transfer.
type PayoutRecord struct {
	Ref         string
	Currency    model.Currency
	Destination string
	Amount      model.Amount
}

func NewPayout() *Payout { return &Payout{} }

// FailWith makes every later Send return err; nil restores success.
func (p *Payout) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *Payout) Send(_ context.Context, c model.Currency, destination string, amount model.Amount) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	ref := uuid.NewString()
	p.sent = append(p.sent, PayoutRecord{Ref: ref, Currency: c, Destination: destination, Amount: amount})
	return ref, nil
}

// Sent returns a copy of every successful payout.
func (p *Payout) Sent() []PayoutRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PayoutRecord(nil), p.sent...)
}

// Oracle reports every transfer as pending until it has been looked up
// finalizeAfter times, then finalized. Individual refs can be pinned to a
// status with Set.
type Oracle struct {
	mu            sync.Mutex
	finalizeAfter int
	lookups       map[string]int
	pinned        map[string]confirm.TransferStatus
}

func NewOracle(finalizeAfter int) *Oracle {
	return &Oracle{
		finalizeAfter: finalizeAfter,
		lookups:       make(map[string]int),
		pinned:        make(map[string]confirm.TransferStatus),
	}
}

// Set pins ref to status.
func (o *Oracle) Set(ref string, status confirm.TransferStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pinned[ref] = status
}

func (o *Oracle) Lookup(_ context.Context, ref string) (confirm.TransferStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.pinned[ref]; ok {
		return s, nil
	}
	o.lookups[ref]++
	if o.lookups[ref] > o.finalizeAfter {
		return confirm.StatusFinalized, nil
	}
	return confirm.StatusPending, nil
}

var (
	_ liquidity.ExternalSwapRouter      = (*Router)(nil)
	_ confirm.TransactionStatusProvider = (*Oracle)(nil)
)
