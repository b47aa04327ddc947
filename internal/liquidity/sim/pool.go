// Package sim provides in-process stand-ins for the external pool, swap
// router, payout wallet and transfer oracle, used by the simulator mode of
// the server and by tests.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/atmx/pool-ledger/internal/liquidity"
	"github.com/atmx/pool-ledger/internal/model"
)

type position struct {
	tokens liquidity.Tokens
	fees   liquidity.Tokens
	rng    liquidity.Range
}

// Pool simulates an external concentrated-liquidity pool. Every pool trades
// the same pair unless overridden with SetPair.
type Pool struct {
	mu        sync.Mutex
	pair      liquidity.Pair
	pairs     map[string]liquidity.Pair
	positions map[string]map[string]*position
}

// NewPool creates a simulated pool trading pair.
func NewPool(pair liquidity.Pair) *Pool {
	return &Pool{
		pair:      pair,
		pairs:     make(map[string]liquidity.Pair),
		positions: make(map[string]map[string]*position),
	}
}

// SetPair overrides the pair traded by pool.
func (p *Pool) SetPair(pool string, pair liquidity.Pair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pairs[pool] = pair
}

func (p *Pool) Pair(_ context.Context, pool string) (liquidity.Pair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pair, ok := p.pairs[pool]; ok {
		return pair, nil
	}
	return p.pair, nil
}

func (p *Pool) OpenPosition(_ context.Context, pool string, r liquidity.Range) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := uuid.NewString()
	if p.positions[pool] == nil {
		p.positions[pool] = make(map[string]*position)
	}
	p.positions[pool][id] = &position{rng: r}
	slog.Debug("sim position opened", "pool", pool, "position", id)
	return id, nil
}

func (p *Pool) AddLiquidity(_ context.Context, pool, positionID string, amounts liquidity.Tokens) (liquidity.Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, err := p.get(pool, positionID)
	if err != nil {
		return liquidity.Tokens{}, err
	}
	pos.tokens.X += amounts.X
	pos.tokens.Y += amounts.Y
	return amounts, nil
}

func (p *Pool) RemoveLiquidity(_ context.Context, pool, positionID string, bps int, claimAndClose bool) (liquidity.Released, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, err := p.get(pool, positionID)
	if err != nil {
		return liquidity.Released{}, err
	}
	if bps <= 0 || bps > 10000 {
		return liquidity.Released{}, fmt.Errorf("bps %d out of range", bps)
	}
	x, _ := model.MulDiv(pos.tokens.X, model.Amount(bps), 10000)
	y, _ := model.MulDiv(pos.tokens.Y, model.Amount(bps), 10000)
	pos.tokens.X -= x
	pos.tokens.Y -= y

	rel := liquidity.Released{Tokens: liquidity.Tokens{X: x, Y: y}}
	if claimAndClose {
		rel.Fees = pos.fees
		pos.fees = liquidity.Tokens{}
	}
	return rel, nil
}

func (p *Pool) ClosePosition(_ context.Context, pool, positionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, err := p.get(pool, positionID)
	if err != nil {
		return err
	}
	if pos.tokens.X != 0 || pos.tokens.Y != 0 {
		return fmt.Errorf("position %s still holds liquidity", positionID)
	}
	delete(p.positions[pool], positionID)
	return nil
}

func (p *Pool) QueryPositions(_ context.Context, pool string) ([]liquidity.ExternalPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]liquidity.ExternalPosition, 0, len(p.positions[pool]))
	for id, pos := range p.positions[pool] {
		out = append(out, liquidity.ExternalPosition{PositionID: id, Tokens: pos.tokens, Fees: pos.fees})
	}
	return out, nil
}

func (p *Pool) ClaimFees(_ context.Context, pool, positionID string) (liquidity.Tokens, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, err := p.get(pool, positionID)
	if err != nil {
		return liquidity.Tokens{}, err
	}
	fees := pos.fees
	pos.fees = liquidity.Tokens{}
	return fees, nil
}

// AccrueFees credits trading fees to a position.
func (p *Pool) AccrueFees(pool, positionID string, fees liquidity.Tokens) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, err := p.get(pool, positionID)
	if err != nil {
		return err
	}
	pos.fees.X += fees.X
	pos.fees.Y += fees.Y
	return nil
}

func (p *Pool) get(pool, positionID string) (*position, error) {
	pos, ok := p.positions[pool][positionID]
	if !ok {
		return nil, fmt.Errorf("position %s/%s does not exist", pool, positionID)
	}
	return pos, nil
}

var _ liquidity.ExternalPoolClient = (*Pool)(nil)
