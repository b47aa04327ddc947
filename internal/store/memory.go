package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/pool-ledger/internal/model"
)

type positionKey struct{ pool, positionID string }

type shareKey struct {
	userID, pool string
	currency     model.Currency
}

type poolKey struct {
	pool     string
	currency model.Currency
}

type accountRec struct {
	mu   sync.Mutex
	acct model.UserAccount
}

type shareRec struct {
	mu     sync.Mutex
	amount model.Amount
}

type positionRec struct {
	mu      sync.Mutex
	pos     model.PoolPosition
	deleted bool
}

// MemoryStore implements Store with in-memory maps. Used for testing,
// development and the simulator. Not suitable for production (no persistence).
//
// Locking: mu guards the maps only and is never held while a record mutex is
// being acquired, nor acquired while one is held. Compound units lock the
// account record before the share record. txMu is held shared by every
// mutation and exclusively by Snapshot.
type MemoryStore struct {
	txMu sync.RWMutex
	mu   sync.RWMutex

	accounts     map[string]*accountRec
	accountOrder []string
	positions    map[positionKey]*positionRec
	shares       map[shareKey]*shareRec
	shareOrder   map[poolKey][]string

	transferMu sync.Mutex
	transfers  map[string]model.CreditedTransfer

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*accountRec),
		positions:  make(map[positionKey]*positionRec),
		shares:     make(map[shareKey]*shareRec),
		shareOrder: make(map[poolKey][]string),
		transfers:  make(map[string]model.CreditedTransfer),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// --- record lookup ---

func (s *MemoryStore) account(userID string) (*accountRec, error) {
	s.mu.RLock()
	rec, ok := s.accounts[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	return rec, nil
}

func (s *MemoryStore) share(userID, pool string, c model.Currency, create bool) *shareRec {
	key := shareKey{userID, pool, c}
	s.mu.RLock()
	rec, ok := s.shares[key]
	s.mu.RUnlock()
	if ok || !create {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.shares[key]; ok {
		return rec
	}
	rec = &shareRec{}
	s.shares[key] = rec
	pk := poolKey{pool, c}
	s.shareOrder[pk] = append(s.shareOrder[pk], userID)
	return rec
}

// position returns a live position record, creating one when create is set.
// The returned record is locked.
func (s *MemoryStore) position(pool, positionID string, create bool) (*positionRec, error) {
	key := positionKey{pool, positionID}
	for {
		s.mu.RLock()
		rec, ok := s.positions[key]
		s.mu.RUnlock()

		if !ok {
			if !create {
				return nil, fmt.Errorf("position %s/%s: %w", pool, positionID, model.ErrNotFound)
			}
			now := s.now()
			s.mu.Lock()
			if _, raced := s.positions[key]; !raced {
				s.positions[key] = &positionRec{pos: model.PoolPosition{
					Pool:       pool,
					PositionID: positionID,
					Currency:   model.CurrencyNone,
					State:      model.StateOpen,
					CreatedAt:  now,
					UpdatedAt:  now,
				}}
			}
			s.mu.Unlock()
			continue
		}

		rec.mu.Lock()
		if rec.deleted {
			rec.mu.Unlock()
			s.mu.Lock()
			if s.positions[key] == rec {
				delete(s.positions, key)
			}
			s.mu.Unlock()
			continue
		}
		return rec, nil
	}
}

// --- User accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, userID, address string) (*model.UserAccount, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[userID]; ok {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrAlreadyExists)
	}
	acct := model.UserAccount{UserID: userID, Address: address, CreatedAt: s.now()}
	s.accounts[userID] = &accountRec{acct: acct}
	s.accountOrder = append(s.accountOrder, userID)
	return &acct, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.UserAccount, error) {
	rec, err := s.account(userID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	acct := rec.acct
	return &acct, nil
}

func (s *MemoryStore) GetUserBalance(ctx context.Context, userID string, c model.Currency) (model.Amount, error) {
	if !c.Settlement() {
		return 0, fmt.Errorf("balance currency %s: %w", c, model.ErrValidation)
	}
	acct, err := s.GetAccount(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.Balance(c), nil
}

func (s *MemoryStore) AdjustUserBalance(_ context.Context, userID string, c model.Currency, delta model.Amount) (model.Amount, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	rec, err := s.account(userID)
	if err != nil {
		return 0, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return adjustBalance(&rec.acct, c, delta)
}

// adjustBalance applies delta to acct in place. Caller holds the record lock.
func adjustBalance(acct *model.UserAccount, c model.Currency, delta model.Amount) (model.Amount, error) {
	var bal *model.Amount
	switch c {
	case model.CurrencySOL:
		bal = &acct.UnallocatedSOL
	case model.CurrencyUSDC:
		bal = &acct.UnallocatedUSDC
	default:
		return 0, fmt.Errorf("balance currency %s: %w", c, model.ErrValidation)
	}
	next := *bal + delta
	if next < 0 {
		return *bal, fmt.Errorf("user %s %s balance %d, delta %d: %w",
			acct.UserID, c, *bal, delta, model.ErrInsufficientBalance)
	}
	*bal = next
	return next, nil
}

func (s *MemoryStore) ListBalances(_ context.Context, c model.Currency) ([]model.BalanceEntry, error) {
	if !c.Settlement() {
		return nil, fmt.Errorf("balance currency %s: %w", c, model.ErrValidation)
	}
	s.mu.RLock()
	recs := make([]*accountRec, 0, len(s.accountOrder))
	for _, id := range s.accountOrder {
		recs = append(recs, s.accounts[id])
	}
	s.mu.RUnlock()

	entries := make([]model.BalanceEntry, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		entries = append(entries, model.BalanceEntry{UserID: rec.acct.UserID, Amount: rec.acct.Balance(c)})
		rec.mu.Unlock()
	}
	return entries, nil
}

// --- Pool positions ---

func (s *MemoryStore) OpenPosition(_ context.Context, pool, positionID string) (*model.PoolPosition, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	key := positionKey{pool, positionID}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[key]; ok {
		return nil, fmt.Errorf("position %s/%s: %w", pool, positionID, model.ErrAlreadyExists)
	}
	pos := model.PoolPosition{
		Pool:       pool,
		PositionID: positionID,
		Currency:   model.CurrencyNone,
		State:      model.StateOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.positions[key] = &positionRec{pos: pos}
	return &pos, nil
}

func (s *MemoryStore) GetPoolPosition(_ context.Context, pool, positionID string) (*model.PoolPosition, error) {
	rec, err := s.position(pool, positionID, false)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()
	pos := rec.pos
	return &pos, nil
}

func (s *MemoryStore) UpsertPoolPosition(_ context.Context, pool, positionID string, c model.Currency, deltaAllocated model.Amount) (*model.PoolPosition, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	rec, err := s.position(pool, positionID, true)
	if err != nil {
		return nil, err
	}

	next, err := applyPositionDelta(rec.pos, c, deltaAllocated, s.now())
	if err != nil {
		rec.mu.Unlock()
		return nil, err
	}
	rec.pos = next
	if next.State == model.StateClosed {
		rec.deleted = true
	}
	rec.mu.Unlock()

	if next.State == model.StateClosed {
		s.removePosition(pool, positionID, rec)
	}
	return &next, nil
}

// applyPositionDelta validates and applies an allocation change to a copy of pos.
func applyPositionDelta(pos model.PoolPosition, c model.Currency, delta model.Amount, now time.Time) (model.PoolPosition, error) {
	if !c.Settlement() {
		return pos, fmt.Errorf("position currency %s: %w", c, model.ErrValidation)
	}
	if pos.Currency != model.CurrencyNone && pos.Currency != c {
		return pos, fmt.Errorf("position %s/%s is funded in %s, not %s: %w",
			pos.Pool, pos.PositionID, pos.Currency, c, model.ErrValidation)
	}
	allocated := pos.Allocated + delta
	if allocated < 0 {
		return pos, fmt.Errorf("position %s/%s allocation %d, delta %d: %w",
			pos.Pool, pos.PositionID, pos.Allocated, delta, model.ErrInvariantViolation)
	}
	if delta > 0 && pos.Currency == model.CurrencyNone {
		pos.Currency = c
	}
	pos.State = nextState(pos.State, allocated, delta)
	pos.Allocated = allocated
	pos.UpdatedAt = now
	return pos, nil
}

func (s *MemoryStore) removePosition(pool, positionID string, rec *positionRec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey{pool, positionID}
	if s.positions[key] == rec {
		delete(s.positions, key)
	}
}

func (s *MemoryStore) DeletePosition(_ context.Context, pool, positionID string) error {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	rec, err := s.position(pool, positionID, false)
	if err != nil {
		return err
	}
	rec.deleted = true
	rec.mu.Unlock()
	s.removePosition(pool, positionID, rec)
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, pool string) ([]model.PoolPosition, error) {
	s.mu.RLock()
	recs := make([]*positionRec, 0, len(s.positions))
	for key, rec := range s.positions {
		if pool == "" || key.pool == pool {
			recs = append(recs, rec)
		}
	}
	s.mu.RUnlock()

	positions := make([]model.PoolPosition, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.deleted {
			positions = append(positions, rec.pos)
		}
		rec.mu.Unlock()
	}
	sortPositions(positions)
	return positions, nil
}

// --- Pool shares ---

func (s *MemoryStore) GetShare(_ context.Context, userID, pool string, c model.Currency) (model.Amount, error) {
	rec := s.share(userID, pool, c, false)
	if rec == nil {
		return 0, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.amount, nil
}

func (s *MemoryStore) AdjustShare(_ context.Context, userID, pool string, c model.Currency, delta model.Amount) (model.Amount, error) {
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	rec := s.share(userID, pool, c, delta > 0)
	if rec == nil {
		if delta == 0 {
			return 0, nil
		}
		return 0, fmt.Errorf("share %s/%s/%s 0, delta %d: %w", userID, pool, c, delta, model.ErrInvariantViolation)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return adjustShare(rec, userID, pool, c, delta)
}

func adjustShare(rec *shareRec, userID, pool string, c model.Currency, delta model.Amount) (model.Amount, error) {
	next := rec.amount + delta
	if next < 0 {
		return rec.amount, fmt.Errorf("share %s/%s/%s %d, delta %d: %w",
			userID, pool, c, rec.amount, delta, model.ErrInvariantViolation)
	}
	rec.amount = next
	return next, nil
}

func (s *MemoryStore) ListShares(_ context.Context, pool string, c model.Currency) ([]model.ShareEntry, error) {
	s.mu.RLock()
	order := s.shareOrder[poolKey{pool, c}]
	users := make([]string, len(order))
	copy(users, order)
	recs := make([]*shareRec, len(order))
	for i, id := range users {
		recs[i] = s.shares[shareKey{id, pool, c}]
	}
	s.mu.RUnlock()

	var entries []model.ShareEntry
	for i, rec := range recs {
		rec.mu.Lock()
		amount := rec.amount
		rec.mu.Unlock()
		if amount > 0 {
			entries = append(entries, model.ShareEntry{UserID: users[i], Amount: amount})
		}
	}
	return entries, nil
}

func (s *MemoryStore) ListUserShares(_ context.Context, userID string) ([]model.PoolShare, error) {
	s.mu.RLock()
	type held struct {
		key shareKey
		rec *shareRec
	}
	var mine []held
	for key, rec := range s.shares {
		if key.userID == userID {
			mine = append(mine, held{key, rec})
		}
	}
	s.mu.RUnlock()

	var shares []model.PoolShare
	for _, h := range mine {
		h.rec.mu.Lock()
		amount := h.rec.amount
		h.rec.mu.Unlock()
		if amount > 0 {
			shares = append(shares, model.PoolShare{UserID: userID, Pool: h.key.pool, Currency: h.key.currency, Amount: amount})
		}
	}
	sortShares(shares)
	return shares, nil
}

// --- Atomic compound units ---

func (s *MemoryStore) MoveToShare(_ context.Context, userID, pool string, c model.Currency, amount model.Amount) error {
	if amount < 0 {
		return fmt.Errorf("move to share: negative amount %d: %w", amount, model.ErrValidation)
	}
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	acct, err := s.account(userID)
	if err != nil {
		return err
	}
	sh := s.share(userID, pool, c, true)

	acct.mu.Lock()
	defer acct.mu.Unlock()
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, err := adjustBalance(&acct.acct, c, -amount); err != nil {
		return err
	}
	// Cannot fail: amount is non-negative.
	sh.amount += amount
	return nil
}

func (s *MemoryStore) MoveFromShare(_ context.Context, userID, pool string, c model.Currency, shareDebit, credit model.Amount) error {
	if shareDebit < 0 || credit < 0 {
		return fmt.Errorf("move from share: negative amounts %d/%d: %w", shareDebit, credit, model.ErrValidation)
	}
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	acct, err := s.account(userID)
	if err != nil {
		return err
	}
	sh := s.share(userID, pool, c, false)
	if sh == nil {
		if shareDebit > 0 {
			return fmt.Errorf("share %s/%s/%s absent, debit %d: %w", userID, pool, c, shareDebit, model.ErrInvariantViolation)
		}
		sh = &shareRec{}
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.amount < shareDebit {
		return fmt.Errorf("share %s/%s/%s %d, debit %d: %w", userID, pool, c, sh.amount, shareDebit, model.ErrInvariantViolation)
	}
	if _, err := adjustBalance(&acct.acct, c, credit); err != nil {
		return err
	}
	sh.amount -= shareDebit
	return nil
}

func (s *MemoryStore) CreditTransfer(_ context.Context, t model.CreditedTransfer) (bool, model.Amount, error) {
	if t.Amount <= 0 {
		return false, 0, fmt.Errorf("credit transfer %s: amount %d: %w", t.TransferRef, t.Amount, model.ErrValidation)
	}
	s.txMu.RLock()
	defer s.txMu.RUnlock()

	acct, err := s.account(t.UserID)
	if err != nil {
		return false, 0, err
	}

	s.transferMu.Lock()
	defer s.transferMu.Unlock()
	acct.mu.Lock()
	defer acct.mu.Unlock()

	if _, seen := s.transfers[t.TransferRef]; seen {
		return false, acct.acct.Balance(t.Currency), nil
	}
	bal, err := adjustBalance(&acct.acct, t.Currency, t.Amount)
	if err != nil {
		return false, 0, err
	}
	if t.CreditedAt.IsZero() {
		t.CreditedAt = s.now()
	}
	s.transfers[t.TransferRef] = t
	return true, bal, nil
}

func (s *MemoryStore) GetCreditedTransfer(_ context.Context, ref string) (*model.CreditedTransfer, error) {
	s.transferMu.Lock()
	defer s.transferMu.Unlock()
	t, ok := s.transfers[ref]
	if !ok {
		return nil, fmt.Errorf("transfer %s: %w", ref, model.ErrNotFound)
	}
	return &t, nil
}

// Snapshot blocks all mutations while it copies the ledger.
func (s *MemoryStore) Snapshot(_ context.Context) (*model.LedgerSnapshot, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.LedgerSnapshot{TakenAt: s.now()}
	for _, id := range s.accountOrder {
		snap.Accounts = append(snap.Accounts, s.accounts[id].acct)
	}
	for _, rec := range s.positions {
		if !rec.deleted {
			snap.Positions = append(snap.Positions, rec.pos)
		}
	}
	sortPositions(snap.Positions)
	for pk, users := range s.shareOrder {
		for _, id := range users {
			if rec := s.shares[shareKey{id, pk.pool, pk.currency}]; rec.amount > 0 {
				snap.Shares = append(snap.Shares, model.PoolShare{UserID: id, Pool: pk.pool, Currency: pk.currency, Amount: rec.amount})
			}
		}
	}
	sortShares(snap.Shares)
	s.transferMu.Lock()
	for _, t := range s.transfers {
		snap.Transfers = append(snap.Transfers, t)
	}
	s.transferMu.Unlock()
	sortTransfers(snap.Transfers)
	return snap, nil
}
