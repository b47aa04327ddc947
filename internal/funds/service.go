// Package funds moves value between the outside world and users'
// unallocated balances: confirmed deposits are credited exactly once per
// transfer reference, withdrawals are debited before any payout is sent.
package funds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atmx/pool-ledger/internal/confirm"
	"github.com/atmx/pool-ledger/internal/metrics"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/store"
)

// Confirmer waits for an inbound transfer to settle.
type Confirmer interface {
	Await(ctx context.Context, transferRef string) (confirm.Verdict, error)
}

// Payout sends value from the service wallet to a user.
type Payout interface {
	Send(ctx context.Context, c model.Currency, destination string, amount model.Amount) (string, error)
}

// Service owns deposit credit and withdrawal debit.
type Service struct {
	store     store.Store
	confirmer Confirmer
	payout    Payout
	events    model.Publisher
	inflight  singleflight.Group
}

// NewService creates a funds service. payout may be nil when outbound
// transfers are handled elsewhere; events may be nil.
func NewService(st store.Store, confirmer Confirmer, payout Payout, events model.Publisher) *Service {
	if events == nil {
		events = model.NopPublisher{}
	}
	return &Service{store: st, confirmer: confirmer, payout: payout, events: events}
}

// DepositResult describes a credited deposit.
type DepositResult struct {
	UserID      string         `json:"user_id"`
	Currency    model.Currency `json:"currency"`
	Amount      model.Amount   `json:"amount"`
	TransferRef string         `json:"transfer_ref"`
	Balance     model.Amount   `json:"balance"`
	Duplicate   bool           `json:"duplicate"`
}

// WithdrawResult describes a completed payout.
type WithdrawResult struct {
	UserID      string         `json:"user_id"`
	Currency    model.Currency `json:"currency"`
	Amount      model.Amount   `json:"amount"`
	Destination string         `json:"destination"`
	PayoutRef   string         `json:"payout_ref"`
	Balance     model.Amount   `json:"balance"`
}

// UserBalances is a user's unallocated balances and pool shares.
type UserBalances struct {
	UserID          string            `json:"user_id"`
	Address         string            `json:"address"`
	UnallocatedSOL  model.Amount      `json:"unallocated_sol"`
	UnallocatedUSDC model.Amount      `json:"unallocated_usdc"`
	Shares          []model.PoolShare `json:"shares"`
}

// OpenAccount registers a user with zero balances.
func (s *Service) OpenAccount(ctx context.Context, userID, address string) (*model.UserAccount, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", model.ErrValidation)
	}
	acct, err := s.store.CreateAccount(ctx, userID, address)
	if err != nil {
		return nil, err
	}
	slog.Info("account opened", "user", userID, "address", address)
	s.events.Publish(model.Event{Type: model.EventAccountOpened, UserID: userID, At: acct.CreatedAt})
	return acct, nil
}

// ConfirmAndCreditDeposit waits for transferRef to settle and credits
// amount to the user. A ref that was already credited returns the recorded
// result with Duplicate set; nothing is mutated unless the transfer is
// confirmed.
func (s *Service) ConfirmAndCreditDeposit(ctx context.Context, userID string, c model.Currency, amount model.Amount, transferRef string) (*DepositResult, error) {
	if err := validateDeposit(userID, c, amount, transferRef); err != nil {
		s.countDeposit(c, "rejected")
		return nil, err
	}
	// Fail fast: do not wait on the oracle for an account that cannot be credited.
	if _, err := s.store.GetAccount(ctx, userID); err != nil {
		s.countDeposit(c, "rejected")
		return nil, err
	}

	v, err, _ := s.inflight.Do(transferRef, func() (any, error) {
		return s.confirmAndCredit(ctx, userID, c, amount, transferRef)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*DepositResult)
	// A concurrent caller with the same ref may have asked for something else.
	if res.UserID != userID || res.Currency != c || res.Amount != amount {
		s.countDeposit(c, "rejected")
		return nil, fmt.Errorf("transfer %s already credited to %s (%s %s): %w",
			transferRef, res.UserID, res.Amount.Format(res.Currency), res.Currency, model.ErrValidation)
	}
	return &res, nil
}

func (s *Service) confirmAndCredit(ctx context.Context, userID string, c model.Currency, amount model.Amount, ref string) (*DepositResult, error) {
	if prior, err := s.priorCredit(ctx, ref); err != nil || prior != nil {
		return prior, err
	}

	verdict, err := s.confirmer.Await(ctx, ref)
	if err != nil {
		outcome := "cancelled"
		if errors.Is(err, model.ErrValidation) {
			outcome = "rejected"
		}
		s.countDeposit(c, outcome)
		return nil, fmt.Errorf("await transfer %s: %w", ref, err)
	}
	switch verdict {
	case confirm.Confirmed:
	case confirm.NotFound:
		s.countDeposit(c, "not_found")
		return nil, fmt.Errorf("transfer %s: %w", ref, model.ErrNotFound)
	case confirm.Failed:
		s.countDeposit(c, "failed")
		return nil, fmt.Errorf("transfer %s reported failed: %w", ref, model.ErrExternalCall)
	default:
		s.countDeposit(c, "timeout")
		return nil, fmt.Errorf("transfer %s: %w", ref, model.ErrConfirmationTimeout)
	}

	applied, balance, err := s.store.CreditTransfer(ctx, model.CreditedTransfer{
		TransferRef: ref,
		UserID:      userID,
		Currency:    c,
		Amount:      amount,
	})
	if err != nil {
		s.countDeposit(c, "failed")
		return nil, err
	}
	if !applied {
		// Another instance credited it while we were waiting.
		return s.priorCredit(ctx, ref)
	}

	s.countDeposit(c, "credited")
	slog.Info("deposit credited",
		"user", userID,
		"currency", c.String(),
		"amount", amount.Format(c),
		"ref", ref,
		"balance", balance.Format(c),
	)
	s.events.Publish(model.Event{
		Type:     model.EventDepositCredited,
		UserID:   userID,
		Currency: c,
		Amount:   amount.Format(c),
		Ref:      ref,
		At:       time.Now().UTC(),
	})
	return &DepositResult{
		UserID:      userID,
		Currency:    c,
		Amount:      amount,
		TransferRef: ref,
		Balance:     balance,
	}, nil
}

// priorCredit returns the recorded result for ref, or nil if ref is new.
func (s *Service) priorCredit(ctx context.Context, ref string) (*DepositResult, error) {
	rec, err := s.store.GetCreditedTransfer(ctx, ref)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	balance, err := s.store.GetUserBalance(ctx, rec.UserID, rec.Currency)
	if err != nil {
		return nil, err
	}
	s.countDeposit(rec.Currency, "duplicate")
	slog.Info("deposit already credited", "ref", ref, "user", rec.UserID)
	return &DepositResult{
		UserID:      rec.UserID,
		Currency:    rec.Currency,
		Amount:      rec.Amount,
		TransferRef: ref,
		Balance:     balance,
		Duplicate:   true,
	}, nil
}

func validateDeposit(userID string, c model.Currency, amount model.Amount, ref string) error {
	switch {
	case userID == "":
		return fmt.Errorf("user id is required: %w", model.ErrValidation)
	case !c.Settlement():
		return fmt.Errorf("currency %s is not a settlement currency: %w", c, model.ErrValidation)
	case amount <= 0:
		return fmt.Errorf("amount must be positive, got %d: %w", amount, model.ErrValidation)
	case ref == "":
		return fmt.Errorf("transfer ref is required: %w", model.ErrValidation)
	}
	return nil
}

// DebitForWithdrawal removes amount from the user's unallocated balance and
// returns the new balance. An insufficient balance is left untouched.
func (s *Service) DebitForWithdrawal(ctx context.Context, userID string, c model.Currency, amount model.Amount) (model.Amount, error) {
	if userID == "" || !c.Settlement() || amount <= 0 {
		s.countWithdrawal(c, "rejected")
		return 0, fmt.Errorf("debit %s %d for %q: %w", c, amount, userID, model.ErrValidation)
	}
	balance, err := s.store.AdjustUserBalance(ctx, userID, c, -amount)
	if err != nil {
		s.countWithdrawal(c, "rejected")
		return balance, err
	}
	s.countWithdrawal(c, "debited")
	slog.Info("withdrawal debited",
		"user", userID,
		"currency", c.String(),
		"amount", amount.Format(c),
		"balance", balance.Format(c),
	)
	s.events.Publish(model.Event{
		Type:     model.EventWithdrawalDebited,
		UserID:   userID,
		Currency: c,
		Amount:   amount.Format(c),
		At:       time.Now().UTC(),
	})
	return balance, nil
}

// WithdrawToUser debits the user then sends the payout. If the payout fails
// the debit is reversed and ErrExternalCall is returned.
func (s *Service) WithdrawToUser(ctx context.Context, userID string, c model.Currency, amount model.Amount, destination string) (*WithdrawResult, error) {
	if s.payout == nil {
		return nil, fmt.Errorf("payout is not configured: %w", model.ErrInvalidState)
	}
	if destination == "" {
		return nil, fmt.Errorf("destination is required: %w", model.ErrValidation)
	}
	balance, err := s.DebitForWithdrawal(ctx, userID, c, amount)
	if err != nil {
		return nil, err
	}

	ref, err := s.payout.Send(ctx, c, destination, amount)
	metrics.ExternalCalls.WithLabelValues("payout", "send", metrics.Result(err)).Inc()
	if err != nil {
		// The debit has landed; reverse it even if the request was cancelled.
		bg := context.WithoutCancel(ctx)
		if _, cerr := s.store.AdjustUserBalance(bg, userID, c, amount); cerr != nil {
			slog.Error("withdrawal reversal failed",
				"user", userID, "currency", c.String(), "amount", amount.Format(c), "err", cerr)
			return nil, errors.Join(fmt.Errorf("payout to %s: %w", destination, model.ErrExternalCall), cerr)
		}
		s.countWithdrawal(c, "reversed")
		slog.Warn("payout failed, withdrawal reversed",
			"user", userID, "currency", c.String(), "amount", amount.Format(c), "err", err)
		s.events.Publish(model.Event{
			Type:     model.EventWithdrawalReversed,
			UserID:   userID,
			Currency: c,
			Amount:   amount.Format(c),
			At:       time.Now().UTC(),
		})
		return nil, fmt.Errorf("payout to %s: %v: %w", destination, err, model.ErrExternalCall)
	}

	slog.Info("payout sent", "user", userID, "destination", destination, "ref", ref)
	return &WithdrawResult{
		UserID:      userID,
		Currency:    c,
		Amount:      amount,
		Destination: destination,
		PayoutRef:   ref,
		Balance:     balance,
	}, nil
}

// Balances returns a user's unallocated balances and pool shares.
func (s *Service) Balances(ctx context.Context, userID string) (*UserBalances, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	shares, err := s.store.ListUserShares(ctx, userID)
	if err != nil {
		return nil, err
	}
	if shares == nil {
		shares = []model.PoolShare{}
	}
	return &UserBalances{
		UserID:          acct.UserID,
		Address:         acct.Address,
		UnallocatedSOL:  acct.UnallocatedSOL,
		UnallocatedUSDC: acct.UnallocatedUSDC,
		Shares:          shares,
	}, nil
}

// TotalUnallocated sums every user's unallocated balance per currency.
func (s *Service) TotalUnallocated(ctx context.Context) (map[model.Currency]model.Amount, error) {
	totals := make(map[model.Currency]model.Amount, len(model.SettlementCurrencies))
	for _, c := range model.SettlementCurrencies {
		entries, err := s.store.ListBalances(ctx, c)
		if err != nil {
			return nil, err
		}
		var sum model.Amount
		for _, e := range entries {
			sum += e.Amount
		}
		totals[c] = sum
	}
	return totals, nil
}

func (s *Service) countDeposit(c model.Currency, outcome string) {
	metrics.DepositsTotal.WithLabelValues(c.String(), outcome).Inc()
}

func (s *Service) countWithdrawal(c model.Currency, outcome string) {
	metrics.WithdrawalsTotal.WithLabelValues(c.String(), outcome).Inc()
}
