// Package confirm waits for inbound transfers to reach finality.
//
// The waiter polls a TransactionStatusProvider on a fixed interval until the
// transfer is confirmed, fails, or a deadline passes. It holds no ledger lock
// while waiting.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/pool-ledger/internal/metrics"
	"github.com/atmx/pool-ledger/internal/model"
)

// Default polling policy.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxWait      = 60 * time.Second
)

// TransferStatus is what the settlement oracle reports for one transfer.
type TransferStatus int

const (
	StatusUnknown   TransferStatus = iota // oracle has no record yet
	StatusPending                         // seen, not yet final
	StatusFinalized                       // final and successful
	StatusFailed                          // final and reverted
)

func (s TransferStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFinalized:
		return "finalized"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// TransactionStatusProvider looks up the status of a transfer by reference.
type TransactionStatusProvider interface {
	Lookup(ctx context.Context, transferRef string) (TransferStatus, error)
}

// Verdict is the outcome of waiting on a transfer.
type Verdict int

const (
	Confirmed Verdict = iota
	Failed
	NotFound
	TimedOut
)

func (v Verdict) String() string {
	switch v {
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	case NotFound:
		return "not_found"
	}
	return "timed_out"
}

// Waiter polls a status provider.
type Waiter struct {
	provider     TransactionStatusProvider
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewWaiter creates a waiter. Non-positive durations fall back to the defaults.
func NewWaiter(provider TransactionStatusProvider, pollInterval, maxWait time.Duration) *Waiter {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Waiter{provider: provider, pollInterval: pollInterval, maxWait: maxWait}
}

// Await waits with the waiter's configured policy.
func (w *Waiter) Await(ctx context.Context, transferRef string) (Verdict, error) {
	return w.AwaitWith(ctx, transferRef, w.pollInterval, w.maxWait)
}

// AwaitWith looks up transferRef immediately, then once per pollInterval,
// until it is finalized or failed or maxWait elapses. A deadline without a
// final status is TimedOut whether or not the transfer was ever seen; only a
// lookup that rejects the ref outright yields NotFound. Cancellation of ctx
// returns ctx.Err().
func (w *Waiter) AwaitWith(ctx context.Context, transferRef string, pollInterval, maxWait time.Duration) (Verdict, error) {
	if transferRef == "" {
		return NotFound, fmt.Errorf("transfer ref is required: %w", model.ErrValidation)
	}
	if pollInterval <= 0 || maxWait <= 0 {
		return NotFound, fmt.Errorf("poll interval %s and max wait %s must be positive: %w",
			pollInterval, maxWait, model.ErrValidation)
	}

	start := time.Now()
	deadline, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		status, err := w.provider.Lookup(deadline, transferRef)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return TimedOut, ctx.Err()
			}
			if errors.Is(err, model.ErrValidation) {
				return w.done(transferRef, NotFound, start), err
			}
			// Lookup errors are retried until the deadline.
			if !errors.Is(err, context.DeadlineExceeded) {
				lastErr = err
				slog.Warn("transfer status lookup failed", "ref", transferRef, "err", err)
			}
		case status == StatusFinalized:
			return w.done(transferRef, Confirmed, start), nil
		case status == StatusFailed:
			return w.done(transferRef, Failed, start), nil
		}

		select {
		case <-ctx.Done():
			return TimedOut, ctx.Err()
		case <-deadline.Done():
			if ctx.Err() != nil {
				return TimedOut, ctx.Err()
			}
			if lastErr != nil {
				slog.Warn("transfer confirmation timed out", "ref", transferRef, "last_err", lastErr)
			}
			return w.done(transferRef, TimedOut, start), nil
		case <-ticker.C:
		}
	}
}

func (w *Waiter) done(ref string, v Verdict, start time.Time) Verdict {
	elapsed := time.Since(start)
	metrics.ConfirmationWait.WithLabelValues(v.String()).Observe(elapsed.Seconds())
	slog.Debug("transfer confirmation finished", "ref", ref, "verdict", v.String(), "elapsed", elapsed)
	return v
}
