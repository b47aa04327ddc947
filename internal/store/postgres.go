package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/pool-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts are BIGINT minor units. Single-record adjustments are guarded
// UPDATEs (the non-negativity check is part of the WHERE clause); compound
// units run inside one transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RunMigrations applies embedded SQL files in lexicographic order and
// tracks applied files in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var exists bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
				entry.Name()).Scan(&exists); err != nil {
				return err
			}
			if exists {
				return nil
			}
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func balanceColumn(c model.Currency) (string, error) {
	switch c {
	case model.CurrencySOL:
		return "unallocated_sol", nil
	case model.CurrencyUSDC:
		return "unallocated_usdc", nil
	}
	return "", fmt.Errorf("balance currency %s: %w", c, model.ErrValidation)
}

// --- User accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, userID, address string) (*model.UserAccount, error) {
	acct := model.UserAccount{UserID: userID, Address: address}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO user_accounts (user_id, address) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING created_at`, userID, address).Scan(&acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", userID, err)
	}
	return &acct, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	var a model.UserAccount
	var sol, usdc int64
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, address, unallocated_sol, unallocated_usdc, created_at
		 FROM user_accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &a.Address, &sol, &usdc, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	a.UnallocatedSOL, a.UnallocatedUSDC = model.Amount(sol), model.Amount(usdc)
	return &a, nil
}

func (s *PostgresStore) GetUserBalance(ctx context.Context, userID string, c model.Currency) (model.Amount, error) {
	col, err := balanceColumn(c)
	if err != nil {
		return 0, err
	}
	var bal int64
	err = s.pool.QueryRow(ctx, `SELECT `+col+` FROM user_accounts WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", userID, err)
	}
	return model.Amount(bal), nil
}

func (s *PostgresStore) AdjustUserBalance(ctx context.Context, userID string, c model.Currency, delta model.Amount) (model.Amount, error) {
	return adjustBalanceQ(ctx, s.pool, userID, c, delta)
}

func adjustBalanceQ(ctx context.Context, q querier, userID string, c model.Currency, delta model.Amount) (model.Amount, error) {
	col, err := balanceColumn(c)
	if err != nil {
		return 0, err
	}
	var bal int64
	err = q.QueryRow(ctx,
		`UPDATE user_accounts SET `+col+` = `+col+` + $2
		 WHERE user_id = $1 AND `+col+` + $2 >= 0
		 RETURNING `+col, userID, int64(delta)).Scan(&bal)
	if err == nil {
		return model.Amount(bal), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("adjust balance %s: %w", userID, err)
	}

	// Distinguish a missing account from a short balance.
	err = q.QueryRow(ctx, `SELECT `+col+` FROM user_accounts WHERE user_id = $1`, userID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("adjust balance %s: %w", userID, err)
	}
	return model.Amount(bal), fmt.Errorf("user %s %s balance %d, delta %d: %w",
		userID, c, bal, delta, model.ErrInsufficientBalance)
}

func (s *PostgresStore) ListBalances(ctx context.Context, c model.Currency) ([]model.BalanceEntry, error) {
	col, err := balanceColumn(c)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT user_id, `+col+` FROM user_accounts ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.BalanceEntry
	for rows.Next() {
		var e model.BalanceEntry
		var amount int64
		if err := rows.Scan(&e.UserID, &amount); err != nil {
			return nil, err
		}
		e.Amount = model.Amount(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Pool positions ---

const positionColumns = `pool, position_id, currency, allocated, state, created_at, updated_at`

func scanPosition(row pgx.Row) (*model.PoolPosition, error) {
	var p model.PoolPosition
	var currency int16
	var allocated int64
	var state string
	if err := row.Scan(&p.Pool, &p.PositionID, &currency, &allocated, &state, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Currency = model.Currency(currency)
	p.Allocated = model.Amount(allocated)
	p.State = model.PositionState(state)
	return &p, nil
}

func (s *PostgresStore) OpenPosition(ctx context.Context, pool, positionID string) (*model.PoolPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`INSERT INTO pool_positions (pool, position_id) VALUES ($1, $2)
		 ON CONFLICT (pool, position_id) DO NOTHING
		 RETURNING `+positionColumns, pool, positionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", pool, positionID, model.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("open position %s/%s: %w", pool, positionID, err)
	}
	return p, nil
}

func (s *PostgresStore) GetPoolPosition(ctx context.Context, pool, positionID string) (*model.PoolPosition, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM pool_positions WHERE pool = $1 AND position_id = $2`,
		pool, positionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", pool, positionID, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", pool, positionID, err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertPoolPosition(ctx context.Context, pool, positionID string, c model.Currency, deltaAllocated model.Amount) (*model.PoolPosition, error) {
	var result *model.PoolPosition
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pool_positions (pool, position_id) VALUES ($1, $2)
			 ON CONFLICT (pool, position_id) DO NOTHING`, pool, positionID); err != nil {
			return err
		}
		cur, err := scanPosition(tx.QueryRow(ctx,
			`SELECT `+positionColumns+` FROM pool_positions
			 WHERE pool = $1 AND position_id = $2 FOR UPDATE`, pool, positionID))
		if err != nil {
			return err
		}
		next, err := applyPositionDelta(*cur, c, deltaAllocated, time.Now().UTC())
		if err != nil {
			return err
		}
		if next.State == model.StateClosed {
			_, err = tx.Exec(ctx, `DELETE FROM pool_positions WHERE pool = $1 AND position_id = $2`, pool, positionID)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE pool_positions SET currency = $3, allocated = $4, state = $5, updated_at = $6
				 WHERE pool = $1 AND position_id = $2`,
				pool, positionID, int16(next.Currency), int64(next.Allocated), string(next.State), next.UpdatedAt)
		}
		if err != nil {
			return err
		}
		result = &next
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upsert position %s/%s: %w", pool, positionID, err)
	}
	return result, nil
}

func (s *PostgresStore) DeletePosition(ctx context.Context, pool, positionID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pool_positions WHERE pool = $1 AND position_id = $2`, pool, positionID)
	if err != nil {
		return fmt.Errorf("delete position %s/%s: %w", pool, positionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s/%s: %w", pool, positionID, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, pool string) ([]model.PoolPosition, error) {
	return listPositionsQ(ctx, s.pool, pool)
}

func listPositionsQ(ctx context.Context, q querier, pool string) ([]model.PoolPosition, error) {
	rows, err := q.Query(ctx,
		`SELECT `+positionColumns+` FROM pool_positions
		 WHERE $1 = '' OR pool = $1 ORDER BY pool, position_id`, pool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.PoolPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Pool shares ---

func (s *PostgresStore) GetShare(ctx context.Context, userID, pool string, c model.Currency) (model.Amount, error) {
	var amount int64
	err := s.pool.QueryRow(ctx,
		`SELECT amount FROM pool_shares WHERE user_id = $1 AND pool = $2 AND currency = $3`,
		userID, pool, int16(c)).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get share %s/%s: %w", userID, pool, err)
	}
	return model.Amount(amount), nil
}

func (s *PostgresStore) AdjustShare(ctx context.Context, userID, pool string, c model.Currency, delta model.Amount) (model.Amount, error) {
	return adjustShareQ(ctx, s.pool, userID, pool, c, delta)
}

func adjustShareQ(ctx context.Context, q querier, userID, pool string, c model.Currency, delta model.Amount) (model.Amount, error) {
	var amount int64
	if delta > 0 {
		err := q.QueryRow(ctx,
			`INSERT INTO pool_shares (user_id, pool, currency, amount) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, pool, currency) DO UPDATE SET amount = pool_shares.amount + EXCLUDED.amount
			 RETURNING amount`, userID, pool, int16(c), int64(delta)).Scan(&amount)
		if err != nil {
			return 0, fmt.Errorf("adjust share %s/%s: %w", userID, pool, err)
		}
		return model.Amount(amount), nil
	}

	err := q.QueryRow(ctx,
		`UPDATE pool_shares SET amount = amount + $4
		 WHERE user_id = $1 AND pool = $2 AND currency = $3 AND amount + $4 >= 0
		 RETURNING amount`, userID, pool, int16(c), int64(delta)).Scan(&amount)
	if err == nil {
		return model.Amount(amount), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("adjust share %s/%s: %w", userID, pool, err)
	}
	if delta == 0 {
		return 0, nil
	}
	return 0, fmt.Errorf("share %s/%s/%s delta %d: %w", userID, pool, c, delta, model.ErrInvariantViolation)
}

func (s *PostgresStore) ListShares(ctx context.Context, pool string, c model.Currency) ([]model.ShareEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, amount FROM pool_shares
		 WHERE pool = $1 AND currency = $2 AND amount > 0 ORDER BY seq`, pool, int16(c))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.ShareEntry
	for rows.Next() {
		var e model.ShareEntry
		var amount int64
		if err := rows.Scan(&e.UserID, &amount); err != nil {
			return nil, err
		}
		e.Amount = model.Amount(amount)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListUserShares(ctx context.Context, userID string) ([]model.PoolShare, error) {
	return listSharesQ(ctx, s.pool, userID)
}

func listSharesQ(ctx context.Context, q querier, userID string) ([]model.PoolShare, error) {
	rows, err := q.Query(ctx,
		`SELECT user_id, pool, currency, amount FROM pool_shares
		 WHERE ($1 = '' OR user_id = $1) AND amount > 0
		 ORDER BY pool, currency, user_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shares []model.PoolShare
	for rows.Next() {
		var sh model.PoolShare
		var currency int16
		var amount int64
		if err := rows.Scan(&sh.UserID, &sh.Pool, &currency, &amount); err != nil {
			return nil, err
		}
		sh.Currency, sh.Amount = model.Currency(currency), model.Amount(amount)
		shares = append(shares, sh)
	}
	return shares, rows.Err()
}

// --- Atomic compound units ---

func (s *PostgresStore) MoveToShare(ctx context.Context, userID, pool string, c model.Currency, amount model.Amount) error {
	if amount < 0 {
		return fmt.Errorf("move to share: negative amount %d: %w", amount, model.ErrValidation)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := adjustBalanceQ(ctx, tx, userID, c, -amount); err != nil {
			return err
		}
		_, err := adjustShareQ(ctx, tx, userID, pool, c, amount)
		return err
	})
}

func (s *PostgresStore) MoveFromShare(ctx context.Context, userID, pool string, c model.Currency, shareDebit, credit model.Amount) error {
	if shareDebit < 0 || credit < 0 {
		return fmt.Errorf("move from share: negative amounts %d/%d: %w", shareDebit, credit, model.ErrValidation)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := adjustShareQ(ctx, tx, userID, pool, c, -shareDebit); err != nil {
			return err
		}
		_, err := adjustBalanceQ(ctx, tx, userID, c, credit)
		return err
	})
}

func (s *PostgresStore) CreditTransfer(ctx context.Context, t model.CreditedTransfer) (bool, model.Amount, error) {
	if t.Amount <= 0 {
		return false, 0, fmt.Errorf("credit transfer %s: amount %d: %w", t.TransferRef, t.Amount, model.ErrValidation)
	}
	if t.CreditedAt.IsZero() {
		t.CreditedAt = time.Now().UTC()
	}
	var applied bool
	var balance model.Amount
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO credited_transfers (transfer_ref, user_id, currency, amount, credited_at)
			 SELECT $1, $2, $3, $4, $5 WHERE EXISTS (SELECT 1 FROM user_accounts WHERE user_id = $2)
			 ON CONFLICT (transfer_ref) DO NOTHING`,
			t.TransferRef, t.UserID, int16(t.Currency), int64(t.Amount), t.CreditedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Either already credited or the account is missing; the
			// balance read tells the two apart.
			balance, err = adjustBalanceQ(ctx, tx, t.UserID, t.Currency, 0)
			return err
		}
		applied = true
		balance, err = adjustBalanceQ(ctx, tx, t.UserID, t.Currency, t.Amount)
		return err
	})
	if err != nil {
		return false, 0, fmt.Errorf("credit transfer %s: %w", t.TransferRef, err)
	}
	return applied, balance, nil
}

func (s *PostgresStore) GetCreditedTransfer(ctx context.Context, ref string) (*model.CreditedTransfer, error) {
	var t model.CreditedTransfer
	var currency int16
	var amount int64
	err := s.pool.QueryRow(ctx,
		`SELECT transfer_ref, user_id, currency, amount, credited_at
		 FROM credited_transfers WHERE transfer_ref = $1`, ref).
		Scan(&t.TransferRef, &t.UserID, &currency, &amount, &t.CreditedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transfer %s: %w", ref, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", ref, err)
	}
	t.Currency, t.Amount = model.Currency(currency), model.Amount(amount)
	return &t, nil
}

// Snapshot reads every table inside one REPEATABLE READ transaction.
func (s *PostgresStore) Snapshot(ctx context.Context) (*model.LedgerSnapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("snapshot: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	snap := &model.LedgerSnapshot{TakenAt: time.Now().UTC()}

	rows, err := tx.Query(ctx,
		`SELECT user_id, address, unallocated_sol, unallocated_usdc, created_at
		 FROM user_accounts ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("snapshot accounts: %w", err)
	}
	for rows.Next() {
		var a model.UserAccount
		var sol, usdc int64
		if err := rows.Scan(&a.UserID, &a.Address, &sol, &usdc, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("snapshot accounts: %w", err)
		}
		a.UnallocatedSOL, a.UnallocatedUSDC = model.Amount(sol), model.Amount(usdc)
		snap.Accounts = append(snap.Accounts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot accounts: %w", err)
	}

	if snap.Positions, err = listPositionsQ(ctx, tx, ""); err != nil {
		return nil, fmt.Errorf("snapshot positions: %w", err)
	}
	if snap.Shares, err = listSharesQ(ctx, tx, ""); err != nil {
		return nil, fmt.Errorf("snapshot shares: %w", err)
	}

	rows, err = tx.Query(ctx,
		`SELECT transfer_ref, user_id, currency, amount, credited_at
		 FROM credited_transfers ORDER BY transfer_ref`)
	if err != nil {
		return nil, fmt.Errorf("snapshot transfers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t model.CreditedTransfer
		var currency int16
		var amount int64
		if err := rows.Scan(&t.TransferRef, &t.UserID, &currency, &amount, &t.CreditedAt); err != nil {
			return nil, fmt.Errorf("snapshot transfers: %w", err)
		}
		t.Currency, t.Amount = model.Currency(currency), model.Amount(amount)
		snap.Transfers = append(snap.Transfers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot transfers: %w", err)
	}
	return snap, nil
}
