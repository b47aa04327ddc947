// Package api exposes the ledger over HTTP and pushes ledger events to
// WebSocket subscribers.
//
// Request amounts are decimal strings in major units of their currency
// ("12.5" USDC). Responses report amounts in minor units.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/pool-ledger/internal/funds"
	"github.com/atmx/pool-ledger/internal/liquidity"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/rebalance"
	"github.com/atmx/pool-ledger/internal/store"
)

// Archiver persists a ledger snapshot and returns where it went.
type Archiver interface {
	Archive(ctx context.Context) (string, error)
}

// Handler serves the ledger endpoints.
type Handler struct {
	store     store.Store
	funds     *funds.Service
	engine    *rebalance.Engine
	liquidity *liquidity.Service
	archiver  Archiver // optional
}

// NewHandler wires the HTTP handlers. archiver may be nil, in which case
// POST /admin/snapshot returns the snapshot in the response body.
func NewHandler(st store.Store, fs *funds.Service, engine *rebalance.Engine, liq *liquidity.Service, archiver Archiver) *Handler {
	return &Handler{store: st, funds: fs, engine: engine, liquidity: liq, archiver: archiver}
}

// --- Request types ---

// SignupRequest is the JSON body for POST /users/signup.
type SignupRequest struct {
	UserID  string `json:"user_id"`
	Address string `json:"address"`
}

// DepositRequest is the JSON body for POST /deposits.
type DepositRequest struct {
	UserID      string         `json:"user_id"`
	Currency    model.Currency `json:"currency"`
	Amount      string         `json:"amount"`
	TransferRef string         `json:"transfer_ref"`
}

// WithdrawRequest is the JSON body for POST /withdrawals.
type WithdrawRequest struct {
	UserID      string         `json:"user_id"`
	Currency    model.Currency `json:"currency"`
	Amount      string         `json:"amount"`
	Destination string         `json:"destination"`
}

// ReduceRequest is the JSON body for POST /balances/reduce.
type ReduceRequest struct {
	UserID   string         `json:"user_id"`
	Currency model.Currency `json:"currency"`
	Amount   string         `json:"amount"`
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	Pool     string `json:"pool"`
	MinBin   int    `json:"min_bin"`
	MaxBin   int    `json:"max_bin"`
	Strategy string `json:"strategy"`
}

// AddLiquidityRequest is the JSON body for POST /liquidity/add. AmountX and
// AmountY are in the pool's X and Y currencies.
type AddLiquidityRequest struct {
	Pool            string         `json:"pool"`
	PositionID      string         `json:"position_id"`
	AmountX         string         `json:"amount_x"`
	AmountY         string         `json:"amount_y"`
	DepositCurrency model.Currency `json:"deposit_currency"`
}

// SwapRequest is the JSON body for POST /swap.
type SwapRequest struct {
	In     model.Currency `json:"in"`
	Out    model.Currency `json:"out"`
	Amount string         `json:"amount"`
}

// ClaimRequest is the JSON body for POST /claim.
type ClaimRequest struct {
	Pool       string `json:"pool"`
	PositionID string `json:"position_id"`
}

// ShareView is one of a user's pool shares next to the pool's total.
type ShareView struct {
	Pool      string         `json:"pool"`
	Currency  model.Currency `json:"currency"`
	Amount    model.Amount   `json:"amount"`
	PoolTotal model.Amount   `json:"pool_total"`
	Fraction  string         `json:"fraction"`
}

// --- Users and balances ---

// Signup handles POST /api/v1/users/signup
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.funds.OpenAccount(r.Context(), req.UserID, req.Address)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetBalances handles GET /api/v1/users/{userID}/balances
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	b, err := h.funds.Balances(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetShares handles GET /api/v1/users/{userID}/shares
func (h *Handler) GetShares(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "userID")
	if _, err := h.store.GetAccount(ctx, userID); err != nil {
		writeErr(w, err)
		return
	}
	shares, err := h.store.ListUserShares(ctx, userID)
	if err != nil {
		writeErr(w, err)
		return
	}

	views := make([]ShareView, 0, len(shares))
	for _, s := range shares {
		entries, err := h.store.ListShares(ctx, s.Pool, s.Currency)
		if err != nil {
			writeErr(w, err)
			return
		}
		var total model.Amount
		for _, e := range entries {
			total += e.Amount
		}
		views = append(views, ShareView{
			Pool:      s.Pool,
			Currency:  s.Currency,
			Amount:    s.Amount,
			PoolTotal: total,
			Fraction:  model.Ratio(s.Amount, total).StringFixed(6),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// TotalBalances handles GET /api/v1/balances/total
func (h *Handler) TotalBalances(w http.ResponseWriter, r *http.Request) {
	totals, err := h.funds.TotalUnallocated(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := make(map[string]model.Amount, len(totals))
	for c, a := range totals {
		resp[c.String()] = a
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Deposits and withdrawals ---

// Deposit handles POST /api/v1/deposits
// Blocks until the transfer is confirmed, fails, or the wait times out.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := model.ParseAmount(req.Amount, req.Currency)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := h.funds.ConfirmAndCreditDeposit(r.Context(), req.UserID, req.Currency, amount, req.TransferRef)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// Withdraw handles POST /api/v1/withdrawals
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := model.ParseAmount(req.Amount, req.Currency)
	if err != nil {
		writeErr(w, err)
		return
	}
	res, err := h.funds.WithdrawToUser(r.Context(), req.UserID, req.Currency, amount, req.Destination)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReduceBalance handles POST /api/v1/balances/reduce
func (h *Handler) ReduceBalance(w http.ResponseWriter, r *http.Request) {
	var req ReduceRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := model.ParseAmount(req.Amount, req.Currency)
	if err != nil {
		writeErr(w, err)
		return
	}
	bal, err := h.funds.DebitForWithdrawal(r.Context(), req.UserID, req.Currency, amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  req.UserID,
		"currency": req.Currency,
		"balance":  bal,
	})
}

// --- Positions and liquidity ---

// OpenPosition handles POST /api/v1/positions
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if !decode(w, r, &req) {
		return
	}
	pos, err := h.liquidity.OpenPosition(r.Context(), req.Pool, liquidity.Range{
		MinBin:   req.MinBin,
		MaxBin:   req.MaxBin,
		Strategy: req.Strategy,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ListPositions handles GET /api/v1/positions?pool=
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	views, err := h.liquidity.Positions(r.Context(), r.URL.Query().Get("pool"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// AddLiquidity handles POST /api/v1/liquidity/add
func (h *Handler) AddLiquidity(w http.ResponseWriter, r *http.Request) {
	var req AddLiquidityRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	pair, err := h.liquidity.Pair(ctx, req.Pool)
	if err != nil {
		writeErr(w, err)
		return
	}
	var amounts liquidity.Tokens
	if amounts.X, err = parseOptional(req.AmountX, pair.X); err != nil {
		writeErr(w, err)
		return
	}
	if amounts.Y, err = parseOptional(req.AmountY, pair.Y); err != nil {
		writeErr(w, err)
		return
	}
	res, err := h.liquidity.AddLiquidity(ctx, liquidity.AddRequest{
		Pool:            req.Pool,
		PositionID:      req.PositionID,
		Amounts:         amounts,
		DepositCurrency: req.DepositCurrency,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RemoveLiquidity handles POST /api/v1/liquidity/remove
func (h *Handler) RemoveLiquidity(w http.ResponseWriter, r *http.Request) {
	var req liquidity.RemoveRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.liquidity.RemoveLiquidity(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Swap handles POST /api/v1/swap
func (h *Handler) Swap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := model.ParseAmount(req.Amount, req.In)
	if err != nil {
		writeErr(w, err)
		return
	}
	q, err := h.liquidity.Swap(r.Context(), req.In, req.Out, amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ClaimFees handles POST /api/v1/claim
func (h *Handler) ClaimFees(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	fees, err := h.liquidity.ClaimFees(r.Context(), req.Pool, req.PositionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fees)
}

// --- Admin ---

// Audit handles GET /api/v1/admin/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Audit(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Snapshot handles POST /api/v1/admin/snapshot
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		snap, err := h.store.Snapshot(r.Context())
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	key, err := h.archiver.Archive(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// --- helpers ---

func parseOptional(s string, c model.Currency) (model.Amount, error) {
	if s == "" {
		return 0, nil
	}
	return model.ParseAmount(s, c)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindAlreadyExists, model.KindInvalidState:
		return http.StatusConflict
	case model.KindInsufficientBalance:
		return http.StatusUnprocessableEntity
	case model.KindExternalCall:
		return http.StatusBadGateway
	case model.KindConfirmationTimeout:
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeErr writes err with the status its kind maps to.
func writeErr(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout && status != http.StatusBadGateway {
		slog.Error("request failed", "err", err)
	}
	kind := model.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": string(kind)})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "kind": string(model.KindValidation)})
}
