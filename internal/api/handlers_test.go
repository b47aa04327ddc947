package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pool-ledger/internal/api"
	"github.com/atmx/pool-ledger/internal/confirm"
	"github.com/atmx/pool-ledger/internal/funds"
	"github.com/atmx/pool-ledger/internal/liquidity"
	"github.com/atmx/pool-ledger/internal/liquidity/sim"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/rebalance"
	"github.com/atmx/pool-ledger/internal/store"
)

type testEnv struct {
	router http.Handler
	store  *store.MemoryStore
	oracle *sim.Oracle
	payout *sim.Payout
}

// newTestEnv wires the handlers over an in-memory store and simulated
// collaborators. Transfers finalize on their first lookup.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	oracle := sim.NewOracle(0)
	payout := sim.NewPayout()
	waiter := confirm.NewWaiter(oracle, 5*time.Millisecond, 100*time.Millisecond)
	fs := funds.NewService(ms, waiter, payout, nil)
	engine := rebalance.NewEngine(ms, nil, nil)
	liq := liquidity.NewService(
		sim.NewPool(liquidity.Pair{X: model.CurrencySOL, Y: model.CurrencyUSDC}),
		sim.NewRouter(decimal.NewFromInt(100), 0),
		engine, ms,
	)
	h := api.NewHandler(ms, fs, engine, liq, nil)
	return &testEnv{
		router: api.NewRouter(h, nil, 5*time.Second),
		store:  ms,
		oracle: oracle,
		payout: payout,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) signup(t *testing.T, userID string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/users/signup", api.SignupRequest{UserID: userID, Address: "addr-" + userID})
	require.Equal(t, http.StatusCreated, w.Code, "signup %s: %s", userID, w.Body.String())
}

func (e *testEnv) deposit(t *testing.T, userID, currency, amount, ref string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, "POST", "/api/v1/deposits", map[string]string{
		"user_id":      userID,
		"currency":     currency,
		"amount":       amount,
		"transfer_ref": ref,
	})
}

func (e *testEnv) openPosition(t *testing.T, pool string) model.PoolPosition {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/positions", api.OpenPositionRequest{Pool: pool, MinBin: -5, MaxBin: 5})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pos model.PoolPosition
	decodeBody(t, w, &pos)
	return pos
}

func (e *testEnv) balances(t *testing.T, userID string) funds.UserBalances {
	t.Helper()
	w := e.do(t, "GET", "/api/v1/users/"+userID+"/balances", nil)
	require.Equal(t, http.StatusOK, w.Code, "balances %s: %s", userID, w.Body.String())
	var b funds.UserBalances
	decodeBody(t, w, &b)
	return b
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	decodeBody(t, w, &resp)
	return resp["kind"]
}

// --- Users ---

func TestSignup(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice")

	w := env.do(t, "POST", "/api/v1/users/signup", api.SignupRequest{UserID: "alice"})
	assert.Equal(t, http.StatusConflict, w.Code, "duplicate signup")
	w = env.do(t, "POST", "/api/v1/users/signup", api.SignupRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code, "empty user")

	req := httptest.NewRequest("POST", "/api/v1/users/signup", bytes.NewReader([]byte("{bad")))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "malformed body")
}

func TestGetBalances_UnknownUser(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/users/ghost/balances", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorKind(t, w))
}

// --- Deposits ---

func TestDeposit_CreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice")

	w := env.deposit(t, "alice", "USDC", "12.5", "tx1")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res funds.DepositResult
	decodeBody(t, w, &res)
	assert.Equal(t, model.Amount(12_500_000), res.Balance)

	w = env.deposit(t, "alice", "USDC", "12.5", "tx1")
	require.Equal(t, http.StatusOK, w.Code, "replay: %s", w.Body.String())
	decodeBody(t, w, &res)
	assert.True(t, res.Duplicate, "replay should be reported as duplicate")
	assert.Equal(t, model.Amount(12_500_000), env.balances(t, "alice").UnallocatedUSDC)
}

func TestDeposit_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice")
	env.oracle.Set("failed-tx", confirm.StatusFailed)
	env.oracle.Set("lost-tx", confirm.StatusUnknown)

	tests := []struct {
		name     string
		user     string
		currency string
		amount   string
		ref      string
		want     int
	}{
		{"too many decimals", "alice", "USDC", "1.0000001", "a", http.StatusBadRequest},
		{"unknown currency", "alice", "BTC", "1", "b", http.StatusBadRequest},
		{"zero amount", "alice", "SOL", "0", "c", http.StatusBadRequest},
		{"unknown user", "ghost", "SOL", "1", "d", http.StatusNotFound},
		{"failed transfer", "alice", "SOL", "1", "failed-tx", http.StatusBadGateway},
		{"never seen", "alice", "SOL", "1", "lost-tx", http.StatusGatewayTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := env.deposit(t, tc.user, tc.currency, tc.amount, tc.ref)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
	b := env.balances(t, "alice")
	assert.Zero(t, b.UnallocatedSOL, "failed deposits must not credit")
	assert.Zero(t, b.UnallocatedUSDC)
}

func TestDeposit_PendingTimesOut(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice")
	env.oracle.Set("slow-tx", confirm.StatusPending)

	w := env.deposit(t, "alice", "SOL", "1", "slow-tx")
	require.Equal(t, http.StatusGatewayTimeout, w.Code, w.Body.String())
	assert.Equal(t, "confirmation_timeout", errorKind(t, w))
}

// --- Withdrawals ---

func TestWithdraw(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice")
	env.deposit(t, "alice", "SOL", "2", "tx1")

	w := env.do(t, "POST", "/api/v1/withdrawals", map[string]string{
		"user_id": "alice", "currency": "SOL", "amount": "0.5", "destination": "wallet",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	sent := env.payout.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, model.Amount(500_000_000), sent[0].Amount)

	w = env.do(t, "POST", "/api/v1/withdrawals", map[string]string{
		"user_id": "alice", "currency": "SOL", "amount": "5", "destination": "wallet",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "overdraw")

	env.payout.FailWith(errors.New("rpc down"))
	w = env.do(t, "POST", "/api/v1/withdrawals", map[string]string{
		"user_id": "alice", "currency": "SOL", "amount": "1", "destination": "wallet",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code, "payout failure")
	assert.Equal(t, model.Amount(1_500_000_000), env.balances(t, "alice").UnallocatedSOL, "debit reversed")
}

func TestReduceBalance(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice")
	env.deposit(t, "alice", "USDC", "10", "tx1")

	w := env.do(t, "POST", "/api/v1/balances/reduce", map[string]string{
		"user_id": "alice", "currency": "USDC", "amount": "4",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Balance model.Amount `json:"balance"`
	}
	decodeBody(t, w, &resp)
	assert.Equal(t, model.Amount(6_000_000), resp.Balance)

	w = env.do(t, "POST", "/api/v1/balances/reduce", map[string]string{
		"user_id": "alice", "currency": "USDC", "amount": "7",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// --- Liquidity ---

// Two users fund a position, it is fully withdrawn with a gain, and each
// gets back their share of the proceeds.
func TestLiquidityRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice")
	env.signup(t, "bob")
	env.deposit(t, "alice", "USDC", "300", "tx-a")
	env.deposit(t, "bob", "USDC", "100", "tx-b")

	pos := env.openPosition(t, "SOL-USDC")

	w := env.do(t, "POST", "/api/v1/liquidity/add", map[string]string{
		"pool": "SOL-USDC", "position_id": pos.PositionID, "amount_y": "200", "deposit_currency": "USDC",
	})
	require.Equal(t, http.StatusOK, w.Code, "add liquidity: %s", w.Body.String())

	w = env.do(t, "GET", "/api/v1/users/alice/shares", nil)
	var shares []api.ShareView
	decodeBody(t, w, &shares)
	require.Len(t, shares, 1)
	assert.Equal(t, model.Amount(150_000_000), shares[0].Amount)
	assert.Equal(t, model.Amount(200_000_000), shares[0].PoolTotal)
	assert.Equal(t, "0.750000", shares[0].Fraction)

	w = env.do(t, "GET", "/api/v1/admin/audit", nil)
	var report rebalance.Report
	decodeBody(t, w, &report)
	assert.Empty(t, report.Violations, "audit after allocate")

	w = env.do(t, "POST", "/api/v1/liquidity/remove", map[string]any{
		"pool": "SOL-USDC", "position_id": pos.PositionID, "bps": 10000, "claim_and_close": true, "swap_to": "USDC",
	})
	require.Equal(t, http.StatusOK, w.Code, "remove liquidity: %s", w.Body.String())
	var removed liquidity.RemoveResult
	decodeBody(t, w, &removed)
	assert.True(t, removed.Closed, "full withdrawal with claim_and_close closes the position")

	alice := env.balances(t, "alice")
	assert.Equal(t, model.Amount(300_000_000), alice.UnallocatedUSDC)
	assert.Empty(t, alice.Shares)
	assert.Equal(t, model.Amount(100_000_000), env.balances(t, "bob").UnallocatedUSDC)

	w = env.do(t, "GET", "/api/v1/positions", nil)
	var views []liquidity.PositionView
	decodeBody(t, w, &views)
	assert.Empty(t, views, "positions after close")
}

func TestAddLiquidity_Insufficient(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice")
	env.deposit(t, "alice", "USDC", "1", "tx")

	pos := env.openPosition(t, "p")
	w := env.do(t, "POST", "/api/v1/liquidity/add", map[string]string{
		"pool": "p", "position_id": pos.PositionID, "amount_y": "2", "deposit_currency": "USDC",
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
}

func TestAddLiquidity_SecondFundedPositionConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice")
	env.deposit(t, "alice", "USDC", "10", "tx")

	first := env.openPosition(t, "p")
	second := env.openPosition(t, "p")

	w := env.do(t, "POST", "/api/v1/liquidity/add", map[string]string{
		"pool": "p", "position_id": first.PositionID, "amount_y": "4", "deposit_currency": "USDC",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, "POST", "/api/v1/liquidity/add", map[string]string{
		"pool": "p", "position_id": second.PositionID, "amount_y": "4", "deposit_currency": "USDC",
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, "invalid_state", errorKind(t, w))
	assert.Equal(t, model.Amount(6_000_000), env.balances(t, "alice").UnallocatedUSDC)
}

func TestSwapAndClaim(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/swap", map[string]string{"in": "SOL", "out": "USDC", "amount": "1.5"})
	require.Equal(t, http.StatusOK, w.Code, "swap: %s", w.Body.String())
	var q liquidity.Quote
	decodeBody(t, w, &q)
	assert.Equal(t, model.Amount(150_000_000), q.AmountOut)

	w = env.do(t, "POST", "/api/v1/claim", api.ClaimRequest{Pool: "p", PositionID: "missing"})
	assert.Equal(t, http.StatusBadGateway, w.Code, "claim on unknown position")
}

// --- Admin ---

func TestSnapshotInline(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "alice")

	w := env.do(t, "POST", "/api/v1/admin/snapshot", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap model.LedgerSnapshot
	decodeBody(t, w, &snap)
	assert.Len(t, snap.Accounts, 1)
}

type fakeArchiver struct{ key string }

func (f fakeArchiver) Archive(context.Context) (string, error) { return f.key, nil }

func TestSnapshotArchived(t *testing.T) {
	ms := store.NewMemoryStore()
	h := api.NewHandler(ms, nil, nil, nil, fakeArchiver{key: "snapshots/x.json"})
	router := api.NewRouter(h, nil, time.Second)

	req := httptest.NewRequest("POST", "/api/v1/admin/snapshot", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	decodeBody(t, w, &resp)
	assert.Equal(t, "snapshots/x.json", resp["key"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
