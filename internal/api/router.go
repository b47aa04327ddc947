package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/pool-ledger/internal/metrics"
)

// NewRouter mounts every route under /api/v1 plus /health and /metrics.
// hub may be nil to disable the WebSocket endpoint. timeout bounds each
// request and must cover the longest deposit confirmation wait.
func NewRouter(h *Handler, hub *Hub, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for browser dashboards.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"pool-ledger"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			r.Get("/ws", hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			// Users and balances.
			r.Post("/users/signup", h.Signup)
			r.Get("/users/{userID}/balances", h.GetBalances)
			r.Get("/users/{userID}/shares", h.GetShares)
			r.Get("/balances/total", h.TotalBalances)
			r.Post("/balances/reduce", h.ReduceBalance)

			// Funds in and out.
			r.Post("/deposits", h.Deposit)
			r.Post("/withdrawals", h.Withdraw)

			// Positions and liquidity.
			r.Post("/positions", h.OpenPosition)
			r.Get("/positions", h.ListPositions)
			r.Post("/liquidity/add", h.AddLiquidity)
			r.Post("/liquidity/remove", h.RemoveLiquidity)
			r.Post("/swap", h.Swap)
			r.Post("/claim", h.ClaimFees)

			// Admin.
			r.Get("/admin/audit", h.Audit)
			r.Post("/admin/snapshot", h.Snapshot)
		})
	})
	return r
}
