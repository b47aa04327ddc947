package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/pool-ledger/internal/api"
	"github.com/atmx/pool-ledger/internal/archive"
	"github.com/atmx/pool-ledger/internal/chain/evm"
	"github.com/atmx/pool-ledger/internal/config"
	"github.com/atmx/pool-ledger/internal/confirm"
	"github.com/atmx/pool-ledger/internal/funds"
	"github.com/atmx/pool-ledger/internal/liquidity"
	"github.com/atmx/pool-ledger/internal/liquidity/sim"
	"github.com/atmx/pool-ledger/internal/model"
	"github.com/atmx/pool-ledger/internal/rebalance"
	"github.com/atmx/pool-ledger/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("LEDGER_CONFIG"), "path to TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("pool-ledger exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("pool-ledger stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Store and pool locker ---
	var st store.Store
	var locker store.PoolLocker = store.NewKeyLocker()
	var rdb *redis.Client

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		locker = store.NewRedisLocker(rdb, cfg.Redis.LockTTL.Duration, 50*time.Millisecond)
		slog.Info("redis pool lock enabled")
	}

	if cfg.Database.URL != "" {
		pcfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("invalid database url: %w", err)
		}
		if cfg.Database.MaxConns > 0 {
			pcfg.MaxConns = int32(cfg.Database.MaxConns)
		}
		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- External collaborators ---
	pair := liquidity.Pair{X: model.CurrencySOL, Y: model.CurrencyUSDC}
	pool := sim.NewPool(pair)
	router := sim.NewRouter(cfg.SOLPrice(), cfg.Sim.SwapFeeBPS)
	payout := sim.NewPayout()

	var provider confirm.TransactionStatusProvider
	switch strings.ToLower(cfg.Mode) {
	case "evm":
		p, closeFn, err := evm.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.Confirmations)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, closeFn)
		provider = p
		slog.Info("transfer confirmations from EVM node", "confirmations", cfg.Chain.Confirmations)
	default:
		provider = sim.NewOracle(cfg.Sim.FinalizeAfter)
		slog.Warn("simulated transfer oracle in use", "finalize_after", cfg.Sim.FinalizeAfter)
	}
	waiter := confirm.NewWaiter(provider, cfg.Confirm.PollInterval.Duration, cfg.Confirm.MaxWait.Duration)

	// --- Services ---
	hub := api.NewHub()
	fundsSvc := funds.NewService(st, waiter, payout, hub)
	engine := rebalance.NewEngine(st, locker, hub)
	liq := liquidity.NewService(pool, router, engine, st)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })

	var archiver api.Archiver
	if cfg.Archive.Enabled {
		client, err := archive.NewS3Client(ctx, archive.S3Config{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		a := archive.New(st, client, cfg.Archive.Bucket, cfg.Archive.Prefix)
		archiver = a
		g.Go(func() error { return a.Run(ctx, cfg.Archive.Interval.Duration) })
		slog.Info("snapshot archiving enabled", "bucket", cfg.Archive.Bucket, "interval", cfg.Archive.Interval.String())
	}

	// --- HTTP ---
	handler := api.NewHandler(st, fundsSvc, engine, liq, archiver)
	timeout := cfg.Server.RequestTimeout.Duration
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      api.NewRouter(handler, hub, timeout),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g.Go(func() error {
		slog.Info("pool-ledger listening", "port", cfg.Server.Port, "mode", cfg.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down pool-ledger...")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Duration)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}
