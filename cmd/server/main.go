package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/config"
	"github.com/gridprix/market-engine/internal/engine"
	"github.com/gridprix/market-engine/internal/keylock"
	"github.com/gridprix/market-engine/internal/metrics"
	"github.com/gridprix/market-engine/internal/risk"
	"github.com/gridprix/market-engine/internal/settlement"
	"github.com/gridprix/market-engine/internal/store"
	"github.com/gridprix/market-engine/internal/wallet"
)

func main() {
	configPath := flag.String("config", os.Getenv("GRIDPRIX_CONFIG"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	// --- Store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			slog.Error("invalid database url", "err", err)
			os.Exit(1)
		}
		poolCfg.MaxConns = cfg.Database.MaxConns
		poolCfg.MinConns = cfg.Database.MinConns

		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL)
			slog.Info("Redis cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL)
		}
	} else {
		slog.Warn("database.url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Services ---
	locks := keylock.NewTable()
	limiter := risk.NewLimiter(
		decimal.NewFromFloat(cfg.Risk.MaxSharesPerMarket),
		decimal.NewFromFloat(cfg.Risk.MaxSharesPerEvent),
	)

	wsHub := engine.NewWSHub()
	go wsHub.Run()

	engineSvc := engine.NewService(st, locks, limiter, wsHub)
	walletSvc := wallet.NewService(st, locks)
	settlementSvc := settlement.NewService(st, locks, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time price and settlement updates.
		r.Get("/ws", wsHub.HandleWS)

		// Markets and trading.
		r.Get("/markets", engineSvc.HandleListMarkets)
		r.Post("/markets", engineSvc.HandleCreateMarket)
		r.Get("/markets/{marketID}", engineSvc.HandleGetMarket)
		r.Get("/markets/{marketID}/quote", engineSvc.HandleQuote)
		r.Post("/markets/{marketID}/buy", engineSvc.HandleBuy)
		r.Post("/markets/{marketID}/sell", engineSvc.HandleSell)
		r.Get("/markets/{marketID}/history", engineSvc.HandleHistory)
		r.Get("/markets/{marketID}/position", engineSvc.HandlePosition)
		r.Get("/markets/{marketID}/settlement", engineSvc.HandleGetSettlement)

		// Portfolio.
		r.Get("/portfolio/{userID}", engineSvc.HandlePortfolio)

		// Wallets and ledger.
		r.Get("/wallets/{userID}", walletSvc.HandleGet)
		r.Post("/wallets/{userID}/deposit", walletSvc.HandleDeposit)
		r.Post("/wallets/{userID}/withdraw", walletSvc.HandleWithdraw)
		r.Get("/wallets/{userID}/ledger", walletSvc.HandleLedger)
		r.Get("/wallets/{userID}/reconcile", walletSvc.HandleReconcile)

		// Events, results, and settlement.
		r.Post("/events", settlementSvc.HandleCreateEvent)
		r.Put("/events/{eventID}/results", settlementSvc.HandlePutResult)
		r.Post("/events/{eventID}/close", settlementSvc.HandleCloseEvent)
		r.Post("/events/{eventID}/settle", settlementSvc.HandleSettleEvent)
		r.Get("/events/{eventID}/settlement-preview", settlementSvc.HandlePreviewEvent)
		r.Put("/scoring-rules", settlementSvc.HandlePutScoringRule)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

// setupLogging installs the default slog handler from config.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
