package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/quadmarket/prediction-engine/internal/auth"
	"github.com/quadmarket/prediction-engine/internal/config"
	"github.com/quadmarket/prediction-engine/internal/metrics"
	"github.com/quadmarket/prediction-engine/internal/moderation"
	"github.com/quadmarket/prediction-engine/internal/ratelimit"
	"github.com/quadmarket/prediction-engine/internal/resolution"
	"github.com/quadmarket/prediction-engine/internal/store"
	"github.com/quadmarket/prediction-engine/internal/wager"
)

// devVerifier accepts "dev:<userID>" tokens. Only used when no auth
// secret is configured.
type devVerifier struct{}

func (devVerifier) Verify(token string) (string, bool) {
	id, ok := strings.CutPrefix(token, "dev:")
	return id, ok && id != ""
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Moderation oracle ---
	var oracle moderation.Oracle = moderation.ApproveAll{}
	policy := moderation.FailOpen
	if cfg.ModerationFailClosed {
		policy = moderation.FailClosed
	}
	if cfg.ModerationURL != "" {
		oracle = moderation.NewClient(cfg.ModerationURL, cfg.ModerationTimeout)
		slog.Info("moderation enabled", "url", cfg.ModerationURL, "fail_closed", cfg.ModerationFailClosed)
	} else {
		slog.Warn("MODERATION_URL not set, market content review disabled")
	}

	// --- Auth ---
	var verifier auth.Verifier
	if cfg.AuthSecret != "" {
		verifier = auth.NewHMACVerifier(cfg.AuthSecret)
	} else {
		slog.Warn("AUTH_SECRET not set, accepting dev tokens (dev:<userID>)")
		verifier = devVerifier{}
	}

	// --- WebSocket hub ---
	wsHub := wager.NewWSHub()
	go wsHub.Run()

	// --- Services ---
	wagerSvc := wager.NewService(st, oracle, policy, wsHub)
	resolutionSvc := resolution.NewService(st, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(ratelimit.Middleware(ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)))

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
		w.Write([]byte(`{"status":"ok","service":"prediction-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time market updates.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(verifier))

			// Users.
			r.Post("/users", wagerSvc.Register)
			r.Get("/users/me", wagerSvc.GetProfile)
			r.Get("/users/me/markets", wagerSvc.GetMyMarkets)
			r.Get("/leaderboard", wagerSvc.GetLeaderboard)

			// Markets and bets.
			r.Get("/markets", wagerSvc.ListMarkets)
			r.Post("/markets", wagerSvc.CreateMarket)
			r.Get("/markets/{marketID}", wagerSvc.GetMarket)
			r.Get("/markets/{marketID}/price", wagerSvc.GetPrice)
			r.Get("/markets/{marketID}/bets", wagerSvc.GetMarketBets)
			r.Post("/markets/{marketID}/bets", wagerSvc.PlaceBet)
			r.Post("/markets/{marketID}/close", wagerSvc.CloseMarket)
			r.Delete("/markets/{marketID}", wagerSvc.DeleteMarket)

			// Resolution workflow.
			r.Get("/resolution-requests", resolutionSvc.ListPendingRequests)
			r.Post("/markets/{marketID}/resolution-requests", resolutionSvc.RequestResolution)
			r.Post("/markets/{marketID}/resolution-requests/{requestID}/accept", resolutionSvc.AcceptResolution)
			r.Delete("/markets/{marketID}/resolution-requests/{requestID}", resolutionSvc.RejectResolution)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("prediction-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down prediction-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("prediction-engine stopped")
}
