package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-metering/config"
	"github.com/vnmchuo/llm-metering/internal/auth"
	"github.com/vnmchuo/llm-metering/internal/ledger"
	"github.com/vnmchuo/llm-metering/internal/logging"
	"github.com/vnmchuo/llm-metering/internal/metering"
	"github.com/vnmchuo/llm-metering/internal/pricing"
	"github.com/vnmchuo/llm-metering/internal/proration"
	"github.com/vnmchuo/llm-metering/internal/provider"
	"github.com/vnmchuo/llm-metering/internal/provider/anthropic"
	"github.com/vnmchuo/llm-metering/internal/provider/google"
	"github.com/vnmchuo/llm-metering/internal/provider/openai"
	"github.com/vnmchuo/llm-metering/internal/proxy"
	"github.com/vnmchuo/llm-metering/internal/rollover"
	"github.com/vnmchuo/llm-metering/internal/seeder"
	"github.com/vnmchuo/llm-metering/internal/subscription"
	"github.com/vnmchuo/llm-metering/internal/telemetry"
	"github.com/vnmchuo/llm-metering/internal/worker"
	"github.com/vnmchuo/llm-metering/migrations"
	"github.com/vnmchuo/llm-metering/pkg/ratelimit"
)

const serviceName = "llm-metering"

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logging
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("failed to init logging: %v", err)
	}

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()
	tracer := otel.GetTracerProvider().Tracer(serviceName)

	// 4. Connect PostgreSQL
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Info("PostgreSQL connected")

	// 5. Apply migrations if RUN_MIGRATIONS=true
	if cfg.RunMigrations {
		applied, err := migrations.Up(ctx, pool)
		if err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.WithField("applied", len(applied)).Info("Migrations complete")
	}

	// 6. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Info("Redis connected")

	// 7. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 8. Load rate card
	card, err := pricing.LoadRateCard(cfg.RateCardPath)
	if err != nil {
		log.Fatalf("failed to load rate card: %v", err)
	}

	// 9. Init stores
	ledgerStore := ledger.NewPostgresStore(pool)
	pricingStore := pricing.NewPostgresStore(pool)
	subStore := subscription.NewPostgresStore(pool)
	prorationStore := proration.NewPostgresStore(pool)

	// 10. Init ledger
	l, err := ledger.New(ledgerStore, ledger.Options{
		CreditUnitUSD: cfg.CreditUnitUSD,
		Timeout:       cfg.LedgerTimeout,
		VerifyOnRead:  cfg.VerifyBalanceOnRead,
		Drift:         rollover.AlertReporter{},
		Tracer:        tracer,
	})
	if err != nil {
		log.Fatalf("failed to init ledger: %v", err)
	}

	// 11. Seed test data if RUN_SEED=true; the resolver needs a global rule
	if os.Getenv("RUN_SEED") == "true" {
		err := seeder.Seed(ctx, seeder.Deps{
			Keys:          authStore,
			Pricing:       pricing.NewService(pricingStore, nil),
			Subscriptions: subStore,
			Ledger:        l,
		})
		if err != nil {
			log.Fatalf("failed to seed: %v", err)
		}
	}

	// 12. Init pricing
	resolver, err := pricing.NewResolver(ctx, pricingStore, subStore)
	if err != nil {
		log.Fatalf("failed to init pricing resolver: %v", err)
	}
	pricingSvc := pricing.NewService(pricingStore, resolver)

	// 13. Init meter, rollover and proration
	meter := metering.New(pricing.NewCalculator(card), resolver, l, cfg.MinPreflightCredits, tracer)
	cycles := rollover.NewService(l, cfg.RolloverCapCredits)
	engine := proration.NewEngine(subStore, card, prorationStore, l, proration.DeferredCharger{})

	// 14. Start background jobs
	queue := worker.NewMemoryQueue(worker.NewProcessor(cycles, meter), worker.QueueOptions{})
	go func() {
		if err := queue.Process(ctx); err != nil {
			log.WithError(err).Error("job queue stopped")
		}
	}()
	if cfg.ReconcileInterval > 0 {
		go worker.NewScheduler(queue, l, cfg.ReconcileInterval).Run(ctx)
	}

	// 15. Init providers and router
	providers := []provider.Provider{
		google.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		anthropic.New(cfg.AnthropicAPIKey),
	}
	router := proxy.NewRouter(providers, card)

	// 16. Init handlers
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	handler := proxy.NewHandler(router, meter, l, queue, limiter, tracer)
	admin := proxy.NewAdminHandler(l, cycles, engine, pricingSvc, queue, auth.NewRevoker(authStore, rdb))

	// 17. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"` + serviceName + `"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
		r.Get("/v1/balance", handler.HandleBalance)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/usage/daily", handler.HandleDailySummary)
	})

	// Admin routes
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(auth.NewAdminMiddleware(cfg.AdminToken))
		admin.Routes(r)
	})

	// 18. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Infof("LLM metering gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	cancel()
	log.Info("Server stopped")
}
