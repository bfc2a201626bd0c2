// botd hosts the multi-tenant store bot platform: it boots the ledger,
// starts every registered tenant runtime, runs the lease sweep, and exposes
// the operator HTTP API.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	ordersrepo "github.com/aisarahjmlh/viletorder/domains/orders/be/repo"
	ordersservice "github.com/aisarahjmlh/viletorder/domains/orders/be/service"
	"github.com/aisarahjmlh/viletorder/domains/payments/be/gateway"
	rentalservice "github.com/aisarahjmlh/viletorder/domains/rental/be/service"
	tenantshandler "github.com/aisarahjmlh/viletorder/domains/tenants/be/handler"
	tenantsrepo "github.com/aisarahjmlh/viletorder/domains/tenants/be/repo"
	tenantsservice "github.com/aisarahjmlh/viletorder/domains/tenants/be/service"
	platformauth "github.com/aisarahjmlh/viletorder/platform/go/auth"
	platformlogging "github.com/aisarahjmlh/viletorder/platform/go/logging"
	platformmiddleware "github.com/aisarahjmlh/viletorder/platform/go/middleware"
	"github.com/aisarahjmlh/viletorder/platform/go/persistence"
	"github.com/aisarahjmlh/viletorder/platform/go/telegram"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	JWTSigningKey   string        `env:"JWT_SIGNING_KEY,required"`

	// The platform's own sales bot; leave unset to run headless.
	OwnerBotToken      string `env:"OWNER_BOT_TOKEN"`
	OwnerPayAPIKey     string `env:"OWNER_PAY_API_KEY"`
	OwnerPaySecretKey  string `env:"OWNER_PAY_SECRET_KEY"`
	OwnerPayProduction bool   `env:"OWNER_PAY_PRODUCTION" envDefault:"false"`
	RentalPrice        int64  `env:"RENTAL_PRICE" envDefault:"50000"`
}

func main() {
	ctx := context.Background()

	// Local development convenience; a missing file is fine.
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "botd",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	pool, err := persistence.NewPool(ctx, persistence.PoolConfig{ConnString: cfg.DatabaseURL})
	if err != nil {
		logger.Fatal("init postgres pool", zap.Error(err))
	}
	defer persistence.ClosePool(pool)

	if err := persistence.Bootstrap(ctx, pool); err != nil {
		logger.Fatal("apply schema", zap.Error(err))
	}

	ledgerRepo, err := ordersrepo.NewPostgres(pool)
	if err != nil {
		logger.Fatal("init ledger repo", zap.Error(err))
	}
	engine := ordersservice.New(ledgerRepo, logger)

	tenantRepo, err := tenantsrepo.NewPostgres(pool)
	if err != nil {
		logger.Fatal("init tenant repo", zap.Error(err))
	}

	dialer := telegram.NewDialer()
	manager := tenantsservice.NewManager(tenantRepo, dialer, engine, nil,
		tenantsservice.DefaultCheckerFactory, logger)

	if err := manager.StartAll(ctx); err != nil {
		logger.Fatal("start tenants", zap.Error(err))
	}
	manager.StartSweep(ctx)

	ownerRuntime := startOwnerBot(ctx, cfg, dialer, engine, manager, logger)

	router := chi.NewRouter()
	router.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)
	router.Use(platformlogging.RequestLogger(logger))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	opsRouter := chi.NewRouter()
	opsRouter.Use(platformauth.Middleware([]byte(cfg.JWTSigningKey)))
	tenantshandler.New(manager, logger).Routes(opsRouter)
	router.Mount("/api/v1", opsRouter)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting ops server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	manager.StopSweep()
	if ownerRuntime != nil {
		ownerRuntime.Stop()
	}
	manager.StopAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// startOwnerBot brings up the platform's own sales bot with the rental flow
// as its command surface. Returns nil in headless deployments.
func startOwnerBot(ctx context.Context, cfg config, dialer *telegram.Dialer, engine *ordersservice.Engine, manager *tenantsservice.Manager, logger *zap.Logger) *tenantsservice.Runtime {
	if cfg.OwnerBotToken == "" || cfg.OwnerPayAPIKey == "" || cfg.OwnerPaySecretKey == "" {
		logger.Info("owner bot not configured, rental flow disabled")
		return nil
	}
	payments, err := gateway.New(gateway.Config{
		APIKey:     cfg.OwnerPayAPIKey,
		SecretKey:  cfg.OwnerPaySecretKey,
		Production: cfg.OwnerPayProduction,
	})
	if err != nil {
		logger.Fatal("init owner gateway client", zap.Error(err))
	}
	flow := rentalservice.NewFlow(payments, manager, logger, rentalservice.Config{
		PricePerMonth: cfg.RentalPrice,
	})

	rt := tenantsservice.NewRuntime(tenantsservice.Tenant{
		ID:         "owner",
		Credential: cfg.OwnerBotToken,
	}, dialer, engine, flow, nil, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("start owner bot", zap.Error(err))
		return nil
	}
	return rt
}
