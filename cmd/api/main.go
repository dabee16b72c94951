package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/affiliate-ledger/api/routes"
	"github.com/angelmondragon/affiliate-ledger/internal/attribution"
	"github.com/angelmondragon/affiliate-ledger/internal/clicks"
	"github.com/angelmondragon/affiliate-ledger/internal/ledger"
	"github.com/angelmondragon/affiliate-ledger/internal/links"
	"github.com/angelmondragon/affiliate-ledger/internal/stats"
	"github.com/angelmondragon/affiliate-ledger/pkg/config"
	"github.com/angelmondragon/affiliate-ledger/pkg/db"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
	"github.com/angelmondragon/affiliate-ledger/pkg/metrics"
	"github.com/angelmondragon/affiliate-ledger/pkg/migrate"
	"github.com/angelmondragon/affiliate-ledger/pkg/outbox"
	"github.com/angelmondragon/affiliate-ledger/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	affiliateMetrics := metrics.NewAffiliateMetrics(prometheus.DefaultRegisterer)

	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	linkRepo := links.NewRepository(dbClient.DB())
	recordRepo := ledger.NewRepository(dbClient.DB())

	linkService, err := links.NewService(links.ServiceParams{
		Repository: linkRepo,
		DB:         dbClient,
		Outbox:     outboxService,
		Logger:     logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create link service", err)
		os.Exit(1)
	}

	clickService, err := clicks.NewService(clicks.ServiceParams{
		Repository:        clicks.NewRepository(dbClient.DB()),
		Links:             linkRepo,
		DB:                dbClient,
		Logger:            logg,
		Metrics:           affiliateMetrics,
		DedupWindow:       cfg.Affiliate.DedupWindow,
		AttributionWindow: cfg.Affiliate.DefaultAttributionWindow(),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create click service", err)
		os.Exit(1)
	}

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		Repository: recordRepo,
		Links:      linkRepo,
		DB:         dbClient,
		Outbox:     outboxService,
		Logger:     logg,
		Metrics:    affiliateMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}

	attributionService, err := attribution.NewService(attribution.ServiceParams{
		Clicks:  clicks.NewRepository(dbClient.DB()),
		Links:   linkRepo,
		Records: recordRepo,
		Ledger:  ledgerService,
		DB:      dbClient,
		Logger:  logg,
		Metrics: affiliateMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create attribution service", err)
		os.Exit(1)
	}

	statsService, err := stats.NewService(stats.ServiceParams{
		Repository: stats.NewRepository(dbClient.DB()),
		Links:      linkRepo,
		DB:         dbClient,
		Cache:      redisClient,
		Logger:     logg,
		Metrics:    affiliateMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stats service", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(cfg, logg, dbClient, redisClient, promhttp.Handler(), routes.Services{
			Links:       linkService,
			Clicks:      clickService,
			Attribution: attributionService,
			Ledger:      ledgerService,
			Stats:       statsService,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logg.Info(ctx, "api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "graceful shutdown failed", err)
		}
	}
}
