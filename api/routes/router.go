package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/affiliate-ledger/api/controllers"
	commissioncontrollers "github.com/angelmondragon/affiliate-ledger/api/controllers/commissions"
	linkcontrollers "github.com/angelmondragon/affiliate-ledger/api/controllers/links"
	purchasecontrollers "github.com/angelmondragon/affiliate-ledger/api/controllers/purchases"
	statscontrollers "github.com/angelmondragon/affiliate-ledger/api/controllers/stats"
	trackingcontrollers "github.com/angelmondragon/affiliate-ledger/api/controllers/tracking"
	"github.com/angelmondragon/affiliate-ledger/api/middleware"
	"github.com/angelmondragon/affiliate-ledger/internal/attribution"
	"github.com/angelmondragon/affiliate-ledger/internal/clicks"
	"github.com/angelmondragon/affiliate-ledger/internal/ledger"
	"github.com/angelmondragon/affiliate-ledger/internal/links"
	"github.com/angelmondragon/affiliate-ledger/internal/stats"
	"github.com/angelmondragon/affiliate-ledger/pkg/config"
	"github.com/angelmondragon/affiliate-ledger/pkg/db"
	"github.com/angelmondragon/affiliate-ledger/pkg/enums"
	"github.com/angelmondragon/affiliate-ledger/pkg/logger"
	"github.com/angelmondragon/affiliate-ledger/pkg/redis"
)

// RedisClient is the slice of the redis client the HTTP layer depends on.
type RedisClient interface {
	redis.IdempotencyStore
	redis.RateLimiter
	redis.Pinger
}

// Services bundles the domain services served over HTTP.
type Services struct {
	Links       links.Service
	Clicks      clicks.Service
	Attribution attribution.Service
	Ledger      ledger.Service
	Stats       stats.Service
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient RedisClient,
	metricsHandler http.Handler,
	svc Services,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	clickPolicy := middleware.NewRateLimitPolicy(
		"clicks",
		cfg.Affiliate.ClickRateLimitWindow,
		cfg.Affiliate.ClickRateLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, map[string]controllers.Pinger{
			"database": dbP,
			"redis":    redisClient,
		}))
	})
	r.Handle("/metrics", metricsHandler)

	r.Route("/api/v1/track", func(r chi.Router) {
		r.With(middleware.RateLimit(clickPolicy, redisClient, logg)).Post("/clicks", trackingcontrollers.TrackClick(svc.Clicks, logg))
	})

	r.Route("/api/v1/internal", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(enums.ActorRoleService, logg))
		r.Use(middleware.Idempotency(redisClient, cfg.Affiliate.IdempotencyTTL, logg))

		r.Post("/purchases", purchasecontrollers.PurchaseCompleted(svc.Attribution, logg))
	})

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(enums.ActorRoleAdmin, logg))
		r.Use(middleware.Idempotency(redisClient, cfg.Affiliate.IdempotencyTTL, logg))

		r.Route("/links", func(r chi.Router) {
			r.Get("/", linkcontrollers.List(svc.Links, logg))
			r.Post("/", linkcontrollers.Create(svc.Links, logg))
			r.Route("/{linkId}", func(r chi.Router) {
				r.Get("/", linkcontrollers.Get(svc.Links, logg))
				r.Patch("/", linkcontrollers.Update(svc.Links, logg))
				r.Post("/deactivate", linkcontrollers.Deactivate(svc.Links, logg))
				r.Post("/reactivate", linkcontrollers.Reactivate(svc.Links, logg))
				r.Get("/stats", statscontrollers.LinkStats(svc.Stats, logg))
				r.Post("/stats/reconcile", statscontrollers.Reconcile(svc.Stats, logg))
			})
		})

		r.Route("/commissions", func(r chi.Router) {
			r.Get("/", commissioncontrollers.List(svc.Ledger, logg))
			r.Route("/{commissionId}", func(r chi.Router) {
				r.Get("/", commissioncontrollers.Get(svc.Ledger, logg))
				r.Get("/history", commissioncontrollers.History(svc.Ledger, logg))
				r.Post("/approve", commissioncontrollers.Approve(svc.Ledger, logg))
				r.Post("/pay", commissioncontrollers.Pay(svc.Ledger, logg))
				r.Post("/cancel", commissioncontrollers.Cancel(svc.Ledger, logg))
			})
		})

		r.Get("/stats", statscontrollers.GlobalStats(svc.Stats, logg))
		r.Post("/stats/reconcile", statscontrollers.ReconcileAll(svc.Stats, logg))
	})

	return r
}
