package routes

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/beaconevents/beacon/internal/infra/config"
	"github.com/beaconevents/beacon/internal/infra/security"
	"github.com/beaconevents/beacon/internal/transport/http/handlers"
	"github.com/beaconevents/beacon/internal/transport/http/middleware"
	"github.com/beaconevents/beacon/internal/usecase"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Auth       *usecase.AuthService
	Records    *usecase.RecordService
	Moderation *usecase.ModerationService
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config     *config.AppConfig
	Logger     *zap.Logger
	Services   ServiceSet
	SigningKey *security.Key
	Database   DatabaseChecker
	Cache      CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.CORS(deps.Config.App.CORSOrigins))

	if metrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{}); err == nil {
		r.Use(metrics.Handler())
	} else if deps.Logger != nil {
		deps.Logger.Warn("init http metrics", zap.Error(err))
	}

	healthOptions := make([]handlers.HealthOption, 0, 2)

	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("database", deps.Database.Ping))
	}

	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}

	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	oauthHandler := handlers.NewOAuthHandler(deps.Services.Auth, deps.Config.OAuth, deps.SigningKey)
	oauthHandler.RegisterRoutes(r)

	api := r.Group("/api/v1")
	{
		eventHandler := handlers.NewEventHandler(deps.Services.Records)
		eventHandler.RegisterRoutes(api)

		if deps.Services.Auth != nil {
			requireSession := middleware.RequireSession(deps.Services.Auth)

			authed := api.Group("")
			authed.Use(requireSession)
			eventHandler.RegisterAuthedRoutes(authed)
			authed.GET("/session", oauthHandler.Session)

			if deps.Services.Moderation != nil {
				adminGroup := api.Group("/admin")
				adminGroup.Use(requireSession)
				adminHandler := handlers.NewAdminHandler(deps.Services.Moderation)
				adminHandler.RegisterRoutes(adminGroup)
			}
		}
	}

	return r
}
