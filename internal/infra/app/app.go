package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/beaconevents/beacon/internal/atproto"
	"github.com/beaconevents/beacon/internal/core/port"
	"github.com/beaconevents/beacon/internal/infra/config"
	"github.com/beaconevents/beacon/internal/infra/database"
	kafkainfra "github.com/beaconevents/beacon/internal/infra/kafka"
	"github.com/beaconevents/beacon/internal/infra/logger"
	redisinfra "github.com/beaconevents/beacon/internal/infra/redis"
	"github.com/beaconevents/beacon/internal/infra/security"
	"github.com/beaconevents/beacon/internal/infra/telemetry"
	postgresrepo "github.com/beaconevents/beacon/internal/repository/postgres"
	redisrepo "github.com/beaconevents/beacon/internal/repository/redis"
	"github.com/beaconevents/beacon/internal/transport/http/routes"
	"github.com/beaconevents/beacon/internal/usecase"
	"github.com/beaconevents/beacon/internal/worker"
)

const requestCleanupInterval = 5 * time.Minute

type Application struct {
	cfg      *config.AppConfig
	engine   *gin.Engine
	logger   *zap.Logger
	pool     *pgxpool.Pool
	redis    *redisinfra.Client
	producer *kafkainfra.Producer
	auth     *usecase.AuthService
	refresh  *worker.RefreshWorker
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	metrics, err := telemetry.Attach(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	redisClient, err := redisinfra.NewClient(cfg.Redis, log)
	if err != nil {
		return nil, fmt.Errorf("init redis: %w", err)
	}

	signingKey, err := loadSigningKey(cfg.OAuth, log)
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("init signing key: %w", err)
	}

	// Initialize Kafka event publisher
	var producer *kafkainfra.Producer
	var eventPublisher port.EventPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaProducer, err := kafkainfra.NewProducer(cfg.Kafka, log)
		if err != nil {
			log.Warn("failed to init kafka producer, using stub publisher", zap.Error(err))
			eventPublisher = kafkainfra.NewStubPublisher(log)
		} else {
			producer = kafkaProducer
			eventPublisher = kafkainfra.NewEventPublisher(kafkaProducer, cfg.App, log)
			log.Info("kafka event publisher initialized", zap.Strings("brokers", cfg.Kafka.Brokers))
		}
	} else {
		log.Info("kafka brokers not configured, using stub publisher")
		eventPublisher = kafkainfra.NewStubPublisher(log)
	}

	outbound := security.NewOutboundClient(cfg.Resolver.HTTPTimeout)
	directory := atproto.NewDirectory(outbound, cfg.Resolver.PLCHost, log)

	nonces := redisrepo.NewNonceRepository(redisClient.Client(), cfg.Redis.NoncePrefix)
	queue := redisrepo.NewRefreshQueueRepository(redisClient.Client(), cfg.Redis.QueuePrefix)

	oauthClient := atproto.NewOAuthClient(outbound, nonces, cfg.OAuth.ClientID, cfg.OAuth.RedirectURI, log)
	pdsClient := atproto.NewClient(outbound, nonces, log)

	identityRepo := postgresrepo.NewIdentityRepository(pool)
	requestRepo := postgresrepo.NewAuthRequestRepository(pool)
	sessionRepo := postgresrepo.NewSessionRepository(pool)
	eventRepo := postgresrepo.NewEventRepository(pool)
	rsvpRepo := postgresrepo.NewRsvpRepository(pool)
	denylistRepo := postgresrepo.NewDenylistRepository(pool)

	identities := usecase.NewIdentityService(identityRepo, directory, cfg.Resolver.IdentityMaxAge, log)
	moderation := usecase.NewModerationService(denylistRepo, log)
	auth := usecase.NewAuthService(usecase.AuthConfig{
		RequestTTL:     cfg.OAuth.RequestTTL,
		SessionCeiling: cfg.OAuth.SessionCeiling,
	}, requestRepo, sessionRepo, queue, identities, oauthClient, eventPublisher, signingKey, log)
	records := usecase.NewRecordService(eventRepo, rsvpRepo, identities, moderation, pdsClient, eventPublisher, log)

	identities.WithMetrics(metrics)
	auth.WithMetrics(metrics)
	records.WithMetrics(metrics)

	refresh := worker.NewRefreshWorker(queue, auth, workerName(), cfg.OAuth.RefreshInterval, cfg.OAuth.RefreshBatch, log)

	engine := routes.Register(routes.Dependencies{
		Config:     cfg,
		Logger:     log,
		SigningKey: signingKey,
		Database:   pool,
		Cache:      redisClient,
		Services: routes.ServiceSet{
			Auth:       auth,
			Records:    records,
			Moderation: moderation,
		},
	})

	return &Application{
		cfg:      cfg,
		engine:   engine,
		logger:   log,
		pool:     pool,
		redis:    redisClient,
		producer: producer,
		auth:     auth,
		refresh:  refresh,
	}, nil
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer func() {
		if a.pool != nil {
			a.pool.Close()
		}
	}()
	defer func() {
		if a.redis != nil {
			_ = a.redis.Close()
		}
	}()
	defer func() {
		if a.producer != nil {
			_ = a.producer.Close()
		}
	}()

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go func() {
		_ = a.refresh.Run(workerCtx)
	}()
	go a.cleanupLoop(workerCtx)

	var metricsSrv *http.Server
	if a.cfg.Telemetry.MetricsPort > 0 {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.Telemetry.MetricsPort),
			Handler:           promhttp.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		a.logger.Info("starting metrics listener", zap.String("address", metricsSrv.Addr))
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics listener error", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting beacon API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		cancelWorkers()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	}
}

// cleanupLoop sweeps authorization requests whose callback never arrived.
func (a *Application) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(requestCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.auth.CleanupExpiredRequests(ctx)
			if err != nil {
				a.logger.Warn("cleanup expired requests", zap.Error(err))
				continue
			}
			if removed > 0 {
				a.logger.Info("expired authorization requests removed", zap.Int64("count", removed))
			}
		}
	}
}

// loadSigningKey parses the configured client-assertion key. Without one the
// service still starts on a fresh key, which invalidates the published JWKS
// across restarts.
func loadSigningKey(cfg config.OAuthSettings, log *zap.Logger) (*security.Key, error) {
	if cfg.SigningKeyJWK != "" {
		return security.ParsePrivateJWK(cfg.SigningKeyJWK)
	}

	log.Warn("no signing key configured, generating an ephemeral one")
	return security.GenerateKey("")
}

func workerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "beacon-" + uuid.NewString()
	}
	return host
}
