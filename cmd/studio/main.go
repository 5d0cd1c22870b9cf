package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/backdrop/studio/internal/client"
	"github.com/backdrop/studio/internal/config"
	"github.com/backdrop/studio/internal/handler"
	"github.com/backdrop/studio/internal/metrics"
	"github.com/backdrop/studio/internal/middleware"
	"github.com/backdrop/studio/internal/repository"
	"github.com/backdrop/studio/internal/service"
	"github.com/backdrop/studio/internal/ws"
	"github.com/backdrop/studio/pkg/health"
	"github.com/backdrop/studio/pkg/kv"
	"github.com/backdrop/studio/pkg/logger"
	"github.com/backdrop/studio/pkg/tracing"
)

func main() {
	issueToken := flag.String("issue-token", "", "print a bearer token for the given user id and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -issue-token")
	flag.Parse()

	cfg := config.Load()
	l := logger.New(cfg.ServiceName, os.Stdout)
	if cfg.LogFormat == "console" {
		l = logger.NewConsole(cfg.ServiceName, os.Stderr)
	}
	l = l.SetLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		l.Error(fmt.Sprintf("Invalid config: %v", err))
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := middleware.GenerateToken([]byte(cfg.JWTSecret), cfg.JWTIssuer, *issueToken, *tokenTTL)
		if err != nil {
			l.Error(fmt.Sprintf("Failed to issue token: %v", err))
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
		Endpoint:    cfg.Tracing.Endpoint,
		Enabled:     cfg.Tracing.Enabled,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		l.Error(fmt.Sprintf("Failed to init tracing: %v", err))
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	l.Info(fmt.Sprintf("Starting %s...", cfg.ServiceName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		l.Error(fmt.Sprintf("Failed to open database: %v", err))
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		l.Error(fmt.Sprintf("Failed to ping database: %v", err))
		os.Exit(1)
	}
	l.Info("Connected to PostgreSQL")

	records := repository.NewImageRepository(db)
	if err := records.Migrate(ctx); err != nil {
		l.Error(fmt.Sprintf("Failed to migrate schema: %v", err))
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		l.Error(fmt.Sprintf("Failed to connect to Redis: %v", err))
		os.Exit(1)
	}
	l.Info("Connected to Redis")

	var sessions kv.Store
	switch cfg.SessionBackend {
	case "memory":
		sessions = kv.NewMemoryStore(cfg.SessionTTL)
		l.Warn("Sessions are kept in memory and do not survive restarts")
	default:
		sessions = kv.NewRedisStore(redisClient, cfg.SessionTTL)
	}

	m := metrics.New()

	provider := client.NewProviderClient(client.ProviderConfig{
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.Provider.APIKey,
		Timeout:      cfg.Provider.Timeout,
		MaxAttempts:  cfg.Provider.MaxAttempts,
		BaseDelay:    cfg.Provider.BaseDelay,
		MaskModel:    cfg.Provider.MaskModel,
		InpaintModel: cfg.Provider.InpaintModel,
		ImageModel:   cfg.Provider.ImageModel,
	}, m, l)

	storage := client.NewStorageClient(client.StorageConfig{
		BaseURL:       cfg.Storage.URL,
		ServiceKey:    cfg.Storage.ServiceKey,
		Bucket:        cfg.Storage.Bucket,
		DownloadCache: cfg.Storage.DownloadCache,
	}, m, l)

	publisher := ws.NewPublisher(redisClient, cfg.ProgressChannel, m)

	workflow := service.NewWorkflowService(service.Deps{
		Sessions:  sessions,
		Records:   records,
		Provider:  provider,
		Artifacts: storage,
		Publisher: publisher,
		Metrics:   m,
		Logger:    l,
	}, service.Config{
		MaxUploadBytes: cfg.Workflow.MaxUploadBytes,
		QualityBooster: cfg.Workflow.QualityBooster,
		NegativePrompt: cfg.Workflow.NegativePrompt,
		MaskModel:      cfg.Provider.MaskModel,
		InpaintModel:   cfg.Provider.InpaintModel,
	})

	if cfg.Sweeper.Enabled {
		sweeper := service.NewSweeper(records, cfg.Sweeper.StaleAfter, m, l)
		go func() {
			if err := sweeper.Start(ctx, cfg.Sweeper.Spec); err != nil {
				l.Error(fmt.Sprintf("Sweeper stopped: %v", err))
			}
		}()
	}

	// provider pings go upstream, so health checks share one result per window
	healthz := health.New().WithCacheTTL(15 * time.Second)
	healthz.RegisterCritical(health.NewPostgresChecker(db))
	healthz.RegisterCritical(health.NewGoRedisChecker(redisClient))
	healthz.Register(health.NewHTTPCheckerWithHeader("storage", storage.HealthURL(), storage.AuthHeader()))
	healthz.Register(health.FuncChecker{CheckName: "provider", Fn: provider.TestConnection})
	healthz.SetReady(true)

	auth := &middleware.AuthConfig{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer}
	stream := ws.NewStream(redisClient, publisher, auth, cfg.AllowedOrigins, l).
		WithSnapshot(func(ctx context.Context, userID string) (interface{}, error) {
			return workflow.Session(ctx, userID), nil
		})

	router := handler.NewRouter(handler.RouterConfig{
		Workflow:    handler.NewWorkflowHandler(workflow, cfg.Workflow.MaxUploadBytes, l),
		Proxy:       handler.NewProxyHandler(provider, cfg.Batch.MaxFiles, cfg.Batch.Delay, l),
		Stream:      stream,
		Health:      healthz,
		Metrics:     m,
		Auth:        auth,
		IPLimiter:   middleware.NewRateLimiter(cfg.IPRateLimit, time.Second),
		UserLimiter: middleware.NewRateLimiter(cfg.UserRateLimit, time.Second),
		Logger:      l,
	})

	// provider steps run inside the request, so writes wait for the whole retry budget
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		l.Info(fmt.Sprintf("HTTP server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error(fmt.Sprintf("HTTP server error: %v", err))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	l.Info("Shutting down...")
	healthz.SetReady(false)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		l.Error(fmt.Sprintf("HTTP shutdown: %v", err))
	}
	l.Info("Shutdown complete")
}
