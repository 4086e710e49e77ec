package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"digitalvault/config"
	"digitalvault/logging"
	"digitalvault/middleware"
	"digitalvault/observability"
	"digitalvault/pkg/cache"
	"digitalvault/pkg/policy_engine"
	"digitalvault/pkg/repository"
	"digitalvault/pkg/repository/sqldb"
	"digitalvault/services/ledger"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
)

var (
	// Command-line flags
	configFile = flag.String("config", "", "Path to configuration file")
	version    = flag.Bool("version", false, "Print version information")
)

const (
	ServiceName    = "ledger-server"
	ServiceVersion = "1.0.0"

	limiterSweepInterval = 5 * time.Minute
)

func main() {
	flag.Parse()

	logger := logging.GetLogger()

	if *version {
		fmt.Printf("%s version %s\n", ServiceName, ServiceVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	cfg.Service.Name = ServiceName
	cfg.Service.Version = ServiceVersion

	logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	logger.SetColor(cfg.Logging.Color)
	logger.PrintBuildInfo(ServiceName, ServiceVersion)
	logConfiguration(cfg, logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("%s exited: %v", ServiceName, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Init(ctx, cfg, logger, observability.Options{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		ServeMetrics:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Observability shutdown failed: %v", err)
		}
	}()

	repo, err := connectDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	listings, err := newListingCache(cfg, logger)
	if err != nil {
		return err
	}
	defer listings.Close()

	engine, err := newPolicyEngine(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Startup("Eligibility engine: %s", engine.Name())

	if cfg.Ledger.JWTSecret == "" && cfg.IsProduction() {
		logger.Warn("Ledger authentication is disabled in production environment!")
		logger.Warn("Set ledger.jwt_secret to require bearer tokens.")
	}

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	service := ledger.NewService(repo, listings, engine)
	server := ledger.NewServer(service, ledger.ServerOptions{
		ServiceName: ServiceName,
		Version:     ServiceVersion,
		JWTSecret:   cfg.Ledger.JWTSecret,
		Issuer:      cfg.Ledger.Issuer,
		CORS:        cfg.Security.CORS,
		RateLimit:   cfg.Security.RateLimiting,
	})
	if limiter := server.Limiter(); limiter != nil {
		limiter.PrintRateLimitInfo(ServiceName)
		go sweepLimiters(ctx, limiter, logger)
	}

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Startup("Starting %s version %s", ServiceName, ServiceVersion)
		logger.Startup("Environment: %s", cfg.Service.Environment)
		logger.Startup("Ledger API listening on %s", serverAddr)
		logger.Info("Configuration:")
		logger.Info("  - Database: %s", cfg.Database.Driver)
		logger.Info("  - Cache: %s", cfg.Cache.Type)
		logger.Info("  - Policy: %s", engine.Name())
		logger.Info("  - Authentication: %v", cfg.Ledger.JWTSecret != "")
		logger.Info("  - Rate Limiting: %v", cfg.Security.RateLimiting.Enabled)
		logger.Info("  - CORS: %v", cfg.Security.CORS.Enabled)
		logger.Info("  - Metrics: %v", cfg.Observability.Metrics.Enabled)
		logger.Info("  - Tracing: %v", cfg.Observability.Tracing.Enabled)

		var err error
		if cfg.Server.TLS.Enabled {
			err = httpServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Startup("Shutting down %s gracefully...", ServiceName)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulStop)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown did not complete: %w", err)
	}
	logger.Startup("%s stopped", ServiceName)
	return nil
}

// connectDatabase retries with exponential backoff so the ledger can start
// alongside its database container.
func connectDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*repository.Repository, error) {
	driver := strings.ToLower(cfg.Database.Driver)
	dsn := cfg.GetDatabaseURL()
	pool := sqldb.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	logger.Startup("Connecting to database: %s", describeDatabase(cfg))

	var repo *repository.Repository
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(cfg.Database.ConnectRetries, 0))),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		attempt++
		r, err := sqldb.NewRepository(ctx, driver, dsn, pool)
		if err != nil {
			return err
		}
		repo = r
		return nil
	}, policy, func(err error, wait time.Duration) {
		logger.Warn("Database connection attempt %d failed: %v (retrying in %v)", attempt, err, wait.Round(time.Millisecond))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempt, err)
	}

	logger.Startup("Database connection successful")
	return repo, nil
}

func newListingCache(cfg *config.Config, logger *logging.Logger) (cache.ListingCache, error) {
	c, err := cache.New(cache.Config{
		Type:    strings.ToLower(cfg.Cache.Type),
		TTL:     cfg.Cache.TTL,
		MaxSize: cfg.Cache.MaxSize,
		Redis: cache.RedisCacheConfig{
			Addr:     cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		},
	})
	if err == nil {
		logger.Startup("Listing cache: %s", cfg.Cache.Type)
		return c, nil
	}
	if cfg.Cache.Type != cache.TypeRedis {
		return nil, fmt.Errorf("failed to create listing cache: %w", err)
	}

	logger.Warn("Failed to initialize Redis listing cache: %v", err)
	logger.Warn("Falling back to in-memory listing cache")
	return cache.NewMemoryListingCache(cfg.Cache.MaxSize, cfg.Cache.TTL), nil
}

func newPolicyEngine(ctx context.Context, cfg *config.Config) (policy_engine.Engine, error) {
	var module string
	if cfg.Policy.RegoModule != "" {
		data, err := os.ReadFile(os.ExpandEnv(cfg.Policy.RegoModule))
		if err != nil {
			return nil, fmt.Errorf("failed to read rego module: %w", err)
		}
		module = string(data)
	}

	engine, err := policy_engine.NewEngine(ctx, strings.ToLower(cfg.Policy.Engine), module)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	return engine, nil
}

func sweepLimiters(ctx context.Context, limiter *middleware.RateLimiter, logger *logging.Logger) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Cleanup(limiterSweepInterval); n > 0 {
				logger.Debug("Dropped %d idle rate limiters", n)
			}
		}
	}
}

// logConfiguration logs the configuration with sensitive data masked
func logConfiguration(cfg *config.Config, logger *logging.Logger) {
	masked := cfg.MaskSensitive()
	logger.Startup("Configuration loaded successfully")
	logger.Info("Service: %s v%s (%s)", masked.Service.Name, masked.Service.Version, masked.Service.Environment)
	logger.Info("Server: %s:%d (timeouts: read=%v write=%v idle=%v)",
		masked.Server.Host, masked.Server.Port,
		masked.Server.ReadTimeout, masked.Server.WriteTimeout, masked.Server.IdleTimeout)
	logger.Info("Database: %s", describeDatabase(masked))
	logger.Info("Cache: %s", masked.Cache.Type)
	if masked.Cache.Type == cache.TypeRedis {
		logger.Info("Redis: %s (DB: %d)", masked.Cache.Redis.Address, masked.Cache.Redis.DB)
	}
	logger.Info("Policy engine: %s", masked.Policy.Engine)
	logger.Info("Logging mode: %s", logging.LoggingMode())

	if cfg.IsDevelopment() {
		logger.Info("Running in DEVELOPMENT mode")
	} else if cfg.IsProduction() {
		logger.Info("Running in PRODUCTION mode")
		logger.Info("  - TLS: %v", masked.Server.TLS.Enabled)
		logger.Info("  - Rate limiting: %v", masked.Security.RateLimiting.Enabled)
		logger.Info("  - Metrics: %v", masked.Observability.Metrics.Enabled)
		logger.Info("  - Tracing: %v", masked.Observability.Tracing.Enabled)
	}
}

// describeDatabase renders the connection target without credentials.
func describeDatabase(cfg *config.Config) string {
	if strings.EqualFold(cfg.Database.Driver, sqldb.DriverSQLite) {
		return "sqlite://" + cfg.GetDatabaseURL()
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
}
