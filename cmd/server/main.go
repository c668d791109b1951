package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/ethixai/ethixai/internal/accessrequest"
	"github.com/ethixai/ethixai/internal/api"
	"github.com/ethixai/ethixai/internal/api/handler"
	"github.com/ethixai/ethixai/internal/audit"
	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/claimsync"
	"github.com/ethixai/ethixai/internal/config"
	"github.com/ethixai/ethixai/internal/database"
	"github.com/ethixai/ethixai/internal/federation"
	"github.com/ethixai/ethixai/internal/identity"
	"github.com/ethixai/ethixai/internal/notify"
	"github.com/ethixai/ethixai/internal/ratelimit"
	"github.com/ethixai/ethixai/internal/token"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped gracefully")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	emitter := audit.NewFanout(slog.Default(), st.auditBackends...)

	authService := auth.NewService(st.users, cfg.BcryptCost)
	signer := token.NewSigner(cfg.TokenSigningSecret, cfg.TokenIssuer, cfg.AccessTokenTTL)
	tokens := token.NewService(signer, st.sessions, authService, emitter,
		token.WithRefreshTTL(cfg.RefreshTokenTTL),
		token.WithRevokeFamilyOnReuse(cfg.RefreshReusePolicy == config.ReusePolicyRevokeFamily),
	)

	fed := setupFederation(cfg)

	verifierOpts := identity.Options{
		Strategy:   cfg.IdentityStrategy,
		Production: cfg.IsProduction(),
		Access:     tokens,
		Users:      st.users,
	}
	if fed.verifier != nil {
		verifierOpts.Federated = fed.verifier
	}
	if cfg.TestBypassEnabled {
		verifierOpts.Bypass = &identity.BypassConfig{
			DefaultSubject: cfg.TestBypassSubject,
			DefaultRole:    auth.Role(cfg.TestBypassRole),
		}
		slog.Warn("test identity bypass enabled", "runtimeMode", cfg.RuntimeMode)
	}
	verifier, err := identity.NewVerifier(verifierOpts)
	if err != nil {
		return fmt.Errorf("configuring identity strategy: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder, err := claimsync.NewPrometheusRecorder(registry)
	if err != nil {
		return fmt.Errorf("registering claims sync metrics: %w", err)
	}

	publisher := setupPublisher(cfg)
	defer publisher.close()

	var directory claimsync.Directory
	if fed.directory != nil {
		directory = fed.directory
	}
	syncer := claimsync.NewSynchronizer(directory, st.users, recorder, claimsync.Config{
		MaxAttempts:    cfg.ClaimsSyncMaxAttempts,
		AttemptTimeout: cfg.FederationTimeout,
	})
	dispatcher := claimsync.NewDispatcher(syncer, claimsync.DispatcherOptions{
		Workers:    cfg.ClaimsSyncWorkers,
		QueueSize:  cfg.ClaimsSyncQueueSize,
		Emitter:    emitter,
		Publisher:  publisher,
		AlertEmail: cfg.AlertEmail,
	})
	dispatcher.Start()

	accessRequests := accessrequest.NewService(st.accessRequests, dispatcher, emitter, publisher)

	limiter, closeLimiter := setupLimiter(cfg)
	defer closeLimiter()

	sweeper := token.NewSweeper(st.sessions, cfg.SweepInterval)
	go sweeper.Start(ctx)

	deps := api.RouterDeps{
		Version:          cfg.Version,
		Breakers:         fed.breakers,
		Identity:         verifier,
		IdentityStrategy: verifier.Name(),
		AuthService:      authService,
		Tokens:           tokens,
		Cookies: handler.CookieConfig{
			Enabled: cfg.CookieMode,
			Secure:  cfg.CookieSecure,
			Domain:  cfg.CookieDomain,
		},
		AccessRequests: accessRequests,
		Scheduler:      dispatcher,
		Emitter:        emitter,
		Limiter:        limiter,
		Metrics:        registry,
	}
	if st.db != nil {
		deps.DBPinger = st.db
	}
	if fed.verifier != nil {
		deps.Federated = fed.verifier
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting ethixai server",
			"port", cfg.Port,
			"version", cfg.Version,
			"identityStrategy", verifier.Name(),
			"storeBackend", cfg.StoreBackend,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down server")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		slog.Warn("claims sync queue not drained before shutdown", "error", err)
	}
	return nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

type stores struct {
	db             *database.DB
	users          auth.UserRepository
	sessions       token.Store
	accessRequests accessrequest.Repository
	auditBackends  []audit.Emitter
}

func (s *stores) close() {
	if s.db != nil {
		s.db.Close()
	}
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.StoreBackend == config.BackendMemory {
		slog.Warn("using in-memory stores; all state is lost on restart")
		users := auth.NewMemoryRepository()
		return &stores{
			users:          users,
			sessions:       token.NewMemoryStore(),
			accessRequests: accessrequest.NewMemoryRepository(users),
			auditBackends:  []audit.Emitter{audit.NewSlogEmitter(slog.Default())},
		}, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := database.New(connectCtx, cfg.DatabaseURL, database.PoolOptions{MaxConns: cfg.DatabaseMaxConns})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if cfg.AutoMigrate {
		if _, err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating database: %w", err)
		}
	}

	pool := db.Pool()
	return &stores{
		db:             db,
		users:          auth.NewRepository(pool),
		sessions:       token.NewPostgresStore(pool),
		accessRequests: accessrequest.NewRepository(pool),
		auditBackends: []audit.Emitter{
			audit.NewSlogEmitter(slog.Default()),
			audit.NewPostgresStore(pool),
		},
	}, nil
}

type federationDeps struct {
	verifier  *federation.IDTokenVerifier
	directory *federation.Directory
	breakers  []handler.Breaker
}

// setupFederation wires the identity provider clients that are configured.
// ID-token verification needs the JWKS settings; the claims directory needs
// an admin URL.
func setupFederation(cfg *config.Config) federationDeps {
	var fed federationDeps

	if cfg.FederationJWKSURL != "" && cfg.FederationIssuer != "" && cfg.FederationAudience != "" {
		jwksBreaker := federation.NewBreaker("federation-jwks")
		keys := federation.NewKeySet(cfg.FederationJWKSURL, &http.Client{Timeout: cfg.FederationTimeout}, jwksBreaker)
		fed.verifier = federation.NewIDTokenVerifier(keys, cfg.FederationIssuer, cfg.FederationAudience, cfg.FederationTimeout)
		fed.breakers = append(fed.breakers, jwksBreaker)
	}

	if cfg.FederationAdminURL != "" {
		dirBreaker := federation.NewBreaker("federation-directory")
		fed.directory = federation.NewDirectory(federation.DirectoryConfig{
			BaseURL:      cfg.FederationAdminURL,
			ClientID:     cfg.FederationClientID,
			ClientSecret: cfg.FederationClientSecret,
			TokenURL:     cfg.FederationTokenURL,
			Timeout:      cfg.FederationTimeout,
		}, dirBreaker)
		fed.breakers = append(fed.breakers, dirBreaker)
	} else {
		slog.Warn("FEDERATION_ADMIN_URL not set; role claim pushes will be recorded as not_configured")
	}

	return fed
}

type notifier struct {
	notify.Publisher
	close func()
}

func setupPublisher(cfg *config.Config) notifier {
	if cfg.AMQPURL == "" {
		return notifier{Publisher: notify.NewLogPublisher(slog.Default()), close: func() {}}
	}
	p := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.NotifyQueue)
	return notifier{Publisher: p, close: func() {
		if err := p.Close(); err != nil {
			slog.Warn("failed to close notification publisher", "error", err)
		}
	}}
}

func setupLimiter(cfg *config.Config) (ratelimit.Limiter, func()) {
	rule := ratelimit.Rule{PerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateLimitBurst}

	if cfg.RedisURL == "" {
		return ratelimit.NewLocal(rule), func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Warn("invalid REDIS_URL; falling back to in-process rate limiting", "error", err)
		return ratelimit.NewLocal(rule), func() {}
	}
	client := redis.NewClient(opts)
	return ratelimit.NewRedis(client, rule, "ethixai:ratelimit:"), func() {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close redis client", "error", err)
		}
	}
}
