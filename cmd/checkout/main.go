package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/pilemarket/checkout/internal/handlers"
	"github.com/pilemarket/checkout/internal/oracle"
	"github.com/pilemarket/checkout/internal/payments"
	"github.com/pilemarket/checkout/internal/platform/auth"
	"github.com/pilemarket/checkout/internal/platform/config"
	pfirestore "github.com/pilemarket/checkout/internal/platform/firestore"
	"github.com/pilemarket/checkout/internal/platform/idempotency"
	"github.com/pilemarket/checkout/internal/platform/jobs"
	"github.com/pilemarket/checkout/internal/platform/observability"
	"github.com/pilemarket/checkout/internal/platform/secrets"
	"github.com/pilemarket/checkout/internal/repositories"
	firestoreRepo "github.com/pilemarket/checkout/internal/repositories/firestore"
	"github.com/pilemarket/checkout/internal/repositories/memory"
	"github.com/pilemarket/checkout/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("checkout")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	registry, probes, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise store", zap.String("backend", cfg.Store.Backend), zap.Error(err))
	}
	defer closeStore()

	oracleClient, err := oracle.NewClient(oracle.Config{
		PricingURL: cfg.Oracles.PricingURL,
		RewardURL:  cfg.Oracles.RewardURL,
		APIKey:     cfg.Oracles.APIKey,
		Timeout:    cfg.Oracles.Timeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise oracle client", zap.Error(err))
	}

	var pricing services.PricingOracle = oracleClient
	if oracleClient.PricingConfigured() {
		probes = append(probes, repositories.DependencyProbe{Name: "pricing_oracle", Check: oracleClient.Ping})
	} else {
		if cfg.Environment != "local" {
			logger.Fatal("pricing oracle url is required outside local", zap.String("environment", cfg.Environment))
		}
		local, err := newLocalPricing(cfg, registry, logger)
		if err != nil {
			logger.Fatal("failed to initialise local pricing", zap.Error(err))
		}
		pricing = local
		logger.Warn("pricing oracle not configured; previews are estimated locally and submissions are disabled")
	}

	dispatcher, err := payments.NewDispatcher(oracleClient)
	if err != nil {
		logger.Fatal("failed to initialise payment dispatcher", zap.Error(err))
	}

	var rewards *services.RewardService
	if cfg.Features.EnableTrivia && oracleClient.RewardConfigured() {
		rewards, err = services.NewRewardService(services.RewardServiceDeps{
			Oracle:          oracleClient,
			Disclaimers:     registry.Disclaimers(),
			StartDelay:      triviaStartDelay(cfg.Trivia.StartDelay),
			QuestionTimeout: cfg.Trivia.QuestionTimeout,
			Logger:          observability.EventLogger(logger.Named("trivia"), "trivia event"),
		})
		if err != nil {
			logger.Fatal("failed to initialise reward service", zap.Error(err))
		}
	}

	events, closeEvents, err := newEventPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise checkout event publisher", zap.Error(err))
	}
	defer closeEvents()

	sessions, err := services.NewCheckoutSessionService(services.CheckoutSessionServiceDeps{
		Pricing:           pricing,
		Payments:          dispatcher,
		Rewards:           rewards,
		Vendors:           registry.Vendors(),
		Stockpiles:        registry.Stockpiles(),
		Events:            events,
		MaxStockpileWeeks: cfg.Pricing.MaxStockpileWeeks,
		DisableStockpile:  !cfg.Features.EnableStockpile,
		SessionTTL:        cfg.Sessions.TTL,
		Logger:            observability.EventLogger(logger.Named("sessions"), "checkout event"),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout sessions", zap.Error(err))
	}

	authenticator, err := newAuthenticator(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}

	healthOpts := []handlers.HealthOption{
		handlers.WithHealthBuildInfo(buildInfoFromEnv(cfg, startedAt)),
	}
	if len(probes) > 0 {
		readiness, err := repositories.NewReadinessRepository(probes)
		if err != nil {
			logger.Fatal("failed to initialise readiness probes", zap.Error(err))
		}
		healthOpts = append(healthOpts, handlers.WithHealthReadiness(readiness))
	}

	idempotencyStore := idempotency.NewMemoryStore()
	checkoutHandlers := handlers.NewCheckoutSessionHandlers(authenticator, sessions,
		handlers.WithIdempotency(idempotency.Middleware(idempotencyStore, idempotency.WithTTL(cfg.Sessions.TTL))),
	)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(cfg.Firebase.ProjectID),
			observability.InjectLoggerMiddleware(logger),
			observability.RequestLoggerMiddleware(),
			observability.RecoveryMiddleware(),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupWG.Add(2)
	go func() {
		defer cleanupWG.Done()
		ticker := time.NewTicker(cfg.Sessions.CleanupInterval)
		defer ticker.Stop()
		cleanupLogger := logger.Named("idempotency")
		for {
			select {
			case <-ticker.C:
				if removed := idempotencyStore.CleanupExpired(time.Now().UTC()); removed > 0 {
					cleanupLogger.Debug("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()
	go func() {
		defer cleanupWG.Done()
		if err := sessions.Run(observability.WithLogger(cleanupCtx, logger.Named("sessions")), cfg.Sessions.CleanupInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session cleanup stopped", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout api listening",
			zap.String("store", cfg.Store.Backend),
			zap.Bool("trivia", rewards != nil),
			zap.Bool("remotePricing", oracleClient.PricingConfigured()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	cleanupCancel()
	cleanupWG.Wait()
	sessions.Close()
}

func openStore(ctx context.Context, cfg config.Config) (repositories.Registry, []repositories.DependencyProbe, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreBackendFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := provider.Client(ctx); err != nil {
			return nil, nil, nil, err
		}
		registry, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := registry.Close(closeCtx); err != nil {
				observability.FromContext(ctx).Warn("firestore close error", zap.Error(err))
			}
		}
		probes := []repositories.DependencyProbe{{Name: "firestore", Check: provider.Ping}}
		return registry, probes, closeFn, nil
	default:
		store, err := memory.NewSeededStore()
		if err != nil {
			return nil, nil, nil, err
		}
		return store, nil, func() {}, nil
	}
}

func newLocalPricing(cfg config.Config, registry repositories.Registry, logger *zap.Logger) (*services.LocalPricingOracle, error) {
	table, err := services.DefaultRegionTable()
	if path := strings.TrimSpace(cfg.Pricing.RegionTablePath); path != "" {
		table, err = services.LoadRegionTable(path)
	}
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Pricing.WeekendTimeZone)
	if err != nil {
		return nil, err
	}
	calculator, err := services.NewDeliveryFeeCalculator(table, loc)
	if err != nil {
		return nil, err
	}
	return services.NewLocalPricingOracle(services.LocalPricingOracleDeps{
		Vendors:    registry.Vendors(),
		Calculator: calculator,
		Logger:     observability.EventLogger(logger.Named("pricing"), "pricing event"),
	})
}

func newEventPublisher(ctx context.Context, cfg config.Config) (services.CheckoutEventPublisher, func(), error) {
	topicID := strings.TrimSpace(cfg.PubSub.CheckoutEventsTopic)
	if topicID == "" {
		return nil, func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	publisher, err := jobs.NewPubSubCheckoutPublisher(topic)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	closeFn := func() {
		topic.Stop()
		_ = client.Close()
	}
	return publisher, closeFn, nil
}

func newAuthenticator(ctx context.Context, cfg config.Config) (*auth.Authenticator, error) {
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" && !cfg.Features.RequireAuth {
		return auth.NewAuthenticator(nil, false), nil
	}
	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, 0)
	if err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(verifier, cfg.Features.RequireAuth), nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	project := strings.TrimSpace(os.Getenv("CHECKOUT_SECRET_DEFAULT_PROJECT_ID"))
	if project == "" {
		project = strings.TrimSpace(os.Getenv("CHECKOUT_FIREBASE_PROJECT_ID"))
	}
	fallback := strings.TrimSpace(os.Getenv("CHECKOUT_SECRET_FALLBACK_FILE"))
	if fallback == "" {
		fallback = ".secrets.local"
	}
	var clientOpts []option.ClientOption
	if creds := strings.TrimSpace(os.Getenv("CHECKOUT_FIREBASE_CREDENTIALS_FILE")); creds != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(creds))
	}
	return secrets.NewFetcher(ctx, clientOpts,
		secrets.WithProject(project),
		secrets.WithFallbackFile(fallback),
		secrets.WithLogger(logger.Named("secrets")),
	)
}

// triviaStartDelay maps a configured zero to an immediate reveal; the reward service treats zero as
// "use the default".
func triviaStartDelay(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func buildInfoFromEnv(cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(os.Getenv("CHECKOUT_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("CHECKOUT_BUILD_COMMIT_SHA"))
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Environment,
		StartedAt:   started,
	}
}
