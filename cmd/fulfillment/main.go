package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	domain "github.com/cudliy/fulfillment/internal/domain"
	"github.com/cudliy/fulfillment/internal/handlers"
	"github.com/cudliy/fulfillment/internal/platform/config"
	"github.com/cudliy/fulfillment/internal/platform/events"
	pfirestore "github.com/cudliy/fulfillment/internal/platform/firestore"
	"github.com/cudliy/fulfillment/internal/platform/idempotency"
	"github.com/cudliy/fulfillment/internal/platform/observability"
	"github.com/cudliy/fulfillment/internal/platform/probe"
	"github.com/cudliy/fulfillment/internal/platform/requestctx"
	"github.com/cudliy/fulfillment/internal/platform/secrets"
	"github.com/cudliy/fulfillment/internal/printprovider"
	"github.com/cudliy/fulfillment/internal/repositories"
	"github.com/cudliy/fulfillment/internal/services"
)

const (
	instrumentationName = "github.com/cudliy/fulfillment"
	healthCheckTimeout  = 1500 * time.Millisecond
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("fulfillment")
	ctx = requestctx.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromConfig(cfg, startedAt)
	meter := otel.GetMeterProvider().Meter(instrumentationName)

	providerClient, err := printprovider.NewClient(printprovider.Config{
		BaseURL:      cfg.Provider.BaseURL,
		APIKey:       cfg.Provider.APIKey,
		APIKeyHeader: cfg.Provider.APIKeyHeader,
		Timeout:      cfg.Provider.Timeout,
		Logger:       logger.Named("printprovider"),
		Meter:        meter,
	})
	if err != nil {
		logger.Fatal("failed to initialise print provider client", zap.Error(err))
	}
	if !providerClient.Configured() {
		logger.Warn("print provider api key not configured; provider calls will be rejected")
	}

	prober := probe.New(
		probe.WithStageTimeout(cfg.Probe.Timeout),
		probe.WithLogger(logger.Named("probe")),
		probe.WithMeter(meter),
	)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithDialTimeout(15*time.Second))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	var publisher *events.PubSubOrderPublisher
	if cfg.Events.ProjectID != "" {
		pubsubClient, err := newPubSubClient(ctx, cfg.Events)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err = events.NewPubSubOrderPublisher(pubsubClient.Topic(cfg.Events.Topic))
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		defer publisher.Close()
	} else {
		logger.Info("order events disabled; no events project configured")
	}

	deps := services.FulfillmentServiceDeps{
		Provider:       providerClient,
		Prober:         prober,
		Classifier:     services.NewErrorClassifier(cfg.Provider.SizeLimitBytes),
		SizeLimitBytes: cfg.Provider.SizeLimitBytes,
		RetryBackoff: gax.Backoff{
			Initial:    cfg.Provider.RetryInitialBackoff,
			Max:        cfg.Provider.RetryMaxBackoff,
			Multiplier: 2,
		},
		Clock:  time.Now,
		Logger: observability.EventLogger(logger.Named("orchestrator"), "fulfillment event"),
		Meter:  meter,
	}
	if publisher != nil {
		deps.Events = publisher
	}
	fulfillmentService, err := services.NewFulfillmentService(deps)
	if err != nil {
		logger.Fatal("failed to initialise fulfillment service", zap.Error(err))
	}

	profile := services.FulfillmentProfile{
		SubmissionStore: services.SubmissionStoreMemory,
		OrderEvents:     publisher != nil,
		SizeLimitBytes:  cfg.Provider.SizeLimitBytes,
	}
	if firestoreProvider.Enabled() {
		profile.SubmissionStore = services.SubmissionStoreFirestore
	}
	systemService, err := newSystemService(providerClient, fetcher, firestoreProvider, publisher, buildInfo, profile)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	var idempotencyStore idempotency.Store
	if firestoreProvider.Enabled() {
		firestoreClient, err := firestoreProvider.Client(ctx)
		if err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		idempotencyStore = idempotency.NewFirestoreStore(firestoreClient, idempotency.WithCollection(cfg.Idempotency.Collection))
	} else {
		logger.Info("firestore not configured; order submission keys are kept in memory")
		idempotencyStore = idempotency.NewMemoryStore()
	}
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithRequiredKey(cfg.Idempotency.RequireKey),
		idempotency.WithMaxBodyBytes(handlers.MaxRequestBodySize),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("idempotency")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
				cancel()
				if err != nil {
					cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if systemService != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(systemService))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	fulfillmentHandlers := handlers.NewFulfillmentHandlers(fulfillmentService,
		handlers.WithOrderSubmissionMiddlewares(idempotencyMiddleware),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithFulfillmentRoutes(fulfillmentHandlers.Routes),
	)
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
		serverLogger.Info("fulfillment proxy listening",
			zap.String("provider", providerClient.BaseURL()),
			zap.Bool("events", publisher != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromConfig(cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(cfg.Build.Version)
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(cfg.Build.CommitSHA)
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

type providerHealth interface {
	Reachable(ctx context.Context) error
	Configured() bool
}

type secretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

type topicReadiness interface {
	Ready(ctx context.Context) error
}

func dependencyChecks(provider providerHealth, fetcher secretResolver, store *pfirestore.Provider, publisher topicReadiness) []repositories.DependencyCheck {
	checks := make([]repositories.DependencyCheck, 0, 5)
	if provider != nil {
		checks = append(checks,
			repositories.DependencyCheck{
				Name:     domain.HealthCheckPrintProvider,
				Timeout:  3 * time.Second,
				Critical: true,
				Check:    provider.Reachable,
			},
			repositories.DependencyCheck{
				Name: domain.HealthCheckProviderAPIKey,
				Check: func(context.Context) error {
					if provider.Configured() {
						return nil
					}
					return printprovider.ErrAPIKeyNotConfigured
				},
			},
		)
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    domain.HealthCheckSecretManager,
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if store != nil && store.Enabled() {
		checks = append(checks, repositories.DependencyCheck{
			Name:  domain.HealthCheckFirestore,
			Check: store.Ping,
		})
	}
	if publisher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:  domain.HealthCheckOrderEvents,
			Check: publisher.Ready,
		})
	}
	return checks
}

func newSystemService(provider *printprovider.Client, fetcher *secrets.Fetcher, store *pfirestore.Provider, publisher *events.PubSubOrderPublisher, build services.BuildInfo, profile services.FulfillmentProfile) (services.SystemService, error) {
	var (
		ph providerHealth
		sr secretResolver
		tr topicReadiness
	)
	if provider != nil {
		ph = provider
	}
	if fetcher != nil {
		sr = fetcher
	}
	if publisher != nil {
		tr = publisher
	}
	checks := dependencyChecks(ph, sr, store, tr)
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	repo, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyTimeout(healthCheckTimeout))
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
		Profile:          profile,
	})
}

func newPubSubClient(ctx context.Context, cfg config.EventsConfig) (*pubsub.Client, error) {
	var opts []option.ClientOption
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	return pubsub.NewClient(ctx, cfg.ProjectID, opts...)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firestore.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Events.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(suffix string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[config.Key(suffix)])
	}

	envLabel := strings.ToLower(lookup("SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	credentialsFile := lookup("GOOGLE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parseKeyValueList(lookup("SECRET_PROJECT_IDS"), strings.ToLower); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(lookup("SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secrets that must resolve at startup. The provider key is optional
// unless the deployment opts in, because a missing key degrades to a classified 503.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	if env != nil && strings.EqualFold(strings.TrimSpace(env[config.Key("PROVIDER_API_KEY_REQUIRED")]), "true") {
		required = append(required, "Provider.APIKey")
	}
	return uniqueStrings(required)
}

func parseKeyValueList(raw string, normalizeKey func(string) string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if normalizeKey != nil {
			key = normalizeKey(key)
		}
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw, nil) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
