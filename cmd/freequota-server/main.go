// Command freequota-server serves the usage API, the Stripe billing routes,
// health checks and Prometheus metrics over one chi router.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	gfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/freequota/pkg/api"
	"github.com/mihaimyh/freequota/pkg/billing"
	billingprom "github.com/mihaimyh/freequota/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/freequota/pkg/billing/stripe"
	"github.com/mihaimyh/freequota/pkg/freequota"
	zerologadapter "github.com/mihaimyh/freequota/pkg/freequota/logger/zerolog"
	meterprom "github.com/mihaimyh/freequota/pkg/freequota/metrics/prometheus"
	"github.com/mihaimyh/freequota/pkg/signals"
	"github.com/mihaimyh/freequota/storage/firestore"
	"github.com/mihaimyh/freequota/storage/memory"
	"github.com/mihaimyh/freequota/storage/postgres"
	"github.com/mihaimyh/freequota/storage/redis"
)

const metricsNamespace = "freequota"

// backend is a usage store that also holds the subscription table
type backend interface {
	freequota.Storage
	freequota.SubscriptionStorage
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "freequota-server: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Str("service", "freequota").Logger()
}

func run(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	fqLogger := zerologadapter.NewLogger(&logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, closeStore, err := openStorage(ctx, cfg, fqLogger)
	if err != nil {
		return err
	}
	defer closeStore()

	meterConfig, err := cfg.MeterConfig()
	if err != nil {
		return err
	}
	meterConfig.Metrics = meterprom.NewMetrics(reg, metricsNamespace)
	meterConfig.Logger = fqLogger

	var meter *freequota.Meter
	var provider billing.Provider
	var billingSource freequota.BillingProvider = freequota.StoredBilling{Store: store}

	if cfg.StripeEnabled() {
		sp, err := stripe.NewProvider(stripe.Config{
			Config: billing.Config{
				Storage:           store,
				WebhookSecret:     cfg.StripeWebhookSecret,
				APIKey:            cfg.StripeAPIKey,
				PriceID:           cfg.StripePriceID,
				TrustProxyHeaders: cfg.TrustProxyHeaders,
				Metrics:           billingprom.NewMetrics(reg, metricsNamespace),
				Logger:            fqLogger,
				OnSubscriptionChange: func(_ context.Context, event billing.WebhookEvent) {
					if meter != nil {
						meter.InvalidateEntitlement(event.UserID)
					}
				},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create stripe provider: %w", err)
		}
		provider = sp
		billingSource = sp
	}

	meter, err = freequota.NewMeter(store, billingSource, meterConfig)
	if err != nil {
		return fmt.Errorf("failed to create meter: %w", err)
	}

	router, err := newRouter(cfg, meter, provider, reg, logger, fqLogger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("storage", cfg.StorageBackend).
			Bool("stripe", cfg.StripeEnabled()).
			Int("quota_limit", meter.Limit()).
			Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(cfg Config, meter *freequota.Meter, provider billing.Provider, reg *prometheus.Registry,
	logger zerolog.Logger, fqLogger freequota.Logger) (http.Handler, error) {
	getUserID := api.FromHeader(cfg.UserIDHeader)

	usage, err := api.NewHandler(api.Config{
		Meter:     meter,
		Hasher:    signals.NewHasher(cfg.IPHashSalt, cfg.TrustProxyHeaders),
		GetUserID: getUserID,
		Logger:    fqLogger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Mount("/", usage.Routes())
	r.Get("/healthz", healthz(meter, logger))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	if provider != nil {
		routes := &billingRoutes{provider: provider, getUserID: getUserID, logger: logger}
		r.Mount("/billing", routes.Routes())
	}
	return r, nil
}

// pinger is the health probe of the meter
type pinger interface {
	Ping(ctx context.Context) error
}

func healthz(p pinger, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "ok"})
	}
}

func openStorage(ctx context.Context, cfg Config, logger freequota.Logger) (backend, func(), error) {
	switch cfg.StorageBackend {
	case "postgres":
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresURL
		pgConfig.Logger = logger
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return store, store.Close, nil

	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		store, err := redis.New(client, redis.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to open redis storage: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	case "firestore":
		client, err := gfirestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.Config{})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to open firestore storage: %w", err)
		}
		return store, func() { _ = client.Close() }, nil

	default:
		logger.Warn("using in-memory storage; usage is lost on restart")
		return memory.New(), func() {}, nil
	}
}
