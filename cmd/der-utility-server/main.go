// Package main provides the entry point for the DER utility server.
// It initializes logging, parses configuration, wires the store,
// request-scope resolver and notification engine, and starts the sep2
// HTTP surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gridedge/der-utility-server/internal/azuretoken"
	"github.com/gridedge/der-utility-server/internal/config"
	"github.com/gridedge/der-utility-server/internal/expcache"
	"github.com/gridedge/der-utility-server/internal/notify"
	"github.com/gridedge/der-utility-server/internal/scope"
	"github.com/gridedge/der-utility-server/internal/server"
	"github.com/gridedge/der-utility-server/internal/store"
	"github.com/gridedge/der-utility-server/internal/version"
)

const (
	shutdownTimeout     = 30 * time.Second
	healthCheckTimeout  = 3 * time.Second
	healthCheckEndpoint = "http://localhost:3000/health/live"

	memoryBrokerWorkers = 4
	memoryBrokerBacklog = 256
	notifyExchangeName  = "der_notifications"
)

func main() {
	// Handle --health-check flag early, before any other initialization
	if len(os.Args) == 2 && os.Args[1] == "--health-check" {
		os.Exit(runHealthCheck())
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msgf("DER utility server %s starting...", version.FormatVersion())

	opts, err := config.Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse configuration")
	}
	log.Logger = log.Logger.Level(opts.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := newPool(ctx, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("could not connect to database")
	}
	defer pool.Close()

	db := store.New(pool)
	resolver := newResolver(opts, db)

	dispatch, closeDispatch := newDispatcher(ctx, opts)
	if closeDispatch != nil {
		defer closeDispatch()
	}

	app := server.NewApp(opts, db, resolver, dispatch)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := app.Listen(ctx, opts.Listen); err != nil {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-serverErr:
		log.Error().Err(err).Msg("Server error")
	}

	// Initiate graceful shutdown
	log.Info().Msg("Initiating graceful shutdown...")
	cancel() // Signal all goroutines to stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
		shutdownCancel() // Required: os.Exit does not run deferred functions
		os.Exit(1)       //nolint:gocritic // Exit is intentional after shutdown error
	}

	log.Info().Msg("Graceful shutdown complete")
}

// newPool builds the pgx pool, wiring managed-identity DB credential
// rotation via internal/azuretoken when AzureADDBResourceID is configured,
// the same dynamic-credential shape the reference server uses for its own
// database connections.
func newPool(ctx context.Context, opts *config.Options) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(opts.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if opts.AzureADDBResourceID != "" {
		tokenCache := azuretoken.NewCache(azuretoken.ManagedIdentityConfig{
			TenantID:   opts.AzureADTenantID,
			ClientID:   opts.AzureADClientID,
			ResourceID: opts.AzureADDBResourceID,
		}, opts.AzureADDBRefreshSecs)

		cfg.BeforeConnect = func(ctx context.Context, connCfg *pgconn.Config) error {
			token, err := azuretoken.Token(ctx, tokenCache, opts.AzureADDBResourceID)
			if err != nil {
				return err
			}

			connCfg.Password = token

			return nil
		}
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}

// newResolver wires scope.Resolver's two lookup collaborators to the
// store: aggregator certificate identities via an expiring cache (the
// reference server's certificate-assignment cache), device-cert site
// resolution via a direct query.
func newResolver(opts *config.Options, db *store.DB) *scope.Resolver {
	certCache := expcache.New(func(ctx context.Context, _ any) (map[string]expcache.Entry[scope.ClientIdentity], error) {
		rows, err := db.SelectAllClientIdentities(ctx)
		if err != nil {
			return nil, err
		}

		out := make(map[string]expcache.Entry[scope.ClientIdentity], len(rows))
		for _, r := range rows {
			out[r.LFDI] = expcache.Entry[scope.ClientIdentity]{
				Value: scope.ClientIdentity{
					LFDI:          r.LFDI,
					AggregatorID:  r.AggregatorID,
					ExpirySeconds: r.ExpiryUnix,
				},
			}
		}

		return out, nil
	}, time.Second)

	return &scope.Resolver{
		CertHeader:              opts.CertHeader,
		AllowDeviceRegistration: opts.AllowDeviceRegistration,
		HrefPrefix:              opts.HrefPrefix,
		PEN:                     opts.IANAPEN,

		AggregatorLookup: func(ctx context.Context, lfdi string) (scope.ClientIdentity, bool, error) {
			return certCache.GetIgnoreExpiry(ctx, nil, lfdi)
		},
		DeviceLookup: db.GetSiteBySFDI,
	}
}

// newDispatcher builds the notification Dispatcher per opts, returning a
// cleanup func that closes the broker. Returns (nil, nil) when
// notifications are disabled. The broker's Run loop is started in its own
// goroutine against ctx.
func newDispatcher(ctx context.Context, opts *config.Options) (*notify.Dispatcher, func()) {
	if !opts.EnableNotifications {
		return nil, nil
	}

	var broker notify.Broker

	if opts.RabbitMQBrokerURL != "" {
		amqpBroker, err := notify.NewAMQPBroker(opts.RabbitMQBrokerURL, notifyExchangeName, notifyExchangeName)
		if err != nil {
			log.Fatal().Err(err).Msg("could not connect to notification broker")
		}

		broker = amqpBroker
	} else {
		broker = notify.NewMemoryBroker(memoryBrokerWorkers, memoryBrokerBacklog)
	}

	dispatch := notify.NewDispatcher(broker, notify.JSONRenderer)

	go broker.Run(ctx, dispatch.Deliver)

	return dispatch, func() { _ = broker.Close() }
}

// runHealthCheck performs an HTTP health check against the running application.
// Returns 0 if healthy (HTTP 200), 1 otherwise.
// Used by Docker HEALTHCHECK to verify the application is running correctly.
func runHealthCheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthCheckEndpoint, nil)
	if err != nil {
		return 1
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		return 0
	}

	return 1
}
