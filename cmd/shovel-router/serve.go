// ABOUTME: serve command: wires the store, engine services, webhook relay and HTTP API
// ABOUTME: Shuts everything down in reverse order when the process is signalled

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/shovel-router/internal/api"
	"github.com/2389/shovel-router/internal/catalog"
	"github.com/2389/shovel-router/internal/claim"
	"github.com/2389/shovel-router/internal/config"
	"github.com/2389/shovel-router/internal/conversation"
	"github.com/2389/shovel-router/internal/dedupe"
	"github.com/2389/shovel-router/internal/directory"
	"github.com/2389/shovel-router/internal/events"
	"github.com/2389/shovel-router/internal/publish"
	"github.com/2389/shovel-router/internal/store"
	"github.com/2389/shovel-router/internal/telemetry"
	"github.com/2389/shovel-router/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the routing engine and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, source, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", source)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", describeDatabase(cfg.Database))
	green.Print("    ▶ ")
	fmt.Printf("Webhooks:  ")
	if cfg.Webhooks.Enabled {
		cyan.Print(strings.ToLower(cfg.Publisher.Kind))
	} else {
		yellow.Print("disabled")
	}
	fmt.Println()
	if cfg.Tracing.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tracing:   %s\n", cfg.Tracing.Endpoint)
	}
	fmt.Println()

	tel, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Headers:        cfg.Tracing.Headers,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	broadcaster := events.NewBroadcaster(logger)
	defer broadcaster.Close()
	sink := events.NewSink(broadcaster, logger)

	dir := directory.NewSQL(st, logger)
	cat := catalog.New(st, sink, logger)
	coord := claim.New(st, sink, dir, cat, claim.Options{
		ClaimTimeout: cfg.Routing.ClaimTimeout,
		LockTimeout:  cfg.Routing.LockTimeout,
	}, logger)
	convs := conversation.New(st, sink, dir, coord, conversation.Options{
		MaxCommitRetries: cfg.Routing.MaxCommitRetries,
	}, logger)

	cache := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	defer cache.Close()

	deps := api.Deps{
		Store:         st,
		Conversations: convs,
		Catalog:       cat,
		Claims:        coord,
		Operators:     dir,
		Broadcaster:   broadcaster,
		Dedupe:        cache,
	}

	relayDone := make(chan error, 1)
	if cfg.Webhooks.Enabled {
		sealer, err := webhook.NewSealer(cfg.Webhooks.SecretKey)
		if err != nil {
			return fmt.Errorf("webhook secret key: %w", err)
		}
		deps.Webhooks = webhook.NewService(st, sealer, logger)

		pub, err := publish.New(ctx, publisherConfig(cfg.Publisher), logger)
		if err != nil {
			return fmt.Errorf("creating webhook publisher: %w", err)
		}
		defer pub.Close()

		relay := webhook.NewRelay(st, pub, sealer, webhook.RelayOptions{
			Interval:    cfg.Webhooks.RelayInterval,
			BatchSize:   cfg.Webhooks.BatchSize,
			MaxAttempts: cfg.Webhooks.MaxAttempts,
			Transport:   strings.ToLower(cfg.Publisher.Kind),
		}, logger)
		go func() { relayDone <- relay.Run(ctx) }()
	} else {
		relayDone <- nil
	}

	handler := api.New(deps, api.Options{
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Version:        version,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting shovel-router", "http_addr", cfg.Server.HTTPAddr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if err := <-relayDone; err != nil {
		logger.Warn("webhook relay stopped with error", "error", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	st, err := store.Open(ctx, store.Options{
		Driver:       cfg.Database.Driver,
		Path:         cfg.Database.Path,
		DSN:          cfg.Database.DSN,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyRetries:  cfg.Database.BusyRetries,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return st, nil
}

func publisherConfig(c config.PublisherConfig) publish.Config {
	return publish.Config{
		Kind: c.Kind,
		HTTP: publish.HTTPConfig{
			Timeout:   c.HTTP.Timeout,
			UserAgent: "shovel-router/" + version,
		},
		Redis: publish.RedisConfig{URL: c.Redis.URL, Stream: c.Redis.Stream, MaxLen: c.Redis.MaxLen},
		AMQP:  publish.AMQPConfig{URL: c.AMQP.URL, Exchange: c.AMQP.Exchange, RoutingKey: c.AMQP.RoutingKey},
		Kafka: publish.KafkaConfig{Brokers: c.Kafka.Brokers, Topic: c.Kafka.Topic},
	}
}

func describeDatabase(c config.DatabaseConfig) string {
	if c.Driver == store.DriverPostgres {
		return "postgres"
	}
	return c.Driver + " " + c.Path
}
