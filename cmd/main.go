// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/duplicator/config"
	"github.com/absmach/duplicator/duplication"
	"github.com/absmach/duplicator/journal"
	jbadger "github.com/absmach/duplicator/journal/badger"
	jmemory "github.com/absmach/duplicator/journal/memory"
	"github.com/absmach/duplicator/journal/postgres"
	"github.com/absmach/duplicator/pkg/retry"
	mtls "github.com/absmach/duplicator/pkg/tls"
	"github.com/absmach/duplicator/ratelimit"
	"github.com/absmach/duplicator/server/health"
	"github.com/absmach/duplicator/server/http"
	"github.com/absmach/duplicator/server/otel"
	"github.com/absmach/duplicator/server/websocket"
	"github.com/absmach/duplicator/storage"
	"github.com/absmach/duplicator/storage/badger"
	"github.com/absmach/duplicator/storage/memory"
	"github.com/absmach/duplicator/webhook"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type closableClient interface {
	storage.Client
	Close() error
}

func openStore(cfg config.StoreConfig) (closableClient, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(cfg.ID), nil
	case "badger":
		return badger.New(badger.Config{
			StoreID:    cfg.ID,
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.SyncWrites,
			GCInterval: cfg.GCInterval,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func openJournal(cfg config.JournalConfig) (journal.Store, error) {
	switch cfg.Type {
	case "memory":
		return jmemory.New(), nil
	case "badger":
		return jbadger.New(jbadger.Config{Dir: cfg.BadgerDir})
	case "postgres":
		return postgres.New(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown journal type %q", cfg.Type)
	}
}

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	slog.Info("Starting duplicator", "version", "0.1.0", "instance_id", instanceID)
	slog.Info("Configuration loaded",
		"source", cfg.Source.ID,
		"source_type", cfg.Source.Type,
		"destination", cfg.Destination.ID,
		"destination_type", cfg.Destination.Type,
		"async", cfg.Duplication.Async,
		"journal_enabled", cfg.Journal.Enabled,
		"http_enabled", cfg.Server.HTTPEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"ws_enabled", cfg.Server.WSEnabled,
		"log_level", cfg.Log.Level)

	from, err := openStore(cfg.Source)
	if err != nil {
		slog.Error("Failed to open source store", "store", cfg.Source.ID, "error", err)
		os.Exit(1)
	}
	defer from.Close()

	to, err := openStore(cfg.Destination)
	if err != nil {
		slog.Error("Failed to open destination store", "store", cfg.Destination.ID, "error", err)
		os.Exit(1)
	}
	defer to.Close()

	var telemetry *otel.Provider
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Server.MetricsEnabled {
		telemetry, err = otel.InitProvider(cfg, instanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			metrics, err = otel.NewMetrics(telemetry.MeterProvider())
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			defer metrics.Close()
		}

		if cfg.Server.OtelTracesEnabled {
			tracer = telemetry.Tracer()
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	callerOpts := []retry.Option{
		retry.WithPermanent(duplication.IsStructural),
		retry.WithLogger(logger),
	}
	if cb := cfg.Duplication.CircuitBreaker; cb.Enabled {
		breaker := retry.NewBreaker(retry.BreakerConfig{
			Name:             cfg.Destination.ID,
			FailureThreshold: cb.FailureThreshold,
			ResetTimeout:     cb.ResetTimeout,
		}, duplication.IsStructural, logger)
		callerOpts = append(callerOpts, retry.WithBreaker(breaker))
	}
	caller := retry.New(cfg.Duplication.RetryAttempts, cfg.Duplication.RetryWait, callerOpts...)

	opts := []duplication.Option{
		duplication.WithLogger(logger),
		duplication.WithTracer(tracer),
		duplication.WithTempDir(cfg.Duplication.TempDir),
	}
	if limiter := ratelimit.New(cfg.Duplication.RateLimit); limiter != nil {
		defer limiter.Stop()
		opts = append(opts, duplication.WithLimiter(limiter))
		slog.Info("Write rate limiting enabled",
			"rate", cfg.Duplication.RateLimit.Rate,
			"burst", cfg.Duplication.RateLimit.Burst)
	}

	var journalStore journal.Store
	if cfg.Journal.Enabled {
		journalStore, err = openJournal(cfg.Journal)
		if err != nil {
			slog.Error("Failed to open journal", "type", cfg.Journal.Type, "error", err)
			os.Exit(1)
		}
		defer journalStore.Close()
		slog.Info("Result journal enabled", "type", cfg.Journal.Type)
	}

	var notifier *webhook.Notifier
	if cfg.Webhook.Enabled {
		notifier, err = webhook.NewNotifier(cfg.Webhook, instanceID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	}

	var wsServer *websocket.Server
	if cfg.Server.WSEnabled {
		wsServer = websocket.New(websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
	}

	listeners := duplication.Listeners{duplication.LogListener{Logger: logger}}
	if journalStore != nil {
		listeners = append(listeners, journal.NewListener(journalStore, logger))
	}
	if notifier != nil {
		listeners = append(listeners, notifier)
	}
	if metrics != nil {
		listeners = append(listeners, metrics)
	}
	if wsServer != nil {
		listeners = append(listeners, wsServer)
	}

	spaces := duplication.NewSpaceSync(from, to, caller, opts...)
	var content duplication.ContentDuplicator = duplication.NewContentSync(from, to, spaces, caller, opts...)
	if cfg.Duplication.Async {
		reporting := duplication.NewReporting(content, listeners, duplication.ReportingConfig{
			WaitInterval: cfg.Duplication.WaitInterval,
			MaxRetries:   cfg.Duplication.MaxRetries,
		}, logger)
		reporting.Start()
		content = reporting
	}
	dup := duplication.New(spaces, content)

	if metrics != nil {
		if err := metrics.ObserveBacklog(dup.Pending); err != nil {
			slog.Error("Failed to observe backlog", "error", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	if cfg.Server.HTTPEnabled {
		tlsCfg, err := mtls.LoadTLSConfig(cfg.Server.HTTPTLS)
		if err != nil {
			slog.Error("Failed to load HTTP TLS configuration", "error", err)
			os.Exit(1)
		}
		httpServer := http.New(http.Config{
			Address:         cfg.Server.HTTPAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TLSConfig:       tlsCfg,
		}, dup, journalStore, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting HTTP API", "address", cfg.Server.HTTPAddr, "security", mtls.SecurityStatus(tlsCfg))
			if err := httpServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	var healthServer *health.Server
	if cfg.Server.HealthEnabled {
		healthServer = health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, dup, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if wsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Duplicator started", "from", dup.FromStoreID(), "to", dup.ToStoreID())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	if healthServer != nil {
		healthServer.Drain()
	}

	// Outstanding work is reported to the listeners, so they must outlive the duplicator.
	dup.Stop()
	slog.Info("Duplicator stopped", "pending", dup.Pending().Total())

	cancel()
	wg.Wait()

	if notifier != nil {
		notifier.Close()
	}

	if telemetry != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := telemetry.Shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}
}
