// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/gatepass/config"
	"github.com/absmach/gatepass/gatepass"
	"github.com/absmach/gatepass/journal"
	"github.com/absmach/gatepass/realtime"
	"github.com/absmach/gatepass/server/health"
	"github.com/absmach/gatepass/server/otel"
	"github.com/absmach/gatepass/webhook"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	demo := flag.Duration("demo", 0, "Publish synthetic requests at this interval (memory backend only)")
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

	instanceID := realtime.UniqueName("gatewatch")
	slog.Info("Starting gatewatch", "version", "0.1.0", "instance", instanceID)
	slog.Info("Configuration loaded",
		"backend", cfg.Backend.Type,
		"subscriptions", len(cfg.Subscriptions),
		"health_enabled", cfg.Health.Enabled,
		"journal_enabled", cfg.Journal.Enabled,
		"webhook_enabled", cfg.Webhook.Enabled,
		"log_level", cfg.Log.Level)

	subNames := make([]string, 0, len(cfg.Subscriptions))
	for _, sub := range cfg.Subscriptions {
		if !sub.Disabled {
			subNames = append(subNames, subscriptionLabel(sub))
		}
	}
	telemetry, err := otel.Setup(context.Background(), cfg.Otel, otel.Deployment{
		InstanceID:    instanceID,
		Backend:       cfg.Backend.Type,
		Subscriptions: subNames,
	})
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}

	var observer realtime.Observer
	if cfg.Otel.MetricsEnabled {
		m, err := telemetry.Observer()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		observer = m
	}
	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Otel.Endpoint,
			"insecure", cfg.Otel.Insecure,
			"metrics", cfg.Otel.MetricsEnabled,
			"traces", cfg.Otel.TracesEnabled)
	}

	be, err := newBackend(cfg.Backend, telemetry.Tracer("gatewatch/phoenix"), logger)
	if err != nil {
		slog.Error("Failed to create backend", "type", cfg.Backend.Type, "error", err)
		os.Exit(1)
	}

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(journal.Config{
			Dir:        cfg.Journal.Dir,
			Retention:  cfg.Journal.Retention,
			GCInterval: cfg.Journal.GCInterval,
		}, logger)
		if err != nil {
			slog.Error("Failed to open journal", "dir", cfg.Journal.Dir, "error", err)
			be.close()
			os.Exit(1)
		}
	}

	var notifier *webhook.Notifier
	if cfg.Webhook.Enabled {
		notifier, err = webhook.NewNotifier(cfg.Webhook, instanceID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to create webhook notifier", "error", err)
			os.Exit(1)
		}
	}

	board := gatepass.NewBoard()
	channels := make([]*realtime.Channel, 0, len(cfg.Subscriptions))
	for _, sub := range cfg.Subscriptions {
		ch, err := newChannel(cfg.Channel, sub, be.backend, board, jrnl, notifier, observer, logger)
		if err != nil {
			slog.Error("Failed to create channel", "subscription", sub.Name, "error", err)
			os.Exit(1)
		}
		channels = append(channels, ch)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Health.Enabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
			MaxConnections:  cfg.Health.MaxConnections,
		}, health.ChannelsFunc(func() []realtime.Info {
			ret := make([]realtime.Info, 0, len(channels))
			for _, ch := range channels {
				ret = append(ret, ch.Info())
			}
			return ret
		}), board, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if *demo > 0 {
		if be.hub == nil {
			slog.Warn("Demo mode requires the memory backend, ignoring")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				runDemo(ctx, be.hub, *demo, logger)
			}()
		}
	}

	slog.Info("gatewatch started", "channels", len(channels))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()

	for _, ch := range channels {
		ch.Close()
	}
	be.close()

	if notifier != nil {
		_ = notifier.Close()
	}
	if jrnl != nil {
		if err := jrnl.Close(); err != nil {
			slog.Error("Failed to close journal", "error", err)
		}
	}

	otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer otelCancel()
	if err := telemetry.Shutdown(otelShutdownCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}

	wg.Wait()
	slog.Info("gatewatch stopped")
}
