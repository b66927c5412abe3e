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

	"github.com/absmach/fluxrpc/config"
	"github.com/absmach/fluxrpc/discovery/directory"
	"github.com/absmach/fluxrpc/messaging/channel"
	"github.com/absmach/fluxrpc/otel"
	"github.com/absmach/fluxrpc/runtime"
)

const version = "0.1.0"

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

	slog.Info("Starting fluxrpc runtime", "version", version)
	slog.Info("Configuration loaded",
		"reply_transport", cfg.Runtime.ReplyTransport,
		"mqtt_enabled", cfg.MQTT.Enabled,
		"mqtt_broker", cfg.MQTT.BrokerURI,
		"ws_server_enabled", cfg.WebSocket.ServerEnabled,
		"ws_listener", cfg.WebSocket.Addr,
		"channel_enabled", cfg.Channel.Enabled,
		"directory_url", cfg.Discovery.DirectoryURL,
		"directory_server_enabled", cfg.Discovery.DirectoryServerEnabled,
		"persistence", cfg.Persistence.Type,
		"log_level", cfg.Log.Level)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.InitProvider(context.Background(), cfg.Telemetry, cfg.Runtime.InstanceID)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)

		if cfg.Telemetry.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}
	}

	rt, err := runtime.New(cfg, runtime.WithLogger(logger), runtime.WithMetrics(metrics))
	if err != nil {
		slog.Error("Failed to create runtime", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		slog.Error("Failed to start runtime", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 3)

	if ws := rt.Transports().WebSocket; ws != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server", "address", cfg.WebSocket.Addr, "path", cfg.WebSocket.Path)
			if err := ws.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Discovery.DirectoryServerEnabled {
		dirServer := directory.New(directory.Config{
			Address:         cfg.Discovery.DirectoryServerAddr,
			ShutdownTimeout: cfg.WebSocket.ShutdownTimeout,
		}, directory.NewStore(), rt.RateLimits(), logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dirServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Channel.ProxyAddr != "" {
		proxy := channel.NewProxy(cfg.Channel.PollTimeout, cfg.Channel.ProxyMaxQueue)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := proxy.Listen(ctx, cfg.Channel.ProxyAddr, cfg.WebSocket.ShutdownTimeout, logger); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("fluxrpc runtime started", "instance_id", rt.InstanceID())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.WebSocket.ShutdownTimeout)
	defer shutdownCancel()

	if err := rt.Close(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	cancel()

	wg.Wait()
	slog.Info("fluxrpc runtime stopped")
}
