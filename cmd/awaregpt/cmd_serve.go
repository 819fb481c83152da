// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gazcn007/aware-gpt/services/chat/config"
	"github.com/gazcn007/aware-gpt/services/chat/handlers"
	"github.com/gazcn007/aware-gpt/services/chat/observability"
	"github.com/gazcn007/aware-gpt/services/chat/routes"
)

// shutdownTimeout bounds draining in-flight streams on exit.
const shutdownTimeout = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Slog()
	cfg := appConfig

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = "awaregpt"
	}
	traceExporter, metricExporter := cfg.Telemetry.Exporters()
	shutdownTelemetry, err := observability.InitTelemetry(ctx, observability.TelemetryConfig{
		ServiceName:    serviceName,
		ServiceVersion: version,
		TraceExporter:  traceExporter,
		MetricExporter: metricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics := observability.InitMetrics()

	a, err := buildApp(ctx, cfg, observability.SurfaceHTTP, metrics, log)
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := handlers.NewChatHandler(handlers.Deps{
		Orchestrator:     a.orch,
		Store:            a.store,
		Settings:         cfg.Settings,
		Engine:           a.engine,
		ClassifierLoaded: a.classifier.Loaded(),
		Metrics:          metrics,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	go func() {
		err := config.Watch(ctx, configPath, log, func(updated *config.AppConfig) {
			h.UpdateSettings(updated.Settings)
			log.Info("settings reloaded", "path", configPath)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("config watch stopped", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := routes.NewRouter(serviceName)
	routes.SetupRoutes(router, h, promhttp.Handler(),
		handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.Burst))

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("awaregpt server listening", "addr", addr, "engine_ready", a.engine.Ready(),
			"classifier_loaded", a.classifier.Loaded())
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
