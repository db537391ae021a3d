// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/demo-coordinator/pkg/config"
	"github.com/stacklok/demo-coordinator/pkg/coordinator"
	"github.com/stacklok/demo-coordinator/pkg/invites"
	"github.com/stacklok/demo-coordinator/pkg/logger"
	"github.com/stacklok/demo-coordinator/pkg/server"
	"github.com/stacklok/demo-coordinator/pkg/supervisor"
	"github.com/stacklok/demo-coordinator/pkg/telemetry"
	"github.com/stacklok/demo-coordinator/pkg/tokens"
	"github.com/stacklok/demo-coordinator/pkg/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session coordinator",
	Long: `Start the HTTP and websocket surfaces and begin admitting sessions.
Invite records are read from the key-value store; sessions spawn the
terminal-sharing subprocess on the configured port.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverIdleTimeout      = 120 * time.Second
)

func init() {
	serveCmd.Flags().Int("port", config.DefaultPort, "Listen port for HTTP and the client protocol")
	serveCmd.Flags().String("redis-url", config.DefaultRedisURL, "Key-value store endpoint")

	if err := viper.BindPFlag("port", serveCmd.Flags().Lookup("port")); err != nil {
		logger.Fatalf("Failed to bind port flag: %v", err)
	}
	if err := viper.BindPFlag("redis_url", serveCmd.Flags().Lookup("redis-url")); err != nil {
		logger.Fatalf("Failed to bind redis-url flag: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Infof("Starting session coordinator on port %d", cfg.Port)

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    "demo-coordinator",
		ServiceVersion: versions.GetVersionInfo().Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Prometheus:     cfg.PrometheusEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to create telemetry providers: %w", err)
	}

	metrics, err := telemetry.NewMetrics(provider.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	store, err := invites.NewStore(ctx, cfg.RedisURL, cfg.AuditRetention)
	if err != nil {
		return fmt.Errorf("failed to connect to key-value store: %w", err)
	}
	defer store.Close()

	validator := invites.NewValidator(store, metrics, provider.TracerProvider())
	minter := tokens.NewMinter(cfg.SessionSecret)

	sup := supervisor.New(supervisor.Config{
		TTYDPath:         cfg.TTYDPath,
		Port:             cfg.TTYDPort,
		Image:            cfg.WorkloadImage,
		EnvHostPath:      cfg.EnvHostPath,
		EnvContainerPath: cfg.EnvContainerPath,
		Credentials:      cfg.WorkloadCredentials,
	})

	coord := coordinator.New(coordinator.Config{
		SessionTimeout:        cfg.SessionTimeout,
		DisconnectGrace:       cfg.DisconnectGrace,
		MaxQueueSize:          cfg.MaxQueueSize,
		AverageSessionMinutes: cfg.AverageSessionMinutes,
	}, minter, validator, store, sup, metrics, provider.TracerProvider())

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     server.New(coord, validator, provider.PrometheusHandler()).Handler(),
		ReadTimeout: serverReadTimeout,
		IdleTimeout: serverIdleTimeout,
	}

	go func() {
		logger.Infof("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	// End the active session before releasing network resources.
	coord.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Telemetry shutdown failed: %v", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
