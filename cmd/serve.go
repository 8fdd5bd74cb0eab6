package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/controlplane/internal/api"
	"example.com/backstage/services/controlplane/internal/core"
	"example.com/backstage/services/controlplane/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the signage control plane API server",
	Long:  `Launches the HTTP server handling billing enforcement, device provisioning, the service health registry, rollouts and configuration reads.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// rolloutDispatcher adapts Service Bus publishing to the core dispatcher
// contract.
type rolloutDispatcher struct {
	messaging *infrastructure.Messaging
}

func (d *rolloutDispatcher) PublishRolloutCommand(ctx context.Context, cmd core.RolloutCommand) error {
	return d.messaging.Publish(ctx, "rollout.command", cmd)
}

// auditSpool adapts the disk spool to the enforcement audit sink.
type auditSpool struct {
	spool *infrastructure.Spool
}

func (s *auditSpool) Write(entry *core.EnforcementLogEntry) error {
	return s.spool.Write(entry)
}

func runServer() error {
	logger.Info("Initializing Signage Control Plane...")

	// --- Infrastructure Setup ---
	logger.Info("Connecting to database...")
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	logger.Info("Connecting to cache...")
	cache, err := infrastructure.NewCache(cfg.Redis)
	if err != nil {
		// Cache only backs rate limiting and last-known-good config reads.
		logger.WithError(err).Warn("Cache unavailable, continuing without it")
		cache = nil
	} else {
		defer cache.Close()
	}

	logger.Info("Connecting to messaging service...")
	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		logger.Warn("Messaging service unavailable, continuing without it")
		messaging = nil
	} else {
		defer messaging.Close()
	}

	spool, err := infrastructure.NewSpool(cfg.Spool.Path)
	if err != nil {
		logger.WithError(err).Warn("Audit spool unavailable, continuing without it")
		spool = nil
	} else {
		defer spool.Close()
	}

	// --- Service Layer Setup ---
	store := core.NewRepository(db.DB)

	serviceConfig := core.ServiceConfig{
		Store:  store,
		Cache:  cache,
		Logger: logger,
	}
	if messaging != nil {
		serviceConfig.Dispatcher = &rolloutDispatcher{messaging: messaging}
	}
	if spool != nil {
		serviceConfig.Spool = &auditSpool{spool: spool}
	}

	services := core.NewServices(serviceConfig)

	// --- MQTT Heartbeat Bridge ---
	if cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		bridge, err := infrastructure.NewMQTTBridge(*cfg.MQTT, func(ctx context.Context, topic string, payload []byte) error {
			var hb core.Heartbeat
			if err := json.Unmarshal(payload, &hb); err != nil {
				return fmt.Errorf("invalid heartbeat payload: %w", err)
			}
			_, err := services.HealthRegistry.RecordHeartbeat(ctx, hb)
			return err
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create MQTT bridge: %w", err)
		}
		if err := bridge.Start(); err != nil {
			logger.WithError(err).Warn("MQTT bridge unavailable, continuing with HTTP heartbeats only")
		} else {
			defer bridge.Stop()
		}
	}

	// --- API Layer Setup ---
	router := gin.New()

	handlers := api.NewAPIHandlers(services, cfg.Billing, logger)
	api.SetupRoutes(router, handlers, services, cache, cfg.Auth.ServiceCredential, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Signage Control Plane API listening on %s", serverAddr)
		logger.Info("Service started successfully")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Signage Control Plane shutdown complete")
	return nil
}
