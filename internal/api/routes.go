// services/controlplane/internal/api/routes.go
package api

import (
	"example.com/backstage/services/controlplane/internal/core"
	"example.com/backstage/services/controlplane/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures all API routes
func SetupRoutes(router *gin.Engine, handlers *APIHandlers, services *core.Services, cache *infrastructure.Cache, serviceCredential string, logger *logrus.Logger) {
	authService := services.Authentication

	// Global middleware
	router.Use(Recovery(logger))
	router.Use(RequestLogger(logger))
	router.Use(ErrorHandler())
	router.Use(CORS())

	// Health check (public)
	router.GET("/health", handlers.HealthCheck)

	// Billing webhook (HMAC-authenticated, outside the API group)
	router.POST("/webhooks/billing", handlers.BillingWebhook)

	v1 := router.Group("/api/v1")
	v1.Use(RateLimiter(cache, 300))

	// Service-to-service endpoints (shared credential)
	serviceAPI := v1.Group("")
	serviceAPI.Use(ServiceCredential(serviceCredential))
	{
		serviceAPI.POST("/heartbeat", handlers.RecordHeartbeat)
		serviceAPI.POST("/events", handlers.IngestEvents)
		serviceAPI.POST("/rollout_executions/:rollout_id/:location_id", handlers.UpdateRolloutExecution)
	}

	// Configuration reads (consumed by display services; read-only)
	configAPI := v1.Group("/config")
	configAPI.Use(ServiceCredential(serviceCredential))
	{
		configAPI.GET("/location/:id", handlers.GetLocationConfig)
		configAPI.GET("/screens/:location_id", handlers.GetScreenConfig)
		configAPI.GET("/features/:location_id", handlers.GetFeatureFlags)
	}

	// Admin API (token + scopes)
	authAPI := v1.Group("")
	authAPI.Use(TokenAuthentication(authService))
	{
		devices := authAPI.Group("/devices")
		devices.Use(RequireScope(authService, "devices:read"))
		{
			devices.GET("", handlers.ListDevices)
			devices.GET("/can_pair", handlers.CanPair)

			devices.POST("/register", RequireScope(authService, "devices:write"), handlers.RegisterDevice)
			devices.POST("/pair", RequireScope(authService, "devices:write"), handlers.PairDevice)
		}

		registry := authAPI.Group("/health")
		registry.Use(RequireScope(authService, "registry:read"))
		{
			registry.GET("/summary", handlers.GetHealthSummary)
			registry.GET("/instances", handlers.ListServiceInstances)
		}

		rollouts := authAPI.Group("/rollouts")
		rollouts.Use(RequireScope(authService, "rollouts:read"))
		{
			rollouts.GET("/:id", handlers.GetRollout)
			rollouts.GET("/:id/executions", handlers.ListRolloutExecutions)

			rollouts.POST("", RequireScope(authService, "rollouts:write"), handlers.CreateRollout)
			rollouts.POST("/:id/start", RequireScope(authService, "rollouts:write"), handlers.StartRollout)
			rollouts.POST("/:id/cancel", RequireScope(authService, "rollouts:write"), handlers.CancelRollout)
			rollouts.POST("/:id/rollback", RequireScope(authService, "rollouts:write"), handlers.RollbackRollout)
		}

		audit := authAPI.Group("/audit")
		audit.Use(RequireScope(authService, "audit:read"))
		{
			audit.GET("/enforcement", handlers.ListEnforcementLog)
		}

		accounts := authAPI.Group("/accounts")
		accounts.Use(RequireScope(authService, "accounts:read"))
		{
			accounts.GET("", handlers.ListAccounts)
			accounts.POST("", RequireScope(authService, "accounts:write"), handlers.CreateAccount)
		}

		locations := authAPI.Group("/locations")
		locations.Use(RequireScope(authService, "accounts:read"))
		{
			locations.GET("", handlers.ListLocations)
			locations.POST("", RequireScope(authService, "accounts:write"), handlers.CreateLocation)
			locations.POST("/:id/setup_fee", RequireScope(authService, "accounts:write"), handlers.MarkSetupFeePaid)
			locations.POST("/:id/activate", RequireScope(authService, "accounts:write"), handlers.ActivateLocation)
		}
	}
}
