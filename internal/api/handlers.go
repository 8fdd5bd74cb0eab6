// services/controlplane/internal/api/handlers.go
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/controlplane/config"
	"example.com/backstage/services/controlplane/internal/core"
	"example.com/backstage/services/controlplane/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.Services
	billing  config.BillingConfig
	logger   *logrus.Logger
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.Services, billing config.BillingConfig, logger *logrus.Logger) *APIHandlers {
	return &APIHandlers{services: services, billing: billing, logger: logger}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "signage-control-plane",
	})
}

// --- Service Registry Endpoints ---

// RecordHeartbeat ingests a liveness signal from a downstream service
func (h *APIHandlers) RecordHeartbeat(c *gin.Context) {
	var hb core.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid heartbeat format", "details": err.Error()})
		return
	}

	instance, err := h.services.HealthRegistry.RecordHeartbeat(c.Request.Context(), hb)
	if err != nil {
		if businessErr, ok := err.(core.BusinessError); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": businessErr.Code, "message": businessErr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record heartbeat"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": instance.LastHeartbeat,
	})
}

// GetHealthSummary aggregates effective instance statuses in scope
func (h *APIHandlers) GetHealthSummary(c *gin.Context) {
	scope := core.HealthScope{
		Service: core.ServiceKind(c.Query("service")),
	}
	if locationID, _ := strconv.ParseUint(c.Query("location_id"), 10, 32); locationID > 0 {
		scope.LocationID = uint(locationID)
	}

	summary, err := h.services.HealthRegistry.GetHealthSummary(c.Request.Context(), scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build health summary"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// ListServiceInstances returns registry rows with effective status applied
func (h *APIHandlers) ListServiceInstances(c *gin.Context) {
	scope := core.HealthScope{
		Service: core.ServiceKind(c.Query("service")),
	}
	if locationID, _ := strconv.ParseUint(c.Query("location_id"), 10, 32); locationID > 0 {
		scope.LocationID = uint(locationID)
	}

	instances, err := h.services.HealthRegistry.ListInstances(c.Request.Context(), scope)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list instances"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instances": instances,
		"count":     len(instances),
	})
}

// --- Event Mirror Endpoints ---

// IngestEvents accepts a single event object or an array of events
func (h *APIHandlers) IngestEvents(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var batch []core.IncomingEvent
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event batch format"})
			return
		}
	} else {
		var single core.IncomingEvent
		if err := json.Unmarshal(trimmed, &single); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event format"})
			return
		}
		batch = []core.IncomingEvent{single}
	}

	if len(batch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty batch"})
		return
	}

	result := h.services.EventMirror.IngestEvents(c.Request.Context(), batch)
	status := http.StatusAccepted
	if result.Accepted == 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, result)
}

// --- Device Provisioning Endpoints ---

// RegisterDevice issues a new device record with a pairing code
func (h *APIHandlers) RegisterDevice(c *gin.Context) {
	var req core.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	device, err := h.services.Provisioning.RegisterDevice(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register device"})
		return
	}

	c.JSON(http.StatusCreated, device)
}

// PairDevice binds a device to a location, subject to the enforcement gate
func (h *APIHandlers) PairDevice(c *gin.Context) {
	var req core.PairDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	result, err := h.services.Provisioning.PairDevice(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrDeviceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrDeviceAlreadyPaired):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrPairingCodeInvalid):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrAccountNotFound), errors.Is(err, core.ErrLocationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to pair device"})
		}
		return
	}

	if !result.Decision.Allowed {
		c.JSON(http.StatusForbidden, gin.H{
			"success":        false,
			"error":          result.Decision.Code,
			"message":        result.Decision.Message,
			"billing_status": result.Decision.BillingStatus,
			"help":           result.Decision.Help,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"device_id":   result.Device.DeviceUID,
		"account_id":  *result.Device.AccountID,
		"paired_at":   result.Device.PairedAt,
		"device_name": result.Device.Name,
	})
}

// CanPair is the non-mutating pre-flight pairing check
func (h *APIHandlers) CanPair(c *gin.Context) {
	accountID, _ := strconv.ParseUint(c.Query("account_id"), 10, 32)
	locationID, _ := strconv.ParseUint(c.Query("location_id"), 10, 32)
	if accountID == 0 || locationID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id and location_id are required"})
		return
	}

	decision, err := h.services.Provisioning.CanPair(c.Request.Context(), uint(accountID), uint(locationID))
	if err != nil {
		switch {
		case errors.Is(err, core.ErrAccountNotFound), errors.Is(err, core.ErrLocationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to evaluate pairing"})
		}
		return
	}

	c.JSON(http.StatusOK, decision)
}

// ListDevices returns devices bound to a location
func (h *APIHandlers) ListDevices(c *gin.Context) {
	locationID, _ := strconv.ParseUint(c.Query("location_id"), 10, 32)
	if locationID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "location_id is required"})
		return
	}

	devices, err := h.services.Provisioning.ListDevices(c.Request.Context(), uint(locationID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list devices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// --- Configuration Read Endpoints ---

// GetLocationConfig serves the merged configuration for one location
func (h *APIHandlers) GetLocationConfig(c *gin.Context) {
	locationID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location id"})
		return
	}

	cfg, err := h.services.Config.GetLocationConfig(c.Request.Context(), uint(locationID))
	if err != nil {
		if errors.Is(err, core.ErrLocationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load configuration"})
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// GetScreenConfig serves screen assignments for a location
func (h *APIHandlers) GetScreenConfig(c *gin.Context) {
	locationID, err := strconv.ParseUint(c.Param("location_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location id"})
		return
	}

	cfg, err := h.services.Config.GetScreens(c.Request.Context(), uint(locationID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load screens"})
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// GetFeatureFlags serves the merged feature flags for a location
func (h *APIHandlers) GetFeatureFlags(c *gin.Context) {
	locationID, err := strconv.ParseUint(c.Param("location_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location id"})
		return
	}

	cfg, err := h.services.Config.GetFeatureFlags(c.Request.Context(), uint(locationID))
	if err != nil {
		if errors.Is(err, core.ErrLocationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load feature flags"})
		return
	}

	c.JSON(http.StatusOK, cfg)
}

// --- Rollout Endpoints ---

// CreateRollout creates a deployment intent with per-location executions
func (h *APIHandlers) CreateRollout(c *gin.Context) {
	var req core.CreateRolloutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	rollout, err := h.services.Rollouts.Create(c.Request.Context(), req)
	if err != nil {
		if businessErr, ok := err.(core.BusinessError); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": businessErr.Code, "message": businessErr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create rollout"})
		return
	}

	c.JSON(http.StatusCreated, rollout)
}

// StartRollout moves a rollout to in_progress and dispatches commands
func (h *APIHandlers) StartRollout(c *gin.Context) {
	rollout, err := h.services.Rollouts.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondRolloutError(c, err, "failed to start rollout")
		return
	}
	c.JSON(http.StatusOK, rollout)
}

// CancelRollout aborts a rollout that has not started
func (h *APIHandlers) CancelRollout(c *gin.Context) {
	rollout, err := h.services.Rollouts.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondRolloutError(c, err, "failed to cancel rollout")
		return
	}
	c.JSON(http.StatusOK, rollout)
}

// RollbackRollout creates the inverse rollout for a started one
func (h *APIHandlers) RollbackRollout(c *gin.Context) {
	inverse, err := h.services.Rollouts.Rollback(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondRolloutError(c, err, "failed to roll back rollout")
		return
	}
	c.JSON(http.StatusCreated, inverse)
}

// GetRollout returns a rollout by its public identifier
func (h *APIHandlers) GetRollout(c *gin.Context) {
	rollout, err := h.services.Rollouts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondRolloutError(c, err, "failed to get rollout")
		return
	}
	c.JSON(http.StatusOK, rollout)
}

// ListRolloutExecutions returns per-location execution state
func (h *APIHandlers) ListRolloutExecutions(c *gin.Context) {
	executions, err := h.services.Rollouts.Executions(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list executions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"executions": executions,
		"count":      len(executions),
	})
}

// UpdateRolloutExecution applies a status callback from a location agent
func (h *APIHandlers) UpdateRolloutExecution(c *gin.Context) {
	locationID, err := strconv.ParseUint(c.Param("location_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location id"})
		return
	}

	var req struct {
		Status       core.ExecutionStatus `json:"status" binding:"required"`
		ErrorMessage string               `json:"error_message"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	execution, err := h.services.Rollouts.UpdateExecutionStatus(
		c.Request.Context(), c.Param("rollout_id"), uint(locationID), req.Status, req.ErrorMessage)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrExecutionNotFound), errors.Is(err, core.ErrRolloutNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			if businessErr, ok := err.(core.BusinessError); ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": businessErr.Code, "message": businessErr.Message})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update execution"})
		}
		return
	}

	c.JSON(http.StatusOK, execution)
}

func (h *APIHandlers) respondRolloutError(c *gin.Context, err error, fallback string) {
	if errors.Is(err, core.ErrRolloutNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if businessErr, ok := err.(core.BusinessError); ok {
		c.JSON(http.StatusConflict, gin.H{"error": businessErr.Code, "message": businessErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}

// --- Audit Endpoints ---

// ListEnforcementLog returns recent gate decisions for an account
func (h *APIHandlers) ListEnforcementLog(c *gin.Context) {
	accountID, _ := strconv.ParseUint(c.Query("account_id"), 10, 32)
	if accountID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	entries, err := h.services.Enforcement.EnforcementLog(c.Request.Context(), uint(accountID), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list enforcement log"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// --- Account and Location Endpoints ---

// CreateAccount creates a new tenant account
func (h *APIHandlers) CreateAccount(c *gin.Context) {
	var account core.Account
	if err := c.ShouldBindJSON(&account); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account format"})
		return
	}

	if err := h.services.Accounts.CreateAccount(c.Request.Context(), &account); err != nil {
		if businessErr, ok := err.(core.BusinessError); ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": businessErr.Code, "message": businessErr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create account"})
		return
	}

	c.JSON(http.StatusCreated, account)
}

// ListAccounts returns all accounts
func (h *APIHandlers) ListAccounts(c *gin.Context) {
	accounts, err := h.services.Accounts.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// CreateLocation creates a location in the inactive state
func (h *APIHandlers) CreateLocation(c *gin.Context) {
	var location core.Location
	if err := c.ShouldBindJSON(&location); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location format"})
		return
	}

	if err := h.services.Accounts.CreateLocation(c.Request.Context(), &location); err != nil {
		switch {
		case errors.Is(err, core.ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			if businessErr, ok := err.(core.BusinessError); ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": businessErr.Code, "message": businessErr.Message})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create location"})
		}
		return
	}

	c.JSON(http.StatusCreated, location)
}

// ListLocations returns locations for an account
func (h *APIHandlers) ListLocations(c *gin.Context) {
	accountID, _ := strconv.ParseUint(c.Query("account_id"), 10, 32)
	if accountID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}

	locations, err := h.services.Accounts.ListLocations(c.Request.Context(), uint(accountID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list locations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"locations": locations,
		"count":     len(locations),
	})
}

// MarkSetupFeePaid records payment of the one-time location setup fee
func (h *APIHandlers) MarkSetupFeePaid(c *gin.Context) {
	locationID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location id"})
		return
	}

	if err := h.services.Accounts.MarkSetupFeePaid(c.Request.Context(), uint(locationID)); err != nil {
		if errors.Is(err, core.ErrLocationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark setup fee paid"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "setup fee marked paid"})
}

// ActivateLocation enables a location for device pairing
func (h *APIHandlers) ActivateLocation(c *gin.Context) {
	locationID, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location id"})
		return
	}

	if err := h.services.Accounts.ActivateLocation(c.Request.Context(), uint(locationID)); err != nil {
		switch {
		case errors.Is(err, core.ErrLocationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, core.ErrSetupFeeOutstanding):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate location"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "location activated"})
}

// --- Webhook Endpoints ---

// BillingWebhook applies payment-provider subscription events. The payload
// signature is verified with the secret matching the event mode before any
// state change.
func (h *APIHandlers) BillingWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var event core.SubscriptionEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}

	secret := h.billing.WebhookSecretTest
	if event.LiveMode {
		secret = h.billing.WebhookSecretLive
	}

	signature := c.GetHeader("X-Webhook-Signature")
	if err := utils.VerifySignature(body, signature, secret); err != nil {
		h.logger.WithError(err).WithField("event_id", event.EventID).
			Warn("Rejected billing webhook with bad signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	account, err := h.services.Billing.ApplySubscriptionEvent(c.Request.Context(), event)
	if err != nil {
		if errors.Is(err, core.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply subscription event"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id":     account.ID,
		"billing_status": account.BillingStatus,
	})
}
