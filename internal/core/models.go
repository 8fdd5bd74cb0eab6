// services/controlplane/internal/core/models.go
package core

import (
	"encoding/json"
	"time"
)

// BillingStatus is the platform-level billing state of an Account.
type BillingStatus string

const (
	BillingStatusUnpaid   BillingStatus = "unpaid"
	BillingStatusPaid     BillingStatus = "paid"
	BillingStatusPastDue  BillingStatus = "past_due"
	BillingStatusCanceled BillingStatus = "canceled"
	BillingStatusTrialing BillingStatus = "trialing"
)

// PlanTier determines the per-location device limit.
type PlanTier string

const (
	PlanTierStarter    PlanTier = "starter"
	PlanTierPro        PlanTier = "pro"
	PlanTierEnterprise PlanTier = "enterprise"
)

// DeviceLimitForTier returns the default device limit for a plan tier.
func DeviceLimitForTier(tier PlanTier) int {
	switch tier {
	case PlanTierPro:
		return 10
	case PlanTierEnterprise:
		return 50
	default:
		return 3
	}
}

// DeviceStatus is the pairing lifecycle state of a Device. There is no
// transition out of paired: billing changes never touch paired hardware.
type DeviceStatus string

const (
	DeviceStatusRegistered DeviceStatus = "registered"
	DeviceStatusPaired     DeviceStatus = "paired"
)

// ServiceKind identifies a downstream execution service.
type ServiceKind string

const (
	ServiceKindMenus  ServiceKind = "menus"
	ServiceKindOrders ServiceKind = "orders"
	ServiceKindKDS    ServiceKind = "kds"
)

// KnownServiceKind reports whether k names a downstream service we accept
// heartbeats and events from.
func KnownServiceKind(k ServiceKind) bool {
	switch k {
	case ServiceKindMenus, ServiceKindOrders, ServiceKindKDS:
		return true
	}
	return false
}

// InstanceStatus is the stored health state of a service instance.
type InstanceStatus string

const (
	InstanceStatusOnline   InstanceStatus = "online"
	InstanceStatusDegraded InstanceStatus = "degraded"
	InstanceStatusOffline  InstanceStatus = "offline"
	InstanceStatusUnknown  InstanceStatus = "unknown"
)

// StalenessThreshold is the window after which a stored instance status is
// considered unreliable and the instance is reported offline.
const StalenessThreshold = 2 * time.Minute

// RolloutStatus is the aggregate state of a Rollout.
type RolloutStatus string

const (
	RolloutStatusPending    RolloutStatus = "pending"
	RolloutStatusScheduled  RolloutStatus = "scheduled"
	RolloutStatusInProgress RolloutStatus = "in_progress"
	RolloutStatusCompleted  RolloutStatus = "completed"
	RolloutStatusFailed     RolloutStatus = "failed"
	RolloutStatusRolledBack RolloutStatus = "rolled_back"
)

// RolloutType names what a rollout deploys.
type RolloutType string

const (
	RolloutTypeMenuActivation RolloutType = "menu_activation"
	RolloutTypeConfigUpdate   RolloutType = "config_update"
	RolloutTypeFeatureToggle  RolloutType = "feature_toggle"
)

// KnownRolloutType reports whether t is an accepted rollout type.
func KnownRolloutType(t RolloutType) bool {
	switch t {
	case RolloutTypeMenuActivation, RolloutTypeConfigUpdate, RolloutTypeFeatureToggle:
		return true
	}
	return false
}

// ExecutionStatus is the per-location state of a rollout execution.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "pending"
	ExecutionStatusInProgress ExecutionStatus = "in_progress"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
)

// IsTerminal reports whether the execution reached a final state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// EnforcementResult is the outcome of a gate evaluation.
type EnforcementResult string

const (
	EnforcementAllowed EnforcementResult = "ALLOWED"
	EnforcementBlocked EnforcementResult = "BLOCKED"
)

// Account represents a billing-capable tenant.
type Account struct {
	ID             uint          `json:"id" gorm:"primaryKey"`
	Name           string        `json:"name" gorm:"uniqueIndex;not null"`
	BillingStatus  BillingStatus `json:"billing_status" gorm:"index;not null;default:unpaid"`
	PlanMaxDevices int           `json:"plan_max_devices" gorm:"default:0"` // 0 = unlimited
	DeviceCount    int           `json:"device_count" gorm:"default:0"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Location is a physical site owned by an Account. Created inactive;
// activation requires the setup fee to be paid.
type Location struct {
	ID             uint      `json:"id" gorm:"primaryKey"`
	AccountID      uint      `json:"account_id" gorm:"index;not null"`
	Name           string    `json:"name" gorm:"not null"`
	PlanTier       PlanTier  `json:"plan_tier" gorm:"not null;default:starter"`
	DeviceLimit    int       `json:"device_limit" gorm:"not null;default:3"`
	Active         bool      `json:"active" gorm:"default:false"`
	SetupFeePaid   bool      `json:"setup_fee_paid" gorm:"default:false"`
	ActiveMenuID   *uint     `json:"active_menu_id"`
	FallbackMenuID *uint     `json:"fallback_menu_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Account        Account   `json:"-" gorm:"foreignKey:AccountID"`
}

// Device is a signage endpoint. Before pairing it is only a token-bearing
// registration record; after pairing it is bound to exactly one location.
type Device struct {
	ID          uint         `json:"id" gorm:"primaryKey"`
	DeviceUID   string       `json:"device_uid" gorm:"uniqueIndex;not null"`
	PairingCode string       `json:"pairing_code,omitempty" gorm:"index"`
	Name        string       `json:"name"`
	Status      DeviceStatus `json:"status" gorm:"index;not null;default:registered"`
	AccountID   *uint        `json:"account_id" gorm:"index"`
	LocationID  *uint        `json:"location_id" gorm:"index"`
	PairedAt    *time.Time   `json:"paired_at"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ServiceInstance is one row per (service kind, location, instance) in the
// service health registry, upserted by heartbeats.
type ServiceInstance struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	ServiceKind   ServiceKind     `json:"service" gorm:"uniqueIndex:idx_instance_key;not null"`
	LocationID    uint            `json:"location_id" gorm:"uniqueIndex:idx_instance_key;not null"`
	InstanceID    string          `json:"instance_id" gorm:"uniqueIndex:idx_instance_key;not null"`
	Status        InstanceStatus  `json:"status" gorm:"index;not null;default:unknown"`
	LastHeartbeat time.Time       `json:"last_heartbeat" gorm:"index;not null"`
	Version       string          `json:"version"`
	BaseURL       string          `json:"base_url"`
	Metadata      json.RawMessage `json:"metadata" gorm:"type:jsonb"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EffectiveStatus recomputes the instance status at read time: an entry past
// the staleness threshold is offline regardless of its stored status.
func (i *ServiceInstance) EffectiveStatus(now time.Time) InstanceStatus {
	if now.Sub(i.LastHeartbeat) > StalenessThreshold {
		return InstanceStatusOffline
	}
	return i.Status
}

// EnforcementLogEntry is an immutable audit record of one gate decision.
type EnforcementLogEntry struct {
	ID            uint              `json:"id" gorm:"primaryKey"`
	AccountID     uint              `json:"account_id" gorm:"index;not null"`
	LocationID    uint              `json:"location_id" gorm:"index;not null"`
	Action        string            `json:"action" gorm:"not null"`
	BillingStatus BillingStatus     `json:"billing_status" gorm:"not null"`
	Result        EnforcementResult `json:"result" gorm:"index;not null"`
	ReasonCode    string            `json:"reason_code"`
	Message       string            `json:"message"`
	DeviceCount   int               `json:"device_count"`
	DeviceLimit   int               `json:"device_limit"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Rollout is a deployment intent across a set of target locations.
type Rollout struct {
	ID              uint            `json:"id" gorm:"primaryKey"`
	RolloutID       string          `json:"rollout_id" gorm:"uniqueIndex;not null"`
	AccountID       uint            `json:"account_id" gorm:"index;not null"`
	Name            string          `json:"name" gorm:"not null"`
	RolloutType     RolloutType     `json:"rollout_type" gorm:"index;not null"`
	TargetLocations LocationIDs     `json:"target_locations" gorm:"serializer:json;not null"`
	Payload         json.RawMessage `json:"payload" gorm:"type:jsonb"`
	Status          RolloutStatus   `json:"status" gorm:"index;not null;default:pending"`
	ScheduledAt     *time.Time      `json:"scheduled_at"`
	StartedAt       *time.Time      `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at"`
	RollbackOfID    *string         `json:"rollback_of_id" gorm:"index"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// LocationIDs is a jsonb-persisted list of location identifiers.
type LocationIDs []uint

// RolloutExecution tracks one rollout on one location. Mutated only by
// execution-status callbacks from the consuming service.
type RolloutExecution struct {
	ID           uint            `json:"id" gorm:"primaryKey"`
	RolloutID    string          `json:"rollout_id" gorm:"uniqueIndex:idx_execution_key;not null"`
	LocationID   uint            `json:"location_id" gorm:"uniqueIndex:idx_execution_key;not null"`
	Status       ExecutionStatus `json:"status" gorm:"index;not null;default:pending"`
	StartedAt    *time.Time      `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	ErrorMessage string          `json:"error_message"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// MirrorEvent stores an external lifecycle event for observability only.
type MirrorEvent struct {
	ID            uint            `json:"id" gorm:"primaryKey"`
	EventID       string          `json:"event_id" gorm:"uniqueIndex;not null"`
	EventType     string          `json:"event_type" gorm:"index;not null"`
	SourceService ServiceKind     `json:"source_service" gorm:"index;not null"`
	LocationID    uint            `json:"location_id" gorm:"index;not null"`
	AccountID     *uint           `json:"account_id" gorm:"index"`
	ActorID       string          `json:"actor_id"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Payload       json.RawMessage `json:"payload" gorm:"type:jsonb"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// FeatureFlag is an account-level default or a location-level override.
// A nil LocationID marks the account default.
type FeatureFlag struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	AccountID  uint      `json:"account_id" gorm:"index;not null"`
	LocationID *uint     `json:"location_id" gorm:"index"`
	Key        string    `json:"key" gorm:"index;not null"`
	Enabled    bool      `json:"enabled" gorm:"default:false"`
	Value      string    `json:"value"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScreenAssignment maps a physical screen at a location to a menu.
type ScreenAssignment struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	LocationID uint      `json:"location_id" gorm:"index;not null"`
	ScreenID   string    `json:"screen_id" gorm:"not null"`
	Name       string    `json:"name"`
	MenuID     *uint     `json:"menu_id"`
	Position   int       `json:"position"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AccessToken represents API authentication tokens for the admin surface.
type AccessToken struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	Token          string     `json:"token" gorm:"uniqueIndex;not null"`
	Description    string     `json:"description"`
	Scopes         []string   `json:"scopes" gorm:"serializer:json"`
	LastAccessedAt *time.Time `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// TableName overrides for GORM
func (Account) TableName() string             { return "accounts" }
func (Location) TableName() string            { return "locations" }
func (Device) TableName() string              { return "devices" }
func (ServiceInstance) TableName() string     { return "service_instances" }
func (EnforcementLogEntry) TableName() string { return "enforcement_log" }
func (Rollout) TableName() string             { return "rollouts" }
func (RolloutExecution) TableName() string    { return "rollout_executions" }
func (MirrorEvent) TableName() string         { return "mirror_events" }
func (FeatureFlag) TableName() string         { return "feature_flags" }
func (ScreenAssignment) TableName() string    { return "screen_assignments" }
func (AccessToken) TableName() string         { return "access_tokens" }
