// services/controlplane/internal/core/repository.go
package core

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository defines the interface for data access operations. The store is
// the only shared mutable resource: services re-read through it on every
// decision instead of caching account/location/device state in process.
type Repository interface {
	// Account operations
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id uint) (*Account, error)
	UpdateAccountBillingStatus(ctx context.Context, id uint, status BillingStatus) error
	IncrementAccountDeviceCount(ctx context.Context, id uint, delta int) error
	ListAccounts(ctx context.Context) ([]*Account, error)

	// Location operations
	CreateLocation(ctx context.Context, location *Location) error
	UpdateLocation(ctx context.Context, location *Location) error
	GetLocation(ctx context.Context, id uint) (*Location, error)
	ListLocationsByAccount(ctx context.Context, accountID uint) ([]*Location, error)

	// Device operations
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	GetDeviceByUID(ctx context.Context, uid string) (*Device, error)
	ListDevicesByLocation(ctx context.Context, locationID uint) ([]*Device, error)
	CountPairedDevices(ctx context.Context, locationID uint) (int, error)

	// Service health registry operations
	UpsertServiceInstance(ctx context.Context, instance *ServiceInstance) error
	GetServiceInstance(ctx context.Context, kind ServiceKind, locationID uint, instanceID string) (*ServiceInstance, error)
	ListServiceInstances(ctx context.Context, kind ServiceKind, locationID uint) ([]*ServiceInstance, error)
	MarkInstancesOffline(ctx context.Context, olderThan time.Time) (int64, error)

	// Enforcement audit operations (append-only)
	AppendEnforcementLog(ctx context.Context, entry *EnforcementLogEntry) error
	ListEnforcementLog(ctx context.Context, accountID uint, limit int) ([]*EnforcementLogEntry, error)

	// Rollout operations
	CreateRollout(ctx context.Context, rollout *Rollout) error
	UpdateRollout(ctx context.Context, rollout *Rollout) error
	GetRollout(ctx context.Context, rolloutID string) (*Rollout, error)
	ListDueScheduledRollouts(ctx context.Context, now time.Time) ([]*Rollout, error)
	CreateRolloutExecution(ctx context.Context, execution *RolloutExecution) error
	UpdateRolloutExecution(ctx context.Context, execution *RolloutExecution) error
	GetRolloutExecution(ctx context.Context, rolloutID string, locationID uint) (*RolloutExecution, error)
	ListRolloutExecutions(ctx context.Context, rolloutID string) ([]*RolloutExecution, error)

	// Event mirror operations
	CreateMirrorEvent(ctx context.Context, event *MirrorEvent) error
	ListMirrorEvents(ctx context.Context, locationID uint, limit int) ([]*MirrorEvent, error)

	// Configuration read operations
	ListFeatureFlags(ctx context.Context, accountID uint, locationID uint) ([]*FeatureFlag, error)
	ListScreenAssignments(ctx context.Context, locationID uint) ([]*ScreenAssignment, error)

	// API token operations
	CreateAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	UpdateTokenLastAccess(ctx context.Context, token string) error

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a Repository backed by a gorm database handle.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTransaction(ctx context.Context, fn func(c context.Context, repo Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewRepository(tx))
	})
}

func (r *repository) CreateAccount(ctx context.Context, a *Account) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *repository) GetAccount(ctx context.Context, id uint) (*Account, error) {
	var a Account
	return &a, r.db.WithContext(ctx).First(&a, id).Error
}

func (r *repository) UpdateAccountBillingStatus(ctx context.Context, id uint, status BillingStatus) error {
	return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).
		Update("billing_status", status).Error
}

func (r *repository) IncrementAccountDeviceCount(ctx context.Context, id uint, delta int) error {
	return r.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).
		Update("device_count", gorm.Expr("device_count + ?", delta)).Error
}

func (r *repository) ListAccounts(ctx context.Context) ([]*Account, error) {
	var accounts []*Account
	return accounts, r.db.WithContext(ctx).Find(&accounts).Error
}

func (r *repository) CreateLocation(ctx context.Context, l *Location) error {
	return r.db.WithContext(ctx).Create(l).Error
}

func (r *repository) UpdateLocation(ctx context.Context, l *Location) error {
	return r.db.WithContext(ctx).Save(l).Error
}

func (r *repository) GetLocation(ctx context.Context, id uint) (*Location, error) {
	var l Location
	return &l, r.db.WithContext(ctx).First(&l, id).Error
}

func (r *repository) ListLocationsByAccount(ctx context.Context, accountID uint) ([]*Location, error) {
	var locations []*Location
	return locations, r.db.WithContext(ctx).Where("account_id = ?", accountID).Find(&locations).Error
}

func (r *repository) CreateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *repository) UpdateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *repository) GetDeviceByUID(ctx context.Context, uid string) (*Device, error) {
	var d Device
	return &d, r.db.WithContext(ctx).Where("device_uid = ?", uid).First(&d).Error
}

func (r *repository) ListDevicesByLocation(ctx context.Context, locationID uint) ([]*Device, error) {
	var devices []*Device
	return devices, r.db.WithContext(ctx).Where("location_id = ?", locationID).Find(&devices).Error
}

func (r *repository) CountPairedDevices(ctx context.Context, locationID uint) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Device{}).
		Where("location_id = ? AND status = ?", locationID, DeviceStatusPaired).
		Count(&count).Error
	return int(count), err
}

func (r *repository) UpsertServiceInstance(ctx context.Context, i *ServiceInstance) error {
	// Concurrent first heartbeats for the same key must not race a
	// read-then-save; let the database resolve the conflict in one statement.
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "service_kind"}, {Name: "location_id"}, {Name: "instance_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "last_heartbeat", "version", "base_url", "metadata", "updated_at",
		}),
	}).Create(i).Error
}

func (r *repository) GetServiceInstance(ctx context.Context, kind ServiceKind, locationID uint, instanceID string) (*ServiceInstance, error) {
	var i ServiceInstance
	err := r.db.WithContext(ctx).
		Where("service_kind = ? AND location_id = ? AND instance_id = ?", kind, locationID, instanceID).
		First(&i).Error
	return &i, err
}

func (r *repository) ListServiceInstances(ctx context.Context, kind ServiceKind, locationID uint) ([]*ServiceInstance, error) {
	var instances []*ServiceInstance
	q := r.db.WithContext(ctx)
	if kind != "" {
		q = q.Where("service_kind = ?", kind)
	}
	if locationID > 0 {
		q = q.Where("location_id = ?", locationID)
	}
	return instances, q.Find(&instances).Error
}

func (r *repository) MarkInstancesOffline(ctx context.Context, olderThan time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&ServiceInstance{}).
		Where("last_heartbeat < ? AND status <> ?", olderThan, InstanceStatusOffline).
		Update("status", InstanceStatusOffline)
	return res.RowsAffected, res.Error
}

func (r *repository) AppendEnforcementLog(ctx context.Context, e *EnforcementLogEntry) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *repository) ListEnforcementLog(ctx context.Context, accountID uint, limit int) ([]*EnforcementLogEntry, error) {
	var entries []*EnforcementLogEntry
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if accountID > 0 {
		q = q.Where("account_id = ?", accountID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return entries, q.Find(&entries).Error
}

func (r *repository) CreateRollout(ctx context.Context, ro *Rollout) error {
	return r.db.WithContext(ctx).Create(ro).Error
}

func (r *repository) UpdateRollout(ctx context.Context, ro *Rollout) error {
	return r.db.WithContext(ctx).Save(ro).Error
}

func (r *repository) GetRollout(ctx context.Context, rolloutID string) (*Rollout, error) {
	var ro Rollout
	return &ro, r.db.WithContext(ctx).Where("rollout_id = ?", rolloutID).First(&ro).Error
}

func (r *repository) ListDueScheduledRollouts(ctx context.Context, now time.Time) ([]*Rollout, error) {
	var rollouts []*Rollout
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", RolloutStatusScheduled, now).
		Find(&rollouts).Error
	return rollouts, err
}

func (r *repository) CreateRolloutExecution(ctx context.Context, e *RolloutExecution) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *repository) UpdateRolloutExecution(ctx context.Context, e *RolloutExecution) error {
	return r.db.WithContext(ctx).Save(e).Error
}

func (r *repository) GetRolloutExecution(ctx context.Context, rolloutID string, locationID uint) (*RolloutExecution, error) {
	var e RolloutExecution
	err := r.db.WithContext(ctx).
		Where("rollout_id = ? AND location_id = ?", rolloutID, locationID).
		First(&e).Error
	return &e, err
}

func (r *repository) ListRolloutExecutions(ctx context.Context, rolloutID string) ([]*RolloutExecution, error) {
	var executions []*RolloutExecution
	return executions, r.db.WithContext(ctx).Where("rollout_id = ?", rolloutID).Find(&executions).Error
}

func (r *repository) CreateMirrorEvent(ctx context.Context, e *MirrorEvent) error {
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *repository) ListMirrorEvents(ctx context.Context, locationID uint, limit int) ([]*MirrorEvent, error) {
	var events []*MirrorEvent
	q := r.db.WithContext(ctx).Order("occurred_at DESC")
	if locationID > 0 {
		q = q.Where("location_id = ?", locationID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return events, q.Find(&events).Error
}

func (r *repository) ListFeatureFlags(ctx context.Context, accountID uint, locationID uint) ([]*FeatureFlag, error) {
	var flags []*FeatureFlag
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND (location_id IS NULL OR location_id = ?)", accountID, locationID).
		Find(&flags).Error
	return flags, err
}

func (r *repository) ListScreenAssignments(ctx context.Context, locationID uint) ([]*ScreenAssignment, error) {
	var screens []*ScreenAssignment
	err := r.db.WithContext(ctx).
		Where("location_id = ?", locationID).Order("position ASC").
		Find(&screens).Error
	return screens, err
}

func (r *repository) CreateAccessToken(ctx context.Context, t *AccessToken) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *repository) GetAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	var t AccessToken
	return &t, r.db.WithContext(ctx).Where("token = ?", token).First(&t).Error
}

func (r *repository) UpdateTokenLastAccess(ctx context.Context, token string) error {
	return r.db.WithContext(ctx).Model(&AccessToken{}).Where("token = ?", token).
		Update("last_accessed_at", time.Now()).Error
}
