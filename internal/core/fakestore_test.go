package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// fakeRepository is an in-memory Repository for service tests. Error
// injection fields simulate store outages on specific paths.
type fakeRepository struct {
	mu sync.Mutex

	accounts   map[uint]*Account
	locations  map[uint]*Location
	devices    map[string]*Device
	instances  map[string]*ServiceInstance
	audit      []*EnforcementLogEntry
	rollouts   map[string]*Rollout
	executions map[string]*RolloutExecution
	events     []*MirrorEvent
	flags      []*FeatureFlag
	screens    []*ScreenAssignment
	tokens     map[string]*AccessToken

	nextID uint

	failGetAccount   error
	failAppendAudit  error
	failCountDevices error
	failCreateMirror error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		accounts:   make(map[uint]*Account),
		locations:  make(map[uint]*Location),
		devices:    make(map[string]*Device),
		instances:  make(map[string]*ServiceInstance),
		rollouts:   make(map[string]*Rollout),
		executions: make(map[string]*RolloutExecution),
		tokens:     make(map[string]*AccessToken),
	}
}

func (f *fakeRepository) id() uint {
	f.nextID++
	return f.nextID
}

func instanceKey(kind ServiceKind, locationID uint, instanceID string) string {
	return fmt.Sprintf("%s/%d/%s", kind, locationID, instanceID)
}

func executionKey(rolloutID string, locationID uint) string {
	return fmt.Sprintf("%s/%d", rolloutID, locationID)
}

func (f *fakeRepository) CreateAccount(_ context.Context, a *Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.ID == 0 {
		a.ID = f.id()
	}
	copied := *a
	f.accounts[a.ID] = &copied
	return nil
}

func (f *fakeRepository) GetAccount(_ context.Context, id uint) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGetAccount != nil {
		return nil, f.failGetAccount
	}
	a, ok := f.accounts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeRepository) UpdateAccountBillingStatus(_ context.Context, id uint, status BillingStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	a.BillingStatus = status
	return nil
}

func (f *fakeRepository) IncrementAccountDeviceCount(_ context.Context, id uint, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	a.DeviceCount += delta
	return nil
}

func (f *fakeRepository) ListAccounts(_ context.Context) ([]*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRepository) CreateLocation(_ context.Context, l *Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l.ID == 0 {
		l.ID = f.id()
	}
	copied := *l
	f.locations[l.ID] = &copied
	return nil
}

func (f *fakeRepository) UpdateLocation(_ context.Context, l *Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.locations[l.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	copied := *l
	f.locations[l.ID] = &copied
	return nil
}

func (f *fakeRepository) GetLocation(_ context.Context, id uint) (*Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locations[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *l
	return &copied, nil
}

func (f *fakeRepository) ListLocationsByAccount(_ context.Context, accountID uint) ([]*Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Location
	for _, l := range f.locations {
		if l.AccountID == accountID {
			copied := *l
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRepository) CreateDevice(_ context.Context, d *Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.ID == 0 {
		d.ID = f.id()
	}
	copied := *d
	f.devices[d.DeviceUID] = &copied
	return nil
}

func (f *fakeRepository) UpdateDevice(_ context.Context, d *Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[d.DeviceUID]; !ok {
		return gorm.ErrRecordNotFound
	}
	copied := *d
	f.devices[d.DeviceUID] = &copied
	return nil
}

func (f *fakeRepository) GetDeviceByUID(_ context.Context, uid string) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[uid]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *d
	return &copied, nil
}

func (f *fakeRepository) ListDevicesByLocation(_ context.Context, locationID uint) ([]*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Device
	for _, d := range f.devices {
		if d.LocationID != nil && *d.LocationID == locationID {
			copied := *d
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRepository) CountPairedDevices(_ context.Context, locationID uint) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCountDevices != nil {
		return 0, f.failCountDevices
	}
	count := 0
	for _, d := range f.devices {
		if d.Status == DeviceStatusPaired && d.LocationID != nil && *d.LocationID == locationID {
			count++
		}
	}
	return count, nil
}

func (f *fakeRepository) UpsertServiceInstance(_ context.Context, i *ServiceInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := instanceKey(i.ServiceKind, i.LocationID, i.InstanceID)
	if existing, ok := f.instances[key]; ok {
		i.ID = existing.ID
	} else if i.ID == 0 {
		i.ID = f.id()
	}
	copied := *i
	f.instances[key] = &copied
	return nil
}

func (f *fakeRepository) GetServiceInstance(_ context.Context, kind ServiceKind, locationID uint, instanceID string) (*ServiceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i, ok := f.instances[instanceKey(kind, locationID, instanceID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *i
	return &copied, nil
}

func (f *fakeRepository) ListServiceInstances(_ context.Context, kind ServiceKind, locationID uint) ([]*ServiceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ServiceInstance
	for _, i := range f.instances {
		if kind != "" && i.ServiceKind != kind {
			continue
		}
		if locationID > 0 && i.LocationID != locationID {
			continue
		}
		copied := *i
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRepository) MarkInstancesOffline(_ context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var swept int64
	for _, i := range f.instances {
		if i.LastHeartbeat.Before(olderThan) && i.Status != InstanceStatusOffline {
			i.Status = InstanceStatusOffline
			swept++
		}
	}
	return swept, nil
}

func (f *fakeRepository) AppendEnforcementLog(_ context.Context, e *EnforcementLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAppendAudit != nil {
		return f.failAppendAudit
	}
	if e.ID == 0 {
		e.ID = f.id()
	}
	copied := *e
	f.audit = append(f.audit, &copied)
	return nil
}

func (f *fakeRepository) ListEnforcementLog(_ context.Context, accountID uint, limit int) ([]*EnforcementLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*EnforcementLogEntry
	for _, e := range f.audit {
		if accountID > 0 && e.AccountID != accountID {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepository) CreateRollout(_ context.Context, ro *Rollout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ro.ID == 0 {
		ro.ID = f.id()
	}
	copied := *ro
	f.rollouts[ro.RolloutID] = &copied
	return nil
}

func (f *fakeRepository) UpdateRollout(_ context.Context, ro *Rollout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rollouts[ro.RolloutID]; !ok {
		return gorm.ErrRecordNotFound
	}
	copied := *ro
	f.rollouts[ro.RolloutID] = &copied
	return nil
}

func (f *fakeRepository) GetRollout(_ context.Context, rolloutID string) (*Rollout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ro, ok := f.rollouts[rolloutID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *ro
	return &copied, nil
}

func (f *fakeRepository) ListDueScheduledRollouts(_ context.Context, now time.Time) ([]*Rollout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Rollout
	for _, ro := range f.rollouts {
		if ro.Status == RolloutStatusScheduled && ro.ScheduledAt != nil && !ro.ScheduledAt.After(now) {
			copied := *ro
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRepository) CreateRolloutExecution(_ context.Context, e *RolloutExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == 0 {
		e.ID = f.id()
	}
	copied := *e
	f.executions[executionKey(e.RolloutID, e.LocationID)] = &copied
	return nil
}

func (f *fakeRepository) UpdateRolloutExecution(_ context.Context, e *RolloutExecution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionKey(e.RolloutID, e.LocationID)
	if _, ok := f.executions[key]; !ok {
		return gorm.ErrRecordNotFound
	}
	copied := *e
	f.executions[key] = &copied
	return nil
}

func (f *fakeRepository) GetRolloutExecution(_ context.Context, rolloutID string, locationID uint) (*RolloutExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.executions[executionKey(rolloutID, locationID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *e
	return &copied, nil
}

func (f *fakeRepository) ListRolloutExecutions(_ context.Context, rolloutID string) ([]*RolloutExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*RolloutExecution
	for _, e := range f.executions {
		if e.RolloutID == rolloutID {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRepository) CreateMirrorEvent(_ context.Context, e *MirrorEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateMirror != nil {
		return f.failCreateMirror
	}
	if e.ID == 0 {
		e.ID = f.id()
	}
	copied := *e
	f.events = append(f.events, &copied)
	return nil
}

func (f *fakeRepository) ListMirrorEvents(_ context.Context, locationID uint, limit int) ([]*MirrorEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*MirrorEvent
	for _, e := range f.events {
		if locationID > 0 && e.LocationID != locationID {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepository) ListFeatureFlags(_ context.Context, accountID uint, locationID uint) ([]*FeatureFlag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*FeatureFlag
	for _, fl := range f.flags {
		if fl.AccountID != accountID {
			continue
		}
		if fl.LocationID != nil && *fl.LocationID != locationID {
			continue
		}
		copied := *fl
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeRepository) ListScreenAssignments(_ context.Context, locationID uint) ([]*ScreenAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ScreenAssignment
	for _, s := range f.screens {
		if s.LocationID == locationID {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRepository) CreateAccessToken(_ context.Context, t *AccessToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == 0 {
		t.ID = f.id()
	}
	copied := *t
	f.tokens[t.Token] = &copied
	return nil
}

func (f *fakeRepository) GetAccessToken(_ context.Context, token string) (*AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *t
	return &copied, nil
}

func (f *fakeRepository) UpdateTokenLastAccess(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	t.LastAccessedAt = &now
	return nil
}

func (f *fakeRepository) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, f)
}

var errStoreDown = errors.New("store unavailable")

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func seedAccount(f *fakeRepository, status BillingStatus) *Account {
	account := &Account{Name: "acme", BillingStatus: status}
	f.CreateAccount(context.Background(), account)
	return account
}

func seedLocation(f *fakeRepository, accountID uint, active, feePaid bool, limit int) *Location {
	location := &Location{
		AccountID:    accountID,
		Name:         "downtown",
		PlanTier:     PlanTierStarter,
		DeviceLimit:  limit,
		Active:       active,
		SetupFeePaid: feePaid,
	}
	f.CreateLocation(context.Background(), location)
	return location
}

func seedPairedDevices(f *fakeRepository, accountID, locationID uint, n int) {
	now := time.Now()
	for i := 0; i < n; i++ {
		f.CreateDevice(context.Background(), &Device{
			DeviceUID:  fmt.Sprintf("dev-%d-%d", locationID, i),
			Status:     DeviceStatusPaired,
			AccountID:  &accountID,
			LocationID: &locationID,
			PairedAt:   &now,
		})
	}
}
