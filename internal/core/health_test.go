package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHeartbeatUpsertsSingleRow(t *testing.T) {
	store := newFakeRepository()
	svc := NewHealthRegistryService(store, testLogger())

	hb := Heartbeat{Service: ServiceKindMenus, LocationID: 7, InstanceID: "pod-1", Version: "1.2.0"}
	for i := 0; i < 3; i++ {
		_, err := svc.RecordHeartbeat(context.Background(), hb)
		require.NoError(t, err)
	}

	instances, err := svc.ListInstances(context.Background(), HealthScope{})
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, InstanceStatusOnline, instances[0].Status)
	assert.Equal(t, "1.2.0", instances[0].Version)
}

func TestRecordHeartbeatDefaults(t *testing.T) {
	store := newFakeRepository()
	svc := NewHealthRegistryService(store, testLogger())

	instance, err := svc.RecordHeartbeat(context.Background(), Heartbeat{
		Service:    ServiceKindOrders,
		LocationID: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "default", instance.InstanceID)
	assert.Equal(t, InstanceStatusOnline, instance.Status)
	assert.WithinDuration(t, time.Now(), instance.LastHeartbeat, time.Second)
}

func TestRecordHeartbeatValidation(t *testing.T) {
	store := newFakeRepository()
	svc := NewHealthRegistryService(store, testLogger())

	_, err := svc.RecordHeartbeat(context.Background(), Heartbeat{Service: "billing", LocationID: 1})
	require.Error(t, err)
	assert.Equal(t, "REGISTRY_001", err.(BusinessError).Code)

	_, err = svc.RecordHeartbeat(context.Background(), Heartbeat{Service: ServiceKindKDS})
	require.Error(t, err)
	assert.Equal(t, "REGISTRY_002", err.(BusinessError).Code)

	_, err = svc.RecordHeartbeat(context.Background(), Heartbeat{
		Service: ServiceKindKDS, LocationID: 1, Status: "exploded",
	})
	require.Error(t, err)
	assert.Equal(t, "REGISTRY_003", err.(BusinessError).Code)
}

// A stored online status past the staleness threshold counts as offline
// without any sweep having run.
func TestHealthSummaryRecomputesStaleness(t *testing.T) {
	store := newFakeRepository()
	svc := NewHealthRegistryService(store, testLogger())

	fresh := &ServiceInstance{
		ServiceKind: ServiceKindMenus, LocationID: 1, InstanceID: "a",
		Status: InstanceStatusOnline, LastHeartbeat: time.Now(),
	}
	stale := &ServiceInstance{
		ServiceKind: ServiceKindMenus, LocationID: 2, InstanceID: "b",
		Status: InstanceStatusOnline, LastHeartbeat: time.Now().Add(-5 * time.Minute),
	}
	degraded := &ServiceInstance{
		ServiceKind: ServiceKindMenus, LocationID: 3, InstanceID: "c",
		Status: InstanceStatusDegraded, LastHeartbeat: time.Now(),
	}
	require.NoError(t, store.UpsertServiceInstance(context.Background(), fresh))
	require.NoError(t, store.UpsertServiceInstance(context.Background(), stale))
	require.NoError(t, store.UpsertServiceInstance(context.Background(), degraded))

	summary, err := svc.GetHealthSummary(context.Background(), HealthScope{Service: ServiceKindMenus})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Online)
	assert.Equal(t, 1, summary.Degraded)
	assert.Equal(t, 1, summary.Offline)
	assert.Equal(t, 3, summary.Total)
}

func TestHealthSummaryVersionRange(t *testing.T) {
	store := newFakeRepository()
	svc := NewHealthRegistryService(store, testLogger())

	versions := []string{"1.9.0", "1.10.0", "1.2.3"}
	for i, v := range versions {
		require.NoError(t, store.UpsertServiceInstance(context.Background(), &ServiceInstance{
			ServiceKind: ServiceKindMenus, LocationID: uint(i + 1), InstanceID: "a",
			Status: InstanceStatusOnline, LastHeartbeat: time.Now(), Version: v,
		}))
	}

	summary, err := svc.GetHealthSummary(context.Background(), HealthScope{})
	require.NoError(t, err)
	// Numeric comparison: 1.10.0 > 1.9.0.
	assert.Equal(t, "1.2.3", summary.MinVersion)
	assert.Equal(t, "1.10.0", summary.MaxVersion)
}

func TestHealthSummaryScoped(t *testing.T) {
	store := newFakeRepository()
	svc := NewHealthRegistryService(store, testLogger())

	require.NoError(t, store.UpsertServiceInstance(context.Background(), &ServiceInstance{
		ServiceKind: ServiceKindMenus, LocationID: 1, InstanceID: "a",
		Status: InstanceStatusOnline, LastHeartbeat: time.Now(),
	}))
	require.NoError(t, store.UpsertServiceInstance(context.Background(), &ServiceInstance{
		ServiceKind: ServiceKindOrders, LocationID: 2, InstanceID: "a",
		Status: InstanceStatusOnline, LastHeartbeat: time.Now(),
	}))

	summary, err := svc.GetHealthSummary(context.Background(), HealthScope{Service: ServiceKindOrders})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)

	summary, err = svc.GetHealthSummary(context.Background(), HealthScope{LocationID: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
}

func TestSweepStaleIsIdempotent(t *testing.T) {
	store := newFakeRepository()
	svc := NewHealthRegistryService(store, testLogger())

	require.NoError(t, store.UpsertServiceInstance(context.Background(), &ServiceInstance{
		ServiceKind: ServiceKindKDS, LocationID: 1, InstanceID: "a",
		Status: InstanceStatusOnline, LastHeartbeat: time.Now().Add(-10 * time.Minute),
	}))
	require.NoError(t, store.UpsertServiceInstance(context.Background(), &ServiceInstance{
		ServiceKind: ServiceKindKDS, LocationID: 2, InstanceID: "a",
		Status: InstanceStatusOnline, LastHeartbeat: time.Now(),
	}))

	swept, err := svc.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	// Second pass finds nothing left to flip.
	swept, err = svc.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), swept)

	instance, err := store.GetServiceInstance(context.Background(), ServiceKindKDS, 1, "a")
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusOffline, instance.Status)
}

// A heartbeat after a sweep brings the instance back online.
func TestHeartbeatRevivesSweptInstance(t *testing.T) {
	store := newFakeRepository()
	svc := NewHealthRegistryService(store, testLogger())

	require.NoError(t, store.UpsertServiceInstance(context.Background(), &ServiceInstance{
		ServiceKind: ServiceKindMenus, LocationID: 1, InstanceID: "a",
		Status: InstanceStatusOnline, LastHeartbeat: time.Now().Add(-10 * time.Minute),
	}))

	_, err := svc.SweepStale(context.Background())
	require.NoError(t, err)

	_, err = svc.RecordHeartbeat(context.Background(), Heartbeat{
		Service: ServiceKindMenus, LocationID: 1, InstanceID: "a",
	})
	require.NoError(t, err)

	summary, err := svc.GetHealthSummary(context.Background(), HealthScope{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Online)
	assert.Equal(t, 0, summary.Offline)
}
