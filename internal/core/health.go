// services/controlplane/internal/core/health.go
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"example.com/backstage/services/controlplane/internal/utils"
	"github.com/sirupsen/logrus"
)

// Heartbeat is a liveness signal from a downstream execution service.
type Heartbeat struct {
	Service    ServiceKind     `json:"service" binding:"required"`
	LocationID uint            `json:"location_id" binding:"required"`
	InstanceID string          `json:"instance_id"`
	Status     InstanceStatus  `json:"status"`
	Version    string          `json:"version"`
	BaseURL    string          `json:"base_url"`
	Metadata   json.RawMessage `json:"metadata"`
}

// HealthScope narrows a summary to a service kind and/or location.
type HealthScope struct {
	Service    ServiceKind
	LocationID uint
}

// HealthSummary aggregates effective instance statuses within a scope.
type HealthSummary struct {
	Online     int       `json:"online"`
	Degraded   int       `json:"degraded"`
	Offline    int       `json:"offline"`
	Unknown    int       `json:"unknown"`
	Total      int       `json:"total"`
	MinVersion string    `json:"min_version,omitempty"`
	MaxVersion string    `json:"max_version,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// HealthRegistryService ingests heartbeats and derives service-mesh
// visibility. Heartbeats are fire-and-forget from the sender's perspective;
// a failed write is the sending client's problem to retry, never ours.
type HealthRegistryService struct {
	store  Repository
	logger *logrus.Logger
}

func NewHealthRegistryService(store Repository, logger *logrus.Logger) *HealthRegistryService {
	return &HealthRegistryService{store: store, logger: logger}
}

// RecordHeartbeat upserts the instance row keyed by (service, location,
// instance) and always advances last_heartbeat to now. Concurrent heartbeats
// for the same key are last-writer-wins; different keys are independent.
func (s *HealthRegistryService) RecordHeartbeat(ctx context.Context, hb Heartbeat) (*ServiceInstance, error) {
	if !KnownServiceKind(hb.Service) {
		return nil, BusinessError{"REGISTRY_001", fmt.Sprintf("unknown service kind %q", hb.Service)}
	}
	if hb.LocationID == 0 {
		return nil, BusinessError{"REGISTRY_002", "location_id is required"}
	}
	if hb.InstanceID == "" {
		hb.InstanceID = "default"
	}

	status := hb.Status
	switch status {
	case InstanceStatusOnline, InstanceStatusDegraded:
	case "":
		status = InstanceStatusOnline
	default:
		return nil, BusinessError{"REGISTRY_003", fmt.Sprintf("invalid heartbeat status %q", hb.Status)}
	}

	instance := &ServiceInstance{
		ServiceKind:   hb.Service,
		LocationID:    hb.LocationID,
		InstanceID:    hb.InstanceID,
		Status:        status,
		LastHeartbeat: time.Now(),
		Version:       hb.Version,
		BaseURL:       hb.BaseURL,
		Metadata:      hb.Metadata,
	}

	if err := s.store.UpsertServiceInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	return instance, nil
}

// GetHealthSummary aggregates effective statuses in scope. Staleness is
// recomputed here at read time, so an entry with a lagging stored status is
// still counted offline before any sweep runs.
func (s *HealthRegistryService) GetHealthSummary(ctx context.Context, scope HealthScope) (*HealthSummary, error) {
	instances, err := s.store.ListServiceInstances(ctx, scope.Service, scope.LocationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	now := time.Now()
	summary := &HealthSummary{Total: len(instances), FetchedAt: now}

	for _, instance := range instances {
		switch instance.EffectiveStatus(now) {
		case InstanceStatusOnline:
			summary.Online++
		case InstanceStatusDegraded:
			summary.Degraded++
		case InstanceStatusOffline:
			summary.Offline++
		default:
			summary.Unknown++
		}

		if instance.Version == "" {
			continue
		}
		if summary.MinVersion == "" || utils.CompareVersions(instance.Version, summary.MinVersion) < 0 {
			summary.MinVersion = instance.Version
		}
		if summary.MaxVersion == "" || utils.CompareVersions(instance.Version, summary.MaxVersion) > 0 {
			summary.MaxVersion = instance.Version
		}
	}

	return summary, nil
}

// ListInstances returns raw registry rows with their effective status applied.
func (s *HealthRegistryService) ListInstances(ctx context.Context, scope HealthScope) ([]*ServiceInstance, error) {
	instances, err := s.store.ListServiceInstances(ctx, scope.Service, scope.LocationID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, instance := range instances {
		instance.Status = instance.EffectiveStatus(now)
	}
	return instances, nil
}

// SweepStale flips stored statuses of stale entries to offline so plain reads
// stay approximately correct. Idempotent; purely an optimization, since
// GetHealthSummary recomputes effective status anyway.
func (s *HealthRegistryService) SweepStale(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-StalenessThreshold)
	swept, err := s.store.MarkInstancesOffline(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale instances: %w", err)
	}
	if swept > 0 {
		s.logger.WithField("count", swept).Info("Swept stale service instances offline")
	}
	return swept, nil
}
