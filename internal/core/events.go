// services/controlplane/internal/core/events.go
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// IncomingEvent is one external lifecycle event submitted for mirroring.
type IncomingEvent struct {
	EventType     string          `json:"event_type"`
	SourceService ServiceKind     `json:"source_service"`
	LocationID    uint            `json:"location_id"`
	AccountID     *uint           `json:"organization_id"`
	ActorID       string          `json:"actor_id"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     *time.Time      `json:"timestamp"`
}

// EventError reports a rejected batch item by index.
type EventError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// IngestResult summarizes a mirror batch: accepted count plus per-item errors.
type IngestResult struct {
	Accepted int          `json:"accepted"`
	Errors   []EventError `json:"errors,omitempty"`
}

// EventMirrorService stores external lifecycle events for observability.
// Mirrored events never trigger action in this core.
type EventMirrorService struct {
	store  Repository
	logger *logrus.Logger
}

func NewEventMirrorService(store Repository, logger *logrus.Logger) *EventMirrorService {
	return &EventMirrorService{store: store, logger: logger}
}

// IngestEvents validates and stores a batch. Invalid items are rejected
// per-index without failing the rest of the batch.
func (s *EventMirrorService) IngestEvents(ctx context.Context, batch []IncomingEvent) *IngestResult {
	result := &IngestResult{}

	for i, incoming := range batch {
		if err := validateEvent(incoming); err != nil {
			result.Errors = append(result.Errors, EventError{Index: i, Message: err.Error()})
			continue
		}

		occurredAt := time.Now()
		if incoming.Timestamp != nil {
			occurredAt = *incoming.Timestamp
		}

		event := &MirrorEvent{
			EventID:       uuid.New().String(),
			EventType:     incoming.EventType,
			SourceService: incoming.SourceService,
			LocationID:    incoming.LocationID,
			AccountID:     incoming.AccountID,
			ActorID:       incoming.ActorID,
			ResourceType:  incoming.ResourceType,
			ResourceID:    incoming.ResourceID,
			Payload:       incoming.Payload,
			OccurredAt:    occurredAt,
		}

		if err := s.store.CreateMirrorEvent(ctx, event); err != nil {
			s.logger.WithError(err).WithField("event_type", incoming.EventType).
				Warn("Failed to store mirror event")
			result.Errors = append(result.Errors, EventError{Index: i, Message: "storage failure"})
			continue
		}

		result.Accepted++
	}

	return result
}

// ListEvents returns recent mirrored events for a location.
func (s *EventMirrorService) ListEvents(ctx context.Context, locationID uint, limit int) ([]*MirrorEvent, error) {
	return s.store.ListMirrorEvents(ctx, locationID, limit)
}

func validateEvent(e IncomingEvent) error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.SourceService == "" {
		return fmt.Errorf("source_service is required")
	}
	if !KnownServiceKind(e.SourceService) {
		return fmt.Errorf("unrecognized source_service %q", e.SourceService)
	}
	if e.LocationID == 0 {
		return fmt.Errorf("location_id is required")
	}
	return nil
}
