// services/controlplane/internal/core/rollout.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RolloutCommand is the message dispatched to a location agent when a
// rollout starts.
type RolloutCommand struct {
	RolloutID   string          `json:"rollout_id"`
	LocationID  uint            `json:"location_id"`
	RolloutType RolloutType     `json:"rollout_type"`
	Payload     json.RawMessage `json:"payload"`
}

// RolloutDispatcher publishes rollout commands to location agents.
// Dispatch is best-effort: agents also pull pending executions, so a failed
// publish leaves the execution in pending rather than failing the rollout.
type RolloutDispatcher interface {
	PublishRolloutCommand(ctx context.Context, cmd RolloutCommand) error
}

// CreateRolloutRequest describes a new deployment intent.
type CreateRolloutRequest struct {
	Name            string          `json:"name" binding:"required"`
	AccountID       uint            `json:"organization_id" binding:"required"`
	RolloutType     RolloutType     `json:"rollout_type" binding:"required"`
	TargetLocations []uint          `json:"target_locations" binding:"required"`
	Payload         json.RawMessage `json:"payload"`
	ScheduledAt     *time.Time      `json:"scheduled_at"`
}

// RolloutService coordinates multi-location deployments: create, start,
// per-location execution tracking, aggregate completion, and rollback.
type RolloutService struct {
	store      Repository
	dispatcher RolloutDispatcher
	logger     *logrus.Logger
}

func NewRolloutService(store Repository, dispatcher RolloutDispatcher, logger *logrus.Logger) *RolloutService {
	return &RolloutService{store: store, dispatcher: dispatcher, logger: logger}
}

// Create persists the rollout and one pending execution per target location
// in a single transaction, so a partial failure leaves nothing behind.
// Zero target locations are rejected at creation: the aggregation rule could
// otherwise never complete such a rollout.
func (s *RolloutService) Create(ctx context.Context, req CreateRolloutRequest) (*Rollout, error) {
	if !KnownRolloutType(req.RolloutType) {
		return nil, BusinessError{"ROLLOUT_001", fmt.Sprintf("unknown rollout type %q", req.RolloutType)}
	}
	if len(req.TargetLocations) == 0 {
		return nil, BusinessError{"ROLLOUT_002", "at least one target location is required"}
	}

	targets := dedupeLocations(req.TargetLocations)

	rollout := &Rollout{
		RolloutID:       uuid.New().String(),
		AccountID:       req.AccountID,
		Name:            req.Name,
		RolloutType:     req.RolloutType,
		TargetLocations: targets,
		Payload:         req.Payload,
		Status:          RolloutStatusPending,
		ScheduledAt:     req.ScheduledAt,
	}
	if req.ScheduledAt != nil {
		rollout.Status = RolloutStatusScheduled
	}

	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		if err := tx.CreateRollout(ctx, rollout); err != nil {
			return fmt.Errorf("failed to create rollout: %w", err)
		}
		for _, locationID := range targets {
			execution := &RolloutExecution{
				RolloutID:  rollout.RolloutID,
				LocationID: locationID,
				Status:     ExecutionStatusPending,
			}
			if err := tx.CreateRolloutExecution(ctx, execution); err != nil {
				return fmt.Errorf("failed to create execution for location %d: %w", locationID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"rollout_id":   rollout.RolloutID,
		"rollout_type": rollout.RolloutType,
		"targets":      len(targets),
		"status":       rollout.Status,
	}).Info("Rollout created")

	return rollout, nil
}

// Start moves a pending or due scheduled rollout to in_progress and
// dispatches one command per target location. Starting an in-progress or
// terminal rollout is a structured error, never a silent restart.
func (s *RolloutService) Start(ctx context.Context, rolloutID string) (*Rollout, error) {
	rollout, err := s.Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}

	if rollout.Status != RolloutStatusPending && rollout.Status != RolloutStatusScheduled {
		return nil, BusinessError{"ROLLOUT_003",
			fmt.Sprintf("cannot start rollout in status %s", rollout.Status)}
	}

	now := time.Now()
	rollout.Status = RolloutStatusInProgress
	rollout.StartedAt = &now
	if err := s.store.UpdateRollout(ctx, rollout); err != nil {
		return nil, fmt.Errorf("failed to start rollout: %w", err)
	}

	if s.dispatcher != nil {
		for _, locationID := range rollout.TargetLocations {
			cmd := RolloutCommand{
				RolloutID:   rollout.RolloutID,
				LocationID:  locationID,
				RolloutType: rollout.RolloutType,
				Payload:     rollout.Payload,
			}
			BestEffort(s.logger, "dispatch rollout command", func() error {
				return s.dispatcher.PublishRolloutCommand(ctx, cmd)
			})
		}
	}

	s.logger.WithField("rollout_id", rolloutID).Info("Rollout started")
	return rollout, nil
}

// UpdateExecutionStatus applies an execution-status callback from the
// consuming service and recomputes the aggregate rollout status. This
// recomputation runs on every update; it is the only path to a terminal
// rollout status. Concurrent updates may both observe "all terminal" and
// both write the same final status, which is harmless.
func (s *RolloutService) UpdateExecutionStatus(ctx context.Context, rolloutID string, locationID uint, status ExecutionStatus, errorMessage string) (*RolloutExecution, error) {
	switch status {
	case ExecutionStatusInProgress, ExecutionStatusCompleted, ExecutionStatusFailed:
	default:
		return nil, BusinessError{"ROLLOUT_004", fmt.Sprintf("invalid execution status %q", status)}
	}

	execution, err := s.store.GetRolloutExecution(ctx, rolloutID, locationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrExecutionNotFound
		}
		return nil, err
	}

	now := time.Now()
	execution.Status = status
	execution.ErrorMessage = errorMessage
	switch status {
	case ExecutionStatusInProgress:
		if execution.StartedAt == nil {
			execution.StartedAt = &now
		}
	case ExecutionStatusCompleted, ExecutionStatusFailed:
		execution.CompletedAt = &now
	}

	if err := s.store.UpdateRolloutExecution(ctx, execution); err != nil {
		return nil, fmt.Errorf("failed to update execution: %w", err)
	}

	if err := s.recomputeAggregate(ctx, rolloutID); err != nil {
		return nil, err
	}

	return execution, nil
}

// recomputeAggregate derives the parent rollout status from its executions:
// all terminal with any failure means failed, all terminal without failures
// means completed. Non-terminal executions leave the rollout untouched.
func (s *RolloutService) recomputeAggregate(ctx context.Context, rolloutID string) error {
	rollout, err := s.Get(ctx, rolloutID)
	if err != nil {
		return err
	}
	if rollout.Status != RolloutStatusInProgress {
		return nil
	}

	executions, err := s.store.ListRolloutExecutions(ctx, rolloutID)
	if err != nil {
		return fmt.Errorf("failed to list executions: %w", err)
	}

	anyFailed := false
	for _, execution := range executions {
		if !execution.Status.IsTerminal() {
			return nil
		}
		if execution.Status == ExecutionStatusFailed {
			anyFailed = true
		}
	}

	now := time.Now()
	rollout.CompletedAt = &now
	rollout.Status = RolloutStatusCompleted
	if anyFailed {
		rollout.Status = RolloutStatusFailed
	}

	if err := s.store.UpdateRollout(ctx, rollout); err != nil {
		return fmt.Errorf("failed to finalize rollout: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"rollout_id": rolloutID,
		"status":     rollout.Status,
	}).Info("Rollout reached terminal status")
	return nil
}

// Cancel aborts a rollout that has not started yet.
func (s *RolloutService) Cancel(ctx context.Context, rolloutID string) (*Rollout, error) {
	rollout, err := s.Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}

	if rollout.Status != RolloutStatusPending && rollout.Status != RolloutStatusScheduled {
		return nil, BusinessError{"ROLLOUT_005",
			fmt.Sprintf("cannot cancel rollout in status %s", rollout.Status)}
	}

	rollout.Status = RolloutStatusRolledBack
	if err := s.store.UpdateRollout(ctx, rollout); err != nil {
		return nil, err
	}
	return rollout, nil
}

// Rollback marks a started rollout rolled_back and creates a new inverse
// rollout targeting the same locations, referencing the original.
func (s *RolloutService) Rollback(ctx context.Context, rolloutID string) (*Rollout, error) {
	original, err := s.Get(ctx, rolloutID)
	if err != nil {
		return nil, err
	}

	switch original.Status {
	case RolloutStatusInProgress, RolloutStatusCompleted, RolloutStatusFailed:
	default:
		return nil, BusinessError{"ROLLOUT_006",
			fmt.Sprintf("cannot roll back rollout in status %s", original.Status)}
	}

	inversePayload, err := json.Marshal(map[string]interface{}{
		"rollback":         true,
		"original_payload": original.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build rollback payload: %w", err)
	}

	inverse := &Rollout{
		RolloutID:       uuid.New().String(),
		AccountID:       original.AccountID,
		Name:            "rollback: " + original.Name,
		RolloutType:     original.RolloutType,
		TargetLocations: original.TargetLocations,
		Payload:         inversePayload,
		Status:          RolloutStatusPending,
		RollbackOfID:    &original.RolloutID,
	}

	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		original.Status = RolloutStatusRolledBack
		if err := tx.UpdateRollout(ctx, original); err != nil {
			return fmt.Errorf("failed to mark rollout rolled back: %w", err)
		}
		if err := tx.CreateRollout(ctx, inverse); err != nil {
			return fmt.Errorf("failed to create inverse rollout: %w", err)
		}
		for _, locationID := range inverse.TargetLocations {
			execution := &RolloutExecution{
				RolloutID:  inverse.RolloutID,
				LocationID: locationID,
				Status:     ExecutionStatusPending,
			}
			if err := tx.CreateRolloutExecution(ctx, execution); err != nil {
				return fmt.Errorf("failed to create rollback execution: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"rollout_id":  original.RolloutID,
		"rollback_id": inverse.RolloutID,
	}).Info("Rollout rolled back")

	return inverse, nil
}

// Get loads a rollout by its public identifier.
func (s *RolloutService) Get(ctx context.Context, rolloutID string) (*Rollout, error) {
	rollout, err := s.store.GetRollout(ctx, rolloutID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRolloutNotFound
		}
		return nil, err
	}
	return rollout, nil
}

// Executions lists per-location execution state for a rollout.
func (s *RolloutService) Executions(ctx context.Context, rolloutID string) ([]*RolloutExecution, error) {
	return s.store.ListRolloutExecutions(ctx, rolloutID)
}

// DueScheduledRollouts returns scheduled rollouts whose time has come, for
// the sweep loop to pick up and Start.
func (s *RolloutService) DueScheduledRollouts(ctx context.Context, now time.Time) ([]*Rollout, error) {
	return s.store.ListDueScheduledRollouts(ctx, now)
}

func dedupeLocations(ids []uint) LocationIDs {
	seen := make(map[uint]struct{}, len(ids))
	out := make(LocationIDs, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
