// services/controlplane/internal/core/enforcement.go
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// PairingDecision is the structured outcome of a gate evaluation.
type PairingDecision struct {
	Allowed       bool          `json:"allowed"`
	Code          string        `json:"code,omitempty"`
	Message       string        `json:"message,omitempty"`
	Help          string        `json:"help,omitempty"`
	BillingStatus BillingStatus `json:"billing_status"`
	DeviceCount   int           `json:"device_count"`
	DeviceLimit   int           `json:"device_limit"`
}

// AuditSink receives enforcement log entries that could not be written to the
// store. Implementations are durable and best-effort (see infrastructure.Spool).
type AuditSink interface {
	Write(entry *EnforcementLogEntry) error
}

// EnforcementService decides whether a device may be newly paired. It is
// invoked only at the moment of pairing — never on boot, heartbeat, or any
// periodic sweep. Devices that are already paired keep operating regardless
// of later billing transitions.
type EnforcementService struct {
	store  Repository
	spool  AuditSink
	logger *logrus.Logger
}

func NewEnforcementService(store Repository, spool AuditSink, logger *logrus.Logger) *EnforcementService {
	return &EnforcementService{store: store, spool: spool, logger: logger}
}

// EvaluatePairing loads one consistent snapshot of account, location and
// paired-device count, runs the gate checks in fixed order, and appends
// exactly one enforcement log entry whatever the outcome. A store failure
// while loading state is returned as an error so the caller fails closed.
func (s *EnforcementService) EvaluatePairing(ctx context.Context, accountID, locationID uint) (*PairingDecision, error) {
	account, location, count, err := s.loadSnapshot(ctx, accountID, locationID)
	if err != nil {
		return nil, err
	}

	decision := evaluate(account, location, count)
	s.appendAudit(ctx, account, location, "device_pairing", decision)
	return decision, nil
}

// CanPair runs the same checks as EvaluatePairing for UI pre-flight without
// writing an audit entry. Only actual pairing attempts are audited; pre-flight
// checks are deliberately not logged to keep the trail one entry per attempt.
func (s *EnforcementService) CanPair(ctx context.Context, accountID, locationID uint) (*PairingDecision, error) {
	account, location, count, err := s.loadSnapshot(ctx, accountID, locationID)
	if err != nil {
		return nil, err
	}
	return evaluate(account, location, count), nil
}

func (s *EnforcementService) loadSnapshot(ctx context.Context, accountID, locationID uint) (*Account, *Location, int, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, 0, ErrAccountNotFound
		}
		return nil, nil, 0, fmt.Errorf("failed to load account: %w", err)
	}

	location, err := s.store.GetLocation(ctx, locationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, 0, ErrLocationNotFound
		}
		return nil, nil, 0, fmt.Errorf("failed to load location: %w", err)
	}

	count, err := s.store.CountPairedDevices(ctx, locationID)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to count devices: %w", err)
	}

	return account, location, count, nil
}

// evaluate runs the four checks in fixed order, short-circuiting on the first
// failure. Two concurrent pairings near the limit may both pass the count
// check against the same snapshot; exceeding the limit by one is accepted in
// preference to serializing all pairing attempts.
func evaluate(account *Account, location *Location, pairedCount int) *PairingDecision {
	base := PairingDecision{
		BillingStatus: account.BillingStatus,
		DeviceCount:   pairedCount,
		DeviceLimit:   location.DeviceLimit,
	}

	if account.BillingStatus != BillingStatusPaid && account.BillingStatus != BillingStatusTrialing {
		base.Code = ReasonBillingInactive
		base.Message = fmt.Sprintf("account billing status is %s", account.BillingStatus)
		base.Help = "visit billing to activate your subscription"
		return &base
	}

	if !location.Active {
		base.Code = ReasonLocationInactive
		base.Message = "location is not active"
		base.Help = "activate the location before pairing devices"
		return &base
	}

	if !location.SetupFeePaid {
		base.Code = ReasonSetupFeeNotPaid
		base.Message = "location setup fee has not been paid"
		base.Help = "pay the one-time setup fee to enable this location"
		return &base
	}

	if pairedCount >= location.DeviceLimit {
		base.Code = ReasonDeviceLimitReached
		base.Message = fmt.Sprintf("location has %d of %d devices paired", pairedCount, location.DeviceLimit)
		base.Help = "upgrade the location plan to pair more devices"
		return &base
	}

	// Account-wide cap across all locations; 0 means unlimited.
	if account.PlanMaxDevices > 0 && account.DeviceCount >= account.PlanMaxDevices {
		base.Code = ReasonDeviceLimitReached
		base.Message = fmt.Sprintf("account has %d of %d devices paired", account.DeviceCount, account.PlanMaxDevices)
		base.Help = "upgrade the account plan to pair more devices"
		return &base
	}

	base.Allowed = true
	return &base
}

// appendAudit writes the enforcement log entry. Audit logging must never
// abort the pairing operation: on store failure the entry goes to the disk
// spool, and a spool failure is logged and swallowed.
func (s *EnforcementService) appendAudit(ctx context.Context, account *Account, location *Location, action string, d *PairingDecision) {
	entry := &EnforcementLogEntry{
		AccountID:     account.ID,
		LocationID:    location.ID,
		Action:        action,
		BillingStatus: account.BillingStatus,
		Result:        EnforcementAllowed,
		ReasonCode:    d.Code,
		Message:       d.Message,
		DeviceCount:   d.DeviceCount,
		DeviceLimit:   d.DeviceLimit,
	}
	if !d.Allowed {
		entry.Result = EnforcementBlocked
	}

	if err := s.store.AppendEnforcementLog(ctx, entry); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"account_id":  account.ID,
			"location_id": location.ID,
			"result":      entry.Result,
		}).Warn("Failed to append enforcement log, spooling")

		if s.spool != nil {
			BestEffort(s.logger, "spool enforcement entry", func() error {
				return s.spool.Write(entry)
			})
		}
	}
}

// EnforcementLog returns recent gate decisions for an account.
func (s *EnforcementService) EnforcementLog(ctx context.Context, accountID uint, limit int) ([]*EnforcementLogEntry, error) {
	return s.store.ListEnforcementLog(ctx, accountID, limit)
}
