// services/controlplane/internal/core/billing.go
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Payment-provider subscription states consumed from webhook events.
const (
	ProviderStatusActive            = "active"
	ProviderStatusTrialing          = "trialing"
	ProviderStatusPastDue           = "past_due"
	ProviderStatusCanceled          = "canceled"
	ProviderStatusUnpaid            = "unpaid"
	ProviderStatusIncomplete        = "incomplete"
	ProviderStatusIncompleteExpired = "incomplete_expired"
	ProviderStatusPaused            = "paused"
)

// ResolveBillingStatus maps a payment-provider subscription state to the
// platform billing status. Pure and idempotent. Unrecognized states collapse
// to unpaid so a provider outage or a new provider state can never unlock
// pairing by accident.
func ResolveBillingStatus(providerStatus string) BillingStatus {
	switch providerStatus {
	case ProviderStatusActive:
		return BillingStatusPaid
	case ProviderStatusTrialing:
		return BillingStatusTrialing
	case ProviderStatusPastDue:
		return BillingStatusPastDue
	case ProviderStatusCanceled, ProviderStatusUnpaid, ProviderStatusIncomplete,
		ProviderStatusIncompleteExpired, ProviderStatusPaused:
		return BillingStatusUnpaid
	default:
		return BillingStatusUnpaid
	}
}

// SubscriptionEvent is the slice of a payment-provider webhook this core
// consumes: which account, and what the subscription state is now.
type SubscriptionEvent struct {
	AccountID      uint   `json:"account_id"`
	ProviderStatus string `json:"provider_status"`
	LiveMode       bool   `json:"live_mode"`
	EventID        string `json:"event_id"`
}

// BillingService applies payment-provider subscription events to accounts.
// It is the only writer of Account.BillingStatus.
type BillingService struct {
	store  Repository
	logger *logrus.Logger
}

func NewBillingService(store Repository, logger *logrus.Logger) *BillingService {
	return &BillingService{store: store, logger: logger}
}

// ApplySubscriptionEvent resolves the provider state and persists the
// resulting billing status. The transition never touches devices: already
// paired hardware keeps operating whatever the new status is.
func (s *BillingService) ApplySubscriptionEvent(ctx context.Context, event SubscriptionEvent) (*Account, error) {
	account, err := s.store.GetAccount(ctx, event.AccountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	newStatus := ResolveBillingStatus(event.ProviderStatus)
	if account.BillingStatus == newStatus {
		return account, nil
	}

	if err := s.store.UpdateAccountBillingStatus(ctx, account.ID, newStatus); err != nil {
		return nil, fmt.Errorf("failed to update billing status: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"account_id":      account.ID,
		"provider_status": event.ProviderStatus,
		"billing_status":  newStatus,
		"live_mode":       event.LiveMode,
	}).Info("Billing status updated")

	account.BillingStatus = newStatus
	return account, nil
}
