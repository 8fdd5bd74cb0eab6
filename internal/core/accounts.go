// services/controlplane/internal/core/accounts.go
package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AccountService manages accounts and their locations.
type AccountService struct {
	store  Repository
	logger *logrus.Logger
}

func NewAccountService(store Repository, logger *logrus.Logger) *AccountService {
	return &AccountService{store: store, logger: logger}
}

func (s *AccountService) CreateAccount(ctx context.Context, account *Account) error {
	if account.Name == "" {
		return BusinessError{"ACCOUNT_001", "account name is required"}
	}
	if account.BillingStatus == "" {
		account.BillingStatus = BillingStatusUnpaid
	}

	if err := s.store.CreateAccount(ctx, account); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	s.logger.WithField("account_id", account.ID).Info("Account created")
	return nil
}

func (s *AccountService) GetAccount(ctx context.Context, id uint) (*Account, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

func (s *AccountService) ListAccounts(ctx context.Context) ([]*Account, error) {
	return s.store.ListAccounts(ctx)
}

// CreateLocation creates a location in the inactive state. The device limit
// derives from the plan tier unless explicitly overridden.
func (s *AccountService) CreateLocation(ctx context.Context, location *Location) error {
	if location.Name == "" {
		return BusinessError{"LOCATION_001", "location name is required"}
	}
	if _, err := s.GetAccount(ctx, location.AccountID); err != nil {
		return err
	}
	if location.PlanTier == "" {
		location.PlanTier = PlanTierStarter
	}
	if location.DeviceLimit == 0 {
		location.DeviceLimit = DeviceLimitForTier(location.PlanTier)
	}

	// Locations are born inactive regardless of what the caller sent.
	location.Active = false

	if err := s.store.CreateLocation(ctx, location); err != nil {
		return fmt.Errorf("failed to create location: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"location_id": location.ID,
		"account_id":  location.AccountID,
		"plan_tier":   location.PlanTier,
	}).Info("Location created")
	return nil
}

func (s *AccountService) GetLocation(ctx context.Context, id uint) (*Location, error) {
	location, err := s.store.GetLocation(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrLocationNotFound
		}
		return nil, err
	}
	return location, nil
}

func (s *AccountService) ListLocations(ctx context.Context, accountID uint) ([]*Location, error) {
	return s.store.ListLocationsByAccount(ctx, accountID)
}

// MarkSetupFeePaid records confirmation of the one-time setup fee.
func (s *AccountService) MarkSetupFeePaid(ctx context.Context, locationID uint) error {
	location, err := s.GetLocation(ctx, locationID)
	if err != nil {
		return err
	}
	location.SetupFeePaid = true
	return s.store.UpdateLocation(ctx, location)
}

// ActivateLocation enables a location for pairing. The setup fee invariant is
// enforced here, at activation time, and nowhere else.
func (s *AccountService) ActivateLocation(ctx context.Context, locationID uint) error {
	location, err := s.GetLocation(ctx, locationID)
	if err != nil {
		return err
	}
	if !location.SetupFeePaid {
		return ErrSetupFeeOutstanding
	}
	if location.Active {
		return nil
	}

	location.Active = true
	if err := s.store.UpdateLocation(ctx, location); err != nil {
		return err
	}

	s.logger.WithField("location_id", locationID).Info("Location activated")
	return nil
}
