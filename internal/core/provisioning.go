// services/controlplane/internal/core/provisioning.go
package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/controlplane/internal/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RegisterDeviceRequest creates an unbound, token-bearing device record.
type RegisterDeviceRequest struct {
	Name string `json:"device_name"`
}

// PairDeviceRequest binds a registered device to an account and location.
type PairDeviceRequest struct {
	DeviceUID   string `json:"device_id" binding:"required"`
	AccountID   uint   `json:"account_id" binding:"required"`
	LocationID  uint   `json:"location_id" binding:"required"`
	PairingCode string `json:"pairing_code"`
	DeviceName  string `json:"device_name"`
}

// PairDeviceResult carries the outcome of a pairing attempt. When the gate
// blocks, Decision holds the structured rejection.
type PairDeviceResult struct {
	Device   *Device
	Decision *PairingDecision
}

// ProvisioningService is the location-scoped device provisioning authority:
// it issues registration tokens and composes the enforcement gate into the
// pairing flow.
type ProvisioningService struct {
	store       Repository
	enforcement *EnforcementService
	logger      *logrus.Logger
}

func NewProvisioningService(store Repository, enforcement *EnforcementService, logger *logrus.Logger) *ProvisioningService {
	return &ProvisioningService{store: store, enforcement: enforcement, logger: logger}
}

// RegisterDevice issues a device record in the registered state with a fresh
// pairing code. Registration is not gated; only pairing is.
func (s *ProvisioningService) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (*Device, error) {
	code, err := utils.GeneratePairingCode(8)
	if err != nil {
		return nil, fmt.Errorf("failed to generate pairing code: %w", err)
	}

	device := &Device{
		DeviceUID:   uuid.New().String(),
		PairingCode: code,
		Name:        req.Name,
		Status:      DeviceStatusRegistered,
	}

	if err := s.store.CreateDevice(ctx, device); err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	s.logger.WithField("device_uid", device.DeviceUID).Info("Device registered")
	return device, nil
}

// PairDevice runs the enforcement gate and, if allowed, binds the device to
// the location. A blocked gate returns the decision, not an error: policy
// rejections are expected outcomes with structured codes.
func (s *ProvisioningService) PairDevice(ctx context.Context, req PairDeviceRequest) (*PairDeviceResult, error) {
	device, err := s.store.GetDeviceByUID(ctx, req.DeviceUID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	// Paired devices are never re-gated; pairing is a one-way door.
	if device.Status == DeviceStatusPaired {
		return nil, ErrDeviceAlreadyPaired
	}

	if device.PairingCode != "" && device.PairingCode != req.PairingCode {
		return nil, ErrPairingCodeInvalid
	}

	decision, err := s.enforcement.EvaluatePairing(ctx, req.AccountID, req.LocationID)
	if err != nil {
		// Fail closed: an undeterminable billing/location state denies.
		return nil, err
	}
	if !decision.Allowed {
		return &PairDeviceResult{Decision: decision}, nil
	}

	now := time.Now()
	device.Status = DeviceStatusPaired
	device.AccountID = &req.AccountID
	device.LocationID = &req.LocationID
	device.PairedAt = &now
	device.PairingCode = ""
	if req.DeviceName != "" {
		device.Name = req.DeviceName
	}

	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx Repository) error {
		if err := tx.UpdateDevice(ctx, device); err != nil {
			return fmt.Errorf("failed to bind device: %w", err)
		}
		return tx.IncrementAccountDeviceCount(ctx, req.AccountID, 1)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"device_uid":  device.DeviceUID,
		"account_id":  req.AccountID,
		"location_id": req.LocationID,
	}).Info("Device paired")

	return &PairDeviceResult{Device: device, Decision: decision}, nil
}

// CanPair is the non-mutating pre-flight check for UI flows.
func (s *ProvisioningService) CanPair(ctx context.Context, accountID, locationID uint) (*PairingDecision, error) {
	return s.enforcement.CanPair(ctx, accountID, locationID)
}

// ListDevices returns devices bound to a location.
func (s *ProvisioningService) ListDevices(ctx context.Context, locationID uint) ([]*Device, error) {
	return s.store.ListDevicesByLocation(ctx, locationID)
}
