// services/controlplane/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Business errors.
var (
	// Account errors.
	ErrAccountNotFound = errors.New("account not found")

	// Location errors.
	ErrLocationNotFound    = errors.New("location not found")
	ErrSetupFeeOutstanding = errors.New("setup fee must be paid before activation")

	// Device errors.
	ErrDeviceNotFound      = errors.New("device not found")
	ErrDeviceAlreadyPaired = errors.New("device is already paired")
	ErrPairingCodeInvalid  = errors.New("pairing code is invalid")

	// Rollout errors.
	ErrRolloutNotFound   = errors.New("rollout not found")
	ErrExecutionNotFound = errors.New("rollout execution not found")
)

// Enforcement gate reason codes. Every policy rejection carries one of these;
// a known rejection is never surfaced as an opaque 500.
const (
	ReasonBillingInactive    = "BILLING_INACTIVE"
	ReasonLocationInactive   = "LOCATION_INACTIVE"
	ReasonSetupFeeNotPaid    = "SETUP_FEE_NOT_PAID"
	ReasonDeviceLimitReached = "DEVICE_LIMIT_REACHED"
)

// BusinessError represents a business logic error with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
