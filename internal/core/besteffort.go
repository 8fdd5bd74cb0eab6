// services/controlplane/internal/core/besteffort.go
package core

import (
	"github.com/sirupsen/logrus"
)

// BestEffort runs a side effect that must never abort the primary operation:
// the error is logged and swallowed. Fail-closed paths (the enforcement gate,
// billing writes) must NOT go through this helper; they return their errors.
func BestEffort(logger *logrus.Logger, op string, fn func() error) {
	if err := fn(); err != nil {
		logger.WithError(err).WithField("op", op).Warn("Best-effort operation failed")
	}
}
