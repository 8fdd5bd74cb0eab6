// services/controlplane/internal/core/services.go
package core

import (
	"example.com/backstage/services/controlplane/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

// Services holds all domain services.
type Services struct {
	Accounts       *AccountService
	Billing        *BillingService
	Enforcement    *EnforcementService
	Provisioning   *ProvisioningService
	HealthRegistry *HealthRegistryService
	Rollouts       *RolloutService
	Config         *ConfigService
	EventMirror    *EventMirrorService
	Authentication *AuthenticationService
}

// ServiceConfig carries the shared collaborators for service construction.
type ServiceConfig struct {
	Store      Repository
	Cache      *infrastructure.Cache
	Dispatcher RolloutDispatcher
	Spool      AuditSink
	Logger     *logrus.Logger
}

// NewServices wires the domain services together.
func NewServices(cfg ServiceConfig) *Services {
	enforcement := NewEnforcementService(cfg.Store, cfg.Spool, cfg.Logger)

	return &Services{
		Accounts:       NewAccountService(cfg.Store, cfg.Logger),
		Billing:        NewBillingService(cfg.Store, cfg.Logger),
		Enforcement:    enforcement,
		Provisioning:   NewProvisioningService(cfg.Store, enforcement, cfg.Logger),
		HealthRegistry: NewHealthRegistryService(cfg.Store, cfg.Logger),
		Rollouts:       NewRolloutService(cfg.Store, cfg.Dispatcher, cfg.Logger),
		Config:         NewConfigService(cfg.Store, cfg.Cache, cfg.Logger),
		EventMirror:    NewEventMirrorService(cfg.Store, cfg.Logger),
		Authentication: NewAuthenticationService(cfg.Store, cfg.Logger),
	}
}
