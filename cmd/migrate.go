// services/controlplane/cmd/migrate.go
package cmd

import (
	"fmt"

	"example.com/backstage/services/controlplane/internal/core"
	"example.com/backstage/services/controlplane/internal/infrastructure"
	"github.com/spf13/cobra"
)

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending database migrations to ensure the schema is up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations() error {
	logger.Info("Running database migrations...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	logger.Info("Migrating models...")

	models := []interface{}{
		&core.Account{},
		&core.Location{},
		&core.Device{},
		&core.ServiceInstance{},
		&core.EnforcementLogEntry{},
		&core.Rollout{},
		&core.RolloutExecution{},
		&core.MirrorEvent{},
		&core.FeatureFlag{},
		&core.ScreenAssignment{},
		&core.AccessToken{},
	}

	for _, model := range models {
		if err := db.DB.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	if err := insertDefaultData(db); err != nil {
		logger.WithError(err).Warn("Failed to insert default data")
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

func insertDefaultData(db *infrastructure.Database) error {
	var count int64
	if err := db.DB.Model(&core.Account{}).Count(&count).Error; err != nil {
		return err
	}

	if count == 0 && !isProduction() {
		logger.Info("Inserting sandbox account...")

		account := core.Account{
			Name:          "staging.sandbox",
			BillingStatus: core.BillingStatusTrialing,
		}
		if err := db.DB.Create(&account).Error; err != nil {
			logger.WithError(err).Warn("Failed to create sandbox account")
		} else {
			location := core.Location{
				AccountID:    account.ID,
				Name:         "Sandbox Venue",
				PlanTier:     core.PlanTierStarter,
				DeviceLimit:  core.DeviceLimitForTier(core.PlanTierStarter),
				SetupFeePaid: true,
				Active:       true,
			}
			if err := db.DB.Create(&location).Error; err != nil {
				logger.WithError(err).Warn("Failed to create sandbox location")
			} else {
				logger.WithField("location_id", location.ID).Info("Created sandbox location")
			}
		}
	}

	if err := db.DB.Model(&core.AccessToken{}).Count(&count).Error; err != nil {
		return err
	}

	if count == 0 && !isProduction() {
		logger.Info("Creating default access tokens...")

		tokens := []core.AccessToken{
			{
				Token:       "test-admin-token",
				Description: "Admin token for testing",
				Scopes:      []string{"admin"},
			},
			{
				Token:       "test-provisioning-token",
				Description: "Provisioning token for testing",
				Scopes:      []string{"devices:read", "devices:write", "registry:read"},
			},
		}

		for _, token := range tokens {
			if err := db.DB.Create(&token).Error; err != nil {
				logger.WithError(err).Warn("Failed to create test token")
			} else {
				logger.WithField("description", token.Description).Info("Created test token")
			}
		}
	}

	return nil
}

func isProduction() bool {
	return cfg.Server.Port == 80 || cfg.Server.Port == 443
}
