// services/controlplane/cmd/sweep.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/controlplane/internal/core"
	"example.com/backstage/services/controlplane/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sweepOnce     bool
	sweepInterval time.Duration
	sweepDryRun   bool
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run registry and rollout maintenance passes",
	Long: `Marks stale service instances offline, starts scheduled rollouts that
have become due, and replays spooled enforcement audit entries into the store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep()
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().BoolVar(&sweepOnce, "once", false, "Run a single pass and exit")
	sweepCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "Override the configured sweep interval")
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "Report what would change without writing")
}

func runSweep() error {
	logger.Info("Starting maintenance sweep...")

	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	messaging, err := infrastructure.NewMessaging(cfg.ServiceBus)
	if err != nil {
		logger.Warn("Messaging service unavailable, scheduled rollouts will start without dispatch")
		messaging = nil
	} else {
		defer messaging.Close()
	}

	spool, err := infrastructure.NewSpool(cfg.Spool.Path)
	if err != nil {
		logger.WithError(err).Warn("Audit spool unavailable, skipping replay")
		spool = nil
	} else {
		defer spool.Close()
	}

	store := core.NewRepository(db.DB)
	serviceConfig := core.ServiceConfig{
		Store:  store,
		Logger: logger,
	}
	if messaging != nil {
		serviceConfig.Dispatcher = &rolloutDispatcher{messaging: messaging}
	}
	services := core.NewServices(serviceConfig)

	sweeper := &maintenanceSweeper{
		store:    store,
		services: services,
		spool:    spool,
		logger:   logger,
		dryRun:   sweepDryRun,
	}

	interval := sweepInterval
	if interval == 0 {
		interval = cfg.Registry.SweepInterval
	}

	ctx := context.Background()
	sweeper.runPass(ctx)

	if sweepOnce {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	logger.WithField("interval", interval.String()).Info("Sweep loop running")
	for {
		select {
		case <-ticker.C:
			sweeper.runPass(ctx)
		case <-shutdownChan:
			logger.Info("Sweep loop stopped")
			return nil
		}
	}
}

// maintenanceSweeper bundles the periodic maintenance passes.
type maintenanceSweeper struct {
	store    core.Repository
	services *core.Services
	spool    *infrastructure.Spool
	logger   *logrus.Logger
	dryRun   bool
}

func (s *maintenanceSweeper) runPass(ctx context.Context) {
	s.sweepStaleInstances(ctx)
	s.startDueRollouts(ctx)
	s.replayAuditSpool(ctx)
}

func (s *maintenanceSweeper) sweepStaleInstances(ctx context.Context) {
	if s.dryRun {
		s.logger.Info("DRY RUN: skipping stale instance sweep")
		return
	}

	swept, err := s.services.HealthRegistry.SweepStale(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sweep stale instances")
		return
	}
	if swept > 0 {
		s.logger.WithField("count", swept).Info("Marked stale instances offline")
	}
}

func (s *maintenanceSweeper) startDueRollouts(ctx context.Context) {
	due, err := s.services.Rollouts.DueScheduledRollouts(ctx, time.Now())
	if err != nil {
		s.logger.WithError(err).Error("Failed to list due rollouts")
		return
	}

	for _, rollout := range due {
		if s.dryRun {
			s.logger.WithFields(logrus.Fields{
				"rollout_id":   rollout.RolloutID,
				"scheduled_at": rollout.ScheduledAt,
			}).Info("Would start scheduled rollout")
			continue
		}

		if _, err := s.services.Rollouts.Start(ctx, rollout.RolloutID); err != nil {
			s.logger.WithError(err).WithField("rollout_id", rollout.RolloutID).
				Error("Failed to start scheduled rollout")
			continue
		}
		s.logger.WithField("rollout_id", rollout.RolloutID).Info("Started scheduled rollout")
	}
}

// replayAuditSpool moves spooled enforcement entries into the store. The
// spool is truncated only after every entry is persisted; a partial replay
// leaves the file intact and retries next pass, so duplicates are possible
// but losses are not.
func (s *maintenanceSweeper) replayAuditSpool(ctx context.Context) {
	if s.spool == nil {
		return
	}

	records, err := s.spool.ReadAll()
	if err != nil {
		s.logger.WithError(err).Error("Failed to read audit spool")
		return
	}
	if len(records) == 0 {
		return
	}

	if s.dryRun {
		s.logger.WithField("count", len(records)).Info("Would replay spooled audit entries")
		return
	}

	replayed := 0
	for _, raw := range records {
		var entry core.EnforcementLogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.logger.WithError(err).Warn("Skipping corrupted spool record")
			continue
		}
		entry.ID = 0

		if err := s.store.AppendEnforcementLog(ctx, &entry); err != nil {
			s.logger.WithError(err).Error("Failed to replay audit entry, keeping spool")
			return
		}
		replayed++
	}

	if err := s.spool.Truncate(); err != nil {
		s.logger.WithError(err).Error("Failed to truncate audit spool after replay")
		return
	}

	s.logger.WithField("count", replayed).Info("Replayed spooled audit entries")
}
