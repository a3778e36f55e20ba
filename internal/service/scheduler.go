package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"campflow/internal/constants"
)

// RecordCleaner deletes terminal records past the retention horizon.
type RecordCleaner interface {
	CleanupOldRecords(ctx context.Context, retentionDays int) error
}

// Scheduler runs the retention cleanup on a fixed interval. Only terminal
// messages and their interactions are eligible; pending work is never
// deleted regardless of age.
type Scheduler struct {
	db            RecordCleaner
	retentionDays int
	intervalHours int
	logger        *logrus.Logger
	stopCh        chan struct{}
}

func NewScheduler(db RecordCleaner, retentionDays, intervalHours int, logger *logrus.Logger) *Scheduler {
	if intervalHours <= 0 {
		intervalHours = constants.DefaultCleanupIntervalHours
	}
	if retentionDays <= 0 {
		retentionDays = constants.DefaultRetentionDays
	}
	return &Scheduler{
		db:            db,
		retentionDays: retentionDays,
		intervalHours: intervalHours,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.intervalHours) * time.Hour)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{
		"retention_days": s.retentionDays,
		"interval_hours": s.intervalHours,
	}).Info("Starting cleanup scheduler")

	s.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runCleanup(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if err := s.db.CleanupOldRecords(ctx, s.retentionDays); err != nil {
		s.logger.WithError(err).Error("Failed to clean up old records")
		return
	}
	s.logger.WithField("retention_days", s.retentionDays).Info("Retention cleanup completed")
}
