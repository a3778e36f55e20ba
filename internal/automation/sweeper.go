package automation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"campflow/internal/constants"
	"campflow/internal/models"
)

// Sweeper drives the engine's periodic work: expiring unanswered initials
// every few minutes and re-checking campaign completion every hour.
type Sweeper struct {
	engine *Engine
	logger *logrus.Logger

	expiryInterval     time.Duration
	completionInterval time.Duration

	stopCh chan struct{}
}

func NewSweeper(engine *Engine, cfg models.AutomationConfig, logger *logrus.Logger) *Sweeper {
	expiryMinutes := cfg.ExpirySweepMinutes
	if expiryMinutes <= 0 {
		expiryMinutes = constants.DefaultExpirySweepMinutes
	}
	completionHours := cfg.CompletionSweepHours
	if completionHours <= 0 {
		completionHours = constants.DefaultCompletionSweepHours
	}
	return &Sweeper{
		engine:             engine,
		logger:             logger,
		expiryInterval:     time.Duration(expiryMinutes) * time.Minute,
		completionInterval: time.Duration(completionHours) * time.Hour,
		stopCh:             make(chan struct{}),
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	expiryTicker := time.NewTicker(s.expiryInterval)
	defer expiryTicker.Stop()
	completionTicker := time.NewTicker(s.completionInterval)
	defer completionTicker.Stop()

	s.logger.WithFields(logrus.Fields{
		"expiry_interval":     s.expiryInterval.String(),
		"completion_interval": s.completionInterval.String(),
	}).Info("Starting automation sweeper")

	s.runExpiry(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Sweeper stop signal received, stopping")
			return
		case <-expiryTicker.C:
			s.runExpiry(ctx)
		case <-completionTicker.C:
			s.runCompletion(ctx)
		}
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
}

func (s *Sweeper) runExpiry(ctx context.Context) {
	if err := s.engine.SweepExpired(ctx); err != nil {
		s.logger.WithError(err).Error("Expiry sweep failed")
	}
}

func (s *Sweeper) runCompletion(ctx context.Context) {
	if err := s.engine.SweepCompletion(ctx); err != nil {
		s.logger.WithError(err).Error("Completion sweep failed")
	}
}
