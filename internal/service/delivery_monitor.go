package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"campflow/internal/metrics"
)

// StaleSentCounter counts messages stuck in sent without a delivery ack.
type StaleSentCounter interface {
	GetStaleSentCount(ctx context.Context, threshold time.Duration) (int, error)
}

// DeliveryMonitor watches for messages the provider accepted but never
// confirmed delivery for. It only reports; the completion sweep decides
// what stuck messages mean for a campaign.
type DeliveryMonitor struct {
	db             StaleSentCounter
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger
	stopCh         chan struct{}
}

func NewDeliveryMonitor(db StaleSentCounter, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *DeliveryMonitor {
	return &DeliveryMonitor{
		db:             db,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval.String(),
		"stale_threshold": m.staleThreshold.String(),
	}).Info("Starting delivery monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkStaleMessages(ctx)
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	close(m.stopCh)
}

func (m *DeliveryMonitor) checkStaleMessages(ctx context.Context) {
	count, err := m.db.GetStaleSentCount(ctx, m.staleThreshold)
	if err != nil {
		m.logger.WithError(err).Error("Failed to check for stale sent messages")
		return
	}
	metrics.SetGauge("delivery_stale_sent_messages", float64(count), nil)
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"stale_count": count,
			"threshold":   m.staleThreshold.String(),
		}).Warn("Messages stuck in sent status without delivery confirmation")
	}
}
