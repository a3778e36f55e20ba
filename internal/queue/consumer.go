package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	apperrors "campflow/internal/errors"
)

// LaunchHandler processes one launch job. A returned error nacks the
// delivery back onto the queue.
type LaunchHandler func(ctx context.Context, job *LaunchJob) error

// Consumer drains launch jobs one at a time with manual acknowledgement.
type Consumer struct {
	conn      *Connection
	queueName string
	handler   LaunchHandler
	logger    *logrus.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewConsumer(conn *Connection, queueName string, handler LaunchHandler, logger *logrus.Logger) (*Consumer, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if queueName == "" {
		return nil, errors.New("queue name cannot be empty")
	}
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	if _, err := declareQueue(ch, queueName); err != nil {
		return nil, err
	}

	return &Consumer{
		conn:      conn,
		queueName: queueName,
		handler:   handler,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}

	// One job at a time; launches are cheap DB work and ordering is not
	// worth losing on prefetch.
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		c.queueName,
		"",    // auto-generated consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	go func() {
		defer close(c.doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warn("AMQP delivery channel closed")
					return
				}
				job, err := decodeJob(d.Body)
				if err != nil {
					// Malformed payloads will never succeed; drop them.
					c.logger.WithError(err).Error("Dropping malformed launch job")
					_ = d.Nack(false, false)
					continue
				}
				if err := c.handler(ctx, job); err != nil {
					requeue := shouldRequeue(err)
					c.logger.WithError(err).WithFields(logrus.Fields{
						"campaign_id": job.CampaignID,
						"requeue":     requeue,
					}).Error("Launch job failed")
					_ = d.Nack(false, requeue)
				} else {
					_ = d.Ack(false)
				}
			}
		}
	}()

	c.logger.WithField("queue", c.queueName).Info("Launch consumer started")
	return nil
}

// Stop halts consumption and waits for the in-flight job to finish.
func (c *Consumer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// shouldRequeue reports whether a failed job may succeed on redelivery.
// Unknown campaigns, invalid state transitions, and configuration errors
// never will, so those deliveries are dropped instead of cycling forever.
func shouldRequeue(err error) bool {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeNotFound,
		apperrors.ErrCodeInvalidTransition,
		apperrors.ErrCodeInvalidConfig,
		apperrors.ErrCodeMissingConfig:
		return false
	}
	return true
}

func decodeJob(body []byte) (*LaunchJob, error) {
	var job LaunchJob
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal launch job: %w", err)
	}
	if job.CampaignID == 0 {
		return nil, errors.New("launch job missing campaign_id")
	}
	return &job, nil
}
