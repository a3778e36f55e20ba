package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"campflow/internal/bandetect"
	"campflow/internal/constants"
	"campflow/internal/counterstore"
	apperrors "campflow/internal/errors"
	"campflow/internal/metrics"
	"campflow/internal/models"
	"campflow/internal/ratelimiter"
	"campflow/pkg/provider/types"
)

// Outcome describes what happened to a single message attempt.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRetried  Outcome = "retried"
	OutcomeFailed   Outcome = "failed"
	OutcomeDeferred Outcome = "deferred"
	OutcomeSkipped  Outcome = "skipped"
)

// Database is the persistence surface the dispatcher needs.
type Database interface {
	NextDueMessage(ctx context.Context, now time.Time) (*models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	GetContact(ctx context.Context, id int64) (*models.Contact, error)
	MarkMessageSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error
	ScheduleMessageRetry(ctx context.Context, id int64, errorCode, errorMessage string, nextAttempt time.Time) error
	DeferMessage(ctx context.Context, id int64, notBefore time.Time) error
	MarkMessageFailed(ctx context.Context, id int64, errorCode, errorMessage string) error
	MarkCampaignFailed(ctx context.Context, campaignID int64) error
}

var errStopped = errors.New("dispatcher stopped")

// Dispatcher drains due messages one at a time, pacing every send through
// the rate limiter and feeding every result into the ban-risk detector.
// There is exactly one send loop per process; sequencing is the point.
type Dispatcher struct {
	db       Database
	provider types.Client
	limiter  *ratelimiter.RateLimiter
	detector *bandetect.Detector
	store    counterstore.Store
	cfg      models.RateLimitConfig
	logger   *apperrors.Logger
	tracer   oteltrace.Tracer

	pollInterval time.Duration
	now          func() time.Time
	wait         func(ctx context.Context, d time.Duration) error

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// Option adjusts dispatcher construction.
type Option func(*Dispatcher)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithWaitFunc replaces the pacing sleep so tests can observe delays
// without waiting them out.
func WithWaitFunc(wait func(ctx context.Context, dur time.Duration) error) Option {
	return func(d *Dispatcher) { d.wait = wait }
}

// WithPollInterval overrides how long the run loop idles when the queue
// is empty.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.pollInterval = interval }
}

func New(db Database, provider types.Client, limiter *ratelimiter.RateLimiter, detector *bandetect.Detector, store counterstore.Store, cfg models.RateLimitConfig, logger *logrus.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		db:           db,
		provider:     provider,
		limiter:      limiter,
		detector:     detector,
		store:        store,
		cfg:          cfg,
		logger:       apperrors.FromLogrus(logger),
		tracer:       otel.Tracer("campflow/dispatcher"),
		pollInterval: time.Duration(constants.DefaultDispatcherPollSec) * time.Second,
		now:          time.Now,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	d.wait = d.sleep
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run drains the queue until the context is cancelled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.doneCh)
	d.logger.WithField("poll_interval", d.pollInterval.String()).Info("Dispatcher started")

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopping: context cancelled")
			return
		case <-d.stopCh:
			d.logger.Info("Dispatcher stopping")
			return
		default:
		}

		msg, err := d.db.NextDueMessage(ctx, d.now())
		if err != nil {
			d.logger.WithError(err).Error("Failed to fetch next due message")
			if d.wait(ctx, d.pollInterval) != nil {
				return
			}
			continue
		}
		if msg == nil {
			if d.wait(ctx, d.pollInterval) != nil {
				return
			}
			continue
		}

		if _, err := d.Process(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, errStopped) {
				return
			}
			d.logger.WithError(err).WithField("message_id", msg.ID).Error("Message processing error")
			if d.wait(ctx, d.pollInterval) != nil {
				return
			}
		}
	}
}

// Stop asks the run loop to exit and waits for it to drain the in-flight
// message. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

// Process handles one due message end to end: safety gate, pacing delay,
// send, and bookkeeping for whichever way the attempt went.
func (d *Dispatcher) Process(ctx context.Context, msg *models.Message) (Outcome, error) {
	if msg.Status != models.MessageStatusPending {
		return OutcomeSkipped, nil
	}

	now := d.now()
	messagesToday, err := d.sentToday(ctx, now)
	if err != nil {
		// Counter store down means no visibility into limits. Fail closed.
		d.logger.WithError(err).Error("Counter store unavailable, deferring send")
		return OutcomeDeferred, d.defer_(ctx, msg.ID, now.Add(d.pollInterval))
	}

	safe, reason := d.limiter.IsSafeToSend(ctx, now, messagesToday)
	if !safe {
		d.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"reason":     reason,
		}).Info("Send deferred by safety gate")
		metrics.IncrementCounter("dispatch_deferred_total", map[string]string{"reason": reason})
		return OutcomeDeferred, d.defer_(ctx, msg.ID, now.Add(time.Duration(constants.DefaultUnsafeRecheckSec)*time.Second))
	}

	delay := d.limiter.NextDelay(messagesToday)
	if err := d.wait(ctx, delay); err != nil {
		return OutcomeDeferred, err
	}
	if pause, ok := d.limiter.MicroPause(); ok {
		d.logger.WithField("pause", pause.String()).Debug("Micro-pause before send")
		if err := d.wait(ctx, pause); err != nil {
			return OutcomeDeferred, err
		}
	}

	// The delay window is long enough for another actor to have touched the
	// message. Re-read and skip if it is no longer pending.
	fresh, err := d.db.GetMessage(ctx, msg.ID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if fresh == nil || fresh.Status != models.MessageStatusPending {
		return OutcomeSkipped, nil
	}
	msg = fresh

	result, sendErr := d.send(ctx, msg)
	if sendErr != nil {
		if ctx.Err() != nil {
			return OutcomeDeferred, ctx.Err()
		}
		if apperrors.GetCode(sendErr) == apperrors.ErrCodeInvalidConfig || apperrors.GetCode(sendErr) == apperrors.ErrCodeMissingConfig {
			return d.failFatal(ctx, msg, "invalid_config", sendErr.Error())
		}
		// Transport-level failure: timeout, refused connection, DNS.
		return d.handleFailure(ctx, msg, "network_error", sendErr.Error())
	}
	if !result.Success {
		return d.handleFailure(ctx, msg, result.ErrorCode, result.ErrorMessage)
	}

	return d.handleSuccess(ctx, msg, result)
}

func (d *Dispatcher) send(ctx context.Context, msg *models.Message) (*types.SendResult, error) {
	contact, err := d.db.GetContact(ctx, msg.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %d: %w", msg.ContactID, err)
	}
	if contact == nil {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, fmt.Sprintf("contact %d not found", msg.ContactID))
	}

	sendCtx, span := d.tracer.Start(ctx, "dispatcher.send",
		oteltrace.WithAttributes(
			attribute.Int64("message.id", msg.ID),
			attribute.Int64("campaign.id", msg.CampaignID),
			attribute.String("message.kind", string(msg.Kind)),
		))
	defer span.End()

	timeout := time.Duration(d.cfg.ProviderTimeoutSec) * time.Second
	sendCtx, cancel := context.WithTimeout(sendCtx, timeout)
	defer cancel()

	start := time.Now()
	result, err := d.provider.SendText(sendCtx, contact.PhoneNumber, msg.Content)
	metrics.RecordTimer("provider_send_duration", time.Since(start), nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) handleSuccess(ctx context.Context, msg *models.Message, result *types.SendResult) (Outcome, error) {
	now := d.now()
	if err := d.db.MarkMessageSent(ctx, msg.ID, result.ProviderMessageID, now); err != nil {
		return OutcomeSkipped, err
	}
	if err := d.detector.RecordSuccess(ctx); err != nil {
		d.logger.WithError(err).Error("Failed to record send success")
	}
	metrics.IncrementCounter("dispatch_sent_total", map[string]string{"kind": string(msg.Kind)})

	if _, err := d.store.Increment(ctx, counterstore.DailySentKey(now), 1, counterstore.UntilEndOfDay(now)); err != nil {
		d.logger.WithError(err).Error("Failed to bump daily counter")
	}
	consecutive, err := d.store.Increment(ctx, counterstore.KeyConsecutiveSends, 1, 12*time.Hour)
	if err != nil {
		d.logger.WithError(err).Error("Failed to bump consecutive-send counter")
	}

	d.logger.WithFields(logrus.Fields{
		"message_id":          msg.ID,
		"campaign_id":         msg.CampaignID,
		"provider_message_id": result.ProviderMessageID,
		"consecutive_sends":   consecutive,
	}).Info("Message sent")

	if pause, ok := d.limiter.StrategicPause(int(consecutive)); ok {
		if err := d.store.Set(ctx, counterstore.KeyConsecutiveSends, 0, 12*time.Hour); err != nil {
			d.logger.WithError(err).Error("Failed to reset consecutive-send counter")
		}
		d.logger.WithFields(logrus.Fields{
			"consecutive_sends": consecutive,
			"pause":             pause.String(),
		}).Info("Strategic pause")
		metrics.IncrementCounter("dispatch_strategic_pauses_total", nil)
		if err := d.wait(ctx, pause); err != nil {
			return OutcomeSent, err
		}
	}
	return OutcomeSent, nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, msg *models.Message, errorCode, errorMessage string) (Outcome, error) {
	now := d.now()
	verdict := d.detector.Classify(errorCode, errorMessage)
	if verdict.IsBanRisk {
		// A ban signal is not the message's fault: pause the whole pipeline
		// and let the same message go out afterwards with its retry budget
		// intact.
		if err := d.detector.RaiseEmergencyHalt(ctx, now, verdict.PauseDuration,
			fmt.Sprintf("ban-risk signal: %s", errorCode)); err != nil {
			d.logger.WithError(err).Error("Failed to raise emergency halt")
		}
		metrics.IncrementCounter("dispatch_ban_risk_total", map[string]string{"error_code": errorCode})
		return OutcomeDeferred, d.defer_(ctx, msg.ID, now.Add(verdict.PauseDuration))
	}

	if err := d.detector.RecordFailure(ctx, now); err != nil {
		d.logger.WithError(err).Error("Failed to record send failure")
	}
	metrics.IncrementCounter("dispatch_failed_attempts_total", map[string]string{"error_code": errorCode})

	var outcome Outcome
	if msg.RetryCount+1 >= constants.MaxSendAttempts {
		if err := d.db.MarkMessageFailed(ctx, msg.ID, errorCode, errorMessage); err != nil {
			return OutcomeSkipped, err
		}
		d.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"error_code": errorCode,
			"attempts":   msg.RetryCount + 1,
		}).Warn("Message failed permanently")
		outcome = OutcomeFailed
	} else {
		backoff := RetryDelay(msg.RetryCount + 1)
		if err := d.db.ScheduleMessageRetry(ctx, msg.ID, errorCode, errorMessage, now.Add(backoff)); err != nil {
			return OutcomeSkipped, err
		}
		d.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"error_code": errorCode,
			"attempt":    msg.RetryCount + 1,
			"retry_in":   backoff.String(),
		}).Warn("Message send failed, retry scheduled")
		outcome = OutcomeRetried
	}

	res, err := d.detector.CheckThresholds(ctx, now)
	if err != nil {
		d.logger.WithError(err).Error("Failure threshold check failed")
	} else if res.ShouldHalt {
		if err := d.detector.RaiseEmergencyHalt(ctx, now, res.HaltDuration, res.Reason); err != nil {
			d.logger.WithError(err).Error("Failed to raise emergency halt")
		}
		metrics.IncrementCounter("dispatch_threshold_halts_total", nil)
	}
	return outcome, nil
}

// failFatal terminates both the message and its campaign. Configuration
// errors cannot heal with retries, so nothing stays pending.
func (d *Dispatcher) failFatal(ctx context.Context, msg *models.Message, errorCode, errorMessage string) (Outcome, error) {
	if err := d.db.MarkMessageFailed(ctx, msg.ID, errorCode, errorMessage); err != nil {
		return OutcomeSkipped, err
	}
	if err := d.db.MarkCampaignFailed(ctx, msg.CampaignID); err != nil {
		d.logger.WithError(err).WithField("campaign_id", msg.CampaignID).Error("Failed to mark campaign failed")
	}
	d.logger.WithFields(logrus.Fields{
		"message_id":  msg.ID,
		"campaign_id": msg.CampaignID,
		"error":       errorMessage,
	}).Error("Fatal configuration error, campaign halted")
	metrics.IncrementCounter("dispatch_config_failures_total", nil)
	return OutcomeFailed, nil
}

func (d *Dispatcher) sentToday(ctx context.Context, now time.Time) (int, error) {
	n, _, err := d.store.Get(ctx, counterstore.DailySentKey(now))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (d *Dispatcher) defer_(ctx context.Context, id int64, notBefore time.Time) error {
	return d.db.DeferMessage(ctx, id, notBefore)
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return nil
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopCh:
		return errStopped
	case <-timer.C:
		return nil
	}
}

// RetryDelay returns the backoff before retry attempt n (1-based):
// 60s, 120s, 240s.
func RetryDelay(attempt int) time.Duration {
	return time.Duration(constants.RetryBaseDelaySec*int(math.Pow(2, float64(attempt-1)))) * time.Second
}
