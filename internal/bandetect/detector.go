// Package bandetect classifies provider error responses for ban risk and
// escalates repeated failures into sending halts. Its only side effects are
// counter-store writes; it never calls the provider or touches message or
// campaign state.
package bandetect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"campflow/internal/constants"
	"campflow/internal/counterstore"

	"github.com/sirupsen/logrus"
)

type Action string

const (
	ActionNone           Action = "none"
	ActionEmergencyPause Action = "emergency_pause"
)

// Verdict is the classification of a single provider error.
type Verdict struct {
	IsBanRisk     bool
	Action        Action
	PauseDuration time.Duration
}

// ThresholdResult is the outcome of the failure-threshold escalation check.
type ThresholdResult struct {
	ShouldHalt   bool
	Reason       string
	HaltDuration time.Duration
}

// DefaultDangerPatterns are substrings of provider error codes or messages
// that historically precede account restrictions.
var DefaultDangerPatterns = []string{
	"rate_limit",
	"rate-limit",
	"rate limit",
	"429",
	"too many requests",
	"spam",
	"blocked",
	"banned",
	"ban",
	"restricted",
	"unauthorized",
	"forbidden",
}

type Detector struct {
	store          counterstore.Store
	logger         *logrus.Logger
	dangerPatterns []string
}

func New(store counterstore.Store, logger *logrus.Logger, dangerPatterns []string) *Detector {
	if len(dangerPatterns) == 0 {
		dangerPatterns = DefaultDangerPatterns
	}
	return &Detector{
		store:          store,
		logger:         logger,
		dangerPatterns: dangerPatterns,
	}
}

// Classify inspects a provider error. Matching any danger pattern means ban
// risk: a 30 minute emergency pause, regardless of which pattern matched.
func (d *Detector) Classify(errorCode, errorMessage string) Verdict {
	haystack := strings.ToLower(errorCode + " " + errorMessage)
	for _, pattern := range d.dangerPatterns {
		if strings.Contains(haystack, pattern) {
			return Verdict{
				IsBanRisk:     true,
				Action:        ActionEmergencyPause,
				PauseDuration: constants.EmergencyPauseSec * time.Second,
			}
		}
	}
	return Verdict{Action: ActionNone}
}

// RecordFailure updates the failure counters after an unsuccessful send.
func (d *Detector) RecordFailure(ctx context.Context, now time.Time) error {
	if _, err := d.store.Increment(ctx, counterstore.KeyConsecutiveErrors, 1, constants.ConsecutiveCounterTTLHours*time.Hour); err != nil {
		return fmt.Errorf("failed to record consecutive error: %w", err)
	}
	windowTTL := time.Duration(constants.FailureWindowMinutes+1) * time.Minute
	if _, err := d.store.Increment(ctx, counterstore.FailureBucketKey(now), 1, windowTTL); err != nil {
		return fmt.Errorf("failed to record windowed failure: %w", err)
	}
	if _, err := d.store.Increment(ctx, counterstore.KeyTotalFailed, 1, 0); err != nil {
		return fmt.Errorf("failed to record total failure: %w", err)
	}
	return nil
}

// RecordSuccess resets the consecutive-error counter and counts the send
// for the overall error rate.
func (d *Detector) RecordSuccess(ctx context.Context) error {
	if err := d.store.Set(ctx, counterstore.KeyConsecutiveErrors, 0, constants.ConsecutiveCounterTTLHours*time.Hour); err != nil {
		return fmt.Errorf("failed to reset consecutive errors: %w", err)
	}
	if _, err := d.store.Increment(ctx, counterstore.KeyTotalSent, 1, 0); err != nil {
		return fmt.Errorf("failed to record total sent: %w", err)
	}
	return nil
}

// RaiseEmergencyHalt records a halt-until timestamp in the counter store.
// Every dispatcher sharing the store observes it on its next safety check.
func (d *Detector) RaiseEmergencyHalt(ctx context.Context, now time.Time, duration time.Duration, reason string) error {
	until := now.Add(duration)
	if err := d.store.Set(ctx, counterstore.KeyHaltUntil, until.Unix(), duration); err != nil {
		return fmt.Errorf("failed to record emergency halt: %w", err)
	}
	d.logger.WithFields(logrus.Fields{
		"halt_until": until.UTC().Format(time.RFC3339),
		"reason":     reason,
	}).Warn("Emergency sending halt raised")
	return nil
}

// CheckThresholds runs the escalation rules that are independent of any
// single error code: consecutive failures, failures inside the rolling
// window, and the overall error rate (warning only).
func (d *Detector) CheckThresholds(ctx context.Context, now time.Time) (ThresholdResult, error) {
	consecutive, _, err := d.store.Get(ctx, counterstore.KeyConsecutiveErrors)
	if err != nil {
		return ThresholdResult{}, fmt.Errorf("failed to read consecutive errors: %w", err)
	}
	if consecutive >= constants.ConsecutiveFailureThreshold {
		return ThresholdResult{
			ShouldHalt:   true,
			Reason:       fmt.Sprintf("%d consecutive send failures", consecutive),
			HaltDuration: constants.ThresholdHaltSec * time.Second,
		}, nil
	}

	windowed, err := d.windowedFailures(ctx, now)
	if err != nil {
		return ThresholdResult{}, err
	}
	if windowed >= constants.WindowFailureThreshold {
		return ThresholdResult{
			ShouldHalt:   true,
			Reason:       fmt.Sprintf("%d failures within %d minutes", windowed, constants.FailureWindowMinutes),
			HaltDuration: constants.ThresholdHaltSec * time.Second,
		}, nil
	}

	d.checkErrorRate(ctx)
	return ThresholdResult{}, nil
}

// windowedFailures sums the per-minute failure buckets of the rolling window.
func (d *Detector) windowedFailures(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for i := 0; i < constants.FailureWindowMinutes; i++ {
		bucket := counterstore.FailureBucketKey(now.Add(-time.Duration(i) * time.Minute))
		value, found, err := d.store.Get(ctx, bucket)
		if err != nil {
			return 0, fmt.Errorf("failed to read failure bucket: %w", err)
		}
		if found {
			total += value
		}
	}
	return total, nil
}

// checkErrorRate logs a warning when the overall error rate crosses the
// threshold. No halt: a sustained rate problem needs an operator, not a
// timer.
func (d *Detector) checkErrorRate(ctx context.Context) {
	sent, _, err := d.store.Get(ctx, counterstore.KeyTotalSent)
	if err != nil {
		return
	}
	failed, _, err := d.store.Get(ctx, counterstore.KeyTotalFailed)
	if err != nil {
		return
	}

	total := sent + failed
	if total < constants.ErrorRateMinSample {
		return
	}

	rate := float64(failed) / float64(total)
	if rate >= constants.ErrorRateWarningThreshold {
		d.logger.WithFields(logrus.Fields{
			"error_rate":   fmt.Sprintf("%.1f%%", rate*100),
			"total_sent":   sent,
			"total_failed": failed,
		}).Warn("Overall send error rate above threshold")
	}
}
