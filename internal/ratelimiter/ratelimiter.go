// Package ratelimiter computes the pacing between outbound sends: a warm-up
// curve keyed by cumulative daily volume, randomized think time, strategic
// multi-minute pauses at consecutive-send milestones, and the safety gates
// (nightly blackout, daily ceiling, emergency halt) that stop sending
// entirely.
package ratelimiter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"campflow/internal/constants"
	"campflow/internal/counterstore"
	"campflow/internal/models"

	"github.com/sirupsen/logrus"
)

// warmupTier is one step of the warm-up curve. Ranges are inclusive base
// delays in seconds before jitter is applied.
type warmupTier struct {
	threshold int // applies while messagesToday < threshold
	minSec    int
	maxSec    int
}

// The curve hardens slowly: fresh accounts send slowest, mid-volume runs
// speed up, and high daily volume slows back down to stay under provider
// radar.
var warmupCurve = []warmupTier{
	{threshold: 30, minSec: 25, maxSec: 35},
	{threshold: 80, minSec: 20, maxSec: 28},
	{threshold: 200, minSec: 15, maxSec: 22},
	{threshold: 500, minSec: 18, maxSec: 25},
	{threshold: -1, minSec: 22, maxSec: 30},
}

// strategicPauses maps consecutive-send milestones to pause ranges.
var strategicPauses = map[int][2]time.Duration{
	20:  {3 * time.Minute, 5 * time.Minute},
	40:  {5 * time.Minute, 8 * time.Minute},
	60:  {10 * time.Minute, 15 * time.Minute},
	100: {20 * time.Minute, 30 * time.Minute},
}

type RateLimiter struct {
	cfg    models.RateLimitConfig
	store  counterstore.Store
	logger *logrus.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	warnedDay string
}

func New(cfg models.RateLimitConfig, store counterstore.Store, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		cfg:    cfg,
		store:  store,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// uniform returns a uniformly distributed duration in [min, max].
func (r *RateLimiter) uniform(min, max time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if max <= min {
		return min
	}
	return min + time.Duration(r.rng.Int63n(int64(max-min)+1))
}

func (r *RateLimiter) chance(p float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64() < p
}

// NextDelay returns the wait before the next send given how many messages
// went out today. The result never goes below the configured floor.
func (r *RateLimiter) NextDelay(messagesToday int) time.Duration {
	tier := warmupCurve[len(warmupCurve)-1]
	for _, t := range warmupCurve {
		if t.threshold > 0 && messagesToday < t.threshold {
			tier = t
			break
		}
	}

	base := r.uniform(time.Duration(tier.minSec)*time.Second, time.Duration(tier.maxSec)*time.Second)
	jitter := r.uniform(-constants.DelayJitterSec*time.Second, constants.DelayJitterSec*time.Second)
	think := r.uniform(constants.ThinkTimeMinSec*time.Second, constants.ThinkTimeMaxSec*time.Second)

	delay := base + jitter + think
	floor := time.Duration(r.cfg.MinDelaySec) * time.Second
	if delay < floor {
		delay = floor
	}
	return delay
}

// StrategicPause reports whether a pause fires at the given consecutive-send
// count, and its duration. The caller must reset its consecutive counter to
// zero when a pause fires.
func (r *RateLimiter) StrategicPause(consecutiveSends int) (time.Duration, bool) {
	bounds, ok := strategicPauses[consecutiveSends]
	if !ok {
		return 0, false
	}
	return r.uniform(bounds[0], bounds[1]), true
}

// MicroPause occasionally inserts a short human-scale break, independent of
// the strategic milestones.
func (r *RateLimiter) MicroPause() (time.Duration, bool) {
	if !r.chance(constants.MicroPauseProbability) {
		return 0, false
	}
	return r.uniform(constants.MicroPauseMinSec*time.Second, constants.MicroPauseMaxSec*time.Second), true
}

// inBlackout reports whether t falls inside the nightly blackout window.
// The window may wrap midnight (default 23:00-07:00).
func (r *RateLimiter) inBlackout(t time.Time) bool {
	hour := t.Hour()
	start, end := r.cfg.BlackoutStartHour, r.cfg.BlackoutEndHour
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// IsSafeToSend is the gate the dispatcher consults before each send. A
// counter-store failure fails closed: rate-limit integrity cannot be
// verified, so nothing is sent.
func (r *RateLimiter) IsSafeToSend(ctx context.Context, now time.Time, messagesToday int) (bool, string) {
	if r.inBlackout(now) {
		return false, fmt.Sprintf("nightly blackout window (%02d:00-%02d:00)", r.cfg.BlackoutStartHour, r.cfg.BlackoutEndHour)
	}

	if messagesToday >= r.cfg.DailyLimit {
		return false, fmt.Sprintf("daily message limit reached (%d/%d)", messagesToday, r.cfg.DailyLimit)
	}
	if float64(messagesToday) >= float64(r.cfg.DailyLimit)*constants.DailyLimitWarningFraction {
		r.warnApproachingLimit(now, messagesToday)
	}

	haltUntil, found, err := r.store.Get(ctx, counterstore.KeyHaltUntil)
	if err != nil {
		r.logger.WithError(err).Error("Counter store unavailable, refusing to send")
		return false, "counter store unavailable, failing closed"
	}
	if found && haltUntil > now.Unix() {
		return false, fmt.Sprintf("emergency halt active until %s", time.Unix(haltUntil, 0).UTC().Format(time.RFC3339))
	}

	return true, ""
}

// warnApproachingLimit logs the soft 80% warning once per day.
func (r *RateLimiter) warnApproachingLimit(now time.Time, messagesToday int) {
	day := now.UTC().Format("2006-01-02")

	r.mu.Lock()
	alreadyWarned := r.warnedDay == day
	r.warnedDay = day
	r.mu.Unlock()

	if !alreadyWarned {
		r.logger.WithFields(logrus.Fields{
			"messages_today": messagesToday,
			"daily_limit":    r.cfg.DailyLimit,
		}).Warn("Approaching daily message limit")
	}
}
