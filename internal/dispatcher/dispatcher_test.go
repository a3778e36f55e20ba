package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campflow/internal/bandetect"
	"campflow/internal/counterstore"
	apperrors "campflow/internal/errors"
	"campflow/internal/models"
	"campflow/internal/ratelimiter"
	"campflow/pkg/provider/types"
)

var noon = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func pendingMessage(retryCount int) *models.Message {
	return &models.Message{
		ID:         1,
		CampaignID: 7,
		ContactID:  3,
		Kind:       models.MessageKindInitial,
		Content:    "hello",
		Status:     models.MessageStatusPending,
		RetryCount: retryCount,
	}
}

// newTestDispatcher wires a dispatcher with a frozen clock and waits
// recorded instead of slept.
func newTestDispatcher(db *mockDB, provider *mockProvider, store *fakeStore) (*Dispatcher, *[]time.Duration) {
	cfg := models.RateLimitConfig{
		DailyLimit:         1000,
		BlackoutStartHour:  23,
		BlackoutEndHour:    7,
		MinDelaySec:        10,
		ProviderTimeoutSec: 30,
	}
	logger := testLogger()
	limiter := ratelimiter.New(cfg, store, logger)
	detector := bandetect.New(store, logger, nil)

	d := New(db, provider, limiter, detector, store, cfg, logger)
	d.now = func() time.Time { return noon }

	var waits []time.Duration
	d.wait = func(ctx context.Context, dur time.Duration) error {
		waits = append(waits, dur)
		return nil
	}
	return d, &waits
}

func TestRetryDelaySchedule(t *testing.T) {
	assert.Equal(t, 60*time.Second, RetryDelay(1))
	assert.Equal(t, 120*time.Second, RetryDelay(2))
	assert.Equal(t, 240*time.Second, RetryDelay(3))
}

func TestProcessSuccess(t *testing.T) {
	db := &mockDB{
		message: pendingMessage(0),
		contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567", Name: "Ada"},
	}
	provider := &mockProvider{result: &types.SendResult{Success: true, ProviderMessageID: "wamid.1"}}
	store := newFakeStore()
	d, _ := newTestDispatcher(db, provider, store)

	outcome, err := d.Process(context.Background(), db.message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	require.Len(t, db.sentCalls, 1)
	assert.Equal(t, "wamid.1", db.sentCalls[0].providerMessageID)
	assert.Equal(t, int64(1), store.values[counterstore.DailySentKey(noon)])
	assert.Equal(t, int64(1), store.values[counterstore.KeyConsecutiveSends])
	assert.Equal(t, int64(1), store.values[counterstore.KeyTotalSent])
	assert.Equal(t, int64(0), store.values[counterstore.KeyConsecutiveErrors])
}

func TestProcessStrategicPauseResetsCounter(t *testing.T) {
	db := &mockDB{
		message: pendingMessage(0),
		contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567"},
	}
	provider := &mockProvider{result: &types.SendResult{Success: true, ProviderMessageID: "wamid.2"}}
	store := newFakeStore()
	// This send is the 20th in a row.
	store.values[counterstore.KeyConsecutiveSends] = 19
	d, waits := newTestDispatcher(db, provider, store)

	outcome, err := d.Process(context.Background(), db.message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, int64(0), store.values[counterstore.KeyConsecutiveSends])

	pause := (*waits)[len(*waits)-1]
	assert.GreaterOrEqual(t, pause, 3*time.Minute)
	assert.LessOrEqual(t, pause, 5*time.Minute)
}

func TestProcessTransientFailureSchedulesRetry(t *testing.T) {
	tests := []struct {
		retryCount int
		wantDelay  time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
	}

	for _, tc := range tests {
		db := &mockDB{
			message: pendingMessage(tc.retryCount),
			contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567"},
		}
		provider := &mockProvider{result: &types.SendResult{
			Success: false, ErrorCode: "http_500", ErrorMessage: "internal server error",
		}}
		store := newFakeStore()
		d, _ := newTestDispatcher(db, provider, store)

		outcome, err := d.Process(context.Background(), db.message)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRetried, outcome)

		require.Len(t, db.retryCalls, 1)
		assert.Equal(t, "http_500", db.retryCalls[0].errorCode)
		assert.Equal(t, noon.Add(tc.wantDelay), db.retryCalls[0].nextAttempt)
		assert.Empty(t, db.failedCalls)
		assert.Equal(t, int64(1), store.values[counterstore.KeyConsecutiveErrors])
	}
}

func TestProcessExhaustedRetriesFailsTerminally(t *testing.T) {
	db := &mockDB{
		message: pendingMessage(2),
		contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567"},
	}
	provider := &mockProvider{result: &types.SendResult{
		Success: false, ErrorCode: "http_500", ErrorMessage: "internal server error",
	}}
	store := newFakeStore()
	d, _ := newTestDispatcher(db, provider, store)

	outcome, err := d.Process(context.Background(), db.message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Len(t, db.failedCalls, 1)
	assert.Empty(t, db.retryCalls)
	assert.Empty(t, db.failedCampaigns, "an ordinary failure does not fail the campaign")
}

func TestProcessBanRiskPausesWithoutConsumingRetry(t *testing.T) {
	db := &mockDB{
		message: pendingMessage(1),
		contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567"},
	}
	provider := &mockProvider{result: &types.SendResult{
		Success: false, ErrorCode: "http_429", ErrorMessage: "Too Many Requests",
	}}
	store := newFakeStore()
	d, _ := newTestDispatcher(db, provider, store)

	outcome, err := d.Process(context.Background(), db.message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)

	// The halt gates the whole pipeline for 30 minutes.
	assert.Equal(t, noon.Add(30*time.Minute).Unix(), store.values[counterstore.KeyHaltUntil])

	// The message is pushed past the pause with its retry budget intact.
	require.Len(t, db.deferCalls, 1)
	assert.Equal(t, noon.Add(30*time.Minute), db.deferCalls[0])
	assert.Empty(t, db.retryCalls)
	assert.Empty(t, db.failedCalls)

	// Ban-risk errors are not normal failures.
	assert.Equal(t, int64(0), store.values[counterstore.KeyConsecutiveErrors])
}

func TestProcessConsecutiveFailuresRaiseHalt(t *testing.T) {
	db := &mockDB{
		message: pendingMessage(0),
		contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567"},
	}
	provider := &mockProvider{result: &types.SendResult{
		Success: false, ErrorCode: "http_500", ErrorMessage: "internal server error",
	}}
	store := newFakeStore()
	store.values[counterstore.KeyConsecutiveErrors] = 2
	d, _ := newTestDispatcher(db, provider, store)

	outcome, err := d.Process(context.Background(), db.message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)

	// Third failure in a row escalates into a one-hour halt.
	assert.Equal(t, noon.Add(time.Hour).Unix(), store.values[counterstore.KeyHaltUntil])
}

func TestProcessDefersWhenUnsafe(t *testing.T) {
	db := &mockDB{
		message: pendingMessage(0),
		contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567"},
	}
	provider := &mockProvider{result: &types.SendResult{Success: true}}
	store := newFakeStore()
	d, _ := newTestDispatcher(db, provider, store)
	d.now = func() time.Time {
		return time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	}

	outcome, err := d.Process(context.Background(), db.message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.Equal(t, 0, provider.calls, "nothing is sent inside the blackout window")
	require.Len(t, db.deferCalls, 1)
}

func TestProcessFailsClosedOnCounterStoreError(t *testing.T) {
	db := &mockDB{
		message: pendingMessage(0),
		contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567"},
	}
	provider := &mockProvider{result: &types.SendResult{Success: true}}
	store := newFakeStore()
	store.err = assert.AnError
	d, _ := newTestDispatcher(db, provider, store)

	outcome, err := d.Process(context.Background(), db.message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.Equal(t, 0, provider.calls)
}

func TestProcessSkipsNonPendingMessage(t *testing.T) {
	msg := pendingMessage(0)
	msg.Status = models.MessageStatusSent
	db := &mockDB{message: msg}
	provider := &mockProvider{}
	d, _ := newTestDispatcher(db, provider, newFakeStore())

	outcome, err := d.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 0, provider.calls)
}

func TestProcessRechecksAfterDelay(t *testing.T) {
	// The message is pending when picked up but terminal by the time the
	// pacing delay has elapsed.
	msg := pendingMessage(0)
	db := &mockDB{message: msg, contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567"}}
	provider := &mockProvider{result: &types.SendResult{Success: true}}
	d, _ := newTestDispatcher(db, provider, newFakeStore())

	stale := *msg
	db.message = &models.Message{
		ID: msg.ID, CampaignID: msg.CampaignID, ContactID: msg.ContactID,
		Status: models.MessageStatusFailed,
	}

	outcome, err := d.Process(context.Background(), &stale)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 0, provider.calls)
	assert.Empty(t, db.sentCalls)
}

func TestProcessConfigErrorFailsCampaign(t *testing.T) {
	db := &mockDB{
		message: pendingMessage(0),
		contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567"},
	}
	provider := &mockProvider{
		err: apperrors.New(apperrors.ErrCodeInvalidConfig, "provider base URL is not configured"),
	}
	store := newFakeStore()
	d, _ := newTestDispatcher(db, provider, store)

	outcome, err := d.Process(context.Background(), db.message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Len(t, db.failedCalls, 1)
	assert.Equal(t, []int64{7}, db.failedCampaigns)
	assert.Empty(t, db.retryCalls, "configuration errors never retry")
}

func TestProcessTransportErrorRetries(t *testing.T) {
	db := &mockDB{
		message: pendingMessage(0),
		contact: &models.Contact{ID: 3, PhoneNumber: "+15551234567"},
	}
	provider := &mockProvider{err: assert.AnError}
	store := newFakeStore()
	d, _ := newTestDispatcher(db, provider, store)

	outcome, err := d.Process(context.Background(), db.message)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)
	require.Len(t, db.retryCalls, 1)
	assert.Equal(t, "network_error", db.retryCalls[0].errorCode)
	assert.Equal(t, noon.Add(60*time.Second), db.retryCalls[0].nextAttempt)
}
