package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campflow/internal/models"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "campflow-db-test")
	require.NoError(t, err)

	db, err := New(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = db.Close()
		_ = os.RemoveAll(tmpDir)
	})
	return db
}

func seedCampaignContact(t *testing.T, db *Database) (int64, int64) {
	t.Helper()
	ctx := context.Background()

	campaignID, err := db.CreateCampaign(ctx, &models.Campaign{
		Name:             "spring-promo",
		InitialTemplate:  "Hi {{name}}, check out our offer",
		FollowupTemplate: "Thanks for replying, {{name}}",
	})
	require.NoError(t, err)

	contactID, err := db.SaveContact(ctx, &models.Contact{
		PhoneNumber: "+15551234567",
		Name:        "Ada",
	})
	require.NoError(t, err)

	return campaignID, contactID
}

func createPendingMessage(t *testing.T, db *Database, campaignID, contactID int64) int64 {
	t.Helper()
	id, err := db.CreateMessage(context.Background(), &models.Message{
		CampaignID: campaignID,
		ContactID:  contactID,
		Kind:       models.MessageKindInitial,
		Content:    "Hi Ada, check out our offer",
	})
	require.NoError(t, err)
	return id
}

func TestCreateAndGetMessage(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)

	id := createPendingMessage(t, db, campaignID, contactID)

	msg, err := db.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, models.MessageStatusPending, msg.Status)
	assert.Equal(t, models.MessageKindInitial, msg.Kind)
	assert.Equal(t, 0, msg.RetryCount)
	assert.Nil(t, msg.ProviderMessageID)
}

func TestGetMessageNotFound(t *testing.T) {
	db := setupTestDB(t)

	msg, err := db.GetMessage(context.Background(), 9999)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestNextDueMessageOrdering(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	now := time.Now().UTC()

	late, err := db.CreateMessage(ctx, &models.Message{
		CampaignID: campaignID, ContactID: contactID,
		Kind: models.MessageKindInitial, Content: "late",
		NextAttemptAt: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	early, err := db.CreateMessage(ctx, &models.Message{
		CampaignID: campaignID, ContactID: contactID,
		Kind: models.MessageKindInitial, Content: "early",
		NextAttemptAt: now.Add(-time.Hour),
	})
	require.NoError(t, err)

	future, err := db.CreateMessage(ctx, &models.Message{
		CampaignID: campaignID, ContactID: contactID,
		Kind: models.MessageKindInitial, Content: "future",
		NextAttemptAt: now.Add(time.Hour),
	})
	require.NoError(t, err)

	due, err := db.NextDueMessage(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, early, due.ID)
	assert.NotEqual(t, late, due.ID)
	assert.NotEqual(t, future, due.ID)
}

func TestNextDueMessageEmpty(t *testing.T) {
	db := setupTestDB(t)

	due, err := db.NextDueMessage(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, due)
}

func TestMarkMessageSentIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	id := createPendingMessage(t, db, campaignID, contactID)
	now := time.Now().UTC()

	require.NoError(t, db.MarkMessageSent(ctx, id, "wamid.1", now))
	// Second invocation hits the status guard and must not double-count.
	require.NoError(t, db.MarkMessageSent(ctx, id, "wamid.other", now))

	msg, err := db.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusSent, msg.Status)
	require.NotNil(t, msg.ProviderMessageID)
	assert.Equal(t, "wamid.1", *msg.ProviderMessageID)

	campaign, err := db.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.SentCount)
}

func TestScheduleMessageRetry(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	id := createPendingMessage(t, db, campaignID, contactID)

	nextAttempt := time.Now().UTC().Add(time.Minute)
	require.NoError(t, db.ScheduleMessageRetry(ctx, id, "http_500", "server error", nextAttempt))

	msg, err := db.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	require.NotNil(t, msg.ErrorCode)
	assert.Equal(t, "http_500", *msg.ErrorCode)

	// A message that is no longer pending cannot be scheduled for retry.
	require.NoError(t, db.MarkMessageSent(ctx, id, "wamid.2", time.Now()))
	err = db.ScheduleMessageRetry(ctx, id, "http_500", "server error", nextAttempt)
	assert.Error(t, err)
}

func TestDeferMessageKeepsRetryCount(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	id := createPendingMessage(t, db, campaignID, contactID)

	notBefore := time.Now().UTC().Add(30 * time.Minute)
	require.NoError(t, db.DeferMessage(ctx, id, notBefore))

	msg, err := db.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, msg.RetryCount)
	assert.WithinDuration(t, notBefore, msg.NextAttemptAt, time.Second)
}

func TestMarkMessageFailedBumpsCampaignCounter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	id := createPendingMessage(t, db, campaignID, contactID)

	require.NoError(t, db.MarkMessageFailed(ctx, id, "http_400", "bad request"))
	// Terminal rows are untouched on replay.
	require.NoError(t, db.MarkMessageFailed(ctx, id, "http_400", "bad request"))

	msg, err := db.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusFailed, msg.Status)

	campaign, err := db.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.FailedCount)
}

func TestApplyStatusUpdateTransitions(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	id := createPendingMessage(t, db, campaignID, contactID)
	now := time.Now().UTC()

	// Delivery before send is out of order and must be rejected.
	applied, err := db.ApplyStatusUpdate(ctx, id, models.MessageStatusDelivered, now)
	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, db.MarkMessageSent(ctx, id, "wamid.3", now))

	applied, err = db.ApplyStatusUpdate(ctx, id, models.MessageStatusDelivered, now)
	require.NoError(t, err)
	assert.True(t, applied)

	// Replayed delivery event changes nothing.
	applied, err = db.ApplyStatusUpdate(ctx, id, models.MessageStatusDelivered, now)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = db.ApplyStatusUpdate(ctx, id, models.MessageStatusRead, now)
	require.NoError(t, err)
	assert.True(t, applied)

	campaign, err := db.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.SuccessCount, "success counts the first delivery confirmation only")
}

func TestApplyStatusUpdateReadWithoutDelivered(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	id := createPendingMessage(t, db, campaignID, contactID)
	now := time.Now().UTC()

	require.NoError(t, db.MarkMessageSent(ctx, id, "wamid.4", now))

	applied, err := db.ApplyStatusUpdate(ctx, id, models.MessageStatusRead, now)
	require.NoError(t, err)
	assert.True(t, applied)

	msg, err := db.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusRead, msg.Status)
	require.NotNil(t, msg.DeliveredAt, "read implies delivered")
	require.NotNil(t, msg.ReadAt)

	campaign, err := db.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.SuccessCount)
}

func TestMarkNoInteraction(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	id := createPendingMessage(t, db, campaignID, contactID)
	now := time.Now().UTC()

	require.NoError(t, db.MarkMessageSent(ctx, id, "wamid.5", now))
	_, err := db.ApplyStatusUpdate(ctx, id, models.MessageStatusDelivered, now)
	require.NoError(t, err)

	transitioned, err := db.MarkNoInteraction(ctx, id)
	require.NoError(t, err)
	assert.True(t, transitioned)

	// Repeat sweeps are no-ops on terminal rows.
	transitioned, err = db.MarkNoInteraction(ctx, id)
	require.NoError(t, err)
	assert.False(t, transitioned)

	campaign, err := db.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, 1, campaign.FailedCount)
}

func TestFindRecentDeliveredInitial(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	id := createPendingMessage(t, db, campaignID, contactID)
	now := time.Now().UTC()

	found, err := db.FindRecentDeliveredInitial(ctx, contactID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, found, "pending message is not delivered")

	require.NoError(t, db.MarkMessageSent(ctx, id, "wamid.6", now))
	_, err = db.ApplyStatusUpdate(ctx, id, models.MessageStatusDelivered, now.Add(-25*time.Hour))
	require.NoError(t, err)

	found, err = db.FindRecentDeliveredInitial(ctx, contactID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, found, "delivery outside the window does not count")

	id2 := createPendingMessage(t, db, campaignID, contactID)
	require.NoError(t, db.MarkMessageSent(ctx, id2, "wamid.7", now))
	_, err = db.ApplyStatusUpdate(ctx, id2, models.MessageStatusDelivered, now)
	require.NoError(t, err)

	found, err = db.FindRecentDeliveredInitial(ctx, contactID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, id2, found.ID)
}

func TestHasMessage(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)

	exists, err := db.HasMessage(ctx, campaignID, contactID, models.MessageKindFollowup)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = db.CreateMessage(ctx, &models.Message{
		CampaignID: campaignID, ContactID: contactID,
		Kind: models.MessageKindFollowup, Content: "Thanks for replying, Ada",
	})
	require.NoError(t, err)

	exists, err = db.FollowupExists(ctx, campaignID, contactID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestListExpiredAwaitingReply(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	now := time.Now().UTC()

	id := createPendingMessage(t, db, campaignID, contactID)
	require.NoError(t, db.MarkMessageSent(ctx, id, "wamid.8", now.Add(-26*time.Hour)))
	_, err := db.ApplyStatusUpdate(ctx, id, models.MessageStatusDelivered, now.Add(-25*time.Hour))
	require.NoError(t, err)

	expired, err := db.ListExpiredAwaitingReply(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, id, expired[0].ID)

	// A reply interaction removes the message from the expiry set.
	_, err = db.CreateInteraction(ctx, &models.Interaction{
		CampaignID: campaignID, ContactID: contactID, MessageID: &id,
		Kind: models.InteractionKindReply, ReceivedAt: now,
	})
	require.NoError(t, err)

	expired, err = db.ListExpiredAwaitingReply(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestCampaignCompletionFlow(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	now := time.Now().UTC()

	id := createPendingMessage(t, db, campaignID, contactID)
	require.NoError(t, db.MarkCampaignSending(ctx, campaignID, 1))

	open, err := db.CountOpenMessages(ctx, campaignID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	completed, err := db.MarkCampaignCompleted(ctx, campaignID, now)
	require.NoError(t, err)
	assert.True(t, completed, "completion flips a sending campaign")

	// Already completed; the guard rejects a second transition.
	completed, err = db.MarkCampaignCompleted(ctx, campaignID, now)
	require.NoError(t, err)
	assert.False(t, completed)

	campaign, err := db.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, campaign.Status)
	require.NotNil(t, campaign.CompletedAt)
	_ = id
}

func TestCountOpenMessagesAwaitingReply(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)
	now := time.Now().UTC()

	id := createPendingMessage(t, db, campaignID, contactID)
	require.NoError(t, db.MarkMessageSent(ctx, id, "wamid.9", now))
	_, err := db.ApplyStatusUpdate(ctx, id, models.MessageStatusDelivered, now)
	require.NoError(t, err)

	// Delivered inside the reply window, no follow-up yet: still open.
	open, err := db.CountOpenMessages(ctx, campaignID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	_, err = db.CreateMessage(ctx, &models.Message{
		CampaignID: campaignID, ContactID: contactID,
		Kind: models.MessageKindFollowup, Content: "follow-up",
	})
	require.NoError(t, err)

	// The follow-up itself is pending, so the campaign stays open.
	open, err = db.CountOpenMessages(ctx, campaignID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, open)
}

func TestGetCampaignStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)

	createPendingMessage(t, db, campaignID, contactID)

	stats, err := db.GetCampaignStats(ctx, campaignID)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, campaignID, stats.CampaignID)
	assert.Equal(t, 1, stats.PendingCount)

	stats, err = db.GetCampaignStats(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestGetContactByPhone(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	_, contactID := seedCampaignContact(t, db)

	contact, err := db.GetContactByPhone(ctx, "+15551234567")
	require.NoError(t, err)
	require.NotNil(t, contact)
	assert.Equal(t, contactID, contact.ID)
	assert.Equal(t, "Ada", contact.Name)

	contact, err = db.GetContactByPhone(ctx, "+15550000000")
	require.NoError(t, err)
	assert.Nil(t, contact)
}

func TestInteractionCounting(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	campaignID, contactID := seedCampaignContact(t, db)

	for i := 0; i < 3; i++ {
		_, err := db.CreateInteraction(ctx, &models.Interaction{
			CampaignID: campaignID, ContactID: contactID,
			Kind: models.InteractionKindReply, ReceivedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	count, err := db.CountInteractions(ctx, campaignID, contactID, models.InteractionKindReply)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = db.CountInteractions(ctx, campaignID, contactID, models.InteractionKindRead)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
