package integration

import (
	"context"
	"time"

	"github.com/stretchr/testify/require"

	"campflow/internal/models"
)

// SeedContact inserts a contact and returns it with its assigned ID.
func (env *TestEnvironment) SeedContact(ctx context.Context, phone, name string) *models.Contact {
	env.t.Helper()
	contact := &models.Contact{PhoneNumber: phone, Name: name}
	id, err := env.DB.SaveContact(ctx, contact)
	require.NoError(env.t, err)
	contact.ID = id
	return contact
}

// SeedSendingCampaign inserts a campaign and moves it to sending with the
// given message total.
func (env *TestEnvironment) SeedSendingCampaign(ctx context.Context, name, initialTemplate, followupTemplate string, totalMessages int) int64 {
	env.t.Helper()
	id, err := env.DB.CreateCampaign(ctx, &models.Campaign{
		Name:             name,
		InitialTemplate:  initialTemplate,
		FollowupTemplate: followupTemplate,
	})
	require.NoError(env.t, err)
	require.NoError(env.t, env.DB.MarkCampaignSending(ctx, id, totalMessages))
	return id
}

// SeedPendingInitial inserts a pending initial message already due at the
// given time.
func (env *TestEnvironment) SeedPendingInitial(ctx context.Context, campaignID int64, contact *models.Contact, content string, dueAt time.Time) int64 {
	env.t.Helper()
	id, err := env.DB.CreateMessage(ctx, &models.Message{
		CampaignID:    campaignID,
		ContactID:     contact.ID,
		Kind:          models.MessageKindInitial,
		Content:       content,
		NextAttemptAt: dueAt,
	})
	require.NoError(env.t, err)
	return id
}
