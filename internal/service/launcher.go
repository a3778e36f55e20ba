package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	apperrors "campflow/internal/errors"
	"campflow/internal/metrics"
	"campflow/internal/models"
)

// LauncherDatabase is the persistence surface campaign launching needs.
type LauncherDatabase interface {
	GetCampaign(ctx context.Context, id int64) (*models.Campaign, error)
	GetContact(ctx context.Context, id int64) (*models.Contact, error)
	HasMessage(ctx context.Context, campaignID, contactID int64, kind models.MessageKind) (bool, error)
	CreateMessage(ctx context.Context, msg *models.Message) (int64, error)
	MarkCampaignSending(ctx context.Context, id int64, totalMessages int) error
}

// Launcher materializes a campaign into pending initial messages, one per
// contact. Launching the same campaign twice with overlapping contacts only
// creates messages for the contacts not already covered.
type Launcher struct {
	db     LauncherDatabase
	logger *logrus.Logger
}

func NewLauncher(db LauncherDatabase, logger *logrus.Logger) *Launcher {
	return &Launcher{db: db, logger: logger}
}

// Launch queues one initial message per contact and flips the campaign to
// sending. Returns the number of messages created.
func (l *Launcher) Launch(ctx context.Context, campaignID int64, contactIDs []int64) (int, error) {
	campaign, err := l.db.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil {
		return 0, apperrors.New(apperrors.ErrCodeNotFound, fmt.Sprintf("campaign %d not found", campaignID))
	}
	if campaign.Status != models.CampaignStatusDraft && campaign.Status != models.CampaignStatusSending {
		return 0, apperrors.New(apperrors.ErrCodeInvalidTransition,
			fmt.Sprintf("campaign %d is %s, cannot launch", campaignID, campaign.Status))
	}
	if campaign.InitialTemplate == "" {
		return 0, apperrors.New(apperrors.ErrCodeInvalidConfig,
			fmt.Sprintf("campaign %d has no initial template", campaignID))
	}

	created := 0
	for _, contactID := range contactIDs {
		contact, err := l.db.GetContact(ctx, contactID)
		if err != nil {
			return created, fmt.Errorf("failed to load contact %d: %w", contactID, err)
		}
		if contact == nil {
			l.logger.WithFields(logrus.Fields{
				"campaign_id": campaignID,
				"contact_id":  contactID,
			}).Warn("Skipping unknown contact")
			continue
		}

		exists, err := l.db.HasMessage(ctx, campaignID, contactID, models.MessageKindInitial)
		if err != nil {
			return created, fmt.Errorf("failed to check existing message: %w", err)
		}
		if exists {
			continue
		}

		if _, err := l.db.CreateMessage(ctx, &models.Message{
			CampaignID: campaignID,
			ContactID:  contactID,
			Kind:       models.MessageKindInitial,
			Content:    models.RenderTemplate(campaign.InitialTemplate, contact),
		}); err != nil {
			return created, fmt.Errorf("failed to create initial message: %w", err)
		}
		created++
	}

	if created > 0 {
		if err := l.db.MarkCampaignSending(ctx, campaignID, created); err != nil {
			return created, fmt.Errorf("failed to mark campaign sending: %w", err)
		}
	}

	l.logger.WithFields(logrus.Fields{
		"campaign_id":      campaignID,
		"contacts":         len(contactIDs),
		"messages_created": created,
	}).Info("Campaign launched")
	metrics.AddToCounter("campaigns_launched_messages_total", float64(created), nil)
	return created, nil
}
