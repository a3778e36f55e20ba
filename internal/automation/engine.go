package automation

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"campflow/internal/constants"
	apperrors "campflow/internal/errors"
	"campflow/internal/metrics"
	"campflow/internal/models"
)

// Database is the persistence surface the automation engine needs.
type Database interface {
	GetContact(ctx context.Context, id int64) (*models.Contact, error)
	GetContactByPhone(ctx context.Context, phoneNumber string) (*models.Contact, error)
	GetCampaign(ctx context.Context, id int64) (*models.Campaign, error)
	GetMessageByProviderID(ctx context.Context, providerMessageID string) (*models.Message, error)
	ApplyStatusUpdate(ctx context.Context, id int64, newStatus models.MessageStatus, at time.Time) (bool, error)
	MarkMessageFailed(ctx context.Context, id int64, errorCode, errorMessage string) error
	MarkNoInteraction(ctx context.Context, id int64) (bool, error)
	FindRecentDeliveredInitial(ctx context.Context, contactID int64, deliveredAfter time.Time) (*models.Message, error)
	FollowupExists(ctx context.Context, campaignID, contactID int64) (bool, error)
	CreateMessage(ctx context.Context, msg *models.Message) (int64, error)
	CreateInteraction(ctx context.Context, in *models.Interaction) (int64, error)
	IncrementCampaignInteractions(ctx context.Context, id int64) error
	ListExpiredAwaitingReply(ctx context.Context, deliveredBefore time.Time) ([]*models.Message, error)
	CountOpenMessages(ctx context.Context, campaignID int64, replyWindowStart time.Time) (int, error)
	MarkCampaignCompleted(ctx context.Context, id int64, at time.Time) (bool, error)
	ListSendingCampaigns(ctx context.Context) ([]int64, error)
}

// Engine reacts to normalized inbound events: replies trigger follow-ups,
// status updates advance message state, and periodic sweeps expire contacts
// who never answered.
type Engine struct {
	db     Database
	cfg    models.AutomationConfig
	logger *apperrors.Logger
	now    func() time.Time
}

func NewEngine(db Database, cfg models.AutomationConfig, logger *logrus.Logger) *Engine {
	if cfg.ReplyWindowHours <= 0 {
		cfg.ReplyWindowHours = constants.ReplyWindowHours
	}
	return &Engine{
		db:     db,
		cfg:    cfg,
		logger: apperrors.FromLogrus(logger),
		now:    time.Now,
	}
}

func (e *Engine) replyWindow() time.Duration {
	return time.Duration(e.cfg.ReplyWindowHours) * time.Hour
}

// OnInboundEvent processes one normalized provider event. Errors are for
// the caller's logs; the webhook boundary never surfaces them to the
// provider.
func (e *Engine) OnInboundEvent(ctx context.Context, ev *models.InboundEvent) error {
	switch ev.Type {
	case models.EventTypeInboundReply:
		return e.handleReply(ctx, ev.Reply)
	case models.EventTypeStatusUpdate:
		return e.handleStatusUpdate(ctx, ev.Status)
	default:
		return fmt.Errorf("unknown event type: %s", ev.Type)
	}
}

// handleReply creates at most one follow-up per (campaign, contact). Repeat
// replies are recorded as interactions only.
func (e *Engine) handleReply(ctx context.Context, reply *models.InboundReply) error {
	contact, err := e.db.GetContactByPhone(ctx, reply.ContactRef)
	if err != nil {
		return fmt.Errorf("failed to look up contact: %w", err)
	}
	if contact == nil {
		e.logger.WithField("contact_ref", reply.ContactRef).Debug("Reply from unknown contact, ignoring")
		return nil
	}

	windowStart := e.now().Add(-e.replyWindow())
	initial, err := e.db.FindRecentDeliveredInitial(ctx, contact.ID, windowStart)
	if err != nil {
		return fmt.Errorf("failed to find delivered initial message: %w", err)
	}
	if initial == nil {
		e.logger.WithField("contact_id", contact.ID).Debug("Reply outside any reply window, ignoring")
		return nil
	}

	if _, err := e.db.CreateInteraction(ctx, &models.Interaction{
		CampaignID: initial.CampaignID,
		ContactID:  contact.ID,
		MessageID:  &initial.ID,
		Kind:       models.InteractionKindReply,
		Content:    &reply.Text,
		ReceivedAt: reply.Timestamp,
	}); err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	if err := e.db.IncrementCampaignInteractions(ctx, initial.CampaignID); err != nil {
		return fmt.Errorf("failed to bump campaign interactions: %w", err)
	}
	metrics.IncrementCounter("automation_replies_total", nil)

	exists, err := e.db.FollowupExists(ctx, initial.CampaignID, contact.ID)
	if err != nil {
		return fmt.Errorf("failed to check for existing follow-up: %w", err)
	}
	if exists {
		e.logger.WithFields(logrus.Fields{
			"campaign_id": initial.CampaignID,
			"contact_id":  contact.ID,
		}).Debug("Follow-up already exists, interaction recorded only")
		return nil
	}

	campaign, err := e.db.GetCampaign(ctx, initial.CampaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign: %w", err)
	}
	if campaign == nil || campaign.FollowupTemplate == "" {
		e.logger.WithField("campaign_id", initial.CampaignID).Debug("No follow-up template configured")
		return nil
	}

	followupID, err := e.db.CreateMessage(ctx, &models.Message{
		CampaignID: campaign.ID,
		ContactID:  contact.ID,
		Kind:       models.MessageKindFollowup,
		Content:    models.RenderTemplate(campaign.FollowupTemplate, contact),
	})
	if err != nil {
		return fmt.Errorf("failed to create follow-up message: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"contact_id":  contact.ID,
		"message_id":  followupID,
	}).Info("Follow-up queued after reply")
	metrics.IncrementCounter("automation_followups_total", nil)
	return nil
}

func (e *Engine) handleStatusUpdate(ctx context.Context, status *models.StatusUpdate) error {
	msg, err := e.db.GetMessageByProviderID(ctx, status.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("failed to look up message by provider ID: %w", err)
	}
	if msg == nil {
		e.logger.WithField("provider_message_id", status.ProviderMessageID).Debug("Status update for unknown message, ignoring")
		return nil
	}

	var applied bool
	switch status.NewStatus {
	case models.MessageStatusDelivered, models.MessageStatusRead:
		applied, err = e.db.ApplyStatusUpdate(ctx, msg.ID, status.NewStatus, status.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to apply status update: %w", err)
		}
	case models.MessageStatusFailed:
		if msg.Status.IsTerminal() {
			break
		}
		if err := e.db.MarkMessageFailed(ctx, msg.ID, status.ErrorCode, "provider reported delivery failure"); err != nil {
			return fmt.Errorf("failed to mark message failed: %w", err)
		}
		applied = true
	default:
		return fmt.Errorf("unsupported status update: %s", status.NewStatus)
	}

	if !applied {
		e.logger.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"new_status": status.NewStatus,
		}).Debug("Status update was a replay or out of order, ignored")
		return nil
	}

	if _, err := e.db.CreateInteraction(ctx, &models.Interaction{
		CampaignID: msg.CampaignID,
		ContactID:  msg.ContactID,
		MessageID:  &msg.ID,
		Kind:       models.InteractionKind(status.NewStatus),
		ReceivedAt: status.Timestamp,
	}); err != nil {
		return fmt.Errorf("failed to record status interaction: %w", err)
	}
	metrics.IncrementCounter("automation_status_updates_total", map[string]string{"status": string(status.NewStatus)})

	// Terminal transitions may have closed out the campaign's last open
	// message; check eagerly rather than waiting for the hourly sweep.
	if status.NewStatus == models.MessageStatusFailed || status.NewStatus == models.MessageStatusRead ||
		status.NewStatus == models.MessageStatusDelivered {
		if err := e.CheckCampaignCompletion(ctx, msg.CampaignID); err != nil {
			e.logger.WithError(err).WithField("campaign_id", msg.CampaignID).Error("Completion check failed")
		}
	}
	return nil
}

// CheckCampaignCompletion completes a sending campaign once no message can
// still change state: nothing pending or awaiting a provider ack, and no
// delivered initial still inside its reply window without a follow-up.
func (e *Engine) CheckCampaignCompletion(ctx context.Context, campaignID int64) error {
	open, err := e.db.CountOpenMessages(ctx, campaignID, e.now().Add(-e.replyWindow()))
	if err != nil {
		return fmt.Errorf("failed to count open messages: %w", err)
	}
	if open > 0 {
		return nil
	}

	completed, err := e.db.MarkCampaignCompleted(ctx, campaignID, e.now())
	if err != nil {
		return fmt.Errorf("failed to mark campaign completed: %w", err)
	}
	if completed {
		e.logger.WithField("campaign_id", campaignID).Info("Campaign completed")
		metrics.IncrementCounter("automation_campaigns_completed_total", nil)
	}
	return nil
}

// SweepExpired expires delivered initial messages whose reply window lapsed
// with no interaction. Repeat sweeps are no-ops on already-terminal rows.
func (e *Engine) SweepExpired(ctx context.Context) error {
	cutoff := e.now().Add(-e.replyWindow())
	expired, err := e.db.ListExpiredAwaitingReply(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expired messages: %w", err)
	}

	for _, msg := range expired {
		transitioned, err := e.db.MarkNoInteraction(ctx, msg.ID)
		if err != nil {
			e.logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to expire message")
			continue
		}
		if !transitioned {
			continue
		}
		e.logger.WithFields(logrus.Fields{
			"message_id":  msg.ID,
			"campaign_id": msg.CampaignID,
			"contact_id":  msg.ContactID,
		}).Info("No interaction within reply window")
		metrics.IncrementCounter("automation_no_interaction_total", nil)

		if err := e.CheckCampaignCompletion(ctx, msg.CampaignID); err != nil {
			e.logger.WithError(err).WithField("campaign_id", msg.CampaignID).Error("Completion check failed")
		}
	}
	return nil
}

// SweepCompletion runs the completion check across every sending campaign.
func (e *Engine) SweepCompletion(ctx context.Context) error {
	ids, err := e.db.ListSendingCampaigns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sending campaigns: %w", err)
	}
	for _, id := range ids {
		if err := e.CheckCampaignCompletion(ctx, id); err != nil {
			e.logger.WithError(err).WithField("campaign_id", id).Error("Completion check failed")
		}
	}
	return nil
}
