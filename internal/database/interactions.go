package database

import (
	"context"
	"fmt"
	"time"

	"campflow/internal/models"
)

// CreateInteraction appends an audit record for an inbound event.
// Interactions are never mutated or deleted by this core.
func (d *Database) CreateInteraction(ctx context.Context, in *models.Interaction) (int64, error) {
	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	result, err := d.db.ExecContext(ctx, `
		INSERT INTO interactions (campaign_id, contact_id, message_id, kind, content, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.CampaignID, in.ContactID, in.MessageID, in.Kind, in.Content, receivedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to create interaction: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get interaction ID: %w", err)
	}
	return id, nil
}

// CountInteractions returns the number of interactions of a kind recorded
// for a (campaign, contact) pair.
func (d *Database) CountInteractions(ctx context.Context, campaignID, contactID int64, kind models.InteractionKind) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM interactions WHERE campaign_id = ? AND contact_id = ? AND kind = ?
	`, campaignID, contactID, kind).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count interactions: %w", err)
	}
	return count, nil
}
