package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"campflow/internal/models"
)

func scanCampaign(row interface{ Scan(...interface{}) error }) (*models.Campaign, error) {
	c := &models.Campaign{}
	err := row.Scan(
		&c.ID, &c.Name, &c.Status, &c.InitialTemplate, &c.FollowupTemplate,
		&c.TotalMessages, &c.SentCount, &c.SuccessCount, &c.FailedCount,
		&c.InteractionCount, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan campaign: %w", err)
	}
	return c, nil
}

const campaignColumns = `
	id, name, status, initial_template, followup_template,
	total_messages, sent_count, success_count, failed_count,
	interaction_count, completed_at, created_at, updated_at
`

// CreateCampaign inserts a draft campaign. Campaign CRUD proper lives
// outside this core; this exists for the launch path and tests.
func (d *Database) CreateCampaign(ctx context.Context, c *models.Campaign) (int64, error) {
	result, err := d.db.ExecContext(ctx, `
		INSERT INTO campaigns (name, status, initial_template, followup_template)
		VALUES (?, ?, ?, ?)
	`, c.Name, models.CampaignStatusDraft, c.InitialTemplate, c.FollowupTemplate)
	if err != nil {
		return 0, fmt.Errorf("failed to create campaign: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get campaign ID: %w", err)
	}
	return id, nil
}

func (d *Database) GetCampaign(ctx context.Context, id int64) (*models.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = ?`
	return scanCampaign(d.db.QueryRowContext(ctx, query, id))
}

// MarkCampaignSending flips draft -> sending and records the message total.
func (d *Database) MarkCampaignSending(ctx context.Context, id int64, totalMessages int) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, total_messages = total_messages + ?
		WHERE id = ? AND status IN (?, ?)
	`, models.CampaignStatusSending, totalMessages, id,
		models.CampaignStatusDraft, models.CampaignStatusSending)
	if err != nil {
		return fmt.Errorf("failed to mark campaign sending: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("campaign %d is not launchable", id)
	}
	return nil
}

// MarkCampaignCompleted sets completed status and completed_at together;
// one is never present without the other. Guarded so repeat checks no-op.
func (d *Database) MarkCampaignCompleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := d.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, models.CampaignStatusCompleted, at.UTC(), id, models.CampaignStatusSending)
	if err != nil {
		return false, fmt.Errorf("failed to mark campaign completed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

// MarkCampaignFailed is the terminal state for configuration errors.
func (d *Database) MarkCampaignFailed(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE campaigns SET status = ? WHERE id = ? AND status NOT IN (?, ?)
	`, models.CampaignStatusFailed, id,
		models.CampaignStatusCompleted, models.CampaignStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark campaign failed: %w", err)
	}
	return nil
}

// IncrementCampaignInteractions bumps the interaction counter.
func (d *Database) IncrementCampaignInteractions(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE campaigns SET interaction_count = interaction_count + 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to bump campaign interaction count: %w", err)
	}
	return nil
}

// GetCampaignStats returns the read-side aggregate for the statistics layer.
func (d *Database) GetCampaignStats(ctx context.Context, id int64) (*models.CampaignStats, error) {
	campaign, err := d.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, nil
	}

	var pending int
	err = d.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE campaign_id = ? AND status = ?
	`, id, models.MessageStatusPending).Scan(&pending)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending messages: %w", err)
	}

	return &models.CampaignStats{
		CampaignID:       campaign.ID,
		Status:           campaign.Status,
		TotalMessages:    campaign.TotalMessages,
		SentCount:        campaign.SentCount,
		SuccessCount:     campaign.SuccessCount,
		FailedCount:      campaign.FailedCount,
		InteractionCount: campaign.InteractionCount,
		PendingCount:     pending,
		CompletedAt:      campaign.CompletedAt,
	}, nil
}

// ListSendingCampaigns returns IDs of campaigns still in sending state, for
// the periodic completion sweep.
func (d *Database) ListSendingCampaigns(ctx context.Context) ([]int64, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id FROM campaigns WHERE status = ?
	`, models.CampaignStatusSending)
	if err != nil {
		return nil, fmt.Errorf("failed to list sending campaigns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan campaign ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
