package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"campflow/internal/models"
)

const messageColumns = `
	id, campaign_id, contact_id, kind, content, status,
	provider_message_id, error_code, error_message, retry_count,
	next_attempt_at, sent_at, delivered_at, read_at, created_at, updated_at
`

func scanMessage(row interface{ Scan(...interface{}) error }) (*models.Message, error) {
	msg := &models.Message{}
	err := row.Scan(
		&msg.ID,
		&msg.CampaignID,
		&msg.ContactID,
		&msg.Kind,
		&msg.Content,
		&msg.Status,
		&msg.ProviderMessageID,
		&msg.ErrorCode,
		&msg.ErrorMessage,
		&msg.RetryCount,
		&msg.NextAttemptAt,
		&msg.SentAt,
		&msg.DeliveredAt,
		&msg.ReadAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return msg, nil
}

// CreateMessage inserts a new pending message and returns its ID.
func (d *Database) CreateMessage(ctx context.Context, msg *models.Message) (int64, error) {
	now := time.Now().UTC()
	nextAttempt := msg.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = now
	}

	query := `
		INSERT INTO messages (
			campaign_id, contact_id, kind, content, status,
			retry_count, next_attempt_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`

	result, err := d.db.ExecContext(ctx, query,
		msg.CampaignID, msg.ContactID, msg.Kind, msg.Content,
		models.MessageStatusPending, nextAttempt, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get message ID: %w", err)
	}
	return id, nil
}

func (d *Database) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`
	return scanMessage(d.db.QueryRowContext(ctx, query, id))
}

func (d *Database) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE provider_message_id = ?`
	return scanMessage(d.db.QueryRowContext(ctx, query, providerMessageID))
}

// NextDueMessage returns the pending message with the earliest elapsed
// not-before timestamp, or nil when nothing is due. This is the head of the
// dispatcher's delayed-work queue.
func (d *Database) NextDueMessage(ctx context.Context, now time.Time) (*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = ? AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, id ASC
		LIMIT 1
	`
	return scanMessage(d.db.QueryRowContext(ctx, query, models.MessageStatusPending, now.UTC()))
}

// MarkMessageSent transitions pending -> sent and stores the provider ID.
// The status guard in the WHERE clause makes re-invocations no-ops.
func (d *Database) MarkMessageSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, provider_message_id = ?, sent_at = ?, error_code = NULL, error_message = NULL
		WHERE id = ? AND status = ?
	`, models.MessageStatusSent, providerMessageID, sentAt.UTC(), id, models.MessageStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark message sent: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		// Already sent or terminal; nothing to do.
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET sent_count = sent_count + 1 WHERE id = (SELECT campaign_id FROM messages WHERE id = ?)
	`, id); err != nil {
		return fmt.Errorf("failed to bump campaign sent count: %w", err)
	}

	return tx.Commit()
}

// ScheduleMessageRetry records a failed attempt and pushes the message back
// into the queue at the given not-before time. Status stays pending.
func (d *Database) ScheduleMessageRetry(ctx context.Context, id int64, errorCode, errorMessage string, nextAttempt time.Time) error {
	result, err := d.db.ExecContext(ctx, `
		UPDATE messages
		SET retry_count = retry_count + 1, error_code = ?, error_message = ?, next_attempt_at = ?
		WHERE id = ? AND status = ?
	`, errorCode, errorMessage, nextAttempt.UTC(), id, models.MessageStatusPending)
	if err != nil {
		return fmt.Errorf("failed to schedule message retry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no pending message with ID %d", id)
	}
	return nil
}

// DeferMessage pushes a pending message's not-before time forward without
// touching its retry budget. Used for safety-gate deferrals and ban-risk
// pauses, which never consume a retry slot.
func (d *Database) DeferMessage(ctx context.Context, id int64, notBefore time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE messages SET next_attempt_at = ? WHERE id = ? AND status = ?
	`, notBefore.UTC(), id, models.MessageStatusPending)
	if err != nil {
		return fmt.Errorf("failed to defer message: %w", err)
	}
	return nil
}

// MarkMessageFailed transitions a message to terminal failed and bumps the
// owning campaign's failed counter, in one transaction.
func (d *Database) MarkMessageFailed(ctx context.Context, id int64, errorCode, errorMessage string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, retry_count = retry_count + 1, error_code = ?, error_message = ?
		WHERE id = ? AND status IN (?, ?)
	`, models.MessageStatusFailed, errorCode, errorMessage, id,
		models.MessageStatusPending, models.MessageStatusSent)
	if err != nil {
		return fmt.Errorf("failed to mark message failed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET failed_count = failed_count + 1 WHERE id = (SELECT campaign_id FROM messages WHERE id = ?)
	`, id); err != nil {
		return fmt.Errorf("failed to bump campaign failed count: %w", err)
	}

	return tx.Commit()
}

// ApplyStatusUpdate applies a delivery-state transition reported by the
// provider. The transition table guards the update: duplicate or late
// events that do not change state affect zero rows and increment nothing.
func (d *Database) ApplyStatusUpdate(ctx context.Context, id int64, newStatus models.MessageStatus, at time.Time) (bool, error) {
	msg, err := d.GetMessage(ctx, id)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, fmt.Errorf("no message with ID %d", id)
	}
	if !models.CanTransition(msg.Status, newStatus) {
		return false, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.Result
	switch newStatus {
	case models.MessageStatusDelivered:
		result, err = tx.ExecContext(ctx, `
			UPDATE messages SET status = ?, delivered_at = ? WHERE id = ? AND status = ?
		`, newStatus, at.UTC(), id, msg.Status)
	case models.MessageStatusRead:
		result, err = tx.ExecContext(ctx, `
			UPDATE messages SET status = ?, read_at = ?, delivered_at = COALESCE(delivered_at, ?) WHERE id = ? AND status = ?
		`, newStatus, at.UTC(), at.UTC(), id, msg.Status)
	default:
		result, err = tx.ExecContext(ctx, `
			UPDATE messages SET status = ? WHERE id = ? AND status = ?
		`, newStatus, id, msg.Status)
	}
	if err != nil {
		return false, fmt.Errorf("failed to apply status update: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		// Lost a race with a concurrent transition; treat as replay.
		return false, tx.Commit()
	}

	// Success counter counts first confirmation of delivery only.
	if newStatus == models.MessageStatusDelivered ||
		(newStatus == models.MessageStatusRead && msg.Status == models.MessageStatusSent) {
		if _, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET success_count = success_count + 1 WHERE id = ?
		`, msg.CampaignID); err != nil {
			return false, fmt.Errorf("failed to bump campaign success count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// MarkNoInteraction expires a delivered initial message that never got a
// reply. Returns false when the message was already terminal (repeat sweeps
// are no-ops).
func (d *Database) MarkNoInteraction(ctx context.Context, id int64) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = ? WHERE id = ? AND status IN (?, ?)
	`, models.MessageStatusNoInteraction, id, models.MessageStatusDelivered, models.MessageStatusRead)
	if err != nil {
		return false, fmt.Errorf("failed to mark no interaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns SET failed_count = failed_count + 1 WHERE id = (SELECT campaign_id FROM messages WHERE id = ?)
	`, id); err != nil {
		return false, fmt.Errorf("failed to bump campaign failed count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// FindRecentDeliveredInitial returns the contact's most recent initial
// message delivered after the cutoff, or nil.
func (d *Database) FindRecentDeliveredInitial(ctx context.Context, contactID int64, deliveredAfter time.Time) (*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE contact_id = ? AND kind = ? AND status IN (?, ?) AND delivered_at >= ?
		ORDER BY delivered_at DESC
		LIMIT 1
	`
	return scanMessage(d.db.QueryRowContext(ctx, query,
		contactID, models.MessageKindInitial,
		models.MessageStatusDelivered, models.MessageStatusRead,
		deliveredAfter.UTC()))
}

// HasMessage reports whether a message of the given kind, in any status,
// already exists for the (campaign, contact) pair.
func (d *Database) HasMessage(ctx context.Context, campaignID, contactID int64, kind models.MessageKind) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE campaign_id = ? AND contact_id = ? AND kind = ?
	`, campaignID, contactID, kind).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return count > 0, nil
}

// FollowupExists reports whether a follow-up message of any status already
// exists for the (campaign, contact) pair.
func (d *Database) FollowupExists(ctx context.Context, campaignID, contactID int64) (bool, error) {
	return d.HasMessage(ctx, campaignID, contactID, models.MessageKindFollowup)
}

// ListExpiredAwaitingReply returns initial messages delivered before the
// cutoff that have neither a follow-up nor a reply interaction.
func (d *Database) ListExpiredAwaitingReply(ctx context.Context, deliveredBefore time.Time) ([]*models.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.kind = ? AND m.status IN (?, ?) AND m.delivered_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM messages f
			WHERE f.campaign_id = m.campaign_id AND f.contact_id = m.contact_id AND f.kind = ?
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM interactions i
			WHERE i.campaign_id = m.campaign_id AND i.contact_id = m.contact_id AND i.kind = ?
		  )
		ORDER BY m.delivered_at ASC
	`
	rows, err := d.db.QueryContext(ctx, query,
		models.MessageKindInitial,
		models.MessageStatusDelivered, models.MessageStatusRead,
		deliveredBefore.UTC(),
		models.MessageKindFollowup,
		models.InteractionKindReply,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CountOpenMessages returns the number of campaign messages the dispatcher
// or automation still has work for: pending, sent, and delivered/read
// initials still inside the reply window without a follow-up.
func (d *Database) CountOpenMessages(ctx context.Context, campaignID int64, replyWindowStart time.Time) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM messages WHERE campaign_id = ? AND status IN (?, ?))
			+
			(SELECT COUNT(1) FROM messages m
			 WHERE m.campaign_id = ? AND m.kind = ? AND m.status IN (?, ?)
			   AND m.delivered_at >= ?
			   AND NOT EXISTS (
				SELECT 1 FROM messages f
				WHERE f.campaign_id = m.campaign_id AND f.contact_id = m.contact_id AND f.kind = ?
			   ))
	`,
		campaignID, models.MessageStatusPending, models.MessageStatusSent,
		campaignID, models.MessageKindInitial,
		models.MessageStatusDelivered, models.MessageStatusRead,
		replyWindowStart.UTC(),
		models.MessageKindFollowup,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open messages: %w", err)
	}
	return count, nil
}

// GetStaleSentCount counts messages stuck in sent without a delivery ack
// past the threshold.
func (d *Database) GetStaleSentCount(ctx context.Context, threshold time.Duration) (int, error) {
	var count int
	cutoff := time.Now().UTC().Add(-threshold)
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages WHERE status = ? AND sent_at < ?
	`, models.MessageStatusSent, cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale messages: %w", err)
	}
	return count, nil
}

// CleanupOldRecords removes terminal messages and their interactions past
// the retention window. Non-terminal rows are never deleted.
func (d *Database) CleanupOldRecords(ctx context.Context, retentionDays int) error {
	_, err := d.db.ExecContext(ctx, `
		DELETE FROM interactions
		WHERE received_at < datetime('now', '-' || ? || ' days')
	`, retentionDays)
	if err != nil {
		return fmt.Errorf("failed to cleanup old interactions: %w", err)
	}

	_, err = d.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE created_at < datetime('now', '-' || ? || ' days')
		  AND status IN (?, ?, ?, ?)
	`, retentionDays,
		models.MessageStatusDelivered, models.MessageStatusRead,
		models.MessageStatusFailed, models.MessageStatusNoInteraction)
	if err != nil {
		return fmt.Errorf("failed to cleanup old messages: %w", err)
	}

	return nil
}
