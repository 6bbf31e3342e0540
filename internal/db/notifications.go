package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wesm/stalewatch/internal/models"
)

const notificationColumns = `id, user_id, repository_id, issue_ids, status, mode, provider_message_id,
	sent_at, delivered_at, deferred_until, error, created_at`

func scanNotification(row interface{ Scan(...any) error }) (*models.NotificationRecord, error) {
	var (
		rec                               models.NotificationRecord
		issueIDs, status, mode            string
		sentAt, deliveredAt, deferredTill sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.RepositoryID, &issueIDs, &status, &mode,
		&rec.ProviderMessageID, &sentAt, &deliveredAt, &deferredTill, &rec.Error, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(issueIDs), &rec.IssueIDs); err != nil {
		return nil, fmt.Errorf("invalid issue ids: %w", err)
	}
	rec.Status = models.NotificationStatus(status)
	rec.Mode = models.NotificationMode(mode)
	rec.SentAt = timePtr(sentAt)
	rec.DeliveredAt = timePtr(deliveredAt)
	rec.DeferredUntil = timePtr(deferredTill)
	return &rec, nil
}

// InsertNotification appends a notification record
func (db *DB) InsertNotification(ctx context.Context, rec *models.NotificationRecord) error {
	const op = "insert notification"
	ids, err := encodeJSON(rec.IssueIDs)
	if err != nil {
		return storageErr(op, err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = db.now().UTC()
	}

	_, err = db.ExecContext(ctx, `
	INSERT INTO notification_records (id, user_id, repository_id, issue_ids, status, mode,
		provider_message_id, sent_at, delivered_at, deferred_until, error, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.RepositoryID, ids, string(rec.Status), string(rec.Mode),
		rec.ProviderMessageID, nullTime(rec.SentAt), nullTime(rec.DeliveredAt), nullTime(rec.DeferredUntil),
		rec.Error, rec.CreatedAt.UTC())
	return storageErr(op, err)
}

// ListPendingNotifications returns pending records of the given mode, oldest first
func (db *DB) ListPendingNotifications(ctx context.Context, mode models.NotificationMode) ([]models.NotificationRecord, error) {
	return db.queryNotifications(ctx, "list pending notifications",
		`SELECT `+notificationColumns+` FROM notification_records
		WHERE status = ? AND mode = ? ORDER BY created_at, id`,
		string(models.StatusPending), string(mode))
}

// ListNotificationsByUser returns a user's notification history, newest first
func (db *DB) ListNotificationsByUser(ctx context.Context, userID int64) ([]models.NotificationRecord, error) {
	return db.queryNotifications(ctx, "list notifications by user",
		`SELECT `+notificationColumns+` FROM notification_records WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
}

// ListNotificationsByMessageID returns the records covered by one provider message
func (db *DB) ListNotificationsByMessageID(ctx context.Context, messageID string) ([]models.NotificationRecord, error) {
	return db.queryNotifications(ctx, "list notifications by message",
		`SELECT `+notificationColumns+` FROM notification_records WHERE provider_message_id = ? ORDER BY id`, messageID)
}

func (db *DB) queryNotifications(ctx context.Context, op, query string, args ...any) ([]models.NotificationRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var recs []models.NotificationRecord
	for rows.Next() {
		rec, err := scanNotification(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		recs = append(recs, *rec)
	}
	return recs, storageErr(op, rows.Err())
}

// MarkNotificationsSent moves pending records to sent under one provider message id
func (db *DB) MarkNotificationsSent(ctx context.Context, ids []string, messageID string, sentAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{string(models.StatusSent), messageID, sentAt.UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(models.StatusPending))
	_, err := db.ExecContext(ctx, `
	UPDATE notification_records SET status = ?, provider_message_id = ?, sent_at = ?, deferred_until = NULL
	WHERE id IN (`+placeholders(len(ids))+`) AND status = ?`, args...)
	return storageErr("mark notifications sent", err)
}

// MarkNotificationsFailed moves pending records to failed
func (db *DB) MarkNotificationsFailed(ctx context.Context, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{string(models.StatusFailed), reason}
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(models.StatusPending))
	_, err := db.ExecContext(ctx, `
	UPDATE notification_records SET status = ?, error = ?
	WHERE id IN (`+placeholders(len(ids))+`) AND status = ?`, args...)
	return storageErr("mark notifications failed", err)
}

// TransitionNotificationStatus applies a delivery status to every record of a
// provider message that is in one of the from states. Terminal records are
// never touched. It returns the number of records changed.
func (db *DB) TransitionNotificationStatus(ctx context.Context, messageID string, from []models.NotificationStatus, to models.NotificationStatus, at time.Time) (int, error) {
	const op = "transition notification status"
	if len(from) == 0 {
		return 0, nil
	}

	var deliveredAt sql.NullTime
	if to == models.StatusDelivered {
		deliveredAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}

	args := []any{string(to), deliveredAt, messageID}
	for _, s := range from {
		if s.Terminal() {
			return 0, storageErr(op, fmt.Errorf("cannot transition from terminal status %q", s))
		}
		args = append(args, string(s))
	}

	res, err := db.ExecContext(ctx, `
	UPDATE notification_records SET status = ?, delivered_at = COALESCE(?, delivered_at)
	WHERE provider_message_id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return 0, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	return int(n), storageErr(op, err)
}
