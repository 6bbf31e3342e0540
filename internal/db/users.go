package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/wesm/stalewatch/internal/models"
)

const userColumns = `id, email, access_token, refresh_token, token_expiry, needs_reauth,
	email_frequency, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, timezone,
	pause_notifications, bounce_count`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var (
		u         models.User
		expiry    sql.NullTime
		frequency string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Credentials.AccessToken, &u.Credentials.RefreshToken, &expiry,
		&u.NeedsReauth, &frequency, &u.Preferences.QuietHours.Enabled, &u.Preferences.QuietHours.Start,
		&u.Preferences.QuietHours.End, &u.Preferences.Timezone, &u.Preferences.PauseNotifications,
		&u.Preferences.BounceCount)
	if err != nil {
		return nil, err
	}
	if expiry.Valid {
		u.Credentials.Expiry = expiry.Time
	}
	u.Preferences.EmailFrequency = models.EmailFrequency(frequency)
	return &u, nil
}

// CreateUser inserts a user and sets its ID
func (db *DB) CreateUser(ctx context.Context, user *models.User) error {
	const op = "create user"
	prefs := user.Preferences
	if prefs.EmailFrequency == "" {
		prefs.EmailFrequency = models.FrequencyImmediate
	}

	res, err := db.ExecContext(ctx, `
	INSERT INTO users (email, access_token, refresh_token, token_expiry, email_frequency,
		quiet_hours_enabled, quiet_hours_start, quiet_hours_end, timezone, pause_notifications)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.Email, user.Credentials.AccessToken, user.Credentials.RefreshToken,
		nullTime(&user.Credentials.Expiry), string(prefs.EmailFrequency), prefs.QuietHours.Enabled,
		prefs.QuietHours.Start, prefs.QuietHours.End, prefs.Timezone, prefs.PauseNotifications)
	if err != nil {
		return storageErr(op, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return storageErr(op, err)
	}
	user.ID = id
	user.Preferences = prefs
	return nil
}

// GetUser gets a user by ID
func (db *DB) GetUser(ctx context.Context, id int64) (*models.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storageErr("get user", ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return user, nil
}

// GetUserByEmail gets a user by email address; a missing user is (nil, nil)
func (db *DB) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get user by email", err)
	}
	return user, nil
}

// SaveCredentials stores refreshed tokens and clears the re-auth flag
func (db *DB) SaveCredentials(ctx context.Context, userID int64, creds models.Credentials) error {
	_, err := db.ExecContext(ctx, `
	UPDATE users SET access_token = ?, refresh_token = ?, token_expiry = ?, needs_reauth = 0
	WHERE id = ?`,
		creds.AccessToken, creds.RefreshToken, nullTime(&creds.Expiry), userID)
	return storageErr("save credentials", err)
}

// MarkUserNeedsReauth flags a user whose credentials GitHub rejected
func (db *DB) MarkUserNeedsReauth(ctx context.Context, userID int64) error {
	_, err := db.ExecContext(ctx, `UPDATE users SET needs_reauth = 1 WHERE id = ?`, userID)
	return storageErr("mark user needs reauth", err)
}

// UpdateNotificationPreferences replaces a user's delivery settings
func (db *DB) UpdateNotificationPreferences(ctx context.Context, userID int64, prefs models.UserNotificationPreferences) error {
	_, err := db.ExecContext(ctx, `
	UPDATE users SET email_frequency = ?, quiet_hours_enabled = ?, quiet_hours_start = ?,
		quiet_hours_end = ?, timezone = ?, pause_notifications = ?, bounce_count = ?
	WHERE id = ?`,
		string(prefs.EmailFrequency), prefs.QuietHours.Enabled, prefs.QuietHours.Start,
		prefs.QuietHours.End, prefs.Timezone, prefs.PauseNotifications, prefs.BounceCount, userID)
	return storageErr("update notification preferences", err)
}

// PauseNotifications stops all email to a user
func (db *DB) PauseNotifications(ctx context.Context, userID int64) error {
	_, err := db.ExecContext(ctx, `UPDATE users SET pause_notifications = 1 WHERE id = ?`, userID)
	return storageErr("pause notifications", err)
}

// RecordBounce increments the user's bounce count and pauses notifications on
// a hard bounce or once the count reaches threshold. It returns the updated
// preferences.
func (db *DB) RecordBounce(ctx context.Context, userID int64, hard bool, threshold int) (*models.UserNotificationPreferences, error) {
	const op = "record bounce"
	var user *models.User
	err := db.withTx(ctx, op, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
		UPDATE users SET
			bounce_count = bounce_count + 1,
			pause_notifications = CASE WHEN ? OR bounce_count + 1 >= ? THEN 1 ELSE pause_notifications END
		WHERE id = ?`, hard, threshold, userID)
		if err != nil {
			return err
		}

		user, err = scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &user.Preferences, nil
}
