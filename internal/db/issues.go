package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/wesm/stalewatch/internal/models"
)

const issueColumns = `id, repository_id, remote_id, number, title, url, state, labels, assignee,
	last_activity, is_stale, last_notified`

func scanIssue(row interface{ Scan(...any) error }) (*models.Issue, error) {
	var (
		issue        models.Issue
		labels       string
		assignee     sql.NullString
		lastNotified sql.NullTime
	)
	err := row.Scan(&issue.ID, &issue.RepositoryID, &issue.RemoteID, &issue.Number, &issue.Title,
		&issue.URL, &issue.State, &labels, &assignee, &issue.LastActivity, &issue.IsStale, &lastNotified)
	if err != nil {
		return nil, err
	}
	if issue.Labels, err = decodeStrings(labels); err != nil {
		return nil, err
	}
	if assignee.Valid {
		login := assignee.String
		issue.Assignee = &login
	}
	issue.LastNotified = timePtr(lastNotified)
	return &issue, nil
}

// UpsertIssue saves a fetched issue, matching on its GitHub id within the
// repository. New rows start as not stale; created reports whether the row is
// new.
func (db *DB) UpsertIssue(ctx context.Context, repoID int64, issue *models.RemoteIssue) (created bool, err error) {
	const op = "upsert issue"
	labels, err := encodeJSON(nonNil(issue.Labels))
	if err != nil {
		return false, storageErr(op, err)
	}

	var assignee sql.NullString
	if issue.Assignee != nil {
		assignee = sql.NullString{String: *issue.Assignee, Valid: true}
	}

	err = db.withTx(ctx, op, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM issues WHERE repository_id = ? AND remote_id = ?`, repoID, issue.RemoteID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			created = true
		case err != nil:
			return err
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO issues (repository_id, remote_id, number, title, url, state, labels, assignee, last_activity, is_stale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(repository_id, remote_id) DO UPDATE SET
			number = excluded.number,
			title = excluded.title,
			url = excluded.url,
			state = excluded.state,
			labels = excluded.labels,
			assignee = excluded.assignee,
			last_activity = excluded.last_activity`,
			repoID, issue.RemoteID, issue.Number, issue.Title, issue.URL, issue.State, labels, assignee,
			issue.UpdatedAt.UTC())
		return err
	})
	return created, err
}

// ListIssuesByRepository returns every locally known issue of a repository
func (db *DB) ListIssuesByRepository(ctx context.Context, repoID int64) ([]models.Issue, error) {
	return db.queryIssues(ctx, "list issues by repository",
		`SELECT `+issueColumns+` FROM issues WHERE repository_id = ? ORDER BY number`, repoID)
}

// ListStaleIssues returns the issues currently flagged stale in a repository
func (db *DB) ListStaleIssues(ctx context.Context, repoID int64) ([]models.Issue, error) {
	return db.queryIssues(ctx, "list stale issues",
		`SELECT `+issueColumns+` FROM issues WHERE repository_id = ? AND is_stale = 1 ORDER BY number`, repoID)
}

// GetIssues loads issues by local ID, skipping IDs that do not exist
func (db *DB) GetIssues(ctx context.Context, ids []int64) ([]models.Issue, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return db.queryIssues(ctx, "get issues",
		`SELECT `+issueColumns+` FROM issues WHERE id IN (`+placeholders(len(ids))+`) ORDER BY repository_id, number`, args...)
}

func (db *DB) queryIssues(ctx context.Context, op, query string, args ...any) ([]models.Issue, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var issues []models.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		issues = append(issues, *issue)
	}
	return issues, storageErr(op, rows.Err())
}

// UpdateStaleness writes recomputed stale flags in one transaction
func (db *DB) UpdateStaleness(ctx context.Context, flags map[int64]bool) error {
	if len(flags) == 0 {
		return nil
	}
	return db.withTx(ctx, "update staleness", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE issues SET is_stale = ? WHERE id = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for id, stale := range flags {
			if _, err := stmt.ExecContext(ctx, stale, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkNotified stamps last_notified on the given issues
func (db *DB) MarkNotified(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := db.ExecContext(ctx,
		`UPDATE issues SET last_notified = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return storageErr("mark notified", err)
}

// CountIssues returns how many issues are stored for a repository
func (db *DB) CountIssues(ctx context.Context, repoID int64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM issues WHERE repository_id = ?`, repoID).Scan(&n)
	return n, storageErr("count issues", err)
}
