package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/rules"
)

const repositoryColumns = `id, user_id, full_name, is_active, last_checked, last_issue_count, deactivation_reason`

func scanRepository(row interface{ Scan(...any) error }) (*models.Repository, error) {
	var (
		repo        models.Repository
		lastChecked sql.NullTime
		reason      string
	)
	err := row.Scan(&repo.ID, &repo.UserID, &repo.FullName, &repo.IsActive, &lastChecked,
		&repo.LastIssueCount, &reason)
	if err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		repo.LastChecked = lastChecked.Time
	}
	repo.DeactivationReason = models.DeactivationReason(reason)
	return &repo, nil
}

// CreateRepository inserts a repository and sets its ID
func (db *DB) CreateRepository(ctx context.Context, repo *models.Repository) error {
	const op = "create repository"
	res, err := db.ExecContext(ctx, `
	INSERT INTO repositories (user_id, full_name, is_active)
	VALUES (?, ?, ?)`,
		repo.UserID, repo.FullName, repo.IsActive)
	if err != nil {
		return storageErr(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr(op, err)
	}
	repo.ID = id
	return nil
}

// GetRepository gets a repository by ID
func (db *DB) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	row := db.QueryRowContext(ctx, `SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storageErr("get repository", ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get repository", err)
	}
	return repo, nil
}

// GetRepositoryByFullName gets a user's repository by its full name; a
// missing repository is (nil, nil)
func (db *DB) GetRepositoryByFullName(ctx context.Context, userID int64, fullName string) (*models.Repository, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE user_id = ? AND full_name = ?`, userID, fullName)
	repo, err := scanRepository(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get repository by full name", err)
	}
	return repo, nil
}

// ListActiveRepositories returns every repository the scheduler should sync
func (db *DB) ListActiveRepositories(ctx context.Context) ([]models.Repository, error) {
	const op = "list active repositories"
	rows, err := db.QueryContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var repos []models.Repository
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		repos = append(repos, *repo)
	}
	return repos, storageErr(op, rows.Err())
}

// UpdateRepositoryCheck records when a repository was last synced
func (db *DB) UpdateRepositoryCheck(ctx context.Context, repoID int64, checkedAt time.Time, issueCount int) error {
	_, err := db.ExecContext(ctx,
		`UPDATE repositories SET last_checked = ?, last_issue_count = ? WHERE id = ?`,
		checkedAt.UTC(), issueCount, repoID)
	return storageErr("update repository check", err)
}

// DeactivateRepository stops syncing a repository and prunes its issues. The
// repository row itself is kept.
func (db *DB) DeactivateRepository(ctx context.Context, repoID int64, reason models.DeactivationReason) error {
	return db.withTx(ctx, "deactivate repository", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE repositories SET is_active = 0, deactivation_reason = ? WHERE id = ?`,
			string(reason), repoID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE repository_id = ?`, repoID); err != nil {
			return fmt.Errorf("failed to prune issues: %w", err)
		}
		return nil
	})
}

// ActivateRepository turns syncing back on. The check time is cleared so the
// next sync fetches everything again.
func (db *DB) ActivateRepository(ctx context.Context, repoID int64) error {
	_, err := db.ExecContext(ctx, `
	UPDATE repositories SET is_active = 1, deactivation_reason = '', last_checked = NULL, last_issue_count = 0
	WHERE id = ?`, repoID)
	return storageErr("activate repository", err)
}

// CreateRule validates and inserts a rule
func (db *DB) CreateRule(ctx context.Context, rule *models.Rule) error {
	const op = "create rule"
	if err := rules.Validate(rule); err != nil {
		return err
	}

	labels, err := encodeJSON(nonNil(rule.Labels))
	if err != nil {
		return storageErr(op, err)
	}
	states, err := encodeJSON(rule.IssueStates)
	if err != nil {
		return storageErr(op, err)
	}
	assignee, err := encodeJSON(rule.Assignee)
	if err != nil {
		return storageErr(op, err)
	}

	res, err := db.ExecContext(ctx, `
	INSERT INTO rules (repository_id, name, inactivity_days, labels, issue_states, assignee, is_active)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rule.RepositoryID, rule.Name, rule.InactivityDays, labels, states, assignee, rule.IsActive)
	if err != nil {
		return storageErr(op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr(op, err)
	}
	rule.ID = id
	return nil
}

// ListRules returns all rules of a repository, active or not
func (db *DB) ListRules(ctx context.Context, repoID int64) ([]models.Rule, error) {
	return db.listRules(ctx, repoID, false)
}

// ListActiveRules returns the rules the staleness evaluation uses
func (db *DB) ListActiveRules(ctx context.Context, repoID int64) ([]models.Rule, error) {
	return db.listRules(ctx, repoID, true)
}

func (db *DB) listRules(ctx context.Context, repoID int64, activeOnly bool) ([]models.Rule, error) {
	const op = "list rules"
	query := `SELECT id, repository_id, name, inactivity_days, labels, issue_states, assignee, is_active
	FROM rules WHERE repository_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY id`

	rows, err := db.QueryContext(ctx, query, repoID)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var result []models.Rule
	for rows.Next() {
		var (
			rule                     models.Rule
			labels, states, assignee string
		)
		if err := rows.Scan(&rule.ID, &rule.RepositoryID, &rule.Name, &rule.InactivityDays,
			&labels, &states, &assignee, &rule.IsActive); err != nil {
			return nil, storageErr(op, err)
		}
		if rule.Labels, err = decodeStrings(labels); err != nil {
			return nil, storageErr(op, err)
		}
		if rule.IssueStates, err = decodeStrings(states); err != nil {
			return nil, storageErr(op, err)
		}
		if err := rule.Assignee.UnmarshalJSON([]byte(assignee)); err != nil {
			return nil, storageErr(op, err)
		}
		result = append(result, rule)
	}
	return result, storageErr(op, rows.Err())
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
