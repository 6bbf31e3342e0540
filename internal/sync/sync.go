package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
	"github.com/wesm/stalewatch/internal/rules"
)

// IssueTracker is the remote side of a sync
type IssueTracker interface {
	ProbeAccess(ctx context.Context, owner, name string, creds models.Credentials) (bool, error)
	ListIssues(ctx context.Context, owner, name string, creds models.Credentials, since time.Time) ([]models.RemoteIssue, error)
}

// CredentialRefresher exchanges a refresh token for fresh credentials
type CredentialRefresher interface {
	Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error)
}

// Store is the persistence the syncer needs
type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	SaveCredentials(ctx context.Context, userID int64, creds models.Credentials) error
	MarkUserNeedsReauth(ctx context.Context, userID int64) error
	ListActiveRules(ctx context.Context, repoID int64) ([]models.Rule, error)
	UpsertIssue(ctx context.Context, repoID int64, issue *models.RemoteIssue) (bool, error)
	ListIssuesByRepository(ctx context.Context, repoID int64) ([]models.Issue, error)
	UpdateStaleness(ctx context.Context, flags map[int64]bool) error
	UpdateRepositoryCheck(ctx context.Context, repoID int64, checkedAt time.Time, issueCount int) error
	DeactivateRepository(ctx context.Context, repoID int64, reason models.DeactivationReason) error
}

// TransitionNotifier receives the issues that just became stale
type TransitionNotifier interface {
	NotifyTransitions(ctx context.Context, userID, repositoryID int64, issueIDs []int64) error
}

// Status summarizes how a repository sync ended
type Status string

const (
	StatusOK             Status = "ok"
	StatusAccessRevoked  Status = "access_revoked"
	StatusReauthRequired Status = "reauth_required"
	StatusRateLimited    Status = "rate_limited"
	StatusFailed         Status = "failed"
)

// SyncResult is the outcome of one repository sync
type SyncResult struct {
	RepositoryID  int64
	FullName      string
	Status        Status
	TotalIssues   int
	NewIssues     int
	UpdatedIssues int
	StaleIssues   int
	Transitions   []models.Transition
	// RetryAfter is GitHub's rate-limit hint when Status is rate_limited
	RetryAfter time.Duration
}

// Reason is a user-facing explanation for a sync that did not complete
func (r *SyncResult) Reason() string {
	switch r.Status {
	case StatusAccessRevoked:
		return "access revoked, please reconnect the repository"
	case StatusReauthRequired:
		return "GitHub rejected your credentials, please sign in again"
	case StatusRateLimited:
		if r.RetryAfter > 0 {
			return fmt.Sprintf("GitHub rate limit reached, try again in %s", r.RetryAfter.Round(time.Second))
		}
		return "GitHub rate limit reached, try again later"
	case StatusFailed:
		return "sync failed, it will be retried on the next cycle"
	default:
		return ""
	}
}

// Syncer handles syncing GitHub issues to the local database and keeping their
// stale flags current
type Syncer struct {
	store     Store
	tracker   IssueTracker
	refresher CredentialRefresher
	notifier  TransitionNotifier
	guard     *resilience.Guard
	logger    *zap.Logger
	now       func() time.Time
}

// Option customizes a Syncer
type Option func(*Syncer)

// WithRefresher enables the refresh-token exchange on auth failures
func WithRefresher(r CredentialRefresher) Option {
	return func(s *Syncer) { s.refresher = r }
}

// WithNotifier forwards staleness transitions after each sync
func WithNotifier(n TransitionNotifier) Option {
	return func(s *Syncer) { s.notifier = n }
}

// WithGuard sets the breaker/retry wrapper used for GitHub and store calls
func WithGuard(g *resilience.Guard) Option {
	return func(s *Syncer) { s.guard = g }
}

// WithLogger sets the syncer's logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a new syncer
func New(store Store, tracker IssueTracker, opts ...Option) *Syncer {
	s := &Syncer{
		store:   store,
		tracker: tracker,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.guard == nil {
		s.guard = resilience.NewGuard(nil, resilience.NewRetrier(resilience.WithRetryLogger(s.logger)))
	}
	return s
}

// SyncRepository fetches a repository's issues, stores them and re-evaluates
// staleness for every known issue. Access problems are reported through the
// result status; only unexpected failures are returned as errors. The
// repository's check time advances on every path.
func (s *Syncer) SyncRepository(ctx context.Context, repo *models.Repository) (result *SyncResult, err error) {
	result = &SyncResult{RepositoryID: repo.ID, FullName: repo.FullName, Status: StatusFailed}
	logger := s.logger.With(zap.String("repository", repo.FullName), zap.Int64("repository_id", repo.ID))
	now := s.now()
	issueCount := repo.LastIssueCount

	defer func() {
		// independent of ctx so a cancelled caller still records progress
		checkCtx := context.WithoutCancel(ctx)
		if uerr := s.storeCall(checkCtx, "update repository check", func(ctx context.Context) error {
			return s.store.UpdateRepositoryCheck(ctx, repo.ID, now, issueCount)
		}); uerr != nil {
			logger.Error("failed to record repository check", zap.Error(uerr))
			if err == nil {
				err = uerr
			}
		}
	}()

	owner, name, err := ParseRepositoryString(repo.FullName)
	if err != nil {
		return result, resilience.Wrap(resilience.KindValidation, "sync repository", err)
	}

	user, err := s.loadUser(ctx, repo.UserID)
	if err != nil {
		return result, err
	}

	// Verify access first
	ok, err := withCredentials(ctx, s, user, "probe repository", func(ctx context.Context, creds models.Credentials) (bool, error) {
		return s.tracker.ProbeAccess(ctx, owner, name, creds)
	})
	if err != nil {
		return s.handleFailure(ctx, logger, repo, result, err)
	}
	if !ok {
		logger.Warn("repository access revoked, deactivating")
		if derr := s.deactivate(ctx, repo, models.DeactivationAccessRevoked); derr != nil {
			return result, derr
		}
		issueCount = 0
		result.Status = StatusAccessRevoked
		return result, nil
	}

	// Incremental fetch once the repository has been checked before
	since := repo.LastChecked
	logger.Debug("fetching issues", zap.Time("since", since), zap.Bool("incremental", !since.IsZero()))
	fetched, err := withCredentials(ctx, s, user, "list issues", func(ctx context.Context, creds models.Credentials) ([]models.RemoteIssue, error) {
		return s.tracker.ListIssues(ctx, owner, name, creds, since)
	})
	if err != nil {
		return s.handleFailure(ctx, logger, repo, result, err)
	}

	for i := range fetched {
		created, err := resilience.Do(ctx, s.guard.Retrier, "upsert issue", func(ctx context.Context) (bool, error) {
			return s.store.UpsertIssue(ctx, repo.ID, &fetched[i])
		})
		if err != nil {
			// one bad row must not block the rest of the repository
			logger.Error("failed to save issue", zap.Int("number", fetched[i].Number), zap.Error(err))
			continue
		}
		if created {
			result.NewIssues++
		} else {
			result.UpdatedIssues++
		}
	}

	if err := s.evaluate(ctx, repo, now, result); err != nil {
		return result, err
	}
	issueCount = result.TotalIssues
	result.Status = StatusOK

	logger.Info("repository synced",
		zap.Int("fetched", len(fetched)),
		zap.Int("new", result.NewIssues),
		zap.Int("updated", result.UpdatedIssues),
		zap.Int("total", result.TotalIssues),
		zap.Int("stale", result.StaleIssues),
		zap.Int("transitions", len(result.Transitions)))

	s.forwardTransitions(ctx, logger, repo, result)
	return result, nil
}

// evaluate recomputes the stale flag of every issue in the repository. Time
// alone can push an untouched issue past a rule's threshold, so this covers
// all stored issues, not only the ones just fetched.
func (s *Syncer) evaluate(ctx context.Context, repo *models.Repository, now time.Time, result *SyncResult) error {
	activeRules, err := resilience.Do(ctx, s.guard.Retrier, "list active rules", func(ctx context.Context) ([]models.Rule, error) {
		return s.store.ListActiveRules(ctx, repo.ID)
	})
	if err != nil {
		return err
	}
	issues, err := resilience.Do(ctx, s.guard.Retrier, "list issues by repository", func(ctx context.Context) ([]models.Issue, error) {
		return s.store.ListIssuesByRepository(ctx, repo.ID)
	})
	if err != nil {
		return err
	}

	changed := make(map[int64]bool)
	for i := range issues {
		issue := &issues[i]
		stale := rules.IsStale(issue, activeRules, now)
		if stale {
			result.StaleIssues++
		}
		if stale == issue.IsStale {
			continue
		}
		changed[issue.ID] = stale
		if stale {
			result.Transitions = append(result.Transitions, models.Transition{
				IssueID:      issue.ID,
				RepositoryID: repo.ID,
				Number:       issue.Number,
				Title:        issue.Title,
			})
		}
	}
	result.TotalIssues = len(issues)

	return s.storeCall(ctx, "update staleness", func(ctx context.Context) error {
		return s.store.UpdateStaleness(ctx, changed)
	})
}

func (s *Syncer) forwardTransitions(ctx context.Context, logger *zap.Logger, repo *models.Repository, result *SyncResult) {
	if s.notifier == nil || len(result.Transitions) == 0 {
		return
	}
	ids := make([]int64, len(result.Transitions))
	for i, t := range result.Transitions {
		ids[i] = t.IssueID
	}
	if err := s.notifier.NotifyTransitions(ctx, repo.UserID, repo.ID, ids); err != nil {
		logger.Error("failed to dispatch stale issue notification", zap.Error(err))
	}
}

// handleFailure maps a classified GitHub error onto the repository's state
func (s *Syncer) handleFailure(ctx context.Context, logger *zap.Logger, repo *models.Repository, result *SyncResult, err error) (*SyncResult, error) {
	switch resilience.KindOf(err) {
	case resilience.KindAuth:
		logger.Warn("credentials rejected, repository requires re-authentication", zap.Error(err))
		if derr := s.deactivate(ctx, repo, models.DeactivationReauthRequired); derr != nil {
			return result, derr
		}
		if merr := s.storeCall(ctx, "mark user needs reauth", func(ctx context.Context) error {
			return s.store.MarkUserNeedsReauth(ctx, repo.UserID)
		}); merr != nil {
			logger.Error("failed to flag user for re-authentication", zap.Error(merr))
		}
		result.Status = StatusReauthRequired
		return result, nil

	case resilience.KindRateLimit:
		result.Status = StatusRateLimited
		result.RetryAfter = resilience.RetryAfter(err)
		logger.Warn("rate limited by GitHub", zap.Duration("retry_after", result.RetryAfter))
		return result, nil

	case resilience.KindAccess:
		logger.Warn("repository access denied, deactivating", zap.Error(err))
		if derr := s.deactivate(ctx, repo, models.DeactivationAccessRevoked); derr != nil {
			return result, derr
		}
		result.Status = StatusAccessRevoked
		return result, nil

	default:
		result.Status = StatusFailed
		return result, fmt.Errorf("failed to sync repository %s: %w", repo.FullName, err)
	}
}

func (s *Syncer) deactivate(ctx context.Context, repo *models.Repository, reason models.DeactivationReason) error {
	err := s.storeCall(ctx, "deactivate repository", func(ctx context.Context) error {
		return s.store.DeactivateRepository(ctx, repo.ID, reason)
	})
	if err != nil {
		return fmt.Errorf("failed to deactivate repository %s: %w", repo.FullName, err)
	}
	repo.IsActive = false
	repo.DeactivationReason = reason
	return nil
}

func (s *Syncer) loadUser(ctx context.Context, userID int64) (*models.User, error) {
	return resilience.Do(ctx, s.guard.Retrier, "get user", func(ctx context.Context) (*models.User, error) {
		return s.store.GetUser(ctx, userID)
	})
}

func (s *Syncer) storeCall(ctx context.Context, op string, fn func(context.Context) error) error {
	return s.guard.Retrier.Do(ctx, op, fn)
}

// withCredentials runs a GitHub call with the user's token. When the token is
// rejected and a refresh token exists, the credentials are refreshed, saved,
// and the call is tried once more.
func withCredentials[T any](ctx context.Context, s *Syncer, user *models.User, op string, fn func(context.Context, models.Credentials) (T, error)) (T, error) {
	call := func(creds models.Credentials) (T, error) {
		return resilience.Call(ctx, s.guard, op, func(ctx context.Context) (T, error) {
			return fn(ctx, creds)
		})
	}

	result, err := call(user.Credentials)
	if err == nil || !resilience.IsKind(err, resilience.KindAuth) ||
		s.refresher == nil || user.Credentials.RefreshToken == "" {
		return result, err
	}

	s.logger.Info("access token rejected, refreshing credentials", zap.Int64("user_id", user.ID))
	creds, rerr := s.refresher.Refresh(ctx, user.Credentials)
	if rerr != nil {
		s.logger.Warn("credential refresh failed", zap.Int64("user_id", user.ID), zap.Error(rerr))
		return result, err
	}
	if serr := s.storeCall(ctx, "save credentials", func(ctx context.Context) error {
		return s.store.SaveCredentials(ctx, user.ID, creds)
	}); serr != nil {
		return result, errors.Join(err, serr)
	}
	user.Credentials = creds

	return call(creds)
}

// ParseRepositoryString parses a repository string in the format "owner/name"
func ParseRepositoryString(repoStr string) (string, string, error) {
	parts := strings.Split(repoStr, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository format, expected 'owner/name', got '%s'", repoStr)
	}
	return parts[0], parts[1], nil
}
