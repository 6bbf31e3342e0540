// Package notify turns staleness transitions into email. It applies the
// user's preferences (pause, dedup window, frequency, quiet hours), queues
// digest records, sends through the email provider and tracks delivery
// callbacks.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesm/stalewatch/internal/email"
	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
)

const (
	DefaultDedupWindow     = 24 * time.Hour
	DefaultBounceThreshold = 3
)

// Store is the persistence the dispatcher needs
type Store interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetRepository(ctx context.Context, id int64) (*models.Repository, error)
	GetIssues(ctx context.Context, ids []int64) ([]models.Issue, error)
	MarkNotified(ctx context.Context, ids []int64, at time.Time) error
	InsertNotification(ctx context.Context, rec *models.NotificationRecord) error
	ListPendingNotifications(ctx context.Context, mode models.NotificationMode) ([]models.NotificationRecord, error)
	ListNotificationsByMessageID(ctx context.Context, messageID string) ([]models.NotificationRecord, error)
	MarkNotificationsSent(ctx context.Context, ids []string, messageID string, sentAt time.Time) error
	MarkNotificationsFailed(ctx context.Context, ids []string, reason string) error
	TransitionNotificationStatus(ctx context.Context, messageID string, from []models.NotificationStatus, to models.NotificationStatus, at time.Time) (int, error)
	RecordBounce(ctx context.Context, userID int64, hard bool, threshold int) (*models.UserNotificationPreferences, error)
	PauseNotifications(ctx context.Context, userID int64) error
}

// Recorder receives dispatch observations, normally Prometheus metrics
type Recorder interface {
	ObserveNotification(mode, outcome string)
	ObserveDeliveryEvent(eventType string)
}

// Outcome says what Notify did with a batch of transitions
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeQueued    Outcome = "queued"
	OutcomeDeferred  Outcome = "deferred"
	OutcomePaused    Outcome = "paused"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeEmpty     Outcome = "empty"
	OutcomeFailed    Outcome = "failed"
)

// Config holds dispatcher settings
type Config struct {
	From            string
	DedupWindow     time.Duration
	BounceThreshold int
}

// Dispatcher sends stale-issue notifications
type Dispatcher struct {
	store    Store
	sender   email.Sender
	guard    *resilience.Guard
	config   Config
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
}

// Option customizes a Dispatcher
type Option func(*Dispatcher)

// WithGuard sets the breaker/retry wrapper for the email provider
func WithGuard(g *resilience.Guard) Option {
	return func(d *Dispatcher) { d.guard = g }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithLogger sets the dispatcher's logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a dispatcher sending through sender
func NewDispatcher(store Store, sender email.Sender, config Config, opts ...Option) *Dispatcher {
	if config.DedupWindow <= 0 {
		config.DedupWindow = DefaultDedupWindow
	}
	if config.BounceThreshold <= 0 {
		config.BounceThreshold = DefaultBounceThreshold
	}
	d := &Dispatcher{
		store:  store,
		sender: sender,
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.guard == nil {
		d.guard = resilience.NewGuard(nil, resilience.NewRetrier(resilience.WithRetryLogger(d.logger)))
	}
	return d
}

// NotifyTransitions lets the dispatcher receive transitions straight from a
// repository sync
func (d *Dispatcher) NotifyTransitions(ctx context.Context, userID, repositoryID int64, issueIDs []int64) error {
	_, err := d.Notify(ctx, userID, repositoryID, issueIDs)
	return err
}

// Notify runs the policy chain for issues that just became stale: paused
// users get nothing, issues notified within the dedup window are dropped,
// digest users get a pending record, and immediate sends inside quiet hours
// are deferred to the end of the window.
func (d *Dispatcher) Notify(ctx context.Context, userID, repositoryID int64, issueIDs []int64) (outcome Outcome, err error) {
	mode := models.ModeImmediate
	defer func() {
		if d.recorder != nil {
			d.recorder.ObserveNotification(string(mode), string(outcome))
		}
	}()
	logger := d.logger.With(zap.Int64("user_id", userID), zap.Int64("repository_id", repositoryID))

	user, err := d.getUser(ctx, userID)
	if err != nil {
		return OutcomeFailed, err
	}
	if user.Preferences.PauseNotifications {
		logger.Debug("notifications paused, skipping", zap.Int("issues", len(issueIDs)))
		return OutcomePaused, nil
	}
	if len(issueIDs) == 0 {
		return OutcomeEmpty, nil
	}

	now := d.now()
	issues, err := d.freshIssues(ctx, issueIDs, now, func(issue *models.Issue) bool {
		return issue.RepositoryID == repositoryID
	})
	if err != nil {
		return OutcomeFailed, err
	}
	if len(issues) == 0 {
		logger.Debug("all issues notified recently, skipping", zap.Int("issues", len(issueIDs)))
		return OutcomeDuplicate, nil
	}

	rec := &models.NotificationRecord{
		ID:           d.newID(),
		UserID:       userID,
		RepositoryID: repositoryID,
		IssueIDs:     issueIDsOf(issues),
		Status:       models.StatusPending,
		Mode:         models.ModeImmediate,
		CreatedAt:    now,
	}

	if freq := user.Preferences.EmailFrequency; freq == models.FrequencyDaily || freq == models.FrequencyWeekly {
		mode = models.ModeDigest
		rec.Mode = models.ModeDigest
		if err := d.insert(ctx, rec); err != nil {
			return OutcomeFailed, err
		}
		logger.Info("queued issues for digest", zap.String("frequency", string(freq)), zap.Int("issues", len(issues)))
		return OutcomeQueued, nil
	}

	if until, quiet := quietUntil(user.Preferences, now); quiet {
		rec.DeferredUntil = &until
		if err := d.insert(ctx, rec); err != nil {
			return OutcomeFailed, err
		}
		logger.Info("quiet hours, deferring notification", zap.Time("until", until), zap.Int("issues", len(issues)))
		return OutcomeDeferred, nil
	}

	repo, err := resilience.Do(ctx, d.guard.Retrier, "get repository", func(ctx context.Context) (*models.Repository, error) {
		return d.store.GetRepository(ctx, repositoryID)
	})
	if err != nil {
		return OutcomeFailed, err
	}
	msg, err := composeImmediate(d.config.From, user.Email, repo, issues)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := d.insert(ctx, rec); err != nil {
		return OutcomeFailed, err
	}
	if err := d.deliver(ctx, msg, []models.NotificationRecord{*rec}, rec.IssueIDs); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeSent, nil
}

// deliver sends msg and moves every record it covers to sent under the
// provider's message id. The covered issues are stamped as notified at send
// time. If the provider keeps rejecting the message the records become failed.
func (d *Dispatcher) deliver(ctx context.Context, msg email.Message, recs []models.NotificationRecord, issueIDs []int64) error {
	recIDs := make([]string, len(recs))
	for i := range recs {
		recIDs[i] = recs[i].ID
	}

	messageID, err := resilience.Call(ctx, d.guard, "send email", func(ctx context.Context) (string, error) {
		return d.sender.Send(ctx, msg)
	})
	if err != nil {
		d.logger.Error("email send failed", zap.String("to", msg.To), zap.Strings("records", recIDs), zap.Error(err))
		if ferr := d.storeCall(ctx, "mark notifications failed", func(ctx context.Context) error {
			return d.store.MarkNotificationsFailed(ctx, recIDs, err.Error())
		}); ferr != nil {
			d.logger.Error("failed to record send failure", zap.Error(ferr))
		}
		return fmt.Errorf("failed to send notification to %s: %w", msg.To, err)
	}

	// accepted by the provider: bookkeeping failures do not make it a failed send
	sentAt := d.now()
	if err := d.storeCall(ctx, "mark notifications sent", func(ctx context.Context) error {
		return d.store.MarkNotificationsSent(ctx, recIDs, messageID, sentAt)
	}); err != nil {
		d.logger.Error("failed to record sent notification",
			zap.String("message_id", messageID), zap.Strings("records", recIDs), zap.Error(err))
	}
	if err := d.storeCall(ctx, "mark notified", func(ctx context.Context) error {
		return d.store.MarkNotified(ctx, issueIDs, sentAt)
	}); err != nil {
		d.logger.Error("failed to stamp notified issues",
			zap.String("message_id", messageID), zap.Int64s("issues", issueIDs), zap.Error(err))
	}

	d.logger.Info("notification sent",
		zap.String("to", msg.To),
		zap.String("message_id", messageID),
		zap.Int("issues", len(issueIDs)),
		zap.Int("records", len(recIDs)))
	return nil
}

// freshIssues loads issues and drops those notified within the dedup window
// or rejected by keep
func (d *Dispatcher) freshIssues(ctx context.Context, ids []int64, now time.Time, keep func(*models.Issue) bool) ([]models.Issue, error) {
	issues, err := resilience.Do(ctx, d.guard.Retrier, "get issues", func(ctx context.Context) ([]models.Issue, error) {
		return d.store.GetIssues(ctx, ids)
	})
	if err != nil {
		return nil, err
	}

	fresh := issues[:0]
	for i := range issues {
		issue := &issues[i]
		if issue.LastNotified != nil && now.Sub(*issue.LastNotified) < d.config.DedupWindow {
			continue
		}
		if keep != nil && !keep(issue) {
			continue
		}
		fresh = append(fresh, *issue)
	}
	return fresh, nil
}

func (d *Dispatcher) getUser(ctx context.Context, id int64) (*models.User, error) {
	return resilience.Do(ctx, d.guard.Retrier, "get user", func(ctx context.Context) (*models.User, error) {
		return d.store.GetUser(ctx, id)
	})
}

func (d *Dispatcher) insert(ctx context.Context, rec *models.NotificationRecord) error {
	return d.storeCall(ctx, "insert notification", func(ctx context.Context) error {
		return d.store.InsertNotification(ctx, rec)
	})
}

// storeCall retries store writes without going through the email breaker
func (d *Dispatcher) storeCall(ctx context.Context, op string, fn func(context.Context) error) error {
	return d.guard.Retrier.Do(ctx, op, fn)
}

func (d *Dispatcher) suppress(ctx context.Context, recs []models.NotificationRecord, reason string) error {
	ids := make([]string, len(recs))
	for i := range recs {
		ids[i] = recs[i].ID
	}
	return d.storeCall(ctx, "suppress notifications", func(ctx context.Context) error {
		return d.store.MarkNotificationsFailed(ctx, ids, reason)
	})
}

func issueIDsOf(issues []models.Issue) []int64 {
	ids := make([]int64, len(issues))
	for i := range issues {
		ids[i] = issues[i].ID
	}
	return ids
}
