package notify

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
)

// DigestReport summarizes one digest run
type DigestReport struct {
	Users      int
	Sent       int
	Suppressed int
	Failed     int
}

// Digester merges pending digest records into one message per user
type Digester struct {
	d *Dispatcher
}

// NewDigester creates a digester that sends through d
func NewDigester(d *Dispatcher) *Digester {
	return &Digester{d: d}
}

// Run sends the digest for every user whose frequency matches. All pending
// records of a user are merged across repositories into one message and share
// its provider id. Failures for one user do not stop the others.
func (g *Digester) Run(ctx context.Context, frequency models.EmailFrequency) (*DigestReport, error) {
	d := g.d
	pending, err := resilience.Do(ctx, d.guard.Retrier, "list pending digests", func(ctx context.Context) ([]models.NotificationRecord, error) {
		return d.store.ListPendingNotifications(ctx, models.ModeDigest)
	})
	if err != nil {
		return nil, err
	}

	var order []int64
	byUser := make(map[int64][]models.NotificationRecord)
	for _, rec := range pending {
		if _, seen := byUser[rec.UserID]; !seen {
			order = append(order, rec.UserID)
		}
		byUser[rec.UserID] = append(byUser[rec.UserID], rec)
	}

	report := &DigestReport{}
	var errs error
	for _, userID := range order {
		outcome, err := g.sendUserDigest(ctx, userID, frequency, byUser[userID])
		switch outcome {
		case "":
			continue
		case OutcomeSent:
			report.Sent++
		case OutcomeFailed:
			report.Failed++
		default:
			report.Suppressed++
		}
		report.Users++
		if d.recorder != nil {
			d.recorder.ObserveNotification(string(models.ModeDigest), string(outcome))
		}
		errs = multierr.Append(errs, err)
	}

	d.logger.Info("digest run complete",
		zap.String("frequency", string(frequency)),
		zap.Int("users", report.Users),
		zap.Int("sent", report.Sent),
		zap.Int("suppressed", report.Suppressed),
		zap.Int("failed", report.Failed))
	return report, errs
}

// sendUserDigest returns an empty outcome when the user is not due in this run
func (g *Digester) sendUserDigest(ctx context.Context, userID int64, frequency models.EmailFrequency, recs []models.NotificationRecord) (Outcome, error) {
	d := g.d
	user, err := d.getUser(ctx, userID)
	if err != nil {
		return OutcomeFailed, err
	}

	// records of users who switched to immediate go out with the daily run
	freq := user.Preferences.EmailFrequency
	if freq != frequency && !(freq == models.FrequencyImmediate && frequency == models.FrequencyDaily) {
		return "", nil
	}
	if user.Preferences.PauseNotifications {
		return OutcomePaused, d.suppress(ctx, recs, "notifications paused")
	}

	var ids []int64
	seen := make(map[int64]bool)
	for _, rec := range recs {
		for _, id := range rec.IssueIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	issues, err := d.freshIssues(ctx, ids, d.now(), func(issue *models.Issue) bool { return issue.IsStale })
	if err != nil {
		return OutcomeFailed, err
	}
	if len(issues) == 0 {
		return OutcomeDuplicate, d.suppress(ctx, recs, "no stale issues left to report")
	}

	repos := make(map[int64]*models.Repository)
	for _, issue := range issues {
		if _, ok := repos[issue.RepositoryID]; ok {
			continue
		}
		repo, err := resilience.Do(ctx, d.guard.Retrier, "get repository", func(ctx context.Context) (*models.Repository, error) {
			return d.store.GetRepository(ctx, issue.RepositoryID)
		})
		if err != nil {
			return OutcomeFailed, err
		}
		repos[repo.ID] = repo
	}

	msg, err := composeDigest(d.config.From, user.Email, frequency, repos, issues)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := d.deliver(ctx, msg, recs, issueIDsOf(issues)); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeSent, nil
}

// FlushDeferred sends immediate notifications held back by quiet hours once
// their window has ended. It returns how many messages went out.
func (d *Dispatcher) FlushDeferred(ctx context.Context) (int, error) {
	pending, err := resilience.Do(ctx, d.guard.Retrier, "list deferred notifications", func(ctx context.Context) ([]models.NotificationRecord, error) {
		return d.store.ListPendingNotifications(ctx, models.ModeImmediate)
	})
	if err != nil {
		return 0, err
	}

	now := d.now()
	sent := 0
	var errs error
	for _, rec := range pending {
		if rec.DeferredUntil == nil || now.Before(*rec.DeferredUntil) {
			continue
		}
		outcome, err := d.flushOne(ctx, rec, now)
		if d.recorder != nil {
			d.recorder.ObserveNotification(string(models.ModeImmediate), string(outcome))
		}
		if outcome == OutcomeSent {
			sent++
		}
		errs = multierr.Append(errs, err)
	}
	if sent > 0 {
		d.logger.Info("flushed deferred notifications", zap.Int("sent", sent))
	}
	return sent, errs
}

func (d *Dispatcher) flushOne(ctx context.Context, rec models.NotificationRecord, now time.Time) (Outcome, error) {
	recs := []models.NotificationRecord{rec}
	user, err := d.getUser(ctx, rec.UserID)
	if err != nil {
		return OutcomeFailed, err
	}
	if user.Preferences.PauseNotifications {
		return OutcomePaused, d.suppress(ctx, recs, "notifications paused")
	}
	// the user may have moved the window since the record was deferred
	if _, quiet := quietUntil(user.Preferences, now); quiet {
		return OutcomeDeferred, nil
	}

	issues, err := d.freshIssues(ctx, rec.IssueIDs, now, nil)
	if err != nil {
		return OutcomeFailed, err
	}
	if len(issues) == 0 {
		return OutcomeDuplicate, d.suppress(ctx, recs, "issues already notified")
	}

	repo, err := resilience.Do(ctx, d.guard.Retrier, "get repository", func(ctx context.Context) (*models.Repository, error) {
		return d.store.GetRepository(ctx, rec.RepositoryID)
	})
	if err != nil {
		return OutcomeFailed, err
	}
	msg, err := composeImmediate(d.config.From, user.Email, repo, issues)
	if err != nil {
		return OutcomeFailed, err
	}
	if err := d.deliver(ctx, msg, recs, issueIDsOf(issues)); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeSent, nil
}

// DigestSchedule says when digests go out: daily at Hour, weekly at Hour on
// Weekday. Times are evaluated in UTC.
type DigestSchedule struct {
	Hour    int
	Weekday time.Weekday
}

// LastSlot returns the most recent scheduled time at or before now
func (s DigestSchedule) LastSlot(frequency models.EmailFrequency, now time.Time) time.Time {
	now = now.UTC()
	slot := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, 0, 0, 0, time.UTC)
	if slot.After(now) {
		slot = slot.AddDate(0, 0, -1)
	}
	if frequency == models.FrequencyWeekly {
		back := (int(slot.Weekday()) - int(s.Weekday) + 7) % 7
		slot = slot.AddDate(0, 0, -back)
	}
	return slot
}

// Due reports whether a digest of the given frequency should run now, given
// when it last ran. A digest runs at most once per slot.
func (s DigestSchedule) Due(frequency models.EmailFrequency, now, lastRun time.Time) bool {
	return lastRun.Before(s.LastSlot(frequency, now))
}

// RunJobs checks on every tick for deferred notifications to flush and for
// digests that are due, until ctx is done. Slots that passed before the
// loop started are not caught up on.
func RunJobs(ctx context.Context, d *Dispatcher, g *Digester, schedule DigestSchedule, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	frequencies := []models.EmailFrequency{models.FrequencyDaily, models.FrequencyWeekly}
	start := d.now()
	lastRun := make(map[models.EmailFrequency]time.Time, len(frequencies))
	for _, freq := range frequencies {
		lastRun[freq] = schedule.LastSlot(freq, start)
	}
	for {
		now := d.now()
		if _, err := d.FlushDeferred(ctx); err != nil {
			d.logger.Error("failed to flush deferred notifications", zap.Error(err))
		}
		for _, freq := range frequencies {
			if !schedule.Due(freq, now, lastRun[freq]) {
				continue
			}
			if _, err := g.Run(ctx, freq); err != nil {
				d.logger.Error("digest run failed", zap.String("frequency", string(freq)), zap.Error(err))
			}
			lastRun[freq] = now
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// String renders the schedule for logs
func (s DigestSchedule) String() string {
	return fmt.Sprintf("daily at %02d:00 UTC, weekly on %s", s.Hour, s.Weekday)
}
