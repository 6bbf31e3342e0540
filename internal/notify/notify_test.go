package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wesm/stalewatch/internal/db"
	"github.com/wesm/stalewatch/internal/email"
	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
)

type fakeSender struct {
	calls int
	msgs  []email.Message
	err   error
}

func (f *fakeSender) Send(_ context.Context, msg email.Message) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.msgs = append(f.msgs, msg)
	return fmt.Sprintf("msg_%d", len(f.msgs)), nil
}

type fixture struct {
	store      *db.DB
	sender     *fakeSender
	dispatcher *Dispatcher
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "notify.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Initialize())

	f := &fixture{
		store:  store,
		sender: &fakeSender{},
		now:    time.Date(2024, 6, 3, 15, 0, 0, 0, time.UTC),
	}
	retrier := resilience.NewRetrier(resilience.WithSleep(func(context.Context, time.Duration) error { return nil }))
	f.dispatcher = NewDispatcher(store, f.sender, Config{From: "stalewatch@example.com"},
		WithGuard(resilience.NewGuard(nil, retrier)),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return f.now }))
	return f
}

func (f *fixture) user(t *testing.T, prefs models.UserNotificationPreferences) *models.User {
	t.Helper()
	user := &models.User{Email: "dev@example.com", Preferences: prefs}
	require.NoError(t, f.store.CreateUser(t.Context(), user))
	return user
}

// staleIssues creates a repository with n stale issues and returns their ids
func (f *fixture) staleIssues(t *testing.T, user *models.User, fullName string, n int) (*models.Repository, []int64) {
	t.Helper()
	ctx := t.Context()

	repo := &models.Repository{UserID: user.ID, FullName: fullName, IsActive: true}
	require.NoError(t, f.store.CreateRepository(ctx, repo))

	for i := 1; i <= n; i++ {
		_, err := f.store.UpsertIssue(ctx, repo.ID, &models.RemoteIssue{
			RemoteID:  repo.ID*1000 + int64(i),
			Number:    i,
			Title:     fmt.Sprintf("Issue %d", i),
			URL:       fmt.Sprintf("https://github.com/%s/issues/%d", fullName, i),
			State:     models.StateOpen,
			Labels:    []string{"bug"},
			UpdatedAt: f.now.AddDate(0, 0, -60),
		})
		require.NoError(t, err)
	}
	issues, err := f.store.ListIssuesByRepository(ctx, repo.ID)
	require.NoError(t, err)

	flags := make(map[int64]bool)
	ids := make([]int64, len(issues))
	for i, issue := range issues {
		flags[issue.ID] = true
		ids[i] = issue.ID
	}
	require.NoError(t, f.store.UpdateStaleness(ctx, flags))
	return repo, ids
}

func TestIsQuietHour(t *testing.T) {
	tests := []struct {
		h, start, end int
		want          bool
	}{
		{23, 22, 8, true},
		{8, 22, 8, false},
		{10, 8, 22, true},
		{22, 8, 22, false},
		{0, 22, 8, true},
		{7, 22, 8, true},
		{21, 22, 8, false},
		{5, 5, 5, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsQuietHour(tt.h, tt.start, tt.end), "h=%d start=%d end=%d", tt.h, tt.start, tt.end)
	}
}

func TestQuietUntil_UsesUserTimezone(t *testing.T) {
	prefs := models.UserNotificationPreferences{
		QuietHours: models.QuietHours{Enabled: true, Start: 22, End: 8},
		Timezone:   "America/New_York",
	}

	// 23:00 in New York
	until, quiet := quietUntil(prefs, time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC))
	require.True(t, quiet)
	assert.True(t, until.Equal(time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)), until)

	// 06:00 in New York, same morning
	until, quiet = quietUntil(prefs, time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC))
	require.True(t, quiet)
	assert.True(t, until.Equal(time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)), until)

	_, quiet = quietUntil(prefs, time.Date(2024, 6, 2, 16, 0, 0, 0, time.UTC))
	assert.False(t, quiet)

	prefs.QuietHours.Enabled = false
	_, quiet = quietUntil(prefs, time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC))
	assert.False(t, quiet)
}

func TestNotify_ImmediateSendAndDedup(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.user(t, models.UserNotificationPreferences{EmailFrequency: models.FrequencyImmediate})
	repo, ids := f.staleIssues(t, user, "octo/widgets", 2)

	outcome, err := f.dispatcher.Notify(ctx, user.ID, repo.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	require.Len(t, f.sender.msgs, 1)
	msg := f.sender.msgs[0]
	assert.Equal(t, "dev@example.com", msg.To)
	assert.Equal(t, "2 stale issues in octo/widgets", msg.Subject)
	assert.Contains(t, msg.HTML, "#1 Issue 1")
	assert.Contains(t, msg.Text, "#2 Issue 2 <https://github.com/octo/widgets/issues/2>")

	recs, err := f.store.ListNotificationsByMessageID(ctx, "msg_1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusSent, recs[0].Status)
	assert.ElementsMatch(t, ids, recs[0].IssueIDs)

	issues, err := f.store.GetIssues(ctx, ids)
	require.NoError(t, err)
	for _, issue := range issues {
		require.NotNil(t, issue.LastNotified)
		assert.True(t, f.now.Equal(*issue.LastNotified))
	}

	// an overlapping cycle reports the same transitions an hour later
	f.now = f.now.Add(time.Hour)
	outcome, err = f.dispatcher.Notify(ctx, user.ID, repo.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, f.sender.msgs, 1)

	// outside the window the issue may be notified again
	f.now = f.now.Add(24 * time.Hour)
	outcome, err = f.dispatcher.Notify(ctx, user.ID, repo.ID, ids[:1])
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, "1 stale issue in octo/widgets", f.sender.msgs[1].Subject)
}

func TestNotify_PausedUserGetsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.user(t, models.UserNotificationPreferences{EmailFrequency: models.FrequencyImmediate, PauseNotifications: true})
	repo, ids := f.staleIssues(t, user, "octo/widgets", 1)

	outcome, err := f.dispatcher.Notify(ctx, user.ID, repo.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)
	assert.Zero(t, f.sender.calls)

	recs, err := f.store.ListNotificationsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestNotify_EmptyIsNoop(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, models.UserNotificationPreferences{})
	repo, _ := f.staleIssues(t, user, "octo/widgets", 0)

	outcome, err := f.dispatcher.Notify(t.Context(), user.ID, repo.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmpty, outcome)
	assert.Zero(t, f.sender.calls)
}

func TestNotify_SendFailureRecordsFailed(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.sender.err = resilience.Wrap(resilience.KindUpstream, "resend send", errors.New("503 Service Unavailable"))
	user := f.user(t, models.UserNotificationPreferences{EmailFrequency: models.FrequencyImmediate})
	repo, ids := f.staleIssues(t, user, "octo/widgets", 1)

	outcome, err := f.dispatcher.Notify(ctx, user.ID, repo.ID, ids)
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, 3, f.sender.calls, "upstream errors use their full retry budget")

	recs, err := f.store.ListNotificationsByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.StatusFailed, recs[0].Status)
	assert.Contains(t, recs[0].Error, "503")

	issues, err := f.store.GetIssues(ctx, ids)
	require.NoError(t, err)
	assert.Nil(t, issues[0].LastNotified, "nothing was sent")
}

func TestDigest_MergesRepositoriesIntoOneMessage(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.user(t, models.UserNotificationPreferences{EmailFrequency: models.FrequencyDaily})
	widgets, widgetIDs := f.staleIssues(t, user, "octo/widgets", 2)
	gadgets, gadgetIDs := f.staleIssues(t, user, "octo/gadgets", 1)

	for _, n := range []struct {
		repo *models.Repository
		ids  []int64
	}{{widgets, widgetIDs}, {gadgets, gadgetIDs}} {
		outcome, err := f.dispatcher.Notify(ctx, user.ID, n.repo.ID, n.ids)
		require.NoError(t, err)
		assert.Equal(t, OutcomeQueued, outcome)
	}
	assert.Zero(t, f.sender.calls, "digest users are not emailed right away")

	digester := NewDigester(f.dispatcher)

	// weekly run does not touch daily users
	report, err := digester.Run(ctx, models.FrequencyWeekly)
	require.NoError(t, err)
	assert.Zero(t, report.Users)

	report, err = digester.Run(ctx, models.FrequencyDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	require.Len(t, f.sender.msgs, 1)
	msg := f.sender.msgs[0]
	assert.Equal(t, "Your daily stale issue digest: 3 stale issues", msg.Subject)
	assert.Contains(t, msg.HTML, "octo/widgets")
	assert.Contains(t, msg.HTML, "octo/gadgets")

	recs, err := f.store.ListNotificationsByMessageID(ctx, "msg_1")
	require.NoError(t, err)
	assert.Len(t, recs, 2, "merged records share the provider id")

	pending, err := f.store.ListPendingNotifications(ctx, models.ModeDigest)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunJobs_DoesNotSendOffSlotOnStart(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, models.UserNotificationPreferences{EmailFrequency: models.FrequencyWeekly})
	repo, ids := f.staleIssues(t, user, "octo/widgets", 1)
	_, err := f.dispatcher.Notify(t.Context(), user.ID, repo.ID, ids)
	require.NoError(t, err)

	// Wednesday afternoon, schedule is Monday 09:00
	f.dispatcher.now = func() time.Time { return time.Date(2024, 6, 5, 15, 0, 0, 0, time.UTC) }

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	err = RunJobs(ctx, f.dispatcher, NewDigester(f.dispatcher), DigestSchedule{Hour: 9, Weekday: time.Monday}, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.sender.calls)

	pending, err := f.store.ListPendingNotifications(t.Context(), models.ModeDigest)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRunJobs_SendsWhenSlotArrives(t *testing.T) {
	f := newFixture(t)
	user := f.user(t, models.UserNotificationPreferences{EmailFrequency: models.FrequencyWeekly})
	repo, ids := f.staleIssues(t, user, "octo/widgets", 1)
	_, err := f.dispatcher.Notify(t.Context(), user.ID, repo.ID, ids)
	require.NoError(t, err)

	// starts Monday 08:50 and moves a minute per clock read
	start := time.Date(2024, 6, 3, 8, 50, 0, 0, time.UTC)
	var reads atomic.Int64
	f.dispatcher.now = func() time.Time {
		return start.Add(time.Duration(reads.Add(1)) * time.Minute)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()
	err = RunJobs(ctx, f.dispatcher, NewDigester(f.dispatcher), DigestSchedule{Hour: 9, Weekday: time.Monday}, time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, f.sender.calls)
	assert.Equal(t, "Your weekly stale issue digest: 1 stale issue", f.sender.msgs[0].Subject)
}

type failingSentStore struct {
	*db.DB
}

func (s failingSentStore) MarkNotificationsSent(context.Context, []string, string, time.Time) error {
	return resilience.NewError(resilience.KindValidation, "mark notifications sent", "constraint failed")
}

func TestNotify_SentEvenIfRecordUpdateFails(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.user(t, models.UserNotificationPreferences{EmailFrequency: models.FrequencyImmediate})
	repo, ids := f.staleIssues(t, user, "octo/widgets", 1)

	d := NewDispatcher(failingSentStore{f.store}, f.sender, Config{From: "stalewatch@example.com"},
		WithGuard(f.dispatcher.guard),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return f.now }))

	outcome, err := d.Notify(ctx, user.ID, repo.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
	assert.Equal(t, 1, f.sender.calls)

	issues, err := f.store.GetIssues(ctx, ids)
	require.NoError(t, err)
	require.NotNil(t, issues[0].LastNotified)

	// stamped issues are not mailed again
	outcome, err = d.Notify(ctx, user.ID, repo.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 1, f.sender.calls)
}

func TestDigest_PausedUserIsSuppressed(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.user(t, models.UserNotificationPreferences{EmailFrequency: models.FrequencyWeekly})
	repo, ids := f.staleIssues(t, user, "octo/widgets", 1)

	_, err := f.dispatcher.Notify(ctx, user.ID, repo.ID, ids)
	require.NoError(t, err)
	require.NoError(t, f.store.PauseNotifications(ctx, user.ID))

	report, err := NewDigester(f.dispatcher).Run(ctx, models.FrequencyWeekly)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Suppressed)
	assert.Zero(t, f.sender.calls)

	pending, err := f.store.ListPendingNotifications(ctx, models.ModeDigest)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestNotify_QuietHoursDeferThenFlush(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.now = time.Date(2024, 6, 3, 23, 30, 0, 0, time.UTC)
	user := f.user(t, models.UserNotificationPreferences{
		EmailFrequency: models.FrequencyImmediate,
		QuietHours:     models.QuietHours{Enabled: true, Start: 22, End: 8},
	})
	repo, ids := f.staleIssues(t, user, "octo/widgets", 1)

	outcome, err := f.dispatcher.Notify(ctx, user.ID, repo.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	assert.Zero(t, f.sender.calls)

	pending, err := f.store.ListPendingNotifications(ctx, models.ModeImmediate)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].DeferredUntil)
	assert.True(t, pending[0].DeferredUntil.Equal(time.Date(2024, 6, 4, 8, 0, 0, 0, time.UTC)))

	f.now = time.Date(2024, 6, 4, 7, 0, 0, 0, time.UTC)
	sent, err := f.dispatcher.FlushDeferred(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	f.now = time.Date(2024, 6, 4, 8, 0, 0, 0, time.UTC)
	sent, err = f.dispatcher.FlushDeferred(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, f.sender.msgs, 1)

	pending, err = f.store.ListPendingNotifications(ctx, models.ModeImmediate)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHandleDeliveryEvent(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.user(t, models.UserNotificationPreferences{EmailFrequency: models.FrequencyImmediate})
	repo, ids := f.staleIssues(t, user, "octo/widgets", 3)

	for _, id := range ids {
		_, err := f.dispatcher.Notify(ctx, user.ID, repo.ID, []int64{id})
		require.NoError(t, err)
	}
	require.Len(t, f.sender.msgs, 3)

	status := func(messageID string) models.NotificationStatus {
		recs, err := f.store.ListNotificationsByMessageID(ctx, messageID)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		return recs[0].Status
	}

	// delivered is terminal
	require.NoError(t, f.dispatcher.HandleDeliveryEvent(ctx, email.DeliveryEvent{Type: email.EventDelivered, MessageID: "msg_1"}))
	require.NoError(t, f.dispatcher.HandleDeliveryEvent(ctx, email.DeliveryEvent{Type: email.EventBounced, MessageID: "msg_1"}))
	assert.Equal(t, models.StatusDelivered, status("msg_1"))

	got, err := f.store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Preferences.BounceCount, "a bounce on a delivered message is ignored")

	// soft bounce counts once even if the callback repeats
	soft := email.DeliveryEvent{Type: email.EventBounced, MessageID: "msg_2"}
	require.NoError(t, f.dispatcher.HandleDeliveryEvent(ctx, soft))
	require.NoError(t, f.dispatcher.HandleDeliveryEvent(ctx, soft))
	assert.Equal(t, models.StatusBounced, status("msg_2"))
	got, err = f.store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Preferences.BounceCount)
	assert.False(t, got.Preferences.PauseNotifications)

	// hard bounce pauses immediately
	require.NoError(t, f.dispatcher.HandleDeliveryEvent(ctx, email.DeliveryEvent{
		Type: email.EventBounced, MessageID: "msg_3", HardBounce: true, Reason: "mailbox does not exist",
	}))
	got, err = f.store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Preferences.BounceCount)
	assert.True(t, got.Preferences.PauseNotifications)

	// unknown ids and delays are harmless
	require.NoError(t, f.dispatcher.HandleDeliveryEvent(ctx, email.DeliveryEvent{Type: email.EventDelivered, MessageID: "msg_missing"}))
	require.NoError(t, f.dispatcher.HandleDeliveryEvent(ctx, email.DeliveryEvent{Type: email.EventDelayed, MessageID: "msg_1"}))
}

func TestHandleDeliveryEvent_ComplaintPauses(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	user := f.user(t, models.UserNotificationPreferences{EmailFrequency: models.FrequencyImmediate})
	repo, ids := f.staleIssues(t, user, "octo/widgets", 1)

	_, err := f.dispatcher.Notify(ctx, user.ID, repo.ID, ids)
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.HandleDeliveryEvent(ctx, email.DeliveryEvent{Type: email.EventComplained, MessageID: "msg_1"}))

	got, err := f.store.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.Preferences.PauseNotifications)
}

func TestDigestSchedule(t *testing.T) {
	s := DigestSchedule{Hour: 9, Weekday: time.Monday}

	// Wednesday 2024-06-05
	now := time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 5, 9, 0, 0, 0, time.UTC), s.LastSlot(models.FrequencyDaily, now))
	assert.Equal(t, time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC), s.LastSlot(models.FrequencyWeekly, now))

	early := time.Date(2024, 6, 5, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 4, 9, 0, 0, 0, time.UTC), s.LastSlot(models.FrequencyDaily, early))

	assert.True(t, s.Due(models.FrequencyDaily, now, time.Time{}))
	assert.False(t, s.Due(models.FrequencyDaily, now, time.Date(2024, 6, 5, 9, 0, 30, 0, time.UTC)))
	assert.True(t, s.Due(models.FrequencyDaily, now.AddDate(0, 0, 1), time.Date(2024, 6, 5, 9, 0, 30, 0, time.UTC)))
	assert.False(t, s.Due(models.FrequencyWeekly, now, time.Date(2024, 6, 3, 9, 5, 0, 0, time.UTC)))
}
