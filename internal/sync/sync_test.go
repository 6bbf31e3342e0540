package sync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wesm/stalewatch/internal/db"
	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
)

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) ProbeAccess(ctx context.Context, owner, name string, creds models.Credentials) (bool, error) {
	args := m.Called(ctx, owner, name, creds)
	return args.Bool(0), args.Error(1)
}

func (m *mockTracker) ListIssues(ctx context.Context, owner, name string, creds models.Credentials, since time.Time) ([]models.RemoteIssue, error) {
	args := m.Called(ctx, owner, name, creds, since)
	issues, _ := args.Get(0).([]models.RemoteIssue)
	return issues, args.Error(1)
}

type mockRefresher struct {
	mock.Mock
}

func (m *mockRefresher) Refresh(ctx context.Context, creds models.Credentials) (models.Credentials, error) {
	args := m.Called(ctx, creds)
	return args.Get(0).(models.Credentials), args.Error(1)
}

type recordingNotifier struct {
	calls [][]int64
	err   error
}

func (n *recordingNotifier) NotifyTransitions(_ context.Context, _, _ int64, issueIDs []int64) error {
	n.calls = append(n.calls, issueIDs)
	return n.err
}

type fixture struct {
	store    *db.DB
	tracker  *mockTracker
	notifier *recordingNotifier
	user     *models.User
	repo     *models.Repository
	now      time.Time
	syncer   *Syncer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Initialize())

	ctx := t.Context()
	user := &models.User{
		Email:       "maintainer@example.com",
		Credentials: models.Credentials{AccessToken: "gho_old"},
	}
	require.NoError(t, store.CreateUser(ctx, user))
	repo := &models.Repository{UserID: user.ID, FullName: "octo/widgets", IsActive: true}
	require.NoError(t, store.CreateRepository(ctx, repo))
	require.NoError(t, store.CreateRule(ctx, &models.Rule{
		RepositoryID:   repo.ID,
		Name:           "month without activity",
		InactivityDays: 30,
		IssueStates:    []string{models.StateOpen},
		Assignee:       models.AnyAssignee(),
		IsActive:       true,
	}))

	f := &fixture{
		store:    store,
		tracker:  &mockTracker{},
		notifier: &recordingNotifier{},
		user:     user,
		repo:     repo,
		now:      time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	retrier := resilience.NewRetrier(resilience.WithSleep(func(context.Context, time.Duration) error { return nil }))
	base := []Option{
		WithGuard(resilience.NewGuard(nil, retrier)),
		WithNotifier(f.notifier),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return f.now }),
	}
	f.syncer = New(store, f.tracker, append(base, opts...)...)
	return f
}

// reload fetches the repository as the scheduler would see it
func (f *fixture) reload(t *testing.T) *models.Repository {
	t.Helper()
	repo, err := f.store.GetRepository(t.Context(), f.repo.ID)
	require.NoError(t, err)
	return repo
}

func remoteIssue(id int64, updated time.Time) models.RemoteIssue {
	return models.RemoteIssue{
		RemoteID:  id,
		Number:    int(id),
		Title:     "Crash on startup",
		URL:       "https://github.com/octo/widgets/issues/1",
		State:     models.StateOpen,
		UpdatedAt: updated,
	}
}

func TestSyncRepository_TransitionFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	f.tracker.On("ProbeAccess", mock.Anything, "octo", "widgets", mock.Anything).Return(true, nil)
	f.tracker.On("ListIssues", mock.Anything, "octo", "widgets", mock.Anything, time.Time{}).
		Return([]models.RemoteIssue{remoteIssue(1, f.now.AddDate(0, 0, -45))}, nil).Once()

	result, err := f.syncer.SyncRepository(ctx, f.reload(t))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, result.Status)
	assert.Equal(t, 1, result.NewIssues)
	assert.Equal(t, 1, result.TotalIssues)
	assert.Equal(t, 1, result.StaleIssues)
	require.Len(t, result.Transitions, 1)
	require.Len(t, f.notifier.calls, 1)

	repo := f.reload(t)
	assert.True(t, f.now.Equal(repo.LastChecked))
	assert.Equal(t, 1, repo.LastIssueCount)

	// second sync is incremental from the first sync's check time and nothing changed
	firstCheck := f.now
	f.now = f.now.Add(time.Hour)
	f.tracker.On("ListIssues", mock.Anything, "octo", "widgets", mock.Anything,
		mock.MatchedBy(func(since time.Time) bool { return since.Equal(firstCheck) })).
		Return([]models.RemoteIssue(nil), nil).Once()

	result, err = f.syncer.SyncRepository(ctx, repo)
	require.NoError(t, err)
	assert.Empty(t, result.Transitions)
	assert.Equal(t, 1, result.StaleIssues)
	assert.Len(t, f.notifier.calls, 1)
	f.tracker.AssertExpectations(t)
}

func TestSyncRepository_ActivityResetsThenStaleAgain(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	f.tracker.On("ProbeAccess", mock.Anything, "octo", "widgets", mock.Anything).Return(true, nil)
	f.tracker.On("ListIssues", mock.Anything, "octo", "widgets", mock.Anything, mock.Anything).
		Return([]models.RemoteIssue{remoteIssue(1, f.now.AddDate(0, 0, -45))}, nil).Once()
	result, err := f.syncer.SyncRepository(ctx, f.reload(t))
	require.NoError(t, err)
	require.Len(t, result.Transitions, 1)

	// someone comments
	f.now = f.now.Add(24 * time.Hour)
	f.tracker.On("ListIssues", mock.Anything, "octo", "widgets", mock.Anything, mock.Anything).
		Return([]models.RemoteIssue{remoteIssue(1, f.now)}, nil).Once()
	result, err = f.syncer.SyncRepository(ctx, f.reload(t))
	require.NoError(t, err)
	assert.Equal(t, 1, result.UpdatedIssues)
	assert.Zero(t, result.StaleIssues)
	assert.Empty(t, result.Transitions)

	// time alone makes it stale again
	f.now = f.now.AddDate(0, 0, 31)
	f.tracker.On("ListIssues", mock.Anything, "octo", "widgets", mock.Anything, mock.Anything).
		Return([]models.RemoteIssue(nil), nil).Once()
	result, err = f.syncer.SyncRepository(ctx, f.reload(t))
	require.NoError(t, err)
	require.Len(t, result.Transitions, 1)
	assert.Len(t, f.notifier.calls, 2)
}

func TestSyncRepository_AccessRevokedDeactivates(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.store.UpsertIssue(ctx, f.repo.ID, &models.RemoteIssue{RemoteID: 9, Number: 9, State: models.StateOpen, UpdatedAt: f.now})
	require.NoError(t, err)

	f.tracker.On("ProbeAccess", mock.Anything, "octo", "widgets", mock.Anything).Return(false, nil)

	result, err := f.syncer.SyncRepository(ctx, f.reload(t))
	require.NoError(t, err)
	assert.Equal(t, StatusAccessRevoked, result.Status)
	assert.NotEmpty(t, result.Reason())

	repo := f.reload(t)
	assert.False(t, repo.IsActive)
	assert.Equal(t, models.DeactivationAccessRevoked, repo.DeactivationReason)
	assert.True(t, f.now.Equal(repo.LastChecked), "check time advances on every path")

	n, err := f.store.CountIssues(ctx, f.repo.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	f.tracker.AssertNotCalled(t, "ListIssues", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSyncRepository_AuthFailureRequiresReauth(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	authErr := resilience.Wrap(resilience.KindAuth, "probe repository", errors.New("401 Bad credentials"))
	f.tracker.On("ProbeAccess", mock.Anything, "octo", "widgets", mock.Anything).Return(false, authErr)

	result, err := f.syncer.SyncRepository(ctx, f.reload(t))
	require.NoError(t, err)
	assert.Equal(t, StatusReauthRequired, result.Status)
	f.tracker.AssertNumberOfCalls(t, "ProbeAccess", 1)

	user, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.True(t, user.NeedsReauth)
	repo := f.reload(t)
	assert.False(t, repo.IsActive)
	assert.Equal(t, models.DeactivationReauthRequired, repo.DeactivationReason)
}

func TestSyncRepository_RefreshesCredentialsOnce(t *testing.T) {
	refresher := &mockRefresher{}
	f := newFixture(t, WithRefresher(refresher))
	ctx := t.Context()

	require.NoError(t, f.store.SaveCredentials(ctx, f.user.ID, models.Credentials{AccessToken: "gho_old", RefreshToken: "ghr_1"}))

	fresh := models.Credentials{AccessToken: "gho_new", RefreshToken: "ghr_2", Expiry: f.now.Add(8 * time.Hour)}
	refresher.On("Refresh", mock.Anything, mock.MatchedBy(func(c models.Credentials) bool {
		return c.RefreshToken == "ghr_1"
	})).Return(fresh, nil).Once()

	authErr := resilience.Wrap(resilience.KindAuth, "probe repository", errors.New("401 Bad credentials"))
	oldToken := mock.MatchedBy(func(c models.Credentials) bool { return c.AccessToken == "gho_old" })
	newToken := mock.MatchedBy(func(c models.Credentials) bool { return c.AccessToken == "gho_new" })
	f.tracker.On("ProbeAccess", mock.Anything, "octo", "widgets", oldToken).Return(false, authErr).Once()
	f.tracker.On("ProbeAccess", mock.Anything, "octo", "widgets", newToken).Return(true, nil).Once()
	f.tracker.On("ListIssues", mock.Anything, "octo", "widgets", newToken, mock.Anything).
		Return([]models.RemoteIssue(nil), nil).Once()

	result, err := f.syncer.SyncRepository(ctx, f.reload(t))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, result.Status)

	user, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "gho_new", user.Credentials.AccessToken)
	assert.Equal(t, "ghr_2", user.Credentials.RefreshToken)
	refresher.AssertExpectations(t)
	f.tracker.AssertExpectations(t)
}

func TestSyncRepository_RateLimitedStaysActive(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	limited := &resilience.Error{
		Kind:       resilience.KindRateLimit,
		Op:         "list issues",
		Err:        errors.New("API rate limit exceeded"),
		Retryable:  true,
		RetryAfter: 90 * time.Second,
	}
	f.tracker.On("ProbeAccess", mock.Anything, "octo", "widgets", mock.Anything).Return(true, nil)
	f.tracker.On("ListIssues", mock.Anything, "octo", "widgets", mock.Anything, mock.Anything).Return(nil, limited)

	result, err := f.syncer.SyncRepository(ctx, f.reload(t))
	require.NoError(t, err)
	assert.Equal(t, StatusRateLimited, result.Status)
	assert.Equal(t, 90*time.Second, result.RetryAfter)
	assert.Contains(t, result.Reason(), "1m30s")
	f.tracker.AssertNumberOfCalls(t, "ListIssues", 5)

	repo := f.reload(t)
	assert.True(t, repo.IsActive)
}

func TestSyncRepository_UpstreamFailureReturnsError(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	down := resilience.Wrap(resilience.KindUpstream, "probe repository", errors.New("502 Bad Gateway"))
	f.tracker.On("ProbeAccess", mock.Anything, "octo", "widgets", mock.Anything).Return(false, down)

	result, err := f.syncer.SyncRepository(ctx, f.reload(t))
	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, resilience.KindUpstream, resilience.KindOf(err))
	f.tracker.AssertNumberOfCalls(t, "ProbeAccess", 3)

	repo := f.reload(t)
	assert.True(t, repo.IsActive)
	assert.True(t, f.now.Equal(repo.LastChecked))
}

func TestSyncRepository_NotifierErrorDoesNotFailSync(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")

	f.tracker.On("ProbeAccess", mock.Anything, "octo", "widgets", mock.Anything).Return(true, nil)
	f.tracker.On("ListIssues", mock.Anything, "octo", "widgets", mock.Anything, mock.Anything).
		Return([]models.RemoteIssue{remoteIssue(1, f.now.AddDate(0, 0, -60))}, nil)

	result, err := f.syncer.SyncRepository(t.Context(), f.reload(t))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, result.Status)
	assert.Len(t, result.Transitions, 1)
}

func TestParseRepositoryString(t *testing.T) {
	owner, name, err := ParseRepositoryString("octo/widgets")
	require.NoError(t, err)
	assert.Equal(t, "octo", owner)
	assert.Equal(t, "widgets", name)

	for _, bad := range []string{"", "octo", "octo/", "/widgets", "a/b/c"} {
		_, _, err := ParseRepositoryString(bad)
		assert.Error(t, err, bad)
	}
}
