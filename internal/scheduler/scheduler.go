// Package scheduler drives repository syncs across all active repositories in
// paced, bounded batches.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
	issuesync "github.com/wesm/stalewatch/internal/sync"
)

const (
	DefaultBatchSize  = 5
	DefaultBatchDelay = time.Second

	defaultRetryBase     = 5 * time.Second
	defaultRetryAttempts = 3
)

// ErrSyncInProgress is returned by a manual refresh while the same repository
// is already being synced.
var ErrSyncInProgress = errors.New("repository sync already in progress")

// RepositorySyncer syncs one repository
type RepositorySyncer interface {
	SyncRepository(ctx context.Context, repo *models.Repository) (*issuesync.SyncResult, error)
}

// RepositoryStore lists the repositories to sync
type RepositoryStore interface {
	ListActiveRepositories(ctx context.Context) ([]models.Repository, error)
	GetRepository(ctx context.Context, id int64) (*models.Repository, error)
}

// Recorder receives cycle and sync observations, normally Prometheus metrics
type Recorder interface {
	ObserveCycle(processed, errors, skipped int, duration time.Duration)
	ObserveSync(status string, transitions int)
}

// CycleReport summarizes one pass over all active repositories
type CycleReport struct {
	Processed   int
	Errors      int
	Skipped     int
	Duration    time.Duration
	Transitions int
	// Failed holds the repositories whose sync returned an error or panicked
	Failed []int64
}

// Fields renders the report as structured log fields
func (r *CycleReport) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("processedCount", r.Processed),
		zap.Int("errorCount", r.Errors),
		zap.Int("skippedCount", r.Skipped),
		zap.Int64("durationMs", r.Duration.Milliseconds()),
		zap.Int("transitions", r.Transitions),
	}
}

// Scheduler runs sync cycles
type Scheduler struct {
	store      RepositoryStore
	syncer     RepositorySyncer
	recorder   Recorder
	logger     *zap.Logger
	batchSize  int
	batchDelay time.Duration
	retryBase  time.Duration
	retryMax   int
	sleep      func(context.Context, time.Duration) error
	now        func() time.Time

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithBatchSize sets how many repositories sync concurrently
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithBatchDelay sets the pause between batches
func WithBatchDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.batchDelay = d }
}

// WithRetry sets the backoff for re-driving failed repositories
func WithRetry(base time.Duration, attempts int) Option {
	return func(s *Scheduler) {
		s.retryBase = base
		s.retryMax = attempts
	}
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithLogger sets the scheduler's logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithSleep replaces the context-aware sleep, for tests
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler
func New(store RepositoryStore, syncer RepositorySyncer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      store,
		syncer:     syncer,
		logger:     zap.NewNop(),
		batchSize:  DefaultBatchSize,
		batchDelay: DefaultBatchDelay,
		retryBase:  defaultRetryBase,
		retryMax:   defaultRetryAttempts,
		sleep:      resilience.Sleep,
		now:        time.Now,
		inflight:   make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type outcome struct {
	repo   *models.Repository
	result *issuesync.SyncResult
	err    error
}

// RunCycle syncs every active repository. Repositories are processed in
// batches that run concurrently, with a pause between batches. A failing or
// panicking sync is counted in the report and never stops the cycle.
func (s *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := s.now()
	repos, err := s.store.ListActiveRepositories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active repositories: %w", err)
	}

	s.logger.Info("starting sync cycle",
		zap.Int("repositories", len(repos)),
		zap.Int("batch_size", s.batchSize))

	report := &CycleReport{}
	for i := 0; i < len(repos); i += s.batchSize {
		if i > 0 && s.batchDelay > 0 {
			if err := s.sleep(ctx, s.batchDelay); err != nil {
				s.logger.Warn("sync cycle interrupted", zap.Int("remaining", len(repos)-i), zap.Error(err))
				break
			}
		}
		end := min(i+s.batchSize, len(repos))
		for _, o := range s.runBatch(ctx, repos[i:end]) {
			s.tally(report, o)
		}
	}

	report.Duration = s.now().Sub(start)
	s.logger.Info("sync cycle complete", report.Fields()...)
	if s.recorder != nil {
		s.recorder.ObserveCycle(report.Processed, report.Errors, report.Skipped, report.Duration)
	}
	return report, nil
}

func (s *Scheduler) runBatch(ctx context.Context, repos []models.Repository) []outcome {
	outcomes := make([]outcome, len(repos))
	var g errgroup.Group
	for i := range repos {
		repo := &repos[i]
		outcomes[i].repo = repo
		g.Go(func() error {
			outcomes[i].result, outcomes[i].err = s.syncOne(ctx, repo)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// syncOne runs a single sync with panic recovery and per-repository exclusion
func (s *Scheduler) syncOne(ctx context.Context, repo *models.Repository) (result *issuesync.SyncResult, err error) {
	if !s.acquire(repo.ID) {
		return nil, ErrSyncInProgress
	}
	defer s.release(repo.ID)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while syncing repository",
				zap.String("repository", repo.FullName),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result = nil
			err = fmt.Errorf("panic while syncing %s: %v", repo.FullName, r)
		}
	}()
	return s.syncer.SyncRepository(ctx, repo)
}

func (s *Scheduler) tally(report *CycleReport, o outcome) {
	logger := s.logger.With(zap.String("repository", o.repo.FullName), zap.Int64("repository_id", o.repo.ID))

	status := issuesync.StatusFailed
	transitions := 0
	switch {
	case errors.Is(o.err, ErrSyncInProgress):
		logger.Info("repository already syncing, skipped")
		report.Skipped++
		return
	case o.err != nil || o.result == nil:
		logger.Error("repository sync failed", zap.Error(o.err))
		report.Errors++
		report.Failed = append(report.Failed, o.repo.ID)
	default:
		status = o.result.Status
		transitions = len(o.result.Transitions)
		switch status {
		case issuesync.StatusOK:
			report.Processed++
			report.Transitions += transitions
		case issuesync.StatusAccessRevoked, issuesync.StatusReauthRequired, issuesync.StatusRateLimited:
			logger.Info("repository skipped", zap.String("status", string(status)))
			report.Skipped++
		default:
			report.Errors++
			report.Failed = append(report.Failed, o.repo.ID)
		}
	}
	if s.recorder != nil {
		s.recorder.ObserveSync(string(status), transitions)
	}
}

// RetryFailed re-drives repositories that failed in a cycle. Each repository
// gets a bounded number of whole-sync attempts with exponential backoff;
// errors from repositories that never recovered are combined.
func (s *Scheduler) RetryFailed(ctx context.Context, repoIDs []int64) error {
	var errs error
	for _, id := range repoIDs {
		errs = multierr.Append(errs, s.retryRepository(ctx, id))
	}
	return errs
}

func (s *Scheduler) retryRepository(ctx context.Context, id int64) error {
	var lastErr error
	for attempt := 1; attempt <= s.retryMax; attempt++ {
		delay := resilience.Backoff(s.retryBase, attempt, nil, 0)
		if err := s.sleep(ctx, delay); err != nil {
			return multierr.Append(lastErr, err)
		}

		repo, err := s.store.GetRepository(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		if !repo.IsActive {
			return nil
		}

		result, err := s.syncOne(ctx, repo)
		if err == nil {
			s.logger.Info("failed repository recovered",
				zap.String("repository", repo.FullName),
				zap.Int("attempt", attempt),
				zap.String("status", string(result.Status)))
			if s.recorder != nil {
				s.recorder.ObserveSync(string(result.Status), len(result.Transitions))
			}
			return nil
		}
		lastErr = err
		s.logger.Warn("retry of failed repository failed",
			zap.Int64("repository_id", id),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return fmt.Errorf("repository %d still failing after %d attempts: %w", id, s.retryMax, lastErr)
}

// Run executes a cycle immediately and then on every tick until ctx is done.
// A cycle that has started runs to completion even if ctx is cancelled, but
// the retries of its failures stop. Ticks that arrive while a cycle is
// running are dropped.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.cycle(ctx)

		// drop a tick that queued up during the cycle
		select {
		case <-ticker.C:
		default:
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	report, err := s.RunCycle(context.WithoutCancel(ctx))
	if err != nil {
		s.logger.Error("sync cycle failed", zap.Error(err))
		return
	}
	if len(report.Failed) == 0 {
		return
	}
	if err := s.RetryFailed(ctx, report.Failed); err != nil {
		s.logger.Warn("some repositories are still failing",
			zap.Int("count", len(multierr.Errors(err))),
			zap.Error(err))
	}
}

// RefreshRepository syncs one repository on demand, bypassing the timer.
// Inactive repositories are reported through the result, not synced.
func (s *Scheduler) RefreshRepository(ctx context.Context, id int64) (*issuesync.SyncResult, error) {
	repo, err := s.store.GetRepository(ctx, id)
	if err != nil {
		return nil, err
	}
	if !repo.IsActive {
		status := issuesync.StatusAccessRevoked
		if repo.DeactivationReason == models.DeactivationReauthRequired {
			status = issuesync.StatusReauthRequired
		}
		return &issuesync.SyncResult{RepositoryID: repo.ID, FullName: repo.FullName, Status: status}, nil
	}

	result, err := s.syncOne(ctx, repo)
	if s.recorder != nil && result != nil {
		s.recorder.ObserveSync(string(result.Status), len(result.Transitions))
	}
	return result, err
}

func (s *Scheduler) acquire(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id int64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
