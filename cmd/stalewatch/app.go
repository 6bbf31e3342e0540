package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wesm/stalewatch/config"
	"github.com/wesm/stalewatch/internal/api"
	"github.com/wesm/stalewatch/internal/db"
	"github.com/wesm/stalewatch/internal/email"
	"github.com/wesm/stalewatch/internal/metrics"
	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/notify"
	"github.com/wesm/stalewatch/internal/resilience"
	"github.com/wesm/stalewatch/internal/scheduler"
	issuesync "github.com/wesm/stalewatch/internal/sync"
	"github.com/wesm/stalewatch/pkg/logger"
)

// app holds the wired components for one command invocation
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	db         *db.DB
	metrics    *metrics.Metrics
	syncer     *issuesync.Syncer
	dispatcher *notify.Dispatcher
	digester   *notify.Digester
	scheduler  *scheduler.Scheduler
}

// openApp loads configuration and opens the database. Remote clients are only
// built by wire, so store-only commands work without credentials.
func openApp(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	if err := database.Initialize(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &app{cfg: cfg, logger: log, db: database}, nil
}

// wire builds the GitHub, email, sync and scheduling components
func (a *app) wire() error {
	if err := a.cfg.ValidateEmail(); err != nil {
		return err
	}

	m, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	a.metrics = m

	githubGuard := a.guard("github")
	emailGuard := a.guard("email")

	clientOpts := []api.ClientOption{api.WithLogger(a.logger.Named("github"))}
	if rps := a.cfg.GitHub.RequestsPerSecond; rps > 0 {
		clientOpts = append(clientOpts, api.WithRateLimit(rate.NewLimiter(rate.Limit(rps), int(rps)+1)))
	}
	if base := a.cfg.GitHub.BaseURL; base != "" {
		u, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
		if err != nil {
			return fmt.Errorf("invalid github.base_url: %w", err)
		}
		clientOpts = append(clientOpts, api.WithBaseURL(u))
	}
	client := api.NewGitHubClient(clientOpts...)

	sender, err := a.sender()
	if err != nil {
		return err
	}

	a.dispatcher = notify.NewDispatcher(a.db, sender, notify.Config{
		From:            a.cfg.Email.From,
		DedupWindow:     a.cfg.Email.DedupWindow,
		BounceThreshold: a.cfg.Email.BounceThreshold,
	},
		notify.WithGuard(emailGuard),
		notify.WithRecorder(a.metrics),
		notify.WithLogger(a.logger.Named("notify")),
	)
	a.digester = notify.NewDigester(a.dispatcher)

	syncOpts := []issuesync.Option{
		issuesync.WithGuard(githubGuard),
		issuesync.WithNotifier(a.dispatcher),
		issuesync.WithLogger(a.logger.Named("sync")),
	}
	if a.cfg.GitHub.ClientID != "" {
		syncOpts = append(syncOpts, issuesync.WithRefresher(
			api.NewTokenRefresher(a.cfg.GitHub.ClientID, a.cfg.GitHub.ClientSecret, a.cfg.GitHub.TokenURL, nil)))
	}
	a.syncer = issuesync.New(a.db, client, syncOpts...)

	a.scheduler = scheduler.New(a.db, a.syncer,
		scheduler.WithBatchSize(a.cfg.Scheduler.BatchSize),
		scheduler.WithBatchDelay(a.cfg.Scheduler.BatchDelay),
		scheduler.WithRecorder(a.metrics),
		scheduler.WithLogger(a.logger.Named("scheduler")),
	)
	return nil
}

// guard builds the shared breaker and retrier for one remote service
func (a *app) guard(service string) *resilience.Guard {
	cfg := resilience.DefaultBreakerConfig()
	cfg.IsFailure = resilience.UpstreamFailure
	cfg.OnStateChange = a.metrics.BreakerStateChanged
	breaker := resilience.NewCircuitBreaker(service, cfg,
		resilience.WithBreakerLogger(a.logger.Named("breaker")))
	retrier := resilience.NewRetrier(resilience.WithRetryLogger(a.logger.Named("retry")))
	return resilience.NewGuard(breaker, retrier)
}

func (a *app) sender() (email.Sender, error) {
	if a.cfg.Email.ResendAPIKey != "" {
		opts := []email.ResendOption{email.WithResendLogger(a.logger.Named("resend"))}
		if a.cfg.Email.ResendBaseURL != "" {
			opts = append(opts, email.WithResendBaseURL(a.cfg.Email.ResendBaseURL))
		}
		return email.NewResendClient(a.cfg.Email.ResendAPIKey, opts...), nil
	}
	return email.NewSMTPSender(a.cfg.Email.SMTPURL, 30*time.Second, a.logger.Named("smtp"))
}

// verifier checks credentials and repositories at registration time
func (a *app) verifier() *api.GraphQLClient {
	return api.NewGraphQLClient(api.GraphQLEndpointFor(a.cfg.GitHub.BaseURL), nil)
}

func (a *app) digestSchedule() (notify.DigestSchedule, error) {
	weekday, err := a.cfg.DigestWeekday()
	if err != nil {
		return notify.DigestSchedule{}, err
	}
	return notify.DigestSchedule{Hour: a.cfg.Digest.Hour, Weekday: weekday}, nil
}

// findRepository resolves an owner/name argument for the user with the given email
func (a *app) findRepository(ctx context.Context, userEmail, repoStr string) (*models.Repository, error) {
	owner, name, err := issuesync.ParseRepositoryString(repoStr)
	if err != nil {
		return nil, err
	}
	user, err := a.lookupUser(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	repo, err := a.db.GetRepositoryByFullName(ctx, user.ID, owner+"/"+name)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, fmt.Errorf("repository %s/%s is not watched by %s", owner, name, userEmail)
	}
	return repo, nil
}

func (a *app) lookupUser(ctx context.Context, userEmail string) (*models.User, error) {
	user, err := a.db.GetUserByEmail(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("no user with email %s", userEmail)
	}
	return user, nil
}

func (a *app) Close() error {
	_ = a.logger.Sync() // fails on terminals, nothing to do about it
	return a.db.Close()
}
