package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesm/stalewatch/config"
	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/notify"
	"github.com/wesm/stalewatch/internal/server"
	issuesync "github.com/wesm/stalewatch/internal/sync"
)

func initCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file and the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.CreateDefaultConfig(*configPath); err != nil {
				return fmt.Errorf("failed to create default configuration: %w", err)
			}
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration at %s, database at %s\n", *configPath, a.cfg.DatabasePath)
			return nil
		},
	}
}

func addUserCmd(configPath *string) *cobra.Command {
	var (
		accessToken  string
		refreshToken string
		frequency    string
		timezone     string
		quietStart   int
		quietEnd     int
		verify       bool
	)

	cmd := &cobra.Command{
		Use:   "add-user [email]",
		Short: "Register a user and their GitHub credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			freq := models.EmailFrequency(frequency)
			switch freq {
			case models.FrequencyImmediate, models.FrequencyDaily, models.FrequencyWeekly:
			default:
				return fmt.Errorf("invalid frequency %q", frequency)
			}
			if timezone != "" {
				if _, err := time.LoadLocation(timezone); err != nil {
					return fmt.Errorf("invalid timezone: %w", err)
				}
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if verify {
				viewer, err := a.verifier().Viewer(cmd.Context(), models.Credentials{AccessToken: accessToken})
				if err != nil {
					return fmt.Errorf("GitHub rejected the access token: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Token belongs to %s (%d of %d GraphQL points left)\n",
					viewer.Login, viewer.RateRemaining, viewer.RateLimit)
			}

			user := &models.User{
				Email:       args[0],
				Credentials: models.Credentials{AccessToken: accessToken, RefreshToken: refreshToken},
				Preferences: models.UserNotificationPreferences{
					EmailFrequency: freq,
					Timezone:       timezone,
					QuietHours: models.QuietHours{
						Enabled: cmd.Flags().Changed("quiet-start") || cmd.Flags().Changed("quiet-end"),
						Start:   quietStart,
						End:     quietEnd,
					},
				},
			}
			if err := a.db.CreateUser(cmd.Context(), user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added user %s (id %d)\n", user.Email, user.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&accessToken, "access-token", os.Getenv("GITHUB_TOKEN"), "GitHub access token (defaults to $GITHUB_TOKEN)")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "GitHub refresh token")
	cmd.Flags().StringVar(&frequency, "frequency", string(models.FrequencyImmediate), "Email frequency (immediate, daily, weekly)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for quiet hours")
	cmd.Flags().IntVar(&quietStart, "quiet-start", 22, "Hour quiet hours begin")
	cmd.Flags().IntVar(&quietEnd, "quiet-end", 7, "Hour quiet hours end")
	cmd.Flags().BoolVar(&verify, "verify", true, "Check the access token with GitHub first")
	return cmd
}

func addRepoCmd(configPath *string) *cobra.Command {
	var (
		userEmail string
		verify    bool
	)

	cmd := &cobra.Command{
		Use:   "add-repo [owner/name]",
		Short: "Watch a repository for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, name, err := issuesync.ParseRepositoryString(args[0])
			if err != nil {
				return fmt.Errorf("invalid repository format: %w", err)
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			user, err := a.lookupUser(ctx, userEmail)
			if err != nil {
				return err
			}

			fullName := owner + "/" + name
			if verify {
				info, err := a.verifier().Repository(ctx, owner, name, user.Credentials)
				if err != nil {
					return fmt.Errorf("cannot read %s with %s's credentials: %w", fullName, user.Email, err)
				}
				fullName = info.FullName
				if !info.IssuesEnabled {
					fmt.Fprintf(cmd.OutOrStdout(), "Warning: issues are disabled on %s\n", fullName)
				}
				if info.Archived {
					fmt.Fprintf(cmd.OutOrStdout(), "Warning: %s is archived\n", fullName)
				}
			}

			existing, err := a.db.GetRepositoryByFullName(ctx, user.ID, fullName)
			if err != nil {
				return err
			}
			if existing != nil {
				if !existing.IsActive {
					if err := a.db.ActivateRepository(ctx, existing.ID); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Reactivated repository %s\n", existing.FullName)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Repository %s is already watched\n", existing.FullName)
				return nil
			}

			repo := &models.Repository{UserID: user.ID, FullName: fullName, IsActive: true}
			if err := a.db.CreateRepository(ctx, repo); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added repository %s (id %d)\n", repo.FullName, repo.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userEmail, "user", "u", "", "Email of the owning user")
	cmd.Flags().BoolVar(&verify, "verify", true, "Check the repository is readable with the user's credentials first")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func addRuleCmd(configPath *string) *cobra.Command {
	var (
		userEmail string
		name      string
		days      int
		labels    []string
		states    []string
		assignee  string
	)

	cmd := &cobra.Command{
		Use:   "add-rule [owner/name]",
		Short: "Add a staleness rule to a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			repo, err := a.findRepository(cmd.Context(), userEmail, args[0])
			if err != nil {
				return err
			}

			rule := &models.Rule{
				RepositoryID:   repo.ID,
				Name:           name,
				InactivityDays: days,
				Labels:         labels,
				IssueStates:    states,
				Assignee:       models.ParseAssigneeCondition(assignee),
				IsActive:       true,
			}
			if err := a.db.CreateRule(cmd.Context(), rule); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added rule %q to %s: %d days, states %s, assignee %s\n",
				rule.Name, repo.FullName, rule.InactivityDays, strings.Join(rule.IssueStates, ","), rule.Assignee)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userEmail, "user", "u", "", "Email of the owning user")
	cmd.Flags().StringVar(&name, "name", "stale", "Rule name")
	cmd.Flags().IntVar(&days, "days", 30, "Days without activity before an issue is stale")
	cmd.Flags().StringSliceVar(&labels, "labels", nil, "Only issues with one of these labels")
	cmd.Flags().StringSliceVar(&states, "states", []string{models.StateOpen}, "Issue states the rule applies to")
	cmd.Flags().StringVar(&assignee, "assignee", "any", "any, assigned, unassigned or a comma-separated list of logins")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func syncRepoCmd(configPath *string) *cobra.Command {
	var userEmail string

	cmd := &cobra.Command{
		Use:   "sync-repo [owner/name]",
		Short: "Sync one repository now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.wire(); err != nil {
				return err
			}

			repo, err := a.findRepository(cmd.Context(), userEmail, args[0])
			if err != nil {
				return err
			}

			result, err := a.scheduler.RefreshRepository(cmd.Context(), repo.ID)
			if result != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s, %d issues (%d new, %d updated), %d stale, %d newly stale\n",
					repo.FullName, result.Status, result.TotalIssues, result.NewIssues, result.UpdatedIssues,
					result.StaleIssues, len(result.Transitions))
				if reason := result.Reason(); reason != "" {
					fmt.Fprintln(cmd.OutOrStdout(), reason)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&userEmail, "user", "u", "", "Email of the owning user")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func cycleCmd(configPath *string) *cobra.Command {
	var retry bool

	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one sync cycle over every active repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.wire(); err != nil {
				return err
			}

			report, err := a.scheduler.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Processed %d, errors %d, skipped %d, newly stale %d in %v\n",
				report.Processed, report.Errors, report.Skipped, report.Transitions, report.Duration.Round(time.Millisecond))

			if retry && len(report.Failed) > 0 {
				return a.scheduler.RetryFailed(cmd.Context(), report.Failed)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&retry, "retry", true, "Retry failed repositories with backoff")
	return cmd
}

func digestCmd(configPath *string) *cobra.Command {
	var flushDeferred bool

	cmd := &cobra.Command{
		Use:       "digest [daily|weekly]",
		Short:     "Send queued digest emails now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(models.FrequencyDaily), string(models.FrequencyWeekly)},
		RunE: func(cmd *cobra.Command, args []string) error {
			freq := models.EmailFrequency(args[0])
			if freq != models.FrequencyDaily && freq != models.FrequencyWeekly {
				return fmt.Errorf("frequency must be daily or weekly, got %q", args[0])
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.wire(); err != nil {
				return err
			}

			if flushDeferred {
				n, err := a.dispatcher.FlushDeferred(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Flushed %d deferred notifications\n", n)
			}

			report, err := a.digester.Run(cmd.Context(), freq)
			if report != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Digest for %d users: %d sent, %d suppressed, %d failed\n",
					report.Users, report.Sent, report.Suppressed, report.Failed)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&flushDeferred, "flush-deferred", true, "Also send notifications held back by quiet hours")
	return cmd
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, digest jobs and HTTP server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.wire(); err != nil {
				return err
			}

			schedule, err := a.digestSchedule()
			if err != nil {
				return err
			}
			if a.cfg.Scheduler.Interval <= 0 || a.cfg.Digest.JobTick <= 0 {
				return errors.New("scheduler.interval and digest.job_tick must be positive")
			}

			if a.cfg.Email.WebhookSecret == "" {
				a.logger.Warn("email.webhook_secret is not set, delivery webhooks will be rejected")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			router := server.NewRouter(server.Deps{
				Refresher:     a.scheduler,
				Delivery:      a.dispatcher,
				Store:         a.db,
				Metrics:       a.metrics.Handler(),
				WebhookSecret: a.cfg.Email.WebhookSecret,
			}, a.logger.Named("http"))
			srv := server.NewServer(a.cfg.Server.Addr, router, a.logger.Named("http"))

			a.logger.Info("stalewatch starting",
				zap.Duration("interval", a.cfg.Scheduler.Interval),
				zap.Int("batch_size", a.cfg.Scheduler.BatchSize),
				zap.Stringer("digests", schedule))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return ignoreCanceled(a.scheduler.Run(gctx, a.cfg.Scheduler.Interval))
			})
			g.Go(func() error {
				return ignoreCanceled(notify.RunJobs(gctx, a.dispatcher, a.digester, schedule, a.cfg.Digest.JobTick))
			})
			g.Go(srv.Start)
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			a.logger.Info("stalewatch stopped", zap.Error(err))
			return err
		},
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
