package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/stalewatch/internal/models"
)

func statusCmd(configPath *string) *cobra.Command {
	var (
		userEmail string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "status [owner/name]",
		Short: "Show a repository's rules, stale issues and recent notifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			repo, err := a.findRepository(ctx, userEmail, args[0])
			if err != nil {
				return err
			}

			state := "active"
			if !repo.IsActive {
				state = "inactive (" + string(repo.DeactivationReason) + ")"
			}
			checked := "never"
			if !repo.LastChecked.IsZero() {
				checked = repo.LastChecked.Local().Format(time.RFC1123)
			}
			total, err := a.db.CountIssues(ctx, repo.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %s, last checked %s, %d issues tracked\n", repo.FullName, state, checked, total)

			rules, err := a.db.ListRules(ctx, repo.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nRules (%d)\n", len(rules))
			for _, r := range rules {
				active := ""
				if !r.IsActive {
					active = " [disabled]"
				}
				labels := "any label"
				if len(r.Labels) > 0 {
					labels = "labels " + strings.Join(r.Labels, ",")
				}
				fmt.Fprintf(out, "  %-16s %3d days, states %s, %s, assignee %s%s\n",
					r.Name, r.InactivityDays, strings.Join(r.IssueStates, ","), labels, r.Assignee, active)
			}

			stale, err := a.db.ListStaleIssues(ctx, repo.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nStale issues (%d)\n", len(stale))
			for _, issue := range stale {
				notified := "not yet notified"
				if issue.LastNotified != nil {
					notified = "notified " + issue.LastNotified.Local().Format(time.DateTime)
				}
				fmt.Fprintf(out, "  #%-6d %s (%s)\n", issue.Number, issue.Title, notified)
			}

			recs, err := a.db.ListNotificationsByUser(ctx, repo.UserID)
			if err != nil {
				return err
			}
			printNotifications(out, recs, repo.ID, limit)
			return nil
		},
	}

	cmd.Flags().StringVarP(&userEmail, "user", "u", "", "Email of the owning user")
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of recent notifications to show")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printNotifications(out io.Writer, recs []models.NotificationRecord, repoID int64, limit int) {
	var shown []models.NotificationRecord
	for _, rec := range recs {
		if rec.RepositoryID == repoID {
			shown = append(shown, rec)
		}
	}
	if len(shown) > limit {
		shown = shown[len(shown)-limit:]
	}

	fmt.Fprintf(out, "\nRecent notifications (%d)\n", len(shown))
	for _, rec := range shown {
		line := fmt.Sprintf("  %s  %-9s %-9s %d issues", rec.CreatedAt.Local().Format(time.DateTime), rec.Status, rec.Mode, len(rec.IssueIDs))
		if rec.DeferredUntil != nil && rec.Status == models.StatusPending {
			line += ", held until " + rec.DeferredUntil.Local().Format(time.Kitchen)
		}
		if rec.Error != "" {
			line += ": " + rec.Error
		}
		fmt.Fprintln(out, line)
	}
}

func setPrefsCmd(configPath *string) *cobra.Command {
	var (
		frequency  string
		timezone   string
		quietStart int
		quietEnd   int
		quietOff   bool
		pause      bool
		resume     bool
	)

	cmd := &cobra.Command{
		Use:   "set-prefs [email]",
		Short: "Change a user's notification preferences",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pause && resume {
				return fmt.Errorf("--pause and --resume are mutually exclusive")
			}

			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			user, err := a.lookupUser(ctx, args[0])
			if err != nil {
				return err
			}

			prefs := user.Preferences
			flags := cmd.Flags()
			if flags.Changed("frequency") {
				freq := models.EmailFrequency(frequency)
				switch freq {
				case models.FrequencyImmediate, models.FrequencyDaily, models.FrequencyWeekly:
				default:
					return fmt.Errorf("invalid frequency %q", frequency)
				}
				prefs.EmailFrequency = freq
			}
			if flags.Changed("timezone") {
				if _, err := time.LoadLocation(timezone); err != nil {
					return fmt.Errorf("invalid timezone: %w", err)
				}
				prefs.Timezone = timezone
			}
			if flags.Changed("quiet-start") {
				prefs.QuietHours.Enabled = true
				prefs.QuietHours.Start = quietStart
			}
			if flags.Changed("quiet-end") {
				prefs.QuietHours.Enabled = true
				prefs.QuietHours.End = quietEnd
			}
			if quietOff {
				prefs.QuietHours.Enabled = false
			}
			if pause {
				prefs.PauseNotifications = true
			}
			if resume {
				// bounces that caused the pause no longer count
				prefs.PauseNotifications = false
				prefs.BounceCount = 0
			}
			if q := prefs.QuietHours; q.Start < 0 || q.Start > 23 || q.End < 0 || q.End > 23 {
				return fmt.Errorf("quiet hours must be between 0 and 23")
			}

			if err := a.db.UpdateNotificationPreferences(ctx, user.ID, prefs); err != nil {
				return err
			}

			quiet := "off"
			if prefs.QuietHours.Enabled {
				quiet = fmt.Sprintf("%02d:00-%02d:00", prefs.QuietHours.Start, prefs.QuietHours.End)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s emails, quiet hours %s, paused %t\n",
				user.Email, prefs.EmailFrequency, quiet, prefs.PauseNotifications)
			return nil
		},
	}

	cmd.Flags().StringVar(&frequency, "frequency", "", "Email frequency (immediate, daily, weekly)")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for quiet hours")
	cmd.Flags().IntVar(&quietStart, "quiet-start", 22, "Hour quiet hours begin")
	cmd.Flags().IntVar(&quietEnd, "quiet-end", 7, "Hour quiet hours end")
	cmd.Flags().BoolVar(&quietOff, "quiet-off", false, "Disable quiet hours")
	cmd.Flags().BoolVar(&pause, "pause", false, "Stop all email to the user")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume email and clear the bounce count")
	return cmd
}
