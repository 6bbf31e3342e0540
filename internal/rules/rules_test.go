package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
)

var now = time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC)

func ptr(s string) *string { return &s }

func daysAgo(days float64) time.Time {
	return now.Add(-time.Duration(days * float64(24*time.Hour)))
}

func baseRule() models.Rule {
	return models.Rule{
		InactivityDays: 30,
		IssueStates:    []string{models.StateOpen},
		Assignee:       models.AnyAssignee(),
		IsActive:       true,
	}
}

func TestDaysSinceActivity(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, DaysSinceActivity(now, now))
	assert.Equal(t, 0, DaysSinceActivity(daysAgo(0.99), now))
	assert.Equal(t, 1, DaysSinceActivity(daysAgo(1), now))
	assert.Equal(t, 45, DaysSinceActivity(daysAgo(45.5), now))
	assert.Equal(t, -1, DaysSinceActivity(now.Add(time.Hour), now), "future activity floors toward negative")
}

func TestDaysSinceActivity_Monotonic(t *testing.T) {
	t.Parallel()

	last := daysAgo(10)
	prev := DaysSinceActivity(last, now)
	for h := 1; h <= 24*40; h++ {
		cur := DaysSinceActivity(last, now.Add(time.Duration(h)*time.Hour))
		require.GreaterOrEqual(t, cur, prev)
		require.Equal(t, cur, DaysSinceActivity(last, now.Add(time.Duration(h)*time.Hour)), "re-evaluation is stable")
		prev = cur
	}
}

func TestMatches_Clauses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		issue models.Issue
		rule  func() models.Rule
		want  bool
	}{
		{
			name:  "old open issue matches",
			issue: models.Issue{State: models.StateOpen, LastActivity: daysAgo(45)},
			rule:  baseRule,
			want:  true,
		},
		{
			name:  "exactly at threshold matches",
			issue: models.Issue{State: models.StateOpen, LastActivity: daysAgo(30)},
			rule:  baseRule,
			want:  true,
		},
		{
			name:  "too recent",
			issue: models.Issue{State: models.StateOpen, LastActivity: daysAgo(29.9)},
			rule:  baseRule,
			want:  false,
		},
		{
			name:  "wrong state",
			issue: models.Issue{State: models.StateClosed, LastActivity: daysAgo(45)},
			rule:  baseRule,
			want:  false,
		},
		{
			name:  "label intersection is case-insensitive",
			issue: models.Issue{State: models.StateOpen, LastActivity: daysAgo(45), Labels: []string{"Bug", "ui"}},
			rule: func() models.Rule {
				r := baseRule()
				r.Labels = []string{"bug"}
				return r
			},
			want: true,
		},
		{
			name:  "no shared label",
			issue: models.Issue{State: models.StateOpen, LastActivity: daysAgo(45), Labels: []string{"docs"}},
			rule: func() models.Rule {
				r := baseRule()
				r.Labels = []string{"bug", "crash"}
				return r
			},
			want: false,
		},
		{
			name:  "label rule never matches unlabeled issue",
			issue: models.Issue{State: models.StateOpen, LastActivity: daysAgo(45)},
			rule: func() models.Rule {
				r := baseRule()
				r.Labels = []string{"bug"}
				return r
			},
			want: false,
		},
		{
			name:  "assigned requires assignee",
			issue: models.Issue{State: models.StateOpen, LastActivity: daysAgo(45)},
			rule: func() models.Rule {
				r := baseRule()
				r.Assignee = models.AssignedOnly()
				return r
			},
			want: false,
		},
		{
			name:  "unassigned requires no assignee",
			issue: models.Issue{State: models.StateOpen, LastActivity: daysAgo(45), Assignee: ptr("octocat")},
			rule: func() models.Rule {
				r := baseRule()
				r.Assignee = models.UnassignedOnly()
				return r
			},
			want: false,
		},
		{
			name:  "specific user member",
			issue: models.Issue{State: models.StateOpen, LastActivity: daysAgo(45), Assignee: ptr("OctoCat")},
			rule: func() models.Rule {
				r := baseRule()
				r.Assignee = models.SpecificUsers("octocat", "hubot")
				return r
			},
			want: true,
		},
		{
			name:  "specific users rejects unassigned",
			issue: models.Issue{State: models.StateOpen, LastActivity: daysAgo(45)},
			rule: func() models.Rule {
				r := baseRule()
				r.Assignee = models.SpecificUsers("octocat")
				return r
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rule := tt.rule()
			assert.Equal(t, tt.want, Matches(&tt.issue, &rule, now))
		})
	}
}

func TestIsStale_OrSemantics(t *testing.T) {
	t.Parallel()

	issue := models.Issue{State: models.StateOpen, LastActivity: daysAgo(10), Labels: []string{"bug"}}

	strict := baseRule()
	loose := baseRule()
	loose.InactivityDays = 7
	loose.Labels = []string{"bug"}

	assert.False(t, IsStale(&issue, []models.Rule{strict}, now))
	assert.True(t, IsStale(&issue, []models.Rule{strict, loose}, now), "rules in a repository are ORed")
	assert.False(t, IsStale(&issue, nil, now))
}

func TestIsStale_InactiveAndDuplicateRules(t *testing.T) {
	t.Parallel()

	issues := []models.Issue{
		{State: models.StateOpen, LastActivity: daysAgo(45)},
		{State: models.StateOpen, LastActivity: daysAgo(3)},
		{State: models.StateClosed, LastActivity: daysAgo(100), Assignee: ptr("hubot")},
	}

	matching := baseRule()
	inactive := baseRule()
	inactive.InactivityDays = 1
	inactive.IssueStates = []string{models.StateOpen, models.StateClosed}
	inactive.IsActive = false

	for i := range issues {
		base := IsStale(&issues[i], []models.Rule{matching}, now)
		assert.Equal(t, base, IsStale(&issues[i], []models.Rule{matching, inactive}, now), "inactive rule changed issue %d", i)
		assert.Equal(t, base, IsStale(&issues[i], []models.Rule{matching, matching}, now), "duplicate rule changed issue %d", i)
	}
}

func TestEngine_UsesClock(t *testing.T) {
	t.Parallel()

	clock := now
	engine := NewEngine(func() time.Time { return clock })
	issue := models.Issue{State: models.StateOpen, LastActivity: daysAgo(29)}
	rule := baseRule()

	assert.False(t, engine.Matches(&issue, &rule))
	clock = clock.Add(24 * time.Hour)
	assert.True(t, engine.IsStale(&issue, []models.Rule{rule}), "elapsed time alone crosses the threshold")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := baseRule()
	require.NoError(t, Validate(&valid))

	tests := []struct {
		name   string
		mutate func(*models.Rule)
	}{
		{"empty states", func(r *models.Rule) { r.IssueStates = nil }},
		{"unknown state", func(r *models.Rule) { r.IssueStates = []string{"merged"} }},
		{"zero days", func(r *models.Rule) { r.InactivityDays = 0 }},
		{"too many days", func(r *models.Rule) { r.InactivityDays = 366 }},
		{"empty user list", func(r *models.Rule) { r.Assignee = models.SpecificUsers() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rule := baseRule()
			tt.mutate(&rule)
			err := Validate(&rule)
			require.Error(t, err)
			assert.True(t, resilience.IsKind(err, resilience.KindValidation))
		})
	}
}
