// Package rules decides whether an issue is stale under a repository's rules.
// Everything here is pure: results depend only on the inputs and the time
// passed in.
package rules

import (
	"strings"
	"time"

	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
)

const day = 24 * time.Hour

// MinInactivityDays and MaxInactivityDays bound Rule.InactivityDays.
const (
	MinInactivityDays = 1
	MaxInactivityDays = 365
)

// DaysSinceActivity returns the whole number of days between lastActivity and
// now, rounded down. Activity in the future yields a negative count.
func DaysSinceActivity(lastActivity, now time.Time) int {
	elapsed := now.Sub(lastActivity)
	days := elapsed / day
	if elapsed < 0 && elapsed%day != 0 {
		days--
	}
	return int(days)
}

// Matches reports whether issue satisfies every clause of rule. Clauses are
// checked cheapest first and evaluation stops at the first one that fails.
func Matches(issue *models.Issue, rule *models.Rule, now time.Time) bool {
	if DaysSinceActivity(issue.LastActivity, now) < rule.InactivityDays {
		return false
	}
	if !containsFold(rule.IssueStates, issue.State) {
		return false
	}
	if len(rule.Labels) > 0 && !labelsIntersect(rule.Labels, issue.Labels) {
		return false
	}
	return assigneeMatches(rule.Assignee, issue.Assignee)
}

// IsStale ORs Matches over the active rules. Inactive rules are ignored.
func IsStale(issue *models.Issue, rules []models.Rule, now time.Time) bool {
	for i := range rules {
		if rules[i].IsActive && Matches(issue, &rules[i], now) {
			return true
		}
	}
	return false
}

func assigneeMatches(cond models.AssigneeCondition, assignee *string) bool {
	switch cond.Kind {
	case models.AssigneeAssigned:
		return assignee != nil
	case models.AssigneeUnassigned:
		return assignee == nil
	case models.AssigneeSpecificUsers:
		return assignee != nil && containsFold(cond.Users, *assignee)
	default:
		return true
	}
}

func labelsIntersect(want, have []string) bool {
	for _, label := range have {
		if containsFold(want, label) {
			return true
		}
	}
	return false
}

func containsFold(set []string, s string) bool {
	for _, v := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Validate rejects rules that can never be evaluated sensibly.
func Validate(rule *models.Rule) error {
	const op = "validate rule"

	if rule.InactivityDays < MinInactivityDays || rule.InactivityDays > MaxInactivityDays {
		return resilience.NewError(resilience.KindValidation, op,
			"inactivity days must be between %d and %d, got %d", MinInactivityDays, MaxInactivityDays, rule.InactivityDays)
	}
	if len(rule.IssueStates) == 0 {
		return resilience.NewError(resilience.KindValidation, op, "at least one issue state is required")
	}
	for _, state := range rule.IssueStates {
		if state != models.StateOpen && state != models.StateClosed {
			return resilience.NewError(resilience.KindValidation, op, "unknown issue state %q", state)
		}
	}
	switch rule.Assignee.Kind {
	case "", models.AssigneeAny, models.AssigneeAssigned, models.AssigneeUnassigned:
	case models.AssigneeSpecificUsers:
		if len(rule.Assignee.Users) == 0 {
			return resilience.NewError(resilience.KindValidation, op, "assignee list must name at least one user")
		}
	default:
		return resilience.NewError(resilience.KindValidation, op, "unknown assignee condition %q", rule.Assignee.Kind)
	}
	return nil
}

// Engine evaluates rules against a clock, for callers that do not want to
// thread time through every call.
type Engine struct {
	now func() time.Time
}

// NewEngine returns an Engine; a nil clock means time.Now.
func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{now: now}
}

// Now returns the engine's current time.
func (e *Engine) Now() time.Time {
	return e.now()
}

// Matches is Matches evaluated at the engine's current time.
func (e *Engine) Matches(issue *models.Issue, rule *models.Rule) bool {
	return Matches(issue, rule, e.now())
}

// IsStale is IsStale evaluated at the engine's current time.
func (e *Engine) IsStale(issue *models.Issue, rules []models.Rule) bool {
	return IsStale(issue, rules, e.now())
}
