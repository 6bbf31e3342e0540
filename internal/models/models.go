package models

import (
	"time"
)

// Issue states as reported by GitHub
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Credentials holds the OAuth tokens used to call GitHub on a user's behalf
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// User owns repositories and receives notifications
type User struct {
	ID          int64
	Email       string
	Credentials Credentials
	// NeedsReauth is set when GitHub rejected the user's credentials and no
	// refresh was possible
	NeedsReauth bool
	Preferences UserNotificationPreferences
}

// DeactivationReason records why a repository stopped being synced
type DeactivationReason string

const (
	DeactivationNone           DeactivationReason = ""
	DeactivationAccessRevoked  DeactivationReason = "access_revoked"
	DeactivationReauthRequired DeactivationReason = "reauth_required"
)

// Repository represents a watched GitHub repository
type Repository struct {
	ID                 int64
	UserID             int64
	FullName           string
	IsActive           bool
	LastChecked        time.Time // zero until the first sync
	LastIssueCount     int
	DeactivationReason DeactivationReason
}

// Rule describes when an issue in a repository counts as stale
type Rule struct {
	ID             int64
	RepositoryID   int64
	Name           string
	InactivityDays int
	Labels         []string // empty matches every issue
	IssueStates    []string
	Assignee       AssigneeCondition
	IsActive       bool
}

// Issue is the local mirror of a GitHub issue
type Issue struct {
	ID           int64
	RepositoryID int64
	RemoteID     int64
	Number       int
	Title        string
	URL          string
	State        string
	Labels       []string
	Assignee     *string
	LastActivity time.Time
	IsStale      bool
	LastNotified *time.Time
}

// RemoteIssue is an issue as fetched from GitHub, before it is stored
type RemoteIssue struct {
	RemoteID  int64
	Number    int
	Title     string
	URL       string
	State     string
	Labels    []string
	Assignee  *string
	UpdatedAt time.Time
}

// Transition marks an issue that became stale during a sync
type Transition struct {
	IssueID      int64
	RepositoryID int64
	Number       int
	Title        string
}
