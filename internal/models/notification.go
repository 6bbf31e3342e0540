package models

import "time"

// EmailFrequency controls whether notifications go out right away or in a digest
type EmailFrequency string

const (
	FrequencyImmediate EmailFrequency = "immediate"
	FrequencyDaily     EmailFrequency = "daily"
	FrequencyWeekly    EmailFrequency = "weekly"
)

// QuietHours is a window of hours during which immediate emails are held back.
// Start may be greater than End, in which case the window wraps past midnight.
type QuietHours struct {
	Enabled bool
	Start   int
	End     int
}

// UserNotificationPreferences are the per-user delivery settings
type UserNotificationPreferences struct {
	EmailFrequency     EmailFrequency
	QuietHours         QuietHours
	Timezone           string // IANA name, empty means UTC
	PauseNotifications bool
	BounceCount        int
}

// NotificationStatus is the delivery state of a NotificationRecord
type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusSent      NotificationStatus = "sent"
	StatusDelivered NotificationStatus = "delivered"
	StatusBounced   NotificationStatus = "bounced"
	StatusFailed    NotificationStatus = "failed"
)

// Terminal reports whether no further status change is accepted
func (s NotificationStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusBounced || s == StatusFailed
}

// NotificationMode tells how a pending record will eventually be sent
type NotificationMode string

const (
	ModeImmediate NotificationMode = "immediate"
	ModeDigest    NotificationMode = "digest"
)

// NotificationRecord tracks one dispatched, deferred or queued message
type NotificationRecord struct {
	ID                string
	UserID            int64
	RepositoryID      int64
	IssueIDs          []int64
	Status            NotificationStatus
	Mode              NotificationMode
	ProviderMessageID string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	DeferredUntil     *time.Time
	Error             string
	CreatedAt         time.Time
}
