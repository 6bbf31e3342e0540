// Package email sends notification messages through a transactional email
// provider and parses the provider's delivery callbacks.
package email

import (
	"context"
	"time"
)

// Message is one outgoing email
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
	Tags    map[string]string
}

// Sender hands a message to a provider and returns the provider's message id
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// EventType is a delivery status reported by the provider
type EventType string

const (
	EventSent       EventType = "sent"
	EventDelivered  EventType = "delivered"
	EventBounced    EventType = "bounced"
	EventComplained EventType = "complained"
	EventDelayed    EventType = "delayed"
)

// DeliveryEvent is a provider callback about a previously sent message
type DeliveryEvent struct {
	Type      EventType
	MessageID string
	// HardBounce is set for permanent bounces
	HardBounce bool
	Reason     string
	OccurredAt time.Time
}
