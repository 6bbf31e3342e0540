package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wesm/stalewatch/internal/email"
	"github.com/wesm/stalewatch/internal/models"
	"github.com/wesm/stalewatch/internal/resilience"
)

var (
	activeStatuses = []models.NotificationStatus{models.StatusPending, models.StatusSent}
	pendingOnly    = []models.NotificationStatus{models.StatusPending}
)

// HandleDeliveryEvent applies a provider callback to the records sent under
// its message id. Records already delivered, bounced or failed are left as
// they are. A bounce counts against the recipient and pauses them on a hard
// bounce or once the threshold is reached; a complaint pauses right away.
func (d *Dispatcher) HandleDeliveryEvent(ctx context.Context, event email.DeliveryEvent) error {
	if d.recorder != nil {
		d.recorder.ObserveDeliveryEvent(string(event.Type))
	}
	logger := d.logger.With(zap.String("message_id", event.MessageID), zap.String("event", string(event.Type)))

	recs, err := resilience.Do(ctx, d.guard.Retrier, "list notifications by message", func(ctx context.Context) ([]models.NotificationRecord, error) {
		return d.store.ListNotificationsByMessageID(ctx, event.MessageID)
	})
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		logger.Warn("delivery event for unknown message")
		return nil
	}

	at := event.OccurredAt
	if at.IsZero() {
		at = d.now()
	}

	switch event.Type {
	case email.EventSent:
		_, err := d.transition(ctx, event.MessageID, pendingOnly, models.StatusSent, at)
		return err

	case email.EventDelivered:
		_, err := d.transition(ctx, event.MessageID, activeStatuses, models.StatusDelivered, at)
		return err

	case email.EventBounced:
		n, err := d.transition(ctx, event.MessageID, activeStatuses, models.StatusBounced, at)
		if err != nil || n == 0 {
			// a repeated callback must not count the bounce twice
			return err
		}
		for _, userID := range usersOf(recs) {
			prefs, err := resilience.Do(ctx, d.guard.Retrier, "record bounce", func(ctx context.Context) (*models.UserNotificationPreferences, error) {
				return d.store.RecordBounce(ctx, userID, event.HardBounce, d.config.BounceThreshold)
			})
			if err != nil {
				return err
			}
			logger.Warn("email bounced",
				zap.Int64("user_id", userID),
				zap.Bool("hard", event.HardBounce),
				zap.String("reason", event.Reason),
				zap.Int("bounce_count", prefs.BounceCount),
				zap.Bool("paused", prefs.PauseNotifications))
		}
		return nil

	case email.EventComplained:
		for _, userID := range usersOf(recs) {
			if err := d.storeCall(ctx, "pause notifications", func(ctx context.Context) error {
				return d.store.PauseNotifications(ctx, userID)
			}); err != nil {
				return err
			}
			logger.Warn("spam complaint, notifications paused", zap.Int64("user_id", userID))
		}
		return nil

	case email.EventDelayed:
		logger.Info("email delivery delayed", zap.String("reason", event.Reason))
		return nil

	default:
		logger.Debug("ignoring delivery event")
		return nil
	}
}

func (d *Dispatcher) transition(ctx context.Context, messageID string, from []models.NotificationStatus, to models.NotificationStatus, at time.Time) (int, error) {
	return resilience.Do(ctx, d.guard.Retrier, "transition notification status", func(ctx context.Context) (int, error) {
		return d.store.TransitionNotificationStatus(ctx, messageID, from, to, at)
	})
}

func usersOf(recs []models.NotificationRecord) []int64 {
	var users []int64
	seen := make(map[int64]bool)
	for _, rec := range recs {
		if !seen[rec.UserID] {
			seen[rec.UserID] = true
			users = append(users, rec.UserID)
		}
	}
	return users
}
