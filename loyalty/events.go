/*
events.go - Outbound notification boundary

PURPOSE:
  The ledger raises side-effect events (tier changed, points expiring
  soon) but never delivers notifications itself. A Notifier consumes
  them best-effort: a delivery failure is logged and dropped, never
  rolled back into the committed ledger state and never retried by the
  ledger.
*/
package loyalty

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Notifier receives ledger side-effect events. Implementations must be
// non-blocking or quick; errors are advisory.
type Notifier interface {
	TierChanged(ctx context.Context, change TierChange) error
	PointsExpiring(ctx context.Context, warning ExpiringPoints) error
}

// NopNotifier drops all events.
type NopNotifier struct{}

func (NopNotifier) TierChanged(context.Context, TierChange) error        { return nil }
func (NopNotifier) PointsExpiring(context.Context, ExpiringPoints) error { return nil }

// LogNotifier records events in the application log. Used when no real
// dispatcher is wired.
type LogNotifier struct{}

func (LogNotifier) TierChanged(_ context.Context, change TierChange) error {
	log.WithFields(log.Fields{
		"user": change.UserID,
		"from": change.OldTier,
		"to":   change.NewTier,
	}).Info("tier changed")
	return nil
}

func (LogNotifier) PointsExpiring(_ context.Context, w ExpiringPoints) error {
	log.WithFields(log.Fields{
		"user":       w.UserID,
		"points":     w.Points,
		"expires_at": w.ExpiresAt,
	}).Info("points expiring soon")
	return nil
}

// Dispatch delivers an optional tier change to a notifier, swallowing
// failures. Safe to call with a nil change or nil notifier.
func Dispatch(ctx context.Context, n Notifier, change *TierChange) {
	if n == nil || change == nil {
		return
	}
	if err := n.TierChanged(ctx, *change); err != nil {
		log.WithError(err).WithField("user", change.UserID).Warn("tier change notification failed")
	}
}
