/*
adapters.go - Inbound event adapters

PURPOSE:
  Translates external domain facts (payment completed, review posted,
  user signup, order cancelled) into ledger operations. Each adapter
  derives a stable, deterministic reference ID from the event's own
  identity, so redelivery of the same event is naturally deduplicated
  by the ledger's idempotency check - a duplicate is reported as an
  already-processed no-op, never surfaced as a failure.

REFERENCE ID FORMATS:
  payment:{payment_id}:{order_id}
  review:{review_id}
  signup:{user_id}
  refund:order:{order_id}
*/
package loyalty

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// Fixed bonus amounts, in currency units, matching the program rules.
var (
	reviewBonusAmount = decimal.NewFromInt(500)
	signupBonusAmount = decimal.NewFromInt(1000)
)

// =============================================================================
// CONSUMED FACTS
// =============================================================================

// PaymentCompleted is the fact consumed from the payment system.
type PaymentCompleted struct {
	UserID    UserID
	Amount    decimal.Decimal
	PaymentID string
	OrderID   string
}

// ReviewCreated is the fact consumed from the review system.
type ReviewCreated struct {
	UserID   UserID
	ReviewID string
	Product  string
}

// UserSignedUp is the fact consumed from the account system.
type UserSignedUp struct {
	UserID UserID
}

// OrderCancelled is the fact consumed from the order system.
type OrderCancelled struct {
	UserID      UserID
	Amount      decimal.Decimal
	OrderID     string
	OrderNumber string
}

// =============================================================================
// ADAPTER
// =============================================================================

// Adapter wires external facts into the ledger and dispatches outbound
// tier-change events to the notifier.
type Adapter struct {
	Service  *Service
	Notifier Notifier
}

// NewAdapter creates an adapter; a nil notifier drops outbound events.
func NewAdapter(svc *Service, n Notifier) *Adapter {
	if n == nil {
		n = NopNotifier{}
	}
	return &Adapter{Service: svc, Notifier: n}
}

// EventResult reports what an inbound fact produced. Duplicate is true
// when the event had already been processed - the caller treats that
// exactly like success.
type EventResult struct {
	Points    int
	Duplicate bool
}

// HandlePaymentCompleted awards purchase points exactly once per
// payment.
func (a *Adapter) HandlePaymentCompleted(ctx context.Context, ev PaymentCompleted) (*EventResult, error) {
	ref := fmt.Sprintf("payment:%s:%s", ev.PaymentID, ev.OrderID)
	res, err := a.Service.Award(ctx, ev.UserID, ev.Amount,
		fmt.Sprintf("Points earned from order %s", ev.OrderID),
		AwardOpts{ReferenceID: ref, PurchaseID: ev.OrderID})
	return a.finishAward(ctx, ev.UserID, ref, res, err)
}

// HandleReviewCreated awards the fixed review bonus once per review.
func (a *Adapter) HandleReviewCreated(ctx context.Context, ev ReviewCreated) (*EventResult, error) {
	ref := fmt.Sprintf("review:%s", ev.ReviewID)
	res, err := a.Service.Award(ctx, ev.UserID, reviewBonusAmount,
		fmt.Sprintf("Bonus points for reviewing %s", ev.Product),
		AwardOpts{ReferenceID: ref, Type: TxBonus})
	return a.finishAward(ctx, ev.UserID, ref, res, err)
}

// HandleUserSignedUp awards the welcome bonus at most once per user:
// the reference is derived purely from the user ID.
func (a *Adapter) HandleUserSignedUp(ctx context.Context, ev UserSignedUp) (*EventResult, error) {
	ref := fmt.Sprintf("signup:%s", ev.UserID)
	res, err := a.Service.Award(ctx, ev.UserID, signupBonusAmount,
		"Welcome bonus for new user registration",
		AwardOpts{ReferenceID: ref, Type: TxBonus})
	return a.finishAward(ctx, ev.UserID, ref, res, err)
}

// HandleOrderCancelled claws back the points earned on a cancelled
// order, clamped at the current balance.
func (a *Adapter) HandleOrderCancelled(ctx context.Context, ev OrderCancelled) (*EventResult, error) {
	ref := fmt.Sprintf("refund:order:%s", ev.OrderID)
	deducted, _, err := a.Service.Refund(ctx, ev.UserID, ev.Amount,
		fmt.Sprintf("Points refunded for cancelled order #%s", ev.OrderNumber),
		ref, ev.OrderID)
	if err != nil {
		if IsDuplicate(err) {
			log.WithField("ref", ref).Debug("refund already processed")
			return &EventResult{Duplicate: true}, nil
		}
		return nil, err
	}
	return &EventResult{Points: deducted}, nil
}

func (a *Adapter) finishAward(ctx context.Context, userID UserID, ref string, res *AwardResult, err error) (*EventResult, error) {
	if err != nil {
		if IsDuplicate(err) {
			log.WithFields(log.Fields{"user": userID, "ref": ref}).Debug("event already processed")
			return &EventResult{Duplicate: true}, nil
		}
		return nil, err
	}
	Dispatch(ctx, a.Notifier, res.TierChange)
	return &EventResult{Points: res.PointsAwarded}, nil
}
