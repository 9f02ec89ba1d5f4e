/*
profile.go - Per-user loyalty aggregate

PURPOSE:
  One profile per user, created lazily on first earn or lookup. Holds
  the redeemable balance, the lifetime total that drives tier
  resolution, and the derived tier. Mutated ONLY by the Service under
  the per-user lock; no other component writes these fields.

INVARIANT:
  Points <= LifetimePoints unless negative balances are explicitly
  allowed by configuration. Lifetime points never decrease: redemption,
  expiry and refunds deduct from Points only, so tier status survives
  spending and sweeps.
*/
package loyalty

import "time"

// Profile is the per-user mutable aggregate.
type Profile struct {
	UserID   UserID
	Username string

	// Points is the current redeemable balance.
	Points int

	// LifetimePoints is the cumulative total ever earned; it alone
	// determines the tier.
	LifetimePoints int

	// TierID references the resolved tier, empty when below every
	// tier's minimum. Derived - never set directly by callers.
	TierID TierID

	// IsActive gates all earn/redeem operations.
	IsActive bool

	TierUpdatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PointsToNextTier returns how many more lifetime points are needed to
// cross into the next tier above current, or nil at the top bracket.
// tiers is the catalog; current is the user's resolved tier (nil when
// none).
func (p *Profile) PointsToNextTier(tiers []*Tier, current *Tier) *int {
	next := NextTier(tiers, current)
	if next == nil {
		return nil
	}
	needed := next.MinPoints - p.LifetimePoints
	if needed < 0 {
		needed = 0
	}
	return &needed
}
