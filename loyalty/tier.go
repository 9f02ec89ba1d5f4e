/*
tier.go - Tier catalog and resolution

PURPOSE:
  Tiers form an ordered set keyed by MinPoints (lifetime points required
  to enter the bracket). Resolution picks the highest bracket the user's
  lifetime points reach. MinPoints is unique among ACTIVE tiers - that
  is enforced at write time so resolution never needs a tie-break.

INVARIANTS:
  - No two active tiers share MinPoints (ErrTierConflict on save)
  - Multiplier is strictly positive
  - Tier is a pure function of lifetime points and the active tier set;
    redemption and expiry never move a user's tier
*/
package loyalty

import (
	"sort"

	"github.com/shopspring/decimal"
)

var multiplierOne = decimal.NewFromInt(1)

// ValidateTier checks a tier against the active set before a save.
// existing is the current active catalog; the tier being saved is
// matched by ID so updates do not collide with themselves.
func ValidateTier(t *Tier, existing []*Tier) error {
	if !t.Multiplier.IsPositive() {
		return ErrInvalidTransaction
	}
	if !t.IsActive {
		return nil
	}
	for _, other := range existing {
		if other.ID != t.ID && other.IsActive && other.MinPoints == t.MinPoints {
			return ErrTierConflict
		}
	}
	return nil
}

// ResolveTier returns the active tier with the greatest MinPoints that
// is <= lifetimePoints, or nil when lifetime points are below every
// tier's minimum. tiers may be in any order.
func ResolveTier(tiers []*Tier, lifetimePoints int) *Tier {
	var best *Tier
	for _, t := range tiers {
		if !t.IsActive || t.MinPoints > lifetimePoints {
			continue
		}
		if best == nil || t.MinPoints > best.MinPoints {
			best = t
		}
	}
	return best
}

// NextTier returns the cheapest active tier strictly above current, or
// nil when current is already the top bracket. current may be nil,
// meaning the user has no tier yet.
func NextTier(tiers []*Tier, current *Tier) *Tier {
	floor := -1
	if current != nil {
		floor = current.MinPoints
	}

	active := make([]*Tier, 0, len(tiers))
	for _, t := range tiers {
		if t.IsActive && t.MinPoints > floor {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return nil
	}
	sort.Slice(active, func(i, j int) bool { return active[i].MinPoints < active[j].MinPoints })
	return active[0]
}

// TierMultiplier returns the earn multiplier for a resolved tier: the
// tier's own multiplier when it is active, 1.00 otherwise.
func TierMultiplier(t *Tier) decimal.Decimal {
	if t == nil || !t.IsActive {
		return multiplierOne
	}
	return t.Multiplier
}
