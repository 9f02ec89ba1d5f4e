/*
service.go - The ledger core

PURPOSE:
  Service is the only component that mutates loyalty profiles and
  appends to the transaction log. Every operation follows the same
  shape:

    1. Validate input (cheap, no lock)
    2. Idempotency pre-check on the reference ID (cheap, no lock)
    3. Acquire the per-user exclusive lock
    4. Inside ONE atomic storage unit: read the profile, mutate the
       balance, append the paired transaction with a balance_after
       snapshot
    5. Re-resolve the tier (awards only) and report the change as a
       discriminated result

  The unique index on reference_id backstops step 2: if a concurrent
  call slips past the pre-check, the constraint violation surfaces as
  the same duplicate outcome.

POINT FORMULA:
  points = round_half_up((amount / unit_amount) * points_per_unit * tier_multiplier)

  The multiplier is the user's CURRENT tier's (1.00 when no tier or the
  tier is inactive); the tier resulting from this award applies to the
  next one.

SEE ALSO:
  - locks.go: Per-user lock table
  - store.go: Atomic-unit contract
  - adapters.go: How external events reach these operations
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// DefaultArchiveRetentionDays is how long transactions stay in the live
// log before the retention job moves them to the archive.
const DefaultArchiveRetentionDays = 730

// Service enforces the ledger invariants over a Store.
type Service struct {
	store Store
	locks *lockTable

	// Now is the clock, swappable in tests.
	Now func() time.Time
}

// NewService creates a ledger service on top of the given store.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		locks: newLockTable(),
		Now:   time.Now,
	}
}

// AwardOpts carries the optional parts of an award.
type AwardOpts struct {
	ReferenceID string
	PurchaseID  string
	Metadata    map[string]string

	// Type must be TxEarn or TxBonus. Empty means TxEarn.
	Type TxType

	// Actor records who triggered the award (admin endpoints).
	Actor string
}

// =============================================================================
// AWARD
// =============================================================================

// Award grants points for a currency amount spent. Amount must be a
// positive decimal; the computed points raise both the balance and the
// lifetime total, and the tier is re-resolved from the new lifetime
// points.
func (s *Service) Award(ctx context.Context, userID UserID, amount decimal.Decimal, description string, opts AwardOpts) (*AwardResult, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return nil, &InvalidAmountError{Amount: amount.String(), Reason: "cannot award points for zero amount"}
	}

	txType := opts.Type
	if txType == "" {
		txType = TxEarn
	}
	if txType != TxEarn && txType != TxBonus {
		return nil, fmt.Errorf("%w: award type must be earn or bonus, got %q", ErrInvalidTransaction, txType)
	}

	if opts.ReferenceID != "" {
		exists, err := s.store.ReferenceExists(ctx, opts.ReferenceID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, &DuplicateReferenceError{ReferenceID: opts.ReferenceID}
		}
	}

	unlock := s.locks.Acquire(userID)
	defer unlock()

	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	tiers, err := s.store.Tiers(ctx)
	if err != nil {
		return nil, err
	}

	var res AwardResult
	err = s.store.WithTx(ctx, func(tx Tx) error {
		profile, err := tx.GetOrCreateProfile(ctx, userID)
		if err != nil {
			return err
		}
		if !profile.IsActive {
			return ErrProfileInactive
		}

		current := tierByID(tiers, profile.TierID)
		points, err := calculatePoints(cfg, amount, TierMultiplier(current))
		if err != nil {
			return err
		}

		now := s.Now()
		profile.Points += points
		profile.LifetimePoints += points

		rec := &Transaction{
			ID:           TransactionID(uuid.NewString()),
			UserID:       userID,
			Points:       points,
			Type:         txType,
			Description:  description,
			PurchaseID:   opts.PurchaseID,
			ReferenceID:  opts.ReferenceID,
			Metadata:     opts.Metadata,
			BalanceAfter: profile.Points,
			CreatedBy:    opts.Actor,
			CreatedAt:    now,
		}

		// Tier follows lifetime points only; this is the single place a
		// tier transition can happen.
		newTier := ResolveTier(tiers, profile.LifetimePoints)
		if tierID(newTier) != profile.TierID {
			res.TierChange = &TierChange{
				UserID:   userID,
				OldTier:  tierName(current),
				NewTier:  tierName(newTier),
				Occurred: now,
			}
			profile.TierID = tierID(newTier)
			profile.TierUpdatedAt = &now
		}
		profile.UpdatedAt = now

		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		if err := tx.Append(ctx, rec); err != nil {
			return err
		}

		res.PointsAwarded = points
		res.Transaction = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"user":   userID,
		"points": res.PointsAwarded,
		"type":   txType,
		"ref":    opts.ReferenceID,
	}).Info("points awarded")
	return &res, nil
}

// =============================================================================
// REDEEM
// =============================================================================

// Redeem spends points from the user's balance. Business rejections
// come back as a failure result, not an error; only infrastructure
// problems are errors. Redemption never touches lifetime points and
// never changes the tier.
func (s *Service) Redeem(ctx context.Context, userID UserID, points int, description, referenceID string) (*RedeemResult, error) {
	if points <= 0 {
		return redeemFailure("Points must be positive"), nil
	}

	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if points < cfg.MinRedemptionPoints {
		return redeemFailure(fmt.Sprintf("Minimum redemption is %d points", cfg.MinRedemptionPoints)), nil
	}
	if cfg.MaxRedemptionPoints > 0 && points > cfg.MaxRedemptionPoints {
		return redeemFailure(fmt.Sprintf("Maximum redemption is %d points", cfg.MaxRedemptionPoints)), nil
	}

	if referenceID != "" {
		exists, err := s.store.ReferenceExists(ctx, referenceID)
		if err != nil {
			return nil, err
		}
		if exists {
			return redeemFailure("Duplicate transaction"), nil
		}
	}

	unlock := s.locks.Acquire(userID)
	defer unlock()

	var result *RedeemResult
	err = s.store.WithTx(ctx, func(tx Tx) error {
		profile, err := tx.GetOrCreateProfile(ctx, userID)
		if err != nil {
			return err
		}
		if !profile.IsActive {
			result = redeemFailure("Profile inactive")
			return nil
		}
		if !cfg.AllowNegativeBalance && profile.Points < points {
			result = redeemFailure("Insufficient balance")
			return nil
		}

		now := s.Now()
		profile.Points -= points
		profile.UpdatedAt = now

		rec := &Transaction{
			ID:           TransactionID(uuid.NewString()),
			UserID:       userID,
			Points:       -points,
			Type:         TxRedeem,
			Description:  description,
			ReferenceID:  referenceID,
			BalanceAfter: profile.Points,
			CreatedAt:    now,
		}
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		if err := tx.Append(ctx, rec); err != nil {
			return err
		}
		result = &RedeemResult{Success: true, Message: "Success", Transaction: rec}
		return nil
	})
	if err != nil {
		// A reference race lost against a concurrent writer resolves to
		// the same duplicate outcome as the pre-check.
		if IsDuplicate(err) {
			return redeemFailure("Duplicate transaction"), nil
		}
		return nil, err
	}

	if result.Success {
		log.WithFields(log.Fields{"user": userID, "points": points}).Info("points redeemed")
	}
	return result, nil
}

func redeemFailure(msg string) *RedeemResult {
	return &RedeemResult{Success: false, Message: msg}
}

// =============================================================================
// REFUND
// =============================================================================

// Refund reverses an earlier award after an order cancellation. The
// points to claw back are recomputed from the cancelled amount at the
// user's current multiplier and clamped at the current balance (a user
// who already spent them does not go negative). Lifetime points and
// the tier are untouched. Returns the points actually deducted.
func (s *Service) Refund(ctx context.Context, userID UserID, amount decimal.Decimal, description, referenceID, purchaseID string) (int, *Transaction, error) {
	if err := validateAmount(amount); err != nil {
		return 0, nil, err
	}
	if amount.IsZero() {
		return 0, nil, &InvalidAmountError{Amount: amount.String(), Reason: "cannot refund points for zero amount"}
	}

	if referenceID != "" {
		exists, err := s.store.ReferenceExists(ctx, referenceID)
		if err != nil {
			return 0, nil, err
		}
		if exists {
			return 0, nil, &DuplicateReferenceError{ReferenceID: referenceID}
		}
	}

	unlock := s.locks.Acquire(userID)
	defer unlock()

	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return 0, nil, err
	}
	tiers, err := s.store.Tiers(ctx)
	if err != nil {
		return 0, nil, err
	}

	var (
		deducted int
		rec      *Transaction
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		profile, err := tx.GetOrCreateProfile(ctx, userID)
		if err != nil {
			return err
		}

		points, err := calculatePoints(cfg, amount, TierMultiplier(tierByID(tiers, profile.TierID)))
		if err != nil {
			return err
		}

		deducted = points
		if !cfg.AllowNegativeBalance && deducted > profile.Points {
			deducted = profile.Points
		}

		now := s.Now()
		profile.Points -= deducted
		profile.UpdatedAt = now

		// The row is written even for a zero deduction so the reference
		// marks the cancellation as processed.
		rec = &Transaction{
			ID:           TransactionID(uuid.NewString()),
			UserID:       userID,
			Points:       -deducted,
			Type:         TxRefund,
			Description:  description,
			PurchaseID:   purchaseID,
			ReferenceID:  referenceID,
			BalanceAfter: profile.Points,
			CreatedAt:    now,
		}
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		return tx.Append(ctx, rec)
	})
	if err != nil {
		return 0, nil, err
	}

	log.WithFields(log.Fields{"user": userID, "points": deducted, "ref": referenceID}).Info("points refunded")
	return deducted, rec, nil
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

// ExpireOldPoints sweeps earn transactions older than the configured
// window. One grouped aggregate query finds the still-unexpired earn
// total per user; each affected user is then processed under their own
// lock, deducting at most the current balance. daysOverride replaces
// the configured window when positive. Returns the number of users
// whose balance was actually reduced.
func (s *Service) ExpireOldPoints(ctx context.Context, daysOverride int) (int, error) {
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return 0, err
	}
	days := cfg.PointsExpiryDays
	if daysOverride > 0 {
		days = daysOverride
	}
	if days <= 0 {
		return 0, nil
	}

	cutoff := s.Now().AddDate(0, 0, -days)
	totals, err := s.store.ExpirableTotals(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	affected := 0
	for _, entry := range totals {
		deducted, err := s.expireForUser(ctx, entry, cutoff)
		if err != nil {
			if IsDuplicate(err) {
				// Another sweep already covered this cutoff for the user.
				continue
			}
			return affected, err
		}
		if deducted > 0 {
			affected++
		}
	}

	log.WithFields(log.Fields{"cutoff": cutoff, "users": affected}).Info("expiry sweep completed")
	return affected, nil
}

func (s *Service) expireForUser(ctx context.Context, entry ExpirableTotal, cutoff time.Time) (int, error) {
	unlock := s.locks.Acquire(entry.UserID)
	defer unlock()

	deducted := 0
	err := s.store.WithTx(ctx, func(tx Tx) error {
		profile, err := tx.GetOrCreateProfile(ctx, entry.UserID)
		if err != nil {
			return err
		}

		// A concurrent redemption may have spent points the sweep would
		// have taken; never drive the balance negative over expiry.
		deducted = entry.Points
		if deducted > profile.Points {
			deducted = profile.Points
		}
		if deducted <= 0 {
			deducted = 0
			return nil
		}

		now := s.Now()
		profile.Points -= deducted
		profile.UpdatedAt = now

		watermark := cutoff
		rec := &Transaction{
			ID:             TransactionID(uuid.NewString()),
			UserID:         entry.UserID,
			Points:         -deducted,
			Type:           TxExpire,
			Description:    "Bulk expiry",
			ReferenceID:    fmt.Sprintf("expire:%s:%s", entry.UserID, cutoff.UTC().Format(time.RFC3339)),
			BalanceAfter:   profile.Points,
			ExpiredThrough: &watermark,
			CreatedAt:      now,
		}
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		return tx.Append(ctx, rec)
	})
	return deducted, err
}

// ExpiringSoon lists earns that the sweep will deduct within the next
// daysBefore days, for warning notifications. Empty when expiry is
// disabled.
func (s *Service) ExpiringSoon(ctx context.Context, daysBefore int) ([]ExpiringPoints, error) {
	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.ExpiryEnabled() || daysBefore <= 0 {
		return nil, nil
	}

	// Earns created in [now-expiry, now-expiry+daysBefore) cross the
	// expiry boundary within the warning window.
	from := s.Now().AddDate(0, 0, -cfg.PointsExpiryDays)
	to := from.AddDate(0, 0, daysBefore)

	earns, err := s.store.ExpiringBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}

	out := make([]ExpiringPoints, 0, len(earns))
	for _, e := range earns {
		out = append(out, ExpiringPoints{
			UserID:    e.UserID,
			Points:    e.Points,
			ExpiresAt: e.CreatedAt.AddDate(0, 0, cfg.PointsExpiryDays),
		})
	}
	return out, nil
}

// =============================================================================
// ADMIN ADJUSTMENTS
// =============================================================================

// AdminAdjust applies a manual correction. Positive points are an
// admin_add raising both balance and lifetime total; negative points
// are an admin_deduct and must be covered by the balance unless
// negative balances are allowed. Neither direction re-resolves the
// tier - tier transitions stay an award-only side effect.
func (s *Service) AdminAdjust(ctx context.Context, userID UserID, points int, description, actor string) (*Transaction, error) {
	if points == 0 {
		return nil, fmt.Errorf("%w: adjustment cannot be zero", ErrInvalidTransaction)
	}

	cfg, err := s.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Acquire(userID)
	defer unlock()

	var rec *Transaction
	err = s.store.WithTx(ctx, func(tx Tx) error {
		profile, err := tx.GetOrCreateProfile(ctx, userID)
		if err != nil {
			return err
		}

		txType := TxAdminAdd
		if points < 0 {
			txType = TxAdminDeduct
			if !cfg.AllowNegativeBalance && profile.Points < -points {
				return &InsufficientPointsError{UserID: userID, Available: profile.Points, Requested: -points}
			}
		}

		now := s.Now()
		profile.Points += points
		if points > 0 {
			profile.LifetimePoints += points
		}
		profile.UpdatedAt = now

		rec = &Transaction{
			ID:           TransactionID(uuid.NewString()),
			UserID:       userID,
			Points:       points,
			Type:         txType,
			Description:  description,
			BalanceAfter: profile.Points,
			CreatedBy:    actor,
			CreatedAt:    now,
		}
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		return tx.Append(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"user": userID, "points": points, "actor": actor}).Info("admin adjustment")
	return rec, nil
}

// BatchEntry is one grant in a batch operation.
type BatchEntry struct {
	UserID      UserID `json:"user_id"`
	Points      int    `json:"points"`
	Description string `json:"description"`
}

// BatchError records why one entry of a batch failed.
type BatchError struct {
	UserID UserID `json:"user_id"`
	Error  string `json:"error"`
}

// BatchResult summarizes a batch grant run.
type BatchResult struct {
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Errors    []BatchError `json:"errors,omitempty"`
}

// BatchAward applies manual grants to many users, collecting per-entry
// failures instead of stopping at the first one.
func (s *Service) BatchAward(ctx context.Context, entries []BatchEntry, actor string) *BatchResult {
	res := &BatchResult{}
	for _, e := range entries {
		if _, err := s.AdminAdjust(ctx, e.UserID, e.Points, e.Description, actor); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, BatchError{UserID: e.UserID, Error: err.Error()})
			continue
		}
		res.Succeeded++
	}
	log.WithFields(log.Fields{"succeeded": res.Succeeded, "failed": res.Failed}).Info("batch award completed")
	return res
}

// =============================================================================
// TIER RECALCULATION
// =============================================================================

// TierRecalcResult summarizes a RecalculateTiers run.
type TierRecalcResult struct {
	Upgraded   int
	Downgraded int
	Unchanged  int
	Changes    []TierChange
}

// RecalculateTiers re-resolves every active profile's tier against the
// current catalog. Used after tier definitions change; day to day the
// tier moves with awards.
func (s *Service) RecalculateTiers(ctx context.Context) (*TierRecalcResult, error) {
	tiers, err := s.store.Tiers(ctx)
	if err != nil {
		return nil, err
	}
	profiles, err := s.store.ListActiveProfiles(ctx)
	if err != nil {
		return nil, err
	}

	res := &TierRecalcResult{}
	for _, p := range profiles {
		change, err := s.recalcTierForUser(ctx, p.UserID, tiers)
		if err != nil {
			log.WithError(err).WithField("user", p.UserID).Error("tier recalculation failed")
			continue
		}
		if change == nil {
			res.Unchanged++
			continue
		}
		res.Changes = append(res.Changes, *change)
		oldTier := tierByName(tiers, change.OldTier)
		newTier := tierByName(tiers, change.NewTier)
		switch {
		case newTier == nil:
			res.Downgraded++
		case oldTier == nil || newTier.MinPoints > oldTier.MinPoints:
			res.Upgraded++
		default:
			res.Downgraded++
		}
	}

	log.WithFields(log.Fields{
		"upgraded":   res.Upgraded,
		"downgraded": res.Downgraded,
		"unchanged":  res.Unchanged,
	}).Info("tier recalculation completed")
	return res, nil
}

func (s *Service) recalcTierForUser(ctx context.Context, userID UserID, tiers []*Tier) (*TierChange, error) {
	unlock := s.locks.Acquire(userID)
	defer unlock()

	var change *TierChange
	err := s.store.WithTx(ctx, func(tx Tx) error {
		profile, err := tx.GetOrCreateProfile(ctx, userID)
		if err != nil {
			return err
		}
		resolved := ResolveTier(tiers, profile.LifetimePoints)
		if tierID(resolved) == profile.TierID {
			return nil
		}
		now := s.Now()
		change = &TierChange{
			UserID:   userID,
			OldTier:  tierName(tierByID(tiers, profile.TierID)),
			NewTier:  tierName(resolved),
			Occurred: now,
		}
		profile.TierID = tierID(resolved)
		profile.TierUpdatedAt = &now
		profile.UpdatedAt = now
		return tx.UpdateProfile(ctx, profile)
	})
	return change, err
}

// =============================================================================
// READ SIDE
// =============================================================================

// Summary returns a user's loyalty standing. Users without a profile
// get the zero-value summary with the Standard (no tier) presentation.
func (s *Service) Summary(ctx context.Context, userID UserID) (*Summary, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if IsNotFound(err) {
			return &Summary{Tier: "Standard", TierMultiplier: 1.0, Perks: []PerkSummary{}}, nil
		}
		return nil, err
	}

	tiers, err := s.store.Tiers(ctx)
	if err != nil {
		return nil, err
	}
	current := tierByID(tiers, profile.TierID)

	perks := []PerkSummary{}
	tierLabel := "Standard"
	multiplier := 1.0
	if current != nil {
		tierLabel = current.Name
		multiplier, _ = current.Multiplier.Float64()
		stored, err := s.store.PerksForTier(ctx, current.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range stored {
			perks = append(perks, PerkSummary{Name: p.Name, Description: p.Description, Code: p.Code})
		}
	}

	count, err := s.store.CountTransactionsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	memberSince := profile.CreatedAt
	return &Summary{
		HasProfile:       true,
		IsActive:         profile.IsActive,
		Points:           profile.Points,
		LifetimePoints:   profile.LifetimePoints,
		Tier:             tierLabel,
		TierMultiplier:   multiplier,
		Perks:            perks,
		PointsToNextTier: profile.PointsToNextTier(tiers, current),
		TransactionCount: count,
		MemberSince:      &memberSince,
	}, nil
}

// Transactions returns a user's ledger history, newest first.
func (s *Service) Transactions(ctx context.Context, userID UserID, limit int) ([]*Transaction, error) {
	return s.store.TransactionsForUser(ctx, userID, limit)
}

// =============================================================================
// HELPERS
// =============================================================================

func validateAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return &InvalidAmountError{Amount: amount.String(), Reason: "amount cannot be negative"}
	}
	return nil
}

// calculatePoints applies the point formula with round-half-up.
// decimal.Round rounds half away from zero, which is half-up for the
// non-negative operands reaching this path.
func calculatePoints(cfg *Configuration, amount, multiplier decimal.Decimal) (int, error) {
	if !cfg.UnitAmount.IsPositive() {
		return 0, ErrConfigInvalid
	}
	base := amount.Div(cfg.UnitAmount).Mul(decimal.NewFromInt(int64(cfg.PointsPerUnit)))
	final := base.Mul(multiplier).Round(0)
	return int(final.IntPart()), nil
}

func tierByID(tiers []*Tier, id TierID) *Tier {
	if id == "" {
		return nil
	}
	for _, t := range tiers {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func tierByName(tiers []*Tier, name string) *Tier {
	for _, t := range tiers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func tierID(t *Tier) TierID {
	if t == nil {
		return ""
	}
	return t.ID
}

func tierName(t *Tier) string {
	if t == nil {
		return "No Tier"
	}
	return t.Name
}

// IsNotFound reports whether err indicates a missing profile.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProfileNotFound)
}
