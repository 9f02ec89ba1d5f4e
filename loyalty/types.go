/*
Package loyalty implements the points ledger and tiering engine.

PURPOSE:
  This package contains the core domain for the loyalty program: point
  accrual from purchases and events, redemption, expiry, and tier
  transitions. Every balance change is recorded in an immutable
  transaction log; the per-user profile (current balance, lifetime
  points, tier) is mutated exclusively by the Service in this package.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable ledger entry recording a balance change
  - TxType: earn, redeem, expire, refund, admin_add, admin_deduct, bonus
  - Tier / Perk: a named bracket with a point multiplier and benefits
  - UserID / TransactionID: type-safe identifiers

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified or deleted; old rows
     are only moved to the archive after the retention window.
  2. Precision: Currency amounts and multipliers use decimal.Decimal to
     avoid floating-point errors. Point balances are integers.
  3. Idempotency: ReferenceID is globally unique; replaying the same
     external event can never double-award.
  4. Auditability: Every transaction snapshots the balance after it.

SEE ALSO:
  - service.go: The ledger operations enforcing all invariants
  - tier.go: Tier catalog and resolution
  - store.go: Persistence interfaces
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string
type TierID string

// =============================================================================
// TRANSACTION - Atomic change to a point balance
// =============================================================================

type TxType string

const (
	TxEarn        TxType = "earn"         // Points from a completed purchase
	TxRedeem      TxType = "redeem"       // Points spent by the user
	TxExpire      TxType = "expire"       // Swept by the expiry job
	TxRefund      TxType = "refund"       // Reversal of an earn (order cancelled)
	TxAdminAdd    TxType = "admin_add"    // Manual admin credit
	TxAdminDeduct TxType = "admin_deduct" // Manual admin deduction
	TxBonus       TxType = "bonus"        // Promotional grant (review, signup)
)

// Transaction is one immutable row of the points ledger.
// Points is signed: earns and bonuses are positive, redemptions,
// expiries and refunds are negative.
type Transaction struct {
	ID          TransactionID
	UserID      UserID
	Points      int
	Type        TxType
	Description string

	// PurchaseID links to an order/purchase when the transaction
	// originated from one. Free-form to support UUIDs or order numbers.
	PurchaseID string

	// ReferenceID is the caller-supplied idempotency key. Globally
	// unique when present; duplicate processing of the same external
	// event is rejected by the store's uniqueness constraint.
	ReferenceID string

	// Metadata is an opaque audit blob. Core logic never branches on it.
	Metadata map[string]string

	// BalanceAfter snapshots the profile balance immediately after this
	// transaction was applied.
	BalanceAfter int

	// ExpiredThrough is set only on expire rows: the sweep cutoff this
	// row covered. Later sweeps only consider earns past the latest
	// watermark, which is what makes a repeated sweep a no-op.
	ExpiredThrough *time.Time

	// Actor who created this transaction, for admin adjustments.
	CreatedBy string

	CreatedAt time.Time
}

// =============================================================================
// TIER / PERK
// =============================================================================

// Tier is a loyalty bracket resolved from lifetime points.
type Tier struct {
	ID          TierID
	Name        string
	MinPoints   int
	Multiplier  decimal.Decimal
	Description string
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Perk is a benefit unlocked by a tier.
type Perk struct {
	ID          string
	TierID      TierID
	Name        string
	Description string

	// Code is a unique slug for programmatic access, optional.
	Code     string
	IsActive bool
}

// =============================================================================
// PROFILE SUMMARY - Read model returned to callers
// =============================================================================

type PerkSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Code        string `json:"code,omitempty"`
}

// Summary is the read-only view of a user's loyalty standing.
// Users without a profile get the zero-value summary with the
// "Standard" (no-tier) presentation.
type Summary struct {
	HasProfile       bool          `json:"has_profile"`
	IsActive         bool          `json:"is_active"`
	Points           int           `json:"points"`
	LifetimePoints   int           `json:"lifetime_points"`
	Tier             string        `json:"tier"`
	TierMultiplier   float64       `json:"tier_multiplier"`
	Perks            []PerkSummary `json:"perks"`
	PointsToNextTier *int          `json:"points_to_next_tier"`
	TransactionCount int           `json:"transaction_count"`
	MemberSince      *time.Time    `json:"member_since"`
}

// =============================================================================
// RESULTS - Discriminated outcomes of ledger operations
// =============================================================================

// TierChange reports a tier transition caused by an award. The caller
// (or a thin outbox) dispatches the notification; failures there must
// never affect the committed ledger state.
type TierChange struct {
	UserID   UserID
	OldTier  string
	NewTier  string
	Occurred time.Time
}

// AwardResult is the outcome of a successful Award.
type AwardResult struct {
	PointsAwarded int
	Transaction   *Transaction

	// TierChange is non-nil when the award moved the user across a
	// tier boundary.
	TierChange *TierChange
}

// RedeemResult is the outcome of a Redeem call. Business rejections
// (insufficient balance, below minimum) come back as Success=false with
// a user-presentable Message rather than an error: they are expected
// outcomes the caller branches on.
type RedeemResult struct {
	Success     bool
	Message     string
	Transaction *Transaction
}

// ExpirableTotal is one row of the expiry sweep's grouped aggregate:
// the still-unexpired earn total for a user past the cutoff.
type ExpirableTotal struct {
	UserID UserID
	Points int
}

// ExpiringPoints describes earns that an upcoming sweep will deduct,
// used for best-effort warning notifications.
type ExpiringPoints struct {
	UserID    UserID
	Points    int
	ExpiresAt time.Time
}
