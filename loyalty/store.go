/*
store.go - Persistence interfaces for the loyalty engine

PURPOSE:
  Defines the boundary between the ledger service and the database.
  Implementations must preserve the append-only contract on the
  transaction log and surface reference-ID collisions as the duplicate
  sentinel, so a race that slips past the early check still resolves to
  the same outcome.

APPEND-ONLY CONTRACT:
  The transaction log has no update or delete path. The only mutation
  of history is the retention move into the archive (ArchiveBefore),
  which copies rows out before pruning them from the live table.

ATOMIC UNIT:
  WithTx runs the profile read-modify-write and the transaction append
  as a single all-or-nothing unit. If fn returns an error nothing is
  visible afterwards; retried operations re-check the duplicate
  condition.

IMPLEMENTATIONS:
  - store/sqlite: production store (database/sql, WAL)
  - loyalty/store: in-memory store for tests and demos
*/
package loyalty

import (
	"context"
	"time"
)

// Store is the persistence surface the Service requires.
type Store interface {
	// GetConfig returns the singleton configuration, creating it with
	// defaults when absent.
	GetConfig(ctx context.Context) (*Configuration, error)

	// UpdateConfig replaces the singleton. The implementation keeps
	// exactly one row.
	UpdateConfig(ctx context.Context, cfg *Configuration) error

	// Tiers returns the whole catalog ordered by MinPoints ascending.
	Tiers(ctx context.Context) ([]*Tier, error)

	// SaveTier inserts or updates a tier. Returns ErrTierConflict when
	// an active tier with the same MinPoints already exists.
	SaveTier(ctx context.Context, t *Tier) error

	// PerksForTier returns the active perks of a tier.
	PerksForTier(ctx context.Context, id TierID) ([]*Perk, error)

	// SavePerk inserts or updates a perk. Perk codes are unique.
	SavePerk(ctx context.Context, p *Perk) error

	// GetProfile returns a user's profile or ErrProfileNotFound.
	GetProfile(ctx context.Context, id UserID) (*Profile, error)

	// ListActiveProfiles returns every active profile, for the tier
	// recalculation job.
	ListActiveProfiles(ctx context.Context) ([]*Profile, error)

	// ReferenceExists is the cheap idempotency pre-check performed
	// before the per-user lock is taken.
	ReferenceExists(ctx context.Context, ref string) (bool, error)

	// TransactionsForUser returns a user's history, newest first.
	// limit <= 0 means no limit.
	TransactionsForUser(ctx context.Context, id UserID, limit int) ([]*Transaction, error)

	// CountTransactionsForUser returns the live-log row count for a user.
	CountTransactionsForUser(ctx context.Context, id UserID) (int, error)

	// ExpirableTotals is the sweep's grouped aggregate: per user, the
	// sum of earn points older than cutoff and past the user's latest
	// expiry watermark. One query for the whole table.
	ExpirableTotals(ctx context.Context, cutoff time.Time) ([]ExpirableTotal, error)

	// ExpiringBetween returns earn transactions created inside
	// [from, to), for expiry warning notifications.
	ExpiringBetween(ctx context.Context, from, to time.Time) ([]*Transaction, error)

	// TxTypeStats aggregates transaction count and point totals per
	// type over a period.
	TxTypeStats(ctx context.Context, from, to time.Time) (map[TxType]TypeStat, error)

	// ProfileStats aggregates counts and outstanding/lifetime totals
	// across profiles.
	ProfileStats(ctx context.Context) (*ProfileStats, error)

	// TierDistribution returns the active-profile count per tier name.
	TierDistribution(ctx context.Context) (map[string]int, error)

	// TopByType returns per-user point totals for the given types over
	// a period, ordered by total (descending when asc is false).
	TopByType(ctx context.Context, from, to time.Time, types []TxType, limit int, asc bool) ([]UserPointsTotal, error)

	// ArchiveBefore moves live transactions older than cutoff into the
	// archive representation and deletes them from the live log.
	// Returns the number of rows moved.
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error)

	// WithTx executes fn inside one atomic unit. Either every write in
	// fn is durable or none is.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the write surface available inside an atomic unit.
type Tx interface {
	// GetOrCreateProfile loads a profile, creating an active empty one
	// when the user has none yet.
	GetOrCreateProfile(ctx context.Context, id UserID) (*Profile, error)

	// UpdateProfile persists profile field changes.
	UpdateProfile(ctx context.Context, p *Profile) error

	// Append writes one immutable ledger row. A reference-ID collision
	// returns an error matching ErrDuplicateReference.
	Append(ctx context.Context, tx *Transaction) error
}

// TypeStat is one row of TxTypeStats.
type TypeStat struct {
	Count  int
	Points int
}

// ProfileStats aggregates the profile table for reporting.
type ProfileStats struct {
	Total            int
	Active           int
	WithPoints       int
	TotalOutstanding int
	TotalLifetime    int
}

// UserPointsTotal is one row of TopByType.
type UserPointsTotal struct {
	UserID   UserID `json:"user_id"`
	Username string `json:"username"`
	Points   int    `json:"points"`
}
