/*
Package sqlite provides the SQLite-backed implementation of loyalty.Store.

PURPOSE:
  Production persistence for the points ledger. In production the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements touch loyalty_transactions, with one
  exception: ArchiveBefore copies rows into the archive table inside a
  database transaction before pruning them from the live log.

KEY TABLES:
  loyalty_configuration:       Singleton program economics (one row)
  loyalty_tiers:               Tier catalog
  loyalty_perks:               Per-tier benefits
  user_loyalty_profiles:       Per-user balance and tier aggregate
  loyalty_transactions:        Immutable points ledger
  loyalty_transaction_archive: Denormalized long-term retention

IDEMPOTENCY:
  reference_id carries a UNIQUE constraint. The engine pre-checks with
  ReferenceExists before taking its per-user lock; a race that slips
  past the check hits the constraint here and is mapped to the same
  DuplicateReferenceError, so both paths resolve identically.

EXPIRY WATERMARK:
  Expire rows record the sweep cutoff in expired_through. The
  ExpirableTotals aggregate only counts earns at or past each user's
  latest watermark, which is what makes a repeated sweep a no-op.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better
  concurrency: multiple readers don't block, single writer at a time.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/service.go: The engine using this store
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/sajha/loyalty-engine/loyalty"
)

// Store implements loyalty.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Singleton configuration (id is forced to 1)
	CREATE TABLE IF NOT EXISTS loyalty_configuration (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		points_per_unit INTEGER NOT NULL,
		unit_amount TEXT NOT NULL,
		points_expiry_days INTEGER NOT NULL DEFAULT 0,
		min_redemption_points INTEGER NOT NULL DEFAULT 0,
		max_redemption_points INTEGER NOT NULL DEFAULT 0,
		allow_negative_balance BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TEXT NOT NULL,
		updated_by TEXT
	);

	-- Tier catalog
	CREATE TABLE IF NOT EXISTS loyalty_tiers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		min_points INTEGER NOT NULL,
		multiplier TEXT NOT NULL,
		description TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Resolution order must stay deterministic: no two active tiers
	-- may share a threshold
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tiers_active_min_points
		ON loyalty_tiers(min_points) WHERE is_active;

	-- Per-tier benefits
	CREATE TABLE IF NOT EXISTS loyalty_perks (
		id TEXT PRIMARY KEY,
		tier_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		code TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_perks_tier
		ON loyalty_perks(tier_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_perks_code
		ON loyalty_perks(code) WHERE code IS NOT NULL AND code != '';

	-- Per-user aggregate
	CREATE TABLE IF NOT EXISTS user_loyalty_profiles (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0,
		lifetime_points INTEGER NOT NULL DEFAULT 0,
		tier_id TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		tier_updated_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_profiles_tier
		ON user_loyalty_profiles(tier_id);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS loyalty_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		points INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		description TEXT,
		purchase_id TEXT,
		reference_id TEXT UNIQUE,
		metadata_json TEXT,
		balance_after INTEGER NOT NULL,
		expired_through TEXT,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON loyalty_transactions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_type_created
		ON loyalty_transactions(tx_type, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON loyalty_transactions(reference_id) WHERE reference_id IS NOT NULL;

	-- Expiry watermark lookup (hot path of the sweep aggregate)
	CREATE INDEX IF NOT EXISTS idx_transactions_expired_through
		ON loyalty_transactions(user_id, expired_through)
		WHERE expired_through IS NOT NULL;

	-- Long-term retention (denormalized, no foreign references)
	CREATE TABLE IF NOT EXISTS loyalty_transaction_archive (
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		points INTEGER NOT NULL,
		tx_type TEXT NOT NULL,
		description TEXT,
		purchase_id TEXT,
		reference_id TEXT,
		metadata_json TEXT,
		balance_after INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		archived_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_archive_user
		ON loyalty_transaction_archive(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// GetConfig returns the singleton configuration, creating it with
// defaults on first access.
func (s *Store) GetConfig(ctx context.Context) (*loyalty.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.readConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	cfg = loyalty.DefaultConfiguration()
	cfg.UpdatedAt = time.Now().UTC()
	if err := s.writeConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpdateConfig replaces the singleton row.
func (s *Store) UpdateConfig(ctx context.Context, cfg *loyalty.Configuration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeConfig(ctx, cfg)
}

func (s *Store) readConfig(ctx context.Context) (*loyalty.Configuration, error) {
	var (
		cfg        loyalty.Configuration
		unitAmount string
		updatedAt  string
		updatedBy  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT points_per_unit, unit_amount, points_expiry_days,
		       min_redemption_points, max_redemption_points,
		       allow_negative_balance, updated_at, updated_by
		FROM loyalty_configuration WHERE id = 1
	`).Scan(&cfg.PointsPerUnit, &unitAmount, &cfg.PointsExpiryDays,
		&cfg.MinRedemptionPoints, &cfg.MaxRedemptionPoints,
		&cfg.AllowNegativeBalance, &updatedAt, &updatedBy)
	if err != nil {
		return nil, err
	}

	cfg.UnitAmount, err = decimal.NewFromString(unitAmount)
	if err != nil {
		return nil, fmt.Errorf("corrupt unit_amount %q: %w", unitAmount, err)
	}
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	cfg.UpdatedBy = updatedBy.String
	return &cfg, nil
}

func (s *Store) writeConfig(ctx context.Context, cfg *loyalty.Configuration) error {
	query := `
		INSERT INTO loyalty_configuration
		(id, points_per_unit, unit_amount, points_expiry_days,
		 min_redemption_points, max_redemption_points, allow_negative_balance,
		 updated_at, updated_by)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			points_per_unit = excluded.points_per_unit,
			unit_amount = excluded.unit_amount,
			points_expiry_days = excluded.points_expiry_days,
			min_redemption_points = excluded.min_redemption_points,
			max_redemption_points = excluded.max_redemption_points,
			allow_negative_balance = excluded.allow_negative_balance,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`
	updatedAt := cfg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		cfg.PointsPerUnit,
		cfg.UnitAmount.String(),
		cfg.PointsExpiryDays,
		cfg.MinRedemptionPoints,
		cfg.MaxRedemptionPoints,
		cfg.AllowNegativeBalance,
		updatedAt.UTC().Format(time.RFC3339),
		nullString(cfg.UpdatedBy),
	)
	return err
}

// =============================================================================
// TIERS / PERKS
// =============================================================================

// Tiers returns the whole catalog ordered by MinPoints ascending.
func (s *Store) Tiers(ctx context.Context) ([]*loyalty.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, min_points, multiplier, description, is_active, created_at, updated_at
		FROM loyalty_tiers
		ORDER BY min_points ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tiers []*loyalty.Tier
	for rows.Next() {
		var (
			t           loyalty.Tier
			multiplier  string
			description sql.NullString
			createdAt   string
			updatedAt   string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.MinPoints, &multiplier,
			&description, &t.IsActive, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		t.Multiplier, err = decimal.NewFromString(multiplier)
		if err != nil {
			return nil, fmt.Errorf("corrupt multiplier %q for tier %s: %w", multiplier, t.ID, err)
		}
		t.Description = description.String
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		tiers = append(tiers, &t)
	}
	return tiers, rows.Err()
}

// SaveTier inserts or updates a tier. An active-threshold collision
// surfaces as ErrTierConflict whether it is caught by the pre-check or
// by the partial unique index.
func (s *Store) SaveTier(ctx context.Context, t *loyalty.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.IsActive {
		var count int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM loyalty_tiers
			WHERE min_points = ? AND is_active AND id != ?
		`, t.MinPoints, t.ID).Scan(&count)
		if err != nil {
			return err
		}
		if count > 0 {
			return loyalty.ErrTierConflict
		}
	}

	query := `
		INSERT INTO loyalty_tiers
		(id, name, min_points, multiplier, description, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			min_points = excluded.min_points,
			multiplier = excluded.multiplier,
			description = excluded.description,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !t.CreatedAt.IsZero() {
		createdAt = t.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, t.MinPoints, t.Multiplier.String(),
		t.Description, t.IsActive, createdAt, now,
	)
	if isUniqueConstraintError(err) {
		return loyalty.ErrTierConflict
	}
	return err
}

// PerksForTier returns the active perks of a tier.
func (s *Store) PerksForTier(ctx context.Context, id loyalty.TierID) ([]*loyalty.Perk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tier_id, name, description, code, is_active
		FROM loyalty_perks
		WHERE tier_id = ? AND is_active
		ORDER BY name ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perks []*loyalty.Perk
	for rows.Next() {
		var (
			p           loyalty.Perk
			description sql.NullString
			code        sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.TierID, &p.Name, &description, &code, &p.IsActive); err != nil {
			return nil, err
		}
		p.Description = description.String
		p.Code = code.String
		perks = append(perks, &p)
	}
	return perks, rows.Err()
}

// SavePerk inserts or updates a perk.
func (s *Store) SavePerk(ctx context.Context, p *loyalty.Perk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO loyalty_perks (id, tier_id, name, description, code, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier_id = excluded.tier_id,
			name = excluded.name,
			description = excluded.description,
			code = excluded.code,
			is_active = excluded.is_active
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.TierID, p.Name, p.Description, nullString(p.Code), p.IsActive,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: perk code %q already in use", loyalty.ErrInvalidTransaction, p.Code)
	}
	return err
}

// =============================================================================
// PROFILES
// =============================================================================

// GetProfile returns a user's profile or ErrProfileNotFound.
func (s *Store) GetProfile(ctx context.Context, id loyalty.UserID) (*loyalty.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProfile(ctx, s.db, id)
}

// ListActiveProfiles returns every active profile.
func (s *Store) ListActiveProfiles(ctx context.Context) ([]*loyalty.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, username, points, lifetime_points, tier_id, is_active,
		       tier_updated_at, created_at, updated_at
		FROM user_loyalty_profiles
		WHERE is_active
		ORDER BY user_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*loyalty.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfileRow(row rowScanner) (*loyalty.Profile, error) {
	var (
		p             loyalty.Profile
		tierID        sql.NullString
		tierUpdatedAt sql.NullString
		createdAt     string
		updatedAt     string
	)
	err := row.Scan(&p.UserID, &p.Username, &p.Points, &p.LifetimePoints,
		&tierID, &p.IsActive, &tierUpdatedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.TierID = loyalty.TierID(tierID.String)
	if tierUpdatedAt.Valid {
		t, _ := time.Parse(time.RFC3339, tierUpdatedAt.String)
		p.TierUpdatedAt = &t
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

func scanProfile(rows *sql.Rows) (*loyalty.Profile, error) {
	return scanProfileRow(rows)
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getProfile(ctx context.Context, db queryer, id loyalty.UserID) (*loyalty.Profile, error) {
	row := db.QueryRowContext(ctx, `
		SELECT user_id, username, points, lifetime_points, tier_id, is_active,
		       tier_updated_at, created_at, updated_at
		FROM user_loyalty_profiles
		WHERE user_id = ?
	`, id)
	p, err := scanProfileRow(row)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrProfileNotFound
	}
	return p, err
}

func upsertProfile(ctx context.Context, db queryer, p *loyalty.Profile) error {
	var tierUpdatedAt *string
	if p.TierUpdatedAt != nil {
		t := p.TierUpdatedAt.UTC().Format(time.RFC3339)
		tierUpdatedAt = &t
	}

	query := `
		INSERT INTO user_loyalty_profiles
		(user_id, username, points, lifetime_points, tier_id, is_active,
		 tier_updated_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			points = excluded.points,
			lifetime_points = excluded.lifetime_points,
			tier_id = excluded.tier_id,
			is_active = excluded.is_active,
			tier_updated_at = excluded.tier_updated_at,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		p.UserID, p.Username, p.Points, p.LifetimePoints,
		nullString(string(p.TierID)), p.IsActive, tierUpdatedAt,
		p.CreatedAt.UTC().Format(time.RFC3339),
		p.UpdatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// =============================================================================
// LEDGER READS
// =============================================================================

// ReferenceExists is the cheap idempotency pre-check.
func (s *Store) ReferenceExists(ctx context.Context, ref string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM loyalty_transactions WHERE reference_id = ?",
		ref,
	).Scan(&count)
	return count > 0, err
}

// TransactionsForUser returns a user's history, newest first.
func (s *Store) TransactionsForUser(ctx context.Context, id loyalty.UserID, limit int) ([]*loyalty.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, points, tx_type, description, purchase_id,
		       reference_id, metadata_json, balance_after, expired_through,
		       created_by, created_at
		FROM loyalty_transactions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`
	args := []any{id}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryTransactions(ctx, query, args...)
}

// CountTransactionsForUser returns the live-log row count for a user.
func (s *Store) CountTransactionsForUser(ctx context.Context, id loyalty.UserID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM loyalty_transactions WHERE user_id = ?",
		id,
	).Scan(&count)
	return count, err
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]*loyalty.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*loyalty.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (*loyalty.Transaction, error) {
	var (
		tx             loyalty.Transaction
		description    sql.NullString
		purchaseID     sql.NullString
		referenceID    sql.NullString
		metadataJSON   sql.NullString
		expiredThrough sql.NullString
		createdBy      sql.NullString
		createdAt      string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Points, &tx.Type, &description, &purchaseID,
		&referenceID, &metadataJSON, &tx.BalanceAfter, &expiredThrough,
		&createdBy, &createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Description = description.String
	tx.PurchaseID = purchaseID.String
	tx.ReferenceID = referenceID.String
	tx.CreatedBy = createdBy.String
	if expiredThrough.Valid {
		t, _ := time.Parse(time.RFC3339, expiredThrough.String)
		tx.ExpiredThrough = &t
	}
	tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
	}

	return &tx, nil
}

// =============================================================================
// EXPIRY QUERIES
// =============================================================================

// ExpirableTotals is the sweep's grouped aggregate: one query over the
// whole table, bounded below by each user's latest expiry watermark.
func (s *Store) ExpirableTotals(ctx context.Context, cutoff time.Time) ([]loyalty.ExpirableTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT t.user_id, SUM(t.points) AS total
		FROM loyalty_transactions t
		LEFT JOIN (
			SELECT user_id, MAX(expired_through) AS watermark
			FROM loyalty_transactions
			WHERE tx_type = 'expire' AND expired_through IS NOT NULL
			GROUP BY user_id
		) w ON w.user_id = t.user_id
		WHERE t.tx_type = 'earn'
		  AND t.created_at < ?
		  AND (w.watermark IS NULL OR t.created_at >= w.watermark)
		GROUP BY t.user_id
		HAVING SUM(t.points) > 0
		ORDER BY t.user_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []loyalty.ExpirableTotal
	for rows.Next() {
		var t loyalty.ExpirableTotal
		if err := rows.Scan(&t.UserID, &t.Points); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// ExpiringBetween returns earn transactions created inside [from, to).
func (s *Store) ExpiringBetween(ctx context.Context, from, to time.Time) ([]*loyalty.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, user_id, points, tx_type, description, purchase_id,
		       reference_id, metadata_json, balance_after, expired_through,
		       created_by, created_at
		FROM loyalty_transactions
		WHERE tx_type = 'earn' AND created_at >= ? AND created_at < ?
		ORDER BY created_at ASC
	`
	return s.queryTransactions(ctx, query,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
}

// =============================================================================
// REPORT QUERIES
// =============================================================================

// TxTypeStats aggregates count and point totals per type over a period.
func (s *Store) TxTypeStats(ctx context.Context, from, to time.Time) (map[loyalty.TxType]loyalty.TypeStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_type, COUNT(*), COALESCE(SUM(points), 0)
		FROM loyalty_transactions
		WHERE created_at >= ? AND created_at <= ?
		GROUP BY tx_type
	`, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[loyalty.TxType]loyalty.TypeStat)
	for rows.Next() {
		var (
			txType loyalty.TxType
			st     loyalty.TypeStat
		)
		if err := rows.Scan(&txType, &st.Count, &st.Points); err != nil {
			return nil, err
		}
		stats[txType] = st
	}
	return stats, rows.Err()
}

// ProfileStats aggregates counts and totals across profiles.
func (s *Store) ProfileStats(ctx context.Context) (*loyalty.ProfileStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats loyalty.ProfileStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN is_active THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_active AND points > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_active THEN points ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN is_active THEN lifetime_points ELSE 0 END), 0)
		FROM user_loyalty_profiles
	`).Scan(&stats.Total, &stats.Active, &stats.WithPoints,
		&stats.TotalOutstanding, &stats.TotalLifetime)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// TierDistribution returns the active-profile count per tier name.
func (s *Store) TierDistribution(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.name, COUNT(*)
		FROM user_loyalty_profiles p
		JOIN loyalty_tiers t ON t.id = p.tier_id
		WHERE p.is_active AND t.is_active
		GROUP BY t.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	dist := make(map[string]int)
	for rows.Next() {
		var (
			name  string
			count int
		)
		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}
		dist[name] = count
	}
	return dist, rows.Err()
}

// TopByType returns per-user point totals for the given types over a
// period.
func (s *Store) TopByType(ctx context.Context, from, to time.Time, types []loyalty.TxType, limit int, asc bool) ([]loyalty.UserPointsTotal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(types) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(types))
	placeholders = placeholders[:len(placeholders)-1]
	order := "DESC"
	if asc {
		order = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT t.user_id, COALESCE(p.username, t.user_id), SUM(t.points) AS total
		FROM loyalty_transactions t
		LEFT JOIN user_loyalty_profiles p ON p.user_id = t.user_id
		WHERE t.tx_type IN (%s) AND t.created_at >= ? AND t.created_at <= ?
		GROUP BY t.user_id
		ORDER BY total %s
		LIMIT ?
	`, placeholders, order)

	args := make([]any, 0, len(types)+3)
	for _, typ := range types {
		args = append(args, string(typ))
	}
	args = append(args,
		from.UTC().Format(time.RFC3339),
		to.UTC().Format(time.RFC3339),
		limit,
	)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []loyalty.UserPointsTotal
	for rows.Next() {
		var t loyalty.UserPointsTotal
		if err := rows.Scan(&t.UserID, &t.Username, &t.Points); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// =============================================================================
// ARCHIVE
// =============================================================================

// ArchiveBefore moves rows older than cutoff into the archive table and
// deletes them from the live log, atomically.
func (s *Store) ArchiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	cutoffStr := cutoff.UTC().Format(time.RFC3339)
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO loyalty_transaction_archive
		(user_id, username, points, tx_type, description, purchase_id,
		 reference_id, metadata_json, balance_after, created_at, archived_at)
		SELECT t.user_id, COALESCE(p.username, t.user_id), t.points, t.tx_type,
		       t.description, t.purchase_id, t.reference_id, t.metadata_json,
		       t.balance_after, t.created_at, ?
		FROM loyalty_transactions t
		LEFT JOIN user_loyalty_profiles p ON p.user_id = t.user_id
		WHERE t.created_at < ?
	`, now, cutoffStr)
	if err != nil {
		return 0, err
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := sqlTx.ExecContext(ctx,
		"DELETE FROM loyalty_transactions WHERE created_at < ?", cutoffStr,
	); err != nil {
		return 0, err
	}

	return int(moved), sqlTx.Commit()
}

// =============================================================================
// ATOMIC UNIT (loyalty.Store WithTx)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetOrCreateProfile(ctx context.Context, id loyalty.UserID) (*loyalty.Profile, error) {
	p, err := getProfile(ctx, ts.tx, id)
	if err == nil {
		return p, nil
	}
	if err != loyalty.ErrProfileNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	p = &loyalty.Profile{
		UserID:    id,
		Username:  string(id),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := upsertProfile(ctx, ts.tx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (ts *txStore) UpdateProfile(ctx context.Context, p *loyalty.Profile) error {
	return upsertProfile(ctx, ts.tx, p)
}

func (ts *txStore) Append(ctx context.Context, tx *loyalty.Transaction) error {
	var metadataJSON any
	if len(tx.Metadata) > 0 {
		raw, _ := json.Marshal(tx.Metadata)
		metadataJSON = string(raw)
	}

	var expiredThrough *string
	if tx.ExpiredThrough != nil {
		t := tx.ExpiredThrough.UTC().Format(time.RFC3339)
		expiredThrough = &t
	}

	query := `
		INSERT INTO loyalty_transactions
		(id, user_id, points, tx_type, description, purchase_id, reference_id,
		 metadata_json, balance_after, expired_through, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ts.tx.ExecContext(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Points,
		tx.Type,
		tx.Description,
		nullString(tx.PurchaseID),
		nullString(tx.ReferenceID),
		metadataJSON,
		tx.BalanceAfter,
		expiredThrough,
		nullString(tx.CreatedBy),
		tx.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &loyalty.DuplicateReferenceError{ReferenceID: tx.ReferenceID}
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
