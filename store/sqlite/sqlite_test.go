package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajha/loyalty-engine/loyalty"
	"github.com/sajha/loyalty-engine/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// appendEarn writes an earn row through the atomic unit, the same path
// the service takes.
func appendEarn(t *testing.T, st *sqlite.Store, user string, points int, ref string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	err := st.WithTx(ctx, func(tx loyalty.Tx) error {
		profile, err := tx.GetOrCreateProfile(ctx, loyalty.UserID(user))
		if err != nil {
			return err
		}
		profile.Points += points
		profile.LifetimePoints += points
		profile.UpdatedAt = at
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		return tx.Append(ctx, &loyalty.Transaction{
			ID:           loyalty.TransactionID(uuid.NewString()),
			UserID:       loyalty.UserID(user),
			Points:       points,
			Type:         loyalty.TxEarn,
			Description:  "test earn",
			ReferenceID:  ref,
			BalanceAfter: profile.Points,
			CreatedAt:    at,
		})
	})
	require.NoError(t, err)
}

// =============================================================================
// CONFIGURATION
// =============================================================================

func TestGetConfig_LazyDefault(t *testing.T) {
	st := newTestStore(t)

	cfg, err := st.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.PointsPerUnit)
	assert.True(t, cfg.UnitAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 100, cfg.MinRedemptionPoints)
}

func TestUpdateConfig_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cfg, err := st.GetConfig(ctx)
	require.NoError(t, err)
	cfg.PointsPerUnit = 2
	cfg.UnitAmount = decimal.RequireFromString("50.5")
	cfg.PointsExpiryDays = 365
	cfg.MaxRedemptionPoints = 5000
	cfg.AllowNegativeBalance = true
	require.NoError(t, st.UpdateConfig(ctx, cfg))

	got, err := st.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got.PointsPerUnit)
	assert.True(t, got.UnitAmount.Equal(decimal.RequireFromString("50.5")))
	assert.Equal(t, 365, got.PointsExpiryDays)
	assert.Equal(t, 5000, got.MaxRedemptionPoints)
	assert.True(t, got.AllowNegativeBalance)
}

func TestUpdateConfig_RejectsInvalid(t *testing.T) {
	st := newTestStore(t)

	cfg, err := st.GetConfig(context.Background())
	require.NoError(t, err)
	cfg.UnitAmount = decimal.Zero
	assert.Error(t, st.UpdateConfig(context.Background(), cfg))
}

// =============================================================================
// TIERS / PERKS
// =============================================================================

func TestSaveTier_ActiveMinPointsConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	bronze := &loyalty.Tier{
		ID: "bronze", Name: "Bronze", MinPoints: 100,
		Multiplier: decimal.RequireFromString("1.1"), IsActive: true,
	}
	require.NoError(t, st.SaveTier(ctx, bronze))

	clone := &loyalty.Tier{
		ID: "clone", Name: "Clone", MinPoints: 100,
		Multiplier: decimal.RequireFromString("1.2"), IsActive: true,
	}
	err := st.SaveTier(ctx, clone)
	assert.ErrorIs(t, err, loyalty.ErrTierConflict)

	// An inactive tier may share the threshold, and updating bronze in
	// place must not conflict with itself.
	clone.IsActive = false
	require.NoError(t, st.SaveTier(ctx, clone))
	bronze.Multiplier = decimal.RequireFromString("1.15")
	require.NoError(t, st.SaveTier(ctx, bronze))

	tiers, err := st.Tiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
}

func TestTiers_OrderedByMinPoints(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, tr := range []struct {
		id  string
		min int
	}{{"gold", 1000}, {"bronze", 100}, {"silver", 500}} {
		require.NoError(t, st.SaveTier(ctx, &loyalty.Tier{
			ID: loyalty.TierID(tr.id), Name: tr.id, MinPoints: tr.min,
			Multiplier: decimal.NewFromInt(1), IsActive: true,
		}))
	}

	tiers, err := st.Tiers(ctx)
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	assert.Equal(t, loyalty.TierID("bronze"), tiers[0].ID)
	assert.Equal(t, loyalty.TierID("silver"), tiers[1].ID)
	assert.Equal(t, loyalty.TierID("gold"), tiers[2].ID)
}

func TestPerks_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveTier(ctx, &loyalty.Tier{
		ID: "gold", Name: "Gold", MinPoints: 1000,
		Multiplier: decimal.NewFromInt(2), IsActive: true,
	}))
	require.NoError(t, st.SavePerk(ctx, &loyalty.Perk{
		ID: "perk-1", TierID: "gold", Name: "Free shipping",
		Description: "No delivery charge", Code: "FREESHIP", IsActive: true,
	}))

	perks, err := st.PerksForTier(ctx, "gold")
	require.NoError(t, err)
	require.Len(t, perks, 1)
	assert.Equal(t, "Free shipping", perks[0].Name)
	assert.Equal(t, "FREESHIP", perks[0].Code)
}

// =============================================================================
// PROFILES
// =============================================================================

func TestGetProfile_NotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetProfile(context.Background(), "ghost")
	assert.True(t, loyalty.IsNotFound(err))
}

func TestGetOrCreateProfile_CreatesActive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx loyalty.Tx) error {
		profile, err := tx.GetOrCreateProfile(ctx, "user-1")
		if err != nil {
			return err
		}
		assert.True(t, profile.IsActive)
		assert.Equal(t, 0, profile.Points)
		return nil
	})
	require.NoError(t, err)

	profile, err := st.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, profile.IsActive)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestAppend_DuplicateReference(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	appendEarn(t, st, "user-1", 10, "order-1", time.Now().UTC())

	err := st.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.Append(ctx, &loyalty.Transaction{
			ID:          loyalty.TransactionID(uuid.NewString()),
			UserID:      "user-1",
			Points:      10,
			Type:        loyalty.TxEarn,
			ReferenceID: "order-1",
			CreatedAt:   time.Now().UTC(),
		})
	})
	require.Error(t, err)
	assert.True(t, loyalty.IsDuplicate(err))

	var dup *loyalty.DuplicateReferenceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "order-1", dup.ReferenceID)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	// GIVEN: a closure that appends a row and then fails
	// WHEN: WithTx returns the error
	// THEN: neither the row nor the profile write survives
	st := newTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := st.WithTx(ctx, func(tx loyalty.Tx) error {
		profile, err := tx.GetOrCreateProfile(ctx, "user-1")
		if err != nil {
			return err
		}
		profile.Points = 999
		if err := tx.UpdateProfile(ctx, profile); err != nil {
			return err
		}
		if err := tx.Append(ctx, &loyalty.Transaction{
			ID:          loyalty.TransactionID(uuid.NewString()),
			UserID:      "user-1",
			Points:      999,
			Type:        loyalty.TxEarn,
			ReferenceID: "doomed",
			CreatedAt:   time.Now().UTC(),
		}); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	_, err = st.GetProfile(ctx, "user-1")
	assert.True(t, loyalty.IsNotFound(err), "profile insert rolled back")

	exists, err := st.ReferenceExists(ctx, "doomed")
	require.NoError(t, err)
	assert.False(t, exists, "ledger row rolled back")
}

func TestTransactionsForUser_NewestFirstWithLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	appendEarn(t, st, "user-1", 1, "a", base)
	appendEarn(t, st, "user-1", 2, "b", base.Add(time.Minute))
	appendEarn(t, st, "user-1", 3, "c", base.Add(2*time.Minute))
	appendEarn(t, st, "user-2", 9, "other", base)

	txs, err := st.TransactionsForUser(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "c", txs[0].ReferenceID)
	assert.Equal(t, "b", txs[1].ReferenceID)

	count, err := st.CountTransactionsForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestTransactionRoundTrip_PreservesFields(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Second)

	err := st.WithTx(ctx, func(tx loyalty.Tx) error {
		if _, err := tx.GetOrCreateProfile(ctx, "user-1"); err != nil {
			return err
		}
		return tx.Append(ctx, &loyalty.Transaction{
			ID:           "tx-1",
			UserID:       "user-1",
			Points:       42,
			Type:         loyalty.TxBonus,
			Description:  "Bonus points for reviewing Singing bowl",
			PurchaseID:   "ord-9",
			ReferenceID:  "review:rev-9",
			Metadata:     map[string]string{"source": "review"},
			BalanceAfter: 42,
			CreatedBy:    "system",
			CreatedAt:    at,
		})
	})
	require.NoError(t, err)

	txs, err := st.TransactionsForUser(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	got := txs[0]
	assert.Equal(t, loyalty.TransactionID("tx-1"), got.ID)
	assert.Equal(t, loyalty.TxBonus, got.Type)
	assert.Equal(t, "ord-9", got.PurchaseID)
	assert.Equal(t, "review:rev-9", got.ReferenceID)
	assert.Equal(t, map[string]string{"source": "review"}, got.Metadata)
	assert.Equal(t, 42, got.BalanceAfter)
	assert.Equal(t, "system", got.CreatedBy)
	assert.True(t, got.CreatedAt.Equal(at))
}

// =============================================================================
// EXPIRY AGGREGATE
// =============================================================================

func TestExpirableTotals_Watermark(t *testing.T) {
	// GIVEN: two old earns and one fresh earn
	// WHEN: totals are taken, an expire row is written, totals retaken
	// THEN: the first pass sees the old sum, the second sees nothing
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -400)

	appendEarn(t, st, "user-1", 30, "old-1", old)
	appendEarn(t, st, "user-1", 20, "old-2", old.Add(time.Hour))
	appendEarn(t, st, "user-1", 50, "fresh", now)

	cutoff := now.AddDate(0, 0, -365)
	totals, err := st.ExpirableTotals(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, loyalty.UserID("user-1"), totals[0].UserID)
	assert.Equal(t, 50, totals[0].Points)

	watermark := cutoff
	err = st.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.Append(ctx, &loyalty.Transaction{
			ID:             loyalty.TransactionID(uuid.NewString()),
			UserID:         "user-1",
			Points:         -50,
			Type:           loyalty.TxExpire,
			Description:    "Bulk expiry",
			ReferenceID:    "expire:user-1:" + cutoff.Format(time.RFC3339),
			BalanceAfter:   50,
			ExpiredThrough: &watermark,
			CreatedAt:      now,
		})
	})
	require.NoError(t, err)

	totals, err = st.ExpirableTotals(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, totals, "earns behind the watermark are settled")
}

func TestExpiringBetween(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	appendEarn(t, st, "user-1", 10, "inside", now.AddDate(0, 0, -350))
	appendEarn(t, st, "user-2", 20, "outside", now)

	from := now.AddDate(0, 0, -365)
	to := from.AddDate(0, 0, 30)
	earns, err := st.ExpiringBetween(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, earns, 1)
	assert.Equal(t, "inside", earns[0].ReferenceID)
}

// =============================================================================
// ARCHIVAL
// =============================================================================

func TestArchiveBefore(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	appendEarn(t, st, "user-1", 10, "ancient", now.AddDate(-3, 0, 0))
	appendEarn(t, st, "user-1", 20, "recent", now)

	moved, err := st.ArchiveBefore(ctx, now.AddDate(-2, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	count, err := st.CountTransactionsForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Archival must not disturb the idempotency key space going
	// forward for the remaining live rows.
	exists, err := st.ReferenceExists(ctx, "recent")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = st.ReferenceExists(ctx, "ancient")
	require.NoError(t, err)
	assert.False(t, exists)
}

// =============================================================================
// END TO END THROUGH THE SERVICE
// =============================================================================

func TestServiceAgainstSQLite(t *testing.T) {
	// The full award/redeem/duplicate cycle against the real storage
	// engine rather than the in-memory double.
	st := newTestStore(t)
	ctx := context.Background()
	svc := loyalty.NewService(st)

	res, err := svc.Award(ctx, "user-1", decimal.RequireFromString("50000"),
		"big order", loyalty.AwardOpts{ReferenceID: "order-1"})
	require.NoError(t, err)
	assert.Equal(t, 500, res.PointsAwarded)

	_, err = svc.Award(ctx, "user-1", decimal.RequireFromString("50000"),
		"replay", loyalty.AwardOpts{ReferenceID: "order-1"})
	assert.True(t, loyalty.IsDuplicate(err))

	redeem, err := svc.Redeem(ctx, "user-1", 200, "voucher", "redeem-1")
	require.NoError(t, err)
	require.True(t, redeem.Success)
	assert.Equal(t, 300, redeem.Transaction.BalanceAfter)

	profile, err := st.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 300, profile.Points)
	assert.Equal(t, 500, profile.LifetimePoints)
}
