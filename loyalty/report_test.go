package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajha/loyalty-engine/loyalty"
)

// =============================================================================
// REPORTING
// =============================================================================

func TestReport_Aggregates(t *testing.T) {
	// GIVEN: two earners and one redemption in the period
	// WHEN: the report runs over the default trailing window
	// THEN: volumes, liability, and population figures all line up
	svc, _ := newTestService(t)
	ctx := context.Background()

	award(t, svc, "user-1", "50000", "order-1") // 500 earned
	award(t, svc, "user-2", "10000", "order-2") // 100 earned

	res, err := svc.Redeem(ctx, "user-1", 200, "voucher", "redeem-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	report, err := svc.Report(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, 600, report.PointsEarned)
	assert.Equal(t, 200, report.PointsRedeemed, "redeemed volume is a magnitude")
	assert.Equal(t, 0, report.PointsExpired)
	assert.Equal(t, 400, report.NetChange)
	assert.Equal(t, 400, report.TotalOutstanding)
	assert.Equal(t, 600, report.TotalLifetime)

	assert.Equal(t, 2, report.TotalUsers)
	assert.Equal(t, 2, report.ActiveUsers)
	assert.Equal(t, 2, report.UsersWithPoints)
	assert.Equal(t, 200.0, report.AveragePerUser)
	assert.Equal(t, 100.0, report.PercentageActive)

	assert.Equal(t, 2, report.Transactions[loyalty.TxEarn].Count)
	assert.Equal(t, 600, report.Transactions[loyalty.TxEarn].TotalPoints)
	assert.Equal(t, 1, report.Transactions[loyalty.TxRedeem].Count)
	assert.Equal(t, 200, report.Transactions[loyalty.TxRedeem].TotalPoints)

	require.NotEmpty(t, report.TopEarners)
	assert.Equal(t, loyalty.UserID("user-1"), report.TopEarners[0].UserID)
	assert.Equal(t, 500, report.TopEarners[0].Points)
}

func TestReport_EmptyProgram(t *testing.T) {
	// No users, no transactions: everything zero, no division blowups.
	svc, _ := newTestService(t)

	report, err := svc.Report(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 0, report.TotalUsers)
	assert.Equal(t, 0.0, report.AveragePerUser)
	assert.Equal(t, 0.0, report.PercentageActive)
	assert.Empty(t, report.TopEarners)
}

func TestReport_WindowExcludesOutside(t *testing.T) {
	svc, _ := newTestService(t)

	backdatedAward(t, svc, "user-1", "10000", "ancient", time.Now().AddDate(-1, 0, 0))
	award(t, svc, "user-1", "5000", "recent")

	report, err := svc.Report(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 50, report.PointsEarned, "the year-old earn falls outside the window")
	assert.Equal(t, 150, report.TotalOutstanding, "liability is point-in-time, not windowed")
}

func TestReport_TierDistribution(t *testing.T) {
	svc, mem := newTestService(t)
	saveTier(t, mem, "bronze", 100, "1.1")

	award(t, svc, "user-1", "20000", "order-1") // bronze
	award(t, svc, "user-2", "5000", "order-2")  // no tier

	report, err := svc.Report(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)

	slice, ok := report.TierDistribution["bronze"]
	require.True(t, ok)
	assert.Equal(t, 1, slice.Count)
	assert.Equal(t, 50.0, slice.Percentage)
}

// =============================================================================
// ARCHIVAL
// =============================================================================

func TestArchiveOldTransactions(t *testing.T) {
	// GIVEN: one ancient earn and one recent earn
	// WHEN: archiving with a 30 day retention
	// THEN: the old row moves to the archive, the recent one stays live
	svc, mem := newTestService(t)
	ctx := context.Background()

	backdatedAward(t, svc, "user-1", "10000", "old", time.Now().AddDate(0, 0, -90))
	award(t, svc, "user-1", "5000", "fresh")

	moved, err := svc.ArchiveOldTransactions(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	count, err := mem.CountTransactionsForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	archived := mem.Archived()
	require.Len(t, archived, 1)
	assert.Equal(t, loyalty.UserID("user-1"), archived[0].UserID)
	assert.Equal(t, "old", archived[0].ReferenceID)
	assert.Equal(t, 100, archived[0].Points)
	assert.False(t, archived[0].ArchivedAt.IsZero())

	// The balance is untouched: archival prunes history, not points.
	profile, err := mem.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 150, profile.Points)
}

func TestArchiveOldTransactions_NothingOld(t *testing.T) {
	svc, mem := newTestService(t)

	award(t, svc, "user-1", "5000", "fresh")

	moved, err := svc.ArchiveOldTransactions(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
	assert.Empty(t, mem.Archived())
}

func TestValidateArchiveSign(t *testing.T) {
	assert.NoError(t, loyalty.ValidateArchiveSign(&loyalty.ArchivedTransaction{
		Type: loyalty.TxEarn, Points: 100,
	}))
	assert.NoError(t, loyalty.ValidateArchiveSign(&loyalty.ArchivedTransaction{
		Type: loyalty.TxRedeem, Points: -100,
	}))

	err := loyalty.ValidateArchiveSign(&loyalty.ArchivedTransaction{
		Type: loyalty.TxEarn, Points: -5,
	})
	assert.ErrorIs(t, err, loyalty.ErrInvalidTransaction)

	err = loyalty.ValidateArchiveSign(&loyalty.ArchivedTransaction{
		Type: loyalty.TxExpire, Points: 5,
	})
	assert.ErrorIs(t, err, loyalty.ErrInvalidTransaction)
}
