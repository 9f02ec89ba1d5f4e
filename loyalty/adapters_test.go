package loyalty_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sajha/loyalty-engine/loyalty"
	"github.com/sajha/loyalty-engine/loyalty/store"
)

// recordingNotifier captures outbound events for assertions.
type recordingNotifier struct {
	mu          sync.Mutex
	tierChanges []loyalty.TierChange
}

func (n *recordingNotifier) TierChanged(_ context.Context, c loyalty.TierChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tierChanges = append(n.tierChanges, c)
	return nil
}

func (n *recordingNotifier) PointsExpiring(context.Context, loyalty.ExpiringPoints) error {
	return nil
}

func newTestAdapter(t *testing.T) (*loyalty.Adapter, *recordingNotifier, *store.Memory) {
	t.Helper()
	svc, mem := newTestService(t)
	n := &recordingNotifier{}
	return loyalty.NewAdapter(svc, n), n, mem
}

// =============================================================================
// PAYMENT COMPLETED
// =============================================================================

func TestHandlePaymentCompleted(t *testing.T) {
	adapter, _, mem := newTestAdapter(t)
	ctx := context.Background()

	res, err := adapter.HandlePaymentCompleted(ctx, loyalty.PaymentCompleted{
		UserID:    "user-1",
		Amount:    decimal.RequireFromString("2500"),
		PaymentID: "pay-1",
		OrderID:   "ord-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 25, res.Points)

	profile, err := mem.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 25, profile.Points)

	txs, err := mem.TransactionsForUser(ctx, "user-1", 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "payment:pay-1:ord-1", txs[0].ReferenceID)
	assert.Equal(t, "ord-1", txs[0].PurchaseID)
}

func TestHandlePaymentCompleted_RedeliveryIsBenign(t *testing.T) {
	// GIVEN: a payment event already processed
	// WHEN: the broker redelivers it
	// THEN: no error, Duplicate=true, points unchanged
	adapter, _, mem := newTestAdapter(t)
	ctx := context.Background()

	ev := loyalty.PaymentCompleted{
		UserID:    "user-1",
		Amount:    decimal.RequireFromString("2500"),
		PaymentID: "pay-1",
		OrderID:   "ord-1",
	}

	first, err := adapter.HandlePaymentCompleted(ctx, ev)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	second, err := adapter.HandlePaymentCompleted(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 0, second.Points)

	count, err := mem.CountTransactionsForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandlePaymentCompleted_DispatchesTierChange(t *testing.T) {
	adapter, notifier, mem := newTestAdapter(t)
	ctx := context.Background()
	saveTier(t, mem, "bronze", 10, "1.1")

	_, err := adapter.HandlePaymentCompleted(ctx, loyalty.PaymentCompleted{
		UserID:    "user-1",
		Amount:    decimal.RequireFromString("2500"),
		PaymentID: "pay-1",
		OrderID:   "ord-1",
	})
	require.NoError(t, err)

	require.Len(t, notifier.tierChanges, 1)
	assert.Equal(t, "bronze", notifier.tierChanges[0].NewTier)
	assert.Equal(t, loyalty.UserID("user-1"), notifier.tierChanges[0].UserID)
}

// =============================================================================
// BONUSES
// =============================================================================

func TestHandleReviewCreated_BonusRunsThroughFormula(t *testing.T) {
	// The review bonus is a 500 currency amount, not 500 raw points:
	// at the default 1 point per 100 it grants 5 points of type bonus.
	adapter, _, mem := newTestAdapter(t)
	ctx := context.Background()

	res, err := adapter.HandleReviewCreated(ctx, loyalty.ReviewCreated{
		UserID:   "user-1",
		ReviewID: "rev-1",
		Product:  "Singing bowl",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Points)

	txs, err := mem.TransactionsForUser(ctx, "user-1", 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, loyalty.TxBonus, txs[0].Type)
	assert.Equal(t, "review:rev-1", txs[0].ReferenceID)
}

func TestHandleUserSignedUp_OncePerUser(t *testing.T) {
	// The reference is derived from the user ID alone, so the welcome
	// bonus can never be granted twice.
	adapter, _, mem := newTestAdapter(t)
	ctx := context.Background()

	first, err := adapter.HandleUserSignedUp(ctx, loyalty.UserSignedUp{UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, 10, first.Points, "1000 currency at 1 point per 100")

	second, err := adapter.HandleUserSignedUp(ctx, loyalty.UserSignedUp{UserID: "user-1"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	profile, err := mem.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 10, profile.Points)
}

// =============================================================================
// ORDER CANCELLED
// =============================================================================

func TestHandleOrderCancelled_ClawsBack(t *testing.T) {
	adapter, _, mem := newTestAdapter(t)
	ctx := context.Background()

	_, err := adapter.HandlePaymentCompleted(ctx, loyalty.PaymentCompleted{
		UserID:    "user-1",
		Amount:    decimal.RequireFromString("10000"),
		PaymentID: "pay-1",
		OrderID:   "ord-1",
	})
	require.NoError(t, err)

	res, err := adapter.HandleOrderCancelled(ctx, loyalty.OrderCancelled{
		UserID:      "user-1",
		Amount:      decimal.RequireFromString("10000"),
		OrderID:     "ord-1",
		OrderNumber: "A-1001",
	})
	require.NoError(t, err)
	assert.Equal(t, 100, res.Points)

	profile, err := mem.GetProfile(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, profile.Points)
}

func TestHandleOrderCancelled_RedeliveryIsBenign(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)
	ctx := context.Background()

	_, err := adapter.HandlePaymentCompleted(ctx, loyalty.PaymentCompleted{
		UserID:    "user-1",
		Amount:    decimal.RequireFromString("10000"),
		PaymentID: "pay-1",
		OrderID:   "ord-1",
	})
	require.NoError(t, err)

	ev := loyalty.OrderCancelled{
		UserID:  "user-1",
		Amount:  decimal.RequireFromString("10000"),
		OrderID: "ord-1",
	}
	_, err = adapter.HandleOrderCancelled(ctx, ev)
	require.NoError(t, err)

	second, err := adapter.HandleOrderCancelled(ctx, ev)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
}
