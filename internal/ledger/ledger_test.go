package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"tokengate/internal/apperr"
	"tokengate/internal/store"
	"tokengate/pkg/models"
)

func newTestLedger(t *testing.T, ttl time.Duration) (*Ledger, *gorm.DB) {
	t.Helper()
	db, err := store.OpenForTest()
	require.NoError(t, err)
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return New(db, ttl), db
}

func kindOf(t *testing.T, err error) apperr.Kind {
	t.Helper()
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae), "expected *apperr.Error, got %v", err)
	return ae.Kind
}

func TestGrantAndBalance(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()

	require.NoError(t, l.Grant(1, models.BucketPrepaid, 1000, "topup"))
	require.NoError(t, l.Grant(1, models.BucketSubscription, 500, "monthly"))

	bal, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), bal.AvailableTokens)
	assert.Equal(t, int64(500), bal.SubscriptionTokens)
	assert.Equal(t, int64(1000), bal.PrepaidTokens)
	assert.Equal(t, int64(0), bal.HeldTokens)

	assert.Error(t, l.Grant(1, models.BucketPrepaid, 0, ""))
	assert.Error(t, l.Grant(1, models.BucketPrepaid, -5, ""))
}

func TestReserveHoldsBalance(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, l.Grant(1, models.BucketPrepaid, 1000, ""))

	res, err := l.Reserve(ctx, 1, 400, 0.000001, false)
	require.NoError(t, err)
	assert.False(t, res.Stub)
	assert.NotEmpty(t, res.ReservationID)
	require.NotNil(t, res.RemainingBalance)
	assert.Equal(t, int64(600), *res.RemainingBalance)

	bal, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(600), bal.AvailableTokens)
	assert.Equal(t, int64(400), bal.HeldTokens)
}

func TestReserveInsufficientBalance(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, l.Grant(1, models.BucketPrepaid, 100, ""))

	_, err := l.Reserve(ctx, 1, 500, 0, false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInsufficientBalance, kindOf(t, err))

	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.EqualValues(t, 500, ae.Detail["required"])
	assert.EqualValues(t, 100, ae.Detail["available"])

	// Nothing was held.
	bal, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.AvailableTokens)
}

func TestReserveZeroEstimate(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()

	// Zero tokens against zero balance is still a valid reservation.
	res, err := l.Reserve(ctx, 1, 0, 0, false)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ReservationID)

	_, err = l.Reserve(ctx, 1, -1, 0, false)
	assert.Equal(t, apperr.KindInvalidArgument, kindOf(t, err))
}

func TestReserveBYOKStub(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()

	res, err := l.Reserve(ctx, 1, 100000, 0, true)
	require.NoError(t, err)
	assert.True(t, res.Stub)
	assert.Empty(t, res.ReservationID)
	assert.Nil(t, res.RemainingBalance)

	bal, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.HeldTokens)
}

func TestSettleChargesActuals(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, l.Grant(1, models.BucketPrepaid, 1000, ""))

	res, err := l.Reserve(ctx, 1, 400, 0, false)
	require.NoError(t, err)

	event, err := l.Settle(ctx, Settlement{
		ReservationID: res.ReservationID,
		Provider:      "anthropic",
		Model:         "claude-sonnet-4-5",
		InputTokens:   120,
		OutputTokens:  80,
		CostUsd:       0.0042,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(200), event.ChargedTokens)
	assert.Equal(t, models.UsageCharged, event.Kind)

	// Actuals, never the estimate: 1000 - 200.
	bal, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(800), bal.AvailableTokens)
	assert.Equal(t, int64(0), bal.HeldTokens)
}

func TestSettleIdempotentReplay(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, l.Grant(1, models.BucketPrepaid, 1000, ""))

	res, err := l.Reserve(ctx, 1, 400, 0, false)
	require.NoError(t, err)

	s := Settlement{ReservationID: res.ReservationID, Provider: "openai", Model: "gpt-4o", InputTokens: 50, OutputTokens: 50}
	first, err := l.Settle(ctx, s)
	require.NoError(t, err)

	// Replay with different actuals collapses to the first outcome.
	s.InputTokens, s.OutputTokens = 9000, 9000
	second, err := l.Settle(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ChargedTokens, second.ChargedTokens)

	bal, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(900), bal.AvailableTokens)
}

func TestSettleRejectsExpiredAndRefunded(t *testing.T) {
	l, db := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, l.Grant(1, models.BucketPrepaid, 1000, ""))

	t.Run("expired", func(t *testing.T) {
		res, err := l.Reserve(ctx, 1, 100, 0, false)
		require.NoError(t, err)
		require.NoError(t, db.Model(&models.Reservation{}).
			Where("id = ?", res.ReservationID).
			Update("status", models.ReservationExpired).Error)

		_, err = l.Settle(ctx, Settlement{ReservationID: res.ReservationID})
		assert.Equal(t, apperr.KindConflict, kindOf(t, err))
	})

	t.Run("refunded", func(t *testing.T) {
		res, err := l.Reserve(ctx, 1, 100, 0, false)
		require.NoError(t, err)
		require.NoError(t, l.Refund(ctx, res.ReservationID))

		_, err = l.Settle(ctx, Settlement{ReservationID: res.ReservationID})
		assert.Equal(t, apperr.KindConflict, kindOf(t, err))
	})

	t.Run("unknown reservation", func(t *testing.T) {
		_, err := l.Settle(ctx, Settlement{ReservationID: "nope"})
		assert.Equal(t, apperr.KindNotFound, kindOf(t, err))
	})
}

func TestRefund(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, l.Grant(1, models.BucketPrepaid, 1000, ""))

	res, err := l.Reserve(ctx, 1, 300, 0, false)
	require.NoError(t, err)

	require.NoError(t, l.Refund(ctx, res.ReservationID))
	bal, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.AvailableTokens)

	// Idempotent.
	require.NoError(t, l.Refund(ctx, res.ReservationID))

	// BYOK stub refund is a no-op.
	require.NoError(t, l.Refund(ctx, ""))

	// Committed reservations cannot be refunded.
	res2, err := l.Reserve(ctx, 1, 100, 0, false)
	require.NoError(t, err)
	_, err = l.Settle(ctx, Settlement{ReservationID: res2.ReservationID, InputTokens: 10, OutputTokens: 10})
	require.NoError(t, err)
	err = l.Refund(ctx, res2.ReservationID)
	assert.Equal(t, apperr.KindConflict, kindOf(t, err))
}

func TestSweeperExpiresStaleHolds(t *testing.T) {
	l, db := newTestLedger(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, l.Grant(1, models.BucketPrepaid, 1000, ""))

	res, err := l.Reserve(ctx, 1, 250, 0, false)
	require.NoError(t, err)

	// Backdate the hold past the TTL.
	require.NoError(t, db.Model(&models.Reservation{}).
		Where("id = ?", res.ReservationID).
		Update("created_at", time.Now().UTC().Add(-2*time.Minute)).Error)

	sweeper := NewSweeper(l, time.Second)
	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	bal, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.AvailableTokens, "expired hold releases balance")
	assert.Equal(t, int64(0), bal.HeldTokens)

	// A fresh hold survives the sweep.
	_, err = l.Reserve(ctx, 1, 100, 0, false)
	require.NoError(t, err)
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestRecordBYOKAndLostUsageNeverCharge(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, l.Grant(1, models.BucketPrepaid, 1000, ""))

	l.RecordBYOK(1, "openai", "gpt-4o", 500, 500, 0.01, false)
	l.RecordLostUsage(1, "res-lost", "anthropic", "claude-sonnet-4-5", 300, 300, 0.02)

	bal, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.AvailableTokens)

	events, _, err := l.History(ctx, 1, 10, "")
	require.NoError(t, err)
	require.Len(t, events, 2)
	kinds := []models.UsageEventKind{events[0].Kind, events[1].Kind}
	assert.ElementsMatch(t, []models.UsageEventKind{models.UsageBYOK, models.UsageLostUsage}, kinds)
	for _, e := range events {
		assert.Equal(t, int64(0), e.ChargedTokens)
	}
}

func TestPlan(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, l.Grant(1, models.BucketPrepaid, 100, ""))

	plan, err := l.Plan(ctx, 1, 500, false)
	require.NoError(t, err)
	assert.False(t, plan.WouldSucceed)
	assert.Equal(t, int64(500), plan.Required)
	assert.Equal(t, int64(100), plan.Available)

	// Nothing was reserved by the dry run.
	bal, err := l.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.HeldTokens)

	plan, err = l.Plan(ctx, 1, 50, false)
	require.NoError(t, err)
	assert.True(t, plan.WouldSucceed)

	plan, err = l.Plan(ctx, 1, 1_000_000, true)
	require.NoError(t, err)
	assert.True(t, plan.WouldSucceed, "BYOK requests are never funded from balance")
}

func TestHistoryPagination(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.RecordBYOK(1, "openai", "gpt-4o", int64(i), 0, 0, false)
		time.Sleep(2 * time.Millisecond)
	}

	page1, cursor, err := l.History(ctx, 1, 3, "")
	require.NoError(t, err)
	assert.Len(t, page1, 3)
	require.NotEmpty(t, cursor)

	page2, cursor2, err := l.History(ctx, 1, 3, cursor)
	require.NoError(t, err)
	assert.Len(t, page2, 2)
	assert.Empty(t, cursor2)

	seen := map[string]bool{}
	for _, e := range append(page1, page2...) {
		assert.False(t, seen[e.ID], "no event repeats across pages")
		seen[e.ID] = true
	}
}

func TestAnalytics(t *testing.T) {
	l, _ := newTestLedger(t, 0)
	ctx := context.Background()
	require.NoError(t, l.Grant(1, models.BucketPrepaid, 1000, ""))

	res, err := l.Reserve(ctx, 1, 100, 0, false)
	require.NoError(t, err)
	_, err = l.Settle(ctx, Settlement{ReservationID: res.ReservationID, Provider: "anthropic", Model: "m", InputTokens: 40, OutputTokens: 60, CostUsd: 0.01})
	require.NoError(t, err)
	l.RecordBYOK(1, "openai", "gpt-4o", 10, 10, 0.001, false)

	a, err := l.GetAnalytics(ctx, 1, 30, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Requests)
	assert.Equal(t, int64(120), a.Tokens)
	assert.Len(t, a.ByProvider, 2)
	assert.Empty(t, a.History)

	a, err = l.GetAnalytics(ctx, 1, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 30, a.Days, "days out of range clamps to default")
	assert.Len(t, a.History, 2)
}
