package balance

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/loyaltymart/internal/grade"
	"github.com/iurnickita/loyaltymart/internal/model"
	"github.com/iurnickita/loyaltymart/internal/store"
	"github.com/iurnickita/loyaltymart/internal/store/memstore"
)

type fixture struct {
	ctx     context.Context
	store   *memstore.Memory
	balance Balance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := memstore.New()
	return &fixture{
		ctx:     context.Background(),
		store:   m,
		balance: NewBalance(m, grade.NewDefaultTable(), zap.NewNop()),
	}
}

func (f *fixture) user(t *testing.T, login string, points int64) int64 {
	t.Helper()
	id, err := f.store.CreateUser(f.ctx, model.User{Login: login, PasswordHash: "x", Points: points, Grade: "GREEN"})
	require.NoError(t, err)
	return id
}

func (f *fixture) order(t *testing.T, userID int64, status string, total int64) int64 {
	t.Helper()
	order := model.Order{UserID: userID, Status: status, TotalPrice: total, PaymentAmount: total}
	require.NoError(t, f.store.CreateOrder(f.ctx, nil, &order))
	return order.ID
}

func (f *fixture) points(t *testing.T, userID int64) model.Balance {
	t.Helper()
	b, err := f.store.GetBalance(f.ctx, nil, userID)
	require.NoError(t, err)
	return b
}

func (f *fixture) entries(t *testing.T, userID int64, reason string) []model.PointTransaction {
	t.Helper()
	all, err := f.store.ListLedgerEntries(f.ctx, nil, userID)
	require.NoError(t, err)
	var filtered []model.PointTransaction
	for _, e := range all {
		if e.Reason == reason {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

func TestAccrueIdempotent(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 0)
	orderID := f.order(t, userID, model.OrderStatusCompletedPayment, 12345)

	require.NoError(t, f.balance.Accrue(f.ctx, orderID))
	require.NoError(t, f.balance.Accrue(f.ctx, orderID))

	earned := f.entries(t, userID, model.ReasonEarnPurchase)
	require.Len(t, earned, 1)
	require.Equal(t, int64(246), earned[0].Delta)

	b := f.points(t, userID)
	require.Equal(t, int64(246), b.Points)
	require.Equal(t, "GREEN", b.Grade)
}

func TestAccrueSkipsUnpaid(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 0)
	orderID := f.order(t, userID, model.OrderStatusProcessing, 50000)

	require.NoError(t, f.balance.Accrue(f.ctx, orderID))
	require.Empty(t, f.entries(t, userID, model.ReasonEarnPurchase))
	require.Zero(t, f.points(t, userID).Points)

	err := f.balance.Accrue(f.ctx, 999)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestAccrueAtPreOrderGrade(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 0)
	f.order(t, userID, model.OrderStatusCompletedPayment, 99000)

	// заказ переводит покупателя в ORANGE, но начисление по ставке GREEN
	orderID := f.order(t, userID, model.OrderStatusCompletedPayment, 10000)
	require.NoError(t, f.balance.Accrue(f.ctx, orderID))

	b := f.points(t, userID)
	require.Equal(t, int64(200), b.Points)
	require.Equal(t, "ORANGE", b.Grade)
}

func TestAccrueZeroEarnStillSyncsGrade(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 0)

	// начальная ступень с нулевой ставкой
	table, err := grade.NewTable([]grade.Tier{
		{Level: "BASIC", MinLifetimeAmount: 0, EarnRate: decimal.Zero},
		{Level: "GOLD", MinLifetimeAmount: 100, EarnRate: decimal.RequireFromString("0.1")},
	})
	require.NoError(t, err)
	b := NewBalance(f.store, table, zap.NewNop())

	orderID := f.order(t, userID, model.OrderStatusCompletedPayment, 150)
	require.NoError(t, b.Accrue(f.ctx, orderID))

	require.Empty(t, f.entries(t, userID, model.ReasonEarnPurchase))
	require.Equal(t, "GOLD", f.points(t, userID).Grade)
}

func TestAccrueThenRevertConserves(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 1000)
	orderID := f.order(t, userID, model.OrderStatusCompletedPayment, 150000)

	require.NoError(t, f.balance.Accrue(f.ctx, orderID))
	require.Equal(t, int64(1000+3000), f.points(t, userID).Points)
	require.Equal(t, "ORANGE", f.points(t, userID).Grade)

	// отмена оплаченного заказа: заказ выходит из суммы покупок
	cancel(t, f, orderID)
	for i := 0; i < 2; i++ {
		err := f.store.WithinTransaction(f.ctx, func(h store.Handle) error {
			return f.balance.RevertOnCancellation(f.ctx, h, orderID)
		})
		require.NoError(t, err)
	}

	var net int64
	all, err := f.store.ListLedgerEntries(f.ctx, nil, userID)
	require.NoError(t, err)
	for _, e := range all {
		if e.OrderID == orderID {
			net += e.Delta
		}
	}
	require.Zero(t, net)
	require.Len(t, f.entries(t, userID, model.ReasonRevertCancel), 1)

	b := f.points(t, userID)
	require.Equal(t, int64(1000), b.Points)
	require.Equal(t, "GREEN", b.Grade)
}

func TestRevertInsufficientPoints(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 0)
	orderID := f.order(t, userID, model.OrderStatusCompletedPayment, 10000)
	require.NoError(t, f.balance.Accrue(f.ctx, orderID))

	// начисленные 200 баллов потрачены
	require.NoError(t, f.balance.Adjust(f.ctx, userID, -150))

	cancel(t, f, orderID)
	err := f.store.WithinTransaction(f.ctx, func(h store.Handle) error {
		return f.balance.RevertOnCancellation(f.ctx, h, orderID)
	})
	require.ErrorIs(t, err, ErrInsufficientPointsForRevert)

	require.Empty(t, f.entries(t, userID, model.ReasonRevertCancel))
	require.Equal(t, int64(50), f.points(t, userID).Points)
}

func TestRevertMissingOrder(t *testing.T) {
	f := newFixture(t)
	err := f.store.WithinTransaction(f.ctx, func(h store.Handle) error {
		return f.balance.RevertOnCancellation(f.ctx, h, 404)
	})
	require.NoError(t, err)
}

func TestSpendOnOrderPlacement(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 1000)
	orderID := f.order(t, userID, model.OrderStatusProcessing, 5000)

	spend := func(amount int64) error {
		return f.store.WithinTransaction(f.ctx, func(h store.Handle) error {
			return f.balance.SpendOnOrderPlacement(f.ctx, h, userID, orderID, amount)
		})
	}

	require.NoError(t, spend(0))
	require.NoError(t, spend(-5))
	require.Empty(t, f.entries(t, userID, model.ReasonSpendOrder))

	require.NoError(t, spend(500))
	require.NoError(t, spend(500))
	spent := f.entries(t, userID, model.ReasonSpendOrder)
	require.Len(t, spent, 1)
	require.Equal(t, int64(-500), spent[0].Delta)
	require.Equal(t, int64(500), f.points(t, userID).Points)

	otherOrder := f.order(t, userID, model.OrderStatusProcessing, 5000)
	err := f.store.WithinTransaction(f.ctx, func(h store.Handle) error {
		return f.balance.SpendOnOrderPlacement(f.ctx, h, userID, otherOrder, 501)
	})
	require.ErrorIs(t, err, ErrInsufficientPoints)
	require.Len(t, f.entries(t, userID, model.ReasonSpendOrder), 1)
	require.Equal(t, int64(500), f.points(t, userID).Points)
}

func TestStorageFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 0)
	orderID := f.order(t, userID, model.OrderStatusCompletedPayment, 12345)

	errLost := errors.New("connection lost")
	f.store.InjectFault("SyncGradeCache", errLost)
	err := f.balance.Accrue(f.ctx, orderID)
	require.ErrorIs(t, err, errLost)
	require.Empty(t, f.entries(t, userID, model.ReasonEarnPurchase))
	require.Zero(t, f.points(t, userID).Points)

	// повтор после сбоя
	f.store.InjectFault("SyncGradeCache", nil)
	require.NoError(t, f.balance.Accrue(f.ctx, orderID))
	require.Equal(t, int64(246), f.points(t, userID).Points)
}

func TestGetSummary(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 0)
	orderID := f.order(t, userID, model.OrderStatusCompletedPayment, 12345)
	require.NoError(t, f.balance.Accrue(f.ctx, orderID))

	summary, err := f.balance.GetSummary(f.ctx, userID)
	require.NoError(t, err)
	require.Equal(t, int64(246), summary.Points)
	require.Equal(t, "GREEN", summary.GradeLevel)
	require.Equal(t, int64(12345), summary.LifetimePurchase)
	require.True(t, summary.EarnRate.Equal(decimal.RequireFromString("0.02")))
	require.True(t, summary.HasNextGrade)
	require.Equal(t, "ORANGE", summary.NextGrade)
	require.Equal(t, int64(100000-12345), summary.AmountToNextGrade)

	_, err = f.balance.GetSummary(f.ctx, 404)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestAdjust(t *testing.T) {
	f := newFixture(t)
	userID := f.user(t, "alice", 10)

	require.ErrorIs(t, f.balance.Adjust(f.ctx, userID, 0), ErrInvalidAmount)
	require.ErrorIs(t, f.balance.Adjust(f.ctx, 404, 10), ErrUserNotFound)
	require.ErrorIs(t, f.balance.Adjust(f.ctx, userID, -11), ErrInsufficientPoints)

	require.NoError(t, f.balance.Adjust(f.ctx, userID, 90))
	require.NoError(t, f.balance.Adjust(f.ctx, userID, -30))
	require.Equal(t, int64(70), f.points(t, userID).Points)

	history, err := f.balance.GetHistory(f.ctx, userID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, int64(90), history[0].Delta)
	require.Equal(t, int64(-30), history[1].Delta)
}

func cancel(t *testing.T, f *fixture, orderID int64) {
	t.Helper()
	ok, err := f.store.UpdateOrderStatus(f.ctx, nil, orderID, model.OrderStatusCompletedPayment, model.OrderStatusCanceled)
	require.NoError(t, err)
	require.True(t, ok)
}
