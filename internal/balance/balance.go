// Package balance ведет баллы покупателя: списание при оформлении заказа,
// начисление за оплаченный заказ и отмену начисления при отмене заказа.
//
// Каждая операция выполняется внутри переданной транзакции и идемпотентна:
// ключом служит запись журнала (пользователь, заказ, причина). Последний шаг
// каждой операции - пересчет грейда, поэтому кэш грейда не расходится с журналом.
package balance

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/loyaltymart/internal/grade"
	"github.com/iurnickita/loyaltymart/internal/metrics"
	"github.com/iurnickita/loyaltymart/internal/model"
	"github.com/iurnickita/loyaltymart/internal/store"
)

type Balance interface {
	SpendOnOrderPlacement(ctx context.Context, h store.Handle, userID int64, orderID int64, amount int64) error
	AccrueOnPayment(ctx context.Context, h store.Handle, orderID int64) error
	RevertOnCancellation(ctx context.Context, h store.Handle, orderID int64) error
	Accrue(ctx context.Context, orderID int64) error
	Adjust(ctx context.Context, userID int64, delta int64) error
	GetSummary(ctx context.Context, userID int64) (Summary, error)
	GetHistory(ctx context.Context, userID int64) ([]model.PointTransaction, error)
}

// Store - часть хранилища, которая нужна балансу.
type Store interface {
	store.Transactor
	store.Ledger
	GetOrder(ctx context.Context, h store.Handle, orderID int64) (model.Order, error)
}

// Summary - сводка для страницы "мои баллы".
type Summary struct {
	Points            int64
	GradeLevel        string
	LifetimePurchase  int64
	EarnRate          decimal.Decimal
	NextGrade         string
	AmountToNextGrade int64
	HasNextGrade      bool
}

var (
	ErrInsufficientPoints          = errors.New("insufficient points")
	ErrInsufficientPointsForRevert = errors.New("insufficient points to revert accrual")
	ErrOrderNotFound               = errors.New("order not found")
	ErrUserNotFound                = errors.New("user not found")
	ErrInvalidAmount               = errors.New("invalid points amount")
)

type balance struct {
	store  Store
	grades *grade.Table
	zaplog *zap.Logger
}

func NewBalance(store Store, grades *grade.Table, zaplog *zap.Logger) Balance {
	balance := balance{store: store, grades: grades, zaplog: zaplog}
	return &balance
}

func (balance *balance) SpendOnOrderPlacement(ctx context.Context, h store.Handle, userID int64, orderID int64, amount int64) error {
	if amount <= 0 {
		return nil
	}

	exists, err := balance.store.HasLedgerEntry(ctx, h, userID, orderID, model.ReasonSpendOrder)
	if err != nil {
		return balance.failed(model.ReasonSpendOrder, orderID, err)
	}
	if exists {
		metrics.RecordPoints(model.ReasonSpendOrder, metrics.OutcomeDuplicate, 0)
		return nil
	}

	// запись журнала занимает ключ идемпотентности; если списание не пройдет,
	// транзакция откатится вместе с ней
	inserted, err := balance.store.AppendLedgerEntry(ctx, h, model.PointTransaction{
		UserID:  userID,
		OrderID: orderID,
		Delta:   -amount,
		Reason:  model.ReasonSpendOrder,
	})
	if err != nil {
		return balance.failed(model.ReasonSpendOrder, orderID, err)
	}
	if !inserted {
		metrics.RecordPoints(model.ReasonSpendOrder, metrics.OutcomeDuplicate, 0)
		return nil
	}

	ok, err := balance.store.DecrementIfSufficient(ctx, h, userID, amount)
	if err != nil {
		return balance.failed(model.ReasonSpendOrder, orderID, err)
	}
	if !ok {
		metrics.RecordPoints(model.ReasonSpendOrder, metrics.OutcomeRejected, 0)
		return ErrInsufficientPoints
	}

	metrics.RecordPoints(model.ReasonSpendOrder, metrics.OutcomeApplied, amount)
	balance.zaplog.Info("points spent",
		zap.Int64("user", userID),
		zap.Int64("order", orderID),
		zap.Int64("points", amount))
	return nil
}

func (balance *balance) AccrueOnPayment(ctx context.Context, h store.Handle, orderID int64) error {
	order, err := balance.store.GetOrder(ctx, h, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		return balance.failed(model.ReasonEarnPurchase, orderID, err)
	}

	// начисление только за оплаченный заказ; вызов для других статусов не ошибка
	if order.Status != model.OrderStatusCompletedPayment {
		metrics.RecordPoints(model.ReasonEarnPurchase, metrics.OutcomeSkipped, 0)
		return nil
	}

	exists, err := balance.store.HasLedgerEntry(ctx, h, order.UserID, order.ID, model.ReasonEarnPurchase)
	if err != nil {
		return balance.failed(model.ReasonEarnPurchase, orderID, err)
	}
	if exists {
		metrics.RecordPoints(model.ReasonEarnPurchase, metrics.OutcomeDuplicate, 0)
		return nil
	}

	// ставка по грейду, который был до этого заказа
	before, err := balance.store.SumLifetimeCompletedPurchases(ctx, h, order.UserID, order.ID)
	if err != nil {
		return balance.failed(model.ReasonEarnPurchase, orderID, err)
	}
	earn := balance.grades.Resolve(before).Earn(order.TotalPrice)

	if earn > 0 {
		inserted, err := balance.store.AppendLedgerEntry(ctx, h, model.PointTransaction{
			UserID:  order.UserID,
			OrderID: order.ID,
			Delta:   earn,
			Reason:  model.ReasonEarnPurchase,
		})
		if err != nil {
			return balance.failed(model.ReasonEarnPurchase, orderID, err)
		}
		if !inserted {
			metrics.RecordPoints(model.ReasonEarnPurchase, metrics.OutcomeDuplicate, 0)
			return nil
		}
		if err := balance.store.Increment(ctx, h, order.UserID, earn); err != nil {
			return balance.failed(model.ReasonEarnPurchase, orderID, err)
		}
		metrics.RecordPoints(model.ReasonEarnPurchase, metrics.OutcomeApplied, earn)
		balance.zaplog.Info("points accrued",
			zap.Int64("user", order.UserID),
			zap.Int64("order", order.ID),
			zap.Int64("points", earn))
	}

	// грейд пересчитывается всегда, даже если начисление округлилось до нуля
	return balance.syncGrade(ctx, h, order.UserID, model.ReasonEarnPurchase, orderID)
}

func (balance *balance) RevertOnCancellation(ctx context.Context, h store.Handle, orderID int64) error {
	order, err := balance.store.GetOrder(ctx, h, orderID)
	if err != nil {
		// существование заказа уже проверено при отмене
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return balance.failed(model.ReasonRevertCancel, orderID, err)
	}

	exists, err := balance.store.HasLedgerEntry(ctx, h, order.UserID, order.ID, model.ReasonRevertCancel)
	if err != nil {
		return balance.failed(model.ReasonRevertCancel, orderID, err)
	}
	if exists {
		metrics.RecordPoints(model.ReasonRevertCancel, metrics.OutcomeDuplicate, 0)
	} else if err := balance.revert(ctx, h, order); err != nil {
		return err
	}

	return balance.syncGrade(ctx, h, order.UserID, model.ReasonRevertCancel, orderID)
}

func (balance *balance) revert(ctx context.Context, h store.Handle, order model.Order) error {
	earned, err := balance.store.GetEarnedAmount(ctx, h, order.UserID, order.ID)
	if err != nil {
		return balance.failed(model.ReasonRevertCancel, order.ID, err)
	}
	if earned <= 0 {
		metrics.RecordPoints(model.ReasonRevertCancel, metrics.OutcomeSkipped, 0)
		return nil
	}

	inserted, err := balance.store.AppendLedgerEntry(ctx, h, model.PointTransaction{
		UserID:  order.UserID,
		OrderID: order.ID,
		Delta:   -earned,
		Reason:  model.ReasonRevertCancel,
	})
	if err != nil {
		return balance.failed(model.ReasonRevertCancel, order.ID, err)
	}
	if !inserted {
		metrics.RecordPoints(model.ReasonRevertCancel, metrics.OutcomeDuplicate, 0)
		return nil
	}

	ok, err := balance.store.DecrementIfSufficient(ctx, h, order.UserID, earned)
	if err != nil {
		return balance.failed(model.ReasonRevertCancel, order.ID, err)
	}
	if !ok {
		// начисленные баллы уже потрачены
		metrics.RecordPoints(model.ReasonRevertCancel, metrics.OutcomeRejected, 0)
		return ErrInsufficientPointsForRevert
	}

	metrics.RecordPoints(model.ReasonRevertCancel, metrics.OutcomeApplied, earned)
	balance.zaplog.Info("points accrual reverted",
		zap.Int64("user", order.UserID),
		zap.Int64("order", order.ID),
		zap.Int64("points", earned))
	return nil
}

// syncGrade записывает в кэш грейд по полной сумме оплаченных покупок.
func (balance *balance) syncGrade(ctx context.Context, h store.Handle, userID int64, reason string, orderID int64) error {
	lifetime, err := balance.store.SumLifetimeCompletedPurchases(ctx, h, userID, 0)
	if err != nil {
		return balance.failed(reason, orderID, err)
	}
	level := balance.grades.Resolve(lifetime).Level
	if err := balance.store.SyncGradeCache(ctx, h, userID, level); err != nil {
		return balance.failed(reason, orderID, err)
	}
	return nil
}

func (balance *balance) Accrue(ctx context.Context, orderID int64) error {
	return balance.store.WithinTransaction(ctx, func(h store.Handle) error {
		return balance.AccrueOnPayment(ctx, h, orderID)
	})
}

// Adjust - ручная корректировка баланса, без привязки к заказу.
func (balance *balance) Adjust(ctx context.Context, userID int64, delta int64) error {
	if delta == 0 {
		return ErrInvalidAmount
	}

	return balance.store.WithinTransaction(ctx, func(h store.Handle) error {
		if _, err := balance.store.GetBalance(ctx, h, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrUserNotFound
			}
			return balance.failed(model.ReasonAdminAdjust, 0, err)
		}

		if delta > 0 {
			if err := balance.store.Increment(ctx, h, userID, delta); err != nil {
				return balance.failed(model.ReasonAdminAdjust, 0, err)
			}
		} else {
			ok, err := balance.store.DecrementIfSufficient(ctx, h, userID, -delta)
			if err != nil {
				return balance.failed(model.ReasonAdminAdjust, 0, err)
			}
			if !ok {
				metrics.RecordPoints(model.ReasonAdminAdjust, metrics.OutcomeRejected, 0)
				return ErrInsufficientPoints
			}
		}

		_, err := balance.store.AppendLedgerEntry(ctx, h, model.PointTransaction{
			UserID: userID,
			Delta:  delta,
			Reason: model.ReasonAdminAdjust,
		})
		if err != nil {
			return balance.failed(model.ReasonAdminAdjust, 0, err)
		}
		metrics.RecordPoints(model.ReasonAdminAdjust, metrics.OutcomeApplied, delta)

		return balance.syncGrade(ctx, h, userID, model.ReasonAdminAdjust, 0)
	})
}

func (balance *balance) GetSummary(ctx context.Context, userID int64) (Summary, error) {
	current, err := balance.store.GetBalance(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Summary{}, ErrUserNotFound
		}
		return Summary{}, err
	}

	lifetime, err := balance.store.SumLifetimeCompletedPurchases(ctx, nil, userID, 0)
	if err != nil {
		return Summary{}, err
	}

	level := current.Grade
	rate, ok := balance.grades.EarnRate(level)
	if !ok {
		// в кэше грейд, которого нет в текущей таблице
		tier := balance.grades.Resolve(lifetime)
		level, rate = tier.Level, tier.EarnRate
	}
	next := balance.grades.Next(lifetime)

	return Summary{
		Points:            current.Points,
		GradeLevel:        level,
		LifetimePurchase:  lifetime,
		EarnRate:          rate,
		NextGrade:         next.Level,
		AmountToNextGrade: next.AmountNeeded,
		HasNextGrade:      next.OK,
	}, nil
}

func (balance *balance) GetHistory(ctx context.Context, userID int64) ([]model.PointTransaction, error) {
	if _, err := balance.store.GetBalance(ctx, nil, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return balance.store.ListLedgerEntries(ctx, nil, userID)
}

func (balance *balance) failed(reason string, orderID int64, err error) error {
	metrics.RecordPoints(reason, metrics.OutcomeFailed, 0)
	balance.zaplog.Error("points settlement failed",
		zap.String("reason", reason),
		zap.Int64("order", orderID),
		zap.Error(err))
	return fmt.Errorf("%s for order %d: %w", reason, orderID, err)
}
