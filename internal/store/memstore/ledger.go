package memstore

import (
	"context"
	"time"

	"github.com/iurnickita/loyaltymart/internal/model"
	"github.com/iurnickita/loyaltymart/internal/store"
)

func (m *Memory) GetBalance(_ context.Context, h store.Handle, userID int64) (model.Balance, error) {
	_, unlock := m.begin(h)
	defer unlock()

	if err := m.fault("GetBalance"); err != nil {
		return model.Balance{}, err
	}
	user, ok := m.users[userID]
	if !ok {
		return model.Balance{}, store.ErrNotFound
	}
	return model.Balance{UserID: userID, Points: user.Points, Grade: user.Grade}, nil
}

func (m *Memory) SumLifetimeCompletedPurchases(_ context.Context, h store.Handle, userID int64, excludeOrderID int64) (int64, error) {
	_, unlock := m.begin(h)
	defer unlock()

	var sum int64
	for _, order := range m.orders {
		if order.UserID != userID || order.ID == excludeOrderID {
			continue
		}
		if order.Status == model.OrderStatusCompletedPayment {
			sum += order.TotalPrice
		}
	}
	return sum, nil
}

func (m *Memory) HasLedgerEntry(_ context.Context, h store.Handle, userID int64, orderID int64, reason string) (bool, error) {
	_, unlock := m.begin(h)
	defer unlock()

	_, ok := m.keys[ledgerKey{userID: userID, orderID: orderID, reason: reason}]
	return ok, nil
}

func (m *Memory) DecrementIfSufficient(_ context.Context, h store.Handle, userID int64, amount int64) (bool, error) {
	t, unlock := m.begin(h)
	defer unlock()

	if err := m.fault("DecrementIfSufficient"); err != nil {
		return false, err
	}
	user, ok := m.users[userID]
	if !ok || user.Points < amount {
		return false, nil
	}
	user.Points -= amount
	t.onRollback(func() { user.Points += amount })
	return true, nil
}

func (m *Memory) Increment(_ context.Context, h store.Handle, userID int64, amount int64) error {
	t, unlock := m.begin(h)
	defer unlock()

	if err := m.fault("Increment"); err != nil {
		return err
	}
	user, ok := m.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.Points += amount
	t.onRollback(func() { user.Points -= amount })
	return nil
}

func (m *Memory) AppendLedgerEntry(_ context.Context, h store.Handle, entry model.PointTransaction) (bool, error) {
	t, unlock := m.begin(h)
	defer unlock()

	if err := m.fault("AppendLedgerEntry"); err != nil {
		return false, err
	}
	// как и NULL в PostgreSQL, записи без заказа не уникальны
	key := ledgerKey{userID: entry.UserID, orderID: entry.OrderID, reason: entry.Reason}
	if entry.OrderID != 0 {
		if _, ok := m.keys[key]; ok {
			return false, nil
		}
	}

	m.ledgerSeq++
	entry.ID = m.ledgerSeq
	entry.CreatedAt = time.Now()
	m.ledger = append(m.ledger, entry)
	if entry.OrderID != 0 {
		m.keys[key] = struct{}{}
	}

	n := len(m.ledger) - 1
	t.onRollback(func() {
		m.ledger = m.ledger[:n]
		if entry.OrderID != 0 {
			delete(m.keys, key)
		}
	})
	return true, nil
}

func (m *Memory) SyncGradeCache(_ context.Context, h store.Handle, userID int64, level string) error {
	t, unlock := m.begin(h)
	defer unlock()

	if err := m.fault("SyncGradeCache"); err != nil {
		return err
	}
	user, ok := m.users[userID]
	if !ok {
		return nil
	}
	prev := user.Grade
	user.Grade = level
	t.onRollback(func() { user.Grade = prev })
	return nil
}

func (m *Memory) GetEarnedAmount(_ context.Context, h store.Handle, userID int64, orderID int64) (int64, error) {
	_, unlock := m.begin(h)
	defer unlock()

	for _, entry := range m.ledger {
		if entry.UserID == userID && entry.OrderID == orderID && entry.Reason == model.ReasonEarnPurchase {
			return entry.Delta, nil
		}
	}
	return 0, nil
}

func (m *Memory) ListLedgerEntries(_ context.Context, h store.Handle, userID int64) ([]model.PointTransaction, error) {
	_, unlock := m.begin(h)
	defer unlock()

	var entries []model.PointTransaction
	for _, entry := range m.ledger {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
