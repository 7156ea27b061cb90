package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iurnickita/loyaltymart/internal/model"
)

func (store *store) GetBalance(ctx context.Context, h Handle, userID int64) (model.Balance, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	balance := model.Balance{UserID: userID}
	err := store.ext(h).QueryRowxContext(ctx,
		"SELECT points, grade FROM users WHERE id = $1",
		userID).Scan(&balance.Points, &balance.Grade)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Balance{}, ErrNotFound
		}
		return model.Balance{}, err
	}
	return balance, nil
}

func (store *store) SumLifetimeCompletedPurchases(ctx context.Context, h Handle, userID int64, excludeOrderID int64) (int64, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	// excludeOrderID = 0 ничего не исключает: id начинаются с 1
	var sum int64
	err := store.ext(h).QueryRowxContext(ctx,
		"SELECT COALESCE(SUM(total_price), 0)"+
			" FROM orders"+
			" WHERE user_id = $1"+
			"   AND status = $2"+
			"   AND id <> $3",
		userID,
		model.OrderStatusCompletedPayment,
		excludeOrderID).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum, nil
}

func (store *store) HasLedgerEntry(ctx context.Context, h Handle, userID int64, orderID int64, reason string) (bool, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	var exists bool
	err := store.ext(h).QueryRowxContext(ctx,
		"SELECT EXISTS ("+
			" SELECT 1 FROM point_transactions"+
			" WHERE user_id = $1"+
			"   AND order_id = $2"+
			"   AND reason = $3)",
		userID,
		orderID,
		reason).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// DecrementIfSufficient - одно условное обновление, без чтения баланса:
// два параллельных списания не могут вместе уйти за пределы баланса.
func (store *store) DecrementIfSufficient(ctx context.Context, h Handle, userID int64, amount int64) (bool, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	res, err := store.ext(h).ExecContext(ctx,
		"UPDATE users"+
			" SET points = points - $2"+
			" WHERE id = $1"+
			"   AND points >= $2",
		userID,
		amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (store *store) Increment(ctx context.Context, h Handle, userID int64, amount int64) error {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	res, err := store.ext(h).ExecContext(ctx,
		"UPDATE users SET points = points + $2 WHERE id = $1",
		userID,
		amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (store *store) AppendLedgerEntry(ctx context.Context, h Handle, entry model.PointTransaction) (bool, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	// ручные корректировки не привязаны к заказу: order_id NULL не участвует в уникальности
	orderID := sql.NullInt64{Int64: entry.OrderID, Valid: entry.OrderID != 0}

	var id int64
	err := store.ext(h).QueryRowxContext(ctx,
		"INSERT INTO point_transactions (user_id, order_id, delta, reason)"+
			" VALUES ($1, $2, $3, $4)"+
			" ON CONFLICT (user_id, order_id, reason) DO NOTHING"+
			" RETURNING id",
		entry.UserID,
		orderID,
		entry.Delta,
		entry.Reason).Scan(&id)
	if err != nil {
		// конфликт: запись уже сделана, в том числе параллельной транзакцией
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (store *store) SyncGradeCache(ctx context.Context, h Handle, userID int64, level string) error {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	_, err := store.ext(h).ExecContext(ctx,
		"UPDATE users SET grade = $2 WHERE id = $1",
		userID,
		level)
	return err
}

func (store *store) GetEarnedAmount(ctx context.Context, h Handle, userID int64, orderID int64) (int64, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	var delta int64
	err := store.ext(h).QueryRowxContext(ctx,
		"SELECT delta FROM point_transactions"+
			" WHERE user_id = $1"+
			"   AND order_id = $2"+
			"   AND reason = $3",
		userID,
		orderID,
		model.ReasonEarnPurchase).Scan(&delta)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return delta, nil
}

func (store *store) ListLedgerEntries(ctx context.Context, h Handle, userID int64) ([]model.PointTransaction, error) {
	ctx, cancel := store.timeout(ctx)
	defer cancel()

	rows, err := store.ext(h).QueryxContext(ctx,
		"SELECT id, user_id, COALESCE(order_id, 0), delta, reason, created_at"+
			" FROM point_transactions"+
			" WHERE user_id = $1"+
			" ORDER BY id",
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.PointTransaction
	for rows.Next() {
		var entry model.PointTransaction
		err := rows.Scan(&entry.ID,
			&entry.UserID,
			&entry.OrderID,
			&entry.Delta,
			&entry.Reason,
			&entry.CreatedAt)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
