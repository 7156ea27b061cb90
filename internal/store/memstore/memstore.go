// Package memstore - хранилище в памяти с той же семантикой, что и PostgreSQL:
// транзакции сериализуются одной блокировкой, откат выполняется по журналу отмены.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/loyaltymart/internal/model"
	"github.com/iurnickita/loyaltymart/internal/store"
)

type ledgerKey struct {
	userID  int64
	orderID int64
	reason  string
}

type Memory struct {
	mu sync.Mutex

	users    map[int64]*model.User
	logins   map[string]int64
	products map[int64]model.Product
	orders   map[int64]*model.Order
	ledger   []model.PointTransaction
	keys     map[ledgerKey]struct{}

	userSeq    int64
	productSeq int64
	orderSeq   int64
	ledgerSeq  int64

	faults map[string]error
}

var _ store.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		users:    make(map[int64]*model.User),
		logins:   make(map[string]int64),
		products: make(map[int64]model.Product),
		orders:   make(map[int64]*model.Order),
		keys:     make(map[ledgerKey]struct{}),
		faults:   make(map[string]error),
	}
}

// InjectFault заставляет операцию op (имя метода) возвращать err.
// nil снимает ошибку.
func (m *Memory) InjectFault(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op)
		return
	}
	m.faults[op] = err
}

func (m *Memory) Close() error {
	return nil
}

// tx - транзакция, удерживающая m.mu до Commit/Rollback.
type tx struct {
	undo []func()
	done bool
}

func (t *tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	t.undo = nil
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	return nil
}

func (m *Memory) WithinTransaction(ctx context.Context, fn func(h store.Handle) error) (err error) {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t := &tx{}
	defer func() {
		if p := recover(); p != nil {
			_ = t.Rollback()
			panic(p)
		}
		if err != nil {
			_ = t.Rollback()
		}
	}()

	if err = fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// begin захватывает блокировку для вызова вне транзакции.
// Внутри транзакции блокировка уже удерживается.
func (m *Memory) begin(h store.Handle) (*tx, func()) {
	if t, ok := h.(*tx); ok && t != nil {
		return t, func() {}
	}
	m.mu.Lock()
	return nil, m.mu.Unlock
}

func (t *tx) onRollback(f func()) {
	if t != nil {
		t.undo = append(t.undo, f)
	}
}

func (m *Memory) fault(op string) error {
	return m.faults[op]
}

// Пользователи

func (m *Memory) CreateUser(_ context.Context, user model.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fault("CreateUser"); err != nil {
		return 0, err
	}
	if _, ok := m.logins[user.Login]; ok {
		return 0, store.ErrAlreadyExists
	}
	m.userSeq++
	user.ID = m.userSeq
	user.CreatedAt = time.Now()
	m.users[user.ID] = &user
	m.logins[user.Login] = user.ID
	return user.ID, nil
}

func (m *Memory) GetUserByLogin(_ context.Context, login string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.logins[login]
	if !ok {
		return model.User{}, store.ErrNotFound
	}
	return *m.users[id], nil
}

// Каталог

func (m *Memory) CreateProduct(_ context.Context, product model.Product) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.productSeq++
	product.ID = m.productSeq
	m.products[product.ID] = product
	return product.ID, nil
}

func (m *Memory) GetProducts(_ context.Context, h store.Handle, ids []int64) ([]model.Product, error) {
	_, unlock := m.begin(h)
	defer unlock()

	var products []model.Product
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if product, ok := m.products[id]; ok {
			products = append(products, product)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

// Заказы

func (m *Memory) CreateOrder(_ context.Context, h store.Handle, order *model.Order) error {
	t, unlock := m.begin(h)
	defer unlock()

	if err := m.fault("CreateOrder"); err != nil {
		return err
	}
	if _, ok := m.users[order.UserID]; !ok {
		return fmt.Errorf("user %d: %w", order.UserID, store.ErrNotFound)
	}

	m.orderSeq++
	now := time.Now()
	order.ID = m.orderSeq
	order.Number = model.OrderNumber(order.ID)
	order.CreatedAt = now
	order.UpdatedAt = now

	stored := *order
	stored.Items = nil
	m.orders[order.ID] = &stored
	t.onRollback(func() { delete(m.orders, stored.ID) })
	return nil
}

func (m *Memory) CreateOrderItems(_ context.Context, h store.Handle, items []model.OrderItem) error {
	t, unlock := m.begin(h)
	defer unlock()

	if err := m.fault("CreateOrderItems"); err != nil {
		return err
	}
	for _, item := range items {
		order, ok := m.orders[item.OrderID]
		if !ok {
			return fmt.Errorf("order %d: %w", item.OrderID, store.ErrNotFound)
		}
		prev := order.Items
		order.Items = append(append([]model.OrderItem(nil), prev...), item)
		t.onRollback(func() { order.Items = prev })
	}
	return nil
}

func (m *Memory) GetOrder(_ context.Context, h store.Handle, orderID int64) (model.Order, error) {
	_, unlock := m.begin(h)
	defer unlock()

	order, ok := m.orders[orderID]
	if !ok {
		return model.Order{}, store.ErrNotFound
	}
	return copyOrder(order), nil
}

func (m *Memory) GetOrderByNumber(_ context.Context, h store.Handle, number string) (model.Order, error) {
	_, unlock := m.begin(h)
	defer unlock()

	for _, order := range m.orders {
		if order.Number == number {
			return copyOrder(order), nil
		}
	}
	return model.Order{}, store.ErrNotFound
}

func (m *Memory) ListOrders(_ context.Context, h store.Handle, userID int64) ([]model.Order, error) {
	_, unlock := m.begin(h)
	defer unlock()

	var orders []model.Order
	for _, order := range m.orders {
		if order.UserID == userID {
			orders = append(orders, copyOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

func (m *Memory) UpdateOrderStatus(_ context.Context, h store.Handle, orderID int64, from string, to string) (bool, error) {
	t, unlock := m.begin(h)
	defer unlock()

	if err := m.fault("UpdateOrderStatus"); err != nil {
		return false, err
	}
	order, ok := m.orders[orderID]
	if !ok || order.Status != from {
		return false, nil
	}
	prevStatus, prevUpdated := order.Status, order.UpdatedAt
	order.Status = to
	order.UpdatedAt = time.Now()
	t.onRollback(func() {
		order.Status = prevStatus
		order.UpdatedAt = prevUpdated
	})
	return true, nil
}

func copyOrder(order *model.Order) model.Order {
	c := *order
	c.Items = append([]model.OrderItem(nil), order.Items...)
	return c
}
