package model

import "time"

// Пользователи

type User struct {
	ID           int64
	Login        string
	PasswordHash string
	Points       int64
	Grade        string
	CreatedAt    time.Time
}

// Баланс и грейд пользователя
type Balance struct {
	UserID int64
	Points int64
	Grade  string
}

// Каталог

type Product struct {
	ID      int64
	StoreID int64
	Name    string
	Price   int64
}

// Заказы

type Order struct {
	ID            int64
	Number        string
	UserID        int64
	StoreID       int64
	Status        string
	TotalPrice    int64
	UsePoint      int64
	PaymentAmount int64
	Items         []OrderItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	OrderID   int64
	ProductID int64
	Quantity  int64
	Price     int64
}

// Позиция заказа во входящем запросе
type OrderItemInput struct {
	ProductID int64
	Quantity  int64
}

const (
	OrderStatusProcessing       = "PROCESSING"
	OrderStatusCompletedPayment = "COMPLETED_PAYMENT"
	OrderStatusCanceled         = "CANCELED"
)

// Журнал операций с баллами

type PointTransaction struct {
	ID        int64
	UserID    int64
	OrderID   int64 // 0 - операция не привязана к заказу
	Delta     int64
	Reason    string
	CreatedAt time.Time
}

const (
	ReasonEarnPurchase = "EARN_PURCHASE"
	ReasonSpendOrder   = "SPEND_ORDER"
	ReasonRevertCancel = "REVERT_CANCEL"
	ReasonAdminAdjust  = "ADMIN_ADJUST"
)
