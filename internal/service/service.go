package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/loyaltymart/internal/balance"
	"github.com/iurnickita/loyaltymart/internal/metrics"
	"github.com/iurnickita/loyaltymart/internal/model"
	"github.com/iurnickita/loyaltymart/internal/service/config"
	"github.com/iurnickita/loyaltymart/internal/service/paymentclient"
	"github.com/iurnickita/loyaltymart/internal/store"
)

type Service interface {
	CreateOrder(ctx context.Context, userID int64, items []model.OrderItemInput, usePoint int64) (model.Order, error)
	CancelOrder(ctx context.Context, orderID int64, userID int64) error
	ConfirmPayment(ctx context.Context, orderNumber string) error
	GetOrders(ctx context.Context, userID int64) ([]model.Order, error)
	GetBalance(ctx context.Context, userID int64) (balance.Summary, error)
	GetHistory(ctx context.Context, userID int64) ([]model.PointTransaction, error)
	AdjustPoints(ctx context.Context, userID int64, delta int64) error
	CreateProduct(ctx context.Context, product model.Product) (model.Product, error)
	Shutdown()
}

var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidState       = errors.New("invalid order state")
	ErrInvalidProduct     = errors.New("invalid product")
	ErrInvalidOrderNumber = errors.New("invalid order number")
	ErrSettlementFailure  = errors.New("settlement failure")
)

type service struct {
	cfg     config.Config
	store   store.Store
	balance balance.Balance
	payment paymentclient.PaymentClient
	zaplog  *zap.Logger

	// pollMu упорядочивает запуск опроса и Shutdown
	pollMu     sync.Mutex
	pollCtx    context.Context
	pollCancel context.CancelFunc
	pollers    sync.WaitGroup
}

func NewService(cfg config.Config, store store.Store, balance balance.Balance, zaplog *zap.Logger) Service {
	pollCtx, pollCancel := context.WithCancel(context.Background())
	service := service{
		cfg:        cfg,
		store:      store,
		balance:    balance,
		zaplog:     zaplog,
		pollCtx:    pollCtx,
		pollCancel: pollCancel,
	}
	if cfg.PaymentAddr != "" {
		service.payment = paymentclient.NewPaymentClient(cfg.PaymentAddr)
	}
	return &service
}

func (service *service) CreateOrder(ctx context.Context, userID int64, items []model.OrderItemInput, usePoint int64) (model.Order, error) {
	if userID == 0 || len(items) == 0 || usePoint < 0 {
		return model.Order{}, ErrInsufficientData
	}
	quantities := make(map[int64]int64, len(items))
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		if item.ProductID <= 0 || item.Quantity <= 0 {
			return model.Order{}, ErrInsufficientData
		}
		if _, ok := quantities[item.ProductID]; !ok {
			ids = append(ids, item.ProductID)
		}
		quantities[item.ProductID] += item.Quantity
	}

	user, err := service.store.GetBalance(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Order{}, ErrNotFound
		}
		return model.Order{}, err
	}
	// до записи: списать больше, чем есть, нельзя
	if usePoint > user.Points {
		return model.Order{}, balance.ErrInsufficientPoints
	}

	products, err := service.store.GetProducts(ctx, nil, ids)
	if err != nil {
		return model.Order{}, err
	}
	if len(products) != len(ids) {
		return model.Order{}, fmt.Errorf("%w: unknown product", ErrInvalidProduct)
	}

	// заказ оформляется в одном магазине
	order := model.Order{
		UserID:   userID,
		StoreID:  products[0].StoreID,
		Status:   model.OrderStatusProcessing,
		UsePoint: usePoint,
	}
	orderItems := make([]model.OrderItem, 0, len(products))
	for _, product := range products {
		if product.StoreID != order.StoreID {
			return model.Order{}, fmt.Errorf("%w: products from more than one store", ErrInvalidProduct)
		}
		quantity := quantities[product.ID]
		// сумма заказа не должна переполнять int64
		if product.Price > 0 && quantity > (math.MaxInt64-order.TotalPrice)/product.Price {
			return model.Order{}, fmt.Errorf("%w: order total overflows", ErrInsufficientData)
		}
		order.TotalPrice += product.Price * quantity
		orderItems = append(orderItems, model.OrderItem{
			ProductID: product.ID,
			Quantity:  quantity,
			Price:     product.Price,
		})
	}
	if usePoint > order.TotalPrice {
		return model.Order{}, ErrInsufficientData
	}
	order.PaymentAmount = order.TotalPrice - usePoint

	err = service.store.WithinTransaction(ctx, func(h store.Handle) error {
		if err := service.store.CreateOrder(ctx, h, &order); err != nil {
			return err
		}
		for i := range orderItems {
			orderItems[i].OrderID = order.ID
		}
		if err := service.store.CreateOrderItems(ctx, h, orderItems); err != nil {
			return err
		}
		if usePoint > 0 {
			return service.balance.SpendOnOrderPlacement(ctx, h, userID, order.ID, usePoint)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, balance.ErrInsufficientPoints) {
			return model.Order{}, balance.ErrInsufficientPoints
		}
		service.zaplog.Error("order creation failed", zap.Int64("user", userID), zap.Error(err))
		return model.Order{}, fmt.Errorf("%w: %w", ErrSettlementFailure, err)
	}
	order.Items = orderItems
	metrics.RecordOrderTransition(model.OrderStatusProcessing)

	if service.payment != nil {
		service.startPolling(order)
	}

	return order, nil
}

func (service *service) CancelOrder(ctx context.Context, orderID int64, userID int64) error {
	order, err := service.store.GetOrder(ctx, nil, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if order.UserID != userID {
		return ErrForbidden
	}
	if order.Status != model.OrderStatusProcessing {
		return ErrInvalidState
	}

	// отмена и возврат начисления - одно целое
	err = service.store.WithinTransaction(ctx, func(h store.Handle) error {
		ok, err := service.store.UpdateOrderStatus(ctx, h, orderID, model.OrderStatusProcessing, model.OrderStatusCanceled)
		if err != nil {
			return err
		}
		if !ok {
			// статус сменился параллельно
			return ErrInvalidState
		}
		return service.balance.RevertOnCancellation(ctx, h, orderID)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidState):
			return ErrInvalidState
		case errors.Is(err, balance.ErrInsufficientPointsForRevert):
			return balance.ErrInsufficientPointsForRevert
		default:
			service.zaplog.Error("order cancellation failed", zap.Int64("order", orderID), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrSettlementFailure, err)
		}
	}
	metrics.RecordOrderTransition(model.OrderStatusCanceled)
	return nil
}

// ConfirmPayment переводит заказ в оплаченные и начисляет баллы.
// Повторное подтверждение оплаченного заказа безопасно.
func (service *service) ConfirmPayment(ctx context.Context, orderNumber string) error {
	if !model.ValidOrderNumber(orderNumber) {
		return ErrInvalidOrderNumber
	}
	order, err := service.store.GetOrderByNumber(ctx, nil, orderNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	var transitioned bool
	err = service.store.WithinTransaction(ctx, func(h store.Handle) error {
		ok, err := service.store.UpdateOrderStatus(ctx, h, order.ID, model.OrderStatusProcessing, model.OrderStatusCompletedPayment)
		if err != nil {
			return err
		}
		if !ok {
			current, err := service.store.GetOrder(ctx, h, order.ID)
			if err != nil {
				return err
			}
			if current.Status != model.OrderStatusCompletedPayment {
				return ErrInvalidState
			}
		}
		transitioned = ok
		return service.balance.AccrueOnPayment(ctx, h, order.ID)
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return ErrInvalidState
		}
		service.zaplog.Error("payment confirmation failed", zap.String("order", orderNumber), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrSettlementFailure, err)
	}
	if transitioned {
		metrics.RecordOrderTransition(model.OrderStatusCompletedPayment)
	}
	return nil
}

// paymentProcessing опрашивает платежную систему, пока заказ не будет оплачен
// или отклонен.
func (service *service) paymentProcessing(order model.Order) {
	defer service.pollers.Done()

	interval := service.cfg.PaymentPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := service.cfg.PaymentPollTimeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	ctx, cancel := context.WithTimeout(service.pollCtx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			answer, err := service.payment.GetPayment(ctx, order.Number)
			if err != nil {
				if !errors.Is(err, paymentclient.ErrNotRegistered) {
					service.zaplog.Warn("payment request failed", zap.String("order", order.Number), zap.Error(err))
				}
				continue
			}
			switch answer.Status {
			case paymentclient.PaymentStatusPaid:
				err := service.ConfirmPayment(ctx, order.Number)
				if err != nil && !errors.Is(err, ErrInvalidState) {
					// повторим на следующем тике: подтверждение идемпотентно
					service.zaplog.Warn("payment confirmation failed", zap.String("order", order.Number), zap.Error(err))
					continue
				}
				return
			case paymentclient.PaymentStatusFailed:
				service.zaplog.Info("payment failed", zap.String("order", order.Number))
				return
			default:
			}
		}
	}
}

func (service *service) startPolling(order model.Order) {
	service.pollMu.Lock()
	defer service.pollMu.Unlock()

	// после Shutdown новые опросы не запускаются
	if service.pollCtx.Err() != nil {
		service.zaplog.Warn("payment polling stopped, order left for confirmation", zap.String("order", order.Number))
		return
	}
	service.pollers.Add(1)
	go service.paymentProcessing(order)
}

// Shutdown останавливает опрос платежной системы.
func (service *service) Shutdown() {
	service.pollMu.Lock()
	service.pollCancel()
	service.pollMu.Unlock()

	service.pollers.Wait()
}

func (service *service) GetOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	if userID == 0 {
		return nil, ErrInsufficientData
	}

	return service.store.ListOrders(ctx, nil, userID)
}

func (service *service) GetBalance(ctx context.Context, userID int64) (balance.Summary, error) {
	if userID == 0 {
		return balance.Summary{}, ErrInsufficientData
	}

	return service.balance.GetSummary(ctx, userID)
}

func (service *service) GetHistory(ctx context.Context, userID int64) ([]model.PointTransaction, error) {
	if userID == 0 {
		return nil, ErrInsufficientData
	}

	return service.balance.GetHistory(ctx, userID)
}

func (service *service) AdjustPoints(ctx context.Context, userID int64, delta int64) error {
	if userID == 0 || delta == 0 {
		return ErrInsufficientData
	}

	return service.balance.Adjust(ctx, userID, delta)
}

func (service *service) CreateProduct(ctx context.Context, product model.Product) (model.Product, error) {
	if product.Name == "" || product.StoreID <= 0 || product.Price < 0 {
		return model.Product{}, ErrInsufficientData
	}

	id, err := service.store.CreateProduct(ctx, product)
	if err != nil {
		return model.Product{}, err
	}
	product.ID = id
	return product, nil
}
