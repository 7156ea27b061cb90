package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/loyaltymart/internal/auth"
	"github.com/iurnickita/loyaltymart/internal/balance"
	"github.com/iurnickita/loyaltymart/internal/handler/config"
	"github.com/iurnickita/loyaltymart/internal/logger"
	"github.com/iurnickita/loyaltymart/internal/metrics"
	"github.com/iurnickita/loyaltymart/internal/model"
	"github.com/iurnickita/loyaltymart/internal/service"
)

const headerAPIKey = "X-Api-Key"

// Serve обслуживает запросы, пока не отменен ctx.
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, cfg, zaplog)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h.newRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("server started", zap.String("addr", cfg.ServerAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type handler struct {
	auth    auth.Auth
	service service.Service
	cfg     config.Config
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, cfg config.Config, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		cfg:     cfg,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Compress(5, "application/json"))
	if len(h.cfg.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   h.cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Authorization"},
			AllowCredentials: true,
		}))
	}
	router.Use(logger.RequestLogMdlw(h.zaplog))
	router.Use(metrics.Instrument)

	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	router.Route("/api/user", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if h.cfg.LoginRate > 0 {
				r.Use(newRateLimiter(h.cfg.LoginRate, h.cfg.LoginBurst, h.zaplog).Handler)
			}
			r.Post("/register", h.auth.Register)
			r.Post("/login", h.auth.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)
			r.Post("/orders", h.PostOrder)
			r.Get("/orders", h.GetOrders)
			r.Post("/orders/{id}/cancel", h.CancelOrder)
			r.Get("/balance", h.GetBalance)
			r.Get("/points/history", h.GetHistory)
		})
	})

	// служебные маршруты: платежная система и администратор
	router.Group(func(r chi.Router) {
		r.Use(h.apiKeyMiddleware)
		r.Post("/api/payments/confirm", h.ConfirmPayment)
		r.Post("/api/admin/products", h.PostProduct)
		r.Post("/api/admin/points/adjust", h.AdjustPoints)
	})

	return router
}

func (h *handler) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.APIKey == "" {
			http.NotFound(w, r)
			return
		}
		key := r.Header.Get(headerAPIKey)
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.APIKey)) != 1 {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type PostOrderJSONRequest struct {
	Items []struct {
		ProductID int64 `json:"product_id"`
		Quantity  int64 `json:"quantity"`
	} `json:"items"`
	UsePoint int64 `json:"use_point"`
}

type OrderItemJSON struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
	Price     int64 `json:"price"`
}

type OrderJSONResponse struct {
	ID            int64           `json:"id"`
	Number        string          `json:"number"`
	StoreID       int64           `json:"store_id"`
	Status        string          `json:"status"`
	TotalPrice    int64           `json:"total_price"`
	UsePoint      int64           `json:"use_point"`
	PaymentAmount int64           `json:"payment_amount"`
	Items         []OrderItemJSON `json:"items,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func orderJSON(order model.Order) OrderJSONResponse {
	resp := OrderJSONResponse{
		ID:            order.ID,
		Number:        order.Number,
		StoreID:       order.StoreID,
		Status:        order.Status,
		TotalPrice:    order.TotalPrice,
		UsePoint:      order.UsePoint,
		PaymentAmount: order.PaymentAmount,
		CreatedAt:     order.CreatedAt,
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, OrderItemJSON{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}
	return resp
}

func (h *handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var req PostOrderJSONRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID, _ := auth.UserID(r.Context())

	items := make([]model.OrderItemInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, model.OrderItemInput{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	order, err := h.service.CreateOrder(r.Context(), userID, items, req.UsePoint)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, orderJSON(order))
}

func (h *handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	orders, err := h.service.GetOrders(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ordersJSON := make([]OrderJSONResponse, 0, len(orders))
	for _, order := range orders {
		ordersJSON = append(ordersJSON, orderJSON(order))
	}
	h.writeJSON(w, http.StatusOK, ordersJSON)
}

func (h *handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || orderID <= 0 {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}
	userID, _ := auth.UserID(r.Context())

	if err := h.service.CancelOrder(r.Context(), orderID, userID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type GetBalanceJSONResponse struct {
	Points            int64           `json:"points"`
	Grade             string          `json:"grade"`
	EarnRate          decimal.Decimal `json:"earn_rate"`
	LifetimePurchase  int64           `json:"lifetime_purchase"`
	NextGrade         string          `json:"next_grade,omitempty"`
	AmountToNextGrade int64           `json:"amount_to_next_grade,omitempty"`
}

func (h *handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	summary, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := GetBalanceJSONResponse{
		Points:           summary.Points,
		Grade:            summary.GradeLevel,
		EarnRate:         summary.EarnRate,
		LifetimePurchase: summary.LifetimePurchase,
	}
	if summary.HasNextGrade {
		resp.NextGrade = summary.NextGrade
		resp.AmountToNextGrade = summary.AmountToNextGrade
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type HistoryJSONResponse struct {
	Delta     int64     `json:"delta"`
	Reason    string    `json:"reason"`
	OrderID   int64     `json:"order_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())

	entries, err := h.service.GetHistory(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	historyJSON := make([]HistoryJSONResponse, 0, len(entries))
	for _, e := range entries {
		historyJSON = append(historyJSON, HistoryJSONResponse{
			Delta:     e.Delta,
			Reason:    e.Reason,
			OrderID:   e.OrderID,
			CreatedAt: e.CreatedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, historyJSON)
}

type ConfirmPaymentJSONRequest struct {
	Order string `json:"order"`
}

func (h *handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req ConfirmPaymentJSONRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.ConfirmPayment(r.Context(), req.Order); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type ProductJSON struct {
	ID      int64  `json:"id"`
	StoreID int64  `json:"store_id"`
	Name    string `json:"name"`
	Price   int64  `json:"price"`
}

func (h *handler) PostProduct(w http.ResponseWriter, r *http.Request) {
	var req ProductJSON
	if !h.decode(w, r, &req) {
		return
	}

	product, err := h.service.CreateProduct(r.Context(), model.Product{
		StoreID: req.StoreID,
		Name:    req.Name,
		Price:   req.Price,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, ProductJSON{
		ID:      product.ID,
		StoreID: product.StoreID,
		Name:    product.Name,
		Price:   product.Price,
	})
}

type AdjustPointsJSONRequest struct {
	UserID int64 `json:"user_id"`
	Delta  int64 `json:"delta"`
}

func (h *handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req AdjustPointsJSONRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.AdjustPoints(r.Context(), req.UserID, req.Delta); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		h.zaplog.Error("response encoding failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

// writeError переводит ошибки сервиса в коды ответа.
// Детали внутренних сбоев наружу не отдаются.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, service.ErrInsufficientData), errors.Is(err, balance.ErrInvalidAmount):
		code = http.StatusBadRequest
	case errors.Is(err, balance.ErrInsufficientPoints):
		code = http.StatusPaymentRequired
	case errors.Is(err, balance.ErrInsufficientPointsForRevert), errors.Is(err, service.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, service.ErrNotFound), errors.Is(err, balance.ErrOrderNotFound), errors.Is(err, balance.ErrUserNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, service.ErrInvalidProduct), errors.Is(err, service.ErrInvalidOrderNumber):
		code = http.StatusUnprocessableEntity
	default:
		h.zaplog.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Error(w, err.Error(), code)
}
