package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/loyaltymart/internal/auth"
	"github.com/iurnickita/loyaltymart/internal/balance"
	"github.com/iurnickita/loyaltymart/internal/grade"
	"github.com/iurnickita/loyaltymart/internal/handler/config"
	"github.com/iurnickita/loyaltymart/internal/service"
	serviceConfig "github.com/iurnickita/loyaltymart/internal/service/config"
	"github.com/iurnickita/loyaltymart/internal/store/memstore"
	"github.com/iurnickita/loyaltymart/internal/token"
	tokenConfig "github.com/iurnickita/loyaltymart/internal/token/config"
)

const testAPIKey = "key"

type client struct {
	t      *testing.T
	router http.Handler
	token  string
}

func newTestRouter(t *testing.T, apiKey string) http.Handler {
	t.Helper()
	zaplog := zap.NewNop()
	m := memstore.New()
	grades := grade.NewDefaultTable()
	b := balance.NewBalance(m, grades, zaplog)
	s := service.NewService(serviceConfig.Config{}, m, b, zaplog)
	t.Cleanup(s.Shutdown)
	a := auth.NewAuth(m, token.NewToken(tokenConfig.Config{SecretKey: "secret"}), grades, zaplog)
	h := newHandler(a, s, config.Config{APIKey: apiKey}, zaplog)
	return h.newRouter()
}

func (c *client) do(method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if c.token != "" {
		r.Header.Set("Authorization", c.token)
	}
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, r)
	return w
}

func (c *client) admin(path string, body any) *httptest.ResponseRecorder {
	return c.do(http.MethodPost, path, body, map[string]string{headerAPIKey: testAPIKey})
}

func register(t *testing.T, router http.Handler, login string) *client {
	t.Helper()
	c := &client{t: t, router: router}
	w := c.do(http.MethodPost, "/api/user/register", map[string]string{"login": login, "password": "pass"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	c.token = w.Header().Get("Authorization")
	return c
}

func TestOrderFlow(t *testing.T) {
	router := newTestRouter(t, testAPIKey)
	alice := register(t, router, "alice")

	w := alice.admin("/api/admin/products", ProductJSON{StoreID: 1, Name: "tea", Price: 12345})
	require.Equal(t, http.StatusCreated, w.Code)
	var product ProductJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &product))

	w = alice.do(http.MethodGet, "/api/user/orders", nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// баллов нет
	orderReq := map[string]any{
		"items":     []map[string]int64{{"product_id": product.ID, "quantity": 1}},
		"use_point": 100,
	}
	w = alice.do(http.MethodPost, "/api/user/orders", orderReq, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	orderReq["use_point"] = 0
	w = alice.do(http.MethodPost, "/api/user/orders", orderReq, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var order OrderJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	require.Equal(t, "PROCESSING", order.Status)
	require.Equal(t, int64(12345), order.PaymentAmount)

	w = alice.admin("/api/payments/confirm", ConfirmPaymentJSONRequest{Order: order.Number})
	require.Equal(t, http.StatusOK, w.Code)
	w = alice.admin("/api/payments/confirm", ConfirmPaymentJSONRequest{Order: order.Number})
	require.Equal(t, http.StatusOK, w.Code)

	w = alice.do(http.MethodGet, "/api/user/balance", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary GetBalanceJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	require.Equal(t, int64(246), summary.Points)
	require.Equal(t, "GREEN", summary.Grade)
	require.Equal(t, "0.02", summary.EarnRate.String())
	require.Equal(t, "ORANGE", summary.NextGrade)

	w = alice.do(http.MethodGet, "/api/user/points/history", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []HistoryJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 1)
	require.Equal(t, "EARN_PURCHASE", history[0].Reason)

	// оплаченный заказ не отменяется
	w = alice.do(http.MethodPost, fmt.Sprintf("/api/user/orders/%d/cancel", order.ID), nil, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = alice.do(http.MethodGet, "/api/user/orders", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var orders []OrderJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orders))
	require.Len(t, orders, 1)
	require.Equal(t, "COMPLETED_PAYMENT", orders[0].Status)
}

func TestCancelOrder(t *testing.T) {
	router := newTestRouter(t, testAPIKey)
	alice := register(t, router, "alice")
	bob := register(t, router, "bob")

	w := alice.admin("/api/admin/products", ProductJSON{StoreID: 1, Name: "tea", Price: 500})
	require.Equal(t, http.StatusCreated, w.Code)
	var product ProductJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &product))

	w = alice.do(http.MethodPost, "/api/user/orders", map[string]any{
		"items": []map[string]int64{{"product_id": product.ID, "quantity": 2}},
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var order OrderJSONResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))
	path := fmt.Sprintf("/api/user/orders/%d/cancel", order.ID)

	require.Equal(t, http.StatusForbidden, bob.do(http.MethodPost, path, nil, nil).Code)
	require.Equal(t, http.StatusOK, alice.do(http.MethodPost, path, nil, nil).Code)
	require.Equal(t, http.StatusConflict, alice.do(http.MethodPost, path, nil, nil).Code)
	require.Equal(t, http.StatusNotFound, alice.do(http.MethodPost, "/api/user/orders/999/cancel", nil, nil).Code)
	require.Equal(t, http.StatusBadRequest, alice.do(http.MethodPost, "/api/user/orders/abc/cancel", nil, nil).Code)
}

func TestErrorMapping(t *testing.T) {
	router := newTestRouter(t, testAPIKey)
	alice := register(t, router, "alice")

	tests := []struct {
		name string
		w    *httptest.ResponseRecorder
		code int
	}{
		{name: "unknown product", w: alice.do(http.MethodPost, "/api/user/orders", map[string]any{
			"items": []map[string]int64{{"product_id": 42, "quantity": 1}},
		}, nil), code: http.StatusUnprocessableEntity},
		{name: "empty order", w: alice.do(http.MethodPost, "/api/user/orders", map[string]any{}, nil), code: http.StatusBadRequest},
		{name: "bad json", w: alice.do(http.MethodPost, "/api/user/orders", "[", nil), code: http.StatusBadRequest},
		{name: "bad order number", w: alice.admin("/api/payments/confirm", ConfirmPaymentJSONRequest{Order: "12345"}), code: http.StatusUnprocessableEntity},
		{name: "unknown order", w: alice.admin("/api/payments/confirm", ConfirmPaymentJSONRequest{Order: "18"}), code: http.StatusNotFound},
		{name: "adjust unknown user", w: alice.admin("/api/admin/points/adjust", AdjustPointsJSONRequest{UserID: 404, Delta: 5}), code: http.StatusNotFound},
		{name: "adjust below zero", w: alice.admin("/api/admin/points/adjust", AdjustPointsJSONRequest{UserID: 1, Delta: -5}), code: http.StatusPaymentRequired},
		{name: "adjust", w: alice.admin("/api/admin/points/adjust", AdjustPointsJSONRequest{UserID: 1, Delta: 5}), code: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.code, tt.w.Code)
		})
	}
}

func TestAccessControl(t *testing.T) {
	router := newTestRouter(t, testAPIKey)
	anonymous := &client{t: t, router: router}

	require.Equal(t, http.StatusUnauthorized, anonymous.do(http.MethodGet, "/api/user/balance", nil, nil).Code)
	require.Equal(t, http.StatusUnauthorized,
		anonymous.do(http.MethodPost, "/api/payments/confirm", ConfirmPaymentJSONRequest{Order: "18"}, nil).Code)
	require.Equal(t, http.StatusUnauthorized,
		anonymous.do(http.MethodPost, "/api/admin/products", ProductJSON{}, map[string]string{headerAPIKey: "wrong"}).Code)

	require.Equal(t, http.StatusOK, anonymous.do(http.MethodGet, "/metrics", nil, nil).Code)

	// без ключа служебные маршруты выключены
	closed := &client{t: t, router: newTestRouter(t, "")}
	require.Equal(t, http.StatusNotFound,
		closed.do(http.MethodPost, "/api/admin/products", ProductJSON{}, map[string]string{headerAPIKey: ""}).Code)
}
