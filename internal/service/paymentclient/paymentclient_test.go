package paymentclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/payments/18":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"order":"18","status":"PAID","amount":12345}`))
		case "/api/payments/26":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	client := NewPaymentClient(srv.URL)
	ctx := context.Background()

	answer, err := client.GetPayment(ctx, "18")
	require.NoError(t, err)
	require.Equal(t, PaymentAnswer{Order: "18", Status: PaymentStatusPaid, Amount: 12345}, answer)

	_, err = client.GetPayment(ctx, "26")
	require.ErrorIs(t, err, ErrNotRegistered)

	_, err = client.GetPayment(ctx, "34")
	require.Error(t, err)
}
