package paymentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// JSON ответ платежной системы
type PaymentAnswer struct {
	Order  string `json:"order"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

const (
	PaymentStatusPending = "PENDING"
	PaymentStatusPaid    = "PAID"
	PaymentStatusFailed  = "FAILED"
)

// ErrNotRegistered - платежная система еще не знает о заказе.
var ErrNotRegistered = errors.New("payment not registered")

type PaymentClient interface {
	GetPayment(ctx context.Context, orderNumber string) (PaymentAnswer, error)
}

type paymentClient struct {
	client *resty.Client
}

func NewPaymentClient(serviceAddr string) PaymentClient {
	client := resty.New().
		SetBaseURL(serviceAddr).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return paymentClient{client: client}
}

func (client paymentClient) GetPayment(ctx context.Context, orderNumber string) (PaymentAnswer, error) {
	path := "/api/payments/"

	resp, err := client.client.R().
		SetContext(ctx).
		Get(path + orderNumber)
	if err != nil {
		return PaymentAnswer{}, err
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		var answer PaymentAnswer
		err = json.Unmarshal(resp.Body(), &answer)
		return answer, err
	case http.StatusNoContent, http.StatusNotFound:
		return PaymentAnswer{}, ErrNotRegistered
	default:
		return PaymentAnswer{}, fmt.Errorf("payment request status: %d", resp.StatusCode())
	}
}
