package config

import "time"

type Config struct {
	PaymentAddr         string // адрес платежной системы, пусто - опрос выключен
	PaymentPollInterval time.Duration
	PaymentPollTimeout  time.Duration
}
