package config

import "time"

type Config struct {
	SecretKey string
	TTL       time.Duration
}
